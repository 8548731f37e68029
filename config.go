package slcan

import (
	"fmt"
	"time"

	"github.com/roffe/slcan/pkg/transport"
	"github.com/sirupsen/logrus"
)

const (
	DefaultCommandTimeout = time.Second
	DefaultCommandDelay   = 10 * time.Millisecond
	DefaultPollInterval   = 5 * time.Millisecond
	DefaultEventBuffer    = 100
	DefaultBaudRate       = 115200
)

// SupportedBaudRates are the serial port speeds accepted by SerialConfig.
var SupportedBaudRates = []int{9600, 19200, 38400, 57600, 115200, 230400, 460800, 921600, 1000000, 2000000}

// SerialConfig selects the port an adapter is attached to. It is supplied at
// connect time and dropped at disconnect.
type SerialConfig struct {
	Port        string
	BaudRate    int
	ReadTimeout time.Duration
}

func (c SerialConfig) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("%w: no port given", ErrConfiguration)
	}
	for _, b := range SupportedBaudRates {
		if b == c.BaudRate {
			return nil
		}
	}
	return fmt.Errorf("%w: unsupported baud rate %d", ErrConfiguration, c.BaudRate)
}

func (c SerialConfig) transport() transport.Config {
	return transport.Config{
		Port:        c.Port,
		BaudRate:    c.BaudRate,
		ReadTimeout: c.ReadTimeout,
	}
}

// Bitrate is a CAN bus bitrate in bit/s from the fixed SLCAN table.
type Bitrate int

const (
	Bitrate10k  Bitrate = 10000
	Bitrate20k  Bitrate = 20000
	Bitrate50k  Bitrate = 50000
	Bitrate100k Bitrate = 100000
	Bitrate125k Bitrate = 125000
	Bitrate250k Bitrate = 250000
	Bitrate500k Bitrate = 500000
	Bitrate800k Bitrate = 800000
	Bitrate1M   Bitrate = 1000000
)

var bitrateCommands = map[Bitrate]string{
	Bitrate10k:  "S0",
	Bitrate20k:  "S1",
	Bitrate50k:  "S2",
	Bitrate100k: "S3",
	Bitrate125k: "S4",
	Bitrate250k: "S5",
	Bitrate500k: "S6",
	Bitrate800k: "S7",
	Bitrate1M:   "S8",
}

// Command returns the S0-S8 setup command for the bitrate.
func (b Bitrate) Command() (string, error) {
	cmd, ok := bitrateCommands[b]
	if !ok {
		return "", fmt.Errorf("%w: unsupported bitrate %d bit/s", ErrConfiguration, int(b))
	}
	return cmd, nil
}

func (b Bitrate) String() string {
	if b >= Bitrate1M && b%1000000 == 0 {
		return fmt.Sprintf("%dMbit/s", int(b)/1000000)
	}
	return fmt.Sprintf("%dkbit/s", int(b)/1000)
}

// ParseBitrate maps a rate in kbit/s to a Bitrate.
func ParseBitrate(kbit float64) (Bitrate, error) {
	switch kbit {
	case 10:
		return Bitrate10k, nil
	case 20:
		return Bitrate20k, nil
	case 50:
		return Bitrate50k, nil
	case 100:
		return Bitrate100k, nil
	case 125:
		return Bitrate125k, nil
	case 250:
		return Bitrate250k, nil
	case 500:
		return Bitrate500k, nil
	case 800:
		return Bitrate800k, nil
	case 1000:
		return Bitrate1M, nil
	default:
		return 0, fmt.Errorf("%w: unknown rate: %g kbit/s", ErrConfiguration, kbit)
	}
}

// Config tunes a Manager. The zero value is usable.
type Config struct {
	// CommandTimeout bounds every command exchange.
	CommandTimeout time.Duration
	// StartupDelay is waited after opening the port, before the first
	// command. Adapters that reset on port open need around two seconds.
	StartupDelay time.Duration
	// CommandDelay is the pause between setup commands, negative disables
	// it.
	CommandDelay time.Duration
	// PollInterval is how long the listener waits for bytes per poll. Must
	// stay below 10ms.
	PollInterval time.Duration
	EventBuffer  int
	// Opener opens the byte stream, defaults to a real serial port.
	Opener transport.Opener
	Logger logrus.FieldLogger
}

func (c *Config) setDefaults() {
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = DefaultCommandTimeout
	}
	if c.CommandDelay < 0 {
		c.CommandDelay = 0
	} else if c.CommandDelay == 0 {
		c.CommandDelay = DefaultCommandDelay
	}
	if c.PollInterval <= 0 || c.PollInterval >= 10*time.Millisecond {
		c.PollInterval = DefaultPollInterval
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = DefaultEventBuffer
	}
	if c.Opener == nil {
		c.Opener = transport.OpenSerial
	}
	if c.Logger == nil {
		c.Logger = logrus.StandardLogger()
	}
}
