package slcan

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go"
	"github.com/roffe/slcan/pkg/transport"
	"github.com/sirupsen/logrus"
)

// ProbeResult is the first baud rate an adapter answered on.
type ProbeResult struct {
	Port     string   `json:"port"`
	BaudRate int      `json:"baudrate"`
	Version  Response `json:"version"`
}

type ProbeOptions struct {
	Opener       transport.Opener
	Timeout      time.Duration
	StartupDelay time.Duration
	// Attempts per baud rate, defaults to 2.
	Attempts uint
	Logger   logrus.FieldLogger
}

func (o *ProbeOptions) setDefaults() {
	if o.Opener == nil {
		o.Opener = transport.OpenSerial
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultCommandTimeout
	}
	if o.Attempts == 0 {
		o.Attempts = 2
	}
	if o.Logger == nil {
		o.Logger = logrus.StandardLogger()
	}
}

// Probe looks for an SLCAN adapter on port by sending V at each of
// baudRates in turn. Any non-empty reply counts. An empty baudRates
// probes SupportedBaudRates. Probe opens the port itself and must not be
// used on a port a Manager holds.
func Probe(ctx context.Context, port string, baudRates []int, opts ProbeOptions) (*ProbeResult, error) {
	opts.setDefaults()
	if port == "" {
		return nil, fmt.Errorf("%w: no port given", ErrConfiguration)
	}
	if len(baudRates) == 0 {
		baudRates = SupportedBaudRates
	}

	for _, baud := range baudRates {
		log := opts.Logger.WithFields(logrus.Fields{"port": port, "baudrate": baud})
		var version Response
		var openErr error
		err := retry.Do(func() error {
			t, err := opts.Opener(transport.Config{Port: port, BaudRate: baud})
			if err != nil {
				openErr = err
				return retry.Unrecoverable(err)
			}
			defer t.Close()
			if err := sleepContext(ctx, opts.StartupDelay); err != nil {
				return retry.Unrecoverable(err)
			}
			r, err := NewCommandChannel(t, opts.Logger).Send("V", opts.Timeout)
			if err != nil {
				return err
			}
			if r == "" {
				return fmt.Errorf("no reply to V at %d baud: %w", baud, ErrTimeout)
			}
			version = r
			return nil
		},
			retry.Context(ctx),
			retry.Attempts(opts.Attempts),
			retry.Delay(50*time.Millisecond),
			retry.OnRetry(func(n uint, err error) {
				log.WithError(err).Debugf("retry #%d", n)
			}),
			retry.LastErrorOnly(true),
		)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if openErr != nil {
			if !errors.Is(openErr, ErrPortUnavailable) {
				openErr = fmt.Errorf("%w: %v", ErrPortUnavailable, openErr)
			}
			return nil, openErr
		}
		if err == nil {
			log.WithField("version", version.String()).Info("adapter found")
			return &ProbeResult{Port: port, BaudRate: baud, Version: version}, nil
		}
		log.WithError(err).Debug("no answer")
	}
	return nil, fmt.Errorf("no SLCAN adapter answered on %s: %w", port, ErrTimeout)
}
