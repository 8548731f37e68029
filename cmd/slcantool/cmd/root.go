package cmd

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/manifoldco/promptui"
	"github.com/roffe/slcan"
	"github.com/roffe/slcan/pkg/transport"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:          "slcantool",
	Short:        "SLCAN adapter tool",
	Long:         `Talk to Lawicel style serial CAN adapters: find them, query them, send and monitor frames`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		log.SetFormatter(&log.TextFormatter{
			FullTimestamp: true,
		})
		if debug, _ := cmd.Flags().GetBool(flagDebug); debug {
			log.SetLevel(log.DebugLevel)
		}
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

const (
	flagPort     = "port"
	flagBaudrate = "baudrate"
	flagBitrate  = "bitrate"
	flagLoopback = "loopback"
	flagDebug    = "debug"
	flagTimeout  = "timeout"
	flagStartup  = "startup-delay"
)

// virtualPort selects the built-in simulated adapter instead of a serial port.
const virtualPort = "virtual"

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringP(flagPort, "p", "", "com-port, empty = select interactively, \"virtual\" = simulated adapter")
	pf.IntP(flagBaudrate, "b", slcan.DefaultBaudRate, "serial baudrate")
	pf.Float64P(flagBitrate, "r", 500, "CAN bitrate in kbit/s")
	pf.BoolP(flagLoopback, "l", false, "loopback mode")
	pf.BoolP(flagDebug, "d", false, "debug mode")
	pf.Duration(flagTimeout, slcan.DefaultCommandTimeout, "command reply timeout")
	pf.Duration(flagStartup, 0, "wait after opening the port, for adapters that reset on open")
}

// selectPort returns the --port flag or asks the user to pick one of the
// ports found on the system.
func selectPort(cmd *cobra.Command) (string, error) {
	port, err := cmd.Flags().GetString(flagPort)
	if err != nil {
		return "", err
	}
	if port != "" {
		if port == virtualPort {
			return port, nil
		}
		return transport.NormalizePortName(port), nil
	}

	ports, err := transport.ListPorts()
	if err != nil {
		return "", err
	}
	if len(ports) == 0 {
		return "", errors.New("no serial ports found, use --port")
	}
	items := make([]string, len(ports))
	for i, p := range ports {
		items[i] = p.String()
	}
	prompt := promptui.Select{
		Label:    "Select port",
		HideHelp: true,
		Items:    items,
	}
	i, _, err := prompt.Run()
	if err != nil {
		return "", fmt.Errorf("port selection: %w", err)
	}
	return ports[i].Name, nil
}

// opener returns the transport factory for port.
func opener(port string) transport.Opener {
	if strings.EqualFold(port, virtualPort) {
		return transport.NewVirtual().Opener()
	}
	return transport.OpenSerial
}

func managerConfig(cmd *cobra.Command, port string) slcan.Config {
	timeout, _ := cmd.Flags().GetDuration(flagTimeout)
	startup, _ := cmd.Flags().GetDuration(flagStartup)
	return slcan.Config{
		CommandTimeout: timeout,
		StartupDelay:   startup,
		Opener:         opener(port),
		Logger:         log.StandardLogger(),
	}
}

// initManager connects to the adapter selected by the persistent flags.
func initManager(cmd *cobra.Command) (*slcan.Manager, error) {
	port, err := selectPort(cmd)
	if err != nil {
		return nil, err
	}
	baudrate, _ := cmd.Flags().GetInt(flagBaudrate)
	kbit, _ := cmd.Flags().GetFloat64(flagBitrate)
	loopback, _ := cmd.Flags().GetBool(flagLoopback)

	bitrate, err := slcan.ParseBitrate(kbit)
	if err != nil {
		return nil, err
	}

	m := slcan.New(managerConfig(cmd, port))
	go logEvents(cmd.Context(), m)

	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()
	sc := slcan.SerialConfig{Port: port, BaudRate: baudrate}
	if err := m.Connect(ctx, sc, bitrate, loopback); err != nil {
		return nil, err
	}
	return m, nil
}

func logEvents(ctx context.Context, m *slcan.Manager) {
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-m.Events():
			if e.Type == slcan.EventTypeError {
				log.Error(e.Details)
			}
		}
	}
}
