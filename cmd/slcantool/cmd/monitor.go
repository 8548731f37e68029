package cmd

import (
	"fmt"
	"time"

	"github.com/roffe/slcan"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func init() {
	monitorCmd.Flags().Duration("stats", 0, "print statistics at this interval")
	rootCmd.AddCommand(monitorCmd)
}

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "print received frames until ctrl-c",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		m, err := initManager(cmd)
		if err != nil {
			return err
		}
		defer m.Close()

		frames := make(chan *slcan.CANFrame, 100)
		if err := m.Listen(func(f *slcan.CANFrame) {
			select {
			case frames <- f:
			default:
				log.Warn("monitor output too slow, dropped frame")
			}
		}); err != nil {
			return err
		}

		interval, _ := cmd.Flags().GetDuration("stats")
		var tick <-chan time.Time
		if interval > 0 {
			t := time.NewTicker(interval)
			defer t.Stop()
			tick = t.C
		}

		for {
			select {
			case <-ctx.Done():
				fmt.Println(m.Stats().String())
				return nil
			case f := <-frames:
				fmt.Println(f.ColorString())
			case <-tick:
				fmt.Println(m.Stats().String())
			}
		}
	},
}
