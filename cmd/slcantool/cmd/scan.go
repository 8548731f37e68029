package cmd

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/roffe/slcan"
	"github.com/roffe/slcan/pkg/bar"
	"github.com/roffe/slcan/pkg/transport"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func init() {
	scanCmd.Flags().IntSlice("rates", nil, "baudrates to try, default all supported")
	rootCmd.AddCommand(scanCmd)
}

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "probe serial ports for SLCAN adapters",
	Long:  `Sends V on every port at every baudrate until the adapter answers. Use --port to scan a single port.`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		rates, err := cmd.Flags().GetIntSlice("rates")
		if err != nil {
			return err
		}
		timeout, _ := cmd.Flags().GetDuration(flagTimeout)
		startup, _ := cmd.Flags().GetDuration(flagStartup)

		var ports []string
		if p, _ := cmd.Flags().GetString(flagPort); p != "" {
			ports = []string{p}
		} else {
			found, err := transport.ListPorts()
			if err != nil {
				return err
			}
			for _, p := range found {
				ports = append(ports, p.Name)
			}
		}
		if len(ports) == 0 {
			return errors.New("no serial ports found")
		}

		pb := bar.New(len(ports), "scanning")
		var mu sync.Mutex
		var results []*slcan.ProbeResult

		g, gctx := errgroup.WithContext(ctx)
		for _, port := range ports {
			port := port
			g.Go(func() error {
				defer pb.Add(1)
				res, err := slcan.Probe(gctx, port, rates, slcan.ProbeOptions{
					Opener:       opener(port),
					Timeout:      timeout,
					StartupDelay: startup,
				})
				if err != nil {
					if errors.Is(err, gctx.Err()) {
						return err
					}
					log.WithField("port", port).Debug(err)
					return nil
				}
				mu.Lock()
				results = append(results, res)
				mu.Unlock()
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
		pb.Finish()

		if len(results) == 0 {
			fmt.Println("no adapter found")
			return nil
		}
		sort.Slice(results, func(i, j int) bool { return results[i].Port < results[j].Port })
		for _, r := range results {
			fmt.Printf("%s @ %d baud: %s\n", r.Port, r.BaudRate, r.Version.String())
		}
		return nil
	},
}
