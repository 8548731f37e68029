package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(infoCmd)
}

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "print adapter version, serial number and status",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := initManager(cmd)
		if err != nil {
			return err
		}
		defer m.Close()

		info, err := m.DeviceInfo()
		if err != nil {
			return err
		}
		fmt.Println(info.String())

		status, err := m.Status()
		if err != nil {
			return err
		}
		fmt.Println("status:", status.String())
		return nil
	},
}
