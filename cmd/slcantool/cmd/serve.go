package cmd

import (
	"github.com/roffe/slcan/pkg/server"
	"github.com/spf13/cobra"
)

func init() {
	serveCmd.Flags().String("listen", ":8080", "http listen address, [host]:port or port")
	serveCmd.Flags().Int("history", server.DefaultHistory, "received frames kept for GET /api/frames")
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "expose the adapter over a JSON HTTP API",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("listen")
		history, _ := cmd.Flags().GetInt("history")

		m, err := initManager(cmd)
		if err != nil {
			return err
		}
		defer m.Close()

		srv := server.New(m, nil, history)
		if err := m.Listen(srv.Record); err != nil {
			return err
		}
		return srv.ListenAndServe(cmd.Context(), addr)
	},
}
