// Package daemon is the `chainlab daemon` command.
package daemon

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	daemonsvc "chainlab/internal/daemon"
	"chainlab/internal/defaults"
)

func Cmd() *cobra.Command {
	var (
		listen   string
		dataRoot string
	)
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the chainlab daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return daemonsvc.Run(ctx, dataRoot, listen)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "127.0.0.1:7545", "Address to serve the API on")
	cmd.Flags().StringVar(&dataRoot, "data-root", defaults.DataRoot(), "Directory for workspaces, caches and chain state")
	return cmd
}
