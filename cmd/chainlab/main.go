package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	daemoncmd "chainlab/cmd/chainlab/daemon"
	runcmd "chainlab/cmd/chainlab/run"
	"chainlab/cmd/chainlab/ui"
	workspacecmd "chainlab/cmd/chainlab/workspace"
	"chainlab/internal/logging"
)

func main() {
	var (
		debug bool
		plain bool
		addr  string
	)
	if err := logging.Configure(logging.LevelWarn); err != nil {
		_, _ = os.Stderr.WriteString("configure logger: " + err.Error() + "\n")
		os.Exit(1)
	}

	root := &cobra.Command{
		Use:           "chainlab",
		Short:         "Solidity workspaces and scenario runs on ephemeral local chains",
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level := logging.LevelWarn
			if debug {
				level = logging.LevelDebug
			}
			if err := logging.Configure(level); err != nil {
				return err
			}
			ui.Configure(plain)
			return nil
		},
	}
	root.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")
	root.PersistentFlags().BoolVar(&plain, "plain", false, "Disable colored output")
	root.PersistentFlags().StringVar(&addr, "addr", "127.0.0.1:7545", "Daemon API address")

	root.AddCommand(daemoncmd.Cmd())
	root.AddCommand(workspacecmd.Cmd(&addr))
	root.AddCommand(runcmd.Cmd(&addr))
	root.AddCommand(runcmd.ListCmd(&addr))
	root.AddCommand(runcmd.CancelCmd(&addr))
	root.AddCommand(runcmd.ShowCmd(&addr))

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, ui.ErrorMsg("%v", err))
		os.Exit(1)
	}
}
