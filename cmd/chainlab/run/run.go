// Package run is the `chainlab run` command group.
package run

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"chainlab/cmd/chainlab/ui"
	"chainlab/internal/chain"
	"chainlab/internal/client"
	"chainlab/internal/scenario"
)

func Cmd(addr *string) *cobra.Command {
	var (
		workspaceID string
		detach      bool
		forkURL     string
		forkBlock   uint64
	)
	cmd := &cobra.Command{
		Use:   "run <scenario.yaml>",
		Short: "Execute a scenario against a fresh chain instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			// Parse locally first so obvious mistakes never leave the machine.
			if _, err := scenario.Parse(raw); err != nil {
				return err
			}

			cfg := chain.Config{}
			if forkURL != "" {
				cfg.Mode = chain.ModeFork
				cfg.ForkURL = forkURL
				cfg.ForkBlock = forkBlock
			}

			c := client.New(*addr)
			summary, err := c.CreateRun(cmd.Context(), workspaceID, string(raw), cfg)
			if err != nil {
				return err
			}
			if detach {
				fmt.Println(ui.InfoMsg("run %s accepted", summary.ID))
				return nil
			}

			report, err := c.WaitRun(cmd.Context(), summary.ID)
			if err != nil {
				return err
			}
			fmt.Print(ui.RunReport(report))
			if report.Status != scenario.StatusSucceeded {
				return fmt.Errorf("run %s %s", report.ID, report.Status)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&workspaceID, "workspace", "w", "", "Workspace to compile and run against")
	cmd.Flags().BoolVar(&detach, "detach", false, "Return immediately instead of waiting for the run")
	cmd.Flags().StringVar(&forkURL, "fork-url", "", "Fork an existing chain from this RPC URL")
	cmd.Flags().Uint64Var(&forkBlock, "fork-block", 0, "Block height to fork at (default latest)")
	_ = cmd.MarkFlagRequired("workspace")
	return cmd
}

// ListCmd is `chainlab runs`: every run the daemon knows about.
func ListCmd(addr *string) *cobra.Command {
	return &cobra.Command{
		Use:   "runs",
		Short: "List scenario runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			runs, err := client.New(*addr).ListRuns(cmd.Context())
			if err != nil {
				return err
			}
			if len(runs) == 0 {
				fmt.Println(ui.InfoMsg("no runs"))
				return nil
			}
			rows := make([][]string, 0, len(runs))
			for _, r := range runs {
				rows = append(rows, []string{
					r.ID, r.Scenario, ui.Status(r.Status), r.CreatedAt.Format("15:04:05"),
				})
			}
			fmt.Println(ui.Table([]string{"id", "scenario", "status", "created"}, rows))
			return nil
		},
	}
}

// CancelCmd is `chainlab cancel <run-id>`.
func CancelCmd(addr *string) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <run-id>",
		Short: "Cancel a running scenario",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := client.New(*addr).CancelRun(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Println(ui.SuccessMsg("cancellation requested for %s", args[0]))
			return nil
		},
	}
}

// ShowCmd is `chainlab report <run-id>`: the full step-by-step report.
func ShowCmd(addr *string) *cobra.Command {
	return &cobra.Command{
		Use:   "report <run-id>",
		Short: "Show a run's step-by-step report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			report, err := client.New(*addr).GetRun(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Print(ui.RunReport(report))
			return nil
		},
	}
}
