// Package workspace is the `chainlab workspace` command group.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"chainlab/cmd/chainlab/ui"
	"chainlab/internal/client"
	"chainlab/internal/tester"
	wsmodel "chainlab/internal/workspace"
)

func Cmd(addr *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workspace",
		Short: "Manage solidity workspaces",
	}
	cmd.AddCommand(createCmd(addr))
	cmd.AddCommand(listCmd(addr))
	cmd.AddCommand(destroyCmd(addr))
	cmd.AddCommand(addCmd(addr))
	cmd.AddCommand(compileCmd(addr))
	cmd.AddCommand(installCmd(addr))
	cmd.AddCommand(testCmd(addr))
	cmd.AddCommand(coverageCmd(addr))
	return cmd
}

func createCmd(addr *string) *cobra.Command {
	var cfg wsmodel.Config
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an isolated workspace",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, err := client.New(*addr).CreateWorkspace(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			fmt.Println(ui.SuccessMsg("workspace %s created", ws.ID))
			fmt.Print(ui.KeyValues("  ",
				ui.KV("solc", ws.Config.SolcVersion),
				ui.KV("evm", ws.Config.EVMVersion),
				ui.KV("root", ws.Root),
			))
			return nil
		},
	}
	cmd.Flags().StringVar(&cfg.SolcVersion, "solc", "", "Solidity compiler version (default 0.8.24)")
	cmd.Flags().StringVar(&cfg.EVMVersion, "evm", "", "EVM version to target")
	cmd.Flags().BoolVar(&cfg.Optimizer, "optimizer", false, "Enable the optimizer")
	cmd.Flags().IntVar(&cfg.OptimizerRuns, "optimizer-runs", 0, "Optimizer runs")
	return cmd
}

func listCmd(addr *string) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List workspaces",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			spaces, err := client.New(*addr).ListWorkspaces(cmd.Context())
			if err != nil {
				return err
			}
			if len(spaces) == 0 {
				fmt.Println(ui.InfoMsg("no workspaces"))
				return nil
			}
			rows := make([][]string, 0, len(spaces))
			for _, ws := range spaces {
				rows = append(rows, []string{
					ws.ID, string(ws.State), ws.Config.SolcVersion, fmt.Sprintf("%d", len(ws.Files)),
				})
			}
			fmt.Println(ui.Table([]string{"id", "state", "solc", "files"}, rows))
			return nil
		},
	}
}

func destroyCmd(addr *string) *cobra.Command {
	return &cobra.Command{
		Use:   "destroy <id>",
		Short: "Destroy a workspace and its files",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := client.New(*addr).DestroyWorkspace(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Println(ui.SuccessMsg("workspace %s destroyed", args[0]))
			return nil
		},
	}
}

func addCmd(addr *string) *cobra.Command {
	var prefix string
	cmd := &cobra.Command{
		Use:   "add <id> <file>...",
		Short: "Upload local solidity files into a workspace",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			files := make(map[string]string, len(args)-1)
			for _, path := range args[1:] {
				content, err := os.ReadFile(path)
				if err != nil {
					return err
				}
				rel := filepath.ToSlash(filepath.Join(prefix, filepath.Base(path)))
				files[rel] = string(content)
			}
			if err := client.New(*addr).AddFiles(cmd.Context(), args[0], files); err != nil {
				return err
			}
			fmt.Println(ui.SuccessMsg("%d files added to %s", len(files), args[0]))
			return nil
		},
	}
	cmd.Flags().StringVar(&prefix, "prefix", "src", "Directory inside the workspace to place files under")
	return cmd
}

func compileCmd(addr *string) *cobra.Command {
	return &cobra.Command{
		Use:   "compile <id>",
		Short: "Compile a workspace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := client.New(*addr).Compile(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Println(ui.SuccessMsg("compiled %s", strings.Join(out.Contracts, ", ")))
			for _, warning := range out.Warnings {
				fmt.Println(ui.MutedStyle.Render(warning))
			}
			return nil
		},
	}
}

func testCmd(addr *string) *cobra.Command {
	var (
		cfg  tester.Config
		fuzz bool
	)
	cmd := &cobra.Command{
		Use:   "test <id>",
		Short: "Run a workspace's forge test suite",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := client.New(*addr).RunTests(cmd.Context(), args[0], cfg, fuzz)
			if err != nil {
				return err
			}
			rows := make([][]string, 0, len(res.Cases))
			for _, c := range res.Cases {
				detail := c.Detail
				if c.Runs > 0 {
					detail = fmt.Sprintf("runs: %d", c.Runs)
				}
				rows = append(rows, []string{c.Name, c.Status, detail})
			}
			if len(rows) > 0 {
				fmt.Println(ui.Table([]string{"test", "status", "detail"}, rows))
			}
			if !res.Success {
				return fmt.Errorf("%d of %d tests failed: %s", res.Failed, res.Total, res.Error)
			}
			fmt.Println(ui.SuccessMsg("%d passed, %d skipped in %s", res.Passed, res.Skipped, res.Duration))
			return nil
		},
	}
	cmd.Flags().BoolVar(&fuzz, "fuzz", false, "Run the fuzz campaign (testFuzz functions)")
	cmd.Flags().StringVar(&cfg.MatchTest, "match-test", "", "Only run tests matching this pattern")
	cmd.Flags().StringVar(&cfg.MatchPath, "match-path", "", "Only run test files matching this path")
	cmd.Flags().IntVar(&cfg.Verbosity, "verbosity", 0, "Forge verbosity level (default 2)")
	cmd.Flags().BoolVar(&cfg.GasReport, "gas-report", false, "Include a gas report")
	cmd.Flags().Uint64Var(&cfg.FuzzRuns, "fuzz-runs", 0, "Fuzz runs per test (default 1000)")
	cmd.Flags().Uint64Var(&cfg.FuzzSeed, "fuzz-seed", 0, "Deterministic fuzz seed")
	return cmd
}

func coverageCmd(addr *string) *cobra.Command {
	return &cobra.Command{
		Use:   "coverage <id>",
		Short: "Measure test coverage with forge coverage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := client.New(*addr).Coverage(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !res.Success {
				return fmt.Errorf("coverage analysis failed: %s", res.Error)
			}
			rows := make([][]string, 0, len(res.Files))
			for _, f := range res.Files {
				rows = append(rows, []string{f.File, fmt.Sprintf("%.2f%%", f.Percent)})
			}
			if len(rows) > 0 {
				fmt.Println(ui.Table([]string{"file", "lines"}, rows))
			}
			fmt.Println(ui.SuccessMsg("total line coverage %.2f%%", res.Percent))
			return nil
		},
	}
}

func installCmd(addr *string) *cobra.Command {
	return &cobra.Command{
		Use:   "install <id> <pkg>",
		Short: "Install a solidity dependency (e.g. OpenZeppelin/openzeppelin-contracts@v5.0.2)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := client.New(*addr).InstallDependency(cmd.Context(), args[0], args[1]); err != nil {
				return err
			}
			fmt.Println(ui.SuccessMsg("%s installed into %s", args[1], args[0]))
			return nil
		},
	}
}
