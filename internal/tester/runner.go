// Package tester runs a workspace's forge test suite and turns the output
// into structured results.
package tester

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"chainlab/internal/logging"
	"chainlab/internal/workspace"
)

// envForgeBin overrides where the forge binary is found.
const envForgeBin = "CHAINLAB_FORGE_BIN"

const (
	defaultVerbosity = 2
	defaultGasLimit  = 30_000_000
	defaultFuzzRuns  = 1000
)

// Config shapes one forge test invocation. Zero values fall back to the
// defaults above.
type Config struct {
	Verbosity int    `json:"verbosity,omitempty"`
	GasLimit  uint64 `json:"gas_limit,omitempty"`
	MatchPath string `json:"match_path,omitempty"`
	MatchTest string `json:"match_test,omitempty"`
	FFI       bool   `json:"ffi,omitempty"`
	GasReport bool   `json:"gas_report,omitempty"`

	// Fuzz campaign knobs; only RunFuzz reads them.
	FuzzRuns uint64 `json:"fuzz_runs,omitempty"`
	FuzzSeed uint64 `json:"fuzz_seed,omitempty"`
}

// Case is one test function's outcome.
type Case struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
	Runs   uint64 `json:"runs,omitempty"`
	AvgGas uint64 `json:"avg_gas,omitempty"`
}

// Result aggregates one forge test invocation. Success tracks the process
// exit status; the counters come from the per-case output lines, so a result
// can be unsuccessful with zero failed cases when forge died before running
// anything.
type Result struct {
	Success   bool                   `json:"success"`
	Total     int                    `json:"total"`
	Passed    int                    `json:"passed"`
	Failed    int                    `json:"failed"`
	Skipped   int                    `json:"skipped"`
	Duration  time.Duration          `json:"duration"`
	Cases     []Case                 `json:"cases,omitempty"`
	GasReport map[string]ContractGas `json:"gas_report,omitempty"`
	Error     string                 `json:"error,omitempty"`
}

// ContractGas is one contract's section of the forge gas report.
type ContractGas struct {
	Functions map[string]FunctionGas `json:"functions"`
}

// FunctionGas is the per-function gas table row.
type FunctionGas struct {
	Min    uint64 `json:"min"`
	Avg    uint64 `json:"avg"`
	Median uint64 `json:"median"`
	Max    uint64 `json:"max"`
	Calls  uint64 `json:"calls"`
}

// CoverageResult is forge coverage's summary.
type CoverageResult struct {
	Success  bool           `json:"success"`
	Percent  float64        `json:"percent"`
	Files    []FileCoverage `json:"files,omitempty"`
	Duration time.Duration  `json:"duration"`
	Error    string         `json:"error,omitempty"`
}

// FileCoverage is one source file's line coverage.
type FileCoverage struct {
	File    string  `json:"file"`
	Percent float64 `json:"percent"`
}

// RunError carries the runner's captured output for diagnosis. It is
// returned only when forge could not be executed at all; failing tests
// produce a Result, not an error.
type RunError struct {
	Workspace string
	Output    string
	Err       error
}

func (e *RunError) Error() string {
	return fmt.Sprintf("running tests in %s: %v", e.Workspace, e.Err)
}

func (e *RunError) Unwrap() error { return e.Err }

// Runner executes a workspace's test suite.
type Runner interface {
	RunAll(ctx context.Context, ws *workspace.Workspace, cfg Config) (*Result, error)
	RunFuzz(ctx context.Context, ws *workspace.Workspace, cfg Config) (*Result, error)
	Coverage(ctx context.Context, ws *workspace.Workspace) (*CoverageResult, error)
}

// ForgeRunner shells out to `forge test` inside the workspace root. Forge
// compiles the sources itself, so the workspace does not need to be in the
// compiled state first.
type ForgeRunner struct {
	log *slog.Logger
}

func NewForgeRunner() *ForgeRunner {
	return &ForgeRunner{log: logging.Component("tester")}
}

func (f *ForgeRunner) RunAll(ctx context.Context, ws *workspace.Workspace, cfg Config) (*Result, error) {
	return f.run(ctx, ws, testArgs(cfg))
}

func (f *ForgeRunner) RunFuzz(ctx context.Context, ws *workspace.Workspace, cfg Config) (*Result, error) {
	return f.run(ctx, ws, fuzzArgs(cfg))
}

func (f *ForgeRunner) run(ctx context.Context, ws *workspace.Workspace, args []string) (*Result, error) {
	started := time.Now()
	out, execErr := f.forge(ctx, ws, args)
	var exitErr *exec.ExitError
	if execErr != nil && !errors.As(execErr, &exitErr) {
		f.log.Error("forge test did not start", "workspace", ws.ID, "error", execErr)
		return nil, &RunError{Workspace: ws.ID, Output: out, Err: execErr}
	}

	res := parseTestOutput(out, execErr == nil)
	res.Duration = time.Since(started)
	f.log.Info("tests finished",
		"workspace", ws.ID, "passed", res.Passed, "failed", res.Failed, "skipped", res.Skipped)
	return res, nil
}

// Coverage runs `forge coverage` and reports per-file and total line
// coverage.
func (f *ForgeRunner) Coverage(ctx context.Context, ws *workspace.Workspace) (*CoverageResult, error) {
	started := time.Now()
	out, execErr := f.forge(ctx, ws, []string{"coverage", "--report", "summary"})
	var exitErr *exec.ExitError
	if execErr != nil && !errors.As(execErr, &exitErr) {
		f.log.Error("forge coverage did not start", "workspace", ws.ID, "error", execErr)
		return nil, &RunError{Workspace: ws.ID, Output: out, Err: execErr}
	}

	res := parseCoverageOutput(out, execErr == nil)
	res.Duration = time.Since(started)
	f.log.Info("coverage finished", "workspace", ws.ID, "percent", res.Percent)
	return res, nil
}

func (f *ForgeRunner) forge(ctx context.Context, ws *workspace.Workspace, args []string) (string, error) {
	bin := os.Getenv(envForgeBin)
	if bin == "" {
		bin = "forge"
	}
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Dir = ws.Root
	out, err := cmd.CombinedOutput()
	return string(out), err
}

func testArgs(cfg Config) []string {
	verbosity := cfg.Verbosity
	if verbosity <= 0 {
		verbosity = defaultVerbosity
	}
	gasLimit := cfg.GasLimit
	if gasLimit == 0 {
		gasLimit = defaultGasLimit
	}
	args := []string{
		"test",
		"-" + strings.Repeat("v", verbosity),
		"--gas-limit", strconv.FormatUint(gasLimit, 10),
	}
	if cfg.MatchPath != "" {
		args = append(args, "--match-path", cfg.MatchPath)
	}
	if cfg.MatchTest != "" {
		args = append(args, "--match-test", cfg.MatchTest)
	}
	if cfg.FFI {
		args = append(args, "--ffi")
	}
	if cfg.GasReport {
		args = append(args, "--gas-report")
	}
	return args
}

func fuzzArgs(cfg Config) []string {
	runs := cfg.FuzzRuns
	if runs == 0 {
		runs = defaultFuzzRuns
	}
	args := append(testArgs(cfg), "--fuzz-runs", strconv.FormatUint(runs, 10))
	if cfg.FuzzSeed != 0 {
		args = append(args, "--fuzz-seed", strconv.FormatUint(cfg.FuzzSeed, 10))
	}
	// A fuzz campaign targets the testFuzz-prefixed functions unless the
	// caller narrowed the match already.
	if cfg.MatchTest == "" {
		args = append(args, "--match-test", "testFuzz")
	}
	return args
}
