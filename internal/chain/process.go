package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/gorilla/rpc/v2/json2"
)

const (
	anvilBinaryName = "anvil"
	// AnvilBinaryEnv overrides the chain binary location.
	AnvilBinaryEnv = "CHAINLAB_ANVIL_BIN"

	readinessPollInterval = 250 * time.Millisecond
	stopGrace             = 5 * time.Second
	stopPollInterval      = 100 * time.Millisecond
)

// managedProcess wraps one spawned chain process with its log sink and exit
// reaping.
type managedProcess struct {
	cmd     *exec.Cmd
	logFile *os.File
	logPath string
	exited  chan struct{}
	exitErr error
}

func resolveAnvilBinary() (string, error) {
	if v := os.Getenv(AnvilBinaryEnv); v != "" {
		if _, err := os.Stat(v); err != nil {
			return "", fmt.Errorf("chain binary %q: %w", v, err)
		}
		return v, nil
	}
	path, err := exec.LookPath(anvilBinaryName)
	if err != nil {
		return "", fmt.Errorf("resolve chain binary: %w", err)
	}
	return path, nil
}

func buildAnvilArgs(cfg Config) []string {
	args := []string{
		"--host", cfg.Host,
		"--port", strconv.Itoa(cfg.Port),
		"--chain-id", strconv.FormatUint(cfg.ChainID, 10),
		"--accounts", strconv.Itoa(cfg.Accounts),
		"--balance", strconv.FormatUint(cfg.AccountBalance, 10),
		"--gas-limit", strconv.FormatUint(cfg.GasLimit, 10),
	}
	if cfg.GasPrice > 0 {
		args = append(args, "--gas-price", strconv.FormatUint(cfg.GasPrice, 10))
	}
	if cfg.Mode == ModeFork {
		args = append(args, "--fork-url", cfg.ForkURL)
		if cfg.ForkBlock > 0 {
			args = append(args, "--fork-block-number", strconv.FormatUint(cfg.ForkBlock, 10))
		}
	}
	if cfg.BlockTime > 0 {
		args = append(args, "--block-time", strconv.Itoa(cfg.BlockTime))
	}
	if cfg.CodeSizeLimit > 0 {
		args = append(args, "--code-size-limit", strconv.Itoa(cfg.CodeSizeLimit))
	}
	return args
}

// spawnProcess starts the chain binary with logs redirected into dataDir and
// a reaper goroutine collecting the exit status.
func spawnProcess(cfg Config, dataDir string, log *slog.Logger, onExit func(error)) (*managedProcess, error) {
	bin, err := resolveAnvilBinary()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("ensure chain data dir: %w", err)
	}

	logPath := filepath.Join(dataDir, "chain.log")
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open chain log file: %w", err)
	}

	cmd := exec.Command(bin, buildAnvilArgs(cfg)...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	if err := cmd.Start(); err != nil {
		_ = logFile.Close()
		return nil, fmt.Errorf("start chain process: %w", err)
	}
	log.Debug("chain process started", "pid", cmd.Process.Pid, "log", logPath)

	p := &managedProcess{
		cmd:     cmd,
		logFile: logFile,
		logPath: logPath,
		exited:  make(chan struct{}),
	}
	go func() {
		err := cmd.Wait()
		p.exitErr = err
		_ = logFile.Close()
		close(p.exited)
		if onExit != nil {
			onExit(err)
		}
	}()
	return p, nil
}

// stop terminates the process: SIGTERM, a grace period, then SIGKILL.
// Stopping an already-exited process is a no-op.
func (p *managedProcess) stop() error {
	select {
	case <-p.exited:
		return nil
	default:
	}

	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("signal chain process: %w", err)
	}

	deadline := time.After(stopGrace)
	for {
		select {
		case <-p.exited:
			return nil
		case <-deadline:
			_ = p.cmd.Process.Kill()
			<-p.exited
			return nil
		case <-time.After(stopPollInterval):
		}
	}
}

// waitReady polls the RPC endpoint until the node answers eth_blockNumber or
// the startup timeout expires. An early process exit fails immediately with
// a pointer at the log file.
func waitReady(ctx context.Context, rpc *rpcRequester, p *managedProcess, timeout time.Duration) error {
	readyCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	probeBody, err := json2.EncodeClientRequest("eth_blockNumber", []any{})
	if err != nil {
		return fmt.Errorf("encode readiness probe: %w", err)
	}

	ticker := time.NewTicker(readinessPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.exited:
			return fmt.Errorf("chain process exited during startup (see %s): %w", p.logPath, ErrUnavailable)
		case <-readyCtx.Done():
			return fmt.Errorf("chain startup timed out after %s (see %s): %w", timeout, p.logPath, ErrUnavailable)
		case <-ticker.C:
		}

		probeCtx, probeCancel := context.WithTimeout(readyCtx, time.Second)
		var n string
		probeErr := rpc.doOnce(probeCtx, "eth_blockNumber", probeBody, &n)
		probeCancel()
		if probeErr == nil {
			return nil
		}
	}
}

// pickFreePort asks the kernel for an unused TCP port on host.
func pickFreePort(host string) (int, error) {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, "0"))
	if err != nil {
		return 0, fmt.Errorf("probe free port: %w", err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port, nil
}
