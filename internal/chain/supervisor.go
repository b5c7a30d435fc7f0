package chain

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/google/uuid"

	"chainlab/internal/defaults"
	"chainlab/internal/logging"
)

// Supervisor starts and stops local chain instances. It is an explicitly
// constructed service: callers own it, pass it around, and shut it down.
type Supervisor struct {
	dataDir string
	retry   RetryPolicy
	log     *slog.Logger

	mu        sync.Mutex
	instances map[string]*Instance
}

// SupervisorOption configures a Supervisor.
type SupervisorOption func(*Supervisor)

// WithRetryPolicy overrides the RPC retry policy for new instances.
func WithRetryPolicy(p RetryPolicy) SupervisorOption {
	return func(s *Supervisor) { s.retry = p }
}

// NewSupervisor creates a supervisor storing instance logs under dataRoot.
func NewSupervisor(dataRoot string, opts ...SupervisorOption) *Supervisor {
	s := &Supervisor{
		dataDir:   defaults.ChainsDir(dataRoot),
		retry:     DefaultRetryPolicy,
		log:       logging.Component("chain-supervisor"),
		instances: make(map[string]*Instance),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start spawns a chain process and waits until its RPC endpoint answers.
func (s *Supervisor) Start(ctx context.Context, cfg Config) (*Instance, error) {
	cfg, err := NormalizeConfig(cfg)
	if err != nil {
		return nil, err
	}
	if cfg.Port == 0 {
		port, perr := pickFreePort(cfg.Host)
		if perr != nil {
			return nil, perr
		}
		cfg.Port = port
	}

	id := uuid.NewString()
	in := &Instance{
		ID:     id,
		Config: cfg,
		rpcURL: "http://" + net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		state:  StateStarting,
	}
	in.rpc = newRequester(in.rpcURL, s.retry, in.aliveCheck)

	log := s.log.With("instance", id[:8], "port", cfg.Port)
	proc, err := spawnProcess(cfg, filepath.Join(s.dataDir, id), log, func(exitErr error) {
		if in.State() == StateStopped {
			return
		}
		log.Warn("chain process exited unexpectedly", "err", exitErr)
		in.markCrashed()
	})
	if err != nil {
		return nil, err
	}
	in.proc = proc

	if err := waitReady(ctx, in.rpc, proc, cfg.StartupTimeout); err != nil {
		_ = proc.stop()
		return nil, err
	}
	in.setState(StateRunning)

	s.mu.Lock()
	s.instances[id] = in
	s.mu.Unlock()

	log.Info("chain instance running", "mode", cfg.Mode, "chain_id", cfg.ChainID)
	return in, nil
}

// Get returns a running instance by id.
func (s *Supervisor) Get(id string) (*Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	in, ok := s.instances[id]
	if !ok {
		return nil, fmt.Errorf("instance %q: %w", id, ErrNotFound)
	}
	return in, nil
}

// List returns all instances the supervisor knows about.
func (s *Supervisor) List() []*Instance {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Instance, 0, len(s.instances))
	for _, in := range s.instances {
		out = append(out, in)
	}
	return out
}

// Stop terminates an instance's process. Stopping a stopped or crashed
// instance is a no-op.
func (s *Supervisor) Stop(in *Instance) error {
	if in == nil {
		return nil
	}
	switch in.State() {
	case StateStopped:
		return nil
	case StateCrashed:
		in.setState(StateStopped)
	default:
		in.setState(StateStopped)
		if err := in.proc.stop(); err != nil {
			return err
		}
	}

	s.mu.Lock()
	delete(s.instances, in.ID)
	s.mu.Unlock()
	s.log.Info("chain instance stopped", "instance", in.ID[:8])
	return nil
}

// Shutdown stops every instance. Used at daemon teardown.
func (s *Supervisor) Shutdown() {
	for _, in := range s.List() {
		if err := s.Stop(in); err != nil {
			s.log.Warn("stop instance during shutdown", "instance", in.ID[:8], "err", err)
		}
	}
}
