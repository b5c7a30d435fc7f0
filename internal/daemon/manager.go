// Package daemon composes the stores, the build cache, the chain supervisor
// and the scenario engine into one long-running service.
package daemon

import (
	"context"
	"log/slog"

	"chainlab/internal/build"
	"chainlab/internal/chain"
	"chainlab/internal/defaults"
	"chainlab/internal/deps"
	"chainlab/internal/logging"
	"chainlab/internal/scenario"
	"chainlab/internal/tester"
	"chainlab/internal/workspace"
)

// Manager owns every subsystem and wires them together.
type Manager struct {
	Store      *workspace.Store
	Cache      *build.Cache
	Supervisor *chain.Supervisor
	Installer  deps.Installer
	Tester     tester.Runner
	Engine     *scenario.Engine

	log *slog.Logger
}

func NewManager(dataRoot string) (*Manager, error) {
	if err := defaults.EnsureDataRoot(dataRoot); err != nil {
		return nil, err
	}
	store, err := workspace.Open(dataRoot)
	if err != nil {
		return nil, err
	}
	cache, err := build.OpenCache(dataRoot, &build.Solc{}, store)
	if err != nil {
		store.Close()
		return nil, err
	}
	supervisor := chain.NewSupervisor(dataRoot)
	engine := scenario.New(store, cache, &supervisorProvider{supervisor: supervisor})

	return &Manager{
		Store:      store,
		Cache:      cache,
		Supervisor: supervisor,
		Installer:  deps.NewForgeInstaller(store),
		Tester:     tester.NewForgeRunner(),
		Engine:     engine,
		log:        logging.Component("daemon"),
	}, nil
}

// Close drains in-flight runs, stops every chain instance and closes the
// stores.
func (m *Manager) Close() {
	m.Engine.Wait()
	m.Supervisor.Shutdown()
	if err := m.Cache.Close(); err != nil {
		m.log.Warn("closing build cache", "error", err)
	}
	if err := m.Store.Close(); err != nil {
		m.log.Warn("closing workspace store", "error", err)
	}
}

// supervisorProvider starts one anvil instance per run and stops it when the
// run releases it.
type supervisorProvider struct {
	supervisor *chain.Supervisor
}

func (p *supervisorProvider) Acquire(ctx context.Context, cfg chain.Config) (chain.Client, scenario.ReleaseFunc, error) {
	instance, err := p.supervisor.Start(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	release := func(context.Context) error {
		return p.supervisor.Stop(instance)
	}
	return instance, release, nil
}
