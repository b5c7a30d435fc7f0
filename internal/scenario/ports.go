package scenario

import (
	"context"
	"time"

	"chainlab/internal/build"
	"chainlab/internal/chain"
	"chainlab/internal/workspace"
)

// Builder compiles a workspace into an artifact, caching by fingerprint.
// Satisfied by *build.Cache.
type Builder interface {
	GetOrBuild(ctx context.Context, ws *workspace.Workspace) (*build.Artifact, error)
}

// Workspaces resolves workspace ids. Satisfied by *workspace.Store.
type Workspaces interface {
	Get(id string) (*workspace.Workspace, error)
}

// ReleaseFunc returns a run's chain instance to its provider.
type ReleaseFunc func(ctx context.Context) error

// ChainProvider hands each run its own chain instance. The production
// implementation starts an anvil process per run through the supervisor;
// tests inject an in-memory fake.
type ChainProvider interface {
	Acquire(ctx context.Context, cfg chain.Config) (chain.Client, ReleaseFunc, error)
}

// Clock abstracts time for wait-step polling.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time                         { return time.Now() }
func (systemClock) After(d time.Duration) <-chan time.Time { return time.After(d) }
