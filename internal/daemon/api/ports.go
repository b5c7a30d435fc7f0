// Package api serves the daemon's JSON HTTP surface.
package api

import (
	"context"

	"chainlab/internal/build"
	"chainlab/internal/chain"
	"chainlab/internal/scenario"
	"chainlab/internal/tester"
	"chainlab/internal/workspace"
)

// WorkspaceStore is the slice of the workspace store the API needs.
// Satisfied by *workspace.Store.
type WorkspaceStore interface {
	Create(cfg workspace.Config) (*workspace.Workspace, error)
	Get(id string) (*workspace.Workspace, error)
	List() []*workspace.Workspace
	AddFiles(id string, files map[string]string) error
	RemoveFile(id, rel string) error
	SetState(id string, st workspace.State) error
	Destroy(id string) error
}

// Builder compiles workspaces and reports cache effectiveness.
// Satisfied by *build.Cache.
type Builder interface {
	GetOrBuild(ctx context.Context, ws *workspace.Workspace) (*build.Artifact, error)
	Stats() (build.Stats, error)
}

// Installer adds solidity dependencies to a workspace.
// Satisfied by *deps.ForgeInstaller.
type Installer interface {
	Install(ctx context.Context, ws *workspace.Workspace, pkg string) error
}

// Tester runs a workspace's forge test suite.
// Satisfied by *tester.ForgeRunner.
type Tester interface {
	RunAll(ctx context.Context, ws *workspace.Workspace, cfg tester.Config) (*tester.Result, error)
	RunFuzz(ctx context.Context, ws *workspace.Workspace, cfg tester.Config) (*tester.Result, error)
	Coverage(ctx context.Context, ws *workspace.Workspace) (*tester.CoverageResult, error)
}

// Runner manages scenario runs. Satisfied by *scenario.Engine.
type Runner interface {
	CreateRun(workspaceID string, doc *scenario.Document, cfg chain.Config) (*scenario.Run, error)
	GetRun(id string) (*scenario.Run, error)
	CancelRun(id string) error
	ListRuns() []*scenario.Run
}
