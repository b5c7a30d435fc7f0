package fake

import (
	"context"
	"fmt"
	"sync"

	"chainlab/internal/build"
	"chainlab/internal/chain"
	"chainlab/internal/scenario"
	"chainlab/internal/workspace"
)

// WorkspaceSource is an in-memory workspace resolver.
type WorkspaceSource struct {
	CallRecorder
	mu     sync.Mutex
	spaces map[string]*workspace.Workspace

	GetErr func(id string) error
}

func NewWorkspaceSource(spaces ...*workspace.Workspace) *WorkspaceSource {
	s := &WorkspaceSource{spaces: make(map[string]*workspace.Workspace)}
	for _, ws := range spaces {
		s.spaces[ws.ID] = ws
	}
	return s
}

func (s *WorkspaceSource) Get(id string) (*workspace.Workspace, error) {
	s.record("Get", id)
	if s.GetErr != nil {
		if err := s.GetErr(id); err != nil {
			return nil, err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ws, ok := s.spaces[id]
	if !ok {
		return nil, fmt.Errorf("workspace %q: %w", id, workspace.ErrNotFound)
	}
	return ws, nil
}

// Builder hands out a pre-built artifact instead of compiling.
type Builder struct {
	CallRecorder
	Artifact *build.Artifact

	BuildErr func(ctx context.Context) error
}

func (b *Builder) GetOrBuild(ctx context.Context, ws *workspace.Workspace) (*build.Artifact, error) {
	b.record("GetOrBuild", ws.ID)
	if b.BuildErr != nil {
		if err := b.BuildErr(ctx); err != nil {
			return nil, err
		}
	}
	return b.Artifact, nil
}

// ChainProvider hands every run the same fake chain and counts releases.
type ChainProvider struct {
	CallRecorder
	Chain *Chain

	AcquireErr func(ctx context.Context) error
	mu         sync.Mutex
	releases   int
}

func NewChainProvider(c *Chain) *ChainProvider {
	return &ChainProvider{Chain: c}
}

func (p *ChainProvider) Acquire(ctx context.Context, cfg chain.Config) (chain.Client, scenario.ReleaseFunc, error) {
	p.record("Acquire", cfg.Mode)
	if p.AcquireErr != nil {
		if err := p.AcquireErr(ctx); err != nil {
			return nil, nil, err
		}
	}
	release := func(context.Context) error {
		p.mu.Lock()
		defer p.mu.Unlock()
		p.releases++
		return nil
	}
	return p.Chain, release, nil
}

// Releases reports how many acquired instances have been returned.
func (p *ChainProvider) Releases() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.releases
}
