package build_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"chainlab/internal/adapter/fake"
	"chainlab/internal/build"
	"chainlab/internal/workspace"
)

type sourceStore struct {
	mu      sync.Mutex
	sources map[string]map[string]string
}

func newSourceStore() *sourceStore {
	return &sourceStore{sources: make(map[string]map[string]string)}
}

func (s *sourceStore) set(id string, files map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sources[id] = files
}

func (s *sourceStore) Sources(id string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	files, ok := s.sources[id]
	if !ok {
		return nil, fmt.Errorf("workspace %q: %w", id, workspace.ErrNotFound)
	}
	out := make(map[string]string, len(files))
	for k, v := range files {
		out[k] = v
	}
	return out, nil
}

func testWorkspace(id string) *workspace.Workspace {
	return &workspace.Workspace{
		ID:     id,
		Config: workspace.Config{SolcVersion: "0.8.24", EVMVersion: "cancun"},
	}
}

func newTestCache(t *testing.T) (*build.Cache, *fake.Compiler, *sourceStore) {
	t.Helper()
	compiler := fake.NewCompiler()
	sources := newSourceStore()
	cache, err := build.OpenCache(t.TempDir(), compiler, sources)
	if err != nil {
		t.Fatalf("opening cache: %v", err)
	}
	t.Cleanup(func() { cache.Close() })
	return cache, compiler, sources
}

func TestGetOrBuildCachesByFingerprint(t *testing.T) {
	cache, compiler, sources := newTestCache(t)
	ws := testWorkspace("ws-1")
	sources.set(ws.ID, map[string]string{"src/Counter.sol": "contract Counter {}"})

	first, err := cache.GetOrBuild(context.Background(), ws)
	if err != nil {
		t.Fatalf("first build: %v", err)
	}
	second, err := cache.GetOrBuild(context.Background(), ws)
	if err != nil {
		t.Fatalf("second build: %v", err)
	}

	if got := compiler.Invocations(); got != 1 {
		t.Errorf("compiler ran %d times, want 1", got)
	}
	if first.Fingerprint != second.Fingerprint {
		t.Errorf("fingerprints differ: %s vs %s", first.Fingerprint, second.Fingerprint)
	}
	if _, ok := second.Contract("Counter"); !ok {
		t.Error("cached artifact lost its contract")
	}

	stats, err := cache.Stats()
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Hits != 1 || stats.Misses != 1 || stats.Entries != 1 {
		t.Errorf("stats = %+v, want 1 hit, 1 miss, 1 entry", stats)
	}
}

func TestChangedSourcesRebuild(t *testing.T) {
	cache, compiler, sources := newTestCache(t)
	ws := testWorkspace("ws-1")

	sources.set(ws.ID, map[string]string{"src/A.sol": "contract A {}"})
	if _, err := cache.GetOrBuild(context.Background(), ws); err != nil {
		t.Fatalf("first build: %v", err)
	}
	sources.set(ws.ID, map[string]string{"src/A.sol": "contract A { uint256 x; }"})
	if _, err := cache.GetOrBuild(context.Background(), ws); err != nil {
		t.Fatalf("second build: %v", err)
	}

	if got := compiler.Invocations(); got != 2 {
		t.Errorf("compiler ran %d times, want 2", got)
	}
}

func TestCompileErrorIsNotCached(t *testing.T) {
	cache, compiler, sources := newTestCache(t)
	ws := testWorkspace("ws-1")
	// No `contract` line: the fake compiler reports diagnostics.
	sources.set(ws.ID, map[string]string{"src/Broken.sol": "pragma solidity ^0.8.24;"})

	for i := 0; i < 2; i++ {
		_, err := cache.GetOrBuild(context.Background(), ws)
		var compileErr *build.CompileError
		if !errors.As(err, &compileErr) {
			t.Fatalf("attempt %d: error %v is not a CompileError", i, err)
		}
	}
	if got := compiler.Invocations(); got != 2 {
		t.Errorf("compiler ran %d times, want 2 (failures must not be cached)", got)
	}

	stats, err := cache.Stats()
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Entries != 0 {
		t.Errorf("failed compile left %d cache entries", stats.Entries)
	}
}

func TestConcurrentMissesCollapseToOneCompile(t *testing.T) {
	cache, compiler, sources := newTestCache(t)
	ws := testWorkspace("ws-1")
	sources.set(ws.ID, map[string]string{"src/Counter.sol": "contract Counter {}"})

	// Hold the compile in flight long enough for every caller to pile up.
	compiler.Delay = func() { time.Sleep(150 * time.Millisecond) }

	const callers = 8
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = cache.GetOrBuild(context.Background(), ws)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("caller %d: %v", i, err)
		}
	}
	if got := compiler.Invocations(); got != 1 {
		t.Errorf("compiler ran %d times for %d concurrent callers, want 1", got, callers)
	}
}

func TestArtifactsSurviveReopen(t *testing.T) {
	dir := t.TempDir()
	compiler := fake.NewCompiler()
	sources := newSourceStore()
	ws := testWorkspace("ws-1")
	sources.set(ws.ID, map[string]string{"src/Counter.sol": "contract Counter {}"})

	cache, err := build.OpenCache(dir, compiler, sources)
	if err != nil {
		t.Fatalf("opening cache: %v", err)
	}
	if _, err := cache.GetOrBuild(context.Background(), ws); err != nil {
		t.Fatalf("build: %v", err)
	}
	if err := cache.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	fresh := fake.NewCompiler()
	reopened, err := build.OpenCache(dir, fresh, sources)
	if err != nil {
		t.Fatalf("reopening cache: %v", err)
	}
	defer reopened.Close()

	if _, err := reopened.GetOrBuild(context.Background(), ws); err != nil {
		t.Fatalf("build after reopen: %v", err)
	}
	if got := fresh.Invocations(); got != 0 {
		t.Errorf("compiler ran %d times after reopen, want 0 (persistent cache)", got)
	}
}

func TestEmptyWorkspaceIsRejected(t *testing.T) {
	cache, _, sources := newTestCache(t)
	ws := testWorkspace("ws-1")
	sources.set(ws.ID, map[string]string{})

	_, err := cache.GetOrBuild(context.Background(), ws)
	var verr *workspace.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("error %v is not a ValidationError", err)
	}
}
