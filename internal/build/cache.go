package build

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
	_ "modernc.org/sqlite"

	"chainlab/internal/check"
	"chainlab/internal/defaults"
	"chainlab/internal/logging"
	"chainlab/internal/workspace"
)

const cacheDBName = "artifacts.db"

// Artifact is an immutable compilation result keyed by its fingerprint.
// Workspaces producing an identical fingerprint share the same artifact.
type Artifact struct {
	Fingerprint string     `json:"fingerprint"`
	Contracts   []Contract `json:"contracts"`
	Warnings    []string   `json:"warnings,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// Contract returns the named compiled contract.
func (a *Artifact) Contract(name string) (Contract, bool) {
	for _, c := range a.Contracts {
		if c.Name == name {
			return c, true
		}
	}
	return Contract{}, false
}

// Stats reports cache effectiveness counters.
type Stats struct {
	Hits    uint64
	Misses  uint64
	Entries int
}

// Cache maps source fingerprints to compiled artifacts. Artifacts persist in
// sqlite across restarts; concurrent misses for one fingerprint collapse into
// a single compiler invocation.
type Cache struct {
	db       *sql.DB
	compiler Compiler
	sources  SourceStore
	group    singleflight.Group
	log      *slog.Logger

	hits   atomic.Uint64
	misses atomic.Uint64
}

// OpenCache opens the artifact cache under dataRoot.
func OpenCache(dataRoot string, compiler Compiler, sources SourceStore) (*Cache, error) {
	if compiler == nil {
		return nil, fmt.Errorf("compiler is required")
	}
	if sources == nil {
		return nil, fmt.Errorf("source store is required")
	}

	dir := defaults.CacheDir(dataRoot)
	if err := defaults.EnsureDataRoot(dir); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}
	db, err := sql.Open("sqlite", filepath.Join(dir, cacheDBName))
	if err != nil {
		return nil, fmt.Errorf("open artifact db: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set artifact db journal mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout = 5000`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set artifact db busy timeout: %w", err)
	}
	if _, err := db.Exec(`
CREATE TABLE IF NOT EXISTS artifacts (
	fingerprint TEXT PRIMARY KEY,
	artifact_json TEXT NOT NULL,
	created_at TEXT NOT NULL
)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize artifact schema: %w", err)
	}

	return &Cache{
		db:       db,
		compiler: compiler,
		sources:  sources,
		log:      logging.Component("build-cache"),
	}, nil
}

// Close releases the artifact database.
func (c *Cache) Close() error {
	if c == nil || c.db == nil {
		return nil
	}
	return c.db.Close()
}

// GetOrBuild returns the cached artifact for the workspace's current sources
// and settings, compiling at most once per fingerprint on a miss. Compile
// failures return *CompileError and cache nothing.
func (c *Cache) GetOrBuild(ctx context.Context, ws *workspace.Workspace) (*Artifact, error) {
	check.Assert(ws != nil, "Cache.GetOrBuild: workspace must not be nil")

	srcs, err := c.sources.Sources(ws.ID)
	if err != nil {
		return nil, err
	}
	if len(srcs) == 0 {
		return nil, &workspace.ValidationError{Field: "sources", Message: "workspace has no source files"}
	}

	in := CompilerInput{
		Sources:       srcs,
		SolcVersion:   ws.Config.SolcVersion,
		Optimizer:     ws.Config.Optimizer,
		OptimizerRuns: ws.Config.OptimizerRuns,
		EVMVersion:    ws.Config.EVMVersion,
	}
	fp := Fingerprint(in)

	if art, ok, err := c.lookup(fp); err != nil {
		return nil, err
	} else if ok {
		c.hits.Add(1)
		return art, nil
	}

	// Late arrivals for the same fingerprint wait on the in-flight build
	// instead of spawning their own.
	v, err, _ := c.group.Do(fp, func() (any, error) {
		// Re-check: a racing caller may have finished and stored already.
		if art, ok, err := c.lookup(fp); err != nil {
			return nil, err
		} else if ok {
			return art, nil
		}
		c.misses.Add(1)
		return c.compileAndStore(ctx, fp, in)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Artifact), nil
}

func (c *Cache) compileAndStore(ctx context.Context, fp string, in CompilerInput) (*Artifact, error) {
	started := time.Now()
	out, err := c.compiler.Compile(ctx, in)
	if err != nil {
		var compileErr *CompileError
		if errors.As(err, &compileErr) {
			c.log.Debug("compilation failed", "fingerprint", fp[:12], "diagnostics", len(compileErr.Diagnostics))
		}
		return nil, err
	}

	art := &Artifact{
		Fingerprint: fp,
		Contracts:   out.Contracts,
		Warnings:    out.Warnings,
		CreatedAt:   time.Now().UTC(),
	}
	if err := c.store(art); err != nil {
		return nil, err
	}
	c.log.Info("artifact compiled", "fingerprint", fp[:12], "contracts", len(art.Contracts), "took", time.Since(started))
	return art, nil
}

func (c *Cache) lookup(fp string) (*Artifact, bool, error) {
	var artifactJSON string
	err := c.db.QueryRow(`SELECT artifact_json FROM artifacts WHERE fingerprint = ?`, fp).Scan(&artifactJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("query artifact %q: %w", fp, err)
	}
	art := &Artifact{}
	if err := json.Unmarshal([]byte(artifactJSON), art); err != nil {
		return nil, false, fmt.Errorf("unmarshal artifact %q: %w", fp, err)
	}
	return art, true, nil
}

func (c *Cache) store(art *Artifact) error {
	payload, err := json.Marshal(art)
	if err != nil {
		return fmt.Errorf("marshal artifact: %w", err)
	}
	_, err = c.db.Exec(`
INSERT INTO artifacts (fingerprint, artifact_json, created_at) VALUES (?, ?, ?)
ON CONFLICT(fingerprint) DO NOTHING`,
		art.Fingerprint, string(payload), art.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("persist artifact: %w", err)
	}
	return nil
}

// Stats returns hit/miss counters and the number of persisted artifacts.
func (c *Cache) Stats() (Stats, error) {
	var entries int
	if err := c.db.QueryRow(`SELECT COUNT(*) FROM artifacts`).Scan(&entries); err != nil {
		return Stats{}, fmt.Errorf("count artifacts: %w", err)
	}
	return Stats{
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
		Entries: entries,
	}, nil
}
