package workspace

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"chainlab/internal/check"
	"chainlab/internal/defaults"
	"chainlab/internal/logging"
)

const metadataDBName = "workspaces.db"

// Store owns workspace directories and their metadata. Metadata survives
// process restarts in a sqlite database next to the workspace directories.
type Store struct {
	mu         sync.Mutex
	db         *sql.DB
	dir        string
	workspaces map[string]*Workspace
	log        *slog.Logger
}

// Open loads the store rooted at dataRoot, recovering workspaces persisted by
// a previous process.
func Open(dataRoot string) (*Store, error) {
	dir := defaults.WorkspacesDir(dataRoot)
	if err := defaults.EnsureDataRoot(dir); err != nil {
		return nil, fmt.Errorf("create workspaces directory: %w", err)
	}

	db, err := sql.Open("sqlite", filepath.Join(dir, metadataDBName))
	if err != nil {
		return nil, fmt.Errorf("open workspace db: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set workspace db journal mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout = 5000`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set workspace db busy timeout: %w", err)
	}
	if _, err := db.Exec(`
CREATE TABLE IF NOT EXISTS workspaces (
	id TEXT PRIMARY KEY,
	meta_json TEXT NOT NULL,
	updated_at TEXT NOT NULL
)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize workspace schema: %w", err)
	}

	s := &Store{
		db:         db,
		dir:        dir,
		workspaces: make(map[string]*Workspace),
		log:        logging.Component("workspace-store"),
	}
	if err := s.load(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	rows, err := s.db.Query(`SELECT id, meta_json FROM workspaces`)
	if err != nil {
		return fmt.Errorf("list workspaces: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id, metaJSON string
		if err := rows.Scan(&id, &metaJSON); err != nil {
			return fmt.Errorf("scan workspace row: %w", err)
		}
		ws := &Workspace{}
		if err := json.Unmarshal([]byte(metaJSON), ws); err != nil {
			return fmt.Errorf("unmarshal workspace %q: %w", id, err)
		}
		// A directory deleted out from under us means the workspace is gone.
		if _, err := os.Stat(ws.Root); err != nil {
			s.log.Warn("dropping workspace with missing directory", "id", id)
			continue
		}
		s.workspaces[id] = ws
	}
	return rows.Err()
}

// Close releases the metadata database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Create provisions a new workspace directory and persists its metadata.
// Invalid compiler settings fail before anything touches the filesystem.
func (s *Store) Create(cfg Config) (*Workspace, error) {
	normalized, err := Normalize(cfg)
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()
	root := filepath.Join(s.dir, id)
	for _, sub := range []string{"src", "lib", "test"} {
		if err := os.MkdirAll(filepath.Join(root, sub), 0o755); err != nil {
			return nil, fmt.Errorf("create workspace layout: %w", err)
		}
	}
	if err := writeProjectConfig(root, normalized); err != nil {
		_ = os.RemoveAll(root)
		return nil, err
	}

	ws := &Workspace{
		ID:        id,
		Root:      root,
		Config:    normalized,
		State:     StateCreated,
		CreatedAt: time.Now().UTC(),
	}

	s.mu.Lock()
	s.workspaces[id] = ws
	s.mu.Unlock()

	if err := s.persist(ws); err != nil {
		s.mu.Lock()
		delete(s.workspaces, id)
		s.mu.Unlock()
		_ = os.RemoveAll(root)
		return nil, err
	}

	s.log.Info("workspace created", "id", id, "solc", normalized.SolcVersion)
	return ws.clone(), nil
}

// live returns the store's own instance, for mutation under its lock.
func (s *Store) live(id string) (*Workspace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ws, ok := s.workspaces[id]
	if !ok {
		return nil, fmt.Errorf("workspace %q: %w", id, ErrNotFound)
	}
	return ws, nil
}

// Get returns a detached copy of a workspace by ID. Concurrent mutation
// through the store never touches a copy, so callers may read or marshal it
// freely.
func (s *Store) Get(id string) (*Workspace, error) {
	ws, err := s.live(id)
	if err != nil {
		return nil, err
	}
	return ws.clone(), nil
}

// List returns detached copies of all workspaces in unspecified order.
func (s *Store) List() []*Workspace {
	s.mu.Lock()
	live := make([]*Workspace, 0, len(s.workspaces))
	for _, ws := range s.workspaces {
		live = append(live, ws)
	}
	s.mu.Unlock()

	out := make([]*Workspace, 0, len(live))
	for _, ws := range live {
		out = append(out, ws.clone())
	}
	return out
}

// AddFiles writes files into the workspace. Paths are relative to the
// workspace root; any path resolving outside it rejects the whole batch
// before a single byte is written.
func (s *Store) AddFiles(id string, files map[string]string) error {
	ws, err := s.live(id)
	if err != nil {
		return err
	}

	resolved := make(map[string]string, len(files))
	for rel := range files {
		abs, rerr := securePath(ws.Root, rel)
		if rerr != nil {
			return rerr
		}
		resolved[rel] = abs
	}

	ws.Lock()
	defer ws.Unlock()

	for rel, content := range files {
		abs := resolved[rel]
		if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
			return fmt.Errorf("create directory for %q: %w", rel, err)
		}
		if err := os.WriteFile(abs, []byte(content), 0o644); err != nil {
			return fmt.Errorf("write %q: %w", rel, err)
		}
		ws.addFile(filepath.ToSlash(filepath.Clean(rel)))
	}
	ws.State = StateCreated
	return s.persist(ws)
}

// RemoveFile deletes a single file from the workspace.
func (s *Store) RemoveFile(id, rel string) error {
	ws, err := s.live(id)
	if err != nil {
		return err
	}
	abs, err := securePath(ws.Root, rel)
	if err != nil {
		return err
	}

	ws.Lock()
	defer ws.Unlock()

	clean := filepath.ToSlash(filepath.Clean(rel))
	if !ws.hasFile(clean) {
		return fmt.Errorf("file %q: %w", rel, ErrNotFound)
	}
	if err := os.Remove(abs); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove %q: %w", rel, err)
	}
	ws.removeFile(clean)
	ws.State = StateCreated
	return s.persist(ws)
}

// ReadFile returns the content of one workspace file.
func (s *Store) ReadFile(id, rel string) (string, error) {
	ws, err := s.live(id)
	if err != nil {
		return "", err
	}
	abs, err := securePath(ws.Root, rel)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(abs)
	if errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("file %q: %w", rel, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("read %q: %w", rel, err)
	}
	return string(data), nil
}

// Sources snapshots the workspace file set under the mutator lock so a
// concurrent write cannot tear an in-progress compile.
func (s *Store) Sources(id string) (map[string]string, error) {
	ws, err := s.live(id)
	if err != nil {
		return nil, err
	}

	ws.Lock()
	defer ws.Unlock()

	out := make(map[string]string, len(ws.Files))
	for _, rel := range ws.Files {
		abs, perr := securePath(ws.Root, rel)
		if perr != nil {
			return nil, perr
		}
		data, rerr := os.ReadFile(abs)
		if rerr != nil {
			return nil, fmt.Errorf("read source %q: %w", rel, rerr)
		}
		out[rel] = string(data)
	}
	return out, nil
}

// RecordDependency marks a dependency as installed for the workspace.
func (s *Store) RecordDependency(id, name string) error {
	ws, err := s.live(id)
	if err != nil {
		return err
	}
	ws.Lock()
	defer ws.Unlock()
	if ws.hasDependency(name) {
		return nil
	}
	ws.Dependencies = append(ws.Dependencies, name)
	return s.persist(ws)
}

// SetState transitions the workspace lifecycle state.
func (s *Store) SetState(id string, st State) error {
	ws, err := s.live(id)
	if err != nil {
		return err
	}
	ws.Lock()
	defer ws.Unlock()
	ws.State = st
	return s.persist(ws)
}

// Destroy removes the workspace directory and metadata. Destroying an absent
// or already-destroyed workspace is a no-op; destroying one with a mutation
// or compile in flight is ErrBusy, so the caller can retry instead of
// pulling the tree out from under a running operation.
func (s *Store) Destroy(id string) error {
	s.mu.Lock()
	ws, ok := s.workspaces[id]
	s.mu.Unlock()
	if !ok {
		return nil
	}

	if !ws.TryLock() {
		return fmt.Errorf("workspace %q: %w", id, ErrBusy)
	}
	defer ws.Unlock()

	s.mu.Lock()
	delete(s.workspaces, id)
	s.mu.Unlock()
	ws.State = StateDestroyed

	if err := os.RemoveAll(ws.Root); err != nil {
		return fmt.Errorf("remove workspace directory: %w", err)
	}
	if _, err := s.db.Exec(`DELETE FROM workspaces WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete workspace metadata: %w", err)
	}
	s.log.Info("workspace destroyed", "id", id)
	return nil
}

func (s *Store) persist(ws *Workspace) error {
	check.Assert(ws != nil, "Store.persist: workspace must not be nil")
	payload, err := json.Marshal(ws)
	if err != nil {
		return fmt.Errorf("marshal workspace metadata: %w", err)
	}
	_, err = s.db.Exec(`
INSERT INTO workspaces (id, meta_json, updated_at) VALUES (?, ?, ?)
ON CONFLICT(id) DO UPDATE SET meta_json = excluded.meta_json, updated_at = excluded.updated_at`,
		ws.ID, string(payload), time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("persist workspace metadata: %w", err)
	}
	return nil
}

// securePath resolves rel against root and rejects anything that normalizes
// outside it. No filesystem access happens here.
func securePath(root, rel string) (string, error) {
	if strings.TrimSpace(rel) == "" {
		return "", &ValidationError{Field: "path", Message: "must not be empty"}
	}
	if filepath.IsAbs(rel) {
		return "", fmt.Errorf("path %q: %w", rel, ErrPathViolation)
	}
	abs := filepath.Join(root, filepath.Clean(rel))
	inside, err := filepath.Rel(root, abs)
	if err != nil || inside == ".." || strings.HasPrefix(inside, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q: %w", rel, ErrPathViolation)
	}
	return abs, nil
}

// writeProjectConfig snapshots the compiler settings into a foundry-style
// config file inside the workspace so external tooling sees the same options.
func writeProjectConfig(root string, cfg Config) error {
	var b strings.Builder
	b.WriteString("[profile.default]\n")
	b.WriteString("src = \"src\"\n")
	b.WriteString("libs = [\"lib\"]\n")
	fmt.Fprintf(&b, "solc_version = %q\n", cfg.SolcVersion)
	fmt.Fprintf(&b, "optimizer = %t\n", cfg.Optimizer)
	fmt.Fprintf(&b, "optimizer_runs = %d\n", cfg.OptimizerRuns)
	fmt.Fprintf(&b, "evm_version = %q\n", cfg.EVMVersion)
	if err := os.WriteFile(filepath.Join(root, "foundry.toml"), []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("write project config: %w", err)
	}
	return nil
}
