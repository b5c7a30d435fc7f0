package workspace

import (
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// State is the lifecycle state of a workspace.
type State string

const (
	StateCreated   State = "created"
	StateCompiling State = "compiling"
	StateCompiled  State = "compiled"
	StateFailed    State = "failed"
	StateDestroyed State = "destroyed"
)

// Config captures the compiler settings a workspace is created with.
type Config struct {
	SolcVersion   string `json:"solc_version"`
	Optimizer     bool   `json:"optimizer"`
	OptimizerRuns int    `json:"optimizer_runs"`
	EVMVersion    string `json:"evm_version"`
	AutoCleanup   bool   `json:"auto_cleanup"`
}

// evmVersions are the hard forks solc accepts as --evm-version values.
var evmVersions = map[string]bool{
	"homestead": true, "tangerineWhistle": true, "spuriousDragon": true,
	"byzantium": true, "constantinople": true, "petersburg": true,
	"istanbul": true, "berlin": true, "london": true, "paris": true,
	"shanghai": true, "cancun": true,
}

// Normalize fills defaults and validates cfg.
func Normalize(cfg Config) (Config, error) {
	if strings.TrimSpace(cfg.SolcVersion) == "" {
		cfg.SolcVersion = "0.8.19"
	}
	if cfg.EVMVersion == "" {
		cfg.EVMVersion = "london"
	}
	if cfg.OptimizerRuns == 0 {
		cfg.OptimizerRuns = 200
	}
	if err := validateSolcVersion(cfg.SolcVersion); err != nil {
		return Config{}, err
	}
	if !evmVersions[cfg.EVMVersion] {
		return Config{}, &ValidationError{Field: "evm_version", Message: "unknown EVM version " + strconv.Quote(cfg.EVMVersion)}
	}
	if cfg.OptimizerRuns < 0 {
		return Config{}, &ValidationError{Field: "optimizer_runs", Message: "must not be negative"}
	}
	return cfg, nil
}

func validateSolcVersion(v string) error {
	parts := strings.Split(v, ".")
	if len(parts) != 3 {
		return &ValidationError{Field: "solc_version", Message: "expected semantic version, got " + strconv.Quote(v)}
	}
	nums := make([]int, 3)
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return &ValidationError{Field: "solc_version", Message: "expected semantic version, got " + strconv.Quote(v)}
		}
		nums[i] = n
	}
	// Anything before 0.4 predates the ABI v2 toolchain and is unsupported.
	if nums[0] != 0 || nums[1] < 4 {
		return &ValidationError{Field: "solc_version", Message: "unsupported compiler version " + strconv.Quote(v)}
	}
	return nil
}

// Workspace is an isolated contract project directory plus its metadata.
// File contents live on disk under Root; the struct tracks the relative
// paths so fingerprinting sees a stable, ordered file set.
type Workspace struct {
	ID           string    `json:"id"`
	Root         string    `json:"root"`
	Config       Config    `json:"config"`
	State        State     `json:"state"`
	CreatedAt    time.Time `json:"created_at"`
	Files        []string  `json:"files"`
	Dependencies []string  `json:"dependencies"`

	// mu serializes file mutation and compilation for this workspace.
	mu sync.Mutex
}

// Lock acquires the workspace mutator lock.
func (w *Workspace) Lock() { w.mu.Lock() }

// Unlock releases the workspace mutator lock.
func (w *Workspace) Unlock() { w.mu.Unlock() }

// TryLock acquires the mutator lock only if no mutation is in flight.
func (w *Workspace) TryLock() bool { return w.mu.TryLock() }

// clone returns a detached copy. Readers hold on to clones; mutation happens
// only on the store's live instance, under its lock.
func (w *Workspace) clone() *Workspace {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := &Workspace{
		ID:        w.ID,
		Root:      w.Root,
		Config:    w.Config,
		State:     w.State,
		CreatedAt: w.CreatedAt,
	}
	out.Files = append([]string(nil), w.Files...)
	out.Dependencies = append([]string(nil), w.Dependencies...)
	return out
}

func (w *Workspace) hasFile(rel string) bool {
	for _, f := range w.Files {
		if f == rel {
			return true
		}
	}
	return false
}

func (w *Workspace) addFile(rel string) {
	if w.hasFile(rel) {
		return
	}
	w.Files = append(w.Files, rel)
	sort.Strings(w.Files)
}

func (w *Workspace) removeFile(rel string) {
	out := w.Files[:0]
	for _, f := range w.Files {
		if f != rel {
			out = append(out, f)
		}
	}
	w.Files = out
}

func (w *Workspace) hasDependency(name string) bool {
	for _, d := range w.Dependencies {
		if d == name {
			return true
		}
	}
	return false
}
