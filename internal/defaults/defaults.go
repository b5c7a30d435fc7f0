package defaults

import (
	"os"
	"path/filepath"
	"runtime"
)

const (
	defaultLinuxDataRoot  = "/var/lib/chainlab"
	defaultDarwinDataRoot = "Library/Application Support/chainlab"

	// DataRootEnv overrides the data root; used by tests and sandboxed runs.
	DataRootEnv = "CHAINLAB_DATA_ROOT"
)

// DataRoot resolves the directory holding workspaces, the artifact cache and
// chain instance state.
func DataRoot() string {
	if v := os.Getenv(DataRootEnv); v != "" {
		return v
	}
	if runtime.GOOS == "darwin" {
		home, err := os.UserHomeDir()
		if err != nil {
			return defaultLinuxDataRoot
		}
		return filepath.Join(home, defaultDarwinDataRoot)
	}
	return defaultLinuxDataRoot
}

// WorkspacesDir is where workspace directories live under the data root.
func WorkspacesDir(dataRoot string) string {
	return filepath.Join(dataRoot, "workspaces")
}

// CacheDir is where build artifacts persist under the data root.
func CacheDir(dataRoot string) string {
	return filepath.Join(dataRoot, "cache")
}

// ChainsDir is where chain instance logs and state live under the data root.
func ChainsDir(dataRoot string) string {
	return filepath.Join(dataRoot, "chains")
}

// EnsureDataRoot creates dir with permissions suitable for daemon state.
func EnsureDataRoot(dir string) error {
	return os.MkdirAll(dir, 0o755)
}
