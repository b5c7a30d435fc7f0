package workspace

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestCreateValidatesConfig(t *testing.T) {
	s := openTestStore(t)

	t.Run("defaults applied", func(t *testing.T) {
		ws, err := s.Create(Config{})
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		if ws.Config.SolcVersion != "0.8.19" {
			t.Errorf("SolcVersion: got %q, want %q", ws.Config.SolcVersion, "0.8.19")
		}
		if ws.Config.OptimizerRuns != 200 {
			t.Errorf("OptimizerRuns: got %d, want 200", ws.Config.OptimizerRuns)
		}
		if ws.State != StateCreated {
			t.Errorf("State: got %q, want %q", ws.State, StateCreated)
		}
	})

	t.Run("bad solc version", func(t *testing.T) {
		_, err := s.Create(Config{SolcVersion: "latest"})
		var valErr *ValidationError
		if !errors.As(err, &valErr) {
			t.Fatalf("expected ValidationError, got %v", err)
		}
	})

	t.Run("unsupported solc version", func(t *testing.T) {
		_, err := s.Create(Config{SolcVersion: "0.3.6"})
		var valErr *ValidationError
		if !errors.As(err, &valErr) {
			t.Fatalf("expected ValidationError, got %v", err)
		}
	})

	t.Run("bad evm version", func(t *testing.T) {
		_, err := s.Create(Config{EVMVersion: "frontier2"})
		var valErr *ValidationError
		if !errors.As(err, &valErr) {
			t.Fatalf("expected ValidationError, got %v", err)
		}
	})
}

func TestFileOperations(t *testing.T) {
	s := openTestStore(t)
	ws, err := s.Create(Config{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	src := "pragma solidity ^0.8.19;\ncontract Counter {}\n"
	if err := s.AddFiles(ws.ID, map[string]string{"src/Counter.sol": src}); err != nil {
		t.Fatalf("add files: %v", err)
	}

	got, err := s.ReadFile(ws.ID, "src/Counter.sol")
	if err != nil {
		t.Fatalf("read file: %v", err)
	}
	if got != src {
		t.Errorf("content mismatch: got %q", got)
	}

	sources, err := s.Sources(ws.ID)
	if err != nil {
		t.Fatalf("sources: %v", err)
	}
	if len(sources) != 1 || sources["src/Counter.sol"] != src {
		t.Errorf("sources: got %v", sources)
	}

	if err := s.RemoveFile(ws.ID, "src/Counter.sol"); err != nil {
		t.Fatalf("remove file: %v", err)
	}
	if _, err := s.ReadFile(ws.ID, "src/Counter.sol"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after remove, got %v", err)
	}
}

func TestPathViolationLeavesFilesystemUntouched(t *testing.T) {
	s := openTestStore(t)
	ws, err := s.Create(Config{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	for _, rel := range []string{
		"../escape.sol",
		"src/../../escape.sol",
		"/etc/passwd",
	} {
		err := s.AddFiles(ws.ID, map[string]string{rel: "x"})
		if !errors.Is(err, ErrPathViolation) {
			t.Errorf("path %q: expected ErrPathViolation, got %v", rel, err)
		}
	}

	// A batch mixing a good and a bad path must not write the good one either.
	err = s.AddFiles(ws.ID, map[string]string{
		"src/Ok.sol":    "contract Ok {}",
		"../escape.sol": "x",
	})
	if !errors.Is(err, ErrPathViolation) {
		t.Fatalf("expected ErrPathViolation, got %v", err)
	}
	if _, err := os.Stat(filepath.Join(ws.Root, "src", "Ok.sol")); !errors.Is(err, os.ErrNotExist) {
		t.Error("good path from rejected batch was written")
	}
}

func TestReadersGetDetachedCopies(t *testing.T) {
	s := openTestStore(t)
	ws, err := s.Create(Config{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	before, err := s.Get(ws.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if err := s.AddFiles(ws.ID, map[string]string{"src/A.sol": "contract A {}"}); err != nil {
		t.Fatalf("add files: %v", err)
	}
	if len(before.Files) != 0 {
		t.Errorf("earlier copy mutated by AddFiles: %v", before.Files)
	}

	after, err := s.Get(ws.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	after.Files[0] = "clobbered"
	fresh, err := s.Get(ws.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if fresh.Files[0] != "src/A.sol" {
		t.Errorf("writing a copy reached the store: %v", fresh.Files)
	}

	// Marshaling listings while files are added concurrently must be safe.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 50; i++ {
			if err := s.AddFiles(ws.ID, map[string]string{fmt.Sprintf("src/F%d.sol", i): "contract F {}"}); err != nil {
				t.Errorf("add files: %v", err)
				return
			}
		}
	}()
	for marshaling := true; marshaling; {
		select {
		case <-done:
			marshaling = false
		default:
		}
		if _, err := json.Marshal(s.List()); err != nil {
			t.Fatalf("marshal listing: %v", err)
		}
	}
}

func TestDestroyWhileMutationInFlightIsBusy(t *testing.T) {
	s := openTestStore(t)
	ws, err := s.Create(Config{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	live, err := s.live(ws.ID)
	if err != nil {
		t.Fatalf("live: %v", err)
	}

	live.Lock()
	if err := s.Destroy(ws.ID); !errors.Is(err, ErrBusy) {
		t.Errorf("destroy during mutation: got %v, want ErrBusy", err)
	}
	live.Unlock()

	if err := s.Destroy(ws.ID); err != nil {
		t.Errorf("destroy after mutation finished: %v", err)
	}
}

func TestDestroyIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	ws, err := s.Create(Config{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := s.Destroy(ws.ID); err != nil {
		t.Fatalf("destroy: %v", err)
	}
	if _, err := os.Stat(ws.Root); !errors.Is(err, os.ErrNotExist) {
		t.Error("workspace directory still present after destroy")
	}
	if err := s.Destroy(ws.ID); err != nil {
		t.Errorf("second destroy: got %v, want nil", err)
	}
	if _, err := s.Get(ws.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after destroy, got %v", err)
	}
}

func TestMetadataSurvivesReopen(t *testing.T) {
	root := t.TempDir()
	s, err := Open(root)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	ws, err := s.Create(Config{Optimizer: true, OptimizerRuns: 999})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.AddFiles(ws.ID, map[string]string{"src/A.sol": "contract A {}"}); err != nil {
		t.Fatalf("add files: %v", err)
	}
	if err := s.RecordDependency(ws.ID, "openzeppelin-contracts"); err != nil {
		t.Fatalf("record dependency: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := Open(root)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	defer reopened.Close()

	got, err := reopened.Get(ws.ID)
	if err != nil {
		t.Fatalf("get after reopen: %v", err)
	}
	if got.Config.OptimizerRuns != 999 {
		t.Errorf("OptimizerRuns: got %d, want 999", got.Config.OptimizerRuns)
	}
	if len(got.Files) != 1 || got.Files[0] != "src/A.sol" {
		t.Errorf("Files: got %v", got.Files)
	}
	if len(got.Dependencies) != 1 || got.Dependencies[0] != "openzeppelin-contracts" {
		t.Errorf("Dependencies: got %v", got.Dependencies)
	}
}
