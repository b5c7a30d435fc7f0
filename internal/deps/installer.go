// Package deps installs solidity dependencies into workspaces.
package deps

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"

	"chainlab/internal/logging"
	"chainlab/internal/workspace"
)

// envForgeBin overrides where the forge binary is found.
const envForgeBin = "CHAINLAB_FORGE_BIN"

// InstallError carries the installer's captured output for diagnosis.
type InstallError struct {
	Pkg    string
	Output string
	Err    error
}

func (e *InstallError) Error() string {
	return fmt.Sprintf("installing %s: %v", e.Pkg, e.Err)
}

func (e *InstallError) Unwrap() error { return e.Err }

// Installer adds a dependency package to a workspace.
type Installer interface {
	Install(ctx context.Context, ws *workspace.Workspace, pkg string) error
}

// DependencyRecorder persists which packages a workspace depends on.
// Satisfied by *workspace.Store.
type DependencyRecorder interface {
	RecordDependency(id, name string) error
}

// ForgeInstaller shells out to `forge install` inside the workspace root.
// Installed libraries land under lib/ and become part of the workspace's
// compilation inputs.
type ForgeInstaller struct {
	recorder DependencyRecorder
	log      *slog.Logger
}

func NewForgeInstaller(recorder DependencyRecorder) *ForgeInstaller {
	return &ForgeInstaller{
		recorder: recorder,
		log:      logging.Component("deps"),
	}
}

func (f *ForgeInstaller) Install(ctx context.Context, ws *workspace.Workspace, pkg string) error {
	if err := validatePackage(pkg); err != nil {
		return err
	}

	bin := os.Getenv(envForgeBin)
	if bin == "" {
		bin = "forge"
	}
	cmd := exec.CommandContext(ctx, bin, "install", pkg, "--no-git")
	cmd.Dir = ws.Root
	out, err := cmd.CombinedOutput()
	if err != nil {
		f.log.Error("forge install failed", "workspace", ws.ID, "pkg", pkg, "error", err)
		return &InstallError{Pkg: pkg, Output: string(out), Err: err}
	}

	name := packageName(pkg)
	if err := f.recorder.RecordDependency(ws.ID, name); err != nil {
		return err
	}
	f.log.Info("dependency installed", "workspace", ws.ID, "pkg", pkg, "name", name)
	return nil
}

// validatePackage rejects anything that is not a plain org/repo[@ref]
// package reference before it reaches a subprocess argument.
func validatePackage(pkg string) error {
	if pkg == "" {
		return &workspace.ValidationError{Field: "pkg", Message: "package is required"}
	}
	for _, r := range pkg {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '/' || r == '-' || r == '_' || r == '.' || r == '@':
		default:
			return &workspace.ValidationError{
				Field:   "pkg",
				Message: fmt.Sprintf("package %q contains invalid character %q", pkg, r),
			}
		}
	}
	if strings.HasPrefix(pkg, "-") || strings.Contains(pkg, "..") {
		return &workspace.ValidationError{Field: "pkg", Message: fmt.Sprintf("package %q is not a valid reference", pkg)}
	}
	return nil
}

// packageName is the dependency's directory name: the repo part, version
// suffix stripped.
func packageName(pkg string) string {
	name := pkg
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}
	if i := strings.Index(name, "@"); i >= 0 {
		name = name[:i]
	}
	return name
}
