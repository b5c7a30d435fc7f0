package build

import (
	"context"
	"encoding/json"
)

// CompilerInput is everything a compiler invocation depends on. Two equal
// inputs must produce byte-identical outputs.
type CompilerInput struct {
	Sources       map[string]string
	SolcVersion   string
	Optimizer     bool
	OptimizerRuns int
	EVMVersion    string
}

// Contract is one compiled contract from a compiler run.
type Contract struct {
	Name     string          `json:"name"`
	ABI      json.RawMessage `json:"abi"`
	Bytecode string          `json:"bytecode"`
}

// CompilerOutput is a successful compilation.
type CompilerOutput struct {
	Contracts []Contract `json:"contracts"`
	Warnings  []string   `json:"warnings,omitempty"`
}

// Compiler turns sources plus settings into bytecode and ABIs. Failures with
// compiler diagnostics are reported as *CompileError.
type Compiler interface {
	Compile(ctx context.Context, in CompilerInput) (CompilerOutput, error)
}

// SourceStore provides a consistent snapshot of a workspace's files.
type SourceStore interface {
	Sources(id string) (map[string]string, error)
}
