package build

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
)

const (
	solcBinaryName = "solc"
	// SolcBinaryEnv overrides the compiler binary, e.g. a versioned
	// solc-select shim.
	SolcBinaryEnv = "CHAINLAB_SOLC_BIN"
)

// Solc shells out to the Solidity compiler's standard-JSON interface.
// solc is deterministic for identical standard-JSON inputs, which is what
// makes fingerprint-keyed caching sound.
type Solc struct{}

var _ Compiler = (*Solc)(nil)

type standardJSONInput struct {
	Language string                   `json:"language"`
	Sources  map[string]sourceContent `json:"sources"`
	Settings solcSettings             `json:"settings"`
}

type sourceContent struct {
	Content string `json:"content"`
}

type solcSettings struct {
	Optimizer       solcOptimizer                  `json:"optimizer"`
	EVMVersion      string                         `json:"evmVersion,omitempty"`
	OutputSelection map[string]map[string][]string `json:"outputSelection"`
}

type solcOptimizer struct {
	Enabled bool `json:"enabled"`
	Runs    int  `json:"runs,omitempty"`
}

type standardJSONOutput struct {
	Errors []struct {
		Severity         string `json:"severity"`
		FormattedMessage string `json:"formattedMessage"`
	} `json:"errors"`
	Contracts map[string]map[string]struct {
		ABI json.RawMessage `json:"abi"`
		EVM struct {
			Bytecode struct {
				Object string `json:"object"`
			} `json:"bytecode"`
		} `json:"evm"`
	} `json:"contracts"`
}

// Compile runs solc over the input. Compiler-reported errors come back as
// *CompileError with the formatted diagnostics intact; warnings ride along on
// the successful output.
func (s *Solc) Compile(ctx context.Context, in CompilerInput) (CompilerOutput, error) {
	stdin := standardJSONInput{
		Language: "Solidity",
		Sources:  make(map[string]sourceContent, len(in.Sources)),
		Settings: solcSettings{
			Optimizer:  solcOptimizer{Enabled: in.Optimizer, Runs: in.OptimizerRuns},
			EVMVersion: in.EVMVersion,
			OutputSelection: map[string]map[string][]string{
				"*": {"*": {"abi", "evm.bytecode.object"}},
			},
		},
	}
	for path, content := range in.Sources {
		stdin.Sources[path] = sourceContent{Content: content}
	}

	payload, err := json.Marshal(stdin)
	if err != nil {
		return CompilerOutput{}, fmt.Errorf("marshal solc input: %w", err)
	}

	bin := solcBinaryName
	if v := os.Getenv(SolcBinaryEnv); v != "" {
		bin = v
	}

	cmd := exec.CommandContext(ctx, bin, "--standard-json")
	cmd.Stdin = bytes.NewReader(payload)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return CompilerOutput{}, ctx.Err()
		}
		return CompilerOutput{}, fmt.Errorf("run %s: %w: %s", bin, err, strings.TrimSpace(stderr.String()))
	}

	var out standardJSONOutput
	if err := json.Unmarshal(stdout.Bytes(), &out); err != nil {
		return CompilerOutput{}, fmt.Errorf("parse solc output: %w", err)
	}

	var warnings, failures []string
	for _, e := range out.Errors {
		if e.Severity == "error" {
			failures = append(failures, strings.TrimSpace(e.FormattedMessage))
		} else {
			warnings = append(warnings, strings.TrimSpace(e.FormattedMessage))
		}
	}
	if len(failures) > 0 {
		return CompilerOutput{}, &CompileError{Diagnostics: failures}
	}

	result := CompilerOutput{Warnings: warnings}
	for _, contracts := range out.Contracts {
		for name, c := range contracts {
			result.Contracts = append(result.Contracts, Contract{
				Name:     name,
				ABI:      c.ABI,
				Bytecode: c.EVM.Bytecode.Object,
			})
		}
	}
	sort.Slice(result.Contracts, func(i, j int) bool {
		return result.Contracts[i].Name < result.Contracts[j].Name
	})
	return result, nil
}
