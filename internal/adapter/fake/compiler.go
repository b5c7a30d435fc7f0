package fake

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"chainlab/internal/build"
)

var _ build.Compiler = (*Compiler)(nil)

// Compiler is an in-memory build.Compiler. By default it "compiles" every
// `contract X` occurrence in the sources into a deterministic pseudo
// artifact, so identical inputs always yield identical outputs.
type Compiler struct {
	CallRecorder
	mu sync.Mutex

	// CompileErr, when set, is consulted before compiling.
	CompileErr func(ctx context.Context, in build.CompilerInput) error
	// Output, when set, replaces the derived output entirely.
	Output *build.CompilerOutput
	// Delay, when set, is invoked mid-compile so tests can hold a compile
	// in flight.
	Delay func()

	invocations atomic.Int64
}

// NewCompiler creates a Compiler with default behavior.
func NewCompiler() *Compiler {
	return &Compiler{}
}

// Invocations returns how many times Compile ran.
func (c *Compiler) Invocations() int64 {
	return c.invocations.Load()
}

func (c *Compiler) Compile(ctx context.Context, in build.CompilerInput) (build.CompilerOutput, error) {
	c.record("Compile", in.SolcVersion)
	c.invocations.Add(1)

	if c.CompileErr != nil {
		if err := c.CompileErr(ctx, in); err != nil {
			return build.CompilerOutput{}, err
		}
	}
	if c.Delay != nil {
		c.Delay()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Output != nil {
		return *c.Output, nil
	}

	names := contractNames(in.Sources)
	if len(names) == 0 {
		return build.CompilerOutput{}, &build.CompileError{Diagnostics: []string{"no contracts found in sources"}}
	}

	out := build.CompilerOutput{}
	for _, name := range names {
		abiJSON, _ := json.Marshal([]map[string]any{})
		out.Contracts = append(out.Contracts, build.Contract{
			Name:     name,
			ABI:      abiJSON,
			Bytecode: fmt.Sprintf("60%02x600052", len(name)),
		})
	}
	return out, nil
}

func contractNames(sources map[string]string) []string {
	seen := map[string]bool{}
	var names []string
	for _, content := range sources {
		for _, line := range strings.Split(content, "\n") {
			line = strings.TrimSpace(line)
			if !strings.HasPrefix(line, "contract ") {
				continue
			}
			rest := strings.TrimPrefix(line, "contract ")
			name := strings.FieldsFunc(rest, func(r rune) bool {
				return r == ' ' || r == '{'
			})
			if len(name) > 0 && !seen[name[0]] {
				seen[name[0]] = true
				names = append(names, name[0])
			}
		}
	}
	sort.Strings(names)
	return names
}
