package scenario

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"chainlab/internal/chain"
)

const defaultFuzzTrials = 64

func (x *executor) execFuzz(ctx context.Context, p *FuzzStep, res *StepResult) {
	sym, err := x.symbols.resolve(p.Target)
	if err != nil {
		fail(res, err)
		return
	}
	method, ok := sym.abi.Methods[p.Function]
	if !ok {
		fail(res, fmt.Errorf("function %q is not in %s's abi", p.Function, sym.contract))
		return
	}
	from, err := x.resolveRole(p.From)
	if err != nil {
		fail(res, err)
		return
	}

	trials := p.Trials
	if trials <= 0 {
		trials = defaultFuzzTrials
	}
	seed := p.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(seed))

	for trial := 0; trial < trials; trial++ {
		if ctx.Err() != nil {
			fail(res, ctx.Err())
			return
		}

		args := make([]any, len(method.Inputs))
		for i, input := range method.Inputs {
			v, err := randomABIValue(rng, input.Type)
			if err != nil {
				fail(res, err)
				return
			}
			args[i] = v
		}
		packed, err := sym.abi.Pack(p.Function, args...)
		if err != nil {
			fail(res, err)
			return
		}

		// A reverting trial is a legitimate path through the contract; only
		// the invariants decide whether the campaign found a bug.
		_, err = x.client.Send(ctx, sym.address, packed, from, nil)
		var revertErr *chain.RevertError
		if err != nil && !errors.As(err, &revertErr) {
			fail(res, fmt.Errorf("trial %d: %w", trial, err))
			return
		}

		for _, inv := range p.Invariants {
			held, detail, err := x.checkInvariant(ctx, inv)
			if err != nil {
				fail(res, fmt.Errorf("trial %d, invariant %s: %w", trial, inv.Function, err))
				return
			}
			if !held {
				res.Outcome = OutcomeAssertionFailed
				res.Detail = fmt.Sprintf(
					"invariant %s violated on trial %d with input %s(%s) [seed %d]: %s",
					inv.Function, trial, p.Function, renderArgs(args), seed, detail)
				return
			}
		}
	}
	res.Detail = fmt.Sprintf("%d trials passed [seed %d]", trials, seed)
}

// checkInvariant runs one view function expected to return true. A revert or
// a false return means the invariant no longer holds.
func (x *executor) checkInvariant(ctx context.Context, inv ViewCall) (bool, string, error) {
	sym, err := x.symbols.resolve(inv.Target)
	if err != nil {
		return false, "", err
	}
	calldata, err := encodeCall(sym.abi, inv.Function, inv.Args)
	if err != nil {
		return false, "", err
	}
	data, err := x.client.Call(ctx, sym.address, calldata)
	var revertErr *chain.RevertError
	if errors.As(err, &revertErr) {
		return false, fmt.Sprintf("invariant reverted: %s", revertErr.Reason), nil
	}
	if err != nil {
		return false, "", err
	}
	decoded, err := decodeReturn(sym.abi, inv.Function, data)
	if err != nil {
		return false, "", err
	}
	if len(decoded) != 1 {
		return false, "", fmt.Errorf("invariant must return a single bool, got %d values", len(decoded))
	}
	held, ok := decoded[0].(bool)
	if !ok {
		return false, "", fmt.Errorf("invariant must return bool, got %T", decoded[0])
	}
	if !held {
		return false, "returned false", nil
	}
	return true, "", nil
}

func renderArgs(args []any) string {
	parts := make([]string, len(args))
	for i, arg := range args {
		parts[i] = renderValue(normalizeValue(arg))
	}
	return strings.Join(parts, ", ")
}
