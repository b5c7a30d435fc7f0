package scenario

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"chainlab/internal/chain"
)

// observed is what a value source produced: either a value to compare, or
// the fact that the underlying call reverted.
type observed struct {
	value    any
	reverted bool
	reason   string
}

func (x *executor) execAssert(ctx context.Context, p *AssertStep, res *StepResult) {
	obs, err := x.observe(ctx, p.Of)
	if err != nil {
		fail(res, err)
		return
	}

	if p.That == "reverted" {
		if obs.reverted {
			res.Detail = fmt.Sprintf("reverted as expected: %s", obs.reason)
		} else {
			res.Outcome = OutcomeAssertionFailed
			res.Detail = "expected a revert, but the call succeeded"
		}
		return
	}

	if obs.reverted {
		// The source reverted under a value predicate: there is nothing to
		// compare, which is an assertion failure, not a fault.
		res.Outcome = OutcomeAssertionFailed
		res.Detail = fmt.Sprintf("value source reverted: %s", obs.reason)
		return
	}

	ok, err := compareValues(p.That, obs.value, p.Equals)
	if err != nil {
		fail(res, err)
		return
	}
	if !ok {
		res.Outcome = OutcomeAssertionFailed
		res.Detail = fmt.Sprintf("%s check failed: got %s, want %s",
			p.That, renderValue(obs.value), renderValue(p.Equals))
		return
	}
	res.Detail = fmt.Sprintf("%s check passed: %s", p.That, renderValue(obs.value))
}

// observe resolves a value source against the chain or the last call result.
func (x *executor) observe(ctx context.Context, src *ValueSource) (observed, error) {
	switch {
	case src == nil || src.Last:
		if x.last == nil {
			return observed{}, fmt.Errorf("no prior call result to assert against")
		}
		if x.last.result.Reverted {
			return observed{reverted: true, reason: x.last.result.RevertReason}, nil
		}
		return observed{value: singleValue(x.last.decoded)}, nil

	case src.Call != nil:
		sym, err := x.symbols.resolve(src.Call.Target)
		if err != nil {
			return observed{}, err
		}
		calldata, err := encodeCall(sym.abi, src.Call.Function, src.Call.Args)
		if err != nil {
			return observed{}, err
		}
		data, err := x.client.Call(ctx, sym.address, calldata)
		var revertErr *chain.RevertError
		if errors.As(err, &revertErr) {
			return observed{reverted: true, reason: revertErr.Reason}, nil
		}
		if err != nil {
			return observed{}, err
		}
		decoded, err := decodeReturn(sym.abi, src.Call.Function, data)
		if err != nil {
			return observed{}, err
		}
		return observed{value: singleValue(decoded)}, nil

	case src.Balance != "":
		addr, err := x.resolveRole(src.Balance)
		if err != nil {
			return observed{}, err
		}
		bal, err := x.client.BalanceAt(ctx, addr)
		if err != nil {
			return observed{}, err
		}
		return observed{value: bal}, nil

	case src.Storage != nil:
		sym, err := x.symbols.resolve(src.Storage.Target)
		if err != nil {
			return observed{}, err
		}
		raw, err := x.client.StorageAt(ctx, sym.address, src.Storage.Slot)
		if err != nil {
			return observed{}, err
		}
		return observed{value: raw}, nil

	case src.Event != nil:
		return x.observeEvent(src.Event)
	}
	return observed{}, fmt.Errorf("empty value source")
}

// observeEvent reports whether the last call result emitted the named event.
func (x *executor) observeEvent(ref *EventRef) (observed, error) {
	if x.last == nil {
		return observed{}, fmt.Errorf("no prior call result to inspect for events")
	}
	target := ref.Target
	if target == "" {
		target = x.last.target
	}
	sym, err := x.symbols.resolve(target)
	if err != nil {
		return observed{}, err
	}
	event, ok := sym.abi.Events[ref.Name]
	if !ok {
		return observed{}, fmt.Errorf("event %q is not in %s's abi", ref.Name, sym.contract)
	}
	topic := strings.ToLower(event.ID.Hex())
	for _, log := range x.last.result.Logs {
		if len(log.Topics) > 0 && strings.ToLower(log.Topics[0]) == topic {
			return observed{value: true}, nil
		}
	}
	return observed{value: false}, nil
}

// singleValue unwraps one-element return lists so `equals: 42` works against
// a single-return function without list syntax.
func singleValue(decoded []any) any {
	if len(decoded) == 1 {
		return decoded[0]
	}
	out := make([]any, len(decoded))
	copy(out, decoded)
	return out
}
