package scenario

import (
	"fmt"
	"strings"

	"chainlab/internal/build"
	"chainlab/internal/workspace"
)

var predicates = map[string]bool{
	"eq": true, "ne": true, "gt": true, "ge": true,
	"lt": true, "le": true, "contains": true, "reverted": true,
}

func invalid(step int, format string, args ...any) error {
	return &workspace.ValidationError{
		Field:   fmt.Sprintf("steps[%d]", step),
		Message: fmt.Sprintf(format, args...),
	}
}

// Validate walks the document once, simulating the symbol flow: which names
// deploy/label steps define, which snapshots exist, and whether every
// reference points at something an earlier step produced. It runs before a
// run enters the running state; any error here fails the run with no step
// executed.
func Validate(doc *Document) error {
	symbols := map[string]bool{}
	snapshots := map[string]bool{}

	checkRole := func(i int, role string) error {
		if role == "" || strings.HasPrefix(role, "0x") {
			return nil
		}
		if _, ok := doc.Roles[role]; !ok {
			return invalid(i, "unknown role %q", role)
		}
		return nil
	}
	checkTarget := func(i int, target string) error {
		if target == "" {
			return invalid(i, "target is required")
		}
		if !symbols[target] {
			return invalid(i, "target %q was not deployed or labeled by a prior step", target)
		}
		return nil
	}
	checkSource := func(i int, src *ValueSource) error {
		if src == nil {
			return invalid(i, "assert needs a value source")
		}
		switch {
		case src.Call != nil:
			if src.Call.Function == "" {
				return invalid(i, "view call needs a function")
			}
			return checkTarget(i, src.Call.Target)
		case src.Storage != nil:
			if src.Storage.Slot == "" {
				return invalid(i, "storage source needs a slot")
			}
			return checkTarget(i, src.Storage.Target)
		case src.Event != nil:
			if src.Event.Name == "" {
				return invalid(i, "event source needs a name")
			}
			return nil
		case src.Balance != "":
			return checkRole(i, src.Balance)
		}
		return nil
	}

	for i, step := range doc.Steps {
		switch step.Kind {
		case KindDeploy:
			p := step.Deploy
			if p.Contract == "" {
				return invalid(i, "deploy needs a contract name")
			}
			if p.As == "" {
				return invalid(i, "deploy needs a symbol name (as)")
			}
			if err := checkRole(i, p.From); err != nil {
				return err
			}
			symbols[p.As] = true
		case KindCall:
			p := step.Call
			if p.Function == "" {
				return invalid(i, "call needs a function")
			}
			if err := checkTarget(i, p.Target); err != nil {
				return err
			}
			if err := checkRole(i, p.From); err != nil {
				return err
			}
		case KindAssert:
			p := step.Assert
			if !predicates[p.That] {
				return invalid(i, "unknown predicate %q", p.That)
			}
			if err := checkSource(i, p.Of); err != nil {
				return err
			}
			if p.That == "reverted" {
				if p.Of != nil && p.Of.Call == nil && !p.Of.Last {
					return invalid(i, "reverted applies to a call source or the last result")
				}
			} else if p.Equals == nil {
				return invalid(i, "predicate %q needs equals", p.That)
			}
		case KindSnapshot:
			if step.Snapshot.As == "" {
				return invalid(i, "snapshot needs a name (as)")
			}
			snapshots[step.Snapshot.As] = true
		case KindRevert:
			if to := step.Revert.To; to != "" && !snapshots[to] {
				return invalid(i, "revert target %q was never snapshotted", to)
			}
		case KindFork:
			if step.Fork.URL == "" {
				return invalid(i, "fork needs a url")
			}
			for _, keep := range step.Fork.Keep {
				if !symbols[keep] {
					return invalid(i, "fork keep %q names an unknown symbol", keep)
				}
			}
			kept := map[string]bool{}
			for _, keep := range step.Fork.Keep {
				kept[keep] = true
			}
			symbols = kept
			snapshots = map[string]bool{}
		case KindFuzz:
			p := step.Fuzz
			if p.Function == "" {
				return invalid(i, "fuzz needs a function")
			}
			if err := checkTarget(i, p.Target); err != nil {
				return err
			}
			if err := checkRole(i, p.From); err != nil {
				return err
			}
			for _, inv := range p.Invariants {
				if inv.Function == "" {
					return invalid(i, "fuzz invariant needs a function")
				}
				if err := checkTarget(i, inv.Target); err != nil {
					return err
				}
			}
		case KindWait:
			p := step.Wait
			if p.UntilBlock == 0 && p.ForSeconds == 0 {
				return invalid(i, "wait needs until_block or for_seconds")
			}
		case KindMine, KindTimeTravel:
			// No references to check.
		case KindSetBalance:
			if step.SetBalance.Amount == "" {
				return invalid(i, "set_balance needs an amount")
			}
			if err := checkRole(i, step.SetBalance.Account); err != nil {
				return err
			}
		case KindSetStorage:
			p := step.SetStorage
			if p.Slot == "" || p.Value == "" {
				return invalid(i, "set_storage needs slot and value")
			}
			if err := checkTarget(i, p.Target); err != nil {
				return err
			}
		case KindLabel:
			p := step.Label
			if p.As == "" || p.Address == "" || p.Contract == "" {
				return invalid(i, "label needs as, address and contract")
			}
			symbols[p.As] = true
		default:
			return invalid(i, "unknown step kind %q", step.Kind)
		}
	}
	return nil
}

// ValidateContracts checks that every contract a deploy or label step names
// exists in the compiled artifact.
func ValidateContracts(doc *Document, art *build.Artifact) error {
	for i, step := range doc.Steps {
		var name string
		switch step.Kind {
		case KindDeploy:
			name = step.Deploy.Contract
		case KindLabel:
			name = step.Label.Contract
		default:
			continue
		}
		if _, ok := art.Contract(name); !ok {
			return invalid(i, "contract %q is not in the build artifact", name)
		}
	}
	return nil
}
