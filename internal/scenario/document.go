// Package scenario parses declarative scenario documents and executes them
// step by step against a chain instance, recording an ordered trail of step
// results.
package scenario

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"chainlab/internal/workspace"
)

// Kind discriminates the step union.
type Kind string

const (
	KindDeploy     Kind = "deploy"
	KindCall       Kind = "call"
	KindAssert     Kind = "assert"
	KindSnapshot   Kind = "snapshot"
	KindRevert     Kind = "revert"
	KindFork       Kind = "fork"
	KindFuzz       Kind = "fuzz"
	KindWait       Kind = "wait"
	KindMine       Kind = "mine"
	KindTimeTravel Kind = "time_travel"
	KindSetBalance Kind = "set_balance"
	KindSetStorage Kind = "set_storage"
	KindLabel      Kind = "label"
)

// Duration is a time.Duration that decodes from YAML strings like "30s".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// Options tune run-wide behavior.
type Options struct {
	// ContinueOnAssertion keeps a run going past assertion_failed steps.
	ContinueOnAssertion bool `yaml:"continue_on_assertion"`
	// StepTimeout bounds each step's chain interaction.
	StepTimeout Duration `yaml:"step_timeout"`
}

// Role names a transaction sender. Either a dev-account index or an explicit
// address.
type Role struct {
	Account *int   `yaml:"account"`
	Address string `yaml:"address"`
}

// Document is a parsed scenario.
type Document struct {
	Name        string          `yaml:"name"`
	Description string          `yaml:"description"`
	Options     Options         `yaml:"options"`
	Roles       map[string]Role `yaml:"roles"`
	Steps       []Step          `yaml:"steps"`
}

type DeployStep struct {
	Contract string `yaml:"contract"`
	As       string `yaml:"as"`
	From     string `yaml:"from"`
	Args     []any  `yaml:"args"`
	Value    string `yaml:"value"`
}

type CallStep struct {
	Target   string `yaml:"target"`
	Function string `yaml:"function"`
	From     string `yaml:"from"`
	Args     []any  `yaml:"args"`
	Value    string `yaml:"value"`
}

// ViewCall is a read-only invocation used by assert sources and fuzz
// invariants.
type ViewCall struct {
	Target   string `yaml:"target"`
	Function string `yaml:"function"`
	Args     []any  `yaml:"args"`
}

type StorageRef struct {
	Target string `yaml:"target"`
	Slot   string `yaml:"slot"`
}

type EventRef struct {
	Name   string `yaml:"name"`
	Target string `yaml:"target"`
}

// ValueSource names where an asserted value comes from: the previous step's
// result ("last"), a fresh view call, an account balance, a storage slot, or
// the presence of an emitted event in the last result.
type ValueSource struct {
	Last    bool
	Call    *ViewCall
	Balance string
	Storage *StorageRef
	Event   *EventRef
}

func (v *ValueSource) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		var s string
		if err := node.Decode(&s); err != nil {
			return err
		}
		if s != "last" {
			return fmt.Errorf("unknown value source %q", s)
		}
		v.Last = true
		return nil
	}
	var raw struct {
		Call    *ViewCall   `yaml:"call"`
		Balance string      `yaml:"balance"`
		Storage *StorageRef `yaml:"storage"`
		Event   *EventRef   `yaml:"event"`
	}
	if err := node.Decode(&raw); err != nil {
		return err
	}
	v.Call = raw.Call
	v.Balance = raw.Balance
	v.Storage = raw.Storage
	v.Event = raw.Event
	n := 0
	if v.Call != nil {
		n++
	}
	if v.Balance != "" {
		n++
	}
	if v.Storage != nil {
		n++
	}
	if v.Event != nil {
		n++
	}
	if n != 1 {
		return fmt.Errorf("value source needs exactly one of call, balance, storage, event")
	}
	return nil
}

type AssertStep struct {
	That   string       `yaml:"that"`
	Of     *ValueSource `yaml:"of"`
	Equals any          `yaml:"equals"`
}

type SnapshotStep struct {
	As string `yaml:"as"`
}

type RevertStep struct {
	// To names an earlier snapshot step. Empty reverts to the most recent one.
	To string `yaml:"to"`
}

type ForkStep struct {
	URL   string   `yaml:"url"`
	Block uint64   `yaml:"block"`
	Keep  []string `yaml:"keep"`
}

type FuzzStep struct {
	Target     string     `yaml:"target"`
	Function   string     `yaml:"function"`
	From       string     `yaml:"from"`
	Trials     int        `yaml:"trials"`
	Seed       int64      `yaml:"seed"`
	Invariants []ViewCall `yaml:"invariants"`
}

type WaitStep struct {
	UntilBlock uint64   `yaml:"until_block"`
	ForSeconds uint64   `yaml:"for_seconds"`
	Timeout    Duration `yaml:"timeout"`
}

type MineStep struct {
	Blocks uint64 `yaml:"blocks"`
}

type TimeTravelStep struct {
	Seconds uint64 `yaml:"seconds"`
}

type SetBalanceStep struct {
	Account string `yaml:"account"`
	Amount  string `yaml:"amount"`
}

type SetStorageStep struct {
	Target string `yaml:"target"`
	Slot   string `yaml:"slot"`
	Value  string `yaml:"value"`
}

// LabelStep binds a symbol name to an address that was not deployed by this
// run, using a compiled contract's ABI.
type LabelStep struct {
	As       string `yaml:"as"`
	Address  string `yaml:"address"`
	Contract string `yaml:"contract"`
}

// Step is a tagged union: exactly one kind field is set, and Kind names it.
type Step struct {
	Kind              Kind
	Description       string
	ContinueOnFailure bool

	Deploy     *DeployStep
	Call       *CallStep
	Assert     *AssertStep
	Snapshot   *SnapshotStep
	Revert     *RevertStep
	Fork       *ForkStep
	Fuzz       *FuzzStep
	Wait       *WaitStep
	Mine       *MineStep
	TimeTravel *TimeTravelStep
	SetBalance *SetBalanceStep
	SetStorage *SetStorageStep
	Label      *LabelStep
}

func (s *Step) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("step must be a mapping")
	}
	var fields map[string]yaml.Node
	if err := node.Decode(&fields); err != nil {
		return err
	}
	if meta, ok := fields["description"]; ok {
		if err := meta.Decode(&s.Description); err != nil {
			return err
		}
		delete(fields, "description")
	}
	if meta, ok := fields["continue_on_failure"]; ok {
		if err := meta.Decode(&s.ContinueOnFailure); err != nil {
			return err
		}
		delete(fields, "continue_on_failure")
	}
	if len(fields) != 1 {
		return fmt.Errorf("step must have exactly one kind key, got %d", len(fields))
	}
	for key, body := range fields {
		s.Kind = Kind(key)
		var dst any
		switch s.Kind {
		case KindDeploy:
			s.Deploy = &DeployStep{}
			dst = s.Deploy
		case KindCall:
			s.Call = &CallStep{}
			dst = s.Call
		case KindAssert:
			s.Assert = &AssertStep{}
			dst = s.Assert
		case KindSnapshot:
			s.Snapshot = &SnapshotStep{}
			dst = s.Snapshot
		case KindRevert:
			s.Revert = &RevertStep{}
			dst = s.Revert
		case KindFork:
			s.Fork = &ForkStep{}
			dst = s.Fork
		case KindFuzz:
			s.Fuzz = &FuzzStep{}
			dst = s.Fuzz
		case KindWait:
			s.Wait = &WaitStep{}
			dst = s.Wait
		case KindMine:
			s.Mine = &MineStep{}
			dst = s.Mine
		case KindTimeTravel:
			s.TimeTravel = &TimeTravelStep{}
			dst = s.TimeTravel
		case KindSetBalance:
			s.SetBalance = &SetBalanceStep{}
			dst = s.SetBalance
		case KindSetStorage:
			s.SetStorage = &SetStorageStep{}
			dst = s.SetStorage
		case KindLabel:
			s.Label = &LabelStep{}
			dst = s.Label
		default:
			return fmt.Errorf("unknown step kind %q", key)
		}
		if err := body.Decode(dst); err != nil {
			return fmt.Errorf("step %s: %w", key, err)
		}
	}
	return nil
}

// Parse decodes a scenario document. Structural problems surface as
// workspace.ValidationError so callers can map them uniformly.
func Parse(data []byte) (*Document, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, &workspace.ValidationError{Field: "scenario", Message: err.Error()}
	}
	if doc.Name == "" {
		return nil, &workspace.ValidationError{Field: "name", Message: "scenario name is required"}
	}
	if len(doc.Steps) == 0 {
		return nil, &workspace.ValidationError{Field: "steps", Message: "scenario has no steps"}
	}
	if doc.Options.StepTimeout <= 0 {
		doc.Options.StepTimeout = Duration(30 * time.Second)
	}
	return &doc, nil
}
