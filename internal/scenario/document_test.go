package scenario

import (
	"errors"
	"strings"
	"testing"
	"time"

	"chainlab/internal/workspace"
)

func TestParseDecodesStepUnion(t *testing.T) {
	doc, err := Parse([]byte(`
name: full-surface
description: exercises every step kind
options:
  continue_on_assertion: true
  step_timeout: 5s
roles:
  alice: {account: 0}
  vault: {address: "0x00000000000000000000000000000000000000ff"}
steps:
  - deploy: {contract: Counter, as: counter, from: alice, args: [7]}
  - call: {target: counter, function: set, args: [42]}
  - assert: {that: eq, of: last, equals: 42}
  - snapshot: {as: checkpoint}
  - revert: {to: checkpoint}
  - fork: {url: "http://mainnet.example", block: 100, keep: [counter]}
  - fuzz: {target: counter, function: set, trials: 16, seed: 9}
  - wait: {until_block: 5, timeout: 2s}
  - mine: {blocks: 3}
  - time_travel: {seconds: 3600}
  - set_balance: {account: alice, amount: "1 ether"}
  - set_storage: {target: counter, slot: "0x0", value: "0x1"}
  - label: {as: weth, address: "0x00000000000000000000000000000000000000aa", contract: Counter}
    description: bind a well-known address
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	if !doc.Options.ContinueOnAssertion {
		t.Error("continue_on_assertion not decoded")
	}
	if got := doc.Options.StepTimeout.Std(); got != 5*time.Second {
		t.Errorf("step_timeout = %v, want 5s", got)
	}
	if got := len(doc.Steps); got != 13 {
		t.Fatalf("got %d steps, want 13", got)
	}

	wantKinds := []Kind{
		KindDeploy, KindCall, KindAssert, KindSnapshot, KindRevert,
		KindFork, KindFuzz, KindWait, KindMine, KindTimeTravel,
		KindSetBalance, KindSetStorage, KindLabel,
	}
	for i, want := range wantKinds {
		if doc.Steps[i].Kind != want {
			t.Errorf("step %d kind = %s, want %s", i, doc.Steps[i].Kind, want)
		}
	}
	if doc.Steps[12].Description == "" {
		t.Error("step description not decoded")
	}
	if doc.Steps[0].Deploy.Contract != "Counter" {
		t.Errorf("deploy contract = %q", doc.Steps[0].Deploy.Contract)
	}
	if role := doc.Roles["alice"]; role.Account == nil || *role.Account != 0 {
		t.Errorf("role alice = %+v", role)
	}
}

func TestParseRejectsMalformedDocuments(t *testing.T) {
	cases := []struct {
		name string
		doc  string
		want string
	}{
		{
			name: "unknown kind",
			doc:  "name: x\nsteps:\n  - teleport: {to: mars}\n",
			want: "unknown step kind",
		},
		{
			name: "two kinds in one step",
			doc:  "name: x\nsteps:\n  - mine: {blocks: 1}\n    snapshot: {as: s}\n",
			want: "exactly one kind",
		},
		{
			name: "missing name",
			doc:  "steps:\n  - mine: {blocks: 1}\n",
			want: "name is required",
		},
		{
			name: "no steps",
			doc:  "name: x\n",
			want: "no steps",
		},
		{
			name: "bad duration",
			doc:  "name: x\noptions:\n  step_timeout: forever\nsteps:\n  - mine: {}\n",
			want: "invalid duration",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.doc))
			if err == nil {
				t.Fatal("parse succeeded, want error")
			}
			var verr *workspace.ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("error %T is not a ValidationError", err)
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestValidateCatchesDanglingReferences(t *testing.T) {
	cases := []struct {
		name string
		doc  string
		want string
	}{
		{
			name: "call before deploy",
			doc:  "name: x\nsteps:\n  - call: {target: c, function: f}\n",
			want: "not deployed",
		},
		{
			name: "revert to unknown snapshot",
			doc:  "name: x\nsteps:\n  - revert: {to: nope}\n",
			want: "never snapshotted",
		},
		{
			name: "unknown role",
			doc:  "name: x\nsteps:\n  - deploy: {contract: C, as: c, from: mallory}\n",
			want: "unknown role",
		},
		{
			name: "unknown predicate",
			doc:  "name: x\nsteps:\n  - deploy: {contract: C, as: c}\n  - assert: {that: almost, of: last, equals: 1}\n",
			want: "unknown predicate",
		},
		{
			name: "fork keeps unknown symbol",
			doc:  "name: x\nsteps:\n  - fork: {url: u, keep: [ghost]}\n",
			want: "unknown symbol",
		},
		{
			name: "symbol does not survive fork",
			doc:  "name: x\nsteps:\n  - deploy: {contract: C, as: c}\n  - fork: {url: u}\n  - call: {target: c, function: f}\n",
			want: "not deployed",
		},
		{
			name: "wait without condition",
			doc:  "name: x\nsteps:\n  - wait: {timeout: 1s}\n",
			want: "until_block or for_seconds",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			doc, err := Parse([]byte(tc.doc))
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			err = Validate(doc)
			if err == nil {
				t.Fatal("validate succeeded, want error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestValidateAcceptsSymbolsKeptAcrossFork(t *testing.T) {
	doc, err := Parse([]byte(`
name: fork-keep
steps:
  - deploy: {contract: C, as: c}
  - fork: {url: u, keep: [c]}
  - call: {target: c, function: f}
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if err := Validate(doc); err != nil {
		t.Fatalf("validate: %v", err)
	}
}
