package scenario

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	gethabi "github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"chainlab/internal/build"
	"chainlab/internal/chain"
)

// lastCapture holds the most recent call step's outcome for `of: last`
// assert sources.
type lastCapture struct {
	result  chain.CallResult
	decoded []any
	target  string
}

// executor carries the mutable state a single run threads through its steps.
type executor struct {
	engine   *Engine
	run      *Run
	doc      *Document
	artifact *build.Artifact
	client   chain.Client

	symbols  *symbolTable
	abis     map[string]*gethabi.ABI
	accounts []string
	last     *lastCapture
}

func newExecutor(e *Engine, run *Run, doc *Document, art *build.Artifact, client chain.Client) (*executor, error) {
	accounts, err := client.Accounts(context.Background())
	if err != nil {
		return nil, fmt.Errorf("listing dev accounts: %w", err)
	}
	if len(accounts) == 0 {
		return nil, fmt.Errorf("chain instance exposes no dev accounts")
	}
	return &executor{
		engine:   e,
		run:      run,
		doc:      doc,
		artifact: art,
		client:   client,
		symbols:  newSymbolTable(),
		abis:     make(map[string]*gethabi.ABI),
		accounts: accounts,
	}, nil
}

func (x *executor) contractABI(name string) (*gethabi.ABI, build.Contract, error) {
	contract, ok := x.artifact.Contract(name)
	if !ok {
		return nil, build.Contract{}, fmt.Errorf("contract %q is not in the build artifact", name)
	}
	if a, ok := x.abis[name]; ok {
		return a, contract, nil
	}
	a, err := parseABI(contract.ABI)
	if err != nil {
		return nil, build.Contract{}, err
	}
	x.abis[name] = a
	return a, contract, nil
}

// resolveRole maps a role name (or literal address) to a sender address.
// Empty defaults to the first dev account.
func (x *executor) resolveRole(name string) (string, error) {
	if name == "" {
		return x.accounts[0], nil
	}
	if strings.HasPrefix(name, "0x") {
		return name, nil
	}
	role, ok := x.doc.Roles[name]
	if !ok {
		return "", fmt.Errorf("unknown role %q", name)
	}
	if role.Address != "" {
		return role.Address, nil
	}
	if role.Account == nil {
		return "", fmt.Errorf("role %q has neither account nor address", name)
	}
	idx := *role.Account
	if idx < 0 || idx >= len(x.accounts) {
		return "", fmt.Errorf("role %q: account index %d out of range (%d dev accounts)", name, idx, len(x.accounts))
	}
	return x.accounts[idx], nil
}

// parseAmount reads a wei amount; an "ether" suffix scales by 1e18.
func parseAmount(s string) (*big.Int, error) {
	if s == "" {
		return nil, nil
	}
	s = strings.TrimSpace(s)
	scale := big.NewInt(1)
	if rest, ok := strings.CutSuffix(s, "ether"); ok {
		s = strings.TrimSpace(rest)
		scale = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
	}
	n, err := toBigInt(s)
	if err != nil {
		return nil, err
	}
	return n.Mul(n, scale), nil
}

func decodeHexBlob(s string) ([]byte, error) {
	if !strings.HasPrefix(s, "0x") {
		s = "0x" + s
	}
	return hexutil.Decode(s)
}

// runStep executes one step under the document's step timeout and produces
// its immutable result.
func (x *executor) runStep(parent context.Context, index int, step Step) StepResult {
	timeout := x.doc.Options.StepTimeout.Std()
	if step.Kind == KindWait && step.Wait.Timeout > 0 {
		timeout = step.Wait.Timeout.Std()
	}
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	res := StepResult{
		Index:       index,
		Kind:        step.Kind,
		Description: step.Description,
		Outcome:     OutcomeOK,
		StartedAt:   x.engine.clock.Now(),
	}

	switch step.Kind {
	case KindDeploy:
		x.execDeploy(ctx, step.Deploy, &res)
	case KindCall:
		x.execCall(ctx, step.Call, &res)
	case KindAssert:
		x.execAssert(ctx, step.Assert, &res)
	case KindSnapshot:
		x.execSnapshot(ctx, step.Snapshot, &res)
	case KindRevert:
		x.execRevert(ctx, step.Revert, &res)
	case KindFork:
		x.execFork(ctx, step.Fork, &res)
	case KindFuzz:
		x.execFuzz(ctx, step.Fuzz, &res)
	case KindWait:
		x.execWait(ctx, step.Wait, &res)
	case KindMine:
		x.execMine(ctx, step.Mine, &res)
	case KindTimeTravel:
		x.execTimeTravel(ctx, step.TimeTravel, &res)
	case KindSetBalance:
		x.execSetBalance(ctx, step.SetBalance, &res)
	case KindSetStorage:
		x.execSetStorage(ctx, step.SetStorage, &res)
	case KindLabel:
		x.execLabel(step.Label, &res)
	default:
		res.Outcome = OutcomeError
		res.Detail = fmt.Sprintf("unknown step kind %q", step.Kind)
	}

	res.FinishedAt = x.engine.clock.Now()
	return res
}

func fail(res *StepResult, err error) {
	res.Outcome = OutcomeError
	res.Detail = err.Error()
}

func (x *executor) execDeploy(ctx context.Context, p *DeployStep, res *StepResult) {
	a, contract, err := x.contractABI(p.Contract)
	if err != nil {
		fail(res, err)
		return
	}
	bytecode, err := decodeHexBlob(contract.Bytecode)
	if err != nil {
		fail(res, fmt.Errorf("contract %s bytecode: %w", p.Contract, err))
		return
	}
	calldata, err := encodeConstructor(a, bytecode, p.Args)
	if err != nil {
		fail(res, err)
		return
	}
	from, err := x.resolveRole(p.From)
	if err != nil {
		fail(res, err)
		return
	}
	value, err := parseAmount(p.Value)
	if err != nil {
		fail(res, fmt.Errorf("value: %w", err))
		return
	}

	out, err := x.client.Deploy(ctx, calldata, from, value)
	if err != nil {
		// A reverting constructor is an infrastructure-level failure for
		// the run: there is no contract to continue with.
		fail(res, fmt.Errorf("deploying %s: %w", p.Contract, err))
		return
	}
	x.symbols.define(p.As, out.Address, p.Contract, a)
	res.TxHash = out.TxHash
	res.GasUsed = out.GasUsed
	res.Detail = fmt.Sprintf("%s deployed at %s as %q", p.Contract, out.Address, p.As)
}

func (x *executor) execCall(ctx context.Context, p *CallStep, res *StepResult) {
	sym, err := x.symbols.resolve(p.Target)
	if err != nil {
		fail(res, err)
		return
	}
	calldata, err := encodeCall(sym.abi, p.Function, p.Args)
	if err != nil {
		fail(res, err)
		return
	}
	from, err := x.resolveRole(p.From)
	if err != nil {
		fail(res, err)
		return
	}
	value, err := parseAmount(p.Value)
	if err != nil {
		fail(res, fmt.Errorf("value: %w", err))
		return
	}

	out, err := x.client.Send(ctx, sym.address, calldata, from, value)
	var revertErr *chain.RevertError
	if errors.As(err, &revertErr) {
		out = chain.CallResult{Reverted: true, RevertReason: revertErr.Reason}
		err = nil
	}
	if err != nil {
		fail(res, fmt.Errorf("calling %s.%s: %w", p.Target, p.Function, err))
		return
	}

	capture := &lastCapture{result: out, target: p.Target}
	res.TxHash = out.TxHash
	res.GasUsed = out.GasUsed
	res.Logs = out.Logs
	res.Reverted = out.Reverted
	if out.Reverted {
		// A revert is captured as data; whether it was expected is for a
		// following assert step to decide.
		res.Detail = fmt.Sprintf("%s.%s reverted: %s", p.Target, p.Function, out.RevertReason)
	} else if len(out.ReturnData) > 0 {
		decoded, err := decodeReturn(sym.abi, p.Function, out.ReturnData)
		if err != nil {
			fail(res, err)
			return
		}
		capture.decoded = decoded
		res.Return = decoded
	}
	x.last = capture
}

func (x *executor) execSnapshot(ctx context.Context, p *SnapshotStep, res *StepResult) {
	id, err := x.client.Snapshot(ctx)
	if err != nil {
		fail(res, err)
		return
	}
	x.symbols.recordSnapshot(p.As, id)
	res.Detail = fmt.Sprintf("snapshot %q taken (%s)", p.As, id)
}

func (x *executor) execRevert(ctx context.Context, p *RevertStep, res *StepResult) {
	snap, ok := x.symbols.takeSnapshot(p.To)
	if !ok {
		fail(res, fmt.Errorf("no snapshot to revert to: %w", chain.ErrInvalidSnapshot))
		return
	}
	if err := x.client.Revert(ctx, snap.chainID); err != nil {
		fail(res, err)
		return
	}
	x.symbols.pruneAfter(snap.seq)
	x.last = nil
	res.Detail = fmt.Sprintf("reverted to snapshot %q", snap.name)
}

func (x *executor) execFork(ctx context.Context, p *ForkStep, res *StepResult) {
	if err := x.client.Fork(ctx, p.URL, p.Block); err != nil {
		fail(res, err)
		return
	}
	x.symbols.clearExcept(p.Keep)
	x.last = nil
	res.Detail = fmt.Sprintf("forked from %s (kept %d symbols)", p.URL, len(p.Keep))
}

func (x *executor) execWait(ctx context.Context, p *WaitStep, res *StepResult) {
	startTS, err := x.client.BlockTimestamp(ctx)
	if err != nil {
		fail(res, err)
		return
	}
	for {
		met, err := x.waitConditionMet(ctx, p, startTS)
		if err != nil {
			fail(res, err)
			return
		}
		if met {
			res.Detail = "wait condition met"
			return
		}
		select {
		case <-ctx.Done():
			// Deadline, not assertion: the condition simply never held.
			fail(res, fmt.Errorf("wait timed out: %w", ctx.Err()))
			return
		case <-x.engine.clock.After(100 * time.Millisecond):
		}
	}
}

func (x *executor) waitConditionMet(ctx context.Context, p *WaitStep, startTS uint64) (bool, error) {
	if p.UntilBlock > 0 {
		height, err := x.client.BlockNumber(ctx)
		if err != nil {
			return false, err
		}
		if height < p.UntilBlock {
			return false, nil
		}
	}
	if p.ForSeconds > 0 {
		ts, err := x.client.BlockTimestamp(ctx)
		if err != nil {
			return false, err
		}
		if ts < startTS+p.ForSeconds {
			return false, nil
		}
	}
	return true, nil
}

func (x *executor) execMine(ctx context.Context, p *MineStep, res *StepResult) {
	blocks := p.Blocks
	if blocks == 0 {
		blocks = 1
	}
	if err := x.client.Mine(ctx, blocks); err != nil {
		fail(res, err)
		return
	}
	res.Detail = fmt.Sprintf("mined %d blocks", blocks)
}

func (x *executor) execTimeTravel(ctx context.Context, p *TimeTravelStep, res *StepResult) {
	if err := x.client.IncreaseTime(ctx, p.Seconds); err != nil {
		fail(res, err)
		return
	}
	res.Detail = fmt.Sprintf("advanced chain time by %ds", p.Seconds)
}

func (x *executor) execSetBalance(ctx context.Context, p *SetBalanceStep, res *StepResult) {
	addr, err := x.resolveRole(p.Account)
	if err != nil {
		fail(res, err)
		return
	}
	amount, err := parseAmount(p.Amount)
	if err != nil {
		fail(res, err)
		return
	}
	if err := x.client.SetBalance(ctx, addr, amount); err != nil {
		fail(res, err)
		return
	}
	res.Detail = fmt.Sprintf("balance of %s set to %s wei", addr, amount)
}

func (x *executor) execSetStorage(ctx context.Context, p *SetStorageStep, res *StepResult) {
	sym, err := x.symbols.resolve(p.Target)
	if err != nil {
		fail(res, err)
		return
	}
	if err := x.client.SetStorage(ctx, sym.address, p.Slot, p.Value); err != nil {
		fail(res, err)
		return
	}
	res.Detail = fmt.Sprintf("storage slot %s of %s set", p.Slot, p.Target)
}

func (x *executor) execLabel(p *LabelStep, res *StepResult) {
	a, _, err := x.contractABI(p.Contract)
	if err != nil {
		fail(res, err)
		return
	}
	x.symbols.define(p.As, p.Address, p.Contract, a)
	res.Detail = fmt.Sprintf("%s labeled %q as %s", p.Address, p.As, p.Contract)
}
