package fake

import (
	"context"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"chainlab/internal/chain"
)

var _ chain.Client = (*Chain)(nil)

// BehaviorCall is one invocation routed to a registered contract behavior.
type BehaviorCall struct {
	Calldata []byte
	From     string
	Value    *big.Int
	Storage  map[string]string
}

// BehaviorResult is what a behavior produced.
type BehaviorResult struct {
	Return       []byte
	Logs         []chain.Log
	Reverted     bool
	RevertReason string
	GasUsed      uint64
}

// Behavior models one contract's reaction to calls. Storage passed in the
// BehaviorCall is the instance's persistent state; mutations to it survive
// across calls and participate in snapshot/revert.
type Behavior func(call BehaviorCall) BehaviorResult

// ConstructorBehavior validates constructor args; returning a non-empty
// revert reason fails the deployment.
type ConstructorBehavior func(argdata []byte) (revertReason string, revert bool)

type contractState struct {
	bytecode string
	storage  map[string]string
	behavior Behavior
}

type registered struct {
	bytecode    string
	behavior    Behavior
	constructor ConstructorBehavior
}

type worldState struct {
	contracts map[string]*contractState
	balances  map[string]*big.Int
	block     uint64
	timestamp uint64
}

func (w *worldState) clone() *worldState {
	out := &worldState{
		contracts: make(map[string]*contractState, len(w.contracts)),
		balances:  make(map[string]*big.Int, len(w.balances)),
		block:     w.block,
		timestamp: w.timestamp,
	}
	for addr, cs := range w.contracts {
		storage := make(map[string]string, len(cs.storage))
		for k, v := range cs.storage {
			storage[k] = v
		}
		out.contracts[addr] = &contractState{bytecode: cs.bytecode, storage: storage, behavior: cs.behavior}
	}
	for addr, bal := range w.balances {
		out.balances[addr] = new(big.Int).Set(bal)
	}
	return out
}

// Chain is an in-memory chain.Client. Contract semantics come from
// behaviors registered against creation bytecode; snapshot/revert
// deep-copies the whole world state, so a revert restores it bit-identically.
type Chain struct {
	CallRecorder
	mu sync.Mutex

	world      *worldState
	snapshots  []snapshotEntry
	nextSnapID int
	nextAddr   int
	registry   []registered
	accounts   []string
	forkedFrom string

	DeployErr   func(ctx context.Context) error
	SendErr     func(ctx context.Context, to string) error
	CallErr     func(ctx context.Context, to string) error
	SnapshotErr func(ctx context.Context) error
	RevertErr   func(ctx context.Context, id string) error
}

type snapshotEntry struct {
	id    string
	world *worldState
}

// NewChain creates a fake chain with ten funded dev accounts.
func NewChain() *Chain {
	c := &Chain{
		world: &worldState{
			contracts: make(map[string]*contractState),
			balances:  make(map[string]*big.Int),
			block:     1,
			timestamp: 1_700_000_000,
		},
	}
	oneThousandETH := new(big.Int).Mul(big.NewInt(1000), big.NewInt(1e18))
	for i := 0; i < 10; i++ {
		addr := fmt.Sprintf("0x%040x", i+1)
		c.accounts = append(c.accounts, addr)
		c.world.balances[addr] = new(big.Int).Set(oneThousandETH)
	}
	return c
}

// Register binds a behavior to a creation bytecode. Deployments whose
// calldata starts with that bytecode get a fresh contract instance running
// the behavior.
func (c *Chain) Register(bytecode string, behavior Behavior) {
	c.RegisterWithConstructor(bytecode, behavior, nil)
}

// RegisterWithConstructor additionally validates constructor arguments.
func (c *Chain) RegisterWithConstructor(bytecode string, behavior Behavior, ctor ConstructorBehavior) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.registry = append(c.registry, registered{
		bytecode:    strings.TrimPrefix(bytecode, "0x"),
		behavior:    behavior,
		constructor: ctor,
	})
}

func (c *Chain) Deploy(ctx context.Context, calldata []byte, from string, value *big.Int) (chain.DeployResult, error) {
	c.record("Deploy", from)
	if c.DeployErr != nil {
		if err := c.DeployErr(ctx); err != nil {
			return chain.DeployResult{}, err
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// Later registrations win so tests can override a behavior.
	code := hex.EncodeToString(calldata)
	for i := len(c.registry) - 1; i >= 0; i-- {
		reg := c.registry[i]
		if !strings.HasPrefix(code, reg.bytecode) {
			continue
		}
		if reg.constructor != nil {
			argdata, _ := hex.DecodeString(strings.TrimPrefix(code, reg.bytecode))
			if reason, revert := reg.constructor(argdata); revert {
				return chain.DeployResult{}, &chain.RevertError{Reason: reason}
			}
		}
		c.nextAddr++
		addr := fmt.Sprintf("0x%040x", 0xc0de+c.nextAddr)
		c.world.contracts[addr] = &contractState{
			bytecode: reg.bytecode,
			storage:  make(map[string]string),
			behavior: reg.behavior,
		}
		c.world.block++
		return chain.DeployResult{
			Address:     addr,
			TxHash:      fmt.Sprintf("0x%064x", c.world.block),
			GasUsed:     53_000,
			BlockNumber: c.world.block,
		}, nil
	}
	return chain.DeployResult{}, fmt.Errorf("no behavior registered for deployed bytecode")
}

func (c *Chain) Send(ctx context.Context, to string, calldata []byte, from string, value *big.Int) (chain.CallResult, error) {
	c.record("Send", to)
	if c.SendErr != nil {
		if err := c.SendErr(ctx, to); err != nil {
			return chain.CallResult{}, err
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	cs, ok := c.world.contracts[to]
	if !ok {
		return chain.CallResult{}, fmt.Errorf("no contract at %s", to)
	}
	out := cs.behavior(BehaviorCall{Calldata: calldata, From: from, Value: value, Storage: cs.storage})
	c.world.block++

	gas := out.GasUsed
	if gas == 0 {
		gas = 21_000
	}
	return chain.CallResult{
		TxHash:       fmt.Sprintf("0x%064x", c.world.block),
		GasUsed:      gas,
		ReturnData:   out.Return,
		Logs:         out.Logs,
		Reverted:     out.Reverted,
		RevertReason: out.RevertReason,
		BlockNumber:  c.world.block,
	}, nil
}

func (c *Chain) Call(ctx context.Context, to string, calldata []byte) ([]byte, error) {
	c.record("Call", to)
	if c.CallErr != nil {
		if err := c.CallErr(ctx, to); err != nil {
			return nil, err
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	cs, ok := c.world.contracts[to]
	if !ok {
		return nil, fmt.Errorf("no contract at %s", to)
	}
	// View calls run against a copy so a buggy behavior cannot mutate state.
	storageCopy := make(map[string]string, len(cs.storage))
	for k, v := range cs.storage {
		storageCopy[k] = v
	}
	out := cs.behavior(BehaviorCall{Calldata: calldata, Storage: storageCopy})
	if out.Reverted {
		return nil, &chain.RevertError{Reason: out.RevertReason}
	}
	return out.Return, nil
}

func (c *Chain) Accounts(context.Context) ([]string, error) {
	out := make([]string, len(c.accounts))
	copy(out, c.accounts)
	return out, nil
}

func (c *Chain) BalanceAt(_ context.Context, addr string) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	bal, ok := c.world.balances[strings.ToLower(addr)]
	if !ok {
		bal, ok = c.world.balances[addr]
	}
	if !ok {
		return big.NewInt(0), nil
	}
	return new(big.Int).Set(bal), nil
}

func (c *Chain) StorageAt(_ context.Context, addr, slot string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cs, ok := c.world.contracts[addr]
	if !ok {
		return "0x0", nil
	}
	v, ok := cs.storage[slot]
	if !ok {
		return "0x0", nil
	}
	return v, nil
}

func (c *Chain) BlockNumber(context.Context) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.world.block, nil
}

func (c *Chain) BlockTimestamp(context.Context) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.world.timestamp, nil
}

func (c *Chain) Snapshot(ctx context.Context) (string, error) {
	c.record("Snapshot")
	if c.SnapshotErr != nil {
		if err := c.SnapshotErr(ctx); err != nil {
			return "", err
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextSnapID++
	id := fmt.Sprintf("0x%x", c.nextSnapID)
	c.snapshots = append(c.snapshots, snapshotEntry{id: id, world: c.world.clone()})
	return id, nil
}

func (c *Chain) Revert(ctx context.Context, snapshotID string) error {
	c.record("Revert", snapshotID)
	if c.RevertErr != nil {
		if err := c.RevertErr(ctx, snapshotID); err != nil {
			return err
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.snapshots) - 1; i >= 0; i-- {
		if c.snapshots[i].id == snapshotID {
			c.world = c.snapshots[i].world
			c.snapshots = c.snapshots[:i]
			return nil
		}
	}
	return fmt.Errorf("snapshot %q: %w", snapshotID, chain.ErrInvalidSnapshot)
}

func (c *Chain) Fork(_ context.Context, sourceRPC string, block uint64) error {
	c.record("Fork", sourceRPC, block)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.forkedFrom = sourceRPC
	c.world = &worldState{
		contracts: make(map[string]*contractState),
		balances:  make(map[string]*big.Int),
		block:     block,
		timestamp: c.world.timestamp,
	}
	c.snapshots = nil
	return nil
}

// ForkedFrom reports the RPC URL of the last Fork call, if any.
func (c *Chain) ForkedFrom() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.forkedFrom
}

func (c *Chain) Mine(_ context.Context, blocks uint64) error {
	if blocks == 0 {
		blocks = 1
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.world.block += blocks
	c.world.timestamp += blocks
	return nil
}

func (c *Chain) IncreaseTime(_ context.Context, seconds uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.world.timestamp += seconds
	c.world.block++
	return nil
}

func (c *Chain) SetBalance(_ context.Context, addr string, amount *big.Int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.world.balances[addr] = new(big.Int).Set(amount)
	return nil
}

func (c *Chain) SetStorage(_ context.Context, addr, slot, value string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cs, ok := c.world.contracts[addr]
	if !ok {
		return fmt.Errorf("no contract at %s", addr)
	}
	cs.storage[slot] = value
	return nil
}
