package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gorilla/rpc/v2/json2"

	"chainlab/internal/check"
)

// InstanceState is the lifecycle state of a chain instance.
type InstanceState string

const (
	StateStarting InstanceState = "starting"
	StateRunning  InstanceState = "running"
	StateStopped  InstanceState = "stopped"
	StateCrashed  InstanceState = "crashed"
)

const receiptPollInterval = 50 * time.Millisecond

// Instance is one running local chain process. It implements Client over the
// node's JSON-RPC endpoint and owns the snapshot stack: revert always targets
// an id still on the stack and pops everything above it, inclusive.
type Instance struct {
	ID     string
	Config Config

	rpcURL string
	rpc    *rpcRequester
	proc   *managedProcess

	mu        sync.Mutex
	state     InstanceState
	snapshots []string
}

var _ Client = (*Instance)(nil)

// RPCURL returns the instance's HTTP JSON-RPC endpoint.
func (in *Instance) RPCURL() string { return in.rpcURL }

// State returns the current lifecycle state.
func (in *Instance) State() InstanceState {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.state
}

func (in *Instance) setState(s InstanceState) {
	in.mu.Lock()
	in.state = s
	in.mu.Unlock()
}

// markCrashed transitions to crashed unless the instance was stopped on
// purpose.
func (in *Instance) markCrashed() {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.state != StateStopped {
		in.state = StateCrashed
	}
}

// aliveCheck gates every RPC so a dead process fails fast.
func (in *Instance) aliveCheck() error {
	switch in.State() {
	case StateCrashed:
		return fmt.Errorf("instance %s crashed: %w", in.ID, ErrUnavailable)
	case StateStopped:
		return fmt.Errorf("instance %s stopped: %w", in.ID, ErrUnavailable)
	default:
		return nil
	}
}

// --- transaction primitives ---

func (in *Instance) Deploy(ctx context.Context, calldata []byte, from string, value *big.Int) (DeployResult, error) {
	args := txArgs{
		From: from,
		Gas:  hexutil.Uint64(in.Config.GasLimit),
		Data: hexutil.Bytes(calldata),
	}
	if value != nil && value.Sign() > 0 {
		args.Value = (*hexutil.Big)(value)
	}

	receipt, err := in.sendAndWait(ctx, args)
	if err != nil {
		return DeployResult{}, err
	}
	if receipt.Status == 0 {
		reason := in.replayForReason(ctx, args, uint64(receipt.BlockNumber))
		return DeployResult{}, &RevertError{Reason: reason}
	}
	return DeployResult{
		Address:     receipt.ContractAddress,
		TxHash:      receipt.TransactionHash,
		GasUsed:     uint64(receipt.GasUsed),
		BlockNumber: uint64(receipt.BlockNumber),
	}, nil
}

func (in *Instance) Send(ctx context.Context, to string, calldata []byte, from string, value *big.Int) (CallResult, error) {
	args := txArgs{
		From: from,
		To:   to,
		Gas:  hexutil.Uint64(in.Config.GasLimit),
		Data: hexutil.Bytes(calldata),
	}
	if value != nil && value.Sign() > 0 {
		args.Value = (*hexutil.Big)(value)
	}

	receipt, err := in.sendAndWait(ctx, args)
	if err != nil {
		return CallResult{}, err
	}

	result := CallResult{
		TxHash:      receipt.TransactionHash,
		GasUsed:     uint64(receipt.GasUsed),
		BlockNumber: uint64(receipt.BlockNumber),
	}
	for _, l := range receipt.Logs {
		result.Logs = append(result.Logs, l.toLog())
	}
	if receipt.Status == 0 {
		result.Reverted = true
		result.RevertReason = in.replayForReason(ctx, args, uint64(receipt.BlockNumber))
		return result, nil
	}

	// A transaction receipt has no return data; replay the call at the
	// transaction's block to capture it.
	var ret hexutil.Bytes
	if err := in.rpc.call(ctx, "eth_call", &ret, args, hexutil.Uint64(receipt.BlockNumber)); err == nil {
		result.ReturnData = ret
	}
	return result, nil
}

func (in *Instance) Call(ctx context.Context, to string, calldata []byte) ([]byte, error) {
	args := txArgs{To: to, Data: hexutil.Bytes(calldata)}
	var ret hexutil.Bytes
	err := in.rpc.call(ctx, "eth_call", &ret, args, "latest")
	if err != nil {
		var rpcErr *json2.Error
		if errors.As(err, &rpcErr) {
			return nil, &RevertError{Reason: revertReasonFromRPCError(rpcErr)}
		}
		return nil, err
	}
	return ret, nil
}

func (in *Instance) sendAndWait(ctx context.Context, args txArgs) (rpcReceipt, error) {
	var txHash string
	if err := in.rpc.call(ctx, "eth_sendTransaction", &txHash, args); err != nil {
		var rpcErr *json2.Error
		if errors.As(err, &rpcErr) {
			// Nodes that validate eagerly reject reverting transactions at
			// submission; surface those like a mined revert.
			if reason := revertReasonFromRPCError(rpcErr); reason != "" {
				return rpcReceipt{}, &RevertError{Reason: reason}
			}
		}
		return rpcReceipt{}, err
	}

	ticker := time.NewTicker(receiptPollInterval)
	defer ticker.Stop()
	for {
		var receipt *rpcReceipt
		if err := in.rpc.call(ctx, "eth_getTransactionReceipt", &receipt, txHash); err != nil {
			return rpcReceipt{}, err
		}
		if receipt != nil {
			return *receipt, nil
		}
		select {
		case <-ctx.Done():
			return rpcReceipt{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

// replayForReason re-executes a failed transaction as a call to extract its
// revert reason. Best effort: an empty string is a legitimate answer.
func (in *Instance) replayForReason(ctx context.Context, args txArgs, block uint64) string {
	var ret hexutil.Bytes
	err := in.rpc.call(ctx, "eth_call", &ret, args, hexutil.Uint64(block))
	var rpcErr *json2.Error
	if errors.As(err, &rpcErr) {
		return revertReasonFromRPCError(rpcErr)
	}
	return ""
}

// --- queries ---

func (in *Instance) Accounts(ctx context.Context) ([]string, error) {
	var accounts []string
	if err := in.rpc.call(ctx, "eth_accounts", &accounts); err != nil {
		return nil, err
	}
	return accounts, nil
}

func (in *Instance) BalanceAt(ctx context.Context, addr string) (*big.Int, error) {
	var balance hexutil.Big
	if err := in.rpc.call(ctx, "eth_getBalance", &balance, addr, "latest"); err != nil {
		return nil, err
	}
	return (*big.Int)(&balance), nil
}

func (in *Instance) StorageAt(ctx context.Context, addr, slot string) (string, error) {
	var value string
	if err := in.rpc.call(ctx, "eth_getStorageAt", &value, addr, slot, "latest"); err != nil {
		return "", err
	}
	return value, nil
}

func (in *Instance) BlockNumber(ctx context.Context) (uint64, error) {
	var n hexutil.Uint64
	if err := in.rpc.call(ctx, "eth_blockNumber", &n); err != nil {
		return 0, err
	}
	return uint64(n), nil
}

func (in *Instance) BlockTimestamp(ctx context.Context) (uint64, error) {
	var block rpcBlock
	if err := in.rpc.call(ctx, "eth_getBlockByNumber", &block, "latest", false); err != nil {
		return 0, err
	}
	return uint64(block.Timestamp), nil
}

// --- state manipulation ---

// Snapshot checkpoints chain state and pushes the id onto the stack.
func (in *Instance) Snapshot(ctx context.Context) (string, error) {
	var id string
	if err := in.rpc.call(ctx, "evm_snapshot", &id); err != nil {
		return "", err
	}
	in.mu.Lock()
	in.snapshots = append(in.snapshots, id)
	in.mu.Unlock()
	return id, nil
}

// Revert restores chain state to a snapshot still on the stack, popping it
// and everything above it. Reverting to an unknown id fails without touching
// the chain.
func (in *Instance) Revert(ctx context.Context, snapshotID string) error {
	in.mu.Lock()
	idx := -1
	for i, id := range in.snapshots {
		if id == snapshotID {
			idx = i
			break
		}
	}
	in.mu.Unlock()
	if idx < 0 {
		return fmt.Errorf("snapshot %q: %w", snapshotID, ErrInvalidSnapshot)
	}

	var ok bool
	if err := in.rpc.call(ctx, "evm_revert", &ok, snapshotID); err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("snapshot %q rejected by node: %w", snapshotID, ErrInvalidSnapshot)
	}

	in.mu.Lock()
	in.snapshots = in.snapshots[:idx]
	in.mu.Unlock()
	return nil
}

// SnapshotStack returns the ids currently on the stack, oldest first.
func (in *Instance) SnapshotStack() []string {
	in.mu.Lock()
	defer in.mu.Unlock()
	out := make([]string, len(in.snapshots))
	copy(out, in.snapshots)
	return out
}

// Fork resets the instance to mirror an external chain at the given height.
// Every snapshot taken before the fork is meaningless afterwards, so the
// stack is cleared.
func (in *Instance) Fork(ctx context.Context, sourceRPC string, block uint64) error {
	check.Assert(sourceRPC != "", "Instance.Fork: source RPC must not be empty")
	forking := map[string]any{"jsonRpcUrl": sourceRPC}
	if block > 0 {
		forking["blockNumber"] = block
	}
	var ignored any
	if err := in.rpc.call(ctx, "anvil_reset", &ignored, map[string]any{"forking": forking}); err != nil {
		return err
	}
	in.mu.Lock()
	in.snapshots = nil
	in.mu.Unlock()
	return nil
}

func (in *Instance) Mine(ctx context.Context, blocks uint64) error {
	if blocks == 0 {
		blocks = 1
	}
	var ignored any
	return in.rpc.call(ctx, "anvil_mine", &ignored, hexutil.Uint64(blocks))
}

func (in *Instance) IncreaseTime(ctx context.Context, seconds uint64) error {
	var ignored any
	if err := in.rpc.call(ctx, "evm_increaseTime", &ignored, hexutil.Uint64(seconds)); err != nil {
		return err
	}
	// Advancing time only takes effect on the next mined block.
	return in.Mine(ctx, 1)
}

func (in *Instance) SetBalance(ctx context.Context, addr string, amount *big.Int) error {
	var ignored any
	return in.rpc.call(ctx, "anvil_setBalance", &ignored, addr, (*hexutil.Big)(amount))
}

func (in *Instance) SetStorage(ctx context.Context, addr, slot, value string) error {
	var ignored any
	return in.rpc.call(ctx, "anvil_setStorageAt", &ignored, addr, slot, value)
}
