package chain

import (
	"context"
	"math/big"
)

// Log is one event emitted during a transaction.
type Log struct {
	Address string   `json:"address"`
	Topics  []string `json:"topics"`
	Data    string   `json:"data"`
}

// CallResult captures everything a state-changing transaction produced.
type CallResult struct {
	TxHash       string   `json:"tx_hash"`
	GasUsed      uint64   `json:"gas_used"`
	ReturnData   []byte   `json:"return_data,omitempty"`
	Logs         []Log    `json:"logs,omitempty"`
	Reverted     bool     `json:"reverted"`
	RevertReason string   `json:"revert_reason,omitempty"`
	BlockNumber  uint64   `json:"block_number"`
}

// DeployResult is the outcome of a contract creation transaction.
type DeployResult struct {
	Address     string `json:"address"`
	TxHash      string `json:"tx_hash"`
	GasUsed     uint64 `json:"gas_used"`
	BlockNumber uint64 `json:"block_number"`
}

// Client is the set of chain primitives the scenario engine drives. The
// production implementation is *Instance over anvil's JSON-RPC; tests use an
// in-memory fake.
type Client interface {
	Deploy(ctx context.Context, calldata []byte, from string, value *big.Int) (DeployResult, error)
	Send(ctx context.Context, to string, calldata []byte, from string, value *big.Int) (CallResult, error)
	Call(ctx context.Context, to string, calldata []byte) ([]byte, error)

	Accounts(ctx context.Context) ([]string, error)
	BalanceAt(ctx context.Context, addr string) (*big.Int, error)
	StorageAt(ctx context.Context, addr, slot string) (string, error)
	BlockNumber(ctx context.Context) (uint64, error)
	BlockTimestamp(ctx context.Context) (uint64, error)

	Snapshot(ctx context.Context) (string, error)
	Revert(ctx context.Context, snapshotID string) error
	Fork(ctx context.Context, sourceRPC string, block uint64) error

	Mine(ctx context.Context, blocks uint64) error
	IncreaseTime(ctx context.Context, seconds uint64) error
	SetBalance(ctx context.Context, addr string, amount *big.Int) error
	SetStorage(ctx context.Context, addr, slot, value string) error
}
