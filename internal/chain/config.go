package chain

import (
	"strconv"
	"time"
)

// Mode selects how an instance boots.
type Mode string

const (
	// ModeDevnet boots an empty chain with funded dev accounts.
	ModeDevnet Mode = "devnet"
	// ModeFork boots mirroring an external chain at a block height.
	ModeFork Mode = "fork"
)

// Config describes one local chain instance.
type Config struct {
	Mode    Mode   `json:"mode"`
	Host    string `json:"host"`
	Port    int    `json:"port"` // 0 picks a free port
	ChainID uint64 `json:"chain_id"`

	// Fork settings, required in ModeFork.
	ForkURL   string `json:"fork_url,omitempty"`
	ForkBlock uint64 `json:"fork_block,omitempty"`

	// Devnet settings.
	Accounts       int    `json:"accounts"`
	AccountBalance uint64 `json:"account_balance"` // whole ETH per dev account
	GasLimit       uint64 `json:"gas_limit"`
	GasPrice       uint64 `json:"gas_price"`
	BlockTime      int    `json:"block_time,omitempty"` // seconds; 0 mines instantly
	CodeSizeLimit  int    `json:"code_size_limit,omitempty"`

	StartupTimeout time.Duration `json:"startup_timeout,omitempty"`
}

// NormalizeConfig fills defaults and validates.
func NormalizeConfig(cfg Config) (Config, error) {
	if cfg.Mode == "" {
		cfg.Mode = ModeDevnet
	}
	if cfg.Mode != ModeDevnet && cfg.Mode != ModeFork {
		return Config{}, &ValidationError{Field: "mode", Message: "unknown mode " + strconv.Quote(string(cfg.Mode))}
	}
	if cfg.Mode == ModeFork && cfg.ForkURL == "" {
		return Config{}, &ValidationError{Field: "fork_url", Message: "required in fork mode"}
	}
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Port != 0 && (cfg.Port < 1024 || cfg.Port > 65535) {
		return Config{}, &ValidationError{Field: "port", Message: "must be in 1024-65535, got " + strconv.Itoa(cfg.Port)}
	}
	if cfg.ChainID == 0 {
		cfg.ChainID = 31337
	}
	if cfg.Accounts == 0 {
		cfg.Accounts = 10
	}
	if cfg.AccountBalance == 0 {
		cfg.AccountBalance = 10000
	}
	if cfg.GasLimit == 0 {
		cfg.GasLimit = 30_000_000
	}
	if cfg.StartupTimeout == 0 {
		cfg.StartupTimeout = 30 * time.Second
	}
	return cfg, nil
}

// RetryPolicy bounds transient-failure retries on RPC calls. Only timeouts
// and connection-level failures are retried; a crashed process fails fast.
type RetryPolicy struct {
	Attempts  int
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// DefaultRetryPolicy covers the transient hiccups of a local node.
var DefaultRetryPolicy = RetryPolicy{
	Attempts:  3,
	BaseDelay: 200 * time.Millisecond,
	MaxDelay:  2 * time.Second,
}

// Backoff returns the delay before the given 0-based retry attempt.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	d := p.BaseDelay << uint(attempt)
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}
