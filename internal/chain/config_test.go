package chain

import (
	"errors"
	"testing"
	"time"
)

func TestNormalizeConfigFillsDefaults(t *testing.T) {
	cfg, err := NormalizeConfig(Config{})
	if err != nil {
		t.Fatalf("NormalizeConfig: %v", err)
	}
	if cfg.Mode != ModeDevnet {
		t.Errorf("mode = %q, want %q", cfg.Mode, ModeDevnet)
	}
	if cfg.Host != "127.0.0.1" {
		t.Errorf("host = %q, want 127.0.0.1", cfg.Host)
	}
	if cfg.ChainID != 31337 {
		t.Errorf("chain id = %d, want 31337", cfg.ChainID)
	}
	if cfg.Accounts != 10 {
		t.Errorf("accounts = %d, want 10", cfg.Accounts)
	}
	if cfg.AccountBalance != 10000 {
		t.Errorf("account balance = %d, want 10000", cfg.AccountBalance)
	}
	if cfg.GasLimit != 30_000_000 {
		t.Errorf("gas limit = %d, want 30000000", cfg.GasLimit)
	}
	if cfg.StartupTimeout != 30*time.Second {
		t.Errorf("startup timeout = %v, want 30s", cfg.StartupTimeout)
	}
	if cfg.Port != 0 {
		t.Errorf("port = %d, want 0 (free port picked at start)", cfg.Port)
	}
}

func TestNormalizeConfigKeepsExplicitValues(t *testing.T) {
	in := Config{
		Mode:           ModeFork,
		Host:           "0.0.0.0",
		Port:           8545,
		ChainID:        1,
		ForkURL:        "https://mainnet.example/rpc",
		ForkBlock:      19_000_000,
		Accounts:       3,
		AccountBalance: 500,
		GasLimit:       12_000_000,
		BlockTime:      2,
		StartupTimeout: time.Minute,
	}
	cfg, err := NormalizeConfig(in)
	if err != nil {
		t.Fatalf("NormalizeConfig: %v", err)
	}
	if cfg != in {
		t.Errorf("config rewritten: got %+v, want %+v", cfg, in)
	}
}

func TestNormalizeConfigRejectsInvalid(t *testing.T) {
	cases := []struct {
		name  string
		cfg   Config
		field string
	}{
		{"unknown mode", Config{Mode: "testnet"}, "mode"},
		{"fork without url", Config{Mode: ModeFork}, "fork_url"},
		{"privileged port", Config{Port: 80}, "port"},
		{"port out of range", Config{Port: 70000}, "port"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NormalizeConfig(tc.cfg)
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("err = %v, want ValidationError", err)
			}
			if verr.Field != tc.field {
				t.Errorf("field = %q, want %q", verr.Field, tc.field)
			}
		})
	}
}

func TestRetryPolicyBackoff(t *testing.T) {
	p := RetryPolicy{Attempts: 5, BaseDelay: 100 * time.Millisecond, MaxDelay: 500 * time.Millisecond}
	want := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		500 * time.Millisecond,
		500 * time.Millisecond,
	}
	for attempt, w := range want {
		if got := p.Backoff(attempt); got != w {
			t.Errorf("Backoff(%d) = %v, want %v", attempt, got, w)
		}
	}
}

func TestRetryPolicyBackoffUncapped(t *testing.T) {
	p := RetryPolicy{Attempts: 3, BaseDelay: time.Second}
	if got := p.Backoff(4); got != 16*time.Second {
		t.Errorf("Backoff(4) = %v, want 16s", got)
	}
}
