// Package config provides centralized configuration for the Quasar swap
// daemon. All timing and protocol parameters live here - no hardcoded
// values should exist elsewhere in the codebase.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// =============================================================================
// Swap Protocol Parameters
// =============================================================================

// SwapConfig holds atomic swap timing and security parameters.
type SwapConfig struct {
	// InitiatorLockTime is how long the initiator's funds are locked.
	// Must be longer than AcceptorLockTime so the initiator cannot refund
	// before the acceptor had a chance to redeem.
	InitiatorLockTime time.Duration

	// AcceptorLockTime is how long the acceptor's funds are locked.
	AcceptorLockTime time.Duration

	// MaxSwapTimeout forecloses a swap entirely if its payment was never
	// broadcast within this window after creation.
	MaxSwapTimeout time.Duration

	// ConfirmationCheckInterval is how often confirmation-check watches poll.
	ConfirmationCheckInterval time.Duration

	// InitiatedCheckInterval is how often counterparty-payment watches poll.
	InitiatedCheckInterval time.Duration

	// ContractSettleDelay is the pause between the initiate transaction and
	// any follow-up add transactions on account chains, letting the contract
	// state propagate before topping up.
	ContractSettleDelay time.Duration
}

// DefaultSwapConfig returns the default swap configuration.
func DefaultSwapConfig() SwapConfig {
	return SwapConfig{
		InitiatorLockTime:         6 * time.Hour,
		AcceptorLockTime:          3 * time.Hour,
		MaxSwapTimeout:            24 * time.Hour,
		ConfirmationCheckInterval: 30 * time.Second,
		InitiatedCheckInterval:    30 * time.Second,
		ContractSettleDelay:       60 * time.Second,
	}
}

// =============================================================================
// Daemon Configuration (YAML)
// =============================================================================

// Config is the daemon configuration loaded from config.yaml.
type Config struct {
	// Network is "mainnet" or "testnet".
	Network string `yaml:"network"`

	// DataDir holds the sqlite database and runtime state.
	DataDir string `yaml:"data_dir"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`

	// ExchangeURL is the websocket endpoint of the matching server.
	ExchangeURL string `yaml:"exchange_url"`

	// Endpoints maps currency symbol to its blockchain API endpoint.
	Endpoints map[string]string `yaml:"endpoints"`

	// TaskTickInterval drives the background task performer.
	TaskTickInterval time.Duration `yaml:"task_tick_interval"`
}

// DefaultConfig returns the default daemon configuration.
func DefaultConfig() *Config {
	return &Config{
		Network:     "mainnet",
		DataDir:     "~/.quasar",
		LogLevel:    "info",
		ExchangeURL: "wss://api.quasar.exchange/ws",
		Endpoints: map[string]string{
			"BTC": "https://mempool.space/api",
			"LTC": "https://litecoinspace.org/api",
			"ETH": "https://eth.llamarpc.com",
			"XTZ": "https://mainnet.api.tez.ie",
		},
		TaskTickInterval: time.Second,
	}
}

// Load reads config.yaml from dir, creating it with defaults if missing.
func Load(dir string) (*Config, error) {
	dir = ExpandPath(dir)
	path := filepath.Join(dir, "config.yaml")

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		cfg := DefaultConfig()
		if saveErr := Save(cfg, dir); saveErr != nil {
			return nil, saveErr
		}
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if cfg.TaskTickInterval <= 0 {
		cfg.TaskTickInterval = time.Second
	}

	return cfg, nil
}

// Save writes the configuration to config.yaml in dir.
func Save(cfg *Config, dir string) error {
	dir = ExpandPath(dir)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	return os.WriteFile(filepath.Join(dir, "config.yaml"), data, 0600)
}

// ExpandPath expands a leading ~ to the user's home directory.
func ExpandPath(path string) string {
	if len(path) >= 2 && path[:2] == "~/" {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
