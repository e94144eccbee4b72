// Package config provides the relay daemon's YAML configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// NetworkType represents the network (mainnet or testnet).
type NetworkType string

const (
	NetworkMainnet NetworkType = "mainnet"
	NetworkTestnet NetworkType = "testnet"
)

// Config holds all configuration for the relay daemon.
type Config struct {
	// NetworkType is the network type (mainnet or testnet).
	NetworkType NetworkType `yaml:"network_type"`

	// Wallet settings
	Wallet WalletConfig `yaml:"wallet"`

	// Bitcoin is the Bitcoin-side chain configuration.
	Bitcoin BitcoinConfig `yaml:"bitcoin"`

	// Ethereum is the EVM-side chain configuration.
	Ethereum EthereumConfig `yaml:"ethereum"`

	// Tracker holds retry and dispatch settings shared by both directions.
	Tracker TrackerConfig `yaml:"tracker"`

	// Storage
	Storage StorageConfig `yaml:"storage"`

	// RPC is the local status/stream API.
	RPC RPCConfig `yaml:"rpc"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// IsTestnet returns true if running on testnet.
func (c *Config) IsTestnet() bool {
	return c.NetworkType == NetworkTestnet
}

// WalletConfig holds signing key settings.
type WalletConfig struct {
	// SeedFile is the path to the encrypted seed file.
	SeedFile string `yaml:"seed_file"`

	// Account and Index select the derivation path for both chains.
	Account uint32 `yaml:"account"`
	Index   uint32 `yaml:"index"`
}

// BitcoinConfig holds Bitcoin adapter settings.
type BitcoinConfig struct {
	// Name labels this chain in events and logs.
	Name string `yaml:"name"`

	// BackendURL is the esplora API base URL.
	BackendURL string `yaml:"backend_url"`

	// FeeRate pins the sat/vB fee rate; 0 uses the backend estimate.
	FeeRate uint64 `yaml:"fee_rate"`

	// FeeTargetBlocks is the confirmation target for fee estimation.
	FeeTargetBlocks int `yaml:"fee_target_blocks"`

	// StartHeight is the first block to scan; 0 starts at the current tip.
	StartHeight int64 `yaml:"start_height"`

	// Confirmations before an event is delivered.
	Confirmations int64 `yaml:"confirmations"`

	// PollInterval between chain scans.
	PollInterval time.Duration `yaml:"poll_interval"`

	// TimeoutBlocks is the CSV timeout used for relay-created locks.
	TimeoutBlocks uint32 `yaml:"timeout_blocks"`
}

// EthereumConfig holds EVM adapter settings.
type EthereumConfig struct {
	// Name labels this chain in events and logs.
	Name string `yaml:"name"`

	// RPCURL is the JSON-RPC endpoint.
	RPCURL string `yaml:"rpc_url"`

	// Deployed bridge contract addresses (0x hex).
	InitiatorContract    string `yaml:"initiator_contract"`
	CounterpartyContract string `yaml:"counterparty_contract"`

	// Confirmations before a log is delivered.
	Confirmations uint64 `yaml:"confirmations"`

	// PollInterval between log scans.
	PollInterval time.Duration `yaml:"poll_interval"`

	// MaxBlockRange caps a single eth_getLogs window.
	MaxBlockRange uint64 `yaml:"max_block_range"`
}

// TrackerConfig holds in-flight call retry settings.
type TrackerConfig struct {
	// MaxAttempts bounds retries per contract call.
	MaxAttempts int `yaml:"max_attempts"`

	// RetryBase is the first retry delay; doubles each attempt.
	RetryBase time.Duration `yaml:"retry_base"`

	// RetryMax caps the backoff between attempts.
	RetryMax time.Duration `yaml:"retry_max"`

	// CallTimeout bounds a single contract call.
	CallTimeout time.Duration `yaml:"call_timeout"`
}

// StorageConfig holds storage settings.
type StorageConfig struct {
	// DataDir is the directory for all data files.
	DataDir string `yaml:"data_dir"`

	// EventRetention is how long journaled relay events are kept. Zero
	// disables pruning.
	EventRetention time.Duration `yaml:"event_retention"`
}

// RPCConfig holds the local HTTP API settings.
type RPCConfig struct {
	// Enabled turns the status/stream API on.
	Enabled bool `yaml:"enabled"`

	// ListenAddr is the HTTP listen address.
	ListenAddr string `yaml:"listen_addr"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the log level (debug, info, warn, error).
	Level string `yaml:"level"`

	// File is the log file path (empty for stderr).
	File string `yaml:"file"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		NetworkType: NetworkMainnet,
		Wallet: WalletConfig{
			SeedFile: "seed.json",
			Account:  0,
			Index:    0,
		},
		Bitcoin: BitcoinConfig{
			Name:            "bitcoin",
			BackendURL:      "https://blockstream.info/api",
			FeeRate:         0,
			FeeTargetBlocks: 6,
			StartHeight:     0,
			Confirmations:   1,
			PollInterval:    30 * time.Second,
			TimeoutBlocks:   144,
		},
		Ethereum: EthereumConfig{
			Name:          "ethereum",
			RPCURL:        "",
			Confirmations: 3,
			PollInterval:  10 * time.Second,
			MaxBlockRange: 2000,
		},
		Tracker: TrackerConfig{
			MaxAttempts: 10,
			RetryBase:   10 * time.Second,
			RetryMax:    10 * time.Minute,
			CallTimeout: 90 * time.Second,
		},
		Storage: StorageConfig{
			DataDir:        "~/.crosslock",
			EventRetention: 30 * 24 * time.Hour,
		},
		RPC: RPCConfig{
			Enabled:    true,
			ListenAddr: "127.0.0.1:8420",
		},
		Logging: LoggingConfig{
			Level: "info",
			File:  "",
		},
	}
}

// Validate checks that the configuration can actually drive the relay.
func (c *Config) Validate() error {
	if c.NetworkType != NetworkMainnet && c.NetworkType != NetworkTestnet {
		return fmt.Errorf("invalid network_type %q", c.NetworkType)
	}
	if c.Bitcoin.BackendURL == "" {
		return fmt.Errorf("bitcoin.backend_url is required")
	}
	if c.Bitcoin.TimeoutBlocks == 0 || c.Bitcoin.TimeoutBlocks > 0xFFFF {
		return fmt.Errorf("bitcoin.timeout_blocks must be in 1..65535")
	}
	if c.Ethereum.RPCURL == "" {
		return fmt.Errorf("ethereum.rpc_url is required")
	}
	if c.Ethereum.InitiatorContract == "" || c.Ethereum.CounterpartyContract == "" {
		return fmt.Errorf("ethereum contract addresses are required")
	}
	if c.Tracker.MaxAttempts <= 0 {
		return fmt.Errorf("tracker.max_attempts must be positive")
	}
	if c.Bitcoin.Name == c.Ethereum.Name {
		return fmt.Errorf("chain names must differ")
	}
	return nil
}

// ConfigFileName is the default config file name.
const ConfigFileName = "config.yaml"

// LoadConfig loads configuration from a YAML file.
// If the file doesn't exist, it creates one with default values.
func LoadConfig(dataDir string) (*Config, error) {
	expandedDir := expandPath(dataDir)
	configPath := filepath.Join(expandedDir, ConfigFileName)

	// Check if config file exists
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		cfg.Storage.DataDir = dataDir

		if err := cfg.Save(configPath); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}

		return cfg, nil
	}

	// Load existing config
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return cfg, nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(path string) error {
	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// Add header comment
	header := []byte("# Crosslock Relay Configuration\n# Generated automatically on first run\n\n")
	data = append(header, data...)

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// ConfigPath returns the full path to the config file for the given data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(expandPath(dataDir), ConfigFileName)
}

// expandPath expands ~ to home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}
