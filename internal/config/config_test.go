package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func validConfig() *Config {
	cfg := DefaultConfig()
	cfg.Ethereum.RPCURL = "https://rpc.sepolia.org"
	cfg.Ethereum.InitiatorContract = "0x1111111111111111111111111111111111111111"
	cfg.Ethereum.CounterpartyContract = "0x2222222222222222222222222222222222222222"
	return cfg
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.NetworkType != NetworkMainnet {
		t.Errorf("network = %s, want mainnet", cfg.NetworkType)
	}
	if cfg.Bitcoin.PollInterval != 30*time.Second {
		t.Errorf("bitcoin poll interval = %s", cfg.Bitcoin.PollInterval)
	}
	if cfg.Tracker.MaxAttempts != 10 {
		t.Errorf("max attempts = %d, want 10", cfg.Tracker.MaxAttempts)
	}
	if cfg.Storage.EventRetention != 30*24*time.Hour {
		t.Errorf("event retention = %s, want 720h", cfg.Storage.EventRetention)
	}
	if cfg.IsTestnet() {
		t.Error("default config reports testnet")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid", func(c *Config) {}, false},
		{"bad network", func(c *Config) { c.NetworkType = "regtest" }, true},
		{"missing backend url", func(c *Config) { c.Bitcoin.BackendURL = "" }, true},
		{"zero timeout blocks", func(c *Config) { c.Bitcoin.TimeoutBlocks = 0 }, true},
		{"timeout blocks too large", func(c *Config) { c.Bitcoin.TimeoutBlocks = 70000 }, true},
		{"missing rpc url", func(c *Config) { c.Ethereum.RPCURL = "" }, true},
		{"missing contracts", func(c *Config) { c.Ethereum.InitiatorContract = "" }, true},
		{"zero max attempts", func(c *Config) { c.Tracker.MaxAttempts = 0 }, true},
		{"duplicate chain names", func(c *Config) { c.Ethereum.Name = c.Bitcoin.Name }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadConfigCreatesDefault(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "crosslock-config-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	cfg, err := LoadConfig(tmpDir)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.Storage.DataDir != tmpDir {
		t.Errorf("data dir = %s, want %s", cfg.Storage.DataDir, tmpDir)
	}

	// A default file must now exist and carry the header comment.
	data, err := os.ReadFile(filepath.Join(tmpDir, ConfigFileName))
	if err != nil {
		t.Fatalf("config file not created: %v", err)
	}
	if !strings.HasPrefix(string(data), "# Crosslock Relay Configuration") {
		t.Error("generated config missing header comment")
	}
}

func TestLoadConfigRoundTrip(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "crosslock-config-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	cfg := validConfig()
	cfg.NetworkType = NetworkTestnet
	cfg.Bitcoin.BackendURL = "https://blockstream.info/testnet/api"
	cfg.Tracker.RetryBase = 5 * time.Second
	if err := cfg.Save(filepath.Join(tmpDir, ConfigFileName)); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := LoadConfig(tmpDir)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if !loaded.IsTestnet() {
		t.Error("network type lost in round trip")
	}
	if loaded.Bitcoin.BackendURL != cfg.Bitcoin.BackendURL {
		t.Errorf("backend url = %s", loaded.Bitcoin.BackendURL)
	}
	if loaded.Tracker.RetryBase != 5*time.Second {
		t.Errorf("retry base = %s, want 5s", loaded.Tracker.RetryBase)
	}
	if loaded.Ethereum.InitiatorContract != cfg.Ethereum.InitiatorContract {
		t.Error("contract address lost in round trip")
	}
}

func TestLoadConfigPartialFileKeepsDefaults(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "crosslock-config-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	partial := "network_type: testnet\nethereum:\n  rpc_url: https://rpc.sepolia.org\n"
	if err := os.WriteFile(filepath.Join(tmpDir, ConfigFileName), []byte(partial), 0600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := LoadConfig(tmpDir)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if !cfg.IsTestnet() {
		t.Error("network type not applied")
	}
	if cfg.Ethereum.RPCURL != "https://rpc.sepolia.org" {
		t.Errorf("rpc url = %s", cfg.Ethereum.RPCURL)
	}
	// Unspecified sections fall back to defaults.
	if cfg.Bitcoin.BackendURL != "https://blockstream.info/api" {
		t.Errorf("bitcoin backend url = %s, want default", cfg.Bitcoin.BackendURL)
	}
	if cfg.Tracker.CallTimeout != 90*time.Second {
		t.Errorf("call timeout = %s, want default 90s", cfg.Tracker.CallTimeout)
	}
}
