// Package main provides the crosslockd daemon - a cross-chain HTLC relayer.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/crosslock-labs/crosslock/internal/chain"
	"github.com/crosslock-labs/crosslock/internal/chain/btc"
	"github.com/crosslock-labs/crosslock/internal/chain/evm"
	"github.com/crosslock-labs/crosslock/internal/config"
	"github.com/crosslock-labs/crosslock/internal/relay"
	"github.com/crosslock-labs/crosslock/internal/rpc"
	"github.com/crosslock-labs/crosslock/internal/storage"
	"github.com/crosslock-labs/crosslock/internal/wallet"
	"github.com/crosslock-labs/crosslock/pkg/logging"
)

var (
	version = "0.1.0-dev"
	commit  = "unknown"
)

// passwordEnv is the environment variable holding the seed file password.
const passwordEnv = "CROSSLOCK_PASSWORD"

func main() {
	// Parse flags
	var (
		dataDir     = flag.String("data-dir", "~/.crosslock", "Data directory")
		apiAddr     = flag.String("api", "", "JSON-RPC API address, overrides config")
		testnet     = flag.Bool("testnet", false, "Run on testnet (separate network and data)")
		logLevel    = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
		initWallet  = flag.Bool("init-wallet", false, "Generate a new relay wallet and exit")
		showVersion = flag.Bool("version", false, "Show version and exit")
	)
	flag.Parse()

	// Set up logging (initial, may be overridden by config)
	log := logging.New(&logging.Config{
		Level:      *logLevel,
		TimeFormat: time.TimeOnly,
	})
	logging.SetDefault(log)

	if *showVersion {
		log.Infof("crosslockd %s (commit: %s)", version, commit)
		os.Exit(0)
	}

	// Determine data directory (testnet uses subdirectory)
	effectiveDataDir := *dataDir
	if *testnet {
		effectiveDataDir = filepath.Join(*dataDir, "testnet")
	}

	// Load or create config file
	cfg, err := config.LoadConfig(effectiveDataDir)
	if err != nil {
		log.Fatal("Failed to load config", "error", err)
	}

	// Apply CLI overrides (CLI flags take precedence over config file)
	if *apiAddr != "" {
		cfg.RPC.ListenAddr = *apiAddr
	}
	cfg.Logging.Level = *logLevel
	cfg.Storage.DataDir = effectiveDataDir
	if *testnet {
		cfg.NetworkType = config.NetworkTestnet
	}

	// Update logging with config level
	log = logging.New(&logging.Config{
		Level:      cfg.Logging.Level,
		TimeFormat: time.TimeOnly,
	})
	logging.SetDefault(log)

	log.Info("Config loaded", "path", config.ConfigPath(effectiveDataDir))

	dataPath := expandPath(cfg.Storage.DataDir)
	seedPath := cfg.Wallet.SeedFile
	if !filepath.IsAbs(seedPath) {
		seedPath = filepath.Join(dataPath, seedPath)
	}

	walletNetwork := chain.Mainnet
	if cfg.IsTestnet() {
		walletNetwork = chain.Testnet
	}

	if *initWallet {
		initRelayWallet(log, cfg, seedPath, walletNetwork)
		return
	}

	if err := cfg.Validate(); err != nil {
		log.Fatal("Invalid config", "error", err)
	}

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize storage
	store, err := storage.New(&storage.Config{DataDir: dataPath})
	if err != nil {
		log.Fatal("Failed to initialize storage", "error", err)
	}
	defer store.Close()
	log.Info("Storage initialized", "path", dataPath)

	// Unlock the relay wallet
	w := unlockWallet(log, seedPath, walletNetwork)

	btcKey, err := w.BitcoinKey(cfg.Wallet.Account, cfg.Wallet.Index)
	if err != nil {
		log.Fatal("Failed to derive Bitcoin key", "error", err)
	}
	evmKey, err := w.EVMKey(cfg.Wallet.Account, cfg.Wallet.Index)
	if err != nil {
		log.Fatal("Failed to derive EVM key", "error", err)
	}

	btcAddr, _ := w.BitcoinAddress(cfg.Wallet.Account, cfg.Wallet.Index)
	evmAddr, _ := w.EVMAddress(cfg.Wallet.Account, cfg.Wallet.Index)
	log.Info("Wallet unlocked", "btc", btcAddr, "evm", evmAddr)

	// Attach chain 1: Bitcoin
	btcService, err := btc.NewService(ctx, btc.Config{
		Name:            cfg.Bitcoin.Name,
		BackendURL:      cfg.Bitcoin.BackendURL,
		Testnet:         cfg.IsTestnet(),
		FeeRate:         cfg.Bitcoin.FeeRate,
		FeeTargetBlocks: cfg.Bitcoin.FeeTargetBlocks,
		Watcher: btc.WatcherConfig{
			StartHeight:   cfg.Bitcoin.StartHeight,
			Confirmations: cfg.Bitcoin.Confirmations,
			Interval:      cfg.Bitcoin.PollInterval,
			TimeoutBlocks: cfg.Bitcoin.TimeoutBlocks,
		},
	}, btcKey, log)
	if err != nil {
		log.Fatal("Failed to attach Bitcoin chain", "error", err)
	}

	// Attach chain 2: EVM
	evmService, err := evm.NewService(ctx, evm.Config{
		Name:                 cfg.Ethereum.Name,
		RPCURL:               cfg.Ethereum.RPCURL,
		InitiatorContract:    cfg.Ethereum.InitiatorContract,
		CounterpartyContract: cfg.Ethereum.CounterpartyContract,
		Poller: evm.PollerConfig{
			Confirmations: cfg.Ethereum.Confirmations,
			Interval:      cfg.Ethereum.PollInterval,
			MaxBlockRange: cfg.Ethereum.MaxBlockRange,
		},
	}, evmKey, log)
	if err != nil {
		log.Fatal("Failed to attach EVM chain", "error", err)
	}
	defer evmService.Close()

	// Wire the relay coordinator across both chains
	coordinator := relay.NewCoordinator(btcService, evmService, relay.CoordinatorConfig{
		Tracker: relay.TrackerConfig{
			MaxAttempts: cfg.Tracker.MaxAttempts,
			RetryBase:   cfg.Tracker.RetryBase,
			RetryMax:    cfg.Tracker.RetryMax,
			CallTimeout: cfg.Tracker.CallTimeout,
		},
	}, log)

	// Start RPC server
	var rpcServer *rpc.Server
	if cfg.RPC.Enabled {
		rpcServer = rpc.NewServer(cfg, store)
		rpcServer.SetRelayStats(relayStats{coordinator: coordinator, btc: btcService})
		if err := rpcServer.Start(cfg.RPC.ListenAddr); err != nil {
			log.Fatal("Failed to start RPC server", "error", err)
		}
	}

	// Start the chain event streams and the relay loop
	btcService.Start(ctx)
	evmService.Start(ctx)
	events := coordinator.Run(ctx)

	printBanner(log, cfg, btcAddr, evmAddr)

	journal := newJournal(store, rpcServer, cfg.Tracker.MaxAttempts,
		btcService.Converter(), evmService.Converter(), log)
	go journal.runRetention(ctx, cfg.Storage.EventRetention, time.Hour)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range events {
			journal.record(ev)
		}
	}()

	// Wait for interrupt signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigCh:
		log.Info("Shutting down...")
	case <-done:
		// Both chain streams terminated; nothing left to relay.
		log.Error("All chain event streams terminated, shutting down")
	}

	// Graceful shutdown
	cancel()
	<-done

	if rpcServer != nil {
		if err := rpcServer.Stop(); err != nil {
			log.Error("Error stopping RPC server", "error", err)
		}
	}

	log.Info("Goodbye!")
}

// relayStats feeds the API's live status fields from the coordinator's
// per-direction registries and the Bitcoin HTLC index.
type relayStats struct {
	coordinator *relay.Coordinator
	btc         *btc.Service
}

func (r relayStats) InFlight(d relay.Direction) []relay.ActiveSwap {
	return r.coordinator.Tracker(d).Snapshot()
}

func (r relayStats) WatchedOutputs() int {
	return r.btc.WatchedOutputs()
}

// initRelayWallet generates a fresh mnemonic, encrypts it under the
// password from the environment and writes the seed file.
func initRelayWallet(log *logging.Logger, cfg *config.Config, seedPath string, network chain.Network) {
	if _, err := os.Stat(seedPath); err == nil {
		log.Fatal("Seed file already exists", "path", seedPath)
	}

	password := os.Getenv(passwordEnv)
	if password == "" {
		log.Fatalf("Set %s to encrypt the new seed", passwordEnv)
	}

	mnemonic, err := wallet.GenerateMnemonic()
	if err != nil {
		log.Fatal("Failed to generate mnemonic", "error", err)
	}

	encrypted, err := wallet.EncryptMnemonic(mnemonic, password)
	if err != nil {
		log.Fatal("Failed to encrypt mnemonic", "error", err)
	}
	if err := wallet.SaveEncryptedSeed(encrypted, seedPath); err != nil {
		log.Fatal("Failed to save seed file", "error", err)
	}

	w, err := wallet.NewFromMnemonic(mnemonic, "", network)
	if err != nil {
		log.Fatal("Failed to derive wallet", "error", err)
	}
	btcAddr, _ := w.BitcoinAddress(cfg.Wallet.Account, cfg.Wallet.Index)
	evmAddr, _ := w.EVMAddress(cfg.Wallet.Account, cfg.Wallet.Index)

	log.Info("Relay wallet created", "path", seedPath)
	log.Info("Fund these addresses before starting the relay", "btc", btcAddr, "evm", evmAddr)
	log.Info("Recovery phrase (write it down, it is not stored in clear):")
	log.Info(mnemonic)
}

// unlockWallet loads and decrypts the seed file.
func unlockWallet(log *logging.Logger, seedPath string, network chain.Network) *wallet.Wallet {
	password := os.Getenv(passwordEnv)
	if password == "" {
		log.Fatalf("Set %s to unlock the relay wallet", passwordEnv)
	}

	encrypted, err := wallet.LoadEncryptedSeed(seedPath)
	if err != nil {
		log.Fatal("Failed to load seed file (run with -init-wallet first?)", "path", seedPath, "error", err)
	}

	mnemonic, err := wallet.DecryptMnemonic(encrypted, password)
	if err != nil {
		log.Fatal("Failed to decrypt seed file", "error", err)
	}

	w, err := wallet.NewFromMnemonic(mnemonic, "", network)
	if err != nil {
		log.Fatal("Failed to derive wallet", "error", err)
	}
	return w
}

// expandPath expands ~ to home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}

func printBanner(log *logging.Logger, cfg *config.Config, btcAddr, evmAddr string) {
	networkLabel := "mainnet"
	if cfg.IsTestnet() {
		networkLabel = "TESTNET"
	}

	log.Info("")
	log.Info("=================================================")
	log.Infof("  Crosslock Relay (%s)", networkLabel)
	log.Infof("  Version: %s", version)
	log.Info("=================================================")
	log.Info("")
	log.Infof("  Chain 1: %s (%s)", cfg.Bitcoin.Name, cfg.Bitcoin.BackendURL)
	log.Infof("  Chain 2: %s (%s)", cfg.Ethereum.Name, cfg.Ethereum.RPCURL)
	log.Info("")
	log.Infof("  Relay wallet: %s | %s", btcAddr, evmAddr)
	if cfg.RPC.Enabled {
		log.Infof("  API: http://%s", cfg.RPC.ListenAddr)
		log.Infof("  WS:  ws://%s/ws", cfg.RPC.ListenAddr)
	}
	log.Infof("  Data dir: %s", expandPath(cfg.Storage.DataDir))
	log.Info("")
	log.Info("=================================================")
	log.Info("")
}
