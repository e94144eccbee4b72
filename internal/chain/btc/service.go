package btc

import (
	"context"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg"

	"github.com/crosslock-labs/crosslock/internal/relay"
	"github.com/crosslock-labs/crosslock/pkg/logging"
)

// Config describes one Bitcoin chain attachment.
type Config struct {
	Name       string
	BackendURL string
	Testnet    bool

	// FeeRate in sat/vB for relay-built transactions. Zero means ask the
	// backend per transaction batch at startup.
	FeeRate uint64

	// FeeTargetBlocks is the confirmation target used when FeeRate is 0.
	FeeTargetBlocks int

	Watcher WatcherConfig
}

// Service is the relay.ChainService for a Bitcoin chain: a shared REST
// backend, the HTLC output index, the two contract clients and the block
// watcher feeding the event stream.
type Service struct {
	name         string
	backend      *Backend
	index        *htlcIndex
	watcher      *Watcher
	initiator    *InitiatorClient
	counterparty *CounterpartyClient
	log          *logging.Logger
}

// NewService connects the backend and assembles the adapter around the
// relay's signing key. The event stream does not start until Start is
// called.
func NewService(ctx context.Context, cfg Config, key *btcec.PrivateKey, log *logging.Logger) (*Service, error) {
	if log == nil {
		log = logging.Default()
	}
	params := &chaincfg.MainNetParams
	if cfg.Testnet {
		params = &chaincfg.TestNet3Params
	}

	backend := NewBackend(cfg.BackendURL)
	if err := backend.Connect(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect to %s backend: %w", cfg.Name, err)
	}

	feeRate := cfg.FeeRate
	if feeRate == 0 {
		target := cfg.FeeTargetBlocks
		if target <= 0 {
			target = 6
		}
		rate, err := backend.FeeRate(ctx, target)
		if err != nil {
			return nil, fmt.Errorf("failed to estimate fee rate: %w", err)
		}
		feeRate = rate
	}

	svclog := log.Component(cfg.Name)
	index := newHTLCIndex()
	timeout := cfg.Watcher.TimeoutBlocks
	if timeout == 0 {
		timeout = DefaultWatcherConfig().TimeoutBlocks
	}

	return &Service{
		name:    cfg.Name,
		backend: backend,
		index:   index,
		watcher: NewWatcher(backend, index, key.PubKey(), params, cfg.Watcher, svclog),
		initiator: &InitiatorClient{
			backend: backend,
			index:   index,
			key:     key,
			params:  params,
			feeRate: feeRate,
			log:     svclog.Component("initiator"),
		},
		counterparty: &CounterpartyClient{
			backend:       backend,
			index:         index,
			key:           key,
			params:        params,
			feeRate:       feeRate,
			timeoutBlocks: timeout,
			log:           svclog.Component("counterparty"),
		},
		log: svclog,
	}, nil
}

// Start launches the block watcher. Call once.
func (s *Service) Start(ctx context.Context) {
	address, err := walletAddress(s.counterparty.key.PubKey(), s.counterparty.params)
	if err == nil {
		s.log.Info("Starting chain event stream", "wallet", address, "fee_rate", s.counterparty.feeRate)
	}
	go s.watcher.Run(ctx)
}

// WatchedOutputs returns the number of HTLC outputs currently tracked.
func (s *Service) WatchedOutputs() int {
	return s.index.size()
}

// Converter returns the chain's address and hash codec.
func (s *Service) Converter() relay.TypeConverter {
	return Converter{Params: s.counterparty.params}
}

func (s *Service) Name() string { return s.name }

func (s *Service) Events() <-chan relay.ContractEvent { return s.watcher.Events() }

func (s *Service) Initiator() relay.InitiatorContract { return s.initiator }

func (s *Service) Counterparty() relay.CounterpartyContract { return s.counterparty }
