package evm

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/crosslock-labs/crosslock/internal/relay"
	"github.com/crosslock-labs/crosslock/pkg/logging"
)

// Config describes one EVM chain attachment.
type Config struct {
	Name                 string
	RPCURL               string
	InitiatorContract    string
	CounterpartyContract string
	Poller               PollerConfig
}

// Service is the relay.ChainService for an EVM chain: one RPC connection
// shared by the two contract clients and the log poller.
type Service struct {
	name         string
	client       *ethclient.Client
	chainID      *big.Int
	initiator    *InitiatorClient
	counterparty *CounterpartyClient
	poller       *Poller
	log          *logging.Logger
}

// NewService dials the chain and binds both bridge contracts. The event
// stream does not start until Start is called.
func NewService(ctx context.Context, cfg Config, key *ecdsa.PrivateKey, log *logging.Logger) (*Service, error) {
	if log == nil {
		log = logging.Default()
	}
	if !common.IsHexAddress(cfg.InitiatorContract) {
		return nil, fmt.Errorf("invalid initiator contract address %q", cfg.InitiatorContract)
	}
	if !common.IsHexAddress(cfg.CounterpartyContract) {
		return nil, fmt.Errorf("invalid counterparty contract address %q", cfg.CounterpartyContract)
	}

	client, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s RPC: %w", cfg.Name, err)
	}
	chainID, err := client.ChainID(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to get chain ID: %w", err)
	}

	initiatorAddr := common.HexToAddress(cfg.InitiatorContract)
	counterpartyAddr := common.HexToAddress(cfg.CounterpartyContract)

	svclog := log.Component(cfg.Name)
	return &Service{
		name:         cfg.Name,
		client:       client,
		chainID:      chainID,
		initiator:    NewInitiatorClient(client, initiatorAddr, key, chainID),
		counterparty: NewCounterpartyClient(client, counterpartyAddr, key, chainID),
		poller:       NewPoller(client, initiatorAddr, counterpartyAddr, cfg.Poller, svclog),
		log:          svclog,
	}, nil
}

// Start launches the log poller. Call once.
func (s *Service) Start(ctx context.Context) {
	s.log.Info("Starting chain event stream",
		"chain_id", s.chainID,
		"initiator", s.initiator.Address(),
		"counterparty", s.counterparty.Address())
	go s.poller.Run(ctx)
}

// Close releases the RPC connection.
func (s *Service) Close() {
	s.client.Close()
}

// ChainID returns the connected chain's id.
func (s *Service) ChainID() *big.Int {
	return s.chainID
}

// Converter returns the chain's address and hash codec.
func (s *Service) Converter() relay.TypeConverter {
	return Converter{}
}

func (s *Service) Name() string { return s.name }

func (s *Service) Events() <-chan relay.ContractEvent { return s.poller.Events() }

func (s *Service) Initiator() relay.InitiatorContract { return s.initiator }

func (s *Service) Counterparty() relay.CounterpartyContract { return s.counterparty }
