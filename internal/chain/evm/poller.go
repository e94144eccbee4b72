package evm

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/crosslock-labs/crosslock/internal/relay"
	"github.com/crosslock-labs/crosslock/pkg/logging"
)

// PollerConfig bounds the log poller.
type PollerConfig struct {
	// StartBlock is the first block scanned. Zero means start at the
	// current safe head.
	StartBlock uint64

	// Confirmations is how many blocks behind the head the scanner stays.
	Confirmations uint64

	// Interval between head checks.
	Interval time.Duration

	// MaxBlockRange caps a single eth_getLogs window.
	MaxBlockRange uint64

	// Buffer sizes the outgoing event channel.
	Buffer int
}

// DefaultPollerConfig returns the default poller configuration.
func DefaultPollerConfig() PollerConfig {
	return PollerConfig{
		Confirmations: 3,
		Interval:      10 * time.Second,
		MaxBlockRange: 2000,
		Buffer:        64,
	}
}

// Poller scans the bridge contract pair for logs and converts them into
// relay contract events. RPC errors are transient and retried on the next
// tick; an undecodable log is fatal for the stream and closes the channel,
// leaving the coordinator to isolate this chain.
type Poller struct {
	client       *ethclient.Client
	initiator    common.Address
	counterparty common.Address
	cfg          PollerConfig
	log          *logging.Logger

	events chan relay.ContractEvent
	next   uint64
}

// NewPoller creates a poller over the two contract addresses.
func NewPoller(client *ethclient.Client, initiator, counterparty common.Address, cfg PollerConfig, log *logging.Logger) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultPollerConfig().Interval
	}
	if cfg.MaxBlockRange == 0 {
		cfg.MaxBlockRange = DefaultPollerConfig().MaxBlockRange
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = DefaultPollerConfig().Buffer
	}
	if log == nil {
		log = logging.Default()
	}
	return &Poller{
		client:       client,
		initiator:    initiator,
		counterparty: counterparty,
		cfg:          cfg,
		log:          log.Component("evm-poller"),
		events:       make(chan relay.ContractEvent, cfg.Buffer),
		next:         cfg.StartBlock,
	}
}

// Events returns the outgoing event stream.
func (p *Poller) Events() <-chan relay.ContractEvent {
	return p.events
}

// Run scans until ctx is cancelled. The events channel is closed on return.
func (p *Poller) Run(ctx context.Context) {
	defer close(p.events)

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		if err := p.scanOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			var decodeErr *decodeError
			if errors.As(err, &decodeErr) {
				p.log.Error("Undecodable bridge log, terminating stream",
					"block", decodeErr.block, "tx", decodeErr.tx, "error", decodeErr.err)
				return
			}
			p.log.Warn("Log scan failed, will retry", "error", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (p *Poller) scanOnce(ctx context.Context) error {
	head, err := p.client.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("failed to get head block: %w", err)
	}
	if head < p.cfg.Confirmations {
		return nil
	}
	safe := head - p.cfg.Confirmations

	if p.next == 0 {
		p.next = safe
	}
	if p.next > safe {
		return nil
	}

	to := safe
	if to-p.next >= p.cfg.MaxBlockRange {
		to = p.next + p.cfg.MaxBlockRange - 1
	}

	logs, err := p.client.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(p.next),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{p.initiator, p.counterparty},
	})
	if err != nil {
		return fmt.Errorf("failed to filter logs %d-%d: %w", p.next, to, err)
	}

	for _, lg := range logs {
		ev, ok, err := p.decodeLog(lg)
		if err != nil {
			return &decodeError{block: lg.BlockNumber, tx: lg.TxHash, err: err}
		}
		if !ok {
			continue
		}
		select {
		case p.events <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	p.next = to + 1
	return nil
}

// decodeLog maps one contract log to a relay event. Unknown topics from
// the bound addresses are skipped, a known topic with a malformed payload
// is an error.
func (p *Poller) decodeLog(lg types.Log) (relay.ContractEvent, bool, error) {
	if len(lg.Topics) == 0 {
		return relay.ContractEvent{}, false, nil
	}

	switch lg.Topics[0] {
	case topicInitiated:
		if len(lg.Topics) < 3 {
			return relay.ContractEvent{}, false, fmt.Errorf("initiated log has %d topics", len(lg.Topics))
		}
		var payload struct {
			Recipient []byte
			Amount    *big.Int
			HashLock  [32]byte
			TimeLock  *big.Int
		}
		if err := initiatorABI.UnpackIntoInterface(&payload, "BridgeTransferInitiated", lg.Data); err != nil {
			return relay.ContractEvent{}, false, fmt.Errorf("failed to unpack initiated: %w", err)
		}
		return relay.ContractEvent{
			Role: relay.RoleInitiator,
			Kind: relay.EventInitiated,
			Details: relay.SwapDetails{
				TransferID: relay.TransferID(lg.Topics[1]),
				HashLock:   payload.HashLock,
				TimeLock:   payload.TimeLock.Uint64(),
				Sender:     common.BytesToAddress(lg.Topics[2].Bytes()).Bytes(),
				Recipient:  payload.Recipient,
				Amount:     payload.Amount,
			},
		}, true, nil

	case topicCompleted:
		secret, err := unpackPreImage(initiatorABI, "BridgeTransferCompleted", lg)
		if err != nil {
			return relay.ContractEvent{}, false, err
		}
		return relay.ContractEvent{
			Role: relay.RoleInitiator,
			Kind: relay.EventCompleted,
			Details: relay.SwapDetails{
				TransferID: relay.TransferID(lg.Topics[1]),
				Secret:     secret,
			},
		}, true, nil

	case topicRefunded:
		if len(lg.Topics) < 2 {
			return relay.ContractEvent{}, false, fmt.Errorf("refunded log has %d topics", len(lg.Topics))
		}
		return relay.ContractEvent{
			Role: relay.RoleInitiator,
			Kind: relay.EventRefunded,
			Details: relay.SwapDetails{
				TransferID: relay.TransferID(lg.Topics[1]),
			},
		}, true, nil

	case topicLocked:
		if len(lg.Topics) < 3 {
			return relay.ContractEvent{}, false, fmt.Errorf("locked log has %d topics", len(lg.Topics))
		}
		var payload struct {
			Amount   *big.Int
			HashLock [32]byte
			TimeLock *big.Int
		}
		if err := counterpartyABI.UnpackIntoInterface(&payload, "BridgeTransferLocked", lg.Data); err != nil {
			return relay.ContractEvent{}, false, fmt.Errorf("failed to unpack locked: %w", err)
		}
		return relay.ContractEvent{
			Role: relay.RoleCounterparty,
			Kind: relay.EventLocked,
			Details: relay.SwapDetails{
				TransferID: relay.TransferID(lg.Topics[1]),
				HashLock:   payload.HashLock,
				TimeLock:   payload.TimeLock.Uint64(),
				Recipient:  common.BytesToAddress(lg.Topics[2].Bytes()).Bytes(),
				Amount:     payload.Amount,
			},
		}, true, nil

	case topicClaimed:
		secret, err := unpackPreImage(counterpartyABI, "BridgeTransferClaimed", lg)
		if err != nil {
			return relay.ContractEvent{}, false, err
		}
		return relay.ContractEvent{
			Role: relay.RoleCounterparty,
			Kind: relay.EventCompleted,
			Details: relay.SwapDetails{
				TransferID: relay.TransferID(lg.Topics[1]),
				Secret:     secret,
			},
		}, true, nil

	case topicAborted:
		// Operator-driven cleanup, nothing for the relay to act on.
		p.log.Debug("Counterparty lock aborted", "tx", lg.TxHash)
		return relay.ContractEvent{}, false, nil
	}

	return relay.ContractEvent{}, false, nil
}

// unpackPreImage extracts the revealed pre-image from a completion or
// claim log.
func unpackPreImage(contractABI abi.ABI, event string, lg types.Log) ([]byte, error) {
	if len(lg.Topics) < 2 {
		return nil, fmt.Errorf("%s log has %d topics", event, len(lg.Topics))
	}
	var payload struct {
		PreImage [32]byte
	}
	if err := contractABI.UnpackIntoInterface(&payload, event, lg.Data); err != nil {
		return nil, fmt.Errorf("failed to unpack %s: %w", event, err)
	}
	secret := make([]byte, 32)
	copy(secret, payload.PreImage[:])
	return secret, nil
}

type decodeError struct {
	block uint64
	tx    common.Hash
	err   error
}

func (e *decodeError) Error() string {
	return fmt.Sprintf("undecodable log in block %d tx %s: %v", e.block, e.tx, e.err)
}

func (e *decodeError) Unwrap() error { return e.err }
