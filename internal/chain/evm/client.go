// Package evm adapts an EVM chain running the bridge contract pair to the
// relay core: contract clients for the lock/claim/refund calls and a log
// poller that turns contract logs into relay events.
package evm

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/crosslock-labs/crosslock/internal/relay"
)

// InitiatorClient drives the initiator bridge contract: claiming locked
// funds with a revealed pre-image and refunding expired transfers.
type InitiatorClient struct {
	contract *bind.BoundContract
	address  common.Address
	key      *ecdsa.PrivateKey
	chainID  *big.Int
}

// NewInitiatorClient binds the initiator contract at address.
func NewInitiatorClient(client *ethclient.Client, address common.Address, key *ecdsa.PrivateKey, chainID *big.Int) *InitiatorClient {
	return &InitiatorClient{
		contract: bind.NewBoundContract(address, initiatorABI, client, client, client),
		address:  address,
		key:      key,
		chainID:  chainID,
	}
}

// Address returns the bound contract address.
func (c *InitiatorClient) Address() common.Address {
	return c.address
}

// CompleteBridgeTransfer claims the initiator-side funds with the revealed
// pre-image. The transaction is submitted and not awaited; a failed
// inclusion surfaces on a later retry.
func (c *InitiatorClient) CompleteBridgeTransfer(ctx context.Context, id relay.TransferID, secret []byte) error {
	if len(secret) == 0 {
		return fmt.Errorf("complete transfer %s: empty pre-image", id)
	}
	var preImage [32]byte
	copy(preImage[:], secret)

	opts, err := c.transactor(ctx)
	if err != nil {
		return err
	}
	_, err = c.contract.Transact(opts, "completeBridgeTransfer", [32]byte(id), preImage)
	if err != nil {
		return fmt.Errorf("complete transfer %s: %w", id, err)
	}
	return nil
}

// RefundBridgeTransfer returns the initiator-side funds after the time
// lock has expired.
func (c *InitiatorClient) RefundBridgeTransfer(ctx context.Context, id relay.TransferID) error {
	opts, err := c.transactor(ctx)
	if err != nil {
		return err
	}
	_, err = c.contract.Transact(opts, "refundBridgeTransfer", [32]byte(id))
	if err != nil {
		return fmt.Errorf("refund transfer %s: %w", id, err)
	}
	return nil
}

func (c *InitiatorClient) transactor(ctx context.Context) (*bind.TransactOpts, error) {
	opts, err := bind.NewKeyedTransactorWithChainID(c.key, c.chainID)
	if err != nil {
		return nil, fmt.Errorf("failed to create transactor: %w", err)
	}
	opts.Context = ctx
	return opts, nil
}

// CounterpartyClient drives the counterparty bridge contract: locking the
// destination leg of a transfer and aborting expired locks.
type CounterpartyClient struct {
	contract *bind.BoundContract
	address  common.Address
	key      *ecdsa.PrivateKey
	chainID  *big.Int
}

// NewCounterpartyClient binds the counterparty contract at address.
func NewCounterpartyClient(client *ethclient.Client, address common.Address, key *ecdsa.PrivateKey, chainID *big.Int) *CounterpartyClient {
	return &CounterpartyClient{
		contract: bind.NewBoundContract(address, counterpartyABI, client, client, client),
		address:  address,
		key:      key,
		chainID:  chainID,
	}
}

// Address returns the bound contract address.
func (c *CounterpartyClient) Address() common.Address {
	return c.address
}

// LockBridgeTransfer locks the destination-side assets under the same hash
// lock as the source initiation.
func (c *CounterpartyClient) LockBridgeTransfer(ctx context.Context, details relay.SwapDetails) error {
	if len(details.Recipient) != common.AddressLength {
		return fmt.Errorf("lock transfer %s: recipient is %d bytes, want %d",
			details.TransferID, len(details.Recipient), common.AddressLength)
	}
	if details.Amount == nil || details.Amount.Sign() <= 0 {
		return fmt.Errorf("lock transfer %s: non-positive amount", details.TransferID)
	}

	opts, err := c.transactor(ctx)
	if err != nil {
		return err
	}
	_, err = c.contract.Transact(opts, "lockBridgeTransfer",
		[32]byte(details.TransferID),
		[32]byte(details.HashLock),
		new(big.Int).SetUint64(details.TimeLock),
		common.BytesToAddress(details.Recipient),
		details.Amount,
	)
	if err != nil {
		return fmt.Errorf("lock transfer %s: %w", details.TransferID, err)
	}
	return nil
}

// AbortBridgeTransfer releases a destination-side lock after its time lock
// has expired.
func (c *CounterpartyClient) AbortBridgeTransfer(ctx context.Context, id relay.TransferID) error {
	opts, err := c.transactor(ctx)
	if err != nil {
		return err
	}
	_, err = c.contract.Transact(opts, "abortBridgeTransfer", [32]byte(id))
	if err != nil {
		return fmt.Errorf("abort transfer %s: %w", id, err)
	}
	return nil
}

func (c *CounterpartyClient) transactor(ctx context.Context) (*bind.TransactOpts, error) {
	opts, err := bind.NewKeyedTransactorWithChainID(c.key, c.chainID)
	if err != nil {
		return nil, fmt.Errorf("failed to create transactor: %w", err)
	}
	opts.Context = ctx
	return opts, nil
}

// AddressFromPrivateKey derives the signing address for a key.
func AddressFromPrivateKey(key *ecdsa.PrivateKey) common.Address {
	return crypto.PubkeyToAddress(key.PublicKey)
}
