package btc

import (
	"context"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg"

	"github.com/crosslock-labs/crosslock/internal/relay"
	"github.com/crosslock-labs/crosslock/pkg/logging"
)

// ErrRequiresOriginatorKey is returned for spend paths only the
// transfer's originator can sign.
var ErrRequiresOriginatorKey = errors.New("spend path requires the originator's key")

// InitiatorClient drives initiation-side HTLCs on Bitcoin: claiming the
// locked funds once the pre-image is known. Refunds back to the
// originator cannot be signed by the relay.
type InitiatorClient struct {
	backend *Backend
	index   *htlcIndex
	key     *btcec.PrivateKey
	params  *chaincfg.Params
	feeRate uint64
	log     *logging.Logger
}

// CompleteBridgeTransfer sweeps the initiation HTLC through the claim
// path using the revealed pre-image.
func (c *InitiatorClient) CompleteBridgeTransfer(ctx context.Context, id relay.TransferID, secret []byte) error {
	out, ok := c.index.get(id)
	if !ok {
		return fmt.Errorf("complete transfer %s: no watched htlc output", id)
	}
	if out.Role != roleInitiation {
		return fmt.Errorf("complete transfer %s: output is not an initiation htlc", id)
	}

	secretHash, _, _, _, err := ParseHTLCScript(out.Script)
	if err != nil {
		return fmt.Errorf("complete transfer %s: bad stored script: %w", id, err)
	}
	if !VerifySecret(secret, secretHash) {
		return fmt.Errorf("complete transfer %s: pre-image does not match hash lock", id)
	}

	destScript, err := p2wpkhScript(c.key.PubKey(), c.params)
	if err != nil {
		return err
	}
	tx, err := buildClaimTx(out, secret, destScript, c.feeRate, c.key)
	if err != nil {
		return fmt.Errorf("complete transfer %s: %w", id, err)
	}

	raw, err := serializeTx(tx)
	if err != nil {
		return err
	}
	txid, err := c.backend.Broadcast(ctx, raw)
	if err != nil {
		return fmt.Errorf("complete transfer %s: %w", id, err)
	}
	c.log.Info("Broadcast claim transaction", "transfer_id", id, "txid", txid)
	return nil
}

// RefundBridgeTransfer cannot be performed by the relay: the refund path
// of an initiation HTLC is bound to the originator's key.
func (c *InitiatorClient) RefundBridgeTransfer(ctx context.Context, id relay.TransferID) error {
	return fmt.Errorf("refund transfer %s: %w", id, ErrRequiresOriginatorKey)
}

// CounterpartyClient drives lock-side HTLCs on Bitcoin: funding the
// destination leg of a transfer initiated on the other chain and aborting
// it after timeout.
type CounterpartyClient struct {
	backend       *Backend
	index         *htlcIndex
	key           *btcec.PrivateKey
	params        *chaincfg.Params
	feeRate       uint64
	timeoutBlocks uint32
	log           *logging.Logger
}

// LockBridgeTransfer funds a new HTLC paying the transfer's recipient
// under the same hash lock as the source initiation. The recipient is the
// destination account's compressed public key.
func (c *CounterpartyClient) LockBridgeTransfer(ctx context.Context, details relay.SwapDetails) error {
	recipientKey, err := btcec.ParsePubKey(details.Recipient)
	if err != nil {
		return fmt.Errorf("lock transfer %s: invalid recipient pubkey: %w", details.TransferID, err)
	}
	if details.Amount == nil || !details.Amount.IsUint64() || details.Amount.Uint64() == 0 {
		return fmt.Errorf("lock transfer %s: invalid amount", details.TransferID)
	}
	amount := details.Amount.Uint64()

	htlc, err := NewHTLCScript(details.HashLock[:], recipientKey, c.key.PubKey(), c.timeoutBlocks, c.params)
	if err != nil {
		return fmt.Errorf("lock transfer %s: %w", details.TransferID, err)
	}

	funding, err := c.selectFunding(ctx, amount)
	if err != nil {
		return fmt.Errorf("lock transfer %s: %w", details.TransferID, err)
	}

	payload := LockPayload{TransferID: details.TransferID}.Encode()
	tx, err := buildLockTx(htlc, amount, payload, funding, c.feeRate, c.key, c.params)
	if err != nil {
		return fmt.Errorf("lock transfer %s: %w", details.TransferID, err)
	}

	raw, err := serializeTx(tx)
	if err != nil {
		return err
	}
	txid, err := c.backend.Broadcast(ctx, raw)
	if err != nil {
		return fmt.Errorf("lock transfer %s: %w", details.TransferID, err)
	}

	op, err := outPointFromStrings(txid, 0)
	if err != nil {
		return err
	}
	c.index.add(htlcOutput{
		TransferID: details.TransferID,
		OutPoint:   op,
		Value:      amount,
		Script:     htlc.Script,
		Role:       roleLock,
	})
	c.log.Info("Broadcast lock transaction",
		"transfer_id", details.TransferID, "txid", txid, "address", htlc.Address)
	return nil
}

// AbortBridgeTransfer refunds a lock HTLC after its CSV timeout. The
// relay is the sender of lock HTLCs, so it holds the refund key.
func (c *CounterpartyClient) AbortBridgeTransfer(ctx context.Context, id relay.TransferID) error {
	out, ok := c.index.get(id)
	if !ok {
		return fmt.Errorf("abort transfer %s: no watched htlc output", id)
	}
	if out.Role != roleLock {
		return fmt.Errorf("abort transfer %s: output is not a lock htlc", id)
	}

	destScript, err := p2wpkhScript(c.key.PubKey(), c.params)
	if err != nil {
		return err
	}
	tx, err := buildRefundTx(out, c.timeoutBlocks, destScript, c.feeRate, c.key)
	if err != nil {
		return fmt.Errorf("abort transfer %s: %w", id, err)
	}

	raw, err := serializeTx(tx)
	if err != nil {
		return err
	}
	txid, err := c.backend.Broadcast(ctx, raw)
	if err != nil {
		return fmt.Errorf("abort transfer %s: %w", id, err)
	}
	c.log.Info("Broadcast abort transaction", "transfer_id", id, "txid", txid)
	return nil
}

// selectFunding picks confirmed wallet UTXOs covering amount plus a rough
// fee, largest first.
func (c *CounterpartyClient) selectFunding(ctx context.Context, amount uint64) ([]lockFunding, error) {
	address, err := walletAddress(c.key.PubKey(), c.params)
	if err != nil {
		return nil, err
	}
	utxos, err := c.backend.AddressUTXOs(ctx, address)
	if err != nil {
		return nil, fmt.Errorf("failed to list wallet utxos: %w", err)
	}

	var (
		picked []lockFunding
		total  uint64
	)
	for _, u := range utxos {
		if !u.Status.Confirmed {
			continue
		}
		op, err := outPointFromStrings(u.TxID, u.Vout)
		if err != nil {
			return nil, err
		}
		picked = append(picked, lockFunding{OutPoint: op, Value: u.Value})
		total += u.Value

		need := amount + uint64(vsizeLockBase+len(picked)*vsizeLockPerInput)*c.feeRate
		if total >= need {
			return picked, nil
		}
	}
	return nil, fmt.Errorf("insufficient wallet funds: have %d, need %d plus fees", total, amount)
}
