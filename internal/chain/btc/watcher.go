package btc

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg"

	"github.com/crosslock-labs/crosslock/internal/relay"
	"github.com/crosslock-labs/crosslock/pkg/logging"
)

// WatcherConfig bounds the block scanner.
type WatcherConfig struct {
	// StartHeight is the first block scanned. Zero means start at the
	// current safe tip.
	StartHeight int64

	// Confirmations is how many blocks behind the tip the scanner stays.
	Confirmations int64

	// Interval between tip checks.
	Interval time.Duration

	// TimeoutBlocks is the protocol CSV timeout initiations must use. The
	// watcher reconstructs initiation HTLC scripts with it.
	TimeoutBlocks uint32

	// Buffer sizes the outgoing event channel.
	Buffer int
}

// DefaultWatcherConfig returns the default watcher configuration.
func DefaultWatcherConfig() WatcherConfig {
	return WatcherConfig{
		Confirmations: 1,
		Interval:      30 * time.Second,
		TimeoutBlocks: 144,
		Buffer:        64,
	}
}

// Watcher scans confirmed blocks for bridge activity: tagged initiation
// and lock transactions, and spends of watched HTLC outputs. Backend
// errors are transient and retried; a transaction carrying a bridge tag
// with a malformed payload terminates the stream, leaving the coordinator
// to isolate this chain.
type Watcher struct {
	backend  *Backend
	index    *htlcIndex
	relayKey *btcec.PublicKey
	params   *chaincfg.Params
	cfg      WatcherConfig
	log      *logging.Logger

	events chan relay.ContractEvent
	next   int64
}

// NewWatcher creates a watcher. relayKey is the relay's public key, the
// expected receiver of every initiation HTLC.
func NewWatcher(backend *Backend, index *htlcIndex, relayKey *btcec.PublicKey, params *chaincfg.Params, cfg WatcherConfig, log *logging.Logger) *Watcher {
	def := DefaultWatcherConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.TimeoutBlocks == 0 {
		cfg.TimeoutBlocks = def.TimeoutBlocks
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = def.Buffer
	}
	if log == nil {
		log = logging.Default()
	}
	return &Watcher{
		backend:  backend,
		index:    index,
		relayKey: relayKey,
		params:   params,
		cfg:      cfg,
		log:      log.Component("btc-watcher"),
		events:   make(chan relay.ContractEvent, cfg.Buffer),
		next:     cfg.StartHeight,
	}
}

// Events returns the outgoing event stream.
func (w *Watcher) Events() <-chan relay.ContractEvent {
	return w.events
}

// Run scans until ctx is cancelled. The events channel is closed on
// return.
func (w *Watcher) Run(ctx context.Context) {
	defer close(w.events)

	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	for {
		if err := w.scanOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			var payloadErr *payloadError
			if errors.As(err, &payloadErr) {
				w.log.Error("Malformed bridge payload, terminating stream", "error", err)
				return
			}
			w.log.Warn("Block scan failed, will retry", "error", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (w *Watcher) scanOnce(ctx context.Context) error {
	tip, err := w.backend.TipHeight(ctx)
	if err != nil {
		return fmt.Errorf("failed to get tip height: %w", err)
	}
	safe := tip - w.cfg.Confirmations
	if safe < 0 {
		return nil
	}

	if w.next == 0 {
		w.next = safe
	}

	for w.next <= safe {
		if err := w.scanBlock(ctx, w.next); err != nil {
			return err
		}
		w.next++
	}
	return nil
}

func (w *Watcher) scanBlock(ctx context.Context, height int64) error {
	hash, err := w.backend.BlockHash(ctx, height)
	if err != nil {
		return fmt.Errorf("failed to get block hash at %d: %w", height, err)
	}

	// Esplora pages 25 txs at a time.
	for start := 0; ; start += 25 {
		txs, err := w.backend.BlockTxs(ctx, hash, start)
		if err != nil {
			return fmt.Errorf("failed to get block %s txs: %w", hash, err)
		}
		for i := range txs {
			if err := w.handleTx(ctx, &txs[i]); err != nil {
				return err
			}
		}
		if len(txs) < 25 {
			return nil
		}
	}
}

func (w *Watcher) handleTx(ctx context.Context, tx *Tx) error {
	if err := w.handleSpends(ctx, tx); err != nil {
		return err
	}
	return w.handleTags(ctx, tx)
}

// handleSpends checks whether tx spends a watched HTLC output and emits
// the matching completion or refund event.
func (w *Watcher) handleSpends(ctx context.Context, tx *Tx) error {
	for _, vin := range tx.Vin {
		op, err := outPointFromStrings(vin.TxID, vin.Vout)
		if err != nil {
			continue
		}
		out, ok := w.index.bySpend(op)
		if !ok {
			continue
		}

		witness := make([][]byte, len(vin.Witness))
		for i, item := range vin.Witness {
			b, err := hex.DecodeString(item)
			if err != nil {
				return &payloadError{tx: tx.TxID, err: fmt.Errorf("bad witness hex: %w", err)}
			}
			witness[i] = b
		}

		secret, claimed, refunded := ClassifyHTLCSpend(witness)
		switch {
		case claimed:
			w.index.remove(out.TransferID)
			role := relay.RoleInitiator
			if out.Role == roleLock {
				role = relay.RoleCounterparty
			}
			if err := w.emit(ctx, relay.ContractEvent{
				Role: role,
				Kind: relay.EventCompleted,
				Details: relay.SwapDetails{
					TransferID: out.TransferID,
					Secret:     secret,
					Amount:     new(big.Int).SetUint64(out.Value),
				},
			}); err != nil {
				return err
			}

		case refunded:
			w.index.remove(out.TransferID)
			if out.Role == roleLock {
				// Our own abort confirming; nothing to relay.
				w.log.Info("Lock htlc refund confirmed", "transfer_id", out.TransferID, "txid", tx.TxID)
				continue
			}
			if err := w.emit(ctx, relay.ContractEvent{
				Role: relay.RoleInitiator,
				Kind: relay.EventRefunded,
				Details: relay.SwapDetails{
					TransferID: out.TransferID,
					Amount:     new(big.Int).SetUint64(out.Value),
				},
			}); err != nil {
				return err
			}

		default:
			w.log.Warn("Watched htlc spent through unrecognized path",
				"transfer_id", out.TransferID, "txid", tx.TxID)
		}
	}
	return nil
}

// handleTags looks for tagged OP_RETURN outputs marking initiations and
// locks.
func (w *Watcher) handleTags(ctx context.Context, tx *Tx) error {
	for _, vout := range tx.Vout {
		if vout.ScriptPubKeyType != "op_return" {
			continue
		}
		script, err := hex.DecodeString(vout.ScriptPubKey)
		if err != nil {
			return &payloadError{tx: tx.TxID, err: fmt.Errorf("bad scriptpubkey hex: %w", err)}
		}
		data, ok := ExtractOpReturnData(script)
		if !ok {
			continue
		}

		if payload, tagged, err := ParseInitiationPayload(data); err != nil {
			return &payloadError{tx: tx.TxID, err: err}
		} else if tagged {
			return w.handleInitiation(ctx, tx, payload)
		}

		if payload, tagged, err := ParseLockPayload(data); err != nil {
			return &payloadError{tx: tx.TxID, err: err}
		} else if tagged {
			return w.handleLockConfirmation(ctx, tx, payload)
		}
	}
	return nil
}

// handleInitiation validates a user's initiation transaction: an HTLC
// output paying the relay plus the tagged metadata, with the HTLC script
// reconstructible from both.
func (w *Watcher) handleInitiation(ctx context.Context, tx *Tx, payload InitiationPayload) error {
	htlcVout, htlcValue, program, ok := findP2WSHOutput(tx)
	if !ok {
		w.log.Warn("Tagged initiation without htlc output", "txid", tx.TxID)
		return nil
	}

	senderPubKey, ok := firstInputPubKey(tx)
	if !ok {
		w.log.Warn("Tagged initiation without recoverable sender key", "txid", tx.TxID)
		return nil
	}
	sender, err := btcec.ParsePubKey(senderPubKey)
	if err != nil {
		w.log.Warn("Tagged initiation with invalid sender key", "txid", tx.TxID, "error", err)
		return nil
	}

	htlc, err := NewHTLCScript(payload.SecretHash[:], w.relayKey, sender, w.cfg.TimeoutBlocks, w.params)
	if err != nil {
		return &payloadError{tx: tx.TxID, err: err}
	}
	if hex.EncodeToString(htlc.ScriptHash) != program {
		w.log.Warn("Initiation htlc does not match protocol script, ignoring", "txid", tx.TxID)
		return nil
	}

	op, err := outPointFromStrings(tx.TxID, htlcVout)
	if err != nil {
		return &payloadError{tx: tx.TxID, err: err}
	}
	id := ComputeTransferID(op)

	w.index.add(htlcOutput{
		TransferID: id,
		OutPoint:   op,
		Value:      htlcValue,
		Script:     htlc.Script,
		Role:       roleInitiation,
	})
	w.log.Info("Discovered bridge initiation",
		"transfer_id", id, "txid", tx.TxID, "amount", htlcValue)

	return w.emit(ctx, relay.ContractEvent{
		Role: relay.RoleInitiator,
		Kind: relay.EventInitiated,
		Details: relay.SwapDetails{
			TransferID: id,
			HashLock:   payload.SecretHash,
			TimeLock:   uint64(w.cfg.TimeoutBlocks),
			Sender:     senderPubKey,
			Recipient:  payload.Recipient[:],
			Amount:     new(big.Int).SetUint64(htlcValue),
		},
	})
}

// handleLockConfirmation reports a relay lock transaction reaching
// confirmation depth.
func (w *Watcher) handleLockConfirmation(ctx context.Context, tx *Tx, payload LockPayload) error {
	_, value, _, ok := findP2WSHOutput(tx)
	if !ok {
		w.log.Warn("Tagged lock without htlc output", "txid", tx.TxID)
		return nil
	}
	return w.emit(ctx, relay.ContractEvent{
		Role: relay.RoleCounterparty,
		Kind: relay.EventLocked,
		Details: relay.SwapDetails{
			TransferID: payload.TransferID,
			Amount:     new(big.Int).SetUint64(value),
		},
	})
}

func (w *Watcher) emit(ctx context.Context, ev relay.ContractEvent) error {
	select {
	case w.events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// findP2WSHOutput returns the first P2WSH output of a transaction: vout
// index, value and the hex witness program.
func findP2WSHOutput(tx *Tx) (vout uint32, value uint64, program string, ok bool) {
	for i, out := range tx.Vout {
		if out.ScriptPubKeyType != "v0_p2wsh" {
			continue
		}
		// scriptPubKey is OP_0 <32-byte program>: 0020 + 64 hex chars.
		if len(out.ScriptPubKey) != 68 {
			continue
		}
		return uint32(i), out.Value, out.ScriptPubKey[4:], true
	}
	return 0, 0, "", false
}

// firstInputPubKey extracts the compressed pubkey from the first input's
// P2WPKH witness.
func firstInputPubKey(tx *Tx) ([]byte, bool) {
	if len(tx.Vin) == 0 {
		return nil, false
	}
	vin := tx.Vin[0]
	if vin.Prevout == nil || vin.Prevout.ScriptPubKeyType != "v0_p2wpkh" {
		return nil, false
	}
	if len(vin.Witness) != 2 {
		return nil, false
	}
	pubKey, err := hex.DecodeString(vin.Witness[1])
	if err != nil || len(pubKey) != 33 {
		return nil, false
	}
	return pubKey, true
}

type payloadError struct {
	tx  string
	err error
}

func (e *payloadError) Error() string {
	return fmt.Sprintf("malformed bridge payload in tx %s: %v", e.tx, e.err)
}

func (e *payloadError) Unwrap() error { return e.err }
