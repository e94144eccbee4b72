package main

import (
	"context"
	"errors"
	"time"

	"github.com/crosslock-labs/crosslock/internal/relay"
	"github.com/crosslock-labs/crosslock/internal/rpc"
	"github.com/crosslock-labs/crosslock/internal/storage"
	"github.com/crosslock-labs/crosslock/pkg/logging"
)

// journal consumes the coordinator's unified event stream: every event is
// appended to the event log, transfer rows are advanced through their
// lifecycle, and connected WebSocket clients are notified.
type journal struct {
	store       *storage.Storage
	rpcServer   *rpc.Server
	maxAttempts int
	conv1       relay.TypeConverter // chain 1 native encoding
	conv2       relay.TypeConverter // chain 2 native encoding
	log         *logging.Logger
}

func newJournal(store *storage.Storage, rpcServer *rpc.Server, maxAttempts int, conv1, conv2 relay.TypeConverter, log *logging.Logger) *journal {
	return &journal{
		store:       store,
		rpcServer:   rpcServer,
		maxAttempts: maxAttempts,
		conv1:       conv1,
		conv2:       conv2,
		log:         log.Component("journal"),
	}
}

func (j *journal) record(ev relay.Event) {
	j.logEvent(ev)

	if err := j.store.AppendEvent(ev); err != nil {
		j.log.Error("Failed to journal event", "kind", ev.Kind, "error", err)
	}

	j.updateTransfer(ev)

	if j.rpcServer != nil {
		j.rpcServer.PublishEvent(ev)
	}
}

// logEvent mirrors the event to the daemon log at its severity.
func (j *journal) logEvent(ev relay.Event) {
	keyvals := []interface{}{"kind", ev.Kind}
	if ev.Chain != "" {
		keyvals = append(keyvals, "chain", ev.Chain)
	}
	if ev.Direction != 0 {
		keyvals = append(keyvals, "direction", ev.Direction)
	}
	if ev.Details.TransferID != (relay.TransferID{}) {
		keyvals = append(keyvals, "transfer_id", ev.Details.TransferID)
	}
	if ev.Error != "" {
		keyvals = append(keyvals, "error", ev.Error)
	}

	switch ev.Severity {
	case relay.SeverityCritical:
		j.log.Error("Relay event", keyvals...)
	case relay.SeverityWarning:
		j.log.Warn("Relay event", keyvals...)
	default:
		j.log.Info("Relay event", keyvals...)
	}
}

// updateTransfer advances the persisted transfer row for lifecycle events.
// Source termination and untracked-swap warnings carry no row to advance.
func (j *journal) updateTransfer(ev relay.Event) {
	if ev.Direction == 0 || ev.Details.TransferID == (relay.TransferID{}) {
		return
	}

	id := ev.Details.TransferID.Hex()
	dir := ev.Direction.String()

	var err error
	switch ev.Kind {
	case relay.KindInitiated:
		rec := storage.NewTransferRecord(ev.Direction, ev.Details, storage.TransferStatusLocking)
		j.formatParties(rec, ev.Direction, ev.Details)
		err = j.store.SaveTransfer(rec)

	case relay.KindAssetsLocked, relay.KindLocked:
		err = j.store.UpdateTransferStatus(id, dir, storage.TransferStatusLocked)

	case relay.KindCounterpartyCompleted:
		if len(ev.Details.Secret) > 0 {
			if serr := j.store.RecordSecret(id, dir, ev.Details.Secret); serr != nil && !errors.Is(serr, storage.ErrTransferNotFound) {
				j.log.Error("Failed to record secret", "transfer_id", id, "error", serr)
			}
		}
		err = j.store.UpdateTransferStatus(id, dir, storage.TransferStatusCompleting)

	case relay.KindAssetsCompleted, relay.KindInitiatorCompleted:
		err = j.store.UpdateTransferStatus(id, dir, storage.TransferStatusCompleted)

	case relay.KindRefunded, relay.KindRefundedWhileActive:
		err = j.store.UpdateTransferStatus(id, dir, storage.TransferStatusRefunded)

	case relay.KindAssetsLockingError, relay.KindAssetsCompletingError:
		err = j.store.RecordFailure(id, dir, ev.Error, j.maxAttempts)

	default:
		return
	}

	if err != nil && !errors.Is(err, storage.ErrTransferNotFound) {
		j.log.Error("Failed to update transfer", "transfer_id", id, "kind", ev.Kind, "error", err)
	}
}

// runRetention prunes journaled events older than retention, once at
// startup and then every interval. Transfer rows are never pruned.
func (j *journal) runRetention(ctx context.Context, retention, interval time.Duration) {
	if retention <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		pruned, err := j.store.PruneEvents(time.Now().Add(-retention))
		if err != nil {
			j.log.Error("Failed to prune event journal", "error", err)
		} else if pruned > 0 {
			j.log.Info("Pruned event journal", "removed", pruned, "retention", retention)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// formatParties renders the sender and recipient in their chains' native
// address encodings. The sender lives on the source chain, the recipient
// on the destination chain. Values the converter cannot parse keep the
// raw hex form; the row is still written.
func (j *journal) formatParties(rec *storage.TransferRecord, dir relay.Direction, details relay.SwapDetails) {
	src, dst := j.conv1, j.conv2
	if dir == relay.DirectionTwoToOne {
		src, dst = j.conv2, j.conv1
	}
	if src != nil {
		if addr, err := src.FormatAddress(details.Sender); err == nil {
			rec.Sender = addr
		}
	}
	if dst != nil {
		if addr, err := dst.FormatAddress(details.Recipient); err == nil {
			rec.Recipient = addr
		}
	}
}
