// Package relay - per-direction registry of in-flight swaps and owner of
// the side-effecting counter-chain contract calls.
package relay

import (
	"context"
	"sync"
	"time"

	"github.com/crosslock-labs/crosslock/pkg/logging"
)

// TrackerConfig bounds the tracker's internal retry behavior.
type TrackerConfig struct {
	// MaxAttempts is the total number of times a lock or complete call is
	// tried before the failure is surfaced as a terminal progress event.
	MaxAttempts int

	// RetryBase is the first retry delay; each subsequent delay doubles.
	RetryBase time.Duration

	// RetryMax caps the backoff between attempts.
	RetryMax time.Duration

	// CallTimeout bounds a single contract call.
	CallTimeout time.Duration

	// EventBuffer sizes the progress event channel.
	EventBuffer int
}

// DefaultTrackerConfig returns the default tracker configuration.
func DefaultTrackerConfig() TrackerConfig {
	return TrackerConfig{
		MaxAttempts: 5,
		RetryBase:   10 * time.Second,
		RetryMax:    10 * time.Minute,
		CallTimeout: 90 * time.Second,
		EventBuffer: 64,
	}
}

// SwapTracker owns the active-swap registry for one relay direction and
// dispatches the contract calls that drive it: a destination-chain lock
// when a swap starts and a source-chain claim when the secret is revealed.
// Outcomes surface asynchronously on the Events channel, never as return
// values of the dispatching methods.
type SwapTracker struct {
	direction    Direction
	initiator    InitiatorContract
	counterparty CounterpartyContract
	cfg          TrackerConfig
	log          *logging.Logger

	mu    sync.RWMutex
	swaps map[TransferID]*ActiveSwap

	events chan SwapEvent

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSwapTracker creates a tracker for one direction. The initiator client
// belongs to the direction's source chain, the counterparty client to its
// destination chain.
func NewSwapTracker(direction Direction, initiator InitiatorContract, counterparty CounterpartyContract, cfg TrackerConfig, log *logging.Logger) *SwapTracker {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultTrackerConfig().MaxAttempts
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = DefaultTrackerConfig().RetryBase
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = DefaultTrackerConfig().RetryMax
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultTrackerConfig().CallTimeout
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = DefaultTrackerConfig().EventBuffer
	}
	if log == nil {
		log = logging.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &SwapTracker{
		direction:    direction,
		initiator:    initiator,
		counterparty: counterparty,
		cfg:          cfg,
		log:          log.Component("tracker " + direction.String()),
		swaps:        make(map[TransferID]*ActiveSwap),
		events:       make(chan SwapEvent, cfg.EventBuffer),
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Events returns the tracker's progress sequence.
func (t *SwapTracker) Events() <-chan SwapEvent {
	return t.events
}

// AlreadyExecuting reports whether a swap with the given id is currently
// tracked in this direction. Pure lookup, no side effect.
func (t *SwapTracker) AlreadyExecuting(id TransferID) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.swaps[id]
	return ok
}

// Lookup returns a copy of the tracked entry for id.
func (t *SwapTracker) Lookup(id TransferID) (ActiveSwap, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	entry, ok := t.swaps[id]
	if !ok {
		return ActiveSwap{}, false
	}
	return *entry, true
}

// ActiveCount returns the number of tracked swaps.
func (t *SwapTracker) ActiveCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.swaps)
}

// Snapshot returns copies of all tracked entries, for status surfaces.
func (t *SwapTracker) Snapshot() []ActiveSwap {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]ActiveSwap, 0, len(t.swaps))
	for _, entry := range t.swaps {
		out = append(out, *entry)
	}
	return out
}

// StartBridgeTransfer registers a new swap and asynchronously locks the
// matching assets on the destination chain. At most one entry may exist
// per transfer id in a direction; a duplicate registration fails with
// ErrSwapExists and mutates nothing.
func (t *SwapTracker) StartBridgeTransfer(details SwapDetails) error {
	select {
	case <-t.ctx.Done():
		return ErrTrackerClosed
	default:
	}

	t.mu.Lock()
	if _, ok := t.swaps[details.TransferID]; ok {
		t.mu.Unlock()
		return ErrSwapExists
	}
	t.swaps[details.TransferID] = &ActiveSwap{
		Details:   details,
		Status:    StatusLocking,
		UpdatedAt: time.Now().UTC(),
	}
	t.mu.Unlock()

	t.log.Debug("Tracking new bridge transfer",
		"transfer_id", details.TransferID, "amount", details.Amount)

	t.wg.Add(1)
	go t.dispatchLock(details)
	return nil
}

// CompleteBridgeTransfer asynchronously claims the source-chain funds for
// a tracked swap using the pre-image carried in details, then removes the
// entry once the call has been dispatched successfully. An unknown id
// fails with ErrNonExistingSwap without touching the registry or the chain.
func (t *SwapTracker) CompleteBridgeTransfer(details SwapDetails) error {
	select {
	case <-t.ctx.Done():
		return ErrTrackerClosed
	default:
	}

	t.mu.Lock()
	entry, ok := t.swaps[details.TransferID]
	if !ok {
		t.mu.Unlock()
		return ErrNonExistingSwap
	}
	entry.Status = StatusCompleting
	entry.UpdatedAt = time.Now().UTC()
	t.mu.Unlock()

	t.wg.Add(1)
	go t.dispatchComplete(details)
	return nil
}

// Close stops all in-flight dispatch goroutines and closes the progress
// channel. The registry itself is not cleared; pending entries remain
// visible to status surfaces until the process exits.
func (t *SwapTracker) Close() {
	t.cancel()
	t.wg.Wait()
	close(t.events)
}

func (t *SwapTracker) dispatchLock(details SwapDetails) {
	defer t.wg.Done()

	attempts, err := t.callWithRetry(func(ctx context.Context) error {
		return t.counterparty.LockBridgeTransfer(ctx, details)
	})
	if err != nil {
		t.emit(SwapEvent{
			Kind:      SwapAssetsLockingError,
			Direction: t.direction,
			Details:   details,
			Attempts:  attempts,
			Err:       err,
		})
		return
	}

	t.setStatus(details.TransferID, StatusLocked)
	t.emit(SwapEvent{
		Kind:      SwapAssetsLocked,
		Direction: t.direction,
		Details:   details,
		Attempts:  attempts,
	})
}

func (t *SwapTracker) dispatchComplete(details SwapDetails) {
	defer t.wg.Done()

	attempts, err := t.callWithRetry(func(ctx context.Context) error {
		return t.initiator.CompleteBridgeTransfer(ctx, details.TransferID, details.Secret)
	})
	if err != nil {
		// The entry stays in the registry for operator remediation.
		t.emit(SwapEvent{
			Kind:      SwapAssetsCompletingError,
			Direction: t.direction,
			Details:   details,
			Attempts:  attempts,
			Err:       err,
		})
		return
	}

	t.setStatus(details.TransferID, StatusCompleted)
	t.mu.Lock()
	delete(t.swaps, details.TransferID)
	t.mu.Unlock()

	t.emit(SwapEvent{
		Kind:      SwapAssetsCompleted,
		Direction: t.direction,
		Details:   details,
		Attempts:  attempts,
	})
}

// callWithRetry runs call up to MaxAttempts times with capped exponential
// backoff between attempts. Returns the number of attempts made and the
// last error, nil on success.
func (t *SwapTracker) callWithRetry(call func(ctx context.Context) error) (int, error) {
	var lastErr error
	for attempt := 1; attempt <= t.cfg.MaxAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(t.ctx, t.cfg.CallTimeout)
		err := call(ctx)
		cancel()
		if err == nil {
			return attempt, nil
		}
		lastErr = err

		if attempt == t.cfg.MaxAttempts {
			return attempt, lastErr
		}
		t.log.Debug("Contract call failed, retrying",
			"attempt", attempt, "error", err)

		select {
		case <-t.ctx.Done():
			return attempt, lastErr
		case <-time.After(t.backoff(attempt)):
		}
	}
	return t.cfg.MaxAttempts, lastErr
}

// backoff returns the delay before the given retry: base, 2*base, 4*base,
// capped at RetryMax.
func (t *SwapTracker) backoff(attempt int) time.Duration {
	d := t.cfg.RetryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= t.cfg.RetryMax {
			return t.cfg.RetryMax
		}
	}
	if d > t.cfg.RetryMax {
		return t.cfg.RetryMax
	}
	return d
}

func (t *SwapTracker) setStatus(id TransferID, status SwapStatus) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if entry, ok := t.swaps[id]; ok {
		entry.Status = status
		entry.UpdatedAt = time.Now().UTC()
	}
}

func (t *SwapTracker) emit(ev SwapEvent) {
	select {
	case t.events <- ev:
	case <-t.ctx.Done():
	}
}
