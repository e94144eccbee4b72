// Package relay - the coordinator fuses the four upstream sequences (two
// chain event streams, two tracker progress streams) into one unified
// output sequence and enforces the cross-direction invariants no single
// source can see alone.
package relay

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/crosslock-labs/crosslock/pkg/logging"
)

// CoordinatorConfig configures the coordinator and its two trackers.
type CoordinatorConfig struct {
	Tracker     TrackerConfig
	EventBuffer int
}

// DefaultCoordinatorConfig returns the default configuration.
func DefaultCoordinatorConfig() CoordinatorConfig {
	return CoordinatorConfig{
		Tracker:     DefaultTrackerConfig(),
		EventBuffer: 128,
	}
}

// Coordinator composes two chain services and the two per-direction
// trackers built from their contract clients. It owns no registry of its
// own; trackers are mutated only through their exported operations.
type Coordinator struct {
	chain1 ChainService
	chain2 ChainService

	oneToTwo *SwapTracker
	twoToOne *SwapTracker

	// Live source channels, checked in this order each scheduling turn.
	// A channel is set to nil once its source has terminated; the
	// remaining sources keep relaying.
	oneToTwoEvents <-chan SwapEvent
	twoToOneEvents <-chan SwapEvent
	chain1Events   <-chan ContractEvent
	chain2Events   <-chan ContractEvent

	cfg CoordinatorConfig
	log *logging.Logger
}

// NewCoordinator wires the two chains together: direction 1->2 drives
// chain 2's counterparty contract from chain 1 initiations and claims back
// on chain 1's initiator contract; direction 2->1 is the mirror image.
func NewCoordinator(chain1, chain2 ChainService, cfg CoordinatorConfig, log *logging.Logger) *Coordinator {
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = DefaultCoordinatorConfig().EventBuffer
	}
	if log == nil {
		log = logging.Default()
	}

	oneToTwo := NewSwapTracker(DirectionOneToTwo, chain1.Initiator(), chain2.Counterparty(), cfg.Tracker, log)
	twoToOne := NewSwapTracker(DirectionTwoToOne, chain2.Initiator(), chain1.Counterparty(), cfg.Tracker, log)

	return &Coordinator{
		chain1:         chain1,
		chain2:         chain2,
		oneToTwo:       oneToTwo,
		twoToOne:       twoToOne,
		oneToTwoEvents: oneToTwo.Events(),
		twoToOneEvents: twoToOne.Events(),
		chain1Events:   chain1.Events(),
		chain2Events:   chain2.Events(),
		cfg:            cfg,
		log:            log.Component("coordinator"),
	}
}

// Tracker returns the tracker driving the given direction, for status
// surfaces and tests.
func (c *Coordinator) Tracker(d Direction) *SwapTracker {
	if d == DirectionTwoToOne {
		return c.twoToOne
	}
	return c.oneToTwo
}

// Poll performs one scheduling turn: each source is checked once, in a
// fixed order, without blocking. A consumed input that produces no output
// falls through to the next source; the turn ends at the first unified
// event. Returns false when no source produced output this turn.
func (c *Coordinator) Poll() (Event, bool) {
	if c.oneToTwoEvents != nil {
		select {
		case ev, ok := <-c.oneToTwoEvents:
			if out := c.handleTrackerEvent(DirectionOneToTwo, ev, ok); out != nil {
				return *out, true
			}
		default:
		}
	}

	if c.twoToOneEvents != nil {
		select {
		case ev, ok := <-c.twoToOneEvents:
			if out := c.handleTrackerEvent(DirectionTwoToOne, ev, ok); out != nil {
				return *out, true
			}
		default:
		}
	}

	if c.chain1Events != nil {
		select {
		case ev, ok := <-c.chain1Events:
			if out := c.handleChain1Event(ev, ok); out != nil {
				return *out, true
			}
		default:
		}
	}

	if c.chain2Events != nil {
		select {
		case ev, ok := <-c.chain2Events:
			if out := c.handleChain2Event(ev, ok); out != nil {
				return *out, true
			}
		default:
		}
	}

	return Event{}, false
}

// Run drives the coordinator until ctx is cancelled: drain deterministic
// turns via Poll, then sleep until any source has data. The returned
// channel carries the unified output sequence and is closed when the
// coordinator stops. The coordinator never terminates on its own while at
// least one source is live.
func (c *Coordinator) Run(ctx context.Context) <-chan Event {
	out := make(chan Event, c.cfg.EventBuffer)
	go c.run(ctx, out)
	return out
}

func (c *Coordinator) run(ctx context.Context, out chan<- Event) {
	defer close(out)
	defer c.oneToTwo.Close()
	defer c.twoToOne.Close()

	emit := func(ev Event) bool {
		select {
		case out <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for {
		// Deterministic drain.
		for {
			ev, ok := c.Poll()
			if !ok {
				break
			}
			if !emit(ev) {
				return
			}
		}

		if c.chain1Events == nil && c.chain2Events == nil {
			// No new work can ever arrive; flush whatever tracker progress
			// is already queued and stop. Deferred Close aborts retries
			// still in flight.
			for {
				ev, ok := c.Poll()
				if !ok {
					break
				}
				if !emit(ev) {
					return
				}
			}
			c.log.Error("All chain event streams terminated, stopping relay")
			return
		}

		// Idle until any source wakes us; the waking value is handled
		// through the same per-source logic as a Poll turn.
		var next *Event
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-c.oneToTwoEvents:
			next = c.handleTrackerEvent(DirectionOneToTwo, ev, ok)
		case ev, ok := <-c.twoToOneEvents:
			next = c.handleTrackerEvent(DirectionTwoToOne, ev, ok)
		case ev, ok := <-c.chain1Events:
			next = c.handleChain1Event(ev, ok)
		case ev, ok := <-c.chain2Events:
			next = c.handleChain2Event(ev, ok)
		}
		if next != nil && !emit(*next) {
			return
		}
	}
}

// handleTrackerEvent translates a tracker progress report into a unified
// event. Both directions are handled symmetrically.
func (c *Coordinator) handleTrackerEvent(d Direction, ev SwapEvent, ok bool) *Event {
	if !ok {
		// Trackers only close when the coordinator shuts them down; treat a
		// premature close like any other terminated source.
		c.dropTrackerSource(d)
		out := newEvent(KindSourceTerminated, SeverityWarning, SwapDetails{}).
			withDirection(d).
			withError(fmt.Errorf("tracker %s progress stream closed", d))
		return &out
	}

	switch ev.Kind {
	case SwapAssetsLocked:
		c.log.Debug("Bridge assets locked", "direction", d, "transfer_id", ev.Details.TransferID)
		out := newEvent(KindAssetsLocked, SeverityInfo, ev.Details).withDirection(d)
		return &out

	case SwapAssetsLockingError:
		c.log.Warn("Error locking bridge assets",
			"direction", d, "transfer_id", ev.Details.TransferID,
			"attempts", ev.Attempts, "error", ev.Err)
		out := newEvent(KindAssetsLockingError, SeverityWarning, ev.Details).
			withDirection(d).withError(ev.Err)
		return &out

	case SwapAssetsCompleted:
		c.log.Debug("Bridge assets completed", "direction", d, "transfer_id", ev.Details.TransferID)
		out := newEvent(KindAssetsCompleted, SeverityInfo, ev.Details).withDirection(d)
		return &out

	case SwapAssetsCompletingError:
		c.log.Warn("Error completing bridge assets",
			"direction", d, "transfer_id", ev.Details.TransferID,
			"attempts", ev.Attempts, "error", ev.Err)
		out := newEvent(KindAssetsCompletingError, SeverityWarning, ev.Details).
			withDirection(d).withError(ev.Err)
		return &out
	}
	return nil
}

func (c *Coordinator) handleChain1Event(ev ContractEvent, ok bool) *Event {
	if !ok {
		c.chain1Events = nil
		return c.sourceTerminated(c.chain1.Name())
	}
	// Initiator events on chain 1 originate direction 1->2; counterparty
	// events on chain 1 confirm the destination leg of direction 2->1.
	return c.handleChainEvent(c.chain1.Name(), ev, c.oneToTwo, c.twoToOne)
}

func (c *Coordinator) handleChain2Event(ev ContractEvent, ok bool) *Event {
	if !ok {
		c.chain2Events = nil
		return c.sourceTerminated(c.chain2.Name())
	}
	return c.handleChainEvent(c.chain2.Name(), ev, c.twoToOne, c.oneToTwo)
}

// handleChainEvent applies one chain observation. outbound is the tracker
// for the direction originating on this chain (driven by its initiator
// contract); inbound is the tracker whose destination leg lands here
// (confirmed by this chain's counterparty contract).
func (c *Coordinator) handleChainEvent(chain string, ev ContractEvent, outbound, inbound *SwapTracker) *Event {
	switch ev.Role {
	case RoleInitiator:
		return c.handleInitiatorEvent(chain, ev, outbound)
	case RoleCounterparty:
		return c.handleCounterpartyEvent(chain, ev, inbound)
	default:
		c.log.Warn("Dropping contract event with unknown role", "chain", chain, "role", ev.Role)
		return nil
	}
}

func (c *Coordinator) handleInitiatorEvent(chain string, ev ContractEvent, outbound *SwapTracker) *Event {
	details := ev.Details

	switch ev.Kind {
	case EventInitiated:
		// A bridge transfer was initiated; as the counterparty we lock the
		// matching assets on the destination chain using the same hash lock.
		if existing, ok := outbound.Lookup(details.TransferID); ok {
			// Monitoring should deliver an initiation exactly once. A
			// duplicate is suppressed; a duplicate whose detail diverges
			// from the tracked one suggests a reorg or inconsistent replay
			// and is escalated.
			if !sameSwapDetails(existing.Details, details) {
				c.log.Error("Duplicate initiation with mismatched details",
					"chain", chain, "transfer_id", details.TransferID)
				out := newEvent(KindAlreadyPresentMismatch, SeverityCritical, details).
					withChain(chain).withDirection(outbound.direction)
				return &out
			}
			c.log.Warn("Bridge transfer already present",
				"chain", chain, "transfer_id", details.TransferID)
			out := newEvent(KindAlreadyPresent, SeverityWarning, details).
				withChain(chain).withDirection(outbound.direction)
			return &out
		}

		if err := outbound.StartBridgeTransfer(details); err != nil {
			if errors.Is(err, ErrSwapExists) {
				// Lost the race against a concurrent registration; same
				// suppression as the lookup path.
				out := newEvent(KindAlreadyPresent, SeverityWarning, details).
					withChain(chain).withDirection(outbound.direction)
				return &out
			}
			out := newEvent(KindAssetsLockingError, SeverityWarning, details).
				withChain(chain).withDirection(outbound.direction).withError(err)
			return &out
		}
		out := newEvent(KindInitiated, SeverityInfo, details).
			withChain(chain).withDirection(outbound.direction)
		return &out

	case EventCompleted:
		// The initiator-side claim went through: the relay recovered the
		// source funds using the revealed pre-image. Observation only.
		out := newEvent(KindInitiatorCompleted, SeverityInfo, details).
			withChain(chain).withDirection(outbound.direction)
		return &out

	case EventRefunded:
		// A refund while the swap is still tracked means the source leg was
		// unwound after we locked the destination leg; funds need manual
		// attention. The entry is kept for the operator.
		if outbound.AlreadyExecuting(details.TransferID) {
			c.log.Error("Initiator refunded a transfer we are still relaying",
				"chain", chain, "transfer_id", details.TransferID)
			out := newEvent(KindRefundedWhileActive, SeverityCritical, details).
				withChain(chain).withDirection(outbound.direction)
			return &out
		}
		out := newEvent(KindRefunded, SeverityInfo, details).
			withChain(chain).withDirection(outbound.direction)
		return &out
	}

	c.log.Warn("Dropping unknown initiator event", "chain", chain, "kind", ev.Kind)
	return nil
}

func (c *Coordinator) handleCounterpartyEvent(chain string, ev ContractEvent, inbound *SwapTracker) *Event {
	details := ev.Details

	switch ev.Kind {
	case EventLocked:
		// Destination lock confirmed on-chain; from here we watch for the
		// claim that reveals the secret.
		out := newEvent(KindLocked, SeverityInfo, details).
			withChain(chain).withDirection(inbound.direction)
		return &out

	case EventCompleted:
		// The destination-chain claim happened and revealed the pre-image;
		// trigger the source-chain claim through the tracker.
		err := inbound.CompleteBridgeTransfer(details)
		if err == nil {
			out := newEvent(KindCounterpartyCompleted, SeverityInfo, details).
				withChain(chain).withDirection(inbound.direction)
			return &out
		}

		if errors.Is(err, ErrNonExistingSwap) {
			// A completion for a swap we never registered risks stuck or
			// lost funds; this must reach an operator.
			c.log.Error("Completion event for untracked swap",
				"chain", chain, "transfer_id", details.TransferID)
			out := newEvent(KindCannotCompleteUnexistingSwap, SeverityCritical, details).
				withChain(chain).withDirection(inbound.direction).withError(err)
			return &out
		}
		out := newEvent(KindAssetsCompletingError, SeverityWarning, details).
			withChain(chain).withDirection(inbound.direction).withError(err)
		return &out
	}

	c.log.Warn("Dropping unknown counterparty event", "chain", chain, "kind", ev.Kind)
	return nil
}

func (c *Coordinator) sourceTerminated(chain string) *Event {
	c.log.Error("Chain event stream terminated", "chain", chain)
	out := newEvent(KindSourceTerminated, SeverityWarning, SwapDetails{}).
		withChain(chain).
		withError(fmt.Errorf("event stream for %s terminated", chain))
	return &out
}

func (c *Coordinator) dropTrackerSource(d Direction) {
	if d == DirectionTwoToOne {
		c.twoToOneEvents = nil
		return
	}
	c.oneToTwoEvents = nil
}

// sameSwapDetails compares the immutable fields of two detail records;
// Secret is excluded since it is only populated on completion events.
func sameSwapDetails(a, b SwapDetails) bool {
	if a.TransferID != b.TransferID || a.HashLock != b.HashLock || a.TimeLock != b.TimeLock {
		return false
	}
	if !bytes.Equal(a.Sender, b.Sender) || !bytes.Equal(a.Recipient, b.Recipient) {
		return false
	}
	switch {
	case a.Amount == nil && b.Amount == nil:
		return true
	case a.Amount == nil || b.Amount == nil:
		return false
	default:
		return a.Amount.Cmp(b.Amount) == 0
	}
}
