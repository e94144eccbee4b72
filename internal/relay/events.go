// Package relay - event vocabulary for chain observations, tracker
// progress, and the coordinator's unified output stream.
package relay

import (
	"time"

	"github.com/google/uuid"
)

// ContractRole identifies which side of the bridge contract emitted an
// on-chain event.
type ContractRole string

const (
	RoleInitiator    ContractRole = "initiator"
	RoleCounterparty ContractRole = "counterparty"
)

// ContractEventKind classifies an on-chain contract event.
type ContractEventKind string

const (
	// Initiator contract events.
	EventInitiated ContractEventKind = "initiated"
	EventCompleted ContractEventKind = "completed"
	EventRefunded  ContractEventKind = "refunded"

	// Counterparty contract events. EventCompleted is shared: a
	// counterparty completion is the destination-chain claim that reveals
	// the secret.
	EventLocked ContractEventKind = "locked"
)

// ContractEvent is one observation delivered by a chain adapter. Events
// from the same chain preserve that chain's emission order.
type ContractEvent struct {
	Role    ContractRole
	Kind    ContractEventKind
	Details SwapDetails
}

// SwapEventKind classifies tracker progress reports.
type SwapEventKind string

const (
	SwapAssetsLocked          SwapEventKind = "assets_locked"
	SwapAssetsLockingError    SwapEventKind = "assets_locking_error"
	SwapAssetsCompleted       SwapEventKind = "assets_completed"
	SwapAssetsCompletingError SwapEventKind = "assets_completing_error"
)

// SwapEvent is the outcome of an in-flight contract call dispatched by a
// tracker. Error kinds are emitted only after the tracker's own bounded
// retries are exhausted.
type SwapEvent struct {
	Kind      SwapEventKind
	Direction Direction
	Details   SwapDetails
	Attempts  int
	Err       error
}

// Severity grades an output event for downstream alerting.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// EventKind classifies the coordinator's unified output events.
type EventKind string

const (
	// Forwarded chain observations.
	KindInitiated             EventKind = "initiated"
	KindInitiatorCompleted    EventKind = "initiator_completed"
	KindRefunded              EventKind = "refunded"
	KindLocked                EventKind = "locked"
	KindCounterpartyCompleted EventKind = "counterparty_completed"

	// Tracker progress.
	KindAssetsLocked          EventKind = "assets_locked"
	KindAssetsLockingError    EventKind = "assets_locking_error"
	KindAssetsCompleted       EventKind = "assets_completed"
	KindAssetsCompletingError EventKind = "assets_completing_error"

	// Protocol warnings.
	KindAlreadyPresent               EventKind = "already_present"
	KindAlreadyPresentMismatch       EventKind = "already_present_mismatch"
	KindCannotCompleteUnexistingSwap EventKind = "cannot_complete_unexisting_swap"
	KindRefundedWhileActive          EventKind = "refunded_while_active"
	KindSourceTerminated             EventKind = "source_terminated"
)

// Event is one entry of the coordinator's output sequence, structured and
// timestamped for logging, metrics, and alerting consumers.
type Event struct {
	ID        uuid.UUID   `json:"id"`
	Time      time.Time   `json:"time"`
	Chain     string      `json:"chain,omitempty"`
	Direction Direction   `json:"direction,omitempty"`
	Kind      EventKind   `json:"kind"`
	Severity  Severity    `json:"severity"`
	Details   SwapDetails `json:"details"`
	Err       error       `json:"-"`
	Error     string      `json:"error,omitempty"`
}

func newEvent(kind EventKind, sev Severity, details SwapDetails) Event {
	return Event{
		ID:       uuid.New(),
		Time:     time.Now().UTC(),
		Kind:     kind,
		Severity: sev,
		Details:  details,
	}
}

func (e Event) withChain(chain string) Event {
	e.Chain = chain
	return e
}

func (e Event) withDirection(d Direction) Event {
	e.Direction = d
	return e
}

func (e Event) withError(err error) Event {
	e.Err = err
	if err != nil {
		e.Error = err.Error()
	}
	return e
}
