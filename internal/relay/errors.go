package relay

import "errors"

// Core errors.
var (
	// ErrNonExistingSwap is returned when a completion is requested for a
	// transfer id the tracker never registered. The registry is left
	// unchanged and no contract call is made.
	ErrNonExistingSwap = errors.New("no active swap with that transfer id")

	// ErrSwapExists is returned when a transfer id is registered twice in
	// the same direction.
	ErrSwapExists = errors.New("swap already being executed")

	// ErrTrackerClosed is returned for operations on a closed tracker.
	ErrTrackerClosed = errors.New("tracker closed")
)
