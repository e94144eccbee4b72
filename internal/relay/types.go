// Package relay contains the chain-agnostic swap relaying core: the
// per-direction swap tracker and the coordinator that fuses event streams
// from both chains into one unified output stream.
//
// Nothing in this package knows about a concrete chain. Chains plug in
// through the ChainService capability; address and hash values travel as
// chain-native bytes and are only interpreted by the adapters.
package relay

import (
	"context"
	"encoding/hex"
	"math/big"
	"time"
)

// TransferID is the opaque identifier of a single swap attempt. It is
// unique within one relay direction; the same id may appear independently
// in both directions' trackers.
type TransferID [32]byte

// String returns a short hex form used in logs.
func (id TransferID) String() string {
	return hex.EncodeToString(id[:8])
}

// Hex returns the full hex encoding.
func (id TransferID) Hex() string {
	return hex.EncodeToString(id[:])
}

// TransferIDFromBytes copies b into a TransferID. Short input is
// left-aligned, long input truncated.
func TransferIDFromBytes(b []byte) TransferID {
	var id TransferID
	copy(id[:], b)
	return id
}

// HashLock is the hash commitment binding a claim to knowledge of the
// secret pre-image.
type HashLock [32]byte

// Hex returns the full hex encoding.
func (h HashLock) Hex() string {
	return hex.EncodeToString(h[:])
}

// SwapDetails carries everything needed to replay a transfer's
// counter-chain call. It is immutable once created; Secret is only set on
// Completed events, where the pre-image has been revealed on-chain.
type SwapDetails struct {
	TransferID TransferID
	HashLock   HashLock
	TimeLock   uint64
	Sender     []byte // source-chain address, chain-native bytes
	Recipient  []byte // destination-chain address, chain-native bytes
	Amount     *big.Int
	Secret     []byte
}

// SwapStatus is the tracker-local lifecycle stage of an active swap.
type SwapStatus string

const (
	StatusLocking    SwapStatus = "locking"
	StatusLocked     SwapStatus = "locked"
	StatusCompleting SwapStatus = "completing"
	// StatusCompleted marks an entry whose source-chain claim call has been
	// dispatched; it is removed from the registry immediately afterwards.
	StatusCompleted SwapStatus = "completed"
)

// ActiveSwap is one registry entry; owned exclusively by the tracker of
// the direction driving it.
type ActiveSwap struct {
	Details   SwapDetails
	Status    SwapStatus
	UpdatedAt time.Time
}

// Direction identifies one of the two relay paths.
type Direction int

const (
	// DirectionOneToTwo relays swaps initiated on chain 1 and fulfilled on
	// chain 2.
	DirectionOneToTwo Direction = iota + 1
	// DirectionTwoToOne is the reverse path.
	DirectionTwoToOne
)

func (d Direction) String() string {
	switch d {
	case DirectionOneToTwo:
		return "1->2"
	case DirectionTwoToOne:
		return "2->1"
	default:
		return "unknown"
	}
}

// InitiatorContract is the source-chain contract client the tracker uses
// to claim the original funds once the secret has been revealed on the
// destination chain.
type InitiatorContract interface {
	// CompleteBridgeTransfer claims the initiator-side funds using the
	// revealed pre-image.
	CompleteBridgeTransfer(ctx context.Context, id TransferID, secret []byte) error

	// RefundBridgeTransfer returns the initiator-side funds after the time
	// lock has expired. Not driven by this core; exposed for operator tooling.
	RefundBridgeTransfer(ctx context.Context, id TransferID) error
}

// CounterpartyContract is the destination-chain contract client the
// tracker uses to mirror an initiation.
type CounterpartyContract interface {
	// LockBridgeTransfer locks assets on the destination chain against the
	// same hash lock and amount as the source initiation.
	LockBridgeTransfer(ctx context.Context, details SwapDetails) error

	// AbortBridgeTransfer releases a destination-side lock after its time
	// lock has expired. Not driven by this core; exposed for operator tooling.
	AbortBridgeTransfer(ctx context.Context, id TransferID) error
}

// ChainService is the per-chain capability the coordinator consumes: a
// lazy, non-restartable event stream plus the two contract clients. The
// Events channel is closed only on a fatal, stream-level failure (for
// example an undecodable payload); the coordinator isolates such a failure
// to the one chain it came from.
type ChainService interface {
	Name() string
	Events() <-chan ContractEvent
	Initiator() InitiatorContract
	Counterparty() CounterpartyContract
}

// TypeConverter maps between a chain's native address/hash encodings and
// the relay-level byte representation. Each adapter implements it for its
// own chain; a pair of converters gives the bidirectional mapping the
// journal and status surfaces need. Pure data mapping, no protocol logic.
type TypeConverter interface {
	FormatAddress(raw []byte) (string, error)
	ParseAddress(addr string) ([]byte, error)
	FormatHash(h HashLock) string
	ParseHash(s string) (HashLock, error)
}
