package btc

import (
	"sync"

	"github.com/btcsuite/btcd/wire"

	"github.com/crosslock-labs/crosslock/internal/relay"
)

// htlcRole marks which side of a transfer an HTLC output serves on this
// chain.
type htlcRole int

const (
	roleInitiation htlcRole = iota + 1
	roleLock
)

// htlcOutput is one on-chain HTLC the relay watches: the initiation leg of
// an outbound transfer or the lock leg of an inbound one.
type htlcOutput struct {
	TransferID relay.TransferID
	OutPoint   wire.OutPoint
	Value      uint64
	Script     []byte // full witness script; needed to spend
	Role       htlcRole
}

// htlcIndex is the shared registry of watched HTLC outputs. The watcher
// adds entries as it discovers or confirms them; the contract clients read
// them to build spends.
type htlcIndex struct {
	mu   sync.RWMutex
	byID map[relay.TransferID]htlcOutput
	byOP map[wire.OutPoint]relay.TransferID
}

func newHTLCIndex() *htlcIndex {
	return &htlcIndex{
		byID: make(map[relay.TransferID]htlcOutput),
		byOP: make(map[wire.OutPoint]relay.TransferID),
	}
}

func (x *htlcIndex) add(out htlcOutput) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.byID[out.TransferID] = out
	x.byOP[out.OutPoint] = out.TransferID
}

func (x *htlcIndex) get(id relay.TransferID) (htlcOutput, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	out, ok := x.byID[id]
	return out, ok
}

func (x *htlcIndex) bySpend(op wire.OutPoint) (htlcOutput, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	id, ok := x.byOP[op]
	if !ok {
		return htlcOutput{}, false
	}
	out, ok := x.byID[id]
	return out, ok
}

func (x *htlcIndex) remove(id relay.TransferID) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if out, ok := x.byID[id]; ok {
		delete(x.byOP, out.OutPoint)
		delete(x.byID, id)
	}
}

func (x *htlcIndex) size() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.byID)
}
