package btc

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/crosslock-labs/crosslock/internal/relay"
)

// OP_RETURN tags marking bridge transactions. An initiation is created by
// a user funding an HTLC toward the relay; a lock is created by the relay
// mirroring a transfer that originated on the other chain.
var (
	tagInitiate = []byte("XLKI")
	tagLock     = []byte("XLKL")
)

const (
	// tag(4) + secretHash(32) + destination recipient(20)
	initiatePayloadLen = 56
	// tag(4) + transferID(32)
	lockPayloadLen = 36
)

// InitiationPayload is the metadata a user embeds next to the HTLC output
// when initiating a transfer toward the other chain.
type InitiationPayload struct {
	SecretHash [32]byte
	Recipient  [20]byte // destination-chain address
}

// Encode serializes the payload for an OP_RETURN output.
func (p InitiationPayload) Encode() []byte {
	out := make([]byte, 0, initiatePayloadLen)
	out = append(out, tagInitiate...)
	out = append(out, p.SecretHash[:]...)
	out = append(out, p.Recipient[:]...)
	return out
}

// ParseInitiationPayload decodes an OP_RETURN data push. Returns false if
// the data does not carry the initiation tag.
func ParseInitiationPayload(data []byte) (InitiationPayload, bool, error) {
	if len(data) < len(tagInitiate) || !bytes.Equal(data[:4], tagInitiate) {
		return InitiationPayload{}, false, nil
	}
	if len(data) != initiatePayloadLen {
		return InitiationPayload{}, false, fmt.Errorf("initiation payload is %d bytes, want %d", len(data), initiatePayloadLen)
	}
	var p InitiationPayload
	copy(p.SecretHash[:], data[4:36])
	copy(p.Recipient[:], data[36:56])
	return p, true, nil
}

// LockPayload ties a relay-created HTLC back to the transfer it mirrors.
type LockPayload struct {
	TransferID relay.TransferID
}

// Encode serializes the payload for an OP_RETURN output.
func (p LockPayload) Encode() []byte {
	out := make([]byte, 0, lockPayloadLen)
	out = append(out, tagLock...)
	out = append(out, p.TransferID[:]...)
	return out
}

// ParseLockPayload decodes an OP_RETURN data push. Returns false if the
// data does not carry the lock tag.
func ParseLockPayload(data []byte) (LockPayload, bool, error) {
	if len(data) < len(tagLock) || !bytes.Equal(data[:4], tagLock) {
		return LockPayload{}, false, nil
	}
	if len(data) != lockPayloadLen {
		return LockPayload{}, false, fmt.Errorf("lock payload is %d bytes, want %d", len(data), lockPayloadLen)
	}
	var p LockPayload
	copy(p.TransferID[:], data[4:36])
	return p, true, nil
}

// BuildOpReturnScript wraps a payload in an OP_RETURN scriptPubKey.
func BuildOpReturnScript(payload []byte) ([]byte, error) {
	return txscript.NewScriptBuilder().
		AddOp(txscript.OP_RETURN).
		AddData(payload).
		Script()
}

// ExtractOpReturnData returns the single data push of an OP_RETURN
// scriptPubKey, or false if the script is not that shape.
func ExtractOpReturnData(script []byte) ([]byte, bool) {
	if len(script) == 0 || script[0] != txscript.OP_RETURN {
		return nil, false
	}
	tokenizer := txscript.MakeScriptTokenizer(0, script)
	if !tokenizer.Next() || tokenizer.Opcode() != txscript.OP_RETURN {
		return nil, false
	}
	if !tokenizer.Next() || len(tokenizer.Data()) == 0 {
		return nil, false
	}
	data := tokenizer.Data()
	if tokenizer.Next() {
		return nil, false
	}
	return data, true
}

// ComputeTransferID derives the transfer id of a Bitcoin-initiated
// transfer from the HTLC outpoint, which is unique per initiation.
func ComputeTransferID(op wire.OutPoint) relay.TransferID {
	buf := make([]byte, 0, 36)
	buf = append(buf, op.Hash[:]...)
	var vout [4]byte
	binary.LittleEndian.PutUint32(vout[:], op.Index)
	buf = append(buf, vout[:]...)
	return relay.TransferID(sha256.Sum256(buf))
}

// ClassifyHTLCSpend inspects the witness of an input spending an HTLC
// output. The claim path reveals the secret; the refund path does not.
func ClassifyHTLCSpend(witness [][]byte) (secret []byte, claimed, refunded bool) {
	switch len(witness) {
	case 4:
		// [signature, secret, 0x01, script]
		if len(witness[2]) == 1 && witness[2][0] == 0x01 {
			return witness[1], true, false
		}
	case 3:
		// [signature, empty, script]
		if len(witness[1]) == 0 {
			return nil, false, true
		}
	}
	return nil, false, false
}
