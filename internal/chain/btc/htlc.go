// Package btc adapts a Bitcoin chain to the relay core. Bridge transfers
// are expressed as P2WSH HTLC outputs discovered and driven over an
// esplora-compatible REST backend; transfer metadata rides in an OP_RETURN
// output next to the HTLC.
package btc

import (
	"crypto/sha256"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"

	"github.com/crosslock-labs/crosslock/pkg/helpers"
)

// HTLCScript bundles an HTLC witness script with the components it was
// built from.
type HTLCScript struct {
	// The full witness script
	Script []byte

	// P2WSH address derived from the script
	Address string

	// SHA256 of the script, the P2WSH program
	ScriptHash []byte

	SecretHash     []byte // SHA256 hash the claimant must invert
	ReceiverPubKey []byte // who can claim with the secret
	SenderPubKey   []byte // who can refund after timeout
	TimeoutBlocks  uint32 // CSV relative timelock for the refund path
}

// BuildHTLCScript creates the HTLC witness script.
//
// Script structure:
//
//	OP_IF
//	    OP_SHA256 <secret_hash> OP_EQUALVERIFY
//	    <receiver_pubkey> OP_CHECKSIG
//	OP_ELSE
//	    <timeout_blocks> OP_CHECKSEQUENCEVERIFY OP_DROP
//	    <sender_pubkey> OP_CHECKSIG
//	OP_ENDIF
//
// Claim path (OP_IF branch) requires the secret plus the receiver's
// signature; refund path (OP_ELSE branch) requires the sender's signature
// after the CSV timeout.
func BuildHTLCScript(secretHash, receiverPubKey, senderPubKey []byte, timeoutBlocks uint32) ([]byte, error) {
	if len(secretHash) != 32 {
		return nil, fmt.Errorf("secret hash must be 32 bytes, got %d", len(secretHash))
	}
	if len(receiverPubKey) != 33 {
		return nil, fmt.Errorf("receiver pubkey must be 33 bytes (compressed), got %d", len(receiverPubKey))
	}
	if len(senderPubKey) != 33 {
		return nil, fmt.Errorf("sender pubkey must be 33 bytes (compressed), got %d", len(senderPubKey))
	}
	if timeoutBlocks == 0 {
		return nil, fmt.Errorf("timeout blocks must be greater than 0")
	}
	if timeoutBlocks > 0xFFFF {
		return nil, fmt.Errorf("timeout blocks exceeds maximum CSV value (65535)")
	}

	builder := txscript.NewScriptBuilder()

	builder.AddOp(txscript.OP_IF)
	builder.AddOp(txscript.OP_SHA256)
	builder.AddData(secretHash)
	builder.AddOp(txscript.OP_EQUALVERIFY)
	builder.AddData(receiverPubKey)
	builder.AddOp(txscript.OP_CHECKSIG)

	builder.AddOp(txscript.OP_ELSE)
	builder.AddInt64(int64(timeoutBlocks))
	builder.AddOp(txscript.OP_CHECKSEQUENCEVERIFY)
	builder.AddOp(txscript.OP_DROP)
	builder.AddData(senderPubKey)
	builder.AddOp(txscript.OP_CHECKSIG)

	builder.AddOp(txscript.OP_ENDIF)

	return builder.Script()
}

// NewHTLCScript builds the witness script together with its P2WSH address.
func NewHTLCScript(secretHash []byte, receiverPubKey, senderPubKey *btcec.PublicKey, timeoutBlocks uint32, params *chaincfg.Params) (*HTLCScript, error) {
	receiverBytes := receiverPubKey.SerializeCompressed()
	senderBytes := senderPubKey.SerializeCompressed()

	script, err := BuildHTLCScript(secretHash, receiverBytes, senderBytes, timeoutBlocks)
	if err != nil {
		return nil, fmt.Errorf("failed to build HTLC script: %w", err)
	}

	scriptHash := sha256.Sum256(script)
	address, err := btcutil.NewAddressWitnessScriptHash(scriptHash[:], params)
	if err != nil {
		return nil, fmt.Errorf("failed to create P2WSH address: %w", err)
	}

	return &HTLCScript{
		Script:         script,
		Address:        address.EncodeAddress(),
		ScriptHash:     scriptHash[:],
		SecretHash:     secretHash,
		ReceiverPubKey: receiverBytes,
		SenderPubKey:   senderBytes,
		TimeoutBlocks:  timeoutBlocks,
	}, nil
}

// ParseHTLCScript extracts the components of an HTLC witness script built
// by BuildHTLCScript.
func ParseHTLCScript(script []byte) (secretHash, receiverPubKey, senderPubKey []byte, timeoutBlocks uint32, err error) {
	tokenizer := txscript.MakeScriptTokenizer(0, script)

	if !tokenizer.Next() || tokenizer.Opcode() != txscript.OP_IF {
		return nil, nil, nil, 0, fmt.Errorf("expected OP_IF")
	}
	if !tokenizer.Next() || tokenizer.Opcode() != txscript.OP_SHA256 {
		return nil, nil, nil, 0, fmt.Errorf("expected OP_SHA256")
	}
	if !tokenizer.Next() {
		return nil, nil, nil, 0, fmt.Errorf("expected secret hash")
	}
	secretHash = tokenizer.Data()
	if len(secretHash) != 32 {
		return nil, nil, nil, 0, fmt.Errorf("secret hash must be 32 bytes")
	}
	if !tokenizer.Next() || tokenizer.Opcode() != txscript.OP_EQUALVERIFY {
		return nil, nil, nil, 0, fmt.Errorf("expected OP_EQUALVERIFY")
	}
	if !tokenizer.Next() {
		return nil, nil, nil, 0, fmt.Errorf("expected receiver pubkey")
	}
	receiverPubKey = tokenizer.Data()
	if len(receiverPubKey) != 33 {
		return nil, nil, nil, 0, fmt.Errorf("receiver pubkey must be 33 bytes")
	}
	if !tokenizer.Next() || tokenizer.Opcode() != txscript.OP_CHECKSIG {
		return nil, nil, nil, 0, fmt.Errorf("expected OP_CHECKSIG")
	}
	if !tokenizer.Next() || tokenizer.Opcode() != txscript.OP_ELSE {
		return nil, nil, nil, 0, fmt.Errorf("expected OP_ELSE")
	}
	if !tokenizer.Next() {
		return nil, nil, nil, 0, fmt.Errorf("expected timeout blocks")
	}
	op := tokenizer.Opcode()
	if txscript.IsSmallInt(op) {
		timeoutBlocks = uint32(txscript.AsSmallInt(op))
	} else {
		data := tokenizer.Data()
		if len(data) == 0 {
			return nil, nil, nil, 0, fmt.Errorf("invalid timeout blocks: expected data push")
		}
		timeoutBlocks = 0
		for i := 0; i < len(data); i++ {
			timeoutBlocks |= uint32(data[i]) << (8 * i)
		}
	}
	if !tokenizer.Next() || tokenizer.Opcode() != txscript.OP_CHECKSEQUENCEVERIFY {
		return nil, nil, nil, 0, fmt.Errorf("expected OP_CHECKSEQUENCEVERIFY")
	}
	if !tokenizer.Next() || tokenizer.Opcode() != txscript.OP_DROP {
		return nil, nil, nil, 0, fmt.Errorf("expected OP_DROP")
	}
	if !tokenizer.Next() {
		return nil, nil, nil, 0, fmt.Errorf("expected sender pubkey")
	}
	senderPubKey = tokenizer.Data()
	if len(senderPubKey) != 33 {
		return nil, nil, nil, 0, fmt.Errorf("sender pubkey must be 33 bytes")
	}
	if !tokenizer.Next() || tokenizer.Opcode() != txscript.OP_CHECKSIG {
		return nil, nil, nil, 0, fmt.Errorf("expected OP_CHECKSIG")
	}
	if !tokenizer.Next() || tokenizer.Opcode() != txscript.OP_ENDIF {
		return nil, nil, nil, 0, fmt.Errorf("expected OP_ENDIF")
	}

	return secretHash, receiverPubKey, senderPubKey, timeoutBlocks, nil
}

// BuildClaimWitness creates the witness stack for the claim path.
//
// Witness stack (bottom to top):
//
//	<signature>
//	<secret>
//	<1> (selects OP_IF branch)
//	<script>
func BuildClaimWitness(signature, secret, script []byte) [][]byte {
	return [][]byte{
		signature,
		secret,
		{0x01},
		script,
	}
}

// BuildRefundWitness creates the witness stack for the refund path.
//
// Witness stack (bottom to top):
//
//	<signature>
//	<0> (selects OP_ELSE branch)
//	<script>
func BuildRefundWitness(signature, script []byte) [][]byte {
	return [][]byte{
		signature,
		{},
		script,
	}
}

// BuildP2WSHScriptPubKey creates the scriptPubKey for a P2WSH output.
// Format: OP_0 <32-byte-script-hash>
func BuildP2WSHScriptPubKey(script []byte) []byte {
	scriptHash := sha256.Sum256(script)
	builder := txscript.NewScriptBuilder()
	builder.AddOp(txscript.OP_0)
	builder.AddData(scriptHash[:])
	scriptPubKey, _ := builder.Script()
	return scriptPubKey
}

// VerifySecret checks whether secret hashes to expectedHash.
func VerifySecret(secret, expectedHash []byte) bool {
	if len(secret) != 32 || len(expectedHash) != 32 {
		return false
	}
	actualHash := sha256.Sum256(secret)
	return helpers.ConstantTimeCompare(actualHash[:], expectedHash)
}
