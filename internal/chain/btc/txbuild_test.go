package btc

import (
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

func testHTLCOutput(t *testing.T, receiver, sender *btcec.PrivateKey, value uint64) (htlcOutput, *HTLCScript) {
	t.Helper()
	_, secretHash := testSecret()

	htlc, err := NewHTLCScript(secretHash[:], receiver.PubKey(), sender.PubKey(), 144, &chaincfg.TestNet3Params)
	if err != nil {
		t.Fatalf("NewHTLCScript: %v", err)
	}

	var hash chainhash.Hash
	for i := range hash {
		hash[i] = byte(i)
	}
	out := htlcOutput{
		OutPoint: wire.OutPoint{Hash: hash, Index: 0},
		Value:    value,
		Script:   htlc.Script,
	}
	return out, htlc
}

// executeSpend runs the spending transaction's input 0 through the script
// engine against the HTLC's P2WSH output.
func executeSpend(t *testing.T, tx *wire.MsgTx, out htlcOutput) error {
	t.Helper()
	p2wsh := BuildP2WSHScriptPubKey(out.Script)
	fetcher := txscript.NewCannedPrevOutputFetcher(p2wsh, int64(out.Value))
	sigHashes := txscript.NewTxSigHashes(tx, fetcher)

	vm, err := txscript.NewEngine(p2wsh, tx, 0, txscript.StandardVerifyFlags, nil, sigHashes, int64(out.Value), fetcher)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return vm.Execute()
}

func TestBuildClaimTx(t *testing.T) {
	receiver, sender := testKeys(t)
	secret, _ := testSecret()
	out, _ := testHTLCOutput(t, receiver, sender, 100_000)

	destScript, err := p2wpkhScript(receiver.PubKey(), &chaincfg.TestNet3Params)
	if err != nil {
		t.Fatalf("p2wpkhScript: %v", err)
	}

	tx, err := buildClaimTx(out, secret, destScript, 2, receiver)
	if err != nil {
		t.Fatalf("buildClaimTx: %v", err)
	}

	if tx.Version != 2 {
		t.Errorf("tx version = %d, want 2", tx.Version)
	}
	if tx.TxIn[0].Sequence != wire.MaxTxInSequenceNum {
		t.Errorf("claim input sequence = %d, want max", tx.TxIn[0].Sequence)
	}
	if len(tx.TxOut) != 1 {
		t.Fatalf("claim tx has %d outputs, want 1", len(tx.TxOut))
	}
	wantValue := int64(100_000 - vsizeClaim*2)
	if tx.TxOut[0].Value != wantValue {
		t.Errorf("swept value = %d, want %d", tx.TxOut[0].Value, wantValue)
	}

	if err := executeSpend(t, tx, out); err != nil {
		t.Errorf("claim spend failed script validation: %v", err)
	}
}

func TestBuildClaimTxWrongSecretFailsValidation(t *testing.T) {
	receiver, sender := testKeys(t)
	secret, _ := testSecret()
	out, _ := testHTLCOutput(t, receiver, sender, 100_000)

	destScript, err := p2wpkhScript(receiver.PubKey(), &chaincfg.TestNet3Params)
	if err != nil {
		t.Fatalf("p2wpkhScript: %v", err)
	}

	wrong := append([]byte(nil), secret...)
	wrong[0] ^= 0xff
	tx, err := buildClaimTx(out, wrong, destScript, 2, receiver)
	if err != nil {
		t.Fatalf("buildClaimTx: %v", err)
	}
	if err := executeSpend(t, tx, out); err == nil {
		t.Error("claim with wrong secret passed script validation")
	}
}

func TestBuildClaimTxRejectsDustySweep(t *testing.T) {
	receiver, sender := testKeys(t)
	secret, _ := testSecret()
	out, _ := testHTLCOutput(t, receiver, sender, 600)

	destScript, err := p2wpkhScript(receiver.PubKey(), &chaincfg.TestNet3Params)
	if err != nil {
		t.Fatalf("p2wpkhScript: %v", err)
	}
	if _, err := buildClaimTx(out, secret, destScript, 2, receiver); err == nil {
		t.Error("buildClaimTx accepted a value below fee plus dust")
	}
}

func TestBuildRefundTx(t *testing.T) {
	receiver, sender := testKeys(t)
	out, _ := testHTLCOutput(t, receiver, sender, 100_000)

	destScript, err := p2wpkhScript(sender.PubKey(), &chaincfg.TestNet3Params)
	if err != nil {
		t.Fatalf("p2wpkhScript: %v", err)
	}

	tx, err := buildRefundTx(out, 144, destScript, 2, sender)
	if err != nil {
		t.Fatalf("buildRefundTx: %v", err)
	}

	if tx.Version != 2 {
		t.Errorf("tx version = %d, want 2 for BIP 68", tx.Version)
	}
	if tx.TxIn[0].Sequence != 144 {
		t.Errorf("refund input sequence = %d, want 144", tx.TxIn[0].Sequence)
	}
	if err := executeSpend(t, tx, out); err != nil {
		t.Errorf("refund spend failed script validation: %v", err)
	}

	if _, err := buildRefundTx(out, 0, destScript, 2, sender); err == nil {
		t.Error("buildRefundTx accepted zero timeout")
	}
}

func TestBuildLockTx(t *testing.T) {
	receiver, sender := testKeys(t)
	_, secretHash := testSecret()

	htlc, err := NewHTLCScript(secretHash[:], receiver.PubKey(), sender.PubKey(), 144, &chaincfg.TestNet3Params)
	if err != nil {
		t.Fatalf("NewHTLCScript: %v", err)
	}

	var hash chainhash.Hash
	hash[0] = 0x7f
	funding := []lockFunding{{
		OutPoint: wire.OutPoint{Hash: hash, Index: 3},
		Value:    500_000,
	}}
	payload := LockPayload{}.Encode()

	tx, err := buildLockTx(htlc, 200_000, payload, funding, 2, sender, &chaincfg.TestNet3Params)
	if err != nil {
		t.Fatalf("buildLockTx: %v", err)
	}

	if len(tx.TxOut) != 3 {
		t.Fatalf("lock tx has %d outputs, want HTLC + OP_RETURN + change", len(tx.TxOut))
	}
	if tx.TxOut[0].Value != 200_000 {
		t.Errorf("HTLC output value = %d, want 200000", tx.TxOut[0].Value)
	}
	wantScript := BuildP2WSHScriptPubKey(htlc.Script)
	if string(tx.TxOut[0].PkScript) != string(wantScript) {
		t.Error("HTLC output script mismatch")
	}
	if tx.TxOut[1].Value != 0 || tx.TxOut[1].PkScript[0] != txscript.OP_RETURN {
		t.Error("second output is not the OP_RETURN tag")
	}
	fee := uint64(vsizeLockBase+vsizeLockPerInput) * 2
	if tx.TxOut[2].Value != int64(500_000-200_000-fee) {
		t.Errorf("change value = %d, want %d", tx.TxOut[2].Value, 500_000-200_000-fee)
	}

	// Verify the P2WPKH funding signature.
	changeScript, err := p2wpkhScript(sender.PubKey(), &chaincfg.TestNet3Params)
	if err != nil {
		t.Fatalf("p2wpkhScript: %v", err)
	}
	fetcher := txscript.NewCannedPrevOutputFetcher(changeScript, int64(funding[0].Value))
	sigHashes := txscript.NewTxSigHashes(tx, fetcher)
	vm, err := txscript.NewEngine(changeScript, tx, 0, txscript.StandardVerifyFlags, nil, sigHashes, int64(funding[0].Value), fetcher)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	if err := vm.Execute(); err != nil {
		t.Errorf("funding input failed script validation: %v", err)
	}
}

func TestBuildLockTxSkipsDustChange(t *testing.T) {
	receiver, sender := testKeys(t)
	_, secretHash := testSecret()

	htlc, err := NewHTLCScript(secretHash[:], receiver.PubKey(), sender.PubKey(), 144, &chaincfg.TestNet3Params)
	if err != nil {
		t.Fatalf("NewHTLCScript: %v", err)
	}

	fee := uint64(vsizeLockBase+vsizeLockPerInput) * 2
	funding := []lockFunding{{Value: 200_000 + fee + 100}}

	tx, err := buildLockTx(htlc, 200_000, LockPayload{}.Encode(), funding, 2, sender, &chaincfg.TestNet3Params)
	if err != nil {
		t.Fatalf("buildLockTx: %v", err)
	}
	if len(tx.TxOut) != 2 {
		t.Errorf("lock tx has %d outputs, want dust change dropped", len(tx.TxOut))
	}

	if _, err := buildLockTx(htlc, 200_000, LockPayload{}.Encode(), []lockFunding{{Value: 1000}}, 2, sender, &chaincfg.TestNet3Params); err == nil {
		t.Error("buildLockTx accepted insufficient funding")
	}
	if _, err := buildLockTx(htlc, 200_000, LockPayload{}.Encode(), nil, 2, sender, &chaincfg.TestNet3Params); err == nil {
		t.Error("buildLockTx accepted empty funding")
	}
}
