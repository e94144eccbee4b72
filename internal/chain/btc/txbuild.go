package btc

import (
	"bytes"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	btcecdsa "github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// Conservative vsize estimates, matching the witness shapes this package
// produces.
const (
	vsizeClaim  = 10 + 41 + 43 + 52 // base + input + output + discounted witness
	vsizeRefund = 10 + 41 + 43 + 44
	// Lock tx: base + n*P2WPKH inputs + HTLC output + OP_RETURN + change.
	vsizeLockBase     = 10 + 43 + 52 + 31
	vsizeLockPerInput = 68

	dustLimit = 546
)

// walletAddress returns the bech32 P2WPKH address for a compressed pubkey.
func walletAddress(pubKey *btcec.PublicKey, params *chaincfg.Params) (string, error) {
	addr, err := btcutil.NewAddressWitnessPubKeyHash(btcutil.Hash160(pubKey.SerializeCompressed()), params)
	if err != nil {
		return "", fmt.Errorf("failed to derive P2WPKH address: %w", err)
	}
	return addr.EncodeAddress(), nil
}

// p2wpkhScript returns the P2WPKH scriptPubKey for a compressed pubkey.
func p2wpkhScript(pubKey *btcec.PublicKey, params *chaincfg.Params) ([]byte, error) {
	addr, err := btcutil.NewAddressWitnessPubKeyHash(btcutil.Hash160(pubKey.SerializeCompressed()), params)
	if err != nil {
		return nil, fmt.Errorf("failed to derive P2WPKH address: %w", err)
	}
	return txscript.PayToAddrScript(addr)
}

// buildClaimTx spends an HTLC output through the claim path, paying the
// swept funds to destScript.
func buildClaimTx(out htlcOutput, secret []byte, destScript []byte, feeRate uint64, key *btcec.PrivateKey) (*wire.MsgTx, error) {
	if len(secret) != 32 {
		return nil, fmt.Errorf("secret must be 32 bytes, got %d", len(secret))
	}

	tx := wire.NewMsgTx(2)
	txIn := wire.NewTxIn(&out.OutPoint, nil, nil)
	txIn.Sequence = wire.MaxTxInSequenceNum
	tx.AddTxIn(txIn)

	fee := uint64(vsizeClaim) * feeRate
	if out.Value <= fee+dustLimit {
		return nil, fmt.Errorf("htlc value %d does not cover fee %d", out.Value, fee)
	}
	tx.AddTxOut(wire.NewTxOut(int64(out.Value-fee), destScript))

	sigBytes, err := signHTLCInput(tx, out, key)
	if err != nil {
		return nil, err
	}
	tx.TxIn[0].Witness = BuildClaimWitness(sigBytes, secret, out.Script)
	return tx, nil
}

// buildRefundTx spends an HTLC output through the refund path after its
// CSV timeout.
func buildRefundTx(out htlcOutput, timeoutBlocks uint32, destScript []byte, feeRate uint64, key *btcec.PrivateKey) (*wire.MsgTx, error) {
	if timeoutBlocks == 0 {
		return nil, fmt.Errorf("timeout blocks must be > 0")
	}

	// Version 2 is required for BIP 68 relative locktime.
	tx := wire.NewMsgTx(2)
	txIn := wire.NewTxIn(&out.OutPoint, nil, nil)
	txIn.Sequence = timeoutBlocks
	tx.AddTxIn(txIn)

	fee := uint64(vsizeRefund) * feeRate
	if out.Value <= fee+dustLimit {
		return nil, fmt.Errorf("htlc value %d does not cover fee %d", out.Value, fee)
	}
	tx.AddTxOut(wire.NewTxOut(int64(out.Value-fee), destScript))

	sigBytes, err := signHTLCInput(tx, out, key)
	if err != nil {
		return nil, err
	}
	tx.TxIn[0].Witness = BuildRefundWitness(sigBytes, out.Script)
	return tx, nil
}

// signHTLCInput computes the BIP 143 signature for input 0 spending the
// given HTLC output.
func signHTLCInput(tx *wire.MsgTx, out htlcOutput, key *btcec.PrivateKey) ([]byte, error) {
	p2wsh := BuildP2WSHScriptPubKey(out.Script)
	prevOutFetcher := txscript.NewCannedPrevOutputFetcher(p2wsh, int64(out.Value))
	sigHashes := txscript.NewTxSigHashes(tx, prevOutFetcher)

	sighash, err := txscript.CalcWitnessSigHash(out.Script, sigHashes, txscript.SigHashAll, tx, 0, int64(out.Value))
	if err != nil {
		return nil, fmt.Errorf("failed to compute sighash: %w", err)
	}
	sig := btcecdsa.Sign(key, sighash)
	return append(sig.Serialize(), byte(txscript.SigHashAll)), nil
}

// lockFunding is one wallet UTXO used to fund a lock transaction.
type lockFunding struct {
	OutPoint wire.OutPoint
	Value    uint64
}

// buildLockTx funds a new HTLC output from the relay's P2WPKH wallet
// UTXOs. Output order: HTLC, OP_RETURN metadata, change (if above dust).
func buildLockTx(
	htlc *HTLCScript,
	amount uint64,
	payload []byte,
	funding []lockFunding,
	feeRate uint64,
	key *btcec.PrivateKey,
	params *chaincfg.Params,
) (*wire.MsgTx, error) {
	if len(funding) == 0 {
		return nil, fmt.Errorf("no funding utxos")
	}

	tx := wire.NewMsgTx(2)
	var totalIn uint64
	for i := range funding {
		op := funding[i].OutPoint
		txIn := wire.NewTxIn(&op, nil, nil)
		txIn.Sequence = wire.MaxTxInSequenceNum
		tx.AddTxIn(txIn)
		totalIn += funding[i].Value
	}

	fee := uint64(vsizeLockBase+len(funding)*vsizeLockPerInput) * feeRate
	if totalIn < amount+fee {
		return nil, fmt.Errorf("funding %d does not cover amount %d plus fee %d", totalIn, amount, fee)
	}

	tx.AddTxOut(wire.NewTxOut(int64(amount), BuildP2WSHScriptPubKey(htlc.Script)))

	opReturn, err := BuildOpReturnScript(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to build OP_RETURN: %w", err)
	}
	tx.AddTxOut(wire.NewTxOut(0, opReturn))

	changeScript, err := p2wpkhScript(key.PubKey(), params)
	if err != nil {
		return nil, err
	}
	if change := totalIn - amount - fee; change > dustLimit {
		tx.AddTxOut(wire.NewTxOut(int64(change), changeScript))
	}

	// All funding inputs are our own P2WPKH outputs.
	prevOuts := make(map[wire.OutPoint]*wire.TxOut, len(funding))
	for _, f := range funding {
		prevOuts[f.OutPoint] = wire.NewTxOut(int64(f.Value), changeScript)
	}
	fetcher := txscript.NewMultiPrevOutFetcher(prevOuts)
	sigHashes := txscript.NewTxSigHashes(tx, fetcher)

	for i, f := range funding {
		witness, err := txscript.WitnessSignature(
			tx, sigHashes, i, int64(f.Value), changeScript,
			txscript.SigHashAll, key, true,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to sign input %d: %w", i, err)
		}
		tx.TxIn[i].Witness = witness
	}

	return tx, nil
}

// serializeTx renders a transaction as broadcast hex.
func serializeTx(tx *wire.MsgTx) (string, error) {
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return "", fmt.Errorf("failed to serialize tx: %w", err)
	}
	return hex.EncodeToString(buf.Bytes()), nil
}

// outPointFromStrings builds an outpoint from an esplora txid string.
func outPointFromStrings(txid string, vout uint32) (wire.OutPoint, error) {
	hash, err := chainhash.NewHashFromStr(txid)
	if err != nil {
		return wire.OutPoint{}, fmt.Errorf("invalid txid %q: %w", txid, err)
	}
	return wire.OutPoint{Hash: *hash, Index: vout}, nil
}
