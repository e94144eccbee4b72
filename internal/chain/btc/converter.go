package btc

import (
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg"

	"github.com/crosslock-labs/crosslock/internal/relay"
)

// Converter maps Bitcoin-native values to the relay byte encoding.
// Addresses travel as compressed public keys (the recipient identity in
// HTLC scripts) and render as bech32 P2WPKH addresses.
type Converter struct {
	Params *chaincfg.Params
}

func (c Converter) FormatAddress(raw []byte) (string, error) {
	pubKey, err := btcec.ParsePubKey(raw)
	if err != nil {
		return "", fmt.Errorf("invalid pubkey: %w", err)
	}
	return walletAddress(pubKey, c.params())
}

// ParseAddress accepts a hex compressed public key, the chain-native
// recipient identity. Bech32 addresses cannot be used: an address is a
// key hash and the HTLC script needs the key itself.
func (c Converter) ParseAddress(addr string) ([]byte, error) {
	raw, err := hex.DecodeString(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid pubkey hex %q: %w", addr, err)
	}
	if _, err := btcec.ParsePubKey(raw); err != nil {
		return nil, fmt.Errorf("invalid pubkey %q: %w", addr, err)
	}
	return raw, nil
}

func (c Converter) FormatHash(h relay.HashLock) string {
	return h.Hex()
}

func (c Converter) ParseHash(s string) (relay.HashLock, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return relay.HashLock{}, fmt.Errorf("invalid hash %q: %w", s, err)
	}
	if len(raw) != 32 {
		return relay.HashLock{}, fmt.Errorf("hash is %d bytes, want 32", len(raw))
	}
	var h relay.HashLock
	copy(h[:], raw)
	return h, nil
}

func (c Converter) params() *chaincfg.Params {
	if c.Params != nil {
		return c.Params
	}
	return &chaincfg.MainNetParams
}
