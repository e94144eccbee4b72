// Package chain defines chain parameters and derivation paths for the
// networks the relay can bridge. All chain-specific values are hardcoded
// here - no external configuration needed.
package chain

import (
	"fmt"

	"github.com/btcsuite/btcd/chaincfg"
)

// Network represents mainnet or testnet.
type Network string

const (
	Mainnet Network = "mainnet"
	Testnet Network = "testnet"
)

// ChainType represents the blockchain family.
type ChainType string

const (
	ChainTypeBitcoin ChainType = "bitcoin" // BTC and forks
	ChainTypeEVM     ChainType = "evm"     // Ethereum and EVM chains
)

// Params contains all parameters for a blockchain.
type Params struct {
	// Identity
	Symbol   string    // BTC, ETH, etc.
	Name     string    // Bitcoin, Ethereum, etc.
	Type     ChainType // bitcoin, evm
	Decimals uint8     // 8 for BTC, 18 for ETH

	// BIP44 derivation
	CoinType       uint32 // BIP44 coin type (0=BTC, 60=ETH)
	DefaultPurpose uint32 // 44 or 84

	// Network params (Bitcoin-like)
	PubKeyHashAddrID byte   // Address prefix for P2PKH
	ScriptHashAddrID byte   // Address prefix for P2SH
	Bech32HRP        string // Bech32 human-readable prefix
	WIF              byte   // Private key prefix

	// BIP32 HD key magic bytes (for xpub/xprv serialization)
	HDPrivateKeyID [4]byte
	HDPublicKeyID  [4]byte

	// EVM params
	ChainID uint64 // EVM chain ID
}

// DerivationPath returns the BIP44/84 derivation path for this chain.
// Format: m/purpose'/coin'/account'/change/index
func (p *Params) DerivationPath(account, change, index uint32) []uint32 {
	return []uint32{
		p.DefaultPurpose + 0x80000000, // purpose' (hardened)
		p.CoinType + 0x80000000,       // coin_type' (hardened)
		account + 0x80000000,          // account' (hardened)
		change,                        // change (0=external, 1=internal)
		index,                         // address_index
	}
}

// DerivationPathString returns the derivation path as a string.
func (p *Params) DerivationPathString(account, change, index uint32) string {
	return fmt.Sprintf("m/%d'/%d'/%d'/%d/%d",
		p.DefaultPurpose, p.CoinType, account, change, index)
}

// BTCParams returns the btcd chaincfg parameters matching this chain.
// Only valid for ChainTypeBitcoin.
func (p *Params) BTCParams() *chaincfg.Params {
	if p.Bech32HRP == "tb" {
		return &chaincfg.TestNet3Params
	}
	return &chaincfg.MainNetParams
}

// Registry holds all chain parameters indexed by symbol.
var registry = make(map[string]map[Network]*Params)

// Register adds chain params to the registry.
func Register(symbol string, network Network, params *Params) {
	if registry[symbol] == nil {
		registry[symbol] = make(map[Network]*Params)
	}
	registry[symbol][network] = params
}

// Get returns chain params for a symbol and network.
func Get(symbol string, network Network) (*Params, bool) {
	nets, ok := registry[symbol]
	if !ok {
		return nil, false
	}
	params, ok := nets[network]
	return params, ok
}

// IsSupported returns true if the chain is registered.
func IsSupported(symbol string) bool {
	_, ok := registry[symbol]
	return ok
}

// GetByChainID returns chain params for an EVM chain ID.
func GetByChainID(chainID uint64, network Network) (*Params, bool) {
	for _, nets := range registry {
		if params, ok := nets[network]; ok {
			if params.Type == ChainTypeEVM && params.ChainID == chainID {
				return params, true
			}
		}
	}
	return nil, false
}
