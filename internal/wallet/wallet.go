// Package wallet derives the relay's signing keys from a BIP39 seed.
// One key per chain, derived at the chain's default BIP44/84 path, with
// Argon2id + AES-256-GCM for seed storage.
package wallet

import (
	"crypto/ecdsa"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/tyler-smith/go-bip39"

	"github.com/crosslock-labs/crosslock/internal/chain"
)

// Wallet manages HD keys derived from a BIP39 seed.
type Wallet struct {
	masterKey *hdkeychain.ExtendedKey
	network   chain.Network
	mu        sync.Mutex

	// Derived keys cached by path string
	cache map[string]*hdkeychain.ExtendedKey
}

// GenerateMnemonic generates a new 24-word BIP39 mnemonic.
func GenerateMnemonic() (string, error) {
	entropy, err := bip39.NewEntropy(256) // 256 bits = 24 words
	if err != nil {
		return "", fmt.Errorf("failed to generate entropy: %w", err)
	}

	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return "", fmt.Errorf("failed to generate mnemonic: %w", err)
	}

	return mnemonic, nil
}

// ValidateMnemonic checks if a mnemonic is valid.
func ValidateMnemonic(mnemonic string) bool {
	return bip39.IsMnemonicValid(mnemonic)
}

// NewFromMnemonic creates a wallet from a BIP39 mnemonic.
// The passphrase is optional (can be empty string).
func NewFromMnemonic(mnemonic, passphrase string, network chain.Network) (*Wallet, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, fmt.Errorf("invalid mnemonic")
	}

	seed := bip39.NewSeed(mnemonic, passphrase)

	return NewFromSeed(seed, network)
}

// NewFromSeed creates a wallet from a raw 64-byte seed.
func NewFromSeed(seed []byte, network chain.Network) (*Wallet, error) {
	// Master key magic bytes follow the Bitcoin network; per-chain params
	// only matter at address generation.
	params := &chaincfg.MainNetParams
	if network == chain.Testnet {
		params = &chaincfg.TestNet3Params
	}

	masterKey, err := hdkeychain.NewMaster(seed, params)
	if err != nil {
		return nil, fmt.Errorf("failed to create master key: %w", err)
	}

	return &Wallet{
		masterKey: masterKey,
		network:   network,
		cache:     make(map[string]*hdkeychain.ExtendedKey),
	}, nil
}

// Network returns the wallet's network (mainnet/testnet).
func (w *Wallet) Network() chain.Network {
	return w.network
}

// DeriveKey derives a key at the full path: m/purpose'/coin'/account'/change/index
func (w *Wallet) DeriveKey(purpose, coinType, account, change, index uint32) (*hdkeychain.ExtendedKey, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	cacheKey := fmt.Sprintf("m/%d'/%d'/%d'/%d/%d", purpose, coinType, account, change, index)
	if key, ok := w.cache[cacheKey]; ok {
		return key, nil
	}

	steps := []struct {
		name  string
		child uint32
	}{
		{"purpose", hdkeychain.HardenedKeyStart + purpose},
		{"coin", hdkeychain.HardenedKeyStart + coinType},
		{"account", hdkeychain.HardenedKeyStart + account},
		{"change", change},
		{"index", index},
	}

	key := w.masterKey
	for _, step := range steps {
		next, err := key.Derive(step.child)
		if err != nil {
			return nil, fmt.Errorf("failed to derive %s: %w", step.name, err)
		}
		key = next
	}

	w.cache[cacheKey] = key
	return key, nil
}

// DeriveKeyForChain derives a key for a chain at its default derivation
// path, using change=0 (external addresses).
func (w *Wallet) DeriveKeyForChain(symbol string, account, index uint32) (*hdkeychain.ExtendedKey, error) {
	params, ok := chain.Get(symbol, w.network)
	if !ok {
		return nil, fmt.Errorf("unsupported chain: %s", symbol)
	}

	return w.DeriveKey(params.DefaultPurpose, params.CoinType, account, 0, index)
}

// BitcoinKey derives the relay's Bitcoin signing key.
func (w *Wallet) BitcoinKey(account, index uint32) (*btcec.PrivateKey, error) {
	key, err := w.DeriveKeyForChain("BTC", account, index)
	if err != nil {
		return nil, err
	}

	privKey, err := key.ECPrivKey()
	if err != nil {
		return nil, fmt.Errorf("failed to get private key: %w", err)
	}

	return privKey, nil
}

// EVMKey derives the relay's EVM signing key.
func (w *Wallet) EVMKey(account, index uint32) (*ecdsa.PrivateKey, error) {
	key, err := w.DeriveKeyForChain("ETH", account, index)
	if err != nil {
		return nil, err
	}

	privKey, err := key.ECPrivKey()
	if err != nil {
		return nil, fmt.Errorf("failed to get private key: %w", err)
	}

	return privKey.ToECDSA(), nil
}

// BitcoinAddress returns the bech32 P2WPKH address of the relay's Bitcoin
// key.
func (w *Wallet) BitcoinAddress(account, index uint32) (string, error) {
	params, ok := chain.Get("BTC", w.network)
	if !ok {
		return "", fmt.Errorf("unsupported chain: BTC")
	}

	priv, err := w.BitcoinKey(account, index)
	if err != nil {
		return "", err
	}

	addr, err := btcutil.NewAddressWitnessPubKeyHash(
		btcutil.Hash160(priv.PubKey().SerializeCompressed()), params.BTCParams())
	if err != nil {
		return "", fmt.Errorf("failed to derive P2WPKH address: %w", err)
	}
	return addr.EncodeAddress(), nil
}

// EVMAddress returns the checksummed address of the relay's EVM key.
func (w *Wallet) EVMAddress(account, index uint32) (string, error) {
	priv, err := w.EVMKey(account, index)
	if err != nil {
		return "", err
	}
	return ethcrypto.PubkeyToAddress(priv.PublicKey).Hex(), nil
}

// DerivationPath returns the derivation path string for a chain.
func (w *Wallet) DerivationPath(symbol string, account, index uint32) (string, error) {
	params, ok := chain.Get(symbol, w.network)
	if !ok {
		return "", fmt.Errorf("unsupported chain: %s", symbol)
	}

	return params.DerivationPathString(account, 0, index), nil
}

// ClearCache drops all cached derived keys.
func (w *Wallet) ClearCache() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.cache = make(map[string]*hdkeychain.ExtendedKey)
}
