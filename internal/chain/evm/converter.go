package evm

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/crosslock-labs/crosslock/internal/relay"
	"github.com/crosslock-labs/crosslock/pkg/helpers"
)

// Converter maps EVM addresses and hashes to the relay byte encoding.
type Converter struct{}

func (Converter) FormatAddress(raw []byte) (string, error) {
	if len(raw) != common.AddressLength {
		return "", fmt.Errorf("evm address is %d bytes, want %d", len(raw), common.AddressLength)
	}
	return common.BytesToAddress(raw).Hex(), nil
}

func (Converter) ParseAddress(addr string) ([]byte, error) {
	if !common.IsHexAddress(addr) {
		return nil, fmt.Errorf("invalid evm address %q", addr)
	}
	return common.HexToAddress(addr).Bytes(), nil
}

func (Converter) FormatHash(h relay.HashLock) string {
	return common.Hash(h).Hex()
}

func (Converter) ParseHash(s string) (relay.HashLock, error) {
	b, err := helpers.HexToBytes(s)
	if err != nil {
		return relay.HashLock{}, fmt.Errorf("invalid hash %q: %w", s, err)
	}
	if len(b) != common.HashLength {
		return relay.HashLock{}, fmt.Errorf("hash is %d bytes, want %d", len(b), common.HashLength)
	}
	return relay.HashLock(common.BytesToHash(b)), nil
}
