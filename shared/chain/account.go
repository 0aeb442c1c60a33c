package chain

import (
	"crypto/ecdsa"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Account wraps a local signing key and its derived address.
type Account struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

// NewAccount parses a hex-encoded private key (with or without 0x prefix).
func NewAccount(hexKey string) (*Account, error) {
	hexKey = strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	if hexKey == "" {
		return nil, fmt.Errorf("private key is required")
	}
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return &Account{key: key, address: crypto.PubkeyToAddress(key.PublicKey)}, nil
}

// GenerateAccount creates a fresh random account. Used in tests and for
// ephemeral workers that do not need a stable wallet.
func GenerateAccount() (*Account, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return &Account{key: key, address: crypto.PubkeyToAddress(key.PublicKey)}, nil
}

// Address returns the account's checksummed address.
func (a *Account) Address() string {
	return a.address.Hex()
}

// SignRegister signs a registration message with this account's key.
func (a *Account) SignRegister(domain RegisterDomain, msg RegisterMessage) (string, error) {
	return SignRegister(a.key, domain, msg)
}
