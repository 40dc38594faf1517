package database

import (
	"crypto/ecdsa"
	"errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Address represents an account address that can own outputs. Outputs are
// locked to an address and unlocked by a signature recovering to it.
type Address string

// ToAddress converts a hex-encoded string to an address and validates the
// hex-encoded string is formatted correctly. The address is returned in its
// checksummed form so two spellings of the same address compare equal.
func ToAddress(hex string) (Address, error) {
	if !common.IsHexAddress(hex) {
		return "", errors.New("invalid address format")
	}

	return Address(common.HexToAddress(hex).String()), nil
}

// PublicKeyToAddress converts the public key to an address value.
func PublicKeyToAddress(pk ecdsa.PublicKey) Address {
	return Address(crypto.PubkeyToAddress(pk).String())
}

// IsAddress verifies whether the underlying data represents a valid
// checksummed hex-encoded address.
func (a Address) IsAddress() bool {
	if !common.IsHexAddress(string(a)) {
		return false
	}

	return common.HexToAddress(string(a)).String() == string(a)
}
