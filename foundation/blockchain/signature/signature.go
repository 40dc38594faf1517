// Package signature provides helper functions for handling the blockchain
// signature needs.
package signature

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/crypto"
)

// utxoID is an arbitrary number for signing messages. This will make it
// clear that the signature comes from this blockchain.
// Ethereum and Bitcoin do this as well, but they use the value of 27.
const utxoID = 29

// SignatureLength is the size of a signature in the [R|S|V] format.
const SignatureLength = crypto.SignatureLength

// =============================================================================

// Hash returns a unique 32 byte hash for the value. The value is marshaled
// to JSON first so field order is fixed by the struct definition.
func Hash(value any) [32]byte {
	data, err := json.Marshal(value)
	if err != nil {
		return [32]byte{}
	}

	return sha256.Sum256(data)
}

// DoubleHash returns the sha256 of the sha256 of the specified bytes.
func DoubleHash(data []byte) [32]byte {
	first := sha256.Sum256(data)
	return sha256.Sum256(first[:])
}

// Sign uses the specified private key to sign the data. The signature is
// returned in the [R|S|V] format with the utxo id embedded in V.
func Sign(value any, privateKey *ecdsa.PrivateKey) ([]byte, error) {

	// Prepare the data for signing.
	data, err := stamp(value)
	if err != nil {
		return nil, err
	}

	// Sign the hash with the private key to produce a signature.
	sig, err := crypto.Sign(data, privateKey)
	if err != nil {
		return nil, err
	}

	// Extract the public key from the data and the signature.
	publicKey, err := crypto.SigToPub(data, sig)
	if err != nil {
		return nil, err
	}

	// Check the public key extracted from the data and signature.
	rs := sig[:crypto.RecoveryIDOffset]
	if !crypto.VerifySignature(crypto.FromECDSAPub(publicKey), data, rs) {
		return nil, errors.New("invalid signature")
	}

	sig[crypto.RecoveryIDOffset] += utxoID

	return sig, nil
}

// VerifySignature verifies the signature conforms to our standards.
func VerifySignature(sig []byte) error {
	if len(sig) != SignatureLength {
		return errors.New("invalid signature length")
	}

	// Check the recovery id is either 0 or 1.
	v := sig[crypto.RecoveryIDOffset] - utxoID
	if v != 0 && v != 1 {
		return errors.New("invalid recovery id")
	}

	r := new(big.Int).SetBytes(sig[:32])
	s := new(big.Int).SetBytes(sig[32:64])

	// Check the signature values are valid.
	if !crypto.ValidateSignatureValues(v, r, s, true) {
		return errors.New("invalid signature values")
	}

	return nil
}

// FromAddress extracts the address for the account that signed the data.
func FromAddress(value any, sig []byte) (string, error) {
	if err := VerifySignature(sig); err != nil {
		return "", err
	}

	// NOTE: If the same exact data for the given signature is not provided
	// we will get the wrong from address for this transaction. The caller
	// must compare the result with the address that owns the funds.

	// Prepare the data for public key extraction.
	data, err := stamp(value)
	if err != nil {
		return "", err
	}

	// Remove the utxo id so the crypto package sees a raw recovery id.
	raw := make([]byte, SignatureLength)
	copy(raw, sig)
	raw[crypto.RecoveryIDOffset] -= utxoID

	// Capture the public key associated with this data and signature.
	publicKey, err := crypto.SigToPub(data, raw)
	if err != nil {
		return "", err
	}

	// Extract the account address from the public key.
	return crypto.PubkeyToAddress(*publicKey).String(), nil
}

// =============================================================================

// stamp returns a hash of 32 bytes that represents this data with
// the utxo stamp embedded into the final hash.
func stamp(value any) ([]byte, error) {

	// Marshal the data.
	v, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}

	// Hash the data data into a 32 byte array. This will provide
	// a data length consistency with all data.
	txHash := crypto.Keccak256(v)

	// Convert the stamp into a slice of bytes. This stamp is
	// used so signatures we produce when signing data
	// are always unique to this blockchain.
	stamp := []byte("\x19UTXO Signed Message:\n32")

	// Hash the stamp and txHash together in a final 32 byte array
	// that represents the data.
	data := crypto.Keccak256(stamp, txHash)

	return data, nil
}
