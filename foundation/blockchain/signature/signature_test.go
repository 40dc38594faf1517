package signature_test

import (
	"testing"

	"github.com/ardanlabs/utxonode/foundation/blockchain/signature"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

const (
	pkHexKey = "fae85851bdf5c9f49923722ce38f3c1defcfd3619ef5453230a58ad805499959"
	from     = "0xdd6B972ffcc631a62CAE1BB9d80b7ff429c8ebA4"
)

// =============================================================================

func Test_Signing(t *testing.T) {
	value := struct {
		Name string
	}{
		Name: "Bill",
	}

	pk, err := crypto.HexToECDSA(pkHexKey)
	if err != nil {
		t.Fatalf("Should be able to generate a private key: %s", err)
	}

	sig, err := signature.Sign(value, pk)
	if err != nil {
		t.Fatalf("Should be able to sign data: %s", err)
	}

	if len(sig) != signature.SignatureLength {
		t.Fatalf("Should get back a %d byte signature, got %d.", signature.SignatureLength, len(sig))
	}

	if err := signature.VerifySignature(sig); err != nil {
		t.Fatalf("Should be able to verify the signature: %s", err)
	}

	addr, err := signature.FromAddress(value, sig)
	if err != nil {
		t.Fatalf("Should be able to generate from address: %s", err)
	}

	if from != addr {
		t.Logf("got: %s", addr)
		t.Logf("exp: %s", from)
		t.Fatalf("Should get back the right address.")
	}
}

func Test_Tampered(t *testing.T) {
	value := struct {
		Name string
	}{
		Name: "Bill",
	}

	pk, err := crypto.HexToECDSA(pkHexKey)
	if err != nil {
		t.Fatalf("Should be able to generate a private key: %s", err)
	}

	sig, err := signature.Sign(value, pk)
	if err != nil {
		t.Fatalf("Should be able to sign data: %s", err)
	}

	other := struct {
		Name string
	}{
		Name: "Jill",
	}

	addr, err := signature.FromAddress(other, sig)
	if err == nil && addr == from {
		t.Fatalf("Should not recover the signer address for different data.")
	}

	bad := make([]byte, len(sig))
	copy(bad, sig)
	bad[64] = 7
	if err := signature.VerifySignature(bad); err == nil {
		t.Fatalf("Should reject a signature with a bad recovery id.")
	}

	if err := signature.VerifySignature(sig[:10]); err == nil {
		t.Fatalf("Should reject a short signature.")
	}
}

func Test_Hash(t *testing.T) {
	value := struct {
		Name string
	}{
		Name: "Bill",
	}
	hash := "0x0f6887ac85101d6d6425a617edf35bd721b5f619fb92c36c3d2224e3bdb0ee5a"

	h := signature.Hash(value)
	if got := hexutil.Encode(h[:]); got != hash {
		t.Logf("got: %s", got)
		t.Logf("exp: %s", hash)
		t.Fatalf("Should get back the right hash: %s", got[:6])
	}

	h2 := signature.Hash(value)
	if h != h2 {
		t.Logf("got: %x", h2)
		t.Logf("exp: %x", h)
		t.Fatalf("Should get back the same hash twice.")
	}
}

func Test_SignConsistency(t *testing.T) {
	value1 := struct {
		Name string
	}{
		Name: "Bill",
	}
	value2 := struct {
		Name string
	}{
		Name: "Jill",
	}

	pk, err := crypto.HexToECDSA(pkHexKey)
	if err != nil {
		t.Fatalf("Should be able to generate a private key: %s", err)
	}

	sig1, err := signature.Sign(value1, pk)
	if err != nil {
		t.Fatalf("Should be able to sign data: %s", err)
	}

	addr1, err := signature.FromAddress(value1, sig1)
	if err != nil {
		t.Fatalf("Should be able to generate an address: %s", err)
	}

	sig2, err := signature.Sign(value2, pk)
	if err != nil {
		t.Fatalf("Should be able to sign data: %s", err)
	}

	addr2, err := signature.FromAddress(value2, sig2)
	if err != nil {
		t.Fatalf("Should be able to generate an address: %s", err)
	}

	if addr1 != addr2 {
		t.Errorf("Got: %s", addr1)
		t.Errorf("Got: %s", addr2)
		t.Fatalf("Should have the same address.")
	}
}
