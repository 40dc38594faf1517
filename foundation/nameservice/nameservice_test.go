package nameservice_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ardanlabs/utxonode/foundation/blockchain/database"
	"github.com/ardanlabs/utxonode/foundation/nameservice"
	"github.com/ethereum/go-ethereum/crypto"
)

// Success and failure markers.
const (
	success = "\u2713"
	failed  = "\u2717"
)

func Test_Lookup(t *testing.T) {
	t.Log("Given the need to name the addresses of local keys.")
	{
		testID := 0
		t.Logf("\tTest %d:\tWhen the folder holds a key and another file.", testID)
		{
			dir := t.TempDir()

			key, err := crypto.GenerateKey()
			if err != nil {
				t.Fatalf("\t%s\tTest %d:\tShould be able to generate a key: %v", failed, testID, err)
			}

			if err := crypto.SaveECDSA(filepath.Join(dir, "miner1.ecdsa"), key); err != nil {
				t.Fatalf("\t%s\tTest %d:\tShould be able to save the key: %v", failed, testID, err)
			}

			if err := os.WriteFile(filepath.Join(dir, "README"), []byte("keys"), 0600); err != nil {
				t.Fatalf("\t%s\tTest %d:\tShould be able to write a file: %v", failed, testID, err)
			}

			ns, err := nameservice.New(dir)
			if err != nil {
				t.Fatalf("\t%s\tTest %d:\tShould be able to load the folder: %v", failed, testID, err)
			}
			t.Logf("\t%s\tTest %d:\tShould be able to load the folder.", success, testID)

			addr := database.PublicKeyToAddress(key.PublicKey)

			if ns.Lookup(addr) != "miner1" {
				t.Fatalf("\t%s\tTest %d:\tShould name the address, got %s.", failed, testID, ns.Lookup(addr))
			}

			if got, exists := ns.Address("miner1"); !exists || got != addr {
				t.Fatalf("\t%s\tTest %d:\tShould resolve the name.", failed, testID)
			}
			t.Logf("\t%s\tTest %d:\tShould resolve names both ways.", success, testID)

			other := database.Address("0xF01813E4B85e178A83e29B8E7bF26BD830a25f32")
			if ns.Lookup(other) != string(other) || len(ns.Copy()) != 1 {
				t.Fatalf("\t%s\tTest %d:\tShould return unknown addresses unchanged.", failed, testID)
			}
			t.Logf("\t%s\tTest %d:\tShould return unknown addresses unchanged.", success, testID)
		}
	}
}
