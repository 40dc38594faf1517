// Package nameservice reads the zblock/accounts folder and creates a name
// service lookup for the addresses of the keys found there.
package nameservice

import (
	"fmt"
	"io/fs"
	"path"
	"path/filepath"
	"strings"

	"github.com/ardanlabs/utxonode/foundation/blockchain/database"
	"github.com/ethereum/go-ethereum/crypto"
)

// NameService maintains a map of addresses for name lookup.
type NameService struct {
	names map[database.Address]string
	addrs map[string]database.Address
}

// New constructs a name service with the addresses of the .ecdsa key files
// found under root. The file name is the name of the address.
func New(root string) (*NameService, error) {
	ns := NameService{
		names: make(map[database.Address]string),
		addrs: make(map[string]database.Address),
	}

	fn := func(fileName string, d fs.DirEntry, err error) error {
		if err != nil {
			return fmt.Errorf("walkdir failure: %w", err)
		}

		if d.IsDir() || path.Ext(fileName) != ".ecdsa" {
			return nil
		}

		privateKey, err := crypto.LoadECDSA(fileName)
		if err != nil {
			return fmt.Errorf("loading %s: %w", fileName, err)
		}

		addr := database.PublicKeyToAddress(privateKey.PublicKey)
		name := strings.TrimSuffix(path.Base(fileName), ".ecdsa")

		ns.names[addr] = name
		ns.addrs[name] = addr

		return nil
	}

	if err := filepath.WalkDir(root, fn); err != nil {
		return nil, fmt.Errorf("walking directory: %w", err)
	}

	return &ns, nil
}

// Lookup returns the name for the specified address. An unknown address is
// returned as is.
func (ns *NameService) Lookup(addr database.Address) string {
	name, exists := ns.names[addr]
	if !exists {
		return string(addr)
	}
	return name
}

// Address returns the address registered under the name.
func (ns *NameService) Address(name string) (database.Address, bool) {
	addr, exists := ns.addrs[name]
	return addr, exists
}

// Copy returns a copy of the map of addresses and names.
func (ns *NameService) Copy() map[database.Address]string {
	cpy := make(map[database.Address]string, len(ns.names))
	for addr, name := range ns.names {
		cpy[addr] = name
	}
	return cpy
}
