package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/ardanlabs/utxonode/foundation/blockchain/database"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/spf13/cobra"
)

var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate new key pair",
	RunE:  generateRun,
}

func init() {
	rootCmd.AddCommand(generateCmd)
}

func generateRun(cmd *cobra.Command, args []string) error {
	path := getPrivateKeyPath()

	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("key %s already exists", path)
	} else if !errors.Is(err, os.ErrNotExist) {
		return err
	}

	privateKey, err := crypto.GenerateKey()
	if err != nil {
		return err
	}

	if err := crypto.SaveECDSA(path, privateKey); err != nil {
		return err
	}

	fmt.Println(database.PublicKeyToAddress(privateKey.PublicKey))
	return nil
}
