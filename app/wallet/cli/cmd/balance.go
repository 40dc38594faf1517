package cmd

import (
	"fmt"

	"github.com/ardanlabs/utxonode/foundation/blockchain/database"
	"github.com/spf13/cobra"
)

type balance struct {
	Address string `json:"address"`
	Name    string `json:"name"`
	Balance uint64 `json:"balance"`
	Pending uint64 `json:"pending_spend"`
	UTXOs   int    `json:"utxos"`
	Tip     string `json:"tip"`
}

var balanceCmd = &cobra.Command{
	Use:   "balance",
	Short: "Print your balance.",
	RunE:  balanceRun,
}

func init() {
	rootCmd.AddCommand(balanceCmd)
}

func balanceRun(cmd *cobra.Command, args []string) error {
	privateKey, err := loadKey()
	if err != nil {
		return err
	}

	addr := database.PublicKeyToAddress(privateKey.PublicKey)

	var bal balance
	if err := getJSON(fmt.Sprintf("/v1/balance/%s", addr), &bal); err != nil {
		return err
	}

	fmt.Println("Address:", bal.Address)
	fmt.Println("Balance:", bal.Balance)
	if bal.Pending > 0 {
		fmt.Println("Pending spend:", bal.Pending)
	}
	fmt.Println("Outputs:", bal.UTXOs)
	fmt.Println("Tip:", bal.Tip)

	return nil
}
