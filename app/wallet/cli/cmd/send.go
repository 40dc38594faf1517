package cmd

import (
	"bytes"
	"fmt"
	"net/http"

	"github.com/ardanlabs/utxonode/foundation/blockchain/database"
	"github.com/spf13/cobra"
)

var (
	to    string
	value uint64
	fee   uint64
	data  string
)

var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "Send transaction",
	RunE:  sendRun,
}

func init() {
	rootCmd.AddCommand(sendCmd)
	sendCmd.Flags().StringVarP(&to, "to", "t", "", "Address or name to send to.")
	sendCmd.Flags().Uint64VarP(&value, "value", "v", 0, "Value to send in base units.")
	sendCmd.Flags().Uint64VarP(&fee, "fee", "f", 1000, "Fee left for the miner.")
	sendCmd.Flags().StringVarP(&data, "data", "d", "", "Data to attach to the transaction.")
	sendCmd.MarkFlagRequired("to")
	sendCmd.MarkFlagRequired("value")
}

type submitResult struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

func sendRun(cmd *cobra.Command, args []string) error {
	privateKey, err := loadKey()
	if err != nil {
		return err
	}

	from := database.PublicKeyToAddress(privateKey.PublicKey)

	toAddr, err := database.ToAddress(to)
	if err != nil {
		return err
	}

	var coins []utxo
	if err := getJSON(fmt.Sprintf("/v1/utxos/%s", from), &coins); err != nil {
		return err
	}

	tx, err := buildTx(coins, from, toAddr, value, fee, []byte(data))
	if err != nil {
		return err
	}

	tx, err = tx.Sign(privateKey)
	if err != nil {
		return err
	}

	body, err := database.EncodeTx(tx)
	if err != nil {
		return err
	}

	resp, err := client.Post(url+"/v1/tx/submit", "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var result submitResult
	if err := decodeResponse(resp, &result); err != nil {
		return err
	}

	if resp.StatusCode == http.StatusAccepted {
		fmt.Println("Transaction held as orphan:", result.ID)
		return nil
	}

	fmt.Println("Transaction accepted:", result.ID)
	return nil
}
