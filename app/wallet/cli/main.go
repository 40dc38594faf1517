// This program is a wallet for the node. Keys stay local and transactions
// are signed before they are submitted.
package main

import "github.com/ardanlabs/utxonode/app/wallet/cli/cmd"

func main() {
	cmd.Execute()
}
