package private

import (
	"errors"

	"github.com/ardanlabs/utxonode/foundation/blockchain/database"
	"github.com/ardanlabs/utxonode/foundation/blockchain/peer"
	"github.com/ardanlabs/utxonode/foundation/blockchain/relay"
)

var errNoWorker = errors.New("worker not running")

type tipInfo struct {
	Hash   database.Hash `json:"hash"`
	Height uint64        `json:"height"`
	Work   string        `json:"work"`
	Best   bool          `json:"best"`
}

type peersInfo struct {
	Connected []relay.PeerInfo `json:"connected"`
	Known     []peer.Peer      `json:"known"`
}

type newPeer struct {
	Host string `json:"host" validate:"required,hostname_port"`
}
