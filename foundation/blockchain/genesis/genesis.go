// Package genesis maintains access to the genesis file and the consensus
// parameters of the chain.
package genesis

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"os"
	"sort"
	"time"

	"github.com/ardanlabs/utxonode/foundation/blockchain/database"
)

// DefaultPath is the location of the genesis file used by the node.
const DefaultPath = "zblock/genesis.json"

// Genesis represents the genesis file.
type Genesis struct {
	Date               time.Time         `json:"date"`
	ChainID            uint16            `json:"chain_id"`              // The chain id represents an unique id for this running instance.
	Magic              uint32            `json:"magic"`                 // Network magic that starts every p2p message.
	Bits               uint32            `json:"bits"`                  // Compact target of the genesis block.
	PowLimitBits       uint32            `json:"pow_limit_bits"`        // Easiest target a block can use.
	Nonce              uint64            `json:"nonce"`                 // Nonce of the genesis block.
	TargetSpacing      uint64            `json:"target_spacing"`        // Expected seconds between blocks.
	RetargetInterval   uint64            `json:"retarget_interval"`     // Number of blocks between difficulty adjustments.
	NoRetarget         bool              `json:"no_retarget"`           // Keep the difficulty constant.
	Subsidy            uint64            `json:"subsidy"`               // Reward for mining a block before any halving.
	HalvingInterval    uint64            `json:"halving_interval"`      // Number of blocks between subsidy halvings.
	CoinbaseMaturity   uint64            `json:"coinbase_maturity"`     // Confirmations before a coinbase output can be spent.
	MaxBlockWeight     int               `json:"max_block_weight"`      // Maximum encoded size of a block.
	MaxFutureBlockTime uint64            `json:"max_future_block_time"` // Seconds a block timestamp may be ahead of local time.
	MedianTimeSpan     int               `json:"median_time_span"`      // Number of blocks used for median time past.
	Allocations        map[string]uint64 `json:"allocations"`           // Outputs paid by the genesis coinbase.
}

// =============================================================================

// Load opens and consumes the genesis file from the default location.
func Load() (Genesis, error) {
	return LoadFile(DefaultPath)
}

// LoadFile opens and consumes the specified genesis file.
func LoadFile(path string) (Genesis, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return Genesis{}, err
	}

	var genesis Genesis
	err = json.Unmarshal(content, &genesis)
	if err != nil {
		return Genesis{}, err
	}

	if err := genesis.Validate(); err != nil {
		return Genesis{}, fmt.Errorf("genesis file %s: %w", path, err)
	}

	return genesis, nil
}

// Validate checks the parameters are usable.
func (g Genesis) Validate() error {
	if database.CompactToBig(g.PowLimitBits).Sign() <= 0 {
		return errors.New("pow limit must be positive")
	}

	if database.CompactToBig(g.Bits).Cmp(g.PowLimit()) > 0 {
		return errors.New("genesis bits above the pow limit")
	}

	if !g.NoRetarget && (g.RetargetInterval == 0 || g.TargetSpacing == 0) {
		return errors.New("retarget interval and target spacing are required")
	}

	if g.MaxBlockWeight <= 0 {
		return errors.New("max block weight must be positive")
	}

	if g.MedianTimeSpan <= 0 {
		return errors.New("median time span must be positive")
	}

	for addr := range g.Allocations {
		if _, err := database.ToAddress(addr); err != nil {
			return fmt.Errorf("allocation %q: %w", addr, err)
		}
	}

	return nil
}

// PowLimit returns the easiest target allowed.
func (g Genesis) PowLimit() *big.Int {
	return database.CompactToBig(g.PowLimitBits)
}

// TargetTimespan returns the number of seconds a retarget interval should take.
func (g Genesis) TargetTimespan() uint64 {
	return g.TargetSpacing * g.RetargetInterval
}

// CalcSubsidy returns the block reward for the specified height.
func (g Genesis) CalcSubsidy(height uint64) uint64 {
	if g.HalvingInterval == 0 {
		return g.Subsidy
	}

	halvings := height / g.HalvingInterval
	if halvings >= 64 {
		return 0
	}

	return g.Subsidy >> halvings
}

// Block constructs the genesis block. The coinbase pays the allocations in
// address order so the genesis hash is deterministic.
func (g Genesis) Block() (database.Block, error) {
	addrs := make([]string, 0, len(g.Allocations))
	for addr := range g.Allocations {
		addrs = append(addrs, addr)
	}
	sort.Strings(addrs)

	outputs := make([]database.TxOut, 0, len(addrs))
	for _, a := range addrs {
		addr, err := database.ToAddress(a)
		if err != nil {
			return database.Block{}, err
		}
		outputs = append(outputs, database.TxOut{Value: g.Allocations[a], Address: addr})
	}

	coinbase := database.NewCoinbaseTx(0, outputs, []byte(fmt.Sprintf("chain %d", g.ChainID)))

	root, err := database.CalcMerkleRoot([]database.Tx{coinbase})
	if err != nil {
		return database.Block{}, err
	}

	block := database.Block{
		Header: database.BlockHeader{
			Version:    1,
			MerkleRoot: root,
			TimeStamp:  uint64(g.Date.Unix()),
			Bits:       g.Bits,
			Nonce:      g.Nonce,
		},
		Txs: []database.Tx{coinbase},
	}

	return block, nil
}
