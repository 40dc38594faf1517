package validation

import (
	"errors"
	"time"

	"github.com/ardanlabs/utxonode/foundation/blockchain/database"
	"github.com/ardanlabs/utxonode/foundation/blockchain/genesis"
	"github.com/ardanlabs/utxonode/foundation/blockchain/utxo"
)

// ParentContext carries what is known about the parent of a block being
// validated.
type ParentContext struct {
	Hash           database.Hash
	Height         uint64
	MedianTimePast uint64
	ExpectedBits   uint32
}

// CheckBlockSanity performs the checks that need nothing but the block and
// the chain parameters.
func CheckBlockSanity(block database.Block, params genesis.Genesis) error {
	hash := block.Hash()

	if len(block.Txs) == 0 {
		return NewRuleError(Malformed, ReasonMalformed, "block %s has no transactions", hash)
	}

	if size := block.Size(); size > params.MaxBlockWeight {
		return NewRuleError(ConsensusViolation, ReasonOversize, "block %s size %d above %d", hash, size, params.MaxBlockWeight)
	}

	if err := database.CheckProofOfWork(hash, block.Header.Bits, params.PowLimit()); err != nil {
		if errors.Is(err, database.ErrInsufficientWork) {
			return NewRuleError(ConsensusViolation, ReasonInsufficientWork, "block %s: %s", hash, err)
		}
		return NewRuleError(ConsensusViolation, ReasonBadDifficulty, "block %s: %s", hash, err)
	}

	if !block.Txs[0].IsCoinbase() {
		return NewRuleError(ConsensusViolation, ReasonBadCoinbase, "block %s first tx is not a coinbase", hash)
	}

	ids := make(map[database.Hash]struct{}, len(block.Txs))
	for i, tx := range block.Txs {
		if i > 0 && tx.IsCoinbase() {
			return NewRuleError(ConsensusViolation, ReasonBadCoinbase, "block %s has a second coinbase at %d", hash, i)
		}

		if err := CheckTxSanity(tx); err != nil {
			return err
		}

		id := tx.ID()
		if _, exists := ids[id]; exists {
			return NewRuleError(Malformed, ReasonMalformed, "block %s contains tx %s twice", hash, id)
		}
		ids[id] = struct{}{}
	}

	root, err := database.CalcMerkleRoot(block.Txs)
	if err != nil || root != block.Header.MerkleRoot {
		return NewRuleError(ConsensusViolation, ReasonBadMerkleRoot, "block %s merkle root mismatch", hash)
	}

	return nil
}

// CheckHeaderContext checks the header against its parent and local time.
func CheckHeaderContext(header database.BlockHeader, parent ParentContext, params genesis.Genesis, now time.Time) error {
	hash := header.Hash()

	if header.PrevBlockHash != parent.Hash {
		return NewRuleError(MissingReference, ReasonStaleReference, "block %s does not build on %s", hash, parent.Hash)
	}

	if header.Bits != parent.ExpectedBits {
		return NewRuleError(ConsensusViolation, ReasonBadDifficulty, "block %s bits %08x, expected %08x", hash, header.Bits, parent.ExpectedBits)
	}

	if header.TimeStamp <= parent.MedianTimePast {
		return NewRuleError(ConsensusViolation, ReasonBadTimestamp, "block %s timestamp %d not after median time past %d", hash, header.TimeStamp, parent.MedianTimePast)
	}

	if limit := uint64(now.Unix()) + params.MaxFutureBlockTime; header.TimeStamp > limit {
		return NewRuleError(ConsensusViolation, ReasonBadTimestamp, "block %s timestamp %d too far in the future", hash, header.TimeStamp)
	}

	return nil
}

// ConnectBlock checks every rule for the block and applies it to the view.
// The undo data and the total fees are returned. On error the view is left
// partially modified and must be discarded.
func ConnectBlock(block database.Block, parent ParentContext, view *utxo.View, params genesis.Genesis, now time.Time) (database.Undo, uint64, error) {
	if err := CheckBlockSanity(block, params); err != nil {
		return database.Undo{}, 0, err
	}

	if err := CheckHeaderContext(block.Header, parent, params, now); err != nil {
		return database.Undo{}, 0, err
	}

	hash := block.Hash()
	height := parent.Height + 1

	coinbase := block.Txs[0]
	if h, _ := coinbase.CoinbaseHeight(); h != height {
		return database.Undo{}, 0, NewRuleError(ConsensusViolation, ReasonBadCoinbase, "block %s coinbase commits to height %d, expected %d", hash, h, height)
	}

	undo := database.Undo{
		BlockHash: hash,
	}

	view.AddTx(coinbase, height)

	spent := make(map[database.OutPoint]struct{})

	var fees uint64
	for _, tx := range block.Txs[1:] {
		for _, in := range tx.Inputs {
			if _, exists := spent[in.PrevOut]; exists {
				return database.Undo{}, 0, NewRuleError(ConsensusViolation, ReasonDoubleSpend, "block %s spends %s twice", hash, in.PrevOut)
			}
		}

		// The parent state is fully known, so a missing input can never
		// show up later.
		fee, err := checkInputs(tx, view, height, params, ConsensusViolation)
		if err != nil {
			return database.Undo{}, 0, err
		}

		fees += fee
		if fees > database.MaxMoney {
			return database.Undo{}, 0, NewRuleError(ConsensusViolation, ReasonOverspend, "block %s fees out of range", hash)
		}

		for _, in := range tx.Inputs {
			u, err := view.Spend(in.PrevOut)
			if err != nil {
				return database.Undo{}, 0, NewRuleError(ConsensusViolation, ReasonStaleReference, "block %s: %s", hash, err)
			}
			spent[in.PrevOut] = struct{}{}
			undo.Spent = append(undo.Spent, database.SpentOutput{OutPoint: in.PrevOut, UTXO: u})
		}

		view.AddTx(tx, height)
	}

	reward, _ := coinbase.OutputTotal()
	if limit := params.CalcSubsidy(height) + fees; reward > limit {
		return database.Undo{}, 0, NewRuleError(ConsensusViolation, ReasonBadCoinbase, "block %s coinbase pays %d, limit %d", hash, reward, limit)
	}

	return undo, fees, nil
}

// ValidateBlock checks every rule for the block against the view without
// changing it and returns the total fees.
func ValidateBlock(block database.Block, parent ParentContext, view utxo.Source, params genesis.Genesis, now time.Time) (uint64, error) {
	_, fees, err := ConnectBlock(block, parent, utxo.NewView(view), params, now)
	return fees, err
}
