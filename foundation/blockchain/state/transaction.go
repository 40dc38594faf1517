package state

import (
	"context"
	"errors"
	"fmt"

	"github.com/ardanlabs/utxonode/foundation/blockchain/database"
	"github.com/ardanlabs/utxonode/foundation/blockchain/mempool"
	"github.com/ardanlabs/utxonode/foundation/blockchain/validation"
)

// SubmitTransaction decodes and processes a transaction provided by a local
// front end.
func (s *State) SubmitTransaction(ctx context.Context, data []byte) (database.Hash, error) {
	tx, err := database.DecodeTx(data)
	if err != nil {
		return database.Hash{}, validation.NewRuleError(validation.Malformed, validation.ReasonMalformed, "decoding tx: %s", err)
	}

	return tx.ID(), s.ProcessTx(ctx, tx, "")
}

// ProcessTx validates the transaction and adds it to the mempool. A
// transaction spending unknown outputs is held as an orphan and a
// MissingReference rule error is returned. Accepting a transaction retries
// the orphans waiting on it.
func (s *State) ProcessTx(ctx context.Context, tx database.Tx, origin string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	id := tx.ID()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.mempool.Has(id) || s.orphanTxs.Has(id) {
		return fmt.Errorf("%w: tx %s pending", ErrAlreadyHave, id)
	}

	// An unspent output of the transaction means it is already confirmed.
	for i := range tx.Outputs {
		if _, exists := s.chain.UTXO(database.NewOutPoint(id, uint32(i))); exists {
			return fmt.Errorf("%w: tx %s confirmed", ErrAlreadyHave, id)
		}
	}

	if err := s.acceptTx(tx, origin); err != nil {
		if validation.IsKind(err, validation.MissingReference) {
			if s.orphanTxs.Add(tx, origin) {
				s.evHandler("state: ProcessTx: tx[%s] held as orphan: %s", id, err)
			}
			s.metrics.setPools(s)
		}
		return err
	}

	s.acceptOrphanTxs(id)
	s.metrics.setPools(s)

	return nil
}

// acceptTx adds the transaction to the mempool and announces it. The caller
// must hold mu.
func (s *State) acceptTx(tx database.Tx, origin string) error {
	tip := s.chain.BestTip()

	desc, err := s.mempool.Accept(tx, s.chain.UTXOSet(), tip.Height+1, s.genesis)
	if err != nil {
		if errors.Is(err, mempool.ErrAlreadyKnown) {
			return fmt.Errorf("%w: %s", ErrAlreadyHave, err)
		}
		if !validation.IsKind(err, validation.MissingReference) {
			s.metrics.txRejected(err)
		}
		return err
	}

	s.evHandler("state: acceptTx: tx[%s] fee[%d] size[%d] mempool[%d]", desc.ID, desc.Fee, desc.Size, s.mempool.Count())
	s.metrics.txsAccepted.Inc()

	s.announceTx(desc.ID, origin)

	return nil
}

// acceptOrphanTxs retries the orphans spending outputs of the parent and,
// transitively, of every orphan accepted along the way. The caller must
// hold mu.
func (s *State) acceptOrphanTxs(parent database.Hash) {
	queue := []database.Hash{parent}

	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]

		for _, orphan := range s.orphanTxs.TakeChildren(id) {
			err := s.acceptTx(orphan.Tx, orphan.Origin)
			switch {
			case err == nil:
				queue = append(queue, orphan.Tx.ID())

			case validation.IsKind(err, validation.MissingReference):
				s.orphanTxs.Add(orphan.Tx, orphan.Origin)

			default:
				s.evHandler("state: acceptOrphanTxs: orphan tx[%s] rejected: %s", orphan.Tx.ID(), err)
			}
		}
	}
}
