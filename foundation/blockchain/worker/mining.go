package worker

import (
	"context"
	"errors"
	"time"

	"github.com/ardanlabs/utxonode/foundation/blockchain/state"
	"golang.org/x/sync/errgroup"
)

// Reasons a mining operation stops before a block is solved.
var (
	errMiningCancelled = errors.New("mining cancelled")
	errShutdown        = errors.New("worker shutting down")
)

// miningOperations handles mining.
func (w *Worker) miningOperations() {
	w.evHandler("worker: miningOperations: G started")
	defer w.evHandler("worker: miningOperations: G completed")

	for {
		select {
		case <-w.startMining:
			if !w.isShutdown() {
				w.runMiningOperation()
			}
		case <-w.shut:
			w.evHandler("worker: miningOperations: received shut signal")
			return
		}
	}
}

// runMiningOperation builds a block from the mempool on top of the best tip
// and solves it. A new tip cancels the operation.
func (w *Worker) runMiningOperation() {
	w.evHandler("worker: runMiningOperation: MINING: started")
	defer w.evHandler("worker: runMiningOperation: MINING: completed")

	// A cancel left over from the previous tip does not apply to this run.
	select {
	case <-w.cancelMining:
		w.evHandler("worker: runMiningOperation: MINING: drained cancel channel")
	default:
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)

	// The watcher ends the run when a new tip arrives or the worker stops.
	// Returning an error cancels gctx, which stops the proof of work.
	g.Go(func() error {
		select {
		case <-w.cancelMining:
			return errMiningCancelled
		case <-w.shut:
			return errShutdown
		case <-gctx.Done():
			return nil
		}
	})

	g.Go(func() error {
		defer cancel()

		start := time.Now()
		block, err := w.state.MineNewBlock(gctx)
		w.evHandler("worker: runMiningOperation: MINING: mining duration[%v]", time.Since(start))

		switch {
		case err == nil:
			// The state announced the block and signaled mining on top of it.
			w.evHandler("worker: runMiningOperation: MINING: SOLVED: blk[%s] txs[%d]", block.Hash(), len(block.Txs))

		case errors.Is(err, state.ErrNoTransactions):
			w.evHandler("worker: runMiningOperation: MINING: WARNING: no transactions in mempool")

		case gctx.Err() != nil:
			// The watcher reports why.

		default:
			w.evHandler("worker: runMiningOperation: MINING: ERROR: %s", err)
		}

		return nil
	})

	if err := g.Wait(); err != nil {
		w.evHandler("worker: runMiningOperation: MINING: CANCEL: %s", err)
	}
}
