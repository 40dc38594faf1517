// Package public maintains the group of handlers for public access.
package public

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/ardanlabs/utxonode/business/web/errs"
	"github.com/ardanlabs/utxonode/foundation/blockchain/database"
	"github.com/ardanlabs/utxonode/foundation/blockchain/state"
	"github.com/ardanlabs/utxonode/foundation/blockchain/validation"
	"github.com/ardanlabs/utxonode/foundation/events"
	"github.com/ardanlabs/utxonode/foundation/nameservice"
	"github.com/ardanlabs/utxonode/foundation/web"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Handlers manages the set of public node endpoints.
type Handlers struct {
	Log   *zap.SugaredLogger
	State *state.State
	NS    *nameservice.NameService
	WS    websocket.Upgrader
	Evts  *events.Events
}

// Events handles a web socket to provide events to a client.
func (h Handlers) Events(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	v, err := web.GetValues(ctx)
	if err != nil {
		return web.NewShutdownError("web value missing from context")
	}

	h.WS.CheckOrigin = func(r *http.Request) bool { return true }

	c, err := h.WS.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	defer c.Close()

	ch := h.Evts.Acquire(v.TraceID)
	defer h.Evts.Release(v.TraceID)

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case msg, wd := <-ch:
			if !wd {
				return nil
			}

			if err := c.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
				return err
			}

		case <-ticker.C:
			if err := c.WriteMessage(websocket.PingMessage, []byte("ping")); err != nil {
				return nil
			}
		}
	}
}

// Genesis returns the genesis information.
func (h Handlers) Genesis(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	return web.Respond(ctx, w, h.State.Genesis(), http.StatusOK)
}

// Tip returns the best tip of the node.
func (h Handlers) Tip(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	tip := h.State.BestTip()

	resp := tipInfo{
		Hash:      tip.Hash,
		Height:    tip.Height,
		Work:      tip.Work.String(),
		Bits:      tip.Header.Bits,
		TimeStamp: tip.Header.TimeStamp,
		Mempool:   h.State.MempoolLength(),
	}

	return web.Respond(ctx, w, resp, http.StatusOK)
}

// Balance returns the confirmed balance of the address.
func (h Handlers) Balance(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	addr, err := h.address(r)
	if err != nil {
		return err
	}

	var pending uint64
	unspent := h.State.Unspent(addr)
	for _, entry := range unspent {
		if h.State.IsSpentInMempool(entry.OutPoint) {
			pending += entry.UTXO.Output.Value
		}
	}

	resp := balanceInfo{
		Address: addr,
		Name:    h.NS.Lookup(addr),
		Balance: h.State.Balance(addr),
		Pending: pending,
		UTXOs:   len(unspent),
		Tip:     h.State.BestTipHash(),
	}

	return web.Respond(ctx, w, resp, http.StatusOK)
}

// Unspent returns the unspent outputs of the address. The wallet selects
// coins from this list.
func (h Handlers) Unspent(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	addr, err := h.address(r)
	if err != nil {
		return err
	}

	gen := h.State.Genesis()
	height := h.State.BestTip().Height

	unspent := h.State.Unspent(addr)

	resp := make([]utxoInfo, len(unspent))
	for i, entry := range unspent {
		mature := !entry.UTXO.Coinbase || height+1 >= entry.UTXO.Height+gen.CoinbaseMaturity

		resp[i] = utxoInfo{
			TxID:      entry.OutPoint.TxID,
			Index:     entry.OutPoint.Index,
			Value:     entry.UTXO.Output.Value,
			Height:    entry.UTXO.Height,
			Coinbase:  entry.UTXO.Coinbase,
			Spendable: mature && !h.State.IsSpentInMempool(entry.OutPoint),
		}
	}

	return web.Respond(ctx, w, resp, http.StatusOK)
}

// BlockByHash returns the block with the hash.
func (h Handlers) BlockByHash(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	hash, err := database.ToHash(web.Param(r, "hash"))
	if err != nil {
		return errs.NewTrusted(err, http.StatusBadRequest)
	}

	block, err := h.State.Block(hash)
	if err != nil {
		return notFound(err)
	}

	return web.Respond(ctx, w, h.toBlock(block), http.StatusOK)
}

// BlockByHeight returns the best chain block at the height.
func (h Handlers) BlockByHeight(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	height, err := strconv.ParseUint(web.Param(r, "height"), 10, 64)
	if err != nil {
		return errs.NewTrusted(err, http.StatusBadRequest)
	}

	block, err := h.State.BlockByHeight(height)
	if err != nil {
		return notFound(err)
	}

	return web.Respond(ctx, w, h.toBlock(block), http.StatusOK)
}

// Mempool returns the set of unconfirmed transactions in arrival order.
func (h Handlers) Mempool(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	descs := h.State.Mempool()

	resp := make([]mempoolTx, len(descs))
	for i, desc := range descs {
		resp[i] = h.toMempoolTx(desc.Tx, desc.Fee, desc.Size, desc.Added)
	}

	return web.Respond(ctx, w, resp, http.StatusOK)
}

// MempoolTx returns an unconfirmed transaction.
func (h Handlers) MempoolTx(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	id, err := database.ToHash(web.Param(r, "id"))
	if err != nil {
		return errs.NewTrusted(err, http.StatusBadRequest)
	}

	desc, exists := h.State.MempoolTx(id)
	if !exists {
		return errs.NewTrusted(fmt.Errorf("tx %s not in mempool", id), http.StatusNotFound)
	}

	return web.Respond(ctx, w, h.toMempoolTx(desc.Tx, desc.Fee, desc.Size, desc.Added), http.StatusOK)
}

// SubmitTransaction hands a signed transaction to the node. A transaction
// spending unknown outputs is held until they arrive.
func (h Handlers) SubmitTransaction(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	v, err := web.GetValues(ctx)
	if err != nil {
		return web.NewShutdownError("web value missing from context")
	}

	data, err := web.ReadBody(r)
	if err != nil {
		return errs.NewTrusted(err, http.StatusBadRequest)
	}

	id, err := h.State.SubmitTransaction(ctx, data)

	h.Log.Infow("submit tx", "traceid", v.TraceID, "id", id, "ERROR", err)

	switch {
	case err == nil:
		return web.Respond(ctx, w, submitResult{ID: id, Status: "accepted"}, http.StatusOK)

	case validation.IsKind(err, validation.MissingReference):
		return web.Respond(ctx, w, submitResult{ID: id, Status: "orphan"}, http.StatusAccepted)
	}

	return errs.NewRule(err)
}

// =============================================================================

func (h Handlers) address(r *http.Request) (database.Address, error) {
	param := web.Param(r, "address")

	if addr, exists := h.NS.Address(param); exists {
		return addr, nil
	}

	addr, err := database.ToAddress(param)
	if err != nil {
		return "", errs.NewTrusted(err, http.StatusBadRequest)
	}

	return addr, nil
}

func notFound(err error) error {
	if errors.Is(err, database.ErrNotFound) {
		return errs.NewTrusted(err, http.StatusNotFound)
	}
	return err
}
