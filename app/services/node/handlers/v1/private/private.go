// Package private maintains the group of handlers for node operators.
package private

import (
	"context"
	"net/http"

	"github.com/ardanlabs/utxonode/business/sys/validate"
	"github.com/ardanlabs/utxonode/business/web/errs"
	"github.com/ardanlabs/utxonode/foundation/blockchain/peer"
	"github.com/ardanlabs/utxonode/foundation/blockchain/relay"
	"github.com/ardanlabs/utxonode/foundation/blockchain/state"
	"github.com/ardanlabs/utxonode/foundation/nameservice"
	"github.com/ardanlabs/utxonode/foundation/web"
	"go.uber.org/zap"
)

// Handlers manages the set of operator endpoints.
type Handlers struct {
	Log   *zap.SugaredLogger
	State *state.State
	NS    *nameservice.NameService
	Relay *relay.Coordinator
}

// Status returns the current status of the node.
func (h Handlers) Status(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	return web.Respond(ctx, w, h.State.Status(), http.StatusOK)
}

// Tips returns the tips of every valid branch the node knows.
func (h Handlers) Tips(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	tips := h.State.Tips()

	resp := make([]tipInfo, len(tips))
	for i, tip := range tips {
		resp[i] = tipInfo{
			Hash:   tip.Hash,
			Height: tip.Height,
			Work:   tip.Work.String(),
			Best:   h.State.InBestChain(tip.Hash),
		}
	}

	return web.Respond(ctx, w, resp, http.StatusOK)
}

// Peers returns the connected peers and the known hosts.
func (h Handlers) Peers(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	resp := peersInfo{
		Connected: h.Relay.Peers(),
		Known:     h.State.KnownPeers(),
	}

	return web.Respond(ctx, w, resp, http.StatusOK)
}

// SubmitPeer adds a host the relay can dial.
func (h Handlers) SubmitPeer(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	v, err := web.GetValues(ctx)
	if err != nil {
		return web.NewShutdownError("web value missing from context")
	}

	var np newPeer
	if err := web.Decode(r, &np); err != nil {
		return err
	}

	added := h.State.AddKnownPeer(peer.New(np.Host))

	h.Log.Infow("submit peer", "traceid", v.TraceID, "host", np.Host, "added", added)

	status := http.StatusOK
	if added {
		status = http.StatusCreated
	}

	return web.Respond(ctx, w, np, status)
}

// Banned returns the banned addresses with the end of their ban.
func (h Handlers) Banned(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	return web.Respond(ctx, w, h.Relay.Banned(), http.StatusOK)
}

// SubmitBlock hands a block produced outside the node to the state, for
// example by an external miner.
func (h Handlers) SubmitBlock(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	v, err := web.GetValues(ctx)
	if err != nil {
		return web.NewShutdownError("web value missing from context")
	}

	data, err := web.ReadBody(r)
	if err != nil {
		return errs.NewTrusted(err, http.StatusBadRequest)
	}

	hash, err := h.State.SubmitBlock(ctx, data)

	h.Log.Infow("submit block", "traceid", v.TraceID, "hash", hash, "ERROR", err)

	if err != nil {
		return errs.NewRule(err)
	}

	resp := struct {
		Hash   string `json:"hash"`
		Status string `json:"status"`
	}{
		Hash:   hash.String(),
		Status: "accepted",
	}

	return web.Respond(ctx, w, resp, http.StatusOK)
}

// SignalMining asks the worker to start a new mining round.
func (h Handlers) SignalMining(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	if h.State.Worker == nil {
		return errs.NewTrusted(errNoWorker, http.StatusServiceUnavailable)
	}

	h.State.Worker.SignalStartMining()

	resp := struct {
		Status string `json:"status"`
	}{
		Status: "mining signalled",
	}

	return web.Respond(ctx, w, resp, http.StatusOK)
}

// =============================================================================

func (np newPeer) Validate() error {
	return validate.Check(np)
}
