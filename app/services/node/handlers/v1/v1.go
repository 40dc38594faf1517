// Package v1 contains the full set of handler functions and routes
// supported by the v1 web api.
package v1

import (
	"net/http"

	"github.com/ardanlabs/utxonode/app/services/node/handlers/v1/private"
	"github.com/ardanlabs/utxonode/app/services/node/handlers/v1/public"
	"github.com/ardanlabs/utxonode/foundation/blockchain/relay"
	"github.com/ardanlabs/utxonode/foundation/blockchain/state"
	"github.com/ardanlabs/utxonode/foundation/events"
	"github.com/ardanlabs/utxonode/foundation/nameservice"
	"github.com/ardanlabs/utxonode/foundation/web"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const version = "v1"

// Config contains all the mandatory systems required by handlers.
type Config struct {
	Log   *zap.SugaredLogger
	State *state.State
	NS    *nameservice.NameService
	Evts  *events.Events
	Relay *relay.Coordinator
}

// PublicRoutes binds all the version 1 public routes.
func PublicRoutes(app *web.App, cfg Config) {
	pbl := public.Handlers{
		Log:   cfg.Log,
		State: cfg.State,
		NS:    cfg.NS,
		WS:    websocket.Upgrader{},
		Evts:  cfg.Evts,
	}

	app.Handle(http.MethodGet, version, "/events", pbl.Events)
	app.Handle(http.MethodGet, version, "/genesis", pbl.Genesis)
	app.Handle(http.MethodGet, version, "/tip", pbl.Tip)
	app.Handle(http.MethodGet, version, "/balance/:address", pbl.Balance)
	app.Handle(http.MethodGet, version, "/utxos/:address", pbl.Unspent)
	app.Handle(http.MethodGet, version, "/blocks/hash/:hash", pbl.BlockByHash)
	app.Handle(http.MethodGet, version, "/blocks/height/:height", pbl.BlockByHeight)
	app.Handle(http.MethodGet, version, "/tx/mempool", pbl.Mempool)
	app.Handle(http.MethodGet, version, "/tx/mempool/:id", pbl.MempoolTx)
	app.Handle(http.MethodPost, version, "/tx/submit", pbl.SubmitTransaction)
}

// PrivateRoutes binds all the version 1 private routes.
func PrivateRoutes(app *web.App, cfg Config) {
	prv := private.Handlers{
		Log:   cfg.Log,
		State: cfg.State,
		NS:    cfg.NS,
		Relay: cfg.Relay,
	}

	app.Handle(http.MethodGet, version, "/node/status", prv.Status)
	app.Handle(http.MethodGet, version, "/node/tips", prv.Tips)
	app.Handle(http.MethodGet, version, "/node/peers", prv.Peers)
	app.Handle(http.MethodPost, version, "/node/peers", prv.SubmitPeer)
	app.Handle(http.MethodGet, version, "/node/banned", prv.Banned)
	app.Handle(http.MethodPost, version, "/node/block/submit", prv.SubmitBlock)
	app.Handle(http.MethodPost, version, "/node/mining/signal", prv.SignalMining)
}
