// Package relay maintains the connections to other nodes and relays blocks
// and transactions between them and the node state.
package relay

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/ardanlabs/utxonode/foundation/blockchain/chain"
	"github.com/ardanlabs/utxonode/foundation/blockchain/database"
	"github.com/ardanlabs/utxonode/foundation/blockchain/mempool"
	"github.com/ardanlabs/utxonode/foundation/blockchain/peer"
	"github.com/ardanlabs/utxonode/foundation/blockchain/wire"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

// State represents the behavior the coordinator needs from the node state.
type State interface {
	ProcessBlock(ctx context.Context, block database.Block, origin string) error
	ProcessTx(ctx context.Context, tx database.Tx, origin string) error
	OrphanRoot(hash database.Hash) database.Hash
	HaveBlock(hash database.Hash) bool
	HaveTx(id database.Hash) bool
	Block(hash database.Hash) (database.Block, error)
	MempoolTx(id database.Hash) (mempool.TxDesc, bool)
	BestTip() chain.Node
	GenesisHash() database.Hash
	Locator() []database.Hash
	BlockHashesAfter(locator []database.Hash, stop database.Hash, max int) []database.Hash
	KnownPeers() []peer.Peer
	AddKnownPeer(p peer.Peer) bool
}

// Backoff describes the delay between attempts to reach a peer.
type Backoff struct {
	Initial time.Duration
	Factor  float64
	Max     time.Duration
}

// next returns the delay following prev.
func (b Backoff) next(prev time.Duration) time.Duration {
	if prev <= 0 {
		return b.Initial
	}

	d := time.Duration(float64(prev) * b.Factor)
	if d > b.Max || d <= 0 {
		return b.Max
	}
	return d
}

// acceptBackoff paces the accept loop after the listener fails.
var acceptBackoff = Backoff{Initial: 5 * time.Millisecond, Factor: 2, Max: time.Second}

// Config represents the configuration of the coordinator.
type Config struct {
	State            State
	Magic            uint32
	ChainID          uint16
	ListenAddr       string
	ExternalHost     string
	Seeds            []string
	MaxPeers         int
	MaxOutbound      int
	InboundQueue     int
	OutboundQueue    int
	DialTimeout      time.Duration
	HandshakeTimeout time.Duration
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
	PingInterval     time.Duration
	RequestTimeout   time.Duration
	DialInterval     time.Duration
	Backoff          Backoff
	MessageRate      float64
	MessageBurst     int
	KnownInvCapacity uint64
	KnownInvTTL      time.Duration
	Bans             *peer.BanManager
	Registerer       prometheus.Registerer
	EvHandler        func(v string, args ...any)
}

// setDefaults fills in every unset value.
func (cfg *Config) setDefaults() {
	if cfg.MaxPeers <= 0 {
		cfg.MaxPeers = 32
	}
	if cfg.MaxOutbound <= 0 {
		cfg.MaxOutbound = 8
	}
	if cfg.InboundQueue <= 0 {
		cfg.InboundQueue = 256
	}
	if cfg.OutboundQueue <= 0 {
		cfg.OutboundQueue = 128
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 90 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = time.Minute
	}
	if cfg.DialInterval <= 0 {
		cfg.DialInterval = 5 * time.Second
	}
	if cfg.Backoff.Initial <= 0 {
		cfg.Backoff.Initial = time.Second
	}
	if cfg.Backoff.Factor < 1 {
		cfg.Backoff.Factor = 2
	}
	if cfg.Backoff.Max <= 0 {
		cfg.Backoff.Max = 5 * time.Minute
	}
	if cfg.MessageRate <= 0 {
		cfg.MessageRate = 200
	}
	if cfg.MessageBurst <= 0 {
		cfg.MessageBurst = 1_000
	}
	if cfg.KnownInvCapacity == 0 {
		cfg.KnownInvCapacity = 10_000
	}
	if cfg.KnownInvTTL <= 0 {
		cfg.KnownInvTTL = 15 * time.Minute
	}
}

// =============================================================================

// inboundMsg is a message waiting for the dispatcher.
type inboundMsg struct {
	from *remote
	msg  wire.Message
}

// request is an outstanding getdata.
type request struct {
	peer string
	at   time.Time
}

// dialState tracks reconnect attempts to a host.
type dialState struct {
	delay  time.Duration
	next   time.Time
	active bool
}

// Coordinator manages the peer connections of the node. Messages from every
// peer are applied to the state by a single dispatcher.
type Coordinator struct {
	cfg       Config
	state     State
	bans      *peer.BanManager
	metrics   *metrics
	evHandler func(v string, args ...any)
	nonce     uint64

	inbound chan inboundMsg
	group   *errgroup.Group

	lnMu     sync.Mutex
	listener net.Listener

	mu      sync.RWMutex
	peers   map[string]*remote
	dialing map[string]dialState
	pending int // Inbound connections still in the handshake.

	reqMu     sync.Mutex
	requested map[wire.InvVect]request

	rejects *rejectFilter
}

// New constructs a coordinator. Register it as the announcer of the state
// so accepted items are relayed.
func New(cfg Config) (*Coordinator, error) {
	if cfg.State == nil {
		return nil, errors.New("state is required")
	}

	cfg.setDefaults()

	ev := func(v string, args ...any) {
		if cfg.EvHandler != nil {
			cfg.EvHandler(v, args...)
		}
	}

	var nonce [8]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}

	c := Coordinator{
		cfg:       cfg,
		state:     cfg.State,
		metrics:   newMetrics(cfg.Registerer),
		evHandler: ev,
		nonce:     binary.LittleEndian.Uint64(nonce[:]),
		inbound:   make(chan inboundMsg, cfg.InboundQueue),
		peers:     make(map[string]*remote),
		dialing:   make(map[string]dialState),
		requested: make(map[wire.InvVect]request),
		rejects:   newRejectFilter(),
	}

	c.bans = cfg.Bans
	if c.bans == nil {
		c.bans = peer.NewBanManager(peer.BanConfig{
			OnBanned: func(host string, until time.Time, reason string) {
				ev("relay: ban: host[%s] until[%s] reason[%s]", host, until.Format(time.RFC3339), reason)
			},
		})
	}

	return &c, nil
}

// Listen binds the listen address. Run calls it when it was not called.
func (c *Coordinator) Listen() (net.Addr, error) {
	c.lnMu.Lock()
	defer c.lnMu.Unlock()

	if c.listener != nil {
		return c.listener.Addr(), nil
	}

	ln, err := net.Listen("tcp", c.cfg.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", c.cfg.ListenAddr, err)
	}
	c.listener = ln

	return ln.Addr(), nil
}

// Run accepts and dials peers and dispatches their messages until the
// context is cancelled.
func (c *Coordinator) Run(ctx context.Context) error {
	if _, err := c.Listen(); err != nil {
		return err
	}

	c.evHandler("relay: Run: started: listen[%s] seeds[%d]", c.listener.Addr(), len(c.cfg.Seeds))
	defer c.evHandler("relay: Run: completed")

	g, ctx := errgroup.WithContext(ctx)
	c.group = g

	g.Go(func() error {
		return c.acceptLoop(ctx)
	})

	g.Go(func() error {
		return c.dispatchLoop(ctx)
	})

	g.Go(func() error {
		return c.dialLoop(ctx)
	})

	g.Go(func() error {
		return c.maintenanceLoop(ctx)
	})

	g.Go(func() error {
		<-ctx.Done()

		c.lnMu.Lock()
		c.listener.Close()
		c.lnMu.Unlock()

		for _, p := range c.activePeers() {
			p.close()
		}
		return nil
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// =============================================================================

// acceptLoop accepts inbound connections. A failing listener is retried
// with a growing delay.
func (c *Coordinator) acceptLoop(ctx context.Context) error {
	var delay time.Duration

	for {
		conn, err := c.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}

			delay = acceptBackoff.next(delay)
			c.evHandler("relay: acceptLoop: ERROR: %s: retry in %v", err, delay)

			t := time.NewTimer(delay)
			select {
			case <-t.C:
			case <-ctx.Done():
				t.Stop()
				return nil
			}
			continue
		}
		delay = 0

		addr := conn.RemoteAddr().String()

		if c.bans.IsBanned(addr) {
			c.evHandler("relay: acceptLoop: rejected banned: peer[%s]", addr)
			conn.Close()
			continue
		}

		if !c.reserveInbound() {
			c.evHandler("relay: acceptLoop: rejected: peer[%s]: max peers", addr)
			conn.Close()
			continue
		}

		c.group.Go(func() error {
			c.handlePeer(ctx, conn, true, "")
			return nil
		})
	}
}

// dialLoop keeps the outbound connections topped up from the seeds and the
// known peers, backing off from hosts that fail.
func (c *Coordinator) dialLoop(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.DialInterval)
	defer ticker.Stop()

	for {
		c.dialPeers(ctx)

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return nil
		}
	}
}

// dialPeers starts connections to candidate hosts until the outbound limit
// is reached.
func (c *Coordinator) dialPeers(ctx context.Context) {
	hosts := append([]string{}, c.cfg.Seeds...)
	for _, p := range c.state.KnownPeers() {
		hosts = append(hosts, p.Host)
	}

	now := time.Now()

	for _, host := range hosts {
		if c.outboundCount() >= c.cfg.MaxOutbound || c.peerCount() >= c.cfg.MaxPeers {
			return
		}

		if host == "" || host == c.cfg.ExternalHost || c.connectedTo(host) || c.bans.IsBanned(host) {
			continue
		}

		c.mu.Lock()
		ds := c.dialing[host]
		if ds.active || now.Before(ds.next) {
			c.mu.Unlock()
			continue
		}
		ds.delay = c.cfg.Backoff.next(ds.delay)
		ds.next = now.Add(ds.delay)
		ds.active = true
		c.dialing[host] = ds
		c.mu.Unlock()

		host := host
		c.group.Go(func() error {
			c.dial(ctx, host)
			return nil
		})
	}
}

// dial connects to the host and runs the peer.
func (c *Coordinator) dial(ctx context.Context, host string) {
	defer func() {
		c.mu.Lock()
		ds := c.dialing[host]
		ds.active = false
		c.dialing[host] = ds
		c.mu.Unlock()
	}()

	d := net.Dialer{Timeout: c.cfg.DialTimeout}

	conn, err := d.DialContext(ctx, "tcp", host)
	if err != nil {
		c.evHandler("relay: dial: peer[%s]: ERROR: %s", host, err)
		return
	}

	c.handlePeer(ctx, conn, false, host)
}

// maintenanceLoop expires stalled requests and decays ban scores.
func (c *Coordinator) maintenanceLoop(ctx context.Context) error {
	interval := min(c.cfg.RequestTimeout/2, 10*time.Second)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.expireRequests(time.Now())
			c.bans.Cleanup()
			c.metrics.banned.Set(float64(len(c.bans.ListBanned())))

		case <-ctx.Done():
			return nil
		}
	}
}

// expireRequests forgets requests older than the request timeout so the
// items can be requested from another peer.
func (c *Coordinator) expireRequests(now time.Time) {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()

	for iv, req := range c.requested {
		if now.Sub(req.at) > c.cfg.RequestTimeout {
			delete(c.requested, iv)
			c.metrics.requestTimeouts.Inc()
			c.evHandler("relay: expireRequests: item[%s] peer[%s] stalled", iv, req.peer)
		}
	}
}

// =============================================================================

// reserveInbound holds a peer slot for an inbound connection until its
// handshake ends.
func (c *Coordinator) reserveInbound() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.countLocked() >= c.cfg.MaxPeers {
		return false
	}

	c.pending++
	return true
}

// releaseInbound returns the slot of an inbound connection whose handshake
// failed.
func (c *Coordinator) releaseInbound(p *remote) {
	if !p.inbound {
		return
	}

	c.mu.Lock()
	c.pending--
	c.mu.Unlock()
}

// register adds the peer once its handshake completed. A second connection
// to the same node is refused. The slot held for an inbound handshake is
// released either way.
func (c *Coordinator) register(p *remote) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if p.inbound {
		c.pending--
	}

	if _, exists := c.peers[p.addr]; exists {
		return false
	}

	if !p.inbound {
		delete(c.dialing, p.dialHost)
	}

	c.peers[p.addr] = p
	c.metrics.setPeers(c.peers)

	return true
}

// unregister removes the peer and releases its outstanding requests.
func (c *Coordinator) unregister(p *remote) {
	c.mu.Lock()
	if c.peers[p.addr] == p {
		delete(c.peers, p.addr)
	}
	c.metrics.setPeers(c.peers)
	c.mu.Unlock()

	c.reqMu.Lock()
	for iv, req := range c.requested {
		if req.peer == p.addr {
			delete(c.requested, iv)
		}
	}
	c.reqMu.Unlock()
}

// activePeers returns the registered peers.
func (c *Coordinator) activePeers() []*remote {
	c.mu.RLock()
	defer c.mu.RUnlock()

	peers := make([]*remote, 0, len(c.peers))
	for _, p := range c.peers {
		peers = append(peers, p)
	}

	return peers
}

// peerCount returns the connected peers plus the connections still in the
// handshake.
func (c *Coordinator) peerCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.countLocked()
}

func (c *Coordinator) countLocked() int {
	n := len(c.peers) + c.pending
	for _, ds := range c.dialing {
		if ds.active {
			n++
		}
	}
	return n
}

func (c *Coordinator) outboundCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var n int
	for _, p := range c.peers {
		if !p.inbound {
			n++
		}
	}

	for _, ds := range c.dialing {
		if ds.active {
			n++
		}
	}

	return n
}

// connectedTo reports whether a peer is connected at, or listens on, host.
func (c *Coordinator) connectedTo(host string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, p := range c.peers {
		if p.addr == host || p.dialHost == host || p.version.ListenHost == host {
			return true
		}
	}

	return false
}

// =============================================================================

// PeerInfo describes a connected peer.
type PeerInfo struct {
	Addr       string    `json:"addr"`
	ListenHost string    `json:"listen_host"`
	Inbound    bool      `json:"inbound"`
	State      string    `json:"state"`
	BestHeight uint64    `json:"best_height"`
	BanScore   int       `json:"ban_score"`
	Connected  time.Time `json:"connected"`
}

// Peers returns information about the connected peers.
func (c *Coordinator) Peers() []PeerInfo {
	peers := c.activePeers()

	infos := make([]PeerInfo, 0, len(peers))
	for _, p := range peers {
		score, _ := c.bans.Score(p.addr)
		infos = append(infos, PeerInfo{
			Addr:       p.addr,
			ListenHost: p.version.ListenHost,
			Inbound:    p.inbound,
			State:      p.fsm.Current(),
			BestHeight: p.bestHeight(),
			BanScore:   score.Score,
			Connected:  p.connected,
		})
	}

	return infos
}

// Banned returns the banned addresses with the end of their ban.
func (c *Coordinator) Banned() map[string]time.Time {
	return c.bans.ListBanned()
}

// BanScore returns the current misbehavior score of the host.
func (c *Coordinator) BanScore(host string) int {
	score, _ := c.bans.Score(host)
	return score.Score
}
