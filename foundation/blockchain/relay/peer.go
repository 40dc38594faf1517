package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ardanlabs/utxonode/foundation/blockchain/database"
	"github.com/ardanlabs/utxonode/foundation/blockchain/peer"
	"github.com/ardanlabs/utxonode/foundation/blockchain/wire"
	"github.com/jellydator/ttlcache/v3"
	"github.com/looplab/fsm"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// Set of peer lifecycle states and events.
const (
	stateHandshake = "handshake"
	stateActive    = "active"
	stateClosed    = "closed"

	eventActivate = "activate"
	eventClose    = "close"
)

// Set of errors that end a connection.
var (
	errSelfConnect = errors.New("connected to self")
	errNetwork     = errors.New("peer is on another network")
	errDuplicate   = errors.New("peer already connected")
	errStalled     = errors.New("peer stopped reading")
)

// newPeerFSM constructs the lifecycle state machine of a peer.
func newPeerFSM(ev func(v string, args ...any), addr string) *fsm.FSM {
	return fsm.NewFSM(
		stateHandshake,
		fsm.Events{
			{Name: eventActivate, Src: []string{stateHandshake}, Dst: stateActive},
			{Name: eventClose, Src: []string{stateHandshake, stateActive}, Dst: stateClosed},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				ev("relay: peer[%s]: %s -> %s", addr, e.Src, e.Dst)
			},
		},
	)
}

// =============================================================================

// remote is a connected peer.
type remote struct {
	addr      string
	dialHost  string
	inbound   bool
	connected time.Time
	conn      net.Conn
	fsm       *fsm.FSM
	known     *ttlcache.Cache[wire.InvVect, struct{}]
	limiter   *rate.Limiter
	out       chan wire.Message
	done      chan struct{}
	closeOnce sync.Once

	// version is set by the handshake and read only afterwards.
	version wire.MsgVersion

	height    atomic.Uint64
	lastSpam  atomic.Int64
	syncMu    sync.Mutex
	syncUntil database.Hash
}

func (c *Coordinator) newRemote(conn net.Conn, inbound bool, dialHost string) *remote {
	addr := conn.RemoteAddr().String()

	return &remote{
		addr:      addr,
		dialHost:  dialHost,
		inbound:   inbound,
		connected: time.Now(),
		conn:      conn,
		fsm:       newPeerFSM(c.evHandler, addr),
		known: ttlcache.New[wire.InvVect, struct{}](
			ttlcache.WithTTL[wire.InvVect, struct{}](c.cfg.KnownInvTTL),
			ttlcache.WithCapacity[wire.InvVect, struct{}](c.cfg.KnownInvCapacity),
		),
		limiter: rate.NewLimiter(rate.Limit(c.cfg.MessageRate), c.cfg.MessageBurst),
		out:     make(chan wire.Message, c.cfg.OutboundQueue),
		done:    make(chan struct{}),
	}
}

// close ends the connection. It is safe to call more than once.
func (p *remote) close() {
	p.closeOnce.Do(func() {
		p.fsm.Event(context.Background(), eventClose)
		close(p.done)
		p.conn.Close()
	})
}

// isActive reports whether the handshake completed and the peer is open.
func (p *remote) isActive() bool {
	return p.fsm.Is(stateActive)
}

// markKnown records that the peer has the item.
func (p *remote) markKnown(iv wire.InvVect) {
	p.known.Set(iv, struct{}{}, ttlcache.DefaultTTL)
}

// hasKnown reports whether the peer is known to have the item.
func (p *remote) hasKnown(iv wire.InvVect) bool {
	return p.known.Has(iv)
}

func (p *remote) bestHeight() uint64 {
	return p.height.Load()
}

// updateHeight raises the best height known for the peer.
func (p *remote) updateHeight(height uint64) {
	for {
		cur := p.height.Load()
		if height <= cur || p.height.CompareAndSwap(cur, height) {
			return
		}
	}
}

// setSyncUntil records the last block of a full getblocks batch. Its
// arrival triggers the next getblocks.
func (p *remote) setSyncUntil(hash database.Hash) {
	p.syncMu.Lock()
	defer p.syncMu.Unlock()

	p.syncUntil = hash
}

// reachedSyncUntil reports and clears a batch end matching hash.
func (p *remote) reachedSyncUntil(hash database.Hash) bool {
	p.syncMu.Lock()
	defer p.syncMu.Unlock()

	if p.syncUntil.IsZero() || p.syncUntil != hash {
		return false
	}

	p.syncUntil = database.ZeroHash
	return true
}

// spamStrike reports whether excess traffic should be scored. It is scored
// at most once a second.
func (p *remote) spamStrike(now time.Time) bool {
	last := p.lastSpam.Load()
	if now.UnixNano()-last < int64(time.Second) {
		return false
	}
	return p.lastSpam.CompareAndSwap(last, now.UnixNano())
}

// queue places the message on the outbound queue without blocking. A full
// queue drops the message.
func (p *remote) queue(msg wire.Message) bool {
	select {
	case p.out <- msg:
		return true
	case <-p.done:
		return false
	default:
		return false
	}
}

// send places the message on the outbound queue, waiting up to timeout for
// room. A peer that does not drain its queue in time is disconnected.
func (p *remote) send(msg wire.Message, timeout time.Duration) error {
	select {
	case p.out <- msg:
		return nil
	case <-p.done:
		return net.ErrClosed
	default:
	}

	t := time.NewTimer(timeout)
	defer t.Stop()

	select {
	case p.out <- msg:
		return nil
	case <-p.done:
		return net.ErrClosed
	case <-t.C:
		p.close()
		return errStalled
	}
}

// =============================================================================

// handlePeer runs the handshake and then the read and write loops of the
// connection until either fails or the context is cancelled.
func (c *Coordinator) handlePeer(ctx context.Context, conn net.Conn, inbound bool, dialHost string) {
	p := c.newRemote(conn, inbound, dialHost)

	stop := context.AfterFunc(ctx, p.close)
	defer stop()
	defer p.close()

	c.evHandler("relay: handlePeer: started: peer[%s] inbound[%t]", p.addr, inbound)
	defer c.evHandler("relay: handlePeer: completed: peer[%s]", p.addr)

	if err := c.handshake(ctx, p); err != nil {
		c.releaseInbound(p)
		c.evHandler("relay: handlePeer: handshake: peer[%s]: ERROR: %s", p.addr, err)
		return
	}

	if !c.register(p) {
		c.evHandler("relay: handlePeer: peer[%s]: %s", p.addr, errDuplicate)
		return
	}
	defer c.unregister(p)

	if host := p.version.ListenHost; host != "" && !p.inbound {
		c.state.AddKnownPeer(peer.New(host))
	}

	// Ask a taller peer for the blocks we are missing and learn its peers.
	if p.bestHeight() > c.state.BestTip().Height {
		c.requestBlocks(p, database.ZeroHash)
	}
	p.queue(&wire.MsgGetAddr{})

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer p.close()
		return c.readLoop(gctx, p)
	})

	g.Go(func() error {
		defer p.close()
		return c.writeLoop(gctx, p)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, net.ErrClosed) {
		c.evHandler("relay: handlePeer: peer[%s]: %s", p.addr, err)
	}
}

// handshake exchanges version and verack messages. Both sides send their
// version first and acknowledge the version of the other.
func (c *Coordinator) handshake(ctx context.Context, p *remote) error {
	p.conn.SetDeadline(time.Now().Add(c.cfg.HandshakeTimeout))
	defer p.conn.SetDeadline(time.Time{})

	if err := c.write(p, c.versionMsg()); err != nil {
		return err
	}

	var gotVersion, gotVerAck bool
	for !gotVersion || !gotVerAck {
		msg, n, err := wire.ReadMessage(p.conn, c.cfg.Magic)
		c.metrics.bytesIn.Add(float64(n))
		if err != nil {
			if wire.IsMalformed(err) {
				c.misbehave(p, peer.ReasonMalformed, err)
			}
			return err
		}

		switch m := msg.(type) {
		case *wire.MsgVersion:
			if gotVersion {
				c.misbehave(p, peer.ReasonProtocolViolation, errors.New("duplicate version"))
				return errors.New("duplicate version")
			}

			if m.Nonce == c.nonce {
				return errSelfConnect
			}

			if m.ChainID != c.cfg.ChainID || m.Genesis != c.state.GenesisHash() {
				return fmt.Errorf("%w: chain[%d] genesis[%s]", errNetwork, m.ChainID, m.Genesis)
			}

			p.version = *m
			p.updateHeight(m.BestHeight)
			gotVersion = true

			if err := c.write(p, &wire.MsgVerAck{}); err != nil {
				return err
			}

		case *wire.MsgVerAck:
			gotVerAck = true

		default:
			c.misbehave(p, peer.ReasonProtocolViolation, fmt.Errorf("%s before handshake", msg.Command()))
			return fmt.Errorf("%s before handshake", msg.Command())
		}
	}

	return p.fsm.Event(ctx, eventActivate)
}

// versionMsg describes this node.
func (c *Coordinator) versionMsg() *wire.MsgVersion {
	tip := c.state.BestTip()

	return &wire.MsgVersion{
		Version:    wire.ProtocolVersion,
		ChainID:    c.cfg.ChainID,
		Genesis:    c.state.GenesisHash(),
		BestHash:   tip.Hash,
		BestHeight: tip.Height,
		ListenHost: c.cfg.ExternalHost,
		Nonce:      c.nonce,
		Time:       time.Now().Unix(),
	}
}

// write sends the message with a write deadline. Only the handshake and the
// write loop call it.
func (c *Coordinator) write(p *remote, msg wire.Message) error {
	p.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))

	cw := countingWriter{w: p.conn}
	err := wire.WriteMessage(&cw, c.cfg.Magic, msg)
	c.metrics.bytesOut.Add(float64(cw.n))
	c.metrics.messagesOut.WithLabelValues(msg.Command()).Inc()

	return err
}

// readLoop reads messages and hands them to the dispatcher. A full inbound
// queue blocks the loop, which stops reading from the connection.
func (c *Coordinator) readLoop(ctx context.Context, p *remote) error {
	for {
		p.conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))

		msg, n, err := wire.ReadMessage(p.conn, c.cfg.Magic)
		c.metrics.bytesIn.Add(float64(n))
		if err != nil {
			switch {
			case wire.IsMalformed(err):
				c.misbehave(p, peer.ReasonMalformed, err)
				return err

			case errors.Is(err, wire.ErrUnknownCommand):
				c.misbehave(p, peer.ReasonProtocolViolation, err)
				continue
			}
			return err
		}

		c.metrics.messagesIn.WithLabelValues(msg.Command()).Inc()

		if !p.limiter.Allow() {
			if p.spamStrike(time.Now()) {
				c.misbehave(p, peer.ReasonSpam, fmt.Errorf("message rate exceeded on %s", msg.Command()))
			}
			continue
		}

		switch m := msg.(type) {
		case *wire.MsgPing:
			p.queue(&wire.MsgPong{Nonce: m.Nonce})
			continue

		case *wire.MsgPong:
			continue

		case *wire.MsgVersion, *wire.MsgVerAck:
			c.misbehave(p, peer.ReasonProtocolViolation, fmt.Errorf("%s after handshake", msg.Command()))
			continue
		}

		select {
		case c.inbound <- inboundMsg{from: p, msg: msg}:
			c.metrics.inboundQueue.Set(float64(len(c.inbound)))
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// writeLoop drains the outbound queue and pings the peer when idle.
func (c *Coordinator) writeLoop(ctx context.Context, p *remote) error {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case msg := <-p.out:
			if err := c.write(p, msg); err != nil {
				return err
			}

		case <-ticker.C:
			if err := c.write(p, &wire.MsgPing{Nonce: uint64(time.Now().UnixNano())}); err != nil {
				return err
			}

		case <-p.done:
			return net.ErrClosed

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// =============================================================================

// countingWriter counts the bytes written through it.
type countingWriter struct {
	w io.Writer
	n int
}

func (cw *countingWriter) Write(b []byte) (int, error) {
	n, err := cw.w.Write(b)
	cw.n += n
	return n, err
}
