package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/ardanlabs/utxonode/foundation/blockchain/chain"
	"github.com/ardanlabs/utxonode/foundation/blockchain/database"
	"github.com/ardanlabs/utxonode/foundation/blockchain/peer"
	"github.com/ardanlabs/utxonode/foundation/blockchain/validation"
	"github.com/ardanlabs/utxonode/foundation/blockchain/wire"
)

// maxLocator bounds the locator a peer may send with getblocks.
const maxLocator = 128

// dispatchLoop applies the messages of every peer to the state, one at a
// time, in the order they were read.
func (c *Coordinator) dispatchLoop(ctx context.Context) error {
	c.evHandler("relay: dispatchLoop: started")
	defer c.evHandler("relay: dispatchLoop: completed")

	for {
		select {
		case in := <-c.inbound:
			c.dispatch(ctx, in.from, in.msg)

		case <-ctx.Done():
			return nil
		}
	}
}

// dispatch routes the message to its handler.
func (c *Coordinator) dispatch(ctx context.Context, p *remote, msg wire.Message) {
	switch m := msg.(type) {
	case *wire.MsgInv:
		c.handleInv(p, m)

	case *wire.MsgGetData:
		c.handleGetData(p, m)

	case *wire.MsgNotFound:
		c.handleNotFound(p, m)

	case *wire.MsgBlock:
		c.handleBlock(ctx, p, m)

	case *wire.MsgTx:
		c.handleTx(ctx, p, m)

	case *wire.MsgGetBlocks:
		c.handleGetBlocks(p, m)

	case *wire.MsgGetAddr:
		c.handleGetAddr(p)

	case *wire.MsgAddr:
		c.handleAddr(p, m)

	default:
		c.evHandler("relay: dispatch: peer[%s]: unexpected %s", p.addr, msg.Command())
	}
}

// =============================================================================

// handleInv requests the announced items this node does not have.
func (c *Coordinator) handleInv(p *remote, m *wire.MsgInv) {
	if len(m.Items) > wire.MaxInvItems {
		c.misbehave(p, peer.ReasonProtocolViolation, fmt.Errorf("inv of %d items", len(m.Items)))
		return
	}

	var want []wire.InvVect
	var lastBlock database.Hash
	var blocks int

	for _, iv := range m.Items {
		p.markKnown(iv)

		switch iv.Type {
		case wire.InvBlock:
			blocks++
			lastBlock = iv.Hash
			if c.state.HaveBlock(iv.Hash) {
				continue
			}

		case wire.InvTx:
			if c.rejects.Has(iv.Hash) || c.state.HaveTx(iv.Hash) {
				continue
			}

		default:
			c.misbehave(p, peer.ReasonProtocolViolation, fmt.Errorf("inv type %d", iv.Type))
			return
		}

		if c.request(p, iv) {
			want = append(want, iv)
		}
	}

	// A full batch means the peer has more blocks past the last one.
	if blocks == wire.MaxBlocksPerGetBlocks {
		if c.state.HaveBlock(lastBlock) {
			p.queue(&wire.MsgGetBlocks{Locator: []database.Hash{lastBlock}})
		} else {
			p.setSyncUntil(lastBlock)
		}
	}

	if len(want) == 0 {
		return
	}

	c.evHandler("relay: handleInv: peer[%s]: requesting %d of %d items", p.addr, len(want), len(m.Items))

	if err := p.send(&wire.MsgGetData{Items: want}, c.cfg.WriteTimeout); err != nil {
		c.release(p, want)
	}
}

// handleGetData sends the requested items the node has and reports the
// others as not found.
func (c *Coordinator) handleGetData(p *remote, m *wire.MsgGetData) {
	if len(m.Items) > wire.MaxInvItems {
		c.misbehave(p, peer.ReasonProtocolViolation, fmt.Errorf("getdata of %d items", len(m.Items)))
		return
	}

	var missing []wire.InvVect

	for _, iv := range m.Items {
		var msg wire.Message

		switch iv.Type {
		case wire.InvBlock:
			block, err := c.state.Block(iv.Hash)
			if err != nil {
				missing = append(missing, iv)
				continue
			}
			msg = &wire.MsgBlock{Block: block}

		case wire.InvTx:
			desc, exists := c.state.MempoolTx(iv.Hash)
			if !exists {
				missing = append(missing, iv)
				continue
			}
			msg = &wire.MsgTx{Tx: desc.Tx}

		default:
			missing = append(missing, iv)
			continue
		}

		if err := p.send(msg, c.cfg.WriteTimeout); err != nil {
			c.evHandler("relay: handleGetData: peer[%s]: ERROR: %s", p.addr, err)
			return
		}
		p.markKnown(iv)
	}

	if len(missing) > 0 {
		p.send(&wire.MsgNotFound{Items: missing}, c.cfg.WriteTimeout)
	}
}

// handleNotFound releases the requests so another peer can serve them.
func (c *Coordinator) handleNotFound(p *remote, m *wire.MsgNotFound) {
	if len(m.Items) > wire.MaxInvItems {
		c.misbehave(p, peer.ReasonProtocolViolation, fmt.Errorf("notfound of %d items", len(m.Items)))
		return
	}

	c.release(p, m.Items)
}

// handleBlock hands the block to the state and reacts to the outcome.
func (c *Coordinator) handleBlock(ctx context.Context, p *remote, m *wire.MsgBlock) {
	hash := m.Block.Hash()
	iv := wire.InvVect{Type: wire.InvBlock, Hash: hash}

	p.markKnown(iv)

	if !c.take(p, iv) {
		c.misbehave(p, peer.ReasonUnrequested, fmt.Errorf("unrequested block %s", hash))
	}

	err := c.state.ProcessBlock(ctx, m.Block, p.addr)

	switch {
	case err == nil:
		c.evHandler("relay: handleBlock: peer[%s]: accepted blk[%s]", p.addr, hash)

	case errors.Is(err, chain.ErrAlreadyHave):

	case validation.IsKind(err, validation.MissingReference):
		root := c.state.OrphanRoot(hash)
		c.evHandler("relay: handleBlock: peer[%s]: orphan blk[%s] root[%s]", p.addr, hash, root)
		c.requestBlocks(p, root)

	case validation.IsKind(err, validation.Malformed):
		c.misbehave(p, peer.ReasonMalformed, err)

	case validation.IsKind(err, validation.ConsensusViolation):
		switch {
		case validation.IsReason(err, validation.ReasonBadSignature):
			c.misbehave(p, peer.ReasonBadSignature, err)
		case validation.IsReason(err, validation.ReasonBadTimestamp):
			c.evHandler("relay: handleBlock: peer[%s]: blk[%s]: %s", p.addr, hash, err)
		default:
			c.misbehave(p, peer.ReasonInvalidBlock, err)
		}

	default:
		c.evHandler("relay: handleBlock: peer[%s]: blk[%s]: ERROR: %s", p.addr, hash, err)
	}

	if p.reachedSyncUntil(hash) {
		c.requestBlocks(p, database.ZeroHash)
	}
}

// handleTx hands the transaction to the state and reacts to the outcome.
func (c *Coordinator) handleTx(ctx context.Context, p *remote, m *wire.MsgTx) {
	id := m.Tx.ID()
	iv := wire.InvVect{Type: wire.InvTx, Hash: id}

	p.markKnown(iv)

	if !c.take(p, iv) {
		c.misbehave(p, peer.ReasonUnrequested, fmt.Errorf("unrequested tx %s", id))
	}

	if c.rejects.Has(id) {
		return
	}

	err := c.state.ProcessTx(ctx, m.Tx, p.addr)
	if err == nil || errors.Is(err, chain.ErrAlreadyHave) {
		return
	}

	re := validation.GetRuleError(err)
	if re == nil {
		c.evHandler("relay: handleTx: peer[%s]: tx[%s]: ERROR: %s", p.addr, id, err)
		return
	}

	switch re.Kind {
	case validation.MissingReference, validation.ResourceExhaustion:
		return
	}

	c.rejects.Add(id)

	switch {
	case re.Kind == validation.Malformed:
		c.misbehave(p, peer.ReasonMalformed, err)

	case re.Reason == validation.ReasonBadSignature:
		c.misbehave(p, peer.ReasonBadSignature, err)

	case re.Reason == validation.ReasonDoubleSpend, re.Reason == validation.ReasonImmatureSpend:
		c.evHandler("relay: handleTx: peer[%s]: tx[%s]: %s", p.addr, id, err)

	default:
		c.misbehave(p, peer.ReasonProtocolViolation, err)
	}
}

// handleGetBlocks announces the best chain blocks following the locator.
func (c *Coordinator) handleGetBlocks(p *remote, m *wire.MsgGetBlocks) {
	if len(m.Locator) > maxLocator {
		c.misbehave(p, peer.ReasonProtocolViolation, fmt.Errorf("locator of %d hashes", len(m.Locator)))
		return
	}

	hashes := c.state.BlockHashesAfter(m.Locator, m.Stop, wire.MaxBlocksPerGetBlocks)
	if len(hashes) == 0 {
		return
	}

	items := make([]wire.InvVect, len(hashes))
	for i, hash := range hashes {
		items[i] = wire.InvVect{Type: wire.InvBlock, Hash: hash}
	}

	c.evHandler("relay: handleGetBlocks: peer[%s]: announcing %d blocks", p.addr, len(items))

	p.send(&wire.MsgInv{Items: items}, c.cfg.WriteTimeout)
}

// handleGetAddr shares the known peers and the listen hosts of the
// connected ones.
func (c *Coordinator) handleGetAddr(p *remote) {
	seen := make(map[string]struct{})
	var hosts []string

	add := func(host string) {
		if host == "" || host == p.version.ListenHost || len(hosts) >= wire.MaxAddrs {
			return
		}
		if _, exists := seen[host]; exists {
			return
		}
		seen[host] = struct{}{}
		hosts = append(hosts, host)
	}

	add(c.cfg.ExternalHost)
	for _, other := range c.activePeers() {
		add(other.version.ListenHost)
	}
	for _, known := range c.state.KnownPeers() {
		add(known.Host)
	}

	if len(hosts) > 0 {
		p.queue(&wire.MsgAddr{Hosts: hosts})
	}
}

// handleAddr records the hosts the peer knows about.
func (c *Coordinator) handleAddr(p *remote, m *wire.MsgAddr) {
	if len(m.Hosts) > wire.MaxAddrs {
		c.misbehave(p, peer.ReasonProtocolViolation, fmt.Errorf("addr of %d hosts", len(m.Hosts)))
		return
	}

	var added int
	for _, host := range m.Hosts {
		if host == c.cfg.ExternalHost {
			continue
		}
		if _, _, err := net.SplitHostPort(host); err != nil {
			continue
		}
		if c.state.AddKnownPeer(peer.New(host)) {
			added++
		}
	}

	if added > 0 {
		c.evHandler("relay: handleAddr: peer[%s]: learned %d hosts", p.addr, added)
	}
}

// =============================================================================

// requestBlocks asks the peer for the best chain blocks following our
// locator, up to stop when it is set.
func (c *Coordinator) requestBlocks(p *remote, stop database.Hash) {
	p.queue(&wire.MsgGetBlocks{Locator: c.state.Locator(), Stop: stop})
}

// request records that the item is being requested from the peer. It
// returns false when another request for the item is outstanding.
func (c *Coordinator) request(p *remote, iv wire.InvVect) bool {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()

	if _, exists := c.requested[iv]; exists {
		return false
	}

	c.requested[iv] = request{peer: p.addr, at: time.Now()}
	return true
}

// take removes the request for the item and reports whether it was
// requested from the peer.
func (c *Coordinator) take(p *remote, iv wire.InvVect) bool {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()

	req, exists := c.requested[iv]
	if !exists || req.peer != p.addr {
		return false
	}

	delete(c.requested, iv)
	return true
}

// release removes the requests made to the peer for the items.
func (c *Coordinator) release(p *remote, items []wire.InvVect) {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()

	for _, iv := range items {
		if req, exists := c.requested[iv]; exists && req.peer == p.addr {
			delete(c.requested, iv)
		}
	}
}

// misbehave scores the peer. Once the score reaches the ban threshold
// every connection from the peer's address is closed.
func (c *Coordinator) misbehave(p *remote, reason peer.BanReason, err error) {
	c.metrics.misbehavior.WithLabelValues(reason.String()).Inc()

	score, banned := c.bans.AddScore(p.addr, reason)

	c.evHandler("relay: misbehave: peer[%s] reason[%s] score[%d]: %s", p.addr, reason, score, err)

	if !banned {
		return
	}

	ip := peer.HostIP(p.addr)

	p.close()
	for _, other := range c.activePeers() {
		if peer.HostIP(other.addr) == ip {
			other.close()
		}
	}

	c.metrics.banned.Set(float64(len(c.bans.ListBanned())))
}
