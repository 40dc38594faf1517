// Package state is the core API for the blockchain and implements all the
// business rules and processing.
package state

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ardanlabs/utxonode/foundation/blockchain/chain"
	"github.com/ardanlabs/utxonode/foundation/blockchain/database"
	"github.com/ardanlabs/utxonode/foundation/blockchain/genesis"
	"github.com/ardanlabs/utxonode/foundation/blockchain/mempool"
	"github.com/ardanlabs/utxonode/foundation/blockchain/mempool/selector"
	"github.com/ardanlabs/utxonode/foundation/blockchain/peer"
	"github.com/jellydator/ttlcache/v3"
	"github.com/prometheus/client_golang/prometheus"
)

// Default limits for the orphan pools.
const (
	DefaultMaxOrphanTxs    = 1_000
	DefaultMaxOrphanBlocks = 100
	DefaultOrphanTTL       = 20 * time.Minute
)

// ErrAlreadyHave is returned when a block or transaction is already known.
var ErrAlreadyHave = chain.ErrAlreadyHave

// =============================================================================

// EventHandler defines a function that is called when events
// occur in the processing of persisting blocks.
type EventHandler func(v string, args ...any)

// Worker interface represents the behavior required to be implemented by any
// package providing support for mining and maintenance.
type Worker interface {
	Shutdown()
	SignalStartMining()
	SignalCancelMining()
}

// Announcer interface represents the behavior required to be implemented by
// any package relaying accepted blocks and transactions to peers. The
// origin is the peer that delivered the item, empty for local items.
type Announcer interface {
	AnnounceBlock(hash database.Hash, origin string)
	AnnounceTx(id database.Hash, origin string)
}

// =============================================================================

// Config represents the configuration required to start
// the blockchain node.
type Config struct {
	MinerAddress    database.Address
	MineEmptyBlocks bool
	Host            string
	Storage         database.Storage
	Genesis         genesis.Genesis
	SelectStrategy  string
	MempoolMaxBytes int
	MempoolMaxChain int
	MaxOrphanTxs    int
	MaxOrphanBlocks int
	OrphanTTL       time.Duration
	KnownPeers      *peer.PeerSet
	EvHandler       EventHandler
	OnNewBestTip    func(hash database.Hash)
	Fatal           func(err error)
	Registerer      prometheus.Registerer
	Now             func() time.Time
}

// State manages the blockchain database.
type State struct {
	minerAddress    database.Address
	mineEmptyBlocks bool
	host            string
	evHandler       EventHandler
	onNewBestTip    func(hash database.Hash)
	fatal           func(err error)
	fatalOnce       sync.Once
	now             func() time.Time

	// mu serializes every mutation of the chain, the mempool and the
	// orphan pools.
	mu sync.Mutex

	knownPeers   *peer.PeerSet
	genesis      genesis.Genesis
	storage      database.Storage
	chain        *chain.Chain
	mempool      *mempool.Mempool
	orphanTxs    *mempool.OrphanPool
	orphanBlocks *ttlcache.Cache[database.Hash, orphanBlock]
	orphanByPrev map[database.Hash][]database.Hash
	metrics      *metrics

	Worker    Worker
	Announcer Announcer
}

// New constructs a new blockchain for data management.
func New(cfg Config) (*State, error) {

	// Build a safe event handler function for use.
	ev := func(v string, args ...any) {
		if cfg.EvHandler != nil {
			cfg.EvHandler(v, args...)
		}
	}

	if cfg.Storage == nil {
		return nil, errors.New("storage is required")
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	// Load the chain from storage. Empty storage gets the genesis block.
	chn, err := chain.New(chain.Config{
		Storage:   cfg.Storage,
		Genesis:   cfg.Genesis,
		EvHandler: ev,
		Now:       now,
	})
	if err != nil {
		return nil, fmt.Errorf("loading chain: %w", err)
	}

	strategy := cfg.SelectStrategy
	if strategy == "" {
		strategy = selector.StrategyFeeRate
	}

	// Construct a mempool with the specified select strategy.
	mp, err := mempool.NewWithConfig(mempool.Config{
		MaxBytes:     cfg.MempoolMaxBytes,
		MaxAncestors: cfg.MempoolMaxChain,
		Strategy:     strategy,
		Now:          now,
	})
	if err != nil {
		return nil, err
	}

	maxOrphanTxs := cfg.MaxOrphanTxs
	if maxOrphanTxs <= 0 {
		maxOrphanTxs = DefaultMaxOrphanTxs
	}
	maxOrphanBlocks := cfg.MaxOrphanBlocks
	if maxOrphanBlocks <= 0 {
		maxOrphanBlocks = DefaultMaxOrphanBlocks
	}
	orphanTTL := cfg.OrphanTTL
	if orphanTTL <= 0 {
		orphanTTL = DefaultOrphanTTL
	}

	orphanBlocks := ttlcache.New[database.Hash, orphanBlock](
		ttlcache.WithTTL[database.Hash, orphanBlock](orphanTTL),
		ttlcache.WithCapacity[database.Hash, orphanBlock](uint64(maxOrphanBlocks)),
		ttlcache.WithDisableTouchOnHit[database.Hash, orphanBlock](),
	)

	knownPeers := cfg.KnownPeers
	if knownPeers == nil {
		knownPeers = peer.NewPeerSet(0)
	}

	// Create the State to provide support for managing the blockchain.
	state := State{
		minerAddress:    cfg.MinerAddress,
		mineEmptyBlocks: cfg.MineEmptyBlocks,
		host:            cfg.Host,
		evHandler:       ev,
		onNewBestTip:    cfg.OnNewBestTip,
		fatal:           cfg.Fatal,
		now:             now,

		knownPeers:   knownPeers,
		genesis:      cfg.Genesis,
		storage:      cfg.Storage,
		chain:        chn,
		mempool:      mp,
		orphanTxs:    mempool.NewOrphanPool(uint64(maxOrphanTxs), orphanTTL),
		orphanBlocks: orphanBlocks,
		orphanByPrev: make(map[database.Hash][]database.Hash),
		metrics:      newMetrics(cfg.Registerer),
	}

	state.metrics.setTip(chn.BestTip())

	// The Worker and Announcer are not set here. The call to worker.Run and
	// relay.New will assign themselves.

	return &state, nil
}

// Shutdown cleanly brings the node down. The current unit of work finishes
// before storage is closed.
func (s *State) Shutdown() error {
	s.evHandler("state: shutdown: started")
	defer s.evHandler("state: shutdown: completed")

	// Stop all blockchain writing activity.
	if s.Worker != nil {
		s.Worker.Shutdown()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Make sure the database files are properly closed.
	return s.storage.Close()
}

// checkFatal reports storage corruption through the Fatal callback, once.
// The error is returned unchanged.
func (s *State) checkFatal(err error) error {
	if err == nil || !errors.Is(err, database.ErrCorrupt) {
		return err
	}

	s.fatalOnce.Do(func() {
		s.evHandler("state: FATAL: %s", err)
		if s.fatal != nil {
			s.fatal(err)
		}
	})

	return err
}

// Maintain drops expired mempool entries and orphans.
func (s *State) Maintain(mempoolExpiry time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if expired := s.mempool.Expire(mempoolExpiry); len(expired) > 0 {
		s.evHandler("state: Maintain: expired mempool txs[%d]", len(expired))
	}

	s.orphanTxs.DeleteExpired()
	s.orphanBlocks.DeleteExpired()
	s.pruneOrphanBlocks()

	s.metrics.setPools(s)
}

// =============================================================================

// announceBlock hands the block to the announcer if one is registered.
func (s *State) announceBlock(hash database.Hash, origin string) {
	if s.Announcer != nil {
		s.Announcer.AnnounceBlock(hash, origin)
	}
}

// announceTx hands the transaction to the announcer if one is registered.
func (s *State) announceTx(id database.Hash, origin string) {
	if s.Announcer != nil {
		s.Announcer.AnnounceTx(id, origin)
	}
}

// signalMining restarts mining on top of a new tip.
func (s *State) signalMining() {
	if s.Worker != nil {
		s.Worker.SignalCancelMining()
		s.Worker.SignalStartMining()
	}
}
