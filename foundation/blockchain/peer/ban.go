package peer

import (
	"slices"
	"sync"
	"time"
)

// BanReason represents the categories of misbehavior a peer is scored for.
type BanReason int

// Set of ban reasons.
const (
	ReasonUnknown BanReason = iota
	ReasonMalformed
	ReasonInvalidBlock
	ReasonBadSignature
	ReasonProtocolViolation
	ReasonSpam
	ReasonUnrequested
)

// String implements the Stringer interface.
func (r BanReason) String() string {
	switch r {
	case ReasonMalformed:
		return "malformed"
	case ReasonInvalidBlock:
		return "invalid_block"
	case ReasonBadSignature:
		return "bad_signature"
	case ReasonProtocolViolation:
		return "protocol_violation"
	case ReasonSpam:
		return "spam"
	case ReasonUnrequested:
		return "unrequested"
	}
	return "unknown"
}

// Default ban settings.
const (
	DefaultBanThreshold  = 100
	DefaultBanDuration   = 24 * time.Hour
	DefaultDecayInterval = time.Minute
)

// BanScore holds the score and ban status for a peer.
type BanScore struct {
	Score      int       `json:"score"`
	Banned     bool      `json:"banned"`
	BanUntil   time.Time `json:"ban_until"`
	LastUpdate time.Time `json:"last_update"`
	Reasons    []string  `json:"reasons"`
}

// BanConfig represents the configuration for the ban manager.
type BanConfig struct {
	Threshold     int
	Duration      time.Duration
	DecayInterval time.Duration
	DecayAmount   int
	OnBanned      func(host string, until time.Time, reason string)
	Now           func() time.Time
}

// BanManager tracks a misbehavior score per peer address. Once a score
// reaches the threshold the address is banned for the ban duration. Scores
// decay over time so occasional mistakes are forgiven.
type BanManager struct {
	mu           sync.RWMutex
	scores       map[string]*BanScore
	reasonPoints map[BanReason]int
	cfg          BanConfig
}

// NewBanManager constructs a ban manager, filling in defaults.
func NewBanManager(cfg BanConfig) *BanManager {
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultBanThreshold
	}
	if cfg.Duration <= 0 {
		cfg.Duration = DefaultBanDuration
	}
	if cfg.DecayInterval <= 0 {
		cfg.DecayInterval = DefaultDecayInterval
	}
	if cfg.DecayAmount <= 0 {
		cfg.DecayAmount = 1
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &BanManager{
		scores: make(map[string]*BanScore),
		reasonPoints: map[BanReason]int{
			ReasonMalformed:         100,
			ReasonInvalidBlock:      100,
			ReasonBadSignature:      100,
			ReasonProtocolViolation: 20,
			ReasonSpam:              50,
			ReasonUnrequested:       10,
		},
		cfg: cfg,
	}
}

// AddScore adds the points for the reason to the score of the host after
// applying decay. The current score is returned with whether the host is
// now banned.
func (bm *BanManager) AddScore(host string, reason BanReason) (score int, banned bool) {
	ip := HostIP(host)
	now := bm.cfg.Now()

	bm.mu.Lock()

	entry, exists := bm.scores[ip]
	if !exists {
		entry = &BanScore{LastUpdate: now}
		bm.scores[ip] = entry
	}

	if steps := int(now.Sub(entry.LastUpdate) / bm.cfg.DecayInterval); steps > 0 {
		entry.Score = max(entry.Score-steps*bm.cfg.DecayAmount, 0)
		entry.LastUpdate = now
	}

	entry.Reasons = append(entry.Reasons, reason.String())

	points, found := bm.reasonPoints[reason]
	if !found {
		points = 1
	}
	entry.Score += points

	var notify bool
	if entry.Score >= bm.cfg.Threshold && !entry.Banned {
		entry.Banned = true
		entry.BanUntil = now.Add(bm.cfg.Duration)
		notify = true
	}

	score, banned, until := entry.Score, entry.Banned, entry.BanUntil
	bm.mu.Unlock()

	if notify && bm.cfg.OnBanned != nil {
		bm.cfg.OnBanned(ip, until, reason.String())
	}

	return score, banned
}

// IsBanned reports whether the host is banned. An expired ban is cleared.
func (bm *BanManager) IsBanned(host string) bool {
	ip := HostIP(host)

	bm.mu.Lock()
	defer bm.mu.Unlock()

	entry, exists := bm.scores[ip]
	if !exists || !entry.Banned {
		return false
	}

	if bm.cfg.Now().After(entry.BanUntil) {
		delete(bm.scores, ip)
		return false
	}

	return true
}

// Score returns a copy of the score for the host.
func (bm *BanManager) Score(host string) (BanScore, bool) {
	bm.mu.RLock()
	defer bm.mu.RUnlock()

	entry, exists := bm.scores[HostIP(host)]
	if !exists {
		return BanScore{}, false
	}

	cpy := *entry
	cpy.Reasons = slices.Clone(entry.Reasons)

	return cpy, true
}

// Reset clears the score and ban of the host.
func (bm *BanManager) Reset(host string) {
	bm.mu.Lock()
	defer bm.mu.Unlock()

	delete(bm.scores, HostIP(host))
}

// ListBanned returns the addresses currently banned.
func (bm *BanManager) ListBanned() map[string]time.Time {
	bm.mu.RLock()
	defer bm.mu.RUnlock()

	now := bm.cfg.Now()

	banned := make(map[string]time.Time)
	for ip, entry := range bm.scores {
		if entry.Banned && now.Before(entry.BanUntil) {
			banned[ip] = entry.BanUntil
		}
	}

	return banned
}

// Cleanup applies decay and removes entries with nothing left to remember.
func (bm *BanManager) Cleanup() {
	bm.mu.Lock()
	defer bm.mu.Unlock()

	now := bm.cfg.Now()

	for ip, entry := range bm.scores {
		if entry.Banned && now.After(entry.BanUntil) {
			delete(bm.scores, ip)
			continue
		}

		if steps := int(now.Sub(entry.LastUpdate) / bm.cfg.DecayInterval); steps > 0 {
			entry.Score = max(entry.Score-steps*bm.cfg.DecayAmount, 0)
			entry.LastUpdate = now
		}

		if entry.Score == 0 && !entry.Banned {
			delete(bm.scores, ip)
		}
	}
}
