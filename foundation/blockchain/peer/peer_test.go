package peer_test

import (
	"testing"
	"time"

	"github.com/ardanlabs/utxonode/foundation/blockchain/peer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_CRUD(t *testing.T) {
	type table struct {
		name  string
		max   int
		peers []peer.Peer
		exp   int
	}

	tt := []table{
		{
			name:  "basic",
			peers: []peer.Peer{{Host: "host1:9080"}, {Host: "host2:9080"}, {Host: "host3:9080"}},
			exp:   3,
		},
		{
			name:  "bounded",
			max:   2,
			peers: []peer.Peer{{Host: "host1:9080"}, {Host: "host2:9080"}, {Host: "host3:9080"}},
			exp:   2,
		},
	}

	for _, tst := range tt {
		f := func(t *testing.T) {
			ps := peer.NewPeerSet(tst.max)

			for _, peer := range tst.peers {
				ps.Add(peer)
			}

			assert.False(t, ps.Add(tst.peers[0]), "Should not add a known peer twice.")

			peers := ps.Copy("")
			require.Len(t, peers, tst.exp)
			assert.True(t, peers[0].Host < peers[1].Host, "Should get back peers in host order.")

			peers = ps.Copy("host1:9080")
			assert.Len(t, peers, tst.exp-1)

			ps.Remove(tst.peers[0])
			assert.Equal(t, tst.exp-1, ps.Len())
		}

		t.Run(tst.name, f)
	}
}

func Test_HostIP(t *testing.T) {
	assert.Equal(t, "10.0.0.1", peer.HostIP("10.0.0.1:9080"))
	assert.Equal(t, "10.0.0.1", peer.HostIP("10.0.0.1"))
	assert.Equal(t, "::1", peer.HostIP("[::1]:9080"))
	assert.Equal(t, "10.0.0.1", peer.New("10.0.0.1:9080").IP())
}

// =============================================================================

type clock struct {
	now time.Time
}

func (c *clock) Now() time.Time {
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.now = c.now.Add(d)
}

func Test_BanScore(t *testing.T) {
	clk := clock{now: time.Unix(1_700_000_000, 0)}

	var bannedHost string
	bm := peer.NewBanManager(peer.BanConfig{
		Now: clk.Now,
		OnBanned: func(host string, until time.Time, reason string) {
			bannedHost = host
		},
	})

	score, banned := bm.AddScore("10.0.0.1:9080", peer.ReasonProtocolViolation)
	assert.Equal(t, 20, score)
	assert.False(t, banned)

	score, banned = bm.AddScore("10.0.0.1:9081", peer.ReasonSpam)
	assert.Equal(t, 70, score, "Should score by address regardless of port.")
	assert.False(t, banned)

	clk.Advance(10 * time.Minute)

	score, banned = bm.AddScore("10.0.0.1:9080", peer.ReasonProtocolViolation)
	assert.Equal(t, 80, score, "Should decay the score over time.")
	assert.False(t, banned)
	assert.False(t, bm.IsBanned("10.0.0.1:9080"))

	score, banned = bm.AddScore("10.0.0.1:9080", peer.ReasonProtocolViolation)
	assert.Equal(t, 100, score)
	assert.True(t, banned)
	assert.True(t, bm.IsBanned("10.0.0.1:1234"))
	assert.Equal(t, "10.0.0.1", bannedHost)

	entry, found := bm.Score("10.0.0.1")
	require.True(t, found)
	assert.Equal(t, []string{"protocol_violation", "spam", "protocol_violation", "protocol_violation"}, entry.Reasons)

	list := bm.ListBanned()
	require.Len(t, list, 1)
	assert.Equal(t, clk.now.Add(peer.DefaultBanDuration), list["10.0.0.1"])

	clk.Advance(peer.DefaultBanDuration + time.Second)
	assert.False(t, bm.IsBanned("10.0.0.1:9080"), "Should lift an expired ban.")
	assert.Empty(t, bm.ListBanned())
}

func Test_BanImmediate(t *testing.T) {
	clk := clock{now: time.Unix(1_700_000_000, 0)}
	bm := peer.NewBanManager(peer.BanConfig{Now: clk.Now})

	tt := []struct {
		reason peer.BanReason
		banned bool
	}{
		{peer.ReasonMalformed, true},
		{peer.ReasonInvalidBlock, true},
		{peer.ReasonBadSignature, true},
		{peer.ReasonSpam, false},
		{peer.ReasonUnrequested, false},
	}

	for i, tst := range tt {
		host := peer.New("10.0.1." + string(rune('1'+i)) + ":9080")

		_, banned := bm.AddScore(host.Host, tst.reason)
		assert.Equal(t, tst.banned, banned, tst.reason.String())

		bm.Reset(host.Host)
		assert.False(t, bm.IsBanned(host.Host))
	}
}

func Test_BanCleanup(t *testing.T) {
	clk := clock{now: time.Unix(1_700_000_000, 0)}
	bm := peer.NewBanManager(peer.BanConfig{Now: clk.Now})

	bm.AddScore("10.0.0.1:9080", peer.ReasonUnrequested)
	bm.AddScore("10.0.0.2:9080", peer.ReasonSpam)

	clk.Advance(20 * time.Minute)
	bm.Cleanup()

	_, found := bm.Score("10.0.0.1")
	assert.False(t, found, "Should forget a fully decayed score.")

	entry, found := bm.Score("10.0.0.2")
	require.True(t, found)
	assert.Equal(t, 30, entry.Score)
}
