package inception

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arangodb/agency/pkg/cluster"
	"github.com/arangodb/agency/pkg/transport"
	"github.com/arangodb/agency/pkg/transport/localpeer"
)

func gossipFrom(sender string, pool map[string]string) transport.GossipArgs {
	return transport.GossipArgs{SenderID: sender, Pool: pool, Version: 1}
}

func newBootstrapper(hub *localpeer.Hub, id string, seeds map[string]string, poolSize int) (*Bootstrapper, *cluster.Manager) {
	mgr := cluster.NewManager()
	b := New(Config{
		NodeID:         id,
		Endpoint:       id,
		Seeds:          seeds,
		PoolSize:       poolSize,
		GossipInterval: 10 * time.Millisecond,
		Timeout:        5 * time.Second,
	}, hub.Peer(id), mgr, zerolog.Nop())
	hub.RegisterGossip(id, b)
	return b, mgr
}

func TestGossipConvergesFromPartialSeeds(t *testing.T) {
	hub := localpeer.NewHub()

	// a knows b; b knows c; c knows nobody. Transitive gossip must
	// still assemble the full pool of three on every node.
	ba, ma := newBootstrapper(hub, "a", map[string]string{"b": "b"}, 3)
	bb, mb := newBootstrapper(hub, "b", map[string]string{"c": "c"}, 3)
	bc, mc := newBootstrapper(hub, "c", nil, 3)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	done := make(chan error, 3)
	for _, b := range []*Bootstrapper{ba, bb, bc} {
		b := b
		go func() { done <- b.Run(ctx) }()
	}
	for i := 0; i < 3; i++ {
		require.NoError(t, <-done)
	}

	for _, b := range []*Bootstrapper{ba, bb, bc} {
		pool := b.Pool()
		assert.Len(t, pool, 3)
		assert.Contains(t, pool, "a")
		assert.Contains(t, pool, "b")
		assert.Contains(t, pool, "c")
	}

	// Every manager ends with three active voting peers.
	for _, m := range []*cluster.Manager{ma, mb, mc} {
		assert.Len(t, m.GetVotingPeerIDs(), 3)
	}
}

func TestGossipTimesOutWithPartialPool(t *testing.T) {
	hub := localpeer.NewHub()

	// a expects three peers but only b exists.
	mgr := cluster.NewManager()
	a := New(Config{
		NodeID:         "a",
		Endpoint:       "a",
		Seeds:          map[string]string{"b": "b"},
		PoolSize:       3,
		GossipInterval: 10 * time.Millisecond,
		Timeout:        300 * time.Millisecond,
	}, hub.Peer("a"), mgr, zerolog.Nop())
	hub.RegisterGossip("a", a)
	newBootstrapper(hub, "b", map[string]string{"a": "a"}, 3)

	require.NoError(t, a.Run(context.Background()))

	// The node proceeds with what it found rather than hanging.
	assert.Len(t, a.Pool(), 2)
	assert.Len(t, mgr.GetVotingPeerIDs(), 2)
}

func TestHandleGossipMergesAndReplies(t *testing.T) {
	hub := localpeer.NewHub()
	b, _ := newBootstrapper(hub, "a", nil, 2)

	reply := b.HandleGossip(context.Background(), gossipFrom("b", map[string]string{"a": "a", "b": "b"}))
	assert.Contains(t, reply.Pool, "a")
	assert.Contains(t, reply.Pool, "b")
	assert.Len(t, b.Pool(), 2)
}

func TestHandleGossipRedirectsToKnownLeader(t *testing.T) {
	hub := localpeer.NewHub()
	b, _ := newBootstrapper(hub, "b", nil, 2)
	b.SetLeaderHint(func() (string, string) { return "leader-1", "10.0.0.9:8529" })

	reply := b.HandleGossip(context.Background(), gossipFrom("x", map[string]string{"x": "x"}))
	assert.Equal(t, "10.0.0.9:8529", reply.Redirect)
	assert.Equal(t, "leader-1", reply.RedirectID)
	assert.Empty(t, reply.Pool)
	// A redirect reply merges nothing from the sender.
	assert.NotContains(t, b.Pool(), "x")
}

func TestGossipFollowsRedirectIntoPool(t *testing.T) {
	hub := localpeer.NewHub()
	a, _ := newBootstrapper(hub, "a", map[string]string{"b": "b"}, 3)
	b, _ := newBootstrapper(hub, "b", nil, 3)
	b.SetLeaderHint(func() (string, string) { return "leader-1", "10.0.0.9:8529" })

	a.gossipOnce(context.Background(), "b")

	// The redirected sender adds the leader to its peer set, keyed by
	// id, and can gossip with it on a later round.
	pool := a.Pool()
	assert.Equal(t, "10.0.0.9:8529", pool["leader-1"])

	// A node that redirects never reports agreement, so the sender
	// must not count it toward convergence.
	assert.False(t, a.converged())
}
