// Package inception implements the pre-consensus bootstrap (component
// C6): fresh peers gossip their pool views round-robin until every
// reachable peer agrees on the same pool of a configured size, then
// hand that membership to the election machinery and stop. Inception
// never writes to the replicated store.
package inception

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/arangodb/agency/pkg/cluster"
	"github.com/arangodb/agency/pkg/transport"
)

// Config parameterizes a bootstrap round.
type Config struct {
	NodeID   string
	Endpoint string

	// Seeds are the endpoints (peer id -> endpoint) this node knows at
	// process start, from configuration.
	Seeds map[string]string

	// PoolSize is the pool size gossip must reach before bootstrap is
	// considered convergent.
	PoolSize int

	// GossipInterval is the pause between rounds; Timeout caps the
	// whole bootstrap, after which the node proceeds with whatever pool
	// it has.
	GossipInterval time.Duration
	Timeout        time.Duration
}

// Bootstrapper runs the gossip exchange for one node and implements
// transport.GossipServer for the inbound half.
type Bootstrapper struct {
	cfg   Config
	peers transport.Peer
	mgr   *cluster.Manager
	log   zerolog.Logger

	mu      sync.Mutex
	pool    map[string]string
	version uint64

	// agreed marks peers whose last gossip reply carried exactly our
	// pool: the convergence signal. Any pool growth clears it, since
	// every peer then has to re-confirm the larger pool.
	agreed map[string]bool

	// leaderHint, once installed (after bootstrap hands off to the
	// election machinery), lets HandleGossip redirect late joiners to
	// the elected leader instead of merging pools forever.
	leaderHint func() (id, endpoint string)
}

func New(cfg Config, peers transport.Peer, mgr *cluster.Manager, log zerolog.Logger) *Bootstrapper {
	pool := map[string]string{cfg.NodeID: cfg.Endpoint}
	for id, ep := range cfg.Seeds {
		if id != cfg.NodeID {
			pool[id] = ep
		}
	}
	return &Bootstrapper{
		cfg:     cfg,
		peers:   peers,
		mgr:     mgr,
		log:     log.With().Str("component", "inception").Str("node_id", cfg.NodeID).Logger(),
		pool:    pool,
		version: 1,
		agreed:  make(map[string]bool),
	}
}

// Pool returns a copy of the current pool view.
func (b *Bootstrapper) Pool() map[string]string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]string, len(b.pool))
	for id, ep := range b.pool {
		out[id] = ep
	}
	return out
}

func (b *Bootstrapper) Version() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.version
}

// SetLeaderHint installs the leader lookup consulted by HandleGossip.
// Installed after Run completes; during bootstrap no leader exists and
// every gossip merges.
func (b *Bootstrapper) SetLeaderHint(fn func() (id, endpoint string)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.leaderHint = fn
}

func (b *Bootstrapper) knownLeader() (string, string) {
	b.mu.Lock()
	fn := b.leaderHint
	b.mu.Unlock()
	if fn == nil {
		return "", ""
	}
	return fn()
}

// Run gossips until the pool converges or the timeout forces the node
// onward. On return the cluster manager holds one active, voting record
// per pool member — the membership the Constituent starts elections
// with.
func (b *Bootstrapper) Run(ctx context.Context) error {
	deadline := time.Now().Add(b.cfg.Timeout)
	round := 0

	for {
		if b.converged() {
			b.log.Info().Int("pool_size", len(b.Pool())).Msg("gossip converged")
			break
		}
		if time.Now().After(deadline) {
			b.log.Warn().
				Int("pool_size", len(b.Pool())).
				Int("want", b.cfg.PoolSize).
				Msg("gossip timeout, proceeding with partial pool")
			break
		}

		target := b.pickTarget(round)
		round++
		if target != "" {
			b.gossipOnce(ctx, target)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(b.cfg.GossipInterval):
		}
	}

	b.commitMembership()
	return nil
}

// pickTarget chooses gossip targets round-robin over the sorted pool,
// skipping self.
func (b *Bootstrapper) pickTarget(round int) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	ids := make([]string, 0, len(b.pool))
	for id := range b.pool {
		if id != b.cfg.NodeID {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return ""
	}
	sort.Strings(ids)
	return ids[round%len(ids)]
}

func (b *Bootstrapper) gossipOnce(ctx context.Context, target string) {
	b.mu.Lock()
	args := transport.GossipArgs{
		SenderID: b.cfg.NodeID,
		Pool:     make(map[string]string, len(b.pool)),
		Version:  b.version,
	}
	for id, ep := range b.pool {
		args.Pool[id] = ep
	}
	b.mu.Unlock()

	rctx, cancel := context.WithTimeout(ctx, b.cfg.GossipInterval*4)
	reply, err := b.peers.Gossip(rctx, target, args)
	cancel()
	if err != nil {
		b.log.Debug().Err(err).Str("target", target).Msg("gossip round failed")
		return
	}

	if reply.Redirect != "" {
		// The target already follows an elected leader; add that
		// leader to the peer set and gossip with it on a later round.
		if reply.RedirectID != "" {
			b.merge(map[string]string{reply.RedirectID: reply.Redirect})
		}
		return
	}
	matched := b.merge(reply.Pool)
	b.mu.Lock()
	b.agreed[target] = matched
	b.mu.Unlock()
}

// merge folds an incoming pool into ours, bumping our version when it
// taught us something new. It returns whether the incoming pool matched
// ours exactly, meaning that peer and this node agree.
func (b *Bootstrapper) merge(pool map[string]string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	grew := false
	for id, ep := range pool {
		if _, known := b.pool[id]; !known {
			b.pool[id] = ep
			grew = true
		}
	}
	if grew {
		b.version++
		b.agreed = make(map[string]bool)
	}
	return !grew && len(pool) == len(b.pool)
}

// HandleGossip implements transport.GossipServer. A node that already
// follows an elected leader (other than itself) redirects the sender
// there instead of merging; everyone else merges and replies with its
// own pool.
func (b *Bootstrapper) HandleGossip(ctx context.Context, args transport.GossipArgs) transport.GossipReply {
	if id, ep := b.knownLeader(); id != "" && id != b.cfg.NodeID {
		return transport.GossipReply{Redirect: ep, RedirectID: id}
	}

	matched := b.merge(args.Pool)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.agreed[args.SenderID] = matched
	reply := transport.GossipReply{
		Pool:    make(map[string]string, len(b.pool)),
		Version: b.version,
	}
	for id, ep := range b.pool {
		reply.Pool[id] = ep
	}
	return reply
}

// converged reports whether the pool has reached the configured size
// and every other member has confirmed the identical pool.
func (b *Bootstrapper) converged() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.pool) < b.cfg.PoolSize {
		return false
	}
	for id := range b.pool {
		if id == b.cfg.NodeID {
			continue
		}
		if !b.agreed[id] {
			return false
		}
	}
	return true
}

// commitMembership records the final pool in the cluster manager:
// every pool member becomes an active voting peer. Later membership
// changes go through replicated configuration entries, not gossip.
func (b *Bootstrapper) commitMembership() {
	for id, ep := range b.Pool() {
		if _, exists := b.mgr.GetPeer(id); !exists {
			_ = b.mgr.AddPeer(cluster.Peer{ID: id, Endpoint: ep, Voting: true})
		}
		_ = b.mgr.ActivatePeer(id)
	}
}
