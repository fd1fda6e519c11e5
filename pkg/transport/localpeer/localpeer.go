// Package localpeer is the in-memory transport used by tests and by
// the cluster test harness: every node in one process, RPCs delivered
// as direct calls through a shared hub that can partition a node or a
// specific pair of nodes, and inject latency and message loss on every
// call through the hub.
package localpeer

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/arangodb/agency/pkg/transport"
)

// ErrUnreachable is returned for calls across a partition or to an
// unregistered node, standing in for a connection timeout.
var ErrUnreachable = errors.New("localpeer: peer unreachable")

// Hub routes RPCs between registered nodes and owns the fault model.
type Hub struct {
	mu         sync.RWMutex
	consensus  map[string]transport.ConsensusServer
	gossip     map[string]transport.GossipServer
	voters     map[string]func(transport.RequestVoteArgs) transport.RequestVoteReply
	partitions map[string]map[string]bool
	dropRate   float64
	minDelay   time.Duration
	maxDelay   time.Duration
	rng        *rand.Rand
}

func NewHub() *Hub {
	return &Hub{
		consensus:  make(map[string]transport.ConsensusServer),
		gossip:     make(map[string]transport.GossipServer),
		partitions: make(map[string]map[string]bool),
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// RegisterConsensus attaches a node's consensus RPC handler.
func (h *Hub) RegisterConsensus(id string, srv transport.ConsensusServer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.consensus[id] = srv
	if h.partitions[id] == nil {
		h.partitions[id] = make(map[string]bool)
	}
}

// RegisterGossip attaches a node's gossip handler.
func (h *Hub) RegisterGossip(id string, srv transport.GossipServer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.gossip[id] = srv
	if h.partitions[id] == nil {
		h.partitions[id] = make(map[string]bool)
	}
}

// Deregister removes a node entirely, simulating a crashed process.
func (h *Hub) Deregister(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.consensus, id)
	delete(h.gossip, id)
}

// SetFaults configures random message loss and delivery latency.
func (h *Hub) SetFaults(dropRate float64, minDelay, maxDelay time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dropRate = dropRate
	h.minDelay = minDelay
	h.maxDelay = maxDelay
}

// Partition isolates id from every other node, both directions.
func (h *Hub) Partition(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for other := range h.partitions {
		if other != id {
			h.partitions[id][other] = true
			h.partitions[other][id] = true
		}
	}
}

// Heal reconnects id to every other node.
func (h *Hub) Heal(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for other := range h.partitions {
		if other != id {
			delete(h.partitions[id], other)
			delete(h.partitions[other], id)
		}
	}
}

// PartitionBetween cuts one specific pair.
func (h *Hub) PartitionBetween(a, b string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.partitions[a][b] = true
	h.partitions[b][a] = true
}

// HealBetween restores one specific pair.
func (h *Hub) HealBetween(a, b string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.partitions[a], b)
	delete(h.partitions[b], a)
}

// deliverable decides one message's fate and, when deliverable, sleeps
// for the simulated latency before the handler runs.
func (h *Hub) deliverable(ctx context.Context, from, to string) error {
	h.mu.Lock()
	cut := h.partitions[from][to]
	drop := h.dropRate > 0 && h.rng.Float64() < h.dropRate
	delay := h.minDelay
	if h.maxDelay > h.minDelay {
		delay += time.Duration(h.rng.Int63n(int64(h.maxDelay - h.minDelay)))
	}
	h.mu.Unlock()

	if cut || drop {
		return ErrUnreachable
	}
	if delay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return nil
}

// Peer returns the transport.Peer a specific node uses for its
// outbound RPCs; from identifies that node for partition checks.
func (h *Hub) Peer(from string) transport.Peer {
	return &peer{hub: h, from: from}
}

type peer struct {
	hub  *Hub
	from string
}

func (p *peer) target(id string) (transport.ConsensusServer, error) {
	p.hub.mu.RLock()
	defer p.hub.mu.RUnlock()
	srv, ok := p.hub.consensus[id]
	if !ok {
		return nil, ErrUnreachable
	}
	return srv, nil
}

func (p *peer) RequestVote(ctx context.Context, peerID string, args transport.RequestVoteArgs) (transport.RequestVoteReply, error) {
	if err := p.hub.deliverable(ctx, p.from, peerID); err != nil {
		return transport.RequestVoteReply{}, err
	}
	srv, err := p.target(peerID)
	if err != nil {
		return transport.RequestVoteReply{}, err
	}
	return srv.HandleRequestVote(ctx, args), nil
}

func (p *peer) AppendEntries(ctx context.Context, peerID string, args transport.AppendEntriesArgs) (transport.AppendEntriesReply, error) {
	if err := p.hub.deliverable(ctx, p.from, peerID); err != nil {
		return transport.AppendEntriesReply{}, err
	}
	srv, err := p.target(peerID)
	if err != nil {
		return transport.AppendEntriesReply{}, err
	}
	return srv.HandleAppendEntries(ctx, args), nil
}

func (p *peer) InstallSnapshot(ctx context.Context, peerID string, args transport.InstallSnapshotArgs) (transport.InstallSnapshotReply, error) {
	if err := p.hub.deliverable(ctx, p.from, peerID); err != nil {
		return transport.InstallSnapshotReply{}, err
	}
	srv, err := p.target(peerID)
	if err != nil {
		return transport.InstallSnapshotReply{}, err
	}
	return srv.HandleInstallSnapshot(ctx, args), nil
}

func (p *peer) Gossip(ctx context.Context, peerID string, args transport.GossipArgs) (transport.GossipReply, error) {
	if err := p.hub.deliverable(ctx, p.from, peerID); err != nil {
		return transport.GossipReply{}, err
	}
	p.hub.mu.RLock()
	srv, ok := p.hub.gossip[peerID]
	p.hub.mu.RUnlock()
	if !ok {
		return transport.GossipReply{}, ErrUnreachable
	}
	return srv.HandleGossip(ctx, args), nil
}

func (p *peer) NotifyAll(ctx context.Context, peerID string, args transport.NotifyAllArgs) (transport.NotifyAllReply, error) {
	if err := p.hub.deliverable(ctx, p.from, peerID); err != nil {
		return transport.NotifyAllReply{}, err
	}
	srv, err := p.target(peerID)
	if err != nil {
		return transport.NotifyAllReply{}, err
	}
	return srv.HandleNotifyAll(ctx, args), nil
}
