// Package cluster tracks the replicated configuration record for every
// peer in the agency: identity, network endpoint, gossip-pool
// membership, voting eligibility, and the per-peer timing parameters
// the Constituent's election timeout is derived from.
package cluster

import (
	"fmt"
	"sync"

	iradix "github.com/hashicorp/go-immutable-radix"
)

// Peer is one member's configuration record, persisted the same way any
// other transaction is: through the log, as part of Plan.
type Peer struct {
	ID       string
	Endpoint string
	Voting   bool
	State    PeerState

	// Pool marks a peer discovered via gossip but not yet admitted as a
	// voting member of the Raft configuration.
	Pool bool

	MinPing     int64 // milliseconds
	MaxPing     int64
	TimeoutMult float64
}

// PeerState is the membership lifecycle state of a peer.
type PeerState int

const (
	PeerJoining PeerState = iota
	PeerActive
	PeerLeaving
	PeerRemoved
)

func (s PeerState) String() string {
	switch s {
	case PeerJoining:
		return "joining"
	case PeerActive:
		return "active"
	case PeerLeaving:
		return "leaving"
	case PeerRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

func (p *Peer) clone() *Peer {
	c := *p
	return &c
}

// Manager is the in-memory view of the cluster's configuration: seeded
// by the gossip bootstrap, then changed by configuration entries as
// they are applied from the log.
//
// The peer table is a github.com/hashicorp/go-immutable-radix tree
// rather than a plain map: iteration hands the supervision loop and
// the compactor a point-in-time view of membership for the cost of
// copying one root pointer, with no risk of observing a concurrent
// mutation mid-walk.
type Manager struct {
	mu      sync.RWMutex
	peers   *iradix.Tree
	version uint64
}

func NewManager() *Manager {
	return &Manager{peers: iradix.New()}
}

func (m *Manager) AddPeer(p Peer) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.peers.Get([]byte(p.ID)); exists {
		return fmt.Errorf("cluster: peer %s already exists", p.ID)
	}
	if p.State == 0 && !p.Pool {
		p.State = PeerJoining
	}
	stored := p
	txn := m.peers.Txn()
	txn.Insert([]byte(p.ID), &stored)
	m.peers = txn.Commit()
	m.version++
	return nil
}

func (m *Manager) RemovePeer(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, exists := m.peers.Get([]byte(id))
	if !exists {
		return fmt.Errorf("cluster: peer %s does not exist", id)
	}
	updated := v.(*Peer).clone()
	updated.State = PeerRemoved
	txn := m.peers.Txn()
	txn.Insert([]byte(id), updated)
	m.peers = txn.Commit()
	m.version++
	return nil
}

func (m *Manager) ActivatePeer(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, exists := m.peers.Get([]byte(id))
	if !exists {
		return fmt.Errorf("cluster: peer %s does not exist", id)
	}
	updated := v.(*Peer).clone()
	updated.State = PeerActive
	updated.Pool = false
	txn := m.peers.Txn()
	txn.Insert([]byte(id), updated)
	m.peers = txn.Commit()
	m.version++
	return nil
}

func (m *Manager) GetPeer(id string) (*Peer, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.peers.Get([]byte(id))
	if !ok {
		return nil, false
	}
	return v.(*Peer).clone(), true
}

func (m *Manager) GetPeers() []*Peer {
	m.mu.RLock()
	tree := m.peers
	m.mu.RUnlock()

	out := make([]*Peer, 0, tree.Len())
	it := tree.Root().Iterator()
	for {
		_, v, ok := it.Next()
		if !ok {
			break
		}
		out = append(out, v.(*Peer).clone())
	}
	return out
}

func (m *Manager) GetActivePeers() []*Peer {
	all := m.GetPeers()
	out := make([]*Peer, 0, len(all))
	for _, p := range all {
		if p.State == PeerActive {
			out = append(out, p)
		}
	}
	return out
}

func (m *Manager) GetVotingPeerIDs() []string {
	all := m.GetPeers()
	out := make([]string, 0, len(all))
	for _, p := range all {
		if p.Voting && p.State == PeerActive {
			out = append(out, p.ID)
		}
	}
	return out
}

func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.peers.Len()
}

// QuorumSize returns the write concern needed for a majority of
// currently active voting peers.
func (m *Manager) QuorumSize() int {
	voting := 0
	for _, p := range m.GetPeers() {
		if p.Voting && p.State == PeerActive {
			voting++
		}
	}
	return voting/2 + 1
}

func (m *Manager) Version() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.version
}

// Snapshot returns a deep copy of the whole configuration, which
// Restore accepts.
func (m *Manager) Snapshot() map[string]*Peer {
	all := m.GetPeers()
	out := make(map[string]*Peer, len(all))
	for _, p := range all {
		out[p.ID] = p
	}
	return out
}

func (m *Manager) Restore(snapshot map[string]*Peer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	txn := iradix.New().Txn()
	for id, p := range snapshot {
		txn.Insert([]byte(id), p.clone())
	}
	m.peers = txn.Commit()
	m.version++
}

// MergePool folds a gossip-discovered pool entry in, without making the
// peer a voting member; ActivatePeer promotes it later. It returns false
// if the id is already known.
func (m *Manager) MergePool(id, endpoint string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.peers.Get([]byte(id)); exists {
		return false
	}
	txn := m.peers.Txn()
	txn.Insert([]byte(id), &Peer{ID: id, Endpoint: endpoint, Pool: true, State: PeerJoining})
	m.peers = txn.Commit()
	m.version++
	return true
}
