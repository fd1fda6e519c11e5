// Package agent implements the Agent (component C4): the orchestrator
// that owns the leader's replication loop, the follower's apply loop,
// and the client-facing transaction API on top of the Constituent
// (pkg/raftnode), the durable log (pkg/logstore), and the replicated
// tree (pkg/store).
package agent

import (
	"time"

	"github.com/arangodb/agency/pkg/raftnode"
)

// Config bundles every tunable the Agent, its embedded Constituent,
// and its Compactor/Inception collaborators need.
type Config struct {
	NodeID string
	// Peers maps every other known node id to its RPC endpoint at
	// startup; pkg/cluster.Manager is the authoritative, replicated view
	// once the agent is running, this is only the bootstrap seed.
	Peers map[string]string

	MinPing        time.Duration
	MaxPing        time.Duration
	MaxTimeoutMult float64

	HeartbeatInterval time.Duration
	MaxAppendEntries  int
	MaxAppendBytes    int

	// RPCTimeout bounds a single AppendEntries/RequestVote round trip.
	RPCTimeout time.Duration

	// LeaderLeaseTimeout: if no follower acknowledges an AppendEntries
	// within this window, the leader resigns. One acknowledging follower
	// renews the lease, so with five or more voting peers a leader that
	// reaches only a minority of them keeps it.
	LeaderLeaseTimeout time.Duration

	// CompactionStepSize and CompactionKeepSize parameterize the
	// Compactor (C5): snapshot once committed-minus-snapshotted exceeds
	// StepSize, keep the most recent KeepSize entries past the cutoff
	// for slow followers.
	CompactionStepSize uint64
	CompactionKeepSize uint64

	// ObserverEvictAfter404s / ObserverEvictWindow parameterize the
	// observer trash-bin policy: 3 strikes in 10 minutes by default.
	ObserverEvictAfter404s int
	ObserverEvictWindow    time.Duration

	DataDir string
}

// DefaultConfig matches the defaults used throughout this codebase's
// tests and the bundled CLI.
func DefaultConfig(nodeID string) Config {
	return Config{
		NodeID:                 nodeID,
		Peers:                  map[string]string{},
		MinPing:                150 * time.Millisecond,
		MaxPing:                300 * time.Millisecond,
		MaxTimeoutMult:         10,
		HeartbeatInterval:      50 * time.Millisecond,
		MaxAppendEntries:       256,
		MaxAppendBytes:         1 << 20,
		RPCTimeout:             2 * time.Second,
		LeaderLeaseTimeout:     2 * time.Second,
		CompactionStepSize:     1000,
		CompactionKeepSize:     100,
		ObserverEvictAfter404s: 3,
		ObserverEvictWindow:    10 * time.Minute,
	}
}

func (c Config) constituentConfig() raftnode.Config {
	return raftnode.Config{
		ID:             c.NodeID,
		MinPing:        c.MinPing,
		MaxPing:        c.MaxPing,
		MaxTimeoutMult: c.MaxTimeoutMult,
	}
}
