// Package testing provides the in-process cluster harness the
// integration and scenario tests build on: N fully wired agents over
// the in-memory transport, plus invariant checks evaluated against
// live cluster state.
package testing

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/arangodb/agency/pkg/agent"
	"github.com/arangodb/agency/pkg/cluster"
	"github.com/arangodb/agency/pkg/logstore"
	"github.com/arangodb/agency/pkg/transport/localpeer"
)

// Cluster is a fully wired in-process agency.
type Cluster struct {
	IDs      []string
	Agents   []*agent.Agent
	Logs     []*logstore.Log
	Managers []*cluster.Manager
	Hub      *localpeer.Hub

	dir    string
	cancel context.CancelFunc
}

// Option adjusts the per-node config before agents are built.
type Option func(*agent.Config)

// WithCompaction sets snapshot step and keep sizes for every node.
func WithCompaction(step, keep uint64) Option {
	return func(c *agent.Config) {
		c.CompactionStepSize = step
		c.CompactionKeepSize = keep
	}
}

// NewCluster builds and starts a cluster of the given size. Timeouts
// are tuned for test stability: heartbeats well under the election
// window, and the election window long enough that in-process
// scheduling jitter cannot trigger spurious elections.
func NewCluster(size int, opts ...Option) (*Cluster, error) {
	dir, err := os.MkdirTemp("", "agency-cluster-")
	if err != nil {
		return nil, err
	}

	hub := localpeer.NewHub()
	c := &Cluster{
		IDs:      make([]string, size),
		Agents:   make([]*agent.Agent, size),
		Logs:     make([]*logstore.Log, size),
		Managers: make([]*cluster.Manager, size),
		Hub:      hub,
		dir:      dir,
	}
	for i := 0; i < size; i++ {
		c.IDs[i] = fmt.Sprintf("node-%d", i)
	}

	log := zerolog.New(os.Stderr).Level(zerolog.WarnLevel)

	for i := 0; i < size; i++ {
		persist, err := logstore.Open(filepath.Join(dir, c.IDs[i]+".db"))
		if err != nil {
			c.Cleanup()
			return nil, err
		}
		c.Logs[i] = persist

		mgr := cluster.NewManager()
		for j := 0; j < size; j++ {
			if err := mgr.AddPeer(cluster.Peer{ID: c.IDs[j], Endpoint: c.IDs[j], Voting: true}); err != nil {
				c.Cleanup()
				return nil, err
			}
			if err := mgr.ActivatePeer(c.IDs[j]); err != nil {
				c.Cleanup()
				return nil, err
			}
		}
		c.Managers[i] = mgr

		cfg := agent.DefaultConfig(c.IDs[i])
		cfg.MinPing = 300 * time.Millisecond
		cfg.MaxPing = 600 * time.Millisecond
		cfg.HeartbeatInterval = 50 * time.Millisecond
		cfg.RPCTimeout = 500 * time.Millisecond
		cfg.LeaderLeaseTimeout = 1500 * time.Millisecond
		cfg.DataDir = dir
		for _, opt := range opts {
			opt(&cfg)
		}

		a := agent.New(cfg, persist, mgr, hub.Peer(c.IDs[i]), log)
		c.Agents[i] = a
		hub.RegisterConsensus(c.IDs[i], a)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	for _, a := range c.Agents {
		if err := a.Start(ctx); err != nil {
			c.Cleanup()
			return nil, err
		}
	}
	return c, nil
}

// WaitForLeader blocks until exactly one agent reports leadership, and
// returns its index.
func (c *Cluster) WaitForLeader(timeout time.Duration) (int, error) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if i, ok := c.leaderIndex(); ok {
			return i, nil
		}
		time.Sleep(20 * time.Millisecond)
	}
	return -1, fmt.Errorf("no leader elected within %v", timeout)
}

func (c *Cluster) leaderIndex() (int, bool) {
	leader := -1
	for i, a := range c.Agents {
		if a.IsLeader() {
			if leader >= 0 {
				return -1, false
			}
			leader = i
		}
	}
	return leader, leader >= 0
}

// Leader returns the current leader, or nil.
func (c *Cluster) Leader() *agent.Agent {
	if i, ok := c.leaderIndex(); ok {
		return c.Agents[i]
	}
	return nil
}

// Index returns the position of a node id.
func (c *Cluster) Index(id string) int {
	for i, candidate := range c.IDs {
		if candidate == id {
			return i
		}
	}
	return -1
}

// WaitForCommitIndex blocks until node i's commit index reaches at
// least index.
func (c *Cluster) WaitForCommitIndex(i int, index uint64, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if c.Agents[i].CommitIndex() >= index {
			return nil
		}
		time.Sleep(20 * time.Millisecond)
	}
	return fmt.Errorf("node %s commit index %d below %d after %v",
		c.IDs[i], c.Agents[i].CommitIndex(), index, timeout)
}

// Cleanup stops every agent and removes durable state.
func (c *Cluster) Cleanup() {
	if c.cancel != nil {
		c.cancel()
	}
	for _, a := range c.Agents {
		if a != nil {
			a.Stop()
		}
	}
	for _, l := range c.Logs {
		if l != nil {
			l.Close()
		}
	}
	os.RemoveAll(c.dir)
}
