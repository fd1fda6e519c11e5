package testing

import (
	"bytes"
	"fmt"

	"github.com/arangodb/agency/pkg/store"
)

// CheckElectionSafety verifies at most one node claims leadership for
// any single term.
func (c *Cluster) CheckElectionSafety() error {
	leadersByTerm := make(map[uint64][]string)
	for i, a := range c.Agents {
		if a.IsLeader() {
			leadersByTerm[a.Term()] = append(leadersByTerm[a.Term()], c.IDs[i])
		}
	}
	for term, leaders := range leadersByTerm {
		if len(leaders) > 1 {
			return fmt.Errorf("term %d has %d leaders: %v", term, len(leaders), leaders)
		}
	}
	return nil
}

// CheckLogMatching verifies that any two nodes holding an entry at the
// same index with the same term hold identical entries there and at
// every earlier shared index.
func (c *Cluster) CheckLogMatching() error {
	for i := 0; i < len(c.Agents); i++ {
		for j := i + 1; j < len(c.Agents); j++ {
			li, lj := c.Logs[i], c.Logs[j]
			max := li.LastIndex()
			if lj.LastIndex() < max {
				max = lj.LastIndex()
			}
			matchedAt := uint64(0)
			for idx := max; idx >= 1; idx-- {
				ei, oki := li.Get(idx)
				ej, okj := lj.Get(idx)
				if !oki || !okj {
					break
				}
				if ei.Term == ej.Term {
					matchedAt = idx
					break
				}
			}
			for idx := uint64(1); idx <= matchedAt; idx++ {
				ei, oki := li.Get(idx)
				ej, okj := lj.Get(idx)
				if !oki || !okj {
					continue // compacted on one side
				}
				if ei.Term != ej.Term || !bytes.Equal(ei.Payload, ej.Payload) {
					return fmt.Errorf("log mismatch between %s and %s at index %d",
						c.IDs[i], c.IDs[j], idx)
				}
			}
		}
	}
	return nil
}

// CheckStateMachineSafety verifies that every pair of nodes with equal
// commit indices serializes to byte-identical store state.
func (c *Cluster) CheckStateMachineSafety() error {
	type dump struct {
		commit uint64
		data   []byte
	}
	dumps := make([]dump, len(c.Agents))
	for i, a := range c.Agents {
		data, err := store.EncodeSnapshot(a.CommittedStore().Dump())
		if err != nil {
			return err
		}
		dumps[i] = dump{commit: a.CommitIndex(), data: data}
	}
	for i := 0; i < len(dumps); i++ {
		for j := i + 1; j < len(dumps); j++ {
			if dumps[i].commit != dumps[j].commit {
				continue
			}
			if !bytes.Equal(dumps[i].data, dumps[j].data) {
				return fmt.Errorf("stores diverge between %s and %s at commit index %d",
					c.IDs[i], c.IDs[j], dumps[i].commit)
			}
		}
	}
	return nil
}

// Monitor samples commit index and term per node, catching any
// decrease between consecutive observations.
type Monitor struct {
	cluster     *Cluster
	lastCommits []uint64
	lastTerms   []uint64
}

func NewMonitor(c *Cluster) *Monitor {
	return &Monitor{
		cluster:     c,
		lastCommits: make([]uint64, len(c.Agents)),
		lastTerms:   make([]uint64, len(c.Agents)),
	}
}

// Observe takes one sample; it errors if commit index or term moved
// backwards on any node since the previous sample.
func (m *Monitor) Observe() error {
	for i, a := range m.cluster.Agents {
		commit, term := a.CommitIndex(), a.Term()
		if commit < m.lastCommits[i] {
			return fmt.Errorf("%s commit index went backwards: %d -> %d",
				m.cluster.IDs[i], m.lastCommits[i], commit)
		}
		if term < m.lastTerms[i] {
			return fmt.Errorf("%s term went backwards: %d -> %d",
				m.cluster.IDs[i], m.lastTerms[i], term)
		}
		m.lastCommits[i], m.lastTerms[i] = commit, term
	}
	return nil
}
