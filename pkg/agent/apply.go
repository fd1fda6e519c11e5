package agent

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/armon/go-metrics"

	"github.com/arangodb/agency/pkg/cluster"
	"github.com/arangodb/agency/pkg/logstore"
	"github.com/arangodb/agency/pkg/store"
)

// tryAdvanceCommit implements the majority-confirmation rule: a
// log index is committed once it, or a later index in the current
// term, is held by a majority of voting peers including the leader
// itself. The current-term restriction (Raft's safety argument) is
// enforced by checking the candidate entry's Term before advancing.
func (a *Agent) tryAdvanceCommit() {
	if !a.IsLeader() {
		return
	}
	term := a.Term()

	confirmed := []uint64{a.logstore.LastIndex()}
	a.tiLock.Lock()
	for _, fs := range a.followers {
		confirmed = append(confirmed, fs.confirmed)
	}
	a.tiLock.Unlock()

	sort.Slice(confirmed, func(i, j int) bool { return confirmed[i] > confirmed[j] })
	candidate := confirmed[len(confirmed)/2]
	if candidate == 0 {
		return
	}

	entry, ok := a.logstore.Get(candidate)
	if !ok || entry.Term != term {
		return
	}

	a.outputLock.Lock()
	if candidate <= a.commitIndex {
		a.outputLock.Unlock()
		return
	}
	applied := 0
	for idx := a.commitIndex + 1; idx <= candidate; idx++ {
		e, ok := a.logstore.Get(idx)
		if !ok {
			break
		}
		a.applyEntry(e)
		applied++
	}
	a.commitIndex = candidate
	a.outputLock.Unlock()

	metrics.IncrCounter([]string{"agency", "commits"}, float32(applied))
	a.waitForCv.broadcast()
}

// applyEntry folds one committed entry into the committed Store. Called
// with outputLock held, by both the leader path (tryAdvanceCommit) and
// the follower path (HandleAppendEntries).
func (a *Agent) applyEntry(e logstore.Entry) {
	switch e.Type {
	case logstore.EntryNormal:
		txn, err := decodeTxn(e.Payload)
		if err != nil {
			a.log.Error().Err(err).Uint64("index", e.Index).Msg("failed to decode committed transaction")
			break
		}
		if _, err := a.committed.Apply(txn, store.ModeUnchecked, e.ClientID, e.RequestID, e.Index); err != nil {
			a.log.Error().Err(err).Uint64("index", e.Index).Msg("replay of committed transaction failed")
		}
	case logstore.EntryConfigChange:
		var member logstore.ClusterMember
		if err := decodeClusterMember(e.Payload, &member); err != nil {
			a.log.Error().Err(err).Uint64("index", e.Index).Msg("failed to decode config change")
			break
		}
		peer := cluster.Peer{ID: member.NodeID, Endpoint: member.Endpoint, Voting: member.Voting}
		if _, exists := a.cluster.GetPeer(member.NodeID); exists {
			if member.Voting {
				_ = a.cluster.ActivatePeer(member.NodeID)
			}
		} else if err := a.cluster.AddPeer(peer); err == nil && member.Voting {
			_ = a.cluster.ActivatePeer(member.NodeID)
		}
	case logstore.EntryNoop:
	}

	// TTL expiry must be applied deterministically from the entry's own
	// timestamp: using time.Now here would let peers disagree
	// about which leaves have expired as of this index.
	if e.Timestamp != 0 {
		a.committed.SweepExpired(time.UnixMilli(e.Timestamp))
	}
}

// sweepSpearhead runs only on the leader: it periodically looks for
// leaves that have passed their TTL in the spearhead's view and
// replicates an explicit delete for each, so expiry is itself a
// log entry every peer applies at the same committed index rather
// than a silently divergent per-node tick.
func (a *Agent) sweepSpearhead(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.ioLock.Lock()
			spearhead := a.spearhead
			a.ioLock.Unlock()
			if spearhead == nil {
				continue
			}
			expired := spearhead.PeekExpired(time.Now())
			if len(expired) == 0 {
				continue
			}
			now := time.Now().UnixMilli()
			reqs := make([]WriteRequest, len(expired))
			for i, p := range expired {
				// The sweep moment is part of the request id: the same
				// path can legitimately expire again after being
				// recreated, and must not be deduped against its first
				// removal.
				reqs[i] = WriteRequest{
					Txn:       store.Txn{Ops: []store.Op{{Path: p, Kind: store.OpDelete}}},
					ClientID:  "ttl-sweeper",
					RequestID: fmt.Sprintf("%s@%d", p, now),
				}
			}
			if _, err := a.Write(ctx, reqs); err != nil {
				a.log.Warn().Err(err).Msg("ttl sweep write failed")
			}
		}
	}
}
