package agent

import (
	"context"
	"time"

	"github.com/armon/go-metrics"

	"github.com/arangodb/agency/pkg/transport"
)

// replicateTo is the per-follower replication loop, one goroutine per
// follower for the lifetime of a leadership term. It wakes on appendCv
// (new entries or new acks), or on the heartbeat interval, and sends at
// most one package per wake-up. Backpressure toward a slow follower is
// a single time point (earliestPackage), not an outbound queue: a
// follower that is not ready is simply skipped this round and caught up
// on a later one.
func (a *Agent) replicateTo(ctx context.Context, peerID string) {
	for {
		wake := a.appendCv.wait()
		a.sendPackage(ctx, peerID)
		select {
		case <-ctx.Done():
			return
		case <-wake:
		case <-time.After(a.cfg.HeartbeatInterval):
		}
	}
}

func (a *Agent) sendPackage(ctx context.Context, peerID string) {
	if !a.IsLeader() {
		return
	}
	term := a.Term()
	now := time.Now()

	a.tiLock.Lock()
	fs, ok := a.followers[peerID]
	if !ok {
		a.tiLock.Unlock()
		return
	}
	throttled := now.Before(fs.earliestPackage)
	nextIndex := fs.confirmed + 1
	heartbeatDue := now.Sub(fs.lastSent) >= a.cfg.HeartbeatInterval
	a.tiLock.Unlock()

	last := a.logstore.LastIndex()
	hasNew := last >= nextIndex

	if throttled || !hasNew {
		if heartbeatDue {
			a.sendHeartbeat(ctx, peerID, term, nextIndex)
		}
		return
	}

	// A follower whose next needed entry has already been compacted away
	// cannot be caught up incrementally; ship the snapshot instead.
	if _, exists := a.logstore.Get(nextIndex); !exists {
		a.sendSnapshot(ctx, peerID, term)
		return
	}

	end := nextIndex + uint64(a.cfg.MaxAppendEntries) - 1
	if end > last {
		end = last
	}
	entries, err := a.logstore.Range(nextIndex, end)
	if err != nil || len(entries) == 0 {
		return
	}

	// Bound the package byte size; a batch always carries at least one
	// entry so an oversized single entry still makes progress.
	size := 0
	cut := len(entries)
	for i, e := range entries {
		size += len(e.Payload)
		if i > 0 && size > a.cfg.MaxAppendBytes {
			cut = i
			break
		}
	}
	entries = entries[:cut]

	prevIndex := nextIndex - 1
	prevTerm := uint64(0)
	if prevIndex > 0 {
		if pe, ok := a.logstore.Get(prevIndex); ok {
			prevTerm = pe.Term
		} else if snap, found, _ := a.logstore.LoadSnapshot(); found && snap.Metadata.LastIncludedIndex == prevIndex {
			prevTerm = snap.Metadata.LastIncludedTerm
		}
	}

	args := transport.AppendEntriesArgs{
		Term:         term,
		LeaderID:     a.cfg.NodeID,
		PrevLogIndex: prevIndex,
		PrevLogTerm:  prevTerm,
		Entries:      entries,
		LeaderCommit: a.CommitIndex(),
	}

	rctx, cancel := context.WithTimeout(ctx, a.cfg.RPCTimeout)
	reply, err := a.peers.AppendEntries(rctx, peerID, args)
	cancel()

	a.tiLock.Lock()
	fs, ok = a.followers[peerID]
	if !ok {
		a.tiLock.Unlock()
		return
	}
	if err != nil {
		fs.earliestPackage = time.Now().Add(a.cfg.HeartbeatInterval * 2)
		a.tiLock.Unlock()
		return
	}
	fs.lastSent = time.Now()

	if reply.Term > term {
		a.tiLock.Unlock()
		a.constituent.ObserveTerm(reply.Term)
		return
	}

	if reply.Success {
		acked := entries[len(entries)-1].Index
		if acked > fs.confirmed {
			fs.confirmed = acked
		}
		fs.lastAcked = time.Now()
		fs.earliestPackage = time.Time{}
		a.tiLock.Unlock()

		metrics.IncrCounter([]string{"agency", "replication", "acks"}, 1)
		a.recordQuorumContact()
		a.tryAdvanceCommit()
		// More entries may already be waiting; wake every loop, not
		// just this one, since commitIndex may have moved too.
		a.appendCv.broadcast()
		return
	}

	// Log-matching conflict: rewind nextIndex using the follower's
	// hint rather than one entry per round trip, and back off briefly
	// so a struggling follower is not hammered.
	if reply.ConflictIndex > 0 && reply.ConflictIndex <= fs.confirmed+1 {
		fs.confirmed = reply.ConflictIndex - 1
	} else if fs.confirmed > 0 {
		fs.confirmed--
	}
	fs.earliestPackage = time.Now().Add(a.cfg.HeartbeatInterval)
	a.tiLock.Unlock()
}

func (a *Agent) sendHeartbeat(ctx context.Context, peerID string, term, nextIndex uint64) {
	prevIndex := nextIndex - 1
	prevTerm := uint64(0)
	if prevIndex > 0 {
		if pe, ok := a.logstore.Get(prevIndex); ok {
			prevTerm = pe.Term
		}
	}
	args := transport.AppendEntriesArgs{
		Term:         term,
		LeaderID:     a.cfg.NodeID,
		PrevLogIndex: prevIndex,
		PrevLogTerm:  prevTerm,
		LeaderCommit: a.CommitIndex(),
	}
	rctx, cancel := context.WithTimeout(ctx, a.cfg.RPCTimeout)
	reply, err := a.peers.AppendEntries(rctx, peerID, args)
	cancel()
	if err != nil {
		return
	}

	a.tiLock.Lock()
	if fs, ok := a.followers[peerID]; ok {
		fs.lastSent = time.Now()
		if reply.Success {
			fs.lastAcked = time.Now()
		}
	}
	a.tiLock.Unlock()

	if reply.Term > term {
		a.constituent.ObserveTerm(reply.Term)
		return
	}
	if reply.Success {
		a.recordQuorumContact()
	}
}

// sendSnapshot ships the most recent snapshot to a follower whose next
// needed entry has been compacted away, then lets the ordinary loop
// stream whatever entries remain past the snapshot cutoff.
func (a *Agent) sendSnapshot(ctx context.Context, peerID string, term uint64) {
	snap, found, err := a.logstore.LoadSnapshot()
	if err != nil || !found {
		return
	}

	args := transport.InstallSnapshotArgs{
		Term:              term,
		LeaderID:          a.cfg.NodeID,
		LastIncludedIndex: snap.Metadata.LastIncludedIndex,
		LastIncludedTerm:  snap.Metadata.LastIncludedTerm,
		Data:              snap.Data,
	}
	rctx, cancel := context.WithTimeout(ctx, a.cfg.RPCTimeout*2)
	reply, rpcErr := a.peers.InstallSnapshot(rctx, peerID, args)
	cancel()
	if rpcErr != nil {
		return
	}
	if reply.Term > term {
		a.constituent.ObserveTerm(reply.Term)
		return
	}

	a.tiLock.Lock()
	if fs, ok := a.followers[peerID]; ok {
		if snap.Metadata.LastIncludedIndex > fs.confirmed {
			fs.confirmed = snap.Metadata.LastIncludedIndex
		}
		fs.lastAcked = time.Now()
		fs.lastSent = time.Now()
	}
	a.tiLock.Unlock()

	metrics.IncrCounter([]string{"agency", "replication", "snapshots_sent"}, 1)
	a.recordQuorumContact()
	a.appendCv.broadcast()
}
