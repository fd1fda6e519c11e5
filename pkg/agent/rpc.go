package agent

import (
	"context"
	"time"

	"github.com/arangodb/agency/pkg/logstore"
	"github.com/arangodb/agency/pkg/store"
	"github.com/arangodb/agency/pkg/transport"
)

// Agent implements transport.ConsensusServer: the inbound half of every
// RPC a transport (localpeer or grpcpeer) routes to this node.

func (a *Agent) HandleRequestVote(ctx context.Context, args transport.RequestVoteArgs) transport.RequestVoteReply {
	return a.constituent.HandleRequestVote(args)
}

// HandleAppendEntries implements the follower side of log replication:
// reject stale terms, verify the log-matching property at
// PrevLogIndex/PrevLogTerm (returning a fast-backtrack hint on failure),
// splice in any new entries, and advance commitIndex up to min(
// LeaderCommit, index of the last new entry).
func (a *Agent) HandleAppendEntries(ctx context.Context, args transport.AppendEntriesArgs) transport.AppendEntriesReply {
	if args.Term < a.Term() {
		return transport.AppendEntriesReply{Term: a.Term(), Success: false}
	}
	a.constituent.ObserveTerm(args.Term)
	a.constituent.RecordHeartbeat(args.LeaderID)
	a.recordQuorumContact()
	a.transient.Put("/leader/last_contact", time.Now())

	if args.PrevLogIndex > 0 && !a.prevMatches(args.PrevLogIndex, args.PrevLogTerm) {
		hintIndex, hintTerm := a.conflictHint(args.PrevLogIndex)
		return transport.AppendEntriesReply{
			Term: a.Term(), Success: false,
			ConflictIndex: hintIndex, ConflictTerm: hintTerm,
		}
	}

	a.ioLock.Lock()
	for _, e := range args.Entries {
		if existing, ok := a.logstore.Get(e.Index); ok {
			if existing.Term == e.Term {
				continue
			}
			if err := a.logstore.TruncateAfter(e.Index - 1); err != nil {
				a.log.Error().Err(err).Msg("truncate on conflicting entry failed")
			}
		}
		if err := a.logstore.Append([]logstore.Entry{e}); err != nil {
			a.ioLock.Unlock()
			a.log.Error().Err(err).Msg("durability failure appending replicated entry")
			return transport.AppendEntriesReply{Term: a.Term(), Success: false}
		}
	}
	a.ioLock.Unlock()

	lastNew := args.PrevLogIndex
	if len(args.Entries) > 0 {
		lastNew = args.Entries[len(args.Entries)-1].Index
	}
	newCommit := args.LeaderCommit
	if lastNew < newCommit {
		newCommit = lastNew
	}

	a.outputLock.Lock()
	if newCommit > a.commitIndex {
		for idx := a.commitIndex + 1; idx <= newCommit; idx++ {
			e, ok := a.logstore.Get(idx)
			if !ok {
				break
			}
			a.applyEntry(e)
		}
		a.commitIndex = newCommit
	}
	a.outputLock.Unlock()
	a.waitForCv.broadcast()

	return transport.AppendEntriesReply{Term: a.Term(), Success: true}
}

// prevMatches checks the log-matching property at (prevIndex,
// prevTerm). An entry compacted into the local snapshot still matches
// when the snapshot's cutoff coordinates agree.
func (a *Agent) prevMatches(prevIndex, prevTerm uint64) bool {
	if e, ok := a.logstore.Get(prevIndex); ok {
		return e.Term == prevTerm
	}
	snap, found, err := a.logstore.LoadSnapshot()
	if err != nil || !found {
		return false
	}
	if snap.Metadata.LastIncludedIndex == prevIndex {
		return snap.Metadata.LastIncludedTerm == prevTerm
	}
	// Anything at or below the cutoff was committed before being
	// compacted, so it matches any leader's log by definition.
	return prevIndex < snap.Metadata.LastIncludedIndex
}

// conflictHint walks backward from prevIndex to find the first index of
// its term, giving the leader a fast-backtrack target instead of
// decrementing nextIndex one entry per round trip.
func (a *Agent) conflictHint(prevIndex uint64) (uint64, uint64) {
	last := a.logstore.LastIndex()
	if last < prevIndex {
		return last + 1, 0
	}
	e, ok := a.logstore.Get(prevIndex)
	if !ok {
		return 1, 0
	}
	idx, term := prevIndex, e.Term
	for idx > 1 {
		pe, ok := a.logstore.Get(idx - 1)
		if !ok || pe.Term != term {
			break
		}
		idx--
	}
	return idx, term
}

// HandleInstallSnapshot replaces this node's committed Store wholesale
// with the leader's snapshot and compacts every log entry it subsumes,
// for a follower too far behind to catch up incrementally.
func (a *Agent) HandleInstallSnapshot(ctx context.Context, args transport.InstallSnapshotArgs) transport.InstallSnapshotReply {
	if args.Term < a.Term() {
		return transport.InstallSnapshotReply{Term: a.Term()}
	}
	a.constituent.ObserveTerm(args.Term)
	a.constituent.RecordHeartbeat(args.LeaderID)
	a.recordQuorumContact()

	root, err := store.DecodeSnapshot(args.Data)
	if err != nil {
		a.log.Error().Err(err).Msg("failed to decode installed snapshot")
		return transport.InstallSnapshotReply{Term: a.Term()}
	}

	a.outputLock.Lock()
	a.committed.Load(root)
	if args.LastIncludedIndex > a.commitIndex {
		a.commitIndex = args.LastIncludedIndex
	}
	a.outputLock.Unlock()

	if err := a.logstore.SaveSnapshot(logstore.Snapshot{
		Metadata: logstore.SnapshotMetadata{
			LastIncludedIndex: args.LastIncludedIndex,
			LastIncludedTerm:  args.LastIncludedTerm,
		},
		Data: args.Data,
	}); err != nil {
		a.log.Error().Err(err).Msg("failed to persist installed snapshot")
	} else if err := a.logstore.CompactThrough(args.LastIncludedIndex); err != nil {
		a.log.Error().Err(err).Msg("failed to compact log after snapshot install")
	}

	a.waitForCv.broadcast()
	return transport.InstallSnapshotReply{Term: a.Term()}
}

// HandleNotifyAll lets a newly elected leader refresh a peer's view of
// cluster membership out of band, without waiting for that peer to
// receive (or time out waiting for) an AppendEntries. This node has no
// state to change in response beyond logging; membership itself only
// ever changes via committed EntryConfigChange records.
func (a *Agent) HandleNotifyAll(ctx context.Context, args transport.NotifyAllArgs) transport.NotifyAllReply {
	a.log.Debug().Str("reason", args.Reason).Msg("received notify-all")
	return transport.NotifyAllReply{}
}
