package agent

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/arangodb/agency/pkg/cluster"
	"github.com/arangodb/agency/pkg/logstore"
	"github.com/arangodb/agency/pkg/raftnode"
	"github.com/arangodb/agency/pkg/store"
	"github.com/arangodb/agency/pkg/transport"
)

// followerState is the leader-local, non-replicated per-follower
// replication bookkeeping. None of it survives a leadership
// change; a newly elected leader starts every follower from scratch.
type followerState struct {
	confirmed       uint64    // highest index this follower has acked
	lastAcked       time.Time // last successful AppendEntries reply
	earliestPackage time.Time // backpressure: don't send before this
	lastSent        time.Time // last AppendEntries answered, heartbeats included
}

// Agent orchestrates the Constituent, the durable Log and the
// replicated Store into the client-facing read/write/transact API, the
// leader's replication loop, and the follower's apply loop.
//
// Lock ordering, enforced by convention: ioLock -> (logstore's internal
// lock) -> outputLock -> waitForCv -> tiLock. A goroutine holding any
// lock in this chain may only acquire locks strictly to its right.
type Agent struct {
	cfg Config
	log zerolog.Logger

	constituent *raftnode.Constituent
	logstore    *logstore.Log
	cluster     *cluster.Manager
	peers       transport.Peer
	dispatch    *store.HTTPDispatcher

	// ioLock guards spearhead: the leader's staged, uncommitted Store.
	ioLock    sync.Mutex
	spearhead *store.Store

	// outputLock guards the committed Store and commitIndex together,
	// since every committed-entry apply advances both atomically.
	outputLock  sync.RWMutex
	committed   *store.Store
	commitIndex uint64

	// tiLock guards per-follower replication state.
	tiLock    sync.Mutex
	followers map[string]*followerState

	// transient holds ephemeral, non-replicated bookkeeping (gossip
	// versions, last-contact timestamps); it has its own internal lock.
	transient *store.Transient

	appendCv  *broadcaster // wakes the replication loop
	waitForCv *broadcaster // wakes client waiters on commit advance

	// repMu guards leaderCancel: OnBecomeLeader and OnStepDown can race
	// from the election goroutine and any RPC handler observing a
	// higher term.
	repMu        sync.Mutex
	leaderCancel context.CancelFunc
	leaderWg     sync.WaitGroup

	runCancel context.CancelFunc
	runWg     sync.WaitGroup

	lastQuorumContact time.Time
	leaseMu           sync.Mutex
}

// New wires an Agent from its collaborators. persist must already be
// Open; cluster should already reflect the bootstrapped membership
// (see pkg/inception).
func New(cfg Config, persist *logstore.Log, clusterMgr *cluster.Manager, peers transport.Peer, log zerolog.Logger) *Agent {
	log = log.With().Str("component", "agent").Str("node_id", cfg.NodeID).Logger()

	dispatch := store.NewHTTPDispatcher(log, cfg.ObserverEvictAfter404s, cfg.ObserverEvictWindow)
	committed := store.New(dispatch)

	a := &Agent{
		cfg:       cfg,
		log:       log,
		logstore:  persist,
		cluster:   clusterMgr,
		peers:     peers,
		dispatch:  dispatch,
		committed: committed,
		transient: store.NewTransient(),
		followers: make(map[string]*followerState),
		appendCv:  newBroadcaster(),
		waitForCv: newBroadcaster(),
	}
	a.constituent = raftnode.New(cfg.constituentConfig(), persist, peers, a.votingPeerIDs, persist, a, log)

	// Only the leader fires observer callbacks, and a callback that has
	// struck out is removed from the replicated observer set with an
	// ordinary committed transaction so every peer forgets it together.
	dispatch.SetActive(a.IsLeader)
	dispatch.SetOnEvict(func(path store.Path, key store.ObserverKey) {
		go a.Unobserve(context.Background(), path, key.URL, key.Client)
	})
	return a
}

// restore rebuilds the committed Store from the most recent durable
// snapshot, if any. Entries past the snapshot cutoff are re-applied as
// commitIndex re-advances through the ordinary replication path.
func (a *Agent) restore() error {
	snap, found, err := a.logstore.LoadSnapshot()
	if err != nil {
		return err
	}
	if !found {
		return nil
	}
	root, err := store.DecodeSnapshot(snap.Data)
	if err != nil {
		return err
	}
	a.outputLock.Lock()
	a.committed.Load(root)
	a.commitIndex = snap.Metadata.LastIncludedIndex
	a.outputLock.Unlock()
	a.log.Info().
		Uint64("last_included_index", snap.Metadata.LastIncludedIndex).
		Msg("restored store from snapshot")
	return nil
}

func (a *Agent) votingPeerIDs() []string {
	ids := a.cluster.GetVotingPeerIDs()
	out := ids[:0]
	for _, id := range ids {
		if id != a.cfg.NodeID {
			out = append(out, id)
		}
	}
	return out
}

// Start restores durable state and begins the Constituent's election
// timer. The leader replication loop only starts once this node wins an
// election (OnBecomeLeader).
func (a *Agent) Start(ctx context.Context) error {
	if err := a.restore(); err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(ctx)
	a.runCancel = cancel
	a.runWg.Add(1)
	go func() {
		defer a.runWg.Done()
		a.constituent.Run(ctx)
	}()
	return nil
}

// Stop tears down the election timer and any active replication loop.
func (a *Agent) Stop() {
	a.constituent.Stop()
	if a.runCancel != nil {
		a.runCancel()
	}
	a.cancelReplication()
	a.leaderWg.Wait()
	a.runWg.Wait()
}

func (a *Agent) NodeID() string     { return a.cfg.NodeID }
func (a *Agent) IsLeader() bool     { return a.constituent.IsLeader() }
func (a *Agent) Term() uint64       { return a.constituent.Term() }
func (a *Agent) LeaderHint() string { return a.constituent.LeaderID() }
func (a *Agent) CommitIndex() uint64 {
	a.outputLock.RLock()
	defer a.outputLock.RUnlock()
	return a.commitIndex
}

// CommittedStore exposes the committed Store read-only for components
// that need a consistent snapshot without going through the client API
// (the Compactor dumping a snapshot, the supervision loop reading
// target/plan/current).
func (a *Agent) CommittedStore() *store.Store { return a.committed }

func (a *Agent) Log() *logstore.Log { return a.logstore }

// OnBecomeLeader implements raftnode.Hooks. It stages a fresh spearhead
// from the committed Store, appends the traditional no-op entry so that
// an old-term entry can become committable by count once something in
// the new term has replicated, and starts one replication goroutine per
// known peer.
func (a *Agent) OnBecomeLeader(term uint64) {
	// The spearhead carries no dispatcher: observers fire once, when an
	// entry commits into the committed Store, not when it is staged.
	spearhead := store.New(nil)
	spearhead.Load(a.committed.Dump())
	a.ioLock.Lock()
	a.spearhead = spearhead
	a.ioLock.Unlock()

	a.tiLock.Lock()
	a.followers = make(map[string]*followerState)
	for _, id := range a.votingPeerIDs() {
		a.followers[id] = &followerState{}
	}
	a.tiLock.Unlock()

	a.leaseMu.Lock()
	a.lastQuorumContact = time.Now()
	a.leaseMu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	a.repMu.Lock()
	a.leaderCancel = cancel
	a.repMu.Unlock()

	if _, err := a.appendLocal(logstore.Entry{Term: term, Type: logstore.EntryNoop}); err != nil {
		a.log.Error().Err(err).Msg("failed to append leader no-op entry")
	}

	a.leaderWg.Add(1)
	go func() {
		defer a.leaderWg.Done()
		a.leaseMonitor(ctx)
	}()
	a.leaderWg.Add(1)
	go func() {
		defer a.leaderWg.Done()
		a.sweepSpearhead(ctx)
	}()

	for _, id := range a.votingPeerIDs() {
		id := id
		a.leaderWg.Add(1)
		go func() {
			defer a.leaderWg.Done()
			a.replicateTo(ctx, id)
		}()
	}
	a.appendCv.broadcast()
}

// OnStepDown implements raftnode.Hooks: discard the spearhead, stop
// replication, and wake every blocked writer/poller so they can notice
// they are no longer talking to a leader.
//
// It only cancels the replication goroutines, it does not wait for
// them: a step-down is often triggered from inside one of them (a
// reply carrying a higher term), where waiting would deadlock. The
// cancelled goroutines drain on their own; Stop is the only place that
// joins them.
func (a *Agent) OnStepDown(term uint64) {
	a.cancelReplication()

	a.ioLock.Lock()
	a.spearhead = nil
	a.ioLock.Unlock()

	a.waitForCv.broadcast()
}

func (a *Agent) cancelReplication() {
	a.repMu.Lock()
	defer a.repMu.Unlock()
	if a.leaderCancel != nil {
		a.leaderCancel()
		a.leaderCancel = nil
	}
}

// leaseMonitor makes a leader self-resign rather than keep a
// split-brain write path open: if no follower has acknowledged
// an AppendEntries within LeaderLeaseTimeout, this node can no longer
// prove it holds a majority and steps down.
func (a *Agent) leaseMonitor(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.LeaderLeaseTimeout / 4)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if len(a.votingPeerIDs()) == 0 {
				continue
			}
			a.leaseMu.Lock()
			age := time.Since(a.lastQuorumContact)
			a.leaseMu.Unlock()
			if age > a.cfg.LeaderLeaseTimeout {
				a.log.Warn().Dur("age", age).Msg("quorum lease expired, resigning")
				a.constituent.Resign()
				return
			}
		}
	}
}

func (a *Agent) recordQuorumContact() {
	a.leaseMu.Lock()
	a.lastQuorumContact = time.Now()
	a.leaseMu.Unlock()
}
