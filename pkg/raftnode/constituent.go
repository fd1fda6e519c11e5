package raftnode

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/arangodb/agency/pkg/logstore"
	"github.com/arangodb/agency/pkg/transport"
)

// Config holds the election-timing parameters: MinPing/MaxPing bound
// the random election timeout before scaling by the adaptive timeout
// multiplier.
type Config struct {
	ID string

	MinPing     time.Duration
	MaxPing     time.Duration
	MaxTimeoutMult float64
}

func DefaultConfig(id string) Config {
	return Config{
		ID:             id,
		MinPing:        150 * time.Millisecond,
		MaxPing:        300 * time.Millisecond,
		MaxTimeoutMult: 10,
	}
}

// LogView is the minimal view of the replicated log the Constituent
// needs to evaluate the RequestVote up-to-date check and to populate
// its own candidacy bid. pkg/agent passes its *logstore.Log, which
// satisfies this directly.
type LogView interface {
	LastIndex() uint64
	LastTerm() uint64
}

// Hooks lets the owning Agent react to Constituent-driven transitions
// without raftnode importing agent (which would cycle): becoming
// leader starts the replication loop and appends a no-op entry;
// stepping down tears it down and fails outstanding waiters.
type Hooks interface {
	OnBecomeLeader(term uint64)
	OnStepDown(term uint64)
}

// Constituent runs the election state machine for one node.
type Constituent struct {
	cfg Config
	log zerolog.Logger

	persist *logstore.Log
	peers   transport.Peer
	peerIDs func() []string // resolved dynamically so membership changes are picked up
	logView LogView
	hooks   Hooks

	v *volatile

	mu        sync.Mutex
	cancelRun context.CancelFunc
	resetCh   chan struct{}
}

func New(cfg Config, persist *logstore.Log, peers transport.Peer, peerIDs func() []string, logView LogView, hooks Hooks, log zerolog.Logger) *Constituent {
	c := &Constituent{
		cfg:     cfg,
		log:     log.With().Str("component", "constituent").Str("node_id", cfg.ID).Logger(),
		persist: persist,
		peers:   peers,
		peerIDs: peerIDs,
		logView: logView,
		hooks:   hooks,
		v:       newVolatile(),
		resetCh: make(chan struct{}, 1),
	}
	c.v.term = persist.CurrentTerm()
	c.v.votedFor = persist.VotedFor()
	return c
}

func (c *Constituent) State() State        { return c.v.State() }
func (c *Constituent) Term() uint64        { return c.v.Term() }
func (c *Constituent) LeaderID() string    { return c.v.LeaderID() }
func (c *Constituent) IsLeader() bool      { return c.v.State() == Leader }

// Run drives the election timer loop until ctx is cancelled.
func (c *Constituent) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancelRun = cancel
	c.mu.Unlock()

	for {
		timeout := c.randomElectionTimeout()
		select {
		case <-ctx.Done():
			return
		case <-c.resetCh:
			continue
		case <-time.After(timeout):
			if c.v.State() != Leader && c.v.heartbeatAge() >= timeout {
				c.startElection(ctx)
			}
		}
	}
}

func (c *Constituent) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancelRun != nil {
		c.cancelRun()
	}
}

func (c *Constituent) resetTimer() {
	select {
	case c.resetCh <- struct{}{}:
	default:
	}
}

func (c *Constituent) randomElectionTimeout() time.Duration {
	mult := c.v.TimeoutMult()
	lo := float64(c.cfg.MinPing) * mult
	hi := float64(c.cfg.MaxPing) * mult
	if hi <= lo {
		return time.Duration(lo)
	}
	return time.Duration(lo + rand.Float64()*(hi-lo))
}

// startElection transitions to Candidate, votes for itself, and
// solicits votes from every known peer concurrently.
func (c *Constituent) startElection(ctx context.Context) {
	c.v.mu.Lock()
	c.v.state = Candidate
	c.v.term++
	term := c.v.term
	c.v.votedFor = c.cfg.ID
	c.v.mu.Unlock()

	if err := c.persist.SetTermAndVote(term, c.cfg.ID); err != nil {
		c.log.Error().Err(err).Msg("persist term/vote before election failed")
		return
	}
	c.log.Info().Uint64("term", term).Msg("starting election")

	peerIDs := c.peerIDs()
	if len(peerIDs) == 0 {
		c.becomeLeader(term)
		return
	}

	votes := 1 // self-vote
	needed := (len(peerIDs)+1)/2 + 1
	var mu sync.Mutex
	var wg sync.WaitGroup
	done := false

	args := transport.RequestVoteArgs{
		Term:         term,
		CandidateID:  c.cfg.ID,
		LastLogIndex: c.logView.LastIndex(),
		LastLogTerm:  c.logView.LastTerm(),
	}

	for _, peerID := range peerIDs {
		peerID := peerID
		wg.Add(1)
		go func() {
			defer wg.Done()
			rctx, cancel := context.WithTimeout(ctx, c.cfg.MaxPing)
			defer cancel()
			reply, err := c.peers.RequestVote(rctx, peerID, args)
			if err != nil {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if done {
				return
			}
			if reply.Term > c.v.Term() {
				c.stepDown(reply.Term)
				done = true
				return
			}
			if reply.VoteGranted {
				votes++
				if votes >= needed && c.v.State() == Candidate && c.v.Term() == term {
					done = true
					c.becomeLeader(term)
				}
			}
		}()
	}
	wg.Wait()

	if !done && c.v.State() == Candidate && c.v.Term() == term {
		c.v.growTimeoutMult(c.cfg.MaxTimeoutMult)
	}
}

func (c *Constituent) becomeLeader(term uint64) {
	c.v.mu.Lock()
	if c.v.state != Candidate || c.v.term != term {
		c.v.mu.Unlock()
		return
	}
	c.v.state = Leader
	c.v.leaderID = c.cfg.ID
	c.v.mu.Unlock()
	c.v.resetTimeoutMult()

	c.log.Info().Uint64("term", term).Msg("became leader")
	if c.hooks != nil {
		c.hooks.OnBecomeLeader(term)
	}
}

// Resign steps this node down from leader to follower without having
// observed a higher term anywhere: a leader that cannot prove it still
// holds a majority must stop serving writes.
func (c *Constituent) Resign() {
	c.v.mu.Lock()
	if c.v.state != Leader {
		c.v.mu.Unlock()
		return
	}
	c.v.state = Follower
	term := c.v.term
	c.v.mu.Unlock()

	c.log.Warn().Uint64("term", term).Msg("resigning leadership")
	if c.hooks != nil {
		c.hooks.OnStepDown(term)
	}
}

// stepDown reverts to Follower on discovering a higher term, from
// any RPC path (vote reply, AppendEntries, InstallSnapshot).
func (c *Constituent) stepDown(term uint64) {
	c.v.mu.Lock()
	wasLeader := c.v.state == Leader
	c.v.state = Follower
	c.v.term = term
	c.v.votedFor = ""
	c.v.mu.Unlock()

	if err := c.persist.SetTermAndVote(term, ""); err != nil {
		c.log.Error().Err(err).Msg("persist term on step-down failed")
	}
	c.resetTimer()

	if wasLeader && c.hooks != nil {
		c.hooks.OnStepDown(term)
	}
}

// HandleRequestVote implements the vote-granting rules: at most one
// vote per term, reject stale terms, require the candidate's log to be
// at least as up to date as the voter's own.
func (c *Constituent) HandleRequestVote(args transport.RequestVoteArgs) transport.RequestVoteReply {
	if args.Term < c.v.Term() {
		return transport.RequestVoteReply{Term: c.v.Term(), VoteGranted: false}
	}
	if args.Term > c.v.Term() {
		c.stepDown(args.Term)
	}

	c.v.mu.Lock()
	defer c.v.mu.Unlock()

	upToDate := args.LastLogTerm > c.logView.LastTerm() ||
		(args.LastLogTerm == c.logView.LastTerm() && args.LastLogIndex >= c.logView.LastIndex())

	if (c.v.votedFor == "" || c.v.votedFor == args.CandidateID) && upToDate {
		c.v.votedFor = args.CandidateID
		if err := c.persist.SetTermAndVote(c.v.term, args.CandidateID); err != nil {
			c.log.Error().Err(err).Msg("persist vote failed")
			return transport.RequestVoteReply{Term: c.v.term, VoteGranted: false}
		}
		c.resetTimer()
		return transport.RequestVoteReply{Term: c.v.term, VoteGranted: true}
	}
	return transport.RequestVoteReply{Term: c.v.term, VoteGranted: false}
}

// ObserveTerm folds a term seen on any incoming RPC (AppendEntries,
// InstallSnapshot) into the Constituent's own, stepping down if it is
// newer. Returns true if the caller's term is stale and should be
// rejected.
func (c *Constituent) ObserveTerm(peerTerm uint64) bool {
	if peerTerm < c.v.Term() {
		return true
	}
	if peerTerm > c.v.Term() {
		c.stepDown(peerTerm)
	}
	return false
}

// RecordHeartbeat resets the election clock on a valid AppendEntries
// from the current (or newly discovered) leader.
func (c *Constituent) RecordHeartbeat(leaderID string) {
	c.v.mu.Lock()
	if c.v.state == Candidate {
		c.v.state = Follower
	}
	c.v.mu.Unlock()
	c.v.recordHeartbeat(leaderID)
	c.resetTimer()
}
