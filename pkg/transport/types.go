// Package transport defines the wire-level RPC shapes and the Peer
// interface shared by every peer-to-peer transport
// implementation (in-memory for tests, gRPC for production). Keeping
// these types dependency-free of raftnode/agent/inception lets all
// three import transport without a cycle.
package transport

import (
	"context"

	"github.com/arangodb/agency/pkg/logstore"
)

// RequestVoteArgs carries a candidate's election bid.
type RequestVoteArgs struct {
	Term         uint64
	CandidateID  string
	LastLogIndex uint64
	LastLogTerm  uint64
}

// RequestVoteReply is a voter's response.
type RequestVoteReply struct {
	Term        uint64
	VoteGranted bool
}

// AppendEntriesArgs is both the heartbeat and the log-replication RPC:
// an empty Entries slice is a heartbeat.
type AppendEntriesArgs struct {
	Term         uint64
	LeaderID     string
	PrevLogIndex uint64
	PrevLogTerm  uint64
	Entries      []logstore.Entry
	LeaderCommit uint64
}

// AppendEntriesReply reports success, or the fast-backtrack hint a
// follower gives the leader on a log-matching conflict.
type AppendEntriesReply struct {
	Term          uint64
	Success       bool
	ConflictIndex uint64
	ConflictTerm  uint64
}

// InstallSnapshotArgs ships a full state-machine snapshot to a follower
// too far behind for incremental replication to catch it up.
type InstallSnapshotArgs struct {
	Term              uint64
	LeaderID          string
	LastIncludedIndex uint64
	LastIncludedTerm  uint64
	Data              []byte
}

// InstallSnapshotReply acknowledges a snapshot install.
type InstallSnapshotReply struct {
	Term uint64
}

// GossipArgs is the Inception (C6) bootstrap message: a peer's view of
// the pool plus its version, exchanged before any node joins the Raft
// protocol proper.
type GossipArgs struct {
	SenderID string
	Pool     map[string]string // peer id -> endpoint
	Version  uint64
}

// GossipReply either merges (returning the receiver's own, possibly
// newer, pool) or redirects: a receiver that has finished bootstrap
// and follows an elected leader no longer merges pools, it points the
// sender at that leader instead.
type GossipReply struct {
	Pool    map[string]string
	Version uint64

	// Redirect is the leader's endpoint and RedirectID its peer id,
	// set only on a redirect reply (Pool is then empty).
	Redirect   string
	RedirectID string
}

// NotifyAllArgs is the payload of the NotifyAll RPC. The receiving
// agent only logs Reason; no component in this repository sends it.
type NotifyAllArgs struct {
	Reason string
}

// NotifyAllReply is empty; delivery is best-effort.
type NotifyAllReply struct{}

// Peer is a client-facing API over one logical remote node: everything
// a Constituent, Agent, or Inception bootstrapper needs to reach a
// specific peer by ID.
type Peer interface {
	RequestVote(ctx context.Context, peerID string, args RequestVoteArgs) (RequestVoteReply, error)
	AppendEntries(ctx context.Context, peerID string, args AppendEntriesArgs) (AppendEntriesReply, error)
	InstallSnapshot(ctx context.Context, peerID string, args InstallSnapshotArgs) (InstallSnapshotReply, error)
	Gossip(ctx context.Context, peerID string, args GossipArgs) (GossipReply, error)
	NotifyAll(ctx context.Context, peerID string, args NotifyAllArgs) (NotifyAllReply, error)
}

// ConsensusServer is implemented by the local Agent: the inbound side of
// every RPC a remote Peer call in this process's role as Raft node
// might receive.
type ConsensusServer interface {
	HandleRequestVote(ctx context.Context, args RequestVoteArgs) RequestVoteReply
	HandleAppendEntries(ctx context.Context, args AppendEntriesArgs) AppendEntriesReply
	HandleInstallSnapshot(ctx context.Context, args InstallSnapshotArgs) InstallSnapshotReply
	HandleNotifyAll(ctx context.Context, args NotifyAllArgs) NotifyAllReply
}

// GossipServer is implemented by the local bootstrapper: the inbound
// side of the pre-consensus gossip protocol.
type GossipServer interface {
	HandleGossip(ctx context.Context, args GossipArgs) GossipReply
}
