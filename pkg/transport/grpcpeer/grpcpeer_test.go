package grpcpeer

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arangodb/agency/pkg/logstore"
	"github.com/arangodb/agency/pkg/transport"
)

// echoServer records the last request and answers with fixed replies.
type echoServer struct {
	lastAppend transport.AppendEntriesArgs
}

func (e *echoServer) HandleRequestVote(_ context.Context, args transport.RequestVoteArgs) transport.RequestVoteReply {
	return transport.RequestVoteReply{Term: args.Term, VoteGranted: args.CandidateID == "yes"}
}

func (e *echoServer) HandleAppendEntries(_ context.Context, args transport.AppendEntriesArgs) transport.AppendEntriesReply {
	e.lastAppend = args
	return transport.AppendEntriesReply{Term: args.Term, Success: true}
}

func (e *echoServer) HandleInstallSnapshot(_ context.Context, args transport.InstallSnapshotArgs) transport.InstallSnapshotReply {
	return transport.InstallSnapshotReply{Term: args.Term}
}

func (e *echoServer) HandleNotifyAll(context.Context, transport.NotifyAllArgs) transport.NotifyAllReply {
	return transport.NotifyAllReply{}
}

type echoGossip struct{}

func (echoGossip) HandleGossip(_ context.Context, args transport.GossipArgs) transport.GossipReply {
	return transport.GossipReply{Pool: args.Pool, Version: args.Version + 1}
}

func TestRoundTripOverTCP(t *testing.T) {
	srv := &echoServer{}
	server, err := NewServer("127.0.0.1:0", srv, echoGossip{}, zerolog.Nop())
	require.NoError(t, err)
	defer server.Stop()

	client := NewClient(func(peerID string) (string, bool) {
		if peerID == "peer-1" {
			return server.Addr(), true
		}
		return "", false
	}, zerolog.Nop())
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	vote, err := client.RequestVote(ctx, "peer-1", transport.RequestVoteArgs{Term: 7, CandidateID: "yes"})
	require.NoError(t, err)
	assert.Equal(t, uint64(7), vote.Term)
	assert.True(t, vote.VoteGranted)

	ae, err := client.AppendEntries(ctx, "peer-1", transport.AppendEntriesArgs{
		Term:     7,
		LeaderID: "leader-1",
		Entries: []logstore.Entry{
			{Index: 1, Term: 7, ClientID: "c1", Payload: []byte("payload")},
		},
		LeaderCommit: 1,
	})
	require.NoError(t, err)
	assert.True(t, ae.Success)
	require.Len(t, srv.lastAppend.Entries, 1)
	assert.Equal(t, []byte("payload"), srv.lastAppend.Entries[0].Payload)

	gossip, err := client.Gossip(ctx, "peer-1", transport.GossipArgs{
		SenderID: "a", Pool: map[string]string{"a": "127.0.0.1:1"}, Version: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), gossip.Version)
	assert.Contains(t, gossip.Pool, "a")
}

func TestUnknownPeerFailsFast(t *testing.T) {
	client := NewClient(func(string) (string, bool) { return "", false }, zerolog.Nop())
	defer client.Close()

	_, err := client.RequestVote(context.Background(), "ghost", transport.RequestVoteArgs{Term: 1})
	require.Error(t, err)
}
