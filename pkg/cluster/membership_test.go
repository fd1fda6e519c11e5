package cluster

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPeerLifecycle(t *testing.T) {
	m := NewManager()
	require.NoError(t, m.AddPeer(Peer{ID: "a", Endpoint: "host-a:8529", Voting: true}))
	require.Error(t, m.AddPeer(Peer{ID: "a", Endpoint: "elsewhere"}), "duplicate id rejected")

	p, ok := m.GetPeer("a")
	require.True(t, ok)
	assert.Equal(t, PeerJoining, p.State)

	require.NoError(t, m.ActivatePeer("a"))
	p, _ = m.GetPeer("a")
	assert.Equal(t, PeerActive, p.State)
	assert.Equal(t, []string{"a"}, m.GetVotingPeerIDs())

	require.NoError(t, m.RemovePeer("a"))
	p, _ = m.GetPeer("a")
	assert.Equal(t, PeerRemoved, p.State)
	assert.Empty(t, m.GetVotingPeerIDs())
}

func TestQuorumSize(t *testing.T) {
	m := NewManager()
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		require.NoError(t, m.AddPeer(Peer{ID: id, Voting: true}))
		require.NoError(t, m.ActivatePeer(id))
	}
	assert.Equal(t, 3, m.QuorumSize())
}

func TestMergePoolDoesNotGrantVote(t *testing.T) {
	m := NewManager()
	assert.True(t, m.MergePool("a", "host-a:8529"))
	assert.False(t, m.MergePool("a", "host-a:8529"), "second merge is a no-op")

	p, ok := m.GetPeer("a")
	require.True(t, ok)
	assert.True(t, p.Pool)
	assert.Empty(t, m.GetVotingPeerIDs())
}

func TestSnapshotRestore(t *testing.T) {
	m := NewManager()
	require.NoError(t, m.AddPeer(Peer{ID: "a", Endpoint: "host-a", Voting: true}))
	require.NoError(t, m.ActivatePeer("a"))

	snap := m.Snapshot()

	restored := NewManager()
	restored.Restore(snap)
	p, ok := restored.GetPeer("a")
	require.True(t, ok)
	assert.Equal(t, "host-a", p.Endpoint)
	assert.Equal(t, PeerActive, p.State)
}
