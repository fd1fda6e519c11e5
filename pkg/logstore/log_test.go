package logstore

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTemp(t *testing.T) *Log {
	t.Helper()
	l, err := Open(filepath.Join(t.TempDir(), "log.db"))
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func TestAppendAndGet(t *testing.T) {
	l := openTemp(t)
	err := l.Append([]Entry{
		{Index: 1, Term: 1, Payload: []byte("a")},
		{Index: 2, Term: 1, Payload: []byte("b")},
	})
	require.NoError(t, err)

	assert.Equal(t, uint64(2), l.LastIndex())
	assert.Equal(t, uint64(1), l.LastTerm())

	e, ok := l.Get(1)
	require.True(t, ok)
	assert.Equal(t, []byte("a"), e.Payload)
}

func TestTruncateAfter(t *testing.T) {
	l := openTemp(t)
	require.NoError(t, l.Append([]Entry{
		{Index: 1, Term: 1},
		{Index: 2, Term: 1},
		{Index: 3, Term: 2},
	}))

	require.NoError(t, l.TruncateAfter(1))
	assert.Equal(t, uint64(1), l.LastIndex())
	_, ok := l.Get(2)
	assert.False(t, ok)
}

func TestTermAndVotePersist(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.db")
	l, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, l.SetTermAndVote(5, "node-2"))
	require.NoError(t, l.Close())

	reopened, err := Open(path)
	require.NoError(t, err)
	defer reopened.Close()
	assert.Equal(t, uint64(5), reopened.CurrentTerm())
	assert.Equal(t, "node-2", reopened.VotedFor())
}

func TestSnapshotAndCompaction(t *testing.T) {
	l := openTemp(t)
	require.NoError(t, l.Append([]Entry{
		{Index: 1, Term: 1},
		{Index: 2, Term: 1},
		{Index: 3, Term: 2},
	}))

	require.NoError(t, l.SaveSnapshot(Snapshot{
		Metadata: SnapshotMetadata{LastIncludedIndex: 2, LastIncludedTerm: 1},
		Data:     []byte("state"),
	}))
	require.NoError(t, l.CompactThrough(2))

	_, ok := l.Get(1)
	assert.False(t, ok)
	_, ok = l.Get(2)
	assert.False(t, ok)
	e, ok := l.Get(3)
	require.True(t, ok)
	assert.Equal(t, uint64(3), e.Index)

	snap, found, err := l.LoadSnapshot()
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, uint64(2), snap.Metadata.LastIncludedIndex)
}
