package compactor

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arangodb/agency/pkg/logstore"
	"github.com/arangodb/agency/pkg/store"
)

type fixedSource struct {
	commit uint64
	st     *store.Store
}

func (f *fixedSource) CommitIndex() uint64          { return f.commit }
func (f *fixedSource) CommittedStore() *store.Store { return f.st }

func fill(t *testing.T, l *logstore.Log, n uint64) {
	t.Helper()
	entries := make([]logstore.Entry, n)
	for i := range entries {
		entries[i] = logstore.Entry{Index: uint64(i + 1), Term: 1, Payload: []byte("x")}
	}
	require.NoError(t, l.Append(entries))
}

func TestCompactsPastStepSize(t *testing.T) {
	l, err := logstore.Open(filepath.Join(t.TempDir(), "log.db"))
	require.NoError(t, err)
	defer l.Close()
	fill(t, l, 100)

	src := &fixedSource{commit: 100, st: store.New(nil)}
	w := New(src, l, 50, 10, time.Hour, zerolog.Nop())
	require.NoError(t, w.compactOnce())

	snap, found, err := l.LoadSnapshot()
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, uint64(100), snap.Metadata.LastIncludedIndex)
	assert.Equal(t, uint64(1), snap.Metadata.LastIncludedTerm)

	// The keep window survives: entries above commit-keep stay.
	_, ok := l.Get(90)
	assert.False(t, ok)
	_, ok = l.Get(91)
	assert.True(t, ok)
}

func TestNoCompactionBelowThreshold(t *testing.T) {
	l, err := logstore.Open(filepath.Join(t.TempDir(), "log.db"))
	require.NoError(t, err)
	defer l.Close()
	fill(t, l, 30)

	src := &fixedSource{commit: 30, st: store.New(nil)}
	w := New(src, l, 50, 10, time.Hour, zerolog.Nop())
	require.NoError(t, w.compactOnce())

	_, found, err := l.LoadSnapshot()
	require.NoError(t, err)
	assert.False(t, found)
	_, ok := l.Get(1)
	assert.True(t, ok)
}

func TestSnapshotRoundTripsStoreState(t *testing.T) {
	l, err := logstore.Open(filepath.Join(t.TempDir(), "log.db"))
	require.NoError(t, err)
	defer l.Close()
	fill(t, l, 60)

	st := store.New(nil)
	_, err = st.Apply(store.NewTxnBuilder().
		Set(store.MustSplit("/a"), &store.Value{Kind: store.KindString, Scalar: "1"}).
		Build(), store.ModeNormal, "", "", 1)
	require.NoError(t, err)

	src := &fixedSource{commit: 60, st: st}
	w := New(src, l, 50, 10, time.Hour, zerolog.Nop())
	require.NoError(t, w.compactOnce())

	snap, found, err := l.LoadSnapshot()
	require.NoError(t, err)
	require.True(t, found)

	root, err := store.DecodeSnapshot(snap.Data)
	require.NoError(t, err)
	restored := store.New(nil)
	restored.Load(root)
	n, err := restored.Read(store.MustSplit("/a"))
	require.NoError(t, err)
	assert.Equal(t, "1", n.Value.Scalar)
}
