package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func populatedStore(t *testing.T) *Store {
	t.Helper()
	s := New(nil)
	txn := NewTxnBuilder().
		Set(MustSplit("/cfg/name"), stringValue("agency")).
		Set(MustSplit("/cfg/size"), stringValue("3")).
		Set(MustSplit("/items"), arrayValue([]string{"x", "y"})).
		Set(MustSplit("/meta"), objectValue(`{"k":"v"}`)).
		Build()
	outcome, err := s.Apply(txn, ModeNormal, "", "", 1)
	require.NoError(t, err)
	require.Equal(t, OutcomeApplied, outcome)
	s.RegisterObserver(MustSplit("/cfg"), ObserverKey{URL: "http://cb", Client: "c1"})
	return s
}

func TestSnapshotEncodingIsCanonical(t *testing.T) {
	a := populatedStore(t)
	b := populatedStore(t)

	ea, err := EncodeSnapshot(a.Dump())
	require.NoError(t, err)
	// Same logical state must serialize identically every time, on
	// every node, regardless of map iteration order.
	for i := 0; i < 20; i++ {
		eb, err := EncodeSnapshot(b.Dump())
		require.NoError(t, err)
		assert.Equal(t, ea, eb)
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	s := populatedStore(t)
	data, err := EncodeSnapshot(s.Dump())
	require.NoError(t, err)

	root, err := DecodeSnapshot(data)
	require.NoError(t, err)
	restored := New(nil)
	restored.Load(root)

	n, err := restored.Read(MustSplit("/cfg/name"))
	require.NoError(t, err)
	assert.Equal(t, "agency", n.Value.Scalar)

	n, err = restored.Read(MustSplit("/items"))
	require.NoError(t, err)
	assert.Equal(t, []string{"x", "y"}, n.Value.Array)

	n, err = restored.Read(MustSplit("/cfg"))
	require.NoError(t, err)
	assert.Contains(t, n.Observers, ObserverKey{URL: "http://cb", Client: "c1"})

	again, err := EncodeSnapshot(restored.Dump())
	require.NoError(t, err)
	assert.Equal(t, data, again)
}

func TestTransientPrefixScan(t *testing.T) {
	tr := NewTransient()
	tr.Put("/health/a", 1)
	tr.Put("/health/b", 2)
	tr.Put("/other", 3)

	var keys []string
	tr.Prefix("/health/", func(k string, v interface{}) bool {
		keys = append(keys, k)
		return true
	})
	assert.Equal(t, []string{"/health/a", "/health/b"}, keys)

	tr.Delete("/health/a")
	v, ok := tr.Get("/health/a")
	assert.False(t, ok)
	assert.Nil(t, v)
	assert.Equal(t, 2, tr.Len())
}
