package testing

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arangodb/agency/pkg/agent"
	"github.com/arangodb/agency/pkg/compactor"
	"github.com/arangodb/agency/pkg/store"
	"github.com/rs/zerolog"
)

func setTxn(path, value string) store.Txn {
	return store.Txn{Ops: []store.Op{{
		Path:  store.MustSplit(path),
		Kind:  store.OpSet,
		Value: &store.Value{Kind: store.KindString, Scalar: value},
	}}}
}

func TestSinglePeerWrite(t *testing.T) {
	c, err := NewCluster(1)
	require.NoError(t, err)
	defer c.Cleanup()

	_, err = c.WaitForLeader(5 * time.Second)
	require.NoError(t, err)
	leader := c.Leader()

	res, err := leader.Write(context.Background(), []agent.WriteRequest{{
		Txn: setTxn("/a", "7"), ClientID: "client-1", RequestID: "r1",
	}})
	require.NoError(t, err)
	require.True(t, res.Accepted)
	require.Equal(t, []store.Outcome{store.OutcomeApplied}, res.Applied)
	require.Len(t, res.Indices, 1)
	require.NotZero(t, res.Indices[0])

	read, err := leader.Read([]store.Path{store.MustSplit("/a")})
	require.NoError(t, err)
	require.True(t, read.Accepted)
	require.NotNil(t, read.Results[0])
	require.Equal(t, "7", read.Results[0].Value.Scalar)
}

func TestPreconditionsGateWrites(t *testing.T) {
	c, err := NewCluster(3)
	require.NoError(t, err)
	defer c.Cleanup()

	_, err = c.WaitForLeader(10 * time.Second)
	require.NoError(t, err)
	leader := c.Leader()

	guarded := func(value, reqID string) []agent.WriteRequest {
		txn := setTxn("/x", value)
		txn.Pre = []store.Pre{{Path: store.MustSplit("/x"), Kind: store.PreOldEmpty}}
		return []agent.WriteRequest{{Txn: txn, ClientID: "client-1", RequestID: reqID}}
	}

	res, err := leader.Write(context.Background(), guarded("v1", "r1"))
	require.NoError(t, err)
	require.True(t, res.Accepted)
	require.Equal(t, store.OutcomeApplied, res.Applied[0])

	res, err = leader.Write(context.Background(), guarded("v2", "r2"))
	require.NoError(t, err)
	require.True(t, res.Accepted)
	require.Equal(t, store.OutcomePreconditionFailed, res.Applied[0])

	read, err := leader.Read([]store.Path{store.MustSplit("/x")})
	require.NoError(t, err)
	require.Equal(t, "v1", read.Results[0].Value.Scalar)
}

func TestLeaderElectionAfterLeaderLoss(t *testing.T) {
	c, err := NewCluster(3)
	require.NoError(t, err)
	defer c.Cleanup()

	oldIdx, err := c.WaitForLeader(10 * time.Second)
	require.NoError(t, err)
	oldLeader := c.Agents[oldIdx]
	oldTerm := oldLeader.Term()

	c.Hub.Partition(c.IDs[oldIdx])

	// One of the survivors must win a newer term; the partitioned old
	// leader resigns once its quorum lease runs dry.
	deadline := time.Now().Add(15 * time.Second)
	var newLeader *agent.Agent
	for time.Now().Before(deadline) {
		for i, a := range c.Agents {
			if i != oldIdx && a.IsLeader() {
				newLeader = a
			}
		}
		if newLeader != nil && !oldLeader.IsLeader() {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	require.NotNil(t, newLeader, "no replacement leader elected")
	require.Greater(t, newLeader.Term(), oldTerm)

	res, err := oldLeader.Write(context.Background(), []agent.WriteRequest{{
		Txn: setTxn("/y", "1"), ClientID: "client-1", RequestID: "r1",
	}})
	require.NoError(t, err)
	require.False(t, res.Accepted)

	require.NoError(t, c.CheckElectionSafety())
}

func TestLogCatchUp(t *testing.T) {
	c, err := NewCluster(3)
	require.NoError(t, err)
	defer c.Cleanup()

	leaderIdx, err := c.WaitForLeader(10 * time.Second)
	require.NoError(t, err)
	leader := c.Agents[leaderIdx]

	slow := (leaderIdx + 1) % 3
	c.Hub.Partition(c.IDs[slow])

	reqs := make([]agent.WriteRequest, 100)
	for i := range reqs {
		reqs[i] = agent.WriteRequest{
			Txn:      setTxn("/data/key", "value"),
			ClientID: "writer", RequestID: "w" + string(rune('A'+i%26)) + string(rune('0'+i/26)),
		}
	}
	res, err := leader.Write(context.Background(), reqs)
	require.NoError(t, err)
	require.True(t, res.Accepted)
	target := leader.CommitIndex()

	c.Hub.Heal(c.IDs[slow])
	require.NoError(t, c.WaitForCommitIndex(slow, target, 15*time.Second))

	require.NoError(t, c.CheckLogMatching())
	require.NoError(t, c.CheckStateMachineSafety())
}

func TestSnapshotInstall(t *testing.T) {
	c, err := NewCluster(3, WithCompaction(50, 10))
	require.NoError(t, err)
	defer c.Cleanup()

	leaderIdx, err := c.WaitForLeader(10 * time.Second)
	require.NoError(t, err)
	leader := c.Agents[leaderIdx]

	slow := (leaderIdx + 1) % 3
	c.Hub.Partition(c.IDs[slow])

	for batch := 0; batch < 4; batch++ {
		reqs := make([]agent.WriteRequest, 50)
		for i := range reqs {
			reqs[i] = agent.WriteRequest{
				Txn:      setTxn("/bulk/item", "payload"),
				ClientID: "writer",
				RequestID: string(rune('a'+batch)) + "-" + string(rune('A'+i%26)) + string(rune('0'+i/26)),
			}
		}
		res, err := leader.Write(context.Background(), reqs)
		require.NoError(t, err)
		require.True(t, res.Accepted)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	comp := compactor.New(leader, c.Logs[leaderIdx], 50, 10, 50*time.Millisecond, zerolog.Nop())
	go comp.Run(ctx)
	comp.Trigger()

	// The snapshot must exist before the slow follower returns, so its
	// catch-up has to go through snapshot install.
	require.Eventually(t, func() bool {
		_, found, err := c.Logs[leaderIdx].LoadSnapshot()
		return err == nil && found
	}, 10*time.Second, 100*time.Millisecond)

	target := leader.CommitIndex()
	c.Hub.Heal(c.IDs[slow])
	require.NoError(t, c.WaitForCommitIndex(slow, target, 20*time.Second))

	require.NoError(t, c.CheckStateMachineSafety())
}

func TestTTLExpiry(t *testing.T) {
	c, err := NewCluster(1)
	require.NoError(t, err)
	defer c.Cleanup()

	_, err = c.WaitForLeader(5 * time.Second)
	require.NoError(t, err)
	leader := c.Leader()

	txn := store.Txn{Ops: []store.Op{{
		Path:  store.MustSplit("/ephemeral"),
		Kind:  store.OpSet,
		Value: &store.Value{Kind: store.KindString, Scalar: "here"},
		TTL:   1,
	}}}
	res, err := leader.Write(context.Background(), []agent.WriteRequest{{
		Txn: txn, ClientID: "client-1", RequestID: "r1",
	}})
	require.NoError(t, err)
	require.True(t, res.Accepted)

	read, err := leader.Read([]store.Path{store.MustSplit("/ephemeral")})
	require.NoError(t, err)
	require.NotNil(t, read.Results[0])

	// Expiry arrives as a replicated delete from the leader's sweeper,
	// so it lands at a definite committed index.
	before := leader.CommitIndex()
	require.Eventually(t, func() bool {
		read, err := leader.Read([]store.Path{store.MustSplit("/ephemeral")})
		return err == nil && read.Results[0] == nil
	}, 10*time.Second, 100*time.Millisecond)
	assert.Greater(t, leader.CommitIndex(), before)
}

func TestObserverCallback(t *testing.T) {
	c, err := NewCluster(1)
	require.NoError(t, err)
	defer c.Cleanup()

	_, err = c.WaitForLeader(5 * time.Second)
	require.NoError(t, err)
	leader := c.Leader()

	var delivered atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		delivered.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	_, err = leader.Observe(context.Background(), store.MustSplit("/q"), srv.URL, "client-1")
	require.NoError(t, err)

	res, err := leader.Write(context.Background(), []agent.WriteRequest{{
		Txn: setTxn("/q/a", "1"), ClientID: "client-1", RequestID: "r1",
	}})
	require.NoError(t, err)
	require.True(t, res.Accepted)

	require.Eventually(t, func() bool { return delivered.Load() == 1 },
		5*time.Second, 50*time.Millisecond)
}

func TestObserverEvictedAfter404s(t *testing.T) {
	c, err := NewCluster(1)
	require.NoError(t, err)
	defer c.Cleanup()

	_, err = c.WaitForLeader(5 * time.Second)
	require.NoError(t, err)
	leader := c.Leader()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	_, err = leader.Observe(context.Background(), store.MustSplit("/q"), srv.URL, "client-1")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err = leader.Write(context.Background(), []agent.WriteRequest{{
			Txn: setTxn("/q/a", "x"), ClientID: "client-1", RequestID: "r" + string(rune('0'+i)),
		}})
		require.NoError(t, err)
	}

	// Three strikes evict the observer from the replicated set via a
	// committed transaction.
	require.Eventually(t, func() bool {
		read, err := leader.Read([]store.Path{store.MustSplit("/q")})
		if err != nil || read.Results[0] == nil {
			return false
		}
		return len(read.Results[0].Observers) == 0
	}, 10*time.Second, 100*time.Millisecond)
}

func TestIdempotentResubmission(t *testing.T) {
	c, err := NewCluster(3)
	require.NoError(t, err)
	defer c.Cleanup()

	_, err = c.WaitForLeader(10 * time.Second)
	require.NoError(t, err)
	leader := c.Leader()

	inc := store.Txn{Ops: []store.Op{{Path: store.MustSplit("/counter"), Kind: store.OpIncrement}}}
	for i := 0; i < 5; i++ {
		res, err := leader.Write(context.Background(), []agent.WriteRequest{{
			Txn: inc, ClientID: "client-1", RequestID: "the-one-increment",
		}})
		require.NoError(t, err)
		require.True(t, res.Accepted)
	}

	read, err := leader.Read([]store.Path{store.MustSplit("/counter")})
	require.NoError(t, err)
	require.Equal(t, "1", read.Results[0].Value.Scalar)

	outcome, _, found := leader.Inquire("client-1", "the-one-increment")
	require.True(t, found)
	require.Equal(t, store.OutcomeApplied, outcome)
}

func TestCommitAndTermMonotonicity(t *testing.T) {
	c, err := NewCluster(3)
	require.NoError(t, err)
	defer c.Cleanup()

	_, err = c.WaitForLeader(10 * time.Second)
	require.NoError(t, err)

	mon := NewMonitor(c)
	done := time.After(3 * time.Second)
	for i := 0; ; i++ {
		select {
		case <-done:
			return
		default:
		}
		leader := c.Leader()
		if leader != nil {
			_, _ = leader.Write(context.Background(), []agent.WriteRequest{{
				Txn: setTxn("/mono", "tick"), ClientID: "mono", RequestID: "m" + string(rune('0'+i%10)),
			}})
		}
		require.NoError(t, mon.Observe())
		time.Sleep(50 * time.Millisecond)
	}
}
