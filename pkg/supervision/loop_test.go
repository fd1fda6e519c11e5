package supervision

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arangodb/agency/pkg/agent"
	"github.com/arangodb/agency/pkg/store"
)

// fakeAgency applies transactions straight to a local store, standing
// in for a single-node committed agency.
type fakeAgency struct {
	s     *store.Store
	index uint64
}

func newFakeAgency() *fakeAgency { return &fakeAgency{s: store.New(nil)} }

func (f *fakeAgency) IsLeader() bool               { return true }
func (f *fakeAgency) CommittedStore() *store.Store { return f.s }

func (f *fakeAgency) Write(ctx context.Context, reqs []agent.WriteRequest) (agent.WriteResult, error) {
	res := agent.WriteResult{Accepted: true}
	for _, r := range reqs {
		f.index++
		outcome, _ := f.s.Apply(r.Txn, store.ModeNormal, r.ClientID, r.RequestID, f.index)
		res.Applied = append(res.Applied, outcome)
		res.Indices = append(res.Indices, f.index)
	}
	return res, nil
}

func (f *fakeAgency) putObject(t *testing.T, path string, v interface{}) {
	t.Helper()
	leaf, err := objectLeaf(v)
	require.NoError(t, err)
	f.index++
	outcome, err := f.s.Apply(store.Txn{Ops: []store.Op{{
		Path: store.MustSplit(path), Kind: store.OpSet, Value: leaf,
	}}}, store.ModeNormal, "", "", f.index)
	require.NoError(t, err)
	require.Equal(t, store.OutcomeApplied, outcome)
}

func (f *fakeAgency) readPlan(t *testing.T, id string) *Plan {
	t.Helper()
	node, err := f.s.Read(planPath(id))
	if err != nil {
		return nil
	}
	var p Plan
	require.NoError(t, decodeObjectLeaf(node, &p))
	return &p
}

func (f *fakeAgency) trace(id string) []string {
	node, err := f.s.Read(statusReportPath(id))
	if err != nil || node.Value == nil {
		return nil
	}
	return node.Value.Array
}

func (f *fakeAgency) reportLocalStates(t *testing.T, id string, term, reboot uint64, servers ...string) {
	t.Helper()
	cur := Current{ID: id, LocalStates: map[string]LocalState{}}
	for i, s := range servers {
		cur.LocalStates[s] = LocalState{
			Term: term, SpearheadTerm: term, SpearheadIndex: uint64(i + 1), RebootID: reboot,
		}
	}
	f.putObject(t, currentPrefix+"/"+id, cur)
}

func (f *fakeAgency) reportHealth(t *testing.T, server string, reboot uint64, notFailed bool) {
	t.Helper()
	f.putObject(t, healthPrefix+"/"+server, HealthRecord{RebootID: reboot, NotFailed: notFailed})
}

func TestLoopConvergesHealthyTarget(t *testing.T) {
	f := newFakeAgency()
	loop := NewLoop(DefaultConfig(), f, zerolog.Nop())
	ctx := context.Background()

	f.putObject(t, targetPrefix+"/log1", Target{
		ID: "log1", Participants: []string{"a", "b", "c"}, WriteConcern: 2, Version: 1,
	})
	for _, s := range []string{"a", "b", "c"} {
		f.reportHealth(t, s, 1, true)
	}
	f.reportLocalStates(t, "log1", 1, 1, "a", "b", "c")

	// Materialize, create the initial term, elect.
	for i := 0; i < 5; i++ {
		loop.Tick(ctx)
	}
	plan := f.readPlan(t, "log1")
	require.NotNil(t, plan)
	require.NotEmpty(t, plan.Term.Leader, "election should have picked a leader")
	electedTerm := plan.Term.Term

	// Participants adopt the elected term; the loop then acks Target.
	f.reportLocalStates(t, "log1", electedTerm, 1, "a", "b", "c")
	for i := 0; i < 5; i++ {
		loop.Tick(ctx)
	}

	plan = f.readPlan(t, "log1")
	require.NotNil(t, plan)
	assert.Equal(t, 1, plan.TargetVersion, "target version should be acked")
	assert.Empty(t, f.trace("log1"), "converged object reports a clean status")
}

func TestLoopReportsImpossibleElectionThenRecovers(t *testing.T) {
	f := newFakeAgency()
	loop := NewLoop(DefaultConfig(), f, zerolog.Nop())
	ctx := context.Background()

	f.putObject(t, targetPrefix+"/log1", Target{
		ID: "log1", Participants: []string{"a"}, WriteConcern: 1, Version: 1,
	})
	f.reportHealth(t, "a", 1, false)
	f.reportLocalStates(t, "log1", 1, 1, "a")

	for i := 0; i < 4; i++ {
		loop.Tick(ctx)
	}
	plan := f.readPlan(t, "log1")
	require.NotNil(t, plan)
	assert.Empty(t, plan.Term.Leader, "no leader can be installed while the only candidate is failed")
	assert.Contains(t, f.trace("log1"), "LeaderElectionImpossible")

	// Health recovers; the next tick elects.
	f.reportHealth(t, "a", 1, true)
	for i := 0; i < 3; i++ {
		loop.Tick(ctx)
	}
	plan = f.readPlan(t, "log1")
	assert.Equal(t, "a", plan.Term.Leader)
	assert.Contains(t, f.trace("log1"), "LeaderElectionSuccess")
}

func TestLoopTraceIsBounded(t *testing.T) {
	f := newFakeAgency()
	cfg := DefaultConfig()
	cfg.MaxActionsTraceLength = 3
	loop := NewLoop(cfg, f, zerolog.Nop())
	ctx := context.Background()

	f.putObject(t, targetPrefix+"/log1", Target{
		ID: "log1", Participants: []string{"a", "b"}, WriteConcern: 1, Version: 1,
	})
	f.reportHealth(t, "a", 1, true)
	f.reportHealth(t, "b", 1, true)
	f.reportLocalStates(t, "log1", 1, 1, "a", "b")

	for i := 0; i < 10; i++ {
		loop.Tick(ctx)
	}
	assert.LessOrEqual(t, len(f.trace("log1")), 3)
}
