package supervision

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func healthyAll(reboot uint64, servers ...string) Health {
	h := Health{}
	for _, s := range servers {
		h[s] = HealthRecord{RebootID: reboot, NotFailed: true}
	}
	return h
}

func fullFlags(servers ...string) map[string]ParticipantFlags {
	out := make(map[string]ParticipantFlags, len(servers))
	for _, s := range servers {
		out[s] = ParticipantFlags{AllowedInQuorum: true, AllowedAsLeader: true}
	}
	return out
}

func localStates(term, reboot uint64, servers ...string) map[string]LocalState {
	out := make(map[string]LocalState, len(servers))
	for i, s := range servers {
		out[s] = LocalState{
			Term:           term,
			SpearheadTerm:  term,
			SpearheadIndex: uint64(i + 1),
			RebootID:       reboot,
		}
	}
	return out
}

func TestStepFirstMaterialization(t *testing.T) {
	target := Target{ID: "log1", Participants: []string{"a", "b", "c"}, WriteConcern: 2, Version: 1}
	health := healthyAll(1, "a", "b", "c")

	action := Step(target, nil, Current{}, health)
	add, ok := action.(AddLogToPlan)
	require.True(t, ok, "got %T", action)
	assert.Equal(t, target.ID, add.Target.ID)

	plan := &Plan{ID: "log1", Participants: fullFlags("a", "b", "c"), WriteConcern: 2}
	action = Step(target, plan, Current{}, health)
	_, ok = action.(CreateInitialTerm)
	require.True(t, ok, "got %T", action)
}

func TestStepElectionPicksMostAdvanced(t *testing.T) {
	target := Target{ID: "log1", Participants: []string{"a", "b", "c"}, WriteConcern: 2, Version: 1}
	plan := &Plan{
		ID:           "log1",
		Term:         PlanTerm{Term: 1},
		Participants: fullFlags("a", "b", "c"),
		WriteConcern: 2,
	}
	current := Current{ID: "log1", LocalStates: localStates(1, 1, "a", "b", "c")}
	// c reports the most advanced spearhead (index 3 from localStates).
	health := healthyAll(1, "a", "b", "c")

	action := Step(target, plan, current, health)
	el, ok := action.(LeaderElection)
	require.True(t, ok, "got %T", action)
	require.True(t, el.Campaign.OK)
	assert.Equal(t, "c", el.Campaign.Leader)
	assert.Len(t, el.Campaign.Eligible, 3)
}

func TestStepElectionQuorumChecks(t *testing.T) {
	target := Target{ID: "log1", Participants: []string{"a", "b", "c"}, WriteConcern: 2, Version: 1}
	plan := &Plan{
		ID:           "log1",
		Term:         PlanTerm{Term: 1},
		Participants: fullFlags("a", "b", "c"),
		WriteConcern: 2,
	}
	current := Current{ID: "log1", LocalStates: localStates(1, 1, "a", "b", "c")}

	// Two of three failed: only one eligible, below writeConcern.
	health := Health{
		"a": {RebootID: 1, NotFailed: true},
		"b": {RebootID: 1, NotFailed: false},
		"c": {RebootID: 1, NotFailed: false},
	}
	action := Step(target, plan, current, health)
	el, ok := action.(LeaderElection)
	require.True(t, ok, "got %T", action)
	assert.False(t, el.Campaign.OK)
	assert.False(t, el.Modifies())

	// A stale reboot id excludes a report even from a healthy server.
	health = healthyAll(2, "a", "b", "c")
	action = Step(target, plan, current, health)
	el = action.(LeaderElection)
	assert.False(t, el.Campaign.OK, "reports from previous incarnations must not count")
}

func TestStepEvictsFailedLeader(t *testing.T) {
	target := Target{ID: "log1", Participants: []string{"a", "b", "c"}, WriteConcern: 2, Version: 1}
	plan := &Plan{
		ID:           "log1",
		Term:         PlanTerm{Term: 2, Leader: "a"},
		Participants: fullFlags("a", "b", "c"),
		WriteConcern: 2,
	}
	current := Current{ID: "log1", LocalStates: localStates(2, 1, "a", "b", "c")}
	health := healthyAll(1, "a", "b", "c")
	health["a"] = HealthRecord{RebootID: 1, NotFailed: false}

	action := Step(target, plan, current, health)
	evict, ok := action.(EvictLeader)
	require.True(t, ok, "got %T", action)
	assert.Equal(t, "a", evict.Leader)

	next, err := applyAction("log1", target, plan, evict)
	require.NoError(t, err)
	assert.Empty(t, next.Term.Leader)
	assert.Equal(t, uint64(3), next.Term.Term)
	assert.False(t, next.Participants["a"].AllowedAsLeader)
}

func TestStepDictatedLeader(t *testing.T) {
	target := Target{
		ID: "log1", Participants: []string{"a", "b", "c"},
		WriteConcern: 2, Leader: "b", Version: 1,
	}
	plan := &Plan{
		ID:           "log1",
		Term:         PlanTerm{Term: 2, Leader: "a"},
		Participants: fullFlags("a", "b", "c"),
		WriteConcern: 2,
	}
	current := Current{ID: "log1", LocalStates: localStates(2, 1, "a", "b", "c")}
	health := healthyAll(1, "a", "b", "c")

	action := Step(target, plan, current, health)
	dict, ok := action.(DictateLeader)
	require.True(t, ok, "got %T", action)
	assert.Equal(t, "b", dict.Leader)

	// An unhealthy dictated leader blocks the tick instead of being
	// installed anyway.
	health["b"] = HealthRecord{RebootID: 1, NotFailed: false}
	action = Step(target, plan, current, health)
	_, ok = action.(NoActionPossible)
	assert.True(t, ok, "got %T", action)
}

func TestStepMembershipAndConfigDeltas(t *testing.T) {
	target := Target{
		ID: "log1", Participants: []string{"a", "b", "c", "d"},
		WriteConcern: 3, Version: 2,
	}
	plan := &Plan{
		ID:           "log1",
		Term:         PlanTerm{Term: 2, Leader: "a"},
		Participants: fullFlags("a", "b", "c"),
		WriteConcern: 2,
	}
	current := Current{ID: "log1", LocalStates: localStates(2, 1, "a", "b", "c")}
	health := healthyAll(1, "a", "b", "c", "d")

	action := Step(target, plan, current, health)
	add, ok := action.(AddParticipantToPlan)
	require.True(t, ok, "got %T", action)
	assert.Equal(t, "d", add.Participant)

	plan.Participants = fullFlags("a", "b", "c", "d")
	current.LocalStates = localStates(2, 1, "a", "b", "c", "d")
	action = Step(target, plan, current, health)
	cfg, ok := action.(UpdateLogConfig)
	require.True(t, ok, "got %T", action)
	assert.Equal(t, 3, cfg.WriteConcern)

	plan.WriteConcern = 3
	action = Step(target, plan, current, health)
	conv, ok := action.(ConvergedToTarget)
	require.True(t, ok, "got %T", action)
	assert.Equal(t, 2, conv.Version)

	plan.TargetVersion = 2
	action = Step(target, plan, current, health)
	_, ok = action.(Empty)
	assert.True(t, ok, "got %T", action)
}

// Step must be pure: identical inputs decide identically, regardless of
// map iteration order, so a leadership change mid-tick cannot produce a
// divergent decision on the successor.
func TestStepDeterminism(t *testing.T) {
	target := Target{ID: "log1", Participants: []string{"a", "b", "c", "d", "e"}, WriteConcern: 3, Version: 1}
	plan := &Plan{
		ID:           "log1",
		Term:         PlanTerm{Term: 1},
		Participants: fullFlags("a", "b", "c", "d", "e"),
		WriteConcern: 3,
	}
	current := Current{ID: "log1", LocalStates: localStates(1, 1, "a", "b", "c", "d", "e")}
	health := healthyAll(1, "a", "b", "c", "d", "e")

	first := Step(target, plan, current, health)
	for i := 0; i < 50; i++ {
		assert.Equal(t, first, Step(target, plan, current, health))
	}
}
