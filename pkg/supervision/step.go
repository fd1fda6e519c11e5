package supervision

import "sort"

// Step is the pure decision function: given one object's three views
// and server health, produce exactly one Action. Predicates are
// evaluated in a fixed order and the first match wins, so any two
// leaders holding the same committed inputs decide identically — a
// tick lost to a leadership change is simply recomputed by the
// successor with the same outcome.
func Step(target Target, plan *Plan, current Current, health Health) Action {
	if len(target.Participants) == 0 {
		return NoActionPossible{Reason: "target names no participants"}
	}
	if target.WriteConcern <= 0 || target.WriteConcern > len(target.Participants) {
		return NoActionPossible{Reason: "target writeConcern unsatisfiable"}
	}

	// First materialization.
	if plan == nil {
		return AddLogToPlan{Target: target}
	}
	if plan.Term.Term == 0 {
		return CreateInitialTerm{}
	}

	// A dictated leader overrides everything except its own health.
	if target.Leader != "" && plan.Term.Leader != target.Leader {
		if _, inPlan := plan.Participants[target.Leader]; !inPlan {
			return NoActionPossible{Reason: "dictated leader not a plan participant"}
		}
		if h, ok := health[target.Leader]; !ok || !h.NotFailed {
			return NoActionPossible{Reason: "dictated leader unhealthy"}
		}
		return DictateLeader{Leader: target.Leader}
	}

	// A failed leader is evicted before anything else is adjusted.
	if plan.Term.Leader != "" {
		if h, ok := health[plan.Term.Leader]; !ok || !h.NotFailed {
			return EvictLeader{Leader: plan.Term.Leader}
		}
	}

	// Leaderless plan: run a campaign.
	if plan.Term.Leader == "" {
		return LeaderElection{Campaign: runCampaign(plan, current, health)}
	}

	// Participants report a newer term than the plan holds; catch the
	// plan up without touching the leader.
	maxReported := plan.Term.Term
	for _, ls := range current.LocalStates {
		if ls.Term > maxReported {
			maxReported = ls.Term
		}
	}
	if maxReported > plan.Term.Term {
		return UpdateTerm{NewTerm: maxReported}
	}

	// Membership deltas, one participant per tick so each change is its
	// own guarded transaction.
	inTarget := make(map[string]bool, len(target.Participants))
	for _, p := range target.Participants {
		inTarget[p] = true
	}
	for _, p := range target.Participants {
		if _, ok := plan.Participants[p]; !ok {
			return AddParticipantToPlan{Participant: p}
		}
	}
	for _, p := range sortedKeys(plan.Participants) {
		if !inTarget[p] {
			if p == plan.Term.Leader {
				// Removing the current leader needs an election first;
				// dropping it here would leave the term headless.
				return NoActionPossible{Reason: "cannot remove current leader from plan"}
			}
			return RemoveParticipantFromPlan{Participant: p}
		}
	}

	// Health-derived permission bits: a failed participant loses its
	// flags, a recovered one gets them back.
	for _, p := range sortedKeys(plan.Participants) {
		flags := plan.Participants[p]
		h, known := health[p]
		healthy := known && h.NotFailed
		want := ParticipantFlags{AllowedInQuorum: healthy, AllowedAsLeader: healthy}
		if flags != want {
			return UpdateParticipantFlags{Participant: p, Flags: want}
		}
	}

	// Config alignment.
	if plan.WriteConcern != target.WriteConcern || plan.WaitForSync != target.WaitForSync {
		return UpdateLogConfig{WriteConcern: target.WriteConcern, WaitForSync: target.WaitForSync}
	}

	// Convergence ack: Plan reflects Target; does Current reflect Plan?
	if plan.TargetVersion != target.Version {
		for _, p := range sortedKeys(plan.Participants) {
			ls, ok := current.LocalStates[p]
			if !ok || ls.Term < plan.Term.Term {
				return NoActionPossible{Reason: "waiting for participants to adopt plan term"}
			}
		}
		return ConvergedToTarget{Version: target.Version}
	}

	return Empty{}
}

// runCampaign evaluates eligibility and picks the leader with the most
// advanced (spearheadTerm, spearheadIndex), ties broken by id so the
// choice is deterministic.
func runCampaign(plan *Plan, current Current, health Health) Campaign {
	var eligible []string
	for _, p := range sortedKeys(plan.Participants) {
		flags := plan.Participants[p]
		if !flags.AllowedAsLeader || !flags.AllowedInQuorum {
			continue
		}
		h, known := health[p]
		if !known || !h.NotFailed {
			continue
		}
		ls, reported := current.LocalStates[p]
		if !reported {
			continue
		}
		if ls.RebootID != h.RebootID {
			// The report predates the server's current incarnation.
			continue
		}
		if ls.Term < plan.Term.Term {
			continue
		}
		eligible = append(eligible, p)
	}

	if len(eligible) < plan.WriteConcern {
		return Campaign{
			OK:       false,
			Eligible: eligible,
			Reason:   "LeaderElectionImpossible: quorum not reached",
		}
	}

	best := eligible[0]
	bestLS := current.LocalStates[best]
	for _, p := range eligible[1:] {
		ls := current.LocalStates[p]
		if ls.SpearheadTerm > bestLS.SpearheadTerm ||
			(ls.SpearheadTerm == bestLS.SpearheadTerm && ls.SpearheadIndex > bestLS.SpearheadIndex) {
			best, bestLS = p, ls
		}
	}
	return Campaign{OK: true, Leader: best, Eligible: eligible}
}

func sortedKeys(m map[string]ParticipantFlags) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
