package supervision

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/armon/go-metrics"
	"github.com/rs/zerolog"

	"github.com/arangodb/agency/pkg/agent"
	"github.com/arangodb/agency/pkg/store"
)

// Config parameterizes the loop.
type Config struct {
	// Period between ticks.
	Period time.Duration

	// MaxActionsTraceLength bounds the rolling action trace kept under
	// each object's statusReport.
	MaxActionsTraceLength int
}

func DefaultConfig() Config {
	return Config{
		Period:                500 * time.Millisecond,
		MaxActionsTraceLength: 20,
	}
}

// Agency is the slice of the agent the loop needs. Satisfied by
// *agent.Agent.
type Agency interface {
	IsLeader() bool
	CommittedStore() *store.Store
	Write(ctx context.Context, reqs []agent.WriteRequest) (agent.WriteResult, error)
}

// Loop drives supervision for every managed log named under Target.
type Loop struct {
	cfg    Config
	agency Agency
	log    zerolog.Logger
}

func NewLoop(cfg Config, agency Agency, log zerolog.Logger) *Loop {
	return &Loop{
		cfg:    cfg,
		agency: agency,
		log:    log.With().Str("component", "supervision").Logger(),
	}
}

// Run ticks until ctx is cancelled. Ticks on a non-leader are no-ops;
// the loop runs everywhere so a leadership change needs no coordination
// beyond the IsLeader check.
func (l *Loop) Run(ctx context.Context) {
	ticker := time.NewTicker(l.cfg.Period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !l.agency.IsLeader() {
				continue
			}
			l.Tick(ctx)
		}
	}
}

// Tick runs one supervision pass over every managed object.
func (l *Loop) Tick(ctx context.Context) {
	for _, id := range l.managedIDs() {
		if err := l.superviseOne(ctx, id); err != nil {
			l.log.Warn().Err(err).Str("log", id).Msg("supervision tick failed")
		}
	}
}

func (l *Loop) managedIDs() []string {
	node, err := l.agency.CommittedStore().Read(store.MustSplit(targetPrefix))
	if err != nil {
		return nil
	}
	ids := make([]string, 0, len(node.Children))
	for id := range node.Children {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// snapshotOne reads one object's Target, Plan, Current and the health
// subtree from the committed store. These are four separate reads, not
// one atomic snapshot. Only the plan is guarded: a plan write committed
// mid-tick fails the tick's precondition, while a change to Target,
// Current or health between the reads goes undetected.
func (l *Loop) snapshotOne(id string) (Target, *Plan, Current, Health, string, error) {
	s := l.agency.CommittedStore()

	var target Target
	tNode, err := s.Read(targetPath(id))
	if err != nil {
		return target, nil, Current{}, nil, "", err
	}
	if err := decodeObjectLeaf(tNode, &target); err != nil {
		return target, nil, Current{}, nil, "", fmt.Errorf("target %s: %w", id, err)
	}

	var plan *Plan
	planRaw := ""
	if pNode, err := s.Read(planPath(id)); err == nil {
		var p Plan
		if err := decodeObjectLeaf(pNode, &p); err != nil {
			return target, nil, Current{}, nil, "", fmt.Errorf("plan %s: %w", id, err)
		}
		plan = &p
		planRaw = pNode.Value.Object
	}

	current := Current{ID: id, LocalStates: map[string]LocalState{}}
	if cNode, err := s.Read(currentPath(id)); err == nil {
		_ = decodeObjectLeaf(cNode, &current)
	}

	health := Health{}
	if hNode, err := s.Read(store.MustSplit(healthPrefix)); err == nil {
		for server, child := range hNode.Children {
			var rec HealthRecord
			if err := decodeObjectLeaf(child, &rec); err == nil {
				health[server] = rec
			}
		}
	}
	return target, plan, current, health, planRaw, nil
}

func (l *Loop) superviseOne(ctx context.Context, id string) error {
	target, plan, current, health, planRaw, err := l.snapshotOne(id)
	if err != nil {
		return err
	}

	action := Step(target, plan, current, health)
	metrics.IncrCounter([]string{"agency", "supervision", "actions", action.Name()}, 1)

	if _, isEmpty := action.(Empty); isEmpty {
		return nil
	}

	txn, err := l.buildTxn(id, target, plan, planRaw, action)
	if err != nil {
		return err
	}

	reqID := fmt.Sprintf("%s:%s:%d", id, action.Name(), generation(plan)+1)
	res, err := l.agency.Write(ctx, []agent.WriteRequest{{
		Txn:       txn,
		ClientID:  "supervision",
		RequestID: reqID,
	}})
	if err != nil {
		return err
	}
	if len(res.Applied) == 1 && res.Applied[0] == store.OutcomePreconditionFailed {
		// Plan moved under us mid-tick; the next period recomputes
		// against the new state.
		l.log.Debug().Str("log", id).Str("action", action.Name()).Msg("tick discarded, plan changed")
		return nil
	}
	l.log.Info().Str("log", id).Str("action", action.Name()).Msg("supervision action applied")
	return nil
}

func generation(p *Plan) int {
	if p == nil {
		return 0
	}
	return p.Generation
}

// buildTxn translates an Action into the tick's single transaction:
// the plan write guarded by a precondition on the exact plan bytes the
// decision was made against, plus the action-trace bookkeeping.
func (l *Loop) buildTxn(id string, target Target, plan *Plan, planRaw string, action Action) (store.Txn, error) {
	b := store.NewTxnBuilder()

	traceEntry := &store.Value{Kind: store.KindString, Scalar: action.Name()}
	b.PushQueue(statusReportPath(id), traceEntry, "supervision", l.cfg.MaxActionsTraceLength)

	if !action.Modifies() {
		// Off-nominal observation only: record it, touch nothing else.
		return b.Build(), nil
	}

	if plan == nil {
		b.PreOldEmpty(planPath(id))
	} else {
		b.PreEquals(planPath(id), &store.Value{Kind: store.KindObject, Object: planRaw})
	}

	next, err := applyAction(id, target, plan, action)
	if err != nil {
		return store.Txn{}, err
	}
	leaf, err := objectLeaf(next)
	if err != nil {
		return store.Txn{}, err
	}
	b.Set(planPath(id), leaf)

	// Converging on Target resets the action trace so a converged object
	// reports a clean status.
	if _, converged := action.(ConvergedToTarget); converged {
		b.Delete(statusReportPath(id))
	}
	return b.Build(), nil
}

// applyAction computes the successor plan. Total over every modifying
// action; extending the Action sum extends this switch.
func applyAction(id string, target Target, plan *Plan, action Action) (Plan, error) {
	var next Plan
	if plan != nil {
		next = *plan
		next.Participants = make(map[string]ParticipantFlags, len(plan.Participants))
		for k, v := range plan.Participants {
			next.Participants[k] = v
		}
	}
	next.ID = id
	next.Generation = generation(plan) + 1

	switch a := action.(type) {
	case AddLogToPlan:
		next.Participants = make(map[string]ParticipantFlags, len(a.Target.Participants))
		for _, p := range a.Target.Participants {
			next.Participants[p] = ParticipantFlags{AllowedInQuorum: true, AllowedAsLeader: true}
		}
		next.WriteConcern = a.Target.WriteConcern
		next.WaitForSync = a.Target.WaitForSync
		next.Term = PlanTerm{}
	case CreateInitialTerm:
		next.Term = PlanTerm{Term: 1}
	case LeaderElection:
		if !a.Campaign.OK {
			return Plan{}, fmt.Errorf("supervision: failed campaign is not a plan change")
		}
		next.Term = PlanTerm{Term: next.Term.Term + 1, Leader: a.Campaign.Leader}
	case UpdateTerm:
		next.Term.Term = a.NewTerm
	case DictateLeader:
		next.Term = PlanTerm{Term: next.Term.Term + 1, Leader: a.Leader}
	case EvictLeader:
		flags := next.Participants[a.Leader]
		flags.AllowedAsLeader = false
		next.Participants[a.Leader] = flags
		next.Term = PlanTerm{Term: next.Term.Term + 1}
	case UpdateParticipantFlags:
		next.Participants[a.Participant] = a.Flags
	case AddParticipantToPlan:
		next.Participants[a.Participant] = ParticipantFlags{AllowedInQuorum: true, AllowedAsLeader: true}
	case RemoveParticipantFromPlan:
		delete(next.Participants, a.Participant)
	case UpdateLogConfig:
		next.WriteConcern = a.WriteConcern
		next.WaitForSync = a.WaitForSync
	case ConvergedToTarget:
		next.TargetVersion = a.Version
	default:
		return Plan{}, fmt.Errorf("supervision: unhandled action %s", action.Name())
	}
	return next, nil
}
