// Package supervision implements the deterministic control loop
// (component C7) that runs on the consensus leader and converges
// managed replicated logs across three subtrees of the replicated
// store: Target (what the user asked for), Plan (the contract the
// supervisor chose), and Current (what the participating servers
// report back). Each tick reads one object's three views plus server
// health, decides exactly one Action with a pure function, and submits
// it as a single guarded transaction.
package supervision

import (
	"encoding/json"

	"github.com/arangodb/agency/pkg/store"
)

// Tree layout under the replicated store root.
const (
	targetPrefix  = "/target/logs"
	planPrefix    = "/plan/logs"
	currentPrefix = "/current/logs"
	healthPrefix  = "/current/health"
)

func targetPath(id string) store.Path  { return store.MustSplit(targetPrefix).Child(id) }
func planPath(id string) store.Path    { return store.MustSplit(planPrefix).Child(id) }
func currentPath(id string) store.Path { return store.MustSplit(currentPrefix).Child(id) }

func statusReportPath(id string) store.Path {
	return store.MustSplit("/current/supervision").Child(id).Child("statusReport")
}

// Target is the user's desired end state for one managed log.
type Target struct {
	ID           string   `json:"id"`
	Participants []string `json:"participants"`
	WriteConcern int      `json:"writeConcern"`
	WaitForSync  bool     `json:"waitForSync"`

	// Leader, when set, dictates a specific leader rather than leaving
	// the choice to the supervisor's election.
	Leader string `json:"leader,omitempty"`

	// Version lets clients detect convergence: the supervisor acks it
	// into Plan once Target is fully materialized.
	Version int `json:"version"`
}

// ParticipantFlags are the per-participant permission bits the
// supervisor adjusts as servers fail and recover.
type ParticipantFlags struct {
	AllowedInQuorum bool `json:"allowedInQuorum"`
	AllowedAsLeader bool `json:"allowedAsLeader"`
}

// PlanTerm is the supervisor-level election epoch, distinct from the
// consensus engine's own Raft term.
type PlanTerm struct {
	Term   uint64 `json:"term"`
	Leader string `json:"leader,omitempty"`
}

// Plan is the supervisor's chosen contract for one managed log.
type Plan struct {
	ID           string                      `json:"id"`
	Term         PlanTerm                    `json:"term"`
	Participants map[string]ParticipantFlags `json:"participants"`
	WriteConcern int                         `json:"writeConcern"`
	WaitForSync  bool                        `json:"waitForSync"`

	// Generation increments on every plan mutation and guards each
	// supervision transaction's precondition: a tick that raced a
	// concurrent plan change fails its write and retries next period.
	Generation int `json:"generation"`

	// TargetVersion is the last Target.Version this plan fully
	// materialized, the convergence ack.
	TargetVersion int `json:"targetVersion"`
}

// LocalState is one participant's self-reported progress.
type LocalState struct {
	Term           uint64 `json:"term"`
	SpearheadTerm  uint64 `json:"spearheadTerm"`
	SpearheadIndex uint64 `json:"spearheadIndex"`

	// RebootID is the process incarnation the report came from; a
	// report from an earlier incarnation than health shows is stale.
	RebootID uint64 `json:"rebootId"`
}

// Current aggregates what the participants report for one managed log.
type Current struct {
	ID          string                `json:"id"`
	LocalStates map[string]LocalState `json:"localStates"`
	Leader      string                `json:"leader,omitempty"`
}

// HealthRecord is one server's liveness summary, derived from the
// heartbeat subtree.
type HealthRecord struct {
	RebootID  uint64 `json:"rebootId"`
	NotFailed bool   `json:"notFailed"`
}

// Health maps server id to its record.
type Health map[string]HealthRecord

func objectLeaf(v interface{}) (*store.Value, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return &store.Value{Kind: store.KindObject, Object: string(data)}, nil
}

func decodeObjectLeaf(n *store.Node, v interface{}) error {
	if n == nil || n.Value == nil || n.Value.Kind != store.KindObject {
		return store.ErrNotFound
	}
	return json.Unmarshal([]byte(n.Value.Object), v)
}
