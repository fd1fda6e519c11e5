package agent

import "errors"

// Abstract error kinds, not wire-specific types, matched with
// errors.Is at call sites so wrapping with %w on the way up a call
// chain never breaks a comparison.
var (
	// ErrNotLeader is returned by ProposeConfigChange on a non-leader,
	// and by Write when leadership is lost while it waits for commit.
	// Write and Read called on a non-leader return a result carrying
	// Redirect instead. Callers should consult Agent.LeaderHint for a
	// redirect target.
	ErrNotLeader = errors.New("agent: not the leader")

	// ErrStaleTerm means an RPC or reply carried a term below this
	// node's current term; policy is to reject it, not step down.
	ErrStaleTerm = errors.New("agent: stale term")

	// ErrLogInconsistent means an AppendEntries prev-index/prev-term
	// check failed; the leader must back up next_index and retry.
	ErrLogInconsistent = errors.New("agent: log inconsistency at prev index")

	// ErrQuorumLost means the leader could not reach a majority within
	// LeaderLeaseTimeout and has resigned.
	ErrQuorumLost = errors.New("agent: quorum lost, resigning")

	// ErrTimeout names a wait for commit that ran past its deadline.
	// Poll and WaitFor do not return it: Poll resolves with an empty
	// result and WaitFor with WaitTimedOut.
	ErrTimeout = errors.New("agent: timed out waiting for commit")

	// ErrDurability signals an fsync/write failure from the log or
	// snapshot store. Policy: abort the current append, resign
	// leadership, and let the operator restart the process; recovery
	// relies on replaying the durable log and snapshot, not on
	// continuing to run atop state of uncertain durability.
	ErrDurability = errors.New("agent: durability failure")
)
