package agent

import (
	"context"
	"time"

	"github.com/armon/go-metrics"

	"github.com/arangodb/agency/pkg/logstore"
	"github.com/arangodb/agency/pkg/store"
)

// WriteRequest is one transaction submitted to Write or Transact,
// carrying the client identity idempotent resubmission relies on.
type WriteRequest struct {
	Txn       store.Txn
	ClientID  string
	RequestID string
}

// WriteResult is the client-visible outcome of a write batch.
type WriteResult struct {
	Accepted bool
	Redirect string
	Applied  []store.Outcome
	Indices  []uint64
}

// Write stages every request into the
// spearhead under ioLock, appends the ones whose preconditions held to
// the log as one batch, then blocks until they commit.
func (a *Agent) Write(ctx context.Context, reqs []WriteRequest) (WriteResult, error) {
	if !a.IsLeader() {
		return WriteResult{Redirect: a.LeaderHint()}, nil
	}
	defer metrics.MeasureSince([]string{"agency", "write"}, time.Now())
	term := a.Term()

	outcomes := make([]store.Outcome, len(reqs))
	indices := make([]uint64, len(reqs))

	a.ioLock.Lock()
	spearhead := a.spearhead
	if spearhead == nil {
		a.ioLock.Unlock()
		return WriteResult{Redirect: a.LeaderHint()}, nil
	}

	base := a.logstore.LastIndex()
	var toAppend []logstore.Entry
	for i, r := range reqs {
		// A resubmission of an already-staged request is answered from
		// the session cache; appending it again would apply it twice.
		if r.ClientID != "" {
			if outcome, idx, found := spearhead.Inquire(r.ClientID, r.RequestID); found {
				outcomes[i] = outcome
				indices[i] = idx
				continue
			}
			// A fresh spearhead (new leadership) has an empty session
			// table; the committed store remembers across terms.
			if outcome, idx, found := a.committed.Inquire(r.ClientID, r.RequestID); found {
				outcomes[i] = outcome
				indices[i] = idx
				continue
			}
		}
		idx := base + uint64(len(toAppend)) + 1
		outcome, applyErr := spearhead.Apply(r.Txn, store.ModeNormal, r.ClientID, r.RequestID, idx)
		outcomes[i] = outcome
		if applyErr != nil && outcome == store.OutcomeUnknownError {
			a.log.Error().Err(applyErr).Msg("unexpected error staging transaction")
		}
		if outcome != store.OutcomeApplied {
			continue
		}
		payload, encErr := encodeTxn(r.Txn)
		if encErr != nil {
			a.log.Error().Err(encErr).Msg("failed to encode transaction payload")
			outcomes[i] = store.OutcomeUnknownError
			continue
		}
		toAppend = append(toAppend, logstore.Entry{
			Index: idx, Term: term, Type: logstore.EntryNormal,
			ClientID: r.ClientID, RequestID: r.RequestID,
			Timestamp: time.Now().UnixMilli(), Payload: payload,
		})
		indices[i] = idx
	}

	if len(toAppend) > 0 {
		if err := a.logstore.Append(toAppend); err != nil {
			a.ioLock.Unlock()
			a.log.Error().Err(err).Msg("durability failure appending to log")
			a.constituent.Resign()
			return WriteResult{}, ErrDurability
		}
	}
	a.ioLock.Unlock()

	if len(toAppend) == 0 {
		return WriteResult{Accepted: true, Applied: outcomes, Indices: indices}, nil
	}

	a.appendCv.broadcast()
	a.tryAdvanceCommit()

	var target uint64
	for _, idx := range indices {
		if idx > target {
			target = idx
		}
	}
	if err := a.waitForIndex(ctx, target); err != nil {
		return WriteResult{Redirect: a.LeaderHint(), Applied: outcomes, Indices: indices}, err
	}
	return WriteResult{Accepted: true, Applied: outcomes, Indices: indices}, nil
}

// ReadResult is the client-visible outcome of a read batch.
type ReadResult struct {
	Accepted bool
	Redirect string
	Results  []*store.Node
}

// Read evaluates queries against the committed Store. Non-leader reads
// redirect: reads are linearizable only through the leader, and no
// ReadIndex-style follower-read path exists.
func (a *Agent) Read(paths []store.Path) (ReadResult, error) {
	if !a.IsLeader() {
		return ReadResult{Redirect: a.LeaderHint()}, nil
	}
	out := make([]*store.Node, len(paths))
	for i, p := range paths {
		n, err := a.committed.Read(p)
		if err != nil {
			out[i] = nil
			continue
		}
		out[i] = n
	}
	return ReadResult{Accepted: true, Results: out}, nil
}

// Transact runs a write batch followed by reads of the resulting
// state: Write returns only once the batch has committed, so the reads
// are guaranteed to observe it. The contract is one atomic boundary
// around the writes plus reads that reflect them, not an arbitrary
// interleaving of the two.
func (a *Agent) Transact(ctx context.Context, reqs []WriteRequest, readPaths []store.Path) (WriteResult, []*store.Node, error) {
	res, err := a.Write(ctx, reqs)
	if err != nil || !res.Accepted {
		return res, nil, err
	}
	read, _ := a.Read(readPaths)
	return res, read.Results, nil
}

// Inquire looks up the committed outcome for previously submitted
// clientIDs, making client retries idempotent.
func (a *Agent) Inquire(clientID, requestID string) (store.Outcome, uint64, bool) {
	return a.committed.Inquire(clientID, requestID)
}

// Poll long-polls for entries with index > index, resolving when
// commitIndex advances past it, on timeout, or on resignation
// (resignation resolves with an empty result, never an error).
func (a *Agent) Poll(ctx context.Context, index uint64, timeout time.Duration) ([]logstore.Entry, error) {
	deadline := time.Now().Add(timeout)
	for {
		a.outputLock.RLock()
		ci := a.commitIndex
		a.outputLock.RUnlock()
		if ci > index {
			entries, err := a.logstore.Range(index+1, ci)
			return entries, err
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, nil
		case <-time.After(remaining):
			return nil, nil
		case <-a.waitForCv.wait():
			if !a.IsLeader() {
				return nil, nil
			}
		}
	}
}

// WaitResult is the outcome of WaitFor.
type WaitResult int

const (
	WaitDone WaitResult = iota
	WaitTimedOut
)

// WaitFor blocks until commitIndex >= index, the deadline passes, or
// this node resigns leadership.
func (a *Agent) WaitFor(ctx context.Context, index uint64, timeout time.Duration) WaitResult {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	err := a.waitForIndex(ctx, index)
	if err != nil {
		return WaitTimedOut
	}
	return WaitDone
}

func (a *Agent) IsCommitted(index uint64) bool {
	return a.CommitIndex() >= index
}

func (a *Agent) waitForIndex(ctx context.Context, index uint64) error {
	if index == 0 {
		return nil
	}
	for {
		a.outputLock.RLock()
		ci := a.commitIndex
		a.outputLock.RUnlock()
		if ci >= index {
			return nil
		}
		if !a.IsLeader() {
			return ErrNotLeader
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-a.waitForCv.wait():
		}
	}
}

// ProposeConfigChange replicates a membership record through the log,
// so every peer folds the same configuration at the same index. Used at
// bootstrap to promote gossip-discovered pool members into voters, and
// by the supervision loop when it changes the active set.
func (a *Agent) ProposeConfigChange(ctx context.Context, member logstore.ClusterMember) (uint64, error) {
	if !a.IsLeader() {
		return 0, ErrNotLeader
	}
	payload, err := EncodeClusterMember(member)
	if err != nil {
		return 0, err
	}
	idx, err := a.appendLocal(logstore.Entry{
		Term:    a.Term(),
		Type:    logstore.EntryConfigChange,
		Payload: payload,
	})
	if err != nil {
		return 0, err
	}
	a.appendCv.broadcast()
	a.tryAdvanceCommit()
	return idx, a.waitForIndex(ctx, idx)
}

// appendLocal appends a single entry (used for the leader's no-op on
// taking office) and returns its assigned index.
func (a *Agent) appendLocal(e logstore.Entry) (uint64, error) {
	a.ioLock.Lock()
	defer a.ioLock.Unlock()
	e.Index = a.logstore.LastIndex() + 1
	if e.Timestamp == 0 {
		e.Timestamp = time.Now().UnixMilli()
	}
	if err := a.logstore.Append([]logstore.Entry{e}); err != nil {
		return 0, err
	}
	return e.Index, nil
}
