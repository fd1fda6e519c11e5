package agent

import (
	"context"

	"github.com/arangodb/agency/pkg/store"
)

// Observe registers an HTTP callback on path. The registration is an
// ordinary replicated transaction, so every peer carries the observer
// set and a newly elected leader keeps firing callbacks registered
// under its predecessor.
func (a *Agent) Observe(ctx context.Context, path store.Path, url, client string) (WriteResult, error) {
	a.dispatch.Restore(url)
	return a.Write(ctx, []WriteRequest{{
		Txn: store.Txn{Ops: []store.Op{{
			Path:   path,
			Kind:   store.OpObserve,
			Value:  &store.Value{Kind: store.KindString, Scalar: url},
			Holder: client,
		}}},
		ClientID:  client,
		RequestID: "observe:" + url + ":" + path.String(),
	}})
}

// Unobserve removes a registered callback, either on client request or
// from the dispatcher's trash-bin eviction path.
func (a *Agent) Unobserve(ctx context.Context, path store.Path, url, client string) (WriteResult, error) {
	return a.Write(ctx, []WriteRequest{{
		Txn: store.Txn{Ops: []store.Op{{
			Path:   path,
			Kind:   store.OpUnobserve,
			Value:  &store.Value{Kind: store.KindString, Scalar: url},
			Holder: client,
		}}},
		ClientID:  client,
		RequestID: "unobserve:" + url + ":" + path.String(),
	}})
}

// Transient exposes the node-local ephemeral store.
func (a *Agent) Transient() *store.Transient { return a.transient }
