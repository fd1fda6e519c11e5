package api

import (
	"encoding/json"
	"fmt"

	"github.com/arangodb/agency/pkg/agent"
	"github.com/arangodb/agency/pkg/store"
)

// The JSON wire shapes clients speak. Each transaction is a list of
// writes plus a list of preconditions plus the client identity used for
// idempotent resubmission.

type Transaction struct {
	ClientID      string         `json:"clientId"`
	RequestID     string         `json:"requestId"`
	Writes        []Operation    `json:"writes"`
	Preconditions []Precondition `json:"preconditions,omitempty"`
}

type Operation struct {
	Path  string     `json:"path"`
	Op    string     `json:"op"`
	Value *JSONValue `json:"value,omitempty"`
	TTL   int64      `json:"ttl,omitempty"`
	By    string     `json:"by,omitempty"`
	Limit int        `json:"limit,omitempty"`
}

type Precondition struct {
	Path  string     `json:"path"`
	Cond  string     `json:"cond"`
	Value *JSONValue `json:"value,omitempty"`
	By    string     `json:"by,omitempty"`
}

// JSONValue is the tagged leaf value on the wire; exactly one field is
// set.
type JSONValue struct {
	String *string         `json:"string,omitempty"`
	Array  []string        `json:"array,omitempty"`
	Object json.RawMessage `json:"object,omitempty"`
}

func (v *JSONValue) toStore() *store.Value {
	if v == nil {
		return nil
	}
	switch {
	case v.String != nil:
		return &store.Value{Kind: store.KindString, Scalar: *v.String}
	case v.Array != nil:
		return &store.Value{Kind: store.KindArray, Array: v.Array}
	case v.Object != nil:
		return &store.Value{Kind: store.KindObject, Object: string(v.Object)}
	default:
		return nil
	}
}

func valueToJSON(v *store.Value) *JSONValue {
	if v == nil {
		return nil
	}
	switch v.Kind {
	case store.KindString:
		s := v.Scalar
		return &JSONValue{String: &s}
	case store.KindArray:
		return &JSONValue{Array: v.Array}
	case store.KindObject:
		return &JSONValue{Object: json.RawMessage(v.Object)}
	}
	return nil
}

var opKinds = map[string]store.OpKind{
	"set":          store.OpSet,
	"delete":       store.OpDelete,
	"erase":        store.OpErase,
	"increment":    store.OpIncrement,
	"decrement":    store.OpDecrement,
	"push":         store.OpPush,
	"pop":          store.OpPop,
	"prepend":      store.OpPrepend,
	"shift":        store.OpShift,
	"replace":      store.OpReplace,
	"readLock":     store.OpReadLock,
	"readUnlock":   store.OpReadUnlock,
	"writeLock":    store.OpWriteLock,
	"writeUnlock":  store.OpWriteUnlock,
	"pushQueue":    store.OpPushQueue,
	"observe":      store.OpObserve,
	"unobserve":    store.OpUnobserve,
}

var preKinds = map[string]store.PreKind{
	"equals":         store.PreEqualsValue,
	"oldEmpty":       store.PreOldEmpty,
	"isArray":        store.PreIsArray,
	"in":             store.PreInArray,
	"notIn":          store.PreNotInArray,
	"isObject":       store.PreIsObject,
	"hasKey":         store.PreHasKey,
	"notHasKey":      store.PreNotHasKey,
	"readLockable":   store.PreReadLockable,
	"writeLockable":  store.PreWriteLockable,
}

func (t Transaction) toRequest() (agent.WriteRequest, error) {
	txn := store.Txn{}
	for _, op := range t.Writes {
		path, err := store.Split(op.Path)
		if err != nil {
			return agent.WriteRequest{}, err
		}
		kind, ok := opKinds[op.Op]
		if !ok {
			return agent.WriteRequest{}, fmt.Errorf("api: unknown operator %q", op.Op)
		}
		txn.Ops = append(txn.Ops, store.Op{
			Path:       path,
			Kind:       kind,
			Value:      op.Value.toStore(),
			TTL:        op.TTL,
			Holder:     op.By,
			QueueBound: op.Limit,
		})
	}
	for _, pre := range t.Preconditions {
		path, err := store.Split(pre.Path)
		if err != nil {
			return agent.WriteRequest{}, err
		}
		kind, ok := preKinds[pre.Cond]
		if !ok {
			return agent.WriteRequest{}, fmt.Errorf("api: unknown precondition %q", pre.Cond)
		}
		txn.Pre = append(txn.Pre, store.Pre{
			Path:   path,
			Kind:   kind,
			Value:  pre.Value.toStore(),
			Holder: pre.By,
		})
	}
	return agent.WriteRequest{Txn: txn, ClientID: t.ClientID, RequestID: t.RequestID}, nil
}

var outcomeNames = map[store.Outcome]string{
	store.OutcomeApplied:            "applied",
	store.OutcomePreconditionFailed: "precondition-failed",
	store.OutcomeForbidden:          "forbidden",
	store.OutcomeUnknownError:       "unknown-error",
}

// nodeToJSON flattens a read result subtree into nested JSON.
func nodeToJSON(n *store.Node) interface{} {
	if n == nil {
		return nil
	}
	if n.Value != nil {
		switch n.Value.Kind {
		case store.KindString:
			return n.Value.Scalar
		case store.KindArray:
			return n.Value.Array
		case store.KindObject:
			return json.RawMessage(n.Value.Object)
		}
	}
	out := make(map[string]interface{}, len(n.Children))
	for k, child := range n.Children {
		out[k] = nodeToJSON(child)
	}
	return out
}
