package agent

import (
	"bytes"
	"encoding/gob"

	"github.com/arangodb/agency/pkg/logstore"
	"github.com/arangodb/agency/pkg/store"
)

// store.Path's only field is an unexported segment slice, so gob (which
// only ever sees exported fields) would silently encode every path as
// empty. wireTxn carries paths as plain strings on the wire and
// re-validates them with store.Split on decode, which is also where a
// corrupt or truncated log entry would be caught.
type wireTxn struct {
	Pre []wirePre
	Ops []wireOp
}

type wirePre struct {
	Path   string
	Kind   store.PreKind
	Value  *store.Value
	Holder string
}

type wireOp struct {
	Path       string
	Kind       store.OpKind
	Value      *store.Value
	TTL        int64
	Holder     string
	QueueBound int
}

func encodeTxn(txn store.Txn) ([]byte, error) {
	w := wireTxn{
		Pre: make([]wirePre, len(txn.Pre)),
		Ops: make([]wireOp, len(txn.Ops)),
	}
	for i, p := range txn.Pre {
		w.Pre[i] = wirePre{Path: p.Path.String(), Kind: p.Kind, Value: p.Value, Holder: p.Holder}
	}
	for i, op := range txn.Ops {
		w.Ops[i] = wireOp{
			Path: op.Path.String(), Kind: op.Kind, Value: op.Value,
			TTL: op.TTL, Holder: op.Holder, QueueBound: op.QueueBound,
		}
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(w); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeTxn(data []byte) (store.Txn, error) {
	var w wireTxn
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&w); err != nil {
		return store.Txn{}, err
	}
	txn := store.Txn{
		Pre: make([]store.Pre, len(w.Pre)),
		Ops: make([]store.Op, len(w.Ops)),
	}
	for i, p := range w.Pre {
		path, err := store.Split(p.Path)
		if err != nil {
			return store.Txn{}, err
		}
		txn.Pre[i] = store.Pre{Path: path, Kind: p.Kind, Value: p.Value, Holder: p.Holder}
	}
	for i, op := range w.Ops {
		path, err := store.Split(op.Path)
		if err != nil {
			return store.Txn{}, err
		}
		txn.Ops[i] = store.Op{
			Path: path, Kind: op.Kind, Value: op.Value,
			TTL: op.TTL, Holder: op.Holder, QueueBound: op.QueueBound,
		}
	}
	return txn, nil
}

// EncodeClusterMember serializes a membership record for an
// EntryConfigChange payload.
func EncodeClusterMember(m logstore.ClusterMember) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(m); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeClusterMember(data []byte, m *logstore.ClusterMember) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(m)
}
