package api

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arangodb/agency/pkg/store"
)

func TestTransactionDecoding(t *testing.T) {
	raw := `{
		"clientId": "c1",
		"requestId": "r1",
		"writes": [
			{"path": "/a/b", "op": "set", "value": {"string": "7"}},
			{"path": "/list", "op": "pushQueue", "value": {"string": "x"}, "limit": 5}
		],
		"preconditions": [
			{"path": "/a/b", "cond": "oldEmpty"}
		]
	}`
	var txn Transaction
	require.NoError(t, json.Unmarshal([]byte(raw), &txn))

	req, err := txn.toRequest()
	require.NoError(t, err)
	assert.Equal(t, "c1", req.ClientID)
	require.Len(t, req.Txn.Ops, 2)
	assert.Equal(t, store.OpSet, req.Txn.Ops[0].Kind)
	assert.Equal(t, "7", req.Txn.Ops[0].Value.Scalar)
	assert.Equal(t, store.OpPushQueue, req.Txn.Ops[1].Kind)
	assert.Equal(t, 5, req.Txn.Ops[1].QueueBound)
	require.Len(t, req.Txn.Pre, 1)
	assert.Equal(t, store.PreOldEmpty, req.Txn.Pre[0].Kind)
}

func TestTransactionRejectsUnknownOperator(t *testing.T) {
	txn := Transaction{Writes: []Operation{{Path: "/a", Op: "explode"}}}
	_, err := txn.toRequest()
	require.Error(t, err)
}

func TestTransactionRejectsBadPath(t *testing.T) {
	txn := Transaction{Writes: []Operation{{Path: "no-slash", Op: "set"}}}
	_, err := txn.toRequest()
	require.Error(t, err)
}

func TestNodeToJSONFlattensTree(t *testing.T) {
	s := store.New(nil)
	_, err := s.Apply(store.NewTxnBuilder().
		Set(store.MustSplit("/a/b"), &store.Value{Kind: store.KindString, Scalar: "v"}).
		Set(store.MustSplit("/a/list"), &store.Value{Kind: store.KindArray, Array: []string{"1", "2"}}).
		Build(), store.ModeNormal, "", "", 1)
	require.NoError(t, err)

	n, err := s.Read(store.MustSplit("/a"))
	require.NoError(t, err)

	data, err := json.Marshal(nodeToJSON(n))
	require.NoError(t, err)
	assert.JSONEq(t, `{"b": "v", "list": ["1", "2"]}`, string(data))
}
