package store

import (
	"sync"

	iradix "github.com/hashicorp/go-immutable-radix"
)

// Transient is the ephemeral, non-replicated sibling of Store: a flat
// path-keyed map for bookkeeping that must not go through the log —
// gossip versions, last-heartbeat timestamps, in-flight callback state.
// Nothing in it survives a restart and no two peers ever compare it.
//
// It is backed by an immutable radix tree so readers get a consistent
// point-in-time view (Prefix iterates one root pointer) while writers
// swap roots under a small mutex.
type Transient struct {
	mu   sync.Mutex
	tree *iradix.Tree
}

func NewTransient() *Transient {
	return &Transient{tree: iradix.New()}
}

func (t *Transient) Put(key string, value interface{}) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tree, _, _ = t.tree.Insert([]byte(key), value)
}

func (t *Transient) Get(key string) (interface{}, bool) {
	t.mu.Lock()
	tree := t.tree
	t.mu.Unlock()
	return tree.Get([]byte(key))
}

func (t *Transient) Delete(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tree, _, _ = t.tree.Delete([]byte(key))
}

// Prefix visits every key under prefix in key order. The walk sees the
// tree as of the call; concurrent writes affect later calls only.
func (t *Transient) Prefix(prefix string, fn func(key string, value interface{}) bool) {
	t.mu.Lock()
	tree := t.tree
	t.mu.Unlock()

	it := tree.Root().Iterator()
	it.SeekPrefix([]byte(prefix))
	for {
		k, v, ok := it.Next()
		if !ok {
			return
		}
		if !fn(string(k), v) {
			return
		}
	}
}

func (t *Transient) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.tree.Len()
}
