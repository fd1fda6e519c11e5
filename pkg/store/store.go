// Package store implements the hierarchical, transactional key-value tree
// (component C1) that the consensus log replicates. It is the state
// machine Apply()'d by the raft node: every committed log entry is a Txn
// applied here, a no-op, or a configuration change, which the agent
// applies to its cluster manager rather than to this tree.
package store

import (
	"strconv"
	"sync"
	"time"
)

// clientRecord dedups a client's write so that a retried request after
// a lost response is answered from cache rather than applied twice.
type clientRecord struct {
	requestID string
	outcome   Outcome
	logIndex  uint64
}

// Store is the tree-shaped state machine. One coarse RWMutex guards the
// whole tree, matching the single-mutex-per-component style used
// throughout this codebase; the tree itself is small enough, and writes
// infrequent enough relative to reads, that per-node locking would add
// complexity without a measured benefit.
type Store struct {
	mu      sync.RWMutex
	root    *Node
	clients map[string]*clientRecord

	dispatch ObserverDispatcher
}

// New creates an empty Store. dispatch may be nil, in which case observer
// firing is skipped (useful for tests that don't exercise callbacks).
func New(dispatch ObserverDispatcher) *Store {
	return &Store{
		root:     newBranch(),
		clients:  make(map[string]*clientRecord),
		dispatch: dispatch,
	}
}

// Read returns a deep copy of the subtree at path, or ErrNotFound.
func (s *Store) Read(path Path) (*Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.lookup(path)
	if !ok {
		return nil, ErrNotFound
	}
	return n.clone(), nil
}

func (s *Store) lookup(path Path) (*Node, bool) {
	n := s.root
	for _, seg := range path.Segments() {
		if n.Children == nil {
			return nil, false
		}
		child, ok := n.Children[seg]
		if !ok {
			return nil, false
		}
		n = child
	}
	return n, true
}

// Inquire returns the cached outcome of a previous Apply for
// (clientID, requestID), if one was recorded, so a retried RPC can be
// answered without reapplying.
func (s *Store) Inquire(clientID, requestID string) (Outcome, uint64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.clients[clientID]
	if !ok || rec.requestID != requestID {
		return 0, 0, false
	}
	return rec.outcome, rec.logIndex, true
}

// Apply runs txn against the current snapshot and, in ModeNormal, first
// evaluates every precondition; if any fails, no operator runs. In
// ModeUnchecked preconditions are skipped outright (see Mode's doc
// comment). logIndex is the raft log index this transaction was
// committed at, recorded for idempotent retry lookups and for observer
// payloads.
func (s *Store) Apply(txn Txn, mode Mode, clientID, requestID string, logIndex uint64) (Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if clientID != "" {
		if rec, ok := s.clients[clientID]; ok && rec.requestID == requestID {
			return rec.outcome, nil
		}
	}

	outcome, err := s.applyLocked(txn, mode, logIndex)

	if clientID != "" {
		s.clients[clientID] = &clientRecord{requestID: requestID, outcome: outcome, logIndex: logIndex}
	}
	return outcome, err
}

func (s *Store) applyLocked(txn Txn, mode Mode, logIndex uint64) (Outcome, error) {
	if mode == ModeNormal {
		for _, p := range txn.Pre {
			ok, err := s.evalPrecondition(p)
			if err != nil {
				return OutcomeUnknownError, err
			}
			if !ok {
				return OutcomePreconditionFailed, ErrPreconditionFailed
			}
		}
	}

	// The operators of a multi-operator transaction run on a copy of
	// the tree, so one that fails leaves no trace of those before it.
	prev := s.root
	if len(txn.Ops) > 1 {
		s.root = s.root.clone()
	}
	var fired []firedObserver
	for i, op := range txn.Ops {
		f, err := s.applyOp(op, logIndex)
		if err != nil {
			s.root = prev
			return OutcomeForbidden, &TransactionError{Path: op.Path.String(), OpIndex: i, Err: err}
		}
		fired = append(fired, f...)
	}

	if s.dispatch != nil {
		for _, f := range fired {
			s.dispatch.Fire(f)
		}
	}
	return OutcomeApplied, nil
}

type firedObserver struct {
	Key  ObserverKey
	Path Path
	Node *Node
}

// ObserverDispatcher delivers a firedObserver notification; pkg/agent
// wires in the HTTP-callback implementation from observer.go.
type ObserverDispatcher interface {
	Fire(firedObserver)
}

func (s *Store) evalPrecondition(p Pre) (bool, error) {
	n, ok := s.lookup(p.Path)
	switch p.Kind {
	case PreOldEmpty:
		return !ok, nil
	case PreEqualsValue:
		if !ok {
			return p.Value == nil, nil
		}
		return n.isLeaf() && valuesEqual(n.Value, p.Value), nil
	case PreIsArray:
		return ok && n.isLeaf() && n.Value.Kind == KindArray, nil
	case PreIsObject:
		return ok && n.isLeaf() && n.Value.Kind == KindObject, nil
	case PreInArray:
		if !ok || !n.isLeaf() || n.Value.Kind != KindArray || p.Value == nil {
			return false, nil
		}
		for _, el := range n.Value.Array {
			if el == p.Value.Scalar {
				return true, nil
			}
		}
		return false, nil
	case PreNotInArray:
		in, err := s.evalPrecondition(Pre{Path: p.Path, Kind: PreInArray, Value: p.Value})
		return !in, err
	case PreHasKey:
		return ok, nil
	case PreNotHasKey:
		return !ok, nil
	case PreReadLockable:
		if !ok {
			return true, nil
		}
		return !n.writeLocked() || n.Writer == p.Holder, nil
	case PreWriteLockable:
		if !ok {
			return true, nil
		}
		if n.writeLocked() {
			return n.Writer == p.Holder, nil
		}
		if n.readLocked() {
			if len(n.Readers) == 1 {
				_, solo := n.Readers[p.Holder]
				return solo, nil
			}
			return false, nil
		}
		return true, nil
	default:
		return false, nil
	}
}

func valuesEqual(a, b *Value) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.Kind != b.Kind {
		return false
	}
	switch a.Kind {
	case KindString:
		return a.Scalar == b.Scalar
	case KindObject:
		return a.Object == b.Object
	case KindArray:
		if len(a.Array) != len(b.Array) {
			return false
		}
		for i := range a.Array {
			if a.Array[i] != b.Array[i] {
				return false
			}
		}
		return true
	}
	return false
}

// ensurePath walks/creates branch nodes down to path's parent and returns
// the final segment's parent node plus that segment name. Root itself
// cannot be the target of a leaf-creating operator.
func (s *Store) ensurePath(path Path) (*Node, string) {
	segs := path.Segments()
	n := s.root
	for _, seg := range segs[:len(segs)-1] {
		if n.Children == nil {
			n.Children = make(map[string]*Node)
		}
		child, ok := n.Children[seg]
		if !ok || child == nil {
			child = newBranch()
			n.Children[seg] = child
		}
		n = child
	}
	return n, segs[len(segs)-1]
}

func (s *Store) applyOp(op Op, logIndex uint64) ([]firedObserver, error) {
	switch op.Kind {
	case OpSet:
		s.setLeaf(op.Path, op.Value, op.TTL)
	case OpDelete:
		s.deleteNode(op.Path)
	case OpErase:
		s.eraseNode(op.Path, op.Value)
	case OpIncrement, OpDecrement:
		if err := s.bumpScalar(op.Path, op.Kind == OpDecrement); err != nil {
			return nil, err
		}
	case OpPush, OpPrepend:
		if err := s.arrayInsert(op.Path, op.Value, op.Kind == OpPrepend, op.QueueBound); err != nil {
			return nil, err
		}
	case OpPop, OpShift:
		if err := s.arrayRemove(op.Path, op.Kind == OpShift); err != nil {
			return nil, err
		}
	case OpReplace:
		if err := s.replaceLeaf(op.Path, op.Value); err != nil {
			return nil, err
		}
	case OpReadLock:
		if err := s.lockNode(op.Path, op.Holder, false); err != nil {
			return nil, err
		}
	case OpReadUnlock:
		if err := s.unlockNode(op.Path, op.Holder, false); err != nil {
			return nil, err
		}
	case OpWriteLock:
		if err := s.lockNode(op.Path, op.Holder, true); err != nil {
			return nil, err
		}
	case OpWriteUnlock:
		if err := s.unlockNode(op.Path, op.Holder, true); err != nil {
			return nil, err
		}
	case OpPushQueue:
		if err := s.arrayInsert(op.Path, op.Value, false, op.QueueBound); err != nil {
			return nil, err
		}
	case OpObserve:
		// Registration bookkeeping is not a data change; it must not
		// fire the freshly registered observer.
		s.registerObserverLocked(op.Path, ObserverKey{URL: op.Value.Scalar, Client: op.Holder})
		return nil, nil
	case OpUnobserve:
		s.unregisterObserverLocked(op.Path, ObserverKey{URL: op.Value.Scalar, Client: op.Holder})
		return nil, nil
	default:
		return nil, ErrForbidden
	}
	return s.observersFor(op.Path), nil
}

// observersFor collects the observers to notify for a change at path:
// those on the changed node itself plus those on every ancestor, since
// an observer watches its node and all descendants. Each notification
// names the path the observer was registered at.
func (s *Store) observersFor(path Path) []firedObserver {
	var out []firedObserver
	collect := func(n *Node, at Path) {
		for key := range n.Observers {
			out = append(out, firedObserver{Key: key, Path: at, Node: n.clone()})
		}
	}

	n := s.root
	at := Root
	collect(n, at)
	for _, seg := range path.Segments() {
		child, ok := n.Children[seg]
		if !ok {
			break
		}
		at = at.Child(seg)
		collect(child, at)
		if child.Children == nil {
			break
		}
		n = child
	}
	return out
}

func (s *Store) setLeaf(path Path, v *Value, ttlSeconds int64) {
	if path.IsRoot() {
		s.root = newLeaf(v)
		applyTTL(s.root, ttlSeconds)
		return
	}
	parent, seg := s.ensurePath(path)
	existing := parent.Children[seg]
	leaf := newLeaf(v)
	if existing != nil {
		leaf.Observers = existing.Observers
		leaf.Readers = existing.Readers
		leaf.Writer = existing.Writer
	}
	applyTTL(leaf, ttlSeconds)
	parent.Children[seg] = leaf
}

func applyTTL(n *Node, ttlSeconds int64) {
	if ttlSeconds > 0 {
		n.Expiry = time.Now().Add(time.Duration(ttlSeconds) * time.Second)
	}
}

func (s *Store) deleteNode(path Path) {
	if path.IsRoot() {
		s.root = newBranch()
		return
	}
	segs := path.Segments()
	n := s.root
	for _, seg := range segs[:len(segs)-1] {
		if n.Children == nil {
			return
		}
		child, ok := n.Children[seg]
		if !ok {
			return
		}
		n = child
	}
	delete(n.Children, segs[len(segs)-1])
}

// eraseNode removes matching elements from an array leaf; on anything
// else it removes the key itself, like erasing a field from an object.
func (s *Store) eraseNode(path Path, v *Value) {
	n, ok := s.lookup(path)
	if !ok {
		return
	}
	if n.isLeaf() && n.Value.Kind == KindArray && v != nil {
		kept := n.Value.Array[:0]
		for _, el := range n.Value.Array {
			if el != v.Scalar {
				kept = append(kept, el)
			}
		}
		n.Value.Array = kept
		return
	}
	s.deleteNode(path)
}

func (s *Store) replaceLeaf(path Path, v *Value) error {
	n, ok := s.lookup(path)
	if !ok || !n.isLeaf() {
		return ErrForbidden
	}
	n.Value = v
	return nil
}

func (s *Store) bumpScalar(path Path, down bool) error {
	n, ok := s.lookup(path)
	if !ok {
		s.setLeaf(path, stringValue("0"), 0)
		n, _ = s.lookup(path)
	}
	if !n.isLeaf() || n.Value.Kind != KindString {
		return ErrForbidden
	}
	cur, err := strconv.ParseInt(n.Value.Scalar, 10, 64)
	if err != nil {
		return ErrForbidden
	}
	if down {
		cur--
	} else {
		cur++
	}
	n.Value.Scalar = strconv.FormatInt(cur, 10)
	return nil
}

// arrayInsert appends (or prepends) onto an array leaf, creating an
// empty one if the path is vacant. A nonzero bound caps the length by
// dropping elements from the head; after a prepend the head is the
// element just inserted.
func (s *Store) arrayInsert(path Path, v *Value, front bool, bound int) error {
	n, ok := s.lookup(path)
	if !ok {
		s.setLeaf(path, arrayValue(nil), 0)
		n, _ = s.lookup(path)
	}
	if !n.isLeaf() || n.Value.Kind != KindArray {
		return ErrForbidden
	}
	el := v.Scalar
	if front {
		n.Value.Array = append([]string{el}, n.Value.Array...)
	} else {
		n.Value.Array = append(n.Value.Array, el)
	}
	if bound > 0 {
		for len(n.Value.Array) > bound {
			n.Value.Array = n.Value.Array[1:]
		}
	}
	return nil
}

func (s *Store) arrayRemove(path Path, front bool) error {
	n, ok := s.lookup(path)
	if !ok || !n.isLeaf() || n.Value.Kind != KindArray || len(n.Value.Array) == 0 {
		return ErrForbidden
	}
	if front {
		n.Value.Array = n.Value.Array[1:]
	} else {
		n.Value.Array = n.Value.Array[:len(n.Value.Array)-1]
	}
	return nil
}

func (s *Store) lockNode(path Path, holder string, write bool) error {
	n, ok := s.lookup(path)
	if !ok {
		parent, seg := s.ensurePath(path)
		n = newBranch()
		parent.Children[seg] = n
	}
	if write {
		if n.writeLocked() && n.Writer != holder {
			return ErrAlreadyLocked
		}
		if n.readLocked() {
			return ErrAlreadyLocked
		}
		n.Writer = holder
		return nil
	}
	if n.writeLocked() && n.Writer != holder {
		return ErrAlreadyLocked
	}
	if n.Readers == nil {
		n.Readers = make(map[string]struct{})
	}
	n.Readers[holder] = struct{}{}
	return nil
}

func (s *Store) unlockNode(path Path, holder string, write bool) error {
	n, ok := s.lookup(path)
	if !ok {
		return ErrNotLocked
	}
	if write {
		if n.Writer != holder {
			return ErrNotLocked
		}
		n.Writer = ""
		return nil
	}
	if !n.lockedBy(holder) {
		return ErrNotLocked
	}
	delete(n.Readers, holder)
	return nil
}

// RegisterObserver attaches an observer to the node at path, creating an
// empty branch there if none exists yet. Replication goes through the
// OpObserve operator; this direct entry point exists for tests and for
// transient, non-replicated registrations.
func (s *Store) RegisterObserver(path Path, key ObserverKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.registerObserverLocked(path, key)
}

func (s *Store) registerObserverLocked(path Path, key ObserverKey) {
	n, ok := s.lookup(path)
	if !ok {
		parent, seg := s.ensurePath(path)
		n = newBranch()
		parent.Children[seg] = n
	}
	if n.Observers == nil {
		n.Observers = make(map[ObserverKey]struct{})
	}
	n.Observers[key] = struct{}{}
}

// UnregisterObserver removes a previously registered observer.
func (s *Store) UnregisterObserver(path Path, key ObserverKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unregisterObserverLocked(path, key)
}

func (s *Store) unregisterObserverLocked(path Path, key ObserverKey) {
	n, ok := s.lookup(path)
	if !ok {
		return
	}
	delete(n.Observers, key)
}

// Dump produces a deep copy of the entire tree, for snapshotting.
func (s *Store) Dump() *Node {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.root.clone()
}

// Load replaces the entire tree, for snapshot restore. Client session
// dedup state is reset since it is reconstructed from replayed log
// entries following the snapshot, not carried in the snapshot payload.
func (s *Store) Load(root *Node) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if root == nil {
		root = newBranch()
	}
	s.root = root
	s.clients = make(map[string]*clientRecord)
}

// PeekExpired reports which leaves have passed their TTL as of now
// without removing them. The leader's TTL sweeper uses this against the
// spearhead to decide what to submit as a replicated delete transaction
// (expiry is itself transactional and replicated; a direct in-place
// removal here would not be seen by other peers).
func (s *Store) PeekExpired(now time.Time) []Path {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var found []Path
	peekExpired(s.root, Root, now, &found)
	return found
}

func peekExpired(n *Node, path Path, now time.Time, found *[]Path) {
	if n.isLeaf() {
		return
	}
	for seg, child := range n.Children {
		childPath := path.Child(seg)
		if child.isLeaf() && child.expired(now) {
			*found = append(*found, childPath)
			continue
		}
		peekExpired(child, childPath, now, found)
	}
}

// SweepExpired walks the tree removing leaves whose TTL has passed as of
// now, returning the paths removed. The agent's apply path calls it
// after every committed entry that carries a timestamp, with that
// timestamp as now; the leader's sweeper separately replicates explicit
// deletes built from PeekExpired.
func (s *Store) SweepExpired(now time.Time) []Path {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed []Path
	sweep(s.root, Root, now, &removed)
	return removed
}

func sweep(n *Node, path Path, now time.Time, removed *[]Path) {
	if n.isLeaf() {
		return
	}
	for seg, child := range n.Children {
		childPath := path.Child(seg)
		if child.isLeaf() && child.expired(now) {
			delete(n.Children, seg)
			*removed = append(*removed, childPath)
			continue
		}
		sweep(child, childPath, now, removed)
	}
}
