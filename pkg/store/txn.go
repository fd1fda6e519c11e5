package store

// OpKind enumerates the write operators a transaction can apply to a
// single path.
type OpKind int

const (
	OpSet OpKind = iota
	OpDelete
	OpErase
	OpIncrement
	OpDecrement
	OpPush
	OpPop
	OpPrepend
	OpShift
	OpReplace
	OpReadLock
	OpReadUnlock
	OpWriteLock
	OpWriteUnlock
	OpPushQueue
	OpObserve
	OpUnobserve
)

// Op is a single write operator within a transaction: apply Kind to the
// node at Path using Value (when the operator takes one) and TTL (when
// the operator sets an expiry).
type Op struct {
	Path  Path
	Kind  OpKind
	Value *Value
	TTL   int64 // seconds from apply time; an OpSet with 0 leaves the new leaf without expiry

	// Holder identifies the client applying a lock/unlock operator, or
	// the identity attached to an observe/unobserve registration.
	Holder string

	// QueueBound caps the array length for OpPushQueue, OpPush and
	// OpPrepend, dropping from the head when exceeded; 0 means
	// unbounded.
	QueueBound int
}

// PreKind enumerates the precondition predicates evaluated against the
// pre-transaction snapshot before any operator in the transaction runs.
type PreKind int

const (
	PreEqualsValue PreKind = iota
	PreOldEmpty
	PreIsArray
	PreInArray
	PreNotInArray
	PreIsObject
	PreHasKey
	PreNotHasKey
	PreReadLockable
	PreWriteLockable
)

// Pre is a single precondition: Path must satisfy Kind (against Value or
// Holder, whichever Kind uses) for the whole transaction to proceed.
type Pre struct {
	Path   Path
	Kind   PreKind
	Value  *Value
	Holder string
}

// Txn is one atomic transaction: if every Pre holds against the current
// snapshot, every Op is applied in order and the whole set becomes
// one log entry; otherwise nothing is applied.
type Txn struct {
	Pre []Pre
	Ops []Op
}

// Outcome classifies how a transaction or its environment finished.
type Outcome int

const (
	OutcomeApplied Outcome = iota
	OutcomePreconditionFailed
	OutcomeForbidden
	OutcomeUnknownError
)

// Mode selects whether Apply evaluates Pre before running Ops.
//
//   - ModeNormal: the client-facing path. Used against the spearhead
//     when a transaction is first proposed; a failing precondition
//     means the transaction is never appended to the log at all.
//   - ModeUnchecked: the replay path. Used when applying an
//     already-committed entry (on a follower, or on the leader once
//     commitIndex advances past it) — the outcome was decided once,
//     when the leader staged it into its spearhead, and is not
//     re-evaluated on every peer.
type Mode int

const (
	ModeNormal Mode = iota
	ModeUnchecked
)

// TxnBuilder assembles a Txn fluently: preconditions accumulate first,
// operators accumulate in application order.
type TxnBuilder struct {
	txn Txn
}

func NewTxnBuilder() *TxnBuilder {
	return &TxnBuilder{}
}

func (b *TxnBuilder) Precondition(p Pre) *TxnBuilder {
	b.txn.Pre = append(b.txn.Pre, p)
	return b
}

func (b *TxnBuilder) PreEquals(path Path, v *Value) *TxnBuilder {
	return b.Precondition(Pre{Path: path, Kind: PreEqualsValue, Value: v})
}

func (b *TxnBuilder) PreOldEmpty(path Path) *TxnBuilder {
	return b.Precondition(Pre{Path: path, Kind: PreOldEmpty})
}

func (b *TxnBuilder) PreIsArray(path Path) *TxnBuilder {
	return b.Precondition(Pre{Path: path, Kind: PreIsArray})
}

func (b *TxnBuilder) PreInArray(path Path, v *Value) *TxnBuilder {
	return b.Precondition(Pre{Path: path, Kind: PreInArray, Value: v})
}

func (b *TxnBuilder) PreReadLockable(path Path, holder string) *TxnBuilder {
	return b.Precondition(Pre{Path: path, Kind: PreReadLockable, Holder: holder})
}

func (b *TxnBuilder) PreWriteLockable(path Path, holder string) *TxnBuilder {
	return b.Precondition(Pre{Path: path, Kind: PreWriteLockable, Holder: holder})
}

func (b *TxnBuilder) Op(op Op) *TxnBuilder {
	b.txn.Ops = append(b.txn.Ops, op)
	return b
}

func (b *TxnBuilder) Set(path Path, v *Value) *TxnBuilder {
	return b.Op(Op{Path: path, Kind: OpSet, Value: v})
}

func (b *TxnBuilder) SetWithTTL(path Path, v *Value, ttlSeconds int64) *TxnBuilder {
	return b.Op(Op{Path: path, Kind: OpSet, Value: v, TTL: ttlSeconds})
}

func (b *TxnBuilder) Delete(path Path) *TxnBuilder {
	return b.Op(Op{Path: path, Kind: OpDelete})
}

func (b *TxnBuilder) Erase(path Path, v *Value) *TxnBuilder {
	return b.Op(Op{Path: path, Kind: OpErase, Value: v})
}

func (b *TxnBuilder) Increment(path Path) *TxnBuilder {
	return b.Op(Op{Path: path, Kind: OpIncrement})
}

func (b *TxnBuilder) WriteLock(path Path, holder string) *TxnBuilder {
	return b.Op(Op{Path: path, Kind: OpWriteLock, Holder: holder})
}

func (b *TxnBuilder) WriteUnlock(path Path, holder string) *TxnBuilder {
	return b.Op(Op{Path: path, Kind: OpWriteUnlock, Holder: holder})
}

func (b *TxnBuilder) PushQueue(path Path, v *Value, holder string, bound int) *TxnBuilder {
	return b.Op(Op{Path: path, Kind: OpPushQueue, Value: v, Holder: holder, QueueBound: bound})
}

func (b *TxnBuilder) Build() Txn { return b.txn }
