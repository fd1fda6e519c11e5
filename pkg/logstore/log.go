// Package logstore implements the durable replicated log (component C2):
// append-only persistence for log entries plus the small amount of
// per-node persistent state (current term, voted-for) that must survive
// a restart before the node may safely participate in an election.
//
// Storage is go.etcd.io/bbolt: an embedded, transactional,
// page-structured engine that gives append and truncate-from-index
// operations without a whole-file rewrite, and fsync-on-commit
// durability.
package logstore

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"sync"

	"go.etcd.io/bbolt"
)

// EntryType distinguishes ordinary command entries from configuration
// changes and the no-op entry a new leader appends on taking office.
type EntryType int

const (
	EntryNormal EntryType = iota
	EntryConfigChange
	EntryNoop
)

// Entry is a single replicated log record.
type Entry struct {
	Index     uint64
	Term      uint64
	Type      EntryType
	ClientID  string
	RequestID string
	Payload   []byte
	// Timestamp is wall-clock milliseconds at creation: informational
	// for clients, but used internally as the deterministic reference time
	// every peer sweeps TTL expiry against, since peers' local clocks
	// would otherwise disagree on which nodes have expired.
	Timestamp int64
}

var (
	bucketEntries  = []byte("entries")
	bucketMeta     = []byte("meta")
	bucketSnapshot = []byte("snapshot")

	keyCurrentTerm = []byte("current_term")
	keyVotedFor    = []byte("voted_for")
	keySnapData    = []byte("data")
)

// SnapshotMetadata describes the state a stored snapshot subsumes.
type SnapshotMetadata struct {
	LastIncludedIndex uint64
	LastIncludedTerm  uint64
	Configuration     []ClusterMember
}

// ClusterMember is a point-in-time configuration record embedded in a
// snapshot and in EntryConfigChange payloads.
type ClusterMember struct {
	NodeID   string
	Endpoint string
	Voting   bool
}

// Snapshot bundles snapshot metadata with the state machine payload,
// an opaque blob produced by the store's canonical encoder.
type Snapshot struct {
	Metadata SnapshotMetadata
	Data     []byte
}

// Log is the durable, bbolt-backed entry store plus cached persistent
// node state (current term and granted vote), which must be recovered
// before the node may safely vote after a restart.
type Log struct {
	mu sync.RWMutex
	db *bbolt.DB

	lastIndex uint64
	lastTerm  uint64

	currentTerm uint64
	votedFor    string
}

// Open opens or creates a bbolt-backed log at path.
func Open(path string) (*Log, error) {
	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("logstore: open %s: %w", path, err)
	}

	l := &Log{db: db}
	if err := db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketEntries, bucketMeta, bucketSnapshot} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("logstore: init buckets: %w", err)
	}

	if err := l.loadCache(); err != nil {
		db.Close()
		return nil, err
	}
	return l, nil
}

func (l *Log) loadCache() error {
	return l.db.View(func(tx *bbolt.Tx) error {
		meta := tx.Bucket(bucketMeta)
		if v := meta.Get(keyCurrentTerm); v != nil {
			l.currentTerm = binary.BigEndian.Uint64(v)
		}
		if v := meta.Get(keyVotedFor); v != nil {
			l.votedFor = string(v)
		}

		entries := tx.Bucket(bucketEntries)
		c := entries.Cursor()
		if k, v := c.Last(); k != nil {
			var e Entry
			if err := decodeEntry(v, &e); err != nil {
				return err
			}
			l.lastIndex = e.Index
			l.lastTerm = e.Term
			return nil
		}

		// An empty entry bucket after compaction: the log frontier
		// lives in the snapshot metadata.
		if v := tx.Bucket(bucketSnapshot).Get(keySnapData); v != nil {
			var snap Snapshot
			if err := gob.NewDecoder(bytes.NewReader(v)).Decode(&snap); err != nil {
				return err
			}
			l.lastIndex = snap.Metadata.LastIncludedIndex
			l.lastTerm = snap.Metadata.LastIncludedTerm
		}
		return nil
	})
}

func indexKey(index uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, index)
	return b
}

func encodeEntry(e Entry) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(e); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeEntry(data []byte, e *Entry) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(e)
}

// Append writes entries in order, starting immediately after the log's
// current last index. Callers are responsible for having already
// truncated any conflicting suffix (TruncateAfter) before calling this
// for entries received via AppendEntries RPC.
func (l *Log) Append(entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	err := l.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketEntries)
		for _, e := range entries {
			data, err := encodeEntry(e)
			if err != nil {
				return err
			}
			if err := b.Put(indexKey(e.Index), data); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("logstore: append: %w", err)
	}

	last := entries[len(entries)-1]
	l.lastIndex = last.Index
	l.lastTerm = last.Term
	return nil
}

// Get returns the entry at index, or ok=false if none is stored there
// (already compacted, or never written).
func (l *Log) Get(index uint64) (Entry, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var e Entry
	found := false
	l.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketEntries).Get(indexKey(index))
		if v == nil {
			return nil
		}
		if err := decodeEntry(v, &e); err != nil {
			return err
		}
		found = true
		return nil
	})
	return e, found
}

// Range returns entries with index in [from, to], inclusive.
func (l *Log) Range(from, to uint64) ([]Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []Entry
	err := l.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketEntries).Cursor()
		for k, v := c.Seek(indexKey(from)); k != nil; k, v = c.Next() {
			idx := binary.BigEndian.Uint64(k)
			if idx > to {
				break
			}
			var e Entry
			if err := decodeEntry(v, &e); err != nil {
				return err
			}
			out = append(out, e)
		}
		return nil
	})
	return out, err
}

// LastIndex and LastTerm return the most recently appended entry's
// coordinates, or (0, 0) on an empty log.
func (l *Log) LastIndex() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.lastIndex
}

func (l *Log) LastTerm() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.lastTerm
}

// TruncateAfter deletes every entry with index > keepIndex. Used when an
// AppendEntries RPC discovers a conflicting suffix that must be
// discarded before the leader's entries can be appended in its place.
func (l *Log) TruncateAfter(keepIndex uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	err := l.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketEntries)
		c := b.Cursor()
		var toDelete [][]byte
		for k, _ := c.Seek(indexKey(keepIndex + 1)); k != nil; k, _ = c.Next() {
			toDelete = append(toDelete, append([]byte(nil), k...))
		}
		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("logstore: truncate after %d: %w", keepIndex, err)
	}

	if keepIndex < l.lastIndex {
		l.lastIndex, l.lastTerm = 0, 0
		l.db.View(func(tx *bbolt.Tx) error {
			v := tx.Bucket(bucketEntries).Get(indexKey(keepIndex))
			if v == nil {
				return nil
			}
			var e Entry
			if err := decodeEntry(v, &e); err != nil {
				return err
			}
			l.lastIndex, l.lastTerm = e.Index, e.Term
			return nil
		})
	}
	return nil
}

// CompactThrough deletes every entry with index <= index, used after a
// snapshot makes those entries redundant.
func (l *Log) CompactThrough(index uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketEntries)
		c := b.Cursor()
		var toDelete [][]byte
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			idx := binary.BigEndian.Uint64(k)
			if idx > index {
				break
			}
			toDelete = append(toDelete, append([]byte(nil), k...))
		}
		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// CurrentTerm and VotedFor return the cached persistent election state.
func (l *Log) CurrentTerm() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.currentTerm
}

func (l *Log) VotedFor() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.votedFor
}

// SetTermAndVote persists the current term and voted-for candidate
// together, as Raft requires them to change atomically when a node
// grants a vote in a new term.
func (l *Log) SetTermAndVote(term uint64, votedFor string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	err := l.db.Update(func(tx *bbolt.Tx) error {
		meta := tx.Bucket(bucketMeta)
		termBytes := make([]byte, 8)
		binary.BigEndian.PutUint64(termBytes, term)
		if err := meta.Put(keyCurrentTerm, termBytes); err != nil {
			return err
		}
		return meta.Put(keyVotedFor, []byte(votedFor))
	})
	if err != nil {
		return fmt.Errorf("logstore: set term/vote: %w", err)
	}
	l.currentTerm = term
	l.votedFor = votedFor
	return nil
}

// SaveSnapshot persists a snapshot. Compaction of the entries it
// subsumes is the caller's decision (CompactThrough): the compactor
// keeps a window of recent entries behind the cutoff for slow
// followers, while a snapshot installed over RPC drops every entry up
// to its last included index.
func (l *Log) SaveSnapshot(snap Snapshot) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(snap); err != nil {
		return fmt.Errorf("logstore: encode snapshot: %w", err)
	}

	l.mu.Lock()
	err := l.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSnapshot).Put(keySnapData, buf.Bytes())
	})
	l.mu.Unlock()
	if err != nil {
		return fmt.Errorf("logstore: save snapshot: %w", err)
	}
	return nil
}

// LoadSnapshot returns the most recently saved snapshot, if any.
func (l *Log) LoadSnapshot() (Snapshot, bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var snap Snapshot
	found := false
	err := l.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketSnapshot).Get(keySnapData)
		if v == nil {
			return nil
		}
		if err := gob.NewDecoder(bytes.NewReader(v)).Decode(&snap); err != nil {
			return err
		}
		found = true
		return nil
	})
	return snap, found, err
}

// Close releases the underlying bbolt file handle.
func (l *Log) Close() error {
	return l.db.Close()
}
