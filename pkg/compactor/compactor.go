// Package compactor implements the background snapshot worker
// (component C5): once the committed log has grown a configured step
// past the last snapshot, it dumps the committed Store, persists the
// snapshot, and drops subsumed log entries while keeping a window of
// recent ones for followers that are only slightly behind.
package compactor

import (
	"context"
	"time"

	"github.com/armon/go-metrics"
	"github.com/rs/zerolog"

	"github.com/arangodb/agency/pkg/logstore"
	"github.com/arangodb/agency/pkg/store"
)

// Source is the view of the agent the compactor needs: the committed
// Store to dump and the commit frontier to snapshot at.
type Source interface {
	CommitIndex() uint64
	CommittedStore() *store.Store
}

// Worker wakes periodically, or on Trigger, and compacts when the
// committed index has outrun the last snapshot by more than stepSize.
type Worker struct {
	src      Source
	log      *logstore.Log
	zlog     zerolog.Logger
	stepSize uint64
	keepSize uint64
	interval time.Duration

	trigger chan struct{}
}

// New builds a compaction worker. stepSize is the minimum number of
// committed entries between snapshots; keepSize is how many entries
// behind the snapshot cutoff stay in the log for catch-up.
func New(src Source, log *logstore.Log, stepSize, keepSize uint64, interval time.Duration, zlog zerolog.Logger) *Worker {
	return &Worker{
		src:      src,
		log:      log,
		zlog:     zlog.With().Str("component", "compactor").Logger(),
		stepSize: stepSize,
		keepSize: keepSize,
		interval: interval,
		trigger:  make(chan struct{}, 1),
	}
}

// Trigger requests a compaction check outside the periodic schedule.
// Non-blocking; a check already pending absorbs the signal.
func (w *Worker) Trigger() {
	select {
	case w.trigger <- struct{}{}:
	default:
	}
}

// Run loops until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-w.trigger:
		}
		if err := w.compactOnce(); err != nil {
			w.zlog.Error().Err(err).Msg("compaction failed")
		}
	}
}

func (w *Worker) compactOnce() error {
	commit := w.src.CommitIndex()

	var snapIndex uint64
	if snap, found, err := w.log.LoadSnapshot(); err != nil {
		return err
	} else if found {
		snapIndex = snap.Metadata.LastIncludedIndex
	}

	if commit <= snapIndex || commit-snapIndex <= w.stepSize {
		return nil
	}

	entry, ok := w.log.Get(commit)
	if !ok {
		// The frontier entry is gone (already compacted elsewhere, or a
		// fresh install); nothing coherent to snapshot at.
		return nil
	}

	data, err := store.EncodeSnapshot(w.src.CommittedStore().Dump())
	if err != nil {
		return err
	}
	if err := w.log.SaveSnapshot(logstore.Snapshot{
		Metadata: logstore.SnapshotMetadata{
			LastIncludedIndex: commit,
			LastIncludedTerm:  entry.Term,
		},
		Data: data,
	}); err != nil {
		return err
	}

	cutoff := uint64(0)
	if commit > w.keepSize {
		cutoff = commit - w.keepSize
	}
	if cutoff > 0 {
		if err := w.log.CompactThrough(cutoff); err != nil {
			return err
		}
	}

	metrics.IncrCounter([]string{"agency", "compactions"}, 1)
	w.zlog.Info().
		Uint64("snapshot_index", commit).
		Uint64("compacted_through", cutoff).
		Msg("snapshot written")
	return nil
}
