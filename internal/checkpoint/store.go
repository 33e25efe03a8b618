// Package checkpoint persists per-thread Engine state so a turn can resume
// after a crash, a human-in-the-loop interrupt, or a timeout. There is a
// single canonical checkpoint store (this package); nothing else in the
// module persists AgentState.
package checkpoint

import (
	"context"
	"errors"
	"time"

	"github.com/agentcore/agentcore/pkg/models"
)

// ErrNotFound is returned by Load when the checkpoint id is unknown.
var ErrNotFound = errors.New("checkpoint: not found")

// Store is the Checkpointer's storage contract. Two backends satisfy it
// without the caller ever peeking at physical layout: an in-memory backend
// for dev/test, and a durable SQL backend for production.
type Store interface {
	// Save atomically writes state indexed by (thread_id, step) with a
	// secondary index on the returned id. Must be durable before returning.
	Save(ctx context.Context, threadID string, step int, parentID, branchID string, state models.AgentState) (*models.Checkpoint, error)

	// Load returns the checkpoint for the given id, or ErrNotFound.
	Load(ctx context.Context, checkpointID string) (*models.Checkpoint, error)

	// Latest returns the highest-step checkpoint for a thread, or nil if none exists.
	Latest(ctx context.Context, threadID string) (*models.Checkpoint, error)

	// History returns up to limit checkpoints for a thread, most recent first.
	History(ctx context.Context, threadID string, limit int) ([]*models.Checkpoint, error)

	// DeleteThread cascades all checkpoints for a thread.
	DeleteThread(ctx context.Context, threadID string) error

	// Evict deletes checkpoints older than olderThan, preserving the
	// keepPerThread most recent checkpoints per thread regardless of age.
	Evict(ctx context.Context, olderThan time.Time, keepPerThread int) (int64, error)
}

// Diff summarizes the delta between two checkpoints of the same thread.
func Diff(a, b *models.Checkpoint) models.CheckpointDiff {
	return models.CheckpointDiff{
		MessagesAdded:  len(b.State.Messages) - len(a.State.Messages),
		TokensDelta:    b.State.TotalTokens - a.State.TotalTokens,
		IterationDelta: b.State.Iteration - a.State.Iteration,
		StatusFrom:     a.State.Status,
		StatusTo:       b.State.Status,
	}
}

// DefaultBranch is the branch id assigned to every checkpoint in the
// linear baseline; branch metadata is carried but not yet load-bearing.
const DefaultBranch = "main"

// RetentionConfig controls the background eviction sweep.
type RetentionConfig struct {
	RetentionWindow time.Duration // default 7 days
	KeepPerThread   int           // default 3
	SweepInterval   time.Duration // default 1 hour
}

// DefaultRetentionConfig matches the Checkpointer's documented defaults.
func DefaultRetentionConfig() RetentionConfig {
	return RetentionConfig{
		RetentionWindow: 7 * 24 * time.Hour,
		KeepPerThread:   3,
		SweepInterval:   1 * time.Hour,
	}
}

// Reaper runs Store.Evict on a ticker until ctx is cancelled, logging the
// count of evicted checkpoints through the supplied callback.
type Reaper struct {
	store  Store
	config RetentionConfig
	onSweep func(evicted int64, err error)
}

// NewReaper builds a background eviction sweep for the given store.
func NewReaper(store Store, config RetentionConfig, onSweep func(evicted int64, err error)) *Reaper {
	if config.RetentionWindow <= 0 {
		config.RetentionWindow = DefaultRetentionConfig().RetentionWindow
	}
	if config.KeepPerThread <= 0 {
		config.KeepPerThread = DefaultRetentionConfig().KeepPerThread
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = DefaultRetentionConfig().SweepInterval
	}
	return &Reaper{store: store, config: config, onSweep: onSweep}
}

// Run blocks, sweeping on config.SweepInterval until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.config.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-r.config.RetentionWindow)
			n, err := r.store.Evict(ctx, cutoff, r.config.KeepPerThread)
			if r.onSweep != nil {
				r.onSweep(n, err)
			}
		}
	}
}
