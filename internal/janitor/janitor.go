// Package janitor implements the periodic retention pass (spec §4.9):
// purges files and hard-deletes recordings past hard_delete_at, expires
// INITIALIZED recordings idle past the initialized TTL, and leaves old
// quota_usage periods alone (retained for history, never deleted).
package janitor

import (
	"context"
	"os"
	"time"

	"github.com/reeltrack/orchestrator/internal/domain"
	"github.com/reeltrack/orchestrator/internal/metrics"
	"github.com/reeltrack/orchestrator/internal/storage"
)

// Store is the subset of *store.Store the janitor needs. GetUser resolves
// the storage-path slug (spec §6's path layout is keyed by slug, not by
// user ID).
type Store interface {
	DueForHardDelete(ctx context.Context, now time.Time, limit int) ([]*domain.Recording, error)
	HardDeleteRecording(ctx context.Context, id string) error
	PurgeHardDeletedCascade(ctx context.Context, id string) error
	DueForExpiry(ctx context.Context, cutoff time.Time, limit int) ([]*domain.Recording, error)
	UpdateRecordingStatus(ctx context.Context, id string, status domain.Status) error
	GetUser(ctx context.Context, id string) (*domain.User, error)
}

// Clock supplies now().
type Clock interface {
	Now() time.Time
}

// batchLimit bounds one pass so a large backlog doesn't block the next
// scheduler/executor tick indefinitely; the janitor simply catches up over
// several runs.
const batchLimit = 200

// Janitor is the retention-sweep component.
type Janitor struct {
	store   Store
	layout  storage.Layout
	clock   Clock
	initTTL time.Duration
}

func New(store Store, layout storage.Layout, clk Clock, initializedTTL time.Duration) *Janitor {
	return &Janitor{store: store, layout: layout, clock: clk, initTTL: initializedTTL}
}

// Result reports what one Run pass did, for callers that want to log or
// assert on it.
type Result struct {
	HardDeleted int
	Expired     int
	Errors      []error
}

// Run executes one full janitor pass (spec §4.9): hard-delete sweep, then
// expiry sweep. Per-recording failures are collected and do not abort the
// rest of the pass.
func (j *Janitor) Run(ctx context.Context) Result {
	var res Result

	now := j.clock.Now()
	due, err := j.store.DueForHardDelete(ctx, now, batchLimit)
	if err != nil {
		res.Errors = append(res.Errors, err)
	}
	for _, rec := range due {
		if err := j.purgeOne(ctx, rec); err != nil {
			res.Errors = append(res.Errors, err)
			continue
		}
		res.HardDeleted++
		metrics.JanitorPurgedTotal.Inc()
	}

	cutoff := now.Add(-j.initTTL)
	expiring, err := j.store.DueForExpiry(ctx, cutoff, batchLimit)
	if err != nil {
		res.Errors = append(res.Errors, err)
	}
	for _, rec := range expiring {
		if err := j.store.UpdateRecordingStatus(ctx, rec.ID, domain.StatusExpired); err != nil {
			res.Errors = append(res.Errors, err)
			continue
		}
		res.Expired++
	}

	// Old quota_usage periods are intentionally left alone here: spec §4.9
	// keeps them for historical reporting, so there is no corresponding
	// sweep.
	return res
}

// purgeOne implements spec §4.3 "On hard delete": remove the on-disk
// recording directory, then mark hard_deleted, then cascade-delete the rows.
// The filesystem purge runs before the row flip so a crash mid-purge leaves
// the recording retryable on the next pass instead of orphaning files with
// no DB trace left to find them by.
func (j *Janitor) purgeOne(ctx context.Context, rec *domain.Recording) error {
	user, err := j.store.GetUser(ctx, rec.UserID)
	if err != nil {
		return err
	}
	dir := j.layout.RecordingDir(user.Slug, rec.ID)
	if err := os.RemoveAll(dir); err != nil {
		return err
	}
	if err := j.store.HardDeleteRecording(ctx, rec.ID); err != nil {
		return err
	}
	return j.store.PurgeHardDeletedCascade(ctx, rec.ID)
}
