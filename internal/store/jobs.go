package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/lib/pq"

	"github.com/reeltrack/orchestrator/internal/domain"
)

func (s *Store) CreateJob(ctx context.Context, j domain.AutomationJob) (*domain.AutomationJob, error) {
	sched, _ := json.Marshal(j.Schedule)
	sync, _ := json.Marshal(j.SyncConfig)
	filters, _ := json.Marshal(j.Filters)
	override, _ := json.Marshal(j.ProcessingConfigOverride)
	const q = `
		INSERT INTO automation_jobs
			(user_id, name, template_ids, schedule, sync_config, filters, processing_config_override,
			 is_active, run_count, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 0, now())
		RETURNING id, created_at`
	err := s.db.QueryRowContext(ctx, q, j.UserID, j.Name, pq.Array(j.TemplateIDs), sched, sync, filters, override, j.IsActive).
		Scan(&j.ID, &j.CreatedAt)
	if err != nil {
		return nil, wrapErr("store.CreateJob", err)
	}
	return &j, nil
}

func (s *Store) UpdateJob(ctx context.Context, j domain.AutomationJob) error {
	sched, _ := json.Marshal(j.Schedule)
	sync, _ := json.Marshal(j.SyncConfig)
	filters, _ := json.Marshal(j.Filters)
	override, _ := json.Marshal(j.ProcessingConfigOverride)
	const q = `
		UPDATE automation_jobs
		SET name = $2, template_ids = $3, schedule = $4, sync_config = $5, filters = $6,
		    processing_config_override = $7, is_active = $8
		WHERE id = $1`
	_, err := s.db.ExecContext(ctx, q, j.ID, j.Name, pq.Array(j.TemplateIDs), sched, sync, filters, override, j.IsActive)
	return wrapErr("store.UpdateJob", err)
}

func (s *Store) DeleteJob(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM automation_jobs WHERE id = $1`, id)
	return wrapErr("store.DeleteJob", err)
}

func (s *Store) GetJob(ctx context.Context, id int64) (*domain.AutomationJob, error) {
	const q = `
		SELECT id, user_id, name, template_ids, schedule, sync_config, filters,
		       processing_config_override, is_active, last_run_at, next_run_at, run_count, created_at
		FROM automation_jobs WHERE id = $1`
	j, err := scanJob(s.db.QueryRowContext(ctx, q, id))
	if err != nil {
		return nil, wrapErr("store.GetJob", err)
	}
	return j, nil
}

func (s *Store) ListJobsForUser(ctx context.Context, userID string) ([]*domain.AutomationJob, error) {
	const q = `
		SELECT id, user_id, name, template_ids, schedule, sync_config, filters,
		       processing_config_override, is_active, last_run_at, next_run_at, run_count, created_at
		FROM automation_jobs WHERE user_id = $1`
	return s.queryJobs(ctx, q, userID)
}

// ListDueJobs returns active jobs whose next_run_at has passed, for the
// scheduler tick (spec §4.8).
func (s *Store) ListDueJobs(ctx context.Context, now time.Time) ([]*domain.AutomationJob, error) {
	const q = `
		SELECT id, user_id, name, template_ids, schedule, sync_config, filters,
		       processing_config_override, is_active, last_run_at, next_run_at, run_count, created_at
		FROM automation_jobs
		WHERE is_active = TRUE AND next_run_at <= $1
		ORDER BY next_run_at ASC`
	return s.queryJobs(ctx, q, now)
}

// NextMinRunAt returns the soonest next_run_at across active jobs, for the
// scheduler to sleep until (spec §4.8: "wakes on the minimum next_run_at").
func (s *Store) NextMinRunAt(ctx context.Context) (*time.Time, error) {
	const q = `SELECT MIN(next_run_at) FROM automation_jobs WHERE is_active = TRUE`
	var t *time.Time
	if err := s.db.QueryRowContext(ctx, q).Scan(&t); err != nil {
		return nil, wrapErr("store.NextMinRunAt", err)
	}
	return t, nil
}

// RecordJobRun implements spec §4.8 "on enqueue, update last_run_at=now(),
// run_count+=1, recompute next_run_at."
func (s *Store) RecordJobRun(ctx context.Context, id int64, ranAt, nextRunAt time.Time) error {
	const q = `
		UPDATE automation_jobs
		SET last_run_at = $2, run_count = run_count + 1, next_run_at = $3
		WHERE id = $1`
	_, err := s.db.ExecContext(ctx, q, id, ranAt, nextRunAt)
	return wrapErr("store.RecordJobRun", err)
}

// SetNextRunAt is used when creating/updating a job recomputes next_run_at
// without counting as a "run" (spec §4.8: "Creating or updating a job
// recomputes next_run_at immediately").
func (s *Store) SetNextRunAt(ctx context.Context, id int64, nextRunAt time.Time) error {
	const q = `UPDATE automation_jobs SET next_run_at = $2 WHERE id = $1`
	_, err := s.db.ExecContext(ctx, q, id, nextRunAt)
	return wrapErr("store.SetNextRunAt", err)
}

func (s *Store) queryJobs(ctx context.Context, q string, args ...interface{}) ([]*domain.AutomationJob, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, wrapErr("store.queryJobs", err)
	}
	defer rows.Close()
	var out []*domain.AutomationJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, wrapErr("store.queryJobs", err)
		}
		out = append(out, j)
	}
	return out, wrapErr("store.queryJobs", rows.Err())
}

func scanJob(row rowScanner) (*domain.AutomationJob, error) {
	var j domain.AutomationJob
	var sched, sync, filters, override []byte
	err := row.Scan(&j.ID, &j.UserID, &j.Name, pq.Array(&j.TemplateIDs), &sched, &sync, &filters,
		&override, &j.IsActive, &j.LastRunAt, &j.NextRunAt, &j.RunCount, &j.CreatedAt)
	if err != nil {
		return nil, err
	}
	_ = json.Unmarshal(sched, &j.Schedule)
	_ = json.Unmarshal(sync, &j.SyncConfig)
	_ = json.Unmarshal(filters, &j.Filters)
	_ = json.Unmarshal(override, &j.ProcessingConfigOverride)
	return &j, nil
}
