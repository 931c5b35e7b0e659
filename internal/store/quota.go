package store

import (
	"context"
	"database/sql"

	"github.com/reeltrack/orchestrator/internal/domain"
)

// GetOrInitQuotaUsage reads the (user, period) counter row, creating it at
// zero on first touch. Periods never carry balances forward (spec §4.2).
func (s *Store) GetOrInitQuotaUsage(ctx context.Context, userID string, period domain.Period) (*domain.QuotaUsage, error) {
	const sel = `
		SELECT user_id, period, recordings_count, concurrent_tasks_count, overage_cost_cents
		FROM quota_usage WHERE user_id = $1 AND period = $2`
	var q domain.QuotaUsage
	err := s.db.QueryRowContext(ctx, sel, userID, period).
		Scan(&q.UserID, &q.Period, &q.RecordingsCount, &q.ConcurrentTasksCount, &q.OverageCost)
	if err == nil {
		return &q, nil
	}
	if err != sql.ErrNoRows {
		return nil, wrapErr("store.GetOrInitQuotaUsage", err)
	}
	const ins = `
		INSERT INTO quota_usage (user_id, period, recordings_count, concurrent_tasks_count, overage_cost_cents)
		VALUES ($1, $2, 0, 0, 0)
		ON CONFLICT (user_id, period) DO NOTHING`
	if _, err := s.db.ExecContext(ctx, ins, userID, period); err != nil {
		return nil, wrapErr("store.GetOrInitQuotaUsage", err)
	}
	q = domain.QuotaUsage{UserID: userID, Period: period}
	if err := s.db.QueryRowContext(ctx, sel, userID, period).
		Scan(&q.UserID, &q.Period, &q.RecordingsCount, &q.ConcurrentTasksCount, &q.OverageCost); err != nil {
		return nil, wrapErr("store.GetOrInitQuotaUsage", err)
	}
	return &q, nil
}

// IncrRecordingsCount implements the recordings-per-month counter bump on
// admission (spec §4.2 "track_recording_created").
func (s *Store) IncrRecordingsCount(ctx context.Context, userID string, period domain.Period) error {
	const q = `
		INSERT INTO quota_usage (user_id, period, recordings_count, concurrent_tasks_count, overage_cost_cents)
		VALUES ($1, $2, 1, 0, 0)
		ON CONFLICT (user_id, period)
		DO UPDATE SET recordings_count = quota_usage.recordings_count + 1`
	_, err := s.db.ExecContext(ctx, q, userID, period)
	return wrapErr("store.IncrRecordingsCount", err)
}

func (s *Store) AddOverageCost(ctx context.Context, userID string, period domain.Period, cents int64) error {
	const q = `
		INSERT INTO quota_usage (user_id, period, recordings_count, concurrent_tasks_count, overage_cost_cents)
		VALUES ($1, $2, 0, 0, $3)
		ON CONFLICT (user_id, period)
		DO UPDATE SET overage_cost_cents = quota_usage.overage_cost_cents + $3`
	_, err := s.db.ExecContext(ctx, q, userID, period, cents)
	return wrapErr("store.AddOverageCost", err)
}

// --- concurrent task gauge -------------------------------------------------
//
// Resolves the spec §9 Open Question: quota_usage.concurrent_tasks_count is
// keyed by (user, period), which is ambiguous once a stage starts in one
// month and finishes in the next. The rewrite keeps a single per-user gauge
// in its own table instead of periodizing it; quota_usage.concurrent_tasks_count
// stays in the schema for compatibility but is no longer written.

// IncrConcurrentTasks atomically bumps the per-user in-flight stage gauge
// and returns the value after the increment. The executor does not use the
// returned value: it checks the limit with a separate read
// (CheckConcurrentTasks) before this call.
func (s *Store) IncrConcurrentTasks(ctx context.Context, userID string) (int, error) {
	const q = `
		INSERT INTO user_concurrency (user_id, concurrent_tasks_count)
		VALUES ($1, 1)
		ON CONFLICT (user_id)
		DO UPDATE SET concurrent_tasks_count = user_concurrency.concurrent_tasks_count + 1
		RETURNING concurrent_tasks_count`
	var n int
	err := s.db.QueryRowContext(ctx, q, userID).Scan(&n)
	return n, wrapErr("store.IncrConcurrentTasks", err)
}

// DecrConcurrentTasks releases one in-flight slot. Floored at zero so a
// duplicate release (e.g. a retried finalize after a crash) never goes
// negative.
func (s *Store) DecrConcurrentTasks(ctx context.Context, userID string) error {
	const q = `
		UPDATE user_concurrency
		SET concurrent_tasks_count = GREATEST(concurrent_tasks_count - 1, 0)
		WHERE user_id = $1`
	_, err := s.db.ExecContext(ctx, q, userID)
	return wrapErr("store.DecrConcurrentTasks", err)
}

func (s *Store) GetConcurrentTasks(ctx context.Context, userID string) (int, error) {
	const q = `SELECT concurrent_tasks_count FROM user_concurrency WHERE user_id = $1`
	var n int
	err := s.db.QueryRowContext(ctx, q, userID).Scan(&n)
	if err != nil {
		if err == sql.ErrNoRows {
			return 0, nil
		}
		return 0, wrapErr("store.GetConcurrentTasks", err)
	}
	return n, nil
}
