package store

import (
	"context"

	"github.com/reeltrack/orchestrator/internal/domain"
)

func (s *Store) GetUser(ctx context.Context, id string) (*domain.User, error) {
	const q = `SELECT id, slug, timezone, role, can_transcribe, can_upload, deactivated, created_at
	           FROM users WHERE id = $1`
	var u domain.User
	err := s.db.QueryRowContext(ctx, q, id).Scan(
		&u.ID, &u.Slug, &u.Timezone, &u.Role, &u.CanTranscribe, &u.CanUpload, &u.Deactivated, &u.CreatedAt)
	if err != nil {
		return nil, wrapErr("store.GetUser", err)
	}
	return &u, nil
}

// CreateUser allocates the next monotonic slug and inserts the user row.
// Slug allocation and insert happen in the same transaction so a crash
// between the two never reuses a slug (spec §4.1: "never reused").
func (s *Store) CreateUser(ctx context.Context, id string, timezone string) (*domain.User, error) {
	u := &domain.User{ID: id, Timezone: timezone, Role: domain.RoleUser}
	const q = `
		INSERT INTO users (id, slug, timezone, role, created_at)
		VALUES ($1, nextval('user_slug_seq'), $2, $3, now())
		RETURNING slug, created_at`
	row := s.db.QueryRowContext(ctx, q, id, timezone, domain.RoleUser)
	if err := row.Scan(&u.Slug, &u.CreatedAt); err != nil {
		return nil, wrapErr("store.CreateUser", err)
	}
	return u, nil
}

func (s *Store) GetSubscriptionPlan(ctx context.Context, planID int64) (*domain.SubscriptionPlan, error) {
	const q = `
		SELECT id, name, max_recordings_per_month, max_storage_gb, max_concurrent_tasks,
		       max_automation_jobs, min_automation_interval_hours
		FROM subscription_plans WHERE id = $1`
	var p domain.SubscriptionPlan
	err := s.db.QueryRowContext(ctx, q, planID).Scan(
		&p.ID, &p.Name, &p.MaxRecordingsPerMonth, &p.MaxStorageGB, &p.MaxConcurrentTasks,
		&p.MaxAutomationJobs, &p.MinAutomationIntervalHr)
	if err != nil {
		return nil, wrapErr("store.GetSubscriptionPlan", err)
	}
	return &p, nil
}

func (s *Store) GetUserSubscription(ctx context.Context, userID string) (*domain.UserSubscription, error) {
	const q = `
		SELECT user_id, plan_id, custom_max_recordings_per_month, custom_max_storage_gb,
		       custom_max_concurrent_tasks, custom_max_automation_jobs, custom_min_automation_interval_hours
		FROM user_subscriptions WHERE user_id = $1`
	var us domain.UserSubscription
	err := s.db.QueryRowContext(ctx, q, userID).Scan(
		&us.UserID, &us.PlanID, &us.CustomMaxRecordingsPerMonth, &us.CustomMaxStorageGB,
		&us.CustomMaxConcurrentTasks, &us.CustomMaxAutomationJobs, &us.CustomMinAutomationIntervalHr)
	if err != nil {
		return nil, wrapErr("store.GetUserSubscription", err)
	}
	return &us, nil
}
