// Package service implements the Service API (spec §4.10): a thin
// in-process facade other parts of the system call into. It has no
// net/http inside it — per §1 the HTTP surface, if any, lives outside this
// repository's core and binds to this facade from cmd/orchestrator or a
// separate front-end.
package service

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/reeltrack/orchestrator/internal/domain"
	"github.com/reeltrack/orchestrator/internal/errs"
	"github.com/reeltrack/orchestrator/internal/scheduler"
)

// Store is the subset of *store.Store the facade needs.
type Store interface {
	CreateJob(ctx context.Context, j domain.AutomationJob) (*domain.AutomationJob, error)
	UpdateJob(ctx context.Context, j domain.AutomationJob) error
	DeleteJob(ctx context.Context, id int64) error
	GetJob(ctx context.Context, id int64) (*domain.AutomationJob, error)
	ListJobsForUser(ctx context.Context, userID string) ([]*domain.AutomationJob, error)
	SetNextRunAt(ctx context.Context, id int64, nextRunAt time.Time) error

	GetRecording(ctx context.Context, id string, admin bool) (*domain.Recording, error)
	UpdateRecordingPreferences(ctx context.Context, id string, merged domain.RawConfig) error
	SoftDeleteRecording(ctx context.Context, id string, now time.Time, ttl time.Duration, reason string) error

	GetUser(ctx context.Context, id string) (*domain.User, error)
	GetUserSubscription(ctx context.Context, userID string) (*domain.UserSubscription, error)
	GetOrInitQuotaUsage(ctx context.Context, userID string, period domain.Period) (*domain.QuotaUsage, error)
}

// QuotaLedger is the subset of *quota.Ledger the facade needs.
type QuotaLedger interface {
	Effective(ctx context.Context, userID string, planID int64) (domain.EffectiveQuota, error)
	StorageUsedBytes(userSlug int64) (int64, error)
}

// Scheduler is the subset of *scheduler.Scheduler the facade drives.
type Scheduler interface {
	TriggerJob(ctx context.Context, jobID int64, dryRun bool) (scheduler.RunOutcome, error)
}

// Clock supplies now() and the current quota period.
type Clock interface {
	Now() time.Time
}

// Service is the Service API facade.
type Service struct {
	store     Store
	quota     QuotaLedger
	scheduler               Scheduler
	clock                   Clock
	softDeleteTTL           time.Duration
	minAutomationIntervalHr func(eq domain.EffectiveQuota) int
}

func New(store Store, ql QuotaLedger, sched Scheduler, clk Clock, softDeleteTTL time.Duration) *Service {
	return &Service{
		store:         store,
		quota:         ql,
		scheduler:     sched,
		clock:         clk,
		softDeleteTTL: softDeleteTTL,
		minAutomationIntervalHr: func(eq domain.EffectiveQuota) int { return eq.MinAutomationIntervalHr },
	}
}

// planID resolves a user's subscription plan for quota lookups. Every
// facade call that touches quota goes through here rather than duplicating
// the plan lookup at each call site.
func (s *Service) planID(ctx context.Context, userID string) (int64, error) {
	sub, err := s.store.GetUserSubscription(ctx, userID)
	if err != nil {
		return 0, err
	}
	return sub.PlanID, nil
}

// validateSchedule implements spec §4.10's "create_job/update_job ...
// re-registers the job with the scheduler" validation half: the interval
// check must pass before any row is written (spec §8 testable property
// "Scheduler interval enforcement").
func (s *Service) validateSchedule(ctx context.Context, userID string, sched domain.Schedule) error {
	planID, err := s.planID(ctx, userID)
	if err != nil {
		return err
	}
	eq, err := s.quota.Effective(ctx, userID, planID)
	if err != nil {
		return err
	}
	return scheduler.ValidateInterval(sched, s.clock.Now(), s.minAutomationIntervalHr(eq))
}

// CreateJob implements spec §4.10 create_job: validates the schedule
// interval, persists the job, and primes next_run_at.
func (s *Service) CreateJob(ctx context.Context, j domain.AutomationJob) (*domain.AutomationJob, error) {
	if err := s.validateSchedule(ctx, j.UserID, j.Schedule); err != nil {
		return nil, err
	}
	created, err := s.store.CreateJob(ctx, j)
	if err != nil {
		return nil, err
	}
	next, err := scheduler.NextRunAt(created.Schedule, s.clock.Now())
	if err != nil {
		return nil, err
	}
	if err := s.store.SetNextRunAt(ctx, created.ID, next); err != nil {
		return nil, err
	}
	created.NextRunAt = &next
	return created, nil
}

// UpdateJob implements spec §4.10 update_job: same interval validation,
// then recomputes next_run_at immediately (spec §4.8).
func (s *Service) UpdateJob(ctx context.Context, j domain.AutomationJob) (*domain.AutomationJob, error) {
	if err := s.validateSchedule(ctx, j.UserID, j.Schedule); err != nil {
		return nil, err
	}
	if err := s.store.UpdateJob(ctx, j); err != nil {
		return nil, err
	}
	next, err := scheduler.NextRunAt(j.Schedule, s.clock.Now())
	if err != nil {
		return nil, err
	}
	if err := s.store.SetNextRunAt(ctx, j.ID, next); err != nil {
		return nil, err
	}
	j.NextRunAt = &next
	return &j, nil
}

// DeleteJob implements spec §4.10 delete_job.
func (s *Service) DeleteJob(ctx context.Context, id int64) error {
	return s.store.DeleteJob(ctx, id)
}

// ListJobs implements spec §4.10 list_jobs.
func (s *Service) ListJobs(ctx context.Context, userID string) ([]*domain.AutomationJob, error) {
	return s.store.ListJobsForUser(ctx, userID)
}

// TriggerJob implements spec §4.10 trigger_job(dry_run?): delegates to the
// scheduler's ad hoc run path, which is the single place that knows how to
// drive discovery and matching for a job (spec §4.8). The returned
// idempotency key lets a caller that retries a timed-out trigger correlate
// the retry with the original attempt in logs, since trigger_job itself has
// no natural request ID of its own.
func (s *Service) TriggerJob(ctx context.Context, jobID int64, dryRun bool) (scheduler.RunOutcome, string, error) {
	key := uuid.NewString()
	out, err := s.scheduler.TriggerJob(ctx, jobID, dryRun)
	return out, key, err
}

// UpdateRecordingConfig implements spec §4.10 update_recording_config: a
// merge PATCH over the recording's existing preferences, per the same
// deep-merge rule the Template Matcher's Apply step uses.
func (s *Service) UpdateRecordingConfig(ctx context.Context, recordingID string, patch domain.RawConfig) (*domain.Recording, error) {
	rec, err := s.store.GetRecording(ctx, recordingID, false)
	if err != nil {
		return nil, err
	}
	merged := domain.MergeRaw(rec.Preferences, patch)
	if err := s.store.UpdateRecordingPreferences(ctx, recordingID, merged); err != nil {
		return nil, err
	}
	rec.Preferences = merged
	return rec, nil
}

// SoftDeleteRecording implements spec §4.10 soft_delete_recording /
// §4.3 "On soft delete".
func (s *Service) SoftDeleteRecording(ctx context.Context, recordingID, reason string) error {
	return s.store.SoftDeleteRecording(ctx, recordingID, s.clock.Now(), s.softDeleteTTL, reason)
}

// QuotaStatus is the full get_quota_status response: the effective limit
// set alongside current usage for each dimension.
type QuotaStatus struct {
	Effective           domain.EffectiveQuota
	RecordingsUsed      int
	ConcurrentTasksUsed int
	OverageCostCents    int64
	StorageUsedBytes    int64
}

// GetQuotaStatus implements spec §4.10 get_quota_status: reports the
// effective limit set plus current usage. Storage usage is recomputed live
// from disk (spec §4.2: "not persisted"), never read from a cached counter.
func (s *Service) GetQuotaStatus(ctx context.Context, userID string, period domain.Period) (QuotaStatus, error) {
	user, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return QuotaStatus{}, err
	}
	sub, err := s.store.GetUserSubscription(ctx, userID)
	if err != nil {
		return QuotaStatus{}, err
	}
	eq, err := s.quota.Effective(ctx, userID, sub.PlanID)
	if err != nil {
		return QuotaStatus{}, err
	}
	usage, err := s.store.GetOrInitQuotaUsage(ctx, userID, period)
	if err != nil {
		return QuotaStatus{}, err
	}
	used, err := s.quota.StorageUsedBytes(user.Slug)
	if err != nil {
		return QuotaStatus{}, errs.New(errs.KindRetryableIO, "service.GetQuotaStatus", err)
	}
	return QuotaStatus{
		Effective:           eq,
		RecordingsUsed:      usage.RecordingsCount,
		ConcurrentTasksUsed: usage.ConcurrentTasksCount,
		OverageCostCents:    usage.OverageCost,
		StorageUsedBytes:    used,
	}, nil
}
