package service

import (
	"context"
	"testing"
	"time"

	"github.com/reeltrack/orchestrator/internal/domain"
	"github.com/reeltrack/orchestrator/internal/errs"
	"github.com/reeltrack/orchestrator/internal/scheduler"
)

type fakeClock struct{ now time.Time }

func (c fakeClock) Now() time.Time { return c.now }

type fakeStore struct {
	jobs    map[int64]*domain.AutomationJob
	nextID  int64
	recs    map[string]*domain.Recording
	users   map[string]*domain.User
	subs    map[string]*domain.UserSubscription
	usage   map[string]*domain.QuotaUsage
}

func (f *fakeStore) CreateJob(ctx context.Context, j domain.AutomationJob) (*domain.AutomationJob, error) {
	f.nextID++
	j.ID = f.nextID
	f.jobs[j.ID] = &j
	return &j, nil
}

func (f *fakeStore) UpdateJob(ctx context.Context, j domain.AutomationJob) error {
	f.jobs[j.ID] = &j
	return nil
}

func (f *fakeStore) DeleteJob(ctx context.Context, id int64) error {
	delete(f.jobs, id)
	return nil
}

func (f *fakeStore) GetJob(ctx context.Context, id int64) (*domain.AutomationJob, error) {
	j, ok := f.jobs[id]
	if !ok {
		return nil, errs.NotFound("fake.GetJob", "no such job")
	}
	return j, nil
}

func (f *fakeStore) ListJobsForUser(ctx context.Context, userID string) ([]*domain.AutomationJob, error) {
	var out []*domain.AutomationJob
	for _, j := range f.jobs {
		if j.UserID == userID {
			out = append(out, j)
		}
	}
	return out, nil
}

func (f *fakeStore) SetNextRunAt(ctx context.Context, id int64, nextRunAt time.Time) error {
	if j, ok := f.jobs[id]; ok {
		j.NextRunAt = &nextRunAt
	}
	return nil
}

func (f *fakeStore) GetRecording(ctx context.Context, id string, admin bool) (*domain.Recording, error) {
	r, ok := f.recs[id]
	if !ok {
		return nil, errs.NotFound("fake.GetRecording", "no such recording")
	}
	return r, nil
}

func (f *fakeStore) UpdateRecordingPreferences(ctx context.Context, id string, merged domain.RawConfig) error {
	f.recs[id].Preferences = merged
	return nil
}

func (f *fakeStore) SoftDeleteRecording(ctx context.Context, id string, now time.Time, ttl time.Duration, reason string) error {
	r := f.recs[id]
	r.DeleteState = domain.DeleteSoftDeleted
	r.DeletionReason = reason
	return nil
}

func (f *fakeStore) GetUser(ctx context.Context, id string) (*domain.User, error) {
	u, ok := f.users[id]
	if !ok {
		return nil, errs.NotFound("fake.GetUser", "no such user")
	}
	return u, nil
}

func (f *fakeStore) GetUserSubscription(ctx context.Context, userID string) (*domain.UserSubscription, error) {
	s, ok := f.subs[userID]
	if !ok {
		return nil, errs.NotFound("fake.GetUserSubscription", "no such subscription")
	}
	return s, nil
}

func (f *fakeStore) GetOrInitQuotaUsage(ctx context.Context, userID string, period domain.Period) (*domain.QuotaUsage, error) {
	u, ok := f.usage[userID]
	if !ok {
		u = &domain.QuotaUsage{UserID: userID, Period: period}
		f.usage[userID] = u
	}
	return u, nil
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		jobs:  map[int64]*domain.AutomationJob{},
		recs:  map[string]*domain.Recording{},
		users: map[string]*domain.User{},
		subs:  map[string]*domain.UserSubscription{},
		usage: map[string]*domain.QuotaUsage{},
	}
}

type fakeQuota struct {
	eq     domain.EffectiveQuota
	bytes  int64
}

func (f fakeQuota) Effective(ctx context.Context, userID string, planID int64) (domain.EffectiveQuota, error) {
	return f.eq, nil
}

func (f fakeQuota) StorageUsedBytes(userSlug int64) (int64, error) { return f.bytes, nil }

type fakeScheduler struct{}

func (fakeScheduler) TriggerJob(ctx context.Context, jobID int64, dryRun bool) (scheduler.RunOutcome, error) {
	return scheduler.RunOutcome{JobID: jobID, Skipped: dryRun}, nil
}

func TestCreateJob_RejectsIntervalBelowMinimum(t *testing.T) {
	store := newFakeStore()
	store.subs["user-1"] = &domain.UserSubscription{UserID: "user-1", PlanID: 1}
	q := fakeQuota{eq: domain.EffectiveQuota{MinAutomationIntervalHr: 6}}
	svc := New(store, q, fakeScheduler{}, fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}, 7*24*time.Hour)

	job := domain.AutomationJob{
		UserID: "user-1",
		Name:   "every hour",
		Schedule: domain.Schedule{
			Kind:        domain.ScheduleHours,
			EveryNHours: 1,
		},
		IsActive: true,
	}
	_, err := svc.CreateJob(context.Background(), job)
	if err == nil {
		t.Fatal("expected interval validation error, got nil")
	}
	if len(store.jobs) != 0 {
		t.Fatalf("job row created despite interval violation: %d rows", len(store.jobs))
	}
}

func TestCreateJob_AcceptsValidInterval(t *testing.T) {
	store := newFakeStore()
	store.subs["user-1"] = &domain.UserSubscription{UserID: "user-1", PlanID: 1}
	q := fakeQuota{eq: domain.EffectiveQuota{MinAutomationIntervalHr: 1}}
	svc := New(store, q, fakeScheduler{}, fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}, 7*24*time.Hour)

	job := domain.AutomationJob{
		UserID: "user-1",
		Name:   "every 6 hours",
		Schedule: domain.Schedule{
			Kind:        domain.ScheduleHours,
			EveryNHours: 6,
		},
		IsActive: true,
	}
	created, err := svc.CreateJob(context.Background(), job)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if created.NextRunAt == nil {
		t.Fatal("NextRunAt not primed on create")
	}
}

func TestUpdateRecordingConfig_MergesOverExistingPreferences(t *testing.T) {
	store := newFakeStore()
	store.recs["rec-1"] = &domain.Recording{
		ID:          "rec-1",
		Preferences: domain.RawConfig{"trim": map[string]interface{}{"enable": true}},
	}
	svc := New(store, fakeQuota{}, fakeScheduler{}, fakeClock{now: time.Now()}, time.Hour)

	patch := domain.RawConfig{"transcription": map[string]interface{}{"enable": true}}
	rec, err := svc.UpdateRecordingConfig(context.Background(), "rec-1", patch)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := rec.Preferences["trim"]; !ok {
		t.Fatal("original preference key dropped by merge")
	}
	if _, ok := rec.Preferences["transcription"]; !ok {
		t.Fatal("patched key missing after merge")
	}
}

func TestSoftDeleteRecording_SetsSoftDeletedState(t *testing.T) {
	store := newFakeStore()
	store.recs["rec-1"] = &domain.Recording{ID: "rec-1", DeleteState: domain.DeleteActive}
	svc := New(store, fakeQuota{}, fakeScheduler{}, fakeClock{now: time.Now()}, time.Hour)

	if err := svc.SoftDeleteRecording(context.Background(), "rec-1", "user requested"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if store.recs["rec-1"].DeleteState != domain.DeleteSoftDeleted {
		t.Fatalf("delete_state = %v, want soft_deleted", store.recs["rec-1"].DeleteState)
	}
}

func TestGetQuotaStatus_ReportsEffectiveAndUsage(t *testing.T) {
	store := newFakeStore()
	store.users["user-1"] = &domain.User{ID: "user-1", Slug: 42}
	store.subs["user-1"] = &domain.UserSubscription{UserID: "user-1", PlanID: 1}
	store.usage["user-1"] = &domain.QuotaUsage{UserID: "user-1", RecordingsCount: 3, ConcurrentTasksCount: 1}
	q := fakeQuota{eq: domain.EffectiveQuota{MaxRecordingsPerMonth: domain.LimitOf(100)}, bytes: 2048}
	svc := New(store, q, fakeScheduler{}, fakeClock{now: time.Now()}, time.Hour)

	status, err := svc.GetQuotaStatus(context.Background(), "user-1", domain.Period(202601))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if status.RecordingsUsed != 3 || status.StorageUsedBytes != 2048 {
		t.Fatalf("unexpected status: %+v", status)
	}
}
