package quota

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/reeltrack/orchestrator/internal/clock"
	"github.com/reeltrack/orchestrator/internal/domain"
	"github.com/reeltrack/orchestrator/internal/errs"
	"github.com/reeltrack/orchestrator/internal/storage"
)

type fakeStore struct {
	plans  map[int64]*domain.SubscriptionPlan
	subs   map[string]*domain.UserSubscription
	usage  map[string]*domain.QuotaUsage
	concur map[string]int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		plans:  map[int64]*domain.SubscriptionPlan{},
		subs:   map[string]*domain.UserSubscription{},
		usage:  map[string]*domain.QuotaUsage{},
		concur: map[string]int{},
	}
}

func (f *fakeStore) GetSubscriptionPlan(ctx context.Context, planID int64) (*domain.SubscriptionPlan, error) {
	p, ok := f.plans[planID]
	if !ok {
		return nil, errs.NotFound("fake.GetSubscriptionPlan", "no such plan")
	}
	return p, nil
}

func (f *fakeStore) GetUserSubscription(ctx context.Context, userID string) (*domain.UserSubscription, error) {
	s, ok := f.subs[userID]
	if !ok {
		return nil, errs.NotFound("fake.GetUserSubscription", "no override")
	}
	return s, nil
}

func (f *fakeStore) GetOrInitQuotaUsage(ctx context.Context, userID string, period domain.Period) (*domain.QuotaUsage, error) {
	key := userID
	if u, ok := f.usage[key]; ok {
		return u, nil
	}
	u := &domain.QuotaUsage{UserID: userID, Period: period}
	f.usage[key] = u
	return u, nil
}

func (f *fakeStore) IncrRecordingsCount(ctx context.Context, userID string, period domain.Period) error {
	u, err := f.GetOrInitQuotaUsage(ctx, userID, period)
	if err != nil {
		return err
	}
	u.RecordingsCount++
	return nil
}

func (f *fakeStore) IncrConcurrentTasks(ctx context.Context, userID string) (int, error) {
	f.concur[userID]++
	return f.concur[userID], nil
}

func (f *fakeStore) DecrConcurrentTasks(ctx context.Context, userID string) error {
	if f.concur[userID] > 0 {
		f.concur[userID]--
	}
	return nil
}

func (f *fakeStore) GetConcurrentTasks(ctx context.Context, userID string) (int, error) {
	return f.concur[userID], nil
}

func intp(n int) *int { return &n }

func TestEffective_PlanDefaultsNoOverride(t *testing.T) {
	fs := newFakeStore()
	fs.plans[1] = &domain.SubscriptionPlan{ID: 1, MaxRecordingsPerMonth: intp(10), MaxStorageGB: nil, MaxConcurrentTasks: intp(2)}
	l := New(fs, clock.NewFrozen(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)), storage.NewLayout(t.TempDir()))

	eq, err := l.Effective(context.Background(), "u1", 1)
	if err != nil {
		t.Fatalf("Effective: %v", err)
	}
	if v, _ := eq.MaxRecordingsPerMonth.Value(); v != 10 {
		t.Errorf("expected plan default 10, got %d", v)
	}
	if !eq.MaxStorageGB.IsUnlimited() {
		t.Errorf("expected unlimited storage, got finite")
	}
}

func TestEffective_OverrideWins(t *testing.T) {
	fs := newFakeStore()
	fs.plans[1] = &domain.SubscriptionPlan{ID: 1, MaxRecordingsPerMonth: intp(10)}
	fs.subs["u1"] = &domain.UserSubscription{UserID: "u1", PlanID: 1, CustomMaxRecordingsPerMonth: intp(999)}
	l := New(fs, clock.NewFrozen(time.Now().UTC()), storage.NewLayout(t.TempDir()))

	eq, err := l.Effective(context.Background(), "u1", 1)
	if err != nil {
		t.Fatalf("Effective: %v", err)
	}
	if v, _ := eq.MaxRecordingsPerMonth.Value(); v != 999 {
		t.Errorf("expected override 999, got %d", v)
	}
}

func TestCheckRecordings_DeniesAtLimit(t *testing.T) {
	fs := newFakeStore()
	fs.plans[1] = &domain.SubscriptionPlan{ID: 1, MaxRecordingsPerMonth: intp(2)}
	clk := clock.NewFrozen(time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC))
	l := New(fs, clk, storage.NewLayout(t.TempDir()))
	ctx := context.Background()

	if err := l.CheckRecordings(ctx, "u1", 1); err != nil {
		t.Fatalf("first check should pass: %v", err)
	}
	if err := l.TrackRecordingCreated(ctx, "u1"); err != nil {
		t.Fatalf("track: %v", err)
	}
	if err := l.CheckRecordings(ctx, "u1", 1); err != nil {
		t.Fatalf("second check should pass: %v", err)
	}
	if err := l.TrackRecordingCreated(ctx, "u1"); err != nil {
		t.Fatalf("track: %v", err)
	}

	err := l.CheckRecordings(ctx, "u1", 1)
	if err == nil {
		t.Fatal("expected denial at limit, got nil")
	}
	if !errs.Is(err, errs.KindQuotaDenied) {
		t.Errorf("expected KindQuotaDenied, got %v", err)
	}
}

func TestCheckRecordings_UnlimitedShortCircuits(t *testing.T) {
	fs := newFakeStore()
	fs.plans[1] = &domain.SubscriptionPlan{ID: 1, MaxRecordingsPerMonth: nil}
	l := New(fs, clock.NewFrozen(time.Now().UTC()), storage.NewLayout(t.TempDir()))

	if err := l.CheckRecordings(context.Background(), "u1", 1); err != nil {
		t.Fatalf("unlimited plan should never deny: %v", err)
	}
}

func TestCheckConcurrentTasks_Gauge(t *testing.T) {
	fs := newFakeStore()
	fs.plans[1] = &domain.SubscriptionPlan{ID: 1, MaxConcurrentTasks: intp(1)}
	l := New(fs, clock.NewFrozen(time.Now().UTC()), storage.NewLayout(t.TempDir()))
	ctx := context.Background()

	if err := l.CheckConcurrentTasks(ctx, "u1", 1); err != nil {
		t.Fatalf("should allow first task: %v", err)
	}
	if _, err := l.IncrConcurrentTasks(ctx, "u1"); err != nil {
		t.Fatalf("incr: %v", err)
	}

	if err := l.CheckConcurrentTasks(ctx, "u1", 1); !errs.Is(err, errs.KindQuotaDenied) {
		t.Errorf("expected denial with one in-flight task against limit 1, got %v", err)
	}

	if err := l.DecrConcurrentTasks(ctx, "u1"); err != nil {
		t.Fatalf("decr: %v", err)
	}
	if err := l.CheckConcurrentTasks(ctx, "u1", 1); err != nil {
		t.Errorf("should allow again after release: %v", err)
	}
}

func TestCheckConcurrentTasks_NeverGoesNegative(t *testing.T) {
	fs := newFakeStore()
	ctx := context.Background()
	if err := fs.DecrConcurrentTasks(ctx, "u1"); err != nil {
		t.Fatalf("decr on empty gauge: %v", err)
	}
	n, _ := fs.GetConcurrentTasks(ctx, "u1")
	if n != 0 {
		t.Errorf("expected floor at 0, got %d", n)
	}
}

func TestCheckStorage_ComputedFromDisk(t *testing.T) {
	root := t.TempDir()
	layout := storage.NewLayout(root)
	userDir := layout.UserRoot(7)
	if err := os.MkdirAll(userDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	// write 2MB of data
	data := make([]byte, 2*1024*1024)
	if err := os.WriteFile(filepath.Join(userDir, "blob.bin"), data, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	fs := newFakeStore()
	fs.plans[1] = &domain.SubscriptionPlan{ID: 1, MaxStorageGB: intp(1)} // 1GB, way above 2MB
	l := New(fs, clock.NewFrozen(time.Now().UTC()), layout)

	if err := l.CheckStorage(context.Background(), "u1", 1, 7); err != nil {
		t.Fatalf("2MB should be well under 1GB: %v", err)
	}
}

func TestCheckStorage_UnknownUserRootIsZero(t *testing.T) {
	fs := newFakeStore()
	fs.plans[1] = &domain.SubscriptionPlan{ID: 1, MaxStorageGB: intp(1)}
	l := New(fs, clock.NewFrozen(time.Now().UTC()), storage.NewLayout(t.TempDir()))

	if err := l.CheckStorage(context.Background(), "u1", 1, 999); err != nil {
		t.Fatalf("a user with no directory yet should have zero usage: %v", err)
	}
}

func TestEffective_MissingPlanIsError(t *testing.T) {
	fs := newFakeStore()
	l := New(fs, clock.NewFrozen(time.Now().UTC()), storage.NewLayout(t.TempDir()))
	_, err := l.Effective(context.Background(), "u1", 404)
	if err == nil {
		t.Fatal("expected error for missing plan")
	}
	var unwrapped *errs.Error
	if !errors.As(err, &unwrapped) {
		t.Errorf("expected *errs.Error, got %T", err)
	}
}
