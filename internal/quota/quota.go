// Package quota implements the Quota Ledger (spec §4.2): resolving a user's
// effective limits from plan defaults and per-user overrides, admission
// checks against those limits, and the counters the Stage Executor and
// Source Discovery mutate on admission.
package quota

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/reeltrack/orchestrator/internal/clock"
	"github.com/reeltrack/orchestrator/internal/domain"
	"github.com/reeltrack/orchestrator/internal/errs"
	"github.com/reeltrack/orchestrator/internal/storage"
)

// Store is the subset of *store.Store the ledger needs, kept as an
// interface so tests can fake it without a Postgres instance.
type Store interface {
	GetSubscriptionPlan(ctx context.Context, planID int64) (*domain.SubscriptionPlan, error)
	GetUserSubscription(ctx context.Context, userID string) (*domain.UserSubscription, error)
	GetOrInitQuotaUsage(ctx context.Context, userID string, period domain.Period) (*domain.QuotaUsage, error)
	IncrRecordingsCount(ctx context.Context, userID string, period domain.Period) error
	IncrConcurrentTasks(ctx context.Context, userID string) (int, error)
	DecrConcurrentTasks(ctx context.Context, userID string) error
	GetConcurrentTasks(ctx context.Context, userID string) (int, error)
}

// Ledger is the Quota Ledger component.
type Ledger struct {
	store  Store
	clock  clock.Clock
	layout storage.Layout
}

func New(store Store, clk clock.Clock, layout storage.Layout) *Ledger {
	return &Ledger{store: store, clock: clk, layout: layout}
}

// Effective resolves spec §4.2's `effective(user)`: plan defaults with any
// per-user override taking precedence field-by-field. A nil plan pointer
// field and a nil override both mean "unlimited" — only a non-nil override
// or plan value produces a finite Limit.
func (l *Ledger) Effective(ctx context.Context, userID string, planID int64) (domain.EffectiveQuota, error) {
	plan, err := l.store.GetSubscriptionPlan(ctx, planID)
	if err != nil {
		return domain.EffectiveQuota{}, errs.New(errs.KindRetryableIO, "quota.Effective", err)
	}
	var override *domain.UserSubscription
	sub, err := l.store.GetUserSubscription(ctx, userID)
	if err == nil {
		override = sub
	} else if errs.Is(err, errs.KindNotFound) {
		override = nil
	} else {
		return domain.EffectiveQuota{}, errs.New(errs.KindRetryableIO, "quota.Effective", err)
	}

	eq := domain.EffectiveQuota{
		MaxRecordingsPerMonth:   resolve(plan.MaxRecordingsPerMonth, customOf(override, func(u *domain.UserSubscription) *int { return u.CustomMaxRecordingsPerMonth })),
		MaxStorageGB:            resolve(plan.MaxStorageGB, customOf(override, func(u *domain.UserSubscription) *int { return u.CustomMaxStorageGB })),
		MaxConcurrentTasks:      resolve(plan.MaxConcurrentTasks, customOf(override, func(u *domain.UserSubscription) *int { return u.CustomMaxConcurrentTasks })),
		MaxAutomationJobs:       resolve(plan.MaxAutomationJobs, customOf(override, func(u *domain.UserSubscription) *int { return u.CustomMaxAutomationJobs })),
		MinAutomationIntervalHr: 1,
	}
	if v := customOf(override, func(u *domain.UserSubscription) *int { return u.CustomMinAutomationIntervalHr }); v != nil {
		eq.MinAutomationIntervalHr = *v
	} else if plan.MinAutomationIntervalHr != nil {
		eq.MinAutomationIntervalHr = *plan.MinAutomationIntervalHr
	}
	return eq, nil
}

func customOf(u *domain.UserSubscription, f func(*domain.UserSubscription) *int) *int {
	if u == nil {
		return nil
	}
	return f(u)
}

// resolve prefers the override when present, else falls back to the plan
// default; either being nil means unlimited.
func resolve(planDefault, override *int) domain.Limit {
	if override != nil {
		return domain.LimitOf(*override)
	}
	if planDefault != nil {
		return domain.LimitOf(*planDefault)
	}
	return domain.Unlimited()
}

// CheckRecordings implements `check_recordings(user)`.
func (l *Ledger) CheckRecordings(ctx context.Context, userID string, planID int64) error {
	eq, err := l.Effective(ctx, userID, planID)
	if err != nil {
		return err
	}
	if eq.MaxRecordingsPerMonth.IsUnlimited() {
		return nil
	}
	usage, err := l.store.GetOrInitQuotaUsage(ctx, userID, domain.Period(clock.Period(l.clock.Now())))
	if err != nil {
		return errs.New(errs.KindRetryableIO, "quota.CheckRecordings", err)
	}
	if !eq.MaxRecordingsPerMonth.Allows(usage.RecordingsCount) {
		return errs.QuotaDenied("quota.CheckRecordings", string(domain.DenyMonthlyRecordings))
	}
	return nil
}

// CheckStorage implements `check_storage(user, user_slug)`: computed live
// from the filesystem under the user's storage root, never cached (spec
// §4.2: "the result is not persisted").
func (l *Ledger) CheckStorage(ctx context.Context, userID string, planID int64, userSlug int64) error {
	eq, err := l.Effective(ctx, userID, planID)
	if err != nil {
		return err
	}
	if eq.MaxStorageGB.IsUnlimited() {
		return nil
	}
	usedBytes, err := dirSize(l.layout.UserRoot(userSlug))
	if err != nil {
		return errs.New(errs.KindRetryableIO, "quota.CheckStorage", err)
	}
	limitGB, _ := eq.MaxStorageGB.Value()
	limitBytes := int64(limitGB) * 1024 * 1024 * 1024
	if usedBytes >= limitBytes {
		return errs.QuotaDenied("quota.CheckStorage", string(domain.DenyStorage))
	}
	return nil
}

// CheckConcurrentTasks implements `check_concurrent_tasks(user)`.
func (l *Ledger) CheckConcurrentTasks(ctx context.Context, userID string, planID int64) error {
	eq, err := l.Effective(ctx, userID, planID)
	if err != nil {
		return err
	}
	if eq.MaxConcurrentTasks.IsUnlimited() {
		return nil
	}
	n, err := l.store.GetConcurrentTasks(ctx, userID)
	if err != nil {
		return errs.New(errs.KindRetryableIO, "quota.CheckConcurrentTasks", err)
	}
	if !eq.MaxConcurrentTasks.Allows(n) {
		return errs.QuotaDenied("quota.CheckConcurrentTasks", string(domain.DenyConcurrentTasks))
	}
	return nil
}

// TrackRecordingCreated implements `track_recording_created(user)`: an
// atomic +1 on the current period row, creating it if absent.
func (l *Ledger) TrackRecordingCreated(ctx context.Context, userID string) error {
	return l.store.IncrRecordingsCount(ctx, userID, domain.Period(clock.Period(l.clock.Now())))
}

// IncrConcurrentTasks and DecrConcurrentTasks implement
// `set_concurrent_tasks(user, n)` as the two deltas callers actually need
// (spec §4.2: "callers compute max(0, current ± Δ) and write") — the
// executor always moves the gauge by exactly one stage at a time, so the
// ledger exposes the increment/decrement directly rather than a raw setter.
func (l *Ledger) IncrConcurrentTasks(ctx context.Context, userID string) (int, error) {
	return l.store.IncrConcurrentTasks(ctx, userID)
}

func (l *Ledger) DecrConcurrentTasks(ctx context.Context, userID string) error {
	return l.store.DecrConcurrentTasks(ctx, userID)
}

// StorageUsedBytes exposes the same live filesystem scan CheckStorage uses
// internally, for the Service API's get_quota_status (spec §4.10) — reported
// alongside the effective limit, never persisted.
func (l *Ledger) StorageUsedBytes(userSlug int64) (int64, error) {
	return dirSize(l.layout.UserRoot(userSlug))
}

// dirSize sums file sizes under root. A user who has never written to their
// storage root has no directory yet, which is zero bytes used, not an error.
func dirSize(root string) (int64, error) {
	if _, err := os.Stat(root); os.IsNotExist(err) {
		return 0, nil
	}
	var total int64
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		total += info.Size()
		return nil
	})
	return total, err
}
