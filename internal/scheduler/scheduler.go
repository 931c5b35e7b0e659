// Package scheduler implements the Automation Scheduler (spec §4.8): for
// each AutomationJob, canonicalizes its schedule to a cron expression plus
// timezone via github.com/robfig/cron/v3, computes next_run_at, and drives
// due jobs through Source Discovery and the Template Matcher.
package scheduler

import (
	"context"
	"encoding/json"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/reeltrack/orchestrator/internal/discovery"
	"github.com/reeltrack/orchestrator/internal/domain"
	"github.com/reeltrack/orchestrator/internal/errs"
	"github.com/reeltrack/orchestrator/internal/matcher"
)

// parser matches the 5-field expressions Schedule.Canonicalize produces —
// no seconds field, grounded on the pack's only real cron dependency
// (SPEC_FULL.md §4.8).
var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Store is the subset of *store.Store the scheduler needs.
type Store interface {
	GetJob(ctx context.Context, id int64) (*domain.AutomationJob, error)
	ListDueJobs(ctx context.Context, now time.Time) ([]*domain.AutomationJob, error)
	RecordJobRun(ctx context.Context, id int64, ranAt, nextRunAt time.Time) error
	SetNextRunAt(ctx context.Context, id int64, nextRunAt time.Time) error
	ListInputSourcesByIDs(ctx context.Context, ids []int64) ([]*domain.InputSource, error)
	RecordSync(ctx context.Context, id int64, at time.Time, syncErr string) error
	ApplyTemplate(ctx context.Context, id string, templateID int64, mergedPreferences domain.RawConfig) error
	GetOutputPresetsByIDs(ctx context.Context, ids []int64) ([]*domain.OutputPreset, error)
	CreateOutputTargets(ctx context.Context, recordingID string, targets []domain.OutputTarget) error
}

// QuotaEffective resolves effective quota, used to enforce the
// min-automation-interval check at tick time (spec §4.8 step 2).
type QuotaEffective interface {
	Effective(ctx context.Context, userID string, planID int64) (domain.EffectiveQuota, error)
}

// AdapterResolver looks up the live SourceAdapter for an InputSource. Left
// to the caller (out of core scope, spec §1) — the scheduler only needs
// "give me the adapter for this source."
type AdapterResolver interface {
	Resolve(src *domain.InputSource) (discovery.SourceAdapter, error)
}

// Clock supplies now().
type Clock interface {
	Now() time.Time
}

// RunOutcome is one job's result from a tick, for callers that want to
// observe what happened (tests, cmd/orchestrator logging).
type RunOutcome struct {
	JobID          int64
	Skipped        bool
	SkipReason     string
	DiscoveryRuns  []discovery.Result
	MatchedCount   int
	EnqueuedCount  int
}

// Scheduler is the Automation Scheduler component.
type Scheduler struct {
	store    Store
	quota    QuotaEffective
	disc     *discovery.Discovery
	match    *matcher.Matcher
	adapters AdapterResolver
	clock    Clock
	planOf   func(userID string) (int64, error)
}

func New(store Store, quota QuotaEffective, disc *discovery.Discovery, match *matcher.Matcher, adapters AdapterResolver, clk Clock, planOf func(userID string) (int64, error)) *Scheduler {
	return &Scheduler{store: store, quota: quota, disc: disc, match: match, adapters: adapters, clock: clk, planOf: planOf}
}

// NextRunAt computes the next fire time strictly after `after`, in UTC, for
// a job's canonicalized schedule (spec §4.8 "next_run_at = next cron fire
// time in UTC, computed in the job's timezone").
func NextRunAt(sched domain.Schedule, after time.Time) (time.Time, error) {
	cronExpr, tz, err := sched.Canonicalize()
	if err != nil {
		return time.Time{}, errs.Validation("scheduler.NextRunAt", err.Error())
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.Time{}, errs.Validation("scheduler.NextRunAt", "unknown timezone "+tz)
	}
	schedule, err := parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, errs.Validation("scheduler.NextRunAt", "invalid cron expression: "+err.Error())
	}
	localAfter := after.In(loc)
	next := schedule.Next(localAfter)
	return next.UTC(), nil
}

// ValidateInterval enforces spec §4.8/§6's "interval between consecutive
// fire times >= effective min_automation_interval_hours" at job-creation
// time, by comparing the first two computed fire times.
func ValidateInterval(sched domain.Schedule, from time.Time, minIntervalHr int) error {
	first, err := NextRunAt(sched, from)
	if err != nil {
		return err
	}
	second, err := NextRunAt(sched, first)
	if err != nil {
		return err
	}
	gap := second.Sub(first)
	if gap < time.Duration(minIntervalHr)*time.Hour {
		return errs.Validation("scheduler.ValidateInterval", "schedule interval violates min_automation_interval_hours")
	}
	return nil
}

// Tick runs one scheduler cycle: pulls all due jobs and runs each (spec
// §4.8 "a single scheduler tick wakes on the minimum next_run_at ... and
// for each due job: ..."). Per-job errors do not abort the tick; they are
// returned alongside successful outcomes so the caller can log and move on.
func (s *Scheduler) Tick(ctx context.Context) ([]RunOutcome, []error) {
	now := s.clock.Now()
	due, err := s.store.ListDueJobs(ctx, now)
	if err != nil {
		return nil, []error{err}
	}
	var outcomes []RunOutcome
	var errsOut []error
	for _, job := range due {
		out, err := s.runOne(ctx, job, now, false)
		if err != nil {
			errsOut = append(errsOut, err)
			continue
		}
		outcomes = append(outcomes, out)
	}
	return outcomes, errsOut
}

// TriggerJob implements spec §4.10's trigger_job(dry_run?): runs (or
// previews) a single job immediately, independent of its schedule.
func (s *Scheduler) TriggerJob(ctx context.Context, jobID int64, dryRun bool) (RunOutcome, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return RunOutcome{}, err
	}
	return s.runOne(ctx, job, s.clock.Now(), dryRun)
}

func (s *Scheduler) runOne(ctx context.Context, job *domain.AutomationJob, now time.Time, dryRun bool) (RunOutcome, error) {
	out := RunOutcome{JobID: job.ID}

	if !job.IsActive {
		out.Skipped = true
		out.SkipReason = "job inactive"
		if !dryRun {
			if err := s.recompute(ctx, job, now); err != nil {
				return out, err
			}
		}
		return out, nil
	}

	planID, err := s.planOf(job.UserID)
	if err != nil {
		return out, err
	}
	eq, err := s.quota.Effective(ctx, job.UserID, planID)
	if err != nil {
		return out, err
	}
	if job.NextRunAt != nil && job.LastRunAt != nil {
		if job.NextRunAt.Sub(*job.LastRunAt) < time.Duration(eq.MinAutomationIntervalHr)*time.Hour {
			out.Skipped = true
			out.SkipReason = "would violate min_automation_interval_hours"
			if !dryRun {
				if err := s.recompute(ctx, job, now); err != nil {
					return out, err
				}
			}
			return out, nil
		}
	}

	results, err := s.runJob(ctx, job, planID, now, dryRun)
	if err != nil {
		return out, err
	}
	out.DiscoveryRuns = results

	for _, r := range results {
		if r.Recording == nil || r.Outcome != discovery.OutcomeCreated {
			continue
		}
		cand := matcher.Candidate{DisplayName: r.Recording.DisplayName, InputSourceID: r.Recording.InputSourceID}

		if dryRun {
			tmpl, merr := s.match.Preview(ctx, job.UserID, cand)
			if merr != nil {
				return out, merr
			}
			if tmpl != nil {
				out.MatchedCount++
			}
			continue
		}

		tmpl, merr := s.match.Match(ctx, job.UserID, cand)
		if merr != nil {
			return out, merr
		}
		if tmpl == nil {
			continue
		}
		out.MatchedCount++
		if err := s.applyTemplate(ctx, r.Recording, tmpl); err != nil {
			return out, err
		}
		out.EnqueuedCount++
	}

	if !dryRun {
		if err := s.store.RecordJobRun(ctx, job.ID, now, mustNext(job.Schedule, now)); err != nil {
			return out, err
		}
	}
	return out, nil
}

// runJob implements spec §4.8's run_job/dry_run_job body: for each
// configured source, discover since max(source.last_sync_at, now -
// sync_config.sync_days). dry_run_job runs the identical adapter/dedup pass
// through discovery.Preview instead of discovery.Run, so it reports the same
// counts and candidate classification without creating recordings, metadata,
// or touching quota or last_sync_at (spec §4.8 "same discovery pass, but
// only reports counts and the template plan; writes nothing").
func (s *Scheduler) runJob(ctx context.Context, job *domain.AutomationJob, planID int64, now time.Time, dryRun bool) ([]discovery.Result, error) {
	sources, err := s.store.ListInputSourcesByIDs(ctx, job.SyncConfig.SourceIDs)
	if err != nil {
		return nil, err
	}
	var all []discovery.Result
	for _, src := range sources {
		since := now.AddDate(0, 0, -job.SyncConfig.SyncDays)
		if src.LastSyncAt != nil && src.LastSyncAt.After(since) {
			since = *src.LastSyncAt
		}
		adapter, err := s.adapters.Resolve(src)
		if err != nil {
			if !dryRun {
				_ = s.store.RecordSync(ctx, src.ID, now, err.Error())
			}
			continue
		}

		if dryRun {
			results, err := s.disc.Preview(ctx, adapter, job.UserID, &src.ID, since, now, asStringMap(job.Filters))
			if err != nil {
				continue
			}
			all = append(all, results...)
			continue
		}

		results, err := s.disc.Run(ctx, adapter, job.UserID, planID, &src.ID, since, now, asStringMap(job.Filters))
		if err != nil {
			_ = s.store.RecordSync(ctx, src.ID, now, err.Error())
			continue
		}
		_ = s.store.RecordSync(ctx, src.ID, now, "")
		all = append(all, results...)
	}
	return all, nil
}

// applyTemplate implements spec §4.4's Apply step plus the materialization
// of OutputTarget rows when output_config enables auto_upload, so the
// orchestrator's requiredStageSet sees at least one target and schedules
// UPLOAD (spec §4.7 "Required: ... UPLOAD (only if at least one target
// configured)").
func (s *Scheduler) applyTemplate(ctx context.Context, rec *domain.Recording, tmpl *domain.RecordingTemplate) error {
	processing, output := matcher.Apply(rec.Preferences, tmpl)
	if err := s.store.ApplyTemplate(ctx, rec.ID, tmpl.ID, processing); err != nil {
		return err
	}

	var outCfg domain.OutputConfig
	if len(output) > 0 {
		if b, err := json.Marshal(output); err == nil {
			_ = json.Unmarshal(b, &outCfg)
		}
	}
	if !outCfg.AutoUpload || len(outCfg.PresetIDs) == 0 {
		return nil
	}
	presets, err := s.store.GetOutputPresetsByIDs(ctx, outCfg.PresetIDs)
	if err != nil {
		return err
	}
	targets := make([]domain.OutputTarget, 0, len(presets))
	for _, p := range presets {
		targets = append(targets, domain.OutputTarget{TargetType: p.Platform, PresetID: p.ID})
	}
	return s.store.CreateOutputTargets(ctx, rec.ID, targets)
}

func (s *Scheduler) recompute(ctx context.Context, job *domain.AutomationJob, now time.Time) error {
	next, err := NextRunAt(job.Schedule, now)
	if err != nil {
		return err
	}
	return s.store.SetNextRunAt(ctx, job.ID, next)
}

// mustNext is used only after ValidateInterval/Effective have already
// proven the schedule canonicalizes; a failure here means the schedule
// changed underneath a running job, which is an invariant violation rather
// than a normal error path.
func mustNext(sched domain.Schedule, after time.Time) time.Time {
	next, err := NextRunAt(sched, after)
	if err != nil {
		panic(errs.InvariantViolation("scheduler.mustNext", err.Error()))
	}
	return next
}

// asStringMap narrows a RawConfig filters bag to map[string]string for the
// SourceAdapter.List contract; non-string values are dropped rather than
// stringified, since filters are expected to be simple key/value pairs.
func asStringMap(raw domain.RawConfig) map[string]string {
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out
}
