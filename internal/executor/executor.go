// Package executor implements the Stage Executor (spec §4.6): runs one
// (recording, stage_type), admitting it through concurrency/quota checks,
// delegating the actual work to a StageAction, and applying the per-stage
// retry/rollback policy from the spec's policy table.
package executor

import (
	"context"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/reeltrack/orchestrator/internal/domain"
	"github.com/reeltrack/orchestrator/internal/errs"
)

// ActionResult is what a StageAction reports. A zero value means success.
// Skipped folds spec §4.6 step 5's "skipped(reason, meta)" outcome into the
// same return value as success rather than a separate sum type.
type ActionResult struct {
	Skipped    bool
	SkipReason string
	Meta       domain.RawConfig
}

func OK(meta domain.RawConfig) ActionResult { return ActionResult{Meta: meta} }
func Skipped(reason string, meta domain.RawConfig) ActionResult {
	return ActionResult{Skipped: true, SkipReason: reason, Meta: meta}
}

// StageAction is the out-of-scope collaborator that does the real work
// (download, trim, transcribe, extract topics, generate subtitles,
// upload). Errors are classified via errs.Kind: KindRetryableIO and
// KindFatalExternal are the two outcomes the executor's policy reacts to;
// anything else is treated as fatal.
type StageAction interface {
	Run(ctx context.Context, rec *domain.Recording) (ActionResult, error)
}

// Store is the subset of *store.Store the executor needs.
type Store interface {
	GetStage(ctx context.Context, recordingID string, stageType domain.StageType) (*domain.ProcessingStage, error)
	BeginStage(ctx context.Context, recordingID string, stageType domain.StageType, now time.Time) (*domain.ProcessingStage, error)
	FinalizeStage(ctx context.Context, recordingID string, stageType domain.StageType, status domain.StageStatus, at time.Time, skipReason, failedReason string, meta domain.RawConfig) error
	RollbackStageToPending(ctx context.Context, recordingID string, stageType domain.StageType) error
	UpdateRecordingStatus(ctx context.Context, id string, status domain.Status) error
	SetPause(ctx context.Context, id string, paused bool, at *time.Time) error
	MarkFailure(ctx context.Context, id, reason string, rollbackTo domain.Status, atStage string) error
	AppendStageTimingStart(ctx context.Context, recordingID string, stageType domain.StageType, substep string, attempt int, startedAt time.Time) (int64, error)
	FinalizeStageTiming(ctx context.Context, id int64, status domain.StageStatus, completedAt time.Time, durationSecs float64, errMsg string, meta domain.RawConfig) error
}

// QuotaAdmitter is the subset of the quota ledger the executor's step-2
// admission needs.
type QuotaAdmitter interface {
	CheckStorage(ctx context.Context, userID string, planID int64, userSlug int64) error
	CheckConcurrentTasks(ctx context.Context, userID string, planID int64) error
	IncrConcurrentTasks(ctx context.Context, userID string) (int, error)
	DecrConcurrentTasks(ctx context.Context, userID string) error
}

// Clock supplies now() for stage timing stamps.
type Clock interface {
	Now() time.Time
}

// policy is one row of spec §4.6's per-stage table.
type policy struct {
	maxRetries int
	newBackoff func() backoff.BackOff
	// rollbackOnExhaustion is the recording status to roll back to when
	// retries are exhausted but the last error was still retryable (not
	// fatal). The optional stages leave it empty and use skipInsteadOfFail;
	// UPLOAD leaves it empty too, so its exhaustion resets the stage row and
	// leaves the recording status unchanged.
	rollbackOnExhaustion domain.Status
	skipInsteadOfFail    bool // EXTRACT_TOPICS / GENERATE_SUBTITLES: fatal -> SKIPPED, never FAILED
	clearsPauseOnRollback bool
}

// Policies is the table from spec §4.6, grounded on the per-stage retry
// counts/backoffs/outcomes listed there.
var Policies = map[domain.StageType]policy{
	domain.StageDownload: {
		maxRetries: 10,
		newBackoff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 3 * time.Second
			b.MaxInterval = 30 * time.Second
			b.Multiplier = 1.4
			b.RandomizationFactor = 0
			return b
		},
		rollbackOnExhaustion:  domain.StatusInitialized,
		clearsPauseOnRollback: true,
	},
	domain.StageTrim: {
		maxRetries: 3,
		newBackoff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 5 * time.Second
			b.MaxInterval = 30 * time.Second
			b.Multiplier = 2.4
			b.RandomizationFactor = 0
			return b
		},
		rollbackOnExhaustion: domain.StatusDownloaded,
	},
	domain.StageTranscribe: {
		maxRetries: 3,
		newBackoff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 10 * time.Second
			b.MaxInterval = 60 * time.Second
			b.Multiplier = 2.4
			b.RandomizationFactor = 0
			return b
		},
		rollbackOnExhaustion: domain.StatusDownloaded,
	},
	domain.StageExtractTopics: {
		maxRetries: 2,
		newBackoff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 10 * time.Second
			b.MaxInterval = 30 * time.Second
			b.Multiplier = 3
			b.RandomizationFactor = 0
			return b
		},
		skipInsteadOfFail: true,
	},
	domain.StageGenerateSubtitles: {
		maxRetries: 2,
		newBackoff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 10 * time.Second
			b.MaxInterval = 30 * time.Second
			b.Multiplier = 3
			b.RandomizationFactor = 0
			return b
		},
		skipInsteadOfFail: true,
	},
	domain.StageUpload: {
		maxRetries: 5,
		newBackoff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 10 * time.Second
			b.MaxInterval = 300 * time.Second
			b.Multiplier = 2
			b.RandomizationFactor = 0
			return b
		},
	},
}

// DelayForAttempt returns the backoff delay that should elapse before the
// given retry attempt (1-indexed) for a stage, by replaying a fresh
// backoff.BackOff attempt times. Stage retry state lives in the database
// (ProcessingStage.RetryCount), not in an in-memory timer, so each
// invocation of the Stage Executor rebuilds the sequence instead of holding
// a live backoff.BackOff across process restarts.
func DelayForAttempt(stageType domain.StageType, attempt int) time.Duration {
	p, ok := Policies[stageType]
	if !ok || attempt <= 0 {
		return 0
	}
	b := p.newBackoff()
	var d time.Duration
	for i := 0; i < attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}

// Outcome is what one Execute call produced, for the orchestrator to act on.
type Outcome string

const (
	OutcomeCompleted        Outcome = "completed"
	OutcomeAlreadyCompleted Outcome = "already_completed"
	OutcomeSkipped          Outcome = "skipped"
	OutcomeConcurrentReject Outcome = "concurrent_stage_rejected"
	OutcomeQuotaSkipped     Outcome = "quota_skipped"
	OutcomeRetryScheduled   Outcome = "retry_scheduled"
	OutcomeFatal            Outcome = "fatal"
	OutcomeRolledBack       Outcome = "rolled_back_for_retry"
)

// Result is the executor's report for one Execute call.
type Result struct {
	Outcome    Outcome
	RetryDelay time.Duration // valid when Outcome == OutcomeRetryScheduled
}

// Executor is the Stage Executor component.
type Executor struct {
	store Store
	quota QuotaAdmitter
	clock Clock
}

func New(store Store, quota QuotaAdmitter, clk Clock) *Executor {
	return &Executor{store: store, quota: quota, clock: clk}
}

// Execute runs spec §4.6 steps 1-7 for one (recording, stage_type).
// userSlug is needed for the storage quota check (§4.2's filesystem-based
// CheckStorage).
func (e *Executor) Execute(ctx context.Context, rec *domain.Recording, planID int64, userSlug int64, stageType domain.StageType, action StageAction) (Result, error) {
	pol, ok := Policies[stageType]
	if !ok {
		return Result{}, errs.InvariantViolation("executor.Execute", "no policy registered for stage "+string(stageType))
	}
	// required mirrors spec §4.7's Required/Optional split: EXTRACT_TOPICS and
	// GENERATE_SUBTITLES never block a recording, every other stage type does
	// whenever Execute is asked to run it. This is a static property of the
	// stage type, not of whatever requiredStageSet the orchestrator used to
	// decide to call Execute in the first place.
	required := !domain.OptionalStages[stageType]

	// Step 1: admission.
	existing, err := e.store.GetStage(ctx, rec.ID, stageType)
	if err != nil {
		return Result{}, err
	}
	if existing != nil {
		switch existing.Status {
		case domain.StageCompleted:
			return Result{Outcome: OutcomeAlreadyCompleted}, nil
		case domain.StageInProgress:
			return Result{Outcome: OutcomeConcurrentReject}, nil
		case domain.StageFailed:
			if existing.RetryCount >= pol.maxRetries {
				return Result{Outcome: OutcomeFatal}, nil
			}
		}
	}

	// Step 2: quota admission.
	if needsStorageCheck(stageType) {
		if err := e.quota.CheckStorage(ctx, rec.UserID, planID, userSlug); err != nil {
			return e.skipForQuota(ctx, rec, stageType, required, err)
		}
	}
	if needsConcurrencyCheck(stageType) {
		if err := e.quota.CheckConcurrentTasks(ctx, rec.UserID, planID); err != nil {
			return e.skipForQuota(ctx, rec, stageType, required, err)
		}
	}

	now := e.clock.Now()

	// Step 3: begin.
	stage, err := e.store.BeginStage(ctx, rec.ID, stageType, now)
	if err != nil {
		if errs.Is(err, errs.KindConflict) {
			return Result{Outcome: OutcomeConcurrentReject}, nil
		}
		return Result{}, err
	}
	timingID, err := e.store.AppendStageTimingStart(ctx, rec.ID, stageType, "", stage.RetryCount, now)
	if err != nil {
		return Result{}, err
	}

	// Step 4: increment concurrent tasks.
	if _, err := e.quota.IncrConcurrentTasks(ctx, rec.UserID); err != nil {
		return Result{}, err
	}
	// Step 7: decrement, always.
	defer func() {
		_ = e.quota.DecrConcurrentTasks(ctx, rec.UserID)
	}()

	// Step 5: run.
	result, runErr := action.Run(ctx, rec)
	completedAt := e.clock.Now()
	duration := completedAt.Sub(now).Seconds()

	// Step 6: finalize.
	if runErr == nil && !result.Skipped {
		if err := e.store.FinalizeStage(ctx, rec.ID, stageType, domain.StageCompleted, completedAt, "", "", result.Meta); err != nil {
			return Result{}, err
		}
		_ = e.store.FinalizeStageTiming(ctx, timingID, domain.StageCompleted, completedAt, duration, "", result.Meta)
		return Result{Outcome: OutcomeCompleted}, nil
	}
	if runErr == nil && result.Skipped {
		if err := e.store.FinalizeStage(ctx, rec.ID, stageType, domain.StageSkipped, completedAt, result.SkipReason, "", result.Meta); err != nil {
			return Result{}, err
		}
		_ = e.store.FinalizeStageTiming(ctx, timingID, domain.StageSkipped, completedAt, duration, "", result.Meta)
		return Result{Outcome: OutcomeSkipped}, nil
	}

	return e.handleActionError(ctx, rec, stageType, pol, required, stage, timingID, now, completedAt, duration, runErr)
}

func (e *Executor) handleActionError(ctx context.Context, rec *domain.Recording, stageType domain.StageType, pol policy, required bool, stage *domain.ProcessingStage, timingID int64, startedAt, completedAt time.Time, duration float64, runErr error) (Result, error) {
	errMsg := runErr.Error()
	kind, _ := errs.KindOf(runErr)

	fatal := kind != errs.KindRetryableIO
	exhausted := stage.RetryCount >= pol.maxRetries

	if !fatal && !exhausted {
		if err := e.store.FinalizeStage(ctx, rec.ID, stageType, domain.StageFailed, completedAt, "", errMsg, nil); err != nil {
			return Result{}, err
		}
		_ = e.store.FinalizeStageTiming(ctx, timingID, domain.StageFailed, completedAt, duration, errMsg, nil)
		return Result{Outcome: OutcomeRetryScheduled, RetryDelay: DelayForAttempt(stageType, stage.RetryCount)}, nil
	}

	if pol.skipInsteadOfFail {
		if err := e.store.FinalizeStage(ctx, rec.ID, stageType, domain.StageSkipped, completedAt, "exhausted: "+errMsg, "", nil); err != nil {
			return Result{}, err
		}
		_ = e.store.FinalizeStageTiming(ctx, timingID, domain.StageSkipped, completedAt, duration, errMsg, nil)
		return Result{Outcome: OutcomeSkipped}, nil
	}

	if fatal {
		if err := e.store.FinalizeStage(ctx, rec.ID, stageType, domain.StageFailed, completedAt, "", errMsg, nil); err != nil {
			return Result{}, err
		}
		_ = e.store.FinalizeStageTiming(ctx, timingID, domain.StageFailed, completedAt, duration, errMsg, nil)
		if required {
			if err := e.store.MarkFailure(ctx, rec.ID, errMsg, domain.StatusFailed, stageFailureWord(stageType)); err != nil {
				return Result{}, err
			}
		}
		return Result{Outcome: OutcomeFatal}, nil
	}

	// Retryable exhaustion on a required stage: reset the stage row for a
	// fresh attempt and, when the policy names one, roll the recording back
	// to the pre-stage status.
	if err := e.store.RollbackStageToPending(ctx, rec.ID, stageType); err != nil {
		return Result{}, err
	}
	if pol.rollbackOnExhaustion != "" {
		if err := e.store.UpdateRecordingStatus(ctx, rec.ID, pol.rollbackOnExhaustion); err != nil {
			return Result{}, err
		}
	}
	if pol.clearsPauseOnRollback {
		if err := e.store.SetPause(ctx, rec.ID, false, nil); err != nil {
			return Result{}, err
		}
	}
	_ = e.store.FinalizeStageTiming(ctx, timingID, domain.StageFailed, completedAt, duration, errMsg, nil)
	return Result{Outcome: OutcomeRolledBack}, nil
}

// skipForQuota records the stage as SKIPPED with a skip_reason when
// admission denies it quota. A stage row must exist before it can carry a
// terminal status, so this opens and immediately closes the attempt rather
// than leaving the row absent. A quota denial on a required stage (every
// stage but EXTRACT_TOPICS/GENERATE_SUBTITLES) additionally marks the
// recording failed per spec §4.6/§7: "do not fail the recording unless the
// stage is on the required path" implies it must fail when it is.
func (e *Executor) skipForQuota(ctx context.Context, rec *domain.Recording, stageType domain.StageType, required bool, quotaErr error) (Result, error) {
	if !errs.Is(quotaErr, errs.KindQuotaDenied) {
		return Result{}, quotaErr
	}
	now := e.clock.Now()
	if _, err := e.store.BeginStage(ctx, rec.ID, stageType, now); err != nil {
		if !errs.Is(err, errs.KindConflict) {
			return Result{}, err
		}
		return Result{Outcome: OutcomeConcurrentReject}, nil
	}
	if err := e.store.FinalizeStage(ctx, rec.ID, stageType, domain.StageSkipped, now, quotaErr.Error(), "", nil); err != nil {
		return Result{}, err
	}
	if required {
		if err := e.store.MarkFailure(ctx, rec.ID, quotaErr.Error(), domain.StatusFailed, stageFailureWord(stageType)); err != nil {
			return Result{}, err
		}
		return Result{Outcome: OutcomeFatal}, nil
	}
	return Result{Outcome: OutcomeQuotaSkipped}, nil
}

func needsStorageCheck(stageType domain.StageType) bool {
	return stageType == domain.StageDownload || stageType == domain.StageUpload
}

func needsConcurrencyCheck(stageType domain.StageType) bool {
	return stageType == domain.StageDownload || stageType == domain.StageUpload || stageType == domain.StageTranscribe
}

// stageFailureWord maps a stage type to the lower-case gerund spec §8
// expects in failed_at_stage (e.g. "downloading" for DOWNLOAD), matching the
// original Python source's convention rather than the upper-case StageType
// constant.
func stageFailureWord(stageType domain.StageType) string {
	switch stageType {
	case domain.StageDownload:
		return "downloading"
	case domain.StageTrim:
		return "trimming"
	case domain.StageTranscribe:
		return "transcribing"
	case domain.StageExtractTopics:
		return "extracting_topics"
	case domain.StageGenerateSubtitles:
		return "generating_subtitles"
	case domain.StageUpload:
		return "uploading"
	default:
		return strings.ToLower(string(stageType))
	}
}
