// Package orchestrator implements the Pipeline Orchestrator (spec §4.7):
// advances one recording through its required stages in canonical order,
// rederives its aggregate status from the stage rows after every step, and
// honors pause/resume and soft-delete cancellation.
package orchestrator

import (
	"context"
	"time"

	"github.com/reeltrack/orchestrator/internal/domain"
	"github.com/reeltrack/orchestrator/internal/executor"
)

// RequiredStages computes which of the optional processing stages are
// enabled for a recording from its (already-merged) processing preferences.
// DOWNLOAD is always required; UPLOAD's requirement depends on the output
// target count, which lives outside ProcessingConfig, so callers that need
// the full required set append it themselves (see requiredStageSet).
//
// Pure and unit-testable without any I/O, per SPEC_FULL.md's "added detail"
// for this component.
func RequiredStages(prefs domain.ProcessingConfig) []domain.StageType {
	stages := []domain.StageType{domain.StageDownload}
	if prefs.Trim.Enable {
		stages = append(stages, domain.StageTrim)
	}
	if prefs.Transcription.Enable {
		stages = append(stages, domain.StageTranscribe)
	}
	if prefs.Topics.Enable {
		stages = append(stages, domain.StageExtractTopics)
	}
	if prefs.Subtitles.Enable {
		stages = append(stages, domain.StageGenerateSubtitles)
	}
	return stages
}

// requiredStageSet adds UPLOAD when at least one output target is
// configured, and returns the required stages as an unordered set; callers
// that need order walk domain.CanonicalStageOrder against it.
func requiredStageSet(prefs domain.ProcessingConfig, targetCount int) map[domain.StageType]bool {
	set := make(map[domain.StageType]bool)
	for _, st := range RequiredStages(prefs) {
		set[st] = true
	}
	if targetCount > 0 {
		set[domain.StageUpload] = true
	}
	return set
}

func byType(stages []*domain.ProcessingStage) map[domain.StageType]*domain.ProcessingStage {
	m := make(map[domain.StageType]*domain.ProcessingStage, len(stages))
	for _, s := range stages {
		m[s.StageType] = s
	}
	return m
}

// DeriveStatus rederives the recording's aggregate status from its stage
// rows, per the finite-state diagram in spec §4.7. It never consults
// delete_state (DeleteState is tracked orthogonally, per domain.Status.Terminal)
// and treats rec.Failed as authoritative once set, since mark_failure has
// already rolled the stored status back by the time this runs.
//
// Pure, satisfying the §3 global invariant "status is a function of the
// stage rows" as a property test.
func DeriveStatus(stages []*domain.ProcessingStage, rec domain.Recording) domain.Status {
	if rec.Status == domain.StatusPendingSource || rec.Status == domain.StatusExpired {
		return rec.Status
	}
	if rec.Failed {
		return domain.StatusFailed
	}

	rows := byType(stages)

	download := rows[domain.StageDownload]
	if download == nil || download.Status == domain.StagePending {
		return domain.StatusInitialized
	}
	if download.Status == domain.StageInProgress {
		return domain.StatusDownloading
	}
	if download.Status == domain.StageFailed {
		// A required-stage retry exhaustion already rolled the stage row
		// back to PENDING; a lingering FAILED row with no further retries
		// scheduled means mark_failure should have fired. Treat as not yet
		// progressed rather than guessing.
		return domain.StatusInitialized
	}

	middle := []domain.StageType{domain.StageTrim, domain.StageTranscribe, domain.StageExtractTopics, domain.StageGenerateSubtitles}
	allMiddleTerminal := true
	for _, st := range middle {
		row, ok := rows[st]
		if !ok {
			continue // not a required stage for this recording
		}
		// FAILED is not "done": a retryable error may still have attempts
		// left, indistinguishable here from exhaustion (which resets the
		// row to PENDING instead). Only COMPLETED/SKIPPED end the stage.
		if row.Status != domain.StageCompleted && row.Status != domain.StageSkipped {
			allMiddleTerminal = false
		}
	}

	upload := rows[domain.StageUpload]
	if upload == nil {
		if allMiddleTerminal {
			return domain.StatusProcessed
		}
		return domain.StatusProcessing
	}
	switch upload.Status {
	case domain.StageInProgress:
		return domain.StatusUploading
	case domain.StageCompleted, domain.StageSkipped:
		return domain.StatusReady
	default:
		if allMiddleTerminal {
			return domain.StatusProcessed
		}
		return domain.StatusProcessing
	}
}

// Store is the subset of *store.Store the orchestrator needs.
type Store interface {
	GetRecording(ctx context.Context, id string, admin bool) (*domain.Recording, error)
	ListStages(ctx context.Context, recordingID string) ([]*domain.ProcessingStage, error)
	ListOutputTargets(ctx context.Context, recordingID string) ([]*domain.OutputTarget, error)
	UpdateRecordingStatus(ctx context.Context, id string, status domain.Status) error
	StampPipelineStarted(ctx context.Context, id string, at time.Time) error
	StampPipelineCompleted(ctx context.Context, id string, at time.Time) error
}

// Executor is the subset of *executor.Executor the orchestrator drives.
type Executor interface {
	Execute(ctx context.Context, rec *domain.Recording, planID int64, userSlug int64, stageType domain.StageType, action executor.StageAction) (executor.Result, error)
}

// Clock supplies now() for the pipeline timing stamps.
type Clock interface {
	Now() time.Time
}

// ActionProvider resolves the out-of-scope collaborator that performs one
// stage's real work. Implementations live outside this core module.
type ActionProvider interface {
	ActionFor(stageType domain.StageType) executor.StageAction
}

// Orchestrator is the Pipeline Orchestrator component.
type Orchestrator struct {
	store Store
	exec  Executor
	clock Clock
}

func New(store Store, exec Executor, clk Clock) *Orchestrator {
	return &Orchestrator{store: store, exec: exec, clock: clk}
}

// TickResult reports what one Advance call did, for the caller's logging
// and for scenario tests.
type TickResult struct {
	Advanced  bool
	StageType domain.StageType
	Outcome   executor.Outcome
	Status    domain.Status
}

// Advance runs at most one stage attempt for a recording and rederives its
// aggregate status afterward (spec §4.7, §5's "never starts stage N+1
// before stage N reaches a terminal state").
func (o *Orchestrator) Advance(ctx context.Context, recordingID string, prefs domain.ProcessingConfig, planID int64, userSlug int64, actions ActionProvider) (TickResult, error) {
	rec, err := o.store.GetRecording(ctx, recordingID, true)
	if err != nil {
		return TickResult{}, err
	}

	// Cancellation: soft/hard deleted recordings are never scheduled
	// further; running stages (there are none here, Advance is synchronous)
	// are left alone.
	if rec.DeleteState != domain.DeleteActive {
		return TickResult{Status: rec.Status}, nil
	}

	// Pause: cooperative, so Advance simply declines to start new work.
	// A stage already IN_PROGRESS is never observed here since Advance
	// itself runs stages to completion before returning.
	if rec.OnPause {
		return TickResult{Status: rec.Status}, nil
	}

	if rec.Status.Terminal() {
		return TickResult{Status: rec.Status}, nil
	}

	stages, err := o.store.ListStages(ctx, recordingID)
	if err != nil {
		return TickResult{}, err
	}
	targets, err := o.store.ListOutputTargets(ctx, recordingID)
	if err != nil {
		return TickResult{}, err
	}
	required := requiredStageSet(prefs, len(targets))
	rows := byType(stages)

	next, ok := nextStage(required, rows)
	if !ok {
		// Every required stage has reached a terminal state; just rederive
		// and persist the status (covers the case where Advance is called
		// again after the last stage finished out-of-band).
		status := DeriveStatus(stages, *rec)
		return o.finish(ctx, rec, stages, status, TickResult{Status: status})
	}

	if rec.PipelineStartedAt == nil && next == domain.StageDownload {
		if err := o.store.StampPipelineStarted(ctx, rec.ID, o.clock.Now()); err != nil {
			return TickResult{}, err
		}
	}

	result, err := o.exec.Execute(ctx, rec, planID, userSlug, next, actions.ActionFor(next))
	if err != nil {
		return TickResult{}, err
	}

	// Re-read the stage rows touched by Execute so DeriveStatus sees the
	// fresh state.
	stages, err = o.store.ListStages(ctx, recordingID)
	if err != nil {
		return TickResult{}, err
	}
	status := DeriveStatus(stages, *rec)
	tick := TickResult{Advanced: true, StageType: next, Outcome: result.Outcome, Status: status}
	return o.finish(ctx, rec, stages, status, tick)
}

func (o *Orchestrator) finish(ctx context.Context, rec *domain.Recording, stages []*domain.ProcessingStage, status domain.Status, tick TickResult) (TickResult, error) {
	if status != rec.Status {
		if err := o.store.UpdateRecordingStatus(ctx, rec.ID, status); err != nil {
			return TickResult{}, err
		}
	}
	if status.Terminal() && rec.PipelineCompletedAt == nil {
		if err := o.store.StampPipelineCompleted(ctx, rec.ID, o.clock.Now()); err != nil {
			return TickResult{}, err
		}
	}
	return tick, nil
}

// nextStage finds the first required stage (in canonical order) that still
// needs an attempt. A FAILED row is not "done" here even though
// StageStatus.Terminal() reports it as terminal at the single-attempt
// level: it means a retryable error left retries remaining, and the Stage
// Executor's own admission step (GetStage) is what decides whether that
// retry is still allowed or the stage has in fact been exhausted and rolled
// back to PENDING. Only COMPLETED and SKIPPED mean "move past this stage".
func nextStage(required map[domain.StageType]bool, rows map[domain.StageType]*domain.ProcessingStage) (domain.StageType, bool) {
	for _, st := range domain.CanonicalStageOrder {
		if !required[st] {
			continue
		}
		row, ok := rows[st]
		if !ok {
			return st, true
		}
		if row.Status == domain.StageCompleted || row.Status == domain.StageSkipped {
			continue
		}
		return st, true
	}
	return "", false
}
