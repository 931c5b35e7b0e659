package executor

import (
	"context"
	"testing"
	"time"

	"github.com/reeltrack/orchestrator/internal/domain"
	"github.com/reeltrack/orchestrator/internal/errs"
)

type stageRow struct {
	status       domain.StageStatus
	retryCount   int
	skipReason   string
	failedReason string
}

type fakeStore struct {
	stages      map[domain.StageType]*stageRow
	failures    []string
	rollbacks   []domain.Status
	pausesCleared int
}

func newFakeStore() *fakeStore {
	return &fakeStore{stages: map[domain.StageType]*stageRow{}}
}

func (f *fakeStore) GetStage(ctx context.Context, recordingID string, stageType domain.StageType) (*domain.ProcessingStage, error) {
	r, ok := f.stages[stageType]
	if !ok {
		return nil, nil
	}
	return &domain.ProcessingStage{RecordingID: recordingID, StageType: stageType, Status: r.status, RetryCount: r.retryCount}, nil
}

func (f *fakeStore) BeginStage(ctx context.Context, recordingID string, stageType domain.StageType, now time.Time) (*domain.ProcessingStage, error) {
	r, ok := f.stages[stageType]
	if !ok {
		r = &stageRow{}
		f.stages[stageType] = r
	}
	if r.status == domain.StageInProgress {
		return nil, errs.Conflict("fake.BeginStage", "already in progress")
	}
	r.status = domain.StageInProgress
	r.retryCount++
	return &domain.ProcessingStage{RecordingID: recordingID, StageType: stageType, Status: r.status, RetryCount: r.retryCount}, nil
}

func (f *fakeStore) FinalizeStage(ctx context.Context, recordingID string, stageType domain.StageType, status domain.StageStatus, at time.Time, skipReason, failedReason string, meta domain.RawConfig) error {
	r := f.stages[stageType]
	r.status = status
	r.skipReason = skipReason
	r.failedReason = failedReason
	return nil
}

func (f *fakeStore) RollbackStageToPending(ctx context.Context, recordingID string, stageType domain.StageType) error {
	f.stages[stageType].status = domain.StagePending
	return nil
}

func (f *fakeStore) UpdateRecordingStatus(ctx context.Context, id string, status domain.Status) error {
	f.rollbacks = append(f.rollbacks, status)
	return nil
}

func (f *fakeStore) SetPause(ctx context.Context, id string, paused bool, at *time.Time) error {
	if !paused {
		f.pausesCleared++
	}
	return nil
}

func (f *fakeStore) MarkFailure(ctx context.Context, id, reason string, rollbackTo domain.Status, atStage string) error {
	f.failures = append(f.failures, reason)
	return nil
}

func (f *fakeStore) AppendStageTimingStart(ctx context.Context, recordingID string, stageType domain.StageType, substep string, attempt int, startedAt time.Time) (int64, error) {
	return int64(attempt), nil
}

func (f *fakeStore) FinalizeStageTiming(ctx context.Context, id int64, status domain.StageStatus, completedAt time.Time, durationSecs float64, errMsg string, meta domain.RawConfig) error {
	return nil
}

type fakeQuota struct{ denies bool }

func (q *fakeQuota) CheckStorage(ctx context.Context, userID string, planID int64, userSlug int64) error {
	if q.denies {
		return errs.QuotaDenied("fake.CheckStorage", "storage_exhausted")
	}
	return nil
}
func (q *fakeQuota) CheckConcurrentTasks(ctx context.Context, userID string, planID int64) error {
	if q.denies {
		return errs.QuotaDenied("fake.CheckConcurrentTasks", "concurrent_tasks_exhausted")
	}
	return nil
}
func (q *fakeQuota) IncrConcurrentTasks(ctx context.Context, userID string) (int, error) { return 1, nil }
func (q *fakeQuota) DecrConcurrentTasks(ctx context.Context, userID string) error        { return nil }

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

type fatalAction struct{}

func (fatalAction) Run(ctx context.Context, rec *domain.Recording) (ActionResult, error) {
	return ActionResult{}, errs.FatalExternal("action.Run", errs_test_err("404 not found"))
}

type retryableAction struct{}

func (retryableAction) Run(ctx context.Context, rec *domain.Recording) (ActionResult, error) {
	return ActionResult{}, errs.RetryableIO("action.Run", errs_test_err("503"))
}

type okAction struct{}

func (okAction) Run(ctx context.Context, rec *domain.Recording) (ActionResult, error) {
	return OK(domain.RawConfig{"bytes": 123}), nil
}

// errs_test_err avoids importing "errors" purely for a one-liner sentinel.
type errs_test_err string

func (e errs_test_err) Error() string { return string(e) }

func TestExecute_HappyPathCompletes(t *testing.T) {
	fs := newFakeStore()
	fq := &fakeQuota{}
	e := New(fs, fq, fixedClock{time.Now()})
	rec := &domain.Recording{ID: "r1", UserID: "u1"}

	res, err := e.Execute(context.Background(), rec, 1, 1, domain.StageDownload, okAction{})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Outcome != OutcomeCompleted {
		t.Fatalf("expected completed, got %s", res.Outcome)
	}
	if fs.stages[domain.StageDownload].status != domain.StageCompleted {
		t.Errorf("expected stage row COMPLETED, got %s", fs.stages[domain.StageDownload].status)
	}
}

func TestExecute_AlreadyCompletedIsIdempotent(t *testing.T) {
	fs := newFakeStore()
	fs.stages[domain.StageDownload] = &stageRow{status: domain.StageCompleted}
	e := New(fs, &fakeQuota{}, fixedClock{time.Now()})
	rec := &domain.Recording{ID: "r1", UserID: "u1"}

	res, err := e.Execute(context.Background(), rec, 1, 1, domain.StageDownload, fatalAction{})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Outcome != OutcomeAlreadyCompleted {
		t.Fatalf("expected already_completed without running the action, got %s", res.Outcome)
	}
}

func TestExecute_ConcurrentStageRejected(t *testing.T) {
	fs := newFakeStore()
	fs.stages[domain.StageDownload] = &stageRow{status: domain.StageInProgress}
	e := New(fs, &fakeQuota{}, fixedClock{time.Now()})
	rec := &domain.Recording{ID: "r1", UserID: "u1"}

	res, err := e.Execute(context.Background(), rec, 1, 1, domain.StageDownload, okAction{})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Outcome != OutcomeConcurrentReject {
		t.Fatalf("expected concurrent_stage_rejected, got %s", res.Outcome)
	}
}

func TestExecute_RetryableThenFatalExhaustion(t *testing.T) {
	fs := newFakeStore()
	e := New(fs, &fakeQuota{}, fixedClock{time.Now()})
	rec := &domain.Recording{ID: "r1", UserID: "u1"}

	// Four retryable failures (retry_count reaches 4, under the DOWNLOAD
	// policy's max of 10), each should come back as retry_scheduled.
	for i := 0; i < 4; i++ {
		res, err := e.Execute(context.Background(), rec, 1, 1, domain.StageDownload, retryableAction{})
		if err != nil {
			t.Fatalf("attempt %d: %v", i, err)
		}
		if res.Outcome != OutcomeRetryScheduled {
			t.Fatalf("attempt %d: expected retry_scheduled, got %s", i, res.Outcome)
		}
	}

	// Fifth attempt returns fatal (404) — becomes FAILED regardless of
	// remaining retry budget, via the executor's fatal-error path
	// (scenario 3: 503 x4 then 404).
	res, err := e.Execute(context.Background(), rec, 1, 1, domain.StageDownload, fatalAction{})
	if err != nil {
		t.Fatalf("final attempt: %v", err)
	}
	if res.Outcome != OutcomeFatal {
		t.Fatalf("expected fatal outcome, got %s", res.Outcome)
	}
	if fs.stages[domain.StageDownload].status != domain.StageFailed {
		t.Errorf("expected stage FAILED, got %s", fs.stages[domain.StageDownload].status)
	}
	if len(fs.failures) != 1 {
		t.Fatalf("expected recording marked failed exactly once, got %d", len(fs.failures))
	}
}

// TestExecute_QuotaDenialOnRequiredStageFailsRecording covers spec §4.6/§7's
// "do not fail the recording unless the stage is on the required path":
// DOWNLOAD is always required, so a storage-quota denial must both skip the
// stage row and fail the recording, not leave it looking like DOWNLOAD
// succeeded (the orchestrator would otherwise advance straight to TRIM with
// no file ever on disk).
func TestExecute_QuotaDenialOnRequiredStageFailsRecording(t *testing.T) {
	fs := newFakeStore()
	fq := &fakeQuota{denies: true}
	e := New(fs, fq, fixedClock{time.Now()})
	rec := &domain.Recording{ID: "r1", UserID: "u1"}

	res, err := e.Execute(context.Background(), rec, 1, 1, domain.StageDownload, okAction{})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Outcome != OutcomeFatal {
		t.Fatalf("expected quota denial on a required stage (DOWNLOAD) to fail the recording, got %s", res.Outcome)
	}
	if fs.stages[domain.StageDownload].status != domain.StageSkipped {
		t.Errorf("expected stage row SKIPPED, got %s", fs.stages[domain.StageDownload].status)
	}
	if len(fs.failures) != 1 {
		t.Fatalf("expected MarkFailure called exactly once, got %d", len(fs.failures))
	}
}

func TestExecute_OptionalStageExhaustionSkipsNotFails(t *testing.T) {
	fs := newFakeStore()
	e := New(fs, &fakeQuota{}, fixedClock{time.Now()})
	rec := &domain.Recording{ID: "r1", UserID: "u1"}

	for i := 0; i < 2; i++ {
		if _, err := e.Execute(context.Background(), rec, 1, 1, domain.StageExtractTopics, retryableAction{}); err != nil {
			t.Fatalf("attempt %d: %v", i, err)
		}
	}
	res, err := e.Execute(context.Background(), rec, 1, 1, domain.StageExtractTopics, retryableAction{})
	if err != nil {
		t.Fatalf("final attempt: %v", err)
	}
	if res.Outcome != OutcomeSkipped {
		t.Fatalf("expected optional-stage exhaustion to skip, got %s", res.Outcome)
	}
	if len(fs.failures) != 0 {
		t.Errorf("expected optional stage exhaustion to never mark the recording failed, got %d calls", len(fs.failures))
	}
}

func TestExecute_RequiredStageRetryExhaustionRollsBack(t *testing.T) {
	fs := newFakeStore()
	e := New(fs, &fakeQuota{}, fixedClock{time.Now()})
	rec := &domain.Recording{ID: "r1", UserID: "u1"}

	// TRIM allows 3 attempts; the 3rd retryable failure (retry_count
	// reaches 3) exhausts the budget without ever being fatal, so the
	// recording rolls back to DOWNLOADED instead of being marked FAILED.
	var res Result
	var err error
	for i := 0; i < 3; i++ {
		res, err = e.Execute(context.Background(), rec, 1, 1, domain.StageTrim, retryableAction{})
		if err != nil {
			t.Fatalf("attempt %d: %v", i, err)
		}
	}
	if res.Outcome != OutcomeRolledBack {
		t.Fatalf("expected rolled_back_for_retry on exhaustion, got %s", res.Outcome)
	}
	if len(fs.rollbacks) != 1 || fs.rollbacks[0] != domain.StatusDownloaded {
		t.Fatalf("expected recording rolled back to DOWNLOADED, got %+v", fs.rollbacks)
	}
	if len(fs.failures) != 0 {
		t.Errorf("retryable exhaustion must not call MarkFailure, got %d calls", len(fs.failures))
	}
}

func TestDelayForAttempt_MonotonicallyCappedForDownload(t *testing.T) {
	prev := time.Duration(0)
	for attempt := 1; attempt <= 10; attempt++ {
		d := DelayForAttempt(domain.StageDownload, attempt)
		if d < prev {
			t.Errorf("attempt %d: delay %v is less than previous %v, expected monotonic", attempt, d, prev)
		}
		if d > 30*time.Second {
			t.Errorf("attempt %d: delay %v exceeds the 30s cap", attempt, d)
		}
		prev = d
	}
}
