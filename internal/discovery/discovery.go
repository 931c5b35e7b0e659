// Package discovery implements Source Discovery (spec §4.5): for each
// configured InputSource, calls its SourceAdapter, dedups candidates
// against existing recordings, and admits new ones through the quota
// ledger.
package discovery

import (
	"context"
	"time"

	"github.com/reeltrack/orchestrator/internal/clock"
	"github.com/reeltrack/orchestrator/internal/domain"
	"github.com/reeltrack/orchestrator/internal/errs"
	"github.com/reeltrack/orchestrator/internal/store"
)

// CandidateRecording is what a SourceAdapter reports for one discovered
// item (spec §4.5).
type CandidateRecording struct {
	SourceKey       string
	DisplayName     string
	StartTime       time.Time
	DurationSeconds float64
	SizeBytes       *int64
	Finalized       bool // false => create as PENDING_SOURCE
	BlankRecord     bool
	Raw             domain.RawConfig
}

// SourceAdapter is the out-of-scope collaborator that knows how to talk to
// one source type (Zoom, Google Drive, YouTube, ...). Implementations live
// outside this core module; the core only defines the shape.
type SourceAdapter interface {
	Type() domain.SourceType
	List(ctx context.Context, since, until time.Time, filters map[string]string) ([]CandidateRecording, error)
	HealthCheck(ctx context.Context) error
}

// discoveryStore is the subset of *store.Store discovery needs.
type discoveryStore interface {
	FindRecordingBySourceKey(ctx context.Context, userID string, sourceType domain.SourceType, sourceKey string) (*domain.Recording, error)
	CreateRecording(ctx context.Context, p store.CreateRecordingParams) (*domain.Recording, error)
	CreateSourceMetadata(ctx context.Context, m domain.SourceMetadata) error
	TransitionPendingSource(ctx context.Context, id string) error
}

// QuotaChecker is the subset of the quota ledger discovery needs.
type QuotaChecker interface {
	CheckRecordings(ctx context.Context, userID string, planID int64) error
	TrackRecordingCreated(ctx context.Context, userID string) error
}

// IDGenerator mints new recording IDs.
type IDGenerator interface {
	NewRecordingID() string
}

// Outcome classifies what discovery did with one candidate, used both for
// the §8 idempotence law and for the scheduler's dry-run reporting.
type Outcome string

const (
	OutcomeCreated       Outcome = "created"
	OutcomeAlreadyExists Outcome = "already_exists"
	OutcomeSkippedHard   Outcome = "skipped_hard_deleted"
	OutcomeQuotaDenied   Outcome = "quota_denied"
	OutcomeTransitioned  Outcome = "transitioned_pending_to_initialized"
)

// Result is one candidate's processing outcome.
type Result struct {
	Candidate CandidateRecording
	Outcome   Outcome
	Recording *domain.Recording
}

// Discovery is the Source Discovery component.
type Discovery struct {
	store discoveryStore
	quota QuotaChecker
	ids   IDGenerator
	clock clock.Clock
}

func New(store discoveryStore, quota QuotaChecker, ids IDGenerator, clk clock.Clock) *Discovery {
	return &Discovery{store: store, quota: quota, ids: ids, clock: clk}
}

// Run executes one discovery pass for a single source against its adapter
// (spec §4.5). planID is the user's subscription plan, needed for the
// quota-check step.
func (d *Discovery) Run(ctx context.Context, adapter SourceAdapter, userID string, planID int64, sourceID *int64, since, until time.Time, filters map[string]string) ([]Result, error) {
	candidates, err := adapter.List(ctx, since, until, filters)
	if err != nil {
		return nil, err
	}

	results := make([]Result, 0, len(candidates))
	for _, c := range candidates {
		res, err := d.processOne(ctx, adapter.Type(), userID, planID, sourceID, c)
		if err != nil {
			return results, err
		}
		results = append(results, res)
	}
	return results, nil
}

// Preview runs the same adapter call and dedup lookup as Run without
// creating anything, for the scheduler's dry_run_job (spec §4.8: "same
// discovery pass, but only reports counts ... writes nothing"). A
// would-be-new candidate is reported as OutcomeCreated without a Recording
// attached, since none was made.
func (d *Discovery) Preview(ctx context.Context, adapter SourceAdapter, userID string, sourceID *int64, since, until time.Time, filters map[string]string) ([]Result, error) {
	candidates, err := adapter.List(ctx, since, until, filters)
	if err != nil {
		return nil, err
	}
	results := make([]Result, 0, len(candidates))
	for _, c := range candidates {
		existing, err := d.store.FindRecordingBySourceKey(ctx, userID, adapter.Type(), c.SourceKey)
		if err != nil && !errs.Is(err, errs.KindNotFound) {
			return results, err
		}
		if existing != nil {
			results = append(results, Result{Candidate: c, Outcome: OutcomeAlreadyExists, Recording: existing})
			continue
		}
		results = append(results, Result{Candidate: c, Outcome: OutcomeCreated})
	}
	return results, nil
}

func (d *Discovery) processOne(ctx context.Context, sourceType domain.SourceType, userID string, planID int64, sourceID *int64, c CandidateRecording) (Result, error) {
	existing, err := d.store.FindRecordingBySourceKey(ctx, userID, sourceType, c.SourceKey)
	if err != nil && !errs.Is(err, errs.KindNotFound) {
		return Result{}, err
	}

	// FindRecordingBySourceKey excludes hard_deleted rows, so "existing !=
	// nil" here always means a live, non-hard-deleted recording. A candidate
	// whose only match is hard-deleted is not skipped: it is handled as
	// missing below and created again, and OutcomeSkippedHard is never
	// returned.
	if existing != nil {
		if existing.Status == domain.StatusPendingSource && c.Finalized {
			if err := d.store.TransitionPendingSource(ctx, existing.ID); err != nil {
				return Result{}, err
			}
			existing.Status = domain.StatusInitialized
			return Result{Candidate: c, Outcome: OutcomeTransitioned, Recording: existing}, nil
		}
		return Result{Candidate: c, Outcome: OutcomeAlreadyExists, Recording: existing}, nil
	}

	// Step 2: missing -> quota-check, then create.
	if err := d.quota.CheckRecordings(ctx, userID, planID); err != nil {
		if errs.Is(err, errs.KindQuotaDenied) {
			return Result{Candidate: c, Outcome: OutcomeQuotaDenied}, nil
		}
		return Result{}, err
	}

	status := domain.StatusInitialized
	if !c.Finalized {
		status = domain.StatusPendingSource
	}

	rec, err := d.store.CreateRecording(ctx, store.CreateRecordingParams{
		ID:              d.ids.NewRecordingID(),
		UserID:          userID,
		InputSourceID:   sourceID,
		DisplayName:     c.DisplayName,
		StartTime:       c.StartTime,
		DurationSeconds: c.DurationSeconds,
		BlankRecord:     c.BlankRecord,
		Status:          status,
	})
	if err != nil {
		return Result{}, err
	}
	if err := d.store.CreateSourceMetadata(ctx, domain.SourceMetadata{
		RecordingID: rec.ID,
		SourceType:  sourceType,
		SourceKey:   c.SourceKey,
	}); err != nil {
		return Result{}, err
	}
	if err := d.quota.TrackRecordingCreated(ctx, userID); err != nil {
		return Result{}, err
	}
	return Result{Candidate: c, Outcome: OutcomeCreated, Recording: rec}, nil
}
