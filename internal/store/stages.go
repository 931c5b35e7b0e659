package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/reeltrack/orchestrator/internal/domain"
	"github.com/reeltrack/orchestrator/internal/errs"
)

// errConcurrentStage reports spec §4.6 step 1's "reject with
// concurrent-stage" case: another worker already holds this stage row
// IN_PROGRESS.
func errConcurrentStage(recordingID string, stageType domain.StageType) error {
	return errs.New(errs.KindConflict, "store.BeginStage",
		fmt.Errorf("stage %s already in progress for recording %s", stageType, recordingID))
}

// GetStage reads the (recording, stage_type) row, or nil if it doesn't
// exist yet (stage rows are created lazily on first BeginStage).
func (s *Store) GetStage(ctx context.Context, recordingID string, stageType domain.StageType) (*domain.ProcessingStage, error) {
	const q = `
		SELECT recording_id, stage_type, status, started_at, completed_at,
		       retry_count, skip_reason, failed_reason, stage_meta
		FROM processing_stages WHERE recording_id = $1 AND stage_type = $2`
	row := s.db.QueryRowContext(ctx, q, recordingID, stageType)
	st, err := scanStage(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, wrapErr("store.GetStage", err)
	}
	return st, nil
}

// ListStages returns every stage row for a recording, in no particular
// order — callers walk them via domain.CanonicalStageOrder.
func (s *Store) ListStages(ctx context.Context, recordingID string) ([]*domain.ProcessingStage, error) {
	const q = `
		SELECT recording_id, stage_type, status, started_at, completed_at,
		       retry_count, skip_reason, failed_reason, stage_meta
		FROM processing_stages WHERE recording_id = $1`
	rows, err := s.db.QueryContext(ctx, q, recordingID)
	if err != nil {
		return nil, wrapErr("store.ListStages", err)
	}
	defer rows.Close()
	var out []*domain.ProcessingStage
	for rows.Next() {
		st, err := scanStage(rows)
		if err != nil {
			return nil, wrapErr("store.ListStages", err)
		}
		out = append(out, st)
	}
	return out, wrapErr("store.ListStages", rows.Err())
}

// BeginStage implements spec §4.6 step 3: insert-or-update the stage row to
// IN_PROGRESS, started_at=now(), retry_count+=1. The unique constraint on
// (recording_id, stage_type) is the serialization point from spec §5 — when
// the row is already IN_PROGRESS the conditional upsert returns no row and
// BeginStage reports errConcurrentStage (KindConflict), which the executor
// turns into a "concurrent-stage" rejection rather than a crash.
func (s *Store) BeginStage(ctx context.Context, recordingID string, stageType domain.StageType, now time.Time) (*domain.ProcessingStage, error) {
	const q = `
		INSERT INTO processing_stages (recording_id, stage_type, status, started_at, retry_count)
		VALUES ($1, $2, 'IN_PROGRESS', $3, 1)
		ON CONFLICT (recording_id, stage_type) DO UPDATE
		SET status = 'IN_PROGRESS', started_at = $3, retry_count = processing_stages.retry_count + 1,
		    completed_at = NULL
		WHERE processing_stages.status != 'IN_PROGRESS'
		RETURNING recording_id, stage_type, status, started_at, completed_at,
		          retry_count, skip_reason, failed_reason, stage_meta`
	row := s.db.QueryRowContext(ctx, q, recordingID, stageType, now)
	st, err := scanStage(row)
	if err == sql.ErrNoRows {
		return nil, errConcurrentStage(recordingID, stageType)
	}
	if err != nil {
		return nil, wrapErr("store.BeginStage", err)
	}
	return st, nil
}

// FinalizeStage implements spec §4.6 step 6: write completed_at, status and
// error fields. skipReason/failedReason may be empty.
func (s *Store) FinalizeStage(ctx context.Context, recordingID string, stageType domain.StageType, status domain.StageStatus, at time.Time, skipReason, failedReason string, meta domain.RawConfig) error {
	raw, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	const q = `
		UPDATE processing_stages
		SET status = $3, completed_at = $4, skip_reason = $5, failed_reason = $6, stage_meta = $7
		WHERE recording_id = $1 AND stage_type = $2`
	_, err = s.db.ExecContext(ctx, q, recordingID, stageType, status, at, skipReason, failedReason, raw)
	return wrapErr("store.FinalizeStage", err)
}

// RollbackStageToPending reverts a stage row so the next orchestrator tick
// retries it (used when a retryable-exhaustion policy rolls the recording's
// status back rather than marking the stage terminally FAILED).
func (s *Store) RollbackStageToPending(ctx context.Context, recordingID string, stageType domain.StageType) error {
	const q = `UPDATE processing_stages SET status = 'PENDING', completed_at = NULL
	           WHERE recording_id = $1 AND stage_type = $2`
	_, err := s.db.ExecContext(ctx, q, recordingID, stageType)
	return wrapErr("store.RollbackStageToPending", err)
}

func scanStage(row rowScanner) (*domain.ProcessingStage, error) {
	var st domain.ProcessingStage
	var meta []byte
	err := row.Scan(
		&st.RecordingID, &st.StageType, &st.Status, &st.StartedAt, &st.CompletedAt,
		&st.RetryCount, &st.SkipReason, &st.FailedReason, &meta,
	)
	if err != nil {
		return nil, err
	}
	if len(meta) > 0 {
		_ = json.Unmarshal(meta, &st.StageMeta)
	}
	return &st, nil
}
