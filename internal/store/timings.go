package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/reeltrack/orchestrator/internal/domain"
)

// AppendStageTimingStart inserts the StageTiming row for a new attempt
// (spec §4.6 step 3: "Append a StageTiming row with the same started_at and
// status = IN_PROGRESS, recording attempt"). StageTiming is append-only —
// this is the only write path that creates a row; FinalizeStageTiming only
// ever updates the one matching row for that attempt.
func (s *Store) AppendStageTimingStart(ctx context.Context, recordingID string, stageType domain.StageType, substep string, attempt int, startedAt time.Time) (int64, error) {
	const q = `
		INSERT INTO stage_timings (recording_id, stage_type, substep, attempt, started_at, status)
		VALUES ($1, $2, $3, $4, $5, 'IN_PROGRESS')
		RETURNING id`
	var id int64
	err := s.db.QueryRowContext(ctx, q, recordingID, stageType, substep, attempt, startedAt).Scan(&id)
	return id, wrapErr("store.AppendStageTimingStart", err)
}

// FinalizeStageTiming writes the terminal fields on the row created by
// AppendStageTimingStart — "never updated in place once finalized" (spec
// §3) means this is the one and only finalize call per attempt.
func (s *Store) FinalizeStageTiming(ctx context.Context, id int64, status domain.StageStatus, completedAt time.Time, durationSecs float64, errMsg string, meta domain.RawConfig) error {
	raw, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	const q = `
		UPDATE stage_timings
		SET status = $2, completed_at = $3, duration_seconds = $4, error_message = $5, meta = $6
		WHERE id = $1`
	_, err = s.db.ExecContext(ctx, q, id, status, completedAt, durationSecs, errMsg, raw)
	return wrapErr("store.FinalizeStageTiming", err)
}

func (s *Store) ListStageTimings(ctx context.Context, recordingID string) ([]*domain.StageTiming, error) {
	const q = `
		SELECT id, recording_id, stage_type, substep, attempt, started_at, completed_at,
		       duration_seconds, status, error_message, meta
		FROM stage_timings WHERE recording_id = $1 ORDER BY started_at ASC`
	rows, err := s.db.QueryContext(ctx, q, recordingID)
	if err != nil {
		return nil, wrapErr("store.ListStageTimings", err)
	}
	defer rows.Close()
	var out []*domain.StageTiming
	for rows.Next() {
		var t domain.StageTiming
		var meta []byte
		if err := rows.Scan(&t.ID, &t.RecordingID, &t.StageType, &t.Substep, &t.Attempt, &t.StartedAt,
			&t.CompletedAt, &t.DurationSecs, &t.Status, &t.ErrorMessage, &meta); err != nil {
			return nil, wrapErr("store.ListStageTimings", err)
		}
		if len(meta) > 0 {
			_ = json.Unmarshal(meta, &t.Meta)
		}
		out = append(out, &t)
	}
	return out, wrapErr("store.ListStageTimings", rows.Err())
}
