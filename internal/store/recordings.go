package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/reeltrack/orchestrator/internal/domain"
	"github.com/reeltrack/orchestrator/internal/errs"
)

// CreateRecordingParams is the input to CreateRecording. Status, DeleteState
// and RetryCount are fixed at creation per spec §4.3 and are not caller
// controlled.
type CreateRecordingParams struct {
	ID              string
	UserID          string
	InputSourceID   *int64
	DisplayName     string
	StartTime       time.Time
	DurationSeconds float64
	BlankRecord     bool
	Preferences     domain.RawConfig
	// Status defaults to INITIALIZED; discovery passes PENDING_SOURCE when
	// the adapter reports the source as not yet finalized (spec §4.5 step 2).
	Status domain.Status
}

// CreateRecording inserts a new recording with delete_state=active,
// retry_count=0 (spec §4.3 "On create"). Status is INITIALIZED unless the
// caller set Status explicitly (PENDING_SOURCE, per spec §4.5).
func (s *Store) CreateRecording(ctx context.Context, p CreateRecordingParams) (*domain.Recording, error) {
	prefs, err := json.Marshal(p.Preferences)
	if err != nil {
		return nil, errs.New(errs.KindValidation, "store.CreateRecording", err)
	}
	status := p.Status
	if status == "" {
		status = domain.StatusInitialized
	}

	const q = `
		INSERT INTO recordings
			(id, user_id, input_source_id, display_name, start_time, duration_seconds,
			 status, delete_state, retry_count, blank_record, preferences, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 0, $9, $10, now(), now())
		RETURNING created_at, updated_at`

	rec := &domain.Recording{
		ID:              p.ID,
		UserID:          p.UserID,
		InputSourceID:   p.InputSourceID,
		DisplayName:     p.DisplayName,
		StartTime:       p.StartTime,
		DurationSeconds: p.DurationSeconds,
		Status:          status,
		DeleteState:     domain.DeleteActive,
		BlankRecord:     p.BlankRecord,
		Preferences:     p.Preferences,
	}
	err = s.db.QueryRowContext(ctx, q,
		p.ID, p.UserID, p.InputSourceID, p.DisplayName, p.StartTime, p.DurationSeconds,
		status, domain.DeleteActive, p.BlankRecord, prefs,
	).Scan(&rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return nil, wrapErr("store.CreateRecording", err)
	}
	return rec, nil
}

// GetRecording reads one recording by ID. Per spec §4.3, reads default to
// delete_state != hard_deleted unless the caller opts in as admin.
func (s *Store) GetRecording(ctx context.Context, id string, admin bool) (*domain.Recording, error) {
	q := `SELECT ` + recordingColumns + ` FROM recordings WHERE id = $1`
	if !admin {
		q += ` AND delete_state != 'hard_deleted'`
	}
	row := s.db.QueryRowContext(ctx, q, id)
	rec, err := scanRecording(row)
	if err != nil {
		return nil, wrapErr("store.GetRecording", err)
	}
	return rec, nil
}

// FindRecordingBySourceKey implements the dedup lookup of spec §4.5 step 1:
// at most one non-hard-deleted recording per (user, source_type, source_key).
func (s *Store) FindRecordingBySourceKey(ctx context.Context, userID string, sourceType domain.SourceType, sourceKey string) (*domain.Recording, error) {
	const q = `
		SELECT ` + recordingColumns + `
		FROM recordings r
		JOIN source_metadata sm ON sm.recording_id = r.id
		WHERE r.user_id = $1 AND sm.source_type = $2 AND sm.source_key = $3
		  AND r.delete_state != 'hard_deleted'`
	row := s.db.QueryRowContext(ctx, q, userID, sourceType, sourceKey)
	rec, err := scanRecording(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, wrapErr("store.FindRecordingBySourceKey", err)
	}
	return rec, nil
}

// UpdateRecordingStatus rewrites the derived status column. Callers must have
// computed the new status via orchestrator.DeriveStatus — this method never
// derives it itself (spec §3 global invariant: status is never written
// directly without rederivation happening upstream).
func (s *Store) UpdateRecordingStatus(ctx context.Context, id string, status domain.Status) error {
	const q = `UPDATE recordings SET status = $2, updated_at = now() WHERE id = $1`
	_, err := s.db.ExecContext(ctx, q, id, status)
	return wrapErr("store.UpdateRecordingStatus", err)
}

// StampPipelineStarted sets pipeline_started_at if not already set (first
// IN_PROGRESS transition out of INITIALIZED, spec §4.7).
func (s *Store) StampPipelineStarted(ctx context.Context, id string, at time.Time) error {
	const q = `UPDATE recordings SET pipeline_started_at = $2, updated_at = now()
	           WHERE id = $1 AND pipeline_started_at IS NULL`
	_, err := s.db.ExecContext(ctx, q, id, at)
	return wrapErr("store.StampPipelineStarted", err)
}

// StampPipelineCompleted sets pipeline_completed_at and the derived duration
// on terminal transition (READY, FAILED, EXPIRED — spec §4.7).
func (s *Store) StampPipelineCompleted(ctx context.Context, id string, at time.Time) error {
	const q = `
		UPDATE recordings
		SET pipeline_completed_at = $2,
		    pipeline_duration_seconds = EXTRACT(EPOCH FROM ($2 - pipeline_started_at)),
		    updated_at = now()
		WHERE id = $1 AND pipeline_completed_at IS NULL`
	_, err := s.db.ExecContext(ctx, q, id, at)
	return wrapErr("store.StampPipelineCompleted", err)
}

// SetPause sets or clears on_pause/pause_requested_at (spec §4.7 Pause/resume).
func (s *Store) SetPause(ctx context.Context, id string, paused bool, at *time.Time) error {
	const q = `UPDATE recordings SET on_pause = $2, pause_requested_at = $3, updated_at = now() WHERE id = $1`
	_, err := s.db.ExecContext(ctx, q, id, paused, at)
	return wrapErr("store.SetPause", err)
}

// MarkFailure implements spec §4.3 mark_failure: sets failed=true,
// failed_reason, failed_at_stage, and rolls status back to rollbackTo.
func (s *Store) MarkFailure(ctx context.Context, id, reason string, rollbackTo domain.Status, atStage string) error {
	const q = `
		UPDATE recordings
		SET failed = TRUE, failed_reason = $2, failed_at_stage = $3,
		    status = $4, retry_count = retry_count + 1, updated_at = now()
		WHERE id = $1`
	_, err := s.db.ExecContext(ctx, q, id, reason, atStage, rollbackTo)
	return wrapErr("store.MarkFailure", err)
}

// UpdateRecordingPreferences writes merged as the recording's preferences
// (spec §4.10 update_recording_config). It does no merging itself; the
// caller passes the already-merged value.
func (s *Store) UpdateRecordingPreferences(ctx context.Context, id string, merged domain.RawConfig) error {
	raw, err := json.Marshal(merged)
	if err != nil {
		return errs.New(errs.KindValidation, "store.UpdateRecordingPreferences", err)
	}
	const q = `UPDATE recordings SET preferences = $2, updated_at = now() WHERE id = $1`
	_, err = s.db.ExecContext(ctx, q, id, raw)
	return wrapErr("store.UpdateRecordingPreferences", err)
}

// ApplyTemplate implements spec §4.4's Apply step persistence: attaches the
// matched template and writes the merged processing preferences in one
// statement, so a recording's template_id and its frozen config move
// together (spec §3 Ownership: "the recording retains its frozen config
// even if the template later changes").
func (s *Store) ApplyTemplate(ctx context.Context, id string, templateID int64, mergedPreferences domain.RawConfig) error {
	raw, err := json.Marshal(mergedPreferences)
	if err != nil {
		return errs.New(errs.KindValidation, "store.ApplyTemplate", err)
	}
	const q = `UPDATE recordings SET template_id = $2, preferences = $3, updated_at = now() WHERE id = $1`
	_, err = s.db.ExecContext(ctx, q, id, templateID, raw)
	return wrapErr("store.ApplyTemplate", err)
}

// SoftDeleteRecording implements spec §4.3 "On soft delete": sets delete_state,
// soft_deleted_at=now(), hard_delete_at=now()+ttl. Files are purged later by
// the janitor, never inline here.
func (s *Store) SoftDeleteRecording(ctx context.Context, id string, now time.Time, ttl time.Duration, reason string) error {
	const q = `
		UPDATE recordings
		SET delete_state = 'soft_deleted', soft_deleted_at = $2, hard_delete_at = $3,
		    deletion_reason = $4, updated_at = now()
		WHERE id = $1 AND delete_state = 'active'`
	res, err := s.db.ExecContext(ctx, q, id, now, now.Add(ttl), reason)
	if err != nil {
		return wrapErr("store.SoftDeleteRecording", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return errs.NotFound("store.SoftDeleteRecording", "recording not active or not found")
	}
	return nil
}

// DueForHardDelete lists soft-deleted recordings whose hard_delete_at has
// passed, for the janitor (spec §4.9).
func (s *Store) DueForHardDelete(ctx context.Context, now time.Time, limit int) ([]*domain.Recording, error) {
	const q = `
		SELECT ` + recordingColumns + ` FROM recordings
		WHERE delete_state = 'soft_deleted' AND hard_delete_at <= $1
		ORDER BY hard_delete_at ASC
		LIMIT $2`
	rows, err := s.db.QueryContext(ctx, q, now, limit)
	if err != nil {
		return nil, wrapErr("store.DueForHardDelete", err)
	}
	defer rows.Close()
	return scanRecordings(rows)
}

// HardDeleteRecording implements spec §4.3 "On hard delete": marks delete_state then
// the janitor physically removes cascaded rows in a follow-up pass.
func (s *Store) HardDeleteRecording(ctx context.Context, id string) error {
	const q = `UPDATE recordings SET delete_state = 'hard_deleted', updated_at = now() WHERE id = $1`
	_, err := s.db.ExecContext(ctx, q, id)
	return wrapErr("store.HardDeleteRecording", err)
}

// PurgeHardDeletedCascade physically removes a hard-deleted recording's rows
// (stages, targets, source metadata, stage timings cascade per spec §3
// Ownership) plus the recording row itself.
func (s *Store) PurgeHardDeletedCascade(ctx context.Context, id string) error {
	return s.Tx(ctx, func(tx *sql.Tx) error {
		for _, table := range []string{"stage_timings", "output_targets", "processing_stages", "source_metadata"} {
			if _, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE recording_id = $1`, id); err != nil {
				return wrapErr("store.PurgeHardDeletedCascade", err)
			}
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM recordings WHERE id = $1 AND delete_state = 'hard_deleted'`, id); err != nil {
			return wrapErr("store.PurgeHardDeletedCascade", err)
		}
		return nil
	})
}

// DueForExpiry lists INITIALIZED recordings idle past the initialized TTL
// (spec §4.9 janitor, §4.7 INITIALIZED idle > TTL -> EXPIRED).
func (s *Store) DueForExpiry(ctx context.Context, cutoff time.Time, limit int) ([]*domain.Recording, error) {
	const q = `
		SELECT ` + recordingColumns + ` FROM recordings
		WHERE status = 'INITIALIZED' AND created_at < $1 AND delete_state = 'active'
		ORDER BY created_at ASC
		LIMIT $2`
	rows, err := s.db.QueryContext(ctx, q, cutoff, limit)
	if err != nil {
		return nil, wrapErr("store.DueForExpiry", err)
	}
	defer rows.Close()
	return scanRecordings(rows)
}

// ListAdvanceable returns active, unpaused, non-terminal recordings for the
// orchestrator worker pool to drive forward (cmd/orchestrator's advance
// loop). Terminal and PENDING_SOURCE recordings are excluded at the query
// level rather than relying on every caller to re-check Advance's own
// early-return guards.
func (s *Store) ListAdvanceable(ctx context.Context, limit int) ([]*domain.Recording, error) {
	const q = `
		SELECT ` + recordingColumns + ` FROM recordings
		WHERE delete_state = 'active' AND on_pause = FALSE
		  AND status NOT IN ('READY', 'FAILED', 'EXPIRED', 'PENDING_SOURCE')
		ORDER BY updated_at ASC
		LIMIT $1`
	rows, err := s.db.QueryContext(ctx, q, limit)
	if err != nil {
		return nil, wrapErr("store.ListAdvanceable", err)
	}
	defer rows.Close()
	return scanRecordings(rows)
}

// TransitionPendingSource moves a PENDING_SOURCE recording to INITIALIZED
// once the adapter reports the source as finalized (spec §4.5 step 4).
func (s *Store) TransitionPendingSource(ctx context.Context, id string) error {
	const q = `UPDATE recordings SET status = 'INITIALIZED', updated_at = now()
	           WHERE id = $1 AND status = 'PENDING_SOURCE'`
	_, err := s.db.ExecContext(ctx, q, id)
	return wrapErr("store.TransitionPendingSource", err)
}

const recordingColumns = `
	id, user_id, input_source_id, template_id, display_name, start_time, duration_seconds,
	status, is_mapped, blank_record,
	delete_state, soft_deleted_at, hard_delete_at, deletion_reason, expire_at,
	on_pause, pause_requested_at,
	local_video_path, processed_video_path, processed_audio_path, transcription_dir,
	failed, failed_reason, failed_at_stage, retry_count,
	pipeline_started_at, pipeline_completed_at, pipeline_duration_seconds,
	preferences, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecording(row rowScanner) (*domain.Recording, error) {
	var r domain.Recording
	var prefs []byte
	err := row.Scan(
		&r.ID, &r.UserID, &r.InputSourceID, &r.TemplateID, &r.DisplayName, &r.StartTime, &r.DurationSeconds,
		&r.Status, &r.IsMapped, &r.BlankRecord,
		&r.DeleteState, &r.SoftDeletedAt, &r.HardDeleteAt, &r.DeletionReason, &r.ExpireAt,
		&r.OnPause, &r.PauseRequestedAt,
		&r.LocalVideoPath, &r.ProcessedVideoPath, &r.ProcessedAudioPath, &r.TranscriptionDir,
		&r.Failed, &r.FailedReason, &r.FailedAtStage, &r.RetryCount,
		&r.PipelineStartedAt, &r.PipelineCompletedAt, &r.PipelineDurationSecs,
		&prefs, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(prefs) > 0 {
		_ = json.Unmarshal(prefs, &r.Preferences)
	}
	return &r, nil
}

func scanRecordings(rows *sql.Rows) ([]*domain.Recording, error) {
	var out []*domain.Recording
	for rows.Next() {
		r, err := scanRecording(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
