package store

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/reeltrack/orchestrator/internal/domain"
)

// CreateOutputTargets inserts one NOT_UPLOADED row per configured preset
// (spec §3 OutputTarget, unique on (recording, target_type)).
func (s *Store) CreateOutputTargets(ctx context.Context, recordingID string, targets []domain.OutputTarget) error {
	return s.Tx(ctx, func(tx *sql.Tx) error {
		const q = `
			INSERT INTO output_targets (recording_id, target_type, preset_id, status)
			VALUES ($1, $2, $3, 'NOT_UPLOADED')
			ON CONFLICT (recording_id, target_type) DO NOTHING`
		for _, t := range targets {
			if _, err := tx.ExecContext(ctx, q, recordingID, t.TargetType, t.PresetID); err != nil {
				return wrapErr("store.CreateOutputTargets", err)
			}
		}
		return nil
	})
}

func (s *Store) ListOutputTargets(ctx context.Context, recordingID string) ([]*domain.OutputTarget, error) {
	const q = `
		SELECT recording_id, target_type, preset_id, status, remote_id, url, target_meta, failed_reason
		FROM output_targets WHERE recording_id = $1`
	rows, err := s.db.QueryContext(ctx, q, recordingID)
	if err != nil {
		return nil, wrapErr("store.ListOutputTargets", err)
	}
	defer rows.Close()
	var out []*domain.OutputTarget
	for rows.Next() {
		var t domain.OutputTarget
		var meta []byte
		if err := rows.Scan(&t.RecordingID, &t.TargetType, &t.PresetID, &t.Status, &t.RemoteID, &t.URL, &meta, &t.FailedReason); err != nil {
			return nil, wrapErr("store.ListOutputTargets", err)
		}
		if len(meta) > 0 {
			_ = json.Unmarshal(meta, &t.TargetMeta)
		}
		out = append(out, &t)
	}
	return out, wrapErr("store.ListOutputTargets", rows.Err())
}

// UpdateOutputTargetStatus transitions one target's status (spec §4.6 UPLOAD
// per-target policy), optionally recording the remote ID/URL on success or
// a failure reason on exhaustion.
func (s *Store) UpdateOutputTargetStatus(ctx context.Context, recordingID string, targetType domain.TargetPlatform, status domain.TargetStatus, remoteID, url, failedReason string) error {
	const q = `
		UPDATE output_targets
		SET status = $3, remote_id = COALESCE(NULLIF($4, ''), remote_id),
		    url = COALESCE(NULLIF($5, ''), url), failed_reason = $6
		WHERE recording_id = $1 AND target_type = $2`
	_, err := s.db.ExecContext(ctx, q, recordingID, targetType, status, remoteID, url, failedReason)
	return wrapErr("store.UpdateOutputTargetStatus", err)
}
