package store

import (
	"context"
	"encoding/json"

	"github.com/lib/pq"

	"github.com/reeltrack/orchestrator/internal/domain"
)

func (s *Store) CreateOutputPreset(ctx context.Context, p domain.OutputPreset) (*domain.OutputPreset, error) {
	meta, _ := json.Marshal(p.PresetMetadata)
	const q = `
		INSERT INTO output_presets (user_id, name, platform, credential_handle, preset_metadata)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`
	err := s.db.QueryRowContext(ctx, q, p.UserID, p.Name, p.Platform, p.CredentialHandle, meta).Scan(&p.ID)
	if err != nil {
		return nil, wrapErr("store.CreateOutputPreset", err)
	}
	return &p, nil
}

// GetOutputPresetsByIDs resolves an OutputConfig.PresetIDs list to the
// target platform each preset uploads to, so the scheduler can materialize
// OutputTarget rows when a template match enables auto_upload.
func (s *Store) GetOutputPresetsByIDs(ctx context.Context, ids []int64) ([]*domain.OutputPreset, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	const q = `
		SELECT id, user_id, name, platform, credential_handle, preset_metadata
		FROM output_presets WHERE id = ANY($1)`
	rows, err := s.db.QueryContext(ctx, q, pq.Array(ids))
	if err != nil {
		return nil, wrapErr("store.GetOutputPresetsByIDs", err)
	}
	defer rows.Close()
	var out []*domain.OutputPreset
	for rows.Next() {
		var p domain.OutputPreset
		var meta []byte
		if err := rows.Scan(&p.ID, &p.UserID, &p.Name, &p.Platform, &p.CredentialHandle, &meta); err != nil {
			return nil, wrapErr("store.GetOutputPresetsByIDs", err)
		}
		_ = json.Unmarshal(meta, &p.PresetMetadata)
		out = append(out, &p)
	}
	return out, wrapErr("store.GetOutputPresetsByIDs", rows.Err())
}
