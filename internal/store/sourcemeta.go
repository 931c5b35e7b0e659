package store

import (
	"context"
	"encoding/json"

	"github.com/reeltrack/orchestrator/internal/domain"
)

// CreateSourceMetadata inserts the adapter identity row used for dedup
// (spec §3 SourceMetadata, unique on recording_id and on
// (source_type, source_key, recording_id)).
func (s *Store) CreateSourceMetadata(ctx context.Context, m domain.SourceMetadata) error {
	const q = `
		INSERT INTO source_metadata (recording_id, source_type, source_key, raw_payload)
		VALUES ($1, $2, $3, $4)`
	_, err := s.db.ExecContext(ctx, q, m.RecordingID, m.SourceType, m.SourceKey, []byte(m.RawPayload))
	return wrapErr("store.CreateSourceMetadata", err)
}

func (s *Store) GetSourceMetadata(ctx context.Context, recordingID string) (*domain.SourceMetadata, error) {
	const q = `SELECT recording_id, source_type, source_key, raw_payload FROM source_metadata WHERE recording_id = $1`
	var m domain.SourceMetadata
	var raw []byte
	err := s.db.QueryRowContext(ctx, q, recordingID).Scan(&m.RecordingID, &m.SourceType, &m.SourceKey, &raw)
	if err != nil {
		return nil, wrapErr("store.GetSourceMetadata", err)
	}
	m.RawPayload = json.RawMessage(raw)
	return &m, nil
}
