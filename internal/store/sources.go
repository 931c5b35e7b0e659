package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/lib/pq"

	"github.com/reeltrack/orchestrator/internal/domain"
)

func (s *Store) CreateInputSource(ctx context.Context, src domain.InputSource) (*domain.InputSource, error) {
	cfg, _ := json.Marshal(src.Config)
	const q = `
		INSERT INTO input_sources (user_id, name, source_type, credential_handle, config)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`
	err := s.db.QueryRowContext(ctx, q, src.UserID, src.Name, src.SourceType, src.CredentialHandle, cfg).Scan(&src.ID)
	if err != nil {
		return nil, wrapErr("store.CreateInputSource", err)
	}
	return &src, nil
}

func (s *Store) GetInputSource(ctx context.Context, id int64) (*domain.InputSource, error) {
	const q = `
		SELECT id, user_id, name, source_type, credential_handle, config, last_sync_at, last_sync_error
		FROM input_sources WHERE id = $1`
	src, err := scanInputSource(s.db.QueryRowContext(ctx, q, id))
	if err != nil {
		return nil, wrapErr("store.GetInputSource", err)
	}
	return src, nil
}

func (s *Store) ListInputSourcesForUser(ctx context.Context, userID string) ([]*domain.InputSource, error) {
	const q = `
		SELECT id, user_id, name, source_type, credential_handle, config, last_sync_at, last_sync_error
		FROM input_sources WHERE user_id = $1`
	rows, err := s.db.QueryContext(ctx, q, userID)
	if err != nil {
		return nil, wrapErr("store.ListInputSourcesForUser", err)
	}
	defer rows.Close()
	var out []*domain.InputSource
	for rows.Next() {
		src, err := scanInputSource(rows)
		if err != nil {
			return nil, wrapErr("store.ListInputSourcesForUser", err)
		}
		out = append(out, src)
	}
	return out, wrapErr("store.ListInputSourcesForUser", rows.Err())
}

// ListInputSourcesByIDs resolves the sources referenced by an AutomationJob's
// templates/sync_config (spec §4.8's "for each configured source_id").
func (s *Store) ListInputSourcesByIDs(ctx context.Context, ids []int64) ([]*domain.InputSource, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	const q = `
		SELECT id, user_id, name, source_type, credential_handle, config, last_sync_at, last_sync_error
		FROM input_sources WHERE id = ANY($1)`
	rows, err := s.db.QueryContext(ctx, q, pq.Array(ids))
	if err != nil {
		return nil, wrapErr("store.ListInputSourcesByIDs", err)
	}
	defer rows.Close()
	var out []*domain.InputSource
	for rows.Next() {
		src, err := scanInputSource(rows)
		if err != nil {
			return nil, wrapErr("store.ListInputSourcesByIDs", err)
		}
		out = append(out, src)
	}
	return out, wrapErr("store.ListInputSourcesByIDs", rows.Err())
}

// RecordSync updates last_sync_at/last_sync_error after a discovery pass
// against this source (spec §4.8's "since = max(source.last_sync_at, ...)").
func (s *Store) RecordSync(ctx context.Context, id int64, at time.Time, syncErr string) error {
	const q = `UPDATE input_sources SET last_sync_at = $2, last_sync_error = $3 WHERE id = $1`
	_, err := s.db.ExecContext(ctx, q, id, at, syncErr)
	return wrapErr("store.RecordSync", err)
}

func scanInputSource(row rowScanner) (*domain.InputSource, error) {
	var src domain.InputSource
	var cfg []byte
	err := row.Scan(&src.ID, &src.UserID, &src.Name, &src.SourceType, &src.CredentialHandle, &cfg,
		&src.LastSyncAt, &src.LastSyncError)
	if err != nil {
		return nil, err
	}
	_ = json.Unmarshal(cfg, &src.Config)
	return &src, nil
}
