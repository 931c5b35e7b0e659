package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/reeltrack/orchestrator/internal/domain"
	"github.com/reeltrack/orchestrator/internal/errs"
)

// ListCandidateTemplates returns every template for a user ordered per spec
// §4.4's selection order: (is_draft=false, is_active=true) rank first, then
// used_count desc, then created_at asc. The matcher (not this method)
// applies the "first rank that matches wins" rule, since matching requires
// the display_name/source_id that only the caller has.
func (s *Store) ListCandidateTemplates(ctx context.Context, userID string) ([]*domain.RecordingTemplate, error) {
	const q = `
		SELECT id, user_id, name, matching_rules, processing_config, metadata_config, output_config,
		       is_draft, is_active, used_count, last_used_at, created_at
		FROM recording_templates
		WHERE user_id = $1
		ORDER BY (NOT is_draft AND is_active) DESC, used_count DESC, created_at ASC`
	rows, err := s.db.QueryContext(ctx, q, userID)
	if err != nil {
		return nil, wrapErr("store.ListCandidateTemplates", err)
	}
	defer rows.Close()
	var out []*domain.RecordingTemplate
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, wrapErr("store.ListCandidateTemplates", err)
		}
		out = append(out, t)
	}
	return out, wrapErr("store.ListCandidateTemplates", rows.Err())
}

func (s *Store) GetTemplate(ctx context.Context, id int64) (*domain.RecordingTemplate, error) {
	const q = `
		SELECT id, user_id, name, matching_rules, processing_config, metadata_config, output_config,
		       is_draft, is_active, used_count, last_used_at, created_at
		FROM recording_templates WHERE id = $1`
	t, err := scanTemplate(s.db.QueryRowContext(ctx, q, id))
	if err != nil {
		return nil, wrapErr("store.GetTemplate", err)
	}
	return t, nil
}

// CreateTemplate enforces spec §3's invariant at write time: a non-draft
// template must have at least one populated rule kind.
func (s *Store) CreateTemplate(ctx context.Context, t domain.RecordingTemplate) (*domain.RecordingTemplate, error) {
	r := t.MatchingRules
	if !t.IsDraft && len(r.ExactMatches) == 0 && len(r.Keywords) == 0 && len(r.Patterns) == 0 && len(r.SourceIDs) == 0 {
		return nil, errs.Validation("store.CreateTemplate", "a non-draft template needs at least one matching rule")
	}
	rules, _ := json.Marshal(t.MatchingRules)
	proc, _ := json.Marshal(t.ProcessingConfig)
	meta, _ := json.Marshal(t.MetadataConfig)
	out, _ := json.Marshal(t.OutputConfig)
	const q = `
		INSERT INTO recording_templates
			(user_id, name, matching_rules, processing_config, metadata_config, output_config, is_draft, is_active, used_count, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 0, now())
		RETURNING id, created_at`
	err := s.db.QueryRowContext(ctx, q, t.UserID, t.Name, rules, proc, meta, out, t.IsDraft, t.IsActive).
		Scan(&t.ID, &t.CreatedAt)
	if err != nil {
		return nil, wrapErr("store.CreateTemplate", err)
	}
	return &t, nil
}

// RecordTemplateUsage implements spec §4.4's "On a win the matcher
// increments used_count and sets last_used_at."
func (s *Store) RecordTemplateUsage(ctx context.Context, id int64, at time.Time) error {
	const q = `UPDATE recording_templates SET used_count = used_count + 1, last_used_at = $2 WHERE id = $1`
	_, err := s.db.ExecContext(ctx, q, id, at)
	return wrapErr("store.RecordTemplateUsage", err)
}

func scanTemplate(row rowScanner) (*domain.RecordingTemplate, error) {
	var t domain.RecordingTemplate
	var rules, proc, meta, out []byte
	err := row.Scan(&t.ID, &t.UserID, &t.Name, &rules, &proc, &meta, &out,
		&t.IsDraft, &t.IsActive, &t.UsedCount, &t.LastUsedAt, &t.CreatedAt)
	if err != nil {
		return nil, err
	}
	_ = json.Unmarshal(rules, &t.MatchingRules)
	_ = json.Unmarshal(proc, &t.ProcessingConfig)
	_ = json.Unmarshal(meta, &t.MetadataConfig)
	_ = json.Unmarshal(out, &t.OutputConfig)
	return &t, nil
}
