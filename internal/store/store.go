// Package store is the durable Recording Store (spec §4.3) plus the
// persistence side of every other entity in spec §3. It is a thin,
// direct-SQL layer over Postgres — no ORM — grounded on the teacher's
// services/billing query style (positional `$1` placeholders,
// QueryRowContext/QueryContext/ExecContext, errors wrapped with the
// calling operation's name).
//
// Schema is out of this repo's scope (spec §1: "Schema migrations... the
// core sees them through..."); the queries below assume tables named after
// each entity in spec §3 (users, subscription_plans, user_subscriptions,
// quota_usage, user_concurrency, input_sources, output_presets,
// recording_templates, automation_jobs, recordings, processing_stages,
// output_targets, source_metadata, stage_timings, refresh_tokens) with
// columns matching the entity's fields.
package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/lib/pq"

	"github.com/reeltrack/orchestrator/internal/errs"
)

// Store wraps a *sql.DB with the entity-scoped query methods declared across
// this package's files (users.go, recordings.go, stages.go, targets.go,
// sourcemeta.go, timings.go, templates.go, jobs.go, quota.go).
type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Tx runs fn inside a transaction, committing on nil error and rolling back
// otherwise. PurgeHardDeletedCascade and CreateOutputTargets use it. The
// executor's quota admission and BeginStage do not: they run as separate
// statements, outside any shared transaction.
func (s *Store) Tx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errs.New(errs.KindRetryableIO, "store.Tx", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return errs.New(errs.KindRetryableIO, "store.Tx", err)
	}
	return nil
}

// uniqueViolationConstraint returns the constraint name if err is a
// Postgres unique_violation (SQLSTATE 23505), else "". wrapErr uses it to
// turn a unique violation into errs.KindConflict instead of locking up
// front. Stage rows are serialized differently: BeginStage's conditional
// upsert returns no row when the stage is already IN_PROGRESS.
func uniqueViolationConstraint(err error) string {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return pqErr.Constraint
	}
	return ""
}

// wrapErr maps a raw database/sql error to the taxonomy in spec §7.
func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if err == sql.ErrNoRows {
		return errs.NotFound(op, "not found")
	}
	if c := uniqueViolationConstraint(err); c != "" {
		return errs.Conflict(op, "unique constraint violated: "+c)
	}
	return errs.New(errs.KindRetryableIO, op, err)
}
