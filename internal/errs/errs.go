// Package errs defines the tagged error taxonomy described in spec §7.
// It mirrors the layered, typed-error style the teacher uses in
// internal/auth (sentinel errors checked with errors.Is), adapted to a
// single wrapping type with a Kind discriminant so callers across the
// core (store, quota, executor, orchestrator, scheduler, service) can
// branch on the same small vocabulary instead of inventing one per package.
package errs

import (
	"errors"
	"fmt"
)

// Kind is the error taxonomy from spec §7.
type Kind string

const (
	// KindValidation — caller input violated a schema or invariant.
	// Propagate; never mutate state.
	KindValidation Kind = "validation"

	// KindNotFound — entity missing or scoped to another user. Propagate.
	KindNotFound Kind = "not_found"

	// KindConflict — uniqueness violation. Propagate.
	KindConflict Kind = "conflict"

	// KindQuotaDenied — quota check failed. Synchronous callers propagate;
	// scheduler-driven work logs on the recording and stops advancing it.
	KindQuotaDenied Kind = "quota_denied"

	// KindRetryableIO — transient failure against an external collaborator.
	// Handled by the Stage Executor's backoff.
	KindRetryableIO Kind = "retryable_io"

	// KindFatalExternal — permanent failure. Stage becomes FAILED.
	KindFatalExternal Kind = "fatal_external"

	// KindInvariantViolation — an internal check failed. Crash the worker.
	KindInvariantViolation Kind = "invariant_violation"
)

// Error is a tagged, wrapped error. Op names the operation that failed
// (e.g. "store.CreateRecording"), matching the teacher's convention of
// prefixing log lines with a component name.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New constructs a tagged Error.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Validation, NotFound, Conflict, QuotaDenied, RetryableIO, FatalExternal,
// and InvariantViolation are convenience constructors for the seven kinds.
func Validation(op, msg string) *Error { return New(KindValidation, op, errors.New(msg)) }
func NotFound(op, msg string) *Error   { return New(KindNotFound, op, errors.New(msg)) }
func Conflict(op, msg string) *Error   { return New(KindConflict, op, errors.New(msg)) }
func QuotaDenied(op, reason string) *Error {
	return New(KindQuotaDenied, op, errors.New(reason))
}
func RetryableIO(op string, cause error) *Error    { return New(KindRetryableIO, op, cause) }
func FatalExternal(op string, cause error) *Error  { return New(KindFatalExternal, op, cause) }
func InvariantViolation(op, msg string) *Error     { return New(KindInvariantViolation, op, errors.New(msg)) }

// KindOf extracts the Kind from err, walking the unwrap chain. Returns
// ("", false) if err carries no *Error.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// Is reports whether err's Kind equals kind.
func Is(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}
