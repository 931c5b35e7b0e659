// Package telemetry wraps Sentry error reporting for the orchestrator core,
// adapted from the teacher's pkg/telemetry: same Init/CaptureError/Flush
// shape, with the HTTP panic-recovery middleware replaced by a worker-loop
// recovery helper since the core has no net/http surface of its own (spec
// §1's invariant_violation -> "crash the worker" via §7).
package telemetry

import (
	"fmt"
	"os"
	"time"

	"github.com/getsentry/sentry-go"
)

// Init initializes the Sentry SDK for the orchestrator process. dsn may be
// empty — Sentry is then disabled and every other call in this package is a
// no-op. release should be the build version or git SHA.
func Init(dsn, release string) error {
	env := os.Getenv("ORCH_ENV")
	if env == "" {
		env = "development"
	}
	if dsn == "" {
		fmt.Fprintln(os.Stderr, "telemetry: ORCH_SENTRY_DSN not set, Sentry disabled")
		return nil
	}
	err := sentry.Init(sentry.ClientOptions{
		Dsn:              dsn,
		Environment:      env,
		Release:          release,
		AttachStacktrace: true,
		Tags:             map[string]string{"component": "orchestrator"},
	})
	if err != nil {
		return fmt.Errorf("telemetry.Init: %w", err)
	}
	return nil
}

// CaptureError reports an error with optional context tags (recording_id,
// stage_type, job_id, ...). Safe to call with Sentry disabled.
func CaptureError(err error, tags map[string]string) {
	if err == nil {
		return
	}
	sentry.WithScope(func(scope *sentry.Scope) {
		for k, v := range tags {
			scope.SetTag(k, v)
		}
		sentry.CaptureException(err)
	})
}

// Flush waits for buffered events to be sent. Call with defer in main().
func Flush() {
	sentry.Flush(2 * time.Second)
}

// RecoverWorker reports a worker-goroutine panic to Sentry and re-panics,
// matching spec §7's "invariant_violation triggers a panic caught by a
// recover... which logs via sentry-go before letting the goroutine die."
// Call as `defer telemetry.RecoverWorker("scheduler-tick")` at the top of
// every long-running background goroutine.
func RecoverWorker(label string) {
	if rec := recover(); rec != nil {
		var err error
		switch v := rec.(type) {
		case error:
			err = v
		default:
			err = fmt.Errorf("panic in %s: %v", label, v)
		}
		hub := sentry.CurrentHub().Clone()
		hub.Scope().SetTag("worker", label)
		hub.Scope().SetTag("panic", "true")
		hub.CaptureException(err)
		hub.Flush(2 * time.Second)
		panic(rec)
	}
}
