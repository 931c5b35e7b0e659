// Command orchestrator runs the media-automation pipeline core as a single
// long-running process: the stage-advance worker pool, the automation
// scheduler tick, and the janitor retention sweep, each on its own loop,
// plus a minimal ops HTTP surface (/healthz, /ready, /metrics). No adapter
// implementations are wired here — SourceAdapter, StageAction, and
// credential/storage backends are out-of-scope collaborators per spec §1;
// this binary is the core's host process, not a deployment.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"time"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/reeltrack/orchestrator/internal/clock"
	"github.com/reeltrack/orchestrator/internal/config"
	"github.com/reeltrack/orchestrator/internal/discovery"
	"github.com/reeltrack/orchestrator/internal/domain"
	"github.com/reeltrack/orchestrator/internal/errs"
	"github.com/reeltrack/orchestrator/internal/executor"
	"github.com/reeltrack/orchestrator/internal/handlers"
	"github.com/reeltrack/orchestrator/internal/janitor"
	"github.com/reeltrack/orchestrator/internal/logging"
	"github.com/reeltrack/orchestrator/internal/matcher"
	"github.com/reeltrack/orchestrator/internal/metrics"
	"github.com/reeltrack/orchestrator/internal/orchestrator"
	"github.com/reeltrack/orchestrator/internal/quota"
	"github.com/reeltrack/orchestrator/internal/scheduler"
	"github.com/reeltrack/orchestrator/internal/service"
	"github.com/reeltrack/orchestrator/internal/shutdown"
	"github.com/reeltrack/orchestrator/internal/storage"
	"github.com/reeltrack/orchestrator/internal/store"
	"github.com/reeltrack/orchestrator/internal/telemetry"
)

const advanceBatchSize = 50

func main() {
	log := logging.New("orchestrator")

	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("config load failed")
	}

	if err := telemetry.Init(cfg.SentryDSN, cfg.Version); err != nil {
		log.WithError(err).Warn("telemetry init failed, continuing without Sentry")
	}
	defer telemetry.Flush()

	db, err := sql.Open("postgres", cfg.PostgresURL)
	if err != nil {
		log.WithError(err).Fatal("postgres open failed")
	}
	defer db.Close()

	st := store.New(db)
	clk := clock.Real{}
	layout := storage.NewLayout(cfg.StorageRoot)
	ledger := quota.New(st, clk, layout)
	match := matcher.New(st, clk)
	ids := clock.NewIDGenerator(clk, 0)
	disc := discovery.New(st, ledger, ids, clk)
	exec := executor.New(st, ledger, clk)
	orch := orchestrator.New(st, exec, clk)
	jan := janitor.New(st, layout, clk, cfg.InitializedTTL)

	planOf := func(userID string) (int64, error) {
		sub, err := st.GetUserSubscription(context.Background(), userID)
		if err != nil {
			return 0, err
		}
		return sub.PlanID, nil
	}
	sched := scheduler.New(st, ledger, disc, match, noAdapters{}, clk, planOf)
	svc := service.New(st, ledger, sched, clk, cfg.SoftDeleteTTL)
	_ = svc // wired for completeness; a front-end binds to it out-of-tree per spec §1

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", handlers.Liveness)
	mux.Handle("/ready", handlers.Readiness(db, nil))
	mux.Handle("/metrics", promhttp.Handler())
	httpSrv := &http.Server{Addr: cfg.HTTPAddr, Handler: mux}

	ctx, cancel := shutdown.Context()
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer telemetry.RecoverWorker("ops-http")
		return serveUntilDone(gctx, httpSrv)
	})

	g.Go(func() error {
		defer telemetry.RecoverWorker("advance-loop")
		return runAdvanceLoop(gctx, st, orch, ledger, log)
	})

	g.Go(func() error {
		defer telemetry.RecoverWorker("scheduler-tick")
		return runSchedulerLoop(gctx, sched, cfg.SchedulerTick, log)
	})

	g.Go(func() error {
		defer telemetry.RecoverWorker("janitor")
		return runJanitorLoop(gctx, jan, cfg.JanitorInterval, log)
	})

	if err := g.Wait(); err != nil && gctx.Err() == nil {
		log.WithError(err).Error("worker pool exited with error")
	}
	log.Info("orchestrator stopped cleanly")
}

// serveUntilDone runs the ops HTTP server until ctx is canceled, then drains
// it, as one errgroup member alongside the background loops rather than
// owning main() itself.
func serveUntilDone(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// runAdvanceLoop repeatedly pulls advanceable recordings and advances each
// one stage (spec §4.7). planID/userSlug are resolved per recording since a
// batch can span users; per-recording errors are logged and skipped rather
// than aborting the whole batch (spec §5: "no ordering is guaranteed" across
// recordings).
func runAdvanceLoop(ctx context.Context, st *store.Store, orch *orchestrator.Orchestrator, ledger *quota.Ledger, log *logrus.Entry) error {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			recs, err := st.ListAdvanceable(ctx, advanceBatchSize)
			if err != nil {
				log.WithError(err).Error("ListAdvanceable failed")
				continue
			}
			for _, rec := range recs {
				if err := advanceOne(ctx, st, orch, rec); err != nil {
					log.WithError(err).Error("advance failed for recording " + rec.ID)
					telemetry.CaptureError(err, map[string]string{"recording_id": rec.ID})
				}
			}
		}
	}
}

func advanceOne(ctx context.Context, st *store.Store, orch *orchestrator.Orchestrator, rec *domain.Recording) error {
	prefs, err := domain.DecodeProcessingConfig(rec.Preferences)
	if err != nil {
		return err
	}
	user, err := st.GetUser(ctx, rec.UserID)
	if err != nil {
		return err
	}
	sub, err := st.GetUserSubscription(ctx, rec.UserID)
	if err != nil {
		return err
	}
	_, err = orch.Advance(ctx, rec.ID, prefs, sub.PlanID, user.Slug, noActions{})
	return err
}

func runSchedulerLoop(ctx context.Context, sched *scheduler.Scheduler, interval time.Duration, log *logrus.Entry) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			outcomes, errsOut := sched.Tick(ctx)
			if len(outcomes) > 0 {
				metrics.SchedulerTicksTotal.Inc()
			}
			for _, e := range errsOut {
				log.WithError(e).Error("scheduler tick error")
				telemetry.CaptureError(e, map[string]string{"component": "scheduler"})
			}
		}
	}
}

func runJanitorLoop(ctx context.Context, jan *janitor.Janitor, interval time.Duration, log *logrus.Entry) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			res := jan.Run(ctx)
			for _, e := range res.Errors {
				log.WithError(e).Error("janitor pass error")
				telemetry.CaptureError(e, map[string]string{"component": "janitor"})
			}
		}
	}
}

// noAdapters is the default AdapterResolver: no SourceAdapter
// implementations ship in the core (spec §1), so resolution always fails
// clearly instead of the scheduler silently doing nothing with a configured
// source.
type noAdapters struct{}

func (noAdapters) Resolve(src *domain.InputSource) (discovery.SourceAdapter, error) {
	return nil, errs.InvariantViolation("cmd.noAdapters.Resolve", fmt.Sprintf("no adapter registered for source type %s; a deployment must provide one", src.SourceType))
}

// noActions is the default ActionProvider, for the same reason: stage
// actions are out-of-scope collaborators per spec §1.
type noActions struct{}

func (noActions) ActionFor(stageType domain.StageType) executor.StageAction {
	return stubAction{stageType: stageType}
}

type stubAction struct{ stageType domain.StageType }

func (a stubAction) Run(ctx context.Context, rec *domain.Recording) (executor.ActionResult, error) {
	return executor.ActionResult{}, errs.New(errs.KindFatalExternal, "cmd.stubAction.Run",
		fmt.Errorf("no action registered for stage %s; a deployment must provide one", a.stageType))
}
