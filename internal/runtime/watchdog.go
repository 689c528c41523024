package runtime

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/apphub-io/timestore/internal/config"
	"github.com/apphub-io/timestore/internal/storage"
)

// Watchdog defaults, overridable through the environment.
const (
	defaultWatchdogInterval   = 30 * time.Second
	defaultWatchdogStaleAfter = 2 * time.Minute
	watchdogBatchSize         = 100
)

// Watchdog scans for running runs whose heartbeat went silent and either
// requeues them (attempt budget left) or expires them.
type Watchdog struct {
	store      RunStore
	runtime    *Runtime
	interval   time.Duration
	staleAfter time.Duration
	logger     *slog.Logger
}

// NewWatchdog wires a heartbeat watchdog over the run store.
func NewWatchdog(store RunStore, rt *Runtime) *Watchdog {
	return &Watchdog{
		store:      store,
		runtime:    rt,
		interval:   config.GetEnvDuration("CORE_WATCHDOG_INTERVAL", defaultWatchdogInterval),
		staleAfter: config.GetEnvDuration("CORE_WATCHDOG_STALE_AFTER", defaultWatchdogStaleAfter),
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
	}
}

// Run blocks, sweeping on the configured interval until ctx is cancelled.
func (w *Watchdog) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.Sweep(ctx); err != nil {
				w.logger.Error("watchdog sweep failed", "error", err)
			}
		}
	}
}

// Sweep performs one pass over stale running runs.
func (w *Watchdog) Sweep(ctx context.Context) error {
	cutoff := time.Now().Add(-w.staleAfter)

	stale, err := w.store.ListStaleRunning(ctx, cutoff, watchdogBatchSize)
	if err != nil {
		return err
	}

	for _, run := range stale {
		if err := w.settle(ctx, run); err != nil {
			w.logger.Error("watchdog failed to settle run", "runId", run.ID, "error", err)
		}
	}

	return nil
}

func (w *Watchdog) settle(ctx context.Context, run *storage.JobRun) error {
	def, err := w.runtime.deps.Store.GetDefinition(ctx, run.JobSlug)
	if err == nil && w.hasAttemptBudget(def, run) {
		w.logger.Warn("heartbeat lost, requeueing run",
			"runId", run.ID, "jobSlug", run.JobSlug, "attempt", run.Attempt)

		return w.runtime.requeueRun(ctx, run, retryPolicyOf(def))
	}

	message := "heartbeat lost: no update within the watchdog window"

	_, transitionErr := w.store.TransitionRun(ctx, run.ID, storage.RunExpired, &storage.RunPatch{
		ErrorMessage:  &message,
		FailureReason: strptr("heartbeat-timeout"),
	})
	if transitionErr != nil {
		return transitionErr
	}

	w.logger.Warn("heartbeat lost, run expired",
		"runId", run.ID, "jobSlug", run.JobSlug, "attempt", run.Attempt)

	return nil
}

func (w *Watchdog) hasAttemptBudget(def *storage.JobDefinition, run *storage.JobRun) bool {
	policy := retryPolicyOf(def)
	if policy.Strategy == "" || policy.Strategy == "none" {
		return false
	}

	budget := policy.MaxAttempts
	if run.MaxAttempts != nil {
		budget = *run.MaxAttempts
	}

	return run.Attempt < budget
}
