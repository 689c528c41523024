// Package runtime dispatches job runs: it selects an executor for each run,
// drives the run state machine, applies retry policy, and recovers from
// bundle resolution failures.
package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/apphub-io/timestore/internal/apperr"
	"github.com/apphub-io/timestore/internal/bundles"
	"github.com/apphub-io/timestore/internal/config"
	"github.com/apphub-io/timestore/internal/queue"
	"github.com/apphub-io/timestore/internal/sandbox"
	"github.com/apphub-io/timestore/internal/storage"
)

// Queue names owned by the runtime.
const (
	QueueJobs            = "jobs"
	QueueRepositoryIngest = "repository-ingest"
	QueueRepositoryBuild  = "repository-build"
)

// Pre-registered slugs that short-circuit sandbox execution.
const (
	SlugRepositoryIngest = "repository-ingest"
	SlugRepositoryBuild  = "repository-build"
)

type (
	// RunStore is the slice of the metadata store the runtime needs.
	// *storage.JobStore satisfies it; tests substitute doubles.
	RunStore interface {
		GetDefinition(ctx context.Context, slug string) (*storage.JobDefinition, error)
		GetRun(ctx context.Context, id string) (*storage.JobRun, error)
		CreateRun(ctx context.Context, run *storage.JobRun) (*storage.JobRun, error)
		TransitionRun(ctx context.Context, id string, next storage.RunStatus, patch *storage.RunPatch) (*storage.JobRun, error)
		PatchRun(ctx context.Context, id string, patch *storage.RunPatch) (*storage.JobRun, error)
		RequeueRun(ctx context.Context, id string, scheduledAt time.Time) (*storage.JobRun, error)
		ListStaleRunning(ctx context.Context, cutoff time.Time, limit int) ([]*storage.JobRun, error)
	}

	// BundleResolver resolves version rows; *bundles.Registry satisfies it.
	BundleResolver interface {
		Resolve(ctx context.Context, slug, version string) (*storage.BundleVersion, error)
	}

	// BundleAcquirer materializes archives; *bundles.Cache satisfies it.
	BundleAcquirer interface {
		Acquire(ctx context.Context, v *storage.BundleVersion) (*bundles.AcquiredBundle, error)
	}

	// MetadataValidator is implemented by executors that can vet runtime
	// metadata before any run exists. *sandbox.ContainerExecutor satisfies
	// it.
	MetadataValidator interface {
		ValidateMetadata(def *storage.JobDefinition, parameters storage.JSONMap) error
	}

	// RecoveryHook rematerializes a bundle binding from secondary
	// metadata after a resolution failure. Returning a different binding
	// retries acquisition with it.
	RecoveryHook func(ctx context.Context, binding bundles.Binding) (*bundles.Binding, error)

	// Deps is the runtime's dependency set, composed at startup.
	Deps struct {
		Store        RunStore
		Queue        queue.Queue
		Registry     BundleResolver
		Cache        BundleAcquirer
		BundleConfig *bundles.Config
		Inproc       *sandbox.InprocExecutor
		Python       sandbox.Executor
		Container    sandbox.Executor
		Recovery     RecoveryHook
		SecretAudit  sandbox.SecretAudit
		Metrics      *Metrics
	}

	// Runtime executes job runs end to end.
	Runtime struct {
		deps   Deps
		logger *slog.Logger

		mu     sync.Mutex
		active map[string]context.CancelCauseFunc
	}

	// runMessage is the queue payload for a job run.
	runMessage struct {
		RunID string `json:"runId"`
	}
)

// New wires a runtime from its dependency set.
func New(deps Deps) *Runtime {
	return &Runtime{
		deps: deps,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
		active: make(map[string]context.CancelCauseFunc),
	}
}

// Submit validates parameters, creates a pending run, and enqueues it.
func (r *Runtime) Submit(ctx context.Context, slug string, parameters storage.JSONMap, delay time.Duration) (*storage.JobRun, error) {
	def, err := r.deps.Store.GetDefinition(ctx, slug)
	if err != nil {
		return nil, err
	}

	if !def.Active {
		return nil, apperr.Newf(apperr.KindValidation, "job definition %s is inactive", slug)
	}

	effective := MergeParameters(def.DefaultParameters, parameters)

	if err := ValidateParameters(def.ParametersSchema, effective); err != nil {
		return nil, err
	}

	// Policy violations reject the submission outright; no run record is
	// created for a spec that could never start.
	if err := r.validateRuntimeMetadata(def, effective); err != nil {
		return nil, err
	}

	var maxAttempts *int

	if def.RetryPolicy != nil && def.RetryPolicy.MaxAttempts > 0 {
		maxAttempts = &def.RetryPolicy.MaxAttempts
	}

	run, err := r.deps.Store.CreateRun(ctx, &storage.JobRun{
		JobDefinitionID: def.ID,
		JobSlug:         def.Slug,
		Parameters:      effective,
		MaxAttempts:     maxAttempts,
		TimeoutMs:       def.TimeoutMs,
		ScheduledAt:     time.Now().Add(delay),
	})
	if err != nil {
		return nil, err
	}

	_, err = r.deps.Queue.Enqueue(ctx, QueueJobs, runMessage{RunID: run.ID}, queue.EnqueueOptions{
		JobID: run.ID,
		Delay: delay,
	})
	if err != nil {
		return nil, err
	}

	return run, nil
}

// Cancel settles a run as canceled and signals its executing sandbox, if
// any. The row transition happens first so a queue redelivery of the run
// no-ops; the signal then unwinds the in-flight attempt.
func (r *Runtime) Cancel(ctx context.Context, runID, reason string) (*storage.JobRun, error) {
	r.mu.Lock()
	cancel := r.active[runID]
	r.mu.Unlock()

	message := reason
	patch := &storage.RunPatch{
		ErrorMessage:  &message,
		FailureReason: strptr("canceled"),
	}

	// A pending run has no execution step to interrupt.
	if cancel != nil {
		patch.Metrics = storage.JSONMap{"cancelledSteps": 1}
	}

	run, err := r.deps.Store.TransitionRun(ctx, runID, storage.RunCanceled, patch)
	if errors.Is(err, storage.ErrInvalidStateTransition) {
		return nil, apperr.Wrap(apperr.KindConcurrentUpdate, "cancel run", err)
	}

	if err != nil {
		return nil, err
	}

	if cancel != nil {
		cancel(apperr.New(apperr.KindCancelled, reason))
		r.deps.Metrics.CancelledStep()
	}

	return run, nil
}

// trackRun registers the cancel hook for an executing run.
func (r *Runtime) trackRun(runID string, cancel context.CancelCauseFunc) {
	r.mu.Lock()
	r.active[runID] = cancel
	r.mu.Unlock()
}

func (r *Runtime) untrackRun(runID string) {
	r.mu.Lock()
	delete(r.active, runID)
	r.mu.Unlock()
}

// ValidateDefinition vets a definition's runtime metadata against host
// policy. The API calls it before persisting an upsert.
func (r *Runtime) ValidateDefinition(def *storage.JobDefinition) error {
	return r.validateRuntimeMetadata(def, def.DefaultParameters)
}

func (r *Runtime) validateRuntimeMetadata(def *storage.JobDefinition, parameters storage.JSONMap) error {
	if def.Runtime != storage.RuntimeContainer {
		return nil
	}

	validator, ok := r.deps.Container.(MetadataValidator)
	if !ok {
		return nil
	}

	return validator.ValidateMetadata(def, parameters)
}

// RegisterWorkers attaches the run handler pool to the jobs queue. Retry is
// managed by the runtime itself through the run state machine, so the queue
// pool runs with a single-attempt policy.
func (r *Runtime) RegisterWorkers(concurrency int) error {
	return r.deps.Queue.RegisterWorker(QueueJobs, concurrency, storage.RetryPolicy{Strategy: "none"},
		func(ctx context.Context, job *queue.Job) error {
			var msg runMessage
			if err := json.Unmarshal(job.Payload, &msg); err != nil {
				return apperr.Wrap(apperr.KindValidation, "decode run message", err)
			}

			return r.HandleRun(ctx, msg.RunID)
		})
}

// Requeue schedules the next attempt of a run after a retryable failure.
func (r *Runtime) requeueRun(ctx context.Context, run *storage.JobRun, policy storage.RetryPolicy) error {
	delay := queue.Backoff(policy, run.Attempt)

	requeued, err := r.deps.Store.RequeueRun(ctx, run.ID, time.Now().Add(delay))
	if err != nil {
		return err
	}

	_, err = r.deps.Queue.Enqueue(ctx, QueueJobs, runMessage{RunID: requeued.ID}, queue.EnqueueOptions{
		Delay: delay,
	})

	return err
}
