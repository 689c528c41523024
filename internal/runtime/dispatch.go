package runtime

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/apphub-io/timestore/internal/apperr"
	"github.com/apphub-io/timestore/internal/bundles"
	"github.com/apphub-io/timestore/internal/queue"
	"github.com/apphub-io/timestore/internal/sandbox"
	"github.com/apphub-io/timestore/internal/storage"
)

// HandleRun executes one delivery of a job run. Redeliveries of terminal or
// already-running runs are no-ops: the run row, not the queue, is the source
// of truth.
func (r *Runtime) HandleRun(ctx context.Context, runID string) error {
	run, err := r.deps.Store.GetRun(ctx, runID)
	if err != nil {
		return err
	}

	if run.Status.IsTerminal() || run.Status == storage.RunRunning {
		r.logger.Info("skipping redelivered run", "runId", run.ID, "status", run.Status)

		return nil
	}

	def, err := r.deps.Store.GetDefinition(ctx, run.JobSlug)
	if err != nil {
		if apperr.IsKind(err, apperr.KindNotFound) {
			return r.failRun(ctx, run, "definition-missing",
				fmt.Sprintf("job definition %s no longer exists", run.JobSlug), nil)
		}

		return err
	}

	if handled, err := r.dispatchSpecial(ctx, def, run); handled || err != nil {
		return err
	}

	parameters := MergeParameters(def.DefaultParameters, run.Parameters)

	if err := ValidateParameters(def.ParametersSchema, parameters); err != nil {
		return r.failRun(ctx, run, "invalid-parameters", err.Error(), apperr.PropertiesOf(err))
	}

	running, err := r.deps.Store.TransitionRun(ctx, run.ID, storage.RunRunning, nil)
	if err != nil {
		return err
	}

	// The run is cancellable while it executes: Cancel looks up the hook
	// and fails the attempt with kind cancelled.
	runCtx, stop := context.WithCancelCause(ctx)
	r.trackRun(running.ID, stop)

	telemetry, execErr := r.execute(runCtx, def, running, parameters)

	r.untrackRun(running.ID)
	stop(nil)

	if execErr != nil {
		return r.settleFailure(ctx, def, running, execErr)
	}

	patch := &storage.RunPatch{
		Result:  telemetry.Result,
		Metrics: mergeTelemetryMetrics(running.Metrics, telemetry),
	}

	_, err = r.deps.Store.TransitionRun(ctx, running.ID, storage.RunSucceeded, patch)
	if err != nil {
		return err
	}

	r.logger.Info("run succeeded",
		"runId", running.ID, "jobSlug", running.JobSlug,
		"attempt", running.Attempt, "durationMs", telemetry.DurationMs)

	return nil
}

// dispatchSpecial short-circuits the pre-registered repository slugs: they
// validate a single required parameter and hand off to a domain queue instead
// of entering a sandbox.
func (r *Runtime) dispatchSpecial(ctx context.Context, def *storage.JobDefinition, run *storage.JobRun) (bool, error) {
	var queueName, requiredParam string

	switch def.Slug {
	case SlugRepositoryIngest:
		queueName, requiredParam = QueueRepositoryIngest, "repositoryId"
	case SlugRepositoryBuild:
		queueName, requiredParam = QueueRepositoryBuild, "buildId"
	default:
		return false, nil
	}

	parameters := MergeParameters(def.DefaultParameters, run.Parameters)

	value, _ := parameters[requiredParam].(string)
	if value == "" {
		return true, r.failRun(ctx, run, "missing-parameter",
			fmt.Sprintf("parameter %s is required for %s", requiredParam, def.Slug), nil)
	}

	if _, err := r.deps.Store.TransitionRun(ctx, run.ID, storage.RunRunning, nil); err != nil {
		return true, err
	}

	jobID, err := r.deps.Queue.Enqueue(ctx, queueName, parameters, queue.EnqueueOptions{})
	if err != nil {
		return true, r.failRun(ctx, run, "enqueue-failed", err.Error(), nil)
	}

	_, err = r.deps.Store.TransitionRun(ctx, run.ID, storage.RunSucceeded, &storage.RunPatch{
		Result: storage.JSONMap{"enqueuedTo": queueName, "jobId": jobID},
	})

	return true, err
}

// execute selects the executor for the definition's runtime and runs the
// attempt.
func (r *Runtime) execute(ctx context.Context, def *storage.JobDefinition, run *storage.JobRun, parameters storage.JSONMap) (*sandbox.Telemetry, error) {
	req := &sandbox.Request{
		Definition: def,
		Run:        run,
		Parameters: parameters,
		Update: func(ctx context.Context, patch *storage.RunPatch) (*storage.JobRun, error) {
			return r.deps.Store.PatchRun(ctx, run.ID, patch)
		},
		ResolveSecret: sandbox.NewEnvSecretResolver(run.ID, run.JobSlug, r.deps.SecretAudit),
	}

	if ms := storage.EffectiveTimeout(def, run); ms != nil && *ms > 0 {
		req.Timeout = time.Duration(*ms) * time.Millisecond
	}

	switch def.Runtime {
	case storage.RuntimeContainer:
		if r.deps.Container == nil {
			return nil, apperr.New(apperr.KindDockerPolicy, "container runtime is not enabled")
		}

		return r.deps.Container.Execute(ctx, req)

	case storage.RuntimeModule:
		target := strings.TrimPrefix(def.EntryPoint, "module:")
		if !r.deps.Inproc.Registered(target) {
			return nil, apperr.Newf(apperr.KindNotFound, "module target %s is not loaded", target)
		}

		req.ExportName = target

		return r.deps.Inproc.Execute(ctx, req)
	}

	binding, hasBinding, err := r.resolveBinding(def, run)
	if err != nil {
		return nil, err
	}

	if hasBinding && r.deps.BundleConfig.SlugEnabled(def.Slug) {
		return r.executeBundle(ctx, def, run, req, binding)
	}

	return r.deps.Inproc.Execute(ctx, req)
}

// resolveBinding picks the bundle binding for a run. A binding recorded on
// the run context wins over the definition entry point, so a recovered run
// re-executes against the rematerialized bundle.
func (r *Runtime) resolveBinding(def *storage.JobDefinition, run *storage.JobRun) (bundles.Binding, bool, error) {
	raw := def.EntryPoint

	if override, ok := run.Context["bundleBinding"].(string); ok && override != "" {
		raw = override
	}

	if !bundles.IsBinding(raw) {
		return bundles.Binding{}, false, nil
	}

	binding, err := bundles.ParseBinding(raw)
	if err != nil {
		return bundles.Binding{}, false, err
	}

	return binding, true, nil
}

// executeBundle acquires the bound bundle and runs it in the interpreter
// sandbox. Resolution failures go through the recovery hook once; if the
// bundle still cannot be materialized, a registered static handler is used
// as fallback when policy allows.
func (r *Runtime) executeBundle(ctx context.Context, def *storage.JobDefinition, run *storage.JobRun, req *sandbox.Request, binding bundles.Binding) (*sandbox.Telemetry, error) {
	acquired, fallbackCtx, err := r.acquireWithRecovery(ctx, binding)
	if err != nil {
		// Static fallback handlers register under the job slug.
		if r.deps.Inproc.Registered(def.Slug) && r.deps.BundleConfig.FallbackAllowed(def.Slug) {
			r.logger.Warn("bundle unavailable, using static fallback",
				"runId", run.ID, "bundle", binding.String(), "error", err)

			r.recordContext(ctx, run, storage.JSONMap{"bundleFallback": storage.JSONMap{
				"binding": binding.String(),
				"reason":  err.Error(),
				"static":  true,
			}})

			req.ExportName = def.Slug

			return r.deps.Inproc.Execute(ctx, req)
		}

		return nil, err
	}

	defer acquired.Release()

	if fallbackCtx != nil {
		r.recordContext(ctx, run, storage.JSONMap{"bundleFallback": fallbackCtx})
	}

	req.Bundle = acquired
	req.ExportName = binding.Export

	if r.deps.Python == nil {
		return nil, apperr.New(apperr.KindExecution, "interpreter runtime is not enabled")
	}

	return r.deps.Python.Execute(ctx, req)
}

// acquireWithRecovery resolves and acquires a bundle, invoking the recovery
// hook on resolution failures. When recovery yields a different binding the
// acquisition is retried against it and the swap is reported for the run
// context.
func (r *Runtime) acquireWithRecovery(ctx context.Context, binding bundles.Binding) (*bundles.AcquiredBundle, storage.JSONMap, error) {
	acquired, err := r.acquire(ctx, binding)
	if err == nil {
		return acquired, nil, nil
	}

	if !recoverableBundleErr(err) || r.deps.Recovery == nil {
		return nil, nil, err
	}

	recovered, recoveryErr := r.deps.Recovery(ctx, binding)
	if recoveryErr != nil || recovered == nil {
		r.logger.Warn("bundle recovery failed", "bundle", binding.String(), "error", recoveryErr)

		return nil, nil, err
	}

	acquired, retryErr := r.acquire(ctx, *recovered)
	if retryErr != nil {
		return nil, nil, retryErr
	}

	return acquired, storage.JSONMap{
		"binding":          binding.String(),
		"recoveredBinding": recovered.String(),
	}, nil
}

func (r *Runtime) acquire(ctx context.Context, binding bundles.Binding) (*bundles.AcquiredBundle, error) {
	version, err := r.deps.Registry.Resolve(ctx, binding.Slug, binding.Version)
	if err != nil {
		return nil, err
	}

	return r.deps.Cache.Acquire(ctx, version)
}

func recoverableBundleErr(err error) bool {
	return apperr.IsKind(err, apperr.KindBundleNotFound) ||
		apperr.IsKind(err, apperr.KindAcquireFailed) ||
		apperr.IsKind(err, apperr.KindNotFound)
}

// settleFailure maps an execution error onto the run state machine:
// cancellation and timeout are terminal in their own states, retryable
// failures with attempt budget left requeue with backoff, everything else
// fails terminally.
func (r *Runtime) settleFailure(ctx context.Context, def *storage.JobDefinition, run *storage.JobRun, execErr error) error {
	kind := apperr.KindOf(execErr)
	message := execErr.Error()

	switch kind {
	case apperr.KindCancelled:
		_, err := r.deps.Store.TransitionRun(ctx, run.ID, storage.RunCanceled, &storage.RunPatch{
			ErrorMessage:  &message,
			FailureReason: strptr("canceled"),
			Metrics:       storage.JSONMap{"cancelledSteps": 1},
		})
		if errors.Is(err, storage.ErrInvalidStateTransition) {
			// Cancel settled the row first and accounted for the step.
			return nil
		}

		if err == nil {
			r.deps.Metrics.CancelledStep()
		}

		return err

	case apperr.KindTimeout:
		if r.shouldRetry(def, run, execErr) {
			return r.requeueWithLog(ctx, def, run, execErr)
		}

		_, err := r.deps.Store.TransitionRun(ctx, run.ID, storage.RunExpired, &storage.RunPatch{
			ErrorMessage:  &message,
			FailureReason: strptr("timeout"),
		})

		return err
	}

	if r.shouldRetry(def, run, execErr) {
		return r.requeueWithLog(ctx, def, run, execErr)
	}

	patch := &storage.RunPatch{Context: failureContext(execErr)}

	return r.failRunWithPatch(ctx, run, string(kind), message, patch)
}

// shouldRetry applies the retry policy to a failed attempt.
func (r *Runtime) shouldRetry(def *storage.JobDefinition, run *storage.JobRun, execErr error) bool {
	policy := retryPolicyOf(def)
	if policy.Strategy == "" || policy.Strategy == "none" {
		return false
	}

	if !apperr.Retryable(execErr) && !apperr.IsKind(execErr, apperr.KindTimeout) {
		return false
	}

	attemptBudget := policy.MaxAttempts
	if run.MaxAttempts != nil {
		attemptBudget = *run.MaxAttempts
	}

	return !queue.Exhausted(storage.RetryPolicy{MaxAttempts: attemptBudget}, run.Attempt)
}

func (r *Runtime) requeueWithLog(ctx context.Context, def *storage.JobDefinition, run *storage.JobRun, execErr error) error {
	r.logger.Warn("run attempt failed, scheduling retry",
		"runId", run.ID, "jobSlug", run.JobSlug,
		"attempt", run.Attempt, "error", execErr)

	return r.requeueRun(ctx, run, retryPolicyOf(def))
}

func (r *Runtime) failRun(ctx context.Context, run *storage.JobRun, reason, message string, props map[string]any) error {
	patch := &storage.RunPatch{}
	if len(props) > 0 {
		patch.Context = storage.JSONMap{"failureProperties": props}
	}

	return r.failRunWithPatch(ctx, run, reason, message, patch)
}

func (r *Runtime) failRunWithPatch(ctx context.Context, run *storage.JobRun, reason, message string, patch *storage.RunPatch) error {
	patch.ErrorMessage = &message
	patch.FailureReason = &reason

	_, err := r.deps.Store.TransitionRun(ctx, run.ID, storage.RunFailed, patch)
	if err != nil {
		return err
	}

	r.logger.Warn("run failed",
		"runId", run.ID, "jobSlug", run.JobSlug,
		"attempt", run.Attempt, "reason", reason)

	return nil
}

// recordContext best-effort merges extra context onto the run row mid-flight.
func (r *Runtime) recordContext(ctx context.Context, run *storage.JobRun, extra storage.JSONMap) {
	if _, err := r.deps.Store.PatchRun(ctx, run.ID, &storage.RunPatch{Context: extra}); err != nil {
		r.logger.Warn("failed to record run context", "runId", run.ID, "error", err)
	}
}

// failureContext derives the context block stored on a terminal failure. An
// asset_missing property signals the asset recovery workflow downstream.
func failureContext(execErr error) storage.JSONMap {
	props := apperr.PropertiesOf(execErr)
	if len(props) == 0 {
		return nil
	}

	ctx := storage.JSONMap{"failureProperties": props}

	if code, _ := props["code"].(string); code == "asset_missing" {
		ctx["assetRecovery"] = storage.JSONMap{"triggered": true, "code": code}
	}

	return ctx
}

// mergeTelemetryMetrics folds sandbox resource accounting into the run
// metrics alongside anything the handler reported through updates.
func mergeTelemetryMetrics(existing storage.JSONMap, telemetry *sandbox.Telemetry) storage.JSONMap {
	merged := make(storage.JSONMap, len(existing)+3)

	for k, v := range existing {
		merged[k] = v
	}

	merged["durationMs"] = telemetry.DurationMs
	merged["resourceUsage"] = telemetry.ResourceUsage
	merged["logCount"] = len(telemetry.Logs) + telemetry.TruncatedLogCount

	return merged
}

func retryPolicyOf(def *storage.JobDefinition) storage.RetryPolicy {
	if def.RetryPolicy == nil {
		return storage.RetryPolicy{Strategy: "none"}
	}

	return *def.RetryPolicy
}

func strptr(s string) *string { return &s }
