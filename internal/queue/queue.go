// Package queue provides the durable work queue shared by the job runtime,
// the ingestion pipeline, and the lifecycle engine.
//
// Two modes exist: a Redis-backed distributed mode with delayed scheduling,
// repeats, and dead-lettering, and an inline mode that executes handlers on
// the calling goroutine. Inline mode is gated behind an explicit allow flag
// so it cannot be enabled in production by accident.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"math/rand"
	"time"

	"github.com/apphub-io/timestore/internal/storage"
)

// ErrQueueClosed is returned when an operation is attempted on a closed queue.
var ErrQueueClosed = errors.New("queue is closed")

// ErrNoWorkerRegistered is returned by inline mode when a job targets a queue
// with no registered handler.
var ErrNoWorkerRegistered = errors.New("no worker registered for queue")

type (
	// Job is what a worker handler receives. Payload is the raw enqueued
	// body; Attempt starts at 1.
	Job struct {
		ID      string          `json:"id"`
		Queue   string          `json:"queue"`
		Payload json.RawMessage `json:"payload"`
		Attempt int             `json:"attempt"`
	}

	// Handler processes a single job. Returning a retryable error (see
	// apperr.Retryable) requeues the job with backoff; a terminal error
	// dead-letters it.
	Handler func(ctx context.Context, job *Job) error

	// EnqueueOptions tune a single enqueue call.
	EnqueueOptions struct {
		// JobID makes the enqueue idempotent: a second enqueue with the
		// same id while the first is still live is a no-op.
		JobID string

		// Delay defers the first handler attempt.
		Delay time.Duration

		// RepeatEvery re-enqueues the job after every successful
		// completion. Zero means one-shot.
		RepeatEvery time.Duration

		RemoveOnComplete bool
		RemoveOnFail     bool
	}

	// Health is the queue's observable state, surfaced by the readiness
	// probe.
	Health struct {
		Ready     bool   `json:"ready"`
		Inline    bool   `json:"inline"`
		LastError string `json:"lastError,omitempty"`
	}

	// Queue is the contract shared by the Redis and inline modes.
	Queue interface {
		// Enqueue schedules a payload on a named queue and returns the
		// job id.
		Enqueue(ctx context.Context, queueName string, payload any, opts EnqueueOptions) (string, error)

		// RegisterWorker attaches a pool of concurrency workers to a
		// named queue. The retry policy governs requeue backoff for
		// retryable handler errors.
		RegisterWorker(queueName string, concurrency int, policy storage.RetryPolicy, handler Handler) error

		// Health reports readiness, mode, and the last observed error.
		Health(ctx context.Context) Health

		// Close stops workers and releases broker connections.
		Close() error
	}
)

// Backoff computes the delay before the next attempt under a retry policy.
// attempt is the number of the attempt that just failed, starting at 1.
func Backoff(policy storage.RetryPolicy, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	base := time.Duration(policy.InitialDelayMs) * time.Millisecond

	switch policy.Strategy {
	case "none":
		return 0
	case "exponential":
		base = time.Duration(float64(base) * math.Pow(2, float64(attempt-1)))
	}

	if policy.MaxDelayMs > 0 {
		if maxDelay := time.Duration(policy.MaxDelayMs) * time.Millisecond; base > maxDelay {
			base = maxDelay
		}
	}

	if policy.JitterRatio > 0 {
		jitter := policy.JitterRatio
		if jitter > 1 {
			jitter = 1
		}

		// Spread uniformly in [base*(1-jitter), base].
		base = time.Duration(float64(base) * (1 - jitter*rand.Float64()))
	}

	return base
}

// Exhausted reports whether a failed attempt count has consumed the policy's
// attempt budget. A zero MaxAttempts means a single attempt.
func Exhausted(policy storage.RetryPolicy, attempt int) bool {
	maxAttempts := policy.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	return attempt >= maxAttempts
}

func marshalPayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case json.RawMessage:
		return p, nil
	case []byte:
		return json.RawMessage(p), nil
	default:
		return json.Marshal(payload)
	}
}
