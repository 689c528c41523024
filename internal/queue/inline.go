package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/apphub-io/timestore/internal/apperr"
	"github.com/apphub-io/timestore/internal/storage"
)

// InlineQueue executes handlers synchronously on the calling goroutine.
//
// Single-process development mode only: enqueue blocks until the handler
// chain finishes. Delays are ignored and repeats run exactly once. Startup
// refuses this mode unless APPHUB_ALLOW_INLINE_MODE is set.
type InlineQueue struct {
	mu       sync.Mutex
	handlers map[string]inlineWorker
	lastErr  string
	closed   bool
}

type inlineWorker struct {
	policy  storage.RetryPolicy
	handler Handler
}

var _ Queue = (*InlineQueue)(nil)

// NewInline creates an inline queue with no registered workers.
func NewInline() *InlineQueue {
	return &InlineQueue{handlers: make(map[string]inlineWorker)}
}

// Enqueue runs the registered handler immediately. Retryable handler errors
// are retried in place, honoring the policy's attempt budget and delays.
func (q *InlineQueue) Enqueue(ctx context.Context, queueName string, payload any, opts EnqueueOptions) (string, error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()

		return "", ErrQueueClosed
	}

	w, ok := q.handlers[queueName]
	q.mu.Unlock()

	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNoWorkerRegistered, queueName)
	}

	body, err := marshalPayload(payload)
	if err != nil {
		return "", fmt.Errorf("marshal queue payload: %w", err)
	}

	id := opts.JobID
	if id == "" {
		id = uuid.NewString()
	}

	for attempt := 1; ; attempt++ {
		job := &Job{ID: id, Queue: queueName, Payload: body, Attempt: attempt}

		err := w.handler(ctx, job)
		if err == nil {
			return id, nil
		}

		q.mu.Lock()
		q.lastErr = err.Error()
		q.mu.Unlock()

		if !isRetryableHandlerErr(err) || Exhausted(w.policy, attempt) {
			return id, err
		}

		select {
		case <-ctx.Done():
			return id, ctx.Err()
		case <-time.After(Backoff(w.policy, attempt)):
		}
	}
}

// RegisterWorker records the handler for a queue name. Concurrency is
// ignored: inline execution is single-threaded by definition.
func (q *InlineQueue) RegisterWorker(queueName string, _ int, policy storage.RetryPolicy, handler Handler) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}

	if _, ok := q.handlers[queueName]; ok {
		return fmt.Errorf("worker pool already registered for queue %s", queueName)
	}

	q.handlers[queueName] = inlineWorker{policy: policy, handler: handler}

	return nil
}

// Health always reports ready: there is no broker to lose.
func (q *InlineQueue) Health(_ context.Context) Health {
	q.mu.Lock()
	defer q.mu.Unlock()

	return Health{Ready: !q.closed, Inline: true, LastError: q.lastErr}
}

// Close rejects further enqueues.
func (q *InlineQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.closed = true

	return nil
}

func isRetryableHandlerErr(err error) bool {
	return apperr.Retryable(err)
}
