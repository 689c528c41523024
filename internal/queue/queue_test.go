package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/apphub-io/timestore/internal/apperr"
	"github.com/apphub-io/timestore/internal/storage"
)

func TestBackoff(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tests := []struct {
		name    string
		policy  storage.RetryPolicy
		attempt int
		want    time.Duration
	}{
		{
			name:    "none strategy never waits",
			policy:  storage.RetryPolicy{Strategy: "none", InitialDelayMs: 1000},
			attempt: 3,
			want:    0,
		},
		{
			name:    "fixed strategy uses initial delay",
			policy:  storage.RetryPolicy{Strategy: "fixed", InitialDelayMs: 250},
			attempt: 4,
			want:    250 * time.Millisecond,
		},
		{
			name:    "exponential doubles per attempt",
			policy:  storage.RetryPolicy{Strategy: "exponential", InitialDelayMs: 100},
			attempt: 3,
			want:    400 * time.Millisecond,
		},
		{
			name:    "exponential clamps at max delay",
			policy:  storage.RetryPolicy{Strategy: "exponential", InitialDelayMs: 100, MaxDelayMs: 300},
			attempt: 5,
			want:    300 * time.Millisecond,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, Backoff(tt.policy, tt.attempt))
		})
	}
}

func TestBackoffJitterStaysInRange(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	policy := storage.RetryPolicy{Strategy: "fixed", InitialDelayMs: 1000, JitterRatio: 0.5}

	for i := 0; i < 50; i++ {
		d := Backoff(policy, 1)
		require.GreaterOrEqual(t, d, 500*time.Millisecond)
		require.LessOrEqual(t, d, 1000*time.Millisecond)
	}
}

func TestExhausted(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	require.True(t, Exhausted(storage.RetryPolicy{}, 1), "zero maxAttempts means one attempt")
	require.False(t, Exhausted(storage.RetryPolicy{MaxAttempts: 3}, 2))
	require.True(t, Exhausted(storage.RetryPolicy{MaxAttempts: 3}, 3))
}

func TestConfigInlineGate(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	cfg := &Config{RedisURL: "inline"}
	require.ErrorIs(t, cfg.Validate(), ErrInlineModeNotAllowed)

	cfg.AllowInline = true
	require.NoError(t, cfg.Validate())

	cfg = &Config{RedisURL: "redis://localhost:6379"}
	require.NoError(t, cfg.Validate())
}

func TestInlineQueueExecutesSynchronously(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	q := NewInline()

	var got string

	err := q.RegisterWorker("ingest", 1, storage.RetryPolicy{}, func(_ context.Context, job *Job) error {
		var body map[string]string
		if err := json.Unmarshal(job.Payload, &body); err != nil {
			return err
		}

		got = body["dataset"]

		return nil
	})
	require.NoError(t, err)

	id, err := q.Enqueue(context.Background(), "ingest", map[string]string{"dataset": "events"}, EnqueueOptions{})
	require.NoError(t, err)
	require.NotEmpty(t, id)
	require.Equal(t, "events", got, "handler must run before Enqueue returns")

	health := q.Health(context.Background())
	require.True(t, health.Ready)
	require.True(t, health.Inline)
}

func TestInlineQueueRetriesRetryableErrors(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	q := NewInline()

	var attempts int32

	policy := storage.RetryPolicy{Strategy: "fixed", InitialDelayMs: 1, MaxAttempts: 3}

	err := q.RegisterWorker("jobs", 1, policy, func(_ context.Context, job *Job) error {
		atomic.AddInt32(&attempts, 1)

		return apperr.New(apperr.KindUnavailable, "broker hiccup")
	})
	require.NoError(t, err)

	_, err = q.Enqueue(context.Background(), "jobs", "{}", EnqueueOptions{})
	require.Error(t, err)
	require.EqualValues(t, 3, atomic.LoadInt32(&attempts))
}

func TestInlineQueueTerminalErrorDoesNotRetry(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	q := NewInline()

	var attempts int32

	policy := storage.RetryPolicy{Strategy: "fixed", InitialDelayMs: 1, MaxAttempts: 5}

	err := q.RegisterWorker("jobs", 1, policy, func(_ context.Context, _ *Job) error {
		atomic.AddInt32(&attempts, 1)

		return apperr.New(apperr.KindValidation, "bad payload")
	})
	require.NoError(t, err)

	_, err = q.Enqueue(context.Background(), "jobs", "{}", EnqueueOptions{})
	require.Error(t, err)
	require.EqualValues(t, 1, atomic.LoadInt32(&attempts))
}

func TestInlineQueueRequiresWorker(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	q := NewInline()

	_, err := q.Enqueue(context.Background(), "nowhere", "{}", EnqueueOptions{})
	require.ErrorIs(t, err, ErrNoWorkerRegistered)
}

func newTestRedisQueue(t *testing.T) (*RedisQueue, *miniredis.Miniredis) {
	t.Helper()

	srv := miniredis.RunT(t)

	q, err := NewRedis(&Config{
		RedisURL:     "redis://" + srv.Addr(),
		PollInterval: 10 * time.Millisecond,
		JobTTL:       time.Hour,
	})
	require.NoError(t, err)

	t.Cleanup(func() { _ = q.Close() })

	return q, srv
}

func TestRedisQueueProcessesJob(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	q, _ := newTestRedisQueue(t)

	done := make(chan *Job, 1)

	err := q.RegisterWorker("jobs", 2, storage.RetryPolicy{}, func(_ context.Context, job *Job) error {
		done <- job

		return nil
	})
	require.NoError(t, err)

	id, err := q.Enqueue(context.Background(), "jobs", map[string]string{"k": "v"}, EnqueueOptions{})
	require.NoError(t, err)

	select {
	case job := <-done:
		require.Equal(t, id, job.ID)
		require.Equal(t, 1, job.Attempt)
		require.JSONEq(t, `{"k":"v"}`, string(job.Payload))
	case <-time.After(5 * time.Second):
		t.Fatal("worker never received the job")
	}
}

func TestRedisQueueIdempotentEnqueue(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	q, srv := newTestRedisQueue(t)

	opts := EnqueueOptions{JobID: "fixed-id", Delay: time.Hour}

	id1, err := q.Enqueue(context.Background(), "jobs", "{}", opts)
	require.NoError(t, err)

	id2, err := q.Enqueue(context.Background(), "jobs", "{}", opts)
	require.NoError(t, err)
	require.Equal(t, id1, id2)

	members, err := srv.ZMembers(delayedKey("jobs"))
	require.NoError(t, err)
	require.Len(t, members, 1, "second enqueue with a live job id must be a no-op")
}

func TestRedisQueueDelayedPromotion(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	q, srv := newTestRedisQueue(t)

	done := make(chan struct{}, 1)

	err := q.RegisterWorker("jobs", 1, storage.RetryPolicy{}, func(_ context.Context, _ *Job) error {
		done <- struct{}{}

		return nil
	})
	require.NoError(t, err)

	_, err = q.Enqueue(context.Background(), "jobs", "{}", EnqueueOptions{Delay: 50 * time.Millisecond})
	require.NoError(t, err)

	// miniredis time does not advance on its own.
	srv.FastForward(time.Second)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("delayed job was never promoted")
	}
}

func TestRedisQueueDeadLettersTerminalErrors(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	q, srv := newTestRedisQueue(t)

	done := make(chan struct{}, 1)

	err := q.RegisterWorker("jobs", 1, storage.RetryPolicy{MaxAttempts: 3}, func(_ context.Context, _ *Job) error {
		defer func() { done <- struct{}{} }()

		return errors.New("handler exploded")
	})
	require.NoError(t, err)

	id, err := q.Enqueue(context.Background(), "jobs", "{}", EnqueueOptions{})
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("worker never attempted the job")
	}

	require.Eventually(t, func() bool {
		items, err := srv.List(deadKey("jobs"))

		return err == nil && len(items) == 1 && items[0] == id
	}, 5*time.Second, 20*time.Millisecond, "terminal error must dead-letter the job")
}

func TestRedisQueueHealth(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	q, srv := newTestRedisQueue(t)

	health := q.Health(context.Background())
	require.True(t, health.Ready)
	require.False(t, health.Inline)

	srv.Close()

	health = q.Health(context.Background())
	require.False(t, health.Ready)
}
