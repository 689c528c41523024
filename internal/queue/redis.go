package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/apphub-io/timestore/internal/config"
	"github.com/apphub-io/timestore/internal/storage"
)

// RedisQueue is the distributed queue mode backed by Redis.
//
// Layout per named queue:
//   - ts:q:<name>:pending  list of job ids, RPUSH/BLPOP for FIFO
//   - ts:q:<name>:delayed  zset of job ids scored by ready-at (unix ms)
//   - ts:q:<name>:dead     list of dead-lettered job ids
//   - ts:q:<name>:job:<id> hash holding payload, attempt, and options
//
// A promoter goroutine per registered queue moves due delayed jobs onto the
// pending list. ZREM decides ownership, so concurrent promoters never double
// deliver.
type RedisQueue struct {
	client *redis.Client
	cfg    *Config
	logger *slog.Logger

	mu        sync.Mutex
	lastError string
	workers   map[string]bool
	closed    bool

	cancel context.CancelFunc
	ctx    context.Context
	wg     sync.WaitGroup
}

var _ Queue = (*RedisQueue)(nil)

// NewRedis connects to the broker and verifies it with a ping.
func NewRedis(cfg *Config) (*RedisQueue, error) {
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()

		return nil, fmt.Errorf("ping redis: %w", err)
	}

	ctx, stop := context.WithCancel(context.Background())

	return &RedisQueue{
		client: client,
		cfg:    cfg,
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})),
		workers: make(map[string]bool),
		ctx:     ctx,
		cancel:  stop,
	}, nil
}

func pendingKey(queueName string) string { return "ts:q:" + queueName + ":pending" }
func delayedKey(queueName string) string { return "ts:q:" + queueName + ":delayed" }
func deadKey(queueName string) string    { return "ts:q:" + queueName + ":dead" }
func jobKey(queueName, id string) string { return "ts:q:" + queueName + ":job:" + id }

// Enqueue schedules a payload. Supplying opts.JobID makes the call
// idempotent while a job with that id is still live.
func (q *RedisQueue) Enqueue(ctx context.Context, queueName string, payload any, opts EnqueueOptions) (string, error) {
	if q.isClosed() {
		return "", ErrQueueClosed
	}

	body, err := marshalPayload(payload)
	if err != nil {
		return "", fmt.Errorf("marshal queue payload: %w", err)
	}

	id := opts.JobID
	if id == "" {
		id = uuid.NewString()
	}

	key := jobKey(queueName, id)

	// Idempotency: a live job with this id swallows the re-enqueue.
	created, err := q.client.HSetNX(ctx, key, "state", "pending").Result()
	if err != nil {
		q.setLastError(err)

		return "", fmt.Errorf("enqueue %s: %w", queueName, err)
	}

	if !created {
		return id, nil
	}

	_, err = q.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key,
			"payload", string(body),
			"attempt", 0,
			"repeatMs", opts.RepeatEvery.Milliseconds(),
			"removeOnComplete", opts.RemoveOnComplete,
			"removeOnFail", opts.RemoveOnFail,
		)

		if opts.Delay > 0 {
			pipe.ZAdd(ctx, delayedKey(queueName), redis.Z{
				Score:  float64(time.Now().Add(opts.Delay).UnixMilli()),
				Member: id,
			})
		} else {
			pipe.RPush(ctx, pendingKey(queueName), id)
		}

		return nil
	})
	if err != nil {
		q.setLastError(err)

		return "", fmt.Errorf("enqueue %s: %w", queueName, err)
	}

	return id, nil
}

// RegisterWorker starts a promoter and a pool of concurrency worker
// goroutines for the named queue.
func (q *RedisQueue) RegisterWorker(queueName string, concurrency int, policy storage.RetryPolicy, handler Handler) error {
	if q.isClosed() {
		return ErrQueueClosed
	}

	if concurrency < 1 {
		concurrency = 1
	}

	q.mu.Lock()
	if q.workers[queueName] {
		q.mu.Unlock()

		return fmt.Errorf("worker pool already registered for queue %s", queueName)
	}

	q.workers[queueName] = true
	q.mu.Unlock()

	q.wg.Add(1)

	go func() {
		defer q.wg.Done()
		q.promoteLoop(queueName)
	}()

	for i := 0; i < concurrency; i++ {
		q.wg.Add(1)

		go func() {
			defer q.wg.Done()
			q.workLoop(queueName, policy, handler)
		}()
	}

	return nil
}

// promoteLoop moves due delayed jobs onto the pending list.
func (q *RedisQueue) promoteLoop(queueName string) {
	ticker := time.NewTicker(q.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-q.ctx.Done():
			return
		case <-ticker.C:
			q.promoteDue(queueName)
		}
	}
}

func (q *RedisQueue) promoteDue(queueName string) {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)

	ids, err := q.client.ZRangeByScore(q.ctx, delayedKey(queueName), &redis.ZRangeBy{
		Min: "-inf", Max: now, Count: 100,
	}).Result()
	if err != nil {
		q.setLastError(err)

		return
	}

	for _, id := range ids {
		removed, err := q.client.ZRem(q.ctx, delayedKey(queueName), id).Result()
		if err != nil {
			q.setLastError(err)

			continue
		}

		// ZREM returning 0 means another promoter claimed it.
		if removed == 0 {
			continue
		}

		if err := q.client.RPush(q.ctx, pendingKey(queueName), id).Err(); err != nil {
			q.setLastError(err)
		}
	}
}

func (q *RedisQueue) workLoop(queueName string, policy storage.RetryPolicy, handler Handler) {
	for {
		select {
		case <-q.ctx.Done():
			return
		default:
		}

		res, err := q.client.BLPop(q.ctx, q.cfg.PollInterval, pendingKey(queueName)).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || q.ctx.Err() != nil {
				continue
			}

			q.setLastError(err)
			time.Sleep(q.cfg.PollInterval)

			continue
		}

		if len(res) < 2 {
			continue
		}

		q.process(queueName, res[1], policy, handler)
	}
}

func (q *RedisQueue) process(queueName, id string, policy storage.RetryPolicy, handler Handler) {
	key := jobKey(queueName, id)

	attempt, err := q.client.HIncrBy(q.ctx, key, "attempt", 1).Result()
	if err != nil {
		q.setLastError(err)

		return
	}

	fields, err := q.client.HGetAll(q.ctx, key).Result()
	if err != nil || len(fields) == 0 {
		q.setLastError(err)

		return
	}

	job := &Job{
		ID:      id,
		Queue:   queueName,
		Payload: json.RawMessage(fields["payload"]),
		Attempt: int(attempt),
	}

	handlerErr := handler(q.ctx, job)
	if handlerErr == nil {
		q.complete(queueName, id, fields)

		return
	}

	q.logger.Warn("queue handler failed",
		"queue", queueName, "jobId", id, "attempt", attempt, "error", handlerErr)

	if isRetryableHandlerErr(handlerErr) && !Exhausted(policy, int(attempt)) {
		delay := Backoff(policy, int(attempt))

		err := q.client.ZAdd(q.ctx, delayedKey(queueName), redis.Z{
			Score:  float64(time.Now().Add(delay).UnixMilli()),
			Member: id,
		}).Err()
		if err != nil {
			q.setLastError(err)
		}

		return
	}

	q.deadLetter(queueName, id, fields, handlerErr)
}

func (q *RedisQueue) complete(queueName, id string, fields map[string]string) {
	key := jobKey(queueName, id)

	repeatMs, _ := strconv.ParseInt(fields["repeatMs"], 10, 64)
	if repeatMs > 0 {
		_, err := q.client.Pipelined(q.ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(q.ctx, key, "attempt", 0)
			pipe.ZAdd(q.ctx, delayedKey(queueName), redis.Z{
				Score:  float64(time.Now().Add(time.Duration(repeatMs) * time.Millisecond).UnixMilli()),
				Member: id,
			})

			return nil
		})
		if err != nil {
			q.setLastError(err)
		}

		return
	}

	if fields["removeOnComplete"] == "1" {
		if err := q.client.Del(q.ctx, key).Err(); err != nil {
			q.setLastError(err)
		}

		return
	}

	_, err := q.client.Pipelined(q.ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(q.ctx, key, "state", "done")
		pipe.Expire(q.ctx, key, q.cfg.JobTTL)

		return nil
	})
	if err != nil {
		q.setLastError(err)
	}
}

func (q *RedisQueue) deadLetter(queueName, id string, fields map[string]string, cause error) {
	key := jobKey(queueName, id)

	if fields["removeOnFail"] == "1" {
		if err := q.client.Del(q.ctx, key).Err(); err != nil {
			q.setLastError(err)
		}

		return
	}

	_, err := q.client.Pipelined(q.ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(q.ctx, key, "state", "failed", "error", cause.Error())
		pipe.Expire(q.ctx, key, q.cfg.JobTTL)
		pipe.RPush(q.ctx, deadKey(queueName), id)

		return nil
	})
	if err != nil {
		q.setLastError(err)
	}
}

// Health pings the broker and reports the last observed error.
func (q *RedisQueue) Health(ctx context.Context) Health {
	q.mu.Lock()
	lastErr := q.lastError
	q.mu.Unlock()

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	ready := q.client.Ping(pingCtx).Err() == nil

	return Health{Ready: ready, Inline: false, LastError: lastErr}
}

// Close stops all workers, waits for them to drain, and closes the client.
func (q *RedisQueue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()

		return nil
	}

	q.closed = true
	q.mu.Unlock()

	q.cancel()
	q.wg.Wait()

	return q.client.Close()
}

func (q *RedisQueue) isClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.closed
}

func (q *RedisQueue) setLastError(err error) {
	if err == nil {
		return
	}

	q.mu.Lock()
	q.lastError = err.Error()
	q.mu.Unlock()
}
