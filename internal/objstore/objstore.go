// Package objstore abstracts the object stores that hold bundle archives and
// partition files. Two drivers exist: a local filesystem tree and S3.
package objstore

import (
	"context"
	"errors"
	"io"
	"math/rand"
	"time"

	"golang.org/x/time/rate"

	"github.com/apphub-io/timestore/internal/apperr"
)

// ErrObjectNotFound is returned when a key does not exist in the store.
var ErrObjectNotFound = errors.New("object not found")

type (
	// ObjectInfo describes a stored object.
	ObjectInfo struct {
		Key  string
		Size int64
	}

	// Driver is the storage contract. Keys are slash-separated relative
	// paths, e.g. bundles/ab/abcd....tgz.
	Driver interface {
		// Name identifies the backend: "filesystem" or "s3".
		Name() string

		// Put stores an object, replacing any existing content.
		Put(ctx context.Context, key string, body io.Reader, size int64) error

		// Get opens an object for reading. The caller closes it.
		Get(ctx context.Context, key string) (io.ReadCloser, error)

		// Head returns object metadata without the body.
		Head(ctx context.Context, key string) (*ObjectInfo, error)

		// Delete removes an object. Deleting a missing key is not an
		// error.
		Delete(ctx context.Context, key string) error
	}
)

// retryingDriver wraps a Driver with bounded jittered retries for transient
// failures. A limiter paces retries so a flapping backend is not hammered.
type retryingDriver struct {
	inner    Driver
	attempts int
	baseWait time.Duration
	limiter  *rate.Limiter
}

var _ Driver = (*retryingDriver)(nil)

// WithRetries wraps a driver with attempt-bounded retries.
func WithRetries(inner Driver, attempts int, baseWait time.Duration) Driver {
	if attempts < 1 {
		attempts = 1
	}

	return &retryingDriver{
		inner:    inner,
		attempts: attempts,
		baseWait: baseWait,
		limiter:  rate.NewLimiter(rate.Every(baseWait), attempts),
	}
}

func (d *retryingDriver) Name() string { return d.inner.Name() }

func (d *retryingDriver) Put(ctx context.Context, key string, body io.Reader, size int64) error {
	// Put bodies are single-shot readers; retrying would replay a
	// consumed stream. Callers retry at a higher level with a fresh body.
	return d.inner.Put(ctx, key, body, size)
}

func (d *retryingDriver) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	var (
		rc  io.ReadCloser
		err error
	)

	err = d.retry(ctx, func() error {
		rc, err = d.inner.Get(ctx, key)

		return err
	})

	return rc, err
}

func (d *retryingDriver) Head(ctx context.Context, key string) (*ObjectInfo, error) {
	var (
		info *ObjectInfo
		err  error
	)

	err = d.retry(ctx, func() error {
		info, err = d.inner.Head(ctx, key)

		return err
	})

	return info, err
}

func (d *retryingDriver) Delete(ctx context.Context, key string) error {
	return d.retry(ctx, func() error {
		return d.inner.Delete(ctx, key)
	})
}

func (d *retryingDriver) retry(ctx context.Context, op func() error) error {
	var lastErr error

	for attempt := 1; attempt <= d.attempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}

		if !retryable(lastErr) || attempt == d.attempts {
			return lastErr
		}

		if err := d.limiter.Wait(ctx); err != nil {
			return lastErr
		}

		// Extra jitter on top of limiter pacing.
		wait := time.Duration(rand.Int63n(int64(d.baseWait) + 1))

		select {
		case <-ctx.Done():
			return lastErr
		case <-time.After(wait):
		}
	}

	return lastErr
}

func retryable(err error) bool {
	if errors.Is(err, ErrObjectNotFound) {
		return false
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	return apperr.KindOf(err) != apperr.KindValidation
}
