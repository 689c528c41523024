package columnar

import (
	"context"
	"time"

	"github.com/sony/gobreaker"

	"github.com/apphub-io/timestore/internal/apperr"
	"github.com/apphub-io/timestore/internal/config"
)

// breakerDriver guards an inner driver with a circuit breaker. While the
// circuit is open, calls fail fast with an unavailable error instead of
// queueing on a struggling engine.
type breakerDriver struct {
	inner   Driver
	breaker *gobreaker.CircuitBreaker
}

var _ Driver = (*breakerDriver)(nil)

// WithBreaker wraps a driver with a circuit breaker. The trip threshold and
// open interval come from the environment.
func WithBreaker(inner Driver) Driver {
	return &breakerDriver{
		inner: inner,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "columnar",
			Timeout: config.GetEnvDuration("CLICKHOUSE_BREAKER_OPEN_FOR", 30*time.Second),
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= uint32(config.GetEnvInt("CLICKHOUSE_BREAKER_FAILURES", 5))
			},
		}),
	}
}

func (d *breakerDriver) Exec(ctx context.Context, query string, args ...any) error {
	_, err := d.breaker.Execute(func() (any, error) {
		return nil, d.inner.Exec(ctx, query, args...)
	})

	return translateBreakerErr(err)
}

func (d *breakerDriver) Query(ctx context.Context, query string, args ...any) (Rows, error) {
	result, err := d.breaker.Execute(func() (any, error) {
		return d.inner.Query(ctx, query, args...)
	})
	if err != nil {
		return nil, translateBreakerErr(err)
	}

	return result.(Rows), nil
}

func (d *breakerDriver) Ping(ctx context.Context) error {
	_, err := d.breaker.Execute(func() (any, error) {
		return nil, d.inner.Ping(ctx)
	})

	return translateBreakerErr(err)
}

func (d *breakerDriver) Close() error {
	return d.inner.Close()
}

func translateBreakerErr(err error) error {
	switch err {
	case nil:
		return nil
	case gobreaker.ErrOpenState, gobreaker.ErrTooManyRequests:
		return apperr.Wrap(apperr.KindUnavailable, "analytics engine circuit open", err)
	default:
		return err
	}
}
