package columnar

import (
	"context"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	chdriver "github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/apphub-io/timestore/internal/apperr"
)

// ClickHouseDriver is the production analytics driver.
type ClickHouseDriver struct {
	conn chdriver.Conn
}

var _ Driver = (*ClickHouseDriver)(nil)

// NewClickHouse opens a native-protocol ClickHouse connection.
func NewClickHouse(cfg *Config) (*ClickHouseDriver, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{cfg.Addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		DialTimeout:     5 * time.Second,
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: time.Hour,
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.KindUnavailable, "open clickhouse connection", err)
	}

	return &ClickHouseDriver{conn: conn}, nil
}

// Exec runs a statement with no result set.
func (d *ClickHouseDriver) Exec(ctx context.Context, query string, args ...any) error {
	if err := d.conn.Exec(ctx, query, args...); err != nil {
		return apperr.Wrap(apperr.KindUnavailable, "clickhouse exec", err)
	}

	return nil
}

// Query runs a statement and streams its result set.
func (d *ClickHouseDriver) Query(ctx context.Context, query string, args ...any) (Rows, error) {
	rows, err := d.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindUnavailable, "clickhouse query", err)
	}

	return &clickhouseRows{rows: rows}, nil
}

// Ping verifies connectivity.
func (d *ClickHouseDriver) Ping(ctx context.Context) error {
	if err := d.conn.Ping(ctx); err != nil {
		return apperr.Wrap(apperr.KindUnavailable, "clickhouse ping", err)
	}

	return nil
}

// Close releases the connection pool.
func (d *ClickHouseDriver) Close() error {
	return d.conn.Close()
}

type clickhouseRows struct {
	rows chdriver.Rows
}

func (r *clickhouseRows) Next() bool            { return r.rows.Next() }
func (r *clickhouseRows) Scan(dest ...any) error { return r.rows.Scan(dest...) }
func (r *clickhouseRows) Columns() []string      { return r.rows.Columns() }
func (r *clickhouseRows) Err() error             { return r.rows.Err() }
func (r *clickhouseRows) Close() error           { return r.rows.Close() }
