// Package columnar abstracts the analytics engine behind a narrow driver
// interface. The production driver speaks ClickHouse over the native
// protocol; a circuit breaker guards every call so a struggling engine
// degrades queries instead of piling up connections.
package columnar

import (
	"context"

	"github.com/apphub-io/timestore/internal/config"
)

type (
	// Rows is a minimal streaming result cursor.
	Rows interface {
		Next() bool
		Scan(dest ...any) error
		Columns() []string
		Err() error
		Close() error
	}

	// Driver is the analytics engine contract.
	Driver interface {
		// Exec runs a statement with no result set.
		Exec(ctx context.Context, query string, args ...any) error

		// Query runs a statement and streams its result set.
		Query(ctx context.Context, query string, args ...any) (Rows, error)

		// Ping verifies connectivity, surfaced by the readiness probe.
		Ping(ctx context.Context) error

		Close() error
	}

	// Config is the analytics engine connection configuration.
	Config struct {
		Addr     string
		Database string
		Username string
		Password string
	}
)

// LoadConfig reads the ClickHouse connection settings from the environment.
func LoadConfig() *Config {
	return &Config{
		Addr:     config.GetEnvStr("CLICKHOUSE_ADDR", "localhost:9000"),
		Database: config.GetEnvStr("CLICKHOUSE_DATABASE", "timestore"),
		Username: config.GetEnvStr("CLICKHOUSE_USERNAME", "default"),
		Password: config.GetEnvStr("CLICKHOUSE_PASSWORD", ""),
	}
}
