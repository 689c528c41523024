package sandbox

import (
	"context"
	"log/slog"
	"os"
	"strings"

	"github.com/apphub-io/timestore/internal/apperr"
	"github.com/apphub-io/timestore/internal/config"
)

// SecretAudit records one secret resolution. Values are never included.
type SecretAudit func(runID, jobSlug string, ref SecretRef)

// NewEnvSecretResolver resolves references with source "env" from the
// process environment. Every call is audited with (runId, jobSlug,
// reference); resolved values never reach the log stream.
func NewEnvSecretResolver(runID, jobSlug string, audit SecretAudit) SecretResolver {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
	}))

	return func(_ context.Context, ref SecretRef) (*string, error) {
		if audit != nil {
			audit(runID, jobSlug, ref)
		}

		logger.Info("secret resolved",
			"runId", runID, "jobSlug", jobSlug,
			"source", ref.Source, "key", ref.Key)

		if ref.Source != "env" {
			return nil, apperr.Newf(apperr.KindNotAuthorized,
				"secret source %q is not configured", ref.Source)
		}

		key := strings.ToUpper(ref.Key)

		value, ok := os.LookupEnv(key)
		if !ok {
			return nil, nil
		}

		return &value, nil
	}
}
