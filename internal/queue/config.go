package queue

import (
	"errors"
	"time"

	"github.com/apphub-io/timestore/internal/config"
)

// ErrInlineModeNotAllowed is returned when REDIS_URL selects inline mode but
// APPHUB_ALLOW_INLINE_MODE is not set.
var ErrInlineModeNotAllowed = errors.New(
	"inline queue mode requires APPHUB_ALLOW_INLINE_MODE=true")

const (
	// inlineSentinel is the REDIS_URL value that selects inline mode.
	inlineSentinel = "inline"

	defaultPollInterval = 500 * time.Millisecond
	defaultJobTTL       = 24 * time.Hour
)

// Config holds queue configuration loaded from the environment.
type Config struct {
	// RedisURL is the broker address, or "inline" for inline mode.
	RedisURL string

	// AllowInline permits inline mode. Inline without this flag is a
	// startup error.
	AllowInline bool

	// PollInterval is how often workers promote due delayed jobs.
	PollInterval time.Duration

	// JobTTL bounds how long completed job records linger in the broker.
	JobTTL time.Duration
}

// LoadConfig loads queue configuration from environment variables.
func LoadConfig() *Config {
	return &Config{
		RedisURL:     config.GetEnvStr("REDIS_URL", ""),
		AllowInline:  config.GetEnvBool("APPHUB_ALLOW_INLINE_MODE", false),
		PollInterval: config.GetEnvDuration("QUEUE_POLL_INTERVAL", defaultPollInterval),
		JobTTL:       config.GetEnvDuration("QUEUE_JOB_TTL", defaultJobTTL),
	}
}

// InlineRequested reports whether the configuration selects inline mode.
func (c *Config) InlineRequested() bool {
	return c.RedisURL == "" || c.RedisURL == inlineSentinel
}

// Validate checks mode selection. Inline mode must be explicitly allowed.
func (c *Config) Validate() error {
	if c.InlineRequested() && !c.AllowInline {
		return ErrInlineModeNotAllowed
	}

	return nil
}

// New constructs the queue selected by the configuration.
func New(cfg *Config) (Queue, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.InlineRequested() {
		return NewInline(), nil
	}

	return NewRedis(cfg)
}
