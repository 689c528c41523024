package objstore

import (
	"fmt"
	"time"

	"github.com/apphub-io/timestore/internal/config"
)

const (
	defaultRetryAttempts = 3
	defaultRetryBaseWait = 200 * time.Millisecond
)

// Config selects and configures the object storage backend.
type Config struct {
	Backend        string // filesystem | s3
	Dir            string // filesystem root
	Bucket         string
	Prefix         string
	Region         string
	Endpoint       string
	ForcePathStyle bool
	RetryAttempts  int
	RetryBaseWait  time.Duration
}

// LoadConfig loads object storage configuration from environment variables.
func LoadConfig() *Config {
	return &Config{
		Backend:        config.GetEnvStr("APPHUB_JOB_BUNDLE_STORAGE_BACKEND", "filesystem"),
		Dir:            config.GetEnvStr("APPHUB_JOB_BUNDLE_STORAGE_DIR", "./data/objects"),
		Bucket:         config.GetEnvStr("OBJECT_STORE_S3_BUCKET", ""),
		Prefix:         config.GetEnvStr("OBJECT_STORE_S3_PREFIX", ""),
		Region:         config.GetEnvStr("OBJECT_STORE_S3_REGION", ""),
		Endpoint:       config.GetEnvStr("OBJECT_STORE_S3_ENDPOINT", ""),
		ForcePathStyle: config.GetEnvBool("OBJECT_STORE_S3_FORCE_PATH_STYLE", false),
		RetryAttempts:  config.GetEnvInt("OBJECT_STORE_RETRY_ATTEMPTS", defaultRetryAttempts),
		RetryBaseWait:  config.GetEnvDuration("OBJECT_STORE_RETRY_BASE_WAIT", defaultRetryBaseWait),
	}
}

// New constructs the configured driver wrapped with retries.
func New(cfg *Config) (Driver, error) {
	var (
		driver Driver
		err    error
	)

	switch cfg.Backend {
	case "filesystem":
		driver, err = NewFilesystem(cfg.Dir)
	case "s3":
		driver, err = NewS3(S3Options{
			Bucket:         cfg.Bucket,
			Prefix:         cfg.Prefix,
			Region:         cfg.Region,
			Endpoint:       cfg.Endpoint,
			ForcePathStyle: cfg.ForcePathStyle,
		})
	default:
		return nil, fmt.Errorf("unknown object storage backend: %s", cfg.Backend)
	}

	if err != nil {
		return nil, err
	}

	return WithRetries(driver, cfg.RetryAttempts, cfg.RetryBaseWait), nil
}
