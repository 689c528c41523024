package bundles

import (
	"time"

	"github.com/apphub-io/timestore/internal/config"
)

const defaultCacheTTL = 30 * time.Minute

// Config controls bundle execution and the acquisition cache.
type Config struct {
	// Enabled turns bundle-backed execution on globally.
	Enabled bool

	// EnableSlugs and DisableSlugs override the global flag per slug.
	// A slug on the disable list is always off, even when enabled
	// globally or listed on the enable list: deny wins.
	EnableSlugs  []string
	DisableSlugs []string

	// DisableFallback turns off the legacy static-handler fallback for
	// the listed slugs.
	DisableFallback []string

	CacheDir string
	CacheTTL time.Duration
}

// LoadConfig loads bundle configuration from environment variables.
func LoadConfig() *Config {
	return &Config{
		Enabled:         config.GetEnvBool("APPHUB_JOB_BUNDLES_ENABLED", false),
		EnableSlugs:     config.ParseCommaSeparatedList(config.GetEnvStr("APPHUB_JOB_BUNDLES_ENABLE_SLUGS", "")),
		DisableSlugs:    config.ParseCommaSeparatedList(config.GetEnvStr("APPHUB_JOB_BUNDLES_DISABLE_SLUGS", "")),
		DisableFallback: config.ParseCommaSeparatedList(config.GetEnvStr("APPHUB_JOB_BUNDLES_DISABLE_FALLBACK", "")),
		CacheDir:        config.GetEnvStr("APPHUB_JOB_BUNDLE_CACHE_DIR", "./data/bundle-cache"),
		CacheTTL:        config.GetEnvDuration("APPHUB_JOB_BUNDLE_CACHE_TTL", defaultCacheTTL),
	}
}

// SlugEnabled decides whether bundle execution applies to a slug. Per-slug
// deny beats per-slug allow beats the global flag.
func (c *Config) SlugEnabled(slug string) bool {
	for _, s := range c.DisableSlugs {
		if s == slug {
			return false
		}
	}

	for _, s := range c.EnableSlugs {
		if s == slug {
			return true
		}
	}

	return c.Enabled
}

// FallbackAllowed reports whether the legacy static fallback may run for a
// slug after failed bundle recovery.
func (c *Config) FallbackAllowed(slug string) bool {
	for _, s := range c.DisableFallback {
		if s == slug {
			return false
		}
	}

	return true
}
