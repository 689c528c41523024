package middleware

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	burstCapacityMultiplier    = 2
	defaultMaxPrincipals       = 1000
	rateLimiterCleanupInterval = 5 * time.Minute
	rateLimiterIdleTimeout     = 1 * time.Hour
)

type (
	// RateLimiter provides rate limiting for incoming requests.
	//
	// The in-memory implementation fits single-node deployments; the
	// interface leaves room for a Redis-backed limiter when the API is
	// scaled out.
	RateLimiter interface {
		// Allow checks if a request should be allowed based on rate
		// limits. principal is empty for anonymous requests.
		Allow(principal string) bool
	}

	// RateLimitConfig configures the in-memory limiter. Burst capacities
	// default to 2 x the sustained rate when left zero.
	RateLimitConfig struct {
		GlobalRPS       int
		PrincipalRPS    int
		AnonymousRPS    int
		GlobalBurst     int
		PrincipalBurst  int
		AnonymousBurst  int
		CleanupInterval time.Duration
		IdleTimeout     time.Duration
		MaxPrincipals   int
	}

	// InMemoryRateLimiter implements RateLimiter using golang.org/x/time/rate.
	//
	// Three tiers apply: a global limit over all requests, a per-principal
	// limit for authenticated callers, and a shared limit for anonymous
	// requests. Idle principal buckets are removed by a background sweep.
	InMemoryRateLimiter struct {
		global       *rate.Limiter
		perPrincipal map[string]*principalLimiter
		anonymous    *rate.Limiter
		mu           sync.RWMutex

		cleanupTicker *time.Ticker
		done          chan struct{}

		principalRPS    int
		principalBurst  int
		cleanupInterval time.Duration
		idleTimeout     time.Duration
		maxPrincipals   int
	}

	// principalLimiter tracks rate limit state for a single caller.
	principalLimiter struct {
		limiter    *rate.Limiter
		lastAccess time.Time
		mu         sync.Mutex
	}
)

// NewInMemoryRateLimiter creates an in-memory rate limiter with three-tier
// limits and starts its cleanup goroutine. Call Close when done.
func NewInMemoryRateLimiter(config *RateLimitConfig) *InMemoryRateLimiter {
	maxPrincipals := config.MaxPrincipals
	if maxPrincipals <= 0 {
		maxPrincipals = defaultMaxPrincipals
	}

	rl := &InMemoryRateLimiter{
		global:          rate.NewLimiter(rate.Limit(config.GlobalRPS), computeBurstCapacity(config.GlobalRPS, config.GlobalBurst)),
		perPrincipal:    make(map[string]*principalLimiter),
		anonymous:       rate.NewLimiter(rate.Limit(config.AnonymousRPS), computeBurstCapacity(config.AnonymousRPS, config.AnonymousBurst)),
		done:            make(chan struct{}),
		principalRPS:    config.PrincipalRPS,
		principalBurst:  computeBurstCapacity(config.PrincipalRPS, config.PrincipalBurst),
		cleanupInterval: config.CleanupInterval,
		idleTimeout:     config.IdleTimeout,
		maxPrincipals:   maxPrincipals,
	}

	rl.startCleanup()

	return rl
}

func computeBurstCapacity(rps, burstOverride int) int {
	if burstOverride > 0 {
		return burstOverride
	}

	return rps * burstCapacityMultiplier
}

// Allow checks the global limit first, then the per-principal or anonymous
// limit. Principal buckets are created lazily.
func (rl *InMemoryRateLimiter) Allow(principal string) bool {
	if !rl.global.Allow() {
		return false
	}

	if principal == "" {
		return rl.anonymous.Allow()
	}

	rl.mu.RLock()
	pl, ok := rl.perPrincipal[principal]
	rl.mu.RUnlock()

	if !ok {
		rl.mu.Lock()
		// Double-check after acquiring the write lock
		if pl, ok = rl.perPrincipal[principal]; !ok {
			pl = &principalLimiter{
				limiter:    rate.NewLimiter(rate.Limit(rl.principalRPS), rl.principalBurst),
				lastAccess: time.Now(),
			}
			rl.perPrincipal[principal] = pl

			if len(rl.perPrincipal) >= rl.maxPrincipals {
				slog.Warn("rate limiter at max principals",
					"current_principals", len(rl.perPrincipal),
					"max_principals", rl.maxPrincipals)
			}
		}
		rl.mu.Unlock()
	}

	pl.mu.Lock()
	pl.lastAccess = time.Now()
	pl.mu.Unlock()

	return pl.limiter.Allow()
}

// Close stops the cleanup goroutine and releases resources.
func (rl *InMemoryRateLimiter) Close() {
	if rl.cleanupTicker != nil {
		rl.cleanupTicker.Stop()
	}

	close(rl.done)
}

func (rl *InMemoryRateLimiter) startCleanup() {
	cleanupInterval := rl.cleanupInterval
	if cleanupInterval == 0 {
		cleanupInterval = rateLimiterCleanupInterval
	}

	rl.cleanupTicker = time.NewTicker(cleanupInterval)

	go func() {
		for {
			select {
			case <-rl.cleanupTicker.C:
				rl.cleanup()
			case <-rl.done:
				return
			}
		}
	}()
}

// cleanup removes principal limiters that haven't been accessed recently.
func (rl *InMemoryRateLimiter) cleanup() {
	idleTimeout := rl.idleTimeout
	if idleTimeout == 0 {
		idleTimeout = rateLimiterIdleTimeout
	}

	now := time.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	for principal, pl := range rl.perPrincipal {
		pl.mu.Lock()
		lastAccess := pl.lastAccess
		pl.mu.Unlock()

		if now.Sub(lastAccess) > idleTimeout {
			delete(rl.perPrincipal, principal)
		}
	}
}

// RateLimit returns a middleware that enforces rate limits on incoming
// requests. It must sit after WithPrincipal in the chain so authenticated
// callers get their own bucket. Exceeding a limit yields an RFC 7807 429.
func RateLimit(limiter RateLimiter, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal := ""
			if p := GetPrincipal(r.Context()); p != nil {
				principal = p.User
			}

			if !limiter.Allow(principal) {
				correlationID := GetCorrelationID(r.Context())

				detail := "Rate limit exceeded. Please retry after some time."
				if err := writeRFC7807Error(w, r, http.StatusTooManyRequests, detail, correlationID); err != nil {
					logger.Error("failed to write rate limit response",
						slog.String("correlation_id", correlationID),
						slog.String("path", r.URL.Path),
						slog.String("error", err.Error()),
					)

					http.Error(w, detail, http.StatusTooManyRequests)
				}

				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func writeRFC7807Error(w http.ResponseWriter, r *http.Request, status int, detail, correlationID string) error {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)

	return json.NewEncoder(w).Encode(map[string]any{
		"type":          fmt.Sprintf("https://apphub.io/timestore/problems/%d", status),
		"title":         http.StatusText(status),
		"status":        status,
		"detail":        detail,
		"instance":      r.URL.Path,
		"correlationId": correlationID,
	})
}
