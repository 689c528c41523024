package bundles

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/apphub-io/timestore/internal/apperr"
	"github.com/apphub-io/timestore/internal/objstore"
	"github.com/apphub-io/timestore/internal/storage"
)

type (
	// AcquiredBundle is a reference-counted handle on an extracted bundle
	// directory. Release must be called exactly once.
	AcquiredBundle struct {
		Version *storage.BundleVersion
		Dir     string

		release func()
		once    sync.Once
	}

	cacheEntry struct {
		dir          string
		refs         int
		lastReleased time.Time
	}

	// Cache materializes bundle archives into a TTL-bounded local
	// directory. At most one extraction runs per checksum; concurrent
	// acquisitions of the same version share the extracted directory.
	Cache struct {
		registry *Registry
		root     string
		ttl      time.Duration

		mu      sync.Mutex
		entries map[string]*cacheEntry

		group singleflight.Group

		stop     chan struct{}
		stopOnce sync.Once
	}
)

// Release decrements the reference count. The directory is evicted only
// after the count reaches zero and the TTL has passed.
func (b *AcquiredBundle) Release() {
	b.once.Do(b.release)
}

// NewCache creates the cache root and starts the eviction loop.
func NewCache(registry *Registry, root string, ttl time.Duration) (*Cache, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create bundle cache root: %w", err)
	}

	c := &Cache{
		registry: registry,
		root:     root,
		ttl:      ttl,
		entries:  make(map[string]*cacheEntry),
		stop:     make(chan struct{}),
	}

	go c.evictLoop()

	return c, nil
}

// Acquire materializes the archive for a version row and returns a handle on
// the extracted directory.
//
// Failure semantics: checksum mismatch after download retries once and then
// surfaces bundle-corrupt; object-store transport errors surface
// acquire-failed (retryable).
func (c *Cache) Acquire(ctx context.Context, v *storage.BundleVersion) (*AcquiredBundle, error) {
	fingerprint := v.Checksum

	c.mu.Lock()
	if entry, ok := c.entries[fingerprint]; ok {
		entry.refs++
		c.mu.Unlock()

		return c.handle(v, fingerprint, entry.dir), nil
	}
	c.mu.Unlock()

	// One extraction per fingerprint; losers of the race share the result.
	dirAny, err, _ := c.group.Do(fingerprint, func() (any, error) {
		return c.materialize(ctx, v)
	})
	if err != nil {
		return nil, err
	}

	dir := dirAny.(string)

	c.mu.Lock()
	entry, ok := c.entries[fingerprint]
	if !ok {
		entry = &cacheEntry{dir: dir}
		c.entries[fingerprint] = entry
	}

	entry.refs++
	c.mu.Unlock()

	return c.handle(v, fingerprint, dir), nil
}

func (c *Cache) handle(v *storage.BundleVersion, fingerprint, dir string) *AcquiredBundle {
	return &AcquiredBundle{
		Version: v,
		Dir:     dir,
		release: func() {
			c.mu.Lock()
			defer c.mu.Unlock()

			if entry, ok := c.entries[fingerprint]; ok {
				entry.refs--
				if entry.refs <= 0 {
					entry.refs = 0
					entry.lastReleased = time.Now()
				}
			}
		},
	}
}

func (c *Cache) materialize(ctx context.Context, v *storage.BundleVersion) (string, error) {
	dir := filepath.Join(c.root, v.Checksum)

	// A previous extraction may still be on disk after a restart.
	if _, err := os.Stat(dir); err == nil {
		return dir, nil
	}

	var lastErr error

	for attempt := 0; attempt < 2; attempt++ {
		lastErr = c.downloadAndExtract(ctx, v, dir)
		if lastErr == nil {
			return dir, nil
		}

		if !apperr.IsKind(lastErr, apperr.KindBundleCorrupt) {
			return "", lastErr
		}
	}

	return "", lastErr
}

func (c *Cache) downloadAndExtract(ctx context.Context, v *storage.BundleVersion, dir string) error {
	rc, err := c.registry.OpenArtifact(ctx, v)
	if err != nil {
		if errors.Is(err, objstore.ErrObjectNotFound) {
			return apperr.Newf(apperr.KindBundleNotFound,
				"bundle artifact %s missing from object store", v.ArtifactPath)
		}

		return apperr.Wrap(apperr.KindAcquireFailed, "download bundle artifact", err)
	}

	defer func() {
		_ = rc.Close()
	}()

	tmp, err := os.CreateTemp(c.root, ".download-*")
	if err != nil {
		return apperr.Wrap(apperr.KindAcquireFailed, "spool bundle artifact", err)
	}

	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
	}()

	hasher := sha256.New()

	if _, err := io.Copy(io.MultiWriter(tmp, hasher), rc); err != nil {
		return apperr.Wrap(apperr.KindAcquireFailed, "download bundle artifact", err)
	}

	if got := hex.EncodeToString(hasher.Sum(nil)); got != v.Checksum {
		return apperr.Newf(apperr.KindBundleCorrupt,
			"bundle %s@%s checksum mismatch", v.Slug, v.Version).
			WithProperty("expected", v.Checksum).
			WithProperty("actual", got)
	}

	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return apperr.Wrap(apperr.KindAcquireFailed, "rewind bundle artifact", err)
	}

	staging := dir + ".extracting"
	_ = os.RemoveAll(staging)

	if err := Extract(tmp, staging); err != nil {
		_ = os.RemoveAll(staging)

		return apperr.Wrap(apperr.KindBundleCorrupt, "extract bundle archive", err)
	}

	if err := os.Rename(staging, dir); err != nil {
		_ = os.RemoveAll(staging)

		return apperr.Wrap(apperr.KindAcquireFailed, "publish extracted bundle", err)
	}

	return nil
}

func (c *Cache) evictLoop() {
	interval := c.ttl / 2
	if interval < time.Second {
		interval = time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.evictExpired()
		}
	}
}

func (c *Cache) evictExpired() {
	cutoff := time.Now().Add(-c.ttl)

	c.mu.Lock()
	defer c.mu.Unlock()

	// The directory must disappear in the same critical section as the map
	// entry: once the lock drops, Acquire may reuse the on-disk extraction
	// through materialize's stat check, and a removal after that would pull
	// the directory out from under a live handle.
	for fingerprint, entry := range c.entries {
		if entry.refs == 0 && !entry.lastReleased.IsZero() && entry.lastReleased.Before(cutoff) {
			_ = os.RemoveAll(entry.dir)
			delete(c.entries, fingerprint)
		}
	}
}

// Close stops the eviction loop. Extracted directories are left on disk for
// reuse after restart.
func (c *Cache) Close() {
	c.stopOnce.Do(func() { close(c.stop) })
}
