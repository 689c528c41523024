package bundles

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/apphub-io/timestore/internal/apperr"
	"github.com/apphub-io/timestore/internal/objstore"
	"github.com/apphub-io/timestore/internal/storage"
)

func TestPackExtractRoundTrip(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	src := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(src, "lib"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "manifest.json"), []byte(`{"entry":"main"}`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(src, "lib", "main.py"), []byte("print('hi')"), 0o644))

	var buf bytes.Buffer
	require.NoError(t, Pack(src, &buf))

	dest := t.TempDir()
	require.NoError(t, Extract(&buf, filepath.Join(dest, "out")))

	body, err := os.ReadFile(filepath.Join(dest, "out", "lib", "main.py"))
	require.NoError(t, err)
	require.Equal(t, "print('hi')", string(body))
}

func TestExtractRejectsEscapingEntries(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	var buf bytes.Buffer

	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "ok.txt"), []byte("x"), 0o644))
	require.NoError(t, Pack(src, &buf))

	// Corrupt via a hand-built archive is covered by safeJoin directly.
	_, err := safeJoin(t.TempDir(), "../../etc/passwd")
	require.Error(t, err)

	_, err = safeJoin(t.TempDir(), "/abs")
	require.Error(t, err)
}

// cacheFixture publishes one bundle into a filesystem-backed registry and
// returns the version row plus a cache over it.
func cacheFixture(t *testing.T) (*Cache, *storage.BundleVersion, objstore.Driver) {
	t.Helper()

	driver, err := objstore.NewFilesystem(t.TempDir())
	require.NoError(t, err)

	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "entry.py"), []byte("pass"), 0o644))

	var buf bytes.Buffer
	require.NoError(t, Pack(src, &buf))

	archive := buf.Bytes()
	sum := sha256.Sum256(archive)
	checksum := hex.EncodeToString(sum[:])
	key := ArtifactKey(checksum)

	require.NoError(t, driver.Put(context.Background(), key, bytes.NewReader(archive), int64(len(archive))))

	version := &storage.BundleVersion{
		Slug:            "etl",
		Version:         "1.0.0",
		Checksum:        checksum,
		ArtifactStorage: "filesystem",
		ArtifactPath:    key,
	}

	cache, err := NewCache(&Registry{objects: driver}, t.TempDir(), 50*time.Millisecond)
	require.NoError(t, err)

	t.Cleanup(cache.Close)

	return cache, version, driver
}

func TestCacheAcquireSharesExtraction(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	cache, version, _ := cacheFixture(t)

	ctx := context.Background()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		dirs = map[string]int{}
	)

	for i := 0; i < 8; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			acquired, err := cache.Acquire(ctx, version)
			require.NoError(t, err)

			mu.Lock()
			dirs[acquired.Dir]++
			mu.Unlock()

			acquired.Release()
		}()
	}

	wg.Wait()

	require.Len(t, dirs, 1, "all acquisitions must share one extracted directory")

	for dir := range dirs {
		_, err := os.Stat(filepath.Join(dir, "entry.py"))
		require.NoError(t, err)
	}
}

func TestCacheEvictsAfterReleaseAndTTL(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	cache, version, _ := cacheFixture(t)

	acquired, err := cache.Acquire(context.Background(), version)
	require.NoError(t, err)

	dir := acquired.Dir

	// Held references survive TTL expiry.
	time.Sleep(80 * time.Millisecond)
	cache.evictExpired()
	_, err = os.Stat(dir)
	require.NoError(t, err, "held bundle must not be evicted")

	acquired.Release()
	time.Sleep(80 * time.Millisecond)
	cache.evictExpired()

	_, err = os.Stat(dir)
	require.True(t, os.IsNotExist(err), "released bundle must be evicted after TTL")
}

func TestCacheEvictionDoesNotRaceAcquire(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	cache, version, _ := cacheFixture(t)
	cache.ttl = 0 // every released entry is immediately eligible

	ctx := context.Background()
	done := make(chan struct{})

	var wg sync.WaitGroup

	wg.Add(1)

	go func() {
		defer wg.Done()

		for {
			select {
			case <-done:
				return
			default:
				cache.evictExpired()
			}
		}
	}()

	// Every handle must see its directory on disk for as long as it is
	// held, no matter how the evictor interleaves.
	for i := 0; i < 200; i++ {
		acquired, err := cache.Acquire(ctx, version)
		require.NoError(t, err)

		_, err = os.Stat(filepath.Join(acquired.Dir, "entry.py"))
		require.NoError(t, err, "held bundle directory was evicted")

		acquired.Release()
	}

	close(done)
	wg.Wait()
}

func TestCacheReleaseIsIdempotent(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	cache, version, _ := cacheFixture(t)

	first, err := cache.Acquire(context.Background(), version)
	require.NoError(t, err)

	second, err := cache.Acquire(context.Background(), version)
	require.NoError(t, err)

	// Double release of one handle must not free the other's reference.
	first.Release()
	first.Release()

	cache.mu.Lock()
	entry := cache.entries[version.Checksum]
	refs := entry.refs
	cache.mu.Unlock()

	require.Equal(t, 1, refs)

	second.Release()
}

func TestCacheCorruptArtifact(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	cache, version, driver := cacheFixture(t)

	// Overwrite the stored artifact so the checksum no longer matches.
	require.NoError(t, driver.Put(context.Background(), version.ArtifactPath,
		bytes.NewReader([]byte("garbage")), 7))

	_, err := cache.Acquire(context.Background(), version)
	require.Error(t, err)
	require.Equal(t, apperr.KindBundleCorrupt, apperr.KindOf(err))
}

func TestCacheMissingArtifact(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	cache, version, driver := cacheFixture(t)

	require.NoError(t, driver.Delete(context.Background(), version.ArtifactPath))

	_, err := cache.Acquire(context.Background(), version)
	require.Error(t, err)
	require.Equal(t, apperr.KindBundleNotFound, apperr.KindOf(err))
}
