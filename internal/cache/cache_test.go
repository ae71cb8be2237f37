package cache_test

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/fetchproxy/internal/cache"
	"github.com/JakeFAU/fetchproxy/internal/fetchproxy"
	"github.com/JakeFAU/fetchproxy/internal/hash/sha256"
	"github.com/JakeFAU/fetchproxy/internal/storage/local"
	"github.com/JakeFAU/fetchproxy/internal/storage/memory"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1_700_000_000, 0).UTC()}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newCache(t *testing.T, store fetchproxy.BlobStore, clock fetchproxy.Clock) *cache.Cache {
	t.Helper()
	c, err := cache.New(store, sha256.New(), clock, cache.Config{TTL: 60 * time.Second}, zap.NewNop())
	require.NoError(t, err)
	return c
}

func samplePayload(body string) fetchproxy.Payload {
	return fetchproxy.Payload{
		StatusCode: http.StatusOK,
		Headers:    http.Header{"Content-Type": {"text/html"}},
		Body:       []byte(body),
	}
}

func TestLookupMissThenHit(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	c := newCache(t, memory.NewBlobStore(), newFakeClock())

	_, ok := c.Lookup(ctx, "http://a.com/")
	require.False(t, ok)

	require.NoError(t, c.Store(ctx, "http://a.com/", samplePayload("hello")))

	entry, ok := c.Lookup(ctx, "http://a.com/")
	require.True(t, ok)
	require.Equal(t, "hello", string(entry.Payload.Body))
	require.Equal(t, "text/html", entry.Payload.Headers.Get("Content-Type"))
	require.Equal(t, 60, entry.TTLSeconds)
	require.Equal(t, sha256.Fingerprint("http://a.com/"), entry.Key)
}

func TestLookupExpiresAfterTTL(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clock := newFakeClock()
	c := newCache(t, memory.NewBlobStore(), clock)
	require.NoError(t, c.Store(ctx, "http://a.com/", samplePayload("v1")))

	clock.Advance(59 * time.Second)
	_, ok := c.Lookup(ctx, "http://a.com/")
	require.True(t, ok)

	clock.Advance(time.Second)
	_, ok = c.Lookup(ctx, "http://a.com/")
	require.False(t, ok, "entry at exactly TTL age must be a miss")

	require.NoError(t, c.Store(ctx, "http://a.com/", samplePayload("v2")))
	entry, ok := c.Lookup(ctx, "http://a.com/")
	require.True(t, ok)
	require.Equal(t, "v2", string(entry.Payload.Body))
}

func TestLookupTreatsCorruptAsMiss(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memory.NewBlobStore()
	c := newCache(t, store, newFakeClock())
	key := sha256.Fingerprint("http://a.com/")

	_, err := store.PutObject(ctx, "entries/"+key+".json", "", []byte(`{"key":`))
	require.NoError(t, err)
	_, ok := c.Lookup(ctx, "http://a.com/")
	require.False(t, ok)

	_, err = store.PutObject(ctx, "entries/"+key+".json", "", []byte(`{"key":"other","url":"http://a.com/","ttl_seconds":60}`))
	require.NoError(t, err)
	_, ok = c.Lookup(ctx, "http://a.com/")
	require.False(t, ok)
}

type failingStore struct {
	*memory.BlobStore
	getErr    error
	deleteErr error
	listErr   error
}

func (f *failingStore) GetObject(ctx context.Context, path string) ([]byte, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	return f.BlobStore.GetObject(ctx, path)
}

func (f *failingStore) DeleteObject(ctx context.Context, path string) error {
	if f.deleteErr != nil {
		return f.deleteErr
	}
	return f.BlobStore.DeleteObject(ctx, path)
}

func (f *failingStore) ListObjects(ctx context.Context, prefix string) ([]string, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.BlobStore.ListObjects(ctx, prefix)
}

func TestLookupStoreErrorIsMiss(t *testing.T) {
	t.Parallel()

	store := &failingStore{BlobStore: memory.NewBlobStore(), getErr: errors.New("disk on fire")}
	c := newCache(t, store, newFakeClock())
	require.NoError(t, c.Store(context.Background(), "http://a.com/", samplePayload("x")))

	_, ok := c.Lookup(context.Background(), "http://a.com/")
	require.False(t, ok)
}

func TestClearRemovesEntries(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	c := newCache(t, memory.NewBlobStore(), newFakeClock())
	for _, u := range []string{"http://a.com/", "http://b.com/", "http://c.com/"} {
		require.NoError(t, c.Store(ctx, u, samplePayload(u)))
	}
	require.Equal(t, 3, c.Stats(ctx).EntryCount)

	removed, err := c.Clear(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, removed)
	require.Equal(t, 0, c.Stats(ctx).EntryCount)

	_, ok := c.Lookup(ctx, "http://a.com/")
	require.False(t, ok)
}

func TestClearToleratesDeleteFailures(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := &failingStore{BlobStore: memory.NewBlobStore()}
	c := newCache(t, store, newFakeClock())
	require.NoError(t, c.Store(ctx, "http://a.com/", samplePayload("a")))

	store.deleteErr = errors.New("permission denied")
	removed, err := c.Clear(ctx)
	require.NoError(t, err)
	require.Zero(t, removed)

	store.listErr = errors.New("bucket gone")
	_, err = c.Clear(ctx)
	require.Error(t, err)
	require.Zero(t, c.Stats(ctx).EntryCount)
}

func TestPruneRemovesOnlyExpired(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clock := newFakeClock()
	store := memory.NewBlobStore()
	c := newCache(t, store, clock)

	require.NoError(t, c.Store(ctx, "http://old.com/", samplePayload("old")))
	clock.Advance(45 * time.Second)
	require.NoError(t, c.Store(ctx, "http://new.com/", samplePayload("new")))
	clock.Advance(30 * time.Second)

	require.Equal(t, 1, c.Prune(ctx))
	require.Equal(t, 1, c.Stats(ctx).EntryCount)
	_, ok := c.Lookup(ctx, "http://new.com/")
	require.True(t, ok)
}

func TestNewValidation(t *testing.T) {
	t.Parallel()

	_, err := cache.New(nil, sha256.New(), newFakeClock(), cache.Config{}, nil)
	require.Error(t, err)
	_, err = cache.New(memory.NewBlobStore(), sha256.New(), newFakeClock(), cache.Config{TTL: time.Millisecond}, nil)
	require.Error(t, err)

	c, err := cache.New(memory.NewBlobStore(), sha256.New(), newFakeClock(), cache.Config{}, nil)
	require.NoError(t, err)
	require.Equal(t, cache.DefaultTTL, c.TTL())
}

// TestConcurrentStoresAcrossWorkersNeverMix simulates two worker processes
// sharing one directory and racing on the same fingerprint.
func TestConcurrentStoresAcrossWorkersNeverMix(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	dir := t.TempDir()
	clock := newFakeClock()

	storeA, err := local.New(local.Config{BaseDir: dir})
	require.NoError(t, err)
	storeB, err := local.New(local.Config{BaseDir: dir})
	require.NoError(t, err)
	workerA := newCache(t, storeA, clock)
	workerB := newCache(t, storeB, clock)

	bodyA := bytes.Repeat([]byte("a"), 128*1024)
	bodyB := bytes.Repeat([]byte("b"), 128*1024)
	const url = "http://race.com/"

	var wg sync.WaitGroup
	for _, w := range []struct {
		c    *cache.Cache
		body []byte
	}{{workerA, bodyA}, {workerB, bodyB}} {
		wg.Add(1)
		go func(c *cache.Cache, body []byte) {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				if storeErr := c.Store(ctx, url, fetchproxy.Payload{StatusCode: 200, Body: body}); storeErr != nil {
					t.Errorf("store: %v", storeErr)
					return
				}
			}
		}(w.c, w.body)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	reads := 0
	for {
		select {
		case <-done:
			entry, ok := workerA.Lookup(ctx, url)
			require.True(t, ok)
			require.True(t, bytes.Equal(entry.Payload.Body, bodyA) || bytes.Equal(entry.Payload.Body, bodyB))
			return
		default:
		}
		if entry, ok := workerB.Lookup(ctx, url); ok {
			reads++
			if !bytes.Equal(entry.Payload.Body, bodyA) && !bytes.Equal(entry.Payload.Body, bodyB) {
				t.Fatalf("read %d returned mixed payload of %d bytes", reads, len(entry.Payload.Body))
			}
		}
	}
}
