// Package cache implements the TTL-bounded response cache shared by every
// fetch worker through a common BlobStore.
//
// The cache is write-through and eventually consistent. There is no lock
// manager: each entry is one object replaced atomically by the store, so
// concurrent writers race to a last-writer-wins outcome and readers never see
// a torn entry. Anything unreadable or stale degrades to a miss.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/fetchproxy/internal/fetchproxy"
)

const (
	// DefaultTTL is the freshness window applied to new entries.
	DefaultTTL = 60 * time.Second
	// DefaultPrefix is the object prefix under which entries are stored.
	DefaultPrefix = "entries"

	entrySuffix      = ".json"
	entryContentType = "application/json"
)

// Config controls entry lifetime and layout.
type Config struct {
	TTL    time.Duration
	Prefix string
}

// Stats is an approximate view of the shared cache.
type Stats struct {
	EntryCount int `json:"entry_count"`
}

// Cache is the shared, TTL-evicted response cache.
type Cache struct {
	store  fetchproxy.BlobStore
	hasher fetchproxy.Hasher
	clock  fetchproxy.Clock
	ttl    time.Duration
	prefix string
	logger *zap.Logger
}

// New constructs a Cache over store.
func New(
	store fetchproxy.BlobStore,
	hasher fetchproxy.Hasher,
	clock fetchproxy.Clock,
	cfg Config,
	logger *zap.Logger,
) (*Cache, error) {
	if store == nil {
		return nil, errors.New("blob store is required")
	}
	if hasher == nil {
		return nil, errors.New("hasher is required")
	}
	if clock == nil {
		return nil, errors.New("clock is required")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.TTL < time.Second {
		return nil, fmt.Errorf("cache ttl must be at least 1s, got %s", cfg.TTL)
	}
	prefix := strings.Trim(cfg.Prefix, "/")
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{
		store:  store,
		hasher: hasher,
		clock:  clock,
		ttl:    cfg.TTL,
		prefix: prefix,
		logger: logger,
	}, nil
}

// TTL returns the configured freshness window.
func (c *Cache) TTL() time.Duration {
	return c.ttl
}

// Lookup returns the live entry for url. Missing, unreadable, malformed,
// mismatched, and expired entries all report false; Lookup never fails.
func (c *Cache) Lookup(ctx context.Context, url string) (fetchproxy.CacheEntry, bool) {
	key, err := c.hasher.Hash([]byte(url))
	if err != nil {
		c.logger.Warn("cache fingerprint failed", zap.String("url", url), zap.Error(err))
		return fetchproxy.CacheEntry{}, false
	}
	raw, err := c.store.GetObject(ctx, c.entryPath(key))
	if err != nil {
		if !errors.Is(err, fetchproxy.ErrObjectNotFound) {
			c.logger.Warn("cache read failed", zap.String("key", key), zap.Error(err))
		}
		return fetchproxy.CacheEntry{}, false
	}
	var entry fetchproxy.CacheEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		c.logger.Warn("cache entry corrupt", zap.String("key", key), zap.Error(err))
		return fetchproxy.CacheEntry{}, false
	}
	if entry.Key != key || entry.URL != url {
		c.logger.Warn("cache entry key mismatch", zap.String("key", key), zap.String("stored_key", entry.Key))
		return fetchproxy.CacheEntry{}, false
	}
	if !entry.ValidAt(c.clock.Now()) {
		c.logger.Debug("cache entry expired", zap.String("key", key), zap.Time("stored_at", entry.StoredAt))
		return fetchproxy.CacheEntry{}, false
	}
	return entry, true
}

// Store writes a fresh entry for url, replacing any previous entry whole.
func (c *Cache) Store(ctx context.Context, url string, payload fetchproxy.Payload) error {
	key, err := c.hasher.Hash([]byte(url))
	if err != nil {
		return fmt.Errorf("fingerprint url: %w", err)
	}
	entry := fetchproxy.CacheEntry{
		Key:        key,
		URL:        url,
		Payload:    payload,
		StoredAt:   c.clock.Now(),
		TTLSeconds: int(c.ttl / time.Second),
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode entry: %w", err)
	}
	if _, err := c.store.PutObject(ctx, c.entryPath(key), entryContentType, raw); err != nil {
		return fmt.Errorf("put entry: %w", err)
	}
	c.logger.Debug("cache entry stored", zap.String("key", key), zap.Int("bytes", len(raw)))
	return nil
}

// Clear removes every entry on a best-effort basis. Individual delete
// failures are logged and skipped; only a failed listing is returned.
func (c *Cache) Clear(ctx context.Context) (int, error) {
	paths, err := c.entryPaths(ctx)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, p := range paths {
		if err := c.store.DeleteObject(ctx, p); err != nil {
			c.logger.Warn("cache entry delete failed", zap.String("path", p), zap.Error(err))
			continue
		}
		removed++
	}
	c.logger.Info("cache cleared", zap.Int("removed", removed), zap.Int("listed", len(paths)))
	return removed, nil
}

// Stats counts stored entries, expired ones included.
func (c *Cache) Stats(ctx context.Context) Stats {
	paths, err := c.entryPaths(ctx)
	if err != nil {
		c.logger.Warn("cache stats failed", zap.Error(err))
		return Stats{}
	}
	return Stats{EntryCount: len(paths)}
}

// Prune physically removes expired or unreadable entries and returns how many
// were deleted. An entry rewritten by another worker between the read and the
// delete may be lost; that only costs a future miss.
func (c *Cache) Prune(ctx context.Context) int {
	paths, err := c.entryPaths(ctx)
	if err != nil {
		c.logger.Warn("cache prune list failed", zap.Error(err))
		return 0
	}
	now := c.clock.Now()
	removed := 0
	for _, p := range paths {
		if ctx.Err() != nil {
			break
		}
		raw, err := c.store.GetObject(ctx, p)
		if err != nil {
			continue
		}
		var entry fetchproxy.CacheEntry
		if err := json.Unmarshal(raw, &entry); err == nil && entry.ValidAt(now) {
			continue
		}
		if err := c.store.DeleteObject(ctx, p); err != nil {
			c.logger.Warn("cache prune delete failed", zap.String("path", p), zap.Error(err))
			continue
		}
		removed++
	}
	if removed > 0 {
		c.logger.Info("cache pruned", zap.Int("removed", removed))
	}
	return removed
}

// RunJanitor prunes on every interval tick until ctx ends.
func (c *Cache) RunJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	c.logger.Info("cache janitor started", zap.Duration("interval", interval))
	for {
		select {
		case <-ticker.C:
			c.Prune(ctx)
		case <-ctx.Done():
			c.logger.Info("cache janitor stopped")
			return
		}
	}
}

func (c *Cache) entryPath(key string) string {
	return c.prefix + "/" + key + entrySuffix
}

func (c *Cache) entryPaths(ctx context.Context) ([]string, error) {
	objects, err := c.store.ListObjects(ctx, c.prefix)
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	out := objects[:0]
	for _, o := range objects {
		if strings.HasSuffix(o, entrySuffix) {
			out = append(out, o)
		}
	}
	return out, nil
}
