// Package worker implements the fetch worker: cache-first retrieval of
// target URLs on behalf of the proxy.
package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/fetchproxy/internal/cache"
	"github.com/JakeFAU/fetchproxy/internal/fetchproxy"
	"github.com/JakeFAU/fetchproxy/internal/metrics"
)

// DefaultFetchTimeout bounds one live retrieval.
const DefaultFetchTimeout = 10 * time.Second

// Cache is the subset of the shared cache the worker relies on.
type Cache interface {
	Lookup(ctx context.Context, url string) (fetchproxy.CacheEntry, bool)
	Store(ctx context.Context, url string, payload fetchproxy.Payload) error
	Clear(ctx context.Context) (int, error)
	Stats(ctx context.Context) cache.Stats
}

// Limiter paces outbound fetches.
type Limiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// Config controls Worker behavior.
type Config struct {
	ID           string
	FetchTimeout time.Duration
	// Headers are sent with every live retrieval.
	Headers http.Header
}

// Worker serves fetch, health, clear, and stats calls.
type Worker struct {
	cfg     Config
	cache   Cache
	fetcher fetchproxy.Fetcher
	limiter Limiter
	clock   fetchproxy.Clock
	logger  *zap.Logger

	requests atomic.Int64
	hits     atomic.Int64
	misses   atomic.Int64
	failures atomic.Int64
}

// New constructs a Worker. limiter may be nil.
func New(
	cfg Config,
	c Cache,
	fetcher fetchproxy.Fetcher,
	limiter Limiter,
	clock fetchproxy.Clock,
	logger *zap.Logger,
) (*Worker, error) {
	if cfg.ID == "" {
		return nil, errors.New("worker id is required")
	}
	if c == nil {
		return nil, errors.New("cache is required")
	}
	if fetcher == nil {
		return nil, errors.New("fetcher is required")
	}
	if clock == nil {
		return nil, errors.New("clock is required")
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = DefaultFetchTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		cfg:     cfg,
		cache:   c,
		fetcher: fetcher,
		limiter: limiter,
		clock:   clock,
		logger:  logger.With(zap.String("worker_id", cfg.ID)),
	}, nil
}

// ID returns the worker identifier.
func (w *Worker) ID() string {
	return w.cfg.ID
}

// Fetch returns the cached payload for rawURL when one is live, otherwise
// retrieves it and stores the result. Failed retrievals are never cached.
func (w *Worker) Fetch(ctx context.Context, rawURL string) (fetchproxy.FetchResult, error) {
	w.requests.Add(1)

	target, err := fetchproxy.NormalizeTargetURL(rawURL)
	if err != nil {
		w.failures.Add(1)
		return fetchproxy.FetchResult{}, &fetchproxy.UpstreamError{URL: rawURL, Err: err}
	}

	if entry, ok := w.cache.Lookup(ctx, target); ok {
		w.hits.Add(1)
		metrics.ObserveWorkerFetch(w.cfg.ID, fetchproxy.OutcomeCached.String())
		w.logger.Debug("cache hit", zap.String("url", target))
		return fetchproxy.FetchResult{
			WorkerID: w.cfg.ID,
			Payload:  entry.Payload,
			Outcome:  fetchproxy.OutcomeCached,
		}, nil
	}
	w.misses.Add(1)

	payload, err := w.retrieve(ctx, target)
	if err != nil {
		w.failures.Add(1)
		metrics.ObserveWorkerFetch(w.cfg.ID, "failed")
		w.logger.Warn("upstream fetch failed", zap.String("url", target), zap.Error(err))
		return fetchproxy.FetchResult{}, err
	}

	if err := w.cache.Store(ctx, target, payload); err != nil {
		w.logger.Warn("cache store failed", zap.String("url", target), zap.Error(err))
	}
	metrics.ObserveWorkerFetch(w.cfg.ID, fetchproxy.OutcomeFresh.String())
	return fetchproxy.FetchResult{
		WorkerID: w.cfg.ID,
		Payload:  payload,
		Outcome:  fetchproxy.OutcomeFresh,
	}, nil
}

func (w *Worker) retrieve(ctx context.Context, target string) (fetchproxy.Payload, error) {
	ctx, cancel := context.WithTimeout(ctx, w.cfg.FetchTimeout)
	defer cancel()

	if w.limiter != nil {
		if err := w.limiter.Wait(ctx, target); err != nil {
			return fetchproxy.Payload{}, &fetchproxy.UpstreamError{URL: target, Err: err}
		}
	}

	resp, err := w.fetcher.Fetch(ctx, fetchproxy.FetchRequest{URL: target, Headers: w.cfg.Headers.Clone()})
	if err != nil {
		var upstream *fetchproxy.UpstreamError
		if errors.As(err, &upstream) {
			return fetchproxy.Payload{}, upstream
		}
		return fetchproxy.Payload{}, &fetchproxy.UpstreamError{URL: target, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fetchproxy.Payload{}, &fetchproxy.UpstreamError{URL: target, StatusCode: resp.StatusCode}
	}
	metrics.ObserveUpstreamBytes(fetchproxy.Domain(target), len(resp.Body))

	return fetchproxy.Payload{
		StatusCode: resp.StatusCode,
		Headers:    fetchproxy.StripHopByHop(resp.Headers),
		Body:       resp.Body,
	}, nil
}

// HealthCheck reports liveness along with the shared cache size.
func (w *Worker) HealthCheck(ctx context.Context) fetchproxy.HealthReport {
	return fetchproxy.HealthReport{
		OK:              true,
		WorkerID:        w.cfg.ID,
		CacheEntryCount: w.cache.Stats(ctx).EntryCount,
		Timestamp:       w.clock.Now(),
	}
}

// ClearCache empties the shared cache for every worker.
func (w *Worker) ClearCache(ctx context.Context) (fetchproxy.ClearResult, error) {
	removed, err := w.cache.Clear(ctx)
	if err != nil {
		return fetchproxy.ClearResult{}, fmt.Errorf("clear cache: %w", err)
	}
	w.logger.Info("cache cleared on request", zap.Int("removed", removed))
	return fetchproxy.ClearResult{Cleared: true, Removed: removed}, nil
}

// Stats returns this process's counters. They reset on restart.
func (w *Worker) Stats(ctx context.Context) fetchproxy.WorkerStats {
	return fetchproxy.WorkerStats{
		WorkerID:        w.cfg.ID,
		RequestsServed:  w.requests.Load(),
		HitCount:        w.hits.Load(),
		MissCount:       w.misses.Load(),
		FailureCount:    w.failures.Load(),
		CacheEntryCount: w.cache.Stats(ctx).EntryCount,
	}
}
