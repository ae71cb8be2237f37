// Package dispatcher routes each proxied fetch to a worker and fails over to
// other workers until one succeeds or every worker has been tried.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/fetchproxy/internal/fetchproxy"
	"github.com/JakeFAU/fetchproxy/internal/metrics"
)

// ErrExhausted is returned once every attempt allowed for a request failed.
var ErrExhausted = errors.New("all dispatch attempts failed")

// Registry is the worker selection surface the dispatcher depends on.
type Registry interface {
	Size() int
	NextExcluding(tried map[string]struct{}) (fetchproxy.WorkerHandle, error)
	Client(id string) (fetchproxy.WorkerClient, bool)
	ReportOutcome(id string, success bool)
	Handles() []fetchproxy.WorkerHandle
}

// Config controls per-attempt behavior.
type Config struct {
	// AttemptTimeout bounds one RPC attempt. Zero leaves it to the client.
	AttemptTimeout time.Duration
}

// Result describes a dispatch. On failure WorkerID names the last worker
// tried, or is empty when none was.
type Result struct {
	fetchproxy.FetchResult
	Attempts int
}

// Dispatcher owns the registry and drives select, call, evaluate, failover.
type Dispatcher struct {
	registry Registry
	cfg      Config
	logger   *zap.Logger
}

// New creates a Dispatcher.
func New(registry Registry, cfg Config, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{registry: registry, cfg: cfg, logger: logger}
}

// Dispatch fetches url through at most one attempt per configured worker,
// each on a different worker.
func (d *Dispatcher) Dispatch(ctx context.Context, url string) (Result, error) {
	maxAttempts := d.registry.Size()
	tried := make(map[string]struct{}, maxAttempts)
	var (
		res     Result
		lastErr error
	)

	for res.Attempts < maxAttempts {
		handle, err := d.registry.NextExcluding(tried)
		if err != nil {
			if res.Attempts == 0 {
				return res, err
			}
			break
		}
		tried[handle.ID] = struct{}{}
		res.Attempts++
		res.WorkerID = handle.ID
		if res.Attempts > 1 {
			metrics.IncFailover()
		}

		fetched, err := d.attempt(ctx, handle.ID, url)
		if err == nil {
			d.registry.ReportOutcome(handle.ID, true)
			res.FetchResult = fetched
			if res.WorkerID == "" {
				res.WorkerID = handle.ID
			}
			return res, nil
		}
		lastErr = err

		switch {
		case ctx.Err() != nil:
			return res, fmt.Errorf("dispatch canceled: %w", ctx.Err())
		case errors.Is(err, fetchproxy.ErrInvalidURL):
			return res, err
		case errors.Is(err, fetchproxy.ErrWorkerUnreachable):
			d.registry.ReportOutcome(handle.ID, false)
			d.logger.Warn("worker unreachable, failing over",
				zap.String("worker_id", handle.ID), zap.Int("attempt", res.Attempts), zap.Error(err))
		default:
			d.logger.Info("upstream fetch failed, failing over",
				zap.String("worker_id", handle.ID), zap.Int("attempt", res.Attempts), zap.Error(err))
		}
	}
	return res, fmt.Errorf("%w (%d attempts): %w", ErrExhausted, res.Attempts, lastErr)
}

func (d *Dispatcher) attempt(ctx context.Context, id, url string) (fetchproxy.FetchResult, error) {
	client, ok := d.registry.Client(id)
	if !ok {
		return fetchproxy.FetchResult{}, &fetchproxy.WorkerError{WorkerID: id, Op: "fetch", Err: errors.New("no client")}
	}
	if d.cfg.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.cfg.AttemptTimeout)
		defer cancel()
	}
	res, err := client.Fetch(ctx, url)
	if err != nil {
		return fetchproxy.FetchResult{}, err
	}
	return res, nil
}

// Workers returns a snapshot of every worker handle.
func (d *Dispatcher) Workers() []fetchproxy.WorkerHandle {
	return d.registry.Handles()
}

// ClearCache clears the shared cache through the first worker that answers.
// The cache is shared, so one successful clear covers every worker.
func (d *Dispatcher) ClearCache(ctx context.Context) (string, fetchproxy.ClearResult, error) {
	var errs []error
	for _, h := range d.registry.Handles() {
		client, ok := d.registry.Client(h.ID)
		if !ok {
			continue
		}
		res, err := client.ClearCache(ctx)
		if err == nil {
			return h.ID, res, nil
		}
		errs = append(errs, err)
		if ctx.Err() != nil {
			break
		}
	}
	if len(errs) == 0 {
		return "", fetchproxy.ClearResult{}, fetchproxy.ErrNoAvailableWorker
	}
	return "", fetchproxy.ClearResult{}, fmt.Errorf("clear cache: %w", errors.Join(errs...))
}

// WorkerStatsReport is one worker's answer to a stats fan-out.
type WorkerStatsReport struct {
	WorkerID string                  `json:"worker_id"`
	Stats    *fetchproxy.WorkerStats `json:"stats,omitempty"`
	Error    string                  `json:"error,omitempty"`
}

// Stats asks every worker for its counters concurrently. Reports keep
// configuration order.
func (d *Dispatcher) Stats(ctx context.Context) []WorkerStatsReport {
	handles := d.registry.Handles()
	out := make([]WorkerStatsReport, len(handles))
	var wg sync.WaitGroup
	for i, h := range handles {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			out[i] = WorkerStatsReport{WorkerID: id}
			client, ok := d.registry.Client(id)
			if !ok {
				out[i].Error = "no client"
				return
			}
			stats, err := client.GetStats(ctx)
			if err != nil {
				out[i].Error = err.Error()
				return
			}
			out[i].Stats = &stats
		}(i, h.ID)
	}
	wg.Wait()
	return out
}
