// Package registry tracks the configured fetch workers, their health, and a
// round-robin cursor over the healthy ones.
package registry

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

const (
	// DefaultProbeInterval matches the cadence of the background health monitor.
	DefaultProbeInterval = 10 * time.Second
	// DefaultProbeTimeout bounds a single health probe.
	DefaultProbeTimeout = 5 * time.Second
	// DefaultFailureThreshold marks a worker unhealthy on its first failure.
	DefaultFailureThreshold = 1
)

// Config controls probing and failure accounting.
type Config struct {
	ProbeInterval    time.Duration `mapstructure:"probe_interval"`
	ProbeTimeout     time.Duration `mapstructure:"probe_timeout"`
	FailureThreshold int           `mapstructure:"failure_threshold"`
}

// Member pairs a configured worker with the client used to reach it.
type Member struct {
	Spec   fetchproxy.WorkerSpec
	Client fetchproxy.WorkerClient
}

type entry struct {
	handle fetchproxy.WorkerHandle
	client fetchproxy.WorkerClient
}

// Registry is the load balancer's view of the worker fleet. Handles are never
// removed; they only flip between healthy and unhealthy.
type Registry struct {
	mu      sync.Mutex
	entries []*entry
	byID    map[string]*entry
	cursor  int
	cfg     Config
	clock   fetchproxy.Clock
	logger  *zap.Logger
}

// New builds a Registry in configuration order. Every worker starts healthy.
func New(members []Member, cfg Config, clock fetchproxy.Clock, logger *zap.Logger) (*Registry, error) {
	if len(members) == 0 {
		return nil, errors.New("at least one worker is required")
	}
	if clock == nil {
		return nil, errors.New("clock is required")
	}
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = DefaultProbeInterval
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = DefaultProbeTimeout
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultFailureThreshold
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	r := &Registry{
		byID:   make(map[string]*entry, len(members)),
		cfg:    cfg,
		clock:  clock,
		logger: logger,
	}
	for i, m := range members {
		if m.Client == nil {
			return nil, fmt.Errorf("worker %d: client is required", i)
		}
		id := m.Spec.ID
		if id == "" {
			id = fmt.Sprintf("worker-%d", i+1)
		}
		if _, dup := r.byID[id]; dup {
			return nil, fmt.Errorf("duplicate worker id %q", id)
		}
		e := &entry{
			handle: fetchproxy.WorkerHandle{ID: id, Endpoint: m.Spec.Endpoint, Healthy: true},
			client: m.Client,
		}
		r.entries = append(r.entries, e)
		r.byID[id] = e
		metrics.SetWorkerHealthy(id, true)
	}
	return r, nil
}

// Size is the number of configured workers, healthy or not.
func (r *Registry) Size() int {
	return len(r.entries)
}

// Next returns the next healthy worker in rotation.
func (r *Registry) Next() (fetchproxy.WorkerHandle, error) {
	return r.NextExcluding(nil)
}

// NextExcluding is Next restricted to workers whose IDs are not in tried.
// The shared cursor advances past the chosen worker.
func (r *Registry) NextExcluding(tried map[string]struct{}) (fetchproxy.WorkerHandle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := len(r.entries)
	for i := 0; i < n; i++ {
		idx := (r.cursor + i) % n
		e := r.entries[idx]
		if !e.handle.Healthy {
			continue
		}
		if _, skip := tried[e.handle.ID]; skip {
			continue
		}
		r.cursor = (idx + 1) % n
		return e.handle, nil
	}
	return fetchproxy.WorkerHandle{}, fetchproxy.ErrNoAvailableWorker
}

// Client returns the RPC client for id.
func (r *Registry) Client(id string) (fetchproxy.WorkerClient, bool) {
	e, ok := r.byID[id]
	if !ok {
		return nil, false
	}
	return e.client, true
}

// ReportOutcome folds the result of a dispatch into worker health. Failures
// accumulate until FailureThreshold; any success restores the worker.
func (r *Registry) ReportOutcome(id string, success bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.byID[id]
	if !ok {
		return
	}
	if success {
		e.handle.ConsecutiveFailures = 0
		r.setHealthyLocked(e, true, "dispatch succeeded")
		return
	}
	e.handle.ConsecutiveFailures++
	if e.handle.ConsecutiveFailures >= r.cfg.FailureThreshold {
		r.setHealthyLocked(e, false, "dispatch failed")
	}
}

// ProbeAll health-checks every worker concurrently and records the results.
func (r *Registry) ProbeAll(ctx context.Context) {
	var wg sync.WaitGroup
	for _, e := range r.entries {
		wg.Add(1)
		go func(e *entry) {
			defer wg.Done()
			probeCtx, cancel := context.WithTimeout(ctx, r.cfg.ProbeTimeout)
			defer cancel()
			_, err := e.client.HealthCheck(probeCtx)
			r.recordProbe(e, err)
		}(e)
	}
	wg.Wait()
}

func (r *Registry) recordProbe(e *entry, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e.handle.LastChecked = r.clock.Now()
	if err != nil {
		e.handle.ConsecutiveFailures++
		if e.handle.Healthy {
			r.logger.Warn("health probe failed", zap.String("worker_id", e.handle.ID), zap.Error(err))
		}
		r.setHealthyLocked(e, false, "probe failed")
		return
	}
	e.handle.ConsecutiveFailures = 0
	r.setHealthyLocked(e, true, "probe succeeded")
}

func (r *Registry) setHealthyLocked(e *entry, healthy bool, reason string) {
	if e.handle.Healthy == healthy {
		return
	}
	e.handle.Healthy = healthy
	metrics.SetWorkerHealthy(e.handle.ID, healthy)
	state := "unhealthy"
	if healthy {
		state = "healthy"
	}
	r.logger.Info("worker marked "+state,
		zap.String("worker_id", e.handle.ID),
		zap.String("endpoint", e.handle.Endpoint),
		zap.String("reason", reason),
	)
}

// Run probes immediately and then every ProbeInterval until ctx ends.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.ProbeInterval)
	defer ticker.Stop()

	r.logger.Info("health monitor started", zap.Duration("interval", r.cfg.ProbeInterval))
	r.ProbeAll(ctx)
	for {
		select {
		case <-ticker.C:
			r.ProbeAll(ctx)
		case <-ctx.Done():
			r.logger.Info("health monitor stopped")
			return
		}
	}
}

// Handles returns copies of every handle in configuration order.
func (r *Registry) Handles() []fetchproxy.WorkerHandle {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]fetchproxy.WorkerHandle, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.handle)
	}
	return out
}
