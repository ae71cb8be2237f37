package dispatcher_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/fetchproxy/internal/cache"
	"github.com/JakeFAU/fetchproxy/internal/dispatcher"
	"github.com/JakeFAU/fetchproxy/internal/fetchproxy"
	"github.com/JakeFAU/fetchproxy/internal/hash/sha256"
	"github.com/JakeFAU/fetchproxy/internal/registry"
	"github.com/JakeFAU/fetchproxy/internal/rpc"
	"github.com/JakeFAU/fetchproxy/internal/storage/memory"
	"github.com/JakeFAU/fetchproxy/internal/worker"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

type scriptedClient struct {
	id    string
	mu    sync.Mutex
	calls int
	err   error
}

func (c *scriptedClient) Fetch(_ context.Context, url string) (fetchproxy.FetchResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.err != nil {
		return fetchproxy.FetchResult{}, c.err
	}
	return fetchproxy.FetchResult{
		WorkerID: c.id,
		Payload:  fetchproxy.Payload{StatusCode: http.StatusOK, Body: []byte(url)},
	}, nil
}

func (c *scriptedClient) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func (c *scriptedClient) HealthCheck(context.Context) (fetchproxy.HealthReport, error) {
	return fetchproxy.HealthReport{OK: true, WorkerID: c.id}, nil
}

func (c *scriptedClient) ClearCache(context.Context) (fetchproxy.ClearResult, error) {
	if c.err != nil {
		return fetchproxy.ClearResult{}, c.err
	}
	return fetchproxy.ClearResult{Cleared: true, Removed: 2}, nil
}

func (c *scriptedClient) GetStats(context.Context) (fetchproxy.WorkerStats, error) {
	if c.err != nil {
		return fetchproxy.WorkerStats{}, c.err
	}
	return fetchproxy.WorkerStats{WorkerID: c.id, RequestsServed: 1}, nil
}

func unreachable(id string) error {
	return &fetchproxy.WorkerError{WorkerID: id, Op: "fetch", Err: errors.New("connection refused")}
}

func newDispatcher(t *testing.T, clients ...*scriptedClient) (*dispatcher.Dispatcher, *registry.Registry) {
	t.Helper()
	members := make([]registry.Member, len(clients))
	for i, c := range clients {
		members[i] = registry.Member{Spec: fetchproxy.WorkerSpec{ID: c.id}, Client: c}
	}
	reg, err := registry.New(members, registry.Config{}, fixedClock{}, nil)
	require.NoError(t, err)
	return dispatcher.New(reg, dispatcher.Config{}, nil), reg
}

func TestDispatchSuccessFirstWorker(t *testing.T) {
	t.Parallel()

	a, b := &scriptedClient{id: "a"}, &scriptedClient{id: "b"}
	d, _ := newDispatcher(t, a, b)

	res, err := d.Dispatch(context.Background(), "http://x.com/")
	require.NoError(t, err)
	assert.Equal(t, "a", res.WorkerID)
	assert.Equal(t, 1, res.Attempts)
}

func TestDispatchFailsOverOnUnreachable(t *testing.T) {
	t.Parallel()

	a := &scriptedClient{id: "a", err: unreachable("a")}
	b := &scriptedClient{id: "b"}
	d, reg := newDispatcher(t, a, b)

	res, err := d.Dispatch(context.Background(), "http://x.com/")
	require.NoError(t, err)
	assert.Equal(t, "b", res.WorkerID)
	assert.Equal(t, 2, res.Attempts)
	assert.False(t, reg.Handles()[0].Healthy)
	assert.True(t, reg.Handles()[1].Healthy)
}

func TestDispatchUpstreamFailureKeepsWorkerHealthy(t *testing.T) {
	t.Parallel()

	a := &scriptedClient{id: "a", err: &fetchproxy.UpstreamError{URL: "http://x.com/", StatusCode: 500}}
	b := &scriptedClient{id: "b"}
	d, reg := newDispatcher(t, a, b)

	res, err := d.Dispatch(context.Background(), "http://x.com/")
	require.NoError(t, err)
	assert.Equal(t, "b", res.WorkerID)
	assert.True(t, reg.Handles()[0].Healthy)
}

func TestDispatchExactlyNAttemptsWhenAllFail(t *testing.T) {
	t.Parallel()

	clients := []*scriptedClient{
		{id: "a", err: unreachable("a")},
		{id: "b", err: &fetchproxy.UpstreamError{URL: "u", StatusCode: 503}},
		{id: "c", err: unreachable("c")},
	}
	d, _ := newDispatcher(t, clients...)

	res, err := d.Dispatch(context.Background(), "http://x.com/")
	require.ErrorIs(t, err, dispatcher.ErrExhausted)
	assert.Equal(t, 3, res.Attempts)
	for _, c := range clients {
		assert.Equal(t, 1, c.Calls(), c.id)
	}
}

func TestDispatchNoAvailableWorker(t *testing.T) {
	t.Parallel()

	a := &scriptedClient{id: "a"}
	d, reg := newDispatcher(t, a)
	reg.ReportOutcome("a", false)

	res, err := d.Dispatch(context.Background(), "http://x.com/")
	require.ErrorIs(t, err, fetchproxy.ErrNoAvailableWorker)
	assert.Zero(t, res.Attempts)
	assert.Zero(t, a.Calls())
}

func TestDispatchStopsWhenRemainingWorkersUnhealthy(t *testing.T) {
	t.Parallel()

	a := &scriptedClient{id: "a", err: unreachable("a")}
	b := &scriptedClient{id: "b"}
	d, reg := newDispatcher(t, a, b)
	reg.ReportOutcome("b", false)

	res, err := d.Dispatch(context.Background(), "http://x.com/")
	require.ErrorIs(t, err, dispatcher.ErrExhausted)
	require.ErrorIs(t, err, fetchproxy.ErrWorkerUnreachable)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, "a", res.WorkerID)
}

func TestDispatchInvalidURLDoesNotFailOver(t *testing.T) {
	t.Parallel()

	a := &scriptedClient{id: "a", err: fetchproxy.ErrInvalidURL}
	b := &scriptedClient{id: "b"}
	d, _ := newDispatcher(t, a, b)

	_, err := d.Dispatch(context.Background(), "http://x.com/")
	require.ErrorIs(t, err, fetchproxy.ErrInvalidURL)
	assert.Zero(t, b.Calls())
}

func TestClearCacheUsesFirstReachableWorker(t *testing.T) {
	t.Parallel()

	a := &scriptedClient{id: "a", err: unreachable("a")}
	b := &scriptedClient{id: "b"}
	d, _ := newDispatcher(t, a, b)

	id, res, err := d.ClearCache(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "b", id)
	assert.Equal(t, 2, res.Removed)

	a.err, b.err = unreachable("a"), unreachable("b")
	_, _, err = d.ClearCache(context.Background())
	require.ErrorIs(t, err, fetchproxy.ErrWorkerUnreachable)
}

func TestStatsFanOut(t *testing.T) {
	t.Parallel()

	a := &scriptedClient{id: "a"}
	b := &scriptedClient{id: "b", err: unreachable("b")}
	d, _ := newDispatcher(t, a, b)

	reports := d.Stats(context.Background())
	require.Len(t, reports, 2)
	assert.Equal(t, "a", reports[0].WorkerID)
	require.NotNil(t, reports[0].Stats)
	assert.Equal(t, "b", reports[1].WorkerID)
	assert.Nil(t, reports[1].Stats)
	assert.NotEmpty(t, reports[1].Error)
}

type originFetcher struct {
	mu   sync.Mutex
	hits map[string]int
}

func (o *originFetcher) Fetch(_ context.Context, req fetchproxy.FetchRequest) (fetchproxy.FetchResponse, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.hits[req.URL]++
	return fetchproxy.FetchResponse{URL: req.URL, StatusCode: http.StatusOK, Body: []byte("content of " + req.URL)}, nil
}

// TestScenarioSharedCacheAcrossWorkers drives two real workers behind RPC
// servers sharing one store: a, a, b yields FRESH, CACHED, FRESH while the
// registry rotates worker assignment.
func TestScenarioSharedCacheAcrossWorkers(t *testing.T) {
	t.Parallel()

	store := memory.NewBlobStore()
	clock := fixedClock{now: time.Unix(1_700_000_000, 0)}
	origin := &originFetcher{hits: map[string]int{}}

	var members []registry.Member
	for _, id := range []string{"worker-1", "worker-2"} {
		c, err := cache.New(store, sha256.New(), clock, cache.Config{}, nil)
		require.NoError(t, err)
		w, err := worker.New(worker.Config{ID: id}, c, origin, nil, clock, nil)
		require.NoError(t, err)
		srv := httptest.NewServer(rpc.NewServer(w, nil).Handler())
		t.Cleanup(srv.Close)
		spec := fetchproxy.WorkerSpec{ID: id, Endpoint: srv.URL}
		members = append(members, registry.Member{Spec: spec, Client: rpc.NewClient(spec, srv.Client(), time.Second)})
	}
	reg, err := registry.New(members, registry.Config{}, clock, nil)
	require.NoError(t, err)
	d := dispatcher.New(reg, dispatcher.Config{}, nil)

	steps := []struct {
		url     string
		outcome fetchproxy.CacheOutcome
		worker  string
	}{
		{"http://a.com/", fetchproxy.OutcomeFresh, "worker-1"},
		{"http://a.com/", fetchproxy.OutcomeCached, "worker-2"},
		{"http://b.com/", fetchproxy.OutcomeFresh, "worker-1"},
	}
	var first []byte
	for i, step := range steps {
		res, err := d.Dispatch(context.Background(), step.url)
		require.NoError(t, err, "step %d", i)
		assert.Equal(t, step.outcome, res.Outcome, "step %d", i)
		assert.Equal(t, step.worker, res.WorkerID, "step %d", i)
		if i == 0 {
			first = res.Payload.Body
		}
		if i == 1 {
			assert.Equal(t, first, res.Payload.Body)
		}
	}
	origin.mu.Lock()
	defer origin.mu.Unlock()
	assert.Equal(t, 1, origin.hits["http://a.com/"])
	assert.Equal(t, 1, origin.hits["http://b.com/"])
}
