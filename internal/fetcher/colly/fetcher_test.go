package collyfetcher

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/fetchproxy/internal/fetchproxy"
)

func TestFetchSuccess(t *testing.T) {
	t.Parallel()

	seen := make(chan http.Header, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen <- r.Header.Clone()
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("hello"))
	}))
	defer srv.Close()

	f := New(Config{}, nil)
	resp, err := f.Fetch(context.Background(), fetchproxy.FetchRequest{
		URL:     srv.URL + "/page",
		Headers: http.Header{"X-Trace": {"abc"}},
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "hello", string(resp.Body))
	assert.Equal(t, "text/plain", resp.Headers.Get("Content-Type"))
	got := <-seen
	assert.Equal(t, DefaultUserAgent, got.Get("User-Agent"))
	assert.Equal(t, "abc", got.Get("X-Trace"))
}

func TestFetchSameURLTwice(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	f := New(Config{}, nil)
	for i := 0; i < 2; i++ {
		_, err := f.Fetch(context.Background(), fetchproxy.FetchRequest{URL: srv.URL})
		require.NoError(t, err)
	}
	assert.Equal(t, int32(2), hits.Load())
}

func TestFetchNon2xxIsUpstreamError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()

	f := New(Config{}, nil)
	_, err := f.Fetch(context.Background(), fetchproxy.FetchRequest{URL: srv.URL})
	require.Error(t, err)
	require.ErrorIs(t, err, fetchproxy.ErrUpstreamFetchFailed)

	var upstream *fetchproxy.UpstreamError
	require.True(t, errors.As(err, &upstream))
	assert.Equal(t, http.StatusNotFound, upstream.StatusCode)
}

func TestFetchConnectionRefused(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	f := New(Config{Timeout: time.Second}, nil)
	_, err := f.Fetch(context.Background(), fetchproxy.FetchRequest{URL: addr})
	require.ErrorIs(t, err, fetchproxy.ErrUpstreamFetchFailed)
}

func TestFetchTimeout(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		<-release
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	defer close(release)

	f := New(Config{Timeout: 50 * time.Millisecond}, nil)
	_, err := f.Fetch(context.Background(), fetchproxy.FetchRequest{URL: srv.URL})
	require.ErrorIs(t, err, fetchproxy.ErrUpstreamFetchFailed)
}

func TestFetchCanceledContext(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		<-release
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	f := New(Config{Timeout: 5 * time.Second}, nil)
	_, err := f.Fetch(ctx, fetchproxy.FetchRequest{URL: srv.URL})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.ErrorIs(t, err, fetchproxy.ErrUpstreamFetchFailed)
}

func TestConfigureCollectorHooks(t *testing.T) {
	t.Parallel()

	f := New(Config{}, nil)
	req := fetchproxy.FetchRequest{
		URL:     "https://example.com",
		Headers: http.Header{"X-Trace": {"yes"}},
	}
	var result fetchproxy.FetchResponse
	var fetchErr error

	hooks := &stubHooks{}
	f.configureCollectorHooks(hooks, req, time.Unix(0, 0), &result, &fetchErr)
	require.NotNil(t, hooks.onRequest)
	require.NotNil(t, hooks.onResponse)
	require.NotNil(t, hooks.onError)

	collyReq := &colly.Request{Headers: &http.Header{}}
	hooks.onRequest(collyReq)
	assert.Equal(t, "yes", collyReq.Headers.Get("X-Trace"))

	hooks.onResponse(&colly.Response{
		StatusCode: http.StatusCreated,
		Body:       []byte("body"),
		Headers:    &http.Header{"X-Resp": {"ok"}},
		Request:    &colly.Request{URL: mustParseURL(t, "https://example.com")},
	})
	assert.Equal(t, http.StatusCreated, result.StatusCode)
	assert.Equal(t, "body", string(result.Body))
	assert.Equal(t, "ok", result.Headers.Get("X-Resp"))

	hooks.onError(&colly.Response{StatusCode: http.StatusBadGateway}, errors.New("boom"))
	assert.EqualError(t, fetchErr, "boom")
	assert.Equal(t, http.StatusBadGateway, result.StatusCode)
}

func TestBuildCollectorSettings(t *testing.T) {
	t.Parallel()

	f := New(Config{UserAgent: "custom-agent", MaxBodySize: 1024}, nil)
	collector := f.buildCollector(fetchproxy.FetchRequest{}, time.Now(), &fetchproxy.FetchResponse{}, new(error))
	assert.Equal(t, "custom-agent", collector.UserAgent)
	assert.True(t, collector.AllowURLRevisit)
	assert.True(t, collector.ParseHTTPErrorResponse)
	assert.Equal(t, 1025, collector.MaxBodySize)

	unlimited := New(Config{MaxBodySize: -1}, nil)
	collector = unlimited.buildCollector(fetchproxy.FetchRequest{}, time.Now(), &fetchproxy.FetchResponse{}, new(error))
	assert.Zero(t, collector.MaxBodySize)
}

func TestFetchBodyOverLimitFails(t *testing.T) {
	t.Parallel()

	body := strings.Repeat("x", 4096)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(body))
	}))
	defer srv.Close()

	f := New(Config{MaxBodySize: 1024}, nil)
	resp, err := f.Fetch(context.Background(), fetchproxy.FetchRequest{URL: srv.URL})
	require.Error(t, err)
	require.ErrorIs(t, err, fetchproxy.ErrUpstreamFetchFailed)
	require.ErrorIs(t, err, ErrBodyTooLarge)
	assert.Empty(t, resp.Body)

	var upstream *fetchproxy.UpstreamError
	require.True(t, errors.As(err, &upstream))
	assert.Equal(t, srv.URL, upstream.URL)
}

func TestFetchBodyAtLimitSucceeds(t *testing.T) {
	t.Parallel()

	body := strings.Repeat("y", 1024)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(body))
	}))
	defer srv.Close()

	f := New(Config{MaxBodySize: 1024}, nil)
	resp, err := f.Fetch(context.Background(), fetchproxy.FetchRequest{URL: srv.URL})
	require.NoError(t, err)
	assert.Len(t, resp.Body, 1024)
}

func TestFetchDefaultLimitKeepsLargeBodyIntact(t *testing.T) {
	t.Parallel()

	body := strings.Repeat("z", 11<<20)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(body))
	}))
	defer srv.Close()

	_, err := New(Config{}, nil).Fetch(context.Background(), fetchproxy.FetchRequest{URL: srv.URL})
	require.ErrorIs(t, err, ErrBodyTooLarge)

	resp, err := New(Config{MaxBodySize: -1}, nil).Fetch(context.Background(), fetchproxy.FetchRequest{URL: srv.URL})
	require.NoError(t, err)
	assert.Len(t, resp.Body, len(body))
}

func mustParseURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

type stubHooks struct {
	onRequest  colly.RequestCallback
	onResponse colly.ResponseCallback
	onError    colly.ErrorCallback
}

func (s *stubHooks) OnRequest(cb colly.RequestCallback) {
	s.onRequest = cb
}

func (s *stubHooks) OnResponse(cb colly.ResponseCallback) {
	s.onResponse = cb
}

func (s *stubHooks) OnError(cb colly.ErrorCallback) {
	s.onError = cb
}
