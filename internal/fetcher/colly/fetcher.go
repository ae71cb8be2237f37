// Package collyfetcher implements Fetcher using gocolly.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/fetchproxy/internal/fetchproxy"
)

const (
	// DefaultUserAgent identifies worker traffic to origin servers.
	DefaultUserAgent = "Mozilla/5.0 (RPC Proxy Worker)"
	// DefaultTimeout bounds one live retrieval.
	DefaultTimeout = 10 * time.Second
	// DefaultMaxBodySize caps a response body when Config.MaxBodySize is zero.
	DefaultMaxBodySize = 10 << 20
)

// ErrBodyTooLarge reports a response body over the configured limit.
var ErrBodyTooLarge = errors.New("upstream body exceeds size limit")

// Config controls collector behavior. A zero MaxBodySize selects
// DefaultMaxBodySize and a negative one disables the limit.
type Config struct {
	UserAgent   string        `mapstructure:"user_agent"`
	Timeout     time.Duration `mapstructure:"timeout"`
	MaxBodySize int           `mapstructure:"max_body_size"`
}

// Fetcher implements fetchproxy.Fetcher using the Colly collector.
type Fetcher struct {
	cfg           Config
	baseCollector *colly.Collector
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher. A nil transport selects a pooled default.
func New(cfg Config, transport http.RoundTripper) *Fetcher {
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxBodySize == 0 {
		cfg.MaxBodySize = DefaultMaxBodySize
	}
	if transport == nil {
		transport = newHTTPTransport()
	}
	c := colly.NewCollector(colly.Async(false))
	c.WithTransport(transport)
	c.SetRequestTimeout(cfg.Timeout)
	return &Fetcher{cfg: cfg, baseCollector: c}
}

// Fetch performs one GET of request.URL. Any outcome other than a 2xx
// response is reported as *fetchproxy.UpstreamError.
func (f *Fetcher) Fetch(ctx context.Context, request fetchproxy.FetchRequest) (fetchproxy.FetchResponse, error) {
	var (
		result   fetchproxy.FetchResponse
		fetchErr error
	)
	collector := f.buildCollector(request, time.Now(), &result, &fetchErr)

	if err := f.runCollector(ctx, collector, request.URL, &fetchErr); err != nil {
		if ctx.Err() != nil {
			// The visit goroutine may still be writing result.
			return fetchproxy.FetchResponse{}, &fetchproxy.UpstreamError{URL: request.URL, Err: err}
		}
		return fetchproxy.FetchResponse{}, classify(request.URL, result.StatusCode, err)
	}
	if result.StatusCode < 200 || result.StatusCode > 299 {
		return fetchproxy.FetchResponse{}, &fetchproxy.UpstreamError{URL: request.URL, StatusCode: result.StatusCode}
	}
	return result, nil
}

func (f *Fetcher) buildCollector(
	request fetchproxy.FetchRequest,
	start time.Time,
	result *fetchproxy.FetchResponse,
	fetchErr *error,
) *colly.Collector {
	collector := f.baseCollector.Clone()
	collector.UserAgent = f.cfg.UserAgent
	collector.AllowURLRevisit = true
	collector.IgnoreRobotsTxt = true
	collector.ParseHTTPErrorResponse = true
	// colly truncates at MaxBodySize without an error, so read one byte past
	// the limit to tell a full body from a cut one.
	collector.MaxBodySize = 0
	if f.cfg.MaxBodySize > 0 {
		collector.MaxBodySize = f.cfg.MaxBodySize + 1
	}

	f.configureCollectorHooks(collector, request, start, result, fetchErr)
	return collector
}

func (f *Fetcher) configureCollectorHooks(
	hooks collectorHooks,
	request fetchproxy.FetchRequest,
	start time.Time,
	result *fetchproxy.FetchResponse,
	fetchErr *error,
) {
	hooks.OnRequest(func(r *colly.Request) {
		copyHeaders(request.Headers, r)
	})

	hooks.OnResponse(func(r *colly.Response) {
		if f.cfg.MaxBodySize > 0 && len(r.Body) > f.cfg.MaxBodySize {
			*fetchErr = &fetchproxy.UpstreamError{
				URL: request.URL,
				Err: fmt.Errorf("%w (%d bytes)", ErrBodyTooLarge, f.cfg.MaxBodySize),
			}
			return
		}
		headers := http.Header{}
		if r.Headers != nil {
			headers = r.Headers.Clone()
		}
		*result = fetchproxy.FetchResponse{
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Headers:    headers,
			Body:       append([]byte(nil), r.Body...),
			Duration:   time.Since(start),
		}
	})

	hooks.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode != 0 {
			result.StatusCode = r.StatusCode
		}
		*fetchErr = err
	})
}

func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, url string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if *fetchErr != nil {
			return fmt.Errorf("colly response failed: %w", *fetchErr)
		}
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		return nil
	}
}

func classify(url string, status int, err error) error {
	var upstream *fetchproxy.UpstreamError
	if errors.As(err, &upstream) {
		return upstream
	}
	return &fetchproxy.UpstreamError{URL: url, StatusCode: status, Err: err}
}

func copyHeaders(src http.Header, r *colly.Request) {
	for key, values := range src {
		for _, v := range values {
			r.Headers.Add(key, v)
		}
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
	}
}
