package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/JakeFAU/fetchproxy/internal/fetchproxy"
	"github.com/JakeFAU/fetchproxy/internal/telemetry"
)

const (
	// DefaultTimeout bounds each call when the caller configures none.
	DefaultTimeout = 15 * time.Second

	maxReplyBytes = 64 << 20
)

// Client is the proxy-side stub for one worker endpoint. It implements
// fetchproxy.WorkerClient.
type Client struct {
	id       string
	endpoint string
	http     *http.Client
	timeout  time.Duration
}

var _ fetchproxy.WorkerClient = (*Client)(nil)

// NewClient returns a Client for spec. httpClient may be shared between
// clients; nil selects http.DefaultClient.
func NewClient(spec fetchproxy.WorkerSpec, httpClient *http.Client, timeout time.Duration) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		id:       spec.ID,
		endpoint: strings.TrimRight(spec.Endpoint, "/"),
		http:     httpClient,
		timeout:  timeout,
	}
}

// Fetch asks the worker for url.
func (c *Client) Fetch(ctx context.Context, url string) (fetchproxy.FetchResult, error) {
	var reply FetchReply
	if err := c.call(ctx, "fetch", http.MethodPost, PathFetch, FetchRequest{URL: url}, &reply, url); err != nil {
		return fetchproxy.FetchResult{}, err
	}
	res := reply.result()
	if res.WorkerID == "" {
		res.WorkerID = c.id
	}
	return res, nil
}

// HealthCheck probes the worker.
func (c *Client) HealthCheck(ctx context.Context) (fetchproxy.HealthReport, error) {
	var report fetchproxy.HealthReport
	if err := c.call(ctx, "health", http.MethodGet, PathHealth, nil, &report, ""); err != nil {
		return fetchproxy.HealthReport{}, err
	}
	if !report.OK {
		return report, &fetchproxy.WorkerError{WorkerID: c.id, Op: "health", Err: errors.New("worker reported not ok")}
	}
	return report, nil
}

// ClearCache empties the shared cache through the worker.
func (c *Client) ClearCache(ctx context.Context) (fetchproxy.ClearResult, error) {
	var res fetchproxy.ClearResult
	if err := c.call(ctx, "clear", http.MethodPost, PathClear, nil, &res, ""); err != nil {
		return fetchproxy.ClearResult{}, err
	}
	return res, nil
}

// GetStats reads the worker's counters.
func (c *Client) GetStats(ctx context.Context) (fetchproxy.WorkerStats, error) {
	var stats fetchproxy.WorkerStats
	if err := c.call(ctx, "stats", http.MethodGet, PathStats, nil, &stats, ""); err != nil {
		return fetchproxy.WorkerStats{}, err
	}
	return stats, nil
}

func (c *Client) call(ctx context.Context, op, method, path string, in, out any, target string) (err error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	ctx, span := telemetry.StartClientSpan(ctx, "rpc.client "+op, attribute.String("worker.id", c.id))
	defer func() { telemetry.EndSpan(span, err) }()

	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode %s request: %w", op, err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint+path, body)
	if err != nil {
		return c.workerErr(op, fmt.Errorf("build request: %w", err))
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	telemetry.Inject(ctx, req.Header)

	resp, err := c.http.Do(req)
	if err != nil {
		return c.workerErr(op, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxReplyBytes))
	if err != nil {
		return c.workerErr(op, fmt.Errorf("read reply: %w", err))
	}

	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		if err := json.Unmarshal(raw, out); err != nil {
			return c.workerErr(op, fmt.Errorf("decode reply: %w", err))
		}
		return nil
	}
	return c.replyErr(op, resp.StatusCode, raw, target)
}

func (c *Client) replyErr(op string, status int, raw []byte, target string) error {
	var reply ErrorReply
	if err := json.Unmarshal(raw, &reply); err != nil || reply.Error.Code == "" {
		return c.workerErr(op, fmt.Errorf("unexpected status %d", status))
	}
	switch reply.Error.Code {
	case CodeUpstreamFetchFailed:
		return &fetchproxy.UpstreamError{
			URL:        target,
			StatusCode: reply.Error.UpstreamStatus,
			Err:        errors.New(reply.Error.Message),
		}
	case CodeInvalidRequest:
		return fmt.Errorf("%w: %s", fetchproxy.ErrInvalidURL, reply.Error.Message)
	default:
		return c.workerErr(op, fmt.Errorf("status %d: %s", status, reply.Error.Message))
	}
}

func (c *Client) workerErr(op string, err error) error {
	return &fetchproxy.WorkerError{WorkerID: c.id, Op: op, Err: err}
}
