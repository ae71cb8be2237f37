package fetchproxy

import (
	"fmt"
	"net/http"
	"strings"
	"time"
)

// CacheOutcome reports whether a fetch was served from the shared cache or retrieved live.
type CacheOutcome uint8

// Cache outcomes. The zero value is OutcomeFresh.
const (
	OutcomeFresh CacheOutcome = iota
	OutcomeCached
)

// String returns the wire form of the outcome.
func (o CacheOutcome) String() string {
	if o == OutcomeCached {
		return "CACHED"
	}
	return "FRESH"
}

// MarshalText implements encoding.TextMarshaler.
func (o CacheOutcome) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (o *CacheOutcome) UnmarshalText(text []byte) error {
	switch strings.ToUpper(strings.TrimSpace(string(text))) {
	case "FRESH":
		*o = OutcomeFresh
	case "CACHED":
		*o = OutcomeCached
	default:
		return fmt.Errorf("unknown cache outcome %q", string(text))
	}
	return nil
}

// Payload is everything needed to reconstruct an upstream response.
type Payload struct {
	StatusCode int         `json:"status_code"`
	Headers    http.Header `json:"headers"`
	Body       []byte      `json:"body"`
}

// Clone returns a deep copy so cached bytes are never shared with callers.
func (p Payload) Clone() Payload {
	return Payload{
		StatusCode: p.StatusCode,
		Headers:    p.Headers.Clone(),
		Body:       append([]byte(nil), p.Body...),
	}
}

// CacheEntry is a stored response keyed by the URL fingerprint.
type CacheEntry struct {
	Key        string    `json:"key"`
	URL        string    `json:"url"`
	Payload    Payload   `json:"payload"`
	StoredAt   time.Time `json:"stored_at"`
	TTLSeconds int       `json:"ttl_seconds"`
}

// ValidAt reports whether the entry is still within its TTL window at now.
func (e CacheEntry) ValidAt(now time.Time) bool {
	if e.TTLSeconds <= 0 {
		return false
	}
	return now.Sub(e.StoredAt) < time.Duration(e.TTLSeconds)*time.Second
}

// FetchResult is returned by a worker for a successful fetch.
type FetchResult struct {
	WorkerID string       `json:"worker_id"`
	Payload  Payload      `json:"payload"`
	Outcome  CacheOutcome `json:"cache_outcome"`
}

// WorkerSpec is the configured identity of a remote worker.
type WorkerSpec struct {
	ID       string `mapstructure:"id"`
	Endpoint string `mapstructure:"endpoint"`
}

// WorkerHandle is a snapshot of a worker's registry state.
type WorkerHandle struct {
	ID                  string    `json:"id"`
	Endpoint            string    `json:"endpoint"`
	Healthy             bool      `json:"healthy"`
	LastChecked         time.Time `json:"last_checked"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
}

// HealthReport is the reply of a worker health check.
type HealthReport struct {
	OK              bool      `json:"ok"`
	WorkerID        string    `json:"worker_id"`
	CacheEntryCount int       `json:"cache_entry_count"`
	Timestamp       time.Time `json:"timestamp"`
}

// ClearResult is the reply of a cache clear.
type ClearResult struct {
	Cleared bool `json:"cleared"`
	Removed int  `json:"removed"`
}

// WorkerStats are worker-local counters, reset only on restart.
type WorkerStats struct {
	WorkerID        string `json:"worker_id"`
	RequestsServed  int64  `json:"requests_served"`
	HitCount        int64  `json:"hit_count"`
	MissCount       int64  `json:"miss_count"`
	FailureCount    int64  `json:"failure_count"`
	CacheEntryCount int    `json:"cache_entry_count"`
}

// AccessRecord is appended once per completed client request.
type AccessRecord struct {
	ID            string       `json:"id"`
	Timestamp     time.Time    `json:"timestamp"`
	ClientIP      string       `json:"client_ip"`
	Method        string       `json:"method"`
	URL           string       `json:"url"`
	Domain        string       `json:"domain"`
	StatusCode    int          `json:"status_code"`
	// CacheOutcome is only meaningful when Error is empty.
	CacheOutcome  CacheOutcome `json:"cache_outcome"`
	WorkerID      string       `json:"worker_id"`
	LatencyMillis float64      `json:"latency_ms"`
	Attempts      int          `json:"attempts"`
	Error         string       `json:"error,omitempty"`
}

// FetchRequest captures everything needed to perform a live retrieval.
type FetchRequest struct {
	URL     string
	Headers http.Header
}

// FetchResponse is the result returned by a Fetcher implementation.
type FetchResponse struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
}
