package fetchproxy

import (
	"errors"
	"fmt"
)

var (
	// ErrNoAvailableWorker is returned when every configured worker is unhealthy.
	ErrNoAvailableWorker = errors.New("no available worker")
	// ErrWorkerUnreachable marks a failed or timed-out remote call.
	ErrWorkerUnreachable = errors.New("worker unreachable")
	// ErrUpstreamFetchFailed marks a failed live retrieval of the target URL.
	ErrUpstreamFetchFailed = errors.New("upstream fetch failed")
	// ErrInvalidURL is returned for targets that are not absolute http(s) URLs.
	ErrInvalidURL = errors.New("invalid target url")
	// ErrObjectNotFound is returned by blob stores for missing objects.
	ErrObjectNotFound = errors.New("object not found")
)

// UpstreamError describes a live retrieval that did not produce a 2xx response.
// StatusCode is zero when no response was received at all.
type UpstreamError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *UpstreamError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("upstream fetch %s: status %d", e.URL, e.StatusCode)
	}
	if e.Err != nil {
		return fmt.Sprintf("upstream fetch %s: %v", e.URL, e.Err)
	}
	return fmt.Sprintf("upstream fetch %s failed", e.URL)
}

// Unwrap lets errors.Is match both ErrUpstreamFetchFailed and the cause.
func (e *UpstreamError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrUpstreamFetchFailed}
	}
	return []error{ErrUpstreamFetchFailed, e.Err}
}

// WorkerError describes a remote call that failed before a worker could answer.
type WorkerError struct {
	WorkerID string
	Op       string
	Err      error
}

func (e *WorkerError) Error() string {
	return fmt.Sprintf("worker %s %s: %v", e.WorkerID, e.Op, e.Err)
}

// Unwrap lets errors.Is match both ErrWorkerUnreachable and the cause.
func (e *WorkerError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrWorkerUnreachable}
	}
	return []error{ErrWorkerUnreachable, e.Err}
}
