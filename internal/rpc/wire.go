// Package rpc carries fetch, health, clear, and stats calls between the proxy
// and its workers as JSON over HTTP.
package rpc

import (
	"net/http"

	"github.com/JakeFAU/fetchproxy/internal/fetchproxy"
)

// Routes served by a worker.
const (
	PathFetch  = "/rpc/fetch"
	PathHealth = "/rpc/health"
	PathClear  = "/rpc/clear"
	PathStats  = "/rpc/stats"
)

// Error codes carried in ErrorReply.
const (
	CodeInvalidRequest      = "invalid_request"
	CodeUpstreamFetchFailed = "upstream_fetch_failed"
	CodeInternal            = "internal"
)

// FetchRequest asks a worker to return the content of URL.
type FetchRequest struct {
	URL string `json:"url" validate:"required,url"`
}

// FetchReply is the successful answer to a FetchRequest. Body is base64 on
// the wire.
type FetchReply struct {
	WorkerID     string                  `json:"worker_id"`
	StatusCode   int                     `json:"status_code"`
	Headers      http.Header             `json:"headers"`
	Body         []byte                  `json:"body"`
	CacheOutcome fetchproxy.CacheOutcome `json:"cache_outcome"`
}

// ErrorReply is returned with any non-2xx status.
type ErrorReply struct {
	Error ErrorBody `json:"error"`
}

// ErrorBody describes a failed call. UpstreamStatus is set when the origin
// answered with a non-2xx status.
type ErrorBody struct {
	Code           string `json:"code"`
	Message        string `json:"message"`
	UpstreamStatus int    `json:"upstream_status,omitempty"`
}

func replyFromResult(res fetchproxy.FetchResult) FetchReply {
	return FetchReply{
		WorkerID:     res.WorkerID,
		StatusCode:   res.Payload.StatusCode,
		Headers:      res.Payload.Headers,
		Body:         res.Payload.Body,
		CacheOutcome: res.Outcome,
	}
}

func (r FetchReply) result() fetchproxy.FetchResult {
	return fetchproxy.FetchResult{
		WorkerID: r.WorkerID,
		Payload: fetchproxy.Payload{
			StatusCode: r.StatusCode,
			Headers:    r.Headers,
			Body:       r.Body,
		},
		Outcome: r.CacheOutcome,
	}
}
