package fetchproxy

import (
	"context"
	"time"
)

// BlobStore is the shared storage location behind the cache. PutObject must
// replace the object atomically: readers observe the old bytes or the new
// bytes, never a mix.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
	GetObject(ctx context.Context, path string) ([]byte, error)
	DeleteObject(ctx context.Context, path string) error
	ListObjects(ctx context.Context, prefix string) ([]string, error)
}

// Fetcher performs a live retrieval of a URL.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// WorkerClient is the proxy-side view of one remote fetch worker.
type WorkerClient interface {
	Fetch(ctx context.Context, url string) (FetchResult, error)
	HealthCheck(ctx context.Context) (HealthReport, error)
	ClearCache(ctx context.Context) (ClearResult, error)
	GetStats(ctx context.Context) (WorkerStats, error)
}

// AccessRecorder accepts completed-request records.
type AccessRecorder interface {
	Record(rec AccessRecord)
}

// Hasher computes the cache fingerprint of a URL.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces record and request IDs.
type IDGenerator interface {
	NewID() (string, error)
}
