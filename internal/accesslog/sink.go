package accesslog

import (
	"context"

	"github.com/JakeFAU/fetchproxy/internal/fetchproxy"
)

// Sink consumes batches of access records. Implementations must honor ctx
// deadlines; the Hub calls them from a single goroutine.
type Sink interface {
	Consume(ctx context.Context, batch []fetchproxy.AccessRecord) error
	Close(ctx context.Context) error
}
