// Package accesslog buffers one AccessRecord per completed proxy request and
// fans batches out to durable sinks without blocking the request path.
//
// Records flow from Hub.Record through a bounded channel to a single batching
// goroutine. When the buffer is full, records are dropped and counted rather
// than stalling clients.
package accesslog
