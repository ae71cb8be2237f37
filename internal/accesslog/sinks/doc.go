// Package sinks contains accesslog.Sink implementations: an append-only JSON
// lines file, a Postgres table, a Pub/Sub topic, and a zap logger.
package sinks
