package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/fetchproxy/internal/fetchproxy"
)

// LogSink writes each record as a structured log line. Useful in development
// where no durable sink is configured.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each record in the batch.
func (s *LogSink) Consume(_ context.Context, batch []fetchproxy.AccessRecord) error {
	for _, rec := range batch {
		s.logger.Info("access",
			zap.String("id", rec.ID),
			zap.String("client_ip", rec.ClientIP),
			zap.String("method", rec.Method),
			zap.String("url", rec.URL),
			zap.Int("status", rec.StatusCode),
			zap.Stringer("cache", rec.CacheOutcome),
			zap.String("worker_id", rec.WorkerID),
			zap.Float64("latency_ms", rec.LatencyMillis),
			zap.Int("attempts", rec.Attempts),
			zap.String("error", rec.Error),
		)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
