package rpc

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	"github.com/JakeFAU/fetchproxy/internal/fetchproxy"
	"github.com/JakeFAU/fetchproxy/internal/telemetry"
)

type tracedService struct {
	*fakeService
	seen chan trace.SpanContext
}

func (s *tracedService) Fetch(ctx context.Context, url string) (fetchproxy.FetchResult, error) {
	s.seen <- trace.SpanContextFromContext(ctx)
	return s.fakeService.Fetch(ctx, url)
}

func TestFetchCarriesTraceContextToWorker(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	prevTP, prevProp := otel.GetTracerProvider(), otel.GetTextMapPropagator()
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(telemetry.Propagator())
	t.Cleanup(func() {
		otel.SetTracerProvider(prevTP)
		otel.SetTextMapPropagator(prevProp)
		_ = tp.Shutdown(context.Background())
	})

	svc := &tracedService{fakeService: &fakeService{}, seen: make(chan trace.SpanContext, 1)}
	client, _ := newPair(t, svc)

	ctx, root := tp.Tracer("test").Start(context.Background(), "proxy /")
	_, err := client.Fetch(ctx, "http://a.com/")
	require.NoError(t, err)
	root.End()

	worker := <-svc.seen
	assert.True(t, worker.IsValid())
	assert.Equal(t, root.SpanContext().TraceID(), worker.TraceID())

	var clientSpan, serverSpan sdktrace.ReadOnlySpan
	require.Eventually(t, func() bool {
		for _, s := range recorder.Ended() {
			switch s.Name() {
			case "rpc.client fetch":
				clientSpan = s
			case "rpc.server " + PathFetch:
				serverSpan = s
			}
		}
		return clientSpan != nil && serverSpan != nil
	}, time.Second, 10*time.Millisecond)

	assert.Equal(t, root.SpanContext().SpanID(), clientSpan.Parent().SpanID())
	assert.Equal(t, clientSpan.SpanContext().SpanID(), serverSpan.Parent().SpanID())
	assert.Equal(t, root.SpanContext().TraceID(), serverSpan.SpanContext().TraceID())
}

func TestFetchWithoutTracingSendsNoTraceparent(t *testing.T) {
	t.Parallel()

	svc := &tracedService{fakeService: &fakeService{}, seen: make(chan trace.SpanContext, 1)}
	client, _ := newPair(t, svc)

	_, err := client.Fetch(context.Background(), "http://a.com/")
	require.NoError(t, err)
	assert.False(t, (<-svc.seen).IsValid())
}
