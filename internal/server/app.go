// Package server assembles the proxy and worker processes from configuration
// and runs them until shutdown.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/fetchproxy/internal/config"
	"github.com/JakeFAU/fetchproxy/internal/telemetry"
)

const (
	readHeaderTimeout = 5 * time.Second
	shutdownTimeout   = 10 * time.Second
)

// App is one runnable process: an HTTP handler plus the background loops and
// resources that live as long as it does.
type App struct {
	name       string
	port       int
	handler    http.Handler
	logger     *zap.Logger
	background []func(context.Context)
	closers    []closer
}

type closer struct {
	name string
	fn   func(context.Context) error
}

// Handler returns the root HTTP handler.
func (a *App) Handler() http.Handler {
	return a.handler
}

func (a *App) onClose(name string, fn func(context.Context) error) {
	a.closers = append(a.closers, closer{name: name, fn: fn})
}

// setupTelemetry installs tracing before anything else is built so its
// shutdown runs last and flushes spans from the other closers.
func setupTelemetry(ctx context.Context, app *App, cfg config.TelemetryConfig, service string) error {
	if cfg.ServiceName != "" {
		service = cfg.ServiceName
	}
	shutdown, err := telemetry.InitTracerProvider(ctx, telemetry.Config{
		Enabled:     cfg.Enabled,
		ServiceName: service,
		SampleRatio: cfg.SampleRatio,
	}, app.logger.Named("trace"))
	if err != nil {
		return fmt.Errorf("tracer init failed: %w", err)
	}
	if cfg.Enabled {
		app.logger.Info("tracing enabled", zap.String("service", service), zap.Float64("sample_ratio", cfg.SampleRatio))
		app.onClose("tracer", shutdown)
	}
	return nil
}

// Run serves on the configured port and blocks until ctx ends or SIGINT or
// SIGTERM arrives, then shuts down gracefully.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", a.port))
	if err != nil {
		return fmt.Errorf("listen on port %d: %w", a.port, err)
	}
	return a.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	for _, loop := range a.background {
		go loop(ctx)
	}

	srv := &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}
	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.String("service", a.name), zap.String("addr", ln.Addr().String()))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			runErr = fmt.Errorf("http server: %w", err)
		}
	}
	a.logger.Info("shutdown initiated", zap.String("service", a.name))
	cancel()

	shutdownCtx, done := context.WithTimeout(context.Background(), shutdownTimeout)
	defer done()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	return errors.Join(runErr, a.Close(shutdownCtx))
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.fn(ctx); err != nil {
			a.logger.Warn("close failed", zap.String("resource", c.name), zap.Error(err))
			errs = append(errs, fmt.Errorf("close %s: %w", c.name, err))
		}
	}
	a.closers = nil
	a.logger.Info("shutdown complete", zap.String("service", a.name))
	return errors.Join(errs...)
}
