package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/fetchproxy/internal/accesslog"
	"github.com/JakeFAU/fetchproxy/internal/accesslog/sinks"
	"github.com/JakeFAU/fetchproxy/internal/api"
	"github.com/JakeFAU/fetchproxy/internal/clock/system"
	"github.com/JakeFAU/fetchproxy/internal/config"
	"github.com/JakeFAU/fetchproxy/internal/dispatcher"
	"github.com/JakeFAU/fetchproxy/internal/fetchproxy"
	"github.com/JakeFAU/fetchproxy/internal/id/uuid"
	"github.com/JakeFAU/fetchproxy/internal/registry"
	"github.com/JakeFAU/fetchproxy/internal/rpc"
)

// BuildProxy wires the client-facing proxy: worker clients, registry,
// dispatcher, access log pipeline, and the HTTP server.
func BuildProxy(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if err := cfg.ValidateProxy(); err != nil {
		return nil, fmt.Errorf("invalid proxy config: %w", err)
	}
	app := &App{name: "proxy", port: cfg.Proxy.Port, logger: logger}
	if err := setupTelemetry(ctx, app, cfg.Telemetry, "fetchproxy-proxy"); err != nil {
		return nil, err
	}
	clock := system.New()

	httpClient := &http.Client{Transport: newRPCTransport()}
	members := make([]registry.Member, 0, len(cfg.Proxy.Workers))
	for i, spec := range cfg.Proxy.Workers {
		if spec.ID == "" {
			spec.ID = fmt.Sprintf("worker-%d", i+1)
		}
		members = append(members, registry.Member{
			Spec:   spec,
			Client: rpc.NewClient(spec, httpClient, cfg.Proxy.RPCTimeout),
		})
		logger.Info("worker registered", zap.String("worker_id", spec.ID), zap.String("endpoint", spec.Endpoint))
	}
	reg, err := registry.New(members, registry.Config{
		ProbeInterval:    cfg.Registry.ProbeInterval,
		ProbeTimeout:     cfg.Registry.ProbeTimeout,
		FailureThreshold: cfg.Registry.FailureThreshold,
	}, clock, logger.Named("registry"))
	if err != nil {
		return nil, fmt.Errorf("registry init failed: %w", err)
	}
	app.background = append(app.background, reg.Run)

	disp := dispatcher.New(reg, dispatcher.Config{AttemptTimeout: cfg.Proxy.RPCTimeout}, logger.Named("dispatcher"))

	hub, err := setupAccessLog(ctx, app, cfg.AccessLog)
	if err != nil {
		_ = app.Close(ctx)
		return nil, err
	}

	app.handler = api.NewServer(disp, hub, uuid.New(), clock, api.Config{
		ProxyName:      cfg.Proxy.Name,
		RequestTimeout: cfg.Proxy.RequestTimeout,
	}, logger.Named("api")).Handler()
	return app, nil
}

func setupAccessLog(ctx context.Context, app *App, cfg config.AccessLogConfig) (fetchproxy.AccessRecorder, error) {
	file, err := sinks.NewFileSink(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("access log init failed: %w", err)
	}
	sinkList := []accesslog.Sink{file}
	app.logger.Info("access log file", zap.String("path", file.Path()))

	if cfg.LogSink {
		sinkList = append(sinkList, sinks.NewLogSink(app.logger.Named("access")))
	}
	if cfg.Postgres.DSN != "" {
		pg, err := sinks.NewPostgresSink(ctx, sinks.PostgresConfig{
			DSN:      cfg.Postgres.DSN,
			Table:    cfg.Postgres.Table,
			MaxConns: cfg.Postgres.MaxConns,
		})
		if err != nil {
			_ = file.Close(ctx)
			return nil, fmt.Errorf("postgres access sink init failed: %w", err)
		}
		sinkList = append(sinkList, pg)
		app.logger.Info("postgres access sink enabled", zap.String("table", cfg.Postgres.Table))
	}
	if cfg.PubSub.ProjectID != "" && cfg.PubSub.TopicID != "" {
		ps, err := sinks.NewPubSubSink(ctx, sinks.PubSubConfig{
			ProjectID: cfg.PubSub.ProjectID,
			TopicID:   cfg.PubSub.TopicID,
		})
		if err != nil {
			for _, s := range sinkList {
				_ = s.Close(ctx)
			}
			return nil, fmt.Errorf("pubsub access sink init failed: %w", err)
		}
		sinkList = append(sinkList, ps)
		app.logger.Info("pubsub access sink enabled",
			zap.String("project", cfg.PubSub.ProjectID),
			zap.String("topic", cfg.PubSub.TopicID),
		)
	}

	hub := accesslog.NewHub(accesslog.Config{
		BufferSize:   cfg.BufferSize,
		MaxBatch:     cfg.MaxBatch,
		MaxBatchWait: cfg.MaxBatchWait,
	}, app.logger.Named("access_hub"), sinkList...)
	app.onClose("access log", hub.Close)
	return hub, nil
}

func newRPCTransport() *http.Transport {
	return &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   3 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 16,
		IdleConnTimeout:     90 * time.Second,
	}
}
