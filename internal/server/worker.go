package server

import (
	"context"
	"fmt"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/JakeFAU/fetchproxy/internal/cache"
	"github.com/JakeFAU/fetchproxy/internal/clock/system"
	"github.com/JakeFAU/fetchproxy/internal/config"
	collyfetcher "github.com/JakeFAU/fetchproxy/internal/fetcher/colly"
	"github.com/JakeFAU/fetchproxy/internal/fetchproxy"
	"github.com/JakeFAU/fetchproxy/internal/hash/sha256"
	"github.com/JakeFAU/fetchproxy/internal/policy/ratelimit"
	"github.com/JakeFAU/fetchproxy/internal/rpc"
	gcsstorage "github.com/JakeFAU/fetchproxy/internal/storage/gcs"
	localstorage "github.com/JakeFAU/fetchproxy/internal/storage/local"
	memorystorage "github.com/JakeFAU/fetchproxy/internal/storage/memory"
	"github.com/JakeFAU/fetchproxy/internal/storage/s3store"
	"github.com/JakeFAU/fetchproxy/internal/worker"
)

// BuildWorker wires a fetch worker: shared storage, cache, fetcher, and the
// RPC server in front of them.
func BuildWorker(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if err := cfg.ValidateWorker(); err != nil {
		return nil, fmt.Errorf("invalid worker config: %w", err)
	}
	app := &App{name: "worker", port: cfg.Worker.Port, logger: logger}
	if err := setupTelemetry(ctx, app, cfg.Telemetry, "fetchproxy-worker"); err != nil {
		return nil, err
	}

	blobStore, err := setupStorage(ctx, app, cfg.Storage)
	if err != nil {
		return nil, err
	}

	clock := system.New()
	responses, err := cache.New(blobStore, sha256.New(), clock, cache.Config{
		TTL:    cfg.Cache.TTL,
		Prefix: cfg.Cache.Prefix,
	}, logger.Named("cache"))
	if err != nil {
		return nil, fmt.Errorf("cache init failed: %w", err)
	}
	if cfg.Cache.JanitorInterval > 0 {
		app.background = append(app.background, func(ctx context.Context) {
			responses.RunJanitor(ctx, cfg.Cache.JanitorInterval)
		})
	}

	fetcher := collyfetcher.New(collyfetcher.Config{
		UserAgent:   cfg.Worker.UserAgent,
		Timeout:     cfg.Worker.FetchTimeout,
		MaxBodySize: cfg.Worker.MaxBodySize,
	}, nil)
	limiter := ratelimit.New(ratelimit.Config{
		RPS:   cfg.Worker.RateLimitRPS,
		Burst: cfg.Worker.RateBurst,
	})
	logger.Info("worker config",
		zap.String("worker_id", cfg.Worker.ID),
		zap.Duration("ttl", responses.TTL()),
		zap.Duration("fetch_timeout", cfg.Worker.FetchTimeout),
		zap.Float64("rate_limit_rps", cfg.Worker.RateLimitRPS),
	)

	w, err := worker.New(worker.Config{
		ID:           cfg.Worker.ID,
		FetchTimeout: cfg.Worker.FetchTimeout,
	}, responses, fetcher, limiter, clock, logger.Named("worker"))
	if err != nil {
		return nil, fmt.Errorf("worker init failed: %w", err)
	}
	app.handler = rpc.NewServer(w, logger.Named("rpc")).Handler()
	return app, nil
}

func setupStorage(ctx context.Context, app *App, cfg config.StorageConfig) (fetchproxy.BlobStore, error) {
	switch cfg.Backend {
	case config.BackendGCS:
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		app.onClose("gcs client", func(context.Context) error { return client.Close() })
		store, err := gcsstorage.New(client, gcsstorage.Config{Bucket: cfg.GCS.Bucket, Prefix: cfg.GCS.Prefix})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		app.logger.Info("using GCS storage backend", zap.String("bucket", cfg.GCS.Bucket))
		return store, nil
	case config.BackendS3:
		client, err := s3store.NewClient(s3store.Config(cfg.S3))
		if err != nil {
			return nil, fmt.Errorf("s3 client init failed: %w", err)
		}
		store, err := s3store.New(client, s3store.Config(cfg.S3))
		if err != nil {
			return nil, fmt.Errorf("s3 blob store init failed: %w", err)
		}
		app.logger.Info("using S3 storage backend", zap.String("bucket", cfg.S3.Bucket))
		return store, nil
	case config.BackendMemory:
		app.logger.Warn("using in-memory storage backend; the cache is not shared between processes")
		return memorystorage.NewBlobStore(), nil
	default:
		store, err := localstorage.New(localstorage.Config{BaseDir: cfg.Local.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		app.logger.Info("using local storage backend", zap.String("path", cfg.Local.BaseDir))
		return store, nil
	}
}
