package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/fetchproxy/internal/fetchproxy"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("", nil, "")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Proxy.Port)
	assert.Equal(t, 60*time.Second, cfg.Cache.TTL)
	assert.Equal(t, 10*time.Second, cfg.Registry.ProbeInterval)
	assert.Equal(t, 1, cfg.Registry.FailureThreshold)
	assert.Equal(t, 10*time.Second, cfg.Worker.FetchTimeout)
	assert.Equal(t, "Mozilla/5.0 (RPC Proxy Worker)", cfg.Worker.UserAgent)
	assert.Equal(t, BackendLocal, cfg.Storage.Backend)
	assert.Equal(t, "./logs/access.log", cfg.AccessLog.Path)
	assert.Equal(t, 200*time.Millisecond, cfg.AccessLog.MaxBatchWait)
	assert.Equal(t, 10<<20, cfg.Worker.MaxBodySize)
	assert.False(t, cfg.Telemetry.Enabled)
	assert.InDelta(t, 1.0, cfg.Telemetry.SampleRatio, 1e-9)

	err = cfg.ValidateProxy()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "proxy.workers")
}

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `
proxy:
  port: 9090
  workers:
    - id: w1
      endpoint: http://10.0.0.1:9001
    - endpoint: http://10.0.0.2:9001
  request_timeout: 30s
worker:
  id: w1
  port: 9001
  fetch_timeout: 5s
  rate_limit_rps: 2.5
registry:
  probe_interval: 3s
  failure_threshold: 2
cache:
  ttl: 90s
storage:
  backend: s3
  s3:
    bucket: shared
    region: us-east-1
    endpoint: http://minio:9000
accesslog:
  path: /var/log/fetchproxy/access.log
  postgres:
    dsn: postgres://u@h/db
logging:
  development: false
`)

	cfg, err := Load(path, nil, "")
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Proxy.Port)
	assert.Equal(t, []fetchproxy.WorkerSpec{
		{ID: "w1", Endpoint: "http://10.0.0.1:9001"},
		{Endpoint: "http://10.0.0.2:9001"},
	}, cfg.Proxy.Workers)
	assert.Equal(t, 30*time.Second, cfg.Proxy.RequestTimeout)
	assert.Equal(t, 15*time.Second, cfg.Proxy.RPCTimeout)
	assert.Equal(t, 5*time.Second, cfg.Worker.FetchTimeout)
	assert.InDelta(t, 2.5, cfg.Worker.RateLimitRPS, 1e-9)
	assert.Equal(t, 3*time.Second, cfg.Registry.ProbeInterval)
	assert.Equal(t, 90*time.Second, cfg.Cache.TTL)
	assert.Equal(t, "shared", cfg.Storage.S3.Bucket)
	assert.Equal(t, "postgres://u@h/db", cfg.AccessLog.Postgres.DSN)
	assert.Equal(t, "access_log", cfg.AccessLog.Postgres.Table)
	assert.False(t, cfg.Logging.Development)

	require.NoError(t, cfg.ValidateProxy())
	require.NoError(t, cfg.ValidateWorker())
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"), nil, "")
	require.Error(t, err)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("FETCHPROXY_CACHE_TTL", "2m")
	t.Setenv("FETCHPROXY_WORKER_ID", "env-worker")

	cfg, err := Load("", nil, "")
	require.NoError(t, err)
	assert.Equal(t, 2*time.Minute, cfg.Cache.TTL)
	assert.Equal(t, "env-worker", cfg.Worker.ID)
}

func TestLoadEnvReachesKeysWithoutFileValues(t *testing.T) {
	t.Setenv("FETCHPROXY_PROXY_WORKERS", "w1=http://10.0.0.1:9001, http://10.0.0.2:9001")
	t.Setenv("FETCHPROXY_STORAGE_BACKEND", BackendS3)
	t.Setenv("FETCHPROXY_STORAGE_S3_BUCKET", "shared")
	t.Setenv("FETCHPROXY_STORAGE_S3_REGION", "us-east-1")
	t.Setenv("FETCHPROXY_ACCESSLOG_POSTGRES_DSN", "postgres://db/proxy")
	t.Setenv("FETCHPROXY_ACCESSLOG_PUBSUB_PROJECT_ID", "proj")
	t.Setenv("FETCHPROXY_ACCESSLOG_PUBSUB_TOPIC_ID", "access")
	t.Setenv("FETCHPROXY_WORKER_MAX_BODY_SIZE", "2048")
	t.Setenv("FETCHPROXY_TELEMETRY_ENABLED", "true")

	cfg, err := Load("", nil, "")
	require.NoError(t, err)
	assert.Equal(t, []fetchproxy.WorkerSpec{
		{ID: "w1", Endpoint: "http://10.0.0.1:9001"},
		{Endpoint: "http://10.0.0.2:9001"},
	}, cfg.Proxy.Workers)
	assert.Equal(t, "shared", cfg.Storage.S3.Bucket)
	assert.Equal(t, "us-east-1", cfg.Storage.S3.Region)
	assert.Equal(t, "postgres://db/proxy", cfg.AccessLog.Postgres.DSN)
	assert.Equal(t, "proj", cfg.AccessLog.PubSub.ProjectID)
	assert.Equal(t, "access", cfg.AccessLog.PubSub.TopicID)
	assert.Equal(t, 2048, cfg.Worker.MaxBodySize)
	assert.True(t, cfg.Telemetry.Enabled)
	require.NoError(t, cfg.ValidateProxy())
}

func TestParseWorkerList(t *testing.T) {
	t.Parallel()

	specs, err := ParseWorkerList(" a=http://a:1 ,,http://b:2")
	require.NoError(t, err)
	assert.Equal(t, []fetchproxy.WorkerSpec{
		{ID: "a", Endpoint: "http://a:1"},
		{Endpoint: "http://b:2"},
	}, specs)

	_, err = ParseWorkerList("a=")
	require.Error(t, err)

	specs, err = ParseWorkerList("")
	require.NoError(t, err)
	assert.Empty(t, specs)
}

func TestLoadFlagsBindToPortKey(t *testing.T) {
	t.Parallel()

	fs := pflag.NewFlagSet("worker", pflag.ContinueOnError)
	fs.Int("port", 0, "")
	fs.String("worker-id", "", "")
	require.NoError(t, fs.Parse([]string{"--port", "9555", "--worker-id", "flag-worker"}))

	cfg, err := Load("", fs, "worker.port")
	require.NoError(t, err)
	assert.Equal(t, 9555, cfg.Worker.Port)
	assert.Equal(t, 8080, cfg.Proxy.Port)
	assert.Equal(t, "flag-worker", cfg.Worker.ID)
}

func TestValidateProxyErrors(t *testing.T) {
	t.Parallel()

	cfg, err := Load("", nil, "")
	require.NoError(t, err)
	cfg.Proxy.Workers = []fetchproxy.WorkerSpec{
		{ID: "a", Endpoint: "http://x"},
		{ID: "a", Endpoint: ""},
	}
	cfg.AccessLog.PubSub.ProjectID = "proj"

	err = cfg.ValidateProxy()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "proxy.workers[1].endpoint is required")
	assert.Contains(t, err.Error(), `proxy.workers[1].id "a" is duplicated`)
	assert.Contains(t, err.Error(), "accesslog.pubsub")
}

func TestValidateWorkerErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"missing id", func(c *Config) { c.Worker.ID = "" }, "worker.id is required"},
		{"unknown backend", func(c *Config) { c.Storage.Backend = "ftp" }, `storage.backend "ftp"`},
		{"gcs without bucket", func(c *Config) { c.Storage.Backend = BackendGCS }, "storage.gcs.bucket"},
		{"s3 without region", func(c *Config) {
			c.Storage.Backend = BackendS3
			c.Storage.S3.Bucket = "b"
		}, "storage.s3.region"},
		{"short ttl", func(c *Config) { c.Cache.TTL = 10 * time.Millisecond }, "cache.ttl"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg, err := Load("", nil, "")
			require.NoError(t, err)
			cfg.Worker.ID = "w"
			tt.mutate(&cfg)
			err = cfg.ValidateWorker()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
