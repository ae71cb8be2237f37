// Package config loads and validates proxy and worker configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/JakeFAU/fetchproxy/internal/fetchproxy"
)

// Storage backends accepted by storage.backend.
const (
	BackendLocal  = "local"
	BackendGCS    = "gcs"
	BackendS3     = "s3"
	BackendMemory = "memory"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Proxy     ProxyConfig     `mapstructure:"proxy"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Registry  RegistryConfig  `mapstructure:"registry"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Storage   StorageConfig   `mapstructure:"storage"`
	AccessLog AccessLogConfig `mapstructure:"accesslog"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// ProxyConfig controls the client-facing dispatcher process.
type ProxyConfig struct {
	Port           int                     `mapstructure:"port"`
	Name           string                  `mapstructure:"name"`
	Workers        []fetchproxy.WorkerSpec `mapstructure:"workers"`
	RPCTimeout     time.Duration           `mapstructure:"rpc_timeout"`
	RequestTimeout time.Duration           `mapstructure:"request_timeout"`
}

// WorkerConfig controls one fetch worker process.
type WorkerConfig struct {
	ID           string        `mapstructure:"id"`
	Port         int           `mapstructure:"port"`
	FetchTimeout time.Duration `mapstructure:"fetch_timeout"`
	UserAgent    string        `mapstructure:"user_agent"`
	MaxBodySize  int           `mapstructure:"max_body_size"`
	RateLimitRPS float64       `mapstructure:"rate_limit_rps"`
	RateBurst    int           `mapstructure:"rate_limit_burst"`
}

// RegistryConfig controls health probing of workers.
type RegistryConfig struct {
	ProbeInterval    time.Duration `mapstructure:"probe_interval"`
	ProbeTimeout     time.Duration `mapstructure:"probe_timeout"`
	FailureThreshold int           `mapstructure:"failure_threshold"`
}

// CacheConfig controls the shared response cache.
type CacheConfig struct {
	TTL             time.Duration `mapstructure:"ttl"`
	Prefix          string        `mapstructure:"prefix"`
	JanitorInterval time.Duration `mapstructure:"janitor_interval"`
}

// StorageConfig selects and configures the shared blob store.
type StorageConfig struct {
	Backend string      `mapstructure:"backend"`
	Local   LocalConfig `mapstructure:"local"`
	GCS     GCSConfig   `mapstructure:"gcs"`
	S3      S3Config    `mapstructure:"s3"`
}

// LocalConfig is a directory on a volume every worker mounts.
type LocalConfig struct {
	BaseDir string `mapstructure:"base_dir"`
}

// GCSConfig names the bucket used as shared storage.
type GCSConfig struct {
	Bucket string `mapstructure:"bucket"`
	Prefix string `mapstructure:"prefix"`
}

// S3Config configures an S3-compatible bucket.
type S3Config struct {
	Bucket    string `mapstructure:"bucket"`
	Region    string `mapstructure:"region"`
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Prefix    string `mapstructure:"prefix"`
}

// AccessLogConfig controls the access record pipeline.
type AccessLogConfig struct {
	Path         string         `mapstructure:"path"`
	BufferSize   int            `mapstructure:"buffer_size"`
	MaxBatch     int            `mapstructure:"max_batch"`
	MaxBatchWait time.Duration  `mapstructure:"max_batch_wait"`
	LogSink      bool           `mapstructure:"log_sink"`
	Postgres     PostgresConfig `mapstructure:"postgres"`
	PubSub       PubSubConfig   `mapstructure:"pubsub"`
}

// PostgresConfig enables the optional Postgres sink when DSN is set.
type PostgresConfig struct {
	DSN      string `mapstructure:"dsn"`
	Table    string `mapstructure:"table"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// PubSubConfig enables the optional Pub/Sub sink when both fields are set.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicID   string `mapstructure:"topic_id"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// TelemetryConfig toggles OpenTelemetry tracing across the RPC hop.
type TelemetryConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	ServiceName string  `mapstructure:"service_name"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// flagKeys maps command-line flags onto configuration keys.
var flagKeys = map[string]string{
	"port":      "",
	"worker-id": "worker.id",
	"log-dev":   "logging.development",
}

// Load builds a Config from disk, environment, and the flags in fs. The
// "port" flag binds to portKey so each binary can point it at its own section.
func Load(path string, fs *pflag.FlagSet, portKey string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("FETCHPROXY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	if fs != nil {
		for name, key := range flagKeys {
			if name == "port" {
				key = portKey
			}
			flag := fs.Lookup(name)
			if flag == nil || key == "" {
				continue
			}
			if err := v.BindPFlag(key, flag); err != nil {
				return Config{}, fmt.Errorf("bind flag %s: %w", name, err)
			}
		}
	}

	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		workerListHook(),
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}

// workerListHook accepts proxy.workers as a comma separated string, the only
// shape an environment variable can carry. Entries are "id=endpoint" or a
// bare endpoint.
func workerListHook() mapstructure.DecodeHookFuncType {
	target := reflect.TypeOf([]fetchproxy.WorkerSpec(nil))
	return func(from reflect.Type, to reflect.Type, data any) (any, error) {
		if from.Kind() != reflect.String || to != target {
			return data, nil
		}
		return ParseWorkerList(data.(string))
	}
}

// ParseWorkerList parses "id=endpoint,endpoint,..." into worker specs.
func ParseWorkerList(raw string) ([]fetchproxy.WorkerSpec, error) {
	var specs []fetchproxy.WorkerSpec
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		var spec fetchproxy.WorkerSpec
		if id, endpoint, ok := strings.Cut(entry, "="); ok {
			spec.ID = strings.TrimSpace(id)
			spec.Endpoint = strings.TrimSpace(endpoint)
		} else {
			spec.Endpoint = entry
		}
		if spec.Endpoint == "" {
			return nil, fmt.Errorf("proxy.workers entry %q has no endpoint", entry)
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

// setDefaults registers every key so AutomaticEnv can override it.
func setDefaults(v *viper.Viper) {
	v.SetDefault("proxy.port", 8080)
	v.SetDefault("proxy.name", "fetchproxy")
	v.SetDefault("proxy.workers", []fetchproxy.WorkerSpec{})
	v.SetDefault("proxy.rpc_timeout", "15s")
	v.SetDefault("proxy.request_timeout", "60s")
	v.SetDefault("worker.id", "")
	v.SetDefault("worker.port", 9001)
	v.SetDefault("worker.fetch_timeout", "10s")
	v.SetDefault("worker.user_agent", "Mozilla/5.0 (RPC Proxy Worker)")
	v.SetDefault("worker.max_body_size", 10<<20)
	v.SetDefault("worker.rate_limit_rps", 0)
	v.SetDefault("worker.rate_limit_burst", 1)
	v.SetDefault("registry.probe_interval", "10s")
	v.SetDefault("registry.probe_timeout", "5s")
	v.SetDefault("registry.failure_threshold", 1)
	v.SetDefault("cache.ttl", "60s")
	v.SetDefault("cache.prefix", "entries")
	v.SetDefault("cache.janitor_interval", "5m")
	v.SetDefault("storage.backend", BackendLocal)
	v.SetDefault("storage.local.base_dir", "./cache")
	v.SetDefault("storage.gcs.bucket", "")
	v.SetDefault("storage.gcs.prefix", "")
	v.SetDefault("storage.s3.bucket", "")
	v.SetDefault("storage.s3.region", "")
	v.SetDefault("storage.s3.endpoint", "")
	v.SetDefault("storage.s3.access_key", "")
	v.SetDefault("storage.s3.secret_key", "")
	v.SetDefault("storage.s3.prefix", "")
	v.SetDefault("accesslog.path", "./logs/access.log")
	v.SetDefault("accesslog.buffer_size", 4096)
	v.SetDefault("accesslog.max_batch", 256)
	v.SetDefault("accesslog.max_batch_wait", "200ms")
	v.SetDefault("accesslog.log_sink", false)
	v.SetDefault("accesslog.postgres.dsn", "")
	v.SetDefault("accesslog.postgres.table", "access_log")
	v.SetDefault("accesslog.postgres.max_conns", 4)
	v.SetDefault("accesslog.pubsub.project_id", "")
	v.SetDefault("accesslog.pubsub.topic_id", "")
	v.SetDefault("logging.development", true)
	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.service_name", "")
	v.SetDefault("telemetry.sample_ratio", 1.0)
}

// ValidateProxy enforces the settings the dispatcher process needs.
func (c Config) ValidateProxy() error {
	var errs []error
	if c.Proxy.Port <= 0 {
		errs = append(errs, errors.New("proxy.port must be > 0"))
	}
	if len(c.Proxy.Workers) == 0 {
		errs = append(errs, errors.New("proxy.workers must list at least one worker"))
	}
	seen := make(map[string]struct{}, len(c.Proxy.Workers))
	for i, w := range c.Proxy.Workers {
		if strings.TrimSpace(w.Endpoint) == "" {
			errs = append(errs, fmt.Errorf("proxy.workers[%d].endpoint is required", i))
		}
		if w.ID == "" {
			continue
		}
		if _, dup := seen[w.ID]; dup {
			errs = append(errs, fmt.Errorf("proxy.workers[%d].id %q is duplicated", i, w.ID))
		}
		seen[w.ID] = struct{}{}
	}
	if c.Proxy.RPCTimeout <= 0 {
		errs = append(errs, errors.New("proxy.rpc_timeout must be > 0"))
	}
	if c.Proxy.RequestTimeout <= 0 {
		errs = append(errs, errors.New("proxy.request_timeout must be > 0"))
	}
	if c.Registry.ProbeInterval <= 0 {
		errs = append(errs, errors.New("registry.probe_interval must be > 0"))
	}
	if c.Registry.FailureThreshold <= 0 {
		errs = append(errs, errors.New("registry.failure_threshold must be > 0"))
	}
	if c.AccessLog.Path == "" {
		errs = append(errs, errors.New("accesslog.path is required"))
	}
	if c.AccessLog.BufferSize <= 0 {
		errs = append(errs, errors.New("accesslog.buffer_size must be > 0"))
	}
	if (c.AccessLog.PubSub.ProjectID == "") != (c.AccessLog.PubSub.TopicID == "") {
		errs = append(errs, errors.New("accesslog.pubsub requires both project_id and topic_id"))
	}
	return errors.Join(errs...)
}

// ValidateWorker enforces the settings a fetch worker needs.
func (c Config) ValidateWorker() error {
	var errs []error
	if strings.TrimSpace(c.Worker.ID) == "" {
		errs = append(errs, errors.New("worker.id is required"))
	}
	if c.Worker.Port <= 0 {
		errs = append(errs, errors.New("worker.port must be > 0"))
	}
	if c.Worker.FetchTimeout <= 0 {
		errs = append(errs, errors.New("worker.fetch_timeout must be > 0"))
	}
	if c.Cache.TTL < time.Second {
		errs = append(errs, errors.New("cache.ttl must be at least 1s"))
	}
	switch c.Storage.Backend {
	case BackendLocal:
		if c.Storage.Local.BaseDir == "" {
			errs = append(errs, errors.New("storage.local.base_dir is required for the local backend"))
		}
	case BackendGCS:
		if c.Storage.GCS.Bucket == "" {
			errs = append(errs, errors.New("storage.gcs.bucket is required for the gcs backend"))
		}
	case BackendS3:
		if c.Storage.S3.Bucket == "" {
			errs = append(errs, errors.New("storage.s3.bucket is required for the s3 backend"))
		}
		if c.Storage.S3.Region == "" {
			errs = append(errs, errors.New("storage.s3.region is required for the s3 backend"))
		}
	case BackendMemory:
	default:
		errs = append(errs, fmt.Errorf("storage.backend %q is not one of local, gcs, s3, memory", c.Storage.Backend))
	}
	return errors.Join(errs...)
}
