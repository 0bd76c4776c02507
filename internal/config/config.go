package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/oriys/quasar/internal/cache"
	"github.com/oriys/quasar/internal/dispatcher"
	"github.com/oriys/quasar/internal/executor"
	"github.com/oriys/quasar/internal/logging"
	"github.com/oriys/quasar/internal/observability"
	"github.com/oriys/quasar/internal/wire"
)

// Cache backends.
const (
	CacheMemory = "memory"
	CacheRedis  = "redis"
	CacheTiered = "tiered"
)

// DaemonConfig holds process-wide settings
type DaemonConfig struct {
	LogLevel  string `json:"log_level" yaml:"log_level"`
	LogFormat string `json:"log_format" yaml:"log_format"` // text, json
	// JobLogFile receives one JSON line per finished job. Empty disables
	// the file; console job logs follow the log level.
	JobLogFile string `json:"job_log_file" yaml:"job_log_file"`
}

// NodeConfig describes the local nodes of a process
type NodeConfig struct {
	// Count of local nodes. The dispatcher daemon runs without local nodes
	// when zero.
	Count        int             `json:"count" yaml:"count"`
	InvokerID    string          `json:"invoker_id" yaml:"invoker_id"`
	Capabilities []string        `json:"capabilities" yaml:"capabilities"`
	Blacklist    BlacklistConfig `json:"blacklist" yaml:"blacklist"`
}

// BlacklistConfig controls function blacklisting on the nodes
type BlacklistConfig struct {
	// Scope is "function", "target", or empty to disable blacklisting.
	Scope string        `json:"scope" yaml:"scope"`
	TTL   time.Duration `json:"ttl" yaml:"ttl"`
	// Shared keeps entries in the shared cache backend, so a failure on
	// one host suppresses the function on all of them.
	Shared bool `json:"shared" yaml:"shared"`
}

// RemoteConfig holds the node protocol settings of both ends
type RemoteConfig struct {
	// ListenAddr accepts framed node connections: "tcp://host:port" or
	// "vsock://port". Empty disables the listener.
	ListenAddr string `json:"listen_addr" yaml:"listen_addr"`
	// GRPCAddr accepts nodes over gRPC. Empty disables it.
	GRPCAddr         string        `json:"grpc_addr" yaml:"grpc_addr"`
	Codec            string        `json:"codec" yaml:"codec"`
	HandshakeTimeout time.Duration `json:"handshake_timeout" yaml:"handshake_timeout"`
	// WriteTimeout drops a node that stops reading its jobs.
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout"`

	// Node side.
	DispatcherAddr string        `json:"dispatcher_addr" yaml:"dispatcher_addr"`
	DispatcherGRPC bool          `json:"dispatcher_grpc" yaml:"dispatcher_grpc"`
	MinBackoff     time.Duration `json:"min_backoff" yaml:"min_backoff"`
	MaxBackoff     time.Duration `json:"max_backoff" yaml:"max_backoff"`
}

// CacheConfig selects the value cache backend
type CacheConfig struct {
	Backend  string                 `json:"backend" yaml:"backend"`
	Redis    cache.RedisCacheConfig `json:"redis" yaml:"redis"`
	ValueTTL time.Duration          `json:"value_ttl" yaml:"value_ttl"`
	// L1TTL bounds local copies of shared values in the tiered backend.
	L1TTL time.Duration `json:"l1_ttl" yaml:"l1_ttl"`
}

// MetricsConfig holds Prometheus settings
type MetricsConfig struct {
	Enabled   bool      `json:"enabled" yaml:"enabled"`
	Namespace string    `json:"namespace" yaml:"namespace"`
	Buckets   []float64 `json:"buckets" yaml:"buckets"`
}

// ObservabilityConfig groups tracing and metrics
type ObservabilityConfig struct {
	Tracing observability.Config `json:"tracing" yaml:"tracing"`
	Metrics MetricsConfig        `json:"metrics" yaml:"metrics"`
}

// AdminConfig holds the admin HTTP server settings
type AdminConfig struct {
	HTTPAddr string `json:"http_addr" yaml:"http_addr"`
}

// Config is the central configuration struct embedding all component configs
type Config struct {
	Daemon        DaemonConfig        `json:"daemon" yaml:"daemon"`
	Dispatcher    dispatcher.Config   `json:"dispatcher" yaml:"dispatcher"`
	Node          NodeConfig          `json:"node" yaml:"node"`
	Remote        RemoteConfig        `json:"remote" yaml:"remote"`
	Cache         CacheConfig         `json:"cache" yaml:"cache"`
	Observability ObservabilityConfig `json:"observability" yaml:"observability"`
	Admin         AdminConfig         `json:"admin" yaml:"admin"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Daemon: DaemonConfig{
			LogLevel:  "info",
			LogFormat: "text",
		},
		Dispatcher: dispatcher.DefaultConfig(),
		Node: NodeConfig{
			Count: 2,
			Blacklist: BlacklistConfig{
				TTL: 10 * time.Minute,
			},
		},
		Remote: RemoteConfig{
			ListenAddr:       "tcp://:9400",
			Codec:            wire.CodecNameJSON,
			HandshakeTimeout: 10 * time.Second,
			WriteTimeout:     30 * time.Second,
			DispatcherAddr:   "tcp://localhost:9400",
			MinBackoff:       500 * time.Millisecond,
			MaxBackoff:       30 * time.Second,
		},
		Cache: CacheConfig{
			Backend: CacheMemory,
			Redis: cache.RedisCacheConfig{
				Addr: "localhost:6379",
			},
			ValueTTL: 24 * time.Hour,
			L1TTL:    time.Minute,
		},
		Observability: ObservabilityConfig{
			Tracing: observability.Config{
				Exporter:    "otlp-http",
				Endpoint:    "localhost:4318",
				ServiceName: "quasar",
				SampleRate:  1.0,
			},
			Metrics: MetricsConfig{
				Enabled:   true,
				Namespace: "quasar",
			},
		},
		Admin: AdminConfig{
			HTTPAddr: ":9401",
		},
	}
}

// LoadFromFile loads configuration from a JSON file, or YAML when the
// extension is .yaml or .yml. Fields missing from the file keep their
// defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	default:
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	return cfg, nil
}

// LoadFromEnv applies QUASAR_* environment variable overrides to the
// config.
func LoadFromEnv(cfg *Config) error {
	if v := os.Getenv("QUASAR_LOG_LEVEL"); v != "" {
		cfg.Daemon.LogLevel = v
	}
	if v := os.Getenv("QUASAR_LOG_FORMAT"); v != "" {
		cfg.Daemon.LogFormat = v
	}
	if v := os.Getenv("QUASAR_JOB_LOG_FILE"); v != "" {
		cfg.Daemon.JobLogFile = v
	}
	if v := os.Getenv("QUASAR_CAPABILITIES"); v != "" {
		cfg.Node.Capabilities = splitList(v)
	}
	if v := os.Getenv("QUASAR_BLACKLIST_SCOPE"); v != "" {
		cfg.Node.Blacklist.Scope = v
	}
	if v := os.Getenv("QUASAR_LISTEN_ADDR"); v != "" {
		cfg.Remote.ListenAddr = v
	}
	if v := os.Getenv("QUASAR_GRPC_ADDR"); v != "" {
		cfg.Remote.GRPCAddr = v
	}
	if v := os.Getenv("QUASAR_CODEC"); v != "" {
		cfg.Remote.Codec = v
	}
	if v := os.Getenv("QUASAR_DISPATCHER_ADDR"); v != "" {
		cfg.Remote.DispatcherAddr = v
	}
	if v := os.Getenv("QUASAR_CACHE_BACKEND"); v != "" {
		cfg.Cache.Backend = v
	}
	if v := os.Getenv("QUASAR_REDIS_ADDR"); v != "" {
		cfg.Cache.Redis.Addr = v
	}
	if v := os.Getenv("QUASAR_REDIS_PASSWORD"); v != "" {
		cfg.Cache.Redis.Password = v
	}
	if v := os.Getenv("QUASAR_ADMIN_ADDR"); v != "" {
		cfg.Admin.HTTPAddr = v
	}
	if v := os.Getenv("QUASAR_OTEL_ENDPOINT"); v != "" {
		cfg.Observability.Tracing.Endpoint = v
	}

	var errs []error
	if v := os.Getenv("QUASAR_NODES"); v != "" {
		n, err := strconv.Atoi(v)
		errs = append(errs, envErr("QUASAR_NODES", err))
		if err == nil {
			cfg.Node.Count = n
		}
	}
	if v := os.Getenv("QUASAR_MAX_JOB_ATTEMPTS"); v != "" {
		n, err := strconv.Atoi(v)
		errs = append(errs, envErr("QUASAR_MAX_JOB_ATTEMPTS", err))
		if err == nil {
			cfg.Dispatcher.MaxJobAttempts = n
		}
	}
	if v := os.Getenv("QUASAR_MAX_JOB_EXECUTION_TIME"); v != "" {
		d, err := time.ParseDuration(v)
		errs = append(errs, envErr("QUASAR_MAX_JOB_EXECUTION_TIME", err))
		if err == nil {
			cfg.Dispatcher.MaxJobExecutionTime = d
		}
	}
	if v := os.Getenv("QUASAR_TRACING_ENABLED"); v != "" {
		b, err := strconv.ParseBool(v)
		errs = append(errs, envErr("QUASAR_TRACING_ENABLED", err))
		if err == nil {
			cfg.Observability.Tracing.Enabled = b
		}
	}
	return errors.Join(errs...)
}

func envErr(name string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", name, err)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate reports every invalid setting.
func (c *Config) Validate() error {
	var errs []error
	if _, err := logging.ParseLevel(c.Daemon.LogLevel); err != nil {
		errs = append(errs, err)
	}
	switch c.Daemon.LogFormat {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("daemon.log_format: unknown format %q", c.Daemon.LogFormat))
	}

	if c.Dispatcher.MaxJobAttempts < 1 {
		errs = append(errs, errors.New("dispatcher.max_job_attempts must be at least 1"))
	}
	if c.Dispatcher.MaxJobExecutionTime < 0 || c.Dispatcher.MaxJobPendingTime < 0 {
		errs = append(errs, errors.New("dispatcher time limits must not be negative"))
	}
	if c.Remote.HandshakeTimeout < 0 || c.Remote.WriteTimeout < 0 {
		errs = append(errs, errors.New("remote timeouts must not be negative"))
	}
	if c.Node.Count < 0 {
		errs = append(errs, errors.New("node.count must not be negative"))
	}
	if bl := c.Node.Blacklist; bl.Scope != "" {
		if !executor.BlacklistScope(bl.Scope).IsValid() {
			errs = append(errs, fmt.Errorf("node.blacklist.scope: unknown scope %q", bl.Scope))
		}
		if bl.TTL <= 0 {
			errs = append(errs, errors.New("node.blacklist.ttl must be positive"))
		}
	}

	if _, err := wire.GetCodec(c.Remote.Codec); err != nil {
		errs = append(errs, fmt.Errorf("remote.codec: %w", err))
	}
	for name, addr := range map[string]string{
		"remote.listen_addr":     c.Remote.ListenAddr,
		"remote.dispatcher_addr": c.Remote.DispatcherAddr,
	} {
		if addr == "" {
			continue
		}
		if _, err := wire.ParseAddress(addr); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}

	switch c.Cache.Backend {
	case CacheMemory, CacheRedis, CacheTiered:
	default:
		errs = append(errs, fmt.Errorf("cache.backend: unknown backend %q", c.Cache.Backend))
	}
	if c.Cache.Backend != CacheMemory && c.Cache.Redis.Addr == "" {
		errs = append(errs, errors.New("cache.redis.addr is required for the redis and tiered backends"))
	}

	if r := c.Observability.Tracing.SampleRate; r < 0 || r > 1 {
		errs = append(errs, fmt.Errorf("observability.tracing.sample_rate %v out of [0, 1]", r))
	}
	return errors.Join(errs...)
}
