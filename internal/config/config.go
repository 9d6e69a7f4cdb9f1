// Copyright 2025 James Ross
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Backoff describes a delay curve: fixed, linear, exponential, or custom.
type Backoff struct {
	Type     string        `mapstructure:"type" json:"type"`
	Delay    time.Duration `mapstructure:"delay" json:"delay"`
	Factor   float64       `mapstructure:"factor" json:"factor"`
	MaxDelay time.Duration `mapstructure:"max_delay" json:"max_delay"`
}

// RetryPolicy is the per-job-type retry shape resolved by internal/retry.
type RetryPolicy struct {
	MaxAttempts int           `mapstructure:"max_attempts" json:"max_attempts"`
	Backoff     Backoff       `mapstructure:"backoff" json:"backoff"`
	MinDelay    time.Duration `mapstructure:"min_delay" json:"min_delay"`
	Jitter      bool          `mapstructure:"jitter" json:"jitter"`
}

// Cache configures the Cache Store (4.A).
type Cache struct {
	Backend               string        `mapstructure:"backend"` // memory|redis|postgres|sqlite|s3
	CompressionThreshold  int           `mapstructure:"compression_threshold"`
	DefaultCompression    string        `mapstructure:"default_compression"` // none|gzip|brotli
	SweepInterval         time.Duration `mapstructure:"sweep_interval"`
	Redis                 Redis         `mapstructure:"redis"`
	Postgres              Postgres      `mapstructure:"postgres"`
	SQLitePath            string        `mapstructure:"sqlite_path"`
	S3                    S3            `mapstructure:"s3"`
}

type Redis struct {
	Addr               string        `mapstructure:"addr"`
	Username           string        `mapstructure:"username"`
	Password           string        `mapstructure:"password"`
	DB                 int           `mapstructure:"db"`
	PoolSizeMultiplier int           `mapstructure:"pool_size_multiplier"`
	MinIdleConns       int           `mapstructure:"min_idle_conns"`
	DialTimeout        time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout        time.Duration `mapstructure:"read_timeout"`
	WriteTimeout       time.Duration `mapstructure:"write_timeout"`
	MaxRetries         int           `mapstructure:"max_retries"`
}

type Postgres struct {
	DSN string `mapstructure:"dsn"`
}

type S3 struct {
	Bucket string `mapstructure:"bucket"`
	Prefix string `mapstructure:"prefix"`
	Region string `mapstructure:"region"`
}

// Queue configures the Job Queue Core (4.C).
type Queue struct {
	WorkerFanout     int           `mapstructure:"worker_fanout"`
	PollInterval     time.Duration `mapstructure:"poll_interval"`
	HealthThresholds QueueHealth   `mapstructure:"health"`
	RetentionGrace   time.Duration `mapstructure:"retention_grace"`
	ReaperInterval   time.Duration `mapstructure:"reaper_interval"`
	ReaperGrace      time.Duration `mapstructure:"reaper_grace"`
}

type QueueHealth struct {
	MaxFailed     int `mapstructure:"max_failed"`
	MaxDeadLetter int `mapstructure:"max_dead_letter"`
	MaxActive     int `mapstructure:"max_active"`
}

// Router configures the Provider Router (4.D).
type Router struct {
	Strategy               string        `mapstructure:"strategy"`
	MaxRetries             int           `mapstructure:"max_retries"`
	RequestTimeout         time.Duration `mapstructure:"request_timeout"`
	FallbackChain          []string      `mapstructure:"fallback_chain"`
	HealthCheckInterval    time.Duration `mapstructure:"health_check_interval"`
	HealthCheckTimeout     time.Duration `mapstructure:"health_check_timeout"`
	UnhealthyThreshold     int           `mapstructure:"unhealthy_threshold"`
	HealthyThreshold       int           `mapstructure:"healthy_threshold"`
	Breaker                BreakerConfig `mapstructure:"breaker"`
	MaxConcurrentRequests  int           `mapstructure:"max_concurrent_requests"`
}

type BreakerConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	SuccessThreshold int           `mapstructure:"success_threshold"`
	OpenDuration     time.Duration `mapstructure:"open_duration"`
	BackoffFactor    float64       `mapstructure:"backoff_factor"`
	MaxBackoff       time.Duration `mapstructure:"max_backoff"`
}

// Observability configures logging and the metrics namespace.
type Observability struct {
	LogLevel   string `mapstructure:"log_level"`
	MetricsPort int   `mapstructure:"metrics_port"`
}

// Events configures the pub/sub bus.
type Events struct {
	Backend string `mapstructure:"backend"` // inproc|nats
	NATSURL string `mapstructure:"nats_url"`
}

type Config struct {
	Cache               Cache                  `mapstructure:"cache"`
	Queue               Queue                  `mapstructure:"queue"`
	Router              Router                 `mapstructure:"router"`
	Observability       Observability          `mapstructure:"observability"`
	Events              Events                 `mapstructure:"events"`
	RetryOverridesJSON  string                 `mapstructure:"retry_overrides_json"`
	RetryOverrides      map[string]RetryPolicy `mapstructure:"-"`
}

func defaultConfig() *Config {
	return &Config{
		Cache: Cache{
			Backend:              "memory",
			CompressionThreshold: 1024,
			DefaultCompression:   "gzip",
			SweepInterval:        1 * time.Minute,
			Redis:                Redis{Addr: "localhost:6379"},
		},
		Queue: Queue{
			WorkerFanout: 16,
			PollInterval: 100 * time.Millisecond,
			HealthThresholds: QueueHealth{
				MaxFailed:     100,
				MaxDeadLetter: 50,
				MaxActive:     1000,
			},
			RetentionGrace: 24 * time.Hour,
			ReaperInterval: 30 * time.Second,
			ReaperGrace:    2 * time.Minute,
		},
		Router: Router{
			Strategy:            "healthAware",
			MaxRetries:          3,
			RequestTimeout:      30 * time.Second,
			HealthCheckInterval: 30 * time.Second,
			HealthCheckTimeout:  5 * time.Second,
			UnhealthyThreshold:  3,
			HealthyThreshold:    2,
			Breaker: BreakerConfig{
				FailureThreshold: 5,
				SuccessThreshold: 3,
				OpenDuration:     30 * time.Second,
				BackoffFactor:    2,
				MaxBackoff:       5 * time.Minute,
			},
			MaxConcurrentRequests: 100,
		},
		Observability: Observability{LogLevel: "info", MetricsPort: 9090},
		Events:        Events{Backend: "inproc"},
	}
}

// Load reads path (if it exists) over the built-in defaults via viper;
// unrecognized keys fall back to defaults rather than erroring.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		// A missing file means "run on defaults"; anything else is fatal.
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	} else if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}

	if cfg.RetryOverridesJSON != "" {
		overrides := map[string]RetryPolicy{}
		if err := json.Unmarshal([]byte(cfg.RetryOverridesJSON), &overrides); err != nil {
			return nil, fmt.Errorf("decoding retry_overrides_json: %w", err)
		}
		cfg.RetryOverrides = overrides
	}

	return cfg, nil
}
