// Package config loads and validates application configuration from YAML
// files with environment-variable overrides. It provides typed structs for
// every subsystem (Server, Postgres, Kafka, Redis, Callback, Admission, etc.).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Admission strategy names accepted in AdmissionConfig.Strategy.
const (
	StrategyTokenBucket   = "token_bucket"
	StrategySlidingWindow = "sliding_window"
)

// Config is the top-level application configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Postgres  PostgresConfig  `yaml:"postgres"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	Redis     RedisConfig     `yaml:"redis"`
	Callback  CallbackConfig  `yaml:"callback"`
	Admission AdmissionConfig `yaml:"admission"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Database        string        `yaml:"database"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	SSLMode         string        `yaml:"sslMode"`
	MaxOpenConns    int           `yaml:"maxOpenConns"`
	MaxIdleConns    int           `yaml:"maxIdleConns"`
	ConnMaxLifetime time.Duration `yaml:"connMaxLifetime"`
}

// DSN returns a lib/pq-compatible data source name.
func (p PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode,
	)
}

// KafkaConfig holds Kafka broker and topic settings.
type KafkaConfig struct {
	Brokers []string    `yaml:"brokers"`
	Topics  KafkaTopics `yaml:"topics"`
}

// KafkaTopics maps logical topic names to their Kafka topic strings.
type KafkaTopics struct {
	BatchDispatch string `yaml:"batchDispatch"`
	Notifications string `yaml:"notifications"`
}

// RedisConfig holds Redis connection parameters for the admission stats
// store.
type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	PoolSize int           `yaml:"poolSize"`
	StatsTTL time.Duration `yaml:"statsTTL"`
}

// CallbackConfig holds the shared-secret and caller allow-list settings of
// the callback endpoint.
type CallbackConfig struct {
	// Secret is the shared token the automation worker must present via
	// Authorization: Bearer or X-Callback-Token. Empty disables the check.
	Secret string `yaml:"secret"`
	// AllowedIPs restricts callers to the listed addresses when non-empty.
	AllowedIPs []string `yaml:"allowedIPs"`
}

// AdmissionConfig selects and parameterises the admission-control strategy.
type AdmissionConfig struct {
	// Strategy is "token_bucket" or "sliding_window".
	Strategy string `yaml:"strategy"`

	// Token bucket: burst capacity and refill rate in tokens per second.
	Capacity   float64 `yaml:"capacity"`
	RefillRate float64 `yaml:"refillRate"`

	// Sliding window: request ceiling per window, and the block imposed on
	// a violation.
	MaxRequests   int           `yaml:"maxRequests"`
	Window        time.Duration `yaml:"window"`
	BlockDuration time.Duration `yaml:"blockDuration"`

	// EvictInterval controls the background sweep of idle per-client state.
	EvictInterval time.Duration `yaml:"evictInterval"`

	// StatsBackend is "memory" or "redis".
	StatsBackend string `yaml:"statsBackend"`
}

// LoggingConfig controls structured logging level and output format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig controls the Prometheus metrics server.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// Load reads a YAML config file (if provided) and applies environment-variable
// overrides. It returns a Config populated with sensible defaults for any
// missing values.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}
	applyEnvOverrides(cfg)
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Admission.Strategy {
	case StrategyTokenBucket, StrategySlidingWindow:
	default:
		return fmt.Errorf("unknown admission strategy %q", c.Admission.Strategy)
	}
	if c.Admission.Capacity <= 0 || c.Admission.RefillRate <= 0 {
		return fmt.Errorf("admission capacity and refillRate must be positive")
	}
	if c.Admission.MaxRequests <= 0 || c.Admission.Window <= 0 || c.Admission.BlockDuration <= 0 {
		return fmt.Errorf("admission maxRequests, window and blockDuration must be positive")
	}
	return nil
}

// defaultConfig returns a Config with production-ready defaults for local
// development.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Postgres: PostgresConfig{
			Host:            "localhost",
			Port:            5432,
			Database:        "cvflow",
			User:            "cvflow",
			Password:        "localdev",
			SSLMode:         "disable",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Kafka: KafkaConfig{
			Brokers: []string{"localhost:9092"},
			Topics: KafkaTopics{
				BatchDispatch: "cv-batch-dispatch",
				Notifications: "cv-notifications",
			},
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			Password: "",
			DB:       0,
			PoolSize: 10,
			StatsTTL: 24 * time.Hour,
		},
		Callback: CallbackConfig{
			Secret:     "",
			AllowedIPs: nil,
		},
		Admission: AdmissionConfig{
			Strategy:      StrategySlidingWindow,
			Capacity:      10,
			RefillRate:    1.0,
			MaxRequests:   10,
			Window:        60 * time.Second,
			BlockDuration: 5 * time.Minute,
			EvictInterval: 5 * time.Minute,
			StatsBackend:  "memory",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
		},
	}
}

// applyEnvOverrides reads CF_* environment variables and overrides the
// corresponding config fields.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CF_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("CF_POSTGRES_HOST"); v != "" {
		cfg.Postgres.Host = v
	}
	if v := os.Getenv("CF_POSTGRES_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Postgres.Port = port
		}
	}
	if v := os.Getenv("CF_POSTGRES_DATABASE"); v != "" {
		cfg.Postgres.Database = v
	}
	if v := os.Getenv("CF_POSTGRES_USER"); v != "" {
		cfg.Postgres.User = v
	}
	if v := os.Getenv("CF_POSTGRES_PASSWORD"); v != "" {
		cfg.Postgres.Password = v
	}
	if v := os.Getenv("CF_POSTGRES_SSLMODE"); v != "" {
		cfg.Postgres.SSLMode = v
	}
	if v := os.Getenv("CF_KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = strings.Split(v, ",")
	}
	if v := os.Getenv("CF_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("CF_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("CF_CALLBACK_SECRET"); v != "" {
		cfg.Callback.Secret = v
	}
	if v := os.Getenv("CF_CALLBACK_ALLOWED_IPS"); v != "" {
		ips := make([]string, 0)
		for _, ip := range strings.Split(v, ",") {
			if ip = strings.TrimSpace(ip); ip != "" {
				ips = append(ips, ip)
			}
		}
		cfg.Callback.AllowedIPs = ips
	}
	if v := os.Getenv("CF_ADMISSION_STRATEGY"); v != "" {
		cfg.Admission.Strategy = v
	}
	if v := os.Getenv("CF_ADMISSION_CAPACITY"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Admission.Capacity = f
		}
	}
	if v := os.Getenv("CF_ADMISSION_REFILL_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Admission.RefillRate = f
		}
	}
	if v := os.Getenv("CF_ADMISSION_MAX_REQUESTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Admission.MaxRequests = n
		}
	}
	if v := os.Getenv("CF_ADMISSION_WINDOW"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Admission.Window = d
		}
	}
	if v := os.Getenv("CF_ADMISSION_BLOCK_DURATION"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Admission.BlockDuration = d
		}
	}
	if v := os.Getenv("CF_ADMISSION_STATS_BACKEND"); v != "" {
		cfg.Admission.StatsBackend = v
	}
	if v := os.Getenv("CF_LOGGING_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("CF_LOGGING_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
}
