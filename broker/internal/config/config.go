package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Ingestion IngestionConfig `mapstructure:"ingestion"`
	Query     QueryConfig     `mapstructure:"query"`
	Subscribe SubscribeConfig `mapstructure:"subscribe"`
	Usage     UsageConfig     `mapstructure:"usage"`
	CORS      CORSConfig      `mapstructure:"cors"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	// PublicBaseURL prefixes endpoint and monitor URLs handed to callers.
	PublicBaseURL string `mapstructure:"public_base_url"`
}

type DatabaseConfig struct {
	Type           string         `mapstructure:"type"` // memory or postgres
	MigrationsPath string         `mapstructure:"migrations_path"`
	Postgres       PostgresConfig `mapstructure:"postgres"`
}

type PostgresConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Database string `mapstructure:"database"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	SSLMode  string `mapstructure:"sslmode"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

// ConnString renders the pgx connection URL.
func (p PostgresConfig) ConnString() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(p.User, p.Password),
		Host:     fmt.Sprintf("%s:%d", p.Host, p.Port),
		Path:     "/" + p.Database,
		RawQuery: "sslmode=" + url.QueryEscape(p.SSLMode),
	}
	return u.String()
}

type RedisConfig struct {
	URL     string `mapstructure:"url"`
	Enabled bool   `mapstructure:"enabled"`
}

// UsageConfig controls per-inbox ingest statistics kept in Redis.
// InstanceID defaults to the hostname.
type UsageConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
	InstanceID    string        `mapstructure:"instance_id"`
}

type NATSConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	URL           string        `mapstructure:"url"`
	Name          string        `mapstructure:"name"`
	MaxReconnects int           `mapstructure:"max_reconnects"`
	ReconnectWait time.Duration `mapstructure:"reconnect_wait"`
	Timeout       time.Duration `mapstructure:"timeout"`
	Username      string        `mapstructure:"username"`
	Password      string        `mapstructure:"password"`
	Token         string        `mapstructure:"token"`
}

type IngestionConfig struct {
	MaxBodyBytes      int64         `mapstructure:"max_body_bytes"`
	RateLimitEnabled  bool          `mapstructure:"rate_limit_enabled"`
	RateLimitRequests int           `mapstructure:"rate_limit_requests"`
	RateLimitWindow   time.Duration `mapstructure:"rate_limit_window"`
	// RateLimitFailOpen admits messages when the limiter backend is unreachable.
	RateLimitFailOpen bool `mapstructure:"rate_limit_fail_open"`
}

type QueryConfig struct {
	DefaultLimit     int `mapstructure:"default_limit"`
	InteractiveLimit int `mapstructure:"interactive_limit"`
	MaxLimit         int `mapstructure:"max_limit"`
}

type SubscribeConfig struct {
	BufferSize        int           `mapstructure:"buffer_size"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	// IdleTimeout is how long a stream may go without a successful write or pong.
	IdleTimeout time.Duration `mapstructure:"idle_timeout"`
}

type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func Load(configPath string) (*Config, error) {
	v := viper.New()

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "15s")
	v.SetDefault("server.public_base_url", "http://localhost:8080")

	v.SetDefault("database.type", "memory")
	v.SetDefault("database.migrations_path", "file://broker/migrations")
	v.SetDefault("database.postgres.host", "localhost")
	v.SetDefault("database.postgres.port", 5432)
	v.SetDefault("database.postgres.database", "inbox")
	v.SetDefault("database.postgres.user", "inbox")
	v.SetDefault("database.postgres.password", "")
	v.SetDefault("database.postgres.sslmode", "disable")
	v.SetDefault("database.postgres.max_conns", 25)
	v.SetDefault("database.postgres.min_conns", 5)

	v.SetDefault("redis.url", "redis://localhost:6379/0")
	v.SetDefault("redis.enabled", false)

	v.SetDefault("nats.enabled", false)
	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.name", "inbox-broker")
	v.SetDefault("nats.max_reconnects", -1)
	v.SetDefault("nats.reconnect_wait", "2s")
	v.SetDefault("nats.timeout", "5s")
	v.SetDefault("nats.username", "")
	v.SetDefault("nats.password", "")
	v.SetDefault("nats.token", "")

	v.SetDefault("ingestion.max_body_bytes", 1048576)
	v.SetDefault("ingestion.rate_limit_enabled", false)
	v.SetDefault("ingestion.rate_limit_requests", 600)
	v.SetDefault("ingestion.rate_limit_window", "1m")
	v.SetDefault("ingestion.rate_limit_fail_open", true)

	v.SetDefault("query.default_limit", 20)
	v.SetDefault("query.interactive_limit", 100)
	v.SetDefault("query.max_limit", 500)

	v.SetDefault("subscribe.buffer_size", 64)
	v.SetDefault("subscribe.heartbeat_interval", "15s")
	v.SetDefault("subscribe.idle_timeout", "45s")

	v.SetDefault("usage.enabled", false)
	v.SetDefault("usage.flush_interval", "30s")
	v.SetDefault("usage.instance_id", "")

	v.SetDefault("cors.allowed_origins", []string{"*"})

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/auton/broker")
	}

	// BROKER_DATABASE_POSTGRES_HOST overrides database.postgres.host
	v.SetEnvPrefix("BROKER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the broker cannot start with.
func (c *Config) Validate() error {
	switch c.Database.Type {
	case "memory", "postgres":
	default:
		return fmt.Errorf("invalid database.type %q: want memory or postgres", c.Database.Type)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server.port %d", c.Server.Port)
	}
	if c.Ingestion.MaxBodyBytes <= 0 {
		return fmt.Errorf("ingestion.max_body_bytes must be positive")
	}
	if c.Ingestion.RateLimitEnabled {
		if !c.Redis.Enabled {
			return fmt.Errorf("ingestion.rate_limit_enabled requires redis.enabled")
		}
		if c.Ingestion.RateLimitRequests <= 0 || c.Ingestion.RateLimitWindow <= 0 {
			return fmt.Errorf("rate limit requests and window must be positive")
		}
	}
	if c.Usage.Enabled {
		if !c.Redis.Enabled {
			return fmt.Errorf("usage.enabled requires redis.enabled")
		}
		if c.Usage.FlushInterval <= 0 {
			return fmt.Errorf("usage.flush_interval must be positive")
		}
	}
	if c.Query.MaxLimit <= 0 {
		return fmt.Errorf("query.max_limit must be positive")
	}
	if c.Subscribe.HeartbeatInterval <= 0 || c.Subscribe.IdleTimeout <= c.Subscribe.HeartbeatInterval {
		return fmt.Errorf("subscribe.idle_timeout must exceed a positive subscribe.heartbeat_interval")
	}
	return nil
}
