package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 15*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, "http://localhost:8080", cfg.Server.PublicBaseURL)
	assert.Equal(t, "memory", cfg.Database.Type)
	assert.Equal(t, "file://broker/migrations", cfg.Database.MigrationsPath)
	assert.Equal(t, int32(25), cfg.Database.Postgres.MaxConns)
	assert.False(t, cfg.Redis.Enabled)
	assert.False(t, cfg.NATS.Enabled)
	assert.Equal(t, -1, cfg.NATS.MaxReconnects)
	assert.Equal(t, int64(1048576), cfg.Ingestion.MaxBodyBytes)
	assert.True(t, cfg.Ingestion.RateLimitFailOpen)
	assert.Equal(t, 20, cfg.Query.DefaultLimit)
	assert.Equal(t, 100, cfg.Query.InteractiveLimit)
	assert.Equal(t, 500, cfg.Query.MaxLimit)
	assert.Equal(t, 64, cfg.Subscribe.BufferSize)
	assert.Equal(t, 15*time.Second, cfg.Subscribe.HeartbeatInterval)
	assert.Equal(t, 45*time.Second, cfg.Subscribe.IdleTimeout)
	assert.False(t, cfg.Usage.Enabled)
	assert.Equal(t, 30*time.Second, cfg.Usage.FlushInterval)
	assert.Equal(t, []string{"*"}, cfg.CORS.AllowedOrigins)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestLoad_FromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broker.yaml")
	content := `
server:
  port: 9090
  public_base_url: https://inbox.example.com
database:
  type: postgres
  postgres:
    host: db.internal
    password: s3cret
redis:
  enabled: true
  url: redis://cache:6379/1
ingestion:
  rate_limit_enabled: true
  rate_limit_requests: 10
  rate_limit_window: 10s
query:
  max_limit: 200
cors:
  allowed_origins:
    - https://dash.example.com
logging:
  level: debug
  format: text
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "https://inbox.example.com", cfg.Server.PublicBaseURL)
	assert.Equal(t, "postgres", cfg.Database.Type)
	assert.Equal(t, "db.internal", cfg.Database.Postgres.Host)
	assert.Equal(t, 5432, cfg.Database.Postgres.Port)
	assert.True(t, cfg.Ingestion.RateLimitEnabled)
	assert.Equal(t, 10*time.Second, cfg.Ingestion.RateLimitWindow)
	assert.Equal(t, 200, cfg.Query.MaxLimit)
	assert.Equal(t, []string{"https://dash.example.com"}, cfg.CORS.AllowedOrigins)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("BROKER_SERVER_PORT", "7070")
	t.Setenv("BROKER_DATABASE_POSTGRES_HOST", "pg.env")
	t.Setenv("BROKER_NATS_ENABLED", "true")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, "pg.env", cfg.Database.Postgres.Host)
	assert.True(t, cfg.NATS.Enabled)
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	t.Chdir(t.TempDir())
	base, err := Load("")
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"bad database type", func(c *Config) { c.Database.Type = "sqlite" }},
		{"bad port", func(c *Config) { c.Server.Port = 0 }},
		{"zero body size", func(c *Config) { c.Ingestion.MaxBodyBytes = 0 }},
		{"rate limit without redis", func(c *Config) { c.Ingestion.RateLimitEnabled = true }},
		{"usage without redis", func(c *Config) { c.Usage.Enabled = true }},
		{"zero usage flush interval", func(c *Config) {
			c.Redis.Enabled = true
			c.Usage.Enabled = true
			c.Usage.FlushInterval = 0
		}},
		{"zero max limit", func(c *Config) { c.Query.MaxLimit = 0 }},
		{"idle timeout below heartbeat", func(c *Config) { c.Subscribe.IdleTimeout = time.Second }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := *base
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
	assert.NoError(t, base.Validate())
}

func TestPostgresConfig_ConnString(t *testing.T) {
	p := PostgresConfig{Host: "db", Port: 5432, Database: "inbox", User: "svc", Password: "p@ss word", SSLMode: "require"}
	assert.Equal(t, "postgres://svc:p%40ss%20word@db:5432/inbox?sslmode=require", p.ConnString())
}
