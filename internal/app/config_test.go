package app

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func validConfig() Config {
	return Config{
		Addr:        "0.0.0.0:8080",
		DatabaseURL: "postgres://localhost/kart",
		Engine:      EngineConfig{Stacking: "all"},
		Usage:       UsageConfig{Backend: BackendPostgres},
		CodeIndex:   CodeIndexConfig{Enabled: true, Refresh: time.Minute},
		RateLimit:   RateLimitConfig{Max: 100, Window: time.Minute, Backend: BackendMemory},
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "missing database", mutate: func(c *Config) { c.DatabaseURL = "" }, wantErr: "database URL is required"},
		{name: "bad stacking", mutate: func(c *Config) { c.Engine.Stacking = "greedy" }, wantErr: "unknown stacking policy"},
		{name: "bad usage backend", mutate: func(c *Config) { c.Usage.Backend = "etcd" }, wantErr: "unknown usage backend"},
		{name: "bad rate limit backend", mutate: func(c *Config) { c.RateLimit.Backend = "etcd" }, wantErr: "unknown rate limit backend"},
		{name: "zero refresh", mutate: func(c *Config) { c.CodeIndex.Refresh = 0 }, wantErr: "refresh must be positive"},
		{name: "zero refresh disabled", mutate: func(c *Config) { c.CodeIndex = CodeIndexConfig{} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestApplyPlatformDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://platform/db")
	t.Setenv("PORT", "9090")
	t.Setenv("REDIS_ADDR", "redis:6379")

	cfg := validConfig()
	cfg.DatabaseURL = ""
	cfg.Redis.Addr = "localhost:6379"
	cfg.applyPlatformDefaults()

	assert.Equal(t, "postgres://platform/db", cfg.DatabaseURL)
	assert.Equal(t, "0.0.0.0:9090", cfg.Addr)
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
	assert.False(t, cfg.usesRedis())
}
