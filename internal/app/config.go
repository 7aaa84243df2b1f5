package app

import (
	"os"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigyaml"
	"github.com/go-faster/errors"

	"github.com/xenking/kart-discounts/internal/domain/pricing"
)

// Usage backends.
const (
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
	BackendMemory   = "memory"
)

// Config holds the complete application configuration, loadable from
// environment variables (KART_ prefix), flags, or YAML config files.
type Config struct {
	Addr         string `default:"0.0.0.0:8080" usage:"API server listen address"`
	DatabaseURL  string `usage:"PostgreSQL connection URL (KART_DATABASE_URL or DATABASE_URL)" flag:"database-url"`
	APIKeyPepper string `usage:"HMAC pepper for API key hashing (KART_API_KEY_PEPPER)" flag:"api-key-pepper"`
	Engine       EngineConfig
	Usage        UsageConfig
	Redis        RedisConfig
	CodeIndex    CodeIndexConfig
	RateLimit    RateLimitConfig
	CORS         CORSConfig
	Graceful     GracefulConfig
}

// EngineConfig selects the rule evaluation policies.
type EngineConfig struct {
	Stacking                string `default:"all" usage:"Stacking policy: all, first_then_stackable or stackable_only"`
	RequireCouponCode       bool   `default:"false" usage:"Only apply coupons whose code is in the request" flag:"require-coupon-code"`
	EnforcePerCustomerLimit bool   `default:"false" usage:"Check max uses per customer" flag:"enforce-per-customer-limit"`
	EnforceFirstOrderOnly   bool   `default:"false" usage:"Check first-order-only coupons against order history" flag:"enforce-first-order-only"`
}

// UsageConfig selects where redemptions are counted.
type UsageConfig struct {
	Backend string `default:"postgres" usage:"Usage counter backend: postgres or redis"`
}

// RedisConfig is used by the redis usage and rate limit backends.
type RedisConfig struct {
	Addr     string `default:"localhost:6379" usage:"Redis address"`
	Password string `usage:"Redis password"`
	DB       int    `default:"0" usage:"Redis database"`
	Prefix   string `default:"kart" usage:"Redis key prefix"`
}

// CodeIndexConfig sizes the in-memory coupon code filter.
type CodeIndexConfig struct {
	Enabled  bool          `default:"true" usage:"Reject unknown codes without a database lookup"`
	Refresh  time.Duration `default:"1m" usage:"Code index rebuild interval"`
	Capacity uint          `default:"100000" usage:"Expected number of codes"`
	FPR      float64       `default:"0.001" usage:"Target false positive rate"`
}

// RateLimitConfig controls the per-client sliding window rate limiter.
type RateLimitConfig struct {
	Max     int           `default:"100" usage:"Max requests per window"`
	Window  time.Duration `default:"1m"  usage:"Rate limit window duration"`
	Backend string        `default:"memory" usage:"Rate limit backend: memory or redis"`
}

// CORSConfig controls Cross-Origin Resource Sharing headers.
type CORSConfig struct {
	Origins          []string `default:"*" usage:"Allowed CORS origins"`
	AllowCredentials bool     `default:"false" usage:"Allow credentials (cookies, auth headers)" flag:"cors-credentials"`
}

// GracefulConfig controls graceful shutdown timing.
type GracefulConfig struct {
	ReadinessDelay  time.Duration `default:"3s"  usage:"Delay after readiness=false before shutdown" flag:"readiness-delay"`
	ShutdownTimeout time.Duration `default:"15s" usage:"Maximum shutdown duration" flag:"shutdown-timeout"`
}

// LoadConfig loads configuration from environment variables and YAML config
// files, then validates it.
func LoadConfig() (*Config, error) {
	var cfg Config
	loader := aconfig.LoaderFor(&cfg, aconfig.Config{
		EnvPrefix: "KART",
		Files:     []string{"config.yaml", "/etc/kart/config.yaml"},
		FileDecoders: map[string]aconfig.FileDecoder{
			".yaml": aconfigyaml.New(),
		},
	})
	if err := loader.Load(); err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	cfg.applyPlatformDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return errors.New("database URL is required: set KART_DATABASE_URL or DATABASE_URL")
	}
	if _, err := pricing.ParseStackingPolicy(c.Engine.Stacking); err != nil {
		return errors.Wrap(err, "engine")
	}
	switch c.Usage.Backend {
	case BackendPostgres, BackendRedis:
	default:
		return errors.Errorf("unknown usage backend %q", c.Usage.Backend)
	}
	switch c.RateLimit.Backend {
	case BackendMemory, BackendRedis:
	default:
		return errors.Errorf("unknown rate limit backend %q", c.RateLimit.Backend)
	}
	if c.CodeIndex.Enabled && c.CodeIndex.Refresh <= 0 {
		return errors.New("code index refresh must be positive")
	}
	return nil
}

// usesRedis reports whether any component needs a Redis client.
func (c *Config) usesRedis() bool {
	return c.Usage.Backend == BackendRedis || c.RateLimit.Backend == BackendRedis
}

// applyPlatformDefaults maps platform-provided environment variables (Railway,
// Render, etc.) that use standard names like DATABASE_URL and PORT to the
// application's KART_-prefixed configuration.
func (c *Config) applyPlatformDefaults() {
	if c.DatabaseURL == "" {
		if v := os.Getenv("DATABASE_URL"); v != "" {
			c.DatabaseURL = v
		}
	}
	if c.Redis.Addr == "localhost:6379" {
		if v := os.Getenv("REDIS_ADDR"); v != "" {
			c.Redis.Addr = v
		}
	}
	if port := os.Getenv("PORT"); port != "" && c.Addr == "0.0.0.0:8080" {
		c.Addr = "0.0.0.0:" + port
	}
}
