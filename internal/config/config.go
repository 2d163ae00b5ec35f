// Package config loads process configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/mealmate/mealmate-mcp/storage/redis"
)

const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

type Config struct {
	Port    int    `env:"PORT,default=8000"`
	BaseURL string `env:"BASE_URL,default=http://localhost:8000"`

	LegacySSE bool          `env:"MCP_LEGACY_SSE,default=true"`
	KeepAlive time.Duration `env:"MCP_KEEPALIVE_INTERVAL,default=25s"`

	WidgetAssetsDir string `env:"WIDGET_ASSETS_DIR"`
	WidgetWatch     bool   `env:"WIDGET_WATCH,default=true"`

	StoreBackend string `env:"STORE_BACKEND,default=memory"`
	Redis        redis.Config

	// JWT validation is enabled when AuthIssuer is set. AuthAudience
	// defaults to BASE_URL/mcp.
	AuthIssuer   string `env:"AUTH_ISSUER"`
	AuthAudience string `env:"AUTH_AUDIENCE"`
	AuthJWKSURL  string `env:"AUTH_JWKS_URL"`

	LogLevel        string        `env:"LOG_LEVEL,default=info"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT,default=10s"`
}

// Load decodes the environment and validates the result.
func Load() (*Config, error) {
	var c Config
	if err := envdecode.Decode(&c); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("PORT %d out of range", c.Port))
	}
	if c.KeepAlive <= 0 {
		errs = append(errs, errors.New("MCP_KEEPALIVE_INTERVAL must be positive"))
	}
	if c.ShutdownTimeout <= 0 {
		errs = append(errs, errors.New("SHUTDOWN_TIMEOUT must be positive"))
	}
	switch c.StoreBackend {
	case BackendMemory, BackendRedis:
	default:
		errs = append(errs, fmt.Errorf("STORE_BACKEND %q: want %s or %s", c.StoreBackend, BackendMemory, BackendRedis))
	}
	if _, err := c.Level(); err != nil {
		errs = append(errs, err)
	}
	if c.AuthJWKSURL != "" && c.AuthIssuer == "" {
		errs = append(errs, errors.New("AUTH_JWKS_URL requires AUTH_ISSUER"))
	}
	return errors.Join(errs...)
}

// Level parses LogLevel.
func (c *Config) Level() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.ToUpper(c.LogLevel))); err != nil {
		return 0, fmt.Errorf("LOG_LEVEL %q: %w", c.LogLevel, err)
	}
	return l, nil
}

// Audience is the expected "aud" of access tokens.
func (c *Config) Audience() string {
	if c.AuthAudience != "" {
		return c.AuthAudience
	}
	return strings.TrimSuffix(c.BaseURL, "/") + "/mcp"
}

func (c *Config) Addr() string { return fmt.Sprintf(":%d", c.Port) }
