package config

import (
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"go.uber.org/dig"

	"github.com/davidbz/corebridge/internal/auth"
	"github.com/davidbz/corebridge/internal/observability"
	"github.com/davidbz/corebridge/internal/provider/openai"
	"github.com/davidbz/corebridge/internal/upstream"
)

// Config represents the gateway configuration.
type Config struct {
	Server  ServerConfig
	CORS    CORSConfig
	Gateway GatewayConfig
	Retry   upstream.RetryConfig
	Redis   RedisConfig
	Auth    auth.Config
	Metrics MetricsConfig
	Log     observability.LogConfig
	OpenAI  openai.Config
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port         int `env:"SERVER_PORT"          envDefault:"8080"`
	ReadTimeout  int `env:"SERVER_READ_TIMEOUT"  envDefault:"30"`
	WriteTimeout int `env:"SERVER_WRITE_TIMEOUT" envDefault:"0"`
}

// CORSConfig contains CORS policy settings.
type CORSConfig struct {
	AllowedOrigins   []string `env:"CORS_ALLOWED_ORIGINS"   envSeparator:"," envDefault:"*"`
	AllowedMethods   []string `env:"CORS_ALLOWED_METHODS"   envSeparator:"," envDefault:"GET,POST,OPTIONS"`
	AllowedHeaders   []string `env:"CORS_ALLOWED_HEADERS"   envSeparator:"," envDefault:"Content-Type,Authorization,X-Request-Id"`
	AllowCredentials bool     `env:"CORS_ALLOW_CREDENTIALS"                  envDefault:"true"`
	MaxAge           int      `env:"CORS_MAX_AGE"                            envDefault:"86400"`
}

// GatewayConfig contains engine and upstream transport settings.
type GatewayConfig struct {
	// RoutingPath points at the YAML routing table.
	RoutingPath string `env:"ROUTING_CONFIG_PATH" envDefault:"routing.yaml"`
	// StreamIdleTimeout aborts a stream when the upstream goes quiet.
	StreamIdleTimeout time.Duration `env:"GATEWAY_STREAM_IDLE_TIMEOUT" envDefault:"60s"`
	// UpstreamTimeout bounds connect plus response headers.
	UpstreamTimeout time.Duration `env:"GATEWAY_UPSTREAM_TIMEOUT" envDefault:"60s"`
}

// RedisConfig enables shared round-robin cursors when Addr is set.
type RedisConfig struct {
	Addr     string `env:"REDIS_ADDR"`
	Password string `env:"REDIS_PASSWORD"`
	DB       int    `env:"REDIS_DB"       envDefault:"0"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `env:"METRICS_ENABLED" envDefault:"true"`
	Path    string `env:"METRICS_PATH"    envDefault:"/metrics"`
}

// DepConfig is used for dependency injection with dig.
type DepConfig struct {
	dig.Out
	*ServerConfig
	*CORSConfig
	*GatewayConfig
	*upstream.RetryConfig
	*RedisConfig
	*MetricsConfig
	*observability.LogConfig
	Auth   *auth.Config
	OpenAI *openai.Config
}

// Load loads environment files and parses configuration.
func Load() *Config {
	for _, file := range []string{".env"} {
		_ = godotenv.Load(file)
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		panic(err)
	}

	return &cfg
}

// ParseDependenciesConfig returns pointers to sub-configs for dependency injection.
func ParseDependenciesConfig(cfg *Config) DepConfig {
	return DepConfig{
		dig.Out{},
		&cfg.Server,
		&cfg.CORS,
		&cfg.Gateway,
		&cfg.Retry,
		&cfg.Redis,
		&cfg.Metrics,
		&cfg.Log,
		&cfg.Auth,
		&cfg.OpenAI,
	}
}
