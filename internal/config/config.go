// Package config loads and validates all runtime configuration for the
// gateway.
//
// Scalar settings (port, log level, deployment target, Redis, auth,
// control-plane connection) are environment-variable-first, falling back to
// a config.yaml in the working directory — the same precedence the teacher
// used. Router topology (providers, load-balance strategy, cache, rate
// limits, model mapping per router/endpoint) is nested and so is read from
// the YAML file's "routers" section; there is no sane per-field env-var
// encoding for an arbitrarily deep router tree.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

// DeploymentTarget selects which control-plane integration mode the
// gateway runs in.
type DeploymentTarget string

const (
	DeploymentCloud      DeploymentTarget = "cloud"
	DeploymentSidecar    DeploymentTarget = "sidecar"
	DeploymentSelfHosted DeploymentTarget = "self_hosted"
)

// Config is the top-level configuration container.
type Config struct {
	Port     int
	LogLevel string

	DeploymentTarget DeploymentTarget
	Auth             AuthConfig
	Helicone         HeliconeConfig

	Routers map[string]RouterConfig

	Redis RedisConfig
	Cache CacheConfig

	CORSOrigins []string
	AppBaseURL  string
}

// AuthConfig controls inbound request authentication.
type AuthConfig struct {
	// RequireAuth, when false, skips bearer-token checks entirely
	// (self-hosted deployments trusting their network perimeter).
	RequireAuth bool
	// GlobalKey substitutes for the control-plane-managed key set in
	// sidecar/self-hosted deployment modes.
	GlobalKey string
}

// HeliconeConfig configures the control-plane (WebSocket) connection.
type HeliconeConfig struct {
	APIKey             string
	BaseURL            string
	WebsocketURL       string
	EnableControlPlane bool
}

// RedisConfig holds Redis connection configuration, shared by the cache and
// rate limiter.
type RedisConfig struct {
	URL string
}

// CacheConfig controls the response cache.
type CacheConfig struct {
	// Mode selects the cache backend: "redis", "memory", or "none".
	Mode string
	// TTL is loaded from configuration, but the response cache does not
	// read it: a response without an explicit Cache-Control max-age is not
	// stored at all.
	TTL time.Duration
	// Buckets shards cache keys to spread hot fingerprints across
	// multiple storage keys.
	Buckets int

	ExcludeExact    []string
	ExcludePatterns []string
}

// RouterConfig is one configured router: a set of endpoint types, each with
// its own load-balance target set, cache override, rate limit, and model
// mapping.
type RouterConfig struct {
	Endpoints map[string]EndpointConfig
}

// EndpointConfig configures one EndpointType within a router.
type EndpointConfig struct {
	LoadBalance  LoadBalanceConfig
	Cache        *CacheConfig // nil inherits the router/global default
	Retries      int
	RateLimit    *RateLimitConfig
	ModelMapping map[string]string // client model name -> provider-native name
}

// LoadBalanceStrategy selects the balancer algorithm for an endpoint's
// target set.
type LoadBalanceStrategy string

const (
	StrategyP2CPeakEWMA LoadBalanceStrategy = "p2c_peak_ewma"
	StrategyWeighted    LoadBalanceStrategy = "weighted"
)

// LoadBalanceConfig configures one endpoint's target set.
type LoadBalanceConfig struct {
	Strategy LoadBalanceStrategy
	Targets  []TargetConfig
}

// TargetConfig is one provider deployment behind a load-balanced endpoint.
type TargetConfig struct {
	Key       string // stable identifier within the endpoint (discovery key)
	Provider  string // "openai" | "anthropic" | "google" | "ollama" | "bedrock"
	BaseURL   string
	APIKeyEnv string // env var name holding the credential
	Model     string
	Weight    float64 // only meaningful for StrategyWeighted
}

// RateLimitConfig configures GCRA rate limiting for an endpoint.
type RateLimitConfig struct {
	Capacity        int
	RefillFrequency time.Duration
}

// Load reads configuration from environment variables and (optionally)
// config.yaml in the current working directory.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	_ = v.ReadInConfig()

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("PORT", 8080)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("DEPLOYMENT_TARGET", string(DeploymentCloud))
	v.SetDefault("REQUIRE_AUTH", true)
	v.SetDefault("CACHE_MODE", "memory")
	v.SetDefault("CACHE_TTL", "1h")
	v.SetDefault("CACHE_BUCKETS", 16)
	v.SetDefault("CORS_ORIGINS", []string{"*"})
	v.SetDefault("HELICONE_ENABLE_CONTROL_PLANE", false)

	var routers map[string]RouterConfig
	if err := v.UnmarshalKey("routers", &routers); err != nil {
		return nil, fmt.Errorf("config: parsing routers: %w", err)
	}

	cfg := &Config{
		Port:     v.GetInt("PORT"),
		LogLevel: strings.ToLower(v.GetString("LOG_LEVEL")),

		DeploymentTarget: DeploymentTarget(v.GetString("DEPLOYMENT_TARGET")),
		Auth: AuthConfig{
			RequireAuth: v.GetBool("REQUIRE_AUTH"),
			GlobalKey:   v.GetString("GLOBAL_API_KEY"),
		},
		Helicone: HeliconeConfig{
			APIKey:             v.GetString("HELICONE_API_KEY"),
			BaseURL:            v.GetString("HELICONE_BASE_URL"),
			WebsocketURL:       v.GetString("HELICONE_WEBSOCKET_URL"),
			EnableControlPlane: v.GetBool("HELICONE_ENABLE_CONTROL_PLANE"),
		},

		Routers: routers,

		Redis: RedisConfig{URL: v.GetString("REDIS_URL")},
		Cache: CacheConfig{
			Mode:            strings.ToLower(v.GetString("CACHE_MODE")),
			TTL:             v.GetDuration("CACHE_TTL"),
			Buckets:         v.GetInt("CACHE_BUCKETS"),
			ExcludeExact:    v.GetStringSlice("CACHE_EXCLUDE_EXACT"),
			ExcludePatterns: v.GetStringSlice("CACHE_EXCLUDE_PATTERNS"),
		},

		CORSOrigins: v.GetStringSlice("CORS_ORIGINS"),
		AppBaseURL:  v.GetString("APP_BASE_URL"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.DeploymentTarget {
	case DeploymentCloud, DeploymentSidecar, DeploymentSelfHosted:
	default:
		return fmt.Errorf("config: invalid DEPLOYMENT_TARGET %q", c.DeploymentTarget)
	}

	switch c.Cache.Mode {
	case "redis", "memory", "none":
	default:
		return fmt.Errorf("config: invalid CACHE_MODE %q; must be one of: redis, memory, none", c.Cache.Mode)
	}
	if c.Cache.Mode == "redis" && c.Redis.URL == "" {
		return fmt.Errorf("config: REDIS_URL is required when CACHE_MODE=redis")
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: invalid LOG_LEVEL %q", c.LogLevel)
	}

	if (c.DeploymentTarget == DeploymentSidecar || c.DeploymentTarget == DeploymentSelfHosted) && c.Auth.RequireAuth && c.Auth.GlobalKey == "" && !c.Helicone.EnableControlPlane {
		return fmt.Errorf("config: GLOBAL_API_KEY is required in %s mode when REQUIRE_AUTH=true and the control plane is disabled", c.DeploymentTarget)
	}

	for routerID, rc := range c.Routers {
		for epType, ec := range rc.Endpoints {
			if err := validateLoadBalance(routerID, epType, ec.LoadBalance); err != nil {
				return err
			}
		}
	}

	return nil
}

func validateLoadBalance(routerID, endpointType string, lb LoadBalanceConfig) error {
	if len(lb.Targets) == 0 {
		return fmt.Errorf("config: router %q endpoint %q has no load-balance targets", routerID, endpointType)
	}
	if lb.Strategy != StrategyWeighted {
		return nil
	}
	sum := decimal.Zero
	for _, t := range lb.Targets {
		sum = sum.Add(decimal.NewFromFloat(t.Weight))
	}
	if !sum.Equal(decimal.NewFromInt(1)) {
		return fmt.Errorf("config: router %q endpoint %q weighted targets must sum to 1, got %s", routerID, endpointType, sum.String())
	}
	return nil
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}
