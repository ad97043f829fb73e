package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Load loads configuration from an optional JSON file and applies
// environment variable overrides. Validation is deferred so the caller
// can apply CLI flag overrides first.
func Load(configPath string) (*Config, error) {
	cfg := Default()

	if configPath != "" {
		fileCfg, err := loadFromFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
		cfg = fileCfg
	}

	applyEnvironmentOverrides(cfg)

	return cfg, nil
}

// LoadFromEnvironment builds configuration from defaults and environment
// variables only. Useful for containerised deployments without files.
func LoadFromEnvironment() *Config {
	cfg := Default()
	applyEnvironmentOverrides(cfg)
	return cfg
}

// loadFromFile loads configuration from a JSON file, layered on defaults
// so absent groups keep their recognised default values.
func loadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrConfigFileNotFound
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfigFormat, err)
	}

	return cfg, nil
}

// applyEnvironmentOverrides applies configuration from environment
// variables. Each recognised key is overridden by its uppercase
// underscore-separated form, e.g. auth.oidc-issuer-uri by
// AUTH_OIDC_ISSUER_URI.
func applyEnvironmentOverrides(cfg *Config) {
	envStr("SERVICE_NAME", &cfg.Service)
	envStr("LOG_LEVEL", &cfg.LogLevel)

	// http
	envStr("HTTP_ADDR", &cfg.HTTP.Addr)
	if origins := os.Getenv("HTTP_ALLOWED_ORIGINS"); origins != "" {
		cfg.HTTP.AllowedOrigins = splitAndTrim(origins)
	}

	// auth
	envBool("AUTH_LOCAL_ISSUER_ENABLED", &cfg.Auth.LocalIssuerEnabled)
	envStr("AUTH_LOCAL_ISSUER", &cfg.Auth.LocalIssuer)
	envStr("AUTH_HMAC_SECRET", &cfg.Auth.HMACSecret)
	envStr("AUTH_LOCAL_PUBLIC_KEY_PATH", &cfg.Auth.LocalPublicKeyPath)
	envStr("AUTH_LOCAL_PRIVATE_KEY_PATH", &cfg.Auth.LocalPrivateKeyPath)
	envBool("AUTH_OIDC_ENABLED", &cfg.Auth.OIDCEnabled)
	envStr("AUTH_OIDC_ISSUER_URI", &cfg.Auth.OIDCIssuerURI)
	envStr("AUTH_OIDC_JWK_SET_URI", &cfg.Auth.OIDCJWKSetURI)
	envStr("AUTH_OIDC_CLIENT_ID", &cfg.Auth.OIDCClientID)
	envBool("AUTH_OIDC_VERIFY_AUDIENCE", &cfg.Auth.OIDCVerifyAudience)
	envInt("AUTH_CLOCK_SKEW_SECONDS", &cfg.Auth.ClockSkewSeconds)
	envDur("AUTH_ACCESS_LIFETIME", &cfg.Auth.AccessLifetime)
	envDur("AUTH_REFRESH_LIFETIME", &cfg.Auth.RefreshLifetime)

	// retry
	envInt("RETRY_MAX_ATTEMPTS", &cfg.Retry.MaxAttempts)
	envDur("RETRY_INITIAL_BACKOFF", &cfg.Retry.InitialBackoff)
	envDur("RETRY_MAX_BACKOFF", &cfg.Retry.MaxBackoff)
	envFloat("RETRY_MULTIPLIER", &cfg.Retry.Multiplier)
	envFloat("RETRY_JITTER_FACTOR", &cfg.Retry.JitterFactor)
	envBool("RETRY_ENABLE_DLQ", &cfg.Retry.EnableDLQ)
	envStr("RETRY_DLQ_TOPIC_SUFFIX", &cfg.Retry.DLQTopicSuffix)

	// cache
	envBool("CACHE_ENABLED", &cfg.Cache.Enabled)
	envInt("CACHE_L1_MAX_SIZE", &cfg.Cache.L1MaxSize)

	// breaker
	envFloat("BREAKER_FAILURE_RATE_THRESHOLD", &cfg.Breaker.FailureRateThreshold)
	envInt("BREAKER_MINIMUM_CALLS", &cfg.Breaker.MinimumCalls)
	envInt("BREAKER_WINDOW_SIZE", &cfg.Breaker.WindowSize)
	envDur("BREAKER_OPEN_DURATION", &cfg.Breaker.OpenDuration)
	envInt("BREAKER_HALF_OPEN_PROBE_BUDGET", &cfg.Breaker.HalfOpenProbeBudget)

	// observability
	envStr("OBSERVABILITY_METRICS_PREFIX", &cfg.Observability.MetricsPrefix)
	envDur("OBSERVABILITY_ALERT_SWEEP_INTERVAL", &cfg.Observability.AlertSweepInterval)
	if services := os.Getenv("OBSERVABILITY_MONITORED_SERVICES"); services != "" {
		cfg.Observability.MonitoredServices = splitAndTrim(services)
	}

	// eventbus
	envStr("EVENTBUS_GROUP", &cfg.EventBus.Group)
	envInt("EVENTBUS_PARTITIONS", &cfg.EventBus.Partitions)

	// infrastructure
	envStr("REDIS_ADDR", &cfg.Redis.Addr)
	envStr("REDIS_PASSWORD", &cfg.Redis.Password)
	envInt("REDIS_DB", &cfg.Redis.DB)
	envStr("POSTGRES_DSN", &cfg.Postgres.DSN)
}

func envStr(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envBool(key string, dst *bool) {
	switch os.Getenv(key) {
	case "true", "1":
		*dst = true
	case "false", "0":
		*dst = false
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envFloat(key string, dst *float64) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func envDur(key string, dst *Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = Duration(d)
		}
	}
}

func splitAndTrim(csv string) []string {
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
