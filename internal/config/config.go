package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// Duration is a time.Duration that unmarshals from JSON strings such as
// "500ms" or "2m" as well as raw nanosecond numbers.
type Duration time.Duration

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch value := v.(type) {
	case float64:
		*d = Duration(time.Duration(value))
	case string:
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", value, err)
		}
		*d = Duration(parsed)
	default:
		return fmt.Errorf("invalid duration value of type %T", v)
	}
	return nil
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Mode selects which token providers are wired into the authentication
// pipeline at bootstrap. The provider set is computed once from config
// and then frozen.
type Mode string

const (
	// ModeLocalIssuer issues and verifies tokens signed with local keys only.
	ModeLocalIssuer Mode = "local-issuer"
	// ModeRemoteOnly verifies externally issued OIDC tokens only.
	ModeRemoteOnly Mode = "remote-only"
	// ModeDual enables both local issuance and remote OIDC verification.
	ModeDual Mode = "dual"
)

// Config holds all configuration for a fleet service built on the
// backend core. Groups mirror the recognised configuration surface:
// auth, retry, cache, breaker, observability, plus infrastructure
// (http, redis, postgres, eventbus).
type Config struct {
	Service       string              `json:"service"`
	HTTP          HTTPConfig          `json:"http"`
	Auth          AuthConfig          `json:"auth"`
	Retry         RetryConfig         `json:"retry"`
	Cache         CacheConfig         `json:"cache"`
	Breaker       BreakerConfig       `json:"breaker"`
	Observability ObservabilityConfig `json:"observability"`
	EventBus      EventBusConfig      `json:"eventbus"`
	Redis         RedisConfig         `json:"redis"`
	Postgres      PostgresConfig      `json:"postgres"`
	LogLevel      string              `json:"logLevel"`
}

// HTTPConfig configures the HTTP listener.
type HTTPConfig struct {
	Addr           string   `json:"addr"`
	ReadTimeout    Duration `json:"readTimeout"`
	WriteTimeout   Duration `json:"writeTimeout"`
	IdleTimeout    Duration `json:"idleTimeout"`
	AllowedOrigins []string `json:"allowedOrigins,omitempty"`
}

// AuthConfig configures token issuance and verification.
type AuthConfig struct {
	LocalIssuerEnabled  bool   `json:"localIssuerEnabled"`
	LocalIssuer         string `json:"localIssuer"`
	HMACSecret          string `json:"hmacSecret,omitempty"`
	LocalPublicKeyPath  string `json:"localPublicKeyPath,omitempty"`
	LocalPrivateKeyPath string `json:"localPrivateKeyPath,omitempty"`

	OIDCEnabled        bool   `json:"oidcEnabled"`
	OIDCIssuerURI      string `json:"oidcIssuerUri,omitempty"`
	OIDCJWKSetURI      string `json:"oidcJwkSetUri,omitempty"`
	OIDCClientID       string `json:"oidcClientId,omitempty"`
	OIDCVerifyAudience bool   `json:"oidcVerifyAudience"`

	ClockSkewSeconds int      `json:"clockSkewSeconds"`
	AccessLifetime   Duration `json:"accessLifetime"`
	RefreshLifetime  Duration `json:"refreshLifetime"`
	JWKCacheTTL      Duration `json:"jwkCacheTtl"`
}

// Mode derives the pipeline mode from the enabled flags.
func (a AuthConfig) Mode() Mode {
	switch {
	case a.LocalIssuerEnabled && a.OIDCEnabled:
		return ModeDual
	case a.OIDCEnabled:
		return ModeRemoteOnly
	default:
		return ModeLocalIssuer
	}
}

// RetryConfig configures the default retry policy for consumer dispatch.
type RetryConfig struct {
	MaxAttempts    int      `json:"maxAttempts"`
	InitialBackoff Duration `json:"initialBackoff"`
	MaxBackoff     Duration `json:"maxBackoff"`
	Multiplier     float64  `json:"multiplier"`
	JitterFactor   float64  `json:"jitterFactor"`
	EnableDLQ      bool     `json:"enableDlq"`
	DLQTopicSuffix string   `json:"dlqTopicSuffix"`
}

// CacheTTL is a pair of per-tier TTLs for one named cache.
type CacheTTL struct {
	L1 Duration `json:"l1"`
	L2 Duration `json:"l2"`
}

// CacheConfig configures the two-tier cache.
type CacheConfig struct {
	Enabled   bool                `json:"enabled"`
	L1MaxSize int                 `json:"l1MaxSize"`
	TTLs      map[string]CacheTTL `json:"ttls,omitempty"`
}

// BreakerConfig configures circuit breakers created by the registry.
type BreakerConfig struct {
	FailureRateThreshold float64  `json:"failureRateThreshold"`
	MinimumCalls         int      `json:"minimumCalls"`
	WindowSize           int      `json:"windowSize"`
	OpenDuration         Duration `json:"openDuration"`
	HalfOpenProbeBudget  int      `json:"halfOpenProbeBudget"`
}

// ObservabilityConfig configures metrics naming and the alert sweep.
type ObservabilityConfig struct {
	MetricsPrefix      string   `json:"metricsPrefix"`
	AlertSweepInterval Duration `json:"alertSweepInterval"`
	MonitoredServices  []string `json:"monitoredServices,omitempty"`
}

// EventBusConfig configures the stream-backed event bus.
type EventBusConfig struct {
	Group        string   `json:"group"`
	Partitions   int      `json:"partitions"`
	ReadBlock    Duration `json:"readBlock"`
	ClaimMinIdle Duration `json:"claimMinIdle"`
}

// RedisConfig configures the shared Redis client used by the L2 cache
// tier, the event bus and the refresh-token revocation list.
type RedisConfig struct {
	Addr        string   `json:"addr"`
	Password    string   `json:"password,omitempty"`
	DB          int      `json:"db"`
	PoolSize    int      `json:"poolSize"`
	DialTimeout Duration `json:"dialTimeout"`
	ReadTimeout Duration `json:"readTimeout"`
}

// PostgresConfig configures the optional durable store. When DSN is
// empty the dead-letter store falls back to its in-memory form.
type PostgresConfig struct {
	DSN string `json:"dsn,omitempty"`
}

// Default returns the configuration with all recognised defaults applied.
func Default() *Config {
	return &Config{
		Service:  "auth-service",
		LogLevel: "info",
		HTTP: HTTPConfig{
			Addr:         ":8080",
			ReadTimeout:  Duration(15 * time.Second),
			WriteTimeout: Duration(30 * time.Second),
			IdleTimeout:  Duration(120 * time.Second),
		},
		Auth: AuthConfig{
			LocalIssuerEnabled: true,
			LocalIssuer:        "backend-core",
			OIDCVerifyAudience: true,
			ClockSkewSeconds:   30,
			AccessLifetime:     Duration(15 * time.Minute),
			RefreshLifetime:    Duration(7 * 24 * time.Hour),
			JWKCacheTTL:        Duration(10 * time.Minute),
		},
		Retry: RetryConfig{
			MaxAttempts:    3,
			InitialBackoff: Duration(time.Second),
			MaxBackoff:     Duration(30 * time.Second),
			Multiplier:     2.0,
			JitterFactor:   0.1,
			EnableDLQ:      true,
			DLQTopicSuffix: ".dlq",
		},
		Cache: CacheConfig{
			Enabled:   true,
			L1MaxSize: 10000,
			TTLs: map[string]CacheTTL{
				"user-info":  {L1: Duration(5 * time.Minute), L2: Duration(10 * time.Minute)},
				"user-by-id": {L1: Duration(10 * time.Minute), L2: Duration(15 * time.Minute)},
				"all-users":  {L1: Duration(2 * time.Minute), L2: Duration(5 * time.Minute)},
				"user-roles": {L1: Duration(15 * time.Minute), L2: Duration(30 * time.Minute)},
			},
		},
		Breaker: BreakerConfig{
			FailureRateThreshold: 0.5,
			MinimumCalls:         10,
			WindowSize:           100,
			OpenDuration:         Duration(30 * time.Second),
			HalfOpenProbeBudget:  3,
		},
		Observability: ObservabilityConfig{
			MetricsPrefix:      "fleet",
			AlertSweepInterval: Duration(30 * time.Second),
		},
		EventBus: EventBusConfig{
			Group:        "core",
			Partitions:   8,
			ReadBlock:    Duration(2 * time.Second),
			ClaimMinIdle: Duration(time.Minute),
		},
		Redis: RedisConfig{
			Addr:        "localhost:6379",
			PoolSize:    20,
			DialTimeout: Duration(2 * time.Second),
			ReadTimeout: Duration(5 * time.Second),
		},
	}
}

// Validate checks the configuration for inconsistencies. It is called by
// the binary after CLI/env overrides are applied, not by Load.
func (c *Config) Validate() error {
	if c.Service == "" {
		return ErrMissingService
	}

	if !c.Auth.LocalIssuerEnabled && !c.Auth.OIDCEnabled {
		return ErrNoAuthProvider
	}
	if c.Auth.LocalIssuerEnabled {
		if c.Auth.HMACSecret == "" && c.Auth.LocalPrivateKeyPath == "" {
			return ErrMissingLocalKeys
		}
	}
	if c.Auth.OIDCEnabled {
		if c.Auth.OIDCIssuerURI == "" {
			return ErrMissingOIDCIssuer
		}
		if c.Auth.OIDCJWKSetURI == "" {
			return ErrMissingJWKSetURI
		}
		if c.Auth.OIDCVerifyAudience && c.Auth.OIDCClientID == "" {
			return ErrMissingOIDCClientID
		}
	}
	if c.Auth.ClockSkewSeconds < 0 {
		return fmt.Errorf("%w: clockSkewSeconds must be >= 0", ErrInvalidValue)
	}

	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("%w: retry.maxAttempts must be >= 1", ErrInvalidValue)
	}
	if c.Retry.Multiplier < 1.0 {
		return fmt.Errorf("%w: retry.multiplier must be >= 1.0", ErrInvalidValue)
	}
	if c.Retry.JitterFactor < 0.0 || c.Retry.JitterFactor > 1.0 {
		return fmt.Errorf("%w: retry.jitterFactor must be in [0.0, 1.0]", ErrInvalidValue)
	}

	if c.Cache.L1MaxSize <= 0 {
		return fmt.Errorf("%w: cache.l1MaxSize must be > 0", ErrInvalidValue)
	}
	for name, ttl := range c.Cache.TTLs {
		if ttl.L1 > ttl.L2 {
			return fmt.Errorf("%w: cache %q has L1 TTL greater than L2 TTL", ErrInvalidValue, name)
		}
	}

	if t := c.Breaker.FailureRateThreshold; t <= 0 || t > 1 {
		return fmt.Errorf("%w: breaker.failureRateThreshold must be in (0.0, 1.0]", ErrInvalidValue)
	}
	if c.Breaker.WindowSize <= 0 || c.Breaker.MinimumCalls <= 0 || c.Breaker.HalfOpenProbeBudget <= 0 {
		return fmt.Errorf("%w: breaker window, minimum calls and probe budget must be > 0", ErrInvalidValue)
	}

	if c.EventBus.Partitions <= 0 {
		return fmt.Errorf("%w: eventbus.partitions must be > 0", ErrInvalidValue)
	}

	return nil
}
