package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the application configuration
type Config struct {
	Server    ServerConfig    `json:"server"`
	Providers ProvidersConfig `json:"providers"`
	Breaker   BreakerConfig   `json:"breaker"`
	RateLimit RateLimitConfig `json:"rate_limit"`
	Pool      PoolConfig      `json:"pool"`
	Auth      AuthConfig      `json:"auth"`
	Logging   LoggingConfig   `json:"logging"`
	Tracing   TracingConfig   `json:"tracing"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Host         string        `json:"host"`
	Port         int           `json:"port"`
	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
	IdleTimeout  time.Duration `json:"idle_timeout"`
}

// ProviderSpec describes one upstream RPC endpoint.
type ProviderSpec struct {
	Name     string `json:"name"`
	URL      string `json:"url"`
	Priority int    `json:"priority"`
	Weight   int    `json:"weight"`
	Capacity int    `json:"capacity"`
}

// ProvidersConfig contains upstream provider configuration
type ProvidersConfig struct {
	Endpoints           []ProviderSpec `json:"endpoints"`
	Strategy            string         `json:"strategy"`
	HealthCheckInterval time.Duration  `json:"health_check_interval"`
	MaxRetries          int            `json:"max_retries"`
	BaseRetryDelay      time.Duration  `json:"base_retry_delay"`
	MaxRetryDelay       time.Duration  `json:"max_retry_delay"`
	JitterFactor        float64        `json:"jitter_factor"`
	RequestsPerMinute   int            `json:"requests_per_minute"`
}

// BreakerConfig contains circuit breaker thresholds
type BreakerConfig struct {
	FailureThreshold         int           `json:"failure_threshold"`
	RecoveryTimeout          time.Duration `json:"recovery_timeout"`
	HalfOpenMaxCalls         int           `json:"half_open_max_calls"`
	HalfOpenSuccessThreshold int           `json:"half_open_success_threshold"`
	CallTimeout              time.Duration `json:"call_timeout"`
}

// RateLimitConfig contains rate limiter configuration
type RateLimitConfig struct {
	DefaultLimit     int                `json:"default_limit"`
	Burst            int                `json:"burst"`
	Window           time.Duration      `json:"window"`
	GlobalLimit      int                `json:"global_limit"`
	TierMultipliers  map[string]float64 `json:"tier_multipliers"`
	TrustedIPs       []string           `json:"trusted_ips"`
	TrustedAPIKeys   []string           `json:"trusted_api_keys"`
	IPWhitelist      []string           `json:"ip_whitelist"`
	IPBlacklist      []string           `json:"ip_blacklist"`
	GeoRestrictions  map[string]bool    `json:"geo_restrictions"`
	AdaptiveInterval time.Duration      `json:"adaptive_interval"`
}

// PoolConfig contains connection pool sizing parameters
type PoolConfig struct {
	MinConnections           int           `json:"min_connections"`
	MaxConnections           int           `json:"max_connections"`
	MaxRequestsPerConnection int           `json:"max_requests_per_connection"`
	ConnectionTimeout        time.Duration `json:"connection_timeout"`
	ConnectionTTL            time.Duration `json:"connection_ttl"`
	QueueTimeout             time.Duration `json:"queue_timeout"`
	QueueSize                int           `json:"queue_size"`
	HealthCheckInterval      time.Duration `json:"health_check_interval"`
}

// AuthConfig contains gateway authentication configuration
type AuthConfig struct {
	JWTSecret string `json:"jwt_secret"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
	Output string `json:"output"`
}

// TracingConfig contains distributed tracing configuration
type TracingConfig struct {
	Enabled        bool    `json:"enabled"`
	JaegerEndpoint string  `json:"jaeger_endpoint"`
	SamplingRate   float64 `json:"sampling_rate"`
}

// Load loads configuration from environment variables with sensible defaults
func Load() (*Config, error) {
	config := &Config{
		Server: ServerConfig{
			Host:         getEnvString("SERVER_HOST", "0.0.0.0"),
			Port:         getEnvInt("SERVER_PORT", 8080),
			ReadTimeout:  getEnvDuration("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout: getEnvDuration("SERVER_WRITE_TIMEOUT", 30*time.Second),
			IdleTimeout:  getEnvDuration("SERVER_IDLE_TIMEOUT", 120*time.Second),
		},
		Providers: ProvidersConfig{
			Endpoints:           parseProviderSpecs(getEnvString("RPC_PROVIDERS", "")),
			Strategy:            getEnvString("RPC_STRATEGY", "priority"),
			HealthCheckInterval: getEnvDuration("RPC_HEALTH_CHECK_INTERVAL", 30*time.Second),
			MaxRetries:          getEnvInt("RPC_MAX_RETRIES", 3),
			BaseRetryDelay:      getEnvDuration("RPC_BASE_RETRY_DELAY", 500*time.Millisecond),
			MaxRetryDelay:       getEnvDuration("RPC_MAX_RETRY_DELAY", 10*time.Second),
			JitterFactor:        getEnvFloat("RPC_JITTER_FACTOR", 0.2),
			RequestsPerMinute:   getEnvInt("RPC_REQUESTS_PER_MINUTE", 50),
		},
		Breaker: BreakerConfig{
			FailureThreshold:         getEnvInt("BREAKER_FAILURE_THRESHOLD", 5),
			RecoveryTimeout:          getEnvDuration("BREAKER_RECOVERY_TIMEOUT", 30*time.Second),
			HalfOpenMaxCalls:         getEnvInt("BREAKER_HALF_OPEN_MAX_CALLS", 3),
			HalfOpenSuccessThreshold: getEnvInt("BREAKER_HALF_OPEN_SUCCESS_THRESHOLD", 2),
			CallTimeout:              getEnvDuration("BREAKER_CALL_TIMEOUT", 10*time.Second),
		},
		RateLimit: RateLimitConfig{
			DefaultLimit: getEnvInt("RATE_LIMIT_DEFAULT", 60),
			Burst:        getEnvInt("RATE_LIMIT_BURST", 10),
			Window:       getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),
			GlobalLimit:  getEnvInt("RATE_LIMIT_GLOBAL", 10000),
			TierMultipliers: map[string]float64{
				"basic":      1.0,
				"premium":    3.0,
				"enterprise": 10.0,
			},
			TrustedIPs:       getEnvStringSlice("RATE_LIMIT_TRUSTED_IPS"),
			TrustedAPIKeys:   getEnvStringSlice("RATE_LIMIT_TRUSTED_API_KEYS"),
			IPWhitelist:      getEnvStringSlice("RATE_LIMIT_IP_WHITELIST"),
			IPBlacklist:      getEnvStringSlice("RATE_LIMIT_IP_BLACKLIST"),
			GeoRestrictions:  parseGeoRestrictions(getEnvString("RATE_LIMIT_GEO_RESTRICTIONS", "")),
			AdaptiveInterval: getEnvDuration("RATE_LIMIT_ADAPTIVE_INTERVAL", time.Minute),
		},
		Pool: PoolConfig{
			MinConnections:           getEnvInt("POOL_MIN_CONNECTIONS", 2),
			MaxConnections:           getEnvInt("POOL_MAX_CONNECTIONS", 10),
			MaxRequestsPerConnection: getEnvInt("POOL_MAX_REQUESTS_PER_CONNECTION", 1000),
			ConnectionTimeout:        getEnvDuration("POOL_CONNECTION_TIMEOUT", 30*time.Second),
			ConnectionTTL:            getEnvDuration("POOL_CONNECTION_TTL", time.Hour),
			QueueTimeout:             getEnvDuration("POOL_QUEUE_TIMEOUT", 30*time.Second),
			QueueSize:                getEnvInt("POOL_QUEUE_SIZE", 256),
			HealthCheckInterval:      getEnvDuration("POOL_HEALTH_CHECK_INTERVAL", 5*time.Minute),
		},
		Auth: AuthConfig{
			JWTSecret: getEnvString("JWT_SECRET", ""),
		},
		Logging: LoggingConfig{
			Level:  getEnvString("LOG_LEVEL", "info"),
			Format: getEnvString("LOG_FORMAT", "json"),
			Output: getEnvString("LOG_OUTPUT", "stdout"),
		},
		Tracing: TracingConfig{
			Enabled:        getEnvBool("TRACING_ENABLED", false),
			JaegerEndpoint: getEnvString("JAEGER_ENDPOINT", "http://localhost:14268/api/traces"),
			SamplingRate:   getEnvFloat("TRACING_SAMPLING_RATE", 1.0),
		},
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if len(c.Providers.Endpoints) == 0 {
		return fmt.Errorf("at least one RPC provider is required (RPC_PROVIDERS)")
	}
	for _, p := range c.Providers.Endpoints {
		if p.URL == "" {
			return fmt.Errorf("provider %q has no URL", p.Name)
		}
		if p.Capacity <= 0 {
			return fmt.Errorf("provider %q must have positive capacity", p.Name)
		}
	}
	if c.Pool.MinConnections > c.Pool.MaxConnections {
		return fmt.Errorf("pool min_connections (%d) exceeds max_connections (%d)",
			c.Pool.MinConnections, c.Pool.MaxConnections)
	}
	if c.RateLimit.DefaultLimit <= 0 {
		return fmt.Errorf("rate limit default must be positive")
	}
	return nil
}

// parseProviderSpecs parses "name|url|priority|weight|capacity" entries
// separated by commas. Priority, weight, and capacity are optional.
func parseProviderSpecs(raw string) []ProviderSpec {
	if raw == "" {
		return nil
	}

	var specs []ProviderSpec
	for i, entry := range strings.Split(raw, ",") {
		parts := strings.Split(strings.TrimSpace(entry), "|")
		if len(parts) < 2 || parts[1] == "" {
			continue
		}
		spec := ProviderSpec{
			Name:     parts[0],
			URL:      parts[1],
			Priority: i + 1,
			Weight:   1,
			Capacity: 50,
		}
		if len(parts) > 2 {
			if v, err := strconv.Atoi(parts[2]); err == nil {
				spec.Priority = v
			}
		}
		if len(parts) > 3 {
			if v, err := strconv.Atoi(parts[3]); err == nil {
				spec.Weight = v
			}
		}
		if len(parts) > 4 {
			if v, err := strconv.Atoi(parts[4]); err == nil {
				spec.Capacity = v
			}
		}
		specs = append(specs, spec)
	}
	return specs
}

// parseGeoRestrictions parses "US:true,KP:false" style entries.
func parseGeoRestrictions(raw string) map[string]bool {
	restrictions := make(map[string]bool)
	if raw == "" {
		return restrictions
	}
	for _, entry := range strings.Split(raw, ",") {
		parts := strings.SplitN(strings.TrimSpace(entry), ":", 2)
		if len(parts) != 2 {
			continue
		}
		allowed, err := strconv.ParseBool(parts[1])
		if err != nil {
			continue
		}
		restrictions[strings.ToUpper(parts[0])] = allowed
	}
	return restrictions
}

// Helper functions for environment variable parsing
func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvStringSlice(key string) []string {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	var out []string
	for _, v := range strings.Split(value, ",") {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
