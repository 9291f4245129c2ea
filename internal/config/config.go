// Package config provides configuration management for the gateway.
// It handles loading and parsing YAML configuration files, and provides
// structured access to application settings including server port, Redis and
// database connections, circuit-breaker tuning, and guard behavior.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application's configuration, loaded from a YAML file.
// Tenant data (users, keys, providers) lives in the database; this file holds
// only process-level settings.
type Config struct {
	// Port is the network port on which the API server will listen.
	Port int `yaml:"port"`

	// Debug enables or disables debug-level logging and other debug features.
	Debug bool `yaml:"debug"`

	// LoggingToFile routes logs to rotating files instead of stdout.
	LoggingToFile bool `yaml:"logging-to-file"`

	// MaxBodySize caps the buffered client request body in bytes.
	MaxBodySize int64 `yaml:"max-body-size"`

	// RequestRetry defines how many providers may be tried for one request
	// before giving up.
	RequestRetry int `yaml:"request-retry"`

	// Redis holds connection settings for the hot-path store.
	Redis RedisConfig `yaml:"redis"`

	// Database holds the Postgres connection settings.
	Database DatabaseConfig `yaml:"database"`

	// Warmup enables local interception of Anthropic warmup probes.
	Warmup WarmupConfig `yaml:"warmup"`

	// SensitiveWords lists patterns rejected before any upstream send.
	SensitiveWords []string `yaml:"sensitive-words"`

	// SensitiveMessage is the rejection text returned on a sensitive-word
	// match.
	SensitiveMessage string `yaml:"sensitive-message"`

	// CircuitBreaker tunes the per-provider breaker.
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit-breaker"`

	// AgentPool tunes the upstream dispatcher cache.
	AgentPool AgentPoolConfig `yaml:"agent-pool"`

	// ProviderDefaults fills provider fields left empty in the database.
	ProviderDefaults ProviderDefaults `yaml:"provider-defaults"`

	// BillingModelSource picks which model name the price lookup tries
	// first: "original" (pre-redirect) or "redirected" (as sent upstream).
	BillingModelSource string `yaml:"billing-model-source"`

	// RegistryRefreshSeconds is the interval between provider list reloads
	// from the database. Zero keeps the default of 30 seconds.
	RegistryRefreshSeconds int `yaml:"registry-refresh-seconds"`
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	// Addr is the host:port of the Redis server.
	Addr string `yaml:"addr"`

	// Password authenticates against the Redis server; empty disables auth.
	Password string `yaml:"password"`

	// DB selects the Redis logical database.
	DB int `yaml:"db"`
}

// DatabaseConfig holds the SQL connection settings.
type DatabaseConfig struct {
	// DSN is the lib/pq connection string.
	DSN string `yaml:"dsn"`

	// MaxOpenConns caps the connection pool. Zero keeps the driver default.
	MaxOpenConns int `yaml:"max-open-conns"`

	// MaxIdleConns caps idle pooled connections.
	MaxIdleConns int `yaml:"max-idle-conns"`
}

// WarmupConfig controls the warmup guard.
type WarmupConfig struct {
	// Enabled turns on local interception of Anthropic warmup probes.
	Enabled bool `yaml:"enabled"`
}

// CircuitBreakerConfig tunes the per-provider circuit breaker.
type CircuitBreakerConfig struct {
	// FailureThreshold is the failure count that opens the circuit.
	FailureThreshold int `yaml:"failure-threshold"`

	// FailureWindowSeconds is how far back failures count toward the threshold.
	FailureWindowSeconds int `yaml:"failure-window-seconds"`

	// CooldownSeconds is how long an open circuit rejects before half-open.
	CooldownSeconds int `yaml:"cooldown-seconds"`

	// HalfOpenSuccesses is the success count that closes a half-open circuit.
	HalfOpenSuccesses int `yaml:"half-open-successes"`
}

// AgentPoolConfig tunes the upstream dispatcher cache.
type AgentPoolConfig struct {
	// MaxTotalAgents caps the number of cached dispatchers. Zero keeps 100.
	MaxTotalAgents int `yaml:"max-total-agents"`

	// TTLSeconds evicts dispatchers unused for this long. Zero keeps 300.
	TTLSeconds int `yaml:"ttl-seconds"`
}

// ProviderDefaults fills provider fields left empty in the database.
type ProviderDefaults struct {
	// StreamingIdleTimeoutMs aborts a stream after this long without a chunk.
	StreamingIdleTimeoutMs int `yaml:"streaming-idle-timeout-ms"`

	// RequestTimeoutNonStreamingMs bounds a whole non-streaming request.
	RequestTimeoutNonStreamingMs int `yaml:"request-timeout-non-streaming-ms"`
}

// LoadConfig reads a YAML configuration file from the given path,
// unmarshals it into a Config struct, applies defaults, and returns it.
//
// Parameters:
//   - configFile: The path to the YAML configuration file
//
// Returns:
//   - *Config: The loaded configuration
//   - error: An error if the configuration could not be loaded
func LoadConfig(configFile string) (*Config, error) {
	data, err := os.ReadFile(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err = yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyDefaults()
	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.Port == 0 {
		c.Port = 8317
	}
	if c.MaxBodySize == 0 {
		c.MaxBodySize = 50 << 20
	}
	if c.RequestRetry == 0 {
		c.RequestRetry = 3
	}
	if c.SensitiveMessage == "" {
		c.SensitiveMessage = "request contains restricted content"
	}
	if c.CircuitBreaker.FailureThreshold == 0 {
		c.CircuitBreaker.FailureThreshold = 5
	}
	if c.CircuitBreaker.FailureWindowSeconds == 0 {
		c.CircuitBreaker.FailureWindowSeconds = 60
	}
	if c.CircuitBreaker.CooldownSeconds == 0 {
		c.CircuitBreaker.CooldownSeconds = 300
	}
	if c.CircuitBreaker.HalfOpenSuccesses == 0 {
		c.CircuitBreaker.HalfOpenSuccesses = 2
	}
	if c.AgentPool.MaxTotalAgents == 0 {
		c.AgentPool.MaxTotalAgents = 100
	}
	if c.AgentPool.TTLSeconds == 0 {
		c.AgentPool.TTLSeconds = 300
	}
	if c.ProviderDefaults.StreamingIdleTimeoutMs == 0 {
		c.ProviderDefaults.StreamingIdleTimeoutMs = 60000
	}
	if c.ProviderDefaults.RequestTimeoutNonStreamingMs == 0 {
		c.ProviderDefaults.RequestTimeoutNonStreamingMs = 600000
	}
	if c.BillingModelSource == "" {
		c.BillingModelSource = "original"
	}
	if c.RegistryRefreshSeconds == 0 {
		c.RegistryRefreshSeconds = 5
	}
}

// RegistryRefresh returns the provider reload interval as a duration.
func (c *Config) RegistryRefresh() time.Duration {
	return time.Duration(c.RegistryRefreshSeconds) * time.Second
}
