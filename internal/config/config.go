package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config represents the application configuration
type Config struct {
	Environment string
	Server      ServerConfig
	Redis       RedisConfig
	Providers   ProvidersConfig
	Failover    FailoverConfig
	Detection   DetectionConfig
	Warmer      WarmerConfig
}

// ServerConfig represents HTTP server configuration
type ServerConfig struct {
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// RedisConfig represents Redis configuration
type RedisConfig struct {
	URL      string
	DB       int
	Password string
	PoolSize int
	Timeout  time.Duration
}

// ProvidersConfig represents external providers configuration
type ProvidersConfig struct {
	FMP   FMPConfig
	Yahoo YahooConfig
}

// FMPConfig represents Financial Modeling Prep API configuration.
// The provider is only registered when an API key is set.
type FMPConfig struct {
	APIKey                  string
	BaseURL                 string
	Priority                int
	Timeout                 time.Duration
	MaxRetries              int
	RateLimitPerMinute      int
	CircuitBreakerThreshold int
	CircuitBreakerTimeout   time.Duration
	HealthCheckInterval     time.Duration
}

// YahooConfig represents Yahoo Finance API configuration
type YahooConfig struct {
	BaseURL                 string
	Priority                int
	Timeout                 time.Duration
	MaxRetries              int
	RateLimitPerMinute      int
	CircuitBreakerThreshold int
	CircuitBreakerTimeout   time.Duration
	HealthCheckInterval     time.Duration
}

// FailoverConfig represents provider selection and failover configuration
type FailoverConfig struct {
	Strategy                  string
	GlobalTimeout             time.Duration
	MaxRetries                int
	MaxConcurrentHealthChecks int
}

// DetectionConfig represents anomaly detection configuration
type DetectionConfig struct {
	Enabled                 bool
	PriceChangeThresholdPct float64
	VolumeSpikeMultiplier   float64
	VolumeWindow            int
}

// WarmerConfig represents cache warming configuration
type WarmerConfig struct {
	Enabled  bool
	Interval time.Duration
	Symbols  []string
}

// Load loads configuration from environment variables with defaults
func Load() *Config {
	// Optional .env file for local development.
	_ = godotenv.Load()

	return &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		Server: ServerConfig{
			Port:            getEnvAsInt("SERVER_PORT", 8004),
			ReadTimeout:     getEnvAsDuration("SERVER_READ_TIMEOUT", "30s"),
			WriteTimeout:    getEnvAsDuration("SERVER_WRITE_TIMEOUT", "30s"),
			IdleTimeout:     getEnvAsDuration("SERVER_IDLE_TIMEOUT", "60s"),
			ShutdownTimeout: getEnvAsDuration("SERVER_SHUTDOWN_TIMEOUT", "30s"),
		},
		Redis: RedisConfig{
			URL:      getEnv("REDIS_URL", "redis://localhost:6379"),
			DB:       getEnvAsInt("REDIS_DB", 0),
			Password: getEnv("REDIS_PASSWORD", ""),
			PoolSize: getEnvAsInt("REDIS_POOL_SIZE", 10),
			Timeout:  getEnvAsDuration("REDIS_TIMEOUT", "5s"),
		},
		Providers: ProvidersConfig{
			FMP: FMPConfig{
				APIKey:                  getEnv("FMP_API_KEY", ""),
				BaseURL:                 getEnv("FMP_BASE_URL", "https://financialmodelingprep.com/api/v3"),
				Priority:                getEnvAsInt("FMP_PRIORITY", 10),
				Timeout:                 getEnvAsDuration("FMP_TIMEOUT", "10s"),
				MaxRetries:              getEnvAsInt("FMP_MAX_RETRIES", 3),
				RateLimitPerMinute:      getEnvAsInt("FMP_RATE_LIMIT_PER_MINUTE", 300),
				CircuitBreakerThreshold: getEnvAsInt("FMP_CIRCUIT_BREAKER_THRESHOLD", 5),
				CircuitBreakerTimeout:   getEnvAsDuration("FMP_CIRCUIT_BREAKER_TIMEOUT", "1m"),
				HealthCheckInterval:     getEnvAsDuration("FMP_HEALTH_CHECK_INTERVAL", "5m"),
			},
			Yahoo: YahooConfig{
				BaseURL:                 getEnv("YAHOO_BASE_URL", "https://query1.finance.yahoo.com"),
				Priority:                getEnvAsInt("YAHOO_PRIORITY", 20),
				Timeout:                 getEnvAsDuration("YAHOO_TIMEOUT", "10s"),
				MaxRetries:              getEnvAsInt("YAHOO_MAX_RETRIES", 3),
				RateLimitPerMinute:      getEnvAsInt("YAHOO_RATE_LIMIT_PER_MINUTE", 100),
				CircuitBreakerThreshold: getEnvAsInt("YAHOO_CIRCUIT_BREAKER_THRESHOLD", 5),
				CircuitBreakerTimeout:   getEnvAsDuration("YAHOO_CIRCUIT_BREAKER_TIMEOUT", "1m"),
				HealthCheckInterval:     getEnvAsDuration("YAHOO_HEALTH_CHECK_INTERVAL", "5m"),
			},
		},
		Failover: FailoverConfig{
			Strategy:                  getEnv("FAILOVER_STRATEGY", "priority_order"),
			GlobalTimeout:             time.Duration(getEnvAsInt("GLOBAL_TIMEOUT_SECONDS", 30)) * time.Second,
			MaxRetries:                getEnvAsInt("FAILOVER_MAX_RETRIES", 3),
			MaxConcurrentHealthChecks: getEnvAsInt("MAX_CONCURRENT_HEALTH_CHECKS", 5),
		},
		Detection: DetectionConfig{
			Enabled:                 getEnvAsBool("ANOMALY_DETECTION_ENABLED", true),
			PriceChangeThresholdPct: getEnvAsFloat("PRICE_CHANGE_ANOMALY_THRESHOLD_PCT", 20),
			VolumeSpikeMultiplier:   getEnvAsFloat("VOLUME_SPIKE_MULTIPLIER", 5),
			VolumeWindow:            getEnvAsInt("VOLUME_SPIKE_WINDOW", 30),
		},
		Warmer: WarmerConfig{
			Enabled:  getEnvAsBool("CACHE_WARMING_ENABLED", false),
			Interval: getEnvAsDuration("CACHE_WARMING_INTERVAL", "30m"),
			Symbols:  getEnvAsSlice("CACHE_WARMING_SYMBOLS", nil),
		},
	}
}

// Helper functions for environment variable parsing

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue string) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	if duration, err := time.ParseDuration(defaultValue); err == nil {
		return duration
	}
	return time.Second * 30 // Fallback
}

func getEnvAsSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		return parts
	}
	return defaultValue
}

// IsProduction returns true if running in production environment
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// IsDevelopment returns true if running in development environment
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}
