// Package config loads server configuration from environment variables.
package config

import (
	"os"
	"strconv"
)

// Config holds server configuration.
type Config struct {
	Port           string
	LogLevel       string
	DatabasePath   string
	RedisAddr      string
	RedisPassword  string
	JWTSecret      string
	RoleMatrixPath string
	ApprovalRule   string
	RateLimitRPS   int
	RateLimitBurst int

	// OpenTelemetry export, off unless OTEL_ENABLED=true.
	OTelEnabled    bool
	OTelEndpoint   string
	OTelSampleRate float64
	OTelInsecure   bool
}

// Load reads configuration from the environment, applying defaults suitable
// for local development.
func Load() *Config {
	cfg := &Config{
		Port:           getenv("PORT", "8080"),
		LogLevel:       getenv("LOG_LEVEL", "INFO"),
		DatabasePath:   getenv("DATABASE_PATH", "tribunal.db"),
		RedisAddr:      getenv("REDIS_ADDR", ""),
		RedisPassword:  os.Getenv("REDIS_PASSWORD"),
		JWTSecret:      os.Getenv("JWT_SECRET"),
		RoleMatrixPath: getenv("ROLE_MATRIX_PATH", "roles.yaml"),
		ApprovalRule:   os.Getenv("CONFIG_APPROVAL_RULE"),
		RateLimitRPS:   20,
		RateLimitBurst: 40,

		OTelEnabled:    os.Getenv("OTEL_ENABLED") == "true",
		OTelEndpoint:   getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
		OTelSampleRate: floatenv("OTEL_SAMPLE_RATE", 1.0),
		OTelInsecure:   os.Getenv("OTEL_EXPORTER_OTLP_INSECURE") == "true",
	}
	return cfg
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func floatenv(key string, fallback float64) float64 {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fallback
	}
	return f
}
