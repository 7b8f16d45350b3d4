// Package config provides configuration loading and management for the application.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration
type Config struct {
	// HTTP server port
	Port string

	// Prediction backend and vendor API base URLs
	MLBaseURL     string
	VendorBaseURL string
	APIKey        string

	// Live update websocket endpoint; empty disables the channel
	LiveURL string

	// Menu catalog YAML
	CatalogPath string

	// OpenTelemetry endpoint for observability
	OtelEndpoint string
	ServiceName  string

	// Budgets for backend calls
	QuickTimeout    time.Duration
	DetailedTimeout time.Duration
	DetailedRetries int

	// Cache lifetimes
	QuickTTL      time.Duration
	BatchTTL      time.Duration
	SweepInterval time.Duration

	// Backend estimates below this confidence are replaced by the fallback
	MinConfidence float64

	// How long a demand spike warning stays attached to a vendor
	SpikeWarningWindow time.Duration

	// Backend rate limit
	BackendRPS   float64
	BackendBurst int

	// Inbound HTTP rate limit; zero disables it
	RateLimitRPS   float64
	RateLimitBurst int

	// Circuit breaker settings
	EnableCircuitBreaker bool
	FailureThreshold     int
	CircuitResetDelay    time.Duration

	// Accuracy record store; empty keeps records in memory
	AccuracyDBPath string

	Export ExportConfig
}

// ExportConfig controls shipping accuracy records to downstream consumers.
type ExportConfig struct {
	Enabled        bool
	BatchSize      int
	ExportInterval time.Duration

	// Backend write path (POST /vendors/{id}/prediction-accuracy)
	BackendEnabled bool

	KafkaEnabled bool
	KafkaBrokers []string
	KafkaTopic   string
}

// Load creates a new Config from environment variables
func Load() Config {
	return Config{
		Port:          GetEnvOrDefault("PORT", "8080"),
		MLBaseURL:     strings.TrimRight(GetEnvOrDefault("ML_API_URL", "http://localhost:8000"), "/"),
		VendorBaseURL: strings.TrimRight(GetEnvOrDefault("VENDOR_API_URL", "http://localhost:5000/api"), "/"),
		APIKey:        GetEnvOrDefault("API_KEY", ""),
		LiveURL:       GetEnvOrDefault("WS_URL", ""),
		CatalogPath:   GetEnvOrDefault("CATALOG_PATH", ""),
		OtelEndpoint:  GetEnvOrDefault("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		ServiceName:   GetEnvOrDefault("OTEL_SERVICE_NAME", "pickup-eta"),

		QuickTimeout:    GetEnvAsDuration("QUICK_TIMEOUT", 2*time.Second),
		DetailedTimeout: GetEnvAsDuration("DETAILED_TIMEOUT", 8*time.Second),
		DetailedRetries: GetEnvAsInt("DETAILED_RETRIES", 1),

		QuickTTL:      GetEnvAsDuration("QUICK_TTL", 30*time.Second),
		BatchTTL:      GetEnvAsDuration("BATCH_TTL", 60*time.Second),
		SweepInterval: GetEnvAsDuration("CACHE_SWEEP_INTERVAL", time.Minute),

		MinConfidence:      GetEnvAsFloat("MIN_CONFIDENCE", 0.25),
		SpikeWarningWindow: GetEnvAsDuration("SPIKE_WARNING_WINDOW", 10*time.Minute),

		BackendRPS:     GetEnvAsFloat("BACKEND_RPS", 50),
		BackendBurst:   GetEnvAsInt("BACKEND_BURST", 100),
		RateLimitRPS:   GetEnvAsFloat("RATE_LIMIT_RPS", 0),
		RateLimitBurst: GetEnvAsInt("RATE_LIMIT_BURST", 20),

		EnableCircuitBreaker: GetEnvAsBool("ENABLE_CIRCUIT_BREAKER", true),
		FailureThreshold:     GetEnvAsInt("CIRCUIT_FAILURE_THRESHOLD", 5),
		CircuitResetDelay:    GetEnvAsDuration("CIRCUIT_RESET_DELAY", 30*time.Second),

		AccuracyDBPath: GetEnvOrDefault("ACCURACY_DB_PATH", ""),

		Export: ExportConfig{
			Enabled:        GetEnvAsBool("ACCURACY_EXPORT_ENABLED", false),
			BatchSize:      GetEnvAsInt("ACCURACY_EXPORT_BATCH_SIZE", 100),
			ExportInterval: GetEnvAsDuration("ACCURACY_EXPORT_INTERVAL", time.Minute),
			BackendEnabled: GetEnvAsBool("ACCURACY_EXPORT_BACKEND", true),
			KafkaEnabled:   GetEnvAsBool("KAFKA_ENABLED", false),
			KafkaBrokers:   GetEnvAsList("KAFKA_BROKERS", nil),
			KafkaTopic:     GetEnvOrDefault("KAFKA_TOPIC", "prediction-accuracy"),
		},
	}
}

// GetEnv retrieves an environment variable and whether it exists
func GetEnv(key string) (string, bool) {
	value, exists := os.LookupEnv(key)
	return value, exists
}

// GetEnvOrDefault retrieves an environment variable or returns the default value if not set
func GetEnvOrDefault(key, defaultValue string) string {
	if value, exists := GetEnv(key); exists {
		return value
	}
	return defaultValue
}

// GetEnvAsInt retrieves an environment variable as an integer with a default value
func GetEnvAsInt(key string, defaultValue int) int {
	if value, exists := GetEnv(key); exists {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// GetEnvAsFloat retrieves an environment variable as a float with a default value
func GetEnvAsFloat(key string, defaultValue float64) float64 {
	if value, exists := GetEnv(key); exists {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

// GetEnvAsDuration retrieves an environment variable as a duration with a default value
func GetEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value, exists := GetEnv(key); exists {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// GetEnvAsBool retrieves an environment variable as a boolean with a default value
func GetEnvAsBool(key string, defaultValue bool) bool {
	if value, exists := GetEnv(key); exists {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

// GetEnvAsList splits a comma separated variable, dropping empty elements.
func GetEnvAsList(key string, defaultValue []string) []string {
	value, exists := GetEnv(key)
	if !exists || strings.TrimSpace(value) == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
