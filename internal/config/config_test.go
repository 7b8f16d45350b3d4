package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoad_Defaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, 2*time.Second, cfg.QuickTimeout)
	assert.Equal(t, 8*time.Second, cfg.DetailedTimeout)
	assert.Equal(t, 1, cfg.DetailedRetries)
	assert.Equal(t, 30*time.Second, cfg.QuickTTL)
	assert.Equal(t, 60*time.Second, cfg.BatchTTL)
	assert.Equal(t, 0.25, cfg.MinConfidence)
	assert.True(t, cfg.EnableCircuitBreaker)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("ML_API_URL", "http://ml.internal:9000/")
	t.Setenv("QUICK_TIMEOUT", "500ms")
	t.Setenv("MIN_CONFIDENCE", "0.4")
	t.Setenv("ENABLE_CIRCUIT_BREAKER", "false")
	t.Setenv("KAFKA_BROKERS", "k1:9092, ,k2:9092")

	cfg := Load()

	assert.Equal(t, "http://ml.internal:9000", cfg.MLBaseURL)
	assert.Equal(t, 500*time.Millisecond, cfg.QuickTimeout)
	assert.Equal(t, 0.4, cfg.MinConfidence)
	assert.False(t, cfg.EnableCircuitBreaker)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Export.KafkaBrokers)
}

func TestGetEnvHelpers_InvalidValuesUseDefault(t *testing.T) {
	t.Setenv("BAD_INT", "ten")
	t.Setenv("BAD_FLOAT", "1.2.3")
	t.Setenv("BAD_DURATION", "soon")
	t.Setenv("BAD_BOOL", "maybe")

	assert.Equal(t, 7, GetEnvAsInt("BAD_INT", 7))
	assert.Equal(t, 0.5, GetEnvAsFloat("BAD_FLOAT", 0.5))
	assert.Equal(t, time.Second, GetEnvAsDuration("BAD_DURATION", time.Second))
	assert.True(t, GetEnvAsBool("BAD_BOOL", true))
	assert.Equal(t, "x", GetEnvOrDefault("UNSET_PICKUP_ETA_KEY", "x"))
}
