package reliability

import (
	"os"
	"strconv"
	"testing"
	"time"
)

// ReliabilityConfig holds configuration for reliability testing.
type ReliabilityConfig struct {
	Level         string        // "basic" or "stress"
	Duration      time.Duration // Test duration for stress tests
	MaxGoroutines int           // Maximum goroutines for concurrent tests
}

// getReliabilityConfig reads configuration from environment variables.
func getReliabilityConfig() ReliabilityConfig {
	return ReliabilityConfig{
		Level:         os.Getenv("STITCHZ_RELIABILITY_LEVEL"),
		Duration:      parseDuration(getEnv("STITCHZ_RELIABILITY_DURATION", "10s")),
		MaxGoroutines: parseInt(getEnv("STITCHZ_RELIABILITY_MAX_GOROUTINES", "100")),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func parseInt(s string) int {
	if value, err := strconv.Atoi(s); err == nil && value > 0 {
		return value
	}
	return 100
}

func parseDuration(s string) time.Duration {
	if d, err := time.ParseDuration(s); err == nil && d > 0 {
		return d
	}
	return 10 * time.Second
}

// requireLevel skips the test unless the configured level is one of levels.
func requireLevel(t *testing.T, levels ...string) ReliabilityConfig {
	t.Helper()
	cfg := getReliabilityConfig()
	for _, l := range levels {
		if cfg.Level == l {
			return cfg
		}
	}
	if cfg.Level == "" {
		t.Skip("STITCHZ_RELIABILITY_LEVEL not set, skipping reliability tests")
	}
	t.Skipf("reliability level %q does not include this test", cfg.Level)
	return cfg
}
