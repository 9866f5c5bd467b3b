package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds the engine configuration, loaded once at startup.
type Config struct {
	HTTPAddr   string `json:"http_addr"`
	NATSURL    string `json:"nats_url"`
	LogLevel   string `json:"log_level"`
	CatalogDir string `json:"catalog_dir"`

	PatchTTL            time.Duration `json:"patch_ttl"`
	PatchRetention      time.Duration `json:"patch_retention"`
	DegradedThreshold   float64       `json:"degraded_threshold"`
	HeartbeatTimeout    time.Duration `json:"heartbeat_timeout"`
	SweepInterval       time.Duration `json:"sweep_interval"`
	DedupeCooldown      time.Duration `json:"dedupe_cooldown"`
	DeliveryTimeout     time.Duration `json:"delivery_timeout"`
	PropagationCeiling  time.Duration `json:"propagation_ceiling"`
	MaxWorkersPerRegion int           `json:"max_workers_per_region"`

	MaxDetectionHistory   int `json:"max_detection_history"`
	MaxPropagationHistory int `json:"max_propagation_history"`
}

// Load reads configuration from environment variables with defaults.
func Load() (*Config, error) {
	cfg := &Config{
		HTTPAddr:   getEnv("IMMUNITY_HTTP_ADDR", ":8087"),
		NATSURL:    getEnv("IMMUNITY_NATS_URL", ""),
		LogLevel:   getEnv("IMMUNITY_LOG_LEVEL", "info"),
		CatalogDir: getEnv("IMMUNITY_CATALOG_DIR", "signatures"),

		PatchTTL:            getDurationEnv("IMMUNITY_PATCH_TTL", 24*time.Hour),
		PatchRetention:      getDurationEnv("IMMUNITY_PATCH_RETENTION", 72*time.Hour),
		DegradedThreshold:   getFloatEnv("IMMUNITY_DEGRADED_THRESHOLD", 0.7),
		HeartbeatTimeout:    getDurationEnv("IMMUNITY_HEARTBEAT_TIMEOUT", 90*time.Second),
		SweepInterval:       getDurationEnv("IMMUNITY_SWEEP_INTERVAL", 30*time.Second),
		DedupeCooldown:      getDurationEnv("IMMUNITY_DEDUPE_COOLDOWN", 30*time.Second),
		DeliveryTimeout:     getDurationEnv("IMMUNITY_DELIVERY_TIMEOUT", 5*time.Second),
		PropagationCeiling:  getDurationEnv("IMMUNITY_PROPAGATION_CEILING", 60*time.Second),
		MaxWorkersPerRegion: getIntEnv("IMMUNITY_MAX_WORKERS_PER_REGION", 5000),

		MaxDetectionHistory:   getIntEnv("IMMUNITY_MAX_DETECTION_HISTORY", 1000),
		MaxPropagationHistory: getIntEnv("IMMUNITY_MAX_PROPAGATION_HISTORY", 256),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks value ranges that would otherwise fail deep inside the
// engine.
func (c *Config) Validate() error {
	if c.PatchTTL <= 0 {
		return fmt.Errorf("patch TTL must be positive, got %s", c.PatchTTL)
	}
	if c.DegradedThreshold < 0 || c.DegradedThreshold > 1 {
		return fmt.Errorf("degraded threshold must be in [0,1], got %f", c.DegradedThreshold)
	}
	if c.HeartbeatTimeout <= 0 {
		return fmt.Errorf("heartbeat timeout must be positive, got %s", c.HeartbeatTimeout)
	}
	if c.MaxDetectionHistory <= 0 {
		return fmt.Errorf("max detection history must be positive, got %d", c.MaxDetectionHistory)
	}
	if c.MaxPropagationHistory <= 0 {
		return fmt.Errorf("max propagation history must be positive, got %d", c.MaxPropagationHistory)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
