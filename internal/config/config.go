// Package config loads daemon configuration from the environment, with a
// .env file honored when present.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config is the daemon's runtime configuration.
type Config struct {
	Addr           string
	DockerHost     string
	DefaultPreset  string
	MaxOutputBytes int64
	DefaultTimeout time.Duration
}

// Load reads configuration from the environment. A missing .env file is
// not an error; explicit environment variables always win over file values.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		Addr:           envOr("CODEBOX_ADDR", ":8080"),
		DockerHost:     envOr("DOCKER_HOST", ""),
		DefaultPreset:  envOr("CODEBOX_DEFAULT_PRESET", "small"),
		MaxOutputBytes: envInt64("CODEBOX_MAX_OUTPUT_BYTES", 1<<20),
		DefaultTimeout: envDuration("CODEBOX_DEFAULT_TIMEOUT", 60*time.Second),
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt64(key string, fallback int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d >= 0 {
			return d
		}
	}
	return fallback
}
