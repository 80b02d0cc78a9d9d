// Package config loads module configuration from the environment, in the
// same os.Getenv(key); fallback-if-empty style the reference server uses
// for its database, storage, and discovery configuration.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds every environment-tunable knob the messaging core needs.
// Nothing here is fatal to load: every field falls back to an inline dev
// default when its variable is unset or does not parse, so Load always
// returns a filled-in Config and never reports a missing relay setting.
type Config struct {
	RelayBaseURL   string
	RelaySocketURL string
	HTTPTimeout    time.Duration

	DedupCapacity int

	VaultPageSize int
	VaultPageCap  int

	TransportKeyRotationInterval time.Duration
	CallSignalingFreshness       time.Duration
	KeyRotationFreshnessWindow   time.Duration
	KeyRotationFutureTolerance   time.Duration
}

// Load reads configuration from the environment, loading a .env file
// first when one is present (ignored if absent — mirrors the reference
// server's "optional, never fatal" posture for auxiliary config).
func Load() Config {
	_ = godotenv.Load()

	return Config{
		RelayBaseURL:   getEnv("RELAY_BASE_URL", "https://relay.example.invalid"),
		RelaySocketURL: getEnv("RELAY_SOCKET_URL", "wss://relay.example.invalid/socket"),
		HTTPTimeout:    getEnvDuration("HTTP_TIMEOUT", 15*time.Second),

		DedupCapacity: getEnvInt("DEDUP_CAPACITY", 1000),

		VaultPageSize: getEnvInt("VAULT_PAGE_SIZE", 100),
		VaultPageCap:  getEnvInt("VAULT_PAGE_CAP", 200),

		TransportKeyRotationInterval: getEnvDuration("TRANSPORT_KEY_ROTATION_INTERVAL", 30*24*time.Hour),
		CallSignalingFreshness:       getEnvDuration("CALL_SIGNALING_FRESHNESS", 120*time.Second),
		KeyRotationFreshnessWindow:   getEnvDuration("KEY_ROTATION_FRESHNESS_WINDOW", 24*time.Hour),
		KeyRotationFutureTolerance:   getEnvDuration("KEY_ROTATION_FUTURE_TOLERANCE", 5*time.Minute),
	}
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
