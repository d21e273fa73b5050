// Package config loads server configuration from environment variables
// and realm manifests from disk.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/weftlabs/weft/core/pkg/capability"
)

// Config holds server configuration.
type Config struct {
	Port     string
	LogLevel string

	// DatabaseURL selects the durable store. Empty means in-memory.
	DatabaseURL string
	// RedisAddr enables the Redis surface tier and distributed leases.
	RedisAddr string

	// RealmDir is scanned for realm_*.yaml manifests at startup.
	RealmDir string

	// ContractTTL expires boundary contracts measured from creation.
	ContractTTL time.Duration

	// RateRPS and RateBurst bound per-client request rates.
	RateRPS   int
	RateBurst int

	// OTLPEndpoint enables telemetry export when non-empty.
	OTLPEndpoint string
	Environment  string
}

// Load reads configuration from environment variables, applying defaults.
func Load() *Config {
	return &Config{
		Port:         envOr("PORT", "8080"),
		LogLevel:     envOr("LOG_LEVEL", "INFO"),
		DatabaseURL:  os.Getenv("DATABASE_URL"),
		RedisAddr:    os.Getenv("REDIS_ADDR"),
		RealmDir:     envOr("WEFT_REALM_DIR", "realms"),
		ContractTTL:  envDuration("WEFT_CONTRACT_TTL", 24*time.Hour),
		RateRPS:      envInt("WEFT_RATE_RPS", 50),
		RateBurst:    envInt("WEFT_RATE_BURST", 100),
		OTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		Environment:  envOr("WEFT_ENV", "development"),
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

// LoadRealmManifests parses every realm_*.yaml manifest in dir. A missing
// directory yields an empty slice so the server can boot with code-only
// registrations.
func LoadRealmManifests(dir string) ([]*capability.RealmManifest, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "realm_*.yaml"))
	if err != nil {
		return nil, err
	}

	manifests := make([]*capability.RealmManifest, 0, len(matches))
	for _, path := range matches {
		m, err := capability.LoadRealmManifestFile(path)
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", path, err)
		}
		manifests = append(manifests, m)
	}
	return manifests, nil
}
