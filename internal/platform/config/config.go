package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config captures process-level configuration. Reconciliation thresholds live
// in the reconcile package's own Config; this covers wiring concerns.
type Config struct {
	Addr string

	PostgresDSN string
	RedisURL    string

	KafkaBrokers []string
	KafkaTopic   string

	// ReferenceSalt is the tenant-scoped secret for the reference codec.
	ReferenceSalt   string
	ReferencePrefix string

	ShutdownTimeout time.Duration
}

// FromEnv builds a Config from environment variables so main stays lean.
func FromEnv() Config {
	cfg := Config{
		Addr:            getenv("TALLY_ADDR", ":8080"),
		PostgresDSN:     os.Getenv("TALLY_POSTGRES_DSN"),
		RedisURL:        os.Getenv("TALLY_REDIS_URL"),
		KafkaTopic:      getenv("TALLY_KAFKA_TOPIC", "tally.recon.events"),
		ReferenceSalt:   getenv("TALLY_REFERENCE_SALT", "dev-salt-change-in-production"),
		ReferencePrefix: getenv("TALLY_REFERENCE_PREFIX", "TLY"),
		ShutdownTimeout: getduration("TALLY_SHUTDOWN_TIMEOUT", 10*time.Second),
	}
	if brokers := os.Getenv("TALLY_KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = strings.Split(brokers, ",")
	}
	return cfg
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getduration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	return fallback
}
