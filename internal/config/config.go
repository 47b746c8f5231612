// Package config provides application configuration loaded from environment
// variables with defaults and validation. It centralizes settings for the
// relay connection, the event pipeline, storage, logging, the ops server and
// observability.
package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

// OTELConfig defines OpenTelemetry observability settings.
type OTELConfig struct {
	Enabled     bool    // OTEL_ENABLED
	Endpoint    string  // OTEL_EXPORTER_OTLP_ENDPOINT (e.g. "otel:4317")
	Insecure    bool    // OTEL_EXPORTER_OTLP_INSECURE (true if no TLS)
	ServiceName string  // OTEL_SERVICE_NAME (e.g. "nostrchat")
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]
}

// RelayConfig defines the relay connection and subscription lifecycle.
type RelayConfig struct {
	URL              string        // RELAY_URL (ws:// or wss://)
	DialTimeout      time.Duration // RELAY_DIAL_TIMEOUT
	ResubscribeGrace time.Duration // RESUBSCRIBE_GRACE
}

// PipelineConfig sizes the inbound event worker pool.
type PipelineConfig struct {
	Workers          int  // PIPELINE_WORKERS (>= 1)
	Queue            int  // PIPELINE_QUEUE (>= 1)
	VerifySignatures bool // VERIFY_SIGNATURES
}

// ProfileFetchConfig throttles one-shot profile subscriptions for new peers.
type ProfileFetchConfig struct {
	RPS   float64       // PROFILE_FETCH_RPS (>= 0)
	Burst int           // PROFILE_FETCH_BURST (>= 1)
	TTL   time.Duration // PROFILE_FETCH_TTL
}

// Config holds all configuration values for the application.
type Config struct {
	// Ops server
	OpsPort           string        // just the number
	ReadHeaderTimeout time.Duration // e.g. 10s
	GinMode           string        // debug|release|test

	// Logging
	LogLevel  string // debug|info|warn|error|fatal|panic
	LogPretty bool   // pretty console logs in dev

	// Storage
	DBPath      string // SQLite path
	AutoMigrate bool   // create tables on startup

	Relay        RelayConfig
	Pipeline     PipelineConfig
	ProfileFetch ProfileFetchConfig

	// Observability
	OTEL OTELConfig
}

// MustLoad loads the configuration and panics if validation fails.
func MustLoad() Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load reads configuration from environment variables,
// applies defaults, normalizes values, and validates the result.
func Load() (Config, error) {
	cfg := Config{
		// Ops server
		OpsPort:           getenv("OPS_PORT", "8081"),
		ReadHeaderTimeout: getdur("READ_HEADER_TIMEOUT", 10*time.Second),
		GinMode:           strings.ToLower(getenv("GIN_MODE", "release")),

		// Logging
		LogLevel:  strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogPretty: getbool("LOG_PRETTY", false),

		// Storage
		DBPath:      getenv("DB_PATH", "nostrchat.db"),
		AutoMigrate: getbool("DB_AUTO_MIGRATE", true),

		Relay: RelayConfig{
			URL:              strings.TrimSpace(getenv("RELAY_URL", "wss://relay.damus.io")),
			DialTimeout:      getdur("RELAY_DIAL_TIMEOUT", 10*time.Second),
			ResubscribeGrace: getdur("RESUBSCRIBE_GRACE", time.Second),
		},
		Pipeline: PipelineConfig{
			Workers:          getint("PIPELINE_WORKERS", 4),
			Queue:            getint("PIPELINE_QUEUE", 1024),
			VerifySignatures: getbool("VERIFY_SIGNATURES", false),
		},
		ProfileFetch: ProfileFetchConfig{
			RPS:   getfloat("PROFILE_FETCH_RPS", 2.0),
			Burst: getint("PROFILE_FETCH_BURST", 5),
			TTL:   getdur("PROFILE_FETCH_TTL", 10*time.Minute),
		},

		// Observability (OpenTelemetry)
		OTEL: OTELConfig{
			Enabled:     getbool("OTEL_ENABLED", false),
			Endpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:    getbool("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName: getenv("OTEL_SERVICE_NAME", "nostrchat"),
			SampleRatio: getfloat("OTEL_TRACES_SAMPLER_ARG", 1.0),
		},
	}

	// --- normalization ---
	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}
	switch cfg.GinMode {
	case "debug", "release", "test":
	default:
		cfg.GinMode = "release"
	}

	// --- validation ---
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error", "fatal", "panic":
	default:
		return cfg, errors.New("LOG_LEVEL must be one of: debug, info, warn, error, fatal, panic")
	}
	if strings.TrimSpace(cfg.OpsPort) == "" {
		return cfg, errors.New("OPS_PORT must not be empty")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		return cfg, errors.New("READ_HEADER_TIMEOUT must be a positive duration")
	}
	if strings.TrimSpace(cfg.DBPath) == "" {
		return cfg, errors.New("DB_PATH must not be empty")
	}
	if !strings.HasPrefix(cfg.Relay.URL, "ws://") && !strings.HasPrefix(cfg.Relay.URL, "wss://") {
		return cfg, errors.New("RELAY_URL must start with ws:// or wss://")
	}
	if cfg.Relay.DialTimeout <= 0 {
		return cfg, errors.New("RELAY_DIAL_TIMEOUT must be > 0")
	}
	if cfg.Relay.ResubscribeGrace < 0 {
		return cfg, errors.New("RESUBSCRIBE_GRACE must be >= 0")
	}
	if cfg.Pipeline.Workers < 1 {
		return cfg, errors.New("PIPELINE_WORKERS must be >= 1")
	}
	if cfg.Pipeline.Queue < 1 {
		return cfg, errors.New("PIPELINE_QUEUE must be >= 1")
	}
	if cfg.ProfileFetch.RPS < 0 {
		return cfg, errors.New("PROFILE_FETCH_RPS must be >= 0")
	}
	if cfg.ProfileFetch.Burst < 1 {
		return cfg, errors.New("PROFILE_FETCH_BURST must be >= 1")
	}
	if cfg.ProfileFetch.TTL < 0 {
		return cfg, errors.New("PROFILE_FETCH_TTL must be >= 0")
	}
	if cfg.OTEL.SampleRatio < 0 || cfg.OTEL.SampleRatio > 1 {
		return cfg, errors.New("OTEL_TRACES_SAMPLER_ARG must be in [0,1]")
	}

	return cfg, nil
}

// ---- helpers (no external deps) ----

func getenv(k, def string) string {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		return v
	}
	return def
}

func getfloat(k string, def float64) float64 {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getint(k string, def int) int {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "y", "on":
			return true
		case "0", "false", "no", "n", "off":
			return false
		}
	}
	return def
}

func getdur(k string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
