package config

import (
	"os"
	"strings"
	"testing"
	"time"
)

// --- MustLoad ---

func TestMustLoad_PanicsOnInvalidConfig(t *testing.T) {
	t.Setenv("LOG_LEVEL", "verbose") // invalid -> Load() error
	defer func() {
		if r := recover(); r == nil {
			t.Fatalf("MustLoad should panic on invalid config")
		}
	}()
	_ = MustLoad()
}

func TestMustLoad_Success_NoPanic(t *testing.T) {
	// No special env needed; defaults are valid.
	defer func() {
		if r := recover(); r != nil {
			t.Fatalf("MustLoad should not panic on valid defaults, got: %v", r)
		}
	}()
	_ = MustLoad()
}

// --- Load success + normalization + parsing ---

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.OpsPort != "8081" || cfg.GinMode != "release" || cfg.LogLevel != "info" {
		t.Fatalf("server/logging defaults unexpected: %+v", cfg)
	}
	if cfg.DBPath != "nostrchat.db" || !cfg.AutoMigrate {
		t.Fatalf("storage defaults unexpected: %+v", cfg)
	}
	if cfg.Relay.URL != "wss://relay.damus.io" || cfg.Relay.DialTimeout != 10*time.Second || cfg.Relay.ResubscribeGrace != time.Second {
		t.Fatalf("relay defaults unexpected: %+v", cfg.Relay)
	}
	if cfg.Pipeline.Workers != 4 || cfg.Pipeline.Queue != 1024 || cfg.Pipeline.VerifySignatures {
		t.Fatalf("pipeline defaults unexpected: %+v", cfg.Pipeline)
	}
	if cfg.ProfileFetch.RPS != 2 || cfg.ProfileFetch.Burst != 5 || cfg.ProfileFetch.TTL != 10*time.Minute {
		t.Fatalf("profile fetch defaults unexpected: %+v", cfg.ProfileFetch)
	}
	if cfg.OTEL.Enabled || cfg.OTEL.ServiceName != "nostrchat" {
		t.Fatalf("otel defaults unexpected: %+v", cfg.OTEL)
	}
}

func TestLoad_Success_Overrides(t *testing.T) {
	t.Setenv("OPS_PORT", "9090")
	t.Setenv("READ_HEADER_TIMEOUT", "1s")
	t.Setenv("GIN_MODE", "weird") // will normalize to "release"

	t.Setenv("LOG_LEVEL", "warning") // will normalize to "warn"
	t.Setenv("LOG_PRETTY", "yes")

	t.Setenv("DB_PATH", "db.sqlite")
	t.Setenv("DB_AUTO_MIGRATE", "off")

	t.Setenv("RELAY_URL", "  ws://localhost:7777  ")
	t.Setenv("RELAY_DIAL_TIMEOUT", "3s")
	t.Setenv("RESUBSCRIBE_GRACE", "0s")

	t.Setenv("PIPELINE_WORKERS", "8")
	t.Setenv("PIPELINE_QUEUE", "nope") // -> default 1024
	t.Setenv("VERIFY_SIGNATURES", "on")

	t.Setenv("PROFILE_FETCH_RPS", "0.5")
	t.Setenv("PROFILE_FETCH_BURST", "1")
	t.Setenv("PROFILE_FETCH_TTL", "1h")

	t.Setenv("OTEL_ENABLED", "1")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "otel:4317")
	t.Setenv("OTEL_EXPORTER_OTLP_INSECURE", "0")
	t.Setenv("OTEL_SERVICE_NAME", "svc")
	t.Setenv("OTEL_TRACES_SAMPLER_ARG", "0.75")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.OpsPort != "9090" || cfg.ReadHeaderTimeout != time.Second || cfg.GinMode != "release" {
		t.Fatalf("server fields unexpected: %+v", cfg)
	}
	if cfg.LogLevel != "warn" || !cfg.LogPretty {
		t.Fatalf("logging unexpected: %+v", cfg)
	}
	if cfg.DBPath != "db.sqlite" || cfg.AutoMigrate {
		t.Fatalf("storage unexpected: %+v", cfg)
	}
	if cfg.Relay.URL != "ws://localhost:7777" || cfg.Relay.DialTimeout != 3*time.Second || cfg.Relay.ResubscribeGrace != 0 {
		t.Fatalf("relay unexpected: %+v", cfg.Relay)
	}
	if cfg.Pipeline.Workers != 8 || cfg.Pipeline.Queue != 1024 || !cfg.Pipeline.VerifySignatures {
		t.Fatalf("pipeline unexpected: %+v", cfg.Pipeline)
	}
	if cfg.ProfileFetch.RPS != 0.5 || cfg.ProfileFetch.Burst != 1 || cfg.ProfileFetch.TTL != time.Hour {
		t.Fatalf("profile fetch unexpected: %+v", cfg.ProfileFetch)
	}
	if !cfg.OTEL.Enabled || cfg.OTEL.Endpoint != "otel:4317" || cfg.OTEL.Insecure || cfg.OTEL.ServiceName != "svc" || cfg.OTEL.SampleRatio != 0.75 {
		t.Fatalf("otel unexpected: %+v", cfg.OTEL)
	}
}

// --- Load validations (each case triggers exactly one validation error) ---

func TestLoad_ValidationErrors(t *testing.T) {
	cases := []struct {
		name, key, val, want string
	}{
		{"invalid LOG_LEVEL", "LOG_LEVEL", "verbose", "LOG_LEVEL"},
		{"empty OPS_PORT via spaces", "OPS_PORT", "   ", "OPS_PORT must not be empty"},
		{"non-positive header timeout", "READ_HEADER_TIMEOUT", "0s", "READ_HEADER_TIMEOUT"},
		{"empty DB_PATH", "DB_PATH", "   ", "DB_PATH must not be empty"},
		{"http relay url", "RELAY_URL", "https://relay.example", "RELAY_URL"},
		{"zero dial timeout", "RELAY_DIAL_TIMEOUT", "0s", "RELAY_DIAL_TIMEOUT"},
		{"negative grace", "RESUBSCRIBE_GRACE", "-1s", "RESUBSCRIBE_GRACE"},
		{"zero workers", "PIPELINE_WORKERS", "0", "PIPELINE_WORKERS"},
		{"zero queue", "PIPELINE_QUEUE", "0", "PIPELINE_QUEUE"},
		{"negative fetch rps", "PROFILE_FETCH_RPS", "-1", "PROFILE_FETCH_RPS"},
		{"fetch burst < 1", "PROFILE_FETCH_BURST", "0", "PROFILE_FETCH_BURST"},
		{"negative fetch ttl", "PROFILE_FETCH_TTL", "-1m", "PROFILE_FETCH_TTL"},
		{"otel sample ratio out of range", "OTEL_TRACES_SAMPLER_ARG", "1.5", "OTEL_TRACES_SAMPLER_ARG"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv(tc.key, tc.val)
			if _, err := Load(); !containsErr(err, tc.want) {
				t.Fatalf("expected %s validation error, got: %v", tc.want, err)
			}
		})
	}
}

// --- helpers ---

func TestHelpers_getenv(t *testing.T) {
	t.Setenv("X_EMPTY", "")
	if getenv("X_EMPTY", "d") != "d" {
		t.Fatalf("getenv should fall back to default on empty var")
	}
	t.Setenv("X_SET", "val")
	if getenv("X_SET", "d") != "val" {
		t.Fatalf("getenv should read set value")
	}
}

func TestHelpers_getfloat_getint_getdur(t *testing.T) {
	t.Setenv("F_VALID", "3.14")
	if getfloat("F_VALID", 0) != 3.14 {
		t.Fatalf("getfloat parse failed")
	}
	t.Setenv("F_BAD", "nope")
	if getfloat("F_BAD", 1.23) != 1.23 {
		t.Fatalf("getfloat default on bad parse failed")
	}

	t.Setenv("I_VALID", "42")
	if getint("I_VALID", 0) != 42 {
		t.Fatalf("getint parse failed")
	}
	t.Setenv("I_BAD", "x")
	if getint("I_BAD", 7) != 7 {
		t.Fatalf("getint default on bad parse failed")
	}

	t.Setenv("D_VALID", "150ms")
	if getdur("D_VALID", time.Second) != 150*time.Millisecond {
		t.Fatalf("getdur parse failed")
	}
	t.Setenv("D_BAD", "zzz")
	if getdur("D_BAD", 2*time.Second) != 2*time.Second {
		t.Fatalf("getdur default on bad parse failed")
	}
}

func TestHelpers_getbool(t *testing.T) {
	trueVals := []string{"1", "true", "TRUE", " yes ", "Y", "on", "On"}
	for i, v := range trueVals {
		k := "B_T_" + config_strconv(i)
		t.Setenv(k, v)
		if !getbool(k, false) {
			t.Fatalf("getbool(%q) = false; want true", v)
		}
	}
	falseVals := []string{"0", "false", "FALSE", " no ", "N", "off", "Off"}
	for i, v := range falseVals {
		k := "B_F_" + config_strconv(i)
		t.Setenv(k, v)
		if getbool(k, true) {
			t.Fatalf("getbool(%q) = true; want false", v)
		}
	}
	// default on unset/empty
	t.Setenv("B_EMPTY", "")
	if !getbool("B_EMPTY", true) || getbool("B_EMPTY", false) {
		t.Fatalf("getbool default behavior unexpected")
	}
}

// small helper (avoid fmt just for ints)
func config_strconv(i int) string { return string('a' + rune(i)) }

// Ensure tests don't inherit relay settings from the host environment.
func TestMain(m *testing.M) {
	for _, k := range []string{"RELAY_URL", "OPS_PORT", "LOG_LEVEL", "DB_PATH", "OTEL_ENABLED", "OTEL_SERVICE_NAME"} {
		os.Unsetenv(k)
	}
	os.Exit(m.Run())
}

// containsErr reports whether err's message contains the given substring.
func containsErr(err error, want string) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), want)
}
