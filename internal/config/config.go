// Package config loads applianced's ambient process configuration —
// the bits that are not part of the persisted device Settings document
// (spec §3's Config store owns that; see internal/settingsstore).
//
// Grounded on internal/config/config.go's style: a plain struct populated
// from environment variables with sensible defaults, no external config
// library.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds process-level configuration for the applianced binary.
type Config struct {
	PrivetPort int
	Version    string
	Telemetry  TelemetryConfig
	Cloud      CloudDefaults
}

// TelemetryConfig controls OpenTelemetry trace export for outbound Cloud calls.
type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string
	ServiceName  string
}

// CloudDefaults seeds Settings.OAuthURL/ServiceURL the first time the agent
// runs with no persisted Settings document. spec.md's Open Question notes
// the source hardcodes staging URLs; applianced keeps that default, and
// Controller.Start fails with a missing_configuration error if
// service_url or oauth_url is still empty.
type CloudDefaults struct {
	OAuthURL   string
	ServiceURL string

	// HTTPTimeout bounds every individual Cloud HTTP call (spec §5).
	HTTPTimeout time.Duration
}

// Load reads configuration from environment variables with defaults.
func Load() *Config {
	return &Config{
		PrivetPort: envInt("APPLIANCED_PRIVET_PORT", 8080),
		Version:    envStr("APPLIANCED_VERSION", "0.1.0"),
		Telemetry: TelemetryConfig{
			Enabled:      envBool("OTEL_ENABLED", false),
			OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			ServiceName:  envStr("OTEL_SERVICE_NAME", "applianced"),
		},
		Cloud: CloudDefaults{
			OAuthURL:    envStr("APPLIANCED_OAUTH_URL", "https://accounts.google.com/o/oauth2/"),
			ServiceURL:  envStr("APPLIANCED_SERVICE_URL", "https://www.googleapis.com/clouddevices/v1/"),
			HTTPTimeout: envDuration("APPLIANCED_HTTP_TIMEOUT", 30*time.Second),
		},
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
