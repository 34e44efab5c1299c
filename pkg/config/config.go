// Package config loads server configuration: environment variables first,
// optionally overridden by a YAML profile file. Everything is validated
// once at startup; a bad value aborts boot instead of surfacing later.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/arbiter-labs/arbiter/pkg/eventlog"
	"github.com/arbiter-labs/arbiter/pkg/tenancy"
)

// AuthMode selects how the gateway authenticates callers.
type AuthMode string

const (
	AuthNone   AuthMode = "none"
	AuthJWT    AuthMode = "jwt"
	AuthAPIKey AuthMode = "apikey"
)

// Config holds the full server configuration.
type Config struct {
	ListenAddr string
	BaseDir    string
	LogLevel   string

	EventLog      eventlog.Config
	DefaultQuotas tenancy.Quotas

	AuthMode  AuthMode
	JWTSecret string
	APIPepper string

	RedisAddr    string
	ArchiveDSN   string
	ColdSink     string // "", "dir", "s3", "gcs"
	ColdSinkPath string // dir path, or bucket name for s3/gcs

	OTLPEndpoint string
}

// Load reads configuration from environment variables, filling defaults
// for anything unset.
func Load() (*Config, error) {
	cfg := &Config{
		ListenAddr:    envOr("ARBITER_LISTEN_ADDR", ":8080"),
		BaseDir:       envOr("ARBITER_BASE_DIR", "./data"),
		LogLevel:      envOr("ARBITER_LOG_LEVEL", "info"),
		EventLog:      eventlog.DefaultConfig(),
		DefaultQuotas: tenancy.DefaultQuotas(),
		AuthMode:      AuthMode(envOr("ARBITER_AUTH_MODE", string(AuthNone))),
		JWTSecret:     os.Getenv("ARBITER_JWT_SECRET"),
		APIPepper:     os.Getenv("ARBITER_API_PEPPER"),
		RedisAddr:     os.Getenv("ARBITER_REDIS_ADDR"),
		ArchiveDSN:    os.Getenv("ARBITER_ARCHIVE_DSN"),
		ColdSink:      os.Getenv("ARBITER_COLD_SINK"),
		ColdSinkPath:  os.Getenv("ARBITER_COLD_SINK_PATH"),
		OTLPEndpoint:  os.Getenv("ARBITER_OTLP_ENDPOINT"),
	}

	var err error
	if cfg.EventLog.SegmentSize, err = envInt("ARBITER_SEGMENT_SIZE", cfg.EventLog.SegmentSize); err != nil {
		return nil, err
	}
	if cfg.EventLog.SnapshotEvery, err = envInt("ARBITER_SNAPSHOT_EVERY", cfg.EventLog.SnapshotEvery); err != nil {
		return nil, err
	}
	if cfg.EventLog.RetentionSegments, err = envInt("ARBITER_RETENTION_SEGMENTS", cfg.EventLog.RetentionSegments); err != nil {
		return nil, err
	}
	if cfg.EventLog.MaxEventsExport, err = envInt("ARBITER_MAX_EVENTS_EXPORT", cfg.EventLog.MaxEventsExport); err != nil {
		return nil, err
	}
	if cfg.EventLog.MaxEventsReplay, err = envInt("ARBITER_MAX_EVENTS_REPLAY", cfg.EventLog.MaxEventsReplay); err != nil {
		return nil, err
	}
	if cfg.DefaultQuotas.MaxEvents, err = envInt("ARBITER_QUOTA_MAX_EVENTS", cfg.DefaultQuotas.MaxEvents); err != nil {
		return nil, err
	}
	if cfg.DefaultQuotas.MaxStorageMB, err = envInt("ARBITER_QUOTA_MAX_STORAGE_MB", cfg.DefaultQuotas.MaxStorageMB); err != nil {
		return nil, err
	}
	if cfg.DefaultQuotas.RateLimitRPM, err = envInt("ARBITER_QUOTA_RATE_LIMIT_RPM", cfg.DefaultQuotas.RateLimitRPM); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations that cannot serve.
func (c *Config) Validate() error {
	switch c.AuthMode {
	case AuthNone, AuthJWT, AuthAPIKey:
	default:
		return fmt.Errorf("config: unknown auth mode %q", c.AuthMode)
	}
	if c.AuthMode == AuthJWT && c.JWTSecret == "" {
		return fmt.Errorf("config: auth mode jwt requires ARBITER_JWT_SECRET")
	}
	if c.AuthMode == AuthAPIKey && c.APIPepper == "" {
		return fmt.Errorf("config: auth mode apikey requires ARBITER_API_PEPPER")
	}
	switch c.ColdSink {
	case "", "dir", "s3", "gcs":
	default:
		return fmt.Errorf("config: unknown cold sink %q", c.ColdSink)
	}
	if c.ColdSink != "" && c.ColdSinkPath == "" {
		return fmt.Errorf("config: cold sink %q requires ARBITER_COLD_SINK_PATH", c.ColdSink)
	}
	if c.EventLog.SegmentSize <= 0 {
		return fmt.Errorf("config: segment size must be positive")
	}
	if c.BaseDir == "" {
		return fmt.Errorf("config: base dir must not be empty")
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s must be an integer, got %q", key, v)
	}
	return n, nil
}
