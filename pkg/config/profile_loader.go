package config

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Profile is the optional YAML overlay. Fields left out of the file keep
// the loaded values; unknown keys are a hard error so a typo never
// silently keeps a default.
type Profile struct {
	ListenAddr *string `yaml:"listen_addr"`
	BaseDir    *string `yaml:"base_dir"`
	LogLevel   *string `yaml:"log_level"`

	SegmentSize       *int `yaml:"segment_size"`
	SnapshotEvery     *int `yaml:"snapshot_every"`
	RetentionSegments *int `yaml:"retention_segments"`
	MaxEventsExport   *int `yaml:"max_events_export"`
	MaxEventsReplay   *int `yaml:"max_events_replay"`

	Quotas *struct {
		MaxEvents    *int `yaml:"max_events"`
		MaxStorageMB *int `yaml:"max_storage_mb"`
		RateLimitRPM *int `yaml:"rate_limit_rpm"`
	} `yaml:"quotas"`

	AuthMode  *string `yaml:"auth_mode"`
	JWTSecret *string `yaml:"jwt_secret"`
	APIPepper *string `yaml:"api_pepper"`

	RedisAddr    *string `yaml:"redis_addr"`
	ArchiveDSN   *string `yaml:"archive_dsn"`
	ColdSink     *string `yaml:"cold_sink"`
	ColdSinkPath *string `yaml:"cold_sink_path"`
	OTLPEndpoint *string `yaml:"otlp_endpoint"`
}

// ApplyProfile overlays the YAML profile at path onto the configuration
// and re-validates. Strict decoding: unknown keys fail.
func (c *Config) ApplyProfile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read profile: %w", err)
	}

	var p Profile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil {
		return fmt.Errorf("config: parse profile %s: %w", path, err)
	}

	setIf(&c.ListenAddr, p.ListenAddr)
	setIf(&c.BaseDir, p.BaseDir)
	setIf(&c.LogLevel, p.LogLevel)
	setIf(&c.EventLog.SegmentSize, p.SegmentSize)
	setIf(&c.EventLog.SnapshotEvery, p.SnapshotEvery)
	setIf(&c.EventLog.RetentionSegments, p.RetentionSegments)
	setIf(&c.EventLog.MaxEventsExport, p.MaxEventsExport)
	setIf(&c.EventLog.MaxEventsReplay, p.MaxEventsReplay)
	if p.Quotas != nil {
		setIf(&c.DefaultQuotas.MaxEvents, p.Quotas.MaxEvents)
		setIf(&c.DefaultQuotas.MaxStorageMB, p.Quotas.MaxStorageMB)
		setIf(&c.DefaultQuotas.RateLimitRPM, p.Quotas.RateLimitRPM)
	}
	if p.AuthMode != nil {
		c.AuthMode = AuthMode(*p.AuthMode)
	}
	setIf(&c.JWTSecret, p.JWTSecret)
	setIf(&c.APIPepper, p.APIPepper)
	setIf(&c.RedisAddr, p.RedisAddr)
	setIf(&c.ArchiveDSN, p.ArchiveDSN)
	setIf(&c.ColdSink, p.ColdSink)
	setIf(&c.ColdSinkPath, p.ColdSinkPath)
	setIf(&c.OTLPEndpoint, p.OTLPEndpoint)

	return c.Validate()
}

func setIf[T any](dst *T, src *T) {
	if src != nil {
		*dst = *src
	}
}
