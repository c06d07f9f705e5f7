// Package config loads the application configuration from YAML with
// environment overrides, defaulting and validation.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the application configuration.
type Config struct {
	Logging   LoggingConfig   `yaml:"logging"`
	Health    HealthConfig    `yaml:"health"`
	Save      SaveConfig      `yaml:"save"`
	S3        S3Config        `yaml:"s3"`
	Auth      AuthConfig      `yaml:"auth"`
	Rooms     []RoomConfig    `yaml:"rooms"`
	Reconnect ReconnectConfig `yaml:"reconnect"`
}

// LoggingConfig selects the log level.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// HealthConfig configures the liveness endpoint.
type HealthConfig struct {
	Addr string `yaml:"addr"`
}

// SaveConfig configures the stream persistence plugin.
type SaveConfig struct {
	Dir             string `yaml:"dir"`
	BufferLines     int    `yaml:"buffer_lines"`
	RotateMinutes   int    `yaml:"rotate_minutes"`
	RotateMegabytes int    `yaml:"rotate_megabytes"`
	Message         *bool  `yaml:"message"` // default true
	Raw             *bool  `yaml:"raw"`     // default false
}

// S3Config configures archive shipping. An empty bucket disables the
// uploader.
type S3Config struct {
	Bucket               string `yaml:"bucket"`
	Region               string `yaml:"region"`
	RoleARN              string `yaml:"role_arn"`
	WebIdentityTokenFile string `yaml:"web_identity_token_file"`
	AccessKeyID          string `yaml:"access_key_id"`
	SecretAccessKey      string `yaml:"secret_access_key"`
	DeleteAfterUpload    *bool  `yaml:"delete_after_upload"` // default true
	MaxRetries           int    `yaml:"max_retries"`
}

// AuthConfig holds stored credentials.
type AuthConfig struct {
	// StorePath is the sqlite credential store; empty keeps credentials
	// in memory only.
	StorePath string `yaml:"store_path"`
	// Credentials maps a platform name onto its credential string,
	// applied at startup.
	Credentials map[string]string `yaml:"credentials"`
}

// RoomConfig is one room opened at boot.
type RoomConfig struct {
	Platform string `yaml:"platform"`
	ID       string `yaml:"id"`
	Open     *bool  `yaml:"open"` // default true
}

// ReconnectConfig tunes the room connection schedule.
type ReconnectConfig struct {
	Auto              *bool `yaml:"auto_reconnect"` // default true
	ConnectIntervalMS int   `yaml:"connect_interval_ms"`
	ConnectTimeoutSec int   `yaml:"connect_timeout_seconds"`
}

// ConnectInterval returns the configured minimum spacing between
// connection attempts, zero for the room default.
func (r ReconnectConfig) ConnectInterval() time.Duration {
	return time.Duration(r.ConnectIntervalMS) * time.Millisecond
}

// ConnectTimeout returns the configured fetch/dial bound, zero for the
// room default.
func (r ReconnectConfig) ConnectTimeout() time.Duration {
	return time.Duration(r.ConnectTimeoutSec) * time.Second
}

func boolOr(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}

// SaveMessage reports the initial canonical-stream state.
func (s SaveConfig) SaveMessage() bool { return boolOr(s.Message, true) }

// SaveRaw reports the initial raw-stream state.
func (s SaveConfig) SaveRaw() bool { return boolOr(s.Raw, false) }

// DeleteAfter reports whether uploaded files are removed locally.
func (s S3Config) DeleteAfter() bool { return boolOr(s.DeleteAfterUpload, true) }

// Enabled reports whether the uploader runs at all.
func (s S3Config) Enabled() bool { return s.Bucket != "" }

// AutoReconnect reports whether rooms re-establish dropped sessions.
func (r ReconnectConfig) AutoReconnect() bool { return boolOr(r.Auto, true) }

// OpenAtBoot reports whether the room opens immediately.
func (r RoomConfig) OpenAtBoot() bool { return boolOr(r.Open, true) }

// Load reads, overrides, defaults and validates the configuration.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	// Environment overrides for secrets.
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}
	if roleARN := os.Getenv("AWS_ROLE_ARN"); roleARN != "" {
		cfg.S3.RoleARN = roleARN
	}
	if keyID := os.Getenv("S3_ACCESS_KEY_ID"); keyID != "" {
		cfg.S3.AccessKeyID = keyID
	}
	if secretKey := os.Getenv("S3_SECRET_ACCESS_KEY"); secretKey != "" {
		cfg.S3.SecretAccessKey = secretKey
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Health.Addr == "" {
		c.Health.Addr = ":8080"
	}
	if c.Save.Dir == "" {
		c.Save.Dir = "./data"
	}
	if c.Save.BufferLines == 0 {
		c.Save.BufferLines = 50
	}
	if c.Save.RotateMinutes == 0 {
		c.Save.RotateMinutes = 60
	}
	if c.Save.RotateMegabytes == 0 {
		c.Save.RotateMegabytes = 100
	}
	if c.S3.MaxRetries == 0 {
		c.S3.MaxRetries = 3
	}
}

func (c *Config) validate() error {
	for i, r := range c.Rooms {
		if r.Platform == "" || r.ID == "" {
			return fmt.Errorf("rooms[%d]: platform and id are required", i)
		}
	}
	if c.S3.Enabled() {
		if c.S3.Region == "" {
			return fmt.Errorf("s3.region is required when s3.bucket is set")
		}
		if c.S3.AccessKeyID != "" && c.S3.SecretAccessKey == "" {
			return fmt.Errorf("s3.secret_access_key is required when using access_key_id")
		}
		if c.S3.RoleARN != "" && c.S3.WebIdentityTokenFile == "" {
			return fmt.Errorf("s3.web_identity_token_file is required when using role_arn")
		}
	}
	return nil
}
