package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// RelayConfig configures the notification outbox relay.
type RelayConfig struct {
	Storage struct {
		PostgresDSN string `yaml:"postgres_dsn"`
		MaxConns    int32  `yaml:"max_conns"`
		MinConns    int32  `yaml:"min_conns"`
	} `yaml:"storage"`

	Security struct {
		EnforceSecureTLS *bool `yaml:"enforce_secure_transport"`
	} `yaml:"security"`

	Relay struct {
		PollIntervalSeconds int `yaml:"poll_interval_seconds"`
		BatchSize           int `yaml:"batch_size"`
		MaxBackoffSeconds   int `yaml:"max_backoff_seconds"`
	} `yaml:"relay"`

	Target struct {
		WebhookURL     string  `yaml:"webhook_url"`
		Token          string  `yaml:"token"`
		TimeoutSeconds int     `yaml:"timeout_seconds"`
		RatePerSecond  float64 `yaml:"rate_per_second"`
		Burst          int     `yaml:"burst"`
	} `yaml:"target"`

	Keys struct {
		SigningPrivateKeyPath string `yaml:"signing_private_key_path"`
		SigningPublicKeyPath  string `yaml:"signing_public_key_path"`
	} `yaml:"keys"`

	Telemetry TelemetryConfig `yaml:"telemetry"`

	Logging LoggingConfig `yaml:"logging"`
}

func LoadRelay(path string) (*RelayConfig, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read relay config: %w", err)
	}
	var cfg RelayConfig
	if err := yaml.Unmarshal(buf, &cfg); err != nil {
		return nil, fmt.Errorf("parse relay config yaml: %w", err)
	}
	cfg.expandEnv()
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *RelayConfig) applyDefaults() {
	if c.Storage.MaxConns <= 0 {
		c.Storage.MaxConns = 10
	}
	if c.Storage.MinConns < 0 {
		c.Storage.MinConns = 0
	}
	if c.Security.EnforceSecureTLS == nil {
		c.Security.EnforceSecureTLS = boolPtr(true)
	}
	if c.Relay.PollIntervalSeconds <= 0 {
		c.Relay.PollIntervalSeconds = 10
	}
	if c.Relay.BatchSize <= 0 {
		c.Relay.BatchSize = 50
	}
	if c.Relay.MaxBackoffSeconds <= 0 {
		c.Relay.MaxBackoffSeconds = 600
	}
	if c.Target.TimeoutSeconds <= 0 {
		c.Target.TimeoutSeconds = 10
	}
	if c.Telemetry.SampleRate == 0 {
		c.Telemetry.SampleRate = 1
	}
	c.Logging.applyDefaults("signoff-notify-relay")
}

func (c *RelayConfig) validate() error {
	if c.Storage.PostgresDSN == "" {
		return errors.New("storage.postgres_dsn is required")
	}
	if *c.Security.EnforceSecureTLS && dsnUsesInsecureSSL(c.Storage.PostgresDSN) {
		return errors.New("storage.postgres_dsn must use sslmode=require|verify-ca|verify-full when enforce_secure_transport is enabled")
	}
	if c.Target.WebhookURL == "" {
		return errors.New("target.webhook_url is required")
	}
	if *c.Security.EnforceSecureTLS && !isHTTPSURL(c.Target.WebhookURL) {
		return errors.New("target.webhook_url must be https when enforce_secure_transport is enabled")
	}
	if (c.Keys.SigningPrivateKeyPath == "") != (c.Keys.SigningPublicKeyPath == "") {
		return errors.New("keys.signing_private_key_path and keys.signing_public_key_path must be set together")
	}
	if c.Telemetry.Enabled && c.Telemetry.OTLPEndpoint == "" {
		return errors.New("telemetry.otlp_endpoint is required when telemetry is enabled")
	}
	return c.Logging.validate()
}

func (c *RelayConfig) expandEnv() {
	c.Storage.PostgresDSN = os.ExpandEnv(strings.TrimSpace(c.Storage.PostgresDSN))
	c.Target.WebhookURL = os.ExpandEnv(strings.TrimSpace(c.Target.WebhookURL))
	c.Target.Token = os.ExpandEnv(strings.TrimSpace(c.Target.Token))
	c.Keys.SigningPrivateKeyPath = os.ExpandEnv(strings.TrimSpace(c.Keys.SigningPrivateKeyPath))
	c.Keys.SigningPublicKeyPath = os.ExpandEnv(strings.TrimSpace(c.Keys.SigningPublicKeyPath))
	c.Telemetry.OTLPEndpoint = os.ExpandEnv(strings.TrimSpace(c.Telemetry.OTLPEndpoint))
}
