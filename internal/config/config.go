package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config captures runtime settings for the signoff server and sweeper.
type Config struct {
	Server struct {
		Listen                 string `yaml:"listen"`
		ReadTimeoutSeconds     int    `yaml:"read_timeout_seconds"`
		WriteTimeoutSeconds    int    `yaml:"write_timeout_seconds"`
		ShutdownTimeoutSeconds int    `yaml:"shutdown_timeout_seconds"`
	} `yaml:"server"`

	Storage StorageConfig `yaml:"storage"`

	Keys struct {
		SigningPrivateKeyPath string `yaml:"signing_private_key_path"`
		SigningPublicKeyPath  string `yaml:"signing_public_key_path"`
	} `yaml:"keys"`

	Links struct {
		BaseURL  string `yaml:"base_url"`
		Secret   string `yaml:"secret"`
		TTLHours int    `yaml:"ttl_hours"`
	} `yaml:"links"`

	Notify struct {
		Mode           string  `yaml:"mode"`
		WebhookURL     string  `yaml:"webhook_url"`
		WebhookToken   string  `yaml:"webhook_token"`
		TimeoutSeconds int     `yaml:"timeout_seconds"`
		RatePerSecond  float64 `yaml:"rate_per_second"`
		Burst          int     `yaml:"burst"`
		SignPayloads   bool    `yaml:"sign_payloads"`
	} `yaml:"notify"`

	Archive struct {
		Mode       string `yaml:"mode"`
		Dir        string `yaml:"dir"`
		S3Bucket   string `yaml:"s3_bucket"`
		S3Region   string `yaml:"s3_region"`
		S3Endpoint string `yaml:"s3_endpoint"`
		S3Prefix   string `yaml:"s3_prefix"`
	} `yaml:"archive"`

	Workflow struct {
		DeliveryTimeoutSeconds int `yaml:"delivery_timeout_seconds"`
		TickBatchSize          int `yaml:"tick_batch_size"`
	} `yaml:"workflow"`

	Sweeper struct {
		Mode              string `yaml:"mode"`
		IntervalSeconds   int    `yaml:"interval_seconds"`
		IterationsPerRun  int    `yaml:"iterations_per_run"`
		TemporalHostPort  string `yaml:"temporal_host_port"`
		TemporalNamespace string `yaml:"temporal_namespace"`
		TaskQueue         string `yaml:"task_queue"`
	} `yaml:"sweeper"`

	Security struct {
		BearerToken      string   `yaml:"bearer_token"`
		TrustedCIDRs     []string `yaml:"trusted_cidrs"`
		EnableIPAllow    *bool    `yaml:"enable_ip_allow_list"`
		EnableBearerAuth *bool    `yaml:"enable_bearer_auth"`
		EnforceSecureTLS *bool    `yaml:"enforce_secure_transport"`
	} `yaml:"security"`

	Telemetry TelemetryConfig `yaml:"telemetry"`

	Logging LoggingConfig `yaml:"logging"`
}

type StorageConfig struct {
	Driver        string `yaml:"driver"`
	PostgresDSN   string `yaml:"postgres_dsn"`
	MaxConns      int32  `yaml:"max_conns"`
	MinConns      int32  `yaml:"min_conns"`
	SQLitePath    string `yaml:"sqlite_path"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	RedisPrefix   string `yaml:"redis_prefix"`
}

type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled"`
	OTLPEndpoint string  `yaml:"otlp_endpoint"`
	Insecure     bool    `yaml:"insecure"`
	SampleRate   float64 `yaml:"sample_rate"`
	Environment  string  `yaml:"environment"`
}

type LoggingConfig struct {
	Level   string `yaml:"level"`
	Service string `yaml:"service"`
	Version string `yaml:"version"`
	Commit  string `yaml:"commit"`
	Region  string `yaml:"region"`
}

// Load reads and validates config from disk.
func Load(path string) (*Config, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(buf, &cfg); err != nil {
		return nil, fmt.Errorf("parse config yaml: %w", err)
	}
	cfg.expandEnv()
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Listen == "" {
		c.Server.Listen = "127.0.0.1:8080"
	}
	if c.Server.ReadTimeoutSeconds <= 0 {
		c.Server.ReadTimeoutSeconds = 10
	}
	if c.Server.WriteTimeoutSeconds <= 0 {
		c.Server.WriteTimeoutSeconds = 30
	}
	if c.Server.ShutdownTimeoutSeconds <= 0 {
		c.Server.ShutdownTimeoutSeconds = 15
	}
	c.Storage.applyDefaults()
	if c.Links.TTLHours <= 0 {
		c.Links.TTLHours = 24 * 30
	}
	if c.Notify.Mode == "" {
		c.Notify.Mode = "log"
	}
	if c.Notify.TimeoutSeconds <= 0 {
		c.Notify.TimeoutSeconds = 10
	}
	if c.Archive.Mode == "" {
		c.Archive.Mode = "none"
	}
	if c.Workflow.DeliveryTimeoutSeconds <= 0 {
		c.Workflow.DeliveryTimeoutSeconds = 10
	}
	if c.Workflow.TickBatchSize <= 0 {
		c.Workflow.TickBatchSize = 200
	}
	if c.Sweeper.Mode == "" {
		c.Sweeper.Mode = "local"
	}
	if c.Sweeper.IntervalSeconds <= 0 {
		c.Sweeper.IntervalSeconds = 60
	}
	if c.Sweeper.IterationsPerRun <= 0 {
		c.Sweeper.IterationsPerRun = 500
	}
	if c.Sweeper.TemporalHostPort == "" {
		c.Sweeper.TemporalHostPort = "localhost:7233"
	}
	if c.Sweeper.TemporalNamespace == "" {
		c.Sweeper.TemporalNamespace = "default"
	}
	if c.Sweeper.TaskQueue == "" {
		c.Sweeper.TaskQueue = "SIGNOFF_SWEEP_TASK_QUEUE"
	}
	if c.Security.EnableBearerAuth == nil {
		c.Security.EnableBearerAuth = boolPtr(true)
	}
	if c.Security.EnableIPAllow == nil {
		c.Security.EnableIPAllow = boolPtr(false)
	}
	if c.Security.EnforceSecureTLS == nil {
		c.Security.EnforceSecureTLS = boolPtr(true)
	}
	if *c.Security.EnableIPAllow && len(c.Security.TrustedCIDRs) == 0 {
		c.Security.TrustedCIDRs = []string{
			"127.0.0.1/32",
			"10.0.0.0/8",
			"172.16.0.0/12",
			"192.168.0.0/16",
		}
	}
	if c.Telemetry.SampleRate == 0 {
		c.Telemetry.SampleRate = 1
	}
	c.Logging.applyDefaults("signoff-server")
}

func (s *StorageConfig) applyDefaults() {
	if s.Driver == "" {
		s.Driver = "postgres"
	}
	if s.MaxConns <= 0 {
		s.MaxConns = 12
	}
	if s.MinConns < 0 {
		s.MinConns = 0
	}
	if s.RedisPrefix == "" {
		s.RedisPrefix = "signoff"
	}
}

func (l *LoggingConfig) applyDefaults(service string) {
	if l.Level == "" {
		l.Level = "info"
	}
	if l.Service == "" {
		l.Service = service
	}
	if l.Version == "" {
		l.Version = "dev"
	}
	if l.Commit == "" {
		l.Commit = "unknown"
	}
	if l.Region == "" {
		l.Region = "local"
	}
}

func (c *Config) validate() error {
	if err := c.Storage.validate(*c.Security.EnforceSecureTLS); err != nil {
		return err
	}
	if (c.Keys.SigningPrivateKeyPath == "") != (c.Keys.SigningPublicKeyPath == "") {
		return errors.New("keys.signing_private_key_path and keys.signing_public_key_path must be set together")
	}
	if c.Links.BaseURL != "" || c.Links.Secret != "" {
		if c.Links.BaseURL == "" {
			return errors.New("links.base_url is required when links.secret is set")
		}
		if len(c.Links.Secret) < 32 {
			return errors.New("links.secret must be at least 32 bytes")
		}
		if *c.Security.EnforceSecureTLS && !isHTTPSURL(c.Links.BaseURL) {
			return errors.New("links.base_url must be https when enforce_secure_transport is enabled")
		}
	}

	switch c.Notify.Mode {
	case "log":
	case "webhook":
		if c.Notify.WebhookURL == "" {
			return errors.New("notify.webhook_url is required when notify.mode is webhook")
		}
		if *c.Security.EnforceSecureTLS && !isHTTPSURL(c.Notify.WebhookURL) {
			return errors.New("notify.webhook_url must be https when enforce_secure_transport is enabled")
		}
		if c.Notify.SignPayloads && c.Keys.SigningPrivateKeyPath == "" {
			return errors.New("notify.sign_payloads requires keys.signing_private_key_path")
		}
	case "outbox":
		if c.Storage.Driver != "postgres" && c.Storage.Driver != "memory" {
			return errors.New("notify.mode outbox requires storage.driver postgres|memory")
		}
	default:
		return errors.New("notify.mode must be one of log|webhook|outbox")
	}

	switch c.Archive.Mode {
	case "none":
	case "file":
		if c.Archive.Dir == "" {
			return errors.New("archive.dir is required when archive.mode is file")
		}
	case "s3":
		if c.Archive.S3Bucket == "" {
			return errors.New("archive.s3_bucket is required when archive.mode is s3")
		}
		if c.Archive.S3Region == "" {
			return errors.New("archive.s3_region is required when archive.mode is s3")
		}
	default:
		return errors.New("archive.mode must be one of none|file|s3")
	}

	switch c.Sweeper.Mode {
	case "local", "temporal", "off":
	default:
		return errors.New("sweeper.mode must be one of local|temporal|off")
	}

	if c.Telemetry.Enabled && c.Telemetry.OTLPEndpoint == "" {
		return errors.New("telemetry.otlp_endpoint is required when telemetry is enabled")
	}
	if err := c.Logging.validate(); err != nil {
		return err
	}

	if *c.Security.EnableBearerAuth && strings.TrimSpace(c.Security.BearerToken) == "" {
		return errors.New("security.bearer_token is required when bearer auth is enabled")
	}
	if *c.Security.EnableIPAllow && len(c.Security.TrustedCIDRs) == 0 {
		return errors.New("security.trusted_cidrs is required when ip allow list is enabled")
	}
	for i, cidr := range c.Security.TrustedCIDRs {
		cidr = strings.TrimSpace(cidr)
		if cidr == "" {
			continue
		}
		if _, _, err := net.ParseCIDR(cidr); err != nil {
			return fmt.Errorf("security.trusted_cidrs[%d] is invalid: %w", i, err)
		}
	}
	return nil
}

func (s *StorageConfig) validate(enforceSecureTLS bool) error {
	switch s.Driver {
	case "postgres":
		if s.PostgresDSN == "" {
			return errors.New("storage.postgres_dsn is required")
		}
		if enforceSecureTLS && dsnUsesInsecureSSL(s.PostgresDSN) {
			return errors.New("storage.postgres_dsn must use sslmode=require|verify-ca|verify-full when enforce_secure_transport is enabled")
		}
	case "sqlite":
		if s.SQLitePath == "" {
			return errors.New("storage.sqlite_path is required")
		}
	case "redis":
		if s.RedisAddr == "" {
			return errors.New("storage.redis_addr is required")
		}
	case "memory":
	default:
		return errors.New("storage.driver must be one of postgres|sqlite|redis|memory")
	}
	return nil
}

func (c *Config) expandEnv() {
	c.Storage.expandEnv()
	c.Keys.SigningPrivateKeyPath = os.ExpandEnv(strings.TrimSpace(c.Keys.SigningPrivateKeyPath))
	c.Keys.SigningPublicKeyPath = os.ExpandEnv(strings.TrimSpace(c.Keys.SigningPublicKeyPath))
	c.Links.BaseURL = os.ExpandEnv(strings.TrimSpace(c.Links.BaseURL))
	c.Links.Secret = os.ExpandEnv(strings.TrimSpace(c.Links.Secret))
	c.Notify.Mode = strings.ToLower(strings.TrimSpace(c.Notify.Mode))
	c.Notify.WebhookURL = os.ExpandEnv(strings.TrimSpace(c.Notify.WebhookURL))
	c.Notify.WebhookToken = os.ExpandEnv(strings.TrimSpace(c.Notify.WebhookToken))
	c.Archive.Mode = strings.ToLower(strings.TrimSpace(c.Archive.Mode))
	c.Archive.Dir = os.ExpandEnv(strings.TrimSpace(c.Archive.Dir))
	c.Archive.S3Endpoint = os.ExpandEnv(strings.TrimSpace(c.Archive.S3Endpoint))
	c.Sweeper.Mode = strings.ToLower(strings.TrimSpace(c.Sweeper.Mode))
	c.Sweeper.TemporalHostPort = os.ExpandEnv(strings.TrimSpace(c.Sweeper.TemporalHostPort))
	c.Security.BearerToken = os.ExpandEnv(strings.TrimSpace(c.Security.BearerToken))
	c.Telemetry.OTLPEndpoint = os.ExpandEnv(strings.TrimSpace(c.Telemetry.OTLPEndpoint))
}

func (s *StorageConfig) expandEnv() {
	s.Driver = strings.ToLower(strings.TrimSpace(s.Driver))
	s.PostgresDSN = os.ExpandEnv(strings.TrimSpace(s.PostgresDSN))
	s.SQLitePath = os.ExpandEnv(strings.TrimSpace(s.SQLitePath))
	s.RedisAddr = os.ExpandEnv(strings.TrimSpace(s.RedisAddr))
	s.RedisPassword = os.ExpandEnv(strings.TrimSpace(s.RedisPassword))
}

func (l *LoggingConfig) validate() error {
	switch strings.ToLower(l.Level) {
	case "debug", "info", "warn", "warning", "error":
		return nil
	}
	return fmt.Errorf("logging.level %q must be one of debug|info|warn|error", l.Level)
}

func boolPtr(v bool) *bool {
	return &v
}
