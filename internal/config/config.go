package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"

	"github.com/alertmesh/backend/internal/core"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Auth      AuthConfig      `yaml:"auth"`
	Ingest    IngestConfig    `yaml:"ingest"`
	Correlate CorrelateConfig `yaml:"correlation"`
	SLA       SLAConfig       `yaml:"sla"`
	Remediate RemediateConfig `yaml:"remediation"`
	AWS       AWSConfig       `yaml:"aws"`
	Events    EventsConfig    `yaml:"events"`
	Notify    NotifyConfig    `yaml:"notifications"`
	Advisor   AdvisorConfig   `yaml:"advisor"`
}

type ServerConfig struct {
	Port                   string `yaml:"port"`
	Env                    string `yaml:"env"`
	RequestTimeoutSeconds  int    `yaml:"request_timeout_seconds"`
	ShutdownTimeoutSeconds int    `yaml:"shutdown_timeout_seconds"`
}

type StorageConfig struct {
	Backend     string `yaml:"backend"` // memory, redis, postgres
	TablePrefix string `yaml:"table_prefix"`
	PostgresDSN string `yaml:"postgres_dsn"`
	RedisAddr   string `yaml:"redis_addr"`
	RedisPass   string `yaml:"redis_password"`
	RedisDB     int    `yaml:"redis_db"`
}

type AuthConfig struct {
	JWTSecret          string `yaml:"jwt_secret"`
	AccessTokenMinutes int    `yaml:"access_token_minutes"`
	RefreshTokenDays   int    `yaml:"refresh_token_days"`
	BootstrapEmail     string `yaml:"bootstrap_email"`
	BootstrapPassword  string `yaml:"bootstrap_password"`
}

type IngestConfig struct {
	DefaultRequestsPerMinute int `yaml:"default_requests_per_minute"`
	DefaultBurstSize         int `yaml:"default_burst_size"`
	DedupWindowHours         int `yaml:"dedup_window_hours"`
	TimestampSkewSeconds     int `yaml:"timestamp_skew_seconds"`
}

type CorrelateConfig struct {
	IntervalSeconds      int `yaml:"interval_seconds"`
	DefaultWindowSeconds int `yaml:"default_window_seconds"`
}

type SLAConfig struct {
	ScanIntervalMinutes int `yaml:"scan_interval_minutes"`
}

type RemediateConfig struct {
	SandboxEnabled bool   `yaml:"sandbox_enabled"`
	SandboxImage   string `yaml:"sandbox_image"`
}

type AWSConfig struct {
	Region     string `yaml:"region"`
	SSMEnabled bool   `yaml:"ssm_enabled"`
}

type EventsConfig struct {
	PubSubEnabled   bool   `yaml:"pubsub_enabled"`
	PubSubProject   string `yaml:"pubsub_project"`
	PubSubTopic     string `yaml:"pubsub_topic"`
	CredentialsFile string `yaml:"credentials_file"`
}

type NotifyConfig struct {
	CloudTasksEnabled  bool   `yaml:"cloudtasks_enabled"`
	CloudTasksProject  string `yaml:"cloudtasks_project"`
	CloudTasksLocation string `yaml:"cloudtasks_location"`
	CloudTasksQueue    string `yaml:"cloudtasks_queue"`
	DispatchBaseURL    string `yaml:"dispatch_base_url"`
}

type AdvisorConfig struct {
	Enabled bool   `yaml:"enabled"`
	Model   string `yaml:"model"`
}

// Default returns the configuration the service boots with when no file or
// environment overrides are present. Production deployments override the
// secrets; everything else has a sane development value.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:                   "8080",
			Env:                    "development",
			RequestTimeoutSeconds:  15,
			ShutdownTimeoutSeconds: 30,
		},
		Storage: StorageConfig{
			Backend:     "memory",
			TablePrefix: "am_",
			RedisAddr:   "localhost:6379",
		},
		Auth: AuthConfig{
			AccessTokenMinutes: 30,
			RefreshTokenDays:   7,
		},
		Ingest: IngestConfig{
			DefaultRequestsPerMinute: 120,
			DefaultBurstSize:         20,
			DedupWindowHours:         24,
			TimestampSkewSeconds:     300,
		},
		Correlate: CorrelateConfig{
			IntervalSeconds:      30,
			DefaultWindowSeconds: 300,
		},
		SLA: SLAConfig{
			ScanIntervalMinutes: 5,
		},
		Remediate: RemediateConfig{
			SandboxImage: "alertmesh-runbook:latest",
		},
		AWS: AWSConfig{
			Region: "us-east-1",
		},
		Notify: NotifyConfig{
			CloudTasksLocation: "us-central1",
			CloudTasksQueue:    "alertmesh-dispatch",
		},
		Advisor: AdvisorConfig{
			Model: "claude-sonnet-4-20250514",
		},
	}
}

// Load reads the optional YAML file at path, then applies environment
// overrides on top. A missing file is not an error; the defaults carry.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		f, err := os.Open(path)
		if err == nil {
			decoder := yaml.NewDecoder(f)
			decodeErr := decoder.Decode(cfg)
			f.Close()
			if decodeErr != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, decodeErr)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("open config %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	setStr := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setInt := func(dst *int, key string) {
		if v := os.Getenv(key); v != "" {
			var n int
			if _, err := fmt.Sscanf(v, "%d", &n); err == nil {
				*dst = n
			}
		}
	}
	setBool := func(dst *bool, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v == "true" || v == "1"
		}
	}

	setStr(&c.Server.Port, "AM_PORT")
	setStr(&c.Server.Env, "AM_ENV")
	setInt(&c.Server.RequestTimeoutSeconds, "AM_REQUEST_TIMEOUT_SECONDS")
	setInt(&c.Server.ShutdownTimeoutSeconds, "AM_SHUTDOWN_TIMEOUT_SECONDS")

	setStr(&c.Storage.Backend, "AM_STORAGE_BACKEND")
	setStr(&c.Storage.TablePrefix, "AM_TABLE_PREFIX")
	setStr(&c.Storage.PostgresDSN, "AM_POSTGRES_DSN")
	setStr(&c.Storage.RedisAddr, "AM_REDIS_ADDR")
	setStr(&c.Storage.RedisPass, "AM_REDIS_PASSWORD")
	setInt(&c.Storage.RedisDB, "AM_REDIS_DB")

	setStr(&c.Auth.JWTSecret, "AM_JWT_SECRET")
	setInt(&c.Auth.AccessTokenMinutes, "AM_ACCESS_TOKEN_MINUTES")
	setInt(&c.Auth.RefreshTokenDays, "AM_REFRESH_TOKEN_DAYS")
	setStr(&c.Auth.BootstrapEmail, "AM_BOOTSTRAP_EMAIL")
	setStr(&c.Auth.BootstrapPassword, "AM_BOOTSTRAP_PASSWORD")

	setInt(&c.Ingest.DefaultRequestsPerMinute, "AM_DEFAULT_RPM")
	setInt(&c.Ingest.DefaultBurstSize, "AM_DEFAULT_BURST")
	setInt(&c.Ingest.DedupWindowHours, "AM_DEDUP_WINDOW_HOURS")
	setInt(&c.Ingest.TimestampSkewSeconds, "AM_TIMESTAMP_SKEW_SECONDS")

	setInt(&c.Correlate.IntervalSeconds, "AM_CORRELATION_INTERVAL_SECONDS")
	setInt(&c.Correlate.DefaultWindowSeconds, "AM_CORRELATION_WINDOW_SECONDS")

	setInt(&c.SLA.ScanIntervalMinutes, "AM_SLA_SCAN_MINUTES")

	setBool(&c.Remediate.SandboxEnabled, "AM_SANDBOX_ENABLED")
	setStr(&c.Remediate.SandboxImage, "AM_SANDBOX_IMAGE")

	setStr(&c.AWS.Region, "AWS_REGION")
	setBool(&c.AWS.SSMEnabled, "AM_SSM_ENABLED")

	setBool(&c.Events.PubSubEnabled, "AM_PUBSUB_ENABLED")
	setStr(&c.Events.PubSubProject, "AM_PUBSUB_PROJECT")
	setStr(&c.Events.PubSubTopic, "AM_PUBSUB_TOPIC")
	setStr(&c.Events.CredentialsFile, "GOOGLE_APPLICATION_CREDENTIALS")

	setBool(&c.Notify.CloudTasksEnabled, "AM_CLOUDTASKS_ENABLED")
	setStr(&c.Notify.CloudTasksProject, "AM_CLOUDTASKS_PROJECT")
	setStr(&c.Notify.CloudTasksLocation, "AM_CLOUDTASKS_LOCATION")
	setStr(&c.Notify.CloudTasksQueue, "AM_CLOUDTASKS_QUEUE")
	setStr(&c.Notify.DispatchBaseURL, "AM_DISPATCH_BASE_URL")

	setBool(&c.Advisor.Enabled, "AM_ADVISOR_ENABLED")
	setStr(&c.Advisor.Model, "AM_ADVISOR_MODEL")
}

// Validate rejects configurations the service cannot run with.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case "memory", "redis", "postgres":
	default:
		return core.Ef(core.KindValidation, "unknown storage backend %q", c.Storage.Backend)
	}
	if c.Storage.Backend == "postgres" && c.Storage.PostgresDSN == "" {
		return core.E(core.KindValidation, "postgres backend requires postgres_dsn")
	}
	if c.Server.Env == "production" && c.Auth.JWTSecret == "" {
		return core.E(core.KindValidation, "jwt_secret is required in production")
	}
	if c.Auth.AccessTokenMinutes <= 0 || c.Auth.RefreshTokenDays <= 0 {
		return core.E(core.KindValidation, "token lifetimes must be positive")
	}
	if c.Ingest.DefaultRequestsPerMinute < 1 || c.Ingest.DefaultRequestsPerMinute > 1000 {
		return core.E(core.KindValidation, "default_requests_per_minute must be within [1, 1000]")
	}
	if c.Correlate.DefaultWindowSeconds < 300 || c.Correlate.DefaultWindowSeconds > 900 {
		return core.E(core.KindValidation, "default correlation window must be within [300, 900] seconds")
	}
	return nil
}
