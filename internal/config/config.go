package config

import (
	"errors"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	// Persistence. At most one durable primary; with neither set the
	// in-memory backend is primary and nothing survives a restart.
	DatabaseURL string `env:"DATABASE_URL"`
	SQLitePath  string `env:"SQLITE_PATH"`

	HTTPAddr     string        `env:"HTTP_ADDR" envDefault:":8080"`
	ReadTimeout  time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"5s"`
	WriteTimeout time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"30s"`
	IdleTimeout  time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"120s"`

	// WebhookAckTimeout bounds how long a webhook waits on the primary
	// store before acknowledging. The device retries after ~2s.
	WebhookAckTimeout time.Duration `env:"WEBHOOK_ACK_TIMEOUT" envDefault:"1500ms"`
	// StoreWriteTimeout bounds a background primary write.
	StoreWriteTimeout time.Duration `env:"STORE_WRITE_TIMEOUT" envDefault:"10s"`
	// DrainInterval is how often fallback sessions are replayed into the primary.
	DrainInterval time.Duration `env:"FALLBACK_DRAIN_INTERVAL" envDefault:"5s"`

	AuthToken   string `env:"AUTH_TOKEN"`
	CORSOrigins string `env:"CORS_ORIGINS"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`

	MQTTBrokerURL string `env:"MQTT_BROKER_URL"`
	MQTTTopics    string `env:"MQTT_TOPICS" envDefault:"livescribe/sessions/+/segments"`
	MQTTClientID  string `env:"MQTT_CLIENT_ID" envDefault:"livescribe"`
	MQTTUsername  string `env:"MQTT_USERNAME"`
	MQTTPassword  string `env:"MQTT_PASSWORD"`

	// WatchDir enables drop-directory ingest of webhook JSON payloads.
	WatchDir string `env:"WATCH_DIR"`

	ArchiveDir string `env:"ARCHIVE_DIR"`
	S3         S3Config
}

// S3Config configures transcript archival to an S3-compatible bucket.
type S3Config struct {
	Bucket     string `env:"S3_BUCKET"`
	Endpoint   string `env:"S3_ENDPOINT"`
	Region     string `env:"S3_REGION" envDefault:"us-east-1"`
	AccessKey  string `env:"S3_ACCESS_KEY"`
	SecretKey  string `env:"S3_SECRET_KEY"`
	Prefix     string `env:"S3_PREFIX"`
	LocalCache bool   `env:"S3_LOCAL_CACHE" envDefault:"true"`
}

// Enabled reports whether S3 archival is configured.
func (c S3Config) Enabled() bool { return c.Bucket != "" }

// Overrides holds CLI flag values that take priority over env vars.
type Overrides struct {
	EnvFile     string
	HTTPAddr    string
	LogLevel    string
	DatabaseURL string
	SQLitePath  string
	WatchDir    string
	ArchiveDir  string
}

// Load reads configuration from .env file, environment variables, and CLI overrides.
// Priority: CLI flags > environment variables > .env file > struct defaults.
func Load(overrides Overrides) (*Config, error) {
	// Load .env file (silent if missing)
	envFile := overrides.EnvFile
	if envFile == "" {
		envFile = ".env"
	}
	if _, err := os.Stat(envFile); err == nil {
		_ = godotenv.Load(envFile)
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	// Apply CLI overrides (non-empty values win)
	if overrides.HTTPAddr != "" {
		cfg.HTTPAddr = overrides.HTTPAddr
	}
	if overrides.LogLevel != "" {
		cfg.LogLevel = overrides.LogLevel
	}
	if overrides.DatabaseURL != "" {
		cfg.DatabaseURL = overrides.DatabaseURL
	}
	if overrides.SQLitePath != "" {
		cfg.SQLitePath = overrides.SQLitePath
	}
	if overrides.WatchDir != "" {
		cfg.WatchDir = overrides.WatchDir
	}
	if overrides.ArchiveDir != "" {
		cfg.ArchiveDir = overrides.ArchiveDir
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.DatabaseURL != "" && c.SQLitePath != "" {
		return errors.New("DATABASE_URL and SQLITE_PATH are mutually exclusive")
	}
	if c.WebhookAckTimeout <= 0 {
		return errors.New("WEBHOOK_ACK_TIMEOUT must be positive")
	}
	if c.S3.Enabled() && (c.S3.AccessKey == "" || c.S3.SecretKey == "") {
		return errors.New("S3_BUCKET requires S3_ACCESS_KEY and S3_SECRET_KEY")
	}
	return nil
}

// StoreType names the configured primary backend.
func (c *Config) StoreType() string {
	switch {
	case c.DatabaseURL != "":
		return "postgres"
	case c.SQLitePath != "":
		return "sqlite"
	default:
		return "memory"
	}
}

// CORSOriginList splits CORS_ORIGINS on commas. Empty means allow all.
func (c *Config) CORSOriginList() []string {
	var out []string
	for _, o := range strings.Split(c.CORSOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}

// IngestModes lists the enabled ingress transports, for logs and health.
func (c *Config) IngestModes() []string {
	modes := []string{"webhook"}
	if c.MQTTBrokerURL != "" {
		modes = append(modes, "mqtt")
	}
	if c.WatchDir != "" {
		modes = append(modes, "watch")
	}
	return modes
}
