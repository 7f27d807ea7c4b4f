// Package config loads and validates the adapsync YAML configuration.
//
// Secrets may be kept out of the YAML file: after decoding, values from the
// environment (and from a .env file in the working directory, if present)
// override the corresponding fields.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Defaults applied by [Load] when a field is left unset.
const (
	DefaultSQLitePath      = "adapsync.db"
	DefaultTimezone        = "America/Sao_Paulo"
	DefaultEventDuration   = 30 * time.Minute
	DefaultRequestTimeout  = 15 * time.Second
	DefaultSchedule        = "@every 1m"
	DefaultBatchSize       = 20
	DefaultCleanupBatch    = 100
	DefaultCleanupAge      = 30 * 24 * time.Hour
	DefaultMinRetrySpacing = time.Minute
	DefaultMaxRetries      = 3
	DefaultFirstSyncWait   = 30 * time.Second
	DefaultAdminListen     = "127.0.0.1:8080"
)

// Environment variables that override secrets from the YAML file.
const (
	EnvDatabaseURL          = "DATABASE_URL"
	EnvGoogleClientID       = "GOOGLE_CLIENT_ID"
	EnvGoogleClientSecret   = "GOOGLE_CLIENT_SECRET"
	EnvTokenEncryptionKey   = "TOKEN_ENCRYPTION_KEY"
	EnvTwilioAccountSID     = "TWILIO_ACCOUNT_SID"
	EnvTwilioAuthToken      = "TWILIO_AUTH_TOKEN"
	EnvTwilioWhatsAppNumber = "TWILIO_WHATSAPP_NUMBER"
)

// Config holds the full application configuration.
type Config struct {
	Database DatabaseConfig `yaml:"database,omitempty"`
	Google   GoogleConfig   `yaml:"google"`
	Sync     SyncConfig     `yaml:"sync,omitempty"`
	Admin    AdminConfig    `yaml:"admin,omitempty"`

	// Twilio enables WhatsApp notices for users whose calendar needs to be
	// reconnected. Omit to disable.
	Twilio *TwilioConfig `yaml:"twilio,omitempty"`

	// Telemetry configures optional OpenTelemetry export via OTLP gRPC.
	// Omit the block entirely to disable telemetry.
	Telemetry *TelemetryConfig `yaml:"telemetry,omitempty"`
}

// DatabaseConfig locates the two databases.
type DatabaseConfig struct {
	// URL is a PostgreSQL DSN for reminders and credentials. When empty the
	// SQLite file at SQLitePath is used instead.
	URL        string `yaml:"url,omitempty"`
	SQLitePath string `yaml:"sqlite_path,omitempty"`

	// StatePath is the SQLite file holding sync records. Defaults to
	// ~/.local/share/adapsync/sync.db.
	StatePath string `yaml:"state_path,omitempty"`
}

// GoogleConfig holds the OAuth client and calendar defaults.
type GoogleConfig struct {
	ClientID     string `yaml:"client_id,omitempty"`
	ClientSecret string `yaml:"client_secret,omitempty"`

	// TokenEncryptionKey is the base64 AES-256 key protecting refresh tokens.
	TokenEncryptionKey string `yaml:"token_encryption_key,omitempty"`

	DefaultTimezone      string        `yaml:"default_timezone,omitempty"`
	DefaultEventDuration time.Duration `yaml:"default_event_duration,omitempty"`
	RequestTimeout       time.Duration `yaml:"request_timeout,omitempty"`
}

// SyncConfig controls retries of failed syncs.
type SyncConfig struct {
	// Enabled turns the retry coordinator on. Defaults to true.
	Enabled *bool `yaml:"enabled,omitempty"`

	// Schedule is a cron spec for retry runs.
	Schedule         string        `yaml:"schedule,omitempty"`
	BatchSize        int           `yaml:"batch_size,omitempty"`
	CleanupBatchSize int           `yaml:"cleanup_batch_size,omitempty"`
	CleanupAge       time.Duration `yaml:"cleanup_age,omitempty"`
	MinRetrySpacing  time.Duration `yaml:"min_retry_spacing,omitempty"`
	MaxRetries       int           `yaml:"max_retries,omitempty"`

	// FirstSyncTimeout bounds the background sync started on creation.
	FirstSyncTimeout time.Duration `yaml:"first_sync_timeout,omitempty"`
}

// RetriesEnabled reports whether the retry coordinator should run.
func (s SyncConfig) RetriesEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// AdminConfig configures the admin HTTP server.
type AdminConfig struct {
	Listen string `yaml:"listen,omitempty"`
}

// TwilioConfig holds the WhatsApp sender credentials.
type TwilioConfig struct {
	AccountSID     string `yaml:"account_sid,omitempty"`
	AuthToken      string `yaml:"auth_token,omitempty"`
	WhatsAppNumber string `yaml:"whatsapp_number,omitempty"`
}

// TelemetryConfig holds optional OpenTelemetry settings.
type TelemetryConfig struct {
	// OTLPEndpoint is the gRPC host:port of the OTLP collector (e.g. "localhost:4317").
	OTLPEndpoint string `yaml:"otlp_endpoint"`

	// Insecure disables TLS for the collector connection. Use for local collectors.
	Insecure bool `yaml:"insecure"`

	// ServiceName overrides the OTel service.name attribute. Defaults to "adapsync".
	ServiceName string `yaml:"service_name"`

	// Headers are sent as gRPC metadata on every OTLP request, e.g.
	//   Authorization: "Bearer <token>"
	Headers map[string]string `yaml:"headers,omitempty"`
}

// DefaultPath returns the default config file path: ~/.config/adapsync/config.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".config", "adapsync", "config.yaml"), nil
}

// Load reads the configuration file at path, overlays secrets from the
// environment, applies defaults and validates the result.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening config file %q: %w", path, err)
	}
	defer f.Close()

	var cfg Config
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true) // reject unknown keys to catch typos early
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %q: %w", path, err)
	}

	// A missing .env file is the normal case in production.
	_ = godotenv.Load()
	cfg.overlayEnv(os.Getenv)

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// Write saves c as YAML at path, creating parent directories. The file is
// owner-only because it usually holds secrets.
func (c *Config) Write(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config file %q: %w", path, err)
	}
	return nil
}

func (c *Config) overlayEnv(getenv func(string) string) {
	set := func(dst *string, key string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	set(&c.Database.URL, EnvDatabaseURL)
	set(&c.Google.ClientID, EnvGoogleClientID)
	set(&c.Google.ClientSecret, EnvGoogleClientSecret)
	set(&c.Google.TokenEncryptionKey, EnvTokenEncryptionKey)

	if c.Twilio == nil && getenv(EnvTwilioAccountSID) != "" {
		c.Twilio = &TwilioConfig{}
	}
	if c.Twilio != nil {
		set(&c.Twilio.AccountSID, EnvTwilioAccountSID)
		set(&c.Twilio.AuthToken, EnvTwilioAuthToken)
		set(&c.Twilio.WhatsAppNumber, EnvTwilioWhatsAppNumber)
	}
}

func (c *Config) applyDefaults() {
	if c.Database.SQLitePath == "" {
		c.Database.SQLitePath = DefaultSQLitePath
	}
	if c.Google.DefaultTimezone == "" {
		c.Google.DefaultTimezone = DefaultTimezone
	}
	if c.Google.DefaultEventDuration == 0 {
		c.Google.DefaultEventDuration = DefaultEventDuration
	}
	if c.Google.RequestTimeout == 0 {
		c.Google.RequestTimeout = DefaultRequestTimeout
	}

	s := &c.Sync
	if s.Schedule == "" {
		s.Schedule = DefaultSchedule
	}
	if s.BatchSize == 0 {
		s.BatchSize = DefaultBatchSize
	}
	if s.CleanupBatchSize == 0 {
		s.CleanupBatchSize = DefaultCleanupBatch
	}
	if s.CleanupAge == 0 {
		s.CleanupAge = DefaultCleanupAge
	}
	if s.MinRetrySpacing == 0 {
		s.MinRetrySpacing = DefaultMinRetrySpacing
	}
	if s.MaxRetries == 0 {
		s.MaxRetries = DefaultMaxRetries
	}
	if s.FirstSyncTimeout == 0 {
		s.FirstSyncTimeout = DefaultFirstSyncWait
	}

	if c.Admin.Listen == "" {
		c.Admin.Listen = DefaultAdminListen
	}
}

// validate checks that all required fields are present and well-formed.
func (c *Config) validate() error {
	if c.Google.ClientID == "" {
		return errors.New("google.client_id is required")
	}
	if c.Google.ClientSecret == "" {
		return fmt.Errorf("google.client_secret is required (or set %s)", EnvGoogleClientSecret)
	}
	if c.Google.TokenEncryptionKey == "" {
		return fmt.Errorf("google.token_encryption_key is required (or set %s)", EnvTokenEncryptionKey)
	}
	if _, err := time.LoadLocation(c.Google.DefaultTimezone); err != nil {
		return fmt.Errorf("google.default_timezone %q: %w", c.Google.DefaultTimezone, err)
	}
	if c.Google.DefaultEventDuration < time.Minute {
		return fmt.Errorf("google.default_event_duration %v is too short (minimum 1m)", c.Google.DefaultEventDuration)
	}
	if c.Google.RequestTimeout < 0 {
		return fmt.Errorf("google.request_timeout must not be negative")
	}

	s := c.Sync
	if _, err := cron.ParseStandard(s.Schedule); err != nil {
		return fmt.Errorf("sync.schedule %q: %w", s.Schedule, err)
	}
	if s.BatchSize < 0 || s.CleanupBatchSize < 0 {
		return errors.New("sync batch sizes must be positive")
	}
	if s.CleanupAge < time.Hour {
		return fmt.Errorf("sync.cleanup_age %v is too short (minimum 1h)", s.CleanupAge)
	}
	if s.MinRetrySpacing < 0 {
		return errors.New("sync.min_retry_spacing must not be negative")
	}
	if s.MaxRetries < 0 {
		return errors.New("sync.max_retries must not be negative")
	}
	if s.FirstSyncTimeout < 0 {
		return errors.New("sync.first_sync_timeout must not be negative")
	}

	if c.Twilio != nil {
		if c.Twilio.AccountSID == "" || c.Twilio.AuthToken == "" {
			return errors.New("twilio.account_sid and twilio.auth_token are required when twilio is configured")
		}
		if c.Twilio.WhatsAppNumber == "" {
			return errors.New("twilio.whatsapp_number is required when twilio is configured")
		}
	}

	if c.Telemetry != nil {
		if c.Telemetry.OTLPEndpoint == "" {
			return fmt.Errorf("telemetry.otlp_endpoint is required when telemetry is configured")
		}
	}

	return nil
}
