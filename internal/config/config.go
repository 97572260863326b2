package config

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// MinMonitorInterval is the shortest poll interval the change monitor accepts.
const MinMonitorInterval = time.Second

var institutionCodePattern = regexp.MustCompile(`^[A-Z]{2,4}$`)

type Config struct {
	Port        string `mapstructure:"PORT"`
	Env         string `mapstructure:"ENV"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`

	ArchiveURL       string  `mapstructure:"ARCHIVE_URL"`
	ArchiveUsername  string  `mapstructure:"ARCHIVE_USERNAME"`
	ArchivePassword  string  `mapstructure:"ARCHIVE_PASSWORD"`
	ArchiveTimeoutMS int     `mapstructure:"ARCHIVE_TIMEOUT_MS"`
	ArchiveRateLimit float64 `mapstructure:"ARCHIVE_RATE_LIMIT"`
	ArchiveTimezone  string  `mapstructure:"ARCHIVE_TIMEZONE"`
	ViewerURL        string  `mapstructure:"VIEWER_URL"`

	InstitutionCode   string `mapstructure:"INSTITUTION_CODE"`
	MonitorIntervalMS int    `mapstructure:"MONITOR_INTERVAL_MS"`
	MonitorJitterMS   int    `mapstructure:"MONITOR_JITTER_MS"`
	MonitorAutoStart  bool   `mapstructure:"MONITOR_AUTOSTART"`
	SyncConcurrency   int    `mapstructure:"SYNC_CONCURRENCY"`

	AuthSigningKey     string   `mapstructure:"AUTH_SIGNING_KEY"`
	AuthIssuer         string   `mapstructure:"AUTH_ISSUER"`
	CORSOrigins        []string `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS       float64  `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst     int      `mapstructure:"RATE_LIMIT_BURST"`
	NotificationBuffer int      `mapstructure:"NOTIFICATION_BUFFER"`

	WebhookURL    string   `mapstructure:"WEBHOOK_URL"`
	WebhookSecret string   `mapstructure:"WEBHOOK_SECRET"`
	WebhookEvents []string `mapstructure:"WEBHOOK_EVENTS"`
}

var envKeys = []string{
	"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"ARCHIVE_URL", "ARCHIVE_USERNAME", "ARCHIVE_PASSWORD", "ARCHIVE_TIMEOUT_MS",
	"ARCHIVE_RATE_LIMIT", "ARCHIVE_TIMEZONE", "VIEWER_URL",
	"INSTITUTION_CODE", "MONITOR_INTERVAL_MS", "MONITOR_JITTER_MS",
	"MONITOR_AUTOSTART", "SYNC_CONCURRENCY",
	"AUTH_SIGNING_KEY", "AUTH_ISSUER", "CORS_ORIGINS",
	"RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "NOTIFICATION_BUFFER",
	"WEBHOOK_URL", "WEBHOOK_SECRET", "WEBHOOK_EVENTS",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("ARCHIVE_URL", "http://localhost:8042")
	v.SetDefault("ARCHIVE_TIMEOUT_MS", 30000)
	v.SetDefault("ARCHIVE_RATE_LIMIT", 20)
	v.SetDefault("ARCHIVE_TIMEZONE", "UTC")
	v.SetDefault("VIEWER_URL", "http://localhost:3001/viewer")
	v.SetDefault("INSTITUTION_CODE", "RAD")
	v.SetDefault("MONITOR_INTERVAL_MS", 10000)
	v.SetDefault("MONITOR_JITTER_MS", 0)
	v.SetDefault("MONITOR_AUTOSTART", false)
	v.SetDefault("SYNC_CONCURRENCY", 8)
	v.SetDefault("AUTH_ISSUER", "risync")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 50)
	v.SetDefault("RATE_LIMIT_BURST", 100)
	v.SetDefault("NOTIFICATION_BUFFER", 500)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, key := range envKeys {
		_ = v.BindEnv(key)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		origins := v.GetString("CORS_ORIGINS")
		if origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}
	if cfg.WebhookEvents == nil {
		if events := v.GetString("WEBHOOK_EVENTS"); events != "" {
			cfg.WebhookEvents = strings.Split(events, ",")
		}
	}
	cfg.InstitutionCode = strings.ToUpper(strings.TrimSpace(cfg.InstitutionCode))

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// MonitorInterval returns the configured poll interval.
func (c *Config) MonitorInterval() time.Duration {
	return time.Duration(c.MonitorIntervalMS) * time.Millisecond
}

func (c *Config) MonitorJitter() time.Duration {
	return time.Duration(c.MonitorJitterMS) * time.Millisecond
}

func (c *Config) ArchiveTimeout() time.Duration {
	return time.Duration(c.ArchiveTimeoutMS) * time.Millisecond
}

// Location resolves ARCHIVE_TIMEZONE, the zone archive study dates are
// interpreted in.
func (c *Config) Location() (*time.Location, error) {
	if c.ArchiveTimezone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(c.ArchiveTimezone)
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	if !institutionCodePattern.MatchString(c.InstitutionCode) {
		return fmt.Errorf("INSTITUTION_CODE must be 2-4 upper-case letters, got %q", c.InstitutionCode)
	}
	if c.MonitorInterval() < MinMonitorInterval {
		return fmt.Errorf("MONITOR_INTERVAL_MS must be at least %d, got %d", MinMonitorInterval.Milliseconds(), c.MonitorIntervalMS)
	}
	if c.MonitorJitterMS < 0 {
		return fmt.Errorf("MONITOR_JITTER_MS must not be negative")
	}
	if c.SyncConcurrency < 1 {
		return fmt.Errorf("SYNC_CONCURRENCY must be at least 1, got %d", c.SyncConcurrency)
	}
	if c.ArchiveURL == "" {
		return fmt.Errorf("ARCHIVE_URL is required")
	}
	if c.ArchiveTimeoutMS <= 0 {
		return fmt.Errorf("ARCHIVE_TIMEOUT_MS must be positive")
	}
	if _, err := c.Location(); err != nil {
		return fmt.Errorf("ARCHIVE_TIMEZONE: %w", err)
	}
	if !c.IsDev() && c.AuthSigningKey == "" {
		return fmt.Errorf("AUTH_SIGNING_KEY is required outside development (current ENV=%q)", c.Env)
	}
	return nil
}
