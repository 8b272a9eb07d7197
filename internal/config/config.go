package config

import (
	"errors"
	"fmt"
	"net/mail"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v6"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/foxzi/mailrun/internal/ipfilter"
)

// Config is the main configuration structure
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	API        APIConfig        `yaml:"api"`
	Storage    StorageConfig    `yaml:"storage"`
	History    HistoryConfig    `yaml:"history"`
	Transport  TransportConfig  `yaml:"transport"`
	DKIM       DKIMConfig       `yaml:"dkim"`
	Recipients RecipientsConfig `yaml:"recipients"`
	Dispatcher DispatcherConfig `yaml:"dispatcher"`
	Trigger    TriggerConfig    `yaml:"trigger"`
	Logging    LoggingConfig    `yaml:"logging"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

// ServerConfig contains process-wide settings
type ServerConfig struct {
	Hostname        string        `yaml:"hostname"`         // EHLO name, default: os hostname
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"` // Default: 30s
}

// APIConfig contains HTTP control surface settings
type APIConfig struct {
	Enabled        bool          `yaml:"enabled"`
	ListenAddr     string        `yaml:"listen_addr"`
	APIKey         string        `yaml:"api_key"`
	APIKeyHash     string        `yaml:"api_key_hash"`     // bcrypt hash, used instead of api_key
	MaxHeaderBytes int           `yaml:"max_header_bytes"` // Default: 1MB
	MaxBodyBytes   int64         `yaml:"max_body_bytes"`   // Default: 10MB
	ReadTimeout    time.Duration `yaml:"read_timeout"`     // Default: 30s
	WriteTimeout   time.Duration `yaml:"write_timeout"`    // Default: 5m, a batch may take a while
	IdleTimeout    time.Duration `yaml:"idle_timeout"`     // Default: 60s
	AllowedIPs     []string      `yaml:"allowed_ips"`      // IP addresses/CIDRs allowed to access the API (empty = allow all)
}

// StorageConfig selects the campaign record backend
type StorageConfig struct {
	Backend string      `yaml:"backend"` // bolt (default) or redis
	Path    string      `yaml:"path"`    // bolt database file
	Redis   RedisConfig `yaml:"redis"`
}

// RedisConfig contains Redis connection settings
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Key      string `yaml:"key"` // Default: mailrun:campaign
}

// HistoryConfig contains batch history settings
type HistoryConfig struct {
	Dir             string        `yaml:"dir"`
	MaxAge          time.Duration `yaml:"max_age"`          // Delete reports older than this (0 = keep forever)
	MaxCount        int           `yaml:"max_count"`        // Keep at most this many reports (0 = unlimited)
	CleanupInterval time.Duration `yaml:"cleanup_interval"` // Default: 1h
}

// TransportConfig contains SMTP provider settings
type TransportConfig struct {
	Provider           string        `yaml:"provider"` // smtp (default) or gmail
	Host               string        `yaml:"host"`
	Port               int           `yaml:"port"`
	Username           string        `yaml:"username"`
	Password           string        `yaml:"password"`
	Security           string        `yaml:"security"` // starttls (default), tls, none
	InsecureSkipVerify bool          `yaml:"insecure_skip_verify"`
	GmailUser          string        `yaml:"gmail_user"`
	GmailAppPassword   string        `yaml:"gmail_app_password"`
	From               string        `yaml:"from"`
	FromName           string        `yaml:"from_name"`
	ReplyTo            string        `yaml:"reply_to"`
	ListUnsubscribe    string        `yaml:"list_unsubscribe"` // mailto: or https: target
	Timeout            time.Duration `yaml:"timeout"`          // Default: 30s
	BlockSignatures    []string      `yaml:"block_signatures"` // Extra reply fragments that pause the campaign
}

// DKIMConfig contains DKIM signing settings
type DKIMConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Domain   string `yaml:"domain"`
	Selector string `yaml:"selector"`
	KeyFile  string `yaml:"key_file"`
}

// RecipientsConfig lists the contact sources in fallback order: http, database, snapshot
type RecipientsConfig struct {
	HTTP     HTTPSourceConfig     `yaml:"http"`
	Database DatabaseSourceConfig `yaml:"database"`
	Snapshot string               `yaml:"snapshot"` // glob, e.g. /var/lib/mailrun/contacts-*.json
}

// HTTPSourceConfig contains remote contact service settings
type HTTPSourceConfig struct {
	URL     string        `yaml:"url"`
	APIKey  string        `yaml:"api_key"`
	Timeout time.Duration `yaml:"timeout"` // Default: 10s
}

// DatabaseSourceConfig contains PostgreSQL contact source settings
type DatabaseSourceConfig struct {
	DSN   string `yaml:"dsn"`
	Query string `yaml:"query"` // Default: recipients.DefaultContactsQuery
}

// DispatcherConfig contains batch processing settings
type DispatcherConfig struct {
	MaxErrorSamples int           `yaml:"max_error_samples"` // Default: 5
	SendTimeout     time.Duration `yaml:"send_timeout"`      // Default: 2m
}

// TriggerConfig contains the automatic batch triggers
type TriggerConfig struct {
	Interval time.Duration `yaml:"interval"` // Run a batch every interval (0 = disabled)
	AMQP     AMQPConfig    `yaml:"amqp"`
}

// AMQPConfig contains the message-driven trigger settings
type AMQPConfig struct {
	URL      string `yaml:"url"` // empty = disabled
	Queue    string `yaml:"queue"`
	Consumer string `yaml:"consumer"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level      string `yaml:"level"`        // debug, info, warn, error
	Format     string `yaml:"format"`       // json, text
	File       string `yaml:"file"`         // empty = stdout
	MaxSizeMB  int    `yaml:"max_size_mb"`  // Default: 100
	MaxBackups int    `yaml:"max_backups"`  // Default: 5
	MaxAgeDays int    `yaml:"max_age_days"` // Default: 30
	Compress   bool   `yaml:"compress"`
}

// MetricsConfig contains Prometheus metrics settings
type MetricsConfig struct {
	Enabled       bool          `yaml:"enabled"`
	ListenAddr    string        `yaml:"listen_addr"`    // Default: :9090
	Path          string        `yaml:"path"`           // Default: /metrics
	FlushInterval time.Duration `yaml:"flush_interval"` // Default: 10s
	AllowedIPs    []string      `yaml:"allowed_ips"`    // IP addresses/CIDRs allowed to access metrics
}

// envOverrides are environment variables that take precedence over the file
type envOverrides struct {
	SMTPHost         string `env:"SMTP_HOST"`
	SMTPPort         int    `env:"SMTP_PORT"`
	SMTPUser         string `env:"SMTP_USER"`
	SMTPPassword     string `env:"SMTP_PASSWORD"`
	GmailUser        string `env:"GMAIL_USER"`
	GmailAppPassword string `env:"GMAIL_APP_PASSWORD"`
	SourceURL        string `env:"RECIPIENT_SOURCE_URL"`
	SourceAPIKey     string `env:"RECIPIENT_SOURCE_API_KEY"`
	DatabaseURL      string `env:"DATABASE_URL"`
	APIKey           string `env:"MAILRUN_API_KEY"`
	RedisAddr        string `env:"REDIS_ADDR"`
	AMQPURL          string `env:"AMQP_URL"`
	LogLevel         string `env:"MAILRUN_LOG_LEVEL"`
}

// Load loads configuration from a YAML file, then applies the .env file
// and environment overrides
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := loadDotEnv(path); err != nil {
		return nil, err
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}

	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// loadDotEnv loads MAILRUN_ENV_FILE or the .env file next to the config.
// Variables already set in the environment win.
func loadDotEnv(configPath string) error {
	file := os.Getenv("MAILRUN_ENV_FILE")
	explicit := file != ""
	if !explicit {
		file = filepath.Join(filepath.Dir(configPath), ".env")
	}

	if _, err := os.Stat(file); err != nil {
		if errors.Is(err, os.ErrNotExist) && !explicit {
			return nil
		}
		return fmt.Errorf("failed to read env file: %w", err)
	}

	if err := godotenv.Load(file); err != nil {
		return fmt.Errorf("failed to load env file %s: %w", file, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	var e envOverrides
	if err := env.Parse(&e); err != nil {
		return err
	}

	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}

	set(&c.Transport.Host, e.SMTPHost)
	if e.SMTPPort != 0 {
		c.Transport.Port = e.SMTPPort
	}
	set(&c.Transport.Username, e.SMTPUser)
	set(&c.Transport.Password, e.SMTPPassword)
	set(&c.Transport.GmailUser, e.GmailUser)
	set(&c.Transport.GmailAppPassword, e.GmailAppPassword)
	set(&c.Recipients.HTTP.URL, e.SourceURL)
	set(&c.Recipients.HTTP.APIKey, e.SourceAPIKey)
	set(&c.Recipients.Database.DSN, e.DatabaseURL)
	set(&c.API.APIKey, e.APIKey)
	set(&c.Storage.Redis.Addr, e.RedisAddr)
	set(&c.Trigger.AMQP.URL, e.AMQPURL)
	set(&c.Logging.Level, e.LogLevel)

	// Gmail credentials alone select the gmail preset
	if c.Transport.Provider == "" && c.Transport.Host == "" && c.Transport.GmailUser != "" {
		c.Transport.Provider = "gmail"
	}

	return nil
}

func (c *Config) setDefaults() {
	if c.Server.Hostname == "" {
		hostname, _ := os.Hostname()
		c.Server.Hostname = hostname
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 30 * time.Second
	}

	if c.API.ListenAddr == "" {
		c.API.ListenAddr = ":8080"
	}
	if c.API.MaxHeaderBytes == 0 {
		c.API.MaxHeaderBytes = 1 << 20 // 1 MB
	}
	if c.API.MaxBodyBytes == 0 {
		c.API.MaxBodyBytes = 10 << 20 // 10 MB
	}
	if c.API.ReadTimeout == 0 {
		c.API.ReadTimeout = 30 * time.Second
	}
	if c.API.WriteTimeout == 0 {
		c.API.WriteTimeout = 5 * time.Minute
	}
	if c.API.IdleTimeout == 0 {
		c.API.IdleTimeout = 60 * time.Second
	}

	if c.Storage.Backend == "" {
		c.Storage.Backend = "bolt"
	}
	if c.Storage.Path == "" {
		c.Storage.Path = "/var/lib/mailrun/campaign.db"
	}
	if c.Storage.Redis.Key == "" {
		c.Storage.Redis.Key = "mailrun:campaign"
	}

	if c.History.Dir == "" {
		c.History.Dir = filepath.Join(filepath.Dir(c.Storage.Path), "history")
	}
	if c.History.CleanupInterval == 0 {
		c.History.CleanupInterval = time.Hour
	}

	if c.Transport.Provider == "" {
		c.Transport.Provider = "smtp"
	}
	if c.Transport.Security == "" {
		c.Transport.Security = "starttls"
	}
	if c.Transport.Timeout == 0 {
		c.Transport.Timeout = 30 * time.Second
	}

	if c.Recipients.HTTP.Timeout == 0 {
		c.Recipients.HTTP.Timeout = 10 * time.Second
	}

	if c.Dispatcher.MaxErrorSamples == 0 {
		c.Dispatcher.MaxErrorSamples = 5
	}
	if c.Dispatcher.SendTimeout == 0 {
		c.Dispatcher.SendTimeout = 2 * time.Minute
	}

	if c.Trigger.AMQP.Consumer == "" {
		c.Trigger.AMQP.Consumer = "mailrun"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.MaxSizeMB == 0 {
		c.Logging.MaxSizeMB = 100
	}
	if c.Logging.MaxBackups == 0 {
		c.Logging.MaxBackups = 5
	}
	if c.Logging.MaxAgeDays == 0 {
		c.Logging.MaxAgeDays = 30
	}

	if c.Metrics.ListenAddr == "" {
		c.Metrics.ListenAddr = ":9090"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Metrics.FlushInterval == 0 {
		c.Metrics.FlushInterval = 10 * time.Second
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging.level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	validLogFormats := map[string]bool{"json": true, "text": true}
	if !validLogFormats[c.Logging.Format] {
		return fmt.Errorf("invalid logging.format: %s (must be json or text)", c.Logging.Format)
	}

	if err := c.validateStorage(); err != nil {
		return err
	}

	if err := c.validateTransport(); err != nil {
		return err
	}

	if err := c.validateDKIM(); err != nil {
		return err
	}

	if c.Recipients.HTTP.URL == "" && c.Recipients.Database.DSN == "" && c.Recipients.Snapshot == "" {
		return fmt.Errorf("at least one recipient source is required (recipients.http.url, recipients.database.dsn or recipients.snapshot)")
	}

	if c.API.Enabled && c.API.APIKey == "" && c.API.APIKeyHash == "" {
		return fmt.Errorf("api.api_key or api.api_key_hash is required when the API is enabled")
	}

	if c.Trigger.Interval < 0 {
		return fmt.Errorf("trigger.interval must not be negative")
	}
	if c.Trigger.AMQP.URL != "" && c.Trigger.AMQP.Queue == "" {
		return fmt.Errorf("trigger.amqp.queue is required when trigger.amqp.url is set")
	}

	if c.History.MaxAge < 0 || c.History.MaxCount < 0 {
		return fmt.Errorf("history.max_age and history.max_count must not be negative")
	}

	if _, err := ipfilter.Parse(c.API.AllowedIPs); err != nil {
		return fmt.Errorf("api.allowed_ips: %w", err)
	}
	if _, err := ipfilter.Parse(c.Metrics.AllowedIPs); err != nil {
		return fmt.Errorf("metrics.allowed_ips: %w", err)
	}

	return nil
}

func (c *Config) validateStorage() error {
	switch c.Storage.Backend {
	case "bolt":
		if c.Storage.Path == "" {
			return fmt.Errorf("storage.path is required for the bolt backend")
		}
	case "redis":
		if c.Storage.Redis.Addr == "" {
			return fmt.Errorf("storage.redis.addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("invalid storage.backend: %s (must be bolt or redis)", c.Storage.Backend)
	}
	return nil
}

func (c *Config) validateTransport() error {
	t := c.Transport

	switch t.Provider {
	case "smtp":
		if t.Host == "" {
			return fmt.Errorf("transport.host is required")
		}
		if t.From == "" && t.Username == "" {
			return fmt.Errorf("transport.from is required when transport.username is empty")
		}
	case "gmail":
		if t.GmailUser == "" || t.GmailAppPassword == "" {
			return fmt.Errorf("transport.gmail_user and transport.gmail_app_password are required for the gmail provider")
		}
	default:
		return fmt.Errorf("invalid transport.provider: %s (must be smtp or gmail)", t.Provider)
	}

	switch t.Security {
	case "starttls", "tls", "none":
	default:
		return fmt.Errorf("invalid transport.security: %s (must be starttls, tls, or none)", t.Security)
	}

	if t.Port < 0 || t.Port > 65535 {
		return fmt.Errorf("invalid transport.port: %d", t.Port)
	}

	if t.From != "" {
		if _, err := mail.ParseAddress(t.From); err != nil {
			return fmt.Errorf("invalid transport.from: %w", err)
		}
	}

	if t.ListUnsubscribe != "" {
		target := strings.ToLower(strings.Trim(t.ListUnsubscribe, "<>"))
		if !strings.HasPrefix(target, "mailto:") && !strings.HasPrefix(target, "https://") && !strings.HasPrefix(target, "http://") {
			return fmt.Errorf("transport.list_unsubscribe must be a mailto: or http(s): URL")
		}
	}

	return nil
}

func (c *Config) validateDKIM() error {
	if !c.DKIM.Enabled {
		return nil
	}

	if c.DKIM.Domain == "" {
		return fmt.Errorf("dkim.domain is required when DKIM is enabled")
	}
	if c.DKIM.Selector == "" {
		return fmt.Errorf("dkim.selector is required when DKIM is enabled")
	}
	if c.DKIM.KeyFile == "" {
		return fmt.Errorf("dkim.key_file is required when DKIM is enabled")
	}

	return nil
}
