package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const minimalConfig = `
transport:
  host: "smtp.example.com"
  username: "news@example.com"
  password: "secret"
recipients:
  snapshot: "/tmp/contacts-*.json"
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	content := `
server:
  hostname: "mailer.test.com"

api:
  enabled: true
  listen_addr: ":9080"
  api_key: "test-api-key"

storage:
  backend: bolt
  path: "/tmp/mailrun/campaign.db"

history:
  max_age: 720h
  max_count: 500

transport:
  host: "smtp.test.com"
  port: 2525
  username: "news@test.com"
  password: "secret"
  security: none
  from_name: "Test News"
  list_unsubscribe: "mailto:unsubscribe@test.com"
  block_signatures:
    - "account suspended"

recipients:
  http:
    url: "https://contacts.test.com/api"
    timeout: 5s
  snapshot: "/tmp/contacts-*.json"

dispatcher:
  max_error_samples: 3

trigger:
  interval: 1h

logging:
  level: "debug"
  format: "text"
`
	cfg, err := Load(writeConfig(t, content))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Hostname != "mailer.test.com" {
		t.Errorf("Hostname = %v, want mailer.test.com", cfg.Server.Hostname)
	}
	if cfg.API.ListenAddr != ":9080" || cfg.API.APIKey != "test-api-key" {
		t.Errorf("API = %+v", cfg.API)
	}
	if cfg.History.Dir != "/tmp/mailrun/history" {
		t.Errorf("History.Dir = %v, want next to the store", cfg.History.Dir)
	}
	if cfg.History.MaxAge != 720*time.Hour || cfg.History.MaxCount != 500 {
		t.Errorf("History = %+v", cfg.History)
	}
	if cfg.Transport.Port != 2525 || cfg.Transport.Security != "none" {
		t.Errorf("Transport = %+v", cfg.Transport)
	}
	if len(cfg.Transport.BlockSignatures) != 1 {
		t.Errorf("BlockSignatures = %v", cfg.Transport.BlockSignatures)
	}
	if cfg.Recipients.HTTP.Timeout != 5*time.Second {
		t.Errorf("Recipients.HTTP.Timeout = %v, want 5s", cfg.Recipients.HTTP.Timeout)
	}
	if cfg.Dispatcher.MaxErrorSamples != 3 {
		t.Errorf("MaxErrorSamples = %v, want 3", cfg.Dispatcher.MaxErrorSamples)
	}
	if cfg.Trigger.Interval != time.Hour {
		t.Errorf("Trigger.Interval = %v, want 1h", cfg.Trigger.Interval)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "text" {
		t.Errorf("Logging = %+v", cfg.Logging)
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.API.ListenAddr != ":8080" {
		t.Errorf("API.ListenAddr = %v, want :8080", cfg.API.ListenAddr)
	}
	if cfg.API.WriteTimeout != 5*time.Minute {
		t.Errorf("API.WriteTimeout = %v, want 5m", cfg.API.WriteTimeout)
	}
	if cfg.Storage.Backend != "bolt" || cfg.Storage.Path != "/var/lib/mailrun/campaign.db" {
		t.Errorf("Storage = %+v", cfg.Storage)
	}
	if cfg.Storage.Redis.Key != "mailrun:campaign" {
		t.Errorf("Redis.Key = %v", cfg.Storage.Redis.Key)
	}
	if cfg.History.CleanupInterval != time.Hour {
		t.Errorf("History.CleanupInterval = %v, want 1h", cfg.History.CleanupInterval)
	}
	if cfg.Transport.Provider != "smtp" || cfg.Transport.Security != "starttls" {
		t.Errorf("Transport = %+v", cfg.Transport)
	}
	if cfg.Transport.Timeout != 30*time.Second {
		t.Errorf("Transport.Timeout = %v, want 30s", cfg.Transport.Timeout)
	}
	if cfg.Dispatcher.MaxErrorSamples != 5 || cfg.Dispatcher.SendTimeout != 2*time.Minute {
		t.Errorf("Dispatcher = %+v", cfg.Dispatcher)
	}
	if cfg.Trigger.Interval != 0 {
		t.Error("interval trigger should be disabled by default")
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "json" {
		t.Errorf("Logging = %+v", cfg.Logging)
	}
	if cfg.Metrics.ListenAddr != ":9090" || cfg.Metrics.Path != "/metrics" {
		t.Errorf("Metrics = %+v", cfg.Metrics)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("SMTP_HOST", "relay.example.net")
	t.Setenv("SMTP_PORT", "465")
	t.Setenv("SMTP_PASSWORD", "from-env")
	t.Setenv("DATABASE_URL", "postgres://localhost/contacts")
	t.Setenv("MAILRUN_API_KEY", "env-key")
	t.Setenv("MAILRUN_LOG_LEVEL", "warn")

	cfg, err := Load(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Transport.Host != "relay.example.net" || cfg.Transport.Port != 465 {
		t.Errorf("Transport = %+v", cfg.Transport)
	}
	if cfg.Transport.Password != "from-env" {
		t.Errorf("Password = %v, want from-env", cfg.Transport.Password)
	}
	if cfg.Transport.Username != "news@example.com" {
		t.Error("unset variables must not clear file values")
	}
	if cfg.Recipients.Database.DSN != "postgres://localhost/contacts" {
		t.Errorf("Database.DSN = %v", cfg.Recipients.Database.DSN)
	}
	if cfg.API.APIKey != "env-key" {
		t.Errorf("API.APIKey = %v", cfg.API.APIKey)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("Logging.Level = %v", cfg.Logging.Level)
	}
}

func TestLoadEnvBadPort(t *testing.T) {
	t.Setenv("SMTP_PORT", "not-a-port")

	if _, err := Load(writeConfig(t, minimalConfig)); err == nil {
		t.Error("expected error for non-numeric SMTP_PORT")
	}
}

func TestLoadDotEnv(t *testing.T) {
	path := writeConfig(t, `
transport:
  provider: gmail
recipients:
  http:
    url: "https://contacts.example.com"
`)
	dotenv := "GMAIL_USER=news@gmail.com\nGMAIL_APP_PASSWORD=abcd efgh ijkl mnop\n"
	if err := os.WriteFile(filepath.Join(filepath.Dir(path), ".env"), []byte(dotenv), 0600); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		os.Unsetenv("GMAIL_USER")
		os.Unsetenv("GMAIL_APP_PASSWORD")
	})

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Transport.GmailUser != "news@gmail.com" {
		t.Errorf("GmailUser = %v", cfg.Transport.GmailUser)
	}
	if cfg.Transport.GmailAppPassword != "abcd efgh ijkl mnop" {
		t.Errorf("GmailAppPassword = %q", cfg.Transport.GmailAppPassword)
	}
}

func TestLoadExplicitEnvFileMissing(t *testing.T) {
	t.Setenv("MAILRUN_ENV_FILE", filepath.Join(t.TempDir(), "missing.env"))

	if _, err := Load(writeConfig(t, minimalConfig)); err == nil {
		t.Error("expected error for a missing explicit env file")
	}
}

func TestGmailSelectedByCredentials(t *testing.T) {
	t.Setenv("GMAIL_USER", "news@gmail.com")
	t.Setenv("GMAIL_APP_PASSWORD", "app-pass")

	cfg, err := Load(writeConfig(t, `
recipients:
  snapshot: "/tmp/c.csv"
`))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Transport.Provider != "gmail" {
		t.Errorf("Provider = %v, want gmail", cfg.Transport.Provider)
	}
}

func TestLoadFileNotFound(t *testing.T) {
	if _, err := Load("/nonexistent/config.yaml"); err == nil {
		t.Error("Load() expected error for non-existent file")
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	if _, err := Load(writeConfig(t, "transport: [unclosed")); err == nil {
		t.Error("Load() expected error for invalid YAML")
	}
}

func validConfig() *Config {
	cfg := &Config{
		Transport: TransportConfig{
			Host:     "smtp.example.com",
			Username: "news@example.com",
		},
		Recipients: RecipientsConfig{Snapshot: "/tmp/c.json"},
	}
	cfg.setDefaults()
	return cfg
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"bad log level", func(c *Config) { c.Logging.Level = "trace" }, "logging.level"},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
		{"unknown backend", func(c *Config) { c.Storage.Backend = "sqlite" }, "storage.backend"},
		{"redis without addr", func(c *Config) { c.Storage.Backend = "redis" }, "storage.redis.addr"},
		{"redis with addr", func(c *Config) { c.Storage.Backend = "redis"; c.Storage.Redis.Addr = "localhost:6379" }, ""},
		{"missing host", func(c *Config) { c.Transport.Host = "" }, "transport.host"},
		{"missing sender", func(c *Config) { c.Transport.Username = "" }, "transport.from"},
		{"bad sender", func(c *Config) { c.Transport.From = "not an address" }, "transport.from"},
		{"unknown provider", func(c *Config) { c.Transport.Provider = "ses" }, "transport.provider"},
		{"gmail without password", func(c *Config) { c.Transport.Provider = "gmail"; c.Transport.GmailUser = "a@gmail.com" }, "gmail_app_password"},
		{"bad security", func(c *Config) { c.Transport.Security = "ssl" }, "transport.security"},
		{"bad port", func(c *Config) { c.Transport.Port = 70000 }, "transport.port"},
		{"bad unsubscribe", func(c *Config) { c.Transport.ListUnsubscribe = "ftp://x" }, "list_unsubscribe"},
		{"https unsubscribe", func(c *Config) { c.Transport.ListUnsubscribe = "<https://example.com/u>" }, ""},
		{"dkim without key", func(c *Config) { c.DKIM = DKIMConfig{Enabled: true, Domain: "example.com", Selector: "news"} }, "dkim.key_file"},
		{"dkim without domain", func(c *Config) { c.DKIM = DKIMConfig{Enabled: true} }, "dkim.domain"},
		{"no recipient source", func(c *Config) { c.Recipients = RecipientsConfig{} }, "recipient source"},
		{"api without key", func(c *Config) { c.API.Enabled = true }, "api.api_key"},
		{"api with hash", func(c *Config) { c.API.Enabled = true; c.API.APIKeyHash = "$2a$10$abc" }, ""},
		{"amqp without queue", func(c *Config) { c.Trigger.AMQP.URL = "amqp://localhost" }, "trigger.amqp.queue"},
		{"negative interval", func(c *Config) { c.Trigger.Interval = -time.Second }, "trigger.interval"},
		{"negative retention", func(c *Config) { c.History.MaxCount = -1 }, "history"},
		{"bad allowed ip", func(c *Config) { c.Metrics.AllowedIPs = []string{"10.0.0.300"} }, "invalid IP"},
		{"bad allowed cidr", func(c *Config) { c.API.AllowedIPs = []string{"10.0.0.0/33"} }, "invalid CIDR"},
		{"good allowed list", func(c *Config) { c.API.AllowedIPs = []string{"10.0.0.0/8", "::1"} }, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.modify(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Validate() expected error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want it to contain %q", err, tt.wantErr)
			}
		})
	}
}
