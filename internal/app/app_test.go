package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-smtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/foxzi/mailrun/internal/config"
	"github.com/foxzi/mailrun/internal/dkim"
	"github.com/foxzi/mailrun/internal/queue"
)

// relay accepts mail without authentication and rejects chosen recipients
type relay struct {
	mu       sync.Mutex
	accepted []string
	reject   map[string]error
}

func (r *relay) NewSession(c *smtp.Conn) (smtp.Session, error) {
	return &relaySession{r: r}, nil
}

func (r *relay) delivered() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.accepted...)
}

type relaySession struct {
	r  *relay
	to []string
}

func (s *relaySession) Mail(from string, opts *smtp.MailOptions) error { return nil }

func (s *relaySession) Rcpt(to string, opts *smtp.RcptOptions) error {
	if err := s.r.reject[to]; err != nil {
		return err
	}
	s.to = append(s.to, to)
	return nil
}

func (s *relaySession) Data(rd io.Reader) error {
	if _, err := io.ReadAll(rd); err != nil {
		return err
	}
	s.r.mu.Lock()
	s.r.accepted = append(s.r.accepted, s.to...)
	s.r.mu.Unlock()
	return nil
}

func (s *relaySession) Reset()        { s.to = nil }
func (s *relaySession) Logout() error { return nil }

func startRelay(t *testing.T, r *relay) int {
	t.Helper()

	srv := smtp.NewServer(r)
	srv.Domain = "relay.test"
	srv.ReadTimeout = 5 * time.Second
	srv.WriteTimeout = 5 * time.Second

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	go srv.Serve(l)
	t.Cleanup(func() { srv.Close() })

	return l.Addr().(*net.TCPAddr).Port
}

func writeSnapshot(t *testing.T, dir string, emails ...string) {
	t.Helper()
	var records []string
	for _, e := range emails {
		records = append(records, fmt.Sprintf(`{"email":%q,"source":"site","tags":["newsletter"]}`, e))
	}
	data := "[" + strings.Join(records, ",") + "]"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "contacts-1.json"), []byte(data), 0644))
}

func loadConfig(t *testing.T, dir string, port int, extra string) *config.Config {
	t.Helper()
	content := fmt.Sprintf(`
storage:
  path: %q
transport:
  host: "127.0.0.1"
  port: %d
  security: none
  from: "news@example.com"
  timeout: 5s
recipients:
  snapshot: %q
logging:
  level: error
  format: text
  file: %q
%s`,
		filepath.Join(dir, "campaign.db"),
		port,
		filepath.Join(dir, "contacts-*.json"),
		filepath.Join(dir, "mailrun.log"),
		extra,
	)
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	return cfg
}

func TestCampaignEndToEnd(t *testing.T) {
	dir := t.TempDir()
	r := &relay{}
	port := startRelay(t, r)
	writeSnapshot(t, dir, "a@example.org", "b@example.org", "c@example.org")

	a, err := New(loadConfig(t, dir, port, ""))
	require.NoError(t, err)
	defer a.Close()

	ctx := context.Background()

	created, err := a.Controller().Create(ctx, queue.CreateRequest{
		Subject:       "October",
		Body:          "<p>Hello</p>",
		EmailsPerHour: 2,
		FilterTag:     "newsletter",
	})
	require.NoError(t, err)
	assert.Equal(t, 3, created.TotalRecipients)

	_, err = a.Controller().Apply(ctx, queue.ActionStart)
	require.NoError(t, err)

	res, err := a.Dispatcher().ProcessBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, queue.OutcomeProcessed, res.Outcome)
	assert.Equal(t, 2, res.Sent)

	res, err = a.Dispatcher().ProcessBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Sent)
	assert.Equal(t, queue.StateCompleted, res.Status)

	assert.ElementsMatch(t, []string{"a@example.org", "b@example.org", "c@example.org"}, r.delivered())

	reports, err := a.History().List(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, reports, 2)

	st, err := campaignStats{a.Controller()}.CampaignStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, "completed", st.State)
	assert.Zero(t, st.Pending)
}

func TestCampaignProviderBlockPauses(t *testing.T) {
	dir := t.TempDir()
	r := &relay{reject: map[string]error{
		"c@example.org": &smtp.SMTPError{
			Code:         454,
			EnhancedCode: smtp.EnhancedCode{4, 7, 0},
			Message:      "Too many login attempts, please try again later",
		},
	}}
	port := startRelay(t, r)
	writeSnapshot(t, dir, "a@example.org", "b@example.org", "c@example.org", "d@example.org", "e@example.org")

	a, err := New(loadConfig(t, dir, port, ""))
	require.NoError(t, err)
	defer a.Close()

	ctx := context.Background()
	_, err = a.Controller().Create(ctx, queue.CreateRequest{Subject: "s", Body: "<p>b</p>", EmailsPerHour: 5})
	require.NoError(t, err)
	_, err = a.Controller().Apply(ctx, queue.ActionStart)
	require.NoError(t, err)

	res, err := a.Dispatcher().ProcessBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, queue.OutcomeProviderBlocked, res.Outcome)
	assert.Equal(t, 2, res.Sent)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, queue.StatePaused, res.Status)
	assert.Equal(t, 2, res.PendingTotal)
}

func TestNewRejectsUnreadableDKIMKey(t *testing.T) {
	dir := t.TempDir()
	writeSnapshot(t, dir, "a@example.org")

	keyFile := filepath.Join(dir, "missing.key")
	cfg := loadConfig(t, dir, 2525, "")
	cfg.DKIM = config.DKIMConfig{Enabled: true, Domain: "example.com", Selector: "mail", KeyFile: keyFile}

	_, err := New(cfg)
	assert.ErrorContains(t, err, "DKIM")
}

func TestNewTransport(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	kp, err := dkim.GenerateKey("example.com", "mail", 1024)
	require.NoError(t, err)
	keyFile := kp.KeyPath(t.TempDir())
	require.NoError(t, kp.SavePrivateKey(keyFile))

	cfg := &config.Config{
		Transport: config.TransportConfig{
			Provider:         "gmail",
			GmailUser:        "news@example.com",
			GmailAppPassword: "app-pass",
			BlockSignatures:  []string{"account suspended"},
		},
		DKIM: config.DKIMConfig{Enabled: true, Domain: "example.com", Selector: "mail", KeyFile: keyFile},
	}

	client, classifier, err := NewTransport(cfg, logger)
	require.NoError(t, err)
	assert.NotNil(t, client)
	assert.Equal(t, queue.ClassProviderBlock, classifier.Classify(fmt.Errorf("550 Account suspended")))
	assert.Equal(t, queue.ClassTransient, classifier.Classify(fmt.Errorf("550 mailbox unavailable")))
}

func TestNewLoader(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	loader, db, err := NewLoader(config.RecipientsConfig{
		HTTP:     config.HTTPSourceConfig{URL: "http://127.0.0.1:1/contacts", Timeout: time.Second},
		Snapshot: filepath.Join(t.TempDir(), "none-*.json"),
	}, logger)
	require.NoError(t, err)
	assert.Nil(t, db)

	_, err = loader.Load(context.Background(), "")
	assert.ErrorContains(t, err, "all recipient sources failed")
}

func TestOpenRepositoryRedisUnreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := OpenRepository(ctx, config.StorageConfig{
		Backend: "redis",
		Redis:   config.RedisConfig{Addr: "127.0.0.1:1"},
	})
	assert.Error(t, err)
}

func TestSetupLoggerFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "mailrun.log")

	logger, closer := setupLogger(config.LoggingConfig{Level: "debug", Format: "json", File: path, MaxSizeMB: 1})
	require.NotNil(t, closer)

	logger.Debug("hello", "k", "v")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"hello"`)
}
