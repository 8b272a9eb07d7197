// Package app wires the campaign components into a running service.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	bolt "go.etcd.io/bbolt"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/foxzi/mailrun/internal/api"
	"github.com/foxzi/mailrun/internal/config"
	"github.com/foxzi/mailrun/internal/dkim"
	"github.com/foxzi/mailrun/internal/metrics"
	"github.com/foxzi/mailrun/internal/queue"
	"github.com/foxzi/mailrun/internal/recipients"
	"github.com/foxzi/mailrun/internal/smtp"
	"github.com/foxzi/mailrun/internal/trigger"
)

// App is the main application
type App struct {
	config     *config.Config
	logger     *slog.Logger
	logCloser  io.Closer
	repo       queue.Repository
	history    *queue.FileHistory
	cleaner    *queue.Cleaner
	database   *recipients.DatabaseSource
	controller *queue.Controller
	dispatcher *queue.Dispatcher

	apiServer     *api.Server
	metricsServer *metrics.Server
	collector     *metrics.Collector
	ticker        *trigger.Ticker
	amqpConsumer  *trigger.AMQPConsumer
}

// New creates a new application
func New(cfg *config.Config) (*App, error) {
	logger, logCloser := setupLogger(cfg.Logging)

	a := &App{
		config:    cfg,
		logger:    logger,
		logCloser: logCloser,
	}

	if err := a.build(); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

// build creates every component; on error the caller closes what was opened
func (a *App) build() error {
	cfg := a.config
	logger := a.logger

	repo, err := OpenRepository(context.Background(), cfg.Storage)
	if err != nil {
		return err
	}
	a.repo = repo

	a.history = queue.NewFileHistory(cfg.History.Dir)
	a.cleaner = queue.NewCleaner(a.history, queue.CleanerConfig{
		MaxAge:   cfg.History.MaxAge,
		MaxCount: cfg.History.MaxCount,
		Interval: cfg.History.CleanupInterval,
	}, logger.With("component", "cleaner"))

	loader, database, err := NewLoader(cfg.Recipients, logger.With("component", "recipients"))
	if err != nil {
		return err
	}
	a.database = database

	sender, classifier, err := NewTransport(cfg, logger.With("component", "smtp"))
	if err != nil {
		return err
	}

	a.controller = queue.NewController(repo, loader, logger.With("component", "controller"))
	a.dispatcher = queue.NewDispatcher(repo, sender, a.history, classifier.Classify, queue.DispatcherConfig{
		MaxErrorSamples: cfg.Dispatcher.MaxErrorSamples,
		SendTimeout:     cfg.Dispatcher.SendTimeout,
	}, logger.With("component", "dispatcher"))

	if cfg.API.Enabled {
		a.apiServer, err = api.NewServer(a.controller, a.dispatcher, a.history, &cfg.API, logger.With("component", "api"))
		if err != nil {
			return fmt.Errorf("failed to create API server: %w", err)
		}
	}

	if cfg.Metrics.Enabled {
		if err := a.setupMetrics(); err != nil {
			return err
		}
	}

	if cfg.Trigger.Interval > 0 {
		a.ticker = trigger.NewTicker(a.dispatcher, cfg.Trigger.Interval, logger.With("component", "ticker"))
	}
	if cfg.Trigger.AMQP.URL != "" {
		a.amqpConsumer = trigger.NewAMQPConsumer(a.dispatcher, trigger.AMQPConfig{
			URL:      cfg.Trigger.AMQP.URL,
			Queue:    cfg.Trigger.AMQP.Queue,
			Consumer: cfg.Trigger.AMQP.Consumer,
		}, logger.With("component", "amqp"))
	}

	return nil
}

func (a *App) setupMetrics() error {
	m := metrics.New()
	metrics.SetGlobal(m)

	// Counters survive restarts only when they share the bolt file
	var (
		db          *bolt.DB
		storagePath string
	)
	if bs, ok := a.repo.(*queue.BoltStorage); ok {
		db = bs.DB()
		storagePath = a.config.Storage.Path
	}

	collector, err := metrics.NewCollector(db, m, campaignStats{a.controller}, storagePath, a.config.Metrics.FlushInterval)
	if err != nil {
		return fmt.Errorf("failed to create metrics collector: %w", err)
	}
	a.collector = collector

	a.metricsServer = metrics.NewServer(m,
		a.config.Metrics.ListenAddr,
		a.config.Metrics.Path,
		a.config.Metrics.AllowedIPs,
		a.logger.With("component", "metrics"),
	)
	return nil
}

// Controller returns the campaign controller
func (a *App) Controller() *queue.Controller {
	return a.controller
}

// Dispatcher returns the batch dispatcher
func (a *App) Dispatcher() *queue.Dispatcher {
	return a.dispatcher
}

// History returns the batch history store
func (a *App) History() *queue.FileHistory {
	return a.history
}

// Logger returns the configured logger
func (a *App) Logger() *slog.Logger {
	return a.logger
}

// Run starts all components and waits for shutdown
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("starting mailrun",
		"hostname", a.config.Server.Hostname,
		"storage", a.config.Storage.Backend,
		"api_enabled", a.config.API.Enabled,
		"api_addr", a.config.API.ListenAddr,
		"trigger_interval", a.config.Trigger.Interval,
		"amqp_trigger", a.amqpConsumer != nil,
	)

	// Create context that listens for signals
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	errCh := make(chan error, 2)

	a.cleaner.Start(ctx)

	if a.collector != nil {
		a.collector.Start(ctx)
		go func() {
			if err := a.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}

	if a.apiServer != nil {
		go func() {
			if err := a.apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("api server: %w", err)
			}
		}()
	}

	if a.ticker != nil {
		a.ticker.Start(ctx)
	}

	if a.amqpConsumer != nil {
		if err := a.amqpConsumer.Start(ctx); err != nil {
			a.logger.Error("amqp trigger failed to start", "error", err)
			a.amqpConsumer = nil
		}
	}

	// Wait for shutdown signal or error
	var runErr error
	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case runErr = <-errCh:
		a.logger.Error("server error", "error", runErr)
		cancel()
	}

	if err := a.Shutdown(context.Background()); err != nil {
		return err
	}
	return runErr
}

// Shutdown gracefully shuts down all components
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(ctx, a.config.Server.ShutdownTimeout)
	defer cancel()

	// Stop triggers first so no new batch starts
	if a.ticker != nil {
		a.ticker.Stop()
	}
	if a.amqpConsumer != nil {
		a.amqpConsumer.Stop()
	}

	if a.apiServer != nil {
		if err := a.apiServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("api server shutdown error", "error", err)
		}
	}

	if a.metricsServer != nil {
		if err := a.metricsServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("metrics server shutdown error", "error", err)
		}
	}

	a.cleaner.Stop()

	a.logger.Info("shutdown complete")
	a.close()
	return nil
}

// Close releases storage and log handles without running the servers
func (a *App) Close() {
	a.close()
}

func (a *App) close() {
	if a.collector != nil {
		// Persists counters
		if err := a.collector.Stop(); err != nil {
			a.logger.Error("metrics collector stop error", "error", err)
		}
		a.collector = nil
	}

	if a.database != nil {
		if err := a.database.Close(); err != nil {
			a.logger.Error("recipient database close error", "error", err)
		}
		a.database = nil
	}

	if a.repo != nil {
		if err := a.repo.Close(); err != nil {
			a.logger.Error("storage close error", "error", err)
		}
		a.repo = nil
	}

	if a.logCloser != nil {
		a.logCloser.Close()
		a.logCloser = nil
	}
}

// OpenRepository opens the configured campaign record backend
func OpenRepository(ctx context.Context, cfg config.StorageConfig) (queue.Repository, error) {
	switch cfg.Backend {
	case "redis":
		repo, err := queue.NewRedisStorage(ctx, queue.RedisOptions{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Key:      cfg.Redis.Key,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create storage: %w", err)
		}
		return repo, nil
	default:
		repo, err := queue.NewBoltStorage(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to create storage: %w", err)
		}
		return repo, nil
	}
}

// NewLoader builds the recipient source chain: http, database, snapshot.
// The database source is returned separately so it can be closed.
func NewLoader(cfg config.RecipientsConfig, logger *slog.Logger) (*recipients.Loader, *recipients.DatabaseSource, error) {
	var (
		sources  []recipients.Source
		database *recipients.DatabaseSource
	)

	if cfg.HTTP.URL != "" {
		sources = append(sources, recipients.NewHTTPSource(cfg.HTTP.URL, cfg.HTTP.APIKey, cfg.HTTP.Timeout))
	}

	if cfg.Database.DSN != "" {
		db, err := recipients.NewDatabaseSource(cfg.Database.DSN, cfg.Database.Query)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create database source: %w", err)
		}
		database = db
		sources = append(sources, db)
	}

	if cfg.Snapshot != "" {
		sources = append(sources, recipients.NewSnapshotSource(cfg.Snapshot))
	}

	return recipients.NewLoader(logger, sources...), database, nil
}

// NewTransport builds the SMTP client and the error classifier from config
func NewTransport(cfg *config.Config, logger *slog.Logger) (*smtp.Client, *smtp.Classifier, error) {
	t := cfg.Transport

	var opts smtp.ClientOptions
	if t.Provider == "gmail" {
		opts = smtp.GmailOptions(t.GmailUser, t.GmailAppPassword)
		if t.From != "" {
			opts.From = t.From
		}
	} else {
		opts = smtp.ClientOptions{
			Host:     t.Host,
			Port:     t.Port,
			Username: t.Username,
			Password: t.Password,
			Security: t.Security,
			From:     t.From,
		}
	}
	opts.InsecureSkipVerify = t.InsecureSkipVerify
	opts.HeloName = cfg.Server.Hostname
	opts.Timeout = t.Timeout
	opts.FromName = t.FromName
	opts.ReplyTo = t.ReplyTo
	opts.ListUnsubscribe = t.ListUnsubscribe

	if cfg.DKIM.Enabled {
		signer, err := dkim.NewSignerFromFile(cfg.DKIM.KeyFile, cfg.DKIM.Domain, cfg.DKIM.Selector)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to load DKIM key: %w", err)
		}
		opts.Signer = signer
		logger.Info("DKIM signing enabled", "domain", signer.Domain(), "selector", signer.Selector())
	}

	client, err := smtp.NewClient(opts, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create smtp client: %w", err)
	}

	return client, smtp.NewClassifier(t.BlockSignatures...), nil
}

// setupLogger creates a logger based on configuration.
// With a log file the writer rotates through lumberjack.
func setupLogger(cfg config.LoggingConfig) (*slog.Logger, io.Closer) {
	var handler slog.Handler

	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var (
		out    io.Writer = os.Stdout
		closer io.Closer
	)
	if cfg.File != "" {
		lj := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		}
		out, closer = lj, lj
	}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}

	return slog.New(handler), closer
}
