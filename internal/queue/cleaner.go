package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// CleanerConfig contains run history retention settings
type CleanerConfig struct {
	// MaxAge removes reports older than this (0 = keep forever)
	MaxAge time.Duration
	// MaxCount keeps at most this many reports (0 = unlimited)
	MaxCount int
	Interval time.Duration
}

// Pruner removes old batch reports
type Pruner interface {
	Prune(ctx context.Context, maxAge time.Duration, maxCount int) (int, error)
}

// Cleaner applies history retention in the background.
// With zero MaxAge and MaxCount the history is never pruned.
type Cleaner struct {
	history Pruner
	cfg     CleanerConfig
	logger  *slog.Logger
	wg      sync.WaitGroup
	done    chan struct{}
}

// NewCleaner creates a new cleaner service
func NewCleaner(history Pruner, cfg CleanerConfig, logger *slog.Logger) *Cleaner {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	return &Cleaner{
		history: history,
		cfg:     cfg,
		logger:  logger,
		done:    make(chan struct{}),
	}
}

// Enabled reports whether any retention rule is configured
func (c *Cleaner) Enabled() bool {
	return c.cfg.MaxAge > 0 || c.cfg.MaxCount > 0
}

// Start starts the cleanup goroutine
func (c *Cleaner) Start(ctx context.Context) {
	if !c.Enabled() {
		return
	}

	c.wg.Add(1)
	go c.loop(ctx)

	c.logger.Info("history cleaner started",
		"max_age", c.cfg.MaxAge,
		"max_count", c.cfg.MaxCount,
		"interval", c.cfg.Interval,
	)
}

// Stop stops the cleaner and waits for the goroutine to finish
func (c *Cleaner) Stop() {
	close(c.done)
	c.wg.Wait()
}

func (c *Cleaner) loop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	c.RunOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-ticker.C:
			c.RunOnce(ctx)
		}
	}
}

// RunOnce applies the retention rules once
func (c *Cleaner) RunOnce(ctx context.Context) {
	deleted, err := c.history.Prune(ctx, c.cfg.MaxAge, c.cfg.MaxCount)
	if err != nil {
		c.logger.Error("failed to prune batch history", "error", err)
		return
	}

	if deleted > 0 {
		c.logger.Info("pruned batch history", "deleted", deleted)
	}
}
