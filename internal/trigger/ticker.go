package trigger

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Ticker runs a batch on a fixed interval
type Ticker struct {
	batcher  Batcher
	interval time.Duration
	logger   *slog.Logger
	wg       sync.WaitGroup
	done     chan struct{}
	once     sync.Once
}

// NewTicker creates a ticker. interval must be positive.
func NewTicker(b Batcher, interval time.Duration, logger *slog.Logger) *Ticker {
	return &Ticker{
		batcher:  b,
		interval: interval,
		logger:   logger,
		done:     make(chan struct{}),
	}
}

// Start starts the ticker goroutine. The first batch runs after one interval.
func (t *Ticker) Start(ctx context.Context) {
	t.wg.Add(1)
	go t.loop(ctx)

	t.logger.Info("batch ticker started", "interval", t.interval)
}

// Stop stops the ticker and waits for a running batch to finish.
// The batch itself only stops early when the Start context is canceled,
// and then between recipients.
func (t *Ticker) Stop() {
	t.once.Do(func() { close(t.done) })
	t.wg.Wait()
}

func (t *Ticker) loop(ctx context.Context) {
	defer t.wg.Done()

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.done:
			return
		case <-ticker.C:
			runBatch(ctx, t.batcher, "ticker", t.logger)
		}
	}
}
