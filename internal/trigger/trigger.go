// Package trigger drives the dispatcher from timers and message queues.
package trigger

import (
	"context"
	"log/slog"

	"github.com/foxzi/mailrun/internal/queue"
)

// Batcher runs one dispatcher batch
type Batcher interface {
	ProcessBatch(ctx context.Context) (*queue.BatchResult, error)
}

// runBatch calls b once and logs the result under source
func runBatch(ctx context.Context, b Batcher, source string, logger *slog.Logger) (*queue.BatchResult, error) {
	res, err := b.ProcessBatch(ctx)
	if err != nil {
		logger.Error("batch failed", "trigger", source, "error", err)
		return nil, err
	}

	switch res.Outcome {
	case queue.OutcomeNoQueue, queue.OutcomeNotRunning:
		logger.Debug("batch skipped", "trigger", source, "outcome", res.Outcome)
	case queue.OutcomeProviderBlocked:
		logger.Warn("batch halted by provider block",
			"trigger", source,
			"queue_id", res.QueueID,
			"sent", res.Sent,
			"failed", res.Failed,
		)
	default:
		logger.Info("batch processed",
			"trigger", source,
			"queue_id", res.QueueID,
			"outcome", res.Outcome,
			"sent", res.Sent,
			"failed", res.Failed,
			"remaining", res.PendingTotal,
		)
	}
	return res, nil
}
