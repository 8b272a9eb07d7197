package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/foxzi/mailrun/internal/metrics"
)

// BatchOutcome describes how a ProcessBatch call ended
type BatchOutcome string

const (
	OutcomeNoQueue         BatchOutcome = "no_queue"
	OutcomeNotRunning      BatchOutcome = "not_running"
	OutcomeCompleted       BatchOutcome = "completed"
	OutcomeProcessed       BatchOutcome = "processed"
	OutcomeProviderBlocked BatchOutcome = "provider_blocked"
)

// BatchResult is the report of a single ProcessBatch call
type BatchResult struct {
	Outcome BatchOutcome `json:"outcome"`
	Message string       `json:"message"`
	QueueID string       `json:"queueId,omitempty"`
	Status  RunState     `json:"status"`

	// This batch
	Sent      int      `json:"sent"`
	Failed    int      `json:"failed"`
	Errors    []string `json:"errors,omitempty"`
	Conflicts int      `json:"conflicts,omitempty"`

	// Cumulative
	Total        int    `json:"total"`
	SentTotal    int    `json:"totalSent"`
	FailedTotal  int    `json:"totalFailed"`
	PendingTotal int    `json:"remaining"`
	Progress     string `json:"progress"`
}

// DispatcherConfig contains dispatcher settings
type DispatcherConfig struct {
	// MaxErrorSamples bounds the error messages returned per batch
	MaxErrorSamples int
	// SendTimeout bounds a single delivery attempt
	SendTimeout time.Duration
}

// Dispatcher sends the next batch of a running campaign
type Dispatcher struct {
	repo            Repository
	sender          Sender
	history         History
	classify        ErrorClassifier
	maxErrorSamples int
	sendTimeout     time.Duration
	logger          *slog.Logger

	now func() time.Time
	mu  sync.Mutex
}

// NewDispatcher creates a new batch dispatcher
func NewDispatcher(repo Repository, sender Sender, history History, classify ErrorClassifier, cfg DispatcherConfig, logger *slog.Logger) *Dispatcher {
	if cfg.MaxErrorSamples <= 0 {
		cfg.MaxErrorSamples = 5
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 2 * time.Minute
	}
	if classify == nil {
		classify = func(err error) ErrorClass { return ClassTransient }
	}

	return &Dispatcher{
		repo:            repo,
		sender:          sender,
		history:         history,
		classify:        classify,
		maxErrorSamples: cfg.MaxErrorSamples,
		sendTimeout:     cfg.SendTimeout,
		logger:          logger,
		now:             time.Now,
	}
}

// delivery is the outcome of one send attempt
type delivery struct {
	index int
	email string
	at    time.Time
	err   error
}

// tally counts what a set of deliveries changed on a record
type tally struct {
	sent      int
	failed    int
	conflicts int
	errors    []string
}

// ProcessBatch runs one batch. Calls within a process are serialized.
// Canceling ctx stops the batch between recipients: a delivery in flight is
// never aborted and untried recipients stay pending. Only stop ends a campaign.
// A non-nil result may accompany a persistence error so callers still see the counts.
func (d *Dispatcher) ProcessBatch(ctx context.Context) (*BatchResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	start := time.Now()
	res, err := d.processBatch(ctx)
	if res != nil {
		metrics.ObserveBatch(string(res.Outcome), time.Since(start))
	}
	return res, err
}

func (d *Dispatcher) processBatch(ctx context.Context) (*BatchResult, error) {
	campaign, err := d.repo.Load(ctx)
	if err != nil {
		d.logger.Warn("failed to load campaign, treating as absent", "error", err)
		campaign = nil
	}
	if campaign == nil {
		return &BatchResult{Outcome: OutcomeNoQueue, Status: StateIdle, Message: "No active queue"}, nil
	}

	logger := d.logger.With("campaign_id", campaign.ID)

	if campaign.RunState != StateRunning {
		logger.Debug("queue not running, skipping batch", "state", campaign.RunState)
		return d.result(campaign, OutcomeNotRunning, tally{}, fmt.Sprintf("Queue is %s", campaign.RunState)), nil
	}

	if campaign.PendingCount == 0 {
		saved, _, err := d.persist(ctx, campaign, nil, false)
		if saved.RunState != StateCompleted {
			// A concurrent pause or stop won the conflict
			return d.result(saved, OutcomeNotRunning, tally{}, fmt.Sprintf("Queue is %s", saved.RunState)), err
		}
		res := d.result(saved, OutcomeCompleted, tally{}, "All emails processed")
		if err != nil {
			return res, err
		}
		logger.Info("campaign completed", "sent", saved.SentCount, "failed", saved.FailedCount)
		d.record(ctx, saved, res)
		return res, nil
	}

	batch := campaign.nextPending(campaign.EmailsPerHour)
	logger.Info("processing batch", "size", len(batch), "pending", campaign.PendingCount)

	deliveries := make([]delivery, 0, len(batch))
	blocked := false

	for _, i := range batch {
		if ctx.Err() != nil {
			logger.Warn("batch interrupted", "error", ctx.Err())
			break
		}

		r := campaign.Recipients[i]
		err := d.send(ctx, campaign, r)
		deliveries = append(deliveries, delivery{index: i, email: r.Email, at: d.now(), err: err})

		if err == nil {
			metrics.IncRecipientsSent()
			logger.Debug("email sent", "to", r.Email)
			continue
		}

		class := d.classify(err)
		metrics.IncRecipientsFailed(class.String())

		if class == ClassProviderBlock {
			// Continuing would worsen the block; a human has to resume
			metrics.IncProviderBlocks()
			logger.Error("provider blocked sending, pausing campaign", "to", r.Email, "error", err)
			blocked = true
			break
		}

		logger.Warn("delivery failed", "to", r.Email, "error", err)
	}

	saved, t, err := d.persist(context.WithoutCancel(ctx), campaign, deliveries, blocked)

	outcome := OutcomeProcessed
	msg := fmt.Sprintf("Processed %d emails", t.sent+t.failed)
	switch {
	case blocked:
		outcome = OutcomeProviderBlocked
		msg = "Provider blocked sending; queue paused until resumed"
	case saved.RunState == StateCompleted:
		outcome = OutcomeCompleted
		msg = "All emails processed"
	}

	res := d.result(saved, outcome, t, msg)
	if err != nil {
		logger.Error("failed to save batch results", "error", err, "sent", t.sent, "failed", t.failed)
		return res, err
	}

	logger.Info("batch processed",
		"outcome", outcome,
		"sent", t.sent,
		"failed", t.failed,
		"conflicts", t.conflicts,
		"remaining", saved.PendingCount,
	)

	d.record(ctx, saved, res)
	return res, nil
}

// send makes one delivery attempt for a recipient. The attempt is bounded by
// the send timeout only, so a caller going away cannot turn it into a failure.
func (d *Dispatcher) send(ctx context.Context, c *Campaign, r *Recipient) error {
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.sendTimeout)
	defer cancel()

	return d.sender.Send(sendCtx, Envelope{
		To:      r.Email,
		ToName:  r.DisplayName,
		Subject: c.Subject,
		HTML:    c.Body,
	})
}

// persist applies deliveries and saves. On a version conflict the fresh record is
// reloaded and the deliveries are re-applied to recipients that are still pending.
// The fresh record's run state wins, so a concurrent pause or stop is kept.
func (d *Dispatcher) persist(ctx context.Context, c *Campaign, deliveries []delivery, blocked bool) (*Campaign, tally, error) {
	for attempt := 1; ; attempt++ {
		t := d.apply(c, deliveries, blocked)

		err := d.repo.Save(ctx, c)
		if err == nil {
			metrics.SetCampaignState(string(c.RunState), c.PendingCount)
			return c, t, nil
		}

		if !errors.Is(err, ErrVersionConflict) || attempt >= maxSaveAttempts {
			return c, t, fmt.Errorf("failed to save campaign: %w", err)
		}

		fresh, lerr := d.repo.Load(ctx)
		if lerr != nil || fresh == nil {
			return c, t, fmt.Errorf("failed to reload campaign after conflict: %w", err)
		}
		if fresh.ID != c.ID {
			return fresh, tally{conflicts: len(deliveries)}, fmt.Errorf("campaign %s was replaced during the batch: %w", c.ID, ErrVersionConflict)
		}

		d.logger.Warn("version conflict while saving batch, merging", "campaign_id", c.ID, "attempt", attempt)
		c = fresh
	}
}

// apply records deliveries on the campaign and derives the next run state
func (d *Dispatcher) apply(c *Campaign, deliveries []delivery, blocked bool) tally {
	var t tally

	for _, del := range deliveries {
		if del.index >= len(c.Recipients) || c.Recipients[del.index].Email != del.email {
			t.conflicts++
			continue
		}

		if del.err == nil {
			if c.markSent(del.index, del.at) {
				t.sent++
			} else {
				t.conflicts++
			}
			continue
		}

		if c.markFailed(del.index, del.at, del.err.Error()) {
			t.failed++
			if len(t.errors) < d.maxErrorSamples {
				t.errors = append(t.errors, fmt.Sprintf("%s: %v", del.email, del.err))
			}
		} else {
			t.conflicts++
		}
	}

	if blocked && c.RunState == StateRunning {
		c.RunState = StatePaused
	}
	if c.PendingCount == 0 && c.RunState == StateRunning {
		c.complete(d.now())
	}

	return t
}

func (d *Dispatcher) result(c *Campaign, outcome BatchOutcome, t tally, msg string) *BatchResult {
	return &BatchResult{
		Outcome:      outcome,
		Message:      msg,
		QueueID:      c.ID,
		Status:       c.RunState,
		Sent:         t.sent,
		Failed:       t.failed,
		Errors:       t.errors,
		Conflicts:    t.conflicts,
		Total:        c.Total(),
		SentTotal:    c.SentCount,
		FailedTotal:  c.FailedCount,
		PendingTotal: c.PendingCount,
		Progress:     formatProgress(c),
	}
}

// record appends the batch to the run history. History failures never fail the batch.
func (d *Dispatcher) record(ctx context.Context, c *Campaign, res *BatchResult) {
	if d.history == nil {
		return
	}

	report := &BatchReport{
		CampaignID: c.ID,
		Timestamp:  d.now(),
		Outcome:    res.Outcome,
		Sent:       res.Sent,
		Failed:     res.Failed,
		Pending:    c.PendingCount,
		RunState:   c.RunState,
		Errors:     res.Errors,
	}

	if err := d.history.Append(context.WithoutCancel(ctx), report); err != nil {
		d.logger.Error("failed to append batch history", "campaign_id", c.ID, "error", err)
	}
}
