package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Action is a run-state transition requested through the control surface
type Action string

const (
	ActionStart  Action = "start"
	ActionResume Action = "resume"
	ActionPause  Action = "pause"
	ActionStop   Action = "stop"
)

// maxSaveAttempts bounds load-modify-save retries on version conflicts
const maxSaveAttempts = 3

// CreateRequest describes a new campaign
type CreateRequest struct {
	Subject       string
	Body          string
	EmailsPerHour int
	FilterTag     string
	// Limit caps the number of recipients (0 = no cap)
	Limit int
}

// CreateResult is returned by Create
type CreateResult struct {
	QueueID         string `json:"queueId"`
	TotalRecipients int    `json:"totalRecipients"`
	EmailsPerHour   int    `json:"emailsPerHour"`
	EstimatedHours  int    `json:"estimatedHours"`
	EstimatedDays   int    `json:"estimatedDays"`
}

// Controller creates campaigns and applies run-state transitions
type Controller struct {
	repo   Repository
	loader RecipientLoader
	logger *slog.Logger

	now   func() time.Time
	newID func() string
}

// NewController creates a new queue controller
func NewController(repo Repository, loader RecipientLoader, logger *slog.Logger) *Controller {
	return &Controller{
		repo:   repo,
		loader: loader,
		logger: logger,
		now:    time.Now,
		newID:  uuid.NewString,
	}
}

// Create loads recipients and stores a fresh idle campaign, replacing any previous one
func (c *Controller) Create(ctx context.Context, req CreateRequest) (*CreateResult, error) {
	if strings.TrimSpace(req.Subject) == "" {
		return nil, fmt.Errorf("%w: subject is required", ErrInvalidInput)
	}
	if strings.TrimSpace(req.Body) == "" {
		return nil, fmt.Errorf("%w: html body is required", ErrInvalidInput)
	}
	if req.EmailsPerHour <= 0 {
		return nil, fmt.Errorf("%w: emailsPerHour must be positive", ErrInvalidInput)
	}
	if req.Limit < 0 {
		return nil, fmt.Errorf("%w: limit must not be negative", ErrInvalidInput)
	}

	contacts, err := c.loader.Load(ctx, req.FilterTag)
	if err != nil {
		return nil, fmt.Errorf("failed to load recipients: %w", err)
	}

	if req.Limit > 0 && len(contacts) > req.Limit {
		contacts = contacts[:req.Limit]
	}

	if len(contacts) == 0 {
		c.logger.Warn("campaign not created: no recipients", "filter_tag", req.FilterTag)
		return nil, ErrNoRecipients
	}

	campaign := NewCampaign(c.newID(), req.Subject, req.Body, req.EmailsPerHour, contacts, c.now())
	campaign.FilterTag = req.FilterTag

	if err := c.repo.Replace(ctx, campaign); err != nil {
		return nil, fmt.Errorf("failed to store campaign: %w", err)
	}

	hours := hoursFor(campaign.Total(), campaign.EmailsPerHour)

	c.logger.Info("campaign created",
		"campaign_id", campaign.ID,
		"recipients", campaign.Total(),
		"emails_per_hour", campaign.EmailsPerHour,
		"filter_tag", req.FilterTag,
	)

	return &CreateResult{
		QueueID:         campaign.ID,
		TotalRecipients: campaign.Total(),
		EmailsPerHour:   campaign.EmailsPerHour,
		EstimatedHours:  hours,
		EstimatedDays:   int(math.Ceil(float64(hours) / 24)),
	}, nil
}

// Status returns the projection of the active campaign, or nil if there is none
func (c *Controller) Status(ctx context.Context) (*Status, error) {
	campaign := c.load(ctx)
	if campaign == nil {
		return nil, nil
	}
	return campaign.Status(), nil
}

// Start moves the campaign to running
func (c *Controller) Start(ctx context.Context) (*Status, error) {
	return c.transition(ctx, ActionStart, func(campaign *Campaign) bool {
		if campaign.RunState == StateCompleted || campaign.RunState == StateRunning {
			return false
		}
		campaign.RunState = StateRunning
		if campaign.StartedAt == nil {
			now := c.now()
			campaign.StartedAt = &now
		}
		return true
	})
}

// Resume is Start under the name operators use after a pause
func (c *Controller) Resume(ctx context.Context) (*Status, error) {
	return c.Start(ctx)
}

// Pause freezes a running campaign. No-op from any other state.
func (c *Controller) Pause(ctx context.Context) (*Status, error) {
	return c.transition(ctx, ActionPause, func(campaign *Campaign) bool {
		if campaign.RunState != StateRunning {
			return false
		}
		campaign.RunState = StatePaused
		return true
	})
}

// Stop returns the campaign to idle, keeping recipients and counters for inspection
func (c *Controller) Stop(ctx context.Context) (*Status, error) {
	return c.transition(ctx, ActionStop, func(campaign *Campaign) bool {
		if campaign.RunState == StateIdle || campaign.RunState == StateCompleted {
			return false
		}
		campaign.RunState = StateIdle
		return true
	})
}

// Apply dispatches a named action
func (c *Controller) Apply(ctx context.Context, action Action) (*Status, error) {
	switch action {
	case ActionStart:
		return c.Start(ctx)
	case ActionResume:
		return c.Resume(ctx)
	case ActionPause:
		return c.Pause(ctx)
	case ActionStop:
		return c.Stop(ctx)
	default:
		return nil, fmt.Errorf("%w: unknown action %q (must be start, resume, pause or stop)", ErrInvalidInput, action)
	}
}

// transition runs a load-modify-save cycle, retrying on version conflicts
func (c *Controller) transition(ctx context.Context, action Action, apply func(*Campaign) bool) (*Status, error) {
	for attempt := 1; ; attempt++ {
		campaign := c.load(ctx)
		if campaign == nil {
			return nil, ErrNotFound
		}

		from := campaign.RunState
		if !apply(campaign) {
			return campaign.Status(), nil
		}

		err := c.repo.Save(ctx, campaign)
		if err == nil {
			c.logger.Info("campaign state changed",
				"campaign_id", campaign.ID,
				"action", action,
				"from", from,
				"to", campaign.RunState,
			)
			return campaign.Status(), nil
		}

		if !errors.Is(err, ErrVersionConflict) || attempt >= maxSaveAttempts {
			return nil, fmt.Errorf("failed to save campaign: %w", err)
		}

		c.logger.Debug("version conflict, retrying transition", "action", action, "attempt", attempt)
	}
}

// load reads the campaign, degrading read failures to "no campaign"
func (c *Controller) load(ctx context.Context) *Campaign {
	campaign, err := c.repo.Load(ctx)
	if err != nil {
		c.logger.Warn("failed to load campaign, treating as absent", "error", err)
		return nil
	}
	return campaign
}
