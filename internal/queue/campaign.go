package queue

import (
	"fmt"
	"math"
	"time"
)

// RunState represents the run state of a campaign
type RunState string

const (
	StateIdle      RunState = "idle"
	StateRunning   RunState = "running"
	StatePaused    RunState = "paused"
	StateCompleted RunState = "completed"
)

// RecipientStatus represents the delivery status of a single recipient
type RecipientStatus string

const (
	RecipientPending RecipientStatus = "pending"
	RecipientSent    RecipientStatus = "sent"
	RecipientFailed  RecipientStatus = "failed"
)

// Contact is a recipient candidate produced by a contact source
type Contact struct {
	Email       string   `json:"email"`
	DisplayName string   `json:"display_name,omitempty"`
	Tags        []string `json:"tags,omitempty"`
}

// Recipient is a single delivery target owned by a campaign
type Recipient struct {
	Email         string          `json:"email"`
	DisplayName   string          `json:"display_name,omitempty"`
	Status        RecipientStatus `json:"status"`
	Attempts      int             `json:"attempts"`
	LastAttemptAt *time.Time      `json:"last_attempt_at,omitempty"`
	LastError     string          `json:"last_error,omitempty"`
}

// Campaign is the durable record of the one in-flight newsletter send-out
type Campaign struct {
	ID            string       `json:"id"`
	Subject       string       `json:"subject"`
	Body          string       `json:"body"`
	EmailsPerHour int          `json:"emails_per_hour"`
	FilterTag     string       `json:"filter_tag,omitempty"`
	RunState      RunState     `json:"run_state"`
	Recipients    []*Recipient `json:"recipients"`

	SentCount    int `json:"sent_count"`
	FailedCount  int `json:"failed_count"`
	PendingCount int `json:"pending_count"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	LastSentAt  *time.Time `json:"last_sent_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// Version is the optimistic concurrency token, bumped by every save
	Version uint64 `json:"version"`
}

// NewCampaign creates an idle campaign with every contact pending, in the given order
func NewCampaign(id, subject, body string, emailsPerHour int, contacts []Contact, now time.Time) *Campaign {
	recipients := make([]*Recipient, 0, len(contacts))
	for _, c := range contacts {
		recipients = append(recipients, &Recipient{
			Email:       c.Email,
			DisplayName: c.DisplayName,
			Status:      RecipientPending,
		})
	}

	return &Campaign{
		ID:            id,
		Subject:       subject,
		Body:          body,
		EmailsPerHour: emailsPerHour,
		RunState:      StateIdle,
		Recipients:    recipients,
		PendingCount:  len(recipients),
		CreatedAt:     now,
	}
}

// Total returns the number of recipients in the campaign
func (c *Campaign) Total() int {
	return len(c.Recipients)
}

// CheckCounters verifies that the aggregate counters add up to the recipient count
func (c *Campaign) CheckCounters() error {
	if c.SentCount+c.FailedCount+c.PendingCount != len(c.Recipients) {
		return fmt.Errorf("counter mismatch: sent=%d failed=%d pending=%d total=%d",
			c.SentCount, c.FailedCount, c.PendingCount, len(c.Recipients))
	}
	return nil
}

// nextPending returns the indexes of up to limit pending recipients in stored order
func (c *Campaign) nextPending(limit int) []int {
	var idx []int
	for i, r := range c.Recipients {
		if len(idx) >= limit {
			break
		}
		if r.Status == RecipientPending {
			idx = append(idx, i)
		}
	}
	return idx
}

// markSent records a successful attempt. Recipients already out of pending are left alone.
func (c *Campaign) markSent(i int, at time.Time) bool {
	r := c.Recipients[i]
	if r.Status != RecipientPending {
		return false
	}
	r.Status = RecipientSent
	r.Attempts++
	r.LastAttemptAt = &at
	r.LastError = ""
	c.SentCount++
	c.PendingCount--
	c.LastSentAt = &at
	return true
}

// markFailed records a failed attempt. Failures are terminal for the campaign.
func (c *Campaign) markFailed(i int, at time.Time, reason string) bool {
	r := c.Recipients[i]
	if r.Status != RecipientPending {
		return false
	}
	r.Status = RecipientFailed
	r.Attempts++
	r.LastAttemptAt = &at
	r.LastError = reason
	c.FailedCount++
	c.PendingCount--
	return true
}

// complete moves the campaign to its terminal state
func (c *Campaign) complete(at time.Time) {
	c.RunState = StateCompleted
	if c.CompletedAt == nil {
		c.CompletedAt = &at
	}
}

// Status is a read-only projection of a campaign
type Status struct {
	ID                      string     `json:"queueId"`
	Status                  RunState   `json:"status"`
	Subject                 string     `json:"subject"`
	EmailsPerHour           int        `json:"emailsPerHour"`
	TotalRecipients         int        `json:"totalRecipients"`
	SentCount               int        `json:"sentCount"`
	FailedCount             int        `json:"failedCount"`
	PendingCount            int        `json:"pendingCount"`
	ProgressPercent         float64    `json:"progressPercent"`
	EstimatedHoursRemaining int        `json:"estimatedHoursRemaining,omitempty"`
	CreatedAt               time.Time  `json:"createdAt"`
	StartedAt               *time.Time `json:"startedAt,omitempty"`
	LastSentAt              *time.Time `json:"lastSentAt,omitempty"`
	CompletedAt             *time.Time `json:"completedAt,omitempty"`
}

// Status builds the status projection of the campaign
func (c *Campaign) Status() *Status {
	st := &Status{
		ID:              c.ID,
		Status:          c.RunState,
		Subject:         c.Subject,
		EmailsPerHour:   c.EmailsPerHour,
		TotalRecipients: c.Total(),
		SentCount:       c.SentCount,
		FailedCount:     c.FailedCount,
		PendingCount:    c.PendingCount,
		ProgressPercent: progressPercent(c),
		CreatedAt:       c.CreatedAt,
		StartedAt:       c.StartedAt,
		LastSentAt:      c.LastSentAt,
		CompletedAt:     c.CompletedAt,
	}

	if c.RunState == StateRunning {
		st.EstimatedHoursRemaining = hoursFor(c.PendingCount, c.EmailsPerHour)
	}

	return st
}

func progressPercent(c *Campaign) float64 {
	if c.Total() == 0 {
		return 0
	}
	return float64(c.SentCount+c.FailedCount) / float64(c.Total()) * 100
}

// hoursFor returns how many hourly batches are needed for n recipients
func hoursFor(n, perHour int) int {
	if n <= 0 || perHour <= 0 {
		return 0
	}
	return int(math.Ceil(float64(n) / float64(perHour)))
}

// formatProgress renders a progress percentage as "NN.N%"
func formatProgress(c *Campaign) string {
	return fmt.Sprintf("%.1f%%", progressPercent(c))
}
