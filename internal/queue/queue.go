package queue

import (
	"context"
)

// Repository stores the single active campaign record
type Repository interface {
	// Load returns the stored campaign.
	// Returns nil, nil if no campaign exists
	Load(ctx context.Context) (*Campaign, error)

	// Save overwrites the stored record if its version still matches c.Version
	// and bumps c.Version. Returns ErrVersionConflict otherwise
	Save(ctx context.Context, c *Campaign) error

	// Replace overwrites the stored record unconditionally
	Replace(ctx context.Context, c *Campaign) error

	// Close closes the storage connection
	Close() error
}

// Envelope is one outgoing newsletter message
type Envelope struct {
	To      string
	ToName  string
	Subject string
	HTML    string
}

// Sender delivers a single message through the mail transport
type Sender interface {
	Send(ctx context.Context, env Envelope) error
}

// RecipientLoader resolves the recipients of a new campaign
type RecipientLoader interface {
	Load(ctx context.Context, filterTag string) ([]Contact, error)
}
