package queue

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidInput is returned for malformed control requests
	ErrInvalidInput = errors.New("invalid input")

	// ErrNotFound is returned when a control action targets a missing campaign
	ErrNotFound = errors.New("no active queue")

	// ErrNoRecipients is returned by Create when no contact qualifies
	ErrNoRecipients = fmt.Errorf("no valid recipients found: %w", ErrNotFound)

	// ErrVersionConflict is returned by Save when the stored record changed since it was loaded
	ErrVersionConflict = errors.New("queue record was modified concurrently")

	// ErrCorrupt is returned by Load when the stored record cannot be decoded
	ErrCorrupt = errors.New("queue record is corrupt")
)

// ErrorClass classifies a transport error for the circuit breaker
type ErrorClass int

const (
	// ClassTransient covers per-recipient failures; the batch continues
	ClassTransient ErrorClass = iota
	// ClassProviderBlock means the provider throttled or suspended the sending account
	ClassProviderBlock
)

func (c ErrorClass) String() string {
	switch c {
	case ClassProviderBlock:
		return "provider_block"
	default:
		return "transient"
	}
}

// ErrorClassifier maps a transport error to an ErrorClass
type ErrorClassifier func(err error) ErrorClass
