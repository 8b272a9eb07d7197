// Package recipients resolves campaign recipients from contact sources.
package recipients

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/foxzi/mailrun/internal/queue"
)

// ErrNoSources is returned when the loader has no source configured
var ErrNoSources = errors.New("no recipient sources configured")

// ErrEmptySource is returned by a source that produced no contacts
var ErrEmptySource = errors.New("source returned no contacts")

// Source produces raw contacts. The filter tag is a hint; the loader filters again.
type Source interface {
	Name() string
	Fetch(ctx context.Context, filterTag string) ([]queue.Contact, error)
}

// Loader tries its sources in order and uses the first one that returns contacts
type Loader struct {
	sources []Source
	logger  *slog.Logger
}

// NewLoader creates a loader over the given sources
func NewLoader(logger *slog.Logger, sources ...Source) *Loader {
	return &Loader{
		sources: sources,
		logger:  logger,
	}
}

// Load returns the filtered, normalized contacts of the first working source.
// An empty slice means no contact qualified and is not an error. That includes
// every source answering with an empty list, as a server-side tag filter does.
func (l *Loader) Load(ctx context.Context, filterTag string) ([]queue.Contact, error) {
	if len(l.sources) == 0 {
		return nil, ErrNoSources
	}

	var (
		lastErr  error
		answered bool
	)
	for _, src := range l.sources {
		raw, err := src.Fetch(ctx, filterTag)
		if err == nil && len(raw) == 0 {
			err = ErrEmptySource
			answered = true
		}
		if err != nil {
			l.logger.Warn("recipient source failed, trying next", "source", src.Name(), "error", err)
			lastErr = fmt.Errorf("%s: %w", src.Name(), err)
			continue
		}

		contacts := Normalize(Filter(raw, filterTag))
		l.logger.Info("recipients loaded",
			"source", src.Name(),
			"raw", len(raw),
			"qualified", len(contacts),
			"filter_tag", filterTag,
		)
		return contacts, nil
	}

	if answered {
		l.logger.Info("no recipients matched", "filter_tag", filterTag)
		return []queue.Contact{}, nil
	}

	return nil, fmt.Errorf("all recipient sources failed: %w", lastErr)
}

// Filter keeps contacts with a tag containing filterTag, case-insensitively.
// An empty filterTag keeps every contact.
func Filter(contacts []queue.Contact, filterTag string) []queue.Contact {
	tag := strings.ToLower(strings.TrimSpace(filterTag))
	if tag == "" {
		return contacts
	}

	var out []queue.Contact
	for _, c := range contacts {
		for _, t := range c.Tags {
			if strings.Contains(strings.ToLower(t), tag) {
				out = append(out, c)
				break
			}
		}
	}
	return out
}

// Normalize lower-cases and trims emails, drops entries without '@'
// and removes duplicates keeping the first occurrence.
func Normalize(contacts []queue.Contact) []queue.Contact {
	seen := make(map[string]struct{}, len(contacts))
	out := make([]queue.Contact, 0, len(contacts))

	for _, c := range contacts {
		email := strings.ToLower(strings.TrimSpace(c.Email))
		if !strings.Contains(email, "@") {
			continue
		}
		if _, dup := seen[email]; dup {
			continue
		}
		seen[email] = struct{}{}

		c.Email = email
		c.DisplayName = strings.TrimSpace(c.DisplayName)
		out = append(out, c)
	}

	return out
}

// contactRecord is the wire and file shape of a contact
type contactRecord struct {
	Email       string   `json:"email"`
	Name        string   `json:"name"`
	DisplayName string   `json:"displayName"`
	Source      string   `json:"source"`
	Group       string   `json:"group"`
	Tags        []string `json:"tags"`
}

func (r contactRecord) contact() queue.Contact {
	name := r.DisplayName
	if name == "" {
		name = r.Name
	}
	return queue.Contact{
		Email:       r.Email,
		DisplayName: name,
		Tags:        tagsOf(r.Source, r.Group, r.Tags...),
	}
}

// tagsOf merges source and group metadata into one tag list
func tagsOf(source, group string, tags ...string) []string {
	var out []string
	for _, t := range append([]string{source, group}, tags...) {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}
