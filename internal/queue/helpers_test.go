package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"
)

var errBlocked = errors.New("454 4.7.0 Too many login attempts")

var testNow = time.Date(2026, 10, 1, 9, 0, 0, 0, time.UTC)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testClassifier(err error) ErrorClass {
	if errors.Is(err, errBlocked) {
		return ClassProviderBlock
	}
	return ClassTransient
}

func contacts(emails ...string) []Contact {
	out := make([]Contact, 0, len(emails))
	for _, e := range emails {
		out = append(out, Contact{Email: e})
	}
	return out
}

// memRepo is an in-memory Repository with the same version semantics as the stores
type memRepo struct {
	mu         sync.Mutex
	data       []byte
	saves      int
	beforeSave func()
}

func (r *memRepo) Load(ctx context.Context) (*Campaign, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.data == nil {
		return nil, nil
	}
	return decodeCampaign(r.data)
}

func (r *memRepo) Save(ctx context.Context, c *Campaign) error {
	r.mu.Lock()
	hook := r.beforeSave
	r.beforeSave = nil
	r.mu.Unlock()
	if hook != nil {
		hook()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var stored uint64
	if r.data != nil {
		v, err := decodeVersion(r.data)
		if err != nil {
			return err
		}
		stored = v
	}
	if stored != c.Version {
		return ErrVersionConflict
	}
	return r.put(c, stored+1)
}

func (r *memRepo) Replace(ctx context.Context, c *Campaign) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var next uint64 = 1
	if r.data != nil {
		if v, err := decodeVersion(r.data); err == nil {
			next = v + 1
		}
	}
	return r.put(c, next)
}

func (r *memRepo) Close() error { return nil }

func (r *memRepo) put(c *Campaign, version uint64) error {
	c.Version = version
	data, err := json.Marshal(c)
	if err != nil {
		return err
	}
	r.data = data
	r.saves++
	return nil
}

// stored returns a fresh copy of the stored record
func (r *memRepo) stored() *Campaign {
	c, _ := r.Load(context.Background())
	return c
}

type fakeSender struct {
	mu     sync.Mutex
	sent   []string
	errs   map[string]error
	onSend func(to string)
}

func (s *fakeSender) Send(ctx context.Context, env Envelope) error {
	if s.onSend != nil {
		s.onSend(env.To)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, env.To)
	if err, ok := s.errs[env.To]; ok {
		return err
	}
	return nil
}

func (s *fakeSender) calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sent...)
}

type fakeLoader struct {
	contacts []Contact
	err      error
	tags     []string
}

func (l *fakeLoader) Load(ctx context.Context, filterTag string) ([]Contact, error) {
	l.tags = append(l.tags, filterTag)
	return l.contacts, l.err
}

type memHistory struct {
	mu      sync.Mutex
	reports []*BatchReport
	err     error
}

func (h *memHistory) Append(ctx context.Context, r *BatchReport) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.err != nil {
		return h.err
	}
	h.reports = append(h.reports, r)
	return nil
}

func (h *memHistory) List(ctx context.Context, limit int) ([]*BatchReport, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.reports, nil
}

// seed stores a campaign in the given state and returns the repo
func seed(state RunState, emailsPerHour int, emails ...string) *memRepo {
	repo := &memRepo{}
	c := NewCampaign("campaign-1", "Hello", "<p>Hi</p>", emailsPerHour, contacts(emails...), testNow)
	c.RunState = state
	if err := repo.Replace(context.Background(), c); err != nil {
		panic(fmt.Sprintf("seed: %v", err))
	}
	return repo
}
