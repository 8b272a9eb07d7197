package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// BatchReport is the audit entry written for every processed batch
type BatchReport struct {
	CampaignID string       `json:"campaign_id"`
	Timestamp  time.Time    `json:"timestamp"`
	Outcome    BatchOutcome `json:"outcome"`
	Sent       int          `json:"sent"`
	Failed     int          `json:"failed"`
	Pending    int          `json:"pending"`
	RunState   RunState     `json:"run_state"`
	Errors     []string     `json:"errors,omitempty"`
}

// History is an append-only store of batch reports
type History interface {
	Append(ctx context.Context, r *BatchReport) error
	List(ctx context.Context, limit int) ([]*BatchReport, error)
}

const (
	historyPrefix     = "batch-"
	historySuffix     = ".json"
	historyTimeLayout = "20060102T150405.000000000Z"
)

// FileHistory writes one JSON file per batch into a directory
type FileHistory struct {
	dir string
}

// NewFileHistory creates a file-based history rooted at dir
func NewFileHistory(dir string) *FileHistory {
	return &FileHistory{dir: dir}
}

// Append writes the report into a new file named after its timestamp.
// Existing files are never overwritten.
func (h *FileHistory) Append(ctx context.Context, r *BatchReport) error {
	if err := os.MkdirAll(h.dir, 0755); err != nil {
		return fmt.Errorf("failed to create history directory: %w", err)
	}

	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal batch report: %w", err)
	}

	ts := r.Timestamp.UTC()
	for attempt := 0; attempt < 10; attempt++ {
		name := historyPrefix + ts.Format(historyTimeLayout) + historySuffix
		f, err := os.OpenFile(filepath.Join(h.dir, name), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
		if os.IsExist(err) {
			ts = ts.Add(time.Nanosecond)
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to create history file: %w", err)
		}

		if _, err := f.Write(data); err != nil {
			f.Close()
			return fmt.Errorf("failed to write history file: %w", err)
		}
		return f.Close()
	}

	return fmt.Errorf("failed to allocate history file name for %s", r.Timestamp)
}

// List returns up to limit reports, newest first
func (h *FileHistory) List(ctx context.Context, limit int) ([]*BatchReport, error) {
	names, err := h.names()
	if err != nil {
		return nil, err
	}

	var reports []*BatchReport
	for _, name := range names {
		if limit > 0 && len(reports) >= limit {
			break
		}

		data, err := os.ReadFile(filepath.Join(h.dir, name))
		if err != nil {
			return nil, fmt.Errorf("failed to read history file %s: %w", name, err)
		}

		var r BatchReport
		if err := json.Unmarshal(data, &r); err != nil {
			continue
		}
		reports = append(reports, &r)
	}

	return reports, nil
}

// Prune removes reports older than maxAge and all but the newest maxCount.
// Zero values disable the respective rule.
func (h *FileHistory) Prune(ctx context.Context, maxAge time.Duration, maxCount int) (int, error) {
	names, err := h.names()
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().UTC().Add(-maxAge)
	deleted := 0

	for i, name := range names {
		expired := maxCount > 0 && i >= maxCount
		if !expired && maxAge > 0 {
			ts, err := time.Parse(historyTimeLayout, strings.TrimSuffix(strings.TrimPrefix(name, historyPrefix), historySuffix))
			expired = err == nil && ts.Before(cutoff)
		}
		if !expired {
			continue
		}

		if err := os.Remove(filepath.Join(h.dir, name)); err != nil && !os.IsNotExist(err) {
			return deleted, fmt.Errorf("failed to remove history file %s: %w", name, err)
		}
		deleted++
	}

	return deleted, nil
}

// names returns report file names, newest first
func (h *FileHistory) names() ([]string, error) {
	entries, err := os.ReadDir(h.dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read history directory: %w", err)
	}

	var names []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, historyPrefix) || !strings.HasSuffix(name, historySuffix) {
			continue
		}
		names = append(names, name)
	}

	// Timestamp layout sorts lexically
	sort.Sort(sort.Reverse(sort.StringSlice(names)))
	return names, nil
}
