package recipients

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/foxzi/mailrun/internal/queue"
)

// ErrNoSnapshot is returned when no file matches the snapshot pattern
var ErrNoSnapshot = errors.New("no snapshot file found")

// SnapshotSource reads the most recently modified file matching a glob pattern.
// Supported formats: .json, .csv, .xlsx.
type SnapshotSource struct {
	pattern string
}

// NewSnapshotSource creates a snapshot source, e.g. for "data/contacts-*.json"
func NewSnapshotSource(pattern string) *SnapshotSource {
	return &SnapshotSource{pattern: pattern}
}

// Name returns the source name
func (s *SnapshotSource) Name() string {
	return "snapshot"
}

// Fetch parses the newest snapshot file
func (s *SnapshotSource) Fetch(ctx context.Context, filterTag string) ([]queue.Contact, error) {
	path, err := s.latest()
	if err != nil {
		return nil, err
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read snapshot: %w", err)
		}
		return decodeContacts(data)
	case ".csv":
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open snapshot: %w", err)
		}
		defer f.Close()

		r := csv.NewReader(f)
		r.FieldsPerRecord = -1
		r.TrimLeadingSpace = true

		rows, err := r.ReadAll()
		if err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
		return contactsFromRows(rows)
	case ".xlsx":
		return readWorkbook(path)
	default:
		return nil, fmt.Errorf("unsupported snapshot format: %s", path)
	}
}

// latest returns the most recently modified file matching the pattern
func (s *SnapshotSource) latest() (string, error) {
	matches, err := filepath.Glob(s.pattern)
	if err != nil {
		return "", fmt.Errorf("invalid snapshot pattern %q: %w", s.pattern, err)
	}

	var (
		newest string
		info   os.FileInfo
	)
	for _, m := range matches {
		fi, err := os.Stat(m)
		if err != nil || fi.IsDir() {
			continue
		}
		if info == nil || fi.ModTime().After(info.ModTime()) {
			newest, info = m, fi
		}
	}

	if newest == "" {
		return "", fmt.Errorf("%w: %s", ErrNoSnapshot, s.pattern)
	}
	return newest, nil
}

func readWorkbook(path string) ([]queue.Contact, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open workbook: %w", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, fmt.Errorf("workbook %s has no sheets", path)
	}

	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("failed to read sheet %s: %w", sheets[0], err)
	}
	return contactsFromRows(rows)
}

// contactsFromRows maps a header row plus data rows onto contacts.
// Recognized headers: email, name, source, group, tags (separated by ';').
func contactsFromRows(rows [][]string) ([]queue.Contact, error) {
	if len(rows) == 0 {
		return nil, nil
	}

	cols := make(map[string]int)
	for i, h := range rows[0] {
		cols[strings.ToLower(strings.TrimSpace(h))] = i
	}
	if _, ok := cols["email"]; !ok {
		return nil, fmt.Errorf("snapshot header has no email column")
	}

	cell := func(row []string, name string) string {
		i, ok := cols[name]
		if !ok || i >= len(row) {
			return ""
		}
		return row[i]
	}

	contacts := make([]queue.Contact, 0, len(rows)-1)
	for _, row := range rows[1:] {
		var tags []string
		if raw := cell(row, "tags"); raw != "" {
			tags = strings.Split(raw, ";")
		}
		contacts = append(contacts, queue.Contact{
			Email:       cell(row, "email"),
			DisplayName: cell(row, "name"),
			Tags:        tagsOf(cell(row, "source"), cell(row, "group"), tags...),
		})
	}
	return contacts, nil
}
