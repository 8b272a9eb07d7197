package recipients

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/foxzi/mailrun/internal/queue"
)

// maxResponseSize bounds the contact service response
const maxResponseSize = 64 << 20

// HTTPSource fetches contacts from a remote contact service
type HTTPSource struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewHTTPSource creates a source for GET {baseURL}/contacts
func NewHTTPSource(baseURL, apiKey string, timeout time.Duration) *HTTPSource {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPSource{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}
}

// Name returns the source name
func (s *HTTPSource) Name() string {
	return "http"
}

// Fetch requests the contact list
func (s *HTTPSource) Fetch(ctx context.Context, filterTag string) ([]queue.Contact, error) {
	u := s.baseURL + "/contacts"
	if filterTag != "" {
		u += "?tag=" + url.QueryEscape(filterTag)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("contact service returned %s", resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	return decodeContacts(body)
}

// decodeContacts accepts a bare array or an object wrapping it in "contacts" or "data"
func decodeContacts(data []byte) ([]queue.Contact, error) {
	var records []contactRecord

	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "[") {
		if err := json.Unmarshal(data, &records); err != nil {
			return nil, fmt.Errorf("failed to decode contacts: %w", err)
		}
	} else {
		var wrapped struct {
			Contacts []contactRecord `json:"contacts"`
			Data     []contactRecord `json:"data"`
		}
		if err := json.Unmarshal(data, &wrapped); err != nil {
			return nil, fmt.Errorf("failed to decode contacts: %w", err)
		}
		records = wrapped.Contacts
		if len(records) == 0 {
			records = wrapped.Data
		}
	}

	contacts := make([]queue.Contact, 0, len(records))
	for _, r := range records {
		contacts = append(contacts, r.contact())
	}
	return contacts, nil
}
