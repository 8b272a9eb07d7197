// Package dnscheck verifies the DNS records a sender domain needs before a campaign goes out.
package dnscheck

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"regexp"
	"strings"
)

// ErrInvalidDomain is returned for malformed domain names
var ErrInvalidDomain = errors.New("invalid domain name")

// domainRegex validates domain name format (RFC 1035)
var domainRegex = regexp.MustCompile(`^(?i)[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?(\.[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?)*$`)

var selectorRegex = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?$`)

// ValidateDomain checks if domain name is valid
func ValidateDomain(domain string) error {
	if domain == "" || len(domain) > 253 || !domainRegex.MatchString(domain) {
		return ErrInvalidDomain
	}
	return nil
}

// ValidateSelector checks if DKIM selector is valid
func ValidateSelector(selector string) error {
	if selector == "" {
		return errors.New("selector is required")
	}
	if len(selector) > 63 {
		return errors.New("selector too long")
	}
	if !selectorRegex.MatchString(selector) {
		return errors.New("invalid selector format")
	}
	return nil
}

// Check statuses
const (
	StatusOK       = "ok"
	StatusWarning  = "warning"
	StatusError    = "error"
	StatusNotFound = "not_found"
)

// CheckResult represents a single DNS check result
type CheckResult struct {
	Type    string `json:"type"`
	Status  string `json:"status"`
	Value   string `json:"value,omitempty"`
	Message string `json:"message,omitempty"`
}

// DomainCheckResult contains all DNS check results for a sender domain
type DomainCheckResult struct {
	Domain  string        `json:"domain"`
	Results []CheckResult `json:"results"`
	Summary Summary       `json:"summary"`
}

// Summary contains check statistics
type Summary struct {
	OK       int `json:"ok"`
	Warnings int `json:"warnings"`
	Errors   int `json:"errors"`
	NotFound int `json:"not_found"`
}

// Ready reports whether nothing failed or is missing
func (s Summary) Ready() bool {
	return s.Errors == 0 && s.NotFound == 0
}

// CheckOptions describes the sending setup to verify
type CheckOptions struct {
	// SPFInclude is a mechanism the SPF record should contain, e.g. "include:_spf.google.com"
	SPFInclude string
	// Selector enables the DKIM check
	Selector string
	// PublicKey, when set, must match the published DKIM key
	PublicKey *rsa.PublicKey
}

// LookupTXTFunc resolves TXT records
type LookupTXTFunc func(ctx context.Context, name string) ([]string, error)

// Checker runs DNS checks through a TXT resolver
type Checker struct {
	lookupTXT LookupTXTFunc
}

// NewChecker creates a checker; a nil lookup uses the system resolver
func NewChecker(lookup LookupTXTFunc) *Checker {
	if lookup == nil {
		lookup = net.DefaultResolver.LookupTXT
	}
	return &Checker{lookupTXT: lookup}
}

// CheckDomain performs the SPF, DKIM and DMARC checks for a sender domain
func (c *Checker) CheckDomain(ctx context.Context, domain string, opts CheckOptions) (*DomainCheckResult, error) {
	domain = strings.ToLower(strings.TrimSuffix(domain, "."))
	if err := ValidateDomain(domain); err != nil {
		return nil, err
	}
	if opts.Selector != "" {
		if err := ValidateSelector(opts.Selector); err != nil {
			return nil, err
		}
	}

	result := &DomainCheckResult{Domain: domain}

	result.Results = append(result.Results, c.CheckSPF(ctx, domain, opts.SPFInclude))
	if opts.Selector != "" {
		result.Results = append(result.Results, c.CheckDKIM(ctx, domain, opts.Selector, opts.PublicKey))
	}
	result.Results = append(result.Results, c.CheckDMARC(ctx, domain))

	for _, r := range result.Results {
		switch r.Status {
		case StatusOK:
			result.Summary.OK++
		case StatusWarning:
			result.Summary.Warnings++
		case StatusError:
			result.Summary.Errors++
		case StatusNotFound:
			result.Summary.NotFound++
		}
	}

	return result, nil
}

// lookup returns the TXT records of name, or a filled result on failure
func (c *Checker) lookup(ctx context.Context, name string, result *CheckResult, missing string) ([]string, bool) {
	records, err := c.lookupTXT(ctx, name)
	if err != nil {
		var dnsErr *net.DNSError
		if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
			result.Status = StatusNotFound
			result.Message = missing
			return nil, false
		}
		result.Status = StatusError
		result.Message = fmt.Sprintf("Lookup failed: %v", err)
		return nil, false
	}
	return records, true
}

// CheckSPF checks the SPF record and, optionally, that it authorizes the provider
func (c *Checker) CheckSPF(ctx context.Context, domain, include string) CheckResult {
	result := CheckResult{Type: "SPF Record"}
	missing := "No SPF record found, providers may reject or spam-folder the campaign"

	records, ok := c.lookup(ctx, domain, &result, missing)
	if !ok {
		return result
	}

	var spf []string
	for _, txt := range records {
		if strings.HasPrefix(strings.ToLower(txt), "v=spf1") {
			spf = append(spf, txt)
		}
	}

	switch {
	case len(spf) == 0:
		result.Status = StatusNotFound
		result.Message = missing
		return result
	case len(spf) > 1:
		result.Status = StatusError
		result.Value = strings.Join(spf, " | ")
		result.Message = "Multiple SPF records found, receivers treat this as a permanent error"
		return result
	}

	txt := spf[0]
	result.Value = txt
	result.Status = StatusOK

	switch {
	case strings.Contains(txt, "+all"):
		result.Status = StatusWarning
		result.Message = "SPF uses +all (allows any sender), use ~all or -all"
	case include != "" && !strings.Contains(strings.ToLower(txt), strings.ToLower(include)):
		result.Status = StatusWarning
		result.Message = fmt.Sprintf("SPF does not contain %s, the provider may not be authorized", include)
	case strings.Contains(txt, "-all"):
		result.Message = "SPF configured with strict policy (-all)"
	case strings.Contains(txt, "~all"):
		result.Message = "SPF configured with soft fail (~all)"
	}

	return result
}

// CheckDKIM checks the DKIM record of selector and compares it with key when given
func (c *Checker) CheckDKIM(ctx context.Context, domain, selector string, key *rsa.PublicKey) CheckResult {
	result := CheckResult{Type: fmt.Sprintf("DKIM Record (%s._domainkey)", selector)}
	name := fmt.Sprintf("%s._domainkey.%s", selector, domain)

	records, ok := c.lookup(ctx, name, &result, fmt.Sprintf("No DKIM record found for selector '%s'", selector))
	if !ok {
		return result
	}

	// A long key is published as several strings
	full := strings.Join(records, "")
	result.Value = truncateString(full, 100)

	tags := parseTags(full)
	if v, ok := tags["v"]; ok && v != "DKIM1" {
		result.Status = StatusWarning
		result.Message = "TXT record found but doesn't appear to be a valid DKIM record"
		return result
	}

	p, ok := tags["p"]
	if !ok {
		result.Status = StatusWarning
		result.Message = "DKIM record missing public key (p=)"
		return result
	}
	if p == "" {
		result.Status = StatusError
		result.Message = "DKIM key has been revoked (empty p=)"
		return result
	}

	if key != nil {
		published, err := parsePublicKey(p)
		if err != nil {
			result.Status = StatusError
			result.Message = fmt.Sprintf("Published key is unreadable: %v", err)
			return result
		}
		if !published.Equal(key) {
			result.Status = StatusError
			result.Message = "Published key does not match the configured private key"
			return result
		}
		result.Status = StatusOK
		result.Message = "DKIM record matches the configured key"
		return result
	}

	result.Status = StatusOK
	result.Message = "DKIM record published"
	return result
}

// CheckDMARC checks the DMARC record of the domain
func (c *Checker) CheckDMARC(ctx context.Context, domain string) CheckResult {
	result := CheckResult{Type: "DMARC Record"}

	records, ok := c.lookup(ctx, "_dmarc."+domain, &result, "No DMARC record found, bulk senders are required to publish one")
	if !ok {
		return result
	}

	full := strings.Join(records, "")
	result.Value = full

	if !strings.HasPrefix(full, "v=DMARC1") {
		result.Status = StatusWarning
		result.Message = "TXT record found but doesn't appear to be a valid DMARC record"
		return result
	}

	result.Status = StatusOK
	switch parseTags(full)["p"] {
	case "reject":
		result.Message = "DMARC configured with reject policy (strict)"
	case "quarantine":
		result.Message = "DMARC configured with quarantine policy"
	case "none":
		result.Message = "DMARC configured with none policy (monitoring only)"
	default:
		result.Status = StatusWarning
		result.Message = "DMARC record has no valid policy (p=)"
	}

	return result
}

// parseTags splits a "k=v; k=v" record
func parseTags(record string) map[string]string {
	tags := make(map[string]string)
	for _, part := range strings.Split(record, ";") {
		k, v, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		tags[strings.TrimSpace(k)] = strings.Join(strings.Fields(v), "")
	}
	return tags
}

func parsePublicKey(p string) (*rsa.PublicKey, error) {
	der, err := base64.StdEncoding.DecodeString(p)
	if err != nil {
		return nil, err
	}

	pub, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		// Some generators publish a bare PKCS#1 key
		if rsaKey, err2 := x509.ParsePKCS1PublicKey(der); err2 == nil {
			return rsaKey, nil
		}
		return nil, err
	}

	rsaKey, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("key is not RSA")
	}
	return rsaKey, nil
}

func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
