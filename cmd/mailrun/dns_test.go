package main

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/foxzi/mailrun/internal/config"
	"github.com/foxzi/mailrun/internal/dkim"
	"github.com/foxzi/mailrun/internal/dnscheck"
)

func TestCheckOptionsFlagsOnly(t *testing.T) {
	domain, opts, err := checkOptions(nil, "example.com", "mailrun", "")
	if err != nil {
		t.Fatal(err)
	}
	if domain != "example.com" || opts.Selector != "mailrun" || opts.PublicKey != nil {
		t.Errorf("unexpected options %q %+v", domain, opts)
	}

	if _, _, err := checkOptions(nil, "", "", ""); err == nil {
		t.Error("expected error without a domain")
	}
}

func TestCheckOptionsFromConfig(t *testing.T) {
	kp, err := dkim.GenerateKey("example.com", "news", 1024)
	if err != nil {
		t.Fatal(err)
	}
	keyPath := filepath.Join(t.TempDir(), "news.key")
	if err := kp.SavePrivateKey(keyPath); err != nil {
		t.Fatal(err)
	}

	cfg := &config.Config{}
	cfg.Transport.Provider = "gmail"
	cfg.Transport.GmailUser = "news@example.com"
	cfg.DKIM = config.DKIMConfig{Enabled: true, Selector: "news", KeyFile: keyPath}

	domain, opts, err := checkOptions(cfg, "", "", "")
	if err != nil {
		t.Fatal(err)
	}
	if domain != "example.com" {
		t.Errorf("domain = %q, want example.com", domain)
	}
	if opts.Selector != "news" {
		t.Errorf("selector = %q, want news", opts.Selector)
	}
	if opts.SPFInclude != gmailSPFInclude {
		t.Errorf("spf include = %q", opts.SPFInclude)
	}
	if opts.PublicKey == nil || !opts.PublicKey.Equal(&kp.PrivateKey.PublicKey) {
		t.Error("expected configured public key")
	}

	// flags win over config
	domain, opts, err = checkOptions(cfg, "other.org", "alt", "include:spf.other.org")
	if err != nil {
		t.Fatal(err)
	}
	if domain != "other.org" || opts.Selector != "alt" || opts.SPFInclude != "include:spf.other.org" {
		t.Errorf("flags not applied: %q %+v", domain, opts)
	}

	cfg.DKIM.KeyFile = filepath.Join(t.TempDir(), "missing.key")
	if _, _, err := checkOptions(cfg, "", "", ""); err == nil {
		t.Error("expected error for missing DKIM key")
	}
}

func TestPrintCheckResult(t *testing.T) {
	result := &dnscheck.DomainCheckResult{
		Domain: "example.com",
		Results: []dnscheck.CheckResult{
			{Type: "SPF Record", Status: dnscheck.StatusOK, Value: "v=spf1 -all", Message: "SPF configured with strict policy (-all)"},
			{Type: "DMARC Record", Status: dnscheck.StatusNotFound, Message: "No DMARC record found"},
		},
		Summary: dnscheck.Summary{OK: 1, NotFound: 1},
	}

	var buf bytes.Buffer
	printCheckResult(&buf, result)
	out := buf.String()

	for _, want := range []string{
		"DNS check for example.com",
		"[OK] SPF Record",
		"Value: v=spf1 -all",
		"[MISSING] DMARC Record",
		"Summary: 1 ok, 0 warnings, 0 errors, 1 not found",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}
