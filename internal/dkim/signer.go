// Package dkim signs outgoing newsletter messages.
package dkim

import (
	"bytes"
	"crypto"
	"crypto/rsa"
	"fmt"
	"net/mail"
	"strings"

	"github.com/emersion/go-msgauth/dkim"
)

// signedHeaders lists the headers covered by the signature, in signing order.
// Missing headers are skipped by the signer.
var signedHeaders = []string{
	"From",
	"To",
	"Subject",
	"Date",
	"Message-ID",
	"MIME-Version",
	"Content-Type",
	"List-Unsubscribe",
	"List-Unsubscribe-Post",
}

// Signer signs messages for one domain and selector
type Signer struct {
	privateKey *rsa.PrivateKey
	domain     string
	selector   string
}

// NewSigner creates a new DKIM signer
func NewSigner(privateKey *rsa.PrivateKey, domain, selector string) *Signer {
	return &Signer{
		privateKey: privateKey,
		domain:     strings.ToLower(domain),
		selector:   selector,
	}
}

// NewSignerFromFile creates a DKIM signer from a PEM key file
func NewSignerFromFile(keyFile, domain, selector string) (*Signer, error) {
	if domain == "" || selector == "" {
		return nil, fmt.Errorf("dkim domain and selector are required")
	}

	privateKey, err := LoadPrivateKey(keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load DKIM key: %w", err)
	}

	return NewSigner(privateKey, domain, selector), nil
}

// Sign returns the message with a DKIM-Signature header prepended
func (s *Signer) Sign(message []byte) ([]byte, error) {
	options := &dkim.SignOptions{
		Domain:                 s.domain,
		Selector:               s.selector,
		Signer:                 s.privateKey,
		Hash:                   crypto.SHA256,
		HeaderCanonicalization: dkim.CanonicalizationRelaxed,
		BodyCanonicalization:   dkim.CanonicalizationRelaxed,
		HeaderKeys:             presentHeaders(message),
	}

	var signed bytes.Buffer
	if err := dkim.Sign(&signed, bytes.NewReader(message), options); err != nil {
		return nil, fmt.Errorf("failed to sign message: %w", err)
	}

	return signed.Bytes(), nil
}

// Aligned reports whether the From address belongs to the signing domain
// or one of its subdomains, which DMARC requires for a passing signature.
func (s *Signer) Aligned(from string) bool {
	addr, err := mail.ParseAddress(from)
	if err != nil {
		return false
	}

	at := strings.LastIndex(addr.Address, "@")
	if at < 0 {
		return false
	}

	domain := strings.ToLower(addr.Address[at+1:])
	return domain == s.domain || strings.HasSuffix(domain, "."+s.domain)
}

// Domain returns the DKIM domain
func (s *Signer) Domain() string {
	return s.domain
}

// Selector returns the DKIM selector
func (s *Signer) Selector() string {
	return s.selector
}

// presentHeaders returns the subset of signedHeaders found in the message header block
func presentHeaders(message []byte) []string {
	head := message
	if i := bytes.Index(message, []byte("\r\n\r\n")); i >= 0 {
		head = message[:i]
	} else if i := bytes.Index(message, []byte("\n\n")); i >= 0 {
		head = message[:i]
	}

	found := make(map[string]bool)
	for _, line := range strings.Split(string(head), "\n") {
		if line == "" || line[0] == ' ' || line[0] == '\t' {
			continue
		}
		if colon := strings.IndexByte(line, ':'); colon > 0 {
			found[strings.ToLower(strings.TrimSpace(line[:colon]))] = true
		}
	}

	keys := make([]string, 0, len(signedHeaders))
	for _, h := range signedHeaders {
		if found[strings.ToLower(h)] {
			keys = append(keys, h)
		}
	}
	if len(keys) == 0 {
		// From is mandatory for DKIM; let the signer report the problem
		keys = append(keys, "From")
	}
	return keys
}
