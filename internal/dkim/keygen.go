package dkim

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// DefaultKeyBits is the RSA key size used when none is given
const DefaultKeyBits = 2048

// txtChunk is the maximum length of one character-string in a TXT record
const txtChunk = 255

// KeyPair represents a DKIM key pair
type KeyPair struct {
	PrivateKey *rsa.PrivateKey
	Domain     string
	Selector   string
}

// GenerateKey generates a new RSA DKIM key pair. bits <= 0 means DefaultKeyBits.
func GenerateKey(domain, selector string, bits int) (*KeyPair, error) {
	if domain == "" || selector == "" {
		return nil, fmt.Errorf("domain and selector are required")
	}
	if bits <= 0 {
		bits = DefaultKeyBits
	}
	if bits < 1024 {
		return nil, fmt.Errorf("key size %d is too small, use at least 1024 bits", bits)
	}

	privateKey, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, fmt.Errorf("failed to generate RSA key: %w", err)
	}

	return &KeyPair{
		PrivateKey: privateKey,
		Domain:     strings.ToLower(domain),
		Selector:   selector,
	}, nil
}

// KeyPath returns the conventional key file location inside dir
func (kp *KeyPair) KeyPath(dir string) string {
	return filepath.Join(dir, fmt.Sprintf("%s.%s.key", kp.Selector, kp.Domain))
}

// SavePrivateKey writes the private key as PKCS#1 PEM with 0600 permissions
func (kp *KeyPair) SavePrivateKey(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create key file: %w", err)
	}
	defer file.Close()

	block := &pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(kp.PrivateKey),
	}

	if err := pem.Encode(file, block); err != nil {
		return fmt.Errorf("failed to encode private key: %w", err)
	}

	return nil
}

// DNSRecord returns the TXT record value publishing the public key
func (kp *KeyPair) DNSRecord() string {
	pubKeyBytes, err := x509.MarshalPKIXPublicKey(&kp.PrivateKey.PublicKey)
	if err != nil {
		return ""
	}

	return "v=DKIM1; k=rsa; p=" + base64.StdEncoding.EncodeToString(pubKeyBytes)
}

// DNSName returns the DNS record name for DKIM
func (kp *KeyPair) DNSName() string {
	return fmt.Sprintf("%s._domainkey.%s", kp.Selector, kp.Domain)
}

// ZoneRecord returns the record in zone file syntax, split into
// 255-byte character-strings as 2048-bit keys exceed one string.
func (kp *KeyPair) ZoneRecord() string {
	value := kp.DNSRecord()

	var parts []string
	for len(value) > txtChunk {
		parts = append(parts, `"`+value[:txtChunk]+`"`)
		value = value[txtChunk:]
	}
	parts = append(parts, `"`+value+`"`)

	return fmt.Sprintf("%s. IN TXT ( %s )", kp.DNSName(), strings.Join(parts, " "))
}

// LoadPrivateKey loads an RSA private key from a PKCS#1 or PKCS#8 PEM file
func LoadPrivateKey(path string) (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}

	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("failed to decode PEM block")
	}

	switch block.Type {
	case "RSA PRIVATE KEY":
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		rsaKey, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("key is not RSA")
		}
		return rsaKey, nil
	default:
		return nil, fmt.Errorf("unsupported key type: %s", block.Type)
	}
}
