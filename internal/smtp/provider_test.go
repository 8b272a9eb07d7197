package smtp

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
)

// delivered is one message accepted by the test provider
type delivered struct {
	From     string
	To       []string
	Data     []byte
	AuthUser string
}

// provider is an in-process SMTP submission server standing in for the real provider
type provider struct {
	username string
	password string

	mu        sync.Mutex
	messages  []delivered
	rcptError map[string]error
	mailError error
}

func (p *provider) received() []delivered {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]delivered(nil), p.messages...)
}

func (p *provider) NewSession(c *smtp.Conn) (smtp.Session, error) {
	return &providerSession{p: p}, nil
}

type providerSession struct {
	p        *provider
	from     string
	to       []string
	authUser string
}

func (s *providerSession) AuthMechanisms() []string {
	return []string{sasl.Plain}
}

func (s *providerSession) Auth(mech string) (sasl.Server, error) {
	if mech != sasl.Plain {
		return nil, errors.New("unsupported authentication mechanism")
	}
	return sasl.NewPlainServer(func(identity, username, password string) error {
		if username != s.p.username || password != s.p.password {
			return smtp.ErrAuthFailed
		}
		s.authUser = username
		return nil
	}), nil
}

func (s *providerSession) Mail(from string, opts *smtp.MailOptions) error {
	if s.p.username != "" && s.authUser == "" {
		return &smtp.SMTPError{Code: 530, EnhancedCode: smtp.EnhancedCode{5, 7, 0}, Message: "Authentication required"}
	}
	if s.p.mailError != nil {
		return s.p.mailError
	}
	s.from = from
	return nil
}

func (s *providerSession) Rcpt(to string, opts *smtp.RcptOptions) error {
	s.p.mu.Lock()
	err := s.p.rcptError[to]
	s.p.mu.Unlock()
	if err != nil {
		return err
	}
	s.to = append(s.to, to)
	return nil
}

func (s *providerSession) Data(r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}

	s.p.mu.Lock()
	s.p.messages = append(s.p.messages, delivered{From: s.from, To: s.to, Data: data, AuthUser: s.authUser})
	s.p.mu.Unlock()
	return nil
}

func (s *providerSession) Reset() {
	s.from = ""
	s.to = nil
}

func (s *providerSession) Logout() error {
	return nil
}

// startProvider serves p on a loopback port. With tlsConfig set the server offers
// STARTTLS, or speaks TLS from the first byte when implicit is true.
func startProvider(t *testing.T, p *provider, tlsConfig *tls.Config, implicit bool) int {
	t.Helper()

	srv := smtp.NewServer(p)
	srv.Domain = "provider.test"
	srv.AllowInsecureAuth = true
	srv.ReadTimeout = 5 * time.Second
	srv.WriteTimeout = 5 * time.Second
	srv.TLSConfig = tlsConfig

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := l.Addr().(*net.TCPAddr).Port
	if implicit {
		l = tls.NewListener(l, tlsConfig)
	}

	go srv.Serve(l)
	t.Cleanup(func() { srv.Close() })

	return port
}

// selfSignedTLS returns a server config for 127.0.0.1
func selfSignedTLS(t *testing.T) *tls.Config {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "provider.test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatal(err)
	}

	return &tls.Config{
		Certificates: []tls.Certificate{{Certificate: [][]byte{der}, PrivateKey: key}},
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
