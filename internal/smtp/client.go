// Package smtp delivers newsletter messages through an authenticated SMTP provider.
package smtp

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/mail"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/foxzi/mailrun/internal/dkim"
	"github.com/foxzi/mailrun/internal/queue"
)

// Connection security modes
const (
	SecuritySTARTTLS = "starttls"
	SecurityTLS      = "tls"
	SecurityNone     = "none"
)

// Gmail submission endpoint used by the gmail credential preset
const (
	GmailHost = "smtp.gmail.com"
	GmailPort = 587
)

// ClientOptions configures the provider connection and the sender identity
type ClientOptions struct {
	Host               string
	Port               int
	Username           string
	Password           string
	Security           string
	InsecureSkipVerify bool
	HeloName           string
	Timeout            time.Duration

	From            string
	FromName        string
	ReplyTo         string
	ListUnsubscribe string

	Signer *dkim.Signer
}

// GmailOptions returns options for a Gmail account with an app password
func GmailOptions(user, appPassword string) ClientOptions {
	return ClientOptions{
		Host:     GmailHost,
		Port:     GmailPort,
		Username: user,
		Password: appPassword,
		Security: SecuritySTARTTLS,
		From:     user,
	}
}

// DeliveryError is a failed delivery attempt at a given SMTP stage
type DeliveryError struct {
	Temporary bool
	Stage     string
	Err       error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Stage, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// Client sends one message per recipient through the configured provider.
// It implements queue.Sender.
type Client struct {
	opts   ClientOptions
	from   mail.Address
	logger *slog.Logger
}

// NewClient validates options and creates a client
func NewClient(opts ClientOptions, logger *slog.Logger) (*Client, error) {
	if opts.Host == "" {
		return nil, fmt.Errorf("smtp host is required")
	}
	if opts.Security == "" {
		opts.Security = SecuritySTARTTLS
	}
	switch opts.Security {
	case SecuritySTARTTLS, SecurityTLS, SecurityNone:
	default:
		return nil, fmt.Errorf("unknown smtp security mode %q", opts.Security)
	}
	if opts.Port == 0 {
		switch opts.Security {
		case SecurityTLS:
			opts.Port = 465
		default:
			opts.Port = 587
		}
	}
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.From == "" {
		opts.From = opts.Username
	}

	from, err := mail.ParseAddress(opts.From)
	if err != nil {
		return nil, fmt.Errorf("invalid sender address %q: %w", opts.From, err)
	}
	if opts.FromName != "" {
		from.Name = opts.FromName
	}

	if opts.Signer != nil && !opts.Signer.Aligned(from.Address) {
		logger.Warn("DKIM domain does not match sender, messages will be sent unsigned",
			"dkim_domain", opts.Signer.Domain(),
			"from", from.Address,
		)
		opts.Signer = nil
	}

	return &Client{
		opts:   opts,
		from:   *from,
		logger: logger,
	}, nil
}

// Send builds the message for env and delivers it
func (c *Client) Send(ctx context.Context, env queue.Envelope) error {
	msg := &Message{
		From:            c.from,
		To:              mail.Address{Name: env.ToName, Address: env.To},
		ReplyTo:         c.opts.ReplyTo,
		Subject:         env.Subject,
		HTML:            env.HTML,
		ListUnsubscribe: c.opts.ListUnsubscribe,
		Date:            time.Now(),
	}

	data, err := msg.Bytes()
	if err != nil {
		return &DeliveryError{Temporary: false, Stage: "compose", Err: err}
	}

	if signer := c.opts.Signer; signer != nil {
		signed, err := signer.Sign(data)
		if err != nil {
			c.logger.Warn("DKIM signing failed, sending unsigned",
				"domain", signer.Domain(),
				"error", err,
			)
		} else {
			data = signed
		}
	}

	return c.deliver(ctx, env.To, data)
}

// deliver runs one SMTP transaction for a single recipient
func (c *Client) deliver(ctx context.Context, to string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return &DeliveryError{Temporary: true, Stage: "connect", Err: err}
	}

	conn, err := c.dial(ctx)
	if err != nil {
		return &DeliveryError{Temporary: true, Stage: "connect", Err: err}
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	} else {
		conn.SetDeadline(time.Now().Add(c.opts.Timeout))
	}

	client := smtp.NewClient(conn)
	defer client.Close()

	if c.opts.HeloName != "" {
		if err := client.Hello(c.opts.HeloName); err != nil {
			return categorizeError(err, "EHLO")
		}
	}

	if c.opts.Security == SecuritySTARTTLS {
		if ok, _ := client.Extension("STARTTLS"); !ok {
			return &DeliveryError{Temporary: false, Stage: "STARTTLS", Err: errors.New("server does not support STARTTLS")}
		}
		if err := client.StartTLS(c.tlsConfig()); err != nil {
			return categorizeError(err, "STARTTLS")
		}
	}

	if c.opts.Username != "" {
		auth, err := c.saslClient(client)
		if err != nil {
			return &DeliveryError{Temporary: false, Stage: "AUTH", Err: err}
		}
		if err := client.Auth(auth); err != nil {
			return categorizeError(err, "AUTH")
		}
	}

	if err := client.Mail(c.from.Address, nil); err != nil {
		return categorizeError(err, "MAIL FROM")
	}

	if err := client.Rcpt(to, nil); err != nil {
		return categorizeError(err, fmt.Sprintf("RCPT TO %s", to))
	}

	wc, err := client.Data()
	if err != nil {
		return categorizeError(err, "DATA")
	}

	if _, err := bytes.NewReader(data).WriteTo(wc); err != nil {
		wc.Close()
		return &DeliveryError{Temporary: true, Stage: "DATA", Err: err}
	}

	if err := wc.Close(); err != nil {
		return categorizeError(err, "DATA close")
	}

	client.Quit()

	c.logger.Debug("message delivered",
		"host", c.opts.Host,
		"to", to,
		"size", len(data),
	)

	return nil
}

func (c *Client) dial(ctx context.Context) (net.Conn, error) {
	addr := net.JoinHostPort(c.opts.Host, strconv.Itoa(c.opts.Port))
	dialer := &net.Dialer{Timeout: c.opts.Timeout}

	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("connection to %s: %w", addr, err)
	}

	if c.opts.Security != SecurityTLS {
		return conn, nil
	}

	tlsConn := tls.Client(conn, c.tlsConfig())
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("TLS handshake with %s: %w", addr, err)
	}
	return tlsConn, nil
}

func (c *Client) tlsConfig() *tls.Config {
	return &tls.Config{
		ServerName:         c.opts.Host,
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: c.opts.InsecureSkipVerify,
	}
}

// saslClient picks PLAIN when offered, LOGIN otherwise
func (c *Client) saslClient(client *smtp.Client) (sasl.Client, error) {
	switch {
	case client.SupportsAuth(sasl.Plain):
		return sasl.NewPlainClient("", c.opts.Username, c.opts.Password), nil
	case client.SupportsAuth(sasl.Login):
		return sasl.NewLoginClient(c.opts.Username, c.opts.Password), nil
	default:
		return nil, errors.New("server offers neither PLAIN nor LOGIN authentication")
	}
}

// smtpCodePattern matches SMTP response codes at word boundaries
var smtpCodePattern = regexp.MustCompile(`\b(4\d{2}|5\d{2})\b`)

// categorizeError determines if an SMTP error is temporary or permanent
func categorizeError(err error, stage string) *DeliveryError {
	var se *smtp.SMTPError
	if errors.As(err, &se) {
		return &DeliveryError{Temporary: se.Code/100 != 5, Stage: stage, Err: err}
	}

	// Non-protocol errors carry the code in text, if at all
	if matches := smtpCodePattern.FindStringSubmatch(err.Error()); len(matches) > 1 {
		return &DeliveryError{Temporary: !strings.HasPrefix(matches[1], "5"), Stage: stage, Err: err}
	}

	return &DeliveryError{Temporary: true, Stage: stage, Err: err}
}

// IsTemporaryError checks if the error is temporary
func IsTemporaryError(err error) bool {
	var de *DeliveryError
	if errors.As(err, &de) {
		return de.Temporary
	}
	return true
}
