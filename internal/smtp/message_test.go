package smtp

import (
	"bytes"
	"io"
	"mime"
	"mime/multipart"
	"net/mail"
	"strings"
	"testing"
	"time"
)

func parseMessage(t *testing.T, data []byte) (*mail.Message, map[string]string) {
	t.Helper()

	msg, err := mail.ReadMessage(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("message does not parse: %v", err)
	}

	mediaType, params, err := mime.ParseMediaType(msg.Header.Get("Content-Type"))
	if err != nil {
		t.Fatal(err)
	}
	if mediaType != "multipart/alternative" {
		t.Fatalf("Content-Type = %q", mediaType)
	}

	parts := make(map[string]string)
	mr := multipart.NewReader(msg.Body, params["boundary"])
	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		body, err := io.ReadAll(p)
		if err != nil {
			t.Fatal(err)
		}
		ct, _, _ := mime.ParseMediaType(p.Header.Get("Content-Type"))
		parts[ct] = strings.ReplaceAll(string(body), "\r\n", "\n")
	}
	return msg, parts
}

func TestMessageBytes(t *testing.T) {
	m := &Message{
		From:            mail.Address{Name: "Example News", Address: "news@example.com"},
		To:              mail.Address{Name: "Zoë", Address: "zoe@example.org"},
		Subject:         "Новости за октябрь",
		HTML:            `<h1>Hi</h1><p>Read <a href="https://example.com/oct">the issue</a>.</p>`,
		ListUnsubscribe: "https://example.com/unsubscribe?u=1",
		Date:            time.Date(2026, 10, 1, 9, 0, 0, 0, time.UTC),
	}

	data, err := m.Bytes()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Contains(data, []byte("\r\n\r\n")) {
		t.Error("header block should end with CRLF CRLF")
	}

	msg, parts := parseMessage(t, data)

	dec := new(mime.WordDecoder)
	subject, err := dec.DecodeHeader(msg.Header.Get("Subject"))
	if err != nil {
		t.Fatal(err)
	}
	if subject != m.Subject {
		t.Errorf("Subject = %q, want %q", subject, m.Subject)
	}

	to, err := msg.Header.AddressList("To")
	if err != nil || len(to) != 1 || to[0].Name != "Zoë" {
		t.Errorf("To = %v (%v)", to, err)
	}

	if got := msg.Header.Get("Date"); got != "Thu, 01 Oct 2026 09:00:00 +0000" {
		t.Errorf("Date = %q", got)
	}
	if id := msg.Header.Get("Message-ID"); !strings.HasPrefix(id, "<") || !strings.HasSuffix(id, "@example.com>") {
		t.Errorf("Message-ID = %q", id)
	}
	if got := msg.Header.Get("List-Unsubscribe"); got != "<https://example.com/unsubscribe?u=1>" {
		t.Errorf("List-Unsubscribe = %q", got)
	}
	if got := msg.Header.Get("List-Unsubscribe-Post"); got != "List-Unsubscribe=One-Click" {
		t.Errorf("List-Unsubscribe-Post = %q", got)
	}

	if parts["text/html"] != m.HTML {
		t.Errorf("html part = %q", parts["text/html"])
	}
	if want := "Hi\n\nRead the issue (https://example.com/oct)."; parts["text/plain"] != want {
		t.Errorf("text part = %q, want %q", parts["text/plain"], want)
	}
}

func TestMessageBytesOptionalHeaders(t *testing.T) {
	m := &Message{
		From:            mail.Address{Address: "news@example.com"},
		To:              mail.Address{Address: "ann@example.org"},
		Subject:         "Plain",
		HTML:            "<p>x</p>",
		ListUnsubscribe: "mailto:unsubscribe@example.com",
		MessageID:       "<fixed@example.com>",
	}

	data, err := m.Bytes()
	if err != nil {
		t.Fatal(err)
	}

	msg, _ := parseMessage(t, data)
	if msg.Header.Get("Message-ID") != "<fixed@example.com>" {
		t.Errorf("Message-ID = %q", msg.Header.Get("Message-ID"))
	}
	if msg.Header.Get("List-Unsubscribe-Post") != "" {
		t.Error("one-click header is only for https targets")
	}
	if msg.Header.Get("Reply-To") != "" {
		t.Error("Reply-To should be omitted")
	}
	if msg.Header.Get("Date") == "" {
		t.Error("Date defaults to now")
	}
}

func TestMessageBytesRequiresRecipient(t *testing.T) {
	if _, err := (&Message{Subject: "x"}).Bytes(); err == nil {
		t.Error("expected error for empty recipient")
	}
}

func TestHTMLToText(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain text", "Hello\n\n\n\nworld", "Hello\n\nworld"},
		{"line breaks", "one<br>two<br/>three", "one\ntwo\nthree"},
		{"list", "<ul><li>a</li><li>b</li></ul>", "- a\n- b"},
		{"entities", "<p>Fish &amp; chips</p>", "Fish & chips"},
		{"script dropped", "<style>p{color:red}</style><p>visible</p><script>alert(1)</script>", "visible"},
		{"anchor links skipped", `<a href="#top">Top</a> <a href="mailto:x@y.z">Mail</a>`, "Top Mail"},
		{"source newlines", "<p>wrapped\n   line</p>", "wrapped line"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := HTMLToText(tt.in); got != tt.want {
				t.Errorf("HTMLToText() = %q, want %q", got, tt.want)
			}
		})
	}
}
