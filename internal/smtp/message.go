package smtp

import (
	"bytes"
	"fmt"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"net/textproto"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/net/html"
)

// Message is one newsletter message addressed to a single recipient
type Message struct {
	From            mail.Address
	To              mail.Address
	ReplyTo         string
	Subject         string
	HTML            string
	ListUnsubscribe string
	Date            time.Time

	// MessageID is generated when empty
	MessageID string
}

// Bytes renders the message as RFC 5322 text with a multipart/alternative
// body: a plain text part derived from the HTML, then the HTML part.
func (m *Message) Bytes() ([]byte, error) {
	if m.To.Address == "" {
		return nil, fmt.Errorf("recipient address is empty")
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.SetBoundary("mailrun-" + uuid.NewString()); err != nil {
		return nil, err
	}

	date := m.Date
	if date.IsZero() {
		date = time.Now()
	}
	id := m.MessageID
	if id == "" {
		id = fmt.Sprintf("%s@%s", uuid.NewString(), domainOf(m.From.Address))
	}

	var head bytes.Buffer
	header := func(key, value string) {
		fmt.Fprintf(&head, "%s: %s\r\n", key, value)
	}

	header("From", m.From.String())
	header("To", m.To.String())
	if m.ReplyTo != "" {
		header("Reply-To", m.ReplyTo)
	}
	header("Subject", mime.QEncoding.Encode("utf-8", m.Subject))
	header("Date", date.Format(time.RFC1123Z))
	header("Message-ID", "<"+strings.Trim(id, "<>")+">")
	if m.ListUnsubscribe != "" {
		target := m.ListUnsubscribe
		if !strings.HasPrefix(target, "<") {
			target = "<" + target + ">"
		}
		header("List-Unsubscribe", target)
		if strings.HasPrefix(strings.ToLower(strings.Trim(target, "<>")), "https://") {
			header("List-Unsubscribe-Post", "List-Unsubscribe=One-Click")
		}
	}
	header("MIME-Version", "1.0")
	header("Content-Type", fmt.Sprintf("multipart/alternative; boundary=%q", mw.Boundary()))
	head.WriteString("\r\n")

	if err := writePart(mw, "text/plain", HTMLToText(m.HTML)); err != nil {
		return nil, err
	}
	if err := writePart(mw, "text/html", m.HTML); err != nil {
		return nil, err
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	head.Write(buf.Bytes())
	return head.Bytes(), nil
}

func writePart(mw *multipart.Writer, contentType, body string) error {
	h := make(textproto.MIMEHeader)
	h.Set("Content-Type", contentType+"; charset=utf-8")
	h.Set("Content-Transfer-Encoding", "quoted-printable")

	pw, err := mw.CreatePart(h)
	if err != nil {
		return err
	}

	qp := quotedprintable.NewWriter(pw)
	if _, err := qp.Write([]byte(body)); err != nil {
		return err
	}
	return qp.Close()
}

func domainOf(address string) string {
	if at := strings.LastIndex(address, "@"); at >= 0 && at < len(address)-1 {
		return address[at+1:]
	}
	return "localhost"
}

var (
	blankRuns = regexp.MustCompile(`[ \t\r\f\v]+`)
	lineRuns  = regexp.MustCompile(`\n{3,}`)
)

// blockTags end the current line of text
var blockTags = map[string]bool{
	"p": true, "div": true, "tr": true, "table": true, "ul": true, "ol": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
	"blockquote": true, "section": true, "article": true, "header": true, "footer": true,
}

// HTMLToText derives a readable plain text version of an HTML body.
// Links keep their target in parentheses; script and style content is dropped.
func HTMLToText(body string) string {
	if !strings.Contains(body, "<") {
		return tidyText(body)
	}

	z := html.NewTokenizer(strings.NewReader(body))

	var (
		out  strings.Builder
		skip int
		href []string
	)

	for {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			return tidyText(out.String())
		case html.TextToken:
			if skip == 0 {
				out.WriteString(strings.ReplaceAll(string(z.Text()), "\n", " "))
			}
		case html.StartTagToken, html.SelfClosingTagToken:
			name, hasAttr := z.TagName()
			tag := string(name)
			switch {
			case tag == "script" || tag == "style":
				if tt == html.StartTagToken {
					skip++
				}
			case tag == "br":
				out.WriteString("\n")
			case tag == "li":
				out.WriteString("\n- ")
			case tag == "a":
				target := ""
				for hasAttr {
					var key, val []byte
					key, val, hasAttr = z.TagAttr()
					if string(key) == "href" {
						target = string(val)
					}
				}
				href = append(href, target)
			case blockTags[tag]:
				out.WriteString("\n\n")
			}
		case html.EndTagToken:
			name, _ := z.TagName()
			tag := string(name)
			switch {
			case tag == "script" || tag == "style":
				if skip > 0 {
					skip--
				}
			case tag == "a" && len(href) > 0:
				target := href[len(href)-1]
				href = href[:len(href)-1]
				if target != "" && !strings.HasPrefix(target, "#") && !strings.HasPrefix(target, "mailto:") {
					fmt.Fprintf(&out, " (%s)", target)
				}
			case blockTags[tag]:
				out.WriteString("\n\n")
			}
		}
	}
}

func tidyText(s string) string {
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(blankRuns.ReplaceAllString(line, " "))
	}
	s = strings.Join(lines, "\n")
	s = lineRuns.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}
