package smtp

import (
	"errors"
	"fmt"
	"strings"

	"github.com/emersion/go-smtp"

	"github.com/foxzi/mailrun/internal/queue"
)

// DefaultBlockSignatures are reply fragments that mean the provider throttled
// or suspended the sending account rather than rejecting one recipient.
var DefaultBlockSignatures = []string{
	"Too many login attempts",
	"454-4.7.0",
	"Daily user sending quota exceeded",
	"rate limit exceeded",
}

// Classifier maps transport errors to queue error classes
type Classifier struct {
	signatures []string
}

// NewClassifier creates a classifier with the default signatures plus extra ones
func NewClassifier(extra ...string) *Classifier {
	sigs := make([]string, 0, len(DefaultBlockSignatures)+len(extra))
	for _, s := range append(append([]string{}, DefaultBlockSignatures...), extra...) {
		if s = strings.TrimSpace(s); s != "" {
			sigs = append(sigs, strings.ToLower(s))
		}
	}
	return &Classifier{signatures: sigs}
}

var defaultClassifier = NewClassifier()

// ClassifyError classifies err with the default signatures
func ClassifyError(err error) queue.ErrorClass {
	return defaultClassifier.Classify(err)
}

// Classify returns ClassProviderBlock for account-level refusals and
// ClassTransient for everything else
func (c *Classifier) Classify(err error) queue.ErrorClass {
	if err == nil {
		return queue.ClassTransient
	}

	texts := []string{strings.ToLower(err.Error())}

	var se *smtp.SMTPError
	if errors.As(err, &se) {
		if blockReply(se) {
			return queue.ClassProviderBlock
		}
		// Rebuild the reply line so signatures like "454-4.7.0" match
		ec := se.EnhancedCode
		texts = append(texts,
			strings.ToLower(fmt.Sprintf("%d-%d.%d.%d %s", se.Code, ec[0], ec[1], ec[2], se.Message)),
			strings.ToLower(fmt.Sprintf("%d %d.%d.%d %s", se.Code, ec[0], ec[1], ec[2], se.Message)),
		)
	}

	for _, text := range texts {
		for _, sig := range c.signatures {
			if strings.Contains(text, sig) {
				return queue.ClassProviderBlock
			}
		}
	}

	return queue.ClassTransient
}

// blockReply recognizes provider-level reply codes
func blockReply(se *smtp.SMTPError) bool {
	ec := se.EnhancedCode
	switch se.Code {
	case 421, 454:
		// 4.7.x: security or policy throttling
		return ec[0] == 4 && ec[1] == 7
	case 550:
		// 5.4.5: daily sending quota exceeded
		return ec == smtp.EnhancedCode{5, 4, 5}
	case 530, 534, 535:
		// authentication rejected, every further send would fail the same way
		return true
	}
	return false
}
