package smtp

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/emersion/go-smtp"

	"github.com/foxzi/mailrun/internal/queue"
)

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want queue.ErrorClass
	}{
		{"nil", nil, queue.ClassTransient},
		{"421 4.7.0 throttled", &smtp.SMTPError{Code: 421, EnhancedCode: smtp.EnhancedCode{4, 7, 0}, Message: "Try again later"}, queue.ClassProviderBlock},
		{"421 4.4.2 timeout", &smtp.SMTPError{Code: 421, EnhancedCode: smtp.EnhancedCode{4, 4, 2}, Message: "Connection dropped"}, queue.ClassTransient},
		{"454 4.7.0", &smtp.SMTPError{Code: 454, EnhancedCode: smtp.EnhancedCode{4, 7, 0}, Message: "Cannot authenticate due to temporary system problem"}, queue.ClassProviderBlock},
		{"550 5.4.5 quota", &smtp.SMTPError{Code: 550, EnhancedCode: smtp.EnhancedCode{5, 4, 5}, Message: "Daily sending quota exceeded"}, queue.ClassProviderBlock},
		{"550 5.1.1 unknown user", &smtp.SMTPError{Code: 550, EnhancedCode: smtp.EnhancedCode{5, 1, 1}, Message: "No such user"}, queue.ClassTransient},
		{"535 bad credentials", smtp.ErrAuthFailed, queue.ClassProviderBlock},
		{"552 too large", &smtp.SMTPError{Code: 552, EnhancedCode: smtp.EnhancedCode{5, 3, 4}, Message: "Message too big"}, queue.ClassTransient},
		{"signature in plain error", errors.New("Too many login attempts, please try again later"), queue.ClassProviderBlock},
		{"raw reply line", errors.New("454-4.7.0 Too many login attempts"), queue.ClassProviderBlock},
		{"quota text", errors.New("550-5.4.5 Daily user sending quota exceeded."), queue.ClassProviderBlock},
		{"rate limit any case", errors.New("Rate Limit Exceeded"), queue.ClassProviderBlock},
		{"wrapped block", &DeliveryError{Stage: "MAIL FROM", Err: fmt.Errorf("wrap: %w", &smtp.SMTPError{Code: 454, EnhancedCode: smtp.EnhancedCode{4, 7, 0}})}, queue.ClassProviderBlock},
		{"connection refused", errors.New("dial tcp: connection refused"), queue.ClassTransient},
		{"canceled", context.Canceled, queue.ClassTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClassifyError(tt.err); got != tt.want {
				t.Errorf("ClassifyError(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestClassifierExtraSignatures(t *testing.T) {
	err := errors.New("451 4.3.2 Account suspended for review")

	if ClassifyError(err) != queue.ClassTransient {
		t.Fatal("default classifier should not know this reply")
	}

	c := NewClassifier("account SUSPENDED", "  ")
	if c.Classify(err) != queue.ClassProviderBlock {
		t.Error("extra signature should match case-insensitively")
	}
	if c.Classify(errors.New("Daily user sending quota exceeded")) != queue.ClassProviderBlock {
		t.Error("defaults are kept alongside extra signatures")
	}
}
