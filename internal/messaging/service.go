// Package messaging provides the outbound delivery channel abstraction for
// ContactPipe and its Twilio-backed implementation.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"regexp"
)

// Service defines a pluggable message delivery abstraction. The dispatcher
// treats it as the outer boundary: errors returned from SendMessage are
// classified with IsPermanent / transient semantics.
type Service interface {
	// ValidateAndCanonicalizeRecipient validates and canonicalizes a recipient
	// identifier. Returns the canonicalized recipient and an error if
	// validation fails.
	ValidateAndCanonicalizeRecipient(recipient string) (string, error)

	// SendMessage sends a message to a recipient. The context bounds the
	// attempt; expiry is reported as a transient error.
	SendMessage(ctx context.Context, to string, body string) error
}

// Delivery error taxonomy. Permanent errors suppress further outbound
// attempts to the recipient; transient errors are retried up to a bounded
// attempt count by the dispatcher.
var (
	// ErrServiceStopped indicates the service has been shut down.
	ErrServiceStopped = errors.New("messaging service stopped")
	// ErrRecipientBlocked indicates the recipient blocked the sender or is
	// otherwise permanently unreachable.
	ErrRecipientBlocked = errors.New("recipient blocked or unreachable")
)

// TransientError wraps a retryable delivery failure (timeout, network).
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient delivery error: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as a retryable delivery failure.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// IsTransient reports whether err is a retryable delivery failure.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsPermanent reports whether err is a terminal delivery failure that should
// suppress future outbound attempts to the recipient.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrRecipientBlocked)
}

// phoneNumberRegex strips all non-digits during canonicalization.
var phoneNumberRegex = regexp.MustCompile(`[^0-9]`)

// CanonicalizePhone validates and canonicalizes a phone-number recipient.
// It removes all non-numeric characters and validates the result has at
// least 6 digits.
func CanonicalizePhone(recipient string) (string, error) {
	if recipient == "" {
		return "", fmt.Errorf("recipient cannot be empty")
	}
	canonical := phoneNumberRegex.ReplaceAllString(recipient, "")
	if canonical == "" {
		return "", fmt.Errorf("invalid phone number: no digits found in recipient %q", recipient)
	}
	if len(canonical) < 6 {
		return "", fmt.Errorf("invalid phone number: %q is too short (minimum 6 digits required)", canonical)
	}
	return canonical, nil
}
