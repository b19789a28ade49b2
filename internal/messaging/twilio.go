// Package messaging wraps the Twilio API as the WhatsApp delivery channel.
package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

// Opts holds configuration options for the Twilio client.
type Opts struct {
	AccountSID string
	AuthToken  string
	FromWhats  string
}

// Option defines a configuration option for the Twilio client.
type Option func(*Opts)

// WithAccountSID sets the Twilio account SID.
func WithAccountSID(sid string) Option {
	return func(o *Opts) { o.AccountSID = sid }
}

// WithAuthToken sets the Twilio auth token.
func WithAuthToken(token string) Option {
	return func(o *Opts) { o.AuthToken = token }
}

// WithFromWhats sets the sending WhatsApp number ("whatsapp:+1234567890").
func WithFromWhats(from string) Option {
	return func(o *Opts) { o.FromWhats = from }
}

// TwilioService implements Service using the Twilio REST API.
type TwilioService struct {
	client    *twilio.RestClient
	fromWhats string
	mu        sync.RWMutex
	stopped   bool
}

// Compile-time check that TwilioService implements Service.
var _ Service = (*TwilioService)(nil)

// NewTwilioService creates a Twilio-backed delivery channel. Credentials fall
// back to the TWILIO_ACCOUNT_SID / TWILIO_AUTH_TOKEN / TWILIO_FROM_NUMBER
// environment variables when not provided via options.
func NewTwilioService(opts ...Option) (*TwilioService, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.AccountSID == "" {
		cfg.AccountSID = os.Getenv("TWILIO_ACCOUNT_SID")
	}
	if cfg.AuthToken == "" {
		cfg.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	}
	if cfg.FromWhats == "" {
		cfg.FromWhats = os.Getenv("TWILIO_FROM_NUMBER")
	}
	slog.Debug("Twilio client config loaded",
		"AccountSID_set", cfg.AccountSID != "",
		"AuthToken_set", cfg.AuthToken != "",
		"FromWhats_set", cfg.FromWhats != "")

	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, fmt.Errorf("account SID and auth token must be provided")
	}
	if cfg.FromWhats == "" {
		return nil, fmt.Errorf("fromWhats number must be provided")
	}

	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})

	return &TwilioService{client: client, fromWhats: cfg.FromWhats}, nil
}

// ValidateAndCanonicalizeRecipient validates and canonicalizes a WhatsApp
// phone number.
func (s *TwilioService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return CanonicalizePhone(recipient)
}

// Stop marks the service as stopped; further sends fail with ErrServiceStopped.
func (s *TwilioService) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
}

// SendMessage sends a WhatsApp message using the Twilio API, classifying
// failures into the transient/permanent taxonomy.
func (s *TwilioService) SendMessage(ctx context.Context, to string, body string) error {
	s.mu.RLock()
	if s.stopped {
		s.mu.RUnlock()
		return ErrServiceStopped
	}
	s.mu.RUnlock()

	canonicalTo, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		slog.Error("TwilioService SendMessage validation error", "error", err, "to", to)
		return err
	}

	if err := ctx.Err(); err != nil {
		return Transient(err)
	}

	params := &twilioApi.CreateMessageParams{}
	params.SetTo("whatsapp:" + canonicalTo)
	params.SetFrom(s.fromWhats)
	params.SetBody(body)

	if _, err := s.client.Api.CreateMessage(params); err != nil {
		slog.Error("Twilio SendMessage failed", "to", canonicalTo, "error", err)
		return classifyTwilioError(err, canonicalTo)
	}

	slog.Debug("Twilio message sent", "to", canonicalTo)
	return nil
}

// classifyTwilioError maps a Twilio API failure onto the delivery taxonomy.
// Block and opt-out responses are permanent; everything else (timeouts,
// rate limits, 5xx) is treated as transient and retried.
func classifyTwilioError(err error, to string) error {
	msg := strings.ToLower(err.Error())
	for _, keyword := range []string{"blocked", "forbidden", "unsubscribed", "deactivated", "blacklist"} {
		if strings.Contains(msg, keyword) {
			return fmt.Errorf("send to %s: %w", to, ErrRecipientBlocked)
		}
	}
	return Transient(fmt.Errorf("send to %s: %w", to, err))
}
