// Package notify delivers participant notifications about questionnaire windows.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

// Sender delivers a text message to a phone number in E.164 format.
type Sender interface {
	Send(ctx context.Context, to string, body string) error
}

// ErrInvalidTarget is returned for phone numbers that are not in E.164 format.
var ErrInvalidTarget = errors.New("notification target must be an E.164 phone number")

// NormalizeTarget strips formatting characters from a phone number and checks that the
// result is in E.164 format (+ followed by 8 to 15 digits).
func NormalizeTarget(raw string) (string, error) {
	n := strings.NewReplacer(" ", "", "-", "", "(", "", ")", "", ".", "").Replace(strings.TrimSpace(raw))
	if !strings.HasPrefix(n, "+") {
		return "", ErrInvalidTarget
	}
	digits := n[1:]
	if len(digits) < 8 || len(digits) > 15 || digits[0] == '0' {
		return "", ErrInvalidTarget
	}
	for _, r := range digits {
		if r < '0' || r > '9' {
			return "", ErrInvalidTarget
		}
	}
	return n, nil
}

// AvailableMessage is sent when a questionnaire window opens.
func AvailableMessage(due time.Time) string {
	return fmt.Sprintf("A new study questionnaire is available. Please complete it by %s.", due.Format("Mon 2 Jan 15:04 MST"))
}

// DueReminderMessage is sent shortly before a questionnaire window closes.
func DueReminderMessage(due time.Time) string {
	return fmt.Sprintf("Reminder: your study questionnaire closes at %s.", due.Format("Mon 2 Jan 15:04 MST"))
}

// messageCreator is the part of the Twilio REST API used by TwilioSender.
type messageCreator interface {
	CreateMessage(params *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error)
}

// Opts holds configuration options for the Twilio sender.
type Opts struct {
	AccountSID string
	AuthToken  string
	FromNumber string
}

// Option defines a configuration option for the Twilio sender.
type Option func(*Opts)

// WithAccountSID sets the Twilio account SID.
func WithAccountSID(sid string) Option {
	return func(o *Opts) { o.AccountSID = sid }
}

// WithAuthToken sets the Twilio auth token.
func WithAuthToken(token string) Option {
	return func(o *Opts) { o.AuthToken = token }
}

// WithFromNumber sets the sending phone number.
func WithFromNumber(from string) Option {
	return func(o *Opts) { o.FromNumber = from }
}

// TwilioSender sends SMS through the Twilio REST API.
type TwilioSender struct {
	api  messageCreator
	from string
}

// NewTwilioSender creates a TwilioSender. Unset options fall back to TWILIO_ACCOUNT_SID,
// TWILIO_AUTH_TOKEN and TWILIO_FROM_NUMBER.
func NewTwilioSender(opts ...Option) (*TwilioSender, error) {
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
	if cfg.FromNumber == "" {
		cfg.FromNumber = os.Getenv("TWILIO_FROM_NUMBER")
	}
	slog.Debug("Twilio sender config loaded",
		"AccountSID_set", cfg.AccountSID != "",
		"AuthToken_set", cfg.AuthToken != "",
		"FromNumber_set", cfg.FromNumber != "")

	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, fmt.Errorf("account SID and auth token must be provided")
	}
	if cfg.FromNumber == "" {
		return nil, fmt.Errorf("from number must be provided")
	}

	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	return &TwilioSender{api: client.Api, from: cfg.FromNumber}, nil
}

// Send implements Sender.
func (s *TwilioSender) Send(ctx context.Context, to string, body string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	params := &twilioApi.CreateMessageParams{}
	params.SetTo(to)
	params.SetFrom(s.from)
	params.SetBody(body)

	msg, err := s.api.CreateMessage(params)
	if err != nil {
		slog.Error("TwilioSender.Send: create message failed", "error", err)
		return fmt.Errorf("failed to send message: %w", err)
	}
	sid := ""
	if msg != nil && msg.Sid != nil {
		sid = *msg.Sid
	}
	slog.Debug("TwilioSender.Send: message queued", "sid", sid)
	return nil
}

// LogSender only logs messages. It is used when no SMS provider is configured.
type LogSender struct{}

// Send implements Sender.
func (LogSender) Send(_ context.Context, _ string, body string) error {
	slog.Info("LogSender.Send: notification not delivered, no provider configured", "body", body)
	return nil
}

// SentMessage is a message captured by MockSender.
type SentMessage struct {
	To   string
	Body string
}

// MockSender records messages and optionally fails.
type MockSender struct {
	mu   sync.Mutex
	Sent []SentMessage
	Err  error
}

// NewMockSender creates an empty MockSender.
func NewMockSender() *MockSender {
	return &MockSender{}
}

// Send implements Sender.
func (m *MockSender) Send(_ context.Context, to string, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.Sent = append(m.Sent, SentMessage{To: to, Body: body})
	return nil
}

// Messages returns a copy of the captured messages.
func (m *MockSender) Messages() []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SentMessage(nil), m.Sent...)
}
