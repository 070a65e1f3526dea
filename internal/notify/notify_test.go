package notify

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

type fakeMessages struct {
	params []*twilioApi.CreateMessageParams
	err    error
}

func (f *fakeMessages) CreateMessage(params *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error) {
	f.params = append(f.params, params)
	if f.err != nil {
		return nil, f.err
	}
	sid := "SM123"
	return &twilioApi.ApiV2010Message{Sid: &sid}, nil
}

func TestTwilioSender_Send(t *testing.T) {
	api := &fakeMessages{}
	s := &TwilioSender{api: api, from: "+15550000000"}

	if err := s.Send(context.Background(), "+15551234567", "hello"); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if len(api.params) != 1 {
		t.Fatalf("expected 1 message, got %d", len(api.params))
	}
	p := api.params[0]
	if *p.To != "+15551234567" || *p.From != "+15550000000" || *p.Body != "hello" {
		t.Errorf("unexpected params: to=%s from=%s body=%s", *p.To, *p.From, *p.Body)
	}
}

func TestTwilioSender_SendError(t *testing.T) {
	boom := errors.New("20003 authenticate")
	s := &TwilioSender{api: &fakeMessages{err: boom}, from: "+15550000000"}

	if err := s.Send(context.Background(), "+15551234567", "hello"); !errors.Is(err, boom) {
		t.Errorf("expected wrapped error, got %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := s.Send(ctx, "+15551234567", "hello"); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestNewTwilioSender_RequiresCredentials(t *testing.T) {
	t.Setenv("TWILIO_ACCOUNT_SID", "")
	t.Setenv("TWILIO_AUTH_TOKEN", "")
	t.Setenv("TWILIO_FROM_NUMBER", "")

	if _, err := NewTwilioSender(); err == nil {
		t.Error("expected error without credentials")
	}
	if _, err := NewTwilioSender(WithAccountSID("AC1"), WithAuthToken("tok")); err == nil {
		t.Error("expected error without from number")
	}
	if _, err := NewTwilioSender(WithAccountSID("AC1"), WithAuthToken("tok"), WithFromNumber("+15550000000")); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestNormalizeTarget(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"+15551234567", "+15551234567", false},
		{" +49 (30) 1234-5678 ", "+493012345678", false},
		{"15551234567", "", true},
		{"+0123456789", "", true},
		{"+1234", "", true},
		{"+1555abc4567", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		got, err := NormalizeTarget(tt.in)
		if tt.wantErr {
			if !errors.Is(err, ErrInvalidTarget) {
				t.Errorf("NormalizeTarget(%q) error = %v, want ErrInvalidTarget", tt.in, err)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("NormalizeTarget(%q) = %q, %v; want %q", tt.in, got, err, tt.want)
		}
	}
}

func TestMessages(t *testing.T) {
	due := time.Date(2024, 1, 5, 18, 0, 0, 0, time.UTC)
	if got := AvailableMessage(due); !strings.Contains(got, "Fri 5 Jan 18:00 UTC") {
		t.Errorf("AvailableMessage = %q", got)
	}
	if got := DueReminderMessage(due); !strings.HasPrefix(got, "Reminder:") || !strings.Contains(got, "18:00") {
		t.Errorf("DueReminderMessage = %q", got)
	}
}

func TestMockSender(t *testing.T) {
	m := NewMockSender()
	if err := m.Send(context.Background(), "+15551234567", "hi"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	m.Err = errors.New("down")
	if err := m.Send(context.Background(), "+15551234567", "again"); err == nil {
		t.Error("expected configured error")
	}
	if msgs := m.Messages(); len(msgs) != 1 || msgs[0].Body != "hi" {
		t.Errorf("unexpected messages: %+v", msgs)
	}
	if err := (LogSender{}).Send(context.Background(), "+15551234567", "logged"); err != nil {
		t.Errorf("LogSender returned %v", err)
	}
}
