package messaging

import (
	"context"
	"errors"
	"testing"
)

func TestCanonicalizePhone(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{"plus prefix", "+15550001111", "15550001111", false},
		{"formatted", "+1 (555) 000-1111", "15550001111", false},
		{"bare digits", "15550001111", "15550001111", false},
		{"empty", "", "", true},
		{"no digits", "abc", "", true},
		{"too short", "12345", "", true},
		{"minimum length", "123456", "123456", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := CanonicalizePhone(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("CanonicalizePhone(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("CanonicalizePhone(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestErrorTaxonomy(t *testing.T) {
	base := errors.New("connection reset")

	tr := Transient(base)
	if !IsTransient(tr) {
		t.Error("Transient error not reported transient")
	}
	if IsPermanent(tr) {
		t.Error("Transient error reported permanent")
	}
	if !errors.Is(tr, base) {
		t.Error("Transient wrapper does not unwrap to the cause")
	}

	if !IsPermanent(ErrRecipientBlocked) {
		t.Error("ErrRecipientBlocked not reported permanent")
	}
	if IsTransient(ErrRecipientBlocked) {
		t.Error("ErrRecipientBlocked reported transient")
	}

	if Transient(nil) != nil {
		t.Error("Transient(nil) should be nil")
	}
}

func TestClassifyTwilioError(t *testing.T) {
	tests := []struct {
		name          string
		err           error
		wantPermanent bool
	}{
		{"blocked keyword", errors.New("message blocked by carrier"), true},
		{"forbidden keyword", errors.New("403 Forbidden"), true},
		{"unsubscribed keyword", errors.New("recipient unsubscribed"), true},
		{"timeout", errors.New("i/o timeout"), false},
		{"rate limit", errors.New("429 too many requests"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classifyTwilioError(tt.err, "15550001111")
			if IsPermanent(got) != tt.wantPermanent {
				t.Errorf("classifyTwilioError(%v) permanent = %v, want %v", tt.err, IsPermanent(got), tt.wantPermanent)
			}
			if !tt.wantPermanent && !IsTransient(got) {
				t.Errorf("classifyTwilioError(%v) not transient", tt.err)
			}
		})
	}
}

func TestMockServiceScriptedFailure(t *testing.T) {
	m := NewMockService()
	wantErr := Transient(errors.New("down"))
	m.FailWith("15550001111", wantErr)

	if err := m.SendMessage(context.Background(), "15550001111", "hi"); !errors.Is(err, wantErr) {
		t.Errorf("SendMessage error = %v, want scripted %v", err, wantErr)
	}
	if err := m.SendMessage(context.Background(), "15550002222", "hi"); err != nil {
		t.Errorf("SendMessage to unscripted recipient failed: %v", err)
	}
	if got := m.SentTo("15550002222"); len(got) != 1 || got[0].Body != "hi" {
		t.Errorf("SentTo = %+v", got)
	}
}
