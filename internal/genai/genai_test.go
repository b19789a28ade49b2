package genai

import (
	"context"
	"errors"
	"testing"

	"github.com/openai/openai-go"
)

// stubChat records the last request and returns a scripted completion.
type stubChat struct {
	lastParams openai.ChatCompletionNewParams
	content    string
	err        error
	noChoices  bool
}

func (s *stubChat) Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error) {
	s.lastParams = params
	if s.err != nil {
		return openai.ChatCompletion{}, s.err
	}
	if s.noChoices {
		return openai.ChatCompletion{}, nil
	}
	return openai.ChatCompletion{
		Choices: []openai.ChatCompletionChoice{
			{Message: openai.ChatCompletionMessage{Content: s.content}},
		},
	}, nil
}

func TestGenerateMessage(t *testing.T) {
	chat := &stubChat{content: "Hello there."}
	c := NewClientWithChat(chat)

	got, err := c.GenerateMessage(context.Background(), "system prompt", "user prompt")
	if err != nil {
		t.Fatalf("GenerateMessage failed: %v", err)
	}
	if got != "Hello there." {
		t.Errorf("GenerateMessage = %q", got)
	}
	if len(chat.lastParams.Messages) != 2 {
		t.Errorf("sent %d messages, want system + user", len(chat.lastParams.Messages))
	}
}

func TestGenerateMessageError(t *testing.T) {
	wantErr := errors.New("rate limited")
	c := NewClientWithChat(&stubChat{err: wantErr})

	if _, err := c.GenerateMessage(context.Background(), "s", "u"); !errors.Is(err, wantErr) {
		t.Errorf("GenerateMessage error = %v, want wrapped %v", err, wantErr)
	}
}

func TestGenerateMessageNoChoices(t *testing.T) {
	c := NewClientWithChat(&stubChat{noChoices: true})
	if _, err := c.GenerateMessage(context.Background(), "s", "u"); err == nil {
		t.Error("GenerateMessage succeeded with an empty choices list")
	}
}

func TestGenerateDailyTextIncludesName(t *testing.T) {
	chat := &stubChat{content: "A gentle note."}
	c := NewClientWithChat(chat)

	got, err := c.GenerateDailyText(context.Background(), "Ada")
	if err != nil {
		t.Fatalf("GenerateDailyText failed: %v", err)
	}
	if got != "A gentle note." {
		t.Errorf("GenerateDailyText = %q", got)
	}
	if len(chat.lastParams.Messages) != 2 {
		t.Errorf("sent %d messages, want system + user", len(chat.lastParams.Messages))
	}
}

func TestNewClientNoKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	if _, err := NewClient(); err == nil {
		t.Error("expected error when API key not provided, got nil")
	}
}
