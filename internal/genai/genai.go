// Package genai provides GenAI-enhanced content generation using the OpenAI API.
//
// It supplies the daily-push text substituted into {TEXT} placeholders by the
// dispatcher's content renderer.
package genai

import (
	"context"
	"fmt"
	"os"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// chatService defines minimal interface for chat completions.
type chatService interface {
	Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error)
}

// openaiChatService adapts the OpenAI client to the chatService interface.
type openaiChatService struct {
	client openai.Client
}

func (s *openaiChatService) Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error) {
	resp, err := s.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return openai.ChatCompletion{}, err
	}
	return *resp, nil
}

// Client wraps the OpenAI chat completion service for generating daily content.
type Client struct {
	chat  chatService
	model openai.ChatModel
}

// NewClient initializes a new GenAI client using the OPENAI_API_KEY environment variable.
func NewClient() (*Client, error) {
	apiKey := os.Getenv("OPENAI_API_KEY")
	if apiKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY not set")
	}
	cli := openai.NewClient(option.WithAPIKey(apiKey))
	return &Client{chat: &openaiChatService{client: cli}, model: openai.ChatModelGPT4oMini}, nil
}

// NewClientWithChat builds a client over a custom chat service (tests).
func NewClientWithChat(chat chatService) *Client {
	return &Client{chat: chat, model: openai.ChatModelGPT4oMini}
}

// GenerateMessage generates a response based on the provided system and user prompts.
func (c *Client) GenerateMessage(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	params := openai.ChatCompletionNewParams{
		Model: c.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(userPrompt),
		},
	}
	resp, err := c.chat.Create(ctx, params)
	if err != nil {
		return "", fmt.Errorf("chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("no choices returned")
	}
	return resp.Choices[0].Message.Content, nil
}

const dailyTextSystemPrompt = `You write one short, warm daily message for a wellness companion app.
Keep it under 50 words, one paragraph, no greetings and no sign-off.`

// GenerateDailyText produces the daily-push body for a user. The user's name
// is optional context; an empty name yields a generic message.
func (c *Client) GenerateDailyText(ctx context.Context, userName string) (string, error) {
	userPrompt := "Write today's message."
	if userName != "" {
		userPrompt = fmt.Sprintf("Write today's message for %s.", userName)
	}
	return c.GenerateMessage(ctx, dailyTextSystemPrompt, userPrompt)
}
