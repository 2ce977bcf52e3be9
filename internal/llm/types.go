package llm

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/upstream"
)

const (
	serviceName = "chat"

	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"

	// FallbackReply is used when the service answers without any content.
	FallbackReply = "Sorry, I could not generate a response."
	DemoReply     = "Demo response - configure Sarvam API key for full functionality"
)

// Message is one role-tagged turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request describes a chat completion.
type Request struct {
	Messages    []Message
	MaxTokens   int
	Temperature float64
	Timeout     time.Duration
}

// Client defines a pluggable chat backend.
type Client interface {
	Converse(ctx context.Context, req Request) (string, error)
}

// SingleTurn builds the low-latency request used by the voice pipeline: the
// configured system instruction followed by one user message, no history.
func SingleTurn(cfg config.LLMConfig, userText string) Request {
	return Request{
		Messages: []Message{
			{Role: RoleSystem, Content: cfg.SystemPrompt},
			{Role: RoleUser, Content: userText},
		},
		MaxTokens:   cfg.MaxTokens,
		Temperature: cfg.Temperature,
		Timeout:     cfg.Timeout(),
	}
}

// Conversation builds a multi-turn request for the chat endpoint.
func Conversation(cfg config.LLMConfig, history []Message) Request {
	messages := make([]Message, 0, len(history)+1)
	messages = append(messages, Message{Role: RoleSystem, Content: cfg.ChatSystemPrompt})
	messages = append(messages, history...)
	return Request{
		Messages:    messages,
		MaxTokens:   cfg.ChatMaxTokens,
		Temperature: cfg.ChatTemperature,
		Timeout:     cfg.ChatTimeout(),
	}
}

// New selects a backend from configuration. The sarvam backend falls back to
// demo mode when no credential is configured.
func New(cfg config.LLMConfig, up config.UpstreamConfig, logger *slog.Logger, opts ...upstream.Option) (Client, error) {
	switch {
	case cfg.Mode == "demo", cfg.Mode == "sarvam" && up.Demo():
		return NewDemoClient(), nil
	case cfg.Mode == "sarvam":
		return NewSarvamClient(cfg, upstream.NewClient(serviceName, up, logger, opts...)), nil
	case cfg.Mode == "ollama":
		return NewOllamaClient(cfg), nil
	case cfg.Mode == "exec":
		return NewExecClient(cfg.Command)
	default:
		return nil, fmt.Errorf("unsupported llm mode %q", cfg.Mode)
	}
}

func IsDemo(c Client) bool {
	_, ok := c.(*demoClient)
	return ok
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
