package llm

import (
	"context"
	"strings"

	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/upstream"
)

type sarvamClient struct {
	model  string
	client *upstream.Client
}

type completionRequest struct {
	Messages    []Message `json:"messages"`
	Model       string    `json:"model"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float64   `json:"temperature"`
	Stream      bool      `json:"stream"`
}

type completionResponse struct {
	Choices []struct {
		Message Message `json:"message"`
	} `json:"choices"`
	Response string `json:"response"`
}

func NewSarvamClient(cfg config.LLMConfig, client *upstream.Client) Client {
	return &sarvamClient{model: cfg.Model, client: client}
}

func (c *sarvamClient) Converse(ctx context.Context, req Request) (string, error) {
	if len(req.Messages) == 0 {
		return "", upstream.MalformedInput(serviceName, "no messages")
	}
	ctx, cancel := withTimeout(ctx, req.Timeout)
	defer cancel()

	var resp completionResponse
	err := c.client.PostJSON(ctx, "/v1/chat/completions", completionRequest{
		Messages:    req.Messages,
		Model:       c.model,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}, &resp)
	if err != nil {
		return "", err
	}
	if len(resp.Choices) > 0 {
		if reply := strings.TrimSpace(resp.Choices[0].Message.Content); reply != "" {
			return reply, nil
		}
	}
	if reply := strings.TrimSpace(resp.Response); reply != "" {
		return reply, nil
	}
	return FallbackReply, nil
}
