package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/upstream"
)

const ollamaService = "ollama"

// ollamaClient talks to a local Ollama daemon through its streaming chat API
// and accumulates the streamed content.
type ollamaClient struct {
	endpoint string
	model    string
	http     *http.Client
}

func NewOllamaClient(cfg config.LLMConfig) Client {
	model := cfg.Model
	if model == "" || model == "sarvam-m" {
		model = "llama3.2:latest"
	}
	return &ollamaClient{endpoint: strings.TrimRight(cfg.Endpoint, "/"), model: model, http: &http.Client{}}
}

type ollamaRequest struct {
	Model    string        `json:"model"`
	Messages []Message     `json:"messages"`
	Stream   bool          `json:"stream"`
	Options  ollamaOptions `json:"options"`
}

type ollamaOptions struct {
	Temperature float64 `json:"temperature,omitempty"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

type ollamaStreamResponse struct {
	Message Message `json:"message"`
	Done    bool    `json:"done"`
	Error   string  `json:"error,omitempty"`
}

func (c *ollamaClient) Converse(ctx context.Context, req Request) (string, error) {
	body, err := json.Marshal(ollamaRequest{
		Model:    c.model,
		Messages: req.Messages,
		Stream:   true,
		Options:  ollamaOptions{Temperature: req.Temperature, NumPredict: req.MaxTokens},
	})
	if err != nil {
		return "", err
	}

	ctx, cancel := withTimeout(ctx, req.Timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return "", upstream.Unavailable(ollamaService, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return "", upstream.Classify(ollamaService, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return "", upstream.Rejected(ollamaService, resp.StatusCode, resp.Status)
	}

	var accumulated strings.Builder
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var chunk ollamaStreamResponse
		if err := json.Unmarshal(line, &chunk); err != nil {
			return "", upstream.Rejected(ollamaService, 0, "decode stream: "+err.Error())
		}
		if chunk.Error != "" {
			return "", upstream.Rejected(ollamaService, 0, chunk.Error)
		}
		accumulated.WriteString(chunk.Message.Content)
		if chunk.Done {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", upstream.Timeout(ollamaService, err)
		}
		return "", upstream.Unavailable(ollamaService, err)
	}
	reply := strings.TrimSpace(accumulated.String())
	if reply == "" {
		return FallbackReply, nil
	}
	return reply, nil
}
