package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/loqalabs/loqa-voice/internal/upstream"
	"github.com/mattn/go-shellwords"
)

// execClient pipes the request as JSON into a local command and reads
// {"content": "..."} back.
type execClient struct {
	cmd []string
}

type execResponse struct {
	Content string `json:"content"`
}

func NewExecClient(command string) (Client, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse llm command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("llm command empty")
	}
	return &execClient{cmd: args}, nil
}

func (c *execClient) Converse(ctx context.Context, req Request) (string, error) {
	input, err := json.Marshal(map[string]any{
		"messages":    req.Messages,
		"max_tokens":  req.MaxTokens,
		"temperature": req.Temperature,
	})
	if err != nil {
		return "", err
	}

	ctx, cancel := withTimeout(ctx, req.Timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, c.cmd[0], c.cmd[1:]...)
	cmd.Stdin = bytes.NewReader(input)
	output, err := cmd.Output()
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", upstream.Timeout(serviceName, ctx.Err())
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return "", upstream.Rejected(serviceName, exitErr.ExitCode(), strings.TrimSpace(string(exitErr.Stderr)))
		}
		return "", upstream.Unavailable(serviceName, err)
	}

	var resp execResponse
	if err := json.Unmarshal(output, &resp); err != nil {
		return "", upstream.Rejected(serviceName, 0, "decode llm exec response: "+err.Error())
	}
	if reply := strings.TrimSpace(resp.Content); reply != "" {
		return reply, nil
	}
	return FallbackReply, nil
}
