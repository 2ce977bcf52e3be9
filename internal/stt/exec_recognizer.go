package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/loqalabs/loqa-voice/internal/audio"
	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/upstream"
	"github.com/mattn/go-shellwords"
)

// execRecognizer shells out to a local recognizer. The command receives
// --audio <wav> and optionally --language, and prints
// {"text": "...", "language": "..."} on stdout.
type execRecognizer struct {
	cmd     []string
	cfg     config.STTConfig
	timeout time.Duration
}

type execResult struct {
	Text       string  `json:"text"`
	Language   string  `json:"language"`
	Confidence float64 `json:"confidence"`
}

func NewExecRecognizer(cfg config.STTConfig) (Recognizer, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse stt command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("stt command is empty")
	}
	return &execRecognizer{cmd: args, cfg: cfg, timeout: cfg.Timeout()}, nil
}

func (r *execRecognizer) Transcribe(ctx context.Context, payload []byte, languageHint string) (Transcript, error) {
	if len(payload) == 0 {
		return Transcript{}, upstream.MalformedInput(serviceName, "empty audio payload")
	}
	wav, err := audio.EnsureWAV(payload, r.cfg.SampleRate, r.cfg.Channels)
	if err != nil {
		return Transcript{}, upstream.MalformedInput(serviceName, err.Error())
	}

	file, err := os.CreateTemp("", "loqa_stt_*.wav")
	if err != nil {
		return Transcript{}, fmt.Errorf("temp file: %w", err)
	}
	defer os.Remove(file.Name())
	if _, err := file.Write(wav); err != nil {
		file.Close()
		return Transcript{}, fmt.Errorf("write temp wav: %w", err)
	}
	if err := file.Close(); err != nil {
		return Transcript{}, fmt.Errorf("close temp wav: %w", err)
	}

	cmdArgs := append([]string{}, r.cmd[1:]...)
	cmdArgs = append(cmdArgs, "--audio", file.Name())
	if r.cfg.Model != "" {
		cmdArgs = append(cmdArgs, "--model", r.cfg.Model)
	}
	hint := strings.TrimSpace(languageHint)
	if hint == "" {
		hint = r.cfg.LanguageHint
	}
	if hint != "" {
		cmdArgs = append(cmdArgs, "--language", hint)
	}

	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()

	command := exec.CommandContext(ctx, r.cmd[0], cmdArgs...)
	var stdout, stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr
	if err := command.Run(); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Transcript{}, upstream.Timeout(serviceName, ctx.Err())
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return Transcript{}, upstream.Rejected(serviceName, exitErr.ExitCode(), strings.TrimSpace(stderr.String()))
		}
		return Transcript{}, upstream.Unavailable(serviceName, err)
	}

	var resp execResult
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return Transcript{}, upstream.Rejected(serviceName, 0, "decode stt response: "+err.Error())
	}
	out := Transcript{Text: resp.Text, Language: resp.Language}
	if strings.TrimSpace(out.Text) == "" {
		out.Text = Unintelligible
	}
	if out.Language == "" {
		out.Language = hint
	}
	if out.Language == "" {
		out.Language = DefaultLanguage
	}
	return out, nil
}
