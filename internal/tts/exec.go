package tts

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"github.com/loqalabs/loqa-voice/internal/audio"
	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/upstream"
	"github.com/mattn/go-shellwords"
)

// execSynth runs a local synthesis command. The command reads one JSON
// request on stdin and writes JSON lines carrying base64 PCM.
type execSynth struct {
	cfg     config.TTSConfig
	cmd     []string
	timeout time.Duration
}

type execRequest struct {
	Text       string  `json:"text"`
	Language   string  `json:"language"`
	Voice      string  `json:"voice"`
	Pace       float64 `json:"pace"`
	SampleRate int     `json:"sample_rate"`
	Channels   int     `json:"channels"`
}

type execResponse struct {
	PCMBase64 string `json:"pcm_base64"`
	Final     bool   `json:"final"`
}

func NewExecSynth(cfg config.TTSConfig) (Synthesizer, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse tts command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("tts command empty")
	}
	return &execSynth{cfg: cfg, cmd: args, timeout: cfg.Timeout()}, nil
}

func (e *execSynth) Synthesize(ctx context.Context, req Request) ([]byte, error) {
	if req.Text == "" {
		return nil, upstream.MalformedInput(serviceName, "no text provided")
	}
	voice, language, prosody := defaults(e.cfg, req)
	payload, err := json.Marshal(execRequest{
		Text:       req.Text,
		Language:   language,
		Voice:      voice,
		Pace:       prosody.Pace,
		SampleRate: e.cfg.SampleRate,
		Channels:   e.cfg.Channels,
	})
	if err != nil {
		return nil, err
	}

	ctx, cancel := withTimeout(ctx, e.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, e.cmd[0], e.cmd[1:]...)
	cmd.Stdin = bytes.NewReader(payload)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	output, err := cmd.Output()
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, upstream.Timeout(serviceName, ctx.Err())
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, upstream.Rejected(serviceName, exitErr.ExitCode(), stderr.String())
		}
		return nil, upstream.Unavailable(serviceName, err)
	}

	var pcm []byte
	scanner := bufio.NewScanner(bytes.NewReader(output))
	scanner.Buffer(make([]byte, 64*1024), 16<<20)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var resp execResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			return nil, upstream.Rejected(serviceName, 0, "decode tts output: "+err.Error())
		}
		chunk, err := base64.StdEncoding.DecodeString(resp.PCMBase64)
		if err != nil {
			return nil, upstream.Rejected(serviceName, 0, "decode tts pcm: "+err.Error())
		}
		pcm = append(pcm, chunk...)
		if resp.Final {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, upstream.Rejected(serviceName, 0, err.Error())
	}
	if len(pcm) == 0 {
		return nil, upstream.Rejected(serviceName, 0, "no audio data received")
	}
	return audio.EncodeWAV(pcm, e.cfg.SampleRate, e.cfg.Channels)
}
