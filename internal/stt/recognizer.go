package stt

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/upstream"
)

const (
	serviceName = "stt"

	// DefaultLanguage is reported when the service does not detect one.
	DefaultLanguage = "en-IN"
	// Unintelligible is the transcript reported for audio without speech.
	Unintelligible = "Could not understand audio"
)

// Transcript captures recognizer output.
type Transcript struct {
	Text     string
	Language string
}

// Recognizer abstracts STT backends. languageHint may be empty, in which
// case the backend detects the language.
type Recognizer interface {
	Transcribe(ctx context.Context, audio []byte, languageHint string) (Transcript, error)
}

// New selects a backend from configuration. Sarvam mode without a credential
// answers in demo mode.
func New(cfg config.STTConfig, up config.UpstreamConfig, logger *slog.Logger, opts ...upstream.Option) (Recognizer, error) {
	switch {
	case cfg.Mode == "demo", cfg.Mode == "sarvam" && up.Demo():
		return NewDemoRecognizer(), nil
	case cfg.Mode == "sarvam":
		return NewSarvamRecognizer(cfg, upstream.NewClient(serviceName, up, logger, opts...)), nil
	case cfg.Mode == "exec":
		return NewExecRecognizer(cfg)
	default:
		return nil, fmt.Errorf("unsupported stt mode %q", cfg.Mode)
	}
}

func IsDemo(r Recognizer) bool {
	_, ok := r.(*demoRecognizer)
	return ok
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
