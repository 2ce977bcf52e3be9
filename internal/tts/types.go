package tts

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/upstream"
)

const serviceName = "tts"

// Prosody overrides the configured delivery for one request.
type Prosody struct {
	Pitch    float64
	Pace     float64
	Loudness float64
}

// Request contains parameters to synthesize speech. Empty Voice and nil
// Prosody select the configured defaults.
type Request struct {
	Text     string
	Language string
	Voice    string
	Prosody  *Prosody
}

// Synthesizer is the contract for producing audio. Implementations return a
// complete WAV payload.
type Synthesizer interface {
	Synthesize(ctx context.Context, req Request) ([]byte, error)
}

// New selects a backend from configuration. The sarvam backend falls back to
// demo mode when no upstream credential is configured.
func New(cfg config.TTSConfig, up config.UpstreamConfig, logger *slog.Logger, opts ...upstream.Option) (Synthesizer, error) {
	switch {
	case cfg.Mode == "demo", cfg.Mode == "sarvam" && up.Demo():
		return NewDemoSynth(), nil
	case cfg.Mode == "sarvam":
		return NewSarvamSynth(cfg, upstream.NewClient(serviceName, up, logger, opts...)), nil
	case cfg.Mode == "exec":
		return NewExecSynth(cfg)
	default:
		return nil, fmt.Errorf("unsupported tts mode %q", cfg.Mode)
	}
}

// IsDemo reports whether s answers without network I/O.
func IsDemo(s Synthesizer) bool {
	_, ok := s.(*demoSynth)
	return ok
}

func defaults(cfg config.TTSConfig, req Request) (string, string, Prosody) {
	voice := req.Voice
	if voice == "" {
		voice = cfg.Speaker
	}
	language := req.Language
	if language == "" {
		language = cfg.DefaultLanguage
	}
	prosody := Prosody{Pitch: cfg.Pitch, Pace: cfg.Pace, Loudness: cfg.Loudness}
	if req.Prosody != nil {
		prosody = *req.Prosody
	}
	return voice, language, prosody
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
