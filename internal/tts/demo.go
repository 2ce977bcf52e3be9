package tts

import (
	"context"

	"github.com/loqalabs/loqa-voice/internal/audio"
)

type demoSynth struct{}

// NewDemoSynth answers every request with a short silent buffer.
func NewDemoSynth() Synthesizer { return &demoSynth{} }

func (d *demoSynth) Synthesize(ctx context.Context, _ Request) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return audio.Silence(audio.DemoLength), nil
}
