package tts

import (
	"context"
	"encoding/base64"
	"strings"
	"time"

	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/upstream"
)

type sarvamSynth struct {
	cfg     config.TTSConfig
	client  *upstream.Client
	timeout time.Duration
}

type sarvamRequest struct {
	Text                string  `json:"text"`
	TargetLanguageCode  string  `json:"target_language_code"`
	Speaker             string  `json:"speaker"`
	EnablePreprocessing bool    `json:"enable_preprocessing"`
	Pitch               float64 `json:"pitch"`
	Pace                float64 `json:"pace"`
	Loudness            float64 `json:"loudness"`
}

type sarvamResponse struct {
	Audios []string `json:"audios"`
	Audio  string   `json:"audio"`
}

func NewSarvamSynth(cfg config.TTSConfig, client *upstream.Client) Synthesizer {
	return &sarvamSynth{cfg: cfg, client: client, timeout: cfg.Timeout()}
}

func (s *sarvamSynth) Synthesize(ctx context.Context, req Request) ([]byte, error) {
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return nil, upstream.MalformedInput(serviceName, "no text provided")
	}
	voice, language, prosody := defaults(s.cfg, req)

	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()

	var resp sarvamResponse
	err := s.client.PostJSON(ctx, "/text-to-speech", sarvamRequest{
		Text:                text,
		TargetLanguageCode:  language,
		Speaker:             voice,
		EnablePreprocessing: s.cfg.EnablePreprocessing,
		Pitch:               prosody.Pitch,
		Pace:                prosody.Pace,
		Loudness:            prosody.Loudness,
	}, &resp)
	if err != nil {
		return nil, err
	}

	encoded := resp.Audio
	if len(resp.Audios) > 0 && resp.Audios[0] != "" {
		encoded = resp.Audios[0]
	}
	if encoded == "" {
		return nil, upstream.Rejected(serviceName, 0, "no audio data received")
	}
	audio, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, upstream.Rejected(serviceName, 0, "audio payload is not valid base64")
	}
	return audio, nil
}
