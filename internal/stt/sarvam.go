package stt

import (
	"bytes"
	"context"
	"fmt"
	"mime/multipart"
	"net/textproto"
	"strings"
	"time"

	"github.com/loqalabs/loqa-voice/internal/audio"
	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/upstream"
)

type sarvamRecognizer struct {
	cfg     config.STTConfig
	client  *upstream.Client
	timeout time.Duration
}

type sarvamResponse struct {
	Transcript   string `json:"transcript"`
	LanguageCode string `json:"language_code"`
}

func NewSarvamRecognizer(cfg config.STTConfig, client *upstream.Client) Recognizer {
	return &sarvamRecognizer{cfg: cfg, client: client, timeout: cfg.Timeout()}
}

func (r *sarvamRecognizer) Transcribe(ctx context.Context, payload []byte, languageHint string) (Transcript, error) {
	if len(payload) == 0 {
		return Transcript{}, upstream.MalformedInput(serviceName, "empty audio payload")
	}
	wav, err := audio.EnsureWAV(payload, r.cfg.SampleRate, r.cfg.Channels)
	if err != nil {
		return Transcript{}, upstream.MalformedInput(serviceName, err.Error())
	}

	hint := strings.TrimSpace(languageHint)
	if hint == "" {
		hint = r.cfg.LanguageHint
	}
	if hint == "" {
		hint = "unknown"
	}

	body, contentType, err := multipartBody(wav, hint, r.cfg.Model)
	if err != nil {
		return Transcript{}, fmt.Errorf("build stt request: %w", err)
	}

	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()

	var resp sarvamResponse
	if err := r.client.PostMultipart(ctx, "/speech-to-text", contentType, body, &resp); err != nil {
		return Transcript{}, err
	}

	out := Transcript{Text: resp.Transcript, Language: resp.LanguageCode}
	if strings.TrimSpace(out.Text) == "" {
		out.Text = Unintelligible
	}
	if out.Language == "" {
		if hint != "unknown" {
			out.Language = hint
		} else {
			out.Language = DefaultLanguage
		}
	}
	return out, nil
}

func multipartBody(wav []byte, languageCode, model string) ([]byte, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", `form-data; name="file"; filename="audio.wav"`)
	header.Set("Content-Type", "audio/wav")
	part, err := w.CreatePart(header)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(wav); err != nil {
		return nil, "", err
	}
	if err := w.WriteField("language_code", languageCode); err != nil {
		return nil, "", err
	}
	if model != "" {
		if err := w.WriteField("model", model); err != nil {
			return nil, "", err
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}
