// Package httpapi exposes the non-streaming request/response endpoints that
// share adapters and caches with the duplex pipeline.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/eventstore"
	"github.com/loqalabs/loqa-voice/internal/llm"
	"github.com/loqalabs/loqa-voice/internal/pipeline"
	"github.com/loqalabs/loqa-voice/internal/stt"
	"github.com/loqalabs/loqa-voice/internal/tts"
	"github.com/loqalabs/loqa-voice/internal/upstream"
)

var (
	SupportedLanguages = []string{"en-IN", "hi-IN", "bn-IN", "gu-IN", "kn-IN", "ml-IN", "mr-IN", "od-IN", "pa-IN", "ta-IN", "te-IN"}
	Voices             = []string{"vidya", "anushka", "arjun"}

	allowedAudioTypes = map[string]bool{
		"audio/wav":   true,
		"audio/wave":  true,
		"audio/x-wav": true,
		"audio/mpeg":  true,
		"audio/mp3":   true,
		"audio/webm":  true,
	}
)

// multipartOverhead is allowed on top of the upload limit for form framing.
const multipartOverhead = 1 << 20

type Deps struct {
	Recognizer stt.Recognizer
	Chat       llm.Client
	// Speech serves the default voice through the shared TTS cache.
	Speech pipeline.Speech
	// Synthesizer is called directly for non-default voices.
	Synthesizer tts.Synthesizer
	Events      *eventstore.Store
	// Configured reports whether a real upstream credential is present.
	Configured bool
}

type API struct {
	cfg     config.Config
	deps    Deps
	history *History
	logger  *slog.Logger
	clock   func() time.Time
}

func New(cfg config.Config, deps Deps, logger *slog.Logger) *API {
	return &API{
		cfg:     cfg,
		deps:    deps,
		history: &History{},
		logger:  logger.With(slog.String("component", "httpapi")),
		clock:   time.Now,
	}
}

func (a *API) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/health", a.handleHealth)
	mux.HandleFunc("POST /api/speech-to-text", a.handleSpeechToText)
	mux.HandleFunc("POST /api/chat", a.handleChat)
	mux.HandleFunc("POST /api/text-to-speech", a.handleTextToSpeech)
	mux.HandleFunc("POST /api/reset-conversation", a.handleReset)
	mux.HandleFunc("GET /api/sessions/{id}/events", a.handleSessionEvents)
}

func (a *API) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":                "ok",
		"sarvam_api_configured": a.deps.Configured,
		"supported_languages":   SupportedLanguages,
		"available_voices":      Voices,
		"timestamp":             a.clock().UTC().Format(time.RFC3339),
	})
}

func (a *API) handleSpeechToText(w http.ResponseWriter, r *http.Request) {
	limit := a.cfg.HTTP.MaxUploadBytes
	r.Body = http.MaxBytesReader(w, r.Body, limit+multipartOverhead)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "Audio file too large")
			return
		}
		writeError(w, http.StatusBadRequest, "No audio file provided")
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	file, header, err := r.FormFile("audio")
	if err != nil {
		writeError(w, http.StatusBadRequest, "No audio file provided")
		return
	}
	defer file.Close()

	if !acceptedAudio(header.Header.Get("Content-Type"), header.Filename) {
		writeError(w, http.StatusBadRequest, "Invalid file type. Only audio files are allowed.")
		return
	}
	if header.Size > limit {
		writeError(w, http.StatusRequestEntityTooLarge, "Audio file too large")
		return
	}
	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Failed to read audio file")
		return
	}

	language := strings.TrimSpace(r.FormValue("language_code"))
	transcript, err := a.deps.Recognizer.Transcribe(r.Context(), data, language)
	if err != nil {
		a.fail(w, "speech-to-text", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"transcript":    transcript.Text,
		"language_code": transcript.Language,
	})
}

func acceptedAudio(contentType, filename string) bool {
	if allowedAudioTypes[strings.ToLower(strings.TrimSpace(contentType))] {
		return true
	}
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".wav", ".mp3":
		return true
	}
	return false
}

type chatRequest struct {
	Message string `json:"message"`
}

func (a *API) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Message) == "" {
		writeError(w, http.StatusBadRequest, "No message provided")
		return
	}

	reply, err := a.converse(r.Context(), req.Message)
	if err != nil {
		a.fail(w, "chat", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"response": reply})
}

// converse sends the recent history. When the provider rejects the turn
// ordering the history is restarted from this message and the request is
// retried once; the original failure is reported if the retry fails too.
func (a *API) converse(ctx context.Context, message string) (string, error) {
	history := a.history.AddUser(message)
	reply, err := a.deps.Chat.Converse(ctx, llm.Conversation(a.cfg.LLM, tail(history, a.cfg.LLM.ChatHistoryLimit)))
	if err == nil {
		a.history.AddAssistant(reply)
		return reply, nil
	}
	if !orderingFault(err) {
		return "", err
	}

	a.logger.Info("resetting conversation after ordering fault", slogError(err))
	retry, retryErr := a.deps.Chat.Converse(ctx, llm.Conversation(a.cfg.LLM, a.history.Restart(message)))
	if retryErr != nil {
		a.logger.Warn("chat retry failed", slogError(retryErr))
		return "", err
	}
	a.history.AddAssistant(retry)
	return retry, nil
}

func orderingFault(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "alternate") || strings.Contains(msg, "First message must be from user")
}

type speechRequest struct {
	Text     string `json:"text"`
	Language string `json:"target_language_code"`
	Speaker  string `json:"speaker"`
}

func (a *API) handleTextToSpeech(w http.ResponseWriter, r *http.Request) {
	var req speechRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Text) == "" {
		writeError(w, http.StatusBadRequest, "No text provided")
		return
	}
	language := req.Language
	if language == "" {
		language = a.cfg.TTS.DefaultLanguage
	}

	var (
		audio []byte
		err   error
	)
	if req.Speaker == "" || req.Speaker == a.cfg.TTS.Speaker {
		audio, err = a.deps.Speech.Synthesize(r.Context(), req.Text, language)
	} else {
		audio, err = a.deps.Synthesizer.Synthesize(r.Context(), tts.Request{Text: req.Text, Language: language, Voice: req.Speaker})
	}
	if err != nil {
		a.fail(w, "text-to-speech", err)
		return
	}

	w.Header().Set("Content-Type", "audio/wav")
	w.Header().Set("Content-Length", strconv.Itoa(len(audio)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(audio)
}

func (a *API) handleReset(w http.ResponseWriter, _ *http.Request) {
	a.history.Reset()
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

type sessionEvent struct {
	Kind         string          `json:"kind"`
	State        string          `json:"state,omitempty"`
	ConnectionID string          `json:"connection_id,omitempty"`
	LatencyMS    int64           `json:"latency_ms"`
	CreatedAt    time.Time       `json:"created_at"`
	Detail       json.RawMessage `json:"detail,omitempty"`
}

func (a *API) handleSessionEvents(w http.ResponseWriter, r *http.Request) {
	if !a.deps.Events.Enabled() {
		writeError(w, http.StatusNotFound, "event store disabled")
		return
	}
	id := r.PathValue("id")
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	events, err := a.deps.Events.ListSessionEvents(r.Context(), id, limit)
	if err != nil {
		a.logger.Error("list session events", slog.String("session_id", id), slogError(err))
		writeError(w, http.StatusInternalServerError, "failed to list session events")
		return
	}
	if len(events) == 0 {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	out := make([]sessionEvent, 0, len(events))
	for _, e := range events {
		out = append(out, sessionEvent{
			Kind:         e.Kind,
			State:        e.State,
			ConnectionID: e.ConnectionID,
			LatencyMS:    e.LatencyMS,
			CreatedAt:    e.CreatedAt,
			Detail:       json.RawMessage(e.Payload),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"session_id": id, "events": out})
}

func (a *API) fail(w http.ResponseWriter, op string, err error) {
	status := statusFor(err)
	a.logger.Warn("request failed", slog.String("op", op), slog.Int("status", status), slogError(err))
	body := map[string]string{"error": errorMessage(err)}
	if kind := upstream.KindOf(err); kind != upstream.KindUnknown {
		body["kind"] = kind.String()
	}
	writeJSON(w, status, body)
}

func statusFor(err error) int {
	switch upstream.KindOf(err) {
	case upstream.KindMalformedInput:
		return http.StatusBadRequest
	case upstream.KindTimeout:
		return http.StatusGatewayTimeout
	case upstream.KindUnavailable:
		return http.StatusServiceUnavailable
	case upstream.KindRejected:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// errorMessage prefers the provider's own message.
func errorMessage(err error) string {
	var ue *upstream.Error
	if errors.As(err, &ue) && ue.Message != "" {
		return ue.Message
	}
	return err.Error()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
