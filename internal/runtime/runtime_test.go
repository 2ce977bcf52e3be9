package runtime

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/llm"
	"github.com/loqalabs/loqa-voice/internal/protocol"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func startDemo(t *testing.T) (*Runtime, *httptest.Server) {
	t.Helper()
	cfg := config.Default()
	cfg.Upstream.APIKey = ""
	return startWith(t, cfg)
}

func startWith(t *testing.T, cfg config.Config) (*Runtime, *httptest.Server) {
	t.Helper()

	rt := New(cfg, newLogger())
	ctx, cancel := context.WithCancel(context.Background())
	handler, err := rt.build(ctx)
	if err != nil {
		cancel()
		t.Fatalf("build: %v", err)
	}
	rt.ready.Store(true)
	srv := httptest.NewServer(handler)
	t.Cleanup(func() {
		srv.Close()
		cancel()
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		rt.release(shutdownCtx)
	})
	return rt, srv
}

func TestProbes(t *testing.T) {
	_, srv := startDemo(t)
	for _, path := range []string{"/healthz", "/readyz"} {
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatalf("get %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("%s returned %d", path, resp.StatusCode)
		}
	}

	resp, err := http.Get(srv.URL + "/api/health")
	if err != nil {
		t.Fatalf("get health: %v", err)
	}
	defer resp.Body.Close()
	var health map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if health["sarvam_api_configured"] != false {
		t.Fatalf("expected demo mode, got %v", health)
	}
	if resp.Header.Get("Access-Control-Allow-Origin") != "*" {
		t.Fatal("expected CORS headers")
	}
}

func TestDemoVoiceSessionEndToEnd(t *testing.T) {
	_, srv := startDemo(t)
	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close()

	read := func() map[string]any {
		t.Helper()
		_ = ws.SetReadDeadline(time.Now().Add(5 * time.Second))
		var event map[string]any
		if err := ws.ReadJSON(&event); err != nil {
			t.Fatalf("read: %v", err)
		}
		return event
	}
	record := func(session string) {
		t.Helper()
		for _, chunk := range []string{"QQ==", "Qg=="} {
			msg := `{"type":"audio_chunk","chunk":"` + chunk + `","sessionId":"` + session + `"}`
			if err := ws.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
				t.Fatalf("write: %v", err)
			}
			if ack := read(); ack["type"] != "chunk_received" {
				t.Fatalf("expected ack, got %v", ack)
			}
		}
		if err := ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"audio_complete","sessionId":"`+session+`"}`)); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	record("s1")
	transcript := read()
	if transcript["type"] != "transcript_ready" || transcript["transcript"] != "Demo mode - add Sarvam API key" || transcript["language"] != "en-IN" {
		t.Fatalf("unexpected transcript event %v", transcript)
	}
	done := read()
	if done["type"] != "response_complete" || done["fromCache"] != false {
		t.Fatalf("unexpected completion %v", done)
	}
	if done["response"] != "Demo response - configure Sarvam API key for full functionality" {
		t.Fatalf("unexpected reply %v", done["response"])
	}
	audio, err := base64.StdEncoding.DecodeString(done["audio"].(string))
	if err != nil || len(audio) != 1024 {
		t.Fatalf("expected 1024 bytes of demo audio, got %d (%v)", len(audio), err)
	}

	record("s2")
	cached := read()
	if cached["type"] != "response_complete" || cached["fromCache"] != true {
		t.Fatalf("expected cached replay, got %v", cached)
	}
	if cached["audio"] != done["audio"] || cached["transcript"] != done["transcript"] {
		t.Fatal("expected identical cached output")
	}
}

func TestBusServicesAnswerRequests(t *testing.T) {
	cfg := config.Default()
	cfg.Upstream.APIKey = ""
	cfg.Bus.Enabled = true
	cfg.Bus.Embedded = true
	cfg.Bus.Services = true
	cfg.Bus.Port = -1
	cfg.Bus.StoreDir = t.TempDir()
	rt, srv := startWith(t, cfg)

	resp, err := http.Get(srv.URL + "/readyz")
	if err != nil {
		t.Fatalf("get readyz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("readyz returned %d with bus enabled", resp.StatusCode)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var chat protocol.ChatReply
	if err := rt.bus.Request(ctx, protocol.SubjectChatRequest, protocol.ChatRequest{Text: "what is the weather"}, &chat); err != nil {
		t.Fatalf("chat request: %v", err)
	}
	if chat.Response != llm.DemoReply {
		t.Fatalf("unexpected chat reply %+v", chat)
	}
	var speech protocol.SynthesizeReply
	if err := rt.bus.Request(ctx, protocol.SubjectTTSRequest, protocol.SynthesizeRequest{Text: chat.Response}, &speech); err != nil {
		t.Fatalf("tts request: %v", err)
	}
	if len(speech.Audio) != 1024 {
		t.Fatalf("expected demo audio, got %d bytes", len(speech.Audio))
	}
}
