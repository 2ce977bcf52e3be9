package gateway

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/pipeline"
	"github.com/loqalabs/loqa-voice/internal/protocol"
	"github.com/loqalabs/loqa-voice/internal/session"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeRunner struct {
	mu       sync.Mutex
	payloads []session.Payload
	started  chan struct{}
	release  chan struct{}
	ctxErrs  chan error
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{started: make(chan struct{}, 8), ctxErrs: make(chan error, 8)}
}

func (f *fakeRunner) Run(ctx context.Context, connID string, payload session.Payload, emit pipeline.EmitFunc) (pipeline.Result, error) {
	f.mu.Lock()
	f.payloads = append(f.payloads, payload)
	f.mu.Unlock()
	f.started <- struct{}{}

	emit(protocol.NewTranscriptReady("hello", "en-IN"))
	if f.release != nil {
		<-f.release
	}
	emit(protocol.NewResponseComplete("hello", "Hello! How can I help you today?", []byte{1, 2}, false))
	f.ctxErrs <- ctx.Err()
	return pipeline.Result{}, nil
}

func (f *fakeRunner) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.payloads)
}

type connObserver struct {
	mu    sync.Mutex
	kinds []string
}

func (o *connObserver) Observe(_ context.Context, e protocol.SessionEvent) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.kinds = append(o.kinds, e.Kind)
}

func (o *connObserver) snapshot() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.kinds...)
}

func startServer(t *testing.T, runner Runner, observers ...pipeline.Observer) (*Handler, *websocket.Conn) {
	t.Helper()
	h := New(config.Default(), runner, newLogger(), observers...)
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = ws.Close() })
	return h, ws
}

func send(t *testing.T, ws *websocket.Conn, raw string) {
	t.Helper()
	if err := ws.WriteMessage(websocket.TextMessage, []byte(raw)); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func next(t *testing.T, ws *websocket.Conn) map[string]any {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var event map[string]any
	if err := ws.ReadJSON(&event); err != nil {
		t.Fatalf("read: %v", err)
	}
	return event
}

func expectType(t *testing.T, event map[string]any, want string) {
	t.Helper()
	if event["type"] != want {
		t.Fatalf("expected %s, got %v", want, event)
	}
}

func TestSessionRoundTrip(t *testing.T) {
	runner := newFakeRunner()
	_, ws := startServer(t, runner)

	send(t, ws, `{"type":"audio_chunk","chunk":"QQ==","sessionId":"s1"}`)
	ack := next(t, ws)
	expectType(t, ack, protocol.TypeChunkReceived)
	if ack["sessionId"] != "s1" {
		t.Fatalf("unexpected ack %v", ack)
	}
	send(t, ws, `{"type":"audio_chunk","chunk":"Qg==","sessionId":"s1"}`)
	expectType(t, next(t, ws), protocol.TypeChunkReceived)

	send(t, ws, `{"type":"audio_complete","sessionId":"s1"}`)
	expectType(t, next(t, ws), protocol.TypeTranscriptReady)
	done := next(t, ws)
	expectType(t, done, protocol.TypeResponseComplete)
	if done["audio"] != "AQI=" || done["fromCache"] != false {
		t.Fatalf("unexpected completion %v", done)
	}

	runner.mu.Lock()
	defer runner.mu.Unlock()
	if len(runner.payloads) != 1 || !bytes.Equal(runner.payloads[0].Audio, []byte{0x41, 0x42}) {
		t.Fatalf("unexpected payloads %+v", runner.payloads)
	}
	if runner.payloads[0].SessionID != "s1" {
		t.Fatalf("unexpected session id %s", runner.payloads[0].SessionID)
	}
}

func TestProtocolErrorKeepsConnectionOpen(t *testing.T) {
	_, ws := startServer(t, newFakeRunner())

	send(t, ws, `{"type":`)
	expectType(t, next(t, ws), protocol.TypeError)
	send(t, ws, `{"type":"hangup","sessionId":"s1"}`)
	expectType(t, next(t, ws), protocol.TypeError)
	if err := ws.WriteMessage(websocket.BinaryMessage, []byte{0, 1}); err != nil {
		t.Fatalf("write binary: %v", err)
	}
	expectType(t, next(t, ws), protocol.TypeError)

	send(t, ws, `{"type":"audio_chunk","chunk":"QQ==","sessionId":"s1"}`)
	expectType(t, next(t, ws), protocol.TypeChunkReceived)
}

func TestCompleteWithoutChunksIsIgnored(t *testing.T) {
	runner := newFakeRunner()
	_, ws := startServer(t, runner)

	send(t, ws, `{"type":"audio_complete","sessionId":"empty"}`)
	send(t, ws, `{"type":"audio_chunk","chunk":"QQ==","sessionId":"other"}`)
	ack := next(t, ws)
	expectType(t, ack, protocol.TypeChunkReceived)
	if ack["sessionId"] != "other" {
		t.Fatalf("unexpected ack %v", ack)
	}
	if runner.calls() != 0 {
		t.Fatal("expected no pipeline run for an empty session")
	}
}

func TestMalformedFragmentReportsError(t *testing.T) {
	runner := newFakeRunner()
	_, ws := startServer(t, runner)

	send(t, ws, `{"type":"audio_chunk","chunk":"!!not base64!!","sessionId":"s1"}`)
	expectType(t, next(t, ws), protocol.TypeChunkReceived)
	send(t, ws, `{"type":"audio_complete","sessionId":"s1"}`)
	failure := next(t, ws)
	expectType(t, failure, protocol.TypeError)
	if !strings.Contains(failure["error"].(string), "malformed") {
		t.Fatalf("expected malformed input error, got %v", failure)
	}
	if runner.calls() != 0 {
		t.Fatal("expected no pipeline run for a malformed session")
	}

	// The dropped session starts over.
	send(t, ws, `{"type":"audio_chunk","chunk":"QQ==","sessionId":"s1"}`)
	expectType(t, next(t, ws), protocol.TypeChunkReceived)
	send(t, ws, `{"type":"audio_complete","sessionId":"s1"}`)
	expectType(t, next(t, ws), protocol.TypeTranscriptReady)
}

func TestPipelineOutlivesConnection(t *testing.T) {
	runner := newFakeRunner()
	runner.release = make(chan struct{})
	observer := &connObserver{}
	h, ws := startServer(t, runner, observer)

	send(t, ws, `{"type":"audio_chunk","chunk":"QQ==","sessionId":"s1"}`)
	expectType(t, next(t, ws), protocol.TypeChunkReceived)
	send(t, ws, `{"type":"audio_complete","sessionId":"s1"}`)

	select {
	case <-runner.started:
	case <-time.After(2 * time.Second):
		t.Fatal("pipeline did not start")
	}
	_ = ws.Close()

	deadline := time.Now().Add(2 * time.Second)
	for {
		kinds := observer.snapshot()
		if len(kinds) == 2 && kinds[1] == protocol.EventConnectionClose {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected open and close observations, got %v", kinds)
		}
		time.Sleep(10 * time.Millisecond)
	}

	close(runner.release)
	select {
	case err := <-runner.ctxErrs:
		if err != nil {
			t.Fatalf("expected pipeline context to survive disconnect, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pipeline did not finish")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.Wait(ctx); err != nil {
		t.Fatalf("wait: %v", err)
	}
}
