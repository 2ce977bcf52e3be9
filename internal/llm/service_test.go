package llm

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-voice/internal/bus"
	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/natsserver"
	"github.com/loqalabs/loqa-voice/internal/protocol"
	"github.com/loqalabs/loqa-voice/internal/shortcut"
	"github.com/loqalabs/loqa-voice/internal/upstream"
)

type recordingClient struct {
	mu    sync.Mutex
	last  Request
	reply string
	err   error
}

func (c *recordingClient) Converse(_ context.Context, req Request) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.last = req
	return c.reply, c.err
}

func (c *recordingClient) messages() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last.Messages
}

func startService(t *testing.T, client Client) *bus.Client {
	t.Helper()
	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1, StoreDir: t.TempDir()}, newLogger())
	if err != nil {
		t.Fatalf("start embedded server: %v", err)
	}
	t.Cleanup(srv.Shutdown)
	conn, err := bus.Connect(context.Background(), config.BusConfig{Servers: []string{srv.ClientURL()}, ConnectTimeout: 2000}, newLogger())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(conn.Close)

	svc := NewService(context.Background(), config.Default().LLM, conn, client, shortcut.Default(), newLogger())
	if err := svc.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(svc.Close)
	return conn
}

func ask(t *testing.T, conn *bus.Client, text string) protocol.ChatReply {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var reply protocol.ChatReply
	if err := conn.Request(ctx, protocol.SubjectChatRequest, protocol.ChatRequest{Text: text}, &reply); err != nil {
		t.Fatalf("request: %v", err)
	}
	return reply
}

func TestServiceAnswersSingleTurn(t *testing.T) {
	client := &recordingClient{reply: "It is noon."}
	conn := startService(t, client)

	reply := ask(t, conn, "what time is it")
	if reply.Error != "" || reply.Response != "It is noon." || reply.Shortcut {
		t.Fatalf("unexpected reply %+v", reply)
	}
	if msgs := client.messages(); len(msgs) != 2 || msgs[1].Content != "what time is it" {
		t.Fatalf("expected single-turn request, got %+v", msgs)
	}
}

func TestServiceUsesShortcuts(t *testing.T) {
	client := &recordingClient{reply: "unused"}
	conn := startService(t, client)

	reply := ask(t, conn, "Hello")
	if !reply.Shortcut || reply.Response != "Hello! How can I help you today?" {
		t.Fatalf("expected shortcut reply, got %+v", reply)
	}
	if client.messages() != nil {
		t.Fatal("chat backend should not be called for shortcuts")
	}
}

func TestServiceReportsErrorKind(t *testing.T) {
	conn := startService(t, &recordingClient{err: upstream.Rejected(serviceName, 429, "rate limit exceeded")})

	reply := ask(t, conn, "tell me a story")
	if reply.ErrorKind != "upstream_rejected" || reply.Response != "" {
		t.Fatalf("unexpected reply %+v", reply)
	}
	if empty := ask(t, conn, "   "); empty.ErrorKind != "malformed_input" {
		t.Fatalf("expected malformed_input, got %+v", empty)
	}
}
