// Package gateway serves the duplex voice channel: clients stream base64
// audio fragments per session and receive pipeline events back.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/pipeline"
	"github.com/loqalabs/loqa-voice/internal/protocol"
	"github.com/loqalabs/loqa-voice/internal/session"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	sendBuffer = 64
)

// Runner executes the pipeline for one completed session.
// *pipeline.Orchestrator is the production implementation.
type Runner interface {
	Run(ctx context.Context, connID string, payload session.Payload, emit pipeline.EmitFunc) (pipeline.Result, error)
}

type Handler struct {
	http      config.HTTPConfig
	sessions  config.SessionConfig
	runner    Runner
	observers []pipeline.Observer
	logger    *slog.Logger
	upgrader  websocket.Upgrader

	runs        sync.WaitGroup
	connections metric.Int64UpDownCounter
}

func New(cfg config.Config, runner Runner, logger *slog.Logger, observers ...pipeline.Observer) *Handler {
	logger = logger.With(slog.String("component", "gateway"))
	h := &Handler{
		http:      cfg.HTTP,
		sessions:  cfg.Session,
		runner:    runner,
		observers: observers,
		logger:    logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  32 << 10,
			WriteBufferSize: 32 << 10,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	counter, err := otel.Meter("github.com/loqalabs/loqa-voice/internal/gateway").
		Int64UpDownCounter("voice.gateway.connections", metric.WithDescription("Open duplex connections"))
	if err != nil {
		logger.Warn("failed to create connection gauge", slog.String("error", err.Error()))
	}
	h.connections = counter
	return h
}

// Wait blocks until every pipeline run started by the handler has finished
// or ctx is done.
func (h *Handler) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		h.runs.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := &conn{
		id:       uuid.NewString(),
		ws:       ws,
		send:     make(chan protocol.Event, sendBuffer),
		done:     make(chan struct{}),
		registry: session.NewRegistry(h.sessions, h.logger),
		h:        h,
	}
	c.logger = h.logger.With(slog.String("connection_id", c.id))
	c.registry.StartSweeper(h.sessions.SweepInterval())

	// Pipelines outlive the connection; they keep request values but not
	// its cancellation.
	ctx := context.WithoutCancel(r.Context())
	h.trackConnection(ctx, 1)
	h.observe(ctx, protocol.SessionEvent{ConnectionID: c.id, Kind: protocol.EventConnectionOpen, Timestamp: time.Now().UTC()})
	c.logger.Info("client connected", slog.String("remote", r.RemoteAddr))

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writePump()
	}()

	c.readPump(ctx)

	close(c.done)
	<-writerDone
	c.registry.Close()
	h.trackConnection(ctx, -1)
	h.observe(ctx, protocol.SessionEvent{ConnectionID: c.id, Kind: protocol.EventConnectionClose, Timestamp: time.Now().UTC()})
	c.logger.Info("client disconnected")
}

func (h *Handler) trackConnection(ctx context.Context, delta int64) {
	if h.connections != nil {
		h.connections.Add(ctx, delta)
	}
}

func (h *Handler) observe(ctx context.Context, event protocol.SessionEvent) {
	for _, obs := range h.observers {
		obs.Observe(ctx, event)
	}
}

// conn is one duplex connection. The read loop is the only writer of the
// session registry; writePump is the only writer of the socket.
type conn struct {
	id       string
	ws       *websocket.Conn
	send     chan protocol.Event
	done     chan struct{}
	registry *session.Registry
	h        *Handler
	logger   *slog.Logger
}

// emit queues an event for the writer. Once the connection is gone events
// are dropped.
func (c *conn) emit(event protocol.Event) {
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.send <- event:
	case <-c.done:
	}
}

func (c *conn) readPump(ctx context.Context) {
	if c.h.http.MaxMessageBytes > 0 {
		c.ws.SetReadLimit(c.h.http.MaxMessageBytes)
	}
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		kind, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				c.logger.Warn("read error", slog.String("error", err.Error()))
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
		if kind != websocket.TextMessage {
			c.emit(protocol.NewError(errBinaryFrame))
			continue
		}
		c.handle(ctx, data)
	}
}

var errBinaryFrame = errors.New("channel protocol error: binary frames are not supported")

func (c *conn) handle(ctx context.Context, data []byte) {
	msg, err := protocol.DecodeInbound(data)
	if err != nil {
		c.logger.Debug("rejected message", slog.String("error", err.Error()))
		c.emit(protocol.NewError(err))
		return
	}

	switch msg.Type {
	case protocol.TypeAudioChunk:
		if err := c.registry.Append(msg.SessionID, msg.Chunk); err != nil {
			c.emit(protocol.NewError(err))
			return
		}
		c.emit(protocol.NewChunkReceived(msg.SessionID))

	case protocol.TypeAudioComplete:
		payload, ok, err := c.registry.Complete(msg.SessionID)
		if err != nil {
			c.emit(protocol.NewError(err))
			return
		}
		if !ok {
			return
		}
		c.h.runs.Add(1)
		go func() {
			defer c.h.runs.Done()
			// Failures were already emitted and logged by the pipeline.
			_, _ = c.h.runner.Run(ctx, c.id, payload, c.emit)
		}()
	}
}

func (c *conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case event := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteJSON(event); err != nil {
				c.logger.Warn("write failed", slog.String("error", err.Error()))
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			c.drain()
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		}
	}
}

// drain flushes events queued before the read side closed.
func (c *conn) drain() {
	for {
		select {
		case event := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteJSON(event); err != nil {
				return
			}
		default:
			return
		}
	}
}
