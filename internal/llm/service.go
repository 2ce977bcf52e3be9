package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/loqalabs/loqa-voice/internal/bus"
	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/protocol"
	"github.com/loqalabs/loqa-voice/internal/shortcut"
	"github.com/loqalabs/loqa-voice/internal/upstream"
	"github.com/nats-io/nats.go"
)

// Service answers single-turn chat requests from other bus clients. Phrase
// shortcuts apply exactly as they do in the voice pipeline.
type Service struct {
	cfg       config.LLMConfig
	bus       *bus.Client
	client    Client
	shortcuts *shortcut.Table
	sub       *nats.Subscription
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	logger    *slog.Logger
}

func NewService(parent context.Context, cfg config.LLMConfig, busClient *bus.Client, client Client, shortcuts *shortcut.Table, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	if shortcuts == nil {
		shortcuts = shortcut.New(nil)
	}
	return &Service{
		cfg:       cfg,
		bus:       busClient,
		client:    client,
		shortcuts: shortcuts,
		ctx:       ctx,
		cancel:    cancel,
		logger:    logger.With(slog.String("component", "llm-service")),
	}
}

func (s *Service) Start() error {
	sub, err := s.bus.Conn().QueueSubscribe(protocol.SubjectChatRequest, protocol.ServiceQueue, s.handleRequest)
	if err != nil {
		return fmt.Errorf("subscribe chat requests: %w", err)
	}
	s.sub = sub
	return nil
}

func (s *Service) Close() {
	s.cancel()
	if s.sub != nil {
		_ = s.sub.Drain()
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool {
	return s.sub != nil && s.sub.IsValid()
}

func (s *Service) handleRequest(msg *nats.Msg) {
	var req protocol.ChatRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil || strings.TrimSpace(req.Text) == "" {
		s.reply(msg, protocol.ChatReply{RPCError: protocol.NewRPCError(upstream.MalformedInput(serviceName, "text is required"))})
		return
	}
	if canned, ok := s.shortcuts.Lookup(req.Text); ok {
		s.reply(msg, protocol.ChatReply{Response: canned, Shortcut: true})
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		reply, err := s.client.Converse(s.ctx, SingleTurn(s.cfg, req.Text))
		if err != nil {
			s.logger.Warn("chat request failed", slogError(err))
			s.reply(msg, protocol.ChatReply{RPCError: protocol.NewRPCError(err)})
			return
		}
		s.reply(msg, protocol.ChatReply{Response: reply})
	}()
}

func (s *Service) reply(msg *nats.Msg, v any) {
	if err := bus.Reply(msg, v); err != nil {
		s.logger.Warn("failed to reply to chat request", slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
