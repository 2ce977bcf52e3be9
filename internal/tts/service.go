package tts

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
	"github.com/loqalabs/loqa-voice/internal/upstream"
	"github.com/nats-io/nats.go"
)

// Speaker is the cached synthesis path shared with the voice pipeline.
type Speaker interface {
	Synthesize(ctx context.Context, text, language string) ([]byte, error)
}

// Service answers synthesis requests from other bus clients.
type Service struct {
	cfg    config.TTSConfig
	bus    *bus.Client
	speech Speaker
	sub    *nats.Subscription
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *slog.Logger
}

func NewService(parent context.Context, cfg config.TTSConfig, busClient *bus.Client, speech Speaker, log *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:    cfg,
		bus:    busClient,
		speech: speech,
		ctx:    ctx,
		cancel: cancel,
		logger: log.With(slog.String("component", "tts-service")),
	}
}

func (s *Service) Start() error {
	sub, err := s.bus.Conn().QueueSubscribe(protocol.SubjectTTSRequest, protocol.ServiceQueue, s.handleRequest)
	if err != nil {
		return fmt.Errorf("subscribe tts requests: %w", err)
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

func (s *Service) Healthy() bool { return s.sub != nil && s.sub.IsValid() }

func (s *Service) handleRequest(msg *nats.Msg) {
	var req protocol.SynthesizeRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.reply(msg, protocol.SynthesizeReply{RPCError: protocol.NewRPCError(upstream.MalformedInput(serviceName, "invalid request body"))})
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		s.reply(msg, protocol.SynthesizeReply{RPCError: protocol.NewRPCError(upstream.MalformedInput(serviceName, "text is required"))})
		return
	}
	if req.Language == "" {
		req.Language = s.cfg.DefaultLanguage
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		audio, err := s.speech.Synthesize(s.ctx, req.Text, req.Language)
		if err != nil {
			s.logger.Warn("tts request failed", slogError(err))
		}
		s.reply(msg, protocol.SynthesizeReply{Audio: audio, RPCError: protocol.NewRPCError(err)})
	}()
}

func (s *Service) reply(msg *nats.Msg, v any) {
	if err := bus.Reply(msg, v); err != nil {
		s.logger.Warn("failed to reply to tts request", slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
