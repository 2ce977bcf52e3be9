package stt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/loqalabs/loqa-voice/internal/bus"
	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/protocol"
	"github.com/loqalabs/loqa-voice/internal/upstream"
	"github.com/nats-io/nats.go"
)

// Service answers transcription requests from other bus clients with the
// same recognizer the voice pipeline uses.
type Service struct {
	cfg        config.STTConfig
	bus        *bus.Client
	recognizer Recognizer
	sub        *nats.Subscription
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	logger     *slog.Logger
}

func NewService(parent context.Context, cfg config.STTConfig, busClient *bus.Client, recognizer Recognizer, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:        cfg,
		bus:        busClient,
		recognizer: recognizer,
		ctx:        ctx,
		cancel:     cancel,
		logger:     logger.With(slog.String("component", "stt-service")),
	}
}

func (s *Service) Start() error {
	sub, err := s.bus.Conn().QueueSubscribe(protocol.SubjectSTTRequest, protocol.ServiceQueue, s.handleRequest)
	if err != nil {
		return fmt.Errorf("subscribe stt requests: %w", err)
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
	var req protocol.TranscribeRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.reply(msg, protocol.TranscribeReply{RPCError: protocol.NewRPCError(upstream.MalformedInput(serviceName, "invalid request body"))})
		return
	}
	hint := req.LanguageHint
	if hint == "" {
		hint = s.cfg.LanguageHint
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		transcript, err := s.recognizer.Transcribe(s.ctx, req.Audio, hint)
		if err != nil {
			s.logger.Warn("transcription request failed", slogError(err))
			s.reply(msg, protocol.TranscribeReply{RPCError: protocol.NewRPCError(err)})
			return
		}
		s.reply(msg, protocol.TranscribeReply{Transcript: transcript.Text, Language: transcript.Language})
	}()
}

func (s *Service) reply(msg *nats.Msg, v any) {
	if err := bus.Reply(msg, v); err != nil {
		s.logger.Warn("failed to reply to stt request", slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
