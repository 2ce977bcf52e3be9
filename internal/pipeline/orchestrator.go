// Package pipeline turns one completed recording into a spoken reply:
// response cache lookup, transcription, reply resolution with optional
// speculative synthesis, synthesis, and cache write.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/llm"
	"github.com/loqalabs/loqa-voice/internal/protocol"
	"github.com/loqalabs/loqa-voice/internal/respcache"
	"github.com/loqalabs/loqa-voice/internal/session"
	"github.com/loqalabs/loqa-voice/internal/shortcut"
	"github.com/loqalabs/loqa-voice/internal/stt"
	"github.com/loqalabs/loqa-voice/internal/ttscache"
	"github.com/loqalabs/loqa-voice/internal/upstream"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// Speech synthesizes text with caching and request coalescing.
// *ttscache.Cache is the production implementation.
type Speech interface {
	Synthesize(ctx context.Context, text, language string) ([]byte, error)
}

// EmitFunc delivers an event to the session's channel. It must not block
// for long and must tolerate a closed channel.
type EmitFunc func(protocol.Event)

// Observer receives lifecycle milestones. Observers run synchronously on
// the pipeline goroutine and must not block.
type Observer interface {
	Observe(ctx context.Context, event protocol.SessionEvent)
}

type Deps struct {
	Responses  respcache.Store
	Recognizer stt.Recognizer
	Chat       llm.Client
	Speech     Speech
	Shortcuts  *shortcut.Table
	Observers  []Observer
}

type Options struct {
	LLM                 config.LLMConfig
	LanguageHint        string
	DefaultLanguage     string
	SpeculativeTTS      bool
	SpeculativeMaxChars int
}

func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		LLM:                 cfg.LLM,
		LanguageHint:        cfg.STT.LanguageHint,
		DefaultLanguage:     cfg.TTS.DefaultLanguage,
		SpeculativeTTS:      cfg.Pipeline.SpeculativeTTS,
		SpeculativeMaxChars: cfg.Pipeline.SpeculativeMaxChars,
	}
}

// Result summarizes a run that reached Complete.
type Result struct {
	Transcript  string
	Language    string
	Reply       string
	Audio       []byte
	FromCache   bool
	Shortcut    bool
	Speculative bool
}

// Orchestrator is shared by every connection; runs are independent and may
// execute concurrently.
type Orchestrator struct {
	deps   Deps
	opts   Options
	logger *slog.Logger
	tracer trace.Tracer
	inst   *instruments
}

func New(deps Deps, opts Options, logger *slog.Logger) (*Orchestrator, error) {
	if deps.Responses == nil || deps.Recognizer == nil || deps.Chat == nil || deps.Speech == nil {
		return nil, errors.New("pipeline: response cache, recognizer, chat and speech are required")
	}
	if deps.Shortcuts == nil {
		deps.Shortcuts = shortcut.New(nil)
	}
	if opts.DefaultLanguage == "" {
		opts.DefaultLanguage = stt.DefaultLanguage
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "pipeline"))
	return &Orchestrator{
		deps:   deps,
		opts:   opts,
		logger: logger,
		tracer: otel.Tracer(instrumentationName),
		inst:   newInstruments(logger),
	}, nil
}

// run carries the per-invocation state.
type run struct {
	o       *Orchestrator
	connID  string
	payload session.Payload
	emit    EmitFunc
	state   State
	started time.Time
	logger  *slog.Logger
}

// Run drives payload from ContentLookup to Complete or Error, emitting
// events as it goes. Exactly one terminal event (response_complete or
// error) is emitted per call. There is no overall deadline; each adapter
// enforces its own timeout.
func (o *Orchestrator) Run(ctx context.Context, connID string, payload session.Payload, emit EmitFunc) (Result, error) {
	if emit == nil {
		emit = func(protocol.Event) {}
	}
	ctx, span := o.tracer.Start(ctx, "voice.pipeline", trace.WithAttributes(
		attribute.String("voice.session_id", payload.SessionID),
		attribute.String("voice.connection_id", connID),
		attribute.Int("voice.audio_bytes", len(payload.Audio)),
	))
	defer span.End()

	r := &run{
		o:       o,
		connID:  connID,
		payload: payload,
		emit:    emit,
		state:   StateIdle,
		started: time.Now(),
		logger:  o.logger.With(slog.String("session_id", payload.SessionID), slog.String("connection_id", connID)),
	}
	r.observe(ctx, protocol.SessionEvent{Kind: protocol.EventSessionStarted, AudioBytes: len(payload.Audio)})

	res, err := r.execute(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.fail(ctx, err)
		return Result{}, err
	}
	span.SetAttributes(attribute.Bool("voice.from_cache", res.FromCache), attribute.Bool("voice.shortcut", res.Shortcut))
	return res, nil
}

func (r *run) execute(ctx context.Context) (Result, error) {
	o := r.o

	r.enter(StateContentLookup)
	stageStart := time.Now()
	hash := r.payload.Hash
	if hash == "" {
		hash = session.ContentHash(r.payload.Audio)
	}
	entry, hit, err := o.deps.Responses.Lookup(ctx, hash)
	if err != nil {
		// A broken cache degrades to a miss rather than failing the session.
		r.logger.Warn("response cache lookup failed", slogError(err))
		hit = false
	}
	o.inst.recordLookup(ctx, hit)
	o.inst.recordStage(ctx, StateContentLookup, time.Since(stageStart))
	if hit {
		r.enter(StateComplete)
		r.emit(protocol.NewResponseComplete(entry.Transcript, entry.Reply, entry.Audio, true))
		o.inst.recordRun(ctx, "cache_hit", time.Since(r.started))
		r.observe(ctx, protocol.SessionEvent{
			Kind:       protocol.EventResponse,
			Transcript: entry.Transcript,
			Language:   entry.Language,
			Response:   entry.Reply,
			AudioBytes: len(entry.Audio),
			FromCache:  true,
		})
		r.logger.Info("served from response cache", slog.Duration("elapsed", time.Since(r.started)))
		return Result{Transcript: entry.Transcript, Language: entry.Language, Reply: entry.Reply, Audio: entry.Audio, FromCache: true}, nil
	}

	r.enter(StateTranscribing)
	stageStart = time.Now()
	stageCtx, span := o.tracer.Start(ctx, "voice.transcribe")
	transcript, err := o.deps.Recognizer.Transcribe(stageCtx, r.payload.Audio, o.opts.LanguageHint)
	endSpan(span, err)
	o.inst.recordStage(ctx, StateTranscribing, time.Since(stageStart))
	if err != nil {
		return Result{}, err
	}
	language := transcript.Language
	if language == "" {
		language = o.opts.DefaultLanguage
	}
	r.emit(protocol.NewTranscriptReady(transcript.Text, language))
	r.observe(ctx, protocol.SessionEvent{Kind: protocol.EventTranscript, Transcript: transcript.Text, Language: language})

	r.enter(StateResponding)
	stageStart = time.Now()
	reply, fromShortcut, speculative, err := r.respond(ctx, transcript.Text, language)
	o.inst.recordStage(ctx, StateResponding, time.Since(stageStart))
	if err != nil {
		return Result{}, err
	}

	r.enter(StateSynthesizing)
	stageStart = time.Now()
	var (
		audio           []byte
		usedSpeculative bool
	)
	if speculative != nil && ttscache.NewKey(reply, language) == ttscache.NewKey(transcript.Text, language) {
		audio = speculative
		usedSpeculative = true
	} else {
		stageCtx, span := o.tracer.Start(ctx, "voice.synthesize")
		audio, err = o.deps.Speech.Synthesize(stageCtx, reply, language)
		endSpan(span, err)
		if err != nil {
			o.inst.recordStage(ctx, StateSynthesizing, time.Since(stageStart))
			return Result{}, err
		}
	}
	o.inst.recordStage(ctx, StateSynthesizing, time.Since(stageStart))

	r.enter(StateComplete)
	if err := o.deps.Responses.Store(ctx, hash, respcache.Entry{
		Transcript: transcript.Text,
		Reply:      reply,
		Language:   language,
		Audio:      audio,
	}); err != nil {
		r.logger.Warn("response cache store failed", slogError(err))
	}
	r.emit(protocol.NewResponseComplete(transcript.Text, reply, audio, false))
	o.inst.recordRun(ctx, "complete", time.Since(r.started))
	r.observe(ctx, protocol.SessionEvent{
		Kind:       protocol.EventResponse,
		Transcript: transcript.Text,
		Language:   language,
		Response:   reply,
		AudioBytes: len(audio),
		Shortcut:   fromShortcut,
	})
	r.logger.Info("pipeline complete",
		slog.Bool("shortcut", fromShortcut),
		slog.Bool("speculative_audio", usedSpeculative),
		slog.Duration("elapsed", time.Since(r.started)))

	return Result{
		Transcript:  transcript.Text,
		Language:    language,
		Reply:       reply,
		Audio:       audio,
		Shortcut:    fromShortcut,
		Speculative: usedSpeculative,
	}, nil
}

// respond resolves the reply while optionally synthesizing the transcript
// itself. Both branches must succeed; the first failure wins and the other
// branch's output is dropped.
func (r *run) respond(ctx context.Context, text, language string) (reply string, fromShortcut bool, speculative []byte, err error) {
	o := r.o
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if canned, ok := o.deps.Shortcuts.Lookup(text); ok {
			reply, fromShortcut = canned, true
			return nil
		}
		spanCtx, span := o.tracer.Start(gctx, "voice.converse")
		out, err := o.deps.Chat.Converse(spanCtx, llm.SingleTurn(o.opts.LLM, text))
		endSpan(span, err)
		if err != nil {
			return err
		}
		reply = out
		return nil
	})

	if o.shouldSpeculate(text) {
		g.Go(func() error {
			spanCtx, span := o.tracer.Start(gctx, "voice.synthesize.speculative")
			audio, err := o.deps.Speech.Synthesize(spanCtx, text, language)
			endSpan(span, err)
			if err != nil {
				return err
			}
			speculative = audio
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return "", false, nil, err
	}
	return reply, fromShortcut, speculative, nil
}

func (o *Orchestrator) shouldSpeculate(text string) bool {
	if !o.opts.SpeculativeTTS || text == "" {
		return false
	}
	return utf8.RuneCountInString(text) < o.opts.SpeculativeMaxChars
}

func (r *run) enter(next State) {
	r.logger.Debug("pipeline transition", slog.String("from", r.state.String()), slog.String("to", next.String()))
	r.state = next
}

func (r *run) fail(ctx context.Context, err error) {
	failedIn := r.state
	r.enter(StateError)
	r.emit(protocol.NewError(err))
	r.o.inst.recordRun(ctx, "error", time.Since(r.started))
	kind := upstream.KindOf(err)
	r.observe(ctx, protocol.SessionEvent{
		Kind:      protocol.EventSessionFailed,
		State:     failedIn.String(),
		Error:     err.Error(),
		ErrorKind: kind.String(),
	})
	r.logger.Warn("pipeline failed", slog.String("state", failedIn.String()), slog.String("kind", kind.String()), slogError(err))
}

func (r *run) observe(ctx context.Context, event protocol.SessionEvent) {
	if len(r.o.deps.Observers) == 0 {
		return
	}
	event.ConnectionID = r.connID
	event.SessionID = r.payload.SessionID
	if event.State == "" {
		event.State = r.state.String()
	}
	event.LatencyMS = time.Since(r.started).Milliseconds()
	event.Timestamp = time.Now().UTC()
	for _, obs := range r.o.deps.Observers {
		obs.Observe(ctx, event)
	}
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
