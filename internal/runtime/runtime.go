package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-voice/internal/bus"
	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/eventstore"
	"github.com/loqalabs/loqa-voice/internal/gateway"
	"github.com/loqalabs/loqa-voice/internal/httpapi"
	"github.com/loqalabs/loqa-voice/internal/llm"
	"github.com/loqalabs/loqa-voice/internal/natsserver"
	"github.com/loqalabs/loqa-voice/internal/pipeline"
	"github.com/loqalabs/loqa-voice/internal/respcache"
	"github.com/loqalabs/loqa-voice/internal/shortcut"
	"github.com/loqalabs/loqa-voice/internal/stt"
	"github.com/loqalabs/loqa-voice/internal/tts"
	"github.com/loqalabs/loqa-voice/internal/ttscache"
)

const (
	sessionStream  = "VOICE_SESSIONS"
	pruneInterval  = time.Hour
	streamMaxAge   = 24 * time.Hour
	shutdownBudget = 10 * time.Second
)

type Runtime struct {
	cfg         config.Config
	logger      *slog.Logger
	httpServer  *http.Server
	tracerClose func(context.Context) error
	metrics     http.Handler
	ready       atomic.Bool
	wg          sync.WaitGroup

	natsServer *natsserver.EmbeddedServer
	bus        *bus.Client
	events     *eventstore.Store
	responses  respcache.Store
	speech     *ttscache.Cache
	gateway    *gateway.Handler
	services   []busService
}

type busService interface {
	Start() error
	Close()
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry
	r.metrics = metricsHandler

	handler, err := r.build(ctx)
	if err != nil {
		r.release(context.Background())
		return err
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	serveErr := make(chan error, 1)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
			serveErr <- err
		}
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr), slog.String("ws_path", r.cfg.HTTP.WSPath))

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-serveErr:
	}
	cancel()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownBudget)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	r.wg.Wait()
	r.release(shutdownCtx)

	return runErr
}

// build wires adapters, caches, the pipeline and every HTTP surface. Long
// lived resources are recorded on r so release can close them.
func (r *Runtime) build(ctx context.Context) (http.Handler, error) {
	cfg := r.cfg

	events, err := eventstore.Open(ctx, cfg.EventStore, r.logger)
	if err != nil {
		return nil, fmt.Errorf("open event store: %w", err)
	}
	r.events = events
	var observers []pipeline.Observer
	if events.Enabled() {
		observers = append(observers, events)
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			events.RunPruner(ctx, pruneInterval)
		}()
	}

	if cfg.Bus.Enabled {
		publisher, err := r.connectBus(ctx)
		if err != nil {
			return nil, err
		}
		observers = append(observers, publisher)
	}

	recognizer, err := stt.New(cfg.STT, cfg.Upstream, r.logger)
	if err != nil {
		return nil, fmt.Errorf("init stt: %w", err)
	}
	chat, err := llm.New(cfg.LLM, cfg.Upstream, r.logger)
	if err != nil {
		return nil, fmt.Errorf("init llm: %w", err)
	}
	synth, err := tts.New(cfg.TTS, cfg.Upstream, r.logger)
	if err != nil {
		return nil, fmt.Errorf("init tts: %w", err)
	}
	speech, err := ttscache.New(synth, cfg.TTS.CacheSize, r.logger)
	if err != nil {
		return nil, fmt.Errorf("init tts cache: %w", err)
	}
	r.speech = speech
	if cfg.TTS.Prewarm && !tts.IsDemo(synth) {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			speech.Warm(ctx, cfg.TTS.PrewarmPhrases, cfg.TTS.DefaultLanguage)
		}()
	}

	responses, err := respcache.Open(ctx, cfg.ResponseCache, r.logger)
	if err != nil {
		return nil, fmt.Errorf("open response cache: %w", err)
	}
	r.responses = responses

	shortcuts := shortcut.Default()
	orchestrator, err := pipeline.New(pipeline.Deps{
		Responses:  responses,
		Recognizer: recognizer,
		Chat:       chat,
		Speech:     speech,
		Shortcuts:  shortcuts,
		Observers:  observers,
	}, pipeline.OptionsFromConfig(cfg), r.logger)
	if err != nil {
		return nil, fmt.Errorf("init pipeline: %w", err)
	}

	if cfg.Bus.Enabled && cfg.Bus.Services {
		for _, svc := range []busService{
			stt.NewService(ctx, cfg.STT, r.bus, recognizer, r.logger),
			llm.NewService(ctx, cfg.LLM, r.bus, chat, shortcuts, r.logger),
			tts.NewService(ctx, cfg.TTS, r.bus, speech, r.logger),
		} {
			if err := svc.Start(); err != nil {
				return nil, err
			}
			r.services = append(r.services, svc)
		}
		r.logger.Info("bus services started", slog.Int("count", len(r.services)))
	}

	r.gateway = gateway.New(cfg, orchestrator, r.logger, observers...)
	api := httpapi.New(cfg, httpapi.Deps{
		Recognizer:  recognizer,
		Chat:        chat,
		Speech:      speech,
		Synthesizer: synth,
		Events:      events,
		Configured:  !cfg.Upstream.Demo(),
	}, r.logger)

	if cfg.Upstream.Demo() {
		r.logger.Warn("upstream credential not configured; serving demo responses")
	}
	r.logger.Info("pipeline ready",
		slog.String("stt", cfg.STT.Mode),
		slog.String("llm", cfg.LLM.Mode),
		slog.String("tts", cfg.TTS.Mode),
		slog.String("response_cache", cfg.ResponseCache.Driver),
		slog.Bool("speculative_tts", cfg.Pipeline.SpeculativeTTS))

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if r.metrics != nil {
		mux.Handle(cfg.Telemetry.MetricsPath, r.metrics)
	}
	mux.Handle(cfg.HTTP.WSPath, r.gateway)
	api.Register(mux)

	return corsMiddleware(mux), nil
}

func (r *Runtime) connectBus(ctx context.Context) (*bus.Publisher, error) {
	busCfg := r.cfg.Bus
	if busCfg.Embedded {
		srv, err := natsserver.Start(busCfg, r.logger)
		if err != nil {
			return nil, fmt.Errorf("start embedded nats: %w", err)
		}
		r.natsServer = srv
		busCfg.Servers = []string{srv.ClientURL()}
	}
	client, err := bus.Connect(ctx, busCfg, r.logger)
	if err != nil {
		return nil, err
	}
	r.bus = client

	publisher := bus.NewPublisher(client, busCfg.SubjectPrefix+".session", r.logger)
	if err := client.EnsureStream(sessionStream, []string{publisher.Wildcard()}, streamMaxAge); err != nil {
		r.logger.Warn("session event stream unavailable", slog.String("error", err.Error()))
	}
	return publisher, nil
}

// release closes resources in reverse dependency order. In-flight pipeline
// runs get until ctx expires to finish.
func (r *Runtime) release(ctx context.Context) {
	if r.gateway != nil {
		if err := r.gateway.Wait(ctx); err != nil {
			r.logger.Warn("pipelines still running at shutdown", slog.String("error", err.Error()))
		}
	}
	if r.responses != nil {
		if err := r.responses.Close(); err != nil {
			r.logger.Warn("response cache close error", slog.String("error", err.Error()))
		}
	}
	if r.speech != nil {
		stats := r.speech.Stats()
		r.logger.Info("tts cache stats",
			slog.Int("entries", stats.Entries),
			slog.Uint64("hits", stats.Hits),
			slog.Uint64("misses", stats.Misses),
			slog.Uint64("coalesced", stats.Coalesced))
	}
	for _, svc := range r.services {
		svc.Close()
	}
	r.bus.Close()
	r.natsServer.Shutdown()
	if r.events != nil {
		if err := r.events.Close(); err != nil {
			r.logger.Warn("event store close error", slog.String("error", err.Error()))
		}
	}
	if r.tracerClose != nil {
		if err := r.tracerClose(ctx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && (!r.cfg.Bus.Enabled || r.bus.Healthy()) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if req.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, req)
	})
}
