package pipeline

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/llm"
	"github.com/loqalabs/loqa-voice/internal/protocol"
	"github.com/loqalabs/loqa-voice/internal/respcache"
	"github.com/loqalabs/loqa-voice/internal/session"
	"github.com/loqalabs/loqa-voice/internal/shortcut"
	"github.com/loqalabs/loqa-voice/internal/stt"
	"github.com/loqalabs/loqa-voice/internal/tts"
	"github.com/loqalabs/loqa-voice/internal/ttscache"
	"github.com/loqalabs/loqa-voice/internal/upstream"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeRecognizer struct {
	calls atomic.Int32
	text  string
	lang  string
	err   error
}

func (f *fakeRecognizer) Transcribe(_ context.Context, audio []byte, _ string) (stt.Transcript, error) {
	f.calls.Add(1)
	if f.err != nil {
		return stt.Transcript{}, f.err
	}
	return stt.Transcript{Text: f.text, Language: f.lang}, nil
}

type fakeChat struct {
	calls atomic.Int32
	reply func(req llm.Request) string
	err   error
	last  llm.Request
	mu    sync.Mutex
}

func (f *fakeChat) Converse(_ context.Context, req llm.Request) (string, error) {
	f.calls.Add(1)
	f.mu.Lock()
	f.last = req
	f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	return f.reply(req), nil
}

type fakeSynth struct {
	calls atomic.Int32
	err   error
}

func (f *fakeSynth) Synthesize(_ context.Context, req tts.Request) ([]byte, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return []byte("wav:" + req.Text), nil
}

type recorder struct {
	mu     sync.Mutex
	events []protocol.Event
}

func (r *recorder) emit(e protocol.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.EventType())
	}
	return out
}

func (r *recorder) last() protocol.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[len(r.events)-1]
}

type observed struct {
	mu     sync.Mutex
	events []protocol.SessionEvent
}

func (o *observed) Observe(_ context.Context, e protocol.SessionEvent) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, e)
}

type harness struct {
	rec       *fakeRecognizer
	chat      *fakeChat
	synth     *fakeSynth
	responses respcache.Store
	obs       *observed
	orch      *Orchestrator
}

func newHarness(t *testing.T, transcript string, speculative bool) *harness {
	t.Helper()
	h := &harness{
		rec:       &fakeRecognizer{text: transcript, lang: "en-IN"},
		chat:      &fakeChat{reply: func(llm.Request) string { return "It is noon." }},
		synth:     &fakeSynth{},
		responses: respcache.NewMemory(0, 0),
		obs:       &observed{},
	}
	speech, err := ttscache.New(h.synth, ttscache.DefaultSize, newLogger())
	if err != nil {
		t.Fatalf("tts cache: %v", err)
	}
	cfg := config.Default()
	opts := OptionsFromConfig(cfg)
	opts.SpeculativeTTS = speculative
	h.orch, err = New(Deps{
		Responses:  h.responses,
		Recognizer: h.rec,
		Chat:       h.chat,
		Speech:     speech,
		Shortcuts:  shortcut.Default(),
		Observers:  []Observer{h.obs},
	}, opts, newLogger())
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	return h
}

func assemble(t *testing.T, id string, fragments ...string) session.Payload {
	t.Helper()
	reg := session.NewRegistry(config.Default().Session, newLogger())
	defer reg.Close()
	for _, f := range fragments {
		if err := reg.Append(id, f); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	payload, ok, err := reg.Complete(id)
	if err != nil || !ok {
		t.Fatalf("complete: ok=%v err=%v", ok, err)
	}
	return payload
}

func TestEndToEndAndReplayFromCache(t *testing.T) {
	h := newHarness(t, "what time is it", false)
	ctx := context.Background()

	first := assemble(t, "s1", "QQ==", "Qg==")
	if !bytes.Equal(first.Audio, []byte{0x41, 0x42}) {
		t.Fatalf("unexpected assembled payload %v", first.Audio)
	}
	events := &recorder{}
	res, err := h.orch.Run(ctx, "conn-1", first, events.emit)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := strings.Join(events.types(), ","); got != "transcript_ready,response_complete" {
		t.Fatalf("unexpected events %s", got)
	}
	done := events.last().(protocol.ResponseComplete)
	if done.FromCache || done.Transcript != "what time is it" || done.Response != "It is noon." || string(done.Audio) != "wav:It is noon." {
		t.Fatalf("unexpected completion %+v", done)
	}
	if res.FromCache || h.rec.calls.Load() != 1 || h.chat.calls.Load() != 1 || h.synth.calls.Load() != 1 {
		t.Fatalf("unexpected adapter calls stt=%d chat=%d tts=%d", h.rec.calls.Load(), h.chat.calls.Load(), h.synth.calls.Load())
	}

	second := assemble(t, "s2", "QQ==", "Qg==")
	replay := &recorder{}
	if _, err := h.orch.Run(ctx, "conn-2", second, replay.emit); err != nil {
		t.Fatalf("replay: %v", err)
	}
	if got := strings.Join(replay.types(), ","); got != "response_complete" {
		t.Fatalf("unexpected replay events %s", got)
	}
	cached := replay.last().(protocol.ResponseComplete)
	if !cached.FromCache {
		t.Fatal("expected replay to be served from cache")
	}
	if cached.Response != done.Response || !bytes.Equal(cached.Audio, done.Audio) {
		t.Fatal("expected byte-identical cached output")
	}
	if h.rec.calls.Load() != 1 || h.chat.calls.Load() != 1 || h.synth.calls.Load() != 1 {
		t.Fatal("expected zero adapter calls on a cache hit")
	}
}

func TestSingleTurnRequestHasNoHistory(t *testing.T) {
	h := newHarness(t, "tell me a joke", false)
	if _, err := h.orch.Run(context.Background(), "c", assemble(t, "s", "QQ=="), nil); err != nil {
		t.Fatalf("run: %v", err)
	}
	h.chat.mu.Lock()
	defer h.chat.mu.Unlock()
	msgs := h.chat.last.Messages
	if len(msgs) != 2 || msgs[0].Role != llm.RoleSystem || msgs[1].Content != "tell me a joke" {
		t.Fatalf("unexpected chat request %+v", msgs)
	}
}

func TestShortcutSkipsChat(t *testing.T) {
	h := newHarness(t, "Hello", false)
	events := &recorder{}
	res, err := h.orch.Run(context.Background(), "c", assemble(t, "s", "QQ=="), events.emit)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if h.chat.calls.Load() != 0 {
		t.Fatal("expected shortcut to bypass chat")
	}
	if !res.Shortcut || res.Reply != "Hello! How can I help you today?" {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestSpeculativeAudioReusedWhenReplyMatches(t *testing.T) {
	h := newHarness(t, "ok then", true)
	h.chat.reply = func(req llm.Request) string { return "ok  then" }
	res, err := h.orch.Run(context.Background(), "c", assemble(t, "s", "QQ=="), nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !res.Speculative {
		t.Fatal("expected speculative audio to be used")
	}
	if h.synth.calls.Load() != 1 {
		t.Fatalf("expected a single synthesis call, got %d", h.synth.calls.Load())
	}
}

func TestSpeculativeAudioDiscardedWhenReplyDiffers(t *testing.T) {
	h := newHarness(t, "what time is it", true)
	res, err := h.orch.Run(context.Background(), "c", assemble(t, "s", "QQ=="), nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Speculative || string(res.Audio) != "wav:It is noon." {
		t.Fatalf("expected reply audio, got %+v", res)
	}
	if h.synth.calls.Load() != 2 {
		t.Fatalf("expected speculative and reply synthesis, got %d", h.synth.calls.Load())
	}
}

func TestLongTranscriptSkipsSpeculation(t *testing.T) {
	h := newHarness(t, strings.Repeat("long sentence ", 5), true)
	if _, err := h.orch.Run(context.Background(), "c", assemble(t, "s", "QQ=="), nil); err != nil {
		t.Fatalf("run: %v", err)
	}
	if h.synth.calls.Load() != 1 {
		t.Fatalf("expected only reply synthesis, got %d", h.synth.calls.Load())
	}
}

func TestConverseFailureEmitsSingleError(t *testing.T) {
	h := newHarness(t, "what time is it", false)
	h.chat.err = upstream.Rejected("chat", 500, "internal error")
	events := &recorder{}
	_, err := h.orch.Run(context.Background(), "c", assemble(t, "s", "QQ=="), events.emit)
	if !errors.Is(err, upstream.ErrRejected) {
		t.Fatalf("expected rejected, got %v", err)
	}
	if got := strings.Join(events.types(), ","); got != "transcript_ready,error" {
		t.Fatalf("unexpected events %s", got)
	}
	if msg := events.last().(protocol.Error).Error; !strings.Contains(msg, "internal error") {
		t.Fatalf("expected provider message in error event, got %q", msg)
	}
	if n, _ := h.responses.Len(context.Background()); n != 0 {
		t.Fatal("expected failed run not to populate the response cache")
	}
	if h.synth.calls.Load() != 0 {
		t.Fatal("expected no synthesis after chat failure")
	}
}

func TestSpeculativeFailureFailsStep(t *testing.T) {
	h := newHarness(t, "what time is it", true)
	h.synth.err = upstream.Unavailable("tts", errors.New("connection refused"))
	events := &recorder{}
	_, err := h.orch.Run(context.Background(), "c", assemble(t, "s", "QQ=="), events.emit)
	if !errors.Is(err, upstream.ErrUnavailable) {
		t.Fatalf("expected unavailable, got %v", err)
	}
	if events.last().EventType() != protocol.TypeError {
		t.Fatal("expected terminal error event")
	}
}

func TestTranscribeTimeout(t *testing.T) {
	h := newHarness(t, "", false)
	h.rec.err = upstream.Timeout("stt", context.DeadlineExceeded)
	events := &recorder{}
	_, err := h.orch.Run(context.Background(), "c", assemble(t, "s", "QQ=="), events.emit)
	if !errors.Is(err, upstream.ErrTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
	if got := strings.Join(events.types(), ","); got != "error" {
		t.Fatalf("unexpected events %s", got)
	}

	h.obs.mu.Lock()
	defer h.obs.mu.Unlock()
	failed := h.obs.events[len(h.obs.events)-1]
	if failed.Kind != protocol.EventSessionFailed || failed.State != StateTranscribing.String() || failed.ErrorKind != "upstream_timeout" {
		t.Fatalf("unexpected failure observation %+v", failed)
	}
}

type brokenStore struct {
	inner respcache.Store
}

func (b brokenStore) Len(ctx context.Context) (int, error) { return b.inner.Len(ctx) }

func (b brokenStore) Close() error { return b.inner.Close() }

func (brokenStore) Lookup(context.Context, string) (respcache.Entry, bool, error) {
	return respcache.Entry{}, false, errors.New("redis down")
}

func (brokenStore) Store(context.Context, string, respcache.Entry) error {
	return errors.New("redis down")
}

func TestCacheFailureDegradesToMiss(t *testing.T) {
	h := newHarness(t, "what time is it", false)
	h.orch.deps.Responses = brokenStore{}
	events := &recorder{}
	if _, err := h.orch.Run(context.Background(), "c", assemble(t, "s", "QQ=="), events.emit); err != nil {
		t.Fatalf("expected run to succeed without a cache, got %v", err)
	}
	if events.last().EventType() != protocol.TypeResponseComplete {
		t.Fatal("expected completion")
	}
}

func TestConcurrentSessionsAreIndependent(t *testing.T) {
	h := newHarness(t, "what time is it", true)
	var payloads []session.Payload
	for _, fragment := range []string{"QQ==", "Qg==", "Qw==", "RA==", "RQ==", "Rg==", "Rw==", "SA=="} {
		payloads = append(payloads, assemble(t, "s", fragment))
	}
	var wg sync.WaitGroup
	errs := make([]error, len(payloads))
	for i, payload := range payloads {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = h.orch.Run(context.Background(), "c", payload, nil)
		}()
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Fatalf("session %d: %v", i, err)
		}
	}
	if h.rec.calls.Load() != 8 {
		t.Fatalf("expected every distinct payload to be transcribed, got %d", h.rec.calls.Load())
	}
	// Same transcript and reply across sessions: the tts cache serves all but
	// the first request for each text.
	if h.synth.calls.Load() != 2 {
		t.Fatalf("expected two distinct synthesis calls, got %d", h.synth.calls.Load())
	}
}

func TestStateNames(t *testing.T) {
	if StateSynthesizing.String() != "synthesizing" || !StateError.Terminal() || StateResponding.Terminal() {
		t.Fatal("unexpected state helpers")
	}
}
