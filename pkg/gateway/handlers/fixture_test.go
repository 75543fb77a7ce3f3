package handlers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/vango-go/vai-order/pkg/core/checkout"
	"github.com/vango-go/vai-order/pkg/core/intent"
	"github.com/vango-go/vai-order/pkg/core/order"
	"github.com/vango-go/vai-order/pkg/core/quota"
	"github.com/vango-go/vai-order/pkg/core/realtime"
	"github.com/vango-go/vai-order/pkg/core/session"
	"github.com/vango-go/vai-order/pkg/core/voice"
	"github.com/vango-go/vai-order/pkg/core/voice/stt"
	"github.com/vango-go/vai-order/pkg/core/voice/tts"
	"github.com/vango-go/vai-order/pkg/gateway/config"
	"github.com/vango-go/vai-order/pkg/gateway/lifecycle"
)

type fakeSTT struct {
	mu   sync.Mutex
	text string
}

func (f *fakeSTT) Name() string { return "fake-stt" }

func (f *fakeSTT) Transcribe(_ context.Context, r io.Reader, _ stt.TranscribeOptions) (*stt.Transcript, error) {
	if _, err := io.ReadAll(r); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return &stt.Transcript{Text: f.text}, nil
}

type fakeTTS struct{}

func (fakeTTS) Name() string { return "fake-tts" }

func (fakeTTS) Synthesize(_ context.Context, text string, _ tts.SynthesizeOptions) (*tts.Synthesis, error) {
	return &tts.Synthesis{Audio: []byte("pcm:" + text), Format: voice.FormatPCM}, nil
}

type fixture struct {
	cfg       config.Config
	sessions  *session.Registry
	store     *order.MemoryStore
	pipeline  *voice.Coordinator
	finalizer *checkout.Finalizer
	bridge    *realtime.Bridge
	issuer    *realtime.JWTIssuer
	quota     *quota.Limiter
	lifecycle *lifecycle.Lifecycle
	stt       *fakeSTT
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := config.Config{
		AuthMode:                  config.AuthModeDisabled,
		APIKeys:                   map[string]struct{}{},
		CORSAllowedOrigins:        map[string]struct{}{},
		MaxBodyBytes:              1 << 20,
		MaxAudioBytes:             1 << 20,
		LiveMaxAudioFrameBytes:    8192,
		LiveMaxJSONMessageBytes:   64 * 1024,
		LiveSilenceCommit:         100 * time.Millisecond,
		LiveReconnectGrace:        time.Second,
		LiveWSPingInterval:        5 * time.Second,
		LiveWSWriteTimeout:        2 * time.Second,
		LiveHandshakeTimeout:      2 * time.Second,
		LimitMaxConcurrentStreams: 2,
	}
	reg := session.New(session.Config{IdleTimeout: time.Hour, ClosedRetention: time.Hour})
	catalog, err := order.NewStaticCatalog(order.DefaultMenu())
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	limiter := quota.New(quota.NewMemoryStore(), map[string]quota.Limit{
		quota.ProviderTranscription: {Requests: 100, Window: time.Minute},
		quota.ProviderRealtime:      {Requests: 100, Window: time.Minute},
	})
	sttFake := &fakeSTT{text: "two burgers please"}
	coord := voice.NewCoordinator(voice.Deps{
		Sessions:  reg,
		Processor: intent.NewProcessor(reg, catalog, intent.RuleClassifier{}, intent.Config{}),
		STT:       sttFake,
		TTS:       fakeTTS{},
		Limiter:   limiter,
	}, voice.Config{RetryBase: time.Millisecond})
	issuer, err := realtime.NewJWTIssuer([]byte(strings.Repeat("s", 32)), nil)
	if err != nil {
		t.Fatalf("issuer: %v", err)
	}
	bridge := realtime.NewBridge(realtime.Deps{
		Sessions: reg,
		Pipeline: coord,
		Issuer:   issuer,
		Limiter:  limiter,
	}, realtime.Config{
		ReconnectGrace: time.Second,
		Segmenter:      realtime.SegmenterConfig{SilenceCommitMs: 100, MinSpeechMs: 60},
		Synthesize:     true,
	})
	store := order.NewMemoryStore()
	t.Cleanup(bridge.Shutdown)
	t.Cleanup(reg.Shutdown)
	return &fixture{
		cfg:       cfg,
		sessions:  reg,
		store:     store,
		pipeline:  coord,
		finalizer: checkout.New(reg, store, checkout.Config{}),
		bridge:    bridge,
		issuer:    issuer,
		quota:     limiter,
		lifecycle: &lifecycle.Lifecycle{},
		stt:       sttFake,
	}
}

func (f *fixture) sessionsHandler() SessionsHandler {
	return SessionsHandler{Config: f.cfg, Sessions: f.sessions, Finalizer: f.finalizer}
}

func (f *fixture) turnsHandler() TurnsHandler {
	return TurnsHandler{Config: f.cfg, Pipeline: f.pipeline}
}

func (f *fixture) newSession(t *testing.T) string {
	t.Helper()
	s, err := f.sessions.Create("c1", "c1@example.com")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return s.ID
}

func serve(h http.HandlerFunc, method, target, id, body string) *httptest.ResponseRecorder {
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, rd)
	if id != "" {
		req.SetPathValue("id", id)
	}
	rr := httptest.NewRecorder()
	h(rr, req)
	return rr
}

func decodeJSON(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("unmarshal %q: %v", rr.Body.String(), err)
	}
	return out
}

func errorCode(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	body := decodeJSON(t, rr)
	e, ok := body["error"].(map[string]any)
	if !ok {
		t.Fatalf("missing error envelope: %s", rr.Body.String())
	}
	code, _ := e["code"].(string)
	return code
}
