package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/vango-go/vai-order/pkg/core/checkout"
	"github.com/vango-go/vai-order/pkg/core/intent"
	"github.com/vango-go/vai-order/pkg/core/order"
	"github.com/vango-go/vai-order/pkg/core/quota"
	"github.com/vango-go/vai-order/pkg/core/session"
	"github.com/vango-go/vai-order/pkg/core/voice"
	"github.com/vango-go/vai-order/pkg/core/voice/stt"
	"github.com/vango-go/vai-order/pkg/core/voice/tts"
	"github.com/vango-go/vai-order/pkg/gateway/config"
	"github.com/vango-go/vai-order/pkg/gateway/lifecycle"
	"github.com/vango-go/vai-order/pkg/metrics"
)

type stubSTT struct{}

func (stubSTT) Name() string { return "stub" }

func (stubSTT) Transcribe(context.Context, io.Reader, stt.TranscribeOptions) (*stt.Transcript, error) {
	return &stt.Transcript{Text: "a burger"}, nil
}

type stubTTS struct{}

func (stubTTS) Name() string { return "stub" }

func (stubTTS) Synthesize(_ context.Context, text string, _ tts.SynthesizeOptions) (*tts.Synthesis, error) {
	return &tts.Synthesis{Audio: []byte(text), Format: voice.FormatPCM}, nil
}

func testConfig() config.Config {
	return config.Config{
		AuthMode:           config.AuthModeDisabled,
		APIKeys:            map[string]struct{}{},
		CORSAllowedOrigins: map[string]struct{}{},
		MaxBodyBytes:       1 << 20,
		MaxAudioBytes:      1 << 20,
	}
}

func newTestServer(t *testing.T, cfg config.Config) *Server {
	t.Helper()
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))

	reg := session.New(session.Config{IdleTimeout: time.Hour})
	t.Cleanup(reg.Shutdown)
	catalog, err := order.NewStaticCatalog(order.DefaultMenu())
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	limiter := quota.New(quota.NewMemoryStore(), nil)
	coord := voice.NewCoordinator(voice.Deps{
		Sessions:  reg,
		Processor: intent.NewProcessor(reg, catalog, intent.RuleClassifier{}, intent.Config{Logger: logger}),
		STT:       stubSTT{},
		TTS:       stubTTS{},
		Limiter:   limiter,
	}, voice.Config{RetryBase: time.Millisecond})
	return New(cfg, logger, Deps{
		Sessions:  reg,
		Pipeline:  coord,
		Finalizer: checkout.New(reg, order.NewMemoryStore(), checkout.Config{}),
		Quota:     limiter,
		Metrics:   metrics.New("vai_order_test"),
		Lifecycle: &lifecycle.Lifecycle{},
	})
}

func do(h http.Handler, method, path, body string, header map[string]string) *httptest.ResponseRecorder {
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestServer_UnknownRoute_ReturnsJSON404(t *testing.T) {
	s := newTestServer(t, testConfig())

	rr := do(s.Handler(), http.MethodGet, "/does-not-exist", "", nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
	}
	if ct := rr.Header().Get("Content-Type"); !strings.Contains(ct, "application/json") {
		t.Fatalf("content-type=%q", ct)
	}
	if !strings.Contains(rr.Body.String(), `"type":"not_found_error"`) {
		t.Fatalf("unexpected body: %q", rr.Body.String())
	}
	if rr.Header().Get("X-Request-ID") == "" {
		t.Fatalf("missing X-Request-ID")
	}
}

func TestServer_OrderFlowThroughMiddleware(t *testing.T) {
	s := newTestServer(t, testConfig())
	h := s.Handler()

	rr := do(h, http.MethodPost, "/v1/sessions", `{"customer_id":"c1","customer_email":"c1@example.com"}`, nil)
	if rr.Code != http.StatusCreated {
		t.Fatalf("create status=%d body=%q", rr.Code, rr.Body.String())
	}
	var created struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &created); err != nil || created.ID == "" {
		t.Fatalf("decode create: %v body=%q", err, rr.Body.String())
	}
	base := "/v1/sessions/" + created.ID

	rr = do(h, http.MethodPost, base+"/utterances", `{"text":"two burgers please"}`, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("utterance status=%d body=%q", rr.Code, rr.Body.String())
	}

	rr = do(h, http.MethodGet, base+"/order", "", nil)
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), `"quantity":2`) {
		t.Fatalf("order status=%d body=%q", rr.Code, rr.Body.String())
	}

	rr = do(h, http.MethodPost, base+"/finalize", "", nil)
	if rr.Code != http.StatusCreated {
		t.Fatalf("finalize status=%d body=%q", rr.Code, rr.Body.String())
	}

	rr = do(h, http.MethodGet, "/metrics", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("metrics status=%d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), `vai_order_test_http_requests_total{endpoint="/v1/sessions/{id}/order",status="200"} 1`) {
		t.Fatalf("request metric missing:\n%s", rr.Body.String())
	}
}

func TestServer_WrongMethodIsNotFound(t *testing.T) {
	s := newTestServer(t, testConfig())
	rr := do(s.Handler(), http.MethodPut, "/v1/sessions", "", nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
	}
}

func TestServer_RequiredAuth(t *testing.T) {
	cfg := testConfig()
	cfg.AuthMode = config.AuthModeRequired
	cfg.APIKeys = map[string]struct{}{"vai_sk_test": {}}
	s := newTestServer(t, cfg)
	h := s.Handler()

	if rr := do(h, http.MethodGet, "/healthz", "", nil); rr.Code != http.StatusOK {
		t.Fatalf("healthz status=%d", rr.Code)
	}
	if rr := do(h, http.MethodPost, "/v1/sessions", `{"customer_id":"c1"}`, nil); rr.Code != http.StatusUnauthorized {
		t.Fatalf("no key status=%d body=%q", rr.Code, rr.Body.String())
	}
	rr := do(h, http.MethodPost, "/v1/sessions", `{"customer_id":"c1"}`, map[string]string{"Authorization": "Bearer vai_sk_test"})
	if rr.Code != http.StatusCreated {
		t.Fatalf("with key status=%d body=%q", rr.Code, rr.Body.String())
	}
}

func TestServer_UnsupportedAPIVersion(t *testing.T) {
	s := newTestServer(t, testConfig())
	rr := do(s.Handler(), http.MethodGet, "/v1/status", "", map[string]string{"X-VAI-Version": "2"})
	if rr.Code != http.StatusBadRequest || !strings.Contains(rr.Body.String(), "unsupported_version") {
		t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
	}
}

func TestServer_RealtimeRoutesAbsentWithoutBridge(t *testing.T) {
	s := newTestServer(t, testConfig())
	rr := do(s.Handler(), http.MethodPost, "/v1/realtime/tokens", `{"customer_id":"c1"}`, nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
	}
}
