package server

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/vango-go/vai-order/pkg/core/checkout"
	"github.com/vango-go/vai-order/pkg/core/quota"
	"github.com/vango-go/vai-order/pkg/core/realtime"
	"github.com/vango-go/vai-order/pkg/core/session"
	"github.com/vango-go/vai-order/pkg/core/voice"
	"github.com/vango-go/vai-order/pkg/gateway/config"
	"github.com/vango-go/vai-order/pkg/gateway/handlers"
	"github.com/vango-go/vai-order/pkg/gateway/lifecycle"
	"github.com/vango-go/vai-order/pkg/gateway/live/conns"
	"github.com/vango-go/vai-order/pkg/gateway/mw"
	"github.com/vango-go/vai-order/pkg/gateway/ratelimit"
	"github.com/vango-go/vai-order/pkg/metrics"
)

// Deps are the long-lived components the HTTP surface is built on. Tokens
// may be nil when realtime tokens are not configured.
type Deps struct {
	Sessions  *session.Registry
	Pipeline  *voice.Coordinator
	Finalizer *checkout.Finalizer
	Bridge    *realtime.Bridge
	Tokens    handlers.TokenRedeemer
	Quota     *quota.Limiter
	Metrics   *metrics.Metrics
	Lifecycle *lifecycle.Lifecycle
	Conns     *conns.Tracker
	Backends  map[string]handlers.Pinger
}

type Server struct {
	cfg    config.Config
	logger *slog.Logger
	mux    *http.ServeMux
	deps   Deps

	limiter *ratelimit.Limiter
}

func New(cfg config.Config, logger *slog.Logger, deps Deps) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Conns == nil {
		deps.Conns = conns.NewTracker()
	}

	s := &Server{
		cfg:    cfg,
		logger: logger,
		mux:    http.NewServeMux(),
		deps:   deps,
		limiter: ratelimit.New(ratelimit.Config{
			RPS:                     cfg.LimitRPS,
			Burst:                   cfg.LimitBurst,
			MaxConcurrentRequests:   cfg.LimitMaxConcurrentRequests,
			MaxConcurrentWSSessions: cfg.LimitMaxConcurrentStreams,
		}),
	}

	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.Handle("/healthz", handlers.HealthHandler{})
	s.mux.Handle("/readyz", handlers.ReadyHandler{
		Config:    s.cfg,
		Lifecycle: s.deps.Lifecycle,
		Backends:  s.deps.Backends,
	})
	s.mux.Handle("GET /metrics", s.deps.Metrics.Handler())

	sessions := handlers.SessionsHandler{
		Config:    s.cfg,
		Sessions:  s.deps.Sessions,
		Finalizer: s.deps.Finalizer,
		Logger:    s.logger,
	}
	s.mux.Handle("POST /v1/sessions", s.bounded(sessions.Create))
	s.mux.Handle("GET /v1/sessions/{id}", s.bounded(sessions.Get))
	s.mux.Handle("DELETE /v1/sessions/{id}", s.bounded(sessions.Cancel))
	s.mux.Handle("POST /v1/sessions/{id}/heartbeat", s.bounded(sessions.Heartbeat))
	s.mux.Handle("GET /v1/sessions/{id}/order", s.bounded(sessions.Order))
	s.mux.Handle("GET /v1/sessions/{id}/history", s.bounded(sessions.History))
	s.mux.Handle("POST /v1/sessions/{id}/finalize", s.bounded(sessions.Finalize))

	turns := handlers.TurnsHandler{
		Config:   s.cfg,
		Pipeline: s.deps.Pipeline,
		Logger:   s.logger,
	}
	s.mux.Handle("POST /v1/sessions/{id}/voice", s.bounded(turns.Voice))
	s.mux.Handle("POST /v1/sessions/{id}/utterances", s.bounded(turns.Utterance))

	s.mux.Handle("POST /v1/tts", handlers.SpeechHandler{Config: s.cfg, Speaker: s.deps.Pipeline})
	s.mux.Handle("GET /v1/status", handlers.StatusHandler{
		Quota:    s.deps.Quota,
		Sessions: s.deps.Sessions,
		Bridge:   s.deps.Bridge,
		Limiter:  s.limiter,
	})

	if s.deps.Bridge != nil {
		s.mux.Handle("POST /v1/realtime/tokens", handlers.TokensHandler{Config: s.cfg, Minter: s.deps.Bridge})
		s.mux.Handle("GET /v1/realtime", handlers.RealtimeHandler{
			Config:    s.cfg,
			Bridge:    s.deps.Bridge,
			Tokens:    s.deps.Tokens,
			Limiter:   s.limiter,
			Lifecycle: s.deps.Lifecycle,
			Conns:     s.deps.Conns,
			Logger:    s.logger,
			Metrics:   s.deps.Metrics,
		})
	}

	s.mux.Handle("/", handlers.NotFoundHandler{})
}

// bounded applies the per-request deadline. The realtime socket is exempt.
func (s *Server) bounded(h http.HandlerFunc) http.Handler {
	if s.cfg.HandlerTimeout <= 0 {
		return h
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), s.cfg.HandlerTimeout)
		defer cancel()
		h(w, r.WithContext(ctx))
	})
}

// Conns returns the tracker of open realtime sockets, used for draining.
func (s *Server) Conns() *conns.Tracker {
	return s.deps.Conns
}

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = mw.RateLimit(s.cfg, s.limiter, h)
	h = mw.Auth(s.cfg, h)
	h = mw.APIVersion(h)
	h = mw.CORS(s.cfg, h)
	h = mw.Recover(s.logger, h)
	h = mw.AccessLogWithMetrics(s.logger, s.deps.Metrics, h)
	h = mw.RequestID(h)
	return h
}
