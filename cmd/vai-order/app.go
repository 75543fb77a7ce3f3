package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/vango-go/vai-order/pkg/core/checkout"
	"github.com/vango-go/vai-order/pkg/core/gemini"
	"github.com/vango-go/vai-order/pkg/core/intent"
	"github.com/vango-go/vai-order/pkg/core/order"
	"github.com/vango-go/vai-order/pkg/core/quota"
	"github.com/vango-go/vai-order/pkg/core/realtime"
	"github.com/vango-go/vai-order/pkg/core/session"
	"github.com/vango-go/vai-order/pkg/core/voice"
	"github.com/vango-go/vai-order/pkg/core/voice/stt"
	"github.com/vango-go/vai-order/pkg/core/voice/tempstore"
	"github.com/vango-go/vai-order/pkg/core/voice/tts"
	"github.com/vango-go/vai-order/pkg/gateway/config"
	"github.com/vango-go/vai-order/pkg/gateway/handlers"
	"github.com/vango-go/vai-order/pkg/gateway/lifecycle"
	"github.com/vango-go/vai-order/pkg/gateway/live/conns"
	gatewayserver "github.com/vango-go/vai-order/pkg/gateway/server"
	"github.com/vango-go/vai-order/pkg/metrics"
)

// app is the assembled service. Close releases backing connections.
type app struct {
	server    *gatewayserver.Server
	sessions  *session.Registry
	bridge    *realtime.Bridge
	temp      *tempstore.Store
	lifecycle *lifecycle.Lifecycle
	conns     *conns.Tracker

	closers []func()
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func quotaLimits(cfg config.Config) map[string]quota.Limit {
	limits := make(map[string]quota.Limit)
	for provider, n := range map[string]int{
		quota.ProviderTranscription: cfg.QuotaTranscription,
		quota.ProviderIntent:        cfg.QuotaIntent,
		quota.ProviderGeneration:    cfg.QuotaGeneration,
		quota.ProviderSynthesis:     cfg.QuotaSynthesis,
		quota.ProviderRealtime:      cfg.QuotaRealtime,
	} {
		if n > 0 {
			limits[provider] = quota.Limit{Requests: n, Window: cfg.QuotaWindow}
		}
	}
	return limits
}

func buildApp(ctx context.Context, cfg config.Config, logger *slog.Logger) (_ *app, err error) {
	if strings.TrimSpace(cfg.CartesiaAPIKey) == "" {
		return nil, errors.New("VAI_ORDER_CARTESIA_API_KEY is required")
	}

	a := &app{lifecycle: &lifecycle.Lifecycle{}, conns: conns.NewTracker()}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	m := metrics.New("vai_order")
	backends := make(map[string]handlers.Pinger)

	var quotaStore quota.Store = quota.NewMemoryStore()
	if cfg.RedisURL != "" {
		rs, err := quota.NewRedisStoreFromURL(ctx, cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() { _ = rs.Close() })
		backends["redis"] = rs
		quotaStore = rs
	} else {
		logger.Warn("VAI_ORDER_REDIS_URL not set; provider quotas are per process")
	}
	limiter := quota.New(quotaStore, quotaLimits(cfg), quota.WithMetrics(m))

	catalog, err := order.LoadCatalog(cfg.MenuFile)
	if err != nil {
		return nil, fmt.Errorf("load menu: %w", err)
	}

	var orders order.Store = order.NewMemoryStore()
	if cfg.DatabaseURL != "" {
		pg, err := order.NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, pg.Close)
		backends["postgres"] = pg
		orders = pg
	} else {
		logger.Warn("VAI_ORDER_DATABASE_URL not set; finalized orders are kept in memory")
	}

	a.sessions = session.New(session.Config{
		IdleTimeout:     cfg.SessionIdleTimeout,
		SweepInterval:   cfg.SessionSweepInterval,
		ClosedRetention: cfg.SessionClosedRetention,
		Logger:          logger,
		Metrics:         m,
	})

	var (
		classifier intent.Classifier = intent.RuleClassifier{}
		responder  voice.Responder
		issuer     realtime.TokenIssuer
		redeemer   handlers.TokenRedeemer
	)
	if cfg.GeminiAPIKey != "" {
		client, err := gemini.NewClient(ctx, cfg.GeminiAPIKey)
		if err != nil {
			return nil, err
		}
		gc := intent.NewGeminiClassifier(client.Models, cfg.GeminiModel, limiter)
		gc.Retries = uint64(cfg.ProviderRetries)
		classifier = intent.FallbackClassifier{
			Primary:   gc,
			Secondary: intent.RuleClassifier{},
			Logger:    logger,
		}
		responder = voice.NewGeminiResponder(client.Models, cfg.GeminiModel, limiter)
		if cfg.TokenSecret == "" {
			issuer = realtime.NewGeminiIssuer(client.AuthTokens, nil)
		}
	}
	if cfg.TokenSecret != "" {
		jwtIssuer, err := realtime.NewJWTIssuer([]byte(cfg.TokenSecret), nil)
		if err != nil {
			return nil, err
		}
		issuer = jwtIssuer
		redeemer = jwtIssuer
	}

	a.temp, err = tempstore.New(cfg.TempDir, tempstore.Options{Retention: cfg.TempRetention, Logger: logger})
	if err != nil {
		return nil, err
	}

	httpClient := &http.Client{Timeout: cfg.TurnTimeout}
	speech := tts.NewCartesiaWithClient(cfg.CartesiaAPIKey, httpClient).WithBaseURL(cfg.CartesiaBaseURL)
	if cfg.CartesiaVoice != "" {
		speech = speech.WithVoice(cfg.CartesiaVoice)
	}

	coord := voice.NewCoordinator(voice.Deps{
		Sessions:  a.sessions,
		Processor: intent.NewProcessor(a.sessions, catalog, classifier, intent.Config{Logger: logger}),
		STT:       stt.NewCartesiaWithClient(cfg.CartesiaAPIKey, httpClient).WithBaseURL(cfg.CartesiaBaseURL),
		TTS:       speech,
		Responder: responder,
		Limiter:   limiter,
		Temp:      a.temp,
	}, voice.Config{
		MaxAudioBytes: int(cfg.MaxAudioBytes),
		Language:      cfg.Language,
		Timeout:       cfg.TurnTimeout,
		Retries:       uint64(cfg.ProviderRetries),
		TTSCacheSize:  cfg.TTSCacheSize,
		Logger:        logger,
		Metrics:       m,
	})

	segmenter := realtime.DefaultSegmenterConfig()
	segmenter.SilenceCommitMs = int(cfg.LiveSilenceCommit / time.Millisecond)
	a.bridge = realtime.NewBridge(realtime.Deps{
		Sessions: a.sessions,
		Pipeline: coord,
		Issuer:   issuer,
		Limiter:  limiter,
	}, realtime.Config{
		ReconnectGrace: cfg.LiveReconnectGrace,
		TokenTTL:       cfg.TokenTTL,
		Segmenter:      segmenter,
		Language:       cfg.Language,
		Synthesize:     cfg.LiveSynthesize,
		Logger:         logger,
		Metrics:        m,
	})

	a.server = gatewayserver.New(cfg, logger, gatewayserver.Deps{
		Sessions:  a.sessions,
		Pipeline:  coord,
		Finalizer: checkout.New(a.sessions, orders, checkout.Config{Logger: logger, Metrics: m}),
		Bridge:    a.bridge,
		Tokens:    redeemer,
		Quota:     limiter,
		Metrics:   m,
		Lifecycle: a.lifecycle,
		Conns:     a.conns,
		Backends:  backends,
	})
	return a, nil
}
