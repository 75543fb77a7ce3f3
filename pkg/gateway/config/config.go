package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type AuthMode string

const (
	AuthModeRequired AuthMode = "required"
	AuthModeOptional AuthMode = "optional"
	AuthModeDisabled AuthMode = "disabled"
)

type Config struct {
	Addr string

	AuthMode AuthMode
	APIKeys  map[string]struct{}

	// If true, client identity may be derived from proxy headers like X-Forwarded-For.
	// This should only be enabled when the service is deployed behind a trusted proxy/LB.
	TrustProxyHeaders bool

	MaxBodyBytes  int64
	MaxAudioBytes int64

	// CORS
	CORSAllowedOrigins map[string]struct{} // empty => disabled

	LogLevel  string
	LogFormat string

	// Sessions.
	SessionIdleTimeout     time.Duration
	SessionSweepInterval   time.Duration
	SessionClosedRetention time.Duration

	// Voice pipeline.
	TurnTimeout     time.Duration
	ProviderRetries int
	Language        string
	TempDir         string
	TempRetention   time.Duration
	MenuFile        string
	TTSCacheSize    int

	// Backends. Empty DatabaseURL keeps orders in memory; empty RedisURL
	// keeps quota windows in memory.
	DatabaseURL     string
	RedisURL        string
	GeminiAPIKey    string
	GeminiModel     string
	CartesiaAPIKey  string
	CartesiaBaseURL string
	CartesiaVoice   string

	// Provider quotas, calls per QuotaWindow. Zero disables a quota.
	QuotaWindow        time.Duration
	QuotaTranscription int
	QuotaIntent        int
	QuotaGeneration    int
	QuotaSynthesis     int
	QuotaRealtime      int

	// Realtime WebSocket mode (/v1/realtime).
	TokenSecret             string
	TokenTTL                time.Duration
	LiveReconnectGrace      time.Duration
	LiveSilenceCommit       time.Duration
	LiveMaxAudioFrameBytes  int
	LiveMaxJSONMessageBytes int64
	LiveWSPingInterval      time.Duration
	LiveWSWriteTimeout      time.Duration
	LiveHandshakeTimeout    time.Duration
	LiveSynthesize          bool

	// In-memory limits (per principal).
	LimitRPS                   float64
	LimitBurst                 int
	LimitMaxConcurrentRequests int
	LimitMaxConcurrentStreams  int

	// Operational defaults
	ReadHeaderTimeout   time.Duration
	ReadTimeout         time.Duration
	HandlerTimeout      time.Duration
	ShutdownGracePeriod time.Duration
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		Addr:                       envOr("VAI_ORDER_ADDR", ":8080"),
		AuthMode:                   AuthMode(envOr("VAI_ORDER_AUTH_MODE", string(AuthModeRequired))),
		APIKeys:                    make(map[string]struct{}),
		TrustProxyHeaders:          envBoolOr("VAI_ORDER_TRUST_PROXY_HEADERS", false),
		MaxBodyBytes:               envInt64Or("VAI_ORDER_MAX_BODY_BYTES", 1<<20),    // 1 MiB
		MaxAudioBytes:              envInt64Or("VAI_ORDER_MAX_AUDIO_BYTES", 10<<20), // 10 MiB
		CORSAllowedOrigins:         make(map[string]struct{}),
		LogLevel:                   envOr("VAI_ORDER_LOG_LEVEL", "info"),
		LogFormat:                  envOr("VAI_ORDER_LOG_FORMAT", "text"),
		SessionIdleTimeout:         envDurationOr("VAI_ORDER_SESSION_IDLE_TIMEOUT", 15*time.Minute),
		SessionSweepInterval:       envDurationOr("VAI_ORDER_SESSION_SWEEP_INTERVAL", 30*time.Second),
		SessionClosedRetention:     envDurationOr("VAI_ORDER_SESSION_CLOSED_RETENTION", 10*time.Minute),
		TurnTimeout:                envDurationOr("VAI_ORDER_TURN_TIMEOUT", 60*time.Second),
		ProviderRetries:            envIntOr("VAI_ORDER_PROVIDER_RETRIES", 2),
		Language:                   envOr("VAI_ORDER_LANGUAGE", "en"),
		TempDir:                    envOr("VAI_ORDER_TEMP_DIR", os.TempDir()+"/vai-order"),
		TempRetention:              envDurationOr("VAI_ORDER_TEMP_RETENTION", 10*time.Minute),
		MenuFile:                   envOr("VAI_ORDER_MENU_FILE", ""),
		TTSCacheSize:               envIntOr("VAI_ORDER_TTS_CACHE_SIZE", 128),
		DatabaseURL:                envOr("VAI_ORDER_DATABASE_URL", ""),
		RedisURL:                   envOr("VAI_ORDER_REDIS_URL", ""),
		GeminiAPIKey:               envOr("GEMINI_API_KEY", ""),
		GeminiModel:                envOr("VAI_ORDER_GEMINI_MODEL", "gemini-2.5-flash"),
		CartesiaAPIKey:             envOr("CARTESIA_API_KEY", ""),
		CartesiaBaseURL:            envOr("VAI_ORDER_CARTESIA_BASE_URL", "https://api.cartesia.ai"),
		CartesiaVoice:              envOr("VAI_ORDER_CARTESIA_VOICE", ""),
		QuotaWindow:                envDurationOr("VAI_ORDER_QUOTA_WINDOW", time.Minute),
		QuotaTranscription:         envIntOr("VAI_ORDER_QUOTA_TRANSCRIPTION", 120),
		QuotaIntent:                envIntOr("VAI_ORDER_QUOTA_INTENT", 240),
		QuotaGeneration:            envIntOr("VAI_ORDER_QUOTA_GENERATION", 240),
		QuotaSynthesis:             envIntOr("VAI_ORDER_QUOTA_SYNTHESIS", 120),
		QuotaRealtime:              envIntOr("VAI_ORDER_QUOTA_REALTIME", 30),
		TokenSecret:                envOr("VAI_ORDER_TOKEN_SECRET", ""),
		TokenTTL:                   envDurationOr("VAI_ORDER_TOKEN_TTL", time.Hour),
		LiveReconnectGrace:         envDurationOr("VAI_ORDER_LIVE_RECONNECT_GRACE", 30*time.Second),
		LiveSilenceCommit:          envDurationOr("VAI_ORDER_LIVE_SILENCE_COMMIT", 700*time.Millisecond),
		LiveMaxAudioFrameBytes:     envIntOr("VAI_ORDER_LIVE_MAX_AUDIO_FRAME_BYTES", 8192),
		LiveMaxJSONMessageBytes:    envInt64Or("VAI_ORDER_LIVE_MAX_JSON_MESSAGE_BYTES", 64*1024),
		LiveWSPingInterval:         envDurationOr("VAI_ORDER_LIVE_WS_PING_INTERVAL", 20*time.Second),
		LiveWSWriteTimeout:         envDurationOr("VAI_ORDER_LIVE_WS_WRITE_TIMEOUT", 5*time.Second),
		LiveHandshakeTimeout:       envDurationOr("VAI_ORDER_LIVE_HANDSHAKE_TIMEOUT", 5*time.Second),
		LiveSynthesize:             envBoolOr("VAI_ORDER_LIVE_SYNTHESIZE", true),
		LimitRPS:                   envFloat64Or("VAI_ORDER_RATE_LIMIT_RPS", 5.0),
		LimitBurst:                 envIntOr("VAI_ORDER_RATE_LIMIT_BURST", 10),
		LimitMaxConcurrentRequests: envIntOr("VAI_ORDER_MAX_CONCURRENT_REQUESTS", 20),
		LimitMaxConcurrentStreams:  envIntOr("VAI_ORDER_MAX_STREAMS_PER_PRINCIPAL", 4),
		ReadHeaderTimeout:          envDurationOr("VAI_ORDER_READ_HEADER_TIMEOUT", 10*time.Second),
		ReadTimeout:                envDurationOr("VAI_ORDER_READ_TIMEOUT", 30*time.Second),
		HandlerTimeout:             envDurationOr("VAI_ORDER_TOTAL_REQUEST_TIMEOUT", 2*time.Minute),
		ShutdownGracePeriod:        envDurationOr("VAI_ORDER_SHUTDOWN_GRACE_PERIOD", 30*time.Second),
	}

	switch cfg.AuthMode {
	case AuthModeRequired, AuthModeOptional, AuthModeDisabled:
	default:
		return Config{}, fmt.Errorf("VAI_ORDER_AUTH_MODE must be one of required|optional|disabled")
	}
	switch cfg.LogFormat {
	case "text", "json":
	default:
		return Config{}, fmt.Errorf("VAI_ORDER_LOG_FORMAT must be one of text|json")
	}

	for _, key := range splitCSV(os.Getenv("VAI_ORDER_API_KEYS")) {
		cfg.APIKeys[key] = struct{}{}
	}
	for _, origin := range splitCSV(os.Getenv("VAI_ORDER_CORS_ORIGINS")) {
		cfg.CORSAllowedOrigins[origin] = struct{}{}
	}

	if cfg.MaxBodyBytes <= 0 {
		return Config{}, fmt.Errorf("VAI_ORDER_MAX_BODY_BYTES must be > 0")
	}
	if cfg.MaxAudioBytes <= 0 {
		return Config{}, fmt.Errorf("VAI_ORDER_MAX_AUDIO_BYTES must be > 0")
	}
	if cfg.SessionIdleTimeout <= 0 {
		return Config{}, fmt.Errorf("VAI_ORDER_SESSION_IDLE_TIMEOUT must be > 0")
	}
	if cfg.SessionSweepInterval <= 0 {
		return Config{}, fmt.Errorf("VAI_ORDER_SESSION_SWEEP_INTERVAL must be > 0")
	}
	if cfg.SessionClosedRetention < 0 {
		return Config{}, fmt.Errorf("VAI_ORDER_SESSION_CLOSED_RETENTION must be >= 0")
	}
	if cfg.TurnTimeout <= 0 {
		return Config{}, fmt.Errorf("VAI_ORDER_TURN_TIMEOUT must be > 0")
	}
	if cfg.ProviderRetries < 0 {
		return Config{}, fmt.Errorf("VAI_ORDER_PROVIDER_RETRIES must be >= 0")
	}
	if cfg.TempRetention <= 0 {
		return Config{}, fmt.Errorf("VAI_ORDER_TEMP_RETENTION must be > 0")
	}
	if cfg.QuotaWindow <= 0 {
		return Config{}, fmt.Errorf("VAI_ORDER_QUOTA_WINDOW must be > 0")
	}
	for name, v := range map[string]int{
		"VAI_ORDER_QUOTA_TRANSCRIPTION": cfg.QuotaTranscription,
		"VAI_ORDER_QUOTA_INTENT":        cfg.QuotaIntent,
		"VAI_ORDER_QUOTA_GENERATION":    cfg.QuotaGeneration,
		"VAI_ORDER_QUOTA_SYNTHESIS":     cfg.QuotaSynthesis,
		"VAI_ORDER_QUOTA_REALTIME":      cfg.QuotaRealtime,
	} {
		if v < 0 {
			return Config{}, fmt.Errorf("%s must be >= 0", name)
		}
	}
	if cfg.TokenTTL <= 0 || cfg.TokenTTL > time.Hour {
		return Config{}, fmt.Errorf("VAI_ORDER_TOKEN_TTL must be > 0 and <= 1h")
	}
	if cfg.TokenSecret != "" && len(cfg.TokenSecret) < 32 {
		return Config{}, fmt.Errorf("VAI_ORDER_TOKEN_SECRET must be at least 32 bytes")
	}
	if cfg.LiveReconnectGrace < 0 {
		return Config{}, fmt.Errorf("VAI_ORDER_LIVE_RECONNECT_GRACE must be >= 0")
	}
	if cfg.LiveSilenceCommit <= 0 {
		return Config{}, fmt.Errorf("VAI_ORDER_LIVE_SILENCE_COMMIT must be > 0")
	}
	if cfg.LiveMaxAudioFrameBytes <= 0 {
		return Config{}, fmt.Errorf("VAI_ORDER_LIVE_MAX_AUDIO_FRAME_BYTES must be > 0")
	}
	if cfg.LiveMaxJSONMessageBytes <= 0 {
		return Config{}, fmt.Errorf("VAI_ORDER_LIVE_MAX_JSON_MESSAGE_BYTES must be > 0")
	}
	if cfg.LiveWSPingInterval <= 0 {
		return Config{}, fmt.Errorf("VAI_ORDER_LIVE_WS_PING_INTERVAL must be > 0")
	}
	if cfg.LiveWSWriteTimeout <= 0 {
		return Config{}, fmt.Errorf("VAI_ORDER_LIVE_WS_WRITE_TIMEOUT must be > 0")
	}
	if cfg.LiveHandshakeTimeout <= 0 {
		return Config{}, fmt.Errorf("VAI_ORDER_LIVE_HANDSHAKE_TIMEOUT must be > 0")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		return Config{}, fmt.Errorf("VAI_ORDER_READ_HEADER_TIMEOUT must be > 0")
	}
	if cfg.ReadTimeout <= 0 {
		return Config{}, fmt.Errorf("VAI_ORDER_READ_TIMEOUT must be > 0")
	}
	if cfg.HandlerTimeout <= 0 {
		return Config{}, fmt.Errorf("VAI_ORDER_TOTAL_REQUEST_TIMEOUT must be > 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return Config{}, fmt.Errorf("VAI_ORDER_SHUTDOWN_GRACE_PERIOD must be > 0")
	}

	if cfg.LimitRPS < 0 {
		return Config{}, fmt.Errorf("VAI_ORDER_RATE_LIMIT_RPS must be >= 0")
	}
	if cfg.LimitBurst < 0 {
		return Config{}, fmt.Errorf("VAI_ORDER_RATE_LIMIT_BURST must be >= 0")
	}
	if cfg.LimitMaxConcurrentRequests < 0 {
		return Config{}, fmt.Errorf("VAI_ORDER_MAX_CONCURRENT_REQUESTS must be >= 0")
	}
	if cfg.LimitMaxConcurrentStreams < 0 {
		return Config{}, fmt.Errorf("VAI_ORDER_MAX_STREAMS_PER_PRINCIPAL must be >= 0")
	}

	if cfg.AuthMode == AuthModeRequired && len(cfg.APIKeys) == 0 {
		return Config{}, fmt.Errorf("VAI_ORDER_API_KEYS must be set when VAI_ORDER_AUTH_MODE=required")
	}

	return cfg, nil
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envInt64Or(key string, def int64) int64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envIntOr(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func envFloat64Or(key string, def float64) float64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return def
	}
	return n
}

func envBoolOr(key string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	switch strings.ToLower(raw) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	case "0", "false", "f", "no", "n", "off":
		return false
	default:
		return def
	}
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}

func splitCSV(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
