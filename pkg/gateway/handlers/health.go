package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/vango-go/vai-order/pkg/gateway/config"
	"github.com/vango-go/vai-order/pkg/gateway/lifecycle"
)

type HealthHandler struct{}

func (h HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

// Pinger checks a backing service.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a function to Pinger.
type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

// ReadyHandler reports 503 while draining or when a backend is unreachable.
type ReadyHandler struct {
	Config    config.Config
	Lifecycle *lifecycle.Lifecycle
	Backends  map[string]Pinger
}

type readyResp struct {
	OK            bool     `json:"ok"`
	Draining      bool     `json:"draining,omitempty"`
	DrainingSince string   `json:"draining_since,omitempty"`
	AuthMode      string   `json:"auth_mode"`
	Issues        []string `json:"issues,omitempty"`
}

func (h ReadyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var issues []string
	switch h.Config.AuthMode {
	case config.AuthModeRequired, config.AuthModeOptional, config.AuthModeDisabled:
	default:
		issues = append(issues, "invalid auth_mode")
	}
	if h.Config.AuthMode == config.AuthModeRequired && len(h.Config.APIKeys) == 0 {
		issues = append(issues, "auth_mode=required but no api keys configured")
	}
	for name, p := range h.Backends {
		if err := p.Ping(r.Context()); err != nil {
			issues = append(issues, name+" unreachable: "+err.Error())
		}
	}
	resp := readyResp{AuthMode: string(h.Config.AuthMode)}
	if since := h.Lifecycle.DrainingSince(); !since.IsZero() {
		issues = append(issues, "draining")
		resp.Draining = true
		resp.DrainingSince = since.Format(time.RFC3339)
	}
	resp.OK, resp.Issues = len(issues) == 0, issues
	status := http.StatusOK
	if !resp.OK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}
