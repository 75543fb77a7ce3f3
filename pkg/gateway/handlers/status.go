package handlers

import (
	"net/http"

	"github.com/vango-go/vai-order/pkg/core/quota"
	"github.com/vango-go/vai-order/pkg/core/realtime"
	"github.com/vango-go/vai-order/pkg/core/session"
	"github.com/vango-go/vai-order/pkg/gateway/ratelimit"
)

// StatusHandler reports quota usage, session counts, caller limits and
// realtime state.
type StatusHandler struct {
	Quota    *quota.Limiter
	Sessions *session.Registry
	Bridge   *realtime.Bridge
	Limiter  *ratelimit.Limiter
}

type statusResponse struct {
	Quotas   []quota.Status     `json:"quotas"`
	Sessions session.Statistics `json:"sessions"`
	Limits   ratelimit.Stats    `json:"limits"`
	Realtime *realtime.Status   `json:"realtime,omitempty"`
}

func (h StatusHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{Quotas: h.Quota.Status(r.Context())}
	if resp.Quotas == nil {
		resp.Quotas = []quota.Status{}
	}
	if h.Sessions != nil {
		resp.Sessions = h.Sessions.Stats()
	}
	resp.Limits = h.Limiter.Stats()
	if h.Bridge != nil {
		st := h.Bridge.ConnectionStatus()
		resp.Realtime = &st
	}
	writeJSON(w, http.StatusOK, resp)
}
