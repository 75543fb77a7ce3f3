package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/vango-go/vai-order/pkg/core/realtime"
	"github.com/vango-go/vai-order/pkg/gateway/config"
)

// TokenMinter issues ephemeral realtime credentials.
type TokenMinter interface {
	GenerateEphemeralToken(ctx context.Context, customerID, sessionType string) (realtime.Token, error)
}

// TokensHandler serves POST /v1/realtime/tokens.
type TokensHandler struct {
	Config config.Config
	Minter TokenMinter
}

type tokenRequest struct {
	CustomerID  string `json:"customer_id"`
	SessionType string `json:"session_type,omitempty"`
}

func (h TokensHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := decodeBody(w, r, h.Config.MaxBodyBytes, &req, false); err != nil {
		writeError(w, r, err)
		return
	}
	sessionType := strings.TrimSpace(req.SessionType)
	if sessionType == "" {
		sessionType = realtimeSessionType
	}
	tok, err := h.Minter.GenerateEphemeralToken(r.Context(), strings.TrimSpace(req.CustomerID), sessionType)
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusCreated, tok)
}
