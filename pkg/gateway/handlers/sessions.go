package handlers

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/vango-go/vai-order/pkg/core"
	"github.com/vango-go/vai-order/pkg/core/checkout"
	"github.com/vango-go/vai-order/pkg/core/conversation"
	"github.com/vango-go/vai-order/pkg/core/order"
	"github.com/vango-go/vai-order/pkg/core/session"
	"github.com/vango-go/vai-order/pkg/gateway/config"
)

// SessionsHandler serves session lifecycle, order and history reads, and
// checkout.
type SessionsHandler struct {
	Config    config.Config
	Sessions  *session.Registry
	Finalizer *checkout.Finalizer
	Logger    *slog.Logger
}

type createSessionRequest struct {
	CustomerID    string `json:"customer_id"`
	CustomerEmail string `json:"customer_email,omitempty"`
}

func (h SessionsHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeBody(w, r, h.Config.MaxBodyBytes, &req, false); err != nil {
		writeError(w, r, err)
		return
	}
	s, err := h.Sessions.Create(strings.TrimSpace(req.CustomerID), strings.TrimSpace(req.CustomerEmail))
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/sessions/"+s.ID)
	writeJSON(w, http.StatusCreated, s)
}

// Get returns the session in any status while it is retained.
func (h SessionsHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	s, err := h.Sessions.Lookup(id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

// Cancel closes the session without an order.
func (h SessionsHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.Sessions.Close(id, session.ReasonCancelled); err != nil {
		writeError(w, r, err)
		return
	}
	s, err := h.Sessions.Lookup(id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (h SessionsHandler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.Sessions.Heartbeat(id); err != nil {
		writeError(w, r, err)
		return
	}
	s, err := h.Sessions.Get(id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id":       s.ID,
		"status":           s.Status,
		"last_activity_at": s.LastActivityAt,
	})
}

type orderResponse struct {
	SessionID string             `json:"session_id"`
	Status    session.Status     `json:"status"`
	Order     order.WorkingOrder `json:"order"`
	OrderID   string             `json:"order_id,omitempty"`
}

func (h SessionsHandler) Order(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	s, err := h.Sessions.Lookup(id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, orderResponse{SessionID: s.ID, Status: s.Status, Order: s.Order, OrderID: s.OrderID})
}

type historyResponse struct {
	SessionID string              `json:"session_id"`
	Turns     []conversation.Turn `json:"turns"`
	Branches  []conversation.Turn `json:"branches,omitempty"`
}

// History returns the active conversation path. window=N keeps the last N
// turns; all=true also lists every branch leaf.
func (h SessionsHandler) History(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	window := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("window")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, r, core.NewInvalidArgument("window must be a non-negative integer", "window"))
			return
		}
		window = n
	}
	turns, err := h.Sessions.History(id, window)
	if err != nil {
		writeError(w, r, err)
		return
	}
	resp := historyResponse{SessionID: id, Turns: turns}
	if queryBool(r, "all") {
		if resp.Branches, err = h.Sessions.Branches(id); err != nil {
			writeError(w, r, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

type finalizeRequest struct {
	Notes      string     `json:"notes,omitempty"`
	PickupTime *time.Time `json:"pickup_time,omitempty"`
	PaymentRef string     `json:"payment_ref,omitempty"`
}

func (h SessionsHandler) Finalize(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req finalizeRequest
	if err := decodeBody(w, r, h.Config.MaxBodyBytes, &req, true); err != nil {
		writeError(w, r, err)
		return
	}
	orderID, err := h.Finalizer.Finalize(r.Context(), id, checkout.ExtraDetails{
		Notes:      strings.TrimSpace(req.Notes),
		PickupTime: req.PickupTime,
		PaymentRef: strings.TrimSpace(req.PaymentRef),
	})
	if err != nil {
		if h.Logger != nil {
			h.Logger.Info("finalize rejected", "session_id", id, "request_id", requestID(r), "error", err)
		}
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"session_id": id,
		"order_id":   orderID,
		"status":     "submitted",
	})
}
