// Package checkout turns a session's working order into a persisted order.
package checkout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/vango-go/vai-order/pkg/core"
	"github.com/vango-go/vai-order/pkg/core/order"
	"github.com/vango-go/vai-order/pkg/core/session"
	"github.com/vango-go/vai-order/pkg/metrics"
)

// ExtraDetails are the finalize-time fields supplied by the client.
type ExtraDetails = order.Details

// Finalize results recorded in metrics.
const (
	resultOK               = "ok"
	resultEmpty            = "empty"
	resultAlreadyFinalized = "already_finalized"
	resultError            = "error"
)

// Config configures a Finalizer.
type Config struct {
	// StoreTimeout bounds the call to the order store.
	StoreTimeout time.Duration
	Logger       *slog.Logger
	Metrics      *metrics.Metrics
}

// Finalizer persists working orders at most once per session.
type Finalizer struct {
	sessions *session.Registry
	store    order.Store
	timeout  time.Duration
	log      *slog.Logger
	metrics  *metrics.Metrics
}

func New(sessions *session.Registry, store order.Store, cfg Config) *Finalizer {
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = 15 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Finalizer{
		sessions: sessions,
		store:    store,
		timeout:  cfg.StoreTimeout,
		log:      cfg.Logger,
		metrics:  cfg.Metrics,
	}
}

type claim struct {
	items    []order.LineItem
	customer order.CustomerInfo
}

// Finalize persists the session's working order and closes the session with
// reason "finalized". Only one call per session can succeed; a store failure
// releases the claim so the call can be retried.
func (f *Finalizer) Finalize(ctx context.Context, sessionID string, details ExtraDetails) (string, error) {
	c, err := f.claim(sessionID)
	if err != nil {
		f.metrics.RecordFinalize(resultFor(err))
		return "", err
	}

	storeCtx, cancel := context.WithTimeout(ctx, f.timeout)
	orderID, err := f.store.CreateOrder(storeCtx, c.items, c.customer, details)
	cancel()
	if err != nil {
		f.release(sessionID)
		f.metrics.RecordFinalize(resultError)
		f.log.Warn("order store failed", "session_id", sessionID, "error", err)
		return "", fmt.Errorf("create order: %w", err)
	}

	err = f.sessions.Inspect(sessionID, func(st *session.State) error {
		st.OrderID = orderID
		st.Finalizing = false
		if st.Status != session.StatusActive {
			f.log.Warn("session ended while finalizing", "session_id", sessionID, "status", st.Status, "order_id", orderID)
			return nil
		}
		st.Order.Status = order.StatusSubmitted
		st.Close(session.ReasonFinalized)
		return nil
	})
	if err != nil {
		// The order is persisted; the session may only have been swept.
		f.log.Warn("could not record finalized order on session", "session_id", sessionID, "order_id", orderID, "error", err)
	}
	f.metrics.RecordFinalize(resultOK)
	f.log.Info("order finalized",
		"session_id", sessionID,
		"order_id", orderID,
		"items", len(c.items),
	)
	return orderID, nil
}

// claim sets the in-flight flag under the session lock and captures what
// the store needs.
func (f *Finalizer) claim(sessionID string) (claim, error) {
	var c claim
	err := f.sessions.Inspect(sessionID, func(st *session.State) error {
		switch {
		case st.Status == session.StatusClosed && st.CloseReason == session.ReasonFinalized:
			return core.ErrAlreadyFinalized.With("session %s was finalized as order %s", sessionID, st.OrderID)
		case st.Status != session.StatusActive:
			return core.ErrSessionExpired.With("session %s is %s", sessionID, st.Status)
		case st.Finalizing:
			return core.ErrAlreadyFinalized.With("session %s is already being finalized", sessionID)
		case st.Order.Empty():
			return core.ErrEmptyOrder.With("session %s has no items to order", sessionID)
		}
		st.Finalizing = true
		c.items = st.Order.Clone().Items
		c.customer = order.CustomerInfo{
			CustomerID:    st.CustomerID,
			CustomerEmail: st.CustomerEmail,
			SessionID:     st.ID,
		}
		return nil
	})
	return c, err
}

func (f *Finalizer) release(sessionID string) {
	_ = f.sessions.Inspect(sessionID, func(st *session.State) error {
		st.Finalizing = false
		return nil
	})
}

func resultFor(err error) string {
	switch {
	case errors.Is(err, core.ErrEmptyOrder):
		return resultEmpty
	case errors.Is(err, core.ErrAlreadyFinalized):
		return resultAlreadyFinalized
	}
	return resultError
}
