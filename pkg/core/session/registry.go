// Package session owns voice sessions: their lifecycle, working order and
// conversation tree. Every mutation of a session happens under that session's
// own lock; the registry index has its own lock and is never held while a
// session lock is being acquired.
package session

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vango-go/vai-order/pkg/core"
	"github.com/vango-go/vai-order/pkg/core/conversation"
	"github.com/vango-go/vai-order/pkg/core/order"
	"github.com/vango-go/vai-order/pkg/metrics"
)

// Status is a session lifecycle state.
type Status string

const (
	StatusActive  Status = "ACTIVE"
	StatusClosed  Status = "CLOSED"
	StatusExpired Status = "EXPIRED"
)

// Close reasons recorded on sessions.
const (
	ReasonFinalized   = "finalized"
	ReasonCancelled   = "cancelled"
	ReasonIdleTimeout = "idle_timeout"
	ReasonShutdown    = "shutdown"
)

// Session is a point-in-time copy of a voice session.
type Session struct {
	ID             string             `json:"id"`
	CustomerID     string             `json:"customer_id"`
	CustomerEmail  string             `json:"customer_email,omitempty"`
	Status         Status             `json:"status"`
	CloseReason    string             `json:"close_reason,omitempty"`
	CreatedAt      time.Time          `json:"created_at"`
	LastActivityAt time.Time          `json:"last_activity_at"`
	TurnCount      int                `json:"turn_count"`
	Order          order.WorkingOrder `json:"order"`
	OrderID        string             `json:"order_id,omitempty"`
	Finalizing     bool               `json:"finalizing,omitempty"`
}

// Config controls registry timing.
type Config struct {
	IdleTimeout     time.Duration
	SweepInterval   time.Duration
	ClosedRetention time.Duration
	// AppliedWindow bounds how many request ids are remembered per session
	// for idempotent order updates.
	AppliedWindow int
	Now           func() time.Time
	Logger        *slog.Logger
	Metrics       *metrics.Metrics
}

func (c Config) withDefaults() Config {
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 15 * time.Minute
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 30 * time.Second
	}
	if c.ClosedRetention < 0 {
		c.ClosedRetention = 0
	}
	if c.AppliedWindow <= 0 {
		c.AppliedWindow = 256
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Statistics summarizes registry contents.
type Statistics struct {
	Active       int `json:"active"`
	Closed       int `json:"closed"`
	Expired      int `json:"expired"`
	TotalCreated int `json:"total_created"`
	ActiveTurns  int `json:"active_turns"`
	InFlight     int `json:"in_flight"`
}

// Registry is the process-wide session store. Construct one with New, call
// Start to run the idle sweep and Shutdown when done.
type Registry struct {
	cfg Config
	log *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*entry
	created  int

	loopMu     sync.Mutex
	loopCancel context.CancelFunc
	loopDone   chan struct{}
}

type entry struct {
	mu       sync.Mutex
	state    State
	closedAt time.Time
	inflight map[string]context.CancelFunc
}

// New constructs a registry.
func New(cfg Config) *Registry {
	cfg = cfg.withDefaults()
	return &Registry{
		cfg:      cfg,
		log:      cfg.Logger,
		sessions: make(map[string]*entry),
	}
}

func (r *Registry) now() time.Time { return r.cfg.Now() }

// Config returns the effective configuration.
func (r *Registry) Config() Config { return r.cfg }

// Create starts a new ACTIVE session with an empty working order.
func (r *Registry) Create(customerID, customerEmail string) (Session, error) {
	customerID = strings.TrimSpace(customerID)
	if customerID == "" {
		return Session{}, core.NewInvalidArgument("customer_id is required", "customer_id")
	}
	now := r.now()
	id := uuid.NewString()
	e := &entry{
		state: State{
			Session: Session{
				ID:             id,
				CustomerID:     customerID,
				CustomerEmail:  strings.TrimSpace(customerEmail),
				Status:         StatusActive,
				CreatedAt:      now,
				LastActivityAt: now,
				Order:          order.New(),
			},
			History: conversation.NewTree(id),
			applied: make(map[string]int),
			window:  r.cfg.AppliedWindow,
		},
		inflight: make(map[string]context.CancelFunc),
	}

	r.mu.Lock()
	r.sessions[id] = e
	r.created++
	r.mu.Unlock()

	r.cfg.Metrics.RecordSessionStart()
	r.log.Info("session created", "session_id", id, "customer_id", customerID)
	return e.state.snapshot(), nil
}

func (r *Registry) lookup(sessionID string) (*entry, error) {
	r.mu.RLock()
	e := r.sessions[sessionID]
	r.mu.RUnlock()
	if e == nil {
		return nil, core.ErrSessionNotFound.With("session %q not found", sessionID)
	}
	return e, nil
}

func notActive(s *State) error {
	return core.ErrSessionExpired.With("session %s is %s", s.ID, strings.ToLower(string(s.Status)))
}

// Get returns a snapshot of an ACTIVE session.
func (r *Registry) Get(sessionID string) (Session, error) {
	e, err := r.lookup(sessionID)
	if err != nil {
		return Session{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state.Status != StatusActive {
		return Session{}, notActive(&e.state)
	}
	return e.state.snapshot(), nil
}

// Lookup returns a snapshot regardless of status.
func (r *Registry) Lookup(sessionID string) (Session, error) {
	e, err := r.lookup(sessionID)
	if err != nil {
		return Session{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.snapshot(), nil
}

// Heartbeat refreshes the activity timestamp of an ACTIVE session.
func (r *Registry) Heartbeat(sessionID string) error {
	return r.Update(sessionID, func(*State) error { return nil })
}

// Close marks a session CLOSED and cancels its in-flight work. Closing an
// already closed session is a no-op.
func (r *Registry) Close(sessionID, reason string) error {
	e, err := r.lookup(sessionID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	if e.state.Status != StatusActive {
		e.mu.Unlock()
		return nil
	}
	e.state.Close(reason)
	cancels := r.finishLocked(e)
	e.mu.Unlock()

	runCancels(cancels)
	return nil
}

// Update runs fn against an ACTIVE session under its lock. When fn returns
// nil the session's activity timestamp is refreshed. fn may close the
// session through State.Close.
func (r *Registry) Update(sessionID string, fn func(*State) error) error {
	e, err := r.lookup(sessionID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	if e.state.Status != StatusActive {
		err := notActive(&e.state)
		e.mu.Unlock()
		return err
	}
	if err := fn(&e.state); err != nil {
		e.mu.Unlock()
		return err
	}
	e.state.LastActivityAt = r.now()
	var cancels []context.CancelFunc
	if e.state.Status != StatusActive {
		cancels = r.finishLocked(e)
	}
	e.mu.Unlock()

	runCancels(cancels)
	return nil
}

// Inspect runs fn under the session lock regardless of status. Changes made
// by fn are kept but do not count as activity.
func (r *Registry) Inspect(sessionID string, fn func(*State) error) error {
	e, err := r.lookup(sessionID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	wasActive := e.state.Status == StatusActive
	err = fn(&e.state)
	var cancels []context.CancelFunc
	if wasActive && e.state.Status != StatusActive {
		cancels = r.finishLocked(e)
	}
	e.mu.Unlock()

	runCancels(cancels)
	return err
}

// finishLocked records the transition out of ACTIVE and collects in-flight
// cancel funcs to run after the lock is released.
func (r *Registry) finishLocked(e *entry) []context.CancelFunc {
	e.closedAt = r.now()
	cancels := make([]context.CancelFunc, 0, len(e.inflight))
	for id, cancel := range e.inflight {
		cancels = append(cancels, cancel)
		delete(e.inflight, id)
	}
	e.state.Finalizing = false
	r.cfg.Metrics.RecordSessionEnd(e.state.CloseReason)
	r.log.Info("session ended",
		"session_id", e.state.ID,
		"status", e.state.Status,
		"reason", e.state.CloseReason,
		"turns", e.state.TurnCount,
		"cancelled_inflight", len(cancels),
	)
	return cancels
}

func runCancels(cancels []context.CancelFunc) {
	for _, cancel := range cancels {
		cancel()
	}
}

// Track registers cancel for in-flight work on an ACTIVE session. Closing the
// session invokes cancel. The returned release must be called when the work
// completes.
func (r *Registry) Track(sessionID, requestID string, cancel context.CancelFunc) (release func(), err error) {
	e, err := r.lookup(sessionID)
	if err != nil {
		return func() {}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state.Status != StatusActive {
		return func() {}, notActive(&e.state)
	}
	e.inflight[requestID] = cancel
	return func() {
		e.mu.Lock()
		delete(e.inflight, requestID)
		e.mu.Unlock()
	}, nil
}

// AddTurn appends a turn to the active leaf of the session's conversation.
func (r *Registry) AddTurn(sessionID, userMessage, aiResponse string) (conversation.Turn, error) {
	var turn conversation.Turn
	err := r.Update(sessionID, func(s *State) error {
		turn = s.AppendTurn(userMessage, aiResponse, r.now())
		return nil
	})
	if err == nil {
		r.cfg.Metrics.RecordTurn(false)
	}
	return turn, err
}

// AddBranchedTurn appends a turn under parentTurnID, which must belong to the
// same session.
func (r *Registry) AddBranchedTurn(sessionID string, parentTurnID int, userMessage, aiResponse string) (conversation.Turn, error) {
	var turn conversation.Turn
	err := r.Update(sessionID, func(s *State) error {
		var err error
		turn, err = s.BranchTurn(parentTurnID, userMessage, aiResponse, r.now())
		return err
	})
	if err == nil {
		r.cfg.Metrics.RecordTurn(true)
	}
	return turn, err
}

// History returns the root-to-active-leaf path, limited to the last window
// turns (0 = all). Closed sessions remain readable until evicted.
func (r *Registry) History(sessionID string, window int) ([]conversation.Turn, error) {
	var out []conversation.Turn
	err := r.Inspect(sessionID, func(s *State) error {
		out = s.History.Path(window)
		return nil
	})
	return out, err
}

// Branches returns every leaf turn of the session's conversation.
func (r *Registry) Branches(sessionID string) ([]conversation.Turn, error) {
	var out []conversation.Turn
	err := r.Inspect(sessionID, func(s *State) error {
		out = s.History.Leaves()
		return nil
	})
	return out, err
}

// ListActive returns snapshots of all ACTIVE sessions ordered by creation.
func (r *Registry) ListActive() []Session {
	out := []Session{}
	for _, e := range r.entries() {
		e.mu.Lock()
		if e.state.Status == StatusActive {
			out = append(out, e.state.snapshot())
		}
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// FindActiveByCustomer returns the most recently active session for a customer.
func (r *Registry) FindActiveByCustomer(customerID string) (Session, bool) {
	var best Session
	found := false
	for _, e := range r.entries() {
		e.mu.Lock()
		if e.state.Status == StatusActive && e.state.CustomerID == customerID {
			if !found || e.state.LastActivityAt.After(best.LastActivityAt) {
				best = e.state.snapshot()
				found = true
			}
		}
		e.mu.Unlock()
	}
	return best, found
}

// Stats returns registry statistics.
func (r *Registry) Stats() Statistics {
	r.mu.RLock()
	st := Statistics{TotalCreated: r.created}
	r.mu.RUnlock()

	for _, e := range r.entries() {
		e.mu.Lock()
		switch e.state.Status {
		case StatusActive:
			st.Active++
			st.ActiveTurns += e.state.TurnCount
			st.InFlight += len(e.inflight)
		case StatusClosed:
			st.Closed++
		case StatusExpired:
			st.Expired++
		}
		e.mu.Unlock()
	}
	return st
}

func (r *Registry) entries() []*entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*entry, 0, len(r.sessions))
	for _, e := range r.sessions {
		out = append(out, e)
	}
	return out
}

// Sweep expires idle ACTIVE sessions and evicts CLOSED or EXPIRED sessions
// older than the retention period. A session holding the finalize claim is
// never expired. It returns the ids it expired.
func (r *Registry) Sweep(now time.Time) (expired []string) {
	var evict []string
	for _, e := range r.entries() {
		var cancels []context.CancelFunc
		e.mu.Lock()
		switch e.state.Status {
		case StatusActive:
			if !e.state.Finalizing && now.Sub(e.state.LastActivityAt) > r.cfg.IdleTimeout {
				e.state.Status = StatusExpired
				e.state.CloseReason = ReasonIdleTimeout
				cancels = r.finishLocked(e)
				expired = append(expired, e.state.ID)
				if r.cfg.ClosedRetention == 0 {
					evict = append(evict, e.state.ID)
				}
			}
		default:
			if now.Sub(e.closedAt) >= r.cfg.ClosedRetention {
				evict = append(evict, e.state.ID)
			}
		}
		e.mu.Unlock()
		runCancels(cancels)
	}

	if len(evict) > 0 {
		r.mu.Lock()
		for _, id := range evict {
			delete(r.sessions, id)
		}
		r.mu.Unlock()
	}
	return expired
}

// Start runs the idle sweep every SweepInterval until ctx is done or
// Shutdown is called. Calling Start twice is a no-op.
func (r *Registry) Start(ctx context.Context) {
	r.loopMu.Lock()
	defer r.loopMu.Unlock()
	if r.loopCancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	r.loopCancel = cancel
	r.loopDone = done

	go func() {
		defer close(done)
		ticker := time.NewTicker(r.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if ids := r.Sweep(r.now()); len(ids) > 0 {
					r.log.Info("expired idle sessions", "count", len(ids))
				}
			}
		}
	}()
}

// Shutdown stops the sweep loop and cancels in-flight work of every session.
// Sessions stay in memory so late readers still get a consistent answer.
func (r *Registry) Shutdown() {
	r.loopMu.Lock()
	cancel, done := r.loopCancel, r.loopDone
	r.loopCancel, r.loopDone = nil, nil
	r.loopMu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}

	for _, e := range r.entries() {
		e.mu.Lock()
		cancels := make([]context.CancelFunc, 0, len(e.inflight))
		for id, c := range e.inflight {
			cancels = append(cancels, c)
			delete(e.inflight, id)
		}
		e.mu.Unlock()
		runCancels(cancels)
	}
}
