// Package realtime maps streaming audio connections onto voice sessions and
// drives the voice pipeline from segmented frames.
package realtime

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/vango-go/vai-order/pkg/core"
	"github.com/vango-go/vai-order/pkg/core/quota"
	"github.com/vango-go/vai-order/pkg/core/session"
	"github.com/vango-go/vai-order/pkg/core/voice"
	"github.com/vango-go/vai-order/pkg/metrics"
)

// ConnStatus is the transport state of a connection.
type ConnStatus string

const (
	StatusConnecting   ConnStatus = "CONNECTING"
	StatusConnected    ConnStatus = "CONNECTED"
	StatusDisconnected ConnStatus = "DISCONNECTED"
)

// Phase is the conversational state of a connection.
type Phase string

const (
	PhaseListening  Phase = "LISTENING"
	PhaseProcessing Phase = "PROCESSING"
	PhaseSpeaking   Phase = "SPEAKING"
)

// EventType tags events delivered to a Sink.
type EventType string

const (
	EventPhase EventType = "phase"
	EventTurn  EventType = "turn"
	EventAudio EventType = "audio"
	EventError EventType = "error"
)

// Event is delivered to a connection's Sink.
type Event struct {
	Type   EventType
	Phase  Phase
	Result *voice.Result
	Err    error
}

// Sink receives events for one connection. Send must not block for long.
type Sink interface {
	Send(Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event)

// Send implements Sink.
func (f SinkFunc) Send(e Event) { f(e) }

// Connection is a snapshot of one realtime connection.
type Connection struct {
	ID          string     `json:"connection_id"`
	SessionID   string     `json:"session_id"`
	CustomerID  string     `json:"customer_id"`
	Status      ConnStatus `json:"status"`
	Phase       Phase      `json:"phase"`
	ConnectedAt time.Time  `json:"connected_at"`
	TokenExpiry time.Time  `json:"ephemeral_token_expiry,omitempty"`
}

// Status summarizes bridge state.
type Status struct {
	Connections int          `json:"connections"`
	Listening   int          `json:"listening"`
	Processing  int          `json:"processing"`
	Speaking    int          `json:"speaking"`
	Detached    int          `json:"detached"`
	Active      []Connection `json:"active"`
}

// Config tunes the bridge.
type Config struct {
	// ReconnectGrace is how long a disconnected customer's session is
	// offered back on reconnect.
	ReconnectGrace time.Duration
	TokenTTL       time.Duration
	MaxTokenTTL    time.Duration
	Audio          AudioConfig
	Segmenter      SegmenterConfig
	Language       string
	Synthesize     bool
	// HeartbeatEvery limits how often streamed frames refresh session activity.
	HeartbeatEvery time.Duration
	Now            func() time.Time
	Logger         *slog.Logger
	Metrics        *metrics.Metrics
}

func (c Config) withDefaults() Config {
	if c.ReconnectGrace <= 0 {
		c.ReconnectGrace = 30 * time.Second
	}
	if c.MaxTokenTTL <= 0 {
		c.MaxTokenTTL = time.Hour
	}
	if c.TokenTTL <= 0 || c.TokenTTL > c.MaxTokenTTL {
		c.TokenTTL = c.MaxTokenTTL
	}
	if c.Audio.SampleRate == 0 {
		c.Audio = DefaultAudioConfig()
	}
	if c.HeartbeatEvery <= 0 {
		c.HeartbeatEvery = time.Second
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Pipeline is the part of voice.Coordinator the bridge drives.
type Pipeline interface {
	ProcessVoiceInteraction(ctx context.Context, in voice.Interaction) *voice.Task
}

// Deps are the bridge's collaborators. Issuer and Limiter may be nil.
type Deps struct {
	Sessions *session.Registry
	Pipeline Pipeline
	Issuer   TokenIssuer
	Limiter  *quota.Limiter
}

// Bridge owns the connection table.
type Bridge struct {
	deps    Deps
	cfg     Config
	log     *slog.Logger
	metrics *metrics.Metrics

	mu       sync.Mutex
	conns    map[string]*conn
	detached map[string]detachedSession
	closed   bool
}

type conn struct {
	mu            sync.Mutex
	info          Connection
	sink          Sink
	seg           *Segmenter
	lastHeartbeat time.Time
	cancel        context.CancelFunc
	gone          bool
}

type detachedSession struct {
	sessionID string
	at        time.Time
}

func NewBridge(deps Deps, cfg Config) *Bridge {
	cfg = cfg.withDefaults()
	return &Bridge{
		deps:     deps,
		cfg:      cfg,
		log:      cfg.Logger,
		metrics:  cfg.Metrics,
		conns:    make(map[string]*conn),
		detached: make(map[string]detachedSession),
	}
}

// HandleConnection registers connectionID for customerID and returns the
// session it is bound to. A session detached by the same customer within the
// reconnect grace period is reused when still active.
func (b *Bridge) HandleConnection(ctx context.Context, connectionID, customerID, customerEmail string, sink Sink) (string, error) {
	if strings.TrimSpace(connectionID) == "" {
		return "", core.NewInvalidArgument("connection id is required", "connection_id")
	}
	if strings.TrimSpace(customerID) == "" {
		return "", core.NewInvalidArgument("customer id is required", "customer_id")
	}
	if sink == nil {
		sink = SinkFunc(func(Event) {})
	}

	c := &conn{
		info: Connection{
			ID:          connectionID,
			CustomerID:  customerID,
			Status:      StatusConnecting,
			Phase:       PhaseListening,
			ConnectedAt: b.cfg.Now(),
		},
		sink: sink,
		seg:  NewSegmenter(b.cfg.Segmenter, b.cfg.Audio),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return "", core.NewAPIError("realtime bridge is shut down")
	}
	if _, exists := b.conns[connectionID]; exists {
		b.mu.Unlock()
		return "", core.NewInvalidArgument("connection "+connectionID+" already exists", "connection_id")
	}
	b.conns[connectionID] = c
	d, hadDetached := b.detached[customerID]
	delete(b.detached, customerID)
	b.mu.Unlock()

	sessionID := ""
	if hadDetached && b.cfg.Now().Sub(d.at) <= b.cfg.ReconnectGrace {
		if err := b.deps.Sessions.Heartbeat(d.sessionID); err == nil {
			sessionID = d.sessionID
		}
	}
	if sessionID == "" {
		s, err := b.deps.Sessions.Create(customerID, customerEmail)
		if err != nil {
			b.mu.Lock()
			delete(b.conns, connectionID)
			b.mu.Unlock()
			return "", err
		}
		sessionID = s.ID
	}

	c.mu.Lock()
	c.info.SessionID = sessionID
	c.info.Status = StatusConnected
	c.lastHeartbeat = b.cfg.Now()
	gone := c.gone
	c.mu.Unlock()

	if gone {
		// Disconnected while the session was being bound; keep it for the
		// reconnect grace like any other dropped connection.
		b.mu.Lock()
		if !b.closed {
			b.detached[customerID] = detachedSession{sessionID: sessionID, at: b.cfg.Now()}
		}
		b.mu.Unlock()
		b.log.Info("realtime connection closed during setup", "connection_id", connectionID, "session_id", sessionID)
		return "", core.ErrConnectionNotFound.With("connection %s closed during setup", connectionID)
	}

	b.metrics.RecordRealtimeConnect()
	b.log.Info("realtime connection established",
		"connection_id", connectionID,
		"session_id", sessionID,
		"customer_id", customerID,
		"reused", hadDetached && sessionID == d.sessionID,
	)
	return sessionID, nil
}

func (b *Bridge) lookup(connectionID string) (*conn, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.conns[connectionID]
	if !ok {
		return nil, core.ErrConnectionNotFound.With("connection %s not found", connectionID)
	}
	return c, nil
}

// HandleAudioFrame buffers one PCM frame. When the segmenter commits an
// utterance it is submitted to the pipeline and results are delivered to
// the connection's Sink. Frames received while not LISTENING are dropped.
func (b *Bridge) HandleAudioFrame(ctx context.Context, connectionID string, frame []byte) error {
	c, err := b.lookup(connectionID)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.info.Status != StatusConnected || c.info.Phase != PhaseListening {
		c.mu.Unlock()
		b.metrics.RecordFrameDropped()
		return nil
	}
	sessionID := c.info.SessionID
	now := b.cfg.Now()
	heartbeat := now.Sub(c.lastHeartbeat) >= b.cfg.HeartbeatEvery
	if heartbeat {
		c.lastHeartbeat = now
	}
	segment, ready := c.seg.Push(frame)
	if ready {
		c.info.Phase = PhaseProcessing
	}
	c.mu.Unlock()

	if heartbeat {
		if err := b.deps.Sessions.Heartbeat(sessionID); err != nil {
			return err
		}
	}
	if !ready {
		return nil
	}

	c.sink.Send(Event{Type: EventPhase, Phase: PhaseProcessing})
	task := b.deps.Pipeline.ProcessVoiceInteraction(ctx, voice.Interaction{
		SessionID:  sessionID,
		Audio:      voice.EncodeWAV(segment, b.cfg.Audio.SampleRate, b.cfg.Audio.Channels),
		Format:     voice.FormatWAV,
		Language:   b.cfg.Language,
		Synthesize: b.cfg.Synthesize,
	})
	c.mu.Lock()
	c.cancel = task.Cancel
	c.mu.Unlock()
	go b.deliver(c, task)
	return nil
}

func (b *Bridge) deliver(c *conn, task *voice.Task) {
	<-task.Done()
	res, _ := task.Result()

	c.mu.Lock()
	c.cancel = nil
	if c.gone {
		c.mu.Unlock()
		return
	}
	next := PhaseListening
	if res.Success && res.Audio != nil && len(res.Audio.Audio) > 0 {
		next = PhaseSpeaking
	}
	c.info.Phase = next
	c.mu.Unlock()

	if res.Err != nil {
		c.sink.Send(Event{Type: EventError, Err: res.Err, Result: &res})
	} else {
		c.sink.Send(Event{Type: EventTurn, Result: &res})
		if next == PhaseSpeaking {
			c.sink.Send(Event{Type: EventAudio, Result: &res})
		}
	}
	c.sink.Send(Event{Type: EventPhase, Phase: next})
}

// PlaybackFinished moves a SPEAKING connection back to LISTENING.
func (b *Bridge) PlaybackFinished(connectionID string) error {
	c, err := b.lookup(connectionID)
	if err != nil {
		return err
	}
	c.mu.Lock()
	changed := c.info.Phase == PhaseSpeaking
	if changed {
		c.info.Phase = PhaseListening
	}
	c.mu.Unlock()
	if changed {
		c.sink.Send(Event{Type: EventPhase, Phase: PhaseListening})
	}
	return nil
}

// HandleDisconnection removes the connection. Its session stays ACTIVE and is
// remembered for the customer's reconnect.
func (b *Bridge) HandleDisconnection(connectionID string) error {
	b.mu.Lock()
	c, ok := b.conns[connectionID]
	if !ok {
		b.mu.Unlock()
		return core.ErrConnectionNotFound.With("connection %s not found", connectionID)
	}
	delete(b.conns, connectionID)
	c.mu.Lock()
	c.gone = true
	c.info.Status = StatusDisconnected
	info := c.info
	c.seg.Reset()
	c.mu.Unlock()
	if info.SessionID != "" {
		b.detached[info.CustomerID] = detachedSession{sessionID: info.SessionID, at: b.cfg.Now()}
	}
	b.pruneDetachedLocked()
	b.mu.Unlock()

	b.metrics.RecordRealtimeDisconnect()
	b.log.Info("realtime connection closed", "connection_id", connectionID, "session_id", info.SessionID)
	return nil
}

func (b *Bridge) pruneDetachedLocked() {
	now := b.cfg.Now()
	for customer, d := range b.detached {
		if now.Sub(d.at) > b.cfg.ReconnectGrace {
			delete(b.detached, customer)
		}
	}
}

// GenerateEphemeralToken issues a provider credential for one realtime
// session. The TTL is capped at MaxTokenTTL.
func (b *Bridge) GenerateEphemeralToken(ctx context.Context, customerID, sessionType string) (Token, error) {
	if strings.TrimSpace(customerID) == "" {
		return Token{}, core.NewInvalidArgument("customer id is required", "customer_id")
	}
	if strings.TrimSpace(sessionType) == "" {
		return Token{}, core.NewInvalidArgument("session type is required", "session_type")
	}
	if b.deps.Issuer == nil {
		return Token{}, core.NewAPIError("ephemeral tokens are not configured")
	}
	if err := b.deps.Limiter.Allow(ctx, quota.ProviderRealtime); err != nil {
		return Token{}, err
	}
	tok, err := b.deps.Issuer.Issue(ctx, customerID, sessionType, b.cfg.TokenTTL)
	if err != nil {
		return Token{}, err
	}

	b.mu.Lock()
	for _, c := range b.conns {
		c.mu.Lock()
		if c.info.CustomerID == customerID {
			c.info.TokenExpiry = tok.ExpiresAt
		}
		c.mu.Unlock()
	}
	b.mu.Unlock()
	return tok, nil
}

// ValidateSession reports whether sessionID is usable.
func (b *Bridge) ValidateSession(sessionID string) bool {
	_, err := b.deps.Sessions.Get(sessionID)
	return err == nil
}

// Connection returns a snapshot of one connection.
func (b *Bridge) Connection(connectionID string) (Connection, error) {
	c, err := b.lookup(connectionID)
	if err != nil {
		return Connection{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.info, nil
}

// ConnectionStatus returns a snapshot of all connections.
func (b *Bridge) ConnectionStatus() Status {
	b.mu.Lock()
	b.pruneDetachedLocked()
	conns := make([]*conn, 0, len(b.conns))
	for _, c := range b.conns {
		conns = append(conns, c)
	}
	st := Status{Detached: len(b.detached), Active: []Connection{}}
	b.mu.Unlock()

	for _, c := range conns {
		c.mu.Lock()
		info := c.info
		c.mu.Unlock()
		st.Active = append(st.Active, info)
		switch info.Phase {
		case PhaseListening:
			st.Listening++
		case PhaseProcessing:
			st.Processing++
		case PhaseSpeaking:
			st.Speaking++
		}
	}
	st.Connections = len(st.Active)
	sort.Slice(st.Active, func(i, j int) bool { return st.Active[i].ConnectedAt.Before(st.Active[j].ConnectedAt) })
	return st
}

// Shutdown drops every connection and cancels their in-flight turns.
// Sessions are left to the registry.
func (b *Bridge) Shutdown() {
	b.mu.Lock()
	b.closed = true
	conns := b.conns
	b.conns = make(map[string]*conn)
	b.detached = make(map[string]detachedSession)
	b.mu.Unlock()

	for _, c := range conns {
		c.mu.Lock()
		c.gone = true
		c.info.Status = StatusDisconnected
		cancel := c.cancel
		c.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		b.metrics.RecordRealtimeDisconnect()
	}
}
