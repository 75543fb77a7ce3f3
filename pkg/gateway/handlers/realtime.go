package handlers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/vango-go/vai-order/pkg/core"
	"github.com/vango-go/vai-order/pkg/core/realtime"
	"github.com/vango-go/vai-order/pkg/core/voice"
	"github.com/vango-go/vai-order/pkg/core/voice/tts"
	"github.com/vango-go/vai-order/pkg/gateway/auth"
	"github.com/vango-go/vai-order/pkg/gateway/config"
	"github.com/vango-go/vai-order/pkg/gateway/lifecycle"
	"github.com/vango-go/vai-order/pkg/gateway/live/conns"
	"github.com/vango-go/vai-order/pkg/gateway/live/protocol"
	"github.com/vango-go/vai-order/pkg/gateway/mw"
	"github.com/vango-go/vai-order/pkg/gateway/principal"
	"github.com/vango-go/vai-order/pkg/gateway/ratelimit"
	"github.com/vango-go/vai-order/pkg/metrics"
)

const realtimeSessionType = "voice_order"

// RealtimeBridge is the part of realtime.Bridge the socket handler drives.
type RealtimeBridge interface {
	HandleConnection(ctx context.Context, connectionID, customerID, customerEmail string, sink realtime.Sink) (string, error)
	HandleAudioFrame(ctx context.Context, connectionID string, frame []byte) error
	PlaybackFinished(connectionID string) error
	HandleDisconnection(connectionID string) error
}

// TokenRedeemer checks ephemeral tokens presented in hello.auth.token.
type TokenRedeemer interface {
	Verify(token, sessionType string) (realtime.RedeemedToken, error)
	Redeem(token, sessionType, sessionID string) (realtime.RedeemedToken, error)
}

// RealtimeHandler serves the /v1/realtime WebSocket.
type RealtimeHandler struct {
	Config    config.Config
	Bridge    RealtimeBridge
	Tokens    TokenRedeemer
	Limiter   *ratelimit.Limiter
	Lifecycle *lifecycle.Lifecycle
	Conns     *conns.Tracker
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
}

func (h RealtimeHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.Lifecycle.IsDraining() {
		writeError(w, r, &core.Error{Type: core.ErrOverloaded, Code: "draining", Message: "server is draining"})
		return
	}
	if !mw.OriginAllowed(h.Config, r.Header.Get("Origin")) {
		writeError(w, r, mw.ErrOriginNotAllowed)
		return
	}

	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer ws.Close()
	if h.Config.LiveMaxJSONMessageBytes > 0 {
		ws.SetReadLimit(h.Config.LiveMaxJSONMessageBytes)
	}

	hello, ok := h.readHello(ws)
	if !ok {
		return
	}
	principalKey, token, authErr := h.authenticate(r, hello)
	if authErr != nil {
		writeWSError(ws, authErr, true)
		return
	}

	if h.Limiter != nil && h.Config.LimitMaxConcurrentStreams > 0 {
		dec := h.Limiter.AcquireWSSession(principalKey, time.Now())
		if !dec.Allowed {
			writeWSError(ws, core.NewRateLimitError("too many open realtime connections", dec.RetryAfter), true)
			return
		}
		defer dec.Permit.Release()
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	connID := "rt_" + uuid.NewString()
	peer := newWSPeer(ws, connID, h)
	peer.cancelFn = cancel
	peer.binaryAudio = hello.Features.AudioTransport == protocol.AudioTransportBinary
	peer.wantAudio = hello.Features.WantAudio == nil || *hello.Features.WantAudio

	sessionID, err := h.Bridge.HandleConnection(ctx, connID, hello.CustomerID, hello.CustomerEmail, peer)
	if err != nil {
		writeWSError(ws, err, true)
		return
	}
	if token != "" {
		if _, err := h.Tokens.Redeem(token, realtimeSessionType, sessionID); err != nil {
			_ = h.Bridge.HandleDisconnection(connID)
			writeWSError(ws, err, true)
			return
		}
	}

	ack := protocol.ServerHelloAck{
		Type:            "hello_ack",
		ProtocolVersion: protocol.ProtocolVersion1,
		ConnectionID:    connID,
		SessionID:       sessionID,
		AudioIn:         hello.AudioIn,
		AudioTransport:  hello.Features.AudioTransport,
		Limits: &protocol.HelloAckLimits{
			MaxAudioFrameBytes:  h.Config.LiveMaxAudioFrameBytes,
			MaxJSONMessageBytes: h.Config.LiveMaxJSONMessageBytes,
			SilenceCommitMS:     int(h.Config.LiveSilenceCommit / time.Millisecond),
			ReconnectGraceMS:    int(h.Config.LiveReconnectGrace / time.Millisecond),
		},
	}
	if err := ws.WriteJSON(ack); err != nil {
		_ = h.Bridge.HandleDisconnection(connID)
		return
	}
	_ = ws.SetReadDeadline(time.Time{})

	go peer.writeLoop(h.Config.LiveWSPingInterval)
	unregister := h.Conns.Register(connID, conns.Handle{
		SessionID: sessionID,
		Close: func(reason string) {
			peer.sendJSON(protocol.ServerError{Type: "error", Code: reason, Message: "connection closed by server", Close: true})
			cancel()
		},
		Notify: func(code, message string) error {
			if !peer.sendJSON(protocol.ServerError{Type: "error", Code: code, Message: message}) {
				return errors.New("connection is not writable")
			}
			return nil
		},
	})
	defer unregister()

	h.log().Info("realtime connection opened",
		"connection_id", connID,
		"session_id", sessionID,
		"request_id", requestID(r),
		"hello", hello.RedactedForLog(),
	)
	h.readLoop(ctx, ws, peer)

	_ = h.Bridge.HandleDisconnection(connID)
	peer.stop()
}

func (h RealtimeHandler) log() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}

func (h RealtimeHandler) readHello(ws *websocket.Conn) (protocol.ClientHello, bool) {
	timeout := h.Config.LiveHandshakeTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	_ = ws.SetReadDeadline(time.Now().Add(timeout))
	kind, data, err := ws.ReadMessage()
	if err != nil {
		writeWSFrame(ws, protocol.ServerError{Type: "error", Code: "bad_request", Message: "failed to read hello", Close: true})
		return protocol.ClientHello{}, false
	}
	if kind != websocket.TextMessage {
		writeWSFrame(ws, protocol.ServerError{Type: "error", Code: "bad_request", Message: "first frame must be hello", Close: true})
		return protocol.ClientHello{}, false
	}
	msg, err := protocol.DecodeClientMessage(data)
	if err != nil {
		code := "bad_request"
		var de *protocol.DecodeError
		if errors.As(err, &de) {
			code = de.Code
		}
		writeWSFrame(ws, protocol.ServerError{Type: "error", Code: code, Message: err.Error(), Close: true})
		return protocol.ClientHello{}, false
	}
	hello, ok := msg.(protocol.ClientHello)
	if !ok {
		writeWSFrame(ws, protocol.ServerError{Type: "error", Code: "bad_request", Message: "first frame must be hello", Close: true})
		return protocol.ClientHello{}, false
	}
	return hello, true
}

func (h RealtimeHandler) readLoop(ctx context.Context, ws *websocket.Conn, peer *wsPeer) {
	idle := 3 * h.Config.LiveWSPingInterval
	ws.SetPongHandler(func(string) error {
		if idle > 0 && ctx.Err() == nil {
			_ = ws.SetReadDeadline(time.Now().Add(idle))
		}
		return nil
	})
	go func() {
		<-ctx.Done()
		_ = ws.SetReadDeadline(time.Now())
	}()

	for ctx.Err() == nil {
		if idle > 0 {
			_ = ws.SetReadDeadline(time.Now().Add(idle))
		}
		kind, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		switch kind {
		case websocket.BinaryMessage:
			h.audioFrame(ctx, peer, data)
		case websocket.TextMessage:
			msg, err := protocol.DecodeClientMessage(data)
			if err != nil {
				code := "bad_request"
				var de *protocol.DecodeError
				if errors.As(err, &de) {
					code = de.Code
				}
				peer.sendJSON(protocol.ServerError{Type: "error", Code: code, Message: err.Error()})
				continue
			}
			switch m := msg.(type) {
			case protocol.ClientAudio:
				frame, err := base64.StdEncoding.DecodeString(m.DataB64)
				if err != nil {
					peer.sendJSON(protocol.ServerError{Type: "error", Code: "bad_request", Message: "audio.data_b64 is not valid base64"})
					continue
				}
				h.audioFrame(ctx, peer, frame)
			case protocol.ClientPlaybackDone:
				if err := h.Bridge.PlaybackFinished(peer.connID); err != nil {
					peer.sendJSON(wsErrorMessage(err, false))
				}
			case protocol.ClientBye:
				return
			case protocol.ClientHello:
				peer.sendJSON(protocol.ServerError{Type: "error", Code: "bad_request", Message: "hello already received"})
			}
		}
	}
}

func (h RealtimeHandler) audioFrame(ctx context.Context, peer *wsPeer, frame []byte) {
	if limit := h.Config.LiveMaxAudioFrameBytes; limit > 0 && len(frame) > limit {
		h.Metrics.RecordFrameDropped()
		peer.sendJSON(protocol.ServerError{Type: "error", Code: "frame_too_large", Message: "audio frame exceeds max_audio_frame_bytes"})
		return
	}
	if len(frame)%2 != 0 {
		h.Metrics.RecordFrameDropped()
		peer.sendJSON(protocol.ServerError{Type: "error", Code: "bad_request", Message: "pcm_s16le frames must hold whole samples"})
		return
	}
	h.Metrics.RecordAudio("in", len(frame))
	if err := h.Bridge.HandleAudioFrame(ctx, peer.connID, frame); err != nil {
		var ce *core.Error
		fatal := errors.Is(err, core.ErrSessionExpired) || errors.Is(err, core.ErrSessionNotFound) || (errors.As(err, &ce) && ce.Code == core.CodeConnectionNotFound)
		peer.sendJSON(wsErrorMessage(err, fatal))
		if fatal {
			peer.cancel()
		}
	}
}

// authenticate resolves the rate-limit principal. A hello token must belong
// to the hello customer; it is returned for redemption once the session is
// known.
func (h RealtimeHandler) authenticate(r *http.Request, hello protocol.ClientHello) (principalKey, token string, err error) {
	var apiKey string
	if hello.Auth != nil {
		apiKey = strings.TrimSpace(hello.Auth.APIKey)
		token = strings.TrimSpace(hello.Auth.Token)
	}
	if apiKey == "" {
		apiKey = strings.TrimSpace(r.URL.Query().Get("api_key"))
	}

	if token != "" {
		if h.Tokens == nil {
			return "", "", core.ErrInvalidToken.With("ephemeral tokens are not enabled")
		}
		rt, err := h.Tokens.Verify(token, realtimeSessionType)
		if err != nil {
			return "", "", err
		}
		if rt.CustomerID != hello.CustomerID {
			return "", "", core.ErrInvalidToken.With("token was issued to another customer")
		}
		return principal.Of(&auth.Principal{Kind: auth.KindToken, CustomerID: rt.CustomerID}, r, h.Config).Key, token, nil
	}

	p, err := auth.CheckAPIKey(h.Config.AuthMode, h.Config.APIKeys, apiKey)
	if err != nil {
		return "", "", err
	}
	return principal.Of(p, r, h.Config).Key, "", nil
}

func wsErrorMessage(err error, closing bool) protocol.ServerError {
	msg := protocol.ServerError{Type: "error", Code: "internal", Message: "internal error", Close: closing}
	var ce *core.Error
	switch {
	case errors.As(err, &ce):
		msg.Code = ce.Code
		if msg.Code == "" {
			msg.Code = string(ce.Type)
		}
		msg.Message = ce.Message
		msg.Retryable = ce.IsRetryable()
	case errors.Is(err, context.DeadlineExceeded):
		msg.Code, msg.Message, msg.Retryable = "timeout", "request timed out", true
	case errors.Is(err, context.Canceled):
		msg.Code, msg.Message = "cancelled", "request cancelled"
	}
	return msg
}

func writeWSFrame(ws *websocket.Conn, msg protocol.ServerError) {
	_ = ws.SetWriteDeadline(time.Now().Add(2 * time.Second))
	_ = ws.WriteJSON(msg)
	if msg.Close {
		_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, msg.Code), time.Now().Add(2*time.Second))
	}
}

func writeWSError(ws *websocket.Conn, err error, closing bool) {
	writeWSFrame(ws, wsErrorMessage(err, closing))
}

type wsFrame struct {
	kind int
	data []byte
}

// wsPeer owns all writes to one socket after the handshake. It implements
// realtime.Sink.
type wsPeer struct {
	ws      *websocket.Conn
	connID  string
	h       RealtimeHandler
	out     chan wsFrame
	quit    chan struct{}
	flushed chan struct{}
	once    sync.Once

	binaryAudio bool
	wantAudio   bool
	cancelFn    context.CancelFunc
}

func newWSPeer(ws *websocket.Conn, connID string, h RealtimeHandler) *wsPeer {
	return &wsPeer{
		ws:      ws,
		connID:  connID,
		h:       h,
		out:     make(chan wsFrame, 64),
		quit:    make(chan struct{}),
		flushed: make(chan struct{}),
	}
}

func (p *wsPeer) cancel() {
	if p.cancelFn != nil {
		p.cancelFn()
	}
}

// Send implements realtime.Sink.
func (p *wsPeer) Send(e realtime.Event) {
	switch e.Type {
	case realtime.EventPhase:
		p.sendJSON(protocol.ServerState{Type: "state", Phase: strings.ToLower(string(e.Phase))})
		if e.Phase == realtime.PhaseSpeaking && !p.wantAudio {
			_ = p.h.Bridge.PlaybackFinished(p.connID)
		}
	case realtime.EventTurn:
		if e.Result != nil {
			p.sendJSON(turnMessage(*e.Result))
		}
	case realtime.EventAudio:
		if e.Result != nil && e.Result.Audio != nil && p.wantAudio {
			p.sendAudio(e.Result.Audio)
		}
	case realtime.EventError:
		if e.Err != nil {
			p.sendJSON(wsErrorMessage(e.Err, false))
		}
	}
}

func turnMessage(res voice.Result) protocol.ServerTurn {
	msg := protocol.ServerTurn{
		Type:          "turn",
		RequestID:     res.RequestID,
		Transcription: res.Transcription,
		AIResponse:    res.AIResponse,
		Updated:       res.Update.Updated,
		Action:        string(res.Update.Action),
		Order:         res.Update.Order,
		UpdateError:   res.Update.ErrorMessage(),
	}
	if res.Turn != nil {
		msg.TurnID = res.Turn.ID
	}
	return msg
}

func (p *wsPeer) sendAudio(syn *tts.Synthesis) {
	p.h.Metrics.RecordAudio("out", len(syn.Audio))
	if p.binaryAudio {
		if p.sendJSON(protocol.ServerAudio{Type: "audio", Format: syn.Format, Bytes: len(syn.Audio)}) {
			p.enqueue(websocket.BinaryMessage, syn.Audio)
		}
		return
	}
	p.sendJSON(protocol.ServerAudio{Type: "audio", Format: syn.Format, DataB64: base64.StdEncoding.EncodeToString(syn.Audio)})
}

func (p *wsPeer) sendJSON(v any) bool {
	data, err := json.Marshal(v)
	if err != nil {
		return false
	}
	return p.enqueue(websocket.TextMessage, data)
}

// enqueue never blocks; frames are dropped when the client falls behind.
func (p *wsPeer) enqueue(kind int, data []byte) bool {
	select {
	case <-p.quit:
		return false
	default:
	}
	select {
	case p.out <- wsFrame{kind: kind, data: data}:
		return true
	default:
		p.h.log().Warn("realtime outbound queue full; dropping frame", "connection_id", p.connID)
		return false
	}
}

func (p *wsPeer) write(f wsFrame) error {
	_ = p.ws.SetWriteDeadline(time.Now().Add(p.writeTimeout()))
	return p.ws.WriteMessage(f.kind, f.data)
}

func (p *wsPeer) writeTimeout() time.Duration {
	if d := p.h.Config.LiveWSWriteTimeout; d > 0 {
		return d
	}
	return 5 * time.Second
}

func (p *wsPeer) writeLoop(ping time.Duration) {
	defer close(p.flushed)
	var tick <-chan time.Time
	if ping > 0 {
		t := time.NewTicker(ping)
		defer t.Stop()
		tick = t.C
	}
	for {
		select {
		case f := <-p.out:
			if err := p.write(f); err != nil {
				p.cancel()
				return
			}
		case <-tick:
			if err := p.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(p.writeTimeout())); err != nil {
				p.cancel()
				return
			}
		case <-p.quit:
			for {
				select {
				case f := <-p.out:
					if err := p.write(f); err != nil {
						return
					}
				default:
					_ = p.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(p.writeTimeout()))
					return
				}
			}
		}
	}
}

// stop flushes queued frames, sends a close frame and waits for the writer.
func (p *wsPeer) stop() {
	p.once.Do(func() { close(p.quit) })
	select {
	case <-p.flushed:
	case <-time.After(2 * p.writeTimeout()):
	}
}
