// Package protocol defines the JSON messages exchanged on /v1/realtime.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

const (
	ProtocolVersion1 = "1"

	AudioTransportBinary     = "binary"
	AudioTransportBase64JSON = "base64_json"

	EncodingPCMS16LE = "pcm_s16le"
)

type DecodeError struct {
	Code    string
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badRequest(message, param string) *DecodeError {
	return &DecodeError{Code: "bad_request", Message: message, Param: param}
}

func unsupported(message, param string) *DecodeError {
	return &DecodeError{Code: "unsupported", Message: message, Param: param}
}

// AudioFormat describes negotiated realtime audio shape.
type AudioFormat struct {
	Encoding     string `json:"encoding"`
	SampleRateHz int    `json:"sample_rate_hz"`
	Channels     int    `json:"channels"`
}

type HelloAuth struct {
	APIKey string `json:"api_key,omitempty"`
	// Token is an ephemeral token from POST /v1/realtime/tokens.
	Token string `json:"token,omitempty"`
}

type HelloFeatures struct {
	AudioTransport string `json:"audio_transport,omitempty"`
	WantAudio      *bool  `json:"want_audio,omitempty"`
}

type ClientHello struct {
	Type            string        `json:"type"`
	ProtocolVersion string        `json:"protocol_version"`
	CustomerID      string        `json:"customer_id"`
	CustomerEmail   string        `json:"customer_email,omitempty"`
	Auth            *HelloAuth    `json:"auth,omitempty"`
	AudioIn         AudioFormat   `json:"audio_in"`
	Features        HelloFeatures `json:"features,omitempty"`
}

// RedactedForLog drops credentials.
func (h ClientHello) RedactedForLog() map[string]any {
	return map[string]any{
		"type":             h.Type,
		"protocol_version": h.ProtocolVersion,
		"customer_id":      h.CustomerID,
		"audio_in":         h.AudioIn,
		"features":         h.Features,
		"has_api_key":      h.Auth != nil && strings.TrimSpace(h.Auth.APIKey) != "",
		"has_token":        h.Auth != nil && strings.TrimSpace(h.Auth.Token) != "",
	}
}

type ClientAudio struct {
	Type    string `json:"type"`
	Seq     int64  `json:"seq,omitempty"`
	DataB64 string `json:"data_b64"`
}

type ClientPlaybackDone struct {
	Type string `json:"type"`
}

type ClientBye struct {
	Type string `json:"type"`
}

func DecodeClientMessage(data []byte) (any, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, badRequest("invalid json frame", "")
	}
	typ := strings.TrimSpace(envelope.Type)
	if typ == "" {
		return nil, badRequest("missing type", "type")
	}

	switch typ {
	case "hello":
		var msg ClientHello
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid hello frame", "")
		}
		if err := ValidateHello(&msg); err != nil {
			return nil, err
		}
		return msg, nil
	case "audio":
		var msg ClientAudio
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid audio frame", "")
		}
		if strings.TrimSpace(msg.DataB64) == "" {
			return nil, badRequest("audio.data_b64 is required", "data_b64")
		}
		return msg, nil
	case "playback_done":
		return ClientPlaybackDone{Type: typ}, nil
	case "bye":
		return ClientBye{Type: typ}, nil
	default:
		return nil, badRequest("unsupported message type", "type")
	}
}

// ValidateHello checks msg and fills the default audio transport.
func ValidateHello(msg *ClientHello) error {
	if strings.TrimSpace(msg.ProtocolVersion) == "" {
		return badRequest("hello.protocol_version is required", "protocol_version")
	}
	if msg.ProtocolVersion != ProtocolVersion1 {
		return unsupported("unsupported protocol version", "protocol_version")
	}
	if strings.TrimSpace(msg.CustomerID) == "" {
		return badRequest("hello.customer_id is required", "customer_id")
	}
	if strings.TrimSpace(msg.AudioIn.Encoding) == "" {
		return badRequest("hello.audio_in.encoding is required", "audio_in.encoding")
	}
	if msg.AudioIn.Encoding != EncodingPCMS16LE {
		return unsupported("only pcm_s16le input is supported", "audio_in.encoding")
	}
	if msg.AudioIn.SampleRateHz <= 0 {
		return badRequest("hello.audio_in.sample_rate_hz must be > 0", "audio_in.sample_rate_hz")
	}
	if msg.AudioIn.Channels != 1 {
		return unsupported("only mono input is supported", "audio_in.channels")
	}

	switch strings.TrimSpace(msg.Features.AudioTransport) {
	case "":
		msg.Features.AudioTransport = AudioTransportBase64JSON
		return nil
	case AudioTransportBinary, AudioTransportBase64JSON:
		return nil
	default:
		return unsupported("unsupported audio transport", "features.audio_transport")
	}
}

type HelloAckLimits struct {
	MaxAudioFrameBytes  int   `json:"max_audio_frame_bytes"`
	MaxJSONMessageBytes int64 `json:"max_json_message_bytes"`
	SilenceCommitMS     int   `json:"silence_commit_ms"`
	ReconnectGraceMS    int   `json:"reconnect_grace_ms"`
}

type ServerHelloAck struct {
	Type            string          `json:"type"`
	ProtocolVersion string          `json:"protocol_version"`
	ConnectionID    string          `json:"connection_id"`
	SessionID       string          `json:"session_id"`
	AudioIn         AudioFormat     `json:"audio_in"`
	AudioTransport  string          `json:"audio_transport"`
	Limits          *HelloAckLimits `json:"limits,omitempty"`
}

type ServerState struct {
	Type  string `json:"type"`
	Phase string `json:"phase"`
}

type ServerTurn struct {
	Type          string `json:"type"`
	RequestID     string `json:"request_id"`
	TurnID        int    `json:"turn_id,omitempty"`
	Transcription string `json:"transcription"`
	AIResponse    string `json:"ai_response"`
	Updated       bool   `json:"updated"`
	Action        string `json:"action"`
	Order         any    `json:"order"`
	UpdateError   string `json:"update_error,omitempty"`
}

type ServerAudio struct {
	Type    string `json:"type"`
	Format  string `json:"format"`
	DataB64 string `json:"data_b64,omitempty"`
	// Bytes is set instead of DataB64 when the audio follows as a binary frame.
	Bytes int `json:"bytes,omitempty"`
}

type ServerError struct {
	Type      string `json:"type"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable,omitempty"`
	Close     bool   `json:"close,omitempty"`
}
