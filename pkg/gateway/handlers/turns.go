package handlers

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/vango-go/vai-order/pkg/core"
	"github.com/vango-go/vai-order/pkg/core/conversation"
	"github.com/vango-go/vai-order/pkg/core/intent"
	"github.com/vango-go/vai-order/pkg/core/order"
	"github.com/vango-go/vai-order/pkg/core/voice"
	"github.com/vango-go/vai-order/pkg/gateway/config"
)

// TurnPipeline is the part of voice.Coordinator the turn endpoints use.
type TurnPipeline interface {
	ProcessVoiceInteraction(ctx context.Context, in voice.Interaction) *voice.Task
	ProcessUtterance(ctx context.Context, in voice.Interaction) *voice.Task
}

// TurnsHandler accepts spoken and typed customer turns.
type TurnsHandler struct {
	Config   config.Config
	Pipeline TurnPipeline
	Logger   *slog.Logger
}

type updateBody struct {
	Updated   bool               `json:"updated"`
	Action    intent.Action      `json:"action"`
	Intent    intent.Intent      `json:"intent"`
	Line      *order.LineItem    `json:"line,omitempty"`
	Order     order.WorkingOrder `json:"order"`
	Duplicate bool               `json:"duplicate,omitempty"`
	Error     string             `json:"error,omitempty"`
}

type audioBody struct {
	Format  string `json:"format"`
	DataB64 string `json:"data_b64"`
}

type turnResponse struct {
	RequestID     string             `json:"request_id"`
	SessionID     string             `json:"session_id"`
	Transcription string             `json:"transcription"`
	AIResponse    string             `json:"ai_response"`
	Success       bool               `json:"success"`
	Update        updateBody         `json:"update"`
	Turn          *conversation.Turn `json:"turn,omitempty"`
	Audio         *audioBody         `json:"audio,omitempty"`
	AudioError    string             `json:"audio_error,omitempty"`
}

func newTurnResponse(res voice.Result) turnResponse {
	out := turnResponse{
		RequestID:     res.RequestID,
		SessionID:     res.SessionID,
		Transcription: res.Transcription,
		AIResponse:    res.AIResponse,
		Success:       res.Success,
		Turn:          res.Turn,
		Update: updateBody{
			Updated:   res.Update.Updated,
			Action:    res.Update.Action,
			Intent:    res.Update.Intent,
			Line:      res.Update.Line,
			Order:     res.Update.Order,
			Duplicate: res.Update.Duplicate,
			Error:     res.Update.ErrorMessage(),
		},
	}
	if res.Audio != nil && len(res.Audio.Audio) > 0 {
		out.Audio = &audioBody{Format: res.Audio.Format, DataB64: base64.StdEncoding.EncodeToString(res.Audio.Audio)}
	}
	if res.AudioErr != nil {
		out.AudioError = res.AudioErr.Error()
	}
	return out
}

// Voice runs one audio turn. The body is the raw recording; Content-Type
// names its container, and the bytes are sniffed when it does not.
func (h TurnsHandler) Voice(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	limit := h.Config.MaxAudioBytes
	if limit <= 0 {
		limit = 10 << 20
	}
	audio, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, r, core.ErrInvalidAudio.With("audio exceeds %d bytes", limit))
			return
		}
		writeError(w, r, core.NewInvalidArgument("failed to read audio body", "body"))
		return
	}
	task := h.Pipeline.ProcessVoiceInteraction(r.Context(), voice.Interaction{
		SessionID:  id,
		RequestID:  requestID(r),
		Audio:      audio,
		Format:     voice.FormatFromMediaType(r.Header.Get("Content-Type")),
		Language:   strings.TrimSpace(r.URL.Query().Get("language")),
		Synthesize: queryBool(r, "tts"),
	})
	h.finish(w, r, task)
}

type utteranceRequest struct {
	Text         string `json:"text"`
	ParentTurnID int    `json:"parent_turn_id,omitempty"`
	Synthesize   bool   `json:"tts,omitempty"`
}

// Utterance runs one typed turn, optionally branching from an earlier turn.
func (h TurnsHandler) Utterance(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req utteranceRequest
	if err := decodeBody(w, r, h.Config.MaxBodyBytes, &req, false); err != nil {
		writeError(w, r, err)
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeError(w, r, core.NewInvalidArgument("text is required", "text"))
		return
	}
	if req.ParentTurnID < 0 {
		writeError(w, r, core.NewInvalidArgument("parent_turn_id must be positive", "parent_turn_id"))
		return
	}
	task := h.Pipeline.ProcessUtterance(r.Context(), voice.Interaction{
		SessionID:    id,
		RequestID:    requestID(r),
		Text:         req.Text,
		ParentTurnID: req.ParentTurnID,
		Synthesize:   req.Synthesize || queryBool(r, "tts"),
	})
	h.finish(w, r, task)
}

func (h TurnsHandler) finish(w http.ResponseWriter, r *http.Request, task *voice.Task) {
	res, err := task.Wait(r.Context())
	if err != nil {
		task.Cancel()
		writeError(w, r, err)
		return
	}
	if res.Err != nil {
		if h.Logger != nil {
			h.Logger.Info("turn failed", "session_id", res.SessionID, "request_id", res.RequestID, "error", res.Err)
		}
		writeError(w, r, res.Err)
		return
	}
	writeJSON(w, http.StatusOK, newTurnResponse(res))
}
