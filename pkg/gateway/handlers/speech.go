package handlers

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/vango-go/vai-order/pkg/core/voice"
	"github.com/vango-go/vai-order/pkg/core/voice/tts"
	"github.com/vango-go/vai-order/pkg/gateway/config"
)

// Speaker synthesizes reply text.
type Speaker interface {
	TextToSpeech(ctx context.Context, text string) (*tts.Synthesis, error)
}

// SpeechHandler serves POST /v1/tts and answers with raw audio bytes.
type SpeechHandler struct {
	Config  config.Config
	Speaker Speaker
}

type speechRequest struct {
	Text string `json:"text"`
}

func (h SpeechHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req speechRequest
	if err := decodeBody(w, r, h.Config.MaxBodyBytes, &req, false); err != nil {
		writeError(w, r, err)
		return
	}
	syn, err := h.Speaker.TextToSpeech(r.Context(), strings.TrimSpace(req.Text))
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", audioMediaType(syn.Format))
	w.Header().Set("Content-Length", strconv.Itoa(len(syn.Audio)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(syn.Audio)
}

func audioMediaType(format string) string {
	switch format {
	case voice.FormatWAV:
		return "audio/wav"
	case voice.FormatMP3:
		return "audio/mpeg"
	case voice.FormatOGG:
		return "audio/ogg"
	case voice.FormatWebM:
		return "audio/webm"
	case voice.FormatFLAC:
		return "audio/flac"
	case voice.FormatPCM:
		return "audio/pcm"
	default:
		return "application/octet-stream"
	}
}
