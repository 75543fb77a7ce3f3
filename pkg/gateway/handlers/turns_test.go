package handlers

import (
	"bytes"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/vango-go/vai-order/pkg/core/voice"
)

func TestTurnsHandler_VoiceWithSpeech(t *testing.T) {
	f := newFixture(t)
	id := f.newSession(t)
	h := f.turnsHandler()

	wav := voice.EncodeWAV(make([]byte, 3200), 16000, 1)
	req := httptest.NewRequest(http.MethodPost, "/v1/sessions/"+id+"/voice?tts=1&language=en", bytes.NewReader(wav))
	req.Header.Set("Content-Type", "audio/wav")
	req.SetPathValue("id", id)
	rr := httptest.NewRecorder()
	h.Voice(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rr.Code, rr.Body.String())
	}
	body := decodeJSON(t, rr)
	if body["transcription"] != "two burgers please" || body["success"] != true {
		t.Fatalf("body=%v", body)
	}
	update := body["update"].(map[string]any)
	if update["updated"] != true || update["action"] != "ADD_ITEM" {
		t.Fatalf("update=%v", update)
	}
	audio, ok := body["audio"].(map[string]any)
	if !ok {
		t.Fatalf("audio missing: %v", body)
	}
	raw, err := base64.StdEncoding.DecodeString(audio["data_b64"].(string))
	if err != nil || !bytes.HasPrefix(raw, []byte("pcm:")) {
		t.Fatalf("audio=%q err=%v", raw, err)
	}
}

func TestTurnsHandler_VoiceRejectsBadAudio(t *testing.T) {
	f := newFixture(t)
	id := f.newSession(t)
	h := f.turnsHandler()

	rr := serve(h.Voice, http.MethodPost, "/v1/sessions/"+id+"/voice", id, "xx")
	if rr.Code != http.StatusBadRequest || errorCode(t, rr) != "invalid_audio" {
		t.Fatalf("status=%d body=%s", rr.Code, rr.Body.String())
	}

	f.cfg.MaxAudioBytes = 16
	h = f.turnsHandler()
	rr = serve(h.Voice, http.MethodPost, "/v1/sessions/"+id+"/voice", id, string(make([]byte, 64)))
	if rr.Code != http.StatusBadRequest || errorCode(t, rr) != "invalid_audio" {
		t.Fatalf("oversized status=%d body=%s", rr.Code, rr.Body.String())
	}
}

func TestTurnsHandler_UtteranceBranching(t *testing.T) {
	f := newFixture(t)
	id := f.newSession(t)
	h := f.turnsHandler()

	rr := serve(h.Utterance, http.MethodPost, "/v1/sessions/"+id+"/utterances", id, `{"text":"a burger"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rr.Code, rr.Body.String())
	}
	rr = serve(h.Utterance, http.MethodPost, "/v1/sessions/"+id+"/utterances", id, `{"text":"add fries"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rr.Code, rr.Body.String())
	}
	rr = serve(h.Utterance, http.MethodPost, "/v1/sessions/"+id+"/utterances", id, `{"text":"a soda","parent_turn_id":1}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("branch status=%d body=%s", rr.Code, rr.Body.String())
	}
	turn := decodeJSON(t, rr)["turn"].(map[string]any)
	if turn["parent_turn_id"] != float64(1) {
		t.Fatalf("turn=%v", turn)
	}

	rr = serve(h.Utterance, http.MethodPost, "/v1/sessions/"+id+"/utterances", id, `{"text":"a soda","parent_turn_id":42}`)
	if rr.Code != http.StatusNotFound || errorCode(t, rr) != "turn_not_found" {
		t.Fatalf("unknown parent status=%d body=%s", rr.Code, rr.Body.String())
	}
	rr = serve(h.Utterance, http.MethodPost, "/v1/sessions/"+id+"/utterances", id, `{"text":"  "}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("blank text status=%d", rr.Code)
	}
	rr = serve(h.Utterance, http.MethodPost, "/v1/sessions/missing/utterances", "missing", `{"text":"a burger"}`)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("missing session status=%d", rr.Code)
	}
}

func TestSpeechHandler_ReturnsAudioBytes(t *testing.T) {
	f := newFixture(t)
	h := SpeechHandler{Config: f.cfg, Speaker: f.pipeline}

	rr := serve(h.ServeHTTP, http.MethodPost, "/v1/tts", "", `{"text":"Your order is ready"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rr.Code, rr.Body.String())
	}
	if ct := rr.Header().Get("Content-Type"); ct != "audio/pcm" {
		t.Fatalf("Content-Type=%q", ct)
	}
	if rr.Body.String() != "pcm:Your order is ready" {
		t.Fatalf("body=%q", rr.Body.String())
	}

	rr = serve(h.ServeHTTP, http.MethodPost, "/v1/tts", "", `{"text":""}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("empty text status=%d", rr.Code)
	}
}
