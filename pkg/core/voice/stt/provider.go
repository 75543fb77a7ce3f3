// Package stt provides speech-to-text functionality.
package stt

import (
	"context"
	"fmt"
	"io"
	"net/http"
)

// Provider is the interface for speech-to-text services.
type Provider interface {
	// Name returns the provider identifier.
	Name() string

	// Transcribe converts audio to text.
	Transcribe(ctx context.Context, audio io.Reader, opts TranscribeOptions) (*Transcript, error)
}

// TranscribeOptions configures transcription.
type TranscribeOptions struct {
	Model      string // Provider-specific model (default: "ink-whisper")
	Language   string // ISO language code
	Format     string // Audio format hint (wav, mp3, webm, pcm_s16le, ...)
	SampleRate int    // Audio sample rate in Hz, required for raw PCM
}

// Transcript is the result of transcription.
type Transcript struct {
	Text     string
	Language string
	Duration float64 // seconds
}

// StatusError is a non-2xx response from a transcription API.
type StatusError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s error %d: %s", e.Provider, e.StatusCode, e.Body)
}

// Transient reports whether retrying the request may succeed.
func (e *StatusError) Transient() bool {
	return e.StatusCode == http.StatusTooManyRequests ||
		e.StatusCode == http.StatusRequestTimeout ||
		e.StatusCode >= 500
}
