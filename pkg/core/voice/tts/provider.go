// Package tts provides text-to-speech functionality.
package tts

import (
	"context"
	"fmt"
	"net/http"
)

// Provider is the interface for text-to-speech services.
type Provider interface {
	// Name returns the provider identifier.
	Name() string

	// Synthesize converts text to audio.
	Synthesize(ctx context.Context, text string, opts SynthesizeOptions) (*Synthesis, error)
}

// SynthesizeOptions configures synthesis.
type SynthesizeOptions struct {
	Voice      string  // Voice identifier (Cartesia voice ID)
	Speed      float64 // Speed multiplier (0.6-1.5, default 1.0)
	Language   string  // Language code
	Format     string  // Output format: "wav", "mp3", or "pcm"
	SampleRate int     // Sample rate: 8000, 16000, 22050, 24000, 44100, 48000
}

// Synthesis is the result of synthesis.
type Synthesis struct {
	Audio  []byte
	Format string
}

// StatusError is a non-2xx response from a synthesis API.
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
