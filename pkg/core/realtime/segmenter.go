package realtime

import "math"

// AudioConfig describes the PCM stream clients send.
type AudioConfig struct {
	SampleRate    int `json:"sample_rate_hz"`
	Channels      int `json:"channels"`
	BitsPerSample int `json:"bits_per_sample"`
}

// DefaultAudioConfig is 16 kHz mono s16le.
func DefaultAudioConfig() AudioConfig {
	return AudioConfig{SampleRate: 16000, Channels: 1, BitsPerSample: 16}
}

// BytesPerSecond returns the audio byte rate.
func (c AudioConfig) BytesPerSecond() int {
	return c.SampleRate * c.Channels * (c.BitsPerSample / 8)
}

// DurationMs returns the duration in milliseconds for the given byte count.
func (c AudioConfig) DurationMs(bytes int) int {
	if c.BytesPerSecond() == 0 {
		return 0
	}
	return (bytes * 1000) / c.BytesPerSecond()
}

// BytesForDurationMs returns the byte count for the given duration in milliseconds.
func (c AudioConfig) BytesForDurationMs(ms int) int {
	return (c.BytesPerSecond() * ms) / 1000
}

// SegmenterConfig controls energy-based utterance segmentation.
type SegmenterConfig struct {
	// EnergyThreshold is the RMS level (0..1) above which a frame is speech.
	EnergyThreshold float64 `json:"energy_threshold"`
	// SilenceCommitMs of trailing silence after speech commits the segment.
	SilenceCommitMs int `json:"silence_commit_ms"`
	// MinSpeechMs is the least speech a segment needs; shorter bursts are discarded.
	MinSpeechMs int `json:"min_speech_ms"`
	// MaxSegmentMs force-commits long segments.
	MaxSegmentMs int `json:"max_segment_ms"`
	// PrefixPaddingMs of audio before speech onset is kept.
	PrefixPaddingMs int `json:"prefix_padding_ms"`
}

// DefaultSegmenterConfig returns defaults tuned for short ordering phrases.
func DefaultSegmenterConfig() SegmenterConfig {
	return SegmenterConfig{
		EnergyThreshold: 0.02,
		SilenceCommitMs: 700,
		MinSpeechMs:     200,
		MaxSegmentMs:    15000,
		PrefixPaddingMs: 300,
	}
}

func (c SegmenterConfig) withDefaults() SegmenterConfig {
	d := DefaultSegmenterConfig()
	if c.EnergyThreshold <= 0 {
		c.EnergyThreshold = d.EnergyThreshold
	}
	if c.SilenceCommitMs <= 0 {
		c.SilenceCommitMs = d.SilenceCommitMs
	}
	if c.MinSpeechMs <= 0 {
		c.MinSpeechMs = d.MinSpeechMs
	}
	if c.MaxSegmentMs <= 0 {
		c.MaxSegmentMs = d.MaxSegmentMs
	}
	if c.PrefixPaddingMs < 0 {
		c.PrefixPaddingMs = 0
	}
	return c
}

// CalculateRMSEnergy computes the root-mean-square energy of 16-bit signed
// little-endian PCM, between 0.0 and 1.0.
func CalculateRMSEnergy(pcm []byte) float64 {
	samples := len(pcm) / 2
	if samples == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < len(pcm)-1; i += 2 {
		sample := int16(pcm[i]) | int16(pcm[i+1])<<8
		normalized := float64(sample) / 32768.0
		sum += normalized * normalized
	}
	return math.Sqrt(sum / float64(samples))
}

// Segmenter accumulates frames and decides when an utterance is complete.
// It is not safe for concurrent use.
type Segmenter struct {
	cfg   SegmenterConfig
	audio AudioConfig

	prefix    []byte
	segment   []byte
	inSpeech  bool
	speechMs  int
	silenceMs int
}

func NewSegmenter(cfg SegmenterConfig, audio AudioConfig) *Segmenter {
	return &Segmenter{cfg: cfg.withDefaults(), audio: audio}
}

// Push adds one frame. When a segment is complete it is returned with
// ready=true and the segmenter starts over.
func (s *Segmenter) Push(frame []byte) (segment []byte, ready bool) {
	if len(frame) == 0 {
		return nil, false
	}
	ms := s.audio.DurationMs(len(frame))
	speech := CalculateRMSEnergy(frame) >= s.cfg.EnergyThreshold

	if !s.inSpeech {
		if !speech {
			s.keepPrefix(frame)
			return nil, false
		}
		s.inSpeech = true
		s.segment = append(s.segment[:0], s.prefix...)
		s.prefix = s.prefix[:0]
	}

	s.segment = append(s.segment, frame...)
	if speech {
		s.speechMs += ms
		s.silenceMs = 0
	} else {
		s.silenceMs += ms
	}

	switch {
	case s.audio.DurationMs(len(s.segment)) >= s.cfg.MaxSegmentMs:
		return s.commit()
	case s.silenceMs >= s.cfg.SilenceCommitMs:
		if s.speechMs < s.cfg.MinSpeechMs {
			s.Reset()
			return nil, false
		}
		return s.commit()
	}
	return nil, false
}

func (s *Segmenter) keepPrefix(frame []byte) {
	limit := s.audio.BytesForDurationMs(s.cfg.PrefixPaddingMs)
	if limit <= 0 {
		return
	}
	s.prefix = append(s.prefix, frame...)
	if excess := len(s.prefix) - limit; excess > 0 {
		s.prefix = append(s.prefix[:0], s.prefix[excess:]...)
	}
}

func (s *Segmenter) commit() ([]byte, bool) {
	out := make([]byte, len(s.segment))
	copy(out, s.segment)
	s.Reset()
	return out, true
}

// Reset drops any buffered audio.
func (s *Segmenter) Reset() {
	s.segment = s.segment[:0]
	s.prefix = s.prefix[:0]
	s.inSpeech = false
	s.speechMs = 0
	s.silenceMs = 0
}

// Buffered returns the buffered segment length in bytes.
func (s *Segmenter) Buffered() int { return len(s.segment) }
