// Package quota enforces per-provider fixed-window call limits shared by
// every session in the process (or, with RedisStore, every process).
package quota

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/vango-go/vai-order/pkg/core"
	"github.com/vango-go/vai-order/pkg/metrics"
)

// Provider names used by the voice pipeline.
const (
	ProviderTranscription = "transcription"
	ProviderIntent        = "intent"
	ProviderGeneration    = "generation"
	ProviderSynthesis     = "synthesis"
	ProviderRealtime      = "realtime"
)

// Limit is N calls per Window. A zero Requests value disables the limit.
type Limit struct {
	Requests int           `json:"requests"`
	Window   time.Duration `json:"window"`
}

// Window is the counter state of one provider.
type Window struct {
	Count   int64
	ResetAt time.Time
}

// Store holds window counters.
type Store interface {
	// Incr counts one call against key and returns the count in the current
	// window and when that window ends.
	Incr(ctx context.Context, key string, window time.Duration, now time.Time) (Window, error)
	// Peek returns the current window without counting.
	Peek(ctx context.Context, key string, now time.Time) (Window, error)
}

// Status reports quota usage for one provider.
type Status struct {
	Provider  string    `json:"provider"`
	Limit     int       `json:"limit"`
	WindowSec float64   `json:"window_seconds"`
	Used      int64     `json:"used"`
	Remaining int64     `json:"remaining"`
	ResetAt   time.Time `json:"reset_at,omitempty"`
}

// Limiter applies Limits through a Store.
type Limiter struct {
	store   Store
	limits  map[string]Limit
	now     func() time.Time
	prefix  string
	metrics *metrics.Metrics
}

// Option configures a Limiter.
type Option func(*Limiter)

func WithClock(now func() time.Time) Option { return func(l *Limiter) { l.now = now } }

func WithKeyPrefix(prefix string) Option { return func(l *Limiter) { l.prefix = prefix } }

func WithMetrics(m *metrics.Metrics) Option { return func(l *Limiter) { l.metrics = m } }

// New builds a limiter. A nil store uses a MemoryStore.
func New(store Store, limits map[string]Limit, opts ...Option) *Limiter {
	if store == nil {
		store = NewMemoryStore()
	}
	l := &Limiter{
		store:  store,
		limits: make(map[string]Limit, len(limits)),
		now:    time.Now,
		prefix: "vai-order:quota:",
	}
	for k, v := range limits {
		l.limits[k] = v
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Allow counts one call to provider. It returns a RateLimited error when the
// provider's window is exhausted; the rejected call is still counted so a
// caller hammering the limiter does not get through early.
func (l *Limiter) Allow(ctx context.Context, provider string) error {
	if l == nil {
		return nil
	}
	lim, ok := l.limits[provider]
	if !ok || lim.Requests <= 0 || lim.Window <= 0 {
		return nil
	}
	now := l.now()
	w, err := l.store.Incr(ctx, l.prefix+provider, lim.Window, now)
	if err != nil {
		return fmt.Errorf("quota %s: %w", provider, err)
	}
	if w.Count <= int64(lim.Requests) {
		return nil
	}
	l.metrics.RecordQuotaRejected(provider)
	retry := int(math.Ceil(w.ResetAt.Sub(now).Seconds()))
	if retry < 1 {
		retry = 1
	}
	return core.NewRateLimitError(fmt.Sprintf("%s quota of %d per %s exhausted", provider, lim.Requests, lim.Window), retry)
}

// Status returns a snapshot for every configured provider.
func (l *Limiter) Status(ctx context.Context) []Status {
	if l == nil {
		return nil
	}
	now := l.now()
	out := make([]Status, 0, len(l.limits))
	for name, lim := range l.limits {
		st := Status{Provider: name, Limit: lim.Requests, WindowSec: lim.Window.Seconds()}
		if w, err := l.store.Peek(ctx, l.prefix+name, now); err == nil {
			st.Used = w.Count
			st.ResetAt = w.ResetAt
		}
		st.Remaining = int64(lim.Requests) - st.Used
		if st.Remaining < 0 {
			st.Remaining = 0
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Provider < out[j].Provider })
	return out
}

// MemoryStore keeps windows in process memory.
type MemoryStore struct {
	mu      sync.Mutex
	windows map[string]*memWindow
}

type memWindow struct {
	count   int64
	resetAt time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{windows: make(map[string]*memWindow)}
}

// Incr implements Store.
func (s *MemoryStore) Incr(_ context.Context, key string, window time.Duration, now time.Time) (Window, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w := s.windows[key]
	if w == nil || !now.Before(w.resetAt) {
		w = &memWindow{resetAt: now.Add(window)}
		s.windows[key] = w
	}
	w.count++
	return Window{Count: w.count, ResetAt: w.resetAt}, nil
}

// Peek implements Store.
func (s *MemoryStore) Peek(_ context.Context, key string, now time.Time) (Window, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w := s.windows[key]
	if w == nil || !now.Before(w.resetAt) {
		return Window{}, nil
	}
	return Window{Count: w.count, ResetAt: w.resetAt}, nil
}
