// Package ratelimit bounds HTTP request rate and open realtime sockets per
// principal. State is in memory and per process.
package ratelimit

import (
	"crypto/sha256"
	"encoding/hex"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/groupcache/lru"
)

type Config struct {
	RPS   float64
	Burst int

	MaxConcurrentRequests int
	// MaxConcurrentWSSessions caps open realtime connections per principal.
	MaxConcurrentWSSessions int

	// MaxEntries bounds how many principals are tracked; the least recently
	// seen principal is forgotten first.
	MaxEntries int
}

// Stats is a point-in-time view used by the status endpoint.
type Stats struct {
	Principals   int   `json:"principals"`
	OpenRequests int64 `json:"open_requests"`
	OpenSockets  int64 `json:"open_sockets"`
	Rejected     int64 `json:"rejected"`
}

type Limiter struct {
	cfg Config

	mu    sync.Mutex
	cache *lru.Cache

	openRequests atomic.Int64
	openSockets  atomic.Int64
	rejected     atomic.Int64
}

type principalLimiter struct {
	mu     sync.Mutex
	tokens float64
	last   time.Time

	reqSem chan struct{}
	wsSem  chan struct{}
}

func New(cfg Config) *Limiter {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 10_000
	}
	return &Limiter{cfg: cfg, cache: lru.New(cfg.MaxEntries)}
}

func hashKey(prefix, raw string) string {
	sum := sha256.Sum256([]byte(raw))
	// 16 bytes => 32 hex chars; enough to avoid collisions in practice.
	return prefix + hex.EncodeToString(sum[:16])
}

func PrincipalKeyFromAPIKey(apiKey string) string { return hashKey("k_", apiKey) }

func PrincipalKeyFromIP(ip string) string { return hashKey("ip_", ip) }

// PrincipalKeyFromCustomer keys callers that authenticated with a realtime
// token, so one customer's sockets share a cap across networks.
func PrincipalKeyFromCustomer(customerID string) string { return hashKey("c_", customerID) }

type Permit struct {
	once    sync.Once
	release func()
}

func (p *Permit) Release() {
	if p == nil || p.release == nil {
		return
	}
	p.once.Do(p.release)
}

type Decision struct {
	Allowed    bool
	RetryAfter int
	Permit     *Permit
}

func (l *Limiter) deny(retryAfter int) Decision {
	l.rejected.Add(1)
	return Decision{Allowed: false, RetryAfter: retryAfter}
}

func (l *Limiter) AcquireRequest(principal string, now time.Time) Decision {
	pl := l.get(principal)

	if l.cfg.RPS > 0 && l.cfg.Burst > 0 {
		if ok, retryAfter := pl.take(now, l.cfg.RPS, float64(l.cfg.Burst)); !ok {
			return l.deny(retryAfter)
		}
	}
	if l.cfg.MaxConcurrentRequests <= 0 {
		return Decision{Allowed: true, Permit: &Permit{}}
	}
	return l.reserve(pl.reqSem, &l.openRequests)
}

// AcquireWSSession reserves a realtime connection slot. Release the permit
// when the connection closes.
func (l *Limiter) AcquireWSSession(principal string, now time.Time) Decision {
	pl := l.get(principal)
	if l.cfg.MaxConcurrentWSSessions <= 0 {
		l.openSockets.Add(1)
		return Decision{Allowed: true, Permit: &Permit{release: func() { l.openSockets.Add(-1) }}}
	}
	return l.reserve(pl.wsSem, &l.openSockets)
}

func (l *Limiter) reserve(sem chan struct{}, open *atomic.Int64) Decision {
	select {
	case sem <- struct{}{}:
		open.Add(1)
		return Decision{Allowed: true, Permit: &Permit{release: func() {
			<-sem
			open.Add(-1)
		}}}
	default:
		return l.deny(1)
	}
}

// Stats reports tracked principals and open permits.
func (l *Limiter) Stats() Stats {
	if l == nil {
		return Stats{}
	}
	l.mu.Lock()
	n := l.cache.Len()
	l.mu.Unlock()
	return Stats{
		Principals:   n,
		OpenRequests: l.openRequests.Load(),
		OpenSockets:  l.openSockets.Load(),
		Rejected:     l.rejected.Load(),
	}
}

// get returns the principal's state. Permits already handed out keep their
// semaphore after an eviction, so eviction only resets the principal's caps.
func (l *Limiter) get(principal string) *principalLimiter {
	if principal == "" {
		principal = "anonymous"
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if v, ok := l.cache.Get(principal); ok {
		return v.(*principalLimiter)
	}
	pl := &principalLimiter{
		reqSem: make(chan struct{}, max(1, l.cfg.MaxConcurrentRequests)),
		wsSem:  make(chan struct{}, max(1, l.cfg.MaxConcurrentWSSessions)),
	}
	l.cache.Add(principal, pl)
	return pl
}

func (pl *principalLimiter) take(now time.Time, rps, capacity float64) (bool, int) {
	pl.mu.Lock()
	defer pl.mu.Unlock()

	if pl.last.IsZero() {
		pl.tokens, pl.last = capacity, now
	}
	if elapsed := now.Sub(pl.last).Seconds(); elapsed > 0 {
		pl.tokens = math.Min(capacity, pl.tokens+elapsed*rps)
		pl.last = now
	}
	if pl.tokens >= 1 {
		pl.tokens--
		return true, 0
	}
	return false, max(1, int(math.Ceil((1-pl.tokens)/rps)))
}
