// Package lifecycle holds process state shared by the readiness probe and
// the shutdown path.
package lifecycle

import (
	"sync"
	"time"
)

// Lifecycle records whether the process is draining and since when. The
// zero value is serving; a nil Lifecycle is always serving.
type Lifecycle struct {
	mu    sync.RWMutex
	since time.Time
	now   func() time.Time
}

// SetDraining flips the drain state. Repeated calls keep the first drain time.
func (l *Lifecycle) SetDraining(draining bool) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	switch {
	case !draining:
		l.since = time.Time{}
	case l.since.IsZero():
		now := time.Now
		if l.now != nil {
			now = l.now
		}
		l.since = now().UTC()
	}
}

func (l *Lifecycle) IsDraining() bool {
	return !l.DrainingSince().IsZero()
}

// DrainingSince is the zero time unless draining.
func (l *Lifecycle) DrainingSince() time.Time {
	if l == nil {
		return time.Time{}
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.since
}
