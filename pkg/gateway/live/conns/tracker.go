// Package conns tracks open realtime WebSocket connections so the server can
// notify and drain them on shutdown.
package conns

import (
	"context"
	"sort"
	"sync"
)

// Handle is what the tracker needs from one live connection.
type Handle struct {
	SessionID string
	// Close tears the connection down. reason is sent to the peer when possible.
	Close func(reason string)
	// Notify sends an out-of-band error frame without closing.
	Notify func(code, message string) error
}

// Tracker is a registry of live connections keyed by connection id.
type Tracker struct {
	mu    sync.Mutex
	conns map[string]*tracked
	wg    sync.WaitGroup
}

type tracked struct {
	handle Handle
	once   sync.Once
}

func NewTracker() *Tracker {
	return &Tracker{conns: make(map[string]*tracked)}
}

// Register adds a connection. Registering an id twice replaces the older
// entry and releases its wait slot.
func (t *Tracker) Register(connID string, h Handle) (unregister func()) {
	if t == nil {
		return func() {}
	}
	entry := &tracked{handle: h}

	t.mu.Lock()
	if t.conns == nil {
		t.conns = make(map[string]*tracked)
	}
	old := t.conns[connID]
	t.conns[connID] = entry
	t.wg.Add(1)
	t.mu.Unlock()

	if old != nil {
		t.release(connID, old)
	}
	return func() { t.release(connID, entry) }
}

func (t *Tracker) release(connID string, entry *tracked) {
	entry.once.Do(func() {
		t.mu.Lock()
		if t.conns[connID] == entry {
			delete(t.conns, connID)
		}
		t.mu.Unlock()
		t.wg.Done()
	})
}

// Count returns the number of registered connections.
func (t *Tracker) Count() int {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.conns)
}

// IDs returns the registered connection ids in sorted order.
func (t *Tracker) IDs() []string {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	ids := make([]string, 0, len(t.conns))
	for id := range t.conns {
		ids = append(ids, id)
	}
	t.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// BySession returns the ids of connections attached to sessionID.
func (t *Tracker) BySession(sessionID string) []string {
	if t == nil || sessionID == "" {
		return nil
	}
	var ids []string
	t.mu.Lock()
	for id, entry := range t.conns {
		if entry.handle.SessionID == sessionID {
			ids = append(ids, id)
		}
	}
	t.mu.Unlock()
	sort.Strings(ids)
	return ids
}

func (t *Tracker) handles() []Handle {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Handle, 0, len(t.conns))
	for _, entry := range t.conns {
		out = append(out, entry.handle)
	}
	return out
}

// NotifyAll sends code/message to every connection that accepts
// notifications. Send failures are ignored.
func (t *Tracker) NotifyAll(code, message string) (sent int) {
	if t == nil {
		return 0
	}
	for _, h := range t.handles() {
		if h.Notify == nil {
			continue
		}
		_ = h.Notify(code, message)
		sent++
	}
	return sent
}

// CloseAll closes every connection with reason.
func (t *Tracker) CloseAll(reason string) (closed int) {
	if t == nil {
		return 0
	}
	for _, h := range t.handles() {
		if h.Close == nil {
			continue
		}
		h.Close(reason)
		closed++
	}
	return closed
}

// Wait blocks until every registered connection has unregistered or ctx is
// done. It reports whether the tracker drained.
func (t *Tracker) Wait(ctx context.Context) bool {
	if t == nil {
		return true
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		t.wg.Wait()
	}()
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
