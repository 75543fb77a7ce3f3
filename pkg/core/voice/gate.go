package voice

import (
	"context"
	"sync"
)

// sessionGate serializes work per key in arrival order. A waiter whose
// context ends leaves the queue with the context error.
type sessionGate struct {
	mu     sync.Mutex
	queues map[string]*gateQueue
}

type gateQueue struct {
	waiters []chan struct{}
}

func newSessionGate() *sessionGate {
	return &sessionGate{queues: make(map[string]*gateQueue)}
}

func (g *sessionGate) acquire(ctx context.Context, key string) (func(), error) {
	g.mu.Lock()
	q, held := g.queues[key]
	if !held {
		g.queues[key] = &gateQueue{}
		g.mu.Unlock()
		return g.releaser(key), nil
	}
	ch := make(chan struct{})
	q.waiters = append(q.waiters, ch)
	g.mu.Unlock()

	select {
	case <-ch:
		return g.releaser(key), nil
	case <-ctx.Done():
		g.mu.Lock()
		for i, w := range q.waiters {
			if w == ch {
				q.waiters = append(q.waiters[:i], q.waiters[i+1:]...)
				g.mu.Unlock()
				return nil, ctx.Err()
			}
		}
		g.mu.Unlock()
		// The turn was handed over concurrently; pass it on.
		g.release(key)
		return nil, ctx.Err()
	}
}

func (g *sessionGate) releaser(key string) func() {
	var once sync.Once
	return func() { once.Do(func() { g.release(key) }) }
}

func (g *sessionGate) release(key string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	q, ok := g.queues[key]
	if !ok {
		return
	}
	if len(q.waiters) == 0 {
		delete(g.queues, key)
		return
	}
	next := q.waiters[0]
	q.waiters = q.waiters[1:]
	close(next)
}

// waiting returns how many callers are queued behind the holder of key.
func (g *sessionGate) waiting(key string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	if q, ok := g.queues[key]; ok {
		return len(q.waiters)
	}
	return 0
}
