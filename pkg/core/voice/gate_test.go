package voice

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestSessionGate_FIFOPerKey(t *testing.T) {
	g := newSessionGate()
	release, err := g.acquire(context.Background(), "s1")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := 1; i <= 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rel, err := g.acquire(context.Background(), "s1")
			if err != nil {
				t.Errorf("acquire %d: %v", i, err)
				return
			}
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			rel()
		}(i)
		waitFor(t, func() bool { return g.waiting("s1") == i })
	}

	// Other keys are independent.
	other, err := g.acquire(context.Background(), "s2")
	if err != nil {
		t.Fatalf("acquire s2: %v", err)
	}
	other()

	release()
	wg.Wait()
	if len(order) != 3 || order[0] != 1 || order[1] != 2 || order[2] != 3 {
		t.Fatalf("order = %v, want [1 2 3]", order)
	}
	if g.waiting("s1") != 0 || len(g.queues) != 0 {
		t.Fatalf("gate not drained: %d queues", len(g.queues))
	}
}

func TestSessionGate_WaiterTimeout(t *testing.T) {
	g := newSessionGate()
	release, _ := g.acquire(context.Background(), "s1")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := g.acquire(ctx, "s1"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
	if g.waiting("s1") != 0 {
		t.Fatalf("timed-out waiter still queued")
	}

	release()
	release() // idempotent
	next, err := g.acquire(context.Background(), "s1")
	if err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	next()
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met")
}
