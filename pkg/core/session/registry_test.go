package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vango-go/vai-order/pkg/core"
	"github.com/vango-go/vai-order/pkg/core/order"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{now: time.Unix(1_700_000_000, 0)} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestRegistry(clock *fakeClock) *Registry {
	return New(Config{
		IdleTimeout:     time.Minute,
		SweepInterval:   time.Hour,
		ClosedRetention: 10 * time.Minute,
		Now:             clock.Now,
	})
}

func TestRegistry_CreateAndGet(t *testing.T) {
	r := newTestRegistry(newFakeClock())

	s, err := r.Create("cust-1", "a@example.com")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if s.Status != StatusActive || s.TurnCount != 0 || !s.Order.Empty() {
		t.Fatalf("unexpected new session: %+v", s)
	}
	got, err := r.Get(s.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.CustomerEmail != "a@example.com" {
		t.Fatalf("email=%q", got.CustomerEmail)
	}

	if _, err := r.Create("  ", ""); !errors.Is(err, core.ErrInvalidArgument) {
		t.Fatalf("empty customer err=%v, want invalid argument", err)
	}
	if _, err := r.Get("missing"); !errors.Is(err, core.ErrSessionNotFound) {
		t.Fatalf("missing err=%v, want session not found", err)
	}
}

func TestRegistry_TurnCountTracksTurns(t *testing.T) {
	r := newTestRegistry(newFakeClock())
	s, _ := r.Create("cust", "")

	for i := 0; i < 3; i++ {
		if _, err := r.AddTurn(s.ID, "u", "a"); err != nil {
			t.Fatalf("AddTurn: %v", err)
		}
	}
	if _, err := r.AddBranchedTurn(s.ID, 1, "u", "a"); err != nil {
		t.Fatalf("AddBranchedTurn: %v", err)
	}
	got, _ := r.Get(s.ID)
	hist, _ := r.History(s.ID, 0)
	if got.TurnCount != 4 {
		t.Fatalf("turnCount=%d, want 4", got.TurnCount)
	}
	if len(hist) != 2 || hist[0].ID != 1 || hist[1].ID != 4 {
		t.Fatalf("history=%+v", hist)
	}
	leaves, _ := r.Branches(s.ID)
	if len(leaves) != 2 {
		t.Fatalf("leaves=%d, want 2", len(leaves))
	}
}

func TestRegistry_BranchAcrossSessionsRejected(t *testing.T) {
	r := newTestRegistry(newFakeClock())
	a, _ := r.Create("a", "")
	b, _ := r.Create("b", "")

	for i := 0; i < 5; i++ {
		if _, err := r.AddTurn(a.ID, "u", "a"); err != nil {
			t.Fatalf("AddTurn: %v", err)
		}
	}
	// Turn ids are per session, so B has no turn 3 even though A does.
	if _, err := r.AddBranchedTurn(b.ID, 3, "u", "a"); !errors.Is(err, core.ErrTurnNotFound) {
		t.Fatalf("err=%v, want turn not found", err)
	}
	got, _ := r.Get(b.ID)
	if got.TurnCount != 0 {
		t.Fatalf("failed branch changed turnCount to %d", got.TurnCount)
	}
}

func TestRegistry_IdleSweepExpires(t *testing.T) {
	clock := newFakeClock()
	r := newTestRegistry(clock)
	s, _ := r.Create("cust", "")

	clock.Advance(61 * time.Second)
	expired := r.Sweep(clock.Now())
	if len(expired) != 1 || expired[0] != s.ID {
		t.Fatalf("expired=%v", expired)
	}
	_, err := r.Get(s.ID)
	if !errors.Is(err, core.ErrSessionExpired) {
		t.Fatalf("Get after expiry err=%v, want session expired", err)
	}
	if err := r.Heartbeat(s.ID); !errors.Is(err, core.ErrSessionExpired) {
		t.Fatalf("Heartbeat after expiry err=%v", err)
	}

	clock.Advance(10 * time.Minute)
	r.Sweep(clock.Now())
	if _, err := r.Get(s.ID); !errors.Is(err, core.ErrSessionNotFound) {
		t.Fatalf("Get after retention err=%v, want session not found", err)
	}
}

func TestRegistry_SweepSkipsFinalizingSession(t *testing.T) {
	clock := newFakeClock()
	r := newTestRegistry(clock)
	s, _ := r.Create("cust", "")
	_ = r.Inspect(s.ID, func(st *State) error {
		st.Finalizing = true
		return nil
	})

	clock.Advance(5 * time.Minute)
	if expired := r.Sweep(clock.Now()); len(expired) != 0 {
		t.Fatalf("expired=%v while finalizing", expired)
	}
	if _, err := r.Get(s.ID); err != nil {
		t.Fatalf("Get: %v", err)
	}

	_ = r.Inspect(s.ID, func(st *State) error {
		st.Finalizing = false
		return nil
	})
	if expired := r.Sweep(clock.Now()); len(expired) != 1 {
		t.Fatalf("expired=%v after claim released", expired)
	}
}

func TestRegistry_HeartbeatPreventsExpiry(t *testing.T) {
	clock := newFakeClock()
	r := newTestRegistry(clock)
	s, _ := r.Create("cust", "")

	for i := 0; i < 5; i++ {
		clock.Advance(50 * time.Second)
		if err := r.Heartbeat(s.ID); err != nil {
			t.Fatalf("Heartbeat: %v", err)
		}
		if expired := r.Sweep(clock.Now()); len(expired) != 0 {
			t.Fatalf("unexpected expiry at step %d", i)
		}
	}
	if _, err := r.Get(s.ID); err != nil {
		t.Fatalf("Get: %v", err)
	}
}

func TestRegistry_CloseIsIdempotentAndCancelsInflight(t *testing.T) {
	r := newTestRegistry(newFakeClock())
	s, _ := r.Create("cust", "")

	var cancelled atomic.Int32
	release, err := r.Track(s.ID, "req-1", func() { cancelled.Add(1) })
	if err != nil {
		t.Fatalf("Track: %v", err)
	}
	defer release()

	if st := r.Stats(); st.InFlight != 1 {
		t.Fatalf("in flight=%d", st.InFlight)
	}
	if err := r.Close(s.ID, ReasonCancelled); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := r.Close(s.ID, ReasonCancelled); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if cancelled.Load() != 1 {
		t.Fatalf("cancel calls=%d, want 1", cancelled.Load())
	}

	snap, err := r.Lookup(s.ID)
	if err != nil || snap.Status != StatusClosed || snap.CloseReason != ReasonCancelled {
		t.Fatalf("snapshot=%+v err=%v", snap, err)
	}
	if _, err := r.Track(s.ID, "req-2", func() {}); !errors.Is(err, core.ErrSessionExpired) {
		t.Fatalf("Track on closed err=%v", err)
	}
	if err := r.Close("missing", ReasonCancelled); !errors.Is(err, core.ErrSessionNotFound) {
		t.Fatalf("Close missing err=%v", err)
	}
}

func TestRegistry_UpdateAppliesAtomically(t *testing.T) {
	r := newTestRegistry(newFakeClock())
	s, _ := r.Create("cust", "")

	boom := errors.New("boom")
	err := r.Update(s.ID, func(st *State) error {
		next, _ := st.Order.Add(order.LineItem{MenuItemID: "burger", Name: "burger"})
		_ = next
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err=%v", err)
	}
	got, _ := r.Get(s.ID)
	if !got.Order.Empty() {
		t.Fatalf("order mutated on failed update")
	}

	err = r.Update(s.ID, func(st *State) error {
		st.Order, _ = st.Order.Add(order.LineItem{MenuItemID: "burger", Name: "burger"})
		st.MarkApplied("req-1")
		return nil
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	_ = r.Inspect(s.ID, func(st *State) error {
		if !st.Applied("req-1") || st.Applied("req-2") {
			t.Fatalf("applied tracking wrong")
		}
		return nil
	})
}

func TestRegistry_ConcurrentTurnsSerialize(t *testing.T) {
	r := newTestRegistry(newFakeClock())
	s, _ := r.Create("cust", "")

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = r.AddTurn(s.ID, "u", "a")
		}()
	}
	wg.Wait()

	got, _ := r.Get(s.ID)
	hist, _ := r.History(s.ID, 0)
	if got.TurnCount != 50 || len(hist) != 50 {
		t.Fatalf("turnCount=%d history=%d, want 50", got.TurnCount, len(hist))
	}
	for i, turn := range hist {
		if turn.ID != i+1 || turn.ParentID != i {
			t.Fatalf("turn %d = %+v", i, turn)
		}
	}
}

func TestRegistry_StartShutdown(t *testing.T) {
	clock := newFakeClock()
	r := New(Config{IdleTimeout: time.Millisecond, SweepInterval: 5 * time.Millisecond, Now: clock.Now})
	s, _ := r.Create("cust", "")
	clock.Advance(time.Second)

	r.Start(context.Background())
	defer r.Shutdown()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := r.Get(s.ID); err != nil {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected sweep loop to expire session")
}

func TestRegistry_ListActiveAndStats(t *testing.T) {
	clock := newFakeClock()
	r := newTestRegistry(clock)
	a, _ := r.Create("a", "")
	clock.Advance(time.Second)
	b, _ := r.Create("b", "")
	_ = r.Close(a.ID, ReasonCancelled)

	active := r.ListActive()
	if len(active) != 1 || active[0].ID != b.ID {
		t.Fatalf("active=%+v", active)
	}
	st := r.Stats()
	if st.Active != 1 || st.Closed != 1 || st.TotalCreated != 2 {
		t.Fatalf("stats=%+v", st)
	}
	if found, ok := r.FindActiveByCustomer("b"); !ok || found.ID != b.ID {
		t.Fatalf("FindActiveByCustomer=%+v ok=%v", found, ok)
	}
	if _, ok := r.FindActiveByCustomer("a"); ok {
		t.Fatalf("closed session should not be found")
	}
}
