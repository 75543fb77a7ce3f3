package lifecycle

import (
	"testing"
	"time"
)

func TestLifecycle_DrainKeepsFirstTimestamp(t *testing.T) {
	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l := &Lifecycle{now: func() time.Time { return clock }}
	if l.IsDraining() {
		t.Fatalf("zero value should be serving")
	}

	l.SetDraining(true)
	first := l.DrainingSince()
	clock = clock.Add(time.Minute)
	l.SetDraining(true)
	if !l.IsDraining() || !l.DrainingSince().Equal(first) {
		t.Fatalf("since=%v, want %v", l.DrainingSince(), first)
	}

	l.SetDraining(false)
	if l.IsDraining() || !l.DrainingSince().IsZero() {
		t.Fatalf("expected serving after reset")
	}
}

func TestLifecycle_NilIsServing(t *testing.T) {
	var l *Lifecycle
	l.SetDraining(true)
	if l.IsDraining() {
		t.Fatalf("nil lifecycle should never drain")
	}
}
