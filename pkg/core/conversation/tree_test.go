package conversation

import (
	"errors"
	"testing"
	"time"

	"github.com/vango-go/vai-order/pkg/core"
)

func ids(turns []Turn) []int {
	out := make([]int, len(turns))
	for i, t := range turns {
		out[i] = t.ID
	}
	return out
}

func equalInts(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestTree_AppendChainsToActiveLeaf(t *testing.T) {
	tr := NewTree("s1")
	now := time.Unix(1000, 0)

	t1 := tr.Append("hi", "hello", now)
	t2 := tr.Append("a burger", "added", now)
	t3 := tr.Append("fries", "added", now)

	if t1.ParentID != 0 || t2.ParentID != 1 || t3.ParentID != 2 {
		t.Fatalf("unexpected parents: %d %d %d", t1.ParentID, t2.ParentID, t3.ParentID)
	}
	if got := ids(tr.Path(0)); !equalInts(got, []int{1, 2, 3}) {
		t.Fatalf("path=%v", got)
	}
	if got := ids(tr.Path(2)); !equalInts(got, []int{2, 3}) {
		t.Fatalf("windowed path=%v", got)
	}
}

func TestTree_BranchMovesActiveLeaf(t *testing.T) {
	tr := NewTree("s1")
	now := time.Now()
	tr.Append("t1", "r1", now)
	tr.Append("t2", "r2", now)
	tr.Append("t3", "r3", now)

	b, err := tr.Branch(1, "t4", "r4", now)
	if err != nil {
		t.Fatalf("Branch: %v", err)
	}
	if b.ID != 4 || b.ParentID != 1 {
		t.Fatalf("branch turn=%+v", b)
	}
	if got := ids(tr.Path(0)); !equalInts(got, []int{1, 4}) {
		t.Fatalf("path after branch=%v", got)
	}

	next := tr.Append("t5", "r5", now)
	if next.ParentID != 4 {
		t.Fatalf("append after branch parent=%d, want 4", next.ParentID)
	}
	if got := ids(tr.Leaves()); !equalInts(got, []int{3, 5}) {
		t.Fatalf("leaves=%v", got)
	}
	if tr.Len() != 5 {
		t.Fatalf("len=%d", tr.Len())
	}
}

func TestTree_BranchUnknownParent(t *testing.T) {
	tr := NewTree("s1")
	tr.Append("t1", "r1", time.Now())

	for _, parent := range []int{0, 2, -1} {
		_, err := tr.Branch(parent, "x", "y", time.Now())
		if !errors.Is(err, core.ErrTurnNotFound) {
			t.Fatalf("Branch(%d) err=%v, want turn not found", parent, err)
		}
	}
	if tr.Len() != 1 {
		t.Fatalf("failed branch must not append")
	}
}

func TestTree_EmptyPath(t *testing.T) {
	tr := NewTree("s1")
	if p := tr.Path(5); len(p) != 0 {
		t.Fatalf("expected empty path, got %v", p)
	}
	if tr.ActiveLeaf() != 0 {
		t.Fatalf("active leaf=%d", tr.ActiveLeaf())
	}
}
