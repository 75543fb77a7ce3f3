// Package conversation stores a session's turns as a rooted tree so a user can
// revise an earlier exchange without losing the abandoned branch.
package conversation

import (
	"time"

	"github.com/vango-go/vai-order/pkg/core"
)

// Turn is one user/assistant exchange. ParentID is 0 for the root.
type Turn struct {
	ID          int       `json:"id"`
	ParentID    int       `json:"parent_turn_id,omitempty"`
	SessionID   string    `json:"session_id"`
	UserMessage string    `json:"user_message"`
	AIResponse  string    `json:"ai_response"`
	Timestamp   time.Time `json:"timestamp"`
}

// Tree is an append-only arena of turns indexed by id. IDs start at 1 and
// increase monotonically; a turn's parent always precedes it. The active leaf
// is the most recently appended turn. Tree is not safe for concurrent use;
// callers serialize access.
type Tree struct {
	sessionID string
	turns     []Turn
	active    int
}

// NewTree returns an empty tree for sessionID.
func NewTree(sessionID string) *Tree {
	return &Tree{sessionID: sessionID}
}

// Len reports how many turns exist.
func (t *Tree) Len() int { return len(t.turns) }

// ActiveLeaf returns the id of the turn new turns attach to (0 when empty).
func (t *Tree) ActiveLeaf() int { return t.active }

// Get returns a turn by id.
func (t *Tree) Get(id int) (Turn, bool) {
	if id <= 0 || id > len(t.turns) {
		return Turn{}, false
	}
	return t.turns[id-1], true
}

// Append attaches a turn to the active leaf.
func (t *Tree) Append(user, ai string, at time.Time) Turn {
	return t.add(t.active, user, ai, at)
}

// Branch attaches a turn under parentID, which must already exist.
func (t *Tree) Branch(parentID int, user, ai string, at time.Time) (Turn, error) {
	if _, ok := t.Get(parentID); !ok {
		return Turn{}, core.ErrTurnNotFound.With("turn %d not found in session %s", parentID, t.sessionID)
	}
	return t.add(parentID, user, ai, at), nil
}

func (t *Tree) add(parent int, user, ai string, at time.Time) Turn {
	turn := Turn{
		ID:          len(t.turns) + 1,
		ParentID:    parent,
		SessionID:   t.sessionID,
		UserMessage: user,
		AIResponse:  ai,
		Timestamp:   at,
	}
	t.turns = append(t.turns, turn)
	t.active = turn.ID
	return turn
}

// Path returns the root-to-active-leaf path in chronological order, limited
// to the last window turns (window <= 0 means the whole path).
func (t *Tree) Path(window int) []Turn {
	return t.PathTo(t.active, window)
}

// PathTo returns the root-to-leaf path ending at leaf.
func (t *Tree) PathTo(leaf int, window int) []Turn {
	if leaf == 0 {
		return []Turn{}
	}
	var rev []Turn
	for id := leaf; id != 0; {
		turn, ok := t.Get(id)
		if !ok {
			break
		}
		rev = append(rev, turn)
		if window > 0 && len(rev) == window {
			break
		}
		id = turn.ParentID
	}
	out := make([]Turn, len(rev))
	for i := range rev {
		out[len(rev)-1-i] = rev[i]
	}
	return out
}

// Leaves returns every turn without children, in creation order.
func (t *Tree) Leaves() []Turn {
	hasChild := make([]bool, len(t.turns)+1)
	for _, turn := range t.turns {
		hasChild[turn.ParentID] = true
	}
	out := []Turn{}
	for _, turn := range t.turns {
		if !hasChild[turn.ID] {
			out = append(out, turn)
		}
	}
	return out
}

// All returns a copy of every turn in creation order.
func (t *Tree) All() []Turn {
	out := make([]Turn, len(t.turns))
	copy(out, t.turns)
	return out
}
