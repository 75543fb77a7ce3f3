package session

import (
	"time"

	"github.com/vango-go/vai-order/pkg/core/conversation"
)

// State is the mutable session handed to Registry.Update and Inspect
// callbacks. It must not be retained after the callback returns.
type State struct {
	Session
	History *conversation.Tree

	applied    map[string]int // request id -> turn id, 0 until recorded
	appliedLog []string
	window     int
}

// AppendTurn appends to the active leaf and keeps TurnCount in step.
func (s *State) AppendTurn(user, ai string, at time.Time) conversation.Turn {
	turn := s.History.Append(user, ai, at)
	s.TurnCount = s.History.Len()
	return turn
}

// BranchTurn appends under parentID and keeps TurnCount in step.
func (s *State) BranchTurn(parentID int, user, ai string, at time.Time) (conversation.Turn, error) {
	turn, err := s.History.Branch(parentID, user, ai, at)
	if err != nil {
		return conversation.Turn{}, err
	}
	s.TurnCount = s.History.Len()
	return turn, nil
}

// Close moves the session to CLOSED. The registry runs the close side
// effects once the callback returns.
func (s *State) Close(reason string) {
	if s.Status != StatusActive {
		return
	}
	s.Status = StatusClosed
	s.CloseReason = reason
}

// Applied reports whether requestID has already been applied.
func (s *State) Applied(requestID string) bool {
	_, ok := s.AppliedTurn(requestID)
	return ok
}

// AppliedTurn returns the turn recorded for an applied requestID. The id is
// 0 when the request changed the order without recording a turn.
func (s *State) AppliedTurn(requestID string) (int, bool) {
	if requestID == "" {
		return 0, false
	}
	id, ok := s.applied[requestID]
	return id, ok
}

// MarkApplied records requestID, forgetting the oldest ids past the window.
func (s *State) MarkApplied(requestID string) {
	if requestID == "" {
		return
	}
	if s.applied == nil {
		s.applied = make(map[string]int)
	}
	if _, ok := s.applied[requestID]; ok {
		return
	}
	s.applied[requestID] = 0
	s.appliedLog = append(s.appliedLog, requestID)
	limit := s.window
	if limit <= 0 {
		limit = 256
	}
	for len(s.appliedLog) > limit {
		delete(s.applied, s.appliedLog[0])
		s.appliedLog = s.appliedLog[1:]
	}
}

// RecordTurn ties an applied requestID to the turn it produced.
func (s *State) RecordTurn(requestID string, turnID int) {
	if _, ok := s.applied[requestID]; ok {
		s.applied[requestID] = turnID
	}
}

func (s *State) snapshot() Session {
	out := s.Session
	out.Order = s.Order.Clone()
	return out
}
