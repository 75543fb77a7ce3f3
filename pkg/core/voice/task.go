package voice

import (
	"context"

	"github.com/vango-go/vai-order/pkg/core/conversation"
	"github.com/vango-go/vai-order/pkg/core/intent"
	"github.com/vango-go/vai-order/pkg/core/voice/tts"
)

// Result is the outcome of one voice or text interaction.
type Result struct {
	RequestID     string                   `json:"request_id"`
	SessionID     string                   `json:"session_id"`
	Transcription string                   `json:"transcription"`
	AIResponse    string                   `json:"ai_response"`
	Success       bool                     `json:"success"`
	Err           error                    `json:"-"`
	Update        intent.OrderUpdateResult `json:"update"`
	Turn          *conversation.Turn       `json:"turn,omitempty"`
	Audio         *tts.Synthesis           `json:"-"`
	AudioErr      error                    `json:"-"`
}

// ErrorMessage returns Err as a string for transport.
func (r Result) ErrorMessage() string {
	if r.Err == nil {
		return ""
	}
	return r.Err.Error()
}

// Task is a running interaction. It completes exactly once.
type Task struct {
	id     string
	done   chan struct{}
	cancel context.CancelFunc
	result Result
}

func newTask(id string, cancel context.CancelFunc) *Task {
	return &Task{id: id, done: make(chan struct{}), cancel: cancel}
}

func (t *Task) complete(r Result) {
	t.result = r
	close(t.done)
	t.cancel()
}

// ID returns the request id.
func (t *Task) ID() string { return t.id }

// Done is closed when the result is available.
func (t *Task) Done() <-chan struct{} { return t.done }

// Result returns the result and whether the task has completed.
func (t *Task) Result() (Result, bool) {
	select {
	case <-t.done:
		return t.result, true
	default:
		return Result{}, false
	}
}

// Wait blocks until the task completes or ctx ends. Abandoning the wait does
// not cancel the task.
func (t *Task) Wait(ctx context.Context) (Result, error) {
	select {
	case <-t.done:
		return t.result, nil
	case <-ctx.Done():
		return Result{RequestID: t.id}, ctx.Err()
	}
}

// Cancel stops the interaction's provider calls. The task still completes.
func (t *Task) Cancel() { t.cancel() }
