package turn

import (
	"context"
	"errors"

	"github.com/Lorcan-C/wavepitch-v1-sub000/internal/meeting"
)

var (
	// ErrNotStarted is returned by operations that need a running meeting.
	ErrNotStarted = errors.New("turn: meeting not started")
	// ErrUnknownParticipant is returned when an interrupt target is not on the roster.
	ErrUnknownParticipant = errors.New("turn: unknown participant")
)

// Phase is the floor state of a meeting.
type Phase int

const (
	Idle Phase = iota
	AwaitingInput
	Generating
	Streaming
	Interrupted
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "idle"
	case AwaitingInput:
		return "awaiting_input"
	case Generating:
		return "generating"
	case Streaming:
		return "streaming"
	case Interrupted:
		return "interrupted"
	default:
		return "unknown"
	}
}

// State is a snapshot of the controller.
type State struct {
	ActiveParticipantID string
	// TurnIndex is the roster position of the active participant.
	TurnIndex int
	// Turn increases on every advance or interrupt and never wraps.
	Turn  uint64
	Phase Phase
}

// Handle identifies one in-flight generation. It is invalidated by the next
// Begin, Advance, Interrupt or Stop on the controller that issued it.
type Handle struct {
	ID          uint64
	TurnIndex   int
	Turn        uint64
	Participant meeting.Participant

	ctx    context.Context
	cancel context.CancelFunc
}

// Context is cancelled when the handle is invalidated.
func (h *Handle) Context() context.Context { return h.ctx }

// Done is closed when the handle is invalidated.
func (h *Handle) Done() <-chan struct{} { return h.ctx.Done() }

// Cancel fires the handle's cancel token.
func (h *Handle) Cancel() { h.cancel() }
