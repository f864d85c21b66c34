package turn

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/Lorcan-C/wavepitch-v1-sub000/internal/meeting"
)

// Controller owns the turn state of one meeting and enforces that at most one
// generation handle is valid at any time.
type Controller struct {
	roster   *meeting.Roster
	logger   *slog.Logger
	onChange func(State)

	mu        sync.Mutex
	turnIndex int
	turn      uint64
	phase     Phase
	handle    *Handle
	handleSeq uint64
}

// NewController returns an Idle controller over roster. onChange, if set, is
// invoked for every phase transition in order, outside the controller lock.
func NewController(roster *meeting.Roster, logger *slog.Logger, onChange func(State)) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{roster: roster, logger: logger, onChange: onChange}
}

// Roster returns the roster the controller rotates over.
func (c *Controller) Roster() *meeting.Roster { return c.roster }

// Start moves an Idle controller to AwaitingInput with the floor at firstID.
// An empty firstID starts at roster position 0.
func (c *Controller) Start(firstID string) error {
	idx := 0
	if firstID != "" {
		i, ok := c.roster.IndexOf(firstID)
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownParticipant, firstID)
		}
		idx = i
	}
	c.mu.Lock()
	c.turnIndex = idx
	c.turn++
	changes := c.setPhaseLocked(nil, AwaitingInput)
	c.mu.Unlock()
	c.notify(changes)
	return nil
}

// Stop cancels any handle and returns the controller to Idle.
func (c *Controller) Stop() {
	c.mu.Lock()
	c.invalidateLocked()
	changes := c.setPhaseLocked(nil, Idle)
	c.mu.Unlock()
	c.notify(changes)
}

// State returns a snapshot of the turn state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stateLocked()
}

// CurrentSpeaker returns roster[turnIndex mod len(roster)].
func (c *Controller) CurrentSpeaker() meeting.Participant {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.roster.At(c.turnIndex % c.roster.Len())
}

// Advance rotates the floor to the next participant, invalidating any
// outstanding handle. Safe to call with no generation active. An Idle
// controller is left untouched and reports ErrNotStarted.
func (c *Controller) Advance() (State, error) {
	c.mu.Lock()
	if c.phase == Idle {
		st := c.stateLocked()
		c.mu.Unlock()
		return st, ErrNotStarted
	}
	c.invalidateLocked()
	c.turnIndex = (c.turnIndex + 1) % c.roster.Len()
	c.turn++
	changes := c.setPhaseLocked(nil, AwaitingInput)
	st := c.stateLocked()
	c.mu.Unlock()
	c.notify(changes)
	return st, nil
}

// Interrupt cancels the in-flight generation, if any, and gives the floor to
// target. From Generating or Streaming it passes through Interrupted.
func (c *Controller) Interrupt(targetID string) (State, error) {
	idx, ok := c.roster.IndexOf(targetID)
	if !ok {
		return State{}, fmt.Errorf("%w: %s", ErrUnknownParticipant, targetID)
	}
	c.mu.Lock()
	if c.phase == Idle {
		c.mu.Unlock()
		return State{}, ErrNotStarted
	}
	var changes []State
	if c.phase == Generating || c.phase == Streaming {
		changes = c.setPhaseLocked(changes, Interrupted)
	}
	c.invalidateLocked()
	c.turnIndex = idx
	c.turn++
	changes = c.setPhaseLocked(changes, AwaitingInput)
	st := c.stateLocked()
	c.mu.Unlock()
	c.notify(changes)
	return st, nil
}

// Begin issues a new handle for the current speaker, cancelling any previous
// one first, and moves to Generating.
func (c *Controller) Begin(parent context.Context) (*Handle, error) {
	c.mu.Lock()
	if c.phase == Idle {
		c.mu.Unlock()
		return nil, ErrNotStarted
	}
	c.invalidateLocked()
	c.handleSeq++
	ctx, cancel := context.WithCancel(parent)
	h := &Handle{
		ID:          c.handleSeq,
		TurnIndex:   c.turnIndex,
		Turn:        c.turn,
		Participant: c.roster.At(c.turnIndex),
		ctx:         ctx,
		cancel:      cancel,
	}
	c.handle = h
	changes := c.setPhaseLocked(nil, Generating)
	c.mu.Unlock()
	c.notify(changes)
	return h, nil
}

// MarkStreaming records that the first token for h arrived.
func (c *Controller) MarkStreaming(h *Handle) bool {
	c.mu.Lock()
	if !c.currentLocked(h) {
		c.mu.Unlock()
		return false
	}
	var changes []State
	if c.phase == Generating {
		changes = c.setPhaseLocked(nil, Streaming)
	}
	c.mu.Unlock()
	c.notify(changes)
	return true
}

// Complete retires h and returns to AwaitingInput without rotating.
// It reports false when h was already superseded.
func (c *Controller) Complete(h *Handle) bool {
	c.mu.Lock()
	if !c.currentLocked(h) {
		c.mu.Unlock()
		return false
	}
	c.handle = nil
	changes := c.setPhaseLocked(nil, AwaitingInput)
	c.mu.Unlock()
	h.cancel()
	c.notify(changes)
	return true
}

// IsCurrent reports whether h is the single valid handle.
func (c *Controller) IsCurrent(h *Handle) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentLocked(h)
}

// Accept reports whether a token tagged with turnIndex and handleID may be
// applied to conversation state.
func (c *Controller) Accept(turnIndex int, handleID uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handle != nil && c.handle.ID == handleID && c.handle.TurnIndex == turnIndex && c.turnIndex == turnIndex
}

// Active returns the valid handle, or nil.
func (c *Controller) Active() *Handle {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handle
}

func (c *Controller) currentLocked(h *Handle) bool {
	return h != nil && c.handle == h && h.TurnIndex == c.turnIndex && h.ctx.Err() == nil
}

func (c *Controller) invalidateLocked() {
	if c.handle != nil {
		c.handle.cancel()
		c.logger.Debug("generation handle invalidated", "handle", c.handle.ID, "turn_index", c.handle.TurnIndex)
		c.handle = nil
	}
}

func (c *Controller) setPhaseLocked(changes []State, p Phase) []State {
	c.phase = p
	return append(changes, c.stateLocked())
}

func (c *Controller) stateLocked() State {
	return State{
		ActiveParticipantID: c.roster.At(c.turnIndex).ID,
		TurnIndex:           c.turnIndex,
		Turn:                c.turn,
		Phase:               c.phase,
	}
}

func (c *Controller) notify(changes []State) {
	if c.onChange == nil {
		return
	}
	for _, st := range changes {
		c.onChange(st)
	}
}
