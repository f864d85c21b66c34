package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/Lorcan-C/wavepitch-v1-sub000/internal/llm"
	"github.com/Lorcan-C/wavepitch-v1-sub000/internal/meeting"
	"github.com/Lorcan-C/wavepitch-v1-sub000/internal/metrics"
	"github.com/Lorcan-C/wavepitch-v1-sub000/internal/transcript"
	"github.com/Lorcan-C/wavepitch-v1-sub000/internal/turn"
)

// ErrMeetingClosed is returned by Run on a meeting that already ran.
var ErrMeetingClosed = errors.New("agent: meeting closed")

// Options configures a Meeting.
type Options struct {
	Roster    *meeting.Roster
	Generator Generator
	// Speaker, if set, plays each committed reply before the floor rotates.
	Speaker *Speaker
	// FirstSpeaker defaults to the human.
	FirstSpeaker string
	TapWindow    time.Duration
	// VoiceBargeIn lets detected speech interrupt an agent reply.
	VoiceBargeIn bool
	OnEvent      func(Event)
	Logger       *slog.Logger
	Metrics      *metrics.Metrics
}

type submitCmd struct{ text string }

type interruptCmd struct {
	target string
	barge  bool
	cause  string
}

type voiceCmd struct{}

type speechDone struct {
	h           *turn.Handle
	spoken      string
	interrupted bool
}

// Meeting runs one turn-taking session. Every state change happens on the
// goroutine inside Run; the exported methods only post commands to it.
type Meeting struct {
	id        string
	opts      Options
	roster    *meeting.Roster
	ctrl      *turn.Controller
	log       *meeting.ConversationLog
	tapper    *turn.Tapper
	logger    *slog.Logger
	metrics   *metrics.Metrics
	generator Generator
	speaker   *Speaker

	inbox    chan any
	quit     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once
	ran      atomic.Bool
	stale    atomic.Uint64

	// loop goroutine only
	ctx      context.Context
	current  *turn.Handle
	partial  strings.Builder
	speaking bool
}

// NewMeeting wires a controller, log and tap debouncer over the roster.
func NewMeeting(opts Options) (*Meeting, error) {
	if opts.Roster == nil {
		return nil, fmt.Errorf("%w: missing roster", meeting.ErrInvalidRoster)
	}
	if opts.Generator == nil {
		return nil, fmt.Errorf("agent: missing generator")
	}
	if opts.TapWindow <= 0 {
		opts.TapWindow = turn.DefaultTapWindow
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	id := uuid.NewString()
	m := &Meeting{
		id:        id,
		opts:      opts,
		roster:    opts.Roster,
		logger:    opts.Logger.With("meeting_id", id),
		metrics:   opts.Metrics,
		generator: opts.Generator,
		speaker:   opts.Speaker,
		inbox:     make(chan any, 256),
		quit:      make(chan struct{}),
		stopped:   make(chan struct{}),
	}
	m.ctrl = turn.NewController(opts.Roster, m.logger, func(st turn.State) {
		p, _ := m.roster.Get(st.ActiveParticipantID)
		m.notify(Event{Type: EventTurn, State: st, Participant: p})
	})
	m.log = meeting.NewConversationLog(func(msg meeting.Message) {
		p, _ := m.roster.Get(msg.ParticipantID)
		m.notify(Event{Type: EventMessage, Participant: p, Message: &msg, Text: msg.Content})
	})
	m.tapper = turn.NewTapper(opts.TapWindow,
		func(target string) { m.post(interruptCmd{target: target, cause: "skip"}) },
		func(target string) { m.post(interruptCmd{target: target, barge: true, cause: "barge"}) },
	)
	return m, nil
}

// ID identifies the meeting in logs.
func (m *Meeting) ID() string { return m.id }

// Roster returns the meeting roster.
func (m *Meeting) Roster() *meeting.Roster { return m.roster }

// State returns the current turn state.
func (m *Meeting) State() turn.State { return m.ctrl.State() }

// Log returns the committed messages in order.
func (m *Meeting) Log() []meeting.Message { return m.log.Snapshot() }

// StaleDiscards counts tokens dropped because their turn was superseded.
func (m *Meeting) StaleDiscards() uint64 { return m.stale.Load() }

// Done is closed once Run has returned.
func (m *Meeting) Done() <-chan struct{} { return m.stopped }

// Submit delivers a typed or transcribed human message.
func (m *Meeting) Submit(text string) { m.post(submitCmd{text: text}) }

// Skip gives the floor to target immediately, discarding any reply in flight.
func (m *Meeting) Skip(target string) { m.post(interruptCmd{target: target, cause: "skip"}) }

// Barge gives the floor to target and tells it what the interrupted
// participant had said so far.
func (m *Meeting) Barge(target string) {
	m.post(interruptCmd{target: target, barge: true, cause: "barge"})
}

// Tap is a raw activation on target. Two taps within the tap window barge,
// a single tap skips.
func (m *Meeting) Tap(target string) { m.tapper.Tap(target) }

// VoiceOnset reports that the human started speaking.
func (m *Meeting) VoiceOnset() {
	if m.opts.VoiceBargeIn {
		m.post(voiceCmd{})
	}
}

// HandleTranscript feeds a transcription event into the meeting.
func (m *Meeting) HandleTranscript(ev transcript.Event) { m.post(ev) }

// Stop ends the meeting. It does not wait for Run to return.
func (m *Meeting) Stop() {
	m.stopOnce.Do(func() { close(m.quit) })
}

func (m *Meeting) post(cmd any) {
	select {
	case m.inbox <- cmd:
	case <-m.quit:
	case <-m.stopped:
	}
}

func (m *Meeting) emitStream(ev llm.Event) { m.post(ev) }

func (m *Meeting) notify(ev Event) {
	if m.opts.OnEvent != nil {
		m.opts.OnEvent(ev)
	}
}

// Run starts the rotation and processes commands until ctx is done or Stop
// is called. A meeting runs once.
func (m *Meeting) Run(ctx context.Context) error {
	if !m.ran.CompareAndSwap(false, true) {
		return ErrMeetingClosed
	}
	defer close(m.stopped)
	m.ctx = ctx

	first := m.roster.Human().ID
	if m.opts.FirstSpeaker != "" {
		p, ok := m.roster.Lookup(m.opts.FirstSpeaker)
		if !ok {
			return fmt.Errorf("%w: %s", turn.ErrUnknownParticipant, m.opts.FirstSpeaker)
		}
		first = p.ID
	}
	if err := m.ctrl.Start(first); err != nil {
		return err
	}
	m.metrics.MeetingStarted()
	m.logger.Info("meeting started", "participants", m.roster.Len(), "first", first)
	defer func() {
		m.tapper.Stop()
		m.ctrl.Stop()
		if m.speaker != nil {
			m.speaker.Reset()
		}
		m.metrics.MeetingEnded()
		m.logger.Info("meeting ended", "messages", m.log.Len(), "stale_discards", m.stale.Load())
		m.notify(Event{Type: EventEnded, State: m.ctrl.State()})
	}()

	if !m.ctrl.CurrentSpeaker().IsHuman {
		m.generate(nil)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.quit:
			return nil
		case cmd := <-m.inbox:
			m.handle(cmd)
		}
	}
}

func (m *Meeting) handle(cmd any) {
	switch c := cmd.(type) {
	case submitCmd:
		m.onSubmit(c.text)
	case interruptCmd:
		m.onInterrupt(c)
	case voiceCmd:
		m.onVoice()
	case llm.Event:
		m.onStream(c)
	case speechDone:
		m.onSpeechDone(c)
	case transcript.Event:
		m.onTranscript(c)
	}
}

func (m *Meeting) onSubmit(text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	human := m.roster.Human()
	if m.ctrl.CurrentSpeaker().ID != human.ID || m.ctrl.Active() != nil {
		m.cancelReply()
		if _, err := m.ctrl.Interrupt(human.ID); err != nil {
			m.logger.Error("interrupt for human message failed", "error", err)
			return
		}
		m.metrics.RecordTurnChange("human")
	}
	msg := meeting.NewMessage(human.ID, text, m.ctrl.State().Turn)
	m.log.Append(msg)
	m.metrics.RecordCommit("human")
	m.logger.Debug("human message committed", "message_id", msg.ID)
	m.advance()
}

// advance rotates the floor and starts a reply when an agent holds it.
func (m *Meeting) advance() {
	st, err := m.ctrl.Advance()
	if err != nil {
		m.logger.Debug("advance ignored", "error", err)
		return
	}
	m.metrics.RecordTurnChange("advance")
	m.current = nil
	m.partial.Reset()
	if p, _ := m.roster.Get(st.ActiveParticipantID); !p.IsHuman {
		m.generate(nil)
	}
}

func (m *Meeting) generate(cut *llm.Interruption) {
	h, err := m.ctrl.Begin(m.ctx)
	if err != nil {
		m.logger.Error("begin generation failed", "error", err)
		return
	}
	m.current = h
	m.partial.Reset()
	req := llm.BuildRequest(h.Participant, m.roster, m.log.Snapshot(), cut, m.generator.Temperature())
	m.logger.Debug("generation started", "participant", h.Participant.ID, "turn_index", h.TurnIndex, "handle", h.ID)
	m.generator.Generate(h, req, m.emitStream)
}

func (m *Meeting) onStream(ev llm.Event) {
	if !m.ctrl.Accept(ev.TurnIndex, ev.HandleID) {
		m.stale.Add(1)
		m.metrics.RecordStaleDiscard()
		m.logger.Debug("stale token discarded", "turn_index", ev.TurnIndex, "handle", ev.HandleID)
		return
	}
	h := m.current
	if h == nil || h.ID != ev.HandleID {
		m.stale.Add(1)
		m.metrics.RecordStaleDiscard()
		return
	}
	switch ev.Kind {
	case llm.TokenEvent:
		m.ctrl.MarkStreaming(h)
		m.partial.WriteString(ev.Text)
		m.notify(Event{Type: EventToken, Participant: h.Participant, Text: ev.Text})
	case llm.DoneEvent:
		m.commitReply(h, ev)
	}
}

func (m *Meeting) commitReply(h *turn.Handle, ev llm.Event) {
	msg := meeting.NewMessage(h.Participant.ID, ev.Text, h.Turn)
	m.log.Append(msg)
	if ev.Fallback {
		m.metrics.RecordCommit("fallback")
		m.notify(Event{Type: EventError, Participant: h.Participant, Err: ev.Err})
	} else {
		m.metrics.RecordCommit("agent")
	}
	m.partial.Reset()

	if m.speaker != nil {
		m.speaking = true
		go func() {
			spoken, interrupted := m.speaker.Speak(h.Context(), msg.Content)
			m.post(speechDone{h: h, spoken: spoken, interrupted: interrupted})
		}()
		return
	}
	if m.ctrl.Complete(h) {
		m.advance()
	}
}

func (m *Meeting) onSpeechDone(d speechDone) {
	m.notify(Event{Type: EventSpoken, Participant: d.h.Participant, Text: d.spoken})
	if d.h != m.current {
		return
	}
	m.speaking = false
	if !d.interrupted && m.ctrl.Complete(d.h) {
		m.advance()
	}
}

// cancelReply stops playback and forgets the in-flight reply. The
// controller invalidates the handle itself.
func (m *Meeting) cancelReply() {
	if m.speaking && m.speaker != nil {
		m.speaker.Reset()
	}
	m.speaking = false
	m.current = nil
	m.partial.Reset()
}

func (m *Meeting) onInterrupt(c interruptCmd) {
	target, ok := m.roster.Lookup(c.target)
	if !ok {
		m.notify(Event{Type: EventError, Err: fmt.Errorf("%w: %s", turn.ErrUnknownParticipant, c.target)})
		return
	}
	var cut *llm.Interruption
	if c.barge && m.current != nil && m.current.Participant.ID != target.ID {
		cut = &llm.Interruption{Speaker: m.current.Participant, Partial: m.partial.String()}
	}
	m.cancelReply()
	st, err := m.ctrl.Interrupt(target.ID)
	if err != nil {
		m.logger.Error("interrupt failed", "target", target.ID, "error", err)
		return
	}
	m.metrics.RecordTurnChange(c.cause)
	m.logger.Info("floor reassigned", "target", target.ID, "cause", c.cause, "turn_index", st.TurnIndex)
	if !target.IsHuman {
		m.generate(cut)
	}
}

func (m *Meeting) onVoice() {
	if m.current == nil {
		return
	}
	m.logger.Info("voice barge-in", "speaker", m.current.Participant.ID)
	m.onInterrupt(interruptCmd{target: m.roster.Human().ID, cause: "voice"})
}

func (m *Meeting) onTranscript(ev transcript.Event) {
	switch ev.Type {
	case transcript.EventPartial, transcript.EventFinal:
		m.notify(Event{Type: EventTranscript, Participant: m.roster.Human(), Text: ev.Display})
	case transcript.EventUtterance:
		m.onSubmit(ev.Text)
	case transcript.EventReconnecting:
		m.metrics.RecordReconnect()
		m.notify(Event{Type: EventNotice, Text: fmt.Sprintf("transcription reconnecting (attempt %d in %s)", ev.Attempt, ev.Delay)})
	case transcript.EventEnd, transcript.EventTimeout, transcript.EventError:
		m.metrics.RecordTranscriptionEnd(string(ev.Type))
		typ := EventNotice
		if ev.Type == transcript.EventError {
			typ = EventError
		}
		m.notify(Event{Type: typ, Text: "transcription " + string(ev.Type), Err: ev.Err})
	}
}
