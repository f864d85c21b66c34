package main

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/Lorcan-C/wavepitch-v1-sub000/internal/agent"
	"github.com/Lorcan-C/wavepitch-v1-sub000/internal/meeting"
	"github.com/Lorcan-C/wavepitch-v1-sub000/internal/turn"
)

func testRoster(t *testing.T) *meeting.Roster {
	t.Helper()
	r, err := meeting.NewRoster([]meeting.Participant{
		{ID: "you", DisplayName: "You", IsHuman: true},
		{ID: "maya", DisplayName: "Maya", Role: "investor"},
		{ID: "theo", DisplayName: "Theo", Role: "advisor"},
	})
	if err != nil {
		t.Fatalf("roster: %v", err)
	}
	return r
}

type fakeControl struct {
	roster *meeting.Roster
	state  turn.State
	log    []meeting.Message
	calls  []string
}

func (f *fakeControl) Submit(text string)      { f.calls = append(f.calls, "submit:"+text) }
func (f *fakeControl) Skip(target string)      { f.calls = append(f.calls, "skip:"+target) }
func (f *fakeControl) Barge(target string)     { f.calls = append(f.calls, "barge:"+target) }
func (f *fakeControl) Tap(target string)       { f.calls = append(f.calls, "tap:"+target) }
func (f *fakeControl) Roster() *meeting.Roster { return f.roster }
func (f *fakeControl) State() turn.State       { return f.state }
func (f *fakeControl) Log() []meeting.Message  { return f.log }

func TestDispatch(t *testing.T) {
	var out bytes.Buffer
	fc := &fakeControl{
		roster: testRoster(t),
		state:  turn.State{ActiveParticipantID: "maya", TurnIndex: 1, Phase: turn.Streaming},
		log:    []meeting.Message{meeting.NewMessage("you", "hello", 0)},
	}
	view := newConsole(&out)

	lines := []string{"  ", "hello team", "/skip Theo", "/barge maya", "/tap theo", "/skip", "/skip nobody", "/who", "/log", "/bogus"}
	for _, l := range lines {
		if dispatch(fc, view, l) {
			t.Fatalf("%q must not end the meeting", l)
		}
	}
	want := []string{"submit:hello team", "skip:Theo", "barge:maya", "tap:theo"}
	if strings.Join(fc.calls, "|") != strings.Join(want, "|") {
		t.Fatalf("got calls %v", fc.calls)
	}
	text := out.String()
	for _, s := range []string{"usage: /skip <name>", `no participant named "nobody"`, "* Maya (investor)", "  You (you)", "[YOU] hello", "/quit"} {
		if !strings.Contains(text, s) {
			t.Fatalf("output missing %q:\n%s", s, text)
		}
	}
	if !dispatch(fc, view, "/quit") || !dispatch(fc, view, "/EXIT") {
		t.Fatalf("/quit and /exit end the meeting")
	}
}

func TestConsole_RendersStreamAndInterruption(t *testing.T) {
	var out bytes.Buffer
	c := newConsole(&out)
	r := testRoster(t)
	you, _ := r.Get("you")
	maya, _ := r.Get("maya")
	theo, _ := r.Get("theo")

	c.typed("hi")
	c.handle(agent.Event{Type: agent.EventMessage, Participant: you, Text: "hi"})
	c.handle(agent.Event{Type: agent.EventToken, Participant: maya, Text: "Great "})
	c.handle(agent.Event{Type: agent.EventToken, Participant: maya, Text: "question."})
	c.handle(agent.Event{Type: agent.EventMessage, Participant: maya, Text: "Great question."})
	c.handle(agent.Event{Type: agent.EventToken, Participant: theo, Text: "Well"})
	c.handle(agent.Event{Type: agent.EventTurn, Participant: theo, State: turn.State{ActiveParticipantID: "theo", Phase: turn.Interrupted}})
	c.handle(agent.Event{Type: agent.EventTurn, Participant: you, State: turn.State{ActiveParticipantID: "you", Phase: turn.AwaitingInput}})
	c.handle(agent.Event{Type: agent.EventError, Err: errors.New("boom")})

	want := "[MAYA] Great question.\n[THEO] Well [INTERRUPTED]\n(your turn)\n(error) boom\n"
	if out.String() != want {
		t.Fatalf("unexpected output:\n%q\nwant\n%q", out.String(), want)
	}
}

func TestConsole_VoiceMessagesAreShown(t *testing.T) {
	var out bytes.Buffer
	c := newConsole(&out)
	you := meeting.Participant{ID: "you", DisplayName: "You", IsHuman: true}
	c.handle(agent.Event{Type: agent.EventTranscript, Participant: you, Text: "so the"})
	c.handle(agent.Event{Type: agent.EventMessage, Participant: you, Text: "so the market"})
	if got := out.String(); got != "\r(hearing) so the\n[YOU] so the market\n" {
		t.Fatalf("unexpected output %q", got)
	}
}
