package rtc

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Lorcan-C/wavepitch-v1-sub000/internal/agent"
)

// ControlLabel is the data channel the browser opens for commands.
const ControlLabel = "control"

// Command is one instruction received on the control channel.
type Command struct {
	Kind string
	Arg  string
}

const (
	CmdSay   = "say"
	CmdTap   = "tap"
	CmdSkip  = "skip"
	CmdBarge = "barge"
	CmdStop  = "stop"
)

// ParseCommand reads "kind:arg" commands. The older bare commands
// "stop-speaking", "cancel" and "barge-in" are treated as stop.
func ParseCommand(raw string) (Command, error) {
	raw = strings.TrimSpace(raw)
	kind, arg, _ := strings.Cut(raw, ":")
	kind = strings.ToLower(strings.TrimSpace(kind))
	arg = strings.TrimSpace(arg)
	switch kind {
	case "stop", "stop-speaking", "cancel", "barge-in":
		return Command{Kind: CmdStop}, nil
	case CmdSay, CmdTap, CmdSkip, CmdBarge:
		if arg == "" {
			return Command{}, fmt.Errorf("rtc: %s needs an argument", kind)
		}
		return Command{Kind: kind, Arg: arg}, nil
	}
	return Command{}, fmt.Errorf("rtc: unknown command %q", kind)
}

// Controller is the part of a meeting the control channel drives.
type Controller interface {
	Submit(text string)
	Tap(target string)
	Skip(target string)
	Barge(target string)
}

// Apply runs c against m. Stop hands the floor back to human.
func (c Command) Apply(m Controller, human string) {
	switch c.Kind {
	case CmdSay:
		m.Submit(c.Arg)
	case CmdTap:
		m.Tap(c.Arg)
	case CmdSkip:
		m.Skip(c.Arg)
	case CmdBarge:
		m.Barge(c.Arg)
	case CmdStop:
		m.Skip(human)
	}
}

// controlEvent is what the browser receives for each meeting event.
type controlEvent struct {
	Type        string `json:"type"`
	Participant string `json:"participant,omitempty"`
	Name        string `json:"name,omitempty"`
	Text        string `json:"text,omitempty"`
	Phase       string `json:"phase,omitempty"`
	TurnIndex   *int   `json:"turnIndex,omitempty"`
	Error       string `json:"error,omitempty"`
}

func encodeEvent(ev agent.Event) ([]byte, error) {
	out := controlEvent{
		Type:        string(ev.Type),
		Participant: ev.Participant.ID,
		Name:        ev.Participant.DisplayName,
		Text:        ev.Text,
	}
	if ev.Type == agent.EventTurn || ev.Type == agent.EventEnded {
		idx := ev.State.TurnIndex
		out.Phase = ev.State.Phase.String()
		out.TurnIndex = &idx
		out.Participant = ev.State.ActiveParticipantID
	}
	if ev.Err != nil {
		out.Error = ev.Err.Error()
	}
	return json.Marshal(out)
}
