package llm

import (
	"fmt"
	"strings"

	"github.com/Lorcan-C/wavepitch-v1-sub000/internal/meeting"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ChatMessage is one entry of the conversation sent to the backend.
type ChatMessage struct {
	Role    string
	Content string
}

// Request is what a participant's reply is generated from.
type Request struct {
	System      string
	Messages    []ChatMessage
	Temperature float64
}

// Interruption describes a reply that was cut off to give the floor to
// someone else. The partial text is context only and is never committed.
type Interruption struct {
	Speaker meeting.Participant
	Partial string
}

// BuildRequest renders participant context and history. Messages spoken by
// p become assistant turns; everyone else is a labelled user turn.
func BuildRequest(p meeting.Participant, roster *meeting.Roster, history []meeting.Message, cut *Interruption, temperature float64) Request {
	req := Request{System: systemPrompt(p, roster), Temperature: temperature}
	for _, m := range history {
		if m.ParticipantID == p.ID {
			req.Messages = append(req.Messages, ChatMessage{Role: RoleAssistant, Content: m.Content})
			continue
		}
		speaker, ok := roster.Get(m.ParticipantID)
		if !ok {
			speaker = meeting.Participant{ID: m.ParticipantID}
		}
		req.Messages = append(req.Messages, ChatMessage{Role: RoleUser, Content: speaker.Label() + " " + m.Content})
	}
	if cut != nil {
		note := cut.Speaker.Label() + " " + strings.TrimSpace(cut.Partial) + " [INTERRUPTED]"
		if strings.TrimSpace(cut.Partial) == "" {
			note = cut.Speaker.Label() + " [INTERRUPTED BEFORE SPEAKING]"
		}
		req.Messages = append(req.Messages, ChatMessage{Role: RoleUser, Content: note})
	}
	if n := len(req.Messages); n == 0 || req.Messages[n-1].Role == RoleAssistant {
		req.Messages = append(req.Messages, ChatMessage{Role: RoleUser, Content: "[MEETING] It is your turn to speak."})
	}
	return req
}

func systemPrompt(p meeting.Participant, roster *meeting.Roster) string {
	var others []string
	for _, o := range roster.Participants() {
		if o.ID == p.ID {
			continue
		}
		if o.Role != "" {
			others = append(others, fmt.Sprintf("%s (%s)", o.DisplayName, o.Role))
		} else {
			others = append(others, o.DisplayName)
		}
	}
	var b strings.Builder
	b.WriteString("You are ")
	b.WriteString(p.DisplayName)
	if p.Role != "" {
		b.WriteString(", ")
		b.WriteString(p.Role)
	}
	b.WriteString(", taking part in a spoken meeting with ")
	b.WriteString(strings.Join(others, ", "))
	b.WriteString(". Earlier contributions are labelled with the speaker's name in brackets. ")
	b.WriteString("Reply only as ")
	b.WriteString(p.DisplayName)
	b.WriteString(", in two to four short spoken sentences, without a name label or markdown.")
	return b.String()
}
