package meeting

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrInvalidRoster is returned when a roster does not contain exactly one human.
var ErrInvalidRoster = errors.New("meeting: invalid roster")

// Participant is one seat at the table. Roster order is rotation order.
type Participant struct {
	ID          string `yaml:"id" json:"id"`
	DisplayName string `yaml:"name" json:"displayName"`
	Role        string `yaml:"role" json:"role"`
	IsHuman     bool   `yaml:"human" json:"isHuman"`
}

// Label is the bracketed speaker tag used in prompts and logs, e.g. "[ADA]".
func (p Participant) Label() string {
	name := p.DisplayName
	if name == "" {
		name = p.ID
	}
	return "[" + strings.ToUpper(name) + "]"
}

// Roster is an immutable, ordered list of participants.
type Roster struct {
	participants []Participant
	index        map[string]int
	human        int
}

// NewRoster validates participants and returns a Roster. IDs must be unique
// and exactly one participant must be human.
func NewRoster(participants []Participant) (*Roster, error) {
	if len(participants) == 0 {
		return nil, fmt.Errorf("%w: no participants", ErrInvalidRoster)
	}
	r := &Roster{
		participants: make([]Participant, len(participants)),
		index:        make(map[string]int, len(participants)),
		human:        -1,
	}
	copy(r.participants, participants)
	for i, p := range r.participants {
		if p.ID == "" {
			return nil, fmt.Errorf("%w: participant %d has no id", ErrInvalidRoster, i)
		}
		if _, dup := r.index[p.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate participant id %q", ErrInvalidRoster, p.ID)
		}
		r.index[p.ID] = i
		if p.IsHuman {
			if r.human >= 0 {
				return nil, fmt.Errorf("%w: more than one human participant", ErrInvalidRoster)
			}
			r.human = i
		}
	}
	if r.human < 0 {
		return nil, fmt.Errorf("%w: no human participant", ErrInvalidRoster)
	}
	return r, nil
}

// Len returns the number of participants.
func (r *Roster) Len() int { return len(r.participants) }

// At returns the participant at position i.
func (r *Roster) At(i int) Participant { return r.participants[i] }

// IndexOf returns the roster position of id.
func (r *Roster) IndexOf(id string) (int, bool) {
	i, ok := r.index[id]
	return i, ok
}

// Get returns the participant with the given id.
func (r *Roster) Get(id string) (Participant, bool) {
	i, ok := r.index[id]
	if !ok {
		return Participant{}, false
	}
	return r.participants[i], true
}

// Human returns the single human participant.
func (r *Roster) Human() Participant { return r.participants[r.human] }

// Participants returns a copy of the roster in rotation order.
func (r *Roster) Participants() []Participant {
	out := make([]Participant, len(r.participants))
	copy(out, r.participants)
	return out
}

// Lookup resolves a participant by id or case-insensitive display name.
func (r *Roster) Lookup(key string) (Participant, bool) {
	if p, ok := r.Get(key); ok {
		return p, true
	}
	for _, p := range r.participants {
		if strings.EqualFold(p.DisplayName, key) {
			return p, true
		}
	}
	return Participant{}, false
}

// Message is an immutable, committed contribution to the meeting.
type Message struct {
	ID            string    `json:"id"`
	ParticipantID string    `json:"participantId"`
	Content       string    `json:"content"`
	IsFinal       bool      `json:"isFinal"`
	CreatedAt     time.Time `json:"createdAt"`
	// Turn is the monotonic turn number the message was committed under.
	Turn uint64 `json:"turn"`
}

// NewMessage builds a final message with a fresh id.
func NewMessage(participantID, content string, turn uint64) Message {
	return Message{
		ID:            uuid.NewString(),
		ParticipantID: participantID,
		Content:       content,
		IsFinal:       true,
		CreatedAt:     time.Now(),
		Turn:          turn,
	}
}

// ConversationLog is an ordered, append-only list of messages.
type ConversationLog struct {
	mu       sync.RWMutex
	messages []Message
	onAppend func(Message)
}

// NewConversationLog returns an empty log. onAppend, if set, is called after
// every append outside the lock.
func NewConversationLog(onAppend func(Message)) *ConversationLog {
	return &ConversationLog{onAppend: onAppend}
}

// Append adds m to the end of the log.
func (l *ConversationLog) Append(m Message) {
	l.mu.Lock()
	l.messages = append(l.messages, m)
	l.mu.Unlock()
	if l.onAppend != nil {
		l.onAppend(m)
	}
}

// Len returns the number of committed messages.
func (l *ConversationLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.messages)
}

// Snapshot returns a copy of all committed messages.
func (l *ConversationLog) Snapshot() []Message {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Message, len(l.messages))
	copy(out, l.messages)
	return out
}

// Last returns up to n most recent messages in order.
func (l *ConversationLog) Last(n int) []Message {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if n <= 0 || n > len(l.messages) {
		n = len(l.messages)
	}
	out := make([]Message, n)
	copy(out, l.messages[len(l.messages)-n:])
	return out
}
