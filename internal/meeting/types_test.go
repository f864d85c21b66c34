package meeting

import (
	"errors"
	"testing"
)

func testParticipants() []Participant {
	return []Participant{
		{ID: "human", DisplayName: "You", IsHuman: true},
		{ID: "a", DisplayName: "Ada", Role: "CFO"},
		{ID: "b", DisplayName: "Bo", Role: "CTO"},
	}
}

func TestNewRoster_Valid(t *testing.T) {
	r, err := NewRoster(testParticipants())
	if err != nil {
		t.Fatalf("new roster: %v", err)
	}
	if r.Len() != 3 {
		t.Fatalf("expected 3 participants, got %d", r.Len())
	}
	if r.Human().ID != "human" {
		t.Fatalf("expected human seat, got %q", r.Human().ID)
	}
	if i, ok := r.IndexOf("b"); !ok || i != 2 {
		t.Fatalf("expected b at 2, got %d %v", i, ok)
	}
	if p, ok := r.Lookup("ada"); !ok || p.ID != "a" {
		t.Fatalf("expected lookup by name to find a, got %+v %v", p, ok)
	}
}

func TestNewRoster_Rejects(t *testing.T) {
	cases := []struct {
		name string
		in   []Participant
	}{
		{"empty", nil},
		{"no_human", []Participant{{ID: "a"}, {ID: "b"}}},
		{"two_humans", []Participant{{ID: "a", IsHuman: true}, {ID: "b", IsHuman: true}}},
		{"duplicate", []Participant{{ID: "a", IsHuman: true}, {ID: "a"}}},
		{"missing_id", []Participant{{ID: "", IsHuman: true}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := NewRoster(tc.in); !errors.Is(err, ErrInvalidRoster) {
				t.Fatalf("expected ErrInvalidRoster, got %v", err)
			}
		})
	}
}

func TestConversationLog_AppendOnly(t *testing.T) {
	var seen int
	log := NewConversationLog(func(Message) { seen++ })
	log.Append(NewMessage("human", "hello", 0))
	log.Append(NewMessage("a", "hi there", 1))

	snap := log.Snapshot()
	if len(snap) != 2 || seen != 2 {
		t.Fatalf("expected 2 messages and 2 callbacks, got %d %d", len(snap), seen)
	}
	snap[0].Content = "mutated"
	if log.Snapshot()[0].Content != "hello" {
		t.Fatalf("snapshot must not alias log storage")
	}
	last := log.Last(1)
	if len(last) != 1 || last[0].ParticipantID != "a" {
		t.Fatalf("unexpected last: %+v", last)
	}
	if snap[1].ID == "" || snap[0].ID == snap[1].ID {
		t.Fatalf("expected unique message ids")
	}
}

func TestParticipant_Label(t *testing.T) {
	if got := (Participant{ID: "x", DisplayName: "Ada"}).Label(); got != "[ADA]" {
		t.Fatalf("label mismatch: %q", got)
	}
	if got := (Participant{ID: "x"}).Label(); got != "[X]" {
		t.Fatalf("label fallback mismatch: %q", got)
	}
}
