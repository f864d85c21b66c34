package agent

import (
	"context"

	"github.com/Lorcan-C/wavepitch-v1-sub000/internal/llm"
	"github.com/Lorcan-C/wavepitch-v1-sub000/internal/meeting"
	"github.com/Lorcan-C/wavepitch-v1-sub000/internal/turn"
)

// Generator starts one streamed reply bound to h. llm.Streamer implements it.
type Generator interface {
	Generate(h *turn.Handle, req llm.Request, emit func(llm.Event)) *turn.Handle
	Temperature() float64
}

// TTS streams 48kHz PCM mono audio for the given text.
type TTS interface {
	StreamPCM48k(ctx context.Context, text string) (<-chan []byte, <-chan error)
}

// PCM48kSink consumes 48kHz PCM bytes and performs delivery (e.g., Opus encode to WebRTC).
// Implementations should buffer internally and pace delivery.
type PCM48kSink interface {
	WritePCM(pcm []byte)
	FlushTail()
	// Reset drops any queued frames immediately (used for barge-in).
	Reset()
}

// EventType names what a meeting reports to its observer.
type EventType string

const (
	EventTurn       EventType = "turn"
	EventToken      EventType = "token"
	EventMessage    EventType = "message"
	EventTranscript EventType = "transcript"
	EventSpoken     EventType = "spoken"
	EventNotice     EventType = "notice"
	EventError      EventType = "error"
	EventEnded      EventType = "ended"
)

// Event is delivered to Options.OnEvent from the meeting loop goroutine.
type Event struct {
	Type        EventType
	State       turn.State
	Participant meeting.Participant
	Text        string
	Message     *meeting.Message
	Err         error
}

type nopSink struct{}

func (nopSink) WritePCM(_ []byte) {}
func (nopSink) FlushTail()        {}
func (nopSink) Reset()            {}
