package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Lorcan-C/wavepitch-v1-sub000/internal/meeting"
	"github.com/Lorcan-C/wavepitch-v1-sub000/internal/metrics"
	"github.com/Lorcan-C/wavepitch-v1-sub000/internal/turn"
)

// ErrGeneration wraps any backend failure that ended a reply.
var ErrGeneration = errors.New("llm: generation failed")

const (
	DefaultTurnTimeout = 60 * time.Second
	DefaultFallback    = "Sorry, I lost my train of thought there. Let's keep going."
)

type EventKind int

const (
	// TokenEvent carries one incremental chunk of text.
	TokenEvent EventKind = iota
	// DoneEvent carries the whole reply, or the fallback message.
	DoneEvent
)

// Event is tagged with the turn and handle it was produced for.
type Event struct {
	Kind        EventKind
	TurnIndex   int
	HandleID    uint64
	Participant meeting.Participant
	Text        string
	Fallback    bool
	Err         error
}

// Options configures a Streamer.
type Options struct {
	TurnTimeout time.Duration
	Temperature float64
	Fallback    string
	Logger      *slog.Logger
	Metrics     *metrics.Metrics
}

// Streamer issues one cancellable streaming request per turn.
type Streamer struct {
	backend Backend
	opts    Options
	logger  *slog.Logger
}

func NewStreamer(backend Backend, opts Options) *Streamer {
	if opts.TurnTimeout <= 0 {
		opts.TurnTimeout = DefaultTurnTimeout
	}
	if opts.Fallback == "" {
		opts.Fallback = DefaultFallback
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Streamer{backend: backend, opts: opts, logger: opts.Logger}
}

// Temperature is the sampling temperature sent with each request.
func (s *Streamer) Temperature() float64 { return s.opts.Temperature }

// Generate streams a reply for h.Participant in the background and returns
// h. Tokens go to emit until h is cancelled; exactly one DoneEvent follows
// unless h is cancelled first. A failed or timed out stream ends with the
// fallback message instead of an error.
func (s *Streamer) Generate(h *turn.Handle, req Request, emit func(Event)) *turn.Handle {
	go s.run(h, req, emit)
	return h
}

func (s *Streamer) run(h *turn.Handle, req Request, emit func(Event)) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(h.Context(), s.opts.TurnTimeout)
	defer cancel()

	tag := func(kind EventKind, text string) Event {
		return Event{Kind: kind, TurnIndex: h.TurnIndex, HandleID: h.ID, Participant: h.Participant, Text: text}
	}

	var reply strings.Builder
	err := s.backend.Stream(ctx, req, func(tok string) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		reply.WriteString(tok)
		emit(tag(TokenEvent, tok))
		return nil
	})

	if h.Context().Err() != nil {
		s.logger.Debug("generation cancelled", "participant", h.Participant.ID, "turn_index", h.TurnIndex, "handle", h.ID)
		s.opts.Metrics.RecordGeneration("cancelled", time.Since(start))
		return
	}
	text := strings.TrimSpace(reply.String())
	if err == nil && text == "" {
		err = errors.New("empty reply")
	}
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("turn timeout after %s: %w", s.opts.TurnTimeout, err)
		}
		cause := fmt.Errorf("%w: %v", ErrGeneration, err)
		s.logger.Warn("generation failed, using fallback", "participant", h.Participant.ID, "error", err)
		s.opts.Metrics.RecordGeneration("fallback", time.Since(start))
		ev := tag(DoneEvent, s.opts.Fallback)
		ev.Fallback, ev.Err = true, cause
		emit(ev)
		return
	}
	s.opts.Metrics.RecordGeneration("completed", time.Since(start))
	emit(tag(DoneEvent, text))
}
