package agent

import (
	"context"
	"log/slog"
	"strings"
)

// chunkReply splits a reply into sentence-like chunks so playback can stop
// between sentences and report exactly what was spoken.
// Heuristic: split on '.', '?', '!' and newlines, retaining punctuation.
func chunkReply(reply string) []string {
	txt := strings.TrimSpace(reply)
	if txt == "" {
		return nil
	}
	var chunks []string
	var b strings.Builder
	for _, r := range txt {
		switch r {
		case '.', '!', '?':
			b.WriteRune(r)
			chunk := strings.TrimSpace(b.String())
			if chunk != "" {
				chunks = append(chunks, chunk)
			}
			b.Reset()
		case '\n', '\r':
			chunk := strings.TrimSpace(b.String())
			if chunk != "" {
				chunks = append(chunks, chunk)
			}
			b.Reset()
		default:
			b.WriteRune(r)
		}
	}
	tail := strings.TrimSpace(b.String())
	if tail != "" {
		chunks = append(chunks, tail)
	}
	return chunks
}

// interruptedMarker is appended to the spoken text of a reply cut short.
const interruptedMarker = "[INTERRUPTED]"

// Speaker plays replies through a TTS client into a sink.
type Speaker struct {
	tts    TTS
	sink   PCM48kSink
	logger *slog.Logger
}

// NewSpeaker returns nil when tts is nil so callers can skip playback.
func NewSpeaker(tts TTS, sink PCM48kSink, logger *slog.Logger) *Speaker {
	if tts == nil {
		return nil
	}
	if sink == nil {
		sink = nopSink{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Speaker{tts: tts, sink: sink, logger: logger}
}

// Speak streams reply sentence by sentence until ctx is cancelled and returns
// the text actually delivered. A cancelled reply ends with the interrupted
// marker and leaves the sink tail unflushed.
func (s *Speaker) Speak(ctx context.Context, reply string) (spoken string, interrupted bool) {
	var spokenBuilder strings.Builder
	chunks := chunkReply(reply)
CHUNK_LOOP:
	for i, chunk := range chunks {
		if ctx.Err() != nil {
			break
		}
		pcmCh, errCh := s.tts.StreamPCM48k(ctx, chunk)
		openPCM, openErr := true, true
		for openPCM || openErr {
			select {
			case b, ok := <-pcmCh:
				if !ok {
					openPCM = false
					continue
				}
				if len(b) > 0 && ctx.Err() == nil {
					s.sink.WritePCM(b)
				}
			case e, ok := <-errCh:
				if ok && e != nil && ctx.Err() == nil {
					s.logger.Warn("tts stream error", "error", e)
				}
				openErr = false
			case <-ctx.Done():
				break CHUNK_LOOP
			}
		}
		if ctx.Err() != nil {
			break
		}
		spokenBuilder.WriteString(chunk)
		if i < len(chunks)-1 {
			spokenBuilder.WriteString(" ")
		}
	}

	spoken = strings.TrimSpace(spokenBuilder.String())
	if ctx.Err() != nil {
		if spoken != "" {
			return spoken + " " + interruptedMarker, true
		}
		return interruptedMarker, true
	}
	s.sink.FlushTail()
	return spoken, false
}

// Reset drops queued audio immediately.
func (s *Speaker) Reset() { s.sink.Reset() }
