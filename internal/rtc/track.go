package rtc

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/hraban/opus"
	"github.com/pion/webrtc/v3"

	"github.com/Lorcan-C/wavepitch-v1-sub000/internal/capture"
)

// PayloadReader yields Opus payloads in arrival order.
type PayloadReader interface {
	ReadPayload() ([]byte, error)
}

type remoteTrack struct{ t *webrtc.TrackRemote }

func (r remoteTrack) ReadPayload() ([]byte, error) {
	pkt, _, err := r.t.ReadRTP()
	if err != nil {
		return nil, err
	}
	return pkt.Payload, nil
}

func (r remoteTrack) SetReadDeadline(t time.Time) error { return r.t.SetReadDeadline(t) }

// deadliner is implemented by readers whose blocked reads can be released.
type deadliner interface {
	SetReadDeadline(t time.Time) error
}

type floatDecoder interface {
	DecodeFloat32(data []byte, pcm []float32) (int, error)
}

// TrackSource exposes a remote Opus track as a capture source. Decoding goes
// through float samples, so the engine uses the manual strategy.
type TrackSource struct {
	reader     PayloadReader
	newDecoder func(sampleRate int) (floatDecoder, error)
}

// NewTrackSource wraps a remote WebRTC audio track.
func NewTrackSource(t *webrtc.TrackRemote) *TrackSource {
	return newTrackSource(remoteTrack{t: t}, func(rate int) (floatDecoder, error) {
		return opus.NewDecoder(rate, 1)
	})
}

func newTrackSource(r PayloadReader, newDecoder func(int) (floatDecoder, error)) *TrackSource {
	return &TrackSource{reader: r, newDecoder: newDecoder}
}

func (s *TrackSource) Open(ctx context.Context, sampleRate int) (capture.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dec, err := s.newDecoder(sampleRate)
	if err != nil {
		return nil, fmt.Errorf("%w: opus decoder: %v", capture.ErrNotSupported, err)
	}
	if d, ok := s.reader.(deadliner); ok {
		_ = d.SetReadDeadline(time.Time{})
	}
	// 120ms is the longest Opus frame
	return &trackStream{reader: s.reader, dec: dec, scratch: make([]float32, sampleRate*120/1000)}, nil
}

type trackStream struct {
	reader  PayloadReader
	dec     floatDecoder
	scratch []float32
	pending []float32

	mu     sync.Mutex
	closed bool
}

func (t *trackStream) ReadFloat32(buf []float32) (int, error) {
	for len(t.pending) == 0 {
		if t.isClosed() {
			return 0, io.EOF
		}
		payload, err := t.reader.ReadPayload()
		if err != nil {
			if t.isClosed() {
				return 0, io.EOF
			}
			return 0, err
		}
		if len(payload) == 0 {
			continue
		}
		n, err := t.dec.DecodeFloat32(payload, t.scratch)
		if err != nil {
			// a corrupt packet loses 20ms, not the call
			continue
		}
		t.pending = t.scratch[:n]
	}
	n := copy(buf, t.pending)
	t.pending = t.pending[n:]
	return n, nil
}

func (t *trackStream) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// Close stops delivery and releases a read blocked on the track. The remote
// track itself is released with its peer connection.
func (t *trackStream) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()
	if d, ok := t.reader.(deadliner); ok {
		return d.SetReadDeadline(time.Now())
	}
	return nil
}
