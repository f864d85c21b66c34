package rtc

import (
	"sync"
	"time"

	"github.com/hraban/opus"
	"github.com/pion/webrtc/v3/pkg/media"
)

const (
	outputSampleRate = 48000
	frameDuration    = 20 * time.Millisecond
	frameSamples     = 960 // 20ms at 48kHz
	tailSilence      = 10  // frames, ~200ms
)

// SampleWriter is the part of a local WebRTC track the writer needs.
type SampleWriter interface {
	WriteSample(s media.Sample) error
}

type frameEncoder interface {
	Encode(pcm []int16, data []byte) (int, error)
}

// OpusPacedWriter encodes 48kHz PCM mono to Opus frames and writes them to a
// track at real-time pace. It satisfies agent.PCM48kSink.
type OpusPacedWriter struct {
	enc          frameEncoder
	track        SampleWriter
	pcmBuf       []int16
	frameSamples int
	frames       chan []byte
	stopCh       chan struct{}
	stopOnce     sync.Once
	mu           sync.Mutex
}

// NewOpusPacedWriter constructs a paced writer with 20ms frames at 48kHz mono.
func NewOpusPacedWriter(track SampleWriter) (*OpusPacedWriter, error) {
	enc, err := opus.NewEncoder(outputSampleRate, 1, opus.AppVoIP)
	if err != nil {
		return nil, err
	}
	w := newPacedWriter(enc, track)
	go w.pacer()
	return w, nil
}

func newPacedWriter(enc frameEncoder, track SampleWriter) *OpusPacedWriter {
	return &OpusPacedWriter{
		enc:          enc,
		track:        track,
		frameSamples: frameSamples,
		frames:       make(chan []byte, 512),
		stopCh:       make(chan struct{}),
	}
}

// WritePCM buffers little-endian PCM and queues every complete frame.
func (w *OpusPacedWriter) WritePCM(pcmBytes []byte) {
	if len(pcmBytes) < 2 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	need := len(pcmBytes) / 2
	for i := 0; i < need; i++ {
		w.pcmBuf = append(w.pcmBuf, int16(uint16(pcmBytes[2*i])|uint16(pcmBytes[2*i+1])<<8))
	}
	for len(w.pcmBuf) >= w.frameSamples {
		w.encodeLocked(w.pcmBuf[:w.frameSamples])
		n := copy(w.pcmBuf, w.pcmBuf[w.frameSamples:])
		w.pcmBuf = w.pcmBuf[:n]
	}
}

// FlushTail pads the remaining PCM to a full frame and adds a short silence
// tail to avoid clipping the last syllable.
func (w *OpusPacedWriter) FlushTail() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.pcmBuf) > 0 {
		pad := make([]int16, w.frameSamples)
		copy(pad, w.pcmBuf)
		w.encodeLocked(pad)
		w.pcmBuf = w.pcmBuf[:0]
	}
	silence := make([]int16, w.frameSamples)
	for i := 0; i < tailSilence; i++ {
		w.encodeLocked(silence)
	}
}

func (w *OpusPacedWriter) encodeLocked(frame []int16) {
	opusBuf := make([]byte, 4000)
	n, err := w.enc.Encode(frame, opusBuf)
	if err != nil || n <= 0 {
		return
	}
	w.pushFrame(opusBuf[:n:n])
}

// Close stops the pacer. Safe to call more than once.
func (w *OpusPacedWriter) Close() {
	w.stopOnce.Do(func() { close(w.stopCh) })
}

func (w *OpusPacedWriter) pacer() {
	ticker := time.NewTicker(frameDuration)
	defer ticker.Stop()
	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			select {
			case frame := <-w.frames:
				_ = w.track.WriteSample(media.Sample{Data: frame, Duration: frameDuration})
			default:
			}
		}
	}
}

// pushFrame enqueues a frame, blocking until space is available or stopped.
func (w *OpusPacedWriter) pushFrame(pkt []byte) {
	select {
	case <-w.stopCh:
	case w.frames <- pkt:
	}
}

// Reset drops queued frames and buffered PCM so an interrupted reply goes
// silent at once.
func (w *OpusPacedWriter) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for {
		select {
		case <-w.frames:
		default:
			w.pcmBuf = w.pcmBuf[:0]
			return
		}
	}
}

// Pending reports the number of queued frames.
func (w *OpusPacedWriter) Pending() int { return len(w.frames) }
