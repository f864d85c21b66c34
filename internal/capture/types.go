package capture

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrPermissionDenied means the device exists but access was refused.
	ErrPermissionDenied = errors.New("capture: microphone permission denied")
	// ErrNotSupported means no usable capture path exists in this environment.
	ErrNotSupported = errors.New("capture: audio capture not supported")
	// ErrStopped is returned by a Start that was overtaken by Stop.
	ErrStopped = errors.New("capture: stopped")
)

const (
	DefaultSampleRate    = 16000
	DefaultChunkDuration = 100 * time.Millisecond
)

// Strategy names how samples are turned into chunks.
type Strategy string

const (
	// StrategyNative reads 16-bit PCM that the device already delivers in order.
	StrategyNative Strategy = "native"
	// StrategyManual converts 32-bit float samples to 16-bit PCM itself.
	StrategyManual Strategy = "manual"
)

// Source acquires an audio device. Implementations map access failures to
// ErrPermissionDenied or ErrNotSupported.
type Source interface {
	Open(ctx context.Context, sampleRate int) (Stream, error)
}

// Stream is an open device. Close must release it and unblock pending reads.
type Stream interface {
	Close() error
}

// PCM16Stream delivers little-endian signed 16-bit mono PCM.
type PCM16Stream interface {
	Stream
	Read(p []byte) (int, error)
}

// Float32Stream delivers mono float samples in [-1, 1].
type Float32Stream interface {
	Stream
	ReadFloat32(buf []float32) (int, error)
}

// Config controls chunk packaging.
type Config struct {
	SampleRate    int
	ChunkDuration time.Duration
}

func (c Config) withDefaults() Config {
	if c.SampleRate <= 0 {
		c.SampleRate = DefaultSampleRate
	}
	if c.ChunkDuration <= 0 {
		c.ChunkDuration = DefaultChunkDuration
	}
	return c
}

// ChunkSamples is the number of samples in one emitted chunk.
func (c Config) ChunkSamples() int {
	c = c.withDefaults()
	return int(int64(c.SampleRate) * int64(c.ChunkDuration) / int64(time.Second))
}
