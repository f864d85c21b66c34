package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
)

// Engine turns a Source into a channel of fixed-size PCM16 chunks. The
// strategy is picked once per Start from what the opened stream supports.
type Engine struct {
	source Source
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	gen      uint64
	stream   Stream
	stopCh   chan struct{}
	cancel   context.CancelFunc
	strategy Strategy
	err      error
}

func NewEngine(source Source, cfg Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{source: source, cfg: cfg.withDefaults(), logger: logger}
}

// Start opens the source and returns the chunk channel, which is closed
// when the stream ends or Stop is called. A running capture is released
// before the new one is opened.
func (e *Engine) Start(ctx context.Context) (<-chan []byte, error) {
	e.Stop()

	e.mu.Lock()
	gen := e.gen
	startCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.err = nil
	e.mu.Unlock()

	stream, err := e.source.Open(startCtx, e.cfg.SampleRate)

	e.mu.Lock()
	if gen != e.gen {
		e.mu.Unlock()
		cancel()
		if stream != nil {
			_ = stream.Close()
		}
		return nil, ErrStopped
	}
	if err != nil {
		e.cancel = nil
		e.mu.Unlock()
		cancel()
		return nil, err
	}

	var strategy Strategy
	switch stream.(type) {
	case PCM16Stream:
		strategy = StrategyNative
	case Float32Stream:
		strategy = StrategyManual
	default:
		e.cancel = nil
		e.mu.Unlock()
		cancel()
		_ = stream.Close()
		return nil, fmt.Errorf("%w: stream %T delivers neither pcm16 nor float32", ErrNotSupported, stream)
	}

	out := make(chan []byte, 32)
	stop := make(chan struct{})
	e.stream, e.stopCh, e.strategy = stream, stop, strategy
	e.mu.Unlock()

	e.logger.Info("audio capture started", "strategy", strategy, "sample_rate", e.cfg.SampleRate, "chunk", e.cfg.ChunkDuration)
	go e.pump(gen, stream, strategy, out, stop)
	return out, nil
}

// Stop releases the device. It is idempotent and also aborts a Start that
// is still opening the source.
func (e *Engine) Stop() {
	e.mu.Lock()
	e.gen++
	cancel, stream, stop := e.cancel, e.stream, e.stopCh
	e.cancel, e.stream, e.stopCh = nil, nil, nil
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if stop != nil {
		close(stop)
	}
	if stream != nil {
		if err := stream.Close(); err != nil {
			e.logger.Debug("audio stream close", "error", err)
		}
		e.logger.Info("audio capture stopped")
	}
}

// Strategy reports the strategy of the last successful Start.
func (e *Engine) Strategy() Strategy {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.strategy
}

// Err reports why the last stream ended on its own, if it failed.
func (e *Engine) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}

func (e *Engine) pump(gen uint64, stream Stream, strategy Strategy, out chan<- []byte, stop <-chan struct{}) {
	defer close(out)
	samples := e.cfg.ChunkSamples()
	emit := func(chunk []byte) bool {
		select {
		case out <- chunk:
			return true
		case <-stop:
			return false
		}
	}

	var err error
	switch strategy {
	case StrategyNative:
		err = pumpPCM16(stream.(PCM16Stream), samples*2, emit)
	case StrategyManual:
		err = pumpFloat32(stream.(Float32Stream), samples, emit)
	}

	e.mu.Lock()
	current := gen == e.gen
	if current && err != nil && !errors.Is(err, io.EOF) {
		e.err = err
	}
	if current {
		e.stream, e.stopCh = nil, nil
		if e.cancel != nil {
			e.cancel()
			e.cancel = nil
		}
	}
	e.mu.Unlock()
	if current {
		_ = stream.Close()
		if err != nil && !errors.Is(err, io.EOF) {
			e.logger.Warn("audio capture ended", "error", err)
		}
	}
}

func pumpPCM16(r PCM16Stream, chunkBytes int, emit func([]byte) bool) error {
	for {
		buf := make([]byte, chunkBytes)
		n, err := io.ReadFull(r, buf)
		if n == chunkBytes {
			if !emit(buf) {
				return nil
			}
		}
		if err != nil {
			if errors.Is(err, io.ErrUnexpectedEOF) {
				return io.EOF
			}
			return err
		}
	}
}

func pumpFloat32(r Float32Stream, chunkSamples int, emit func([]byte) bool) error {
	acc := make([]float32, 0, chunkSamples)
	buf := make([]float32, chunkSamples)
	for {
		n, err := r.ReadFloat32(buf[:chunkSamples-len(acc)])
		acc = append(acc, buf[:n]...)
		if len(acc) == chunkSamples {
			if !emit(Float32ToPCM16(make([]byte, 0, chunkSamples*2), acc)) {
				return nil
			}
			acc = acc[:0]
		}
		if err != nil {
			return err
		}
	}
}
