package tts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	msginterfaces "github.com/deepgram/deepgram-go-sdk/pkg/api/speak/v1/websocket/interfaces"
	clientinterfaces "github.com/deepgram/deepgram-go-sdk/pkg/client/interfaces/v1"
	"github.com/deepgram/deepgram-go-sdk/pkg/client/speak"
)

const DefaultDeepgramModel = "aura-2-thalia-en"

// DeepgramClient streams 48kHz linear16 speech over the Deepgram speak
// websocket. The socket has no end-of-utterance marker, so a reply is over
// once audio stops arriving for IdleWindow.
type DeepgramClient struct {
	APIKey     string
	Model      string
	IdleWindow time.Duration
	MaxWait    time.Duration
	Logger     *slog.Logger
}

func NewDeepgramClient(apiKey, model string) *DeepgramClient {
	if model == "" {
		model = DefaultDeepgramModel
	}
	return &DeepgramClient{
		APIKey:     apiKey,
		Model:      model,
		IdleWindow: 400 * time.Millisecond,
		MaxWait:    12 * time.Second,
		Logger:     slog.Default(),
	}
}

// StreamPCM48k has the same contract as the ElevenLabs client: the pcm
// channel closes when speech ends or ctx is done; at most one error is sent.
func (d *DeepgramClient) StreamPCM48k(ctx context.Context, text string) (<-chan []byte, <-chan error) {
	pcmCh := make(chan []byte, 4096)
	errCh := make(chan error, 1)
	go func() {
		defer close(pcmCh)
		defer close(errCh)
		if d.APIKey == "" {
			errCh <- errors.New("deepgram: api key missing")
			return
		}
		if text == "" {
			return
		}
		if err := d.speak(ctx, text, pcmCh); err != nil && ctx.Err() == nil {
			errCh <- err
		}
	}()
	return pcmCh, errCh
}

func (d *DeepgramClient) speak(ctx context.Context, text string, pcmCh chan<- []byte) error {
	log := d.Logger
	if log == nil {
		log = slog.Default()
	}
	var lastAudio atomic.Int64
	cb := &speakCallback{
		onBinary: func(data []byte) {
			if len(data) == 0 {
				return
			}
			lastAudio.Store(time.Now().UnixNano())
			b := make([]byte, len(data))
			copy(b, data)
			select {
			case pcmCh <- b:
			default:
				log.Warn("deepgram: dropping audio, consumer is behind", "bytes", len(b))
			}
		},
		onError: func(msg string) {
			log.Warn("deepgram: speak error", "error", msg)
		},
	}

	opts := &clientinterfaces.WSSpeakOptions{
		Model:      d.Model,
		Encoding:   "linear16",
		SampleRate: 48000,
	}
	dg, err := speak.NewWSUsingCallback(ctx, d.APIKey, &clientinterfaces.ClientOptions{}, opts, cb)
	if err != nil {
		return fmt.Errorf("deepgram: create ws client: %w", err)
	}
	var stopOnce sync.Once
	stop := func() { stopOnce.Do(func() { dg.Stop() }) }
	defer stop()

	if !dg.Connect() {
		return errors.New("deepgram: connect failed")
	}
	if err := dg.SpeakWithText(text); err != nil {
		return fmt.Errorf("deepgram: speak text: %w", err)
	}
	if err := dg.Flush(); err != nil {
		log.Warn("deepgram: flush failed", "error", err)
	}

	idle, maxWait := d.IdleWindow, d.MaxWait
	if idle <= 0 {
		idle = 400 * time.Millisecond
	}
	if maxWait <= 0 {
		maxWait = 12 * time.Second
	}
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	deadline := time.NewTimer(maxWait)
	defer deadline.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-deadline.C:
			log.Debug("deepgram: stopping at max wait", "max_wait", maxWait)
			return nil
		case <-ticker.C:
			last := lastAudio.Load()
			if last != 0 && time.Since(time.Unix(0, last)) > idle {
				return nil
			}
		}
	}
}

type speakCallback struct {
	onBinary func([]byte)
	onError  func(string)
}

func (s *speakCallback) Open(*msginterfaces.OpenResponse) error         { return nil }
func (s *speakCallback) Metadata(*msginterfaces.MetadataResponse) error { return nil }
func (s *speakCallback) Flush(*msginterfaces.FlushedResponse) error     { return nil }
func (s *speakCallback) Clear(*msginterfaces.ClearedResponse) error     { return nil }
func (s *speakCallback) Close(*msginterfaces.CloseResponse) error       { return nil }
func (s *speakCallback) Warning(*msginterfaces.WarningResponse) error   { return nil }
func (s *speakCallback) UnhandledEvent([]byte) error                    { return nil }

func (s *speakCallback) Error(er *msginterfaces.ErrorResponse) error {
	if s.onError != nil && er != nil {
		s.onError(fmt.Sprintf("%+v", *er))
	}
	return nil
}

func (s *speakCallback) Binary(data []byte) error {
	if s.onBinary != nil {
		s.onBinary(data)
	}
	return nil
}
