package agent

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Lorcan-C/wavepitch-v1-sub000/internal/capture"
	"github.com/Lorcan-C/wavepitch-v1-sub000/internal/transcript"
	"github.com/Lorcan-C/wavepitch-v1-sub000/internal/voice"
)

// finishGrace bounds the wait for trailing transcripts after capture ends.
const finishGrace = 3 * time.Second

// Pipeline feeds microphone audio into a meeting: capture chunks go to the
// level monitor and the transcription session, utterances come back as
// human messages and voice onsets as barge-ins.
type Pipeline struct {
	engine  *capture.Engine
	session *transcript.Session
	monitor *voice.Monitor
	meeting *Meeting
	logger  *slog.Logger
}

// NewPipeline binds one capture engine and one transcription session to m.
func NewPipeline(m *Meeting, engine *capture.Engine, session *transcript.Session, vcfg voice.Config, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pipeline{engine: engine, session: session, meeting: m, logger: logger.With("meeting_id", m.ID())}
	p.monitor = voice.NewMonitor(vcfg, func(active bool) {
		if active {
			m.VoiceOnset()
		}
	})
	return p
}

// Monitor exposes the level monitor for meters.
func (p *Pipeline) Monitor() *voice.Monitor { return p.monitor }

// Run connects transcription, starts capture and pumps audio until ctx is
// done, capture ends or the session closes. Capture and session are always
// released on return.
func (p *Pipeline) Run(ctx context.Context) error {
	if err := p.session.Connect(ctx); err != nil {
		return fmt.Errorf("agent: connect transcription: %w", err)
	}
	defer p.session.Disconnect()

	chunks, err := p.engine.Start(ctx)
	if err != nil {
		return fmt.Errorf("agent: start capture: %w", err)
	}
	defer p.engine.Stop()
	p.logger.Info("audio pipeline started", "strategy", p.engine.Strategy(), "session_id", p.session.ID())

	go p.forwardTranscripts(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-p.session.Done():
			p.logger.Info("transcription session closed")
			return nil
		case chunk, ok := <-chunks:
			if !ok {
				p.session.Finish()
				select {
				case <-p.session.Done():
				case <-time.After(finishGrace):
				case <-ctx.Done():
				}
				if err := p.engine.Err(); err != nil {
					return fmt.Errorf("agent: capture: %w", err)
				}
				return nil
			}
			p.monitor.Feed(chunk)
			p.session.SendAudio(chunk)
		}
	}
}

func (p *Pipeline) forwardTranscripts(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-p.session.Events():
			p.meeting.HandleTranscript(ev)
		case <-p.session.Done():
			// deliver what was queued before close
			for {
				select {
				case ev := <-p.session.Events():
					p.meeting.HandleTranscript(ev)
				default:
					return
				}
			}
		}
	}
}
