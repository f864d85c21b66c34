package rtc

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v3"

	"github.com/Lorcan-C/wavepitch-v1-sub000/internal/agent"
	"github.com/Lorcan-C/wavepitch-v1-sub000/internal/capture"
	"github.com/Lorcan-C/wavepitch-v1-sub000/internal/infra/storage"
	"github.com/Lorcan-C/wavepitch-v1-sub000/internal/meeting"
	"github.com/Lorcan-C/wavepitch-v1-sub000/internal/metrics"
	"github.com/Lorcan-C/wavepitch-v1-sub000/internal/transcript"
	"github.com/Lorcan-C/wavepitch-v1-sub000/internal/voice"
)

// ErrInvalidOffer is returned for anything but a non-empty SDP offer.
var ErrInvalidOffer = errors.New("rtc: invalid offer")

// SessionDescription is a small DTO to avoid exposing webrtc types in transport.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// Deps are shared by every call the handler accepts.
type Deps struct {
	Roster    *meeting.Roster
	Generator agent.Generator
	// TTS is optional; without it replies are text only.
	TTS           agent.TTS
	Transcription transcript.Config
	// Tokens is optional; without it voice input is disabled.
	Tokens       transcript.TokenSource
	Capture      capture.Config
	Voice        voice.Config
	VoiceBargeIn bool
	TapWindow    time.Duration
	FirstSpeaker string
	ICEServers   []string
	// Archive, if set, receives each finished call's transcript.
	Archive storage.Uploader
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Handler runs one meeting per WebRTC peer connection.
type Handler struct {
	deps   Deps
	logger *slog.Logger

	mu    sync.Mutex
	calls map[string]*call
}

func NewHandler(deps Deps) *Handler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Handler{deps: deps, logger: deps.Logger, calls: map[string]*call{}}
}

type call struct {
	id      string
	pc      *webrtc.PeerConnection
	meeting *agent.Meeting
	paced   *OpusPacedWriter
	ctx     context.Context
	cancel  context.CancelFunc
	logger  *slog.Logger

	dcMu sync.Mutex
	dc   *webrtc.DataChannel

	trackOnce sync.Once
	closeOnce sync.Once
}

// Active returns the number of calls in progress.
func (h *Handler) Active() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.calls)
}

// HandleOffer accepts an SDP offer, starts a meeting for the new peer and
// returns the SDP answer once ICE gathering completes.
func (h *Handler) HandleOffer(ctx context.Context, offer SessionDescription) (SessionDescription, error) {
	if offer.Type != "offer" || offer.SDP == "" {
		return SessionDescription{}, ErrInvalidOffer
	}

	callID := generateCallID()
	logger := h.logger.With("call_id", callID)

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return SessionDescription{}, err
	}
	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, ir); err != nil {
		return SessionDescription{}, err
	}
	api := webrtc.NewAPI(webrtc.WithMediaEngine(mediaEngine), webrtc.WithInterceptorRegistry(ir))

	var ice []webrtc.ICEServer
	if len(h.deps.ICEServers) > 0 {
		ice = []webrtc.ICEServer{{URLs: h.deps.ICEServers}}
	}
	peerConnection, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: ice})
	if err != nil {
		return SessionDescription{}, err
	}

	outTrack, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 1}, "agent-audio", "agent")
	if err != nil {
		_ = peerConnection.Close()
		return SessionDescription{}, err
	}
	if _, err := peerConnection.AddTrack(outTrack); err != nil {
		_ = peerConnection.Close()
		return SessionDescription{}, err
	}
	paced, err := NewOpusPacedWriter(outTrack)
	if err != nil {
		_ = peerConnection.Close()
		return SessionDescription{}, err
	}

	c := &call{id: callID, pc: peerConnection, paced: paced, logger: logger}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	m, err := agent.NewMeeting(agent.Options{
		Roster:       h.deps.Roster,
		Generator:    h.deps.Generator,
		Speaker:      agent.NewSpeaker(h.deps.TTS, paced, logger),
		FirstSpeaker: h.deps.FirstSpeaker,
		TapWindow:    h.deps.TapWindow,
		VoiceBargeIn: h.deps.VoiceBargeIn,
		OnEvent:      c.send,
		Logger:       logger,
		Metrics:      h.deps.Metrics,
	})
	if err != nil {
		paced.Close()
		c.cancel()
		_ = peerConnection.Close()
		return SessionDescription{}, err
	}
	c.meeting = m

	peerConnection.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		logger.Info("peer connection state", "state", state.String())
		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed, webrtc.PeerConnectionStateDisconnected:
			h.endCall(c)
		}
	})
	peerConnection.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		logger.Debug("ice state", "state", state.String())
	})
	peerConnection.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != ControlLabel {
			return
		}
		logger.Info("control channel opened")
		c.dcMu.Lock()
		c.dc = dc
		c.dcMu.Unlock()
		human := h.deps.Roster.Human().ID
		dc.OnMessage(func(msg webrtc.DataChannelMessage) {
			cmd, err := ParseCommand(string(msg.Data))
			if err != nil {
				logger.Warn("bad control command", "error", err)
				c.send(agent.Event{Type: agent.EventError, Err: err})
				return
			}
			if cmd.Kind == CmdStop {
				paced.Reset()
			}
			cmd.Apply(m, human)
		})
	})
	peerConnection.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if remote.Kind() != webrtc.RTPCodecTypeAudio {
			return
		}
		c.trackOnce.Do(func() { h.startVoice(c, remote) })
	})

	remoteOffer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer.SDP}
	if err := peerConnection.SetRemoteDescription(remoteOffer); err != nil {
		h.abort(c)
		return SessionDescription{}, err
	}
	answer, err := peerConnection.CreateAnswer(nil)
	if err != nil {
		h.abort(c)
		return SessionDescription{}, err
	}
	gatherComplete := webrtc.GatheringCompletePromise(peerConnection)
	if err := peerConnection.SetLocalDescription(answer); err != nil {
		h.abort(c)
		return SessionDescription{}, err
	}
	select {
	case <-gatherComplete:
	case <-ctx.Done():
		h.abort(c)
		return SessionDescription{}, ctx.Err()
	}
	local := peerConnection.LocalDescription()
	if local == nil {
		h.abort(c)
		return SessionDescription{}, errors.New("rtc: no local description")
	}

	h.mu.Lock()
	h.calls[callID] = c
	h.mu.Unlock()
	go func() {
		if err := m.Run(c.ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("meeting stopped", "error", err)
		}
	}()
	logger.Info("call accepted", "meeting_id", m.ID())
	return SessionDescription{Type: "answer", SDP: local.SDP}, nil
}

// startVoice pipes the caller's microphone into transcription. Without a
// token source or on connect failure the call continues text only.
func (h *Handler) startVoice(c *call, remote *webrtc.TrackRemote) {
	c.logger.Info("remote audio track received", "codec", remote.Codec().MimeType)
	if h.deps.Tokens == nil || h.deps.Transcription.URL == "" {
		c.logger.Warn("transcription not configured, voice input disabled")
		return
	}
	engine := capture.NewEngine(NewTrackSource(remote), h.deps.Capture, c.logger)
	session := transcript.NewSession(h.deps.Transcription, h.deps.Tokens, c.logger)
	session.OnReconnect = func(attempt int, delay time.Duration) {
		c.logger.Info("transcription reconnect scheduled", "attempt", attempt, "delay", delay)
	}
	pipeline := agent.NewPipeline(c.meeting, engine, session, h.deps.Voice, c.logger)
	go func() {
		if err := pipeline.Run(c.ctx); err != nil {
			c.logger.Error("voice input disabled", "error", err)
			c.send(agent.Event{Type: agent.EventError, Err: err})
		}
	}()
}

func (c *call) send(ev agent.Event) {
	if ev.Type == agent.EventMessage && ev.Message != nil {
		c.logger.Info("message committed", "participant", ev.Participant.ID, "text", ev.Text)
	}
	c.dcMu.Lock()
	dc := c.dc
	c.dcMu.Unlock()
	if dc == nil || dc.ReadyState() != webrtc.DataChannelStateOpen {
		return
	}
	b, err := encodeEvent(ev)
	if err != nil {
		return
	}
	if err := dc.SendText(string(b)); err != nil {
		c.logger.Debug("control send failed", "error", err)
	}
}

func (h *Handler) abort(c *call) {
	c.cancel()
	c.paced.Close()
	_ = c.pc.Close()
}

func (h *Handler) endCall(c *call) {
	first := false
	c.closeOnce.Do(func() { first = true })
	if !first {
		return
	}
	h.mu.Lock()
	delete(h.calls, c.id)
	h.mu.Unlock()

	log := c.meeting.Log()
	c.logger.Info("conversation transcript", "messages", len(log))
	for i, msg := range log {
		c.logger.Info("transcript entry", "n", i+1, "participant", msg.ParticipantID, "text", msg.Content)
	}
	if h.deps.Archive != nil {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := storage.ArchiveTranscript(ctx, h.deps.Archive, c.meeting.ID(), h.deps.Roster, log); err != nil {
				c.logger.Error("transcript archive failed", "error", err)
			}
		}()
	}
	c.cancel()
	c.meeting.Stop()
	// allow queued frames to drain before closing
	c.paced.FlushTail()
	time.AfterFunc(400*time.Millisecond, c.paced.Close)
	_ = c.pc.Close()
}

// Close ends every active call.
func (h *Handler) Close() {
	h.mu.Lock()
	calls := make([]*call, 0, len(h.calls))
	for _, c := range h.calls {
		calls = append(calls, c)
	}
	h.mu.Unlock()
	for _, c := range calls {
		h.endCall(c)
	}
}

func generateCallID() string {
	return time.Now().Format("0102150405.000") + "-" + uuid.NewString()[:8]
}
