package transcript

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var (
	// ErrConnection covers dial, handshake and dropped-socket failures.
	ErrConnection = errors.New("transcript: connection error")
	// ErrTimeout is reported when the hard session cap elapses.
	ErrTimeout = errors.New("transcript: session timeout")
	// ErrBackend wraps an Error message sent by the recognizer.
	ErrBackend = errors.New("transcript: backend error")
	// ErrClosed is returned when connecting a session that already ended.
	ErrClosed = errors.New("transcript: session closed")
)

// Status is the connection status of a Session.
type Status int

const (
	Disconnected Status = iota
	Connecting
	Connected
	Reconnecting
	Closed
)

func (s Status) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// ConnectionState is a snapshot of the session's connection.
type ConnectionState struct {
	Status           Status
	ReconnectAttempt int
}

// EventType names what a session reports to its consumer.
type EventType string

const (
	EventConnected    EventType = "connected"
	EventPartial      EventType = "partial"
	EventFinal        EventType = "final"
	EventUtterance    EventType = "utterance"
	EventReconnecting EventType = "reconnecting"
	EventEnd          EventType = "end"
	EventTimeout      EventType = "timeout"
	EventError        EventType = "error"
)

// Event is delivered on Session.Events. Text carries the partial or final
// segment, or the whole utterance for EventUtterance.
type Event struct {
	Type    EventType
	Text    string
	Display string
	Attempt int
	Delay   time.Duration
	Err     error
}

// Terminal reports whether no further events follow.
func (e Event) Terminal() bool {
	return e.Type == EventEnd || e.Type == EventTimeout || e.Type == EventError
}

// Config tunes a Session.
type Config struct {
	URL                  string
	Language             string
	OperatingPoint       string
	EnablePartials       bool
	MaxReconnectAttempts int
	Backoff              Backoff
	SessionTimeout       time.Duration
	ConnectTimeout       time.Duration
	// UtteranceSilence is how long after the last final an utterance is
	// closed when the backend sends no end-of-sentence marker.
	UtteranceSilence time.Duration
}

func (c Config) withDefaults() Config {
	if c.Language == "" {
		c.Language = "en"
	}
	if c.OperatingPoint == "" {
		c.OperatingPoint = "enhanced"
	}
	if c.MaxReconnectAttempts < 0 {
		c.MaxReconnectAttempts = 0
	}
	if c.Backoff.Base <= 0 {
		c.Backoff = DefaultBackoff()
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.UtteranceSilence <= 0 {
		c.UtteranceSilence = SilenceThreshold
	}
	return c
}

const terminalDeliveryTimeout = time.Second

type frame struct {
	data []byte
	eos  bool
}

// Session owns one streaming connection to the recognizer, reconnecting on
// abnormal closure until the attempt budget is spent. A session is single
// use: once Closed it cannot be connected again.
type Session struct {
	id     string
	cfg    Config
	tokens TokenSource
	dialer *websocket.Dialer
	logger *slog.Logger

	// OnReconnect, if set before Connect, observes each scheduled attempt.
	OnReconnect func(attempt int, delay time.Duration)

	events   chan Event
	done     chan struct{}
	doneOnce sync.Once
	outbound chan frame
	seqNo    atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc

	mu             sync.Mutex
	status         Status
	attempt        int
	token          string
	conn           *websocket.Conn
	connStop       chan struct{}
	gen            uint64
	reconnectTimer *time.Timer
	sessionTimer   *time.Timer

	accMu        sync.Mutex
	buf          Buffer
	committed    string
	silenceTimer *time.Timer
}

// NewSession builds a disconnected session. tokens may be nil when the
// backend needs no credential.
func NewSession(cfg Config, tokens TokenSource, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	id := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		id:       id,
		cfg:      cfg.withDefaults(),
		tokens:   tokens,
		dialer:   &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		logger:   logger.With("session_id", id),
		events:   make(chan Event, 256),
		done:     make(chan struct{}),
		outbound: make(chan frame, 1000),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// ID identifies the session in logs.
func (s *Session) ID() string { return s.id }

// Events delivers partial, final, utterance and lifecycle events.
func (s *Session) Events() <-chan Event { return s.events }

// Done is closed once the session reaches Closed.
func (s *Session) Done() <-chan struct{} { return s.done }

// State returns the current connection state.
func (s *Session) State() ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ConnectionState{Status: s.status, ReconnectAttempt: s.attempt}
}

// Display returns the current final plus partial text.
func (s *Session) Display() string {
	s.accMu.Lock()
	defer s.accMu.Unlock()
	return s.buf.Display()
}

// Connect opens the socket, sends the configure message and returns once the
// backend acknowledges it. The credential is fetched on the first call only.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	switch s.status {
	case Closed:
		s.mu.Unlock()
		return ErrClosed
	case Connecting, Connected, Reconnecting:
		s.mu.Unlock()
		return nil
	}
	s.status = Connecting
	token := s.token
	s.mu.Unlock()

	if token == "" && s.tokens != nil {
		tok, err := s.tokens.Token(ctx)
		if err != nil {
			s.resetConnecting()
			return fmt.Errorf("%w: fetch token: %v", ErrConnection, err)
		}
		s.mu.Lock()
		s.token = tok
		s.mu.Unlock()
	}

	dctx, stop := context.WithCancel(ctx)
	defer stop()
	go func() {
		select {
		case <-s.ctx.Done():
			stop()
		case <-dctx.Done():
		}
	}()
	conn, err := s.dial(dctx)
	if err != nil {
		s.resetConnecting()
		return err
	}
	if !s.attach(conn) {
		_ = conn.Close()
		return ErrClosed
	}

	s.mu.Lock()
	if s.sessionTimer == nil && s.cfg.SessionTimeout > 0 && s.status != Closed {
		s.sessionTimer = time.AfterFunc(s.cfg.SessionTimeout, s.expire)
	}
	s.mu.Unlock()
	return nil
}

func (s *Session) resetConnecting() {
	s.mu.Lock()
	if s.status == Connecting {
		s.status = Disconnected
	}
	s.mu.Unlock()
}

// SendAudio queues a raw chunk. It is a no-op unless Connected.
func (s *Session) SendAudio(chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	s.mu.Lock()
	connected := s.status == Connected
	s.mu.Unlock()
	if !connected {
		return
	}
	select {
	case s.outbound <- frame{data: chunk}:
	default:
		s.logger.Warn("audio buffer full, dropping chunk", "bytes", len(chunk))
	}
}

// Finish tells the backend no more audio follows. The backend answers with
// EndOfTranscript, which ends the session cleanly.
func (s *Session) Finish() {
	s.mu.Lock()
	connected := s.status == Connected
	s.mu.Unlock()
	if !connected {
		return
	}
	select {
	case s.outbound <- frame{eos: true}:
	case <-s.done:
	}
}

// Disconnect closes the session without retrying. Any pending reconnect is
// cancelled before the socket is closed. It never blocks.
func (s *Session) Disconnect() {
	s.mu.Lock()
	wasClosed := s.status == Closed
	if !wasClosed {
		s.shutdownLocked()
	}
	s.mu.Unlock()
	s.stopSilence()
	s.doneOnce.Do(func() { close(s.done) })
	if !wasClosed {
		s.logger.Info("transcription session disconnected")
	}
}

func (s *Session) dial(ctx context.Context) (*websocket.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	defer cancel()

	header := http.Header{}
	s.mu.Lock()
	if s.token != "" {
		header.Set("Authorization", "Bearer "+s.token)
	}
	s.mu.Unlock()

	conn, resp, err := s.dialer.DialContext(ctx, s.cfg.URL, header)
	if err != nil {
		if resp != nil {
			s.logger.Warn("transcription handshake rejected", "status", resp.StatusCode)
		}
		return nil, fmt.Errorf("%w: dial: %v", ErrConnection, err)
	}

	cfgMsg := ConfigureMessage{
		Type:           "configure",
		Language:       s.cfg.Language,
		OperatingPoint: s.cfg.OperatingPoint,
		EnablePartials: s.cfg.EnablePartials,
	}
	if err := conn.WriteJSON(cfgMsg); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: configure: %v", ErrConnection, err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.SetReadDeadline(time.Now()) })
	defer stop()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("%w: await ack: %v", ErrConnection, err)
		}
		var msg ServerMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		switch msg.Message {
		case MsgRecognitionStarted:
			_ = conn.SetReadDeadline(time.Time{})
			return conn, nil
		case MsgError:
			_ = conn.Close()
			return nil, fmt.Errorf("%w: configure rejected: %s", ErrConnection, msg.reason())
		}
	}
}

func (s *Session) attach(conn *websocket.Conn) bool {
	s.mu.Lock()
	if s.status == Closed {
		s.mu.Unlock()
		return false
	}
	s.gen++
	gen := s.gen
	stop := make(chan struct{})
	s.conn, s.connStop = conn, stop
	s.status = Connected
	s.mu.Unlock()

	s.logger.Info("transcription connected", "url", s.cfg.URL, "language", s.cfg.Language)
	s.emit(Event{Type: EventConnected})
	go s.readLoop(conn, gen)
	go s.writeLoop(conn, stop)
	return true
}

func (s *Session) readLoop(conn *websocket.Conn, gen uint64) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("recovered from panic in transcription reader", "panic", r)
		}
	}()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				s.finish(gen, Event{Type: EventEnd})
				return
			}
			s.connectionLost(gen, err)
			return
		}
		if s.handleMessage(gen, data) {
			return
		}
	}
}

func (s *Session) writeLoop(conn *websocket.Conn, stop <-chan struct{}) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("recovered from panic in transcription writer", "panic", r)
		}
	}()
	for {
		select {
		case <-stop:
			return
		case f := <-s.outbound:
			var err error
			if f.eos {
				err = conn.WriteJSON(EndOfStreamMessage{Type: "endOfStream", LastSeqNo: s.seqNo.Load()})
			} else {
				err = conn.WriteMessage(websocket.BinaryMessage, f.data)
				if err == nil {
					s.seqNo.Add(1)
				}
			}
			if err != nil {
				s.logger.Warn("error sending to transcription backend", "error", err)
				_ = conn.Close()
				return
			}
		}
	}
}

// handleMessage applies one inbound frame and reports whether it ended the session.
func (s *Session) handleMessage(gen uint64, data []byte) bool {
	var msg ServerMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.logger.Warn("error unmarshaling transcription message", "error", err)
		return false
	}
	switch msg.Message {
	case MsgPartial:
		s.markStable(gen)
		s.applyPartial(msg.Text())
	case MsgFinal:
		s.markStable(gen)
		s.applyFinal(msg.Text(), msg.EndOfSentence())
	case MsgEndOfTranscript:
		s.finish(gen, Event{Type: EventEnd})
		return true
	case MsgError:
		err := fmt.Errorf("%w: %s", ErrBackend, msg.reason())
		s.logger.Error("transcription backend error", "error", err)
		s.finish(gen, Event{Type: EventError, Err: err})
		return true
	case MsgRecognitionStarted, MsgAudioAdded, MsgInfo, MsgWarning:
		s.logger.Debug("transcription message", "message", msg.Message)
	default:
		s.logger.Debug("unknown transcription message", "message", msg.Message)
	}
	return false
}

// markStable restores the reconnect budget once a connection has delivered
// a transcript. A backend that acknowledges and then drops keeps spending it.
func (s *Session) markStable(gen uint64) {
	s.mu.Lock()
	if gen == s.gen && s.attempt != 0 {
		s.logger.Debug("transcription connection stable, reconnect budget restored", "attempts", s.attempt)
		s.attempt = 0
	}
	s.mu.Unlock()
}

// dropPartial clears the partial of a lost connection so the next
// connection's partials are not compared against it.
func (s *Session) dropPartial() {
	s.accMu.Lock()
	display, dropped := s.buf.DropPartial()
	s.accMu.Unlock()
	if !dropped {
		return
	}
	select {
	case s.events <- Event{Type: EventPartial, Display: display}:
	default:
	}
}

func (s *Session) applyPartial(text string) {
	s.accMu.Lock()
	display, changed := s.buf.ApplyPartial(text)
	if changed && s.silenceTimer != nil {
		s.silenceTimer.Reset(s.silenceWindowLocked(display))
	}
	s.accMu.Unlock()
	if !changed {
		return
	}
	select {
	case s.events <- Event{Type: EventPartial, Text: text, Display: display}:
	default:
	}
}

func (s *Session) applyFinal(text string, eos bool) {
	s.accMu.Lock()
	display := s.buf.ApplyFinal(text)
	if !eos {
		wait := s.silenceWindowLocked(display)
		if s.silenceTimer == nil {
			s.silenceTimer = time.AfterFunc(wait, s.flushUtterance)
		} else {
			s.silenceTimer.Reset(wait)
		}
	}
	s.accMu.Unlock()
	if text != "" {
		s.emit(Event{Type: EventFinal, Text: text, Display: display})
	}
	if eos {
		s.flushUtterance()
	}
}

func (s *Session) silenceWindowLocked(text string) time.Duration {
	wait := s.cfg.UtteranceSilence
	if isContinuationLikely(text) {
		wait += ContinuationExtension
	}
	return wait
}

// flushUtterance emits the final text committed since the last utterance.
func (s *Session) flushUtterance() {
	s.accMu.Lock()
	if s.silenceTimer != nil {
		s.silenceTimer.Stop()
		s.silenceTimer = nil
	}
	utterance := delta(s.buf.Final(), s.committed)
	s.committed = s.buf.Final()
	s.accMu.Unlock()
	if utterance == "" {
		return
	}
	s.emit(Event{Type: EventUtterance, Text: utterance})
}

func (s *Session) stopSilence() {
	s.accMu.Lock()
	if s.silenceTimer != nil {
		s.silenceTimer.Stop()
		s.silenceTimer = nil
	}
	s.accMu.Unlock()
}

func (s *Session) connectionLost(gen uint64, cause error) {
	s.mu.Lock()
	if s.status == Closed || gen != s.gen {
		s.mu.Unlock()
		return
	}
	s.closeConnLocked()
	if s.attempt >= s.cfg.MaxReconnectAttempts {
		attempts := s.attempt
		s.mu.Unlock()
		s.logger.Error("transcription reconnect attempts exhausted", "attempts", attempts, "error", cause)
		s.finish(gen, Event{Type: EventError, Err: fmt.Errorf("%w: gave up after %d reconnect attempts: %v", ErrConnection, attempts, cause)})
		return
	}
	attempt := s.attempt
	delay := s.cfg.Backoff.Delay(attempt)
	s.attempt++
	s.status = Reconnecting
	s.reconnectTimer = time.AfterFunc(delay, func() { s.reconnect(gen) })
	hook := s.OnReconnect
	s.mu.Unlock()

	s.logger.Warn("transcription connection lost, reconnecting", "attempt", attempt+1, "delay", delay, "error", cause)
	s.dropPartial()
	if hook != nil {
		hook(attempt+1, delay)
	}
	s.emit(Event{Type: EventReconnecting, Attempt: attempt + 1, Delay: delay})
}

func (s *Session) reconnect(gen uint64) {
	s.mu.Lock()
	if s.status != Reconnecting || gen != s.gen {
		s.mu.Unlock()
		return
	}
	s.reconnectTimer = nil
	s.mu.Unlock()

	conn, err := s.dial(s.ctx)
	if err != nil {
		s.connectionLost(gen, err)
		return
	}
	if !s.attach(conn) {
		_ = conn.Close()
	}
}

func (s *Session) expire() {
	s.logger.Warn("transcription session timeout reached", "timeout", s.cfg.SessionTimeout)
	s.finish(0, Event{Type: EventTimeout, Err: ErrTimeout})
}

// finish moves the session to Closed, flushes any pending utterance and
// delivers ev as the last event. gen 0 matches any connection.
func (s *Session) finish(gen uint64, ev Event) {
	s.mu.Lock()
	if s.status == Closed || (gen != 0 && gen != s.gen) {
		s.mu.Unlock()
		return
	}
	s.shutdownLocked()
	s.mu.Unlock()

	s.flushUtterance()
	select {
	case s.events <- ev:
	case <-s.done:
	case <-time.After(terminalDeliveryTimeout):
		s.logger.Warn("transcription terminal event dropped", "type", ev.Type)
	}
	s.doneOnce.Do(func() { close(s.done) })
}

func (s *Session) shutdownLocked() {
	if s.reconnectTimer != nil {
		s.reconnectTimer.Stop()
		s.reconnectTimer = nil
	}
	s.status = Closed
	s.cancel()
	if s.sessionTimer != nil {
		s.sessionTimer.Stop()
		s.sessionTimer = nil
	}
	s.closeConnLocked()
}

func (s *Session) closeConnLocked() {
	if s.conn == nil {
		return
	}
	close(s.connStop)
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	_ = s.conn.Close()
	s.conn = nil
	s.connStop = nil
}

func (s *Session) emit(ev Event) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}
