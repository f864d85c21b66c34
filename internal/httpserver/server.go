package httpserver

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Lorcan-C/wavepitch-v1-sub000/internal/capture"
	"github.com/Lorcan-C/wavepitch-v1-sub000/internal/config"
	"github.com/Lorcan-C/wavepitch-v1-sub000/internal/metrics"
	"github.com/Lorcan-C/wavepitch-v1-sub000/internal/rtc"
	"github.com/Lorcan-C/wavepitch-v1-sub000/internal/transcript"
)

// CallHandler answers WebRTC offers. rtc.Handler implements it.
type CallHandler interface {
	HandleOffer(ctx context.Context, offer rtc.SessionDescription) (rtc.SessionDescription, error)
	Active() int
}

// Deps are the collaborators behind the routes. Calls and Tokens may be nil,
// which disables /call and /transcribe respectively.
type Deps struct {
	Server        config.ServerConfig
	Transcription transcript.Config
	Tokens        transcript.TokenSource
	Capture       capture.Config
	Calls         CallHandler
	Metrics       *metrics.Metrics
	Logger        *slog.Logger
}

// Server bundles HTTP router and dependencies.
type Server struct {
	Router *echo.Echo

	deps   Deps
	logger *slog.Logger
	// validateURL and fetch are swapped in tests to reach local servers.
	validateURL func(ctx context.Context, raw string) (*url.URL, error)
	fetch       *http.Client
}

// New constructs the HTTP server with routes.
func New(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	s := &Server{
		Router: newRouter(deps.Metrics),
		deps:   deps,
		logger: deps.Logger,
		validateURL: func(ctx context.Context, raw string) (*url.URL, error) {
			return ValidateStreamURL(ctx, raw, nil)
		},
		fetch: safeClient(),
	}

	e := s.Router
	e.GET("/healthz", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
	if deps.Metrics != nil {
		e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(deps.Metrics.Registry, promhttp.HandlerOpts{})))
	}

	auth := requirePassword(deps.Server.AuthPassword)
	e.POST("/call", s.handleCall, auth)

	limit := deps.Server.RateLimit
	if limit <= 0 {
		limit = 10
	}
	window := deps.Server.RateWindow
	if window <= 0 {
		window = config.Defaults().Server.RateWindow
	}
	bodyLimit := deps.Server.BodyLimit
	if bodyLimit == "" {
		bodyLimit = "1M"
	}
	e.POST("/transcribe", s.handleTranscribe,
		middleware.RateLimiterWithConfig(middleware.RateLimiterConfig{
			Store: newWindowStore(limit, window),
			IdentifierExtractor: func(c echo.Context) (string, error) {
				return c.RealIP(), nil
			},
			DenyHandler: func(c echo.Context, identifier string, err error) error {
				deps.Metrics.RecordRateLimited()
				s.logger.Warn("rate limited", "client", identifier)
				return echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded")
			},
		}),
		middleware.BodyLimit(bodyLimit),
		auth,
	)
	return s
}

// Handler exposes the router for http.Server.
func (s *Server) Handler() http.Handler { return s.Router }

func (s *Server) handleCall(c echo.Context) error {
	if s.deps.Calls == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "calls are not enabled")
	}
	var offer rtc.SessionDescription
	if err := json.NewDecoder(c.Request().Body).Decode(&offer); err != nil {
		s.logger.Warn("invalid offer", "error", err)
		return echo.NewHTTPError(http.StatusBadRequest, "invalid offer")
	}
	answer, err := s.deps.Calls.HandleOffer(c.Request().Context(), offer)
	if err != nil {
		if errors.Is(err, rtc.ErrInvalidOffer) {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		s.logger.Error("webrtc handle offer failed", "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "webrtc negotiation failed")
	}
	return c.JSON(http.StatusOK, answer)
}

type transcribeRequest struct {
	StreamURL      string `json:"streamURL"`
	Language       string `json:"language,omitempty"`
	OperatingPoint string `json:"operatingPoint,omitempty"`
}

// sseEvent is one "data:" line of the transcription stream.
type sseEvent struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId,omitempty"`
	Text      string `json:"text,omitempty"`
	Message   string `json:"message,omitempty"`
}

// handleTranscribe fetches raw PCM16 mono audio from streamURL, feeds it to a
// transcription session and relays the session's events as server-sent
// events until the session ends.
func (s *Server) handleTranscribe(c echo.Context) error {
	if s.deps.Tokens == nil || s.deps.Transcription.URL == "" {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "transcription is not configured")
	}
	var req transcribeRequest
	if err := json.NewDecoder(c.Request().Body).Decode(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.StreamURL == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "streamURL is required")
	}
	ctx := c.Request().Context()
	u, err := s.validateURL(ctx, req.StreamURL)
	if err != nil {
		s.logger.Warn("rejected stream url", "url", req.StreamURL, "error", err)
		return echo.NewHTTPError(http.StatusBadRequest, "streamURL is not allowed")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid streamURL")
	}
	resp, err := s.fetch.Do(httpReq)
	if err != nil {
		s.logger.Warn("stream fetch failed", "error", err)
		return echo.NewHTTPError(http.StatusBadGateway, "could not fetch stream")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_ = resp.Body.Close()
		return echo.NewHTTPError(http.StatusBadGateway, fmt.Sprintf("stream returned status %d", resp.StatusCode))
	}

	cfg := s.deps.Transcription
	if req.Language != "" {
		cfg.Language = req.Language
	}
	if req.OperatingPoint != "" {
		cfg.OperatingPoint = req.OperatingPoint
	}
	session := transcript.NewSession(cfg, s.deps.Tokens, s.logger)
	logger := s.logger.With("session_id", session.ID())
	defer session.Disconnect()
	if err := session.Connect(ctx); err != nil {
		_ = resp.Body.Close()
		logger.Warn("transcription connect failed", "error", err)
		s.deps.Metrics.RecordTranscriptionEnd("connect_failed")
		return echo.NewHTTPError(http.StatusBadGateway, "transcription unavailable")
	}

	engine := capture.NewEngine(capture.ReaderSource{R: resp.Body}, s.deps.Capture, logger)
	chunks, err := engine.Start(ctx)
	if err != nil {
		_ = resp.Body.Close()
		return echo.NewHTTPError(http.StatusInternalServerError, "could not read stream")
	}
	defer engine.Stop()
	go func() {
		for chunk := range chunks {
			session.SendAudio(chunk)
		}
		session.Finish()
	}()

	s.deps.Metrics.StreamOpened()
	defer s.deps.Metrics.StreamClosed()

	w := c.Response()
	w.Header().Set(echo.HeaderContentType, "text/event-stream")
	w.Header().Set(echo.HeaderCacheControl, "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	w.Flush()

	for {
		select {
		case <-ctx.Done():
			logger.Info("client went away")
			s.deps.Metrics.RecordTranscriptionEnd("client_closed")
			return nil
		case ev := <-session.Events():
			if done := s.relay(w, ev, session.ID()); done {
				return nil
			}
		case <-session.Done():
			for {
				select {
				case ev := <-session.Events():
					if done := s.relay(w, ev, session.ID()); done {
						return nil
					}
				default:
					_ = writeSSE(w, sseEvent{Type: "end"})
					s.deps.Metrics.RecordTranscriptionEnd("end")
					return nil
				}
			}
		}
	}
}

// relay writes ev and reports whether the stream is over.
func (s *Server) relay(w *echo.Response, ev transcript.Event, sessionID string) bool {
	out, ok := toSSE(ev, sessionID)
	if !ok {
		return false
	}
	if err := writeSSE(w, out); err != nil {
		return true
	}
	if ev.Terminal() {
		s.deps.Metrics.RecordTranscriptionEnd(string(ev.Type))
		return true
	}
	return false
}

func toSSE(ev transcript.Event, sessionID string) (sseEvent, bool) {
	switch ev.Type {
	case transcript.EventConnected:
		return sseEvent{Type: "connected", SessionID: sessionID}, true
	case transcript.EventPartial, transcript.EventFinal:
		return sseEvent{Type: string(ev.Type), Text: ev.Text}, true
	case transcript.EventEnd, transcript.EventTimeout:
		return sseEvent{Type: string(ev.Type)}, true
	case transcript.EventError:
		msg := "transcription failed"
		if ev.Err != nil {
			msg = ev.Err.Error()
		}
		return sseEvent{Type: "error", Message: msg}, true
	}
	return sseEvent{}, false
}

func writeSSE(w *echo.Response, ev sseEvent) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", b); err != nil {
		return err
	}
	w.Flush()
	return nil
}

// requirePassword accepts the password as ?password=, X-Auth-Token or a
// bearer token. An empty expected password disables the check.
func requirePassword(expected string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !authOK(c.Request(), expected) {
				return echo.NewHTTPError(http.StatusUnauthorized, "unauthorized")
			}
			return next(c)
		}
	}
}

func authOK(r *http.Request, expected string) bool {
	if expected == "" {
		return true
	}
	if r == nil {
		return false
	}
	candidates := []string{r.URL.Query().Get("password"), r.Header.Get("X-Auth-Token")}
	if h := r.Header.Get("Authorization"); len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		candidates = append(candidates, strings.TrimSpace(h[7:]))
	}
	for _, got := range candidates {
		if got != "" && subtle.ConstantTimeCompare([]byte(got), []byte(expected)) == 1 {
			return true
		}
	}
	return false
}
