package httpserver

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Lorcan-C/wavepitch-v1-sub000/internal/config"
	"github.com/Lorcan-C/wavepitch-v1-sub000/internal/metrics"
	"github.com/Lorcan-C/wavepitch-v1-sub000/internal/rtc"
	"github.com/Lorcan-C/wavepitch-v1-sub000/internal/transcript"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeCalls struct {
	err    error
	offers []rtc.SessionDescription
}

func (f *fakeCalls) HandleOffer(_ context.Context, offer rtc.SessionDescription) (rtc.SessionDescription, error) {
	f.offers = append(f.offers, offer)
	if f.err != nil {
		return rtc.SessionDescription{}, f.err
	}
	return rtc.SessionDescription{Type: "answer", SDP: "v=0 answer"}, nil
}

func (f *fakeCalls) Active() int { return len(f.offers) }

func newTestServer(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = testLogger()
	}
	if deps.Server.Address == "" {
		deps.Server = config.Defaults().Server
	}
	return New(deps)
}

func do(srv *Server, r *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	srv.Router.ServeHTTP(w, r)
	return w
}

func TestServer_Healthz(t *testing.T) {
	srv := newTestServer(Deps{})
	w := do(srv, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if w.Code != http.StatusOK || w.Body.String() != "ok" {
		t.Fatalf("expected 200 ok, got %d %q", w.Code, w.Body.String())
	}
}

func TestAuthOK(t *testing.T) {
	// Missing expected -> accept
	if !authOK(nil, "") {
		t.Fatalf("expected true when expected empty")
	}
	r := httptest.NewRequest(http.MethodGet, "/?password=secret", nil)
	if !authOK(r, "secret") {
		t.Fatalf("expected true with query password")
	}
	r2 := httptest.NewRequest(http.MethodGet, "/", nil)
	r2.Header.Set("X-Auth-Token", "tok")
	if !authOK(r2, "tok") {
		t.Fatalf("expected true with X-Auth-Token")
	}
	r3 := httptest.NewRequest(http.MethodGet, "/", nil)
	r3.Header.Set("Authorization", "bearer abc")
	if !authOK(r3, "abc") {
		t.Fatalf("expected true with lowercase bearer prefix")
	}
}

func TestAuthOK_NegativeCases(t *testing.T) {
	r1 := httptest.NewRequest(http.MethodGet, "/?password=wrong", nil)
	if authOK(r1, "secret") {
		t.Fatalf("expected false with wrong query token")
	}
	r2 := httptest.NewRequest(http.MethodGet, "/", nil)
	r2.Header.Set("X-Auth-Token", "nope")
	if authOK(r2, "secret") {
		t.Fatalf("expected false with wrong X-Auth-Token")
	}
	r3 := httptest.NewRequest(http.MethodGet, "/", nil)
	r3.Header.Set("Authorization", "Bearer nope")
	if authOK(r3, "secret") {
		t.Fatalf("expected false with wrong bearer token")
	}
}

func TestCall_MethodNotAllowed(t *testing.T) {
	srv := newTestServer(Deps{Calls: &fakeCalls{}})
	w := do(srv, httptest.NewRequest(http.MethodGet, "/call", nil))
	if w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", w.Code)
	}
}

func TestCall_BadJSON(t *testing.T) {
	srv := newTestServer(Deps{Calls: &fakeCalls{}})
	r := httptest.NewRequest(http.MethodPost, "/call", strings.NewReader("not-json"))
	r.Header.Set("Content-Type", "application/json")
	if w := do(srv, r); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestCall_Unauthorized(t *testing.T) {
	cfg := config.Defaults().Server
	cfg.AuthPassword = "secret"
	calls := &fakeCalls{}
	srv := newTestServer(Deps{Server: cfg, Calls: calls})

	r := httptest.NewRequest(http.MethodPost, "/call", strings.NewReader("{}"))
	if w := do(srv, r); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
	r2 := httptest.NewRequest(http.MethodPost, "/call?password=wrong", strings.NewReader("{}"))
	if w := do(srv, r2); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
	if len(calls.offers) != 0 {
		t.Fatalf("unauthorized requests must not reach the call handler")
	}
}

func TestCall_AnswersOffer(t *testing.T) {
	calls := &fakeCalls{}
	srv := newTestServer(Deps{Calls: calls})
	r := httptest.NewRequest(http.MethodPost, "/call", strings.NewReader(`{"type":"offer","sdp":"v=0"}`))
	w := do(srv, r)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var answer rtc.SessionDescription
	if err := json.Unmarshal(w.Body.Bytes(), &answer); err != nil || answer.Type != "answer" {
		t.Fatalf("unexpected answer %s (%v)", w.Body.String(), err)
	}
	if len(calls.offers) != 1 || calls.offers[0].SDP != "v=0" {
		t.Fatalf("offer not forwarded: %+v", calls.offers)
	}
}

func TestCall_ErrorMapping(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{rtc.ErrInvalidOffer, http.StatusBadRequest},
		{errors.New("ice failed"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		srv := newTestServer(Deps{Calls: &fakeCalls{err: tc.err}})
		r := httptest.NewRequest(http.MethodPost, "/call", strings.NewReader(`{"type":"offer","sdp":"v=0"}`))
		if w := do(srv, r); w.Code != tc.want {
			t.Fatalf("%v: expected %d, got %d", tc.err, tc.want, w.Code)
		}
	}
	srv := newTestServer(Deps{})
	r := httptest.NewRequest(http.MethodPost, "/call", strings.NewReader(`{}`))
	if w := do(srv, r); w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without a call handler, got %d", w.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	m := metrics.NewMetrics()
	srv := newTestServer(Deps{Metrics: m})
	do(srv, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	w := do(srv, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `endpoint="/healthz"`) {
		t.Fatalf("expected request metrics for /healthz, got:\n%s", w.Body.String())
	}
}

func TestTranscribe_RateLimited(t *testing.T) {
	cfg := config.Defaults().Server
	cfg.RateLimit = 3
	m := metrics.NewMetrics()
	srv := newTestServer(Deps{Server: cfg, Metrics: m})

	codes := make([]int, 0, 5)
	for i := 0; i < 5; i++ {
		r := httptest.NewRequest(http.MethodPost, "/transcribe", strings.NewReader(`{}`))
		r.RemoteAddr = "203.0.113.7:5000"
		codes = append(codes, do(srv, r).Code)
	}
	for i, c := range codes {
		want := http.StatusServiceUnavailable
		if i >= 3 {
			want = http.StatusTooManyRequests
		}
		if c != want {
			t.Fatalf("request %d: expected %d, got %d (all: %v)", i, want, c, codes)
		}
	}

	other := httptest.NewRequest(http.MethodPost, "/transcribe", strings.NewReader(`{}`))
	other.RemoteAddr = "198.51.100.9:5000"
	if c := do(srv, other).Code; c == http.StatusTooManyRequests {
		t.Fatalf("limit must be per client")
	}
}

func TestTranscribe_BodyLimit(t *testing.T) {
	cfg := config.Defaults().Server
	cfg.BodyLimit = "1K"
	srv := newTestServer(Deps{Server: cfg, Tokens: transcript.StaticToken("k"), Transcription: transcript.Config{URL: "ws://unused"}})
	body := `{"streamURL":"https://example.com/` + strings.Repeat("a", 2048) + `"}`
	r := httptest.NewRequest(http.MethodPost, "/transcribe", strings.NewReader(body))
	if c := do(srv, r).Code; c != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", c)
	}
}

func TestTranscribe_RejectsPrivateStreamURL(t *testing.T) {
	srv := newTestServer(Deps{Tokens: transcript.StaticToken("k"), Transcription: transcript.Config{URL: "ws://unused"}})
	for _, target := range []string{"http://127.0.0.1/audio", "http://10.1.2.3/a", "file:///etc/passwd", "http://[::1]:8080/"} {
		r := httptest.NewRequest(http.MethodPost, "/transcribe", strings.NewReader(`{"streamURL":"`+target+`"}`))
		if c := do(srv, r).Code; c != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", target, c)
		}
	}
}

type fakeResolver map[string][]string

func (f fakeResolver) LookupIPAddr(_ context.Context, host string) ([]net.IPAddr, error) {
	ips, ok := f[host]
	if !ok {
		return nil, errors.New("no such host")
	}
	out := make([]net.IPAddr, 0, len(ips))
	for _, ip := range ips {
		out = append(out, net.IPAddr{IP: net.ParseIP(ip)})
	}
	return out, nil
}

func TestValidateStreamURL(t *testing.T) {
	res := fakeResolver{
		"audio.example.com":  {"93.184.216.34"},
		"sneaky.example.com": {"93.184.216.34", "192.168.1.10"},
		"metadata.example":   {"169.254.169.254"},
	}
	tests := []struct {
		raw string
		ok  bool
	}{
		{"https://audio.example.com/live.pcm", true},
		{"http://93.184.216.34:8000/feed", true},
		{"https://sneaky.example.com/feed", false},
		{"http://metadata.example/latest", false},
		{"http://localhost.invalid/", false},
		{"http://127.0.0.1/", false},
		{"http://0.0.0.0/", false},
		{"http://100.64.0.1/", false},
		{"http://[fe80::1]/", false},
		{"http://224.0.0.1/", false},
		{"ftp://audio.example.com/x", false},
		{"http:///nohost", false},
	}
	for _, tt := range tests {
		_, err := ValidateStreamURL(context.Background(), tt.raw, res)
		if tt.ok && err != nil {
			t.Fatalf("%s: unexpected error %v", tt.raw, err)
		}
		if !tt.ok && !errors.Is(err, ErrUnsafeURL) {
			t.Fatalf("%s: expected ErrUnsafeURL, got %v", tt.raw, err)
		}
	}
}

// fakeRecognizer acknowledges, answers the first audio frame with a partial
// and a final, and ends the transcript on end-of-stream.
func fakeRecognizer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		up := websocket.Upgrader{}
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		var cfg transcript.ConfigureMessage
		if err := conn.ReadJSON(&cfg); err != nil {
			return
		}
		_ = conn.WriteJSON(transcript.ServerMessage{Message: transcript.MsgRecognitionStarted})
		answered := false
		for {
			mt, _, err := conn.ReadMessage()
			if err != nil {
				return
			}
			switch {
			case mt == websocket.BinaryMessage && !answered:
				answered = true
				word := func(s string) []transcript.Result {
					return []transcript.Result{{Alternatives: []transcript.Alternative{{Content: s}}}}
				}
				_ = conn.WriteJSON(transcript.ServerMessage{Message: transcript.MsgPartial, Results: word("pitch")})
				_ = conn.WriteJSON(transcript.ServerMessage{Message: transcript.MsgFinal, Results: word("pitch")})
			case mt == websocket.TextMessage:
				_ = conn.WriteJSON(transcript.ServerMessage{Message: transcript.MsgEndOfTranscript})
			}
		}
	}))
}

func TestTranscribe_StreamsServerSentEvents(t *testing.T) {
	recognizer := fakeRecognizer(t)
	defer recognizer.Close()
	audio := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(make([]byte, 6400))
	}))
	defer audio.Close()

	m := metrics.NewMetrics()
	srv := newTestServer(Deps{
		Tokens:        transcript.StaticToken("k"),
		Transcription: transcript.Config{URL: "ws" + strings.TrimPrefix(recognizer.URL, "http"), EnablePartials: true, UtteranceSilence: time.Second},
		Metrics:       m,
	})
	srv.validateURL = func(_ context.Context, raw string) (*url.URL, error) { return url.Parse(raw) }
	srv.fetch = http.DefaultClient

	gw := httptest.NewServer(srv.Router)
	defer gw.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodPost, gw.URL+"/transcribe", strings.NewReader(`{"streamURL":"`+audio.URL+`"}`))
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}

	var types []string
	var texts []string
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev sseEvent
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
			t.Fatalf("bad event %q: %v", line, err)
		}
		types = append(types, ev.Type)
		if ev.Text != "" {
			texts = append(texts, ev.Text)
		}
	}
	got := strings.Join(types, ",")
	if got != "connected,partial,final,end" {
		t.Fatalf("unexpected event sequence %s", got)
	}
	if len(texts) != 2 || texts[1] != "pitch" {
		t.Fatalf("unexpected texts %v", texts)
	}
}
