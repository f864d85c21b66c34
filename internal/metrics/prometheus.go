package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains the Prometheus collectors for the meeting service.
// All Record methods are safe on a nil receiver.
type Metrics struct {
	Registry *prometheus.Registry

	// Meeting metrics
	ActiveMeetings    prometheus.Gauge
	MessagesCommitted *prometheus.CounterVec
	StaleDiscarded    prometheus.Counter
	TurnChanges       *prometheus.CounterVec

	// Generation metrics
	Generations        *prometheus.CounterVec
	GenerationDuration prometheus.Histogram

	// Transcription metrics
	TranscriptionSessions   *prometheus.CounterVec
	TranscriptionReconnects prometheus.Counter

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	RateLimited         prometheus.Counter
	ActiveStreams       prometheus.Gauge
}

// NewMetrics creates all collectors on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		Registry: reg,

		ActiveMeetings: f.NewGauge(prometheus.GaugeOpts{
			Name: "meeting_active",
			Help: "Current number of running meetings",
		}),
		MessagesCommitted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "meeting_messages_committed_total",
			Help: "Messages appended to conversation logs",
		}, []string{"kind"}),
		StaleDiscarded: f.NewCounter(prometheus.CounterOpts{
			Name: "meeting_stale_tokens_discarded_total",
			Help: "Streamed tokens dropped because their turn was no longer current",
		}),
		TurnChanges: f.NewCounterVec(prometheus.CounterOpts{
			Name: "meeting_turn_changes_total",
			Help: "Floor changes by cause",
		}, []string{"cause"}),

		Generations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "meeting_generations_total",
			Help: "Reply generations by outcome",
		}, []string{"outcome"}),
		GenerationDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "meeting_generation_duration_seconds",
			Help:    "Time from request to final token",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms to ~50s
		}),

		TranscriptionSessions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "meeting_transcription_sessions_total",
			Help: "Transcription sessions by terminal event",
		}, []string{"outcome"}),
		TranscriptionReconnects: f.NewCounter(prometheus.CounterOpts{
			Name: "meeting_transcription_reconnects_total",
			Help: "Reconnect attempts scheduled after a dropped connection",
		}),

		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "meeting_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "meeting_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		RateLimited: f.NewCounter(prometheus.CounterOpts{
			Name: "meeting_http_rate_limited_total",
			Help: "Requests rejected by the rate limiter",
		}),
		ActiveStreams: f.NewGauge(prometheus.GaugeOpts{
			Name: "meeting_transcribe_streams_active",
			Help: "Open /transcribe event streams",
		}),
	}
}

func (m *Metrics) MeetingStarted() {
	if m == nil {
		return
	}
	m.ActiveMeetings.Inc()
}

func (m *Metrics) MeetingEnded() {
	if m == nil {
		return
	}
	m.ActiveMeetings.Dec()
}

// RecordCommit counts a committed message; kind is human, agent or fallback.
func (m *Metrics) RecordCommit(kind string) {
	if m == nil {
		return
	}
	m.MessagesCommitted.WithLabelValues(kind).Inc()
}

func (m *Metrics) RecordStaleDiscard() {
	if m == nil {
		return
	}
	m.StaleDiscarded.Inc()
}

func (m *Metrics) RecordTurnChange(cause string) {
	if m == nil {
		return
	}
	m.TurnChanges.WithLabelValues(cause).Inc()
}

func (m *Metrics) RecordGeneration(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.Generations.WithLabelValues(outcome).Inc()
	if outcome != "cancelled" {
		m.GenerationDuration.Observe(d.Seconds())
	}
}

func (m *Metrics) RecordTranscriptionEnd(outcome string) {
	if m == nil {
		return
	}
	m.TranscriptionSessions.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordReconnect() {
	if m == nil {
		return
	}
	m.TranscriptionReconnects.Inc()
}

func (m *Metrics) RecordHTTPRequest(method, endpoint string, statusCode int, d time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, endpoint, strconv.Itoa(statusCode)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(d.Seconds())
}

func (m *Metrics) RecordRateLimited() {
	if m == nil {
		return
	}
	m.RateLimited.Inc()
}

func (m *Metrics) StreamOpened() {
	if m == nil {
		return
	}
	m.ActiveStreams.Inc()
}

func (m *Metrics) StreamClosed() {
	if m == nil {
		return
	}
	m.ActiveStreams.Dec()
}
