package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	OutcomeOK    = "ok"
	OutcomeError = "error"
)

// Metrics groups the service collectors. A nil *Metrics records nothing.
type Metrics struct {
	reports        *prometheus.CounterVec
	reportDuration *prometheus.HistogramVec
	chatTurns      *prometheus.CounterVec
	framesDropped  *prometheus.CounterVec
	rateLimited    *prometheus.CounterVec
	certifications *prometheus.CounterVec
	queueDepth     prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		reports: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "crashgenius_reports_total",
			Help: "Crash report generations by provider and outcome",
		}, []string{"provider", "outcome"}),
		reportDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "crashgenius_report_duration_seconds",
			Help:    "Crash report generation latency",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 10),
		}, []string{"provider"}),
		chatTurns: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "crashgenius_chat_turns_total",
			Help: "Chat turns by provider and outcome",
		}, []string{"provider", "outcome"}),
		framesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "crashgenius_stream_frames_dropped_total",
			Help: "Malformed stream frames skipped while reading replies",
		}, []string{"provider"}),
		rateLimited: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "crashgenius_rate_limited_total",
			Help: "Requests rejected by the per-client rate limiter",
		}, []string{"route"}),
		certifications: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "crashgenius_certifications_total",
			Help: "Certification jobs processed by outcome",
		}, []string{"outcome"}),
		queueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "crashgenius_certify_queue_depth",
			Help: "Certification jobs waiting in the queue",
		}),
	}
}

func outcome(err error) string {
	if err != nil {
		return OutcomeError
	}
	return OutcomeOK
}

func (m *Metrics) ObserveReport(provider string, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	m.reports.WithLabelValues(provider, outcome(err)).Inc()
	m.reportDuration.WithLabelValues(provider).Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveChatTurn(provider string, err error) {
	if m == nil {
		return
	}
	m.chatTurns.WithLabelValues(provider, outcome(err)).Inc()
}

func (m *Metrics) StreamFrameDropped(provider string) {
	if m == nil {
		return
	}
	m.framesDropped.WithLabelValues(provider).Inc()
}

func (m *Metrics) RateLimited(route string) {
	if m == nil {
		return
	}
	m.rateLimited.WithLabelValues(route).Inc()
}

func (m *Metrics) ObserveCertification(err error) {
	if m == nil {
		return
	}
	m.certifications.WithLabelValues(outcome(err)).Inc()
}

func (m *Metrics) SetQueueDepth(depth int64) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(depth))
}
