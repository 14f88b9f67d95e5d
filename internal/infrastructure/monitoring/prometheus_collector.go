package monitoring

import (
	"time"

	"peercall/internal/core/domain"
	"peercall/internal/core/ports"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusCollector is the ports.MetricsSink backed by the default
// prometheus registry, scraped through /metrics on the control API.
type PrometheusCollector struct {
	// Signal pipeline
	signalsReceived *prometheus.CounterVec
	signalsDropped  *prometheus.CounterVec
	signalsSent     *prometheus.CounterVec
	glareTotal      prometheus.Counter
	queueDepth      prometheus.Gauge

	// Sessions
	sessionsOpen        prometheus.Gauge
	sessionsOpenedTotal prometheus.Counter

	// Calls
	callsConcluded *prometheus.CounterVec
	callDuration   prometheus.Histogram
}

var _ ports.MetricsSink = (*PrometheusCollector)(nil)

func NewPrometheusCollector() *PrometheusCollector {
	return &PrometheusCollector{
		signalsReceived: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "peercall_signals_received_total",
			Help: "Signal envelopes admitted by the dedup filter",
		}, []string{"kind"}),

		signalsDropped: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "peercall_signals_dropped_total",
			Help: "Signal envelopes dropped before processing",
		}, []string{"reason"}),

		signalsSent: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "peercall_signals_sent_total",
			Help: "Signal envelopes published to the relay",
		}, []string{"kind"}),

		glareTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "peercall_negotiation_glare_total",
			Help: "Offer collisions resolved by the politeness rule",
		}),

		queueDepth: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "peercall_engine_queue_depth",
			Help: "Events waiting in the engine queue",
		}),

		sessionsOpen: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "peercall_peer_sessions_open",
			Help: "Peer sessions currently open",
		}),

		sessionsOpenedTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "peercall_peer_sessions_opened_total",
			Help: "Peer sessions opened since start",
		}),

		callsConcluded: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "peercall_calls_concluded_total",
			Help: "Direct calls concluded, by outcome",
		}, []string{"outcome"}),

		callDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "peercall_call_duration_seconds",
			Help:    "Connected time of ended calls",
			Buckets: []float64{5, 15, 60, 300, 900, 1800, 3600},
		}),
	}
}

func (p *PrometheusCollector) SignalReceived(kind domain.SignalKind) {
	p.signalsReceived.WithLabelValues(string(kind)).Inc()
}

func (p *PrometheusCollector) SignalDropped(reason string) {
	p.signalsDropped.WithLabelValues(reason).Inc()
}

func (p *PrometheusCollector) SignalSent(kind domain.SignalKind) {
	p.signalsSent.WithLabelValues(string(kind)).Inc()
}

func (p *PrometheusCollector) GlareDetected() {
	p.glareTotal.Inc()
}

func (p *PrometheusCollector) SessionOpened() {
	p.sessionsOpen.Inc()
	p.sessionsOpenedTotal.Inc()
}

func (p *PrometheusCollector) SessionClosed() {
	p.sessionsOpen.Dec()
}

func (p *PrometheusCollector) CallConcluded(outcome domain.CallOutcome, duration time.Duration) {
	p.callsConcluded.WithLabelValues(string(outcome)).Inc()
	if outcome == domain.OutcomeEnded {
		p.callDuration.Observe(duration.Seconds())
	}
}

func (p *PrometheusCollector) QueueDepth(n int) {
	p.queueDepth.Set(float64(n))
}

// NopSink discards all metrics; used where no registry is wanted.
type NopSink struct{}

var _ ports.MetricsSink = NopSink{}

func (NopSink) SignalReceived(domain.SignalKind)                {}
func (NopSink) SignalDropped(string)                            {}
func (NopSink) SignalSent(domain.SignalKind)                    {}
func (NopSink) GlareDetected()                                  {}
func (NopSink) SessionOpened()                                  {}
func (NopSink) SessionClosed()                                  {}
func (NopSink) CallConcluded(domain.CallOutcome, time.Duration) {}
func (NopSink) QueueDepth(int)                                  {}
