package server

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects Prometheus-compatible metrics from the validator
// event loop. All metrics are namespaced "afnet".
//
// Exposed metrics:
//
//  1. words_received_total (counter): parse requests admitted.
//  2. answers_sent_total (counter): verdicts routed back to testers.
//  3. words_accepted_total (counter): accepting verdicts routed.
//  4. active_runners (gauge): runner processes currently in flight.
//  5. throttle_transitions_total (counter, label state=on|off): blocking-mode
//     switches made to keep the runner count near the process limit.
//  6. spawn_retries_total (counter): worker spawn attempts that failed and
//     were retried.
//  7. verdict_latency_seconds (histogram): spawn-to-verdict latency.
//
// Create with NewMetrics and pass to the server via WithMetrics. Expose
// with promhttp on a registry of your choice. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	wordsReceived       prometheus.Counter
	answersSent         prometheus.Counter
	wordsAccepted       prometheus.Counter
	activeRunners       prometheus.Gauge
	throttleTransitions *prometheus.CounterVec
	spawnRetries        prometheus.Counter
	verdictLatency      prometheus.Histogram
}

// NewMetrics creates and registers the validator metrics with the given
// registry (prometheus.DefaultRegisterer when nil).
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &Metrics{
		wordsReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "afnet",
			Name:      "words_received_total",
			Help:      "Parse requests admitted by the validator",
		}),
		answersSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "afnet",
			Name:      "answers_sent_total",
			Help:      "Verdicts routed back to testers",
		}),
		wordsAccepted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "afnet",
			Name:      "words_accepted_total",
			Help:      "Accepting verdicts routed back to testers",
		}),
		activeRunners: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "afnet",
			Name:      "active_runners",
			Help:      "Runner processes currently evaluating a word",
		}),
		throttleTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "afnet",
			Name:      "throttle_transitions_total",
			Help:      "Queue blocking-mode switches made to bound the runner count",
		}, []string{"state"}), // state: on, off
		spawnRetries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "afnet",
			Name:      "spawn_retries_total",
			Help:      "Worker spawn attempts that failed and were retried",
		}),
		verdictLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "afnet",
			Name:      "verdict_latency_seconds",
			Help:      "Time from worker spawn to verdict arrival",
			Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1, 5, 10},
		}),
	}
}

// IncReceived counts one admitted parse request.
func (m *Metrics) IncReceived() {
	if m == nil {
		return
	}
	m.wordsReceived.Inc()
}

// IncSent counts one routed verdict; accepted additionally counts it as
// an accepting one.
func (m *Metrics) IncSent(accepted bool) {
	if m == nil {
		return
	}
	m.answersSent.Inc()
	if accepted {
		m.wordsAccepted.Inc()
	}
}

// SetActiveRunners updates the in-flight runner gauge.
func (m *Metrics) SetActiveRunners(n int) {
	if m == nil {
		return
	}
	m.activeRunners.Set(float64(n))
}

// IncThrottle counts one throttling transition.
func (m *Metrics) IncThrottle(on bool) {
	if m == nil {
		return
	}
	state := "off"
	if on {
		state = "on"
	}
	m.throttleTransitions.WithLabelValues(state).Inc()
}

// IncSpawnRetry counts one failed-and-retried worker spawn.
func (m *Metrics) IncSpawnRetry() {
	if m == nil {
		return
	}
	m.spawnRetries.Inc()
}

// ObserveVerdictLatency records one spawn-to-verdict duration.
func (m *Metrics) ObserveVerdictLatency(d time.Duration) {
	if m == nil {
		return
	}
	m.verdictLatency.Observe(d.Seconds())
}
