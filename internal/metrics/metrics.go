// Package metrics exposes Prometheus instruments for rounds and credibility moves.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Round results.
const (
	ResultAccepted = "accepted"
	ResultRejected = "rejected"
	ResultFailed   = "failed"
	ResultReplayed = "replayed"
)

// Metrics holds the node instruments. A nil *Metrics records nothing.
type Metrics struct {
	rounds        *prometheus.CounterVec // rounds counts finished rounds by result
	roundDuration prometheus.Histogram   // roundDuration observes round latency
	groups        prometheus.Histogram   // groups observes the number of groups per round
	copies        prometheus.Counter     // copies counts processed copies
	moves         *prometheus.CounterVec // moves counts credibility updates by verdict
	fetchFailures prometheus.Counter     // fetchFailures counts failed credibility fetches
	registered    prometheus.Gauge       // registered is the number of registered validators
	trustworthy   prometheus.Gauge       // trustworthy is the size of the trustworthy set
	requests      *prometheus.CounterVec // requests counts evaluator requests by type and status
	publishErrors prometheus.Counter     // publishErrors counts failed Kafka publications
}

// New registers the instruments on reg under namespace.
func New(namespace string, reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		rounds: f.NewCounterVec(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_rounds_total", namespace),
			Help: "The total number of verification rounds by result",
		}, []string{"result"}),
		roundDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    fmt.Sprintf("%s_round_duration_seconds", namespace),
			Help:    "The duration of verification rounds",
			Buckets: prometheus.DefBuckets,
		}),
		groups: f.NewHistogram(prometheus.HistogramOpts{
			Name:    fmt.Sprintf("%s_round_groups", namespace),
			Help:    "The number of distinct messages per round",
			Buckets: []float64{1, 2, 3, 4, 6, 8, 16},
		}),
		copies: f.NewCounter(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_copies_total", namespace),
			Help: "The total number of processed message copies",
		}),
		moves: f.NewCounterVec(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_credibility_updates_total", namespace),
			Help: "The total number of credibility updates by verdict",
		}, []string{"verdict"}),
		fetchFailures: f.NewCounter(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_credibility_fetch_failures_total", namespace),
			Help: "The total number of failed credibility fetches",
		}),
		registered: f.NewGauge(prometheus.GaugeOpts{
			Name: fmt.Sprintf("%s_registered_validators", namespace),
			Help: "The number of registered validators",
		}),
		trustworthy: f.NewGauge(prometheus.GaugeOpts{
			Name: fmt.Sprintf("%s_trustworthy_validators", namespace),
			Help: "The number of validators in the trustworthy set",
		}),
		requests: f.NewCounterVec(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_evaluator_requests_total", namespace),
			Help: "The total number of evaluator requests by type and status",
		}, []string{"type", "status"}),
		publishErrors: f.NewCounter(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_publish_errors_total", namespace),
			Help: "The total number of accepted messages that failed to publish",
		}),
	}
}

// ObserveRound records a finished round.
func (m *Metrics) ObserveRound(result string, copies, groups int, elapsed time.Duration) {
	if m == nil {
		return
	}

	m.rounds.WithLabelValues(result).Inc()
	m.roundDuration.Observe(elapsed.Seconds())
	m.copies.Add(float64(copies))

	if groups > 0 {
		m.groups.Observe(float64(groups))
	}
}

// IncRound counts a round without timing it.
func (m *Metrics) IncRound(result string) {
	if m == nil {
		return
	}

	m.rounds.WithLabelValues(result).Inc()
}

// IncFetchFailure counts a failed credibility fetch.
func (m *Metrics) IncFetchFailure() {
	if m == nil {
		return
	}

	m.fetchFailures.Inc()
}

// AddMoves counts credibility updates with the given verdict.
func (m *Metrics) AddMoves(verdict string, n int) {
	if m == nil || n == 0 {
		return
	}

	m.moves.WithLabelValues(verdict).Add(float64(n))
}

// SetRegistered sets the registered validator count.
func (m *Metrics) SetRegistered(n int) {
	if m == nil {
		return
	}

	m.registered.Set(float64(n))
}

// SetTrustworthy sets the trustworthy set size.
func (m *Metrics) SetTrustworthy(n int) {
	if m == nil {
		return
	}

	m.trustworthy.Set(float64(n))
}

// IncRequest counts an evaluator request.
func (m *Metrics) IncRequest(kind, status string) {
	if m == nil {
		return
	}

	m.requests.WithLabelValues(kind, status).Inc()
}

// IncPublishError counts a failed publication.
func (m *Metrics) IncPublishError() {
	if m == nil {
		return
	}

	m.publishErrors.Inc()
}
