// Package telemetry exposes the gateway's Prometheus metrics: inference
// counts by provider and outcome, first-token/response-time histograms,
// and a live count of in-flight streams.
package telemetry

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// durationBuckets is tuned for LLM call latencies: fast unary calls in the
// low hundreds of milliseconds, slow generations up to half a minute.
var durationBuckets = []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30}

// Metrics holds every gateway-level Prometheus collector. Zero value is
// unusable; build one with NewMetrics.
type Metrics struct {
	inferencesTotal  *prometheus.CounterVec
	responseTime     *prometheus.HistogramVec
	firstTokenTime   *prometheus.HistogramVec
	activeStreams    atomic.Int64
	activeStreamsVec prometheus.GaugeFunc
}

// NewMetrics registers every collector against reg and returns the handle
// used to record observations. Passing a fresh *prometheus.Registry per
// test keeps test runs from colliding with each other's global state.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		inferencesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "llmgateway",
			Name:      "inferences_total",
			Help:      "Completed inferences by provider, model, and outcome.",
		}, []string{"provider", "model", "outcome"}),
		responseTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "llmgateway",
			Name:      "inference_response_time_seconds",
			Help:      "End-to-end inference response time.",
			Buckets:   durationBuckets,
		}, []string{"provider", "model"}),
		firstTokenTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "llmgateway",
			Name:      "inference_first_token_seconds",
			Help:      "Time to first content-carrying chunk, streaming inferences only.",
			Buckets:   durationBuckets,
		}, []string{"provider", "model"}),
	}

	m.activeStreamsVec = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "llmgateway",
		Name:      "active_streams",
		Help:      "Number of streaming inferences currently in flight.",
	}, func() float64 { return float64(m.activeStreams.Load()) })

	reg.MustRegister(m.inferencesTotal, m.responseTime, m.firstTokenTime, m.activeStreamsVec)
	return m
}

// RecordInference records one completed (unary or reassembled-streaming)
// inference's outcome and response time.
func (m *Metrics) RecordInference(provider, model, outcome string, responseTime time.Duration) {
	m.inferencesTotal.WithLabelValues(provider, model, outcome).Inc()
	m.responseTime.WithLabelValues(provider, model).Observe(responseTime.Seconds())
}

// RecordFirstToken records a streaming inference's time-to-first-token.
func (m *Metrics) RecordFirstToken(provider, model string, ttft time.Duration) {
	m.firstTokenTime.WithLabelValues(provider, model).Observe(ttft.Seconds())
}

// StreamStarted increments the active-stream gauge. Call StreamEnded when
// the stream completes or is cancelled, however it ends.
func (m *Metrics) StreamStarted() {
	m.activeStreams.Add(1)
}

// StreamEnded decrements the active-stream gauge.
func (m *Metrics) StreamEnded() {
	m.activeStreams.Add(-1)
}
