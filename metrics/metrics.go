// Package metrics exposes decoder outcomes as prometheus metrics.
package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/opengs/formdecode"
	"github.com/opengs/formdecode/chunk"
	"github.com/opengs/formdecode/multipart"
	"github.com/opengs/formdecode/scanner"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "formdecode"

// Outcome labels.
const (
	OutcomeOK          = "ok"
	OutcomeLimit       = "limit"
	OutcomeProtocol    = "protocol"
	OutcomeUnsupported = "unsupported"
	OutcomeAborted     = "aborted"
	OutcomeError       = "error"
)

type Metrics struct {
	requests   *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	inflight   prometheus.Gauge
	violations *prometheus.CounterVec
	parts      *prometheus.CounterVec
	partBytes  *prometheus.CounterVec
}

// New registers the decoder metrics on reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	m := &Metrics{
		requests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "decoder",
				Name:      "requests_total",
				Help:      "Total number of decoded bodies by media type and outcome",
			},
			[]string{"media_type", "outcome"},
		),
		duration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "decoder",
				Name:      "duration_seconds",
				Help:      "Time spent decoding one body",
				Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
			},
			[]string{"media_type"},
		),
		inflight: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "decoder",
				Name:      "inflight",
				Help:      "Number of bodies being decoded",
			},
		),
		violations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "multipart",
				Name:      "violations_total",
				Help:      "Tolerated multipart compliance violations",
			},
			[]string{"kind"},
		),
		parts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "multipart",
				Name:      "parts_total",
				Help:      "Completed multipart parts by storage",
			},
			[]string{"storage"},
		),
		partBytes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "multipart",
				Name:      "part_bytes_total",
				Help:      "Content bytes of completed multipart parts by storage",
			},
			[]string{"storage"},
		),
	}

	factory.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "chunk",
			Name:      "live",
			Help:      "Chunk handles not released yet",
		},
		func() float64 { return float64(chunk.Live()) },
	)

	return m
}

// Outcome classifies the error returned by a decode.
func Outcome(err error) string {
	switch {
	case err == nil:
		return OutcomeOK
	case formdecode.IsLimit(err):
		return OutcomeLimit
	case formdecode.IsProtocol(err):
		return OutcomeProtocol
	case errors.Is(err, formdecode.ErrUnsupportedContentType):
		return OutcomeUnsupported
	case errors.Is(err, formdecode.ErrAborted):
		return OutcomeAborted
	}
	return OutcomeError
}

// Start marks a decode as in flight. The returned function records its
// outcome.
func (m *Metrics) Start(mediaType string) func(err error) {
	m.inflight.Inc()
	started := time.Now()
	return func(err error) {
		m.inflight.Dec()
		m.duration.WithLabelValues(mediaType).Observe(time.Since(started).Seconds())
		m.requests.WithLabelValues(mediaType, Outcome(err)).Inc()
	}
}

// ObserveViolation is usable as a formdecode violation listener.
func (m *Metrics) ObserveViolation(v scanner.Violation) {
	m.violations.WithLabelValues(v.Kind.String()).Inc()
}

// ObservePart is usable as a formdecode part listener.
func (m *Metrics) ObservePart(p *multipart.Part) {
	storage := "memory"
	if p.Spooled() {
		storage = "file"
	}
	m.parts.WithLabelValues(storage).Inc()
	m.partBytes.WithLabelValues(storage).Add(float64(p.Size()))
}

// Handler serves the metrics gathered by reg.
func Handler(reg prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
