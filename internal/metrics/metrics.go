// Package metrics holds the Prometheus instruments for the tracking pipeline.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricPrefix = "bletracker_"

// Observation outcomes.
const (
	ObservationAccepted  = "accepted"
	ObservationDuplicate = "duplicate"
	ObservationMalformed = "malformed"
	ObservationFailed    = "failed"
)

// Estimate outcomes.
const (
	EstimatePositioned  = "positioned"
	EstimateUnavailable = "unavailable"
	EstimateFailed      = "failed"
)

var (
	registerOnce sync.Once

	observationsTotal   *prometheus.CounterVec
	provisionedTotal    *prometheus.CounterVec
	estimatesTotal      *prometheus.CounterVec
	snapshotLatency     prometheus.Histogram
	subscribers         *prometheus.GaugeVec
	droppedFrames       *prometheus.CounterVec
	gatewaysSweptTotal  prometheus.Counter
	dedupClearsTotal    prometheus.Counter
	ingestionErrorsKept *prometheus.CounterVec
)

// Init registers the instruments with the default registry. Calling it more than once is a no-op.
func Init() {
	registerOnce.Do(func() {
		observationsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "observations_total",
				Help: "Inbound beacon sightings by outcome",
			},
			[]string{"result"},
		)
		provisionedTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "provisioned_total",
				Help: "Records auto-provisioned from first sightings by kind",
			},
			[]string{"kind"},
		)
		estimatesTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "estimates_total",
				Help: "Per-beacon position estimates by outcome",
			},
			[]string{"result"},
		)
		snapshotLatency = prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "snapshot_build_seconds",
				Help:    "Live map snapshot build latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
		)
		subscribers = prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: metricPrefix + "subscribers",
				Help: "Connected live map subscribers by transport",
			},
			[]string{"transport"},
		)
		droppedFrames = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "dropped_frames_total",
				Help: "Frames dropped for slow subscribers by transport",
			},
			[]string{"transport"},
		)
		gatewaysSweptTotal = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "gateways_swept_offline_total",
				Help: "Gateways persisted as offline by the maintenance sweep",
			},
		)
		dedupClearsTotal = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "dedup_clears_total",
				Help: "Periodic clears of the jitter suppression table",
			},
		)
		ingestionErrorsKept = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "ingestion_errors_total",
				Help: "Malformed messages by persistence result",
			},
			[]string{"result"},
		)

		prometheus.MustRegister(
			observationsTotal,
			provisionedTotal,
			estimatesTotal,
			snapshotLatency,
			subscribers,
			droppedFrames,
			gatewaysSweptTotal,
			dedupClearsTotal,
			ingestionErrorsKept,
		)
	})
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// IncObservation counts one inbound sighting.
func IncObservation(result string) {
	if result == "" {
		result = "unknown"
	}
	if observationsTotal != nil {
		observationsTotal.WithLabelValues(result).Inc()
	}
}

// IncProvisioned counts an auto-provisioned beacon or gateway.
func IncProvisioned(kind string) {
	if provisionedTotal != nil {
		provisionedTotal.WithLabelValues(kind).Inc()
	}
}

// IncEstimate counts one per-beacon estimate.
func IncEstimate(result string) {
	if estimatesTotal != nil {
		estimatesTotal.WithLabelValues(result).Inc()
	}
}

// ObserveSnapshot records snapshot build latency.
func ObserveSnapshot(duration time.Duration) {
	if snapshotLatency != nil {
		snapshotLatency.Observe(duration.Seconds())
	}
}

// AddSubscribers moves the subscriber gauge for a transport by delta.
func AddSubscribers(transport string, delta int) {
	if subscribers != nil {
		subscribers.WithLabelValues(transport).Add(float64(delta))
	}
}

// IncDroppedFrame counts a frame skipped for a slow subscriber.
func IncDroppedFrame(transport string) {
	if droppedFrames != nil {
		droppedFrames.WithLabelValues(transport).Inc()
	}
}

// AddGatewaysSwept counts gateways marked offline by a sweep.
func AddGatewaysSwept(n int64) {
	if n <= 0 {
		return
	}
	if gatewaysSweptTotal != nil {
		gatewaysSweptTotal.Add(float64(n))
	}
}

// IncDedupClear counts a jitter table clear.
func IncDedupClear() {
	if dedupClearsTotal != nil {
		dedupClearsTotal.Inc()
	}
}

// IncIngestionError counts a malformed message by whether it was persisted, throttled or failed.
func IncIngestionError(result string) {
	if ingestionErrorsKept != nil {
		ingestionErrorsKept.WithLabelValues(result).Inc()
	}
}
