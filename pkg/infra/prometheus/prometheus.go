package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var registry = prometheus.NewRegistry()

var registerer = prometheus.WrapRegistererWith(nil, registry)

var (
	// Latency buckets in milliseconds. Detector calls are expected in the
	// low tens; the AI tier and the whole pipeline can reach seconds.
	latencyBuckets = []float64{
		1, 2.5, 5, 10, 25,
		50, 100, 250,
		500, 1000, 2500, 5000,
	}

	RequestTotal = promauto.With(registerer).NewCounterVec(
		prometheus.CounterOpts{
			Name: "stylobot_requests_total",
			Help: "Total number of requests classified",
		},
		[]string{"risk_band", "policy_action"},
	)

	PipelineLatency = promauto.With(registerer).NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "stylobot_pipeline_latency_ms",
			Help:    "End-to-end detection pipeline latency in milliseconds",
			Buckets: latencyBuckets,
		},
		[]string{"early_exit"},
	)

	DetectorLatency = promauto.With(registerer).NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "stylobot_detector_latency_ms",
			Help:    "Per-detector execution latency in milliseconds",
			Buckets: latencyBuckets,
		},
		[]string{"detector", "outcome"},
	)

	WavesExecuted = promauto.With(registerer).NewHistogram(
		prometheus.HistogramOpts{
			Name:    "stylobot_waves_executed",
			Help:    "Number of detector waves executed per request",
			Buckets: []float64{1, 2, 3, 4, 5, 6, 8, 10},
		},
	)

	WaveSize = promauto.With(registerer).NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "stylobot_wave_size",
			Help:    "Detectors scheduled per wave",
			Buckets: []float64{1, 2, 4, 6, 8, 12, 16},
		},
		[]string{"wave"},
	)

	BreakerTransitions = promauto.With(registerer).NewCounterVec(
		prometheus.CounterOpts{
			Name: "stylobot_breaker_transitions_total",
			Help: "Circuit breaker state transitions per detector",
		},
		[]string{"detector", "from", "to"},
	)

	AberrantSignatures = promauto.With(registerer).NewGauge(
		prometheus.GaugeOpts{
			Name: "stylobot_aberrant_signatures",
			Help: "Signatures currently flagged as aberrant",
		},
	)

	TrackedSignatures = promauto.With(registerer).NewGauge(
		prometheus.GaugeOpts{
			Name: "stylobot_tracked_signatures",
			Help: "Signatures with a live sliding window",
		},
	)

	SignatureFamilies = promauto.With(registerer).NewGauge(
		prometheus.GaugeOpts{
			Name: "stylobot_signature_families",
			Help: "Active signature families",
		},
	)

	FastPathMatches = promauto.With(registerer).NewCounterVec(
		prometheus.CounterOpts{
			Name: "stylobot_fastpath_matches_total",
			Help: "Fast-path signature matcher outcomes",
		},
		[]string{"match_type"},
	)

	AISamplesQueued = promauto.With(registerer).NewCounterVec(
		prometheus.CounterOpts{
			Name: "stylobot_ai_samples_queued_total",
			Help: "Verdicts queued for offline AI classification",
		},
		[]string{"reason"},
	)
)

func Initialize() {
	registry.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	prometheus.DefaultRegisterer = registry
	prometheus.DefaultGatherer = registry
}

// Registry exposes the private registry for the metrics HTTP handler.
func Registry() *prometheus.Registry {
	return registry
}
