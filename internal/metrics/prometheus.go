package metrics

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nsai-detect/backend/pkg/circuitbreaker"
)

var (
	JobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nsai_jobs_total",
			Help: "Jobs that reached a terminal status",
		},
		[]string{"status"},
	)

	JobDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "nsai_job_duration_seconds",
			Help:    "Wall time from job start to terminal status",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		},
	)

	StageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nsai_stage_duration_seconds",
			Help:    "Per-job stage duration in seconds",
			Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
		},
		[]string{"stage"},
	)

	ImagesProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nsai_images_processed_total",
			Help: "Images processed per stage and outcome",
		},
		[]string{"stage", "result"},
	)

	TileFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "nsai_tile_failures_total",
			Help: "Detector calls that failed for a single tile",
		},
	)

	DetectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nsai_detections_total",
			Help: "Detections emitted per stage",
		},
		[]string{"stage"},
	)

	NMSReduction = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "nsai_nms_reduction_ratio",
			Help:    "Fraction of raw detections removed by duplicate suppression",
			Buckets: []float64{0, 0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0},
		},
	)

	SymbolicAdjustments = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nsai_symbolic_adjustments_total",
			Help: "Confidence adjustments applied by rule",
		},
		[]string{"action"},
	)

	SymbolicFallbacks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nsai_symbolic_fallbacks_total",
			Help: "Jobs whose refined output fell back to NMS output",
		},
		[]string{"reason"},
	)

	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "nsai_queue_depth",
			Help: "Jobs waiting for a worker",
		},
	)

	ActiveJobs = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "nsai_active_jobs",
			Help: "Jobs currently being processed",
		},
	)

	BreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "nsai_circuit_breaker_state",
			Help: "Breaker state per collaborator: 0 closed, 1 half-open, 2 open",
		},
		[]string{"service"},
	)

	ExternalRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nsai_external_retries_total",
			Help: "Retried calls to the detector service or the rules graph",
		},
		[]string{"service"},
	)
)

func Init() {
	prometheus.MustRegister(JobsTotal)
	prometheus.MustRegister(JobDuration)
	prometheus.MustRegister(StageDuration)
	prometheus.MustRegister(ImagesProcessed)
	prometheus.MustRegister(TileFailures)
	prometheus.MustRegister(DetectionsTotal)
	prometheus.MustRegister(NMSReduction)
	prometheus.MustRegister(SymbolicAdjustments)
	prometheus.MustRegister(SymbolicFallbacks)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(ActiveJobs)
	prometheus.MustRegister(BreakerState)
	prometheus.MustRegister(ExternalRetries)
}

// ObserveBreaker is a circuit breaker state-change hook.
func ObserveBreaker(name string, _, to circuitbreaker.State) {
	BreakerState.WithLabelValues(name).Set(float64(to))
}

// RetryHook returns a retry hook counting retries for service.
func RetryHook(service string) func(int, error) {
	return func(int, error) {
		ExternalRetries.WithLabelValues(service).Inc()
	}
}

func MetricsHandler() fiber.Handler {
	return adaptor.HTTPHandler(promhttp.Handler())
}
