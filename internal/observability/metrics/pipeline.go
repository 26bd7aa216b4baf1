package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kirillkom/document-classifier/internal/core/domain"
)

// PipelineMetrics records the worker side: stage timings, validation effort, terminal outcomes,
// intake queue depth and feedback results.
type PipelineMetrics struct {
	registry *prometheus.Registry
	service  string

	stageDuration      *prometheus.HistogramVec
	validationAttempts prometheus.Histogram
	validationScore    prometheus.Histogram
	jobsTotal          *prometheus.CounterVec
	jobDuration        *prometheus.HistogramVec
	queueWait          prometheus.Histogram
	queuePending       prometheus.Gauge
	queueRunning       prometheus.Gauge
	feedbackTotal      *prometheus.CounterVec
}

func NewPipelineMetrics(service string) *PipelineMetrics {
	registry := prometheus.NewRegistry()
	constLabels := prometheus.Labels{"service": service}

	stageDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace:   "classifier",
			Subsystem:   "pipeline",
			Name:        "stage_duration_seconds",
			Help:        "Time spent in each pipeline stage.",
			Buckets:     []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
			ConstLabels: constLabels,
		},
		[]string{"stage"},
	)
	validationAttempts := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace:   "classifier",
			Subsystem:   "validation",
			Name:        "attempts",
			Help:        "LLM attempts per validated document.",
			Buckets:     []float64{1, 2, 3, 4, 5},
			ConstLabels: constLabels,
		},
	)
	validationScore := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace:   "classifier",
			Subsystem:   "validation",
			Name:        "best_confidence",
			Help:        "Best normalized LLM confidence per validated document.",
			Buckets:     prometheus.LinearBuckets(0.1, 0.1, 10),
			ConstLabels: constLabels,
		},
	)
	jobsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   "classifier",
			Subsystem:   "pipeline",
			Name:        "jobs_total",
			Help:        "Jobs that reached a terminal stage.",
			ConstLabels: constLabels,
		},
		[]string{"terminal"},
	)
	jobDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace:   "classifier",
			Subsystem:   "pipeline",
			Name:        "job_duration_seconds",
			Help:        "End-to-end job duration by terminal stage.",
			Buckets:     prometheus.DefBuckets,
			ConstLabels: constLabels,
		},
		[]string{"terminal"},
	)
	queueWait := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace:   "classifier",
			Subsystem:   "intake",
			Name:        "queue_wait_seconds",
			Help:        "Delay between admission and processing start.",
			Buckets:     []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600},
			ConstLabels: constLabels,
		},
	)
	queuePending := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace:   "classifier",
			Subsystem:   "intake",
			Name:        "pending_jobs",
			Help:        "Admitted jobs waiting for a worker.",
			ConstLabels: constLabels,
		},
	)
	queueRunning := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace:   "classifier",
			Subsystem:   "intake",
			Name:        "running_jobs",
			Help:        "Jobs currently held by a worker.",
			ConstLabels: constLabels,
		},
	)
	feedbackTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   "classifier",
			Subsystem:   "feedback",
			Name:        "artifacts_total",
			Help:        "Processed feedback artifacts by result.",
			ConstLabels: constLabels,
		},
		[]string{"result"},
	)

	registry.MustRegister(
		stageDuration,
		validationAttempts,
		validationScore,
		jobsTotal,
		jobDuration,
		queueWait,
		queuePending,
		queueRunning,
		feedbackTotal,
	)

	return &PipelineMetrics{
		registry:           registry,
		service:            service,
		stageDuration:      stageDuration,
		validationAttempts: validationAttempts,
		validationScore:    validationScore,
		jobsTotal:          jobsTotal,
		jobDuration:        jobDuration,
		queueWait:          queueWait,
		queuePending:       queuePending,
		queueRunning:       queueRunning,
		feedbackTotal:      feedbackTotal,
	}
}

func (m *PipelineMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RegisterBreakerStates exposes circuit breaker states read from states on every scrape.
func (m *PipelineMetrics) RegisterBreakerStates(states func() map[string]string) {
	m.registry.MustRegister(&breakerCollector{
		states: states,
		desc: prometheus.NewDesc(
			"classifier_resilience_breaker_open",
			"1 when the circuit breaker of an operation is open.",
			[]string{"operation", "state"},
			prometheus.Labels{"service": m.service},
		),
	})
}

func (m *PipelineMetrics) StageCompleted(stage domain.Stage, elapsed time.Duration) {
	m.stageDuration.WithLabelValues(string(stage)).Observe(elapsed.Seconds())
}

func (m *PipelineMetrics) ValidationFinished(attempts int, confidence float64) {
	if attempts > 0 {
		m.validationAttempts.Observe(float64(attempts))
	}
	m.validationScore.Observe(confidence)
}

func (m *PipelineMetrics) JobFinished(outcome domain.Outcome) {
	terminal := string(outcome.Terminal)
	if terminal == "" {
		terminal = "unknown"
	}
	m.jobsTotal.WithLabelValues(terminal).Inc()
	m.jobDuration.WithLabelValues(terminal).Observe(outcome.Elapsed.Seconds())
}

func (m *PipelineMetrics) FeedbackProcessed(result string) {
	if result == "" {
		result = "unknown"
	}
	m.feedbackTotal.WithLabelValues(result).Inc()
}

func (m *PipelineMetrics) JobStarted(waited time.Duration) {
	if waited < 0 {
		return
	}
	m.queueWait.Observe(waited.Seconds())
}

func (m *PipelineMetrics) QueueDepth(pending, running int) {
	m.queuePending.Set(float64(pending))
	m.queueRunning.Set(float64(running))
}

type breakerCollector struct {
	states func() map[string]string
	desc   *prometheus.Desc
}

func (c *breakerCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.desc
}

func (c *breakerCollector) Collect(ch chan<- prometheus.Metric) {
	for op, state := range c.states() {
		value := 0.0
		if state == "open" {
			value = 1
		}
		ch <- prometheus.MustNewConstMetric(c.desc, prometheus.GaugeValue, value, op, state)
	}
}
