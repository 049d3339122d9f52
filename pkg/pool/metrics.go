package pool

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the engine's Prometheus collectors. Register once per
// process; all components share the instance.
type Metrics struct {
	SessionsTotal    *prometheus.CounterVec
	ActiveSessions   prometheus.Gauge
	StageDuration    *prometheus.HistogramVec
	StageAttempts    *prometheus.CounterVec
	PipelineDuration prometheus.Histogram
	BudgetMisses     prometheus.Counter
	ImageCacheHits   prometheus.Counter
	ImageCacheMisses prometheus.Counter
	HITLResolutions  *prometheus.CounterVec
	EventsDropped    prometheus.Counter
}

// NewMetrics creates and registers the collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SessionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "comicd",
			Name:      "sessions_total",
			Help:      "Sessions reaching a terminal state, by status.",
		}, []string{"status"}),
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "comicd",
			Name:      "active_sessions",
			Help:      "Sessions currently admitted.",
		}),
		StageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "comicd",
			Name:      "stage_duration_seconds",
			Help:      "Wall-clock duration per stage attempt.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 15, 20, 30, 60},
		}, []string{"stage"}),
		StageAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "comicd",
			Name:      "stage_attempts_total",
			Help:      "Stage attempts by gate outcome.",
		}, []string{"stage", "outcome"}),
		PipelineDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "comicd",
			Name:      "pipeline_duration_seconds",
			Help:      "End-to-end pipeline duration for completed sessions.",
			Buckets:   []float64{30, 60, 97, 120, 180, 300, 600},
		}),
		BudgetMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "comicd",
			Name:      "pipeline_budget_misses_total",
			Help:      "Completed sessions exceeding the pipeline time budget.",
		}),
		ImageCacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "comicd",
			Name:      "image_cache_hits_total",
			Help:      "Image generations served from cache.",
		}),
		ImageCacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "comicd",
			Name:      "image_cache_misses_total",
			Help:      "Image generations that reached the backend.",
		}),
		HITLResolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "comicd",
			Name:      "hitl_resolutions_total",
			Help:      "Feedback rendezvous resolutions by kind.",
		}, []string{"resolution"}),
		EventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "comicd",
			Name:      "subscriber_disconnects_total",
			Help:      "Subscribers disconnected for falling behind.",
		}),
	}

	reg.MustRegister(
		m.SessionsTotal, m.ActiveSessions, m.StageDuration, m.StageAttempts,
		m.PipelineDuration, m.BudgetMisses, m.ImageCacheHits, m.ImageCacheMisses,
		m.HITLResolutions, m.EventsDropped,
	)
	return m
}

// NopMetrics returns metrics backed by an unexported registry, for tests and
// callers that do not scrape.
func NopMetrics() *Metrics {
	return NewMetrics(prometheus.NewRegistry())
}

// ObserveStage records one stage attempt.
func (m *Metrics) ObserveStage(stageName string, outcome string, elapsed time.Duration) {
	m.StageDuration.WithLabelValues(stageName).Observe(elapsed.Seconds())
	m.StageAttempts.WithLabelValues(stageName, outcome).Inc()
}

// ObservePipeline records one completed session against the time budget.
func (m *Metrics) ObservePipeline(elapsed, budget time.Duration) {
	m.PipelineDuration.Observe(elapsed.Seconds())
	if budget > 0 && elapsed > budget {
		m.BudgetMisses.Inc()
	}
}
