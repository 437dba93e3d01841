package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "audioproctor"

// Stage outcomes.
const (
	OutcomeOK      = "ok"
	OutcomeRetry   = "retry"
	OutcomeFailed  = "failed"
	OutcomeSkipped = "skipped"
)

// Metrics is safe to use as a nil pointer; every recorder becomes a no-op.
type Metrics struct {
	stageDuration   *prometheus.HistogramVec
	stageOutcomes   *prometheus.CounterVec
	chunksIngested  prometheus.Counter
	flagsEmitted    *prometheus.CounterVec
	notifyFailures  prometheus.Counter
	delayedPromoted prometheus.Counter
	suspicionScores prometheus.Histogram
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		stageDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Time spent executing a pipeline stage.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"stage"}),
		stageOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_outcomes_total",
			Help:      "Pipeline stage invocations by outcome.",
		}, []string{"stage", "outcome"}),
		chunksIngested: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunks_ingested_total",
			Help:      "Audio chunks accepted for processing.",
		}),
		flagsEmitted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flags_emitted_total",
			Help:      "Flags created or escalated by the pipeline.",
		}, []string{"type", "aggregated"}),
		notifyFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_failed_total",
			Help:      "Flag notifications that could not be published.",
		}),
		delayedPromoted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delayed_tasks_promoted_total",
			Help:      "Retry tasks moved from the delay set back onto the stream.",
		}),
		suspicionScores: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "suspicion_score",
			Help:      "Distribution of chunk suspicion scores.",
			Buckets:   prometheus.LinearBuckets(0, 0.1, 11),
		}),
	}
}

func (m *Metrics) ObserveStage(stage, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.stageOutcomes.WithLabelValues(stage, outcome).Inc()
	if outcome == OutcomeOK || outcome == OutcomeRetry || outcome == OutcomeFailed {
		m.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
	}
}

func (m *Metrics) ChunkIngested() {
	if m == nil {
		return
	}
	m.chunksIngested.Inc()
}

func (m *Metrics) FlagEmitted(flagType string, aggregated bool) {
	if m == nil {
		return
	}
	agg := "false"
	if aggregated {
		agg = "true"
	}
	m.flagsEmitted.WithLabelValues(flagType, agg).Inc()
}

func (m *Metrics) NotificationFailed() {
	if m == nil {
		return
	}
	m.notifyFailures.Inc()
}

func (m *Metrics) DelayedPromoted(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.delayedPromoted.Add(float64(n))
}

func (m *Metrics) SuspicionScore(score float64) {
	if m == nil {
		return
	}
	m.suspicionScores.Observe(score)
}
