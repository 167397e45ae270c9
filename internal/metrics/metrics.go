package metrics

import (
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	cyclesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "autopost_trigger_cycles_total",
		Help: "Total number of trigger loop cycles",
	})

	cycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "autopost_trigger_cycle_duration_seconds",
		Help:    "Duration of trigger loop cycles",
		Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
	})

	jobOutcomesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autopost_job_outcomes_total",
			Help: "Dispatch outcomes by kind",
		},
		[]string{"outcome"},
	)

	publishStepsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autopost_publish_steps_total",
			Help: "Platform calls by step and result",
		},
		[]string{"step", "result"},
	)

	lockAcquireTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autopost_lock_acquire_total",
			Help: "Lock acquisitions by result",
		},
		[]string{"result"},
	)

	abandonedJobs = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "autopost_abandoned_jobs",
		Help: "Unposted jobs whose admission window has closed",
	})

	lastCycle = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "autopost_trigger_last_cycle_timestamp_seconds",
		Help: "Unix time of the last completed trigger cycle",
	})
)

// RecordCycle notes one completed trigger cycle.
func RecordCycle(took time.Duration, at time.Time) {
	cyclesTotal.Inc()
	cycleDuration.Observe(took.Seconds())
	lastCycle.Set(float64(at.Unix()))
}

func RecordOutcome(outcome string) {
	jobOutcomesTotal.WithLabelValues(normalizeLabel(outcome)).Inc()
}

// RecordStep notes one platform call. result is "ok" or a failure category.
func RecordStep(step, result string) {
	publishStepsTotal.WithLabelValues(normalizeLabel(step), normalizeLabel(result)).Inc()
}

// RecordLock notes a lock acquisition: "acquired", "contended" or "error".
func RecordLock(result string) {
	lockAcquireTotal.WithLabelValues(normalizeLabel(result)).Inc()
}

func SetAbandoned(n int) { abandonedJobs.Set(float64(n)) }

func normalizeLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
