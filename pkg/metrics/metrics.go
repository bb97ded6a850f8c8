// Package metrics exposes Prometheus counters/gauges/histograms for the
// unit store, job engine, and mount state machine, plus the Timer helper
// used to time operations. Adapted directly from the teacher's
// pkg/metrics: same NewGaugeVec/NewCounterVec/NewHistogramVec-plus-init()
// registration idiom and the same Timer{start}/NewTimer/ObserveDuration
// shape, with the metric set itself replaced for this domain.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	UnitsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "unitd_units_total",
			Help: "Total number of loaded units by type and load state",
		},
		[]string{"type", "load_state"},
	)

	UnitsActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "unitd_units_active",
			Help: "Total number of units by active state",
		},
		[]string{"active_state"},
	)

	JobsQueued = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "unitd_jobs_queued",
			Help: "Number of jobs currently pending on a unit",
		},
	)

	JobsCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "unitd_jobs_completed_total",
			Help: "Total number of jobs that reached a terminal outcome",
		},
		[]string{"type", "outcome"},
	)

	JobTransactionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "unitd_job_transaction_duration_seconds",
			Help:    "Time taken to expand and commit a job transaction",
			Buckets: prometheus.DefBuckets,
		},
	)

	MountOperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "unitd_mount_operation_duration_seconds",
			Help:    "Time taken for a mount/umount/remount child process to exit",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	MountEscalationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "unitd_mount_escalations_total",
			Help: "Total number of timeout escalations by signal",
		},
		[]string{"signal"},
	)

	EventLoopIterationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "unitd_event_loop_iteration_duration_seconds",
			Help:    "Time taken for one event-loop dispatch pass",
			Buckets: prometheus.DefBuckets,
		},
	)

	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "unitd_queue_depth",
			Help: "Current depth of the load/gc/cleanup/dbus work queues",
		},
		[]string{"queue"},
	)

	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "unitd_api_requests_total",
			Help: "Total number of control API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "unitd_api_request_duration_seconds",
			Help:    "Control API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	FragmentLoadDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "unitd_fragment_load_duration_seconds",
			Help:    "Time taken to parse and apply a unit fragment file",
			Buckets: prometheus.DefBuckets,
		},
	)

	CheckpointDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "unitd_checkpoint_duration_seconds",
			Help:    "Time taken to serialize all units for a re-exec checkpoint",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(UnitsTotal)
	prometheus.MustRegister(UnitsActive)
	prometheus.MustRegister(JobsQueued)
	prometheus.MustRegister(JobsCompletedTotal)
	prometheus.MustRegister(JobTransactionDuration)
	prometheus.MustRegister(MountOperationDuration)
	prometheus.MustRegister(MountEscalationsTotal)
	prometheus.MustRegister(EventLoopIterationDuration)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
	prometheus.MustRegister(FragmentLoadDuration)
	prometheus.MustRegister(CheckpointDuration)
}

// Handler returns the Prometheus scrape HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer times a single operation from construction to ObserveDuration.
type Timer struct {
	start time.Time
}

func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
