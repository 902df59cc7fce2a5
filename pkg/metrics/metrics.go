package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Queue metrics
	TasksTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "taskqd_tasks_total",
			Help: "Total number of tasks by status",
		},
		[]string{"status"},
	)

	GroupsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "taskqd_groups_total",
			Help: "Total number of groups",
		},
	)

	GroupParallelismUsed = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "taskqd_group_parallelism_used",
			Help: "Running or Paused (non-force-started) task count per group, relative to its cap",
		},
		[]string{"group"},
	)

	// API metrics
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskqd_requests_total",
			Help: "Total number of dispatched requests by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "taskqd_request_duration_seconds",
			Help:    "Request dispatch duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	// Scheduler metrics
	SchedulingLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "taskqd_scheduling_latency_seconds",
			Help:    "Time taken for one scheduler tick to complete",
			Buckets: prometheus.DefBuckets,
		},
	)

	TasksStarted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "taskqd_tasks_started_total",
			Help: "Total number of tasks started by the scheduler",
		},
	)

	TasksFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskqd_tasks_finished_total",
			Help: "Total number of tasks that reached Done, by result kind",
		},
		[]string{"result"},
	)

	// Process metrics
	ProcessSpawnDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "taskqd_process_spawn_duration_seconds",
			Help:    "Time taken to fork/exec a task's child process",
			Buckets: prometheus.DefBuckets,
		},
	)

	CallbacksFired = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "taskqd_callbacks_fired_total",
			Help: "Total number of Done-transition callbacks fired",
		},
	)

	// Snapshot persistence metrics
	SnapshotDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "taskqd_snapshot_duration_seconds",
			Help:    "Time taken to write a state snapshot to disk",
			Buckets: prometheus.DefBuckets,
		},
	)

	SnapshotsWritten = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "taskqd_snapshots_written_total",
			Help: "Total number of state snapshots persisted",
		},
	)
)

func init() {
	prometheus.MustRegister(TasksTotal)
	prometheus.MustRegister(GroupsTotal)
	prometheus.MustRegister(GroupParallelismUsed)
	prometheus.MustRegister(RequestsTotal)
	prometheus.MustRegister(RequestDuration)
	prometheus.MustRegister(SchedulingLatency)
	prometheus.MustRegister(TasksStarted)
	prometheus.MustRegister(TasksFinished)
	prometheus.MustRegister(ProcessSpawnDuration)
	prometheus.MustRegister(CallbacksFired)
	prometheus.MustRegister(SnapshotDuration)
	prometheus.MustRegister(SnapshotsWritten)
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
