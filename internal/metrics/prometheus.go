// Package metrics exposes prometheus collectors for workers, coordinators
// and the checkpoint lock.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "chorus"

// Recorder holds the process's prometheus collectors.
// All methods are safe on a nil Recorder, which records nothing.
type Recorder struct {
	registry *prometheus.Registry

	tasks             *prometheus.CounterVec
	taskDuration      prometheus.Histogram
	retries           prometheus.Counter
	lockWait          prometheus.Histogram
	lockTimeouts      prometheus.Counter
	chaptersCompleted *prometheus.GaugeVec
	chaptersFailed    *prometheus.GaugeVec
	workerBusy        prometheus.Gauge
	progressPublished prometheus.Counter
}

// NewRecorder creates a recorder on its own registry, including Go runtime
// and process collectors.
func NewRecorder() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		tasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_total",
			Help:      "Chapter tasks finished by a worker, by outcome.",
		}, []string{"status"}),
		taskDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_duration_seconds",
			Help:      "Wall time spent executing one chapter task.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 13),
		}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_retries_total",
			Help:      "Chapter tasks scheduled for another attempt.",
		}),
		lockWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "checkpoint_lock_wait_seconds",
			Help:      "Time spent acquiring the session checkpoint lock.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		}),
		lockTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkpoint_lock_timeouts_total",
			Help:      "Checkpoint lock acquisitions that exhausted their attempts.",
		}),
		chaptersCompleted: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "chapters_completed",
			Help:      "Completed chapters per session as last observed.",
		}, []string{"session"}),
		chaptersFailed: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "chapters_failed",
			Help:      "Terminally failed chapters per session as last observed.",
		}, []string{"session"}),
		workerBusy: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "worker_busy",
			Help:      "1 while the embedded worker executes a task.",
		}),
		progressPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "progress_notifications_total",
			Help:      "Progress notifications published by coordinators.",
		}),
	}

	r.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.tasks,
		r.taskDuration,
		r.retries,
		r.lockWait,
		r.lockTimeouts,
		r.chaptersCompleted,
		r.chaptersFailed,
		r.workerBusy,
		r.progressPublished,
	)
	return r
}

// Registry returns the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

// Handler serves the registry in the prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// TaskFinished records one executed task.
func (r *Recorder) TaskFinished(status string, took time.Duration) {
	if r == nil {
		return
	}
	r.tasks.WithLabelValues(status).Inc()
	r.taskDuration.Observe(took.Seconds())
}

// RetryScheduled counts a task sent back for another attempt.
func (r *Recorder) RetryScheduled() {
	if r == nil {
		return
	}
	r.retries.Inc()
}

// LockAcquired observes how long a lock acquisition waited.
func (r *Recorder) LockAcquired(waited time.Duration) {
	if r == nil {
		return
	}
	r.lockWait.Observe(waited.Seconds())
}

// LockTimedOut counts an exhausted lock acquisition.
func (r *Recorder) LockTimedOut() {
	if r == nil {
		return
	}
	r.lockTimeouts.Inc()
}

// SessionProgress updates the per-session chapter gauges.
func (r *Recorder) SessionProgress(session string, completed, failed int) {
	if r == nil {
		return
	}
	r.chaptersCompleted.WithLabelValues(session).Set(float64(completed))
	r.chaptersFailed.WithLabelValues(session).Set(float64(failed))
	r.progressPublished.Inc()
}

// WorkerBusy flips the busy gauge.
func (r *Recorder) WorkerBusy(busy bool) {
	if r == nil {
		return
	}
	if busy {
		r.workerBusy.Set(1)
		return
	}
	r.workerBusy.Set(0)
}
