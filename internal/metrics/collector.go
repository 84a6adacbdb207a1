// Package metrics computes the on-demand per-queue snapshot and exposes
// it as a Prometheus text projection: a recomputed-per-scrape gauge set
// rather than fixed always-incrementing counters.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pgflow/pgflow/internal/store"
)

const window = 60 * time.Second

// StatsSource is the counting surface the collector needs; satisfied by
// *store.Stats in production and a fake in tests.
type StatsSource interface {
	QueueDepth(ctx context.Context, queue string) (int64, error)
	RunningCount(ctx context.Context, queue string) (int64, error)
	WindowCounts(ctx context.Context, queue string, window time.Duration) (succeeded, failed int64, meanLatencyMs float64, err error)
}

// Snapshot is the per-queue rolling-window view computed on demand.
type Snapshot struct {
	Queue              string
	RunnableQueueDepth int64
	JobsPerSec         float64
	SuccessRate        float64
	RetryRate          float64
	MeanLatencyMs      float64
}

// Collector computes Snapshots and projects them onto Prometheus gauges
// held on its own registry, so a Collector never collides with another
// one (or another package) registering the same metric name.
type Collector struct {
	stats    StatsSource
	registry *prometheus.Registry

	queueDepth   *prometheus.GaugeVec
	runningJobs  *prometheus.GaugeVec
	succeeded60s *prometheus.GaugeVec
	failed60s    *prometheus.GaugeVec
}

// NewCollector constructs a Collector backed by stats.
func NewCollector(stats StatsSource) *Collector {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Collector{
		stats:    stats,
		registry: reg,
		queueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pgflow_queue_depth",
			Help: "Number of jobs currently queued and due to run.",
		}, []string{"queue"}),
		runningJobs: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pgflow_running_jobs",
			Help: "Number of jobs currently leased and running.",
		}, []string{"queue"}),
		succeeded60s: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pgflow_jobs_succeeded_last_60s",
			Help: "Number of attempts that succeeded in the trailing 60 seconds.",
		}, []string{"queue"}),
		failed60s: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pgflow_jobs_failed_last_60s",
			Help: "Number of attempts that failed in the trailing 60 seconds.",
		}, []string{"queue"}),
	}
}

// Snapshot computes the rolling-window view for queue.
func (c *Collector) Snapshot(ctx context.Context, queue string) (Snapshot, error) {
	depth, err := c.stats.QueueDepth(ctx, queue)
	if err != nil {
		return Snapshot{}, err
	}
	succeeded, failed, meanLatencyMs, err := c.stats.WindowCounts(ctx, queue, window)
	if err != nil {
		return Snapshot{}, err
	}

	total := succeeded + failed
	snap := Snapshot{
		Queue:              queue,
		RunnableQueueDepth: depth,
		JobsPerSec:         float64(total) / window.Seconds(),
		MeanLatencyMs:      meanLatencyMs,
	}
	if total > 0 {
		snap.SuccessRate = float64(succeeded) / float64(total)
		snap.RetryRate = float64(failed) / float64(total)
	}
	return snap, nil
}

// Refresh recomputes the snapshot for every queue in queues and pushes
// it onto the Prometheus gauges, ready for the next /metrics/prom scrape.
func (c *Collector) Refresh(ctx context.Context, queues []string) error {
	for _, queue := range queues {
		running, err := c.stats.RunningCount(ctx, queue)
		if err != nil {
			return err
		}
		snap, err := c.Snapshot(ctx, queue)
		if err != nil {
			return err
		}

		c.queueDepth.WithLabelValues(queue).Set(float64(snap.RunnableQueueDepth))
		c.runningJobs.WithLabelValues(queue).Set(float64(running))
		succeeded, failed, _, err := c.stats.WindowCounts(ctx, queue, window)
		if err != nil {
			return err
		}
		c.succeeded60s.WithLabelValues(queue).Set(float64(succeeded))
		c.failed60s.WithLabelValues(queue).Set(float64(failed))
	}
	return nil
}

// PrometheusHandler returns a handler that refreshes every queue in
// queues, then delegates to the standard promhttp text exposition.
func (c *Collector) PrometheusHandler(queues []string) http.Handler {
	next := promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := c.Refresh(r.Context(), queues); err != nil {
			http.Error(w, "failed to refresh metrics: "+err.Error(), http.StatusInternalServerError)
			return
		}
		next.ServeHTTP(w, r)
	})
}
