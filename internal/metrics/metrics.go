package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector owns repbot's prometheus metrics. A nil *Collector is valid and
// records nothing.
type Collector struct {
	registry *prometheus.Registry

	jobsEnqueued  prometheus.Counter
	jobsCompleted prometheus.Counter
	jobsFailed    prometheus.Counter
	jobsRetried   prometheus.Counter
	jobsDead      prometheus.Counter
	jobLatency    prometheus.Histogram

	gamesSettled   *prometheus.CounterVec
	gamesCancelled *prometheus.CounterVec

	orphansRecovered prometheus.Counter
	recoveryTime     prometheus.Gauge
	activeLocks      prometheus.Gauge
}

func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		jobsEnqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "repbot_jobs_enqueued_total",
			Help: "Total number of jobs enqueued",
		}),
		jobsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "repbot_jobs_completed_total",
			Help: "Total number of jobs whose handler succeeded",
		}),
		jobsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "repbot_jobs_failed_total",
			Help: "Total number of failed handler runs",
		}),
		jobsRetried: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "repbot_jobs_retried_total",
			Help: "Total number of jobs rescheduled after a failure",
		}),
		jobsDead: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "repbot_jobs_dead_total",
			Help: "Total number of jobs moved to the dead letter collection",
		}),
		jobLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "repbot_job_latency_seconds",
			Help:    "Delay between a job's scheduled time and its completion",
			Buckets: prometheus.DefBuckets,
		}),
		gamesSettled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "repbot_games_settled_total",
			Help: "Games finished with a winner",
		}, []string{"kind"}),
		gamesCancelled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "repbot_games_cancelled_total",
			Help: "Games finished with refunds",
		}, []string{"kind"}),
		orphansRecovered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "repbot_orphans_recovered_total",
			Help: "Games resolved at startup because no finish job was pending",
		}),
		recoveryTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "repbot_recovery_time_seconds",
			Help: "Duration of the last startup recovery",
		}),
		activeLocks: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "repbot_active_locks",
			Help: "Game ids currently present in the lock registry",
		}),
	}

	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.jobsEnqueued,
		c.jobsCompleted,
		c.jobsFailed,
		c.jobsRetried,
		c.jobsDead,
		c.jobLatency,
		c.gamesSettled,
		c.gamesCancelled,
		c.orphansRecovered,
		c.recoveryTime,
		c.activeLocks,
	)
	return c
}

func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collector) RecordEnqueue() {
	if c == nil {
		return
	}
	c.jobsEnqueued.Inc()
}

func (c *Collector) RecordCompleted(latencySeconds float64) {
	if c == nil {
		return
	}
	c.jobsCompleted.Inc()
	c.jobLatency.Observe(latencySeconds)
}

func (c *Collector) RecordFailed() {
	if c == nil {
		return
	}
	c.jobsFailed.Inc()
}

func (c *Collector) RecordRetried() {
	if c == nil {
		return
	}
	c.jobsRetried.Inc()
}

func (c *Collector) RecordDead() {
	if c == nil {
		return
	}
	c.jobsDead.Inc()
}

func (c *Collector) RecordGame(kind string, cancelled bool) {
	if c == nil {
		return
	}
	if cancelled {
		c.gamesCancelled.WithLabelValues(kind).Inc()
		return
	}
	c.gamesSettled.WithLabelValues(kind).Inc()
}

func (c *Collector) RecordRecovery(orphans int, seconds float64) {
	if c == nil {
		return
	}
	c.orphansRecovered.Add(float64(orphans))
	c.recoveryTime.Set(seconds)
}

func (c *Collector) SetActiveLocks(n int) {
	if c == nil {
		return
	}
	c.activeLocks.Set(float64(n))
}
