// Package metrics exposes scheduler statistics as Prometheus collectors.
package metrics

import (
	"strconv"

	prom "github.com/prometheus/client_golang/prometheus"

	"github.com/Varulv1997/varnish-cache/pkg/pool"
)

// Source provides the statistics snapshots the collector scrapes. The
// pool registry satisfies it.
type Source interface {
	Snapshot() []pool.PoolStats
	Aggregate() *pool.Aggregate
}

// Collector reads Source snapshots at scrape time and emits them as
// const metrics. No polling goroutine: a scrape is a snapshot.
type Collector struct {
	src Source

	pools       *prom.Desc
	workers     *prom.Desc
	idle        *prom.Desc
	busy        *prom.Desc
	queued      *prom.Desc
	queueCap    *prom.Desc
	created     *prom.Desc
	destroyed   *prom.Desc
	failed      *prom.Desc
	limited     *prom.Desc
	dropped     *prom.Desc
	processed   *prom.Desc
	flushes     *prom.Desc
	flushSkips  *prom.Desc
	stackBytes  *prom.Desc
	gProcessed  *prom.Desc
	gDropped    *prom.Desc
	gStackBytes *prom.Desc
}

var _ prom.Collector = (*Collector)(nil)

// NewCollector creates a collector over src. Register it with a
// prometheus.Registerer to expose it.
func NewCollector(namespace string, src Source) *Collector {
	if namespace == "" {
		namespace = "poold"
	}
	poolLabel := []string{"pool"}
	desc := func(name, help string, labels []string) *prom.Desc {
		return prom.NewDesc(prom.BuildFQName(namespace, "", name), help, labels, nil)
	}

	return &Collector{
		src: src,

		pools:      desc("pools", "Number of live worker pools.", nil),
		workers:    desc("workers", "Live workers per pool.", poolLabel),
		idle:       desc("workers_idle", "Idle workers per pool.", poolLabel),
		busy:       desc("workers_busy", "Busy workers per pool.", poolLabel),
		queued:     desc("queue_length", "Queued tasks per pool.", poolLabel),
		queueCap:   desc("queue_capacity", "Queue capacity per pool.", poolLabel),
		created:    desc("threads_created_total", "Workers created per pool.", poolLabel),
		destroyed:  desc("threads_destroyed_total", "Workers destroyed per pool.", poolLabel),
		failed:     desc("threads_failed_total", "Failed worker creations per pool.", poolLabel),
		limited:    desc("threads_limited_total", "Creations withheld by rate gates per pool.", poolLabel),
		dropped:    desc("queue_dropped_total", "Tasks dropped at queue capacity per pool.", poolLabel),
		processed:  desc("tasks_processed_total", "Tasks processed per pool.", poolLabel),
		flushes:    desc("stats_flushes_total", "Worker stats flushes per pool.", poolLabel),
		flushSkips: desc("stats_flush_skips_total", "Best-effort stats flushes skipped per pool.", poolLabel),
		stackBytes: desc("stack_bytes", "Reserved worker stack bytes per pool.", poolLabel),

		gProcessed:  desc("global_tasks_processed_total", "Tasks processed, herder-flushed view.", nil),
		gDropped:    desc("global_queue_dropped_total", "Tasks dropped, herder-flushed view.", nil),
		gStackBytes: desc("global_stack_bytes", "Reserved worker stack bytes, herder-flushed view.", nil),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prom.Desc) {
	ch <- c.pools
	ch <- c.workers
	ch <- c.idle
	ch <- c.busy
	ch <- c.queued
	ch <- c.queueCap
	ch <- c.created
	ch <- c.destroyed
	ch <- c.failed
	ch <- c.limited
	ch <- c.dropped
	ch <- c.processed
	ch <- c.flushes
	ch <- c.flushSkips
	ch <- c.stackBytes
	ch <- c.gProcessed
	ch <- c.gDropped
	ch <- c.gStackBytes
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prom.Metric) {
	snap := c.src.Snapshot()
	ch <- prom.MustNewConstMetric(c.pools, prom.GaugeValue, float64(len(snap)))

	for _, s := range snap {
		id := strconv.Itoa(s.Pool)
		gauge := func(d *prom.Desc, v float64) {
			ch <- prom.MustNewConstMetric(d, prom.GaugeValue, v, id)
		}
		counter := func(d *prom.Desc, v uint64) {
			ch <- prom.MustNewConstMetric(d, prom.CounterValue, float64(v), id)
		}

		gauge(c.workers, float64(s.Workers))
		gauge(c.idle, float64(s.Idle))
		gauge(c.busy, float64(s.Busy))
		gauge(c.queued, float64(s.Queued))
		gauge(c.queueCap, float64(s.QueueCapacity))
		counter(c.created, s.Created)
		counter(c.destroyed, s.Destroyed)
		counter(c.failed, s.Failed)
		counter(c.limited, s.Limited)
		counter(c.dropped, s.Dropped)
		counter(c.processed, s.Processed)
		counter(c.flushes, s.Flushes)
		counter(c.flushSkips, s.FlushSkips)
		gauge(c.stackBytes, float64(s.StackBytes))
	}

	agg := c.src.Aggregate().Snapshot()
	ch <- prom.MustNewConstMetric(c.gProcessed, prom.CounterValue, float64(agg.TasksProcessed))
	ch <- prom.MustNewConstMetric(c.gDropped, prom.CounterValue, float64(agg.QueueDropped))
	ch <- prom.MustNewConstMetric(c.gStackBytes, prom.GaugeValue, float64(agg.StackBytes))
}
