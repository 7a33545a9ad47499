// Package metrics exports job queue, reconciler and host telemetry to
// prometheus.
package metrics

import (
	"context"
	"time"

	"github.com/projecteru2/core/log"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/obox-cloud/obox/queue"
	"github.com/obox-cloud/obox/reconcile"
	"github.com/obox-cloud/obox/types"
)

const namespace = "obox"

var (
	_ prometheus.Collector = (*Collector)(nil)
	_ queue.Observer       = (*Collector)(nil)
	_ queue.AlertSink      = (*Collector)(nil)
	_ reconcile.Observer   = (*Collector)(nil)
)

// Collector is a prometheus.Collector fed by the dispatcher and reconciler.
type Collector struct {
	jobs            *prometheus.CounterVec
	jobDuration     *prometheus.HistogramVec
	jobsFailed      *prometheus.CounterVec
	reconciled      *prometheus.CounterVec
	reconcileLast   prometheus.Gauge
	reconcileLength prometheus.Histogram

	hostCPU    *prometheus.Desc
	hostMemory *prometheus.Desc
	hostDisk   *prometheus.Desc
	activeVMs  *prometheus.Desc
	host       HostSource
	running    func(context.Context) (int, error)

	// alerts also receives terminal failures, normally the log.
	alerts queue.AlertSink
	now    func() time.Time
}

// NewCollector returns a new Collector forwarding alerts to next.
func NewCollector(next queue.AlertSink) *Collector {
	if next == nil {
		next = queue.LogAlerts{}
	}
	return &Collector{
		jobs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "jobs_total",
				Help:      "Jobs processed, by type and outcome.",
			}, []string{"type", "outcome"},
		),
		jobDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "job_duration_seconds",
				Help:      "Time spent in a job handler.",
				Buckets:   []float64{0.1, 1, 5, 30, 60, 300, 600, 1200},
			}, []string{"type"},
		),
		jobsFailed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "jobs_failed_total",
				Help:      "Jobs that exhausted their attempts or failed permanently.",
			}, []string{"type"},
		),
		reconciled: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reconcile_records_total",
				Help:      "Records visited by the reconciler, by result.",
			}, []string{"result"},
		),
		reconcileLast: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "reconcile_last_run_timestamp_seconds",
				Help:      "Unix time of the last completed reconcile pass.",
			},
		),
		reconcileLength: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "reconcile_duration_seconds",
				Help:      "Duration of reconcile passes.",
				Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60},
			},
		),
		hostCPU: prometheus.NewDesc(prometheus.BuildFQName(namespace, "host", "cpu_usage_ratio"),
			"Host CPU busy time over the last scrape interval.", nil, nil),
		hostMemory: prometheus.NewDesc(prometheus.BuildFQName(namespace, "host", "memory_usage_ratio"),
			"Host memory in use, excluding reclaimable cache.", nil, nil),
		hostDisk: prometheus.NewDesc(prometheus.BuildFQName(namespace, "host", "disk_usage_ratio"),
			"Usage of the filesystem holding the data directory.", nil, nil),
		activeVMs: prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "active_vms"),
			"VMs whose record is running.", nil, nil),
		alerts: next,
		now:    time.Now,
	}
}

// WatchHost adds host usage and running-VM gauges, read on every scrape.
// Either argument may be nil. Call before registering c.
func (c *Collector) WatchHost(src HostSource, running func(context.Context) (int, error)) *Collector {
	c.host, c.running = src, running
	return c
}

// JobFinished implements queue.Observer.
func (c *Collector) JobFinished(typ types.JobType, outcome string, took time.Duration) {
	c.jobs.WithLabelValues(string(typ), outcome).Inc()
	c.jobDuration.WithLabelValues(string(typ)).Observe(took.Seconds())
}

// Alert implements queue.AlertSink.
func (c *Collector) Alert(ctx context.Context, job *types.Job, err error) {
	c.jobsFailed.WithLabelValues(string(job.Type)).Inc()
	c.alerts.Alert(ctx, job, err)
}

// ReconcileFinished implements reconcile.Observer.
func (c *Collector) ReconcileFinished(s reconcile.Summary) {
	for result, n := range map[string]int{
		"updated":   s.Updated,
		"unchanged": s.Unchanged,
		"kept":      s.Kept,
		"busy":      s.Busy,
		"errored":   s.Errored,
	} {
		c.reconciled.WithLabelValues(result).Add(float64(n))
	}
	c.reconcileLast.Set(float64(c.now().Unix()))
	c.reconcileLength.Observe(s.Duration.Seconds())
}

// Describe is part of the prometheus.Collector interface.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.jobs.Describe(ch)
	c.jobDuration.Describe(ch)
	c.jobsFailed.Describe(ch)
	c.reconciled.Describe(ch)
	c.reconcileLast.Describe(ch)
	c.reconcileLength.Describe(ch)
	ch <- c.hostCPU
	ch <- c.hostMemory
	ch <- c.hostDisk
	ch <- c.activeVMs
}

// Collect is part of the prometheus.Collector interface.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.jobs.Collect(ch)
	c.jobDuration.Collect(ch)
	c.jobsFailed.Collect(ch)
	c.reconciled.Collect(ch)
	c.reconcileLast.Collect(ch)
	c.reconcileLength.Collect(ch)
	c.collectHost(ch)
}

// collectHost skips any reading that fails; a scrape never errors on them.
func (c *Collector) collectHost(ch chan<- prometheus.Metric) {
	ctx := context.Background()
	logger := log.WithFunc("metrics.collectHost")
	if c.host != nil {
		for _, g := range []struct {
			desc *prometheus.Desc
			read func() (float64, error)
		}{
			{c.hostCPU, c.host.CPUUsage},
			{c.hostMemory, c.host.MemoryUsage},
			{c.hostDisk, c.host.DiskUsage},
		} {
			v, err := g.read()
			if err != nil {
				logger.Warnf(ctx, "host usage: %v", err)
				continue
			}
			ch <- prometheus.MustNewConstMetric(g.desc, prometheus.GaugeValue, v)
		}
	}
	if c.running != nil {
		n, err := c.running(ctx)
		if err != nil {
			logger.Warnf(ctx, "count running VMs: %v", err)
			return
		}
		ch <- prometheus.MustNewConstMetric(c.activeVMs, prometheus.GaugeValue, float64(n))
	}
}
