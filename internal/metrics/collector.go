// internal/metrics/collector.go
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/push"
)

const namespace = "shipyard"

// Collector holds the Prometheus metrics for deployments, probes and backups.
// A nil *Collector is valid and records nothing.
type Collector struct {
	Deployments      *prometheus.CounterVec
	DeployDuration   *prometheus.HistogramVec
	ProbeResults     *prometheus.CounterVec
	ProbeLatency     *prometheus.HistogramVec
	HealthStatus     *prometheus.GaugeVec
	Backups          *prometheus.CounterVec
	BackupBytes      *prometheus.GaugeVec
	RetentionDeleted *prometheus.CounterVec
	registry         *prometheus.Registry
}

// NewCollector creates a collector with its own registry
func NewCollector() *Collector {
	registry := prometheus.NewRegistry()

	c := &Collector{
		Deployments: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "deployments_total",
				Help:      "Deployment attempts by kind and terminal status",
			},
			[]string{"environment", "kind", "status"},
		),
		DeployDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "deployment_duration_seconds",
				Help:      "Wall time from PENDING to a terminal status",
				Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
			},
			[]string{"environment", "kind"},
		),
		ProbeResults: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "probe_results_total",
				Help:      "Final probe results by status",
			},
			[]string{"probe", "status"},
		),
		ProbeLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "probe_latency_seconds",
				Help:      "Latency of the authoritative probe attempt",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"probe"},
		),
		HealthStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "health_status",
				Help:      "Last overall health, 1 for the current status label",
			},
			[]string{"status"},
		),
		Backups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "backups_total",
				Help:      "Backup lifecycle events",
			},
			[]string{"environment", "event"},
		),
		BackupBytes: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "backup_last_size_bytes",
				Help:      "Size of the most recently created backup artifact",
			},
			[]string{"environment"},
		),
		RetentionDeleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retention_deleted_total",
				Help:      "Backups removed by retention sweeps",
			},
			[]string{"environment"},
		),
		registry: registry,
	}

	registry.MustRegister(
		c.Deployments,
		c.DeployDuration,
		c.ProbeResults,
		c.ProbeLatency,
		c.HealthStatus,
		c.Backups,
		c.BackupBytes,
		c.RetentionDeleted,
	)

	return c
}

// RecordDeployment records a terminal deployment
func (c *Collector) RecordDeployment(env, kind, status string, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.Deployments.WithLabelValues(env, kind, status).Inc()
	c.DeployDuration.WithLabelValues(env, kind).Observe(elapsed.Seconds())
}

// RecordProbe records the authoritative result of a probe
func (c *Collector) RecordProbe(probe, status string, latency time.Duration) {
	if c == nil {
		return
	}
	c.ProbeResults.WithLabelValues(probe, status).Inc()
	c.ProbeLatency.WithLabelValues(probe).Observe(latency.Seconds())
}

// RecordHealth sets the overall health gauge
func (c *Collector) RecordHealth(status string, all []string) {
	if c == nil {
		return
	}
	for _, s := range all {
		value := 0.0
		if s == status {
			value = 1
		}
		c.HealthStatus.WithLabelValues(s).Set(value)
	}
}

// RecordBackup records a backup event; bytes is only used for "created"
func (c *Collector) RecordBackup(env, event string, bytes int64) {
	if c == nil {
		return
	}
	c.Backups.WithLabelValues(env, event).Inc()
	if event == "created" {
		c.BackupBytes.WithLabelValues(env).Set(float64(bytes))
	}
}

// RecordRetention records backups deleted by a sweep
func (c *Collector) RecordRetention(env string, deleted int) {
	if c == nil {
		return
	}
	c.RetentionDeleted.WithLabelValues(env).Add(float64(deleted))
}

// Registry returns the underlying registry
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler returns the Prometheus metrics handler
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Push sends the collected metrics to a Pushgateway under the given job
func (c *Collector) Push(ctx context.Context, url, job string, grouping map[string]string) error {
	if c == nil || url == "" {
		return nil
	}
	pusher := push.New(url, job).Gatherer(c.registry)
	for name, value := range grouping {
		pusher = pusher.Grouping(name, value)
	}
	if err := pusher.AddContext(ctx); err != nil {
		return fmt.Errorf("metrics: push to %s: %w", url, err)
	}
	return nil
}
