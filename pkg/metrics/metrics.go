// Package metrics exposes routetrack state as Prometheus metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/markus-lassfolk/routetrack/pkg"
	"github.com/markus-lassfolk/routetrack/pkg/conflict"
	"github.com/markus-lassfolk/routetrack/pkg/syncer"
)

const namespace = "routetrack"

// Collector owns the routetrack metrics and their registry
type Collector struct {
	registry *prometheus.Registry

	online         prometheus.Gauge
	pending        prometheus.Gauge
	stuck          prometheus.Gauge
	syncInProgress prometheus.Gauge
	lastSync       prometheus.Gauge
	recentErrors   prometheus.Gauge
	battery        prometheus.Gauge

	drains        prometheus.Counter
	drainDuration prometheus.Histogram
	synced        *prometheus.CounterVec
	failed        prometheus.Counter
	deferred      prometheus.Counter
	conflicts     *prometheus.CounterVec
	samples       *prometheus.CounterVec
}

// New creates a collector on a private registry
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		online: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "sync", Name: "online",
			Help: "1 when the remote authority is considered reachable",
		}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "queue", Name: "pending_records",
			Help: "Unsynced records, stuck ones included",
		}),
		stuck: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "queue", Name: "stuck_records",
			Help: "Unsynced records that exhausted their attempts",
		}),
		syncInProgress: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "sync", Name: "in_progress",
			Help: "1 while a drain is running",
		}),
		lastSync: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "sync", Name: "last_completed_timestamp_seconds",
			Help: "Unix time of the last finished drain",
		}),
		recentErrors: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "sync", Name: "recent_errors",
			Help: "Entries in the bounded recent error list",
		}),
		battery: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "device", Name: "battery_level_ratio",
			Help: "Last reported battery level (0..1)",
		}),
		drains: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "sync", Name: "drains_total",
			Help: "Finished drains",
		}),
		drainDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "sync", Name: "drain_duration_seconds",
			Help:    "Drain duration",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
		synced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "sync", Name: "records_synced_total",
			Help: "Records acknowledged by the remote authority",
		}, []string{"collection"}),
		failed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "sync", Name: "records_failed_total",
			Help: "Record submissions that failed and consumed an attempt",
		}),
		deferred: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "sync", Name: "records_deferred_total",
			Help: "Observations held back until their session synced",
		}),
		conflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "sync", Name: "conflicts_total",
			Help: "Resolved conflicts",
		}, []string{"type", "reason", "action"}),
		samples: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "tracking", Name: "samples_total",
			Help: "Accepted position samples",
		}, []string{"source", "estimated"}),
	}

	c.registry.MustRegister(
		c.online, c.pending, c.stuck, c.syncInProgress, c.lastSync, c.recentErrors, c.battery,
		c.drains, c.drainDuration, c.synced, c.failed, c.deferred, c.conflicts, c.samples,
	)
	return c
}

// Registry returns the underlying registry
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// ObserveStatus is a sync status listener
func (c *Collector) ObserveStatus(status pkg.SyncStatus) {
	c.online.Set(boolGauge(status.Online))
	c.pending.Set(float64(status.PendingCount))
	c.stuck.Set(float64(status.StuckCount))
	c.syncInProgress.Set(boolGauge(status.SyncInProgress))
	c.recentErrors.Set(float64(len(status.RecentErrors)))
	if status.LastSyncTime != nil {
		c.lastSync.Set(float64(status.LastSyncTime.Unix()))
	}
}

// ObserveDrain records a finished drain
func (c *Collector) ObserveDrain(report syncer.Report) {
	c.drains.Inc()
	c.drainDuration.Observe(report.Duration.Seconds())
	c.synced.WithLabelValues(string(pkg.CollectionSessions)).Add(float64(report.SessionsSynced))
	c.synced.WithLabelValues(string(pkg.CollectionLocations)).Add(float64(report.LocationsSynced))
	c.failed.Add(float64(report.Failed))
	c.deferred.Add(float64(report.Deferred))
}

// ObserveConflict records a resolved conflict
func (c *Collector) ObserveConflict(cf *conflict.Conflict, res conflict.Resolution) {
	c.conflicts.WithLabelValues(string(cf.Type), string(cf.Reason), string(res.Action)).Inc()
}

// ObserveSample records an accepted sample
func (c *Collector) ObserveSample(_ string, sample pkg.PositionSample) {
	estimated := "false"
	if sample.Estimated {
		estimated = "true"
	}
	source := sample.Source
	if source == "" {
		source = "unknown"
	}
	c.samples.WithLabelValues(source, estimated).Inc()
}

// ObserveBattery records battery telemetry
func (c *Collector) ObserveBattery(state pkg.BatteryState) {
	c.battery.Set(state.Level)
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
