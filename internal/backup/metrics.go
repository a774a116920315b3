package backup

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "inventory_backup"

var durationBuckets = []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 300, 900}

// Metrics holds the prometheus collectors of the backup engine. Each
// instance owns its registry so several engines can coexist in one process.
type Metrics struct {
	registry *prometheus.Registry

	backupsTotal     *prometheus.CounterVec
	backupDuration   *prometheus.HistogramVec
	backupSize       *prometheus.GaugeVec
	lastSuccess      *prometheus.GaugeVec
	restoresTotal    *prometheus.CounterVec
	restoreDuration  *prometheus.HistogramVec
	prunedTotal      *prometheus.CounterVec
	pruneFailures    *prometheus.CounterVec
	rollbacksTotal   *prometheus.CounterVec
	snapshotsStored  *prometheus.GaugeVec
	storeBytesStored prometheus.Gauge
}

// NewMetrics registers the collectors on a fresh registry
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		backupsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "backups_total",
			Help:      "Backup runs by kind, tier and result",
		}, []string{"kind", "tier", "result"}),
		backupDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "backup_duration_seconds",
			Help:      "Time to produce and commit a snapshot",
			Buckets:   durationBuckets,
		}, []string{"kind"}),
		backupSize: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "backup_size_bytes",
			Help:      "Size of the most recent snapshot",
		}, []string{"kind", "source"}),
		lastSuccess: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time of the most recent successful backup",
		}, []string{"kind", "source"}),
		restoresTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "restores_total",
			Help:      "Restore runs by kind and result",
		}, []string{"kind", "result"}),
		restoreDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "restore_duration_seconds",
			Help:      "Time to restore a snapshot",
			Buckets:   durationBuckets,
		}, []string{"kind"}),
		prunedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "retention_pruned_total",
			Help:      "Snapshots deleted by retention",
		}, []string{"tier"}),
		pruneFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "retention_failures_total",
			Help:      "Snapshots retention failed to delete",
		}, []string{"tier"}),
		rollbacksTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "rollbacks_total",
			Help:      "Protected operations by final state",
		}, []string{"state"}),
		snapshotsStored: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "snapshots",
			Help:      "Snapshots currently held per tier",
		}, []string{"tier"}),
		storeBytesStored: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "store_size_bytes",
			Help:      "Total size of the snapshot store",
		}),
	}
}

func resultLabel(err error) string {
	if err == nil {
		return "success"
	}
	if t := ErrorType(err); t != "" {
		return string(t)
	}
	return "error"
}

// RecordBackup observes one backup run
func (m *Metrics) RecordBackup(source Source, tier Tier, record *SnapshotRecord, duration time.Duration, err error) {
	m.backupsTotal.WithLabelValues(string(source.Kind), string(tier), resultLabel(err)).Inc()
	m.backupDuration.WithLabelValues(string(source.Kind)).Observe(duration.Seconds())
	if err == nil && record != nil {
		m.backupSize.WithLabelValues(string(source.Kind), source.Name).Set(float64(record.SizeBytes))
		m.lastSuccess.WithLabelValues(string(source.Kind), source.Name).Set(float64(record.CreatedAt.Unix()))
	}
}

// RecordRestore observes one restore run
func (m *Metrics) RecordRestore(kind Kind, duration time.Duration, err error) {
	m.restoresTotal.WithLabelValues(string(kind), resultLabel(err)).Inc()
	m.restoreDuration.WithLabelValues(string(kind)).Observe(duration.Seconds())
}

// RecordPruned counts retention deletions
func (m *Metrics) RecordPruned(tier Tier, pruned, failed int) {
	m.prunedTotal.WithLabelValues(string(tier)).Add(float64(pruned))
	m.pruneFailures.WithLabelValues(string(tier)).Add(float64(failed))
}

// RecordRollback counts a protected operation by its final state
func (m *Metrics) RecordRollback(state RollbackState) {
	m.rollbacksTotal.WithLabelValues(string(state)).Inc()
}

// UpdateStoreStats publishes the store content gauges
func (m *Metrics) UpdateStoreStats(stats *StoreStats) {
	for tier, tierStats := range stats.Tiers {
		m.snapshotsStored.WithLabelValues(string(tier)).Set(float64(tierStats.Count))
	}
	m.storeBytesStored.Set(float64(stats.TotalSize))
}

// Registry exposes the registry for tests and custom exporters
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the metrics in the prometheus text format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
