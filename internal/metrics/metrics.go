// Package metrics exposes Prometheus instruments for the sync core.
// A nil *Recorder is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "cloudsync"

// Recorder owns a private registry so tests can create as many as they like.
type Recorder struct {
	registry *prometheus.Registry

	syncPasses    *prometheus.CounterVec
	passDuration  prometheus.Histogram
	fileOutcomes  *prometheus.CounterVec
	queueItems    *prometheus.CounterVec
	editsReplayed *prometheus.CounterVec
	downloads     *prometheus.CounterVec
	evictions     prometheus.Counter
	storageUsed   prometheus.Gauge
	online        prometheus.Gauge
}

// New creates a Recorder with process and Go collectors registered.
func New() *Recorder {
	reg := prometheus.NewRegistry()
	r := &Recorder{
		registry: reg,
		syncPasses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_passes_total",
			Help:      "Reconciliation passes by result.",
		}, []string{"result"}),
		passDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sync_pass_duration_seconds",
			Help:      "Duration of reconciliation passes.",
			Buckets:   prometheus.DefBuckets,
		}),
		fileOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_files_total",
			Help:      "Per-file outcomes within reconciliation passes.",
		}, []string{"outcome"}),
		queueItems: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_items_processed_total",
			Help:      "Work queue items processed by operation and resulting status.",
		}, []string{"operation", "status"}),
		editsReplayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "edits_replayed_total",
			Help:      "Offline edit replays by result.",
		}, []string{"result"}),
		downloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "offline_downloads_total",
			Help:      "Downloads for offline use by result.",
		}, []string{"result"}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "offline_evictions_total",
			Help:      "Offline files evicted to free quota.",
		}),
		storageUsed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "offline_storage_used_bytes",
			Help:      "Bytes used by offline copies.",
		}),
		online: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "network_online",
			Help:      "1 when the network monitor reports connectivity.",
		}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.syncPasses, r.passDuration, r.fileOutcomes, r.queueItems,
		r.editsReplayed, r.downloads, r.evictions, r.storageUsed, r.online,
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

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

// SyncPass records a finished pass.
func (r *Recorder) SyncPass(err error, d time.Duration) {
	if r == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	r.syncPasses.WithLabelValues(result).Inc()
	r.passDuration.Observe(d.Seconds())
}

// FileOutcome records synced, conflict or failed for one file.
func (r *Recorder) FileOutcome(outcome string) {
	if r == nil {
		return
	}
	r.fileOutcomes.WithLabelValues(outcome).Inc()
}

// QueueItem records the status a queue item ended a tick in.
func (r *Recorder) QueueItem(operation, status string) {
	if r == nil {
		return
	}
	r.queueItems.WithLabelValues(operation, status).Inc()
}

// EditReplay records synced, retry or dropped for one edit.
func (r *Recorder) EditReplay(result string) {
	if r == nil {
		return
	}
	r.editsReplayed.WithLabelValues(result).Inc()
}

// Download records an offline download attempt.
func (r *Recorder) Download(err error) {
	if r == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	r.downloads.WithLabelValues(result).Inc()
}

// Evicted records n evicted files.
func (r *Recorder) Evicted(n int) {
	if r == nil || n == 0 {
		return
	}
	r.evictions.Add(float64(n))
}

// StorageUsed sets the current offline usage.
func (r *Recorder) StorageUsed(bytes int64) {
	if r == nil {
		return
	}
	r.storageUsed.Set(float64(bytes))
}

// Online sets the connectivity gauge.
func (r *Recorder) Online(online bool) {
	if r == nil {
		return
	}
	if online {
		r.online.Set(1)
	} else {
		r.online.Set(0)
	}
}
