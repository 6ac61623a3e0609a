// Package metrics registers the prometheus collectors shared across the
// notification bus, change recorder and synchronizers, mirroring the shape
// of the teacher's per-package metrics.go files (counters registered in an
// init-time MustRegister call) but against a module-local registry rather
// than controller-runtime's, since this module has no Kubernetes manager.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry is the collector registry this module registers into. Callers
// that expose a /metrics endpoint should serve this registry.
var Registry = prometheus.NewRegistry()

var (
	NotificationsReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pimsync_notifications_received_total",
		Help: "Notifications parsed by the notification source, by type.",
	}, []string{"type"})

	NotificationsFiltered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pimsync_notifications_filtered_total",
		Help: "Notifications dropped by the Monitor's filter stage.",
	})

	NotificationsDelivered = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pimsync_notifications_delivered_total",
		Help: "Notifications dispatched to listeners, by operation.",
	}, []string{"operation"})

	CacheHits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pimsync_entity_cache_hits_total",
		Help: "Entity cache lookups, by outcome (hit, or miss for an absent, pending or invalid node).",
	}, []string{"outcome"})

	CacheEvictions = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pimsync_entity_cache_evictions_total",
		Help: "Entities evicted from the entity cache's FIFO.",
	})

	JournalSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pimsync_changerecorder_journal_entries",
		Help: "Pending notifications currently held in the change recorder's journal.",
	})

	ReplayLagSeconds = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pimsync_changerecorder_replay_lag_seconds",
		Help: "Age of the oldest unacknowledged journal entry. Registered but not set by this module, so it reads 0.",
	})

	SyncOperations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pimsync_sync_operations_total",
		Help: "Create/modify/move/delete operations emitted by the synchronizers, by sync kind and op.",
	}, []string{"sync", "op"})
)

func init() {
	Registry.MustRegister(
		NotificationsReceived,
		NotificationsFiltered,
		NotificationsDelivered,
		CacheHits,
		CacheEvictions,
		JournalSize,
		ReplayLagSeconds,
		SyncOperations,
	)
}
