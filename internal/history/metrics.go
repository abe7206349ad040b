package history

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	versionsRecordedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "layer_editor_versions_recorded_total",
		Help: "Total number of version records persisted",
	})

	versionsSuppressedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "layer_editor_versions_suppressed_total",
		Help: "Number of saves skipped because an undo or redo triggered them",
	})

	versionPersistFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "layer_editor_version_persist_failures_total",
		Help: "Number of version records that failed to persist",
	})

	guardExpiredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "layer_editor_guard_expired_total",
		Help: "Number of suppression marks released by their timeout",
	})
)
