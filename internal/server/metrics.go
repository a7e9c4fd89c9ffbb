package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	connectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "collab_connections_active",
		Help: "Open websocket connections",
	})
	namespacesActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "collab_namespaces_active",
		Help: "Namespaces with at least one registered socket",
	})
	connectionsRefused = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "collab_connections_refused_total",
		Help: "Connections refused before joining, by reason",
	}, []string{"reason"})
	operationBatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "collab_operation_batches_total",
		Help: "Operation batches received, by outcome",
	}, []string{"result"})
	diffEntriesSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "collab_diff_entries_skipped_total",
		Help: "Diff entries that could not be converted back into operations",
	})
	connectionsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "collab_connections_dropped_total",
		Help: "Connections closed because their send buffer was full",
	})
	documentSaves = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "collab_document_saves_total",
		Help: "Document saves, by outcome",
	}, []string{"result"})
	saveDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "collab_document_save_duration_seconds",
		Help:    "Time spent persisting one document",
		Buckets: prometheus.DefBuckets,
	})
	documentsCollected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "collab_documents_collected_total",
		Help: "Documents removed from memory by namespace garbage collection",
	})
)
