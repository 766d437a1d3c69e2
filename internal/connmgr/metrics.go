package connmgr

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ============================================================
// Prometheus метрики фасада соединений
// ============================================================

// ConnectionRequests - запросы get_connection по назначению и исходу
var ConnectionRequests = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "gridterm",
		Subsystem: "connmgr",
		Name:      "connection_requests_total",
		Help:      "Total number of get_connection requests",
	},
	[]string{"purpose", "outcome"},
)

// ConnectionLatency - длительность get_connection
var ConnectionLatency = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "gridterm",
		Subsystem: "connmgr",
		Name:      "connection_latency_ms",
		Help:      "get_connection latency in milliseconds",
		Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 15000},
	},
	[]string{"purpose"},
)
