package pool

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ============================================================
// Prometheus метрики пула соединений
// ============================================================

// PoolHits - попадания в пул (клиент переиспользован)
var PoolHits = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "gridterm",
		Subsystem: "pool",
		Name:      "hits_total",
		Help:      "Total number of pooled client reuses",
	},
	[]string{"exchange"},
)

// PoolMisses - промахи пула (потребовалось построение клиента)
var PoolMisses = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "gridterm",
		Subsystem: "pool",
		Name:      "misses_total",
		Help:      "Total number of pool misses requiring a client build",
	},
	[]string{"exchange"},
)

// BuildLatency - время построения клиента (decrypt + connect)
var BuildLatency = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "gridterm",
		Subsystem: "pool",
		Name:      "build_latency_ms",
		Help:      "Client build latency in milliseconds",
		Buckets:   []float64{50, 100, 200, 500, 1000, 2000, 5000, 10000},
	},
	[]string{"exchange"},
)

// Evictions - выселения по причинам
var Evictions = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "gridterm",
		Subsystem: "pool",
		Name:      "evictions_total",
		Help:      "Total number of pool evictions",
	},
	[]string{"reason"}, // lru, ttl, health, invalidate, refresh
)

// PoolSize - текущее число клиентов в пуле
var PoolSize = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "gridterm",
		Subsystem: "pool",
		Name:      "size",
		Help:      "Current number of pooled clients",
	},
)

// HealthCheckFailures - проваленные проверки здоровья
var HealthCheckFailures = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "gridterm",
		Subsystem: "pool",
		Name:      "health_check_failures_total",
		Help:      "Total number of failed pooled client health checks",
	},
	[]string{"exchange"},
)
