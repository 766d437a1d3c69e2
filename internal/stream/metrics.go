package stream

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ============================================================
// Prometheus метрики сессий приватного потока
// ============================================================

// StateTransitions - переходы машины состояний сессии
var StateTransitions = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "gridterm",
		Subsystem: "stream",
		Name:      "state_transitions_total",
		Help:      "Total number of account stream session state transitions",
	},
	[]string{"exchange", "to"},
)

// ReconnectAttempts - попытки переподключения
var ReconnectAttempts = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "gridterm",
		Subsystem: "stream",
		Name:      "reconnect_attempts_total",
		Help:      "Total number of account stream reconnect attempts",
	},
	[]string{"exchange"},
)

// HeartbeatTimeouts - срабатывания таймаута heartbeat
var HeartbeatTimeouts = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "gridterm",
		Subsystem: "stream",
		Name:      "heartbeat_timeouts_total",
		Help:      "Total number of heartbeat timeouts triggering reconnection",
	},
	[]string{"exchange"},
)

// ActiveSessions - число живых сессий
var ActiveSessions = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "gridterm",
		Subsystem: "stream",
		Name:      "active_sessions",
		Help:      "Current number of account stream sessions not yet closed",
	},
)

// EventsForwarded - события аккаунта, доставленные подписчику
var EventsForwarded = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "gridterm",
		Subsystem: "stream",
		Name:      "events_forwarded_total",
		Help:      "Total number of account events forwarded to subscribers",
	},
	[]string{"exchange"},
)
