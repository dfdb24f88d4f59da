package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	opsAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "coedit_operations_accepted_total",
		Help: "Operations accepted and assigned a revision.",
	})
	opsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coedit_operations_rejected_total",
		Help: "Operations rejected, by reason.",
	}, []string{"reason"})
	resyncs = promauto.NewCounter(prometheus.CounterOpts{
		Name: "coedit_resyncs_total",
		Help: "Full-snapshot resyncs pushed to clients. Expected under latency; not an error signal.",
	})
	broadcasts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "coedit_broadcasts_total",
		Help: "Accepted operations fanned out to other participants.",
	})
	openSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "coedit_open_sessions",
		Help: "Documents with a live session coordinator.",
	})
	droppedConns = promauto.NewCounter(prometheus.CounterOpts{
		Name: "coedit_slow_connections_dropped_total",
		Help: "Connections dropped because their send buffer filled.",
	})
)
