package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for chatrelay.
type Metrics struct {
	ConnectionsTotal  prometheus.Counter
	ActiveConnections prometheus.Gauge
	OnlineUsers       prometheus.Gauge
	EventsTotal       *prometheus.CounterVec
	DroppedFrames     prometheus.Counter
	StatusTransitions *prometheus.CounterVec
	ErrorsTotal       *prometheus.CounterVec
}

// New creates and registers all Prometheus metrics.
func New() *Metrics {
	return &Metrics{
		ConnectionsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "chatrelay_connections_total",
			Help: "Total connections handled",
		}),
		ActiveConnections: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "chatrelay_active_connections",
			Help: "Current active connections",
		}),
		OnlineUsers: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "chatrelay_online_users",
			Help: "Users with at least one live identified connection",
		}),
		EventsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "chatrelay_events_total",
			Help: "Total frames broadcast",
		}, []string{"type", "scope"}),
		DroppedFrames: promauto.NewCounter(prometheus.CounterOpts{
			Name: "chatrelay_dropped_frames_total",
			Help: "Frames dropped because a connection's send buffer was full or closed",
		}),
		StatusTransitions: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "chatrelay_status_transitions_total",
			Help: "Message status transitions applied",
		}, []string{"status"}),
		ErrorsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "chatrelay_errors_total",
			Help: "Total errors",
		}, []string{"type"}),
	}
}
