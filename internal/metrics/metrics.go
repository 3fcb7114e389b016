// Package metrics holds the Prometheus collectors of the realtime gateway.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "healthmate"

type Metrics struct {
	Connections   prometheus.Gauge
	OnlineUsers   prometheus.Gauge
	Events        *prometheus.CounterVec
	DroppedEvents *prometheus.CounterVec
	Deliveries    prometheus.Counter
	Replays       prometheus.Counter
	Pushes        *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ws",
			Name:      "connections",
			Help:      "Open realtime connections.",
		}),
		OnlineUsers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "presence",
			Name:      "online_users",
			Help:      "Users with an entry in the presence registry.",
		}),
		Events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ws",
			Name:      "events_total",
			Help:      "Client events handled, by event name.",
		}, []string{"event"}),
		DroppedEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ws",
			Name:      "dropped_events_total",
			Help:      "Events dropped, by reason.",
		}, []string{"reason"}),
		Deliveries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "chat",
			Name:      "deliveries_total",
			Help:      "Messages moved from sent to delivered on relay.",
		}),
		Replays: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "chat",
			Name:      "replays_total",
			Help:      "Messages delivered by the replay on join.",
		}),
		Pushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "push",
			Name:      "notifications_total",
			Help:      "Web push attempts, by result.",
		}, []string{"result"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.Connections,
			m.OnlineUsers,
			m.Events,
			m.DroppedEvents,
			m.Deliveries,
			m.Replays,
			m.Pushes,
		)
	}
	return m
}
