package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "multiplayer_active_rooms",
		Help: "Rooms currently held in memory.",
	})
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "multiplayer_active_sessions",
		Help: "Live websocket sessions across all rooms.",
	})
	FramesDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "multiplayer_frames_dispatched_total",
		Help: "Inbound frames by routing class.",
	}, []string{"class"})
	DroppedSends = promauto.NewCounter(prometheus.CounterOpts{
		Name: "multiplayer_dropped_sends_total",
		Help: "Outbound frames dropped on slow or full connections.",
	})
	DroppedInbound = promauto.NewCounter(prometheus.CounterOpts{
		Name: "multiplayer_dropped_inbound_total",
		Help: "Inbound frames dropped on a full session inbox.",
	})
)

// Handler exposes Prometheus metrics at /metrics
func Handler() http.Handler {
	return promhttp.Handler()
}
