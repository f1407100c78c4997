package status

import (
	"context"

	"github.com/dkeye/Meet/internal/app"
	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusHook keeps gauges in step with the latest snapshot.
type PrometheusHook struct {
	rooms     prometheus.Gauge
	peers     prometheus.Gauge
	roomPeers *prometheus.GaugeVec
	events    *prometheus.CounterVec
}

func NewPrometheusHook(reg prometheus.Registerer) (*PrometheusHook, error) {
	h := &PrometheusHook{
		rooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "meet",
			Name:      "rooms",
			Help:      "Number of open rooms.",
		}),
		peers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "meet",
			Name:      "peers",
			Help:      "Number of connected peers.",
		}),
		roomPeers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "meet",
			Name:      "room_peers",
			Help:      "Active peers per room.",
		}, []string{"room", "worker"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "meet",
			Name:      "lifecycle_events_total",
			Help:      "Room and peer lifecycle events.",
		}, []string{"event"}),
	}
	for _, c := range []prometheus.Collector{h.rooms, h.peers, h.roomPeers, h.events} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return h, nil
}

func (h *PrometheusHook) Name() string { return "prometheus" }

func (h *PrometheusHook) Publish(_ context.Context, s app.StatusSnapshot) error {
	h.events.WithLabelValues(string(s.Event)).Inc()
	h.rooms.Set(float64(len(s.Rooms)))
	h.peers.Set(float64(len(s.Peers)))
	h.roomPeers.Reset()
	for _, r := range s.Rooms {
		h.roomPeers.WithLabelValues(string(r.ID), r.Worker).Set(float64(r.Peers))
	}
	return nil
}
