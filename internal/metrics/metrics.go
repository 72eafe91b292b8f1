// Package metrics exposes the hub's operational counters over
// Prometheus's client library (pulled in transitively by the teacher's
// libp2p stack, which uses it for its own resource-manager metrics), so
// an operator can scrape connection and request volume without tailing
// logs.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectedPeers tracks peers currently in the JOINED state.
	ConnectedPeers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "symmetry_hub",
		Name:      "connected_peers",
		Help:      "Number of peers currently joined to the hub.",
	})

	// PeerJoinsTotal counts successful joinAck handshakes.
	PeerJoinsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "symmetry_hub",
		Name:      "peer_joins_total",
		Help:      "Total number of peers that completed the join handshake.",
	})

	// PeerDisconnectsTotal counts dispatcher-driven peer teardowns.
	PeerDisconnectsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "symmetry_hub",
		Name:      "peer_disconnects_total",
		Help:      "Total number of peer sessions that reached the closed state.",
	})

	// InferenceDispatchesTotal counts inference frames handed to a provider.
	InferenceDispatchesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "symmetry_hub",
		Name:      "inference_dispatches_total",
		Help:      "Total number of inference frames dispatched to providers.",
	})

	// HTTPRequestsTotal counts HTTP front-door requests by path and outcome.
	HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "symmetry_hub",
		Name:      "http_requests_total",
		Help:      "Total HTTP front-door requests, by path and status class.",
	}, []string{"path", "status"})
)

func init() {
	prometheus.MustRegister(
		ConnectedPeers,
		PeerJoinsTotal,
		PeerDisconnectsTotal,
		InferenceDispatchesTotal,
		HTTPRequestsTotal,
	)
}

// Handler returns the /metrics scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
