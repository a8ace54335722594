package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Bridge traffic.
	BridgeBytesIn = promauto.NewCounter(prometheus.CounterOpts{
		Name: "meshbus_bridge_bytes_in_total",
		Help: "Bytes received from bridge peers",
	})
	BridgeBytesOut = promauto.NewCounter(prometheus.CounterOpts{
		Name: "meshbus_bridge_bytes_out_total",
		Help: "Bytes sent to bridge peers",
	})
	BridgeErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "meshbus_bridge_errors_total",
		Help: "Bridge transport errors by kind",
	}, []string{"kind"})

	// TCP peers.
	PeersActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "meshbus_tcp_peers_active",
		Help: "Currently connected TCP bridge peers",
	})
	PeersTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "meshbus_tcp_peers_total",
		Help: "Total accepted TCP bridge peers",
	})
	PeersDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "meshbus_tcp_peers_dropped_total",
		Help: "TCP bridge peers dropped by reason",
	}, []string{"reason"})
	SessionsResumed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "meshbus_tcp_sessions_resumed_total",
		Help: "Bridge sessions taken over by a reconnecting peer",
	})
	ClientReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "meshbus_tcp_client_reconnects_total",
		Help: "Reconnect attempts of the TCP bridge client",
	})

	// Flow control.
	MessagesDroppedHWM = promauto.NewCounter(prometheus.CounterOpts{
		Name: "meshbus_messages_dropped_hwm_total",
		Help: "Outgoing bridge messages dropped at the high-water mark",
	})

	// Runtime.
	PanicsRecovered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "meshbus_panics_recovered_total",
		Help: "Panics recovered in pump goroutines",
	})
)
