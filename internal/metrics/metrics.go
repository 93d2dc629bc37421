// ABOUTME: Prometheus metrics for radio networks, ingestion and persistence
// ABOUTME: A nil *Recorder is valid and records nothing

package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder exposes Prometheus metrics for the bridge.
type Recorder struct {
	packets       *prometheus.CounterVec
	kinds         *prometheus.CounterVec
	duplicates    *prometheus.CounterVec
	sends         *prometheus.CounterVec
	reconnects    *prometheus.CounterVec
	connected     *prometheus.GaugeVec
	persistErrors prometheus.Counter
	writeDuration prometheus.Histogram
	nodes         prometheus.Gauge
}

// NewRecorder registers metrics with the provided registry.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		packets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "meshbridge_packets_received_total",
			Help: "Packets received grouped by network",
		}, []string{"network"}),
		kinds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "meshbridge_packets_ingested_total",
			Help: "Normalized packets grouped by network and payload kind",
		}, []string{"network", "kind"}),
		duplicates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "meshbridge_duplicate_observations_total",
			Help: "Repeat sightings of a transmission grouped by network",
		}, []string{"network"}),
		sends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "meshbridge_sends_total",
			Help: "Outbound messages grouped by network and result",
		}, []string{"network", "result"}),
		reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "meshbridge_reconnects_total",
			Help: "Connection re-establishments grouped by network and reason",
		}, []string{"network", "reason"}),
		connected: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "meshbridge_network_connected",
			Help: "Connection state per network (1=connected)",
		}, []string{"network"}),
		persistErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "meshbridge_persistence_errors_total",
			Help: "Failed store writes",
		}),
		writeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "meshbridge_store_write_duration_seconds",
			Help:    "Latency of recording one observation",
			Buckets: prometheus.DefBuckets,
		}),
		nodes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "meshbridge_known_nodes",
			Help: "Nodes tracked by the statistics aggregator",
		}),
	}

	reg.MustRegister(
		r.packets,
		r.kinds,
		r.duplicates,
		r.sends,
		r.reconnects,
		r.connected,
		r.persistErrors,
		r.writeDuration,
		r.nodes,
	)
	return r
}

// Handler returns the HTTP handler serving the registry.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}

// ObservePacket counts one raw packet from network.
func (r *Recorder) ObservePacket(network string) {
	if r == nil {
		return
	}
	r.packets.WithLabelValues(network).Inc()
}

// ObserveIngest counts one normalized packet.
func (r *Recorder) ObserveIngest(network, kind string, firstSighting bool) {
	if r == nil {
		return
	}
	r.kinds.WithLabelValues(network, kind).Inc()
	if !firstSighting {
		r.duplicates.WithLabelValues(network).Inc()
	}
}

// ObserveSend records an outbound message result: ok, skipped or error.
func (r *Recorder) ObserveSend(network, result string) {
	if r == nil {
		return
	}
	r.sends.WithLabelValues(network, result).Inc()
}

// ObserveReconnect counts a reconnect; reason is silence or down.
func (r *Recorder) ObserveReconnect(network, reason string) {
	if r == nil {
		return
	}
	r.reconnects.WithLabelValues(network, reason).Inc()
}

// SetConnected updates the connection gauge.
func (r *Recorder) SetConnected(network string, up bool) {
	if r == nil {
		return
	}
	v := 0.0
	if up {
		v = 1
	}
	r.connected.WithLabelValues(network).Set(v)
}

// ObserveWrite records one store write and whether it failed.
func (r *Recorder) ObserveWrite(d time.Duration, err error) {
	if r == nil {
		return
	}
	r.writeDuration.Observe(d.Seconds())
	if err != nil {
		r.persistErrors.Inc()
	}
}

// SetNodes updates the known node gauge.
func (r *Recorder) SetNodes(n int) {
	if r == nil {
		return
	}
	r.nodes.Set(float64(n))
}
