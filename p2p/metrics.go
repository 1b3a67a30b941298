package p2p

import (
	"context"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Metrics dual-registers Prometheus collectors and OTel instruments for the
// monitor's control-plane activity. A process only ever wants one set of
// these registered against the default Prometheus registry, so construction
// is gated by sync.Once the same way the rest of this stack does it.
type Metrics struct {
	activePeers      prometheus.Gauge
	suspendedPeers   prometheus.Gauge
	networkHeight    prometheus.Gauge
	pbftForgingRatio prometheus.Gauge
	broadcastFanout  *prometheus.CounterVec
	peerRemoved      *prometheus.CounterVec

	tracer              trace.Tracer
	meter               metric.Meter
	peerRemovedCounter  metric.Int64Counter
	broadcastCounter    metric.Int64Counter
}

var (
	metricsOnce sync.Once
	sharedMetrics *Metrics
)

// NewMetrics returns the process-wide Metrics instance, registering its
// collectors exactly once regardless of how many components request it.
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		sharedMetrics = buildMetrics()
	})
	return sharedMetrics
}

func buildMetrics() *Metrics {
	m := &Metrics{
		activePeers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "relaynet",
			Subsystem: "network",
			Name:      "active_peers",
			Help:      "Number of peers currently in the active set.",
		}),
		suspendedPeers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "relaynet",
			Subsystem: "network",
			Name:      "suspended_peers",
			Help:      "Number of peers currently suspended.",
		}),
		networkHeight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "relaynet",
			Subsystem: "network",
			Name:      "height",
			Help:      "Median network height across active peers (element at index n/2 of the sorted heights).",
		}),
		pbftForgingRatio: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "relaynet",
			Subsystem: "network",
			Name:      "pbft_forging_ratio",
			Help:      "Fraction of in-slot peers reporting they are allowed to forge at or above network height.",
		}),
		broadcastFanout: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relaynet",
			Subsystem: "network",
			Name:      "broadcast_peers_total",
			Help:      "Number of peers targeted by broadcasts, by broadcast kind.",
		}, []string{"kind"}),
		peerRemoved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relaynet",
			Subsystem: "network",
			Name:      "peer_removed_total",
			Help:      "Number of peers removed from the active set, by reason.",
		}, []string{"reason"}),
	}

	for _, c := range []prometheus.Collector{m.activePeers, m.suspendedPeers, m.networkHeight, m.pbftForgingRatio, m.broadcastFanout, m.peerRemoved} {
		// Registration failures here are only ever AlreadyRegisteredError
		// (sync.Once guarantees this runs once per process); ignore it.
		_ = prometheus.Register(c)
	}

	m.tracer = otel.Tracer("relaynet/p2p")
	m.meter = otel.Meter("relaynet/p2p")
	m.peerRemovedCounter, _ = m.meter.Int64Counter("p2p.peer.removed")
	m.broadcastCounter, _ = m.meter.Int64Counter("p2p.broadcast.peers")

	return m
}

func (m *Metrics) SetActivePeers(n int) {
	if m == nil {
		return
	}
	m.activePeers.Set(float64(n))
}

func (m *Metrics) SetSuspendedPeers(n int) {
	if m == nil {
		return
	}
	m.suspendedPeers.Set(float64(n))
}

func (m *Metrics) SetNetworkHeight(h uint64) {
	if m == nil {
		return
	}
	m.networkHeight.Set(float64(h))
}

func (m *Metrics) SetPBFTForgingRatio(r float64) {
	if m == nil {
		return
	}
	m.pbftForgingRatio.Set(r)
}

func (m *Metrics) RecordBroadcast(ctx context.Context, kind string, count int) {
	if m == nil {
		return
	}
	m.broadcastFanout.WithLabelValues(kind).Add(float64(count))
	if m.broadcastCounter != nil {
		m.broadcastCounter.Add(ctx, int64(count), metric.WithAttributes(attribute.String("kind", kind)))
	}
}

func (m *Metrics) RecordPeerRemoved(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.peerRemoved.WithLabelValues(reason).Inc()
	if m.peerRemovedCounter != nil {
		m.peerRemovedCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
	}
}

// StartUpdatePass opens a trace span around one updateNetworkStatus pass.
func (m *Metrics) StartUpdatePass(ctx context.Context) (context.Context, trace.Span) {
	if m == nil || m.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return m.tracer.Start(ctx, "p2p.updateNetworkStatus")
}
