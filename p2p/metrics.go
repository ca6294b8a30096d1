package p2p

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

var (
	metricsInitOnce sync.Once
	sharedMetrics   *networkMetrics
)

type networkMetrics struct {
	peerCount     prometheus.Gauge
	healthPeers   *prometheus.GaugeVec
	queueDepth    prometheus.Gauge
	handshake     *prometheus.CounterVec
	gossip        *prometheus.CounterVec
	broadcasts    *prometheus.CounterVec
	discovered    *prometheus.CounterVec
	transitions   *prometheus.CounterVec
	eventsDropped *prometheus.CounterVec
	orphans       prometheus.Counter
	latency       prometheus.Histogram

	meter            metric.Meter
	handshakeCounter metric.Int64Counter
	gossipCounter    metric.Int64Counter
	latencyHistogram metric.Float64Histogram
}

func newNetworkMetrics() *networkMetrics {
	metricsInitOnce.Do(func() {
		nm := &networkMetrics{
			peerCount: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "cinder_p2p_peers",
				Help: "Number of active peer connections.",
			}),
			healthPeers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Name: "cinder_p2p_peers_by_health",
				Help: "Active peers grouped by health classification.",
			}, []string{"state"}),
			queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "cinder_p2p_queue_depth",
				Help: "Messages waiting in the outbound priority queue.",
			}),
			handshake: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "cinder_p2p_handshakes_total",
				Help: "Total handshake outcomes.",
			}, []string{"result"}),
			gossip: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "cinder_p2p_messages_total",
				Help: "Protocol messages by direction and kind.",
			}, []string{"direction", "kind"}),
			broadcasts: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "cinder_p2p_broadcast_deliveries_total",
				Help: "Broadcast delivery attempts by outcome.",
			}, []string{"outcome"}),
			discovered: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "cinder_p2p_peers_discovered_total",
				Help: "Newly discovered addresses by source.",
			}, []string{"source"}),
			transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "cinder_p2p_health_transitions_total",
				Help: "Peer health state transitions by new state.",
			}, []string{"state"}),
			eventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "cinder_p2p_events_dropped_total",
				Help: "Events dropped because the consumer fell behind.",
			}, []string{"event"}),
			orphans: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "cinder_p2p_orphaned_connections_total",
				Help: "Connections removed by reconciliation.",
			}),
			latency: prometheus.NewHistogram(prometheus.HistogramOpts{
				Name:    "cinder_p2p_peer_latency_ms",
				Help:    "Ping round-trip time in milliseconds.",
				Buckets: prometheus.ExponentialBuckets(1, 2, 12),
			}),
		}
		prometheus.MustRegister(nm.peerCount, nm.healthPeers, nm.queueDepth,
			nm.handshake, nm.gossip, nm.broadcasts, nm.discovered,
			nm.transitions, nm.eventsDropped, nm.orphans, nm.latency)
		nm.initMeter()
		sharedMetrics = nm
	})
	return sharedMetrics
}

func (m *networkMetrics) initMeter() {
	meter := otel.GetMeterProvider().Meter("cinderchain/p2p")
	handshakes, err := meter.Int64Counter("cinder.p2p.handshakes")
	if err != nil {
		fallback := noop.NewMeterProvider().Meter("cinderchain/p2p")
		handshakes, _ = fallback.Int64Counter("cinder.p2p.handshakes")
		meter = fallback
	}
	gossip, err := meter.Int64Counter("cinder.p2p.messages")
	if err != nil {
		fallback := noop.NewMeterProvider().Meter("cinderchain/p2p")
		gossip, _ = fallback.Int64Counter("cinder.p2p.messages")
		meter = fallback
	}
	latency, err := meter.Float64Histogram("cinder.p2p.latency_ms")
	if err != nil {
		fallback := noop.NewMeterProvider().Meter("cinderchain/p2p")
		latency, _ = fallback.Float64Histogram("cinder.p2p.latency_ms")
		meter = fallback
	}
	m.meter = meter
	m.handshakeCounter = handshakes
	m.gossipCounter = gossip
	m.latencyHistogram = latency
}

func (m *networkMetrics) recordHandshake(result string) {
	if m == nil {
		return
	}
	if result == "" {
		result = "unknown"
	}
	m.handshake.WithLabelValues(result).Inc()
	if m.handshakeCounter != nil {
		m.handshakeCounter.Add(
			contextBackground(),
			1,
			metric.WithAttributes(attribute.String("result", result)),
		)
	}
}

func (m *networkMetrics) recordGossip(direction string, kind byte) {
	if m == nil {
		return
	}
	if direction == "" {
		direction = "unknown"
	}
	label := KindName(kind)
	m.gossip.WithLabelValues(direction, label).Inc()
	if m.gossipCounter != nil {
		m.gossipCounter.Add(
			contextBackground(),
			1,
			metric.WithAttributes(
				attribute.String("direction", direction),
				attribute.String("kind", label),
			),
		)
	}
}

func (m *networkMetrics) observeLatency(rtt time.Duration) {
	if m == nil || rtt <= 0 {
		return
	}
	ms := float64(rtt) / float64(time.Millisecond)
	m.latency.Observe(ms)
	if m.latencyHistogram != nil {
		m.latencyHistogram.Record(contextBackground(), ms)
	}
}

func (m *networkMetrics) setPeerCount(n int) {
	if m == nil {
		return
	}
	m.peerCount.Set(float64(n))
}

func (m *networkMetrics) setQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

func (m *networkMetrics) recordBroadcast(attempted, succeeded int) {
	if m == nil {
		return
	}
	m.broadcasts.WithLabelValues("delivered").Add(float64(succeeded))
	if failed := attempted - succeeded; failed > 0 {
		m.broadcasts.WithLabelValues("failed").Add(float64(failed))
	}
}

func (m *networkMetrics) recordDiscovered(source string) {
	if m == nil {
		return
	}
	m.discovered.WithLabelValues(source).Inc()
}

func (m *networkMetrics) recordHealthTransition(state HealthState) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(state.String()).Inc()
}

func (m *networkMetrics) setHealthCounts(stats NetworkStats) {
	if m == nil {
		return
	}
	m.healthPeers.WithLabelValues(HealthHealthy.String()).Set(float64(stats.HealthyPeers))
	m.healthPeers.WithLabelValues(HealthDegraded.String()).Set(float64(stats.DegradedPeers))
	m.healthPeers.WithLabelValues(HealthUnhealthy.String()).Set(float64(stats.UnhealthyPeers))
	m.healthPeers.WithLabelValues(HealthDisconnected.String()).Set(float64(stats.DisconnectedPeers))
}

func (m *networkMetrics) recordEventDropped(event string) {
	if m == nil {
		return
	}
	if event == "" {
		event = "unknown"
	}
	m.eventsDropped.WithLabelValues(event).Inc()
}

func (m *networkMetrics) recordOrphans(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.orphans.Add(float64(n))
}

var backgroundOnce sync.Once
var backgroundContext context.Context

func contextBackground() context.Context {
	backgroundOnce.Do(func() {
		backgroundContext = context.Background()
	})
	return backgroundContext
}
