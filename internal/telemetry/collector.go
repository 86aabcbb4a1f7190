// Package telemetry exposes the overlay transport's runtime counters and
// gauges as Prometheus metrics, grounded on the teacher's metrics.Collector
// (one prometheus.*Vec field per concern, registered together, with one
// Inc/Observe method per event a caller needs to record).
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace = "overlaynet"
	subsystem = "core"
)

// Label names shared across metric vectors.
const (
	labelConnID  = "conn_id"
	labelPathID  = "path_id"
	labelReason  = "reason"
	labelTrigger = "trigger"
)

// Collector holds every Prometheus metric the overlay transport emits.
type Collector struct {
	// Connections tracks currently active connections.
	Connections prometheus.Gauge

	// PacketsSent/PacketsReceived/PacketsDropped count Extended Packets
	// crossing the wire per path.
	PacketsSent     *prometheus.CounterVec
	PacketsReceived *prometheus.CounterVec
	PacketsDropped  *prometheus.CounterVec

	// ReplayRejections counts packets rejected by the replay window, per
	// connection and rejection reason (spec §4.B outcomes).
	ReplayRejections *prometheus.CounterVec

	// PathStateTransitions counts scheduler path state transitions.
	PathStateTransitions *prometheus.CounterVec

	// PathWeight is the current smooth-WRR effective weight per path,
	// sampled whenever the scheduler recomputes it.
	PathWeight *prometheus.GaugeVec

	// RTTMicros observes per-path RTT samples fed into the connection
	// manager (spec §4.K).
	RTTMicros *prometheus.HistogramVec

	// CongestionWindow tracks the current BBR-style cwnd in bytes.
	CongestionWindow *prometheus.GaugeVec

	// Rekeys counts completed session rekeys, labeled by trigger source
	// (handshake scheduler vs post-compromise detector).
	Rekeys *prometheus.CounterVec

	// PCRTriggers counts post-compromise detector activations by source.
	PCRTriggers *prometheus.CounterVec

	// MixBatchesReleased counts mix batches released by the VDF pacing
	// pipeline.
	MixBatchesReleased prometheus.Counter

	// MixBatchSize observes how many frames accumulated per released
	// batch.
	MixBatchSize prometheus.Histogram
}

// NewCollector creates a Collector and registers every metric against reg.
// If reg is nil, prometheus.DefaultRegisterer is used.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := newMetrics()

	reg.MustRegister(
		c.Connections,
		c.PacketsSent,
		c.PacketsReceived,
		c.PacketsDropped,
		c.ReplayRejections,
		c.PathStateTransitions,
		c.PathWeight,
		c.RTTMicros,
		c.CongestionWindow,
		c.Rekeys,
		c.PCRTriggers,
		c.MixBatchesReleased,
		c.MixBatchSize,
	)

	return c
}

func newMetrics() *Collector {
	pathLabels := []string{labelConnID, labelPathID}

	return &Collector{
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "connections",
			Help:      "Number of currently active connections.",
		}),
		PacketsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "packets_sent_total",
			Help:      "Total Extended Packets transmitted, per path.",
		}, pathLabels),
		PacketsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "packets_received_total",
			Help:      "Total Extended Packets received, per path.",
		}, pathLabels),
		PacketsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "packets_dropped_total",
			Help:      "Total packets dropped during ingress (malformed, unknown connection, admission denied).",
		}, []string{labelConnID, labelReason}),
		ReplayRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "replay_rejections_total",
			Help:      "Total packets rejected by the replay window, labeled by outcome.",
		}, []string{labelConnID, labelReason}),
		PathStateTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "path_state_transitions_total",
			Help:      "Total scheduler path state transitions.",
		}, []string{labelConnID, labelPathID, "from_state", "to_state"}),
		PathWeight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "path_weight",
			Help:      "Current smooth-WRR effective weight per path.",
		}, pathLabels),
		RTTMicros: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "rtt_micros",
			Help:      "Per-path RTT samples in microseconds.",
			Buckets:   prometheus.ExponentialBuckets(500, 2, 12),
		}, pathLabels),
		CongestionWindow: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "congestion_window_bytes",
			Help:      "Current congestion window in bytes, per path.",
		}, pathLabels),
		Rekeys: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "rekeys_total",
			Help:      "Total completed session rekeys, labeled by trigger.",
		}, []string{labelConnID, labelTrigger}),
		PCRTriggers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "pcr_triggers_total",
			Help:      "Total post-compromise detector activations, labeled by trigger source.",
		}, []string{labelTrigger}),
		MixBatchesReleased: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "mix_batches_released_total",
			Help:      "Total mix batches released by the VDF pacing pipeline.",
		}),
		MixBatchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "mix_batch_size_frames",
			Help:      "Number of frames accumulated per released mix batch.",
			Buckets:   prometheus.LinearBuckets(1, 4, 16),
		}),
	}
}

// IncConnections/DecConnections track the active connection gauge
// (called by overlayd's connection-lifecycle tracker as connections are
// registered and destroyed).
func (c *Collector) IncConnections() { c.Connections.Inc() }
func (c *Collector) DecConnections() { c.Connections.Dec() }

// RecordSend increments the per-path sent counter.
func (c *Collector) RecordSend(connID, pathID string) {
	c.PacketsSent.WithLabelValues(connID, pathID).Inc()
}

// RecordReceive increments the per-path received counter.
func (c *Collector) RecordReceive(connID, pathID string) {
	c.PacketsReceived.WithLabelValues(connID, pathID).Inc()
}

// RecordDrop increments the dropped-packet counter for a reason.
func (c *Collector) RecordDrop(connID, reason string) {
	c.PacketsDropped.WithLabelValues(connID, reason).Inc()
}

// RecordReplayRejection increments the replay-rejection counter for an
// outcome (spec §4.B: RejectedReplay, RejectedTooOld, RejectedGapTooLarge).
func (c *Collector) RecordReplayRejection(connID, outcome string) {
	c.ReplayRejections.WithLabelValues(connID, outcome).Inc()
}

// RecordPathStateTransition increments the path-state-transition counter.
func (c *Collector) RecordPathStateTransition(connID, pathID, from, to string) {
	c.PathStateTransitions.WithLabelValues(connID, pathID, from, to).Inc()
}

// SetPathWeight sets the current effective weight gauge for a path.
func (c *Collector) SetPathWeight(connID, pathID string, weight float64) {
	c.PathWeight.WithLabelValues(connID, pathID).Set(weight)
}

// ObserveRTT records one RTT sample in microseconds.
func (c *Collector) ObserveRTT(connID, pathID string, micros float64) {
	c.RTTMicros.WithLabelValues(connID, pathID).Observe(micros)
}

// SetCongestionWindow sets the current cwnd gauge in bytes.
func (c *Collector) SetCongestionWindow(connID, pathID string, bytes float64) {
	c.CongestionWindow.WithLabelValues(connID, pathID).Set(bytes)
}

// RecordRekey increments the rekey counter for a trigger source.
func (c *Collector) RecordRekey(connID, trigger string) {
	c.Rekeys.WithLabelValues(connID, trigger).Inc()
}

// RecordPCRTrigger increments the PCR trigger counter for a source.
func (c *Collector) RecordPCRTrigger(trigger string) {
	c.PCRTriggers.WithLabelValues(trigger).Inc()
}

// RecordMixBatchReleased increments the released-batches counter and
// observes the batch's frame count.
func (c *Collector) RecordMixBatchReleased(frameCount int) {
	c.MixBatchesReleased.Inc()
	c.MixBatchSize.Observe(float64(frameCount))
}
