// Package metrics exposes the hub's Prometheus collectors.
//
// A nil *Metrics is valid and records nothing, so components can take one
// unconditionally and metrics stay optional.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/rmacdonaldsmith/relayhub/internal/dispatch"
	"github.com/rmacdonaldsmith/relayhub/pkg/envelope"
	"github.com/rmacdonaldsmith/relayhub/pkg/hub"
)

const namespace = "relayhub"

// Metrics holds Prometheus metrics for the hub
type Metrics struct {
	// Connection lifecycle
	connectionsTotal  prometheus.Counter
	handshakeFailures *prometheus.CounterVec // By reason
	clientsConnected  prometheus.Gauge
	clientEvents      *prometheus.CounterVec // By event (added/removed)

	// Envelope handling
	envelopesTotal   *prometheus.CounterVec   // By command and outcome
	dispatchDuration *prometheus.HistogramVec // By command

	// Streams
	streamsActive prometheus.Gauge
	streamEvents  *prometheus.CounterVec // By event (registered/closed)
	framesTotal   *prometheus.CounterVec // By frame_type and result

	// Fan-out
	broadcastRecipients prometheus.Histogram
	broadcastFailures   prometheus.Counter
}

// New creates and registers the hub metrics. A nil registerer disables metrics.
func New(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		return nil, nil
	}

	m := &Metrics{
		connectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "connections",
			Name:      "accepted_total",
			Help:      "Total number of websocket connections accepted",
		}),
		handshakeFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "connections",
			Name:      "handshake_failures_total",
			Help:      "Total number of connections that never identified",
		}, []string{"reason"}), // reason: timeout, closed, rejected, shutdown
		clientsConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "clients",
			Name:      "connected",
			Help:      "Number of identified clients",
		}),
		clientEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "clients",
			Name:      "events_total",
			Help:      "Client registry changes",
		}, []string{"event"}),
		envelopesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "envelopes_total",
			Help:      "Total number of envelopes dispatched",
		}, []string{"command", "outcome"}),
		dispatchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "duration_seconds",
			Help:      "Time spent handling one envelope",
			Buckets:   []float64{0.00001, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
		}, []string{"command"}),
		streamsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "streams",
			Name:      "active",
			Help:      "Number of streams holding a value",
		}),
		streamEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "streams",
			Name:      "events_total",
			Help:      "Stream registry changes",
		}, []string{"event"}),
		framesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "streams",
			Name:      "frames_total",
			Help:      "stream_frame payloads by validation result",
		}, []string{"frame_type", "result"}),
		broadcastRecipients: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "broadcast",
			Name:      "recipients",
			Help:      "Clients reached per broadcast",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
		}),
		broadcastFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broadcast",
			Name:      "failed_sends_total",
			Help:      "Sends skipped during broadcast fan-out",
		}),
	}

	collectors := []prometheus.Collector{
		m.connectionsTotal, m.handshakeFailures, m.clientsConnected, m.clientEvents,
		m.envelopesTotal, m.dispatchDuration,
		m.streamsActive, m.streamEvents, m.framesTotal,
		m.broadcastRecipients, m.broadcastFailures,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register metric: %w", err)
		}
	}

	return m, nil
}

// ConnectionAccepted records an upgraded websocket
func (m *Metrics) ConnectionAccepted() {
	if m == nil {
		return
	}
	m.connectionsTotal.Inc()
}

// HandshakeFailed records a connection that never identified
func (m *Metrics) HandshakeFailed(reason string) {
	if m == nil {
		return
	}
	m.handshakeFailures.WithLabelValues(reason).Inc()
}

// OnClientAdded implements hub.Observer
func (m *Metrics) OnClientAdded(identity, remoteAddr string) {
	if m == nil {
		return
	}
	m.clientsConnected.Inc()
	m.clientEvents.WithLabelValues("added").Inc()
}

// OnClientRemoved implements hub.Observer
func (m *Metrics) OnClientRemoved(identity string) {
	if m == nil {
		return
	}
	m.clientsConnected.Dec()
	m.clientEvents.WithLabelValues("removed").Inc()
}

// OnStreamRegistered implements hub.Observer
func (m *Metrics) OnStreamRegistered(name, publisher string) {
	if m == nil {
		return
	}
	m.streamsActive.Inc()
	m.streamEvents.WithLabelValues("registered").Inc()
}

// OnStreamClosed implements hub.Observer
func (m *Metrics) OnStreamClosed(name string) {
	if m == nil {
		return
	}
	m.streamsActive.Dec()
	m.streamEvents.WithLabelValues("closed").Inc()
}

// EnvelopeDispatched implements dispatch.Recorder
func (m *Metrics) EnvelopeDispatched(command string, outcome dispatch.Outcome, elapsed time.Duration) {
	if m == nil {
		return
	}
	label := commandLabel(command)
	m.envelopesTotal.WithLabelValues(label, outcome.String()).Inc()
	m.dispatchDuration.WithLabelValues(label).Observe(elapsed.Seconds())
}

// BroadcastDelivered implements dispatch.Recorder
func (m *Metrics) BroadcastDelivered(recipients, failed int) {
	if m == nil {
		return
	}
	m.broadcastRecipients.Observe(float64(recipients))
	m.broadcastFailures.Add(float64(failed))
}

// FrameValidated implements dispatch.Recorder
func (m *Metrics) FrameValidated(frameType string, ok bool) {
	if m == nil {
		return
	}
	result := "rejected"
	if ok {
		result = "stored"
	}
	switch frameType {
	case envelope.FrameRGB, envelope.FrameDepth:
	default:
		frameType = "other"
	}
	m.framesTotal.WithLabelValues(frameType, result).Inc()
}

var knownCommands = map[envelope.Command]bool{
	envelope.CmdClientID:          true,
	envelope.CmdSendToClient:      true,
	envelope.CmdStreamData:        true,
	envelope.CmdRequestStreamData: true,
	envelope.CmdCloseStream:       true,
	envelope.CmdStreamFrame:       true,
	envelope.CmdBroadcast:         true,
	envelope.CmdMessage:           true,
}

// commandLabel keeps label cardinality bounded
func commandLabel(command string) string {
	switch {
	case command == "":
		return "undecodable"
	case knownCommands[envelope.Command(command)]:
		return command
	default:
		return "other"
	}
}

var (
	_ hub.Observer      = (*Metrics)(nil)
	_ dispatch.Recorder = (*Metrics)(nil)
)
