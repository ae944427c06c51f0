package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	linkBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gimbalctl",
			Subsystem: "link",
			Name:      "bytes_total",
			Help:      "Raw bytes moved over the active transport.",
		},
		[]string{"transport", "direction"},
	)
	linkPackets = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gimbalctl",
			Subsystem: "link",
			Name:      "packets_total",
			Help:      "Packets sent and received, by envelope kind.",
		},
		[]string{"direction", "kind"},
	)
	linkMalformed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gimbalctl",
			Subsystem: "link",
			Name:      "malformed_frames_total",
			Help:      "Partial packets dropped on an invalid length prefix.",
		},
		[]string{"transport"},
	)
	linkFaults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gimbalctl",
			Subsystem: "link",
			Name:      "transport_faults_total",
			Help:      "Mid-session transport I/O failures.",
		},
		[]string{"transport"},
	)
	linkState = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "gimbalctl",
			Subsystem: "link",
			Name:      "state",
			Help:      "Connection state: 0 disconnected, 1 connecting, 2 connected, 3 error.",
		},
	)
	ackOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gimbalctl",
			Subsystem: "ack",
			Name:      "resolved_total",
			Help:      "Pending packets resolved, by outcome.",
		},
		[]string{"outcome"},
	)
	ackLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "gimbalctl",
			Subsystem: "ack",
			Name:      "latency_seconds",
			Help:      "Time from registration to resolution.",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
		[]string{"outcome"},
	)
)

// Register adds the collectors to the default registry. Safe to call more
// than once.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(linkBytes, linkPackets, linkMalformed, linkFaults, linkState, ackOutcomes, ackLatency)
	})
}

func RecordBytes(transport, direction string, n int) {
	if n <= 0 {
		return
	}
	linkBytes.WithLabelValues(transport, direction).Add(float64(n))
}

func RecordPacket(direction, kind string) {
	linkPackets.WithLabelValues(direction, kind).Inc()
}

func RecordMalformed(transport string) {
	linkMalformed.WithLabelValues(transport).Inc()
}

func RecordFault(transport string) {
	linkFaults.WithLabelValues(transport).Inc()
}

func SetLinkState(state int) {
	linkState.Set(float64(state))
}

func RecordAck(outcome string, elapsed time.Duration) {
	ackOutcomes.WithLabelValues(outcome).Inc()
	ackLatency.WithLabelValues(outcome).Observe(elapsed.Seconds())
}
