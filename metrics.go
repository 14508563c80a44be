package gateway

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "gateway"

// metrics holds the Prometheus collectors for one client.
type metrics struct {
	heartbeatsSent prometheus.Counter
	heartbeatAcks  prometheus.Counter
	latency        prometheus.Histogram
	reconnects     *prometheus.CounterVec
	dispatches     *prometheus.CounterVec
	decodeErrors   prometheus.Counter
	outboundSent   prometheus.Counter
	outboundQueued prometheus.Counter
	stage          prometheus.Gauge
}

// newMetrics registers the client's collectors with reg. A nil reg keeps them
// in a private registry so they are still safe to update. Registering twice
// against the same registry reuses the existing collectors.
func newMetrics(reg prometheus.Registerer) *metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	return &metrics{
		heartbeatsSent: register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "heartbeats_sent_total",
			Help:      "Heartbeats written to the gateway",
		})),
		heartbeatAcks: register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "heartbeat_acks_total",
			Help:      "Heartbeat acknowledgements received",
		})),
		latency: register(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "heartbeat_latency_seconds",
			Help:      "Heartbeat round trip time",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		})),
		reconnects: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "reconnects_total",
			Help:      "Session reconnect attempts by outcome",
		}, []string{"result"})),
		dispatches: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "dispatch_events_total",
			Help:      "Dispatch events received by event name",
		}, []string{"event"})),
		decodeErrors: register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "decode_errors_total",
			Help:      "Inbound frames dropped because they could not be decoded",
		})),
		outboundSent: register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "outbound_sent_total",
			Help:      "Caller payloads written to the gateway",
		})),
		outboundQueued: register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "outbound_requeued_total",
			Help:      "Caller payloads put back in the mailbox because the session was not ready",
		})),
		stage: register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "stage",
			Help:      "Current session stage (0 handshake, 1 identifying, 2 connected, 3 disconnected)",
		})),
	}
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}
