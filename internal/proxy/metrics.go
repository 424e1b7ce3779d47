package proxy

import "github.com/prometheus/client_golang/prometheus"

// metrics holds every Prometheus collector the dispatch loop and forwarder
// touch, adapted from the teacher's relay metrics to the connection/protocol
// vocabulary of a sniffing proxy rather than an agent-relay pair.
type metrics struct {
	connectionsTotal *prometheus.CounterVec
	activeSessions   prometheus.Gauge
	bytesUpTotal     prometheus.Counter
	bytesDownTotal   prometheus.Counter
	dialErrorsTotal  prometheus.Counter
	workerQueueDepth prometheus.Gauge
}

func newMetrics(registerer prometheus.Registerer) *metrics {
	m := &metrics{
		connectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "multiflow_connections_total",
			Help: "Accepted client connections by resolved protocol",
		}, []string{"protocol"}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "multiflow_active_sessions",
			Help: "Number of tunnel sessions currently bridging client and upstream",
		}),
		bytesUpTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "multiflow_bytes_up_total",
			Help: "Total bytes forwarded from clients to upstreams",
		}),
		bytesDownTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "multiflow_bytes_down_total",
			Help: "Total bytes forwarded from upstreams to clients",
		}),
		dialErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "multiflow_dial_errors_total",
			Help: "Total upstream dial failures after all retries",
		}),
		workerQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "multiflow_worker_queue_depth",
			Help: "Combined depth of all worker queues at last sample",
		}),
	}

	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	registerer.MustRegister(
		m.connectionsTotal,
		m.activeSessions,
		m.bytesUpTotal,
		m.bytesDownTotal,
		m.dialErrorsTotal,
		m.workerQueueDepth,
	)
	return m
}
