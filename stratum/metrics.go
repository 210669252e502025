package stratum

import "github.com/prometheus/client_golang/prometheus"

// Metrics mirrors ConnectionStats as Prometheus collectors so a caller can
// register them against its own registry and expose /metrics without the
// stratum package ever depending on an HTTP server.
type Metrics struct {
	MessagesSent     prometheus.Counter
	MessagesReceived prometheus.Counter
	Errors           prometheus.Counter
	Retries          prometheus.Counter
	CurrentJobHeight prometheus.Gauge

	lastSent, lastReceived, lastErrors, lastRetries uint64
}

// NewMetrics builds a Metrics set with the given namespace, e.g.
// "stratumline".
func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		MessagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "messages_sent_total",
			Help: "Total requests sent to the pool.",
		}),
		MessagesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "messages_received_total",
			Help: "Total frames received from the pool.",
		}),
		Errors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "errors_total",
			Help: "Total socket or protocol errors observed.",
		}),
		Retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "retries_total",
			Help: "Total send_request retry attempts.",
		}),
		CurrentJobHeight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "current_job_info",
			Help: "1 while a job is enqueued, 0 otherwise.",
		}),
	}
}

// Register adds every collector to reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		m.MessagesSent, m.MessagesReceived, m.Errors, m.Retries, m.CurrentJobHeight,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return wrapErr(KindProtocol, "failed to register metric", err)
		}
	}
	return nil
}

// Observe snapshots a connection's cumulative stats and a client's
// current-job presence into the collectors. Callers poll this periodically
// (see cmd/stratumline's stats cron) rather than updating it inline on
// every socket operation, keeping the connection engine free of a metrics
// dependency. Stats reset to zero on reconnect, so a stats value lower than
// what was last observed is treated as a new connection epoch rather than
// a negative delta.
func (m *Metrics) Observe(stats ConnectionStats, hasJob bool) {
	m.MessagesSent.Add(delta(&m.lastSent, stats.MessagesSent))
	m.MessagesReceived.Add(delta(&m.lastReceived, stats.MessagesReceived))
	m.Errors.Add(delta(&m.lastErrors, stats.Errors))
	m.Retries.Add(delta(&m.lastRetries, stats.Retries))
	if hasJob {
		m.CurrentJobHeight.Set(1)
	} else {
		m.CurrentJobHeight.Set(0)
	}
}

func delta(last *uint64, current uint64) float64 {
	if current < *last {
		*last = current
		return float64(current)
	}
	d := current - *last
	*last = current
	return float64(d)
}
