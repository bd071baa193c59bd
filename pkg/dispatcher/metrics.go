package dispatcher

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the router and subscriber collectors.
type Metrics struct {
	requests     *prometheus.CounterVec
	duration     *prometheus.HistogramVec
	replays      *prometheus.CounterVec
	dropped      *prometheus.CounterVec
	overloaded   prometheus.Counter
	queueDepth   prometheus.Gauge
	eventFailure *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg. A nil
// registerer uses prometheus.DefaultRegisterer.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "islandgate", Subsystem: "dispatch", Name: "requests_total",
			Help: "Requests dispatched, by operation and result code",
		}, []string{"op", "code"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "islandgate", Subsystem: "dispatch", Name: "duration_seconds",
			Help:    "Time spent dispatching a request",
			Buckets: []float64{.001, .005, .01, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"op"}),
		replays: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "islandgate", Subsystem: "idempotency", Name: "replays_total",
			Help: "Requests answered from the idempotency store",
		}, []string{"op"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "islandgate", Subsystem: "subscriber", Name: "dropped_total",
			Help: "Inbound envelopes dropped without a response",
		}, []string{"reason"}),
		overloaded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "islandgate", Subsystem: "subscriber", Name: "overloaded_total",
			Help: "Requests rejected because the worker queue was full",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "islandgate", Subsystem: "subscriber", Name: "queue_depth",
			Help: "Requests waiting for a worker",
		}),
		eventFailure: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "islandgate", Subsystem: "events", Name: "publish_failures_total",
			Help: "Events that could not be handed to the transport",
		}, []string{"type"}),
	}

	collectors := []prometheus.Collector{
		m.requests, m.duration, m.replays, m.dropped, m.overloaded, m.queueDepth, m.eventFailure,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			var already prometheus.AlreadyRegisteredError
			if !errors.As(err, &already) {
				return nil, err
			}
		}
	}
	return m, nil
}

// The methods below tolerate a nil receiver so metrics stay optional.

func (m *Metrics) observe(op, code string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(op, code).Inc()
	m.duration.WithLabelValues(op).Observe(elapsed.Seconds())
}

func (m *Metrics) replay(op string) {
	if m != nil {
		m.replays.WithLabelValues(op).Inc()
	}
}

func (m *Metrics) drop(reason string) {
	if m != nil {
		m.dropped.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) overload() {
	if m != nil {
		m.overloaded.Inc()
	}
}

func (m *Metrics) setQueueDepth(n int) {
	if m != nil {
		m.queueDepth.Set(float64(n))
	}
}

func (m *Metrics) eventFailed(eventType string) {
	if m != nil {
		m.eventFailure.WithLabelValues(eventType).Inc()
	}
}
