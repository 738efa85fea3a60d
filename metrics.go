package syncengine

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// default namespace for prometheus metrics. Can be changed over Config.
const defaultMetricsNamespace = "syncengine"

type metrics struct {
	framesSent          *prometheus.CounterVec
	framesReceived      *prometheus.CounterVec
	outboundQueued      prometheus.Counter
	outboundDropped     *prometheus.CounterVec
	heartbeatLatency    prometheus.Histogram
	reconnectAttempts   prometheus.Counter
	connectionState     prometheus.Gauge
	queueDepth          prometheus.Gauge
	deadOperations      prometheus.Gauge
	syncOperations      *prometheus.CounterVec
	statusCacheRequests *prometheus.CounterVec
}

// register returns the already registered collector when an equal one exists,
// so several engines can share a registerer.
func register[T prometheus.Collector](registry prometheus.Registerer, c T) (T, error) {
	if err := registry.Register(c); err != nil {
		var alreadyRegistered prometheus.AlreadyRegisteredError
		if errors.As(err, &alreadyRegistered) {
			if existing, ok := alreadyRegistered.ExistingCollector.(T); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

func initMetricsRegistry(registry prometheus.Registerer, namespace string) (*metrics, error) {
	if namespace == "" {
		namespace = defaultMetricsNamespace
	}
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	m := &metrics{}
	var err error

	if m.framesSent, err = register(registry, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "connection",
		Name:      "frames_sent_total",
		Help:      "Number of frames written to the socket.",
	}, []string{"type"})); err != nil {
		return nil, err
	}
	if m.framesReceived, err = register(registry, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "connection",
		Name:      "frames_received_total",
		Help:      "Number of frames read from the socket.",
	}, []string{"type"})); err != nil {
		return nil, err
	}
	if m.outboundQueued, err = register(registry, prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "connection",
		Name:      "outbound_queued_total",
		Help:      "Number of frames parked in the outbound queue while offline.",
	})); err != nil {
		return nil, err
	}
	if m.outboundDropped, err = register(registry, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "connection",
		Name:      "outbound_dropped_total",
		Help:      "Number of outbound frames dropped.",
	}, []string{"reason"})); err != nil {
		return nil, err
	}
	if m.heartbeatLatency, err = register(registry, prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "connection",
		Name:      "heartbeat_latency_seconds",
		Help:      "Round trip time between ping and pong.",
		Buckets:   []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	})); err != nil {
		return nil, err
	}
	if m.reconnectAttempts, err = register(registry, prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "connection",
		Name:      "reconnect_attempts_total",
		Help:      "Number of scheduled reconnects.",
	})); err != nil {
		return nil, err
	}
	if m.connectionState, err = register(registry, prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "connection",
		Name:      "state",
		Help:      "Current connection state (0 disconnected, 1 connecting, 2 connected, 3 disconnecting, 4 error).",
	})); err != nil {
		return nil, err
	}
	if m.queueDepth, err = register(registry, prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "queue",
		Name:      "depth",
		Help:      "Number of operations waiting in the offline queue.",
	})); err != nil {
		return nil, err
	}
	if m.deadOperations, err = register(registry, prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "queue",
		Name:      "dead_operations",
		Help:      "Number of operations that exhausted their retries.",
	})); err != nil {
		return nil, err
	}
	if m.syncOperations, err = register(registry, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "queue",
		Name:      "sync_operations_total",
		Help:      "Outcome of each operation delivery attempt.",
	}, []string{"result"})); err != nil {
		return nil, err
	}
	if m.statusCacheRequests, err = register(registry, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "status",
		Name:      "requests_total",
		Help:      "Status lookups by the source that answered them.",
	}, []string{"source"})); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *metrics) incFrameSent(typ string) {
	if m == nil {
		return
	}
	m.framesSent.WithLabelValues(typ).Inc()
}

func (m *metrics) incFrameReceived(typ string) {
	if m == nil {
		return
	}
	m.framesReceived.WithLabelValues(typ).Inc()
}

func (m *metrics) incOutboundQueued() {
	if m == nil {
		return
	}
	m.outboundQueued.Inc()
}

func (m *metrics) incOutboundDropped(reason string) {
	if m == nil {
		return
	}
	m.outboundDropped.WithLabelValues(reason).Inc()
}

func (m *metrics) observeLatency(d time.Duration) {
	if m == nil {
		return
	}
	m.heartbeatLatency.Observe(d.Seconds())
}

func (m *metrics) incReconnect() {
	if m == nil {
		return
	}
	m.reconnectAttempts.Inc()
}

func (m *metrics) setState(s ConnectionState) {
	if m == nil {
		return
	}
	m.connectionState.Set(float64(s))
}

func (m *metrics) setQueue(depth, dead int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(depth))
	m.deadOperations.Set(float64(dead))
}

func (m *metrics) incSync(result string) {
	if m == nil {
		return
	}
	m.syncOperations.WithLabelValues(result).Inc()
}

func (m *metrics) incStatusRequest(source string) {
	if m == nil {
		return
	}
	m.statusCacheRequests.WithLabelValues(source).Inc()
}
