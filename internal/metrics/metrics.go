// Package metrics exposes stream-cache counters and gauges on a private
// Prometheus registry. Every method is safe on a nil *Metrics so callers can
// run without instrumentation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/any-hub/stream-cache/internal/protocol"
)

const namespace = "stream_cache"

// Frame kinds used as the "kind" label.
const (
	FrameText   = "text"
	FrameBinary = "binary"
)

// Sources feeds the func-backed gauges. Nil entries are skipped.
type Sources struct {
	ActiveStreams    func() int
	ActiveSessions   func() int
	AvailableBuffers func() int
}

// Metrics groups the collectors registered on one registry.
type Metrics struct {
	registry *prometheus.Registry

	framesReceived *prometheus.CounterVec
	bytesReceived  prometheus.Counter
	bytesSent      prometheus.Counter
	protocolErrors *prometheus.CounterVec
	sessionsTotal  prometheus.Counter
	streamsReaped  prometheus.Counter
	poolTimeouts   prometheus.Counter
}

// New builds the collectors and registers them, plus the Go runtime and
// process collectors, on a fresh registry.
func New(src Sources) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		framesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "frames_received_total",
			Help:      "WebSocket frames received, by frame kind",
		}, []string{"kind"}),

		bytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "bytes_received_total",
			Help:      "Payload bytes appended to streams",
		}),

		bytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "bytes_sent_total",
			Help:      "Payload bytes returned by GET",
		}),

		protocolErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "protocol",
			Name:      "errors_total",
			Help:      "ERROR replies sent, by the message type that caused them",
		}, []string{"message_type"}),

		sessionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "sessions_total",
			Help:      "WebSocket sessions opened",
		}),

		streamsReaped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "reclaimed_total",
			Help:      "Idle streams removed by the cleanup sweep",
		}),

		poolTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bufpool",
			Name:      "acquire_timeouts_total",
			Help:      "Binary frames rejected because no staging buffer freed up in time",
		}),
	}

	m.registry.MustRegister(
		m.framesReceived,
		m.bytesReceived,
		m.bytesSent,
		m.protocolErrors,
		m.sessionsTotal,
		m.streamsReaped,
		m.poolTimeouts,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	registerGauge(m.registry, "stream", "active", "Streams currently registered", src.ActiveStreams)
	registerGauge(m.registry, "websocket", "sessions_active", "WebSocket sessions currently open", src.ActiveSessions)
	registerGauge(m.registry, "bufpool", "buffers_available", "Staging buffers currently idle in the pool", src.AvailableBuffers)

	return m
}

func registerGauge(reg *prometheus.Registry, subsystem, name, help string, fn func() int) {
	if fn == nil {
		return
	}
	reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	}, func() float64 {
		return float64(fn())
	}))
}

// Registry returns the underlying Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the exposition format for the private registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.HandlerFor(prometheus.NewRegistry(), promhttp.HandlerOpts{})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

func (m *Metrics) FrameReceived(kind string) {
	if m == nil {
		return
	}
	m.framesReceived.WithLabelValues(kind).Inc()
}

func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.sessionsTotal.Inc()
}

// StreamsReclaimed adds n to the reclaimed-stream counter.
func (m *Metrics) StreamsReclaimed(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.streamsReaped.Add(float64(n))
}

func (m *Metrics) PoolTimeout() {
	if m == nil {
		return
	}
	m.poolTimeouts.Inc()
}

// BytesReceived implements protocol.Observer.
func (m *Metrics) BytesReceived(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.bytesReceived.Add(float64(n))
}

// BytesSent implements protocol.Observer.
func (m *Metrics) BytesSent(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.bytesSent.Add(float64(n))
}

// ProtocolError implements protocol.Observer.
func (m *Metrics) ProtocolError(t protocol.MessageType) {
	if m == nil {
		return
	}
	m.protocolErrors.WithLabelValues(string(t)).Inc()
}

var _ protocol.Observer = (*Metrics)(nil)
