// control/metrics.go
// Author: momentics <momentics@gmail.com>
//
// Prometheus collectors for the loop, the relay connections and the
// outbound queue. A nil *Metrics is valid and records nothing.

package control

import (
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "hioload_bot"

// Metrics implements concurrency.Metrics and queue.Metrics and carries the
// connection counters used by the relay server.
type Metrics struct {
	mu sync.Mutex

	ticks          *prometheus.CounterVec
	panics         *prometheus.CounterVec
	pendingTimers  prometheus.Gauge
	connections    prometheus.Gauge
	handshakes     *prometheus.CounterVec
	frames         *prometheus.CounterVec
	inboundDropped prometheus.Counter
	queueDepth     prometheus.Gauge
	queueThrottled *prometheus.CounterVec
	queueEmitted   *prometheus.CounterVec

	registerer prometheus.Registerer
	registered bool
}

func newCounterVec(subsystem, name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

func newGauge(subsystem, name, help string) prometheus.Gauge {
	return prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	})
}

// NewMetrics creates the collectors. A nil registerer selects the default
// registry.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	return &Metrics{
		registerer:    registerer,
		ticks:         newCounterVec("loop", "ticks_total", "Event loop ticks by outcome", []string{"outcome"}),
		panics:        newCounterVec("loop", "panics_total", "Recovered panics by tick phase", []string{"phase"}),
		pendingTimers: newGauge("loop", "pending_timers", "Timers armed after the last tick"),
		connections:   newGauge("server", "connections", "Open relay connections"),
		handshakes:    newCounterVec("server", "handshakes_total", "Handshake results by HTTP status", []string{"status"}),
		frames:        newCounterVec("server", "frames_total", "WebSocket frames by direction and opcode", []string{"direction", "opcode"}),
		inboundDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "server",
			Name:      "inbound_dropped_total",
			Help:      "Inbound messages dropped by the per-connection rate limit",
		}),
		queueDepth:     newGauge("queue", "depth", "Messages waiting in the outbound queue"),
		queueThrottled: newCounterVec("queue", "throttled_total", "GetNext calls refused by the throttle", []string{"tier"}),
		queueEmitted:   newCounterVec("queue", "emitted_total", "Messages released by the outbound queue", []string{"tier"}),
	}
}

// Register registers the collectors. Safe to call multiple times.
func (m *Metrics) Register() error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.registered {
		return nil
	}
	collectors := []prometheus.Collector{
		m.ticks,
		m.panics,
		m.pendingTimers,
		m.connections,
		m.handshakes,
		m.frames,
		m.inboundDropped,
		m.queueDepth,
		m.queueThrottled,
		m.queueEmitted,
	}
	for _, c := range collectors {
		if err := m.registerer.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}
	m.registered = true
	return nil
}

// TickDone records one loop tick.
func (m *Metrics) TickDone(active bool, pendingTimers int) {
	if m == nil {
		return
	}
	outcome := "idle"
	if active {
		outcome = "active"
	}
	m.ticks.WithLabelValues(outcome).Inc()
	m.pendingTimers.Set(float64(pendingTimers))
}

// TickPanic records a recovered panic.
func (m *Metrics) TickPanic(phase string) {
	if m == nil {
		return
	}
	m.panics.WithLabelValues(phase).Inc()
}

// ConnOpened increments the open connection gauge.
func (m *Metrics) ConnOpened() {
	if m == nil {
		return
	}
	m.connections.Inc()
}

// ConnClosed decrements the open connection gauge.
func (m *Metrics) ConnClosed() {
	if m == nil {
		return
	}
	m.connections.Dec()
}

// HandshakeResult counts one finished handshake. 101 is success.
func (m *Metrics) HandshakeResult(status int) {
	if m == nil {
		return
	}
	m.handshakes.WithLabelValues(strconv.Itoa(status)).Inc()
}

// FrameIn counts a received frame.
func (m *Metrics) FrameIn(opcode string) {
	if m == nil {
		return
	}
	m.frames.WithLabelValues("in", opcode).Inc()
}

// FrameOut counts a sent frame.
func (m *Metrics) FrameOut(opcode string) {
	if m == nil {
		return
	}
	m.frames.WithLabelValues("out", opcode).Inc()
}

// InboundDropped counts a message discarded by the inbound limiter.
func (m *Metrics) InboundDropped() {
	if m == nil {
		return
	}
	m.inboundDropped.Inc()
}

// QueueDepth sets the outbound queue depth.
func (m *Metrics) QueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

// QueueThrottled counts a throttled GetNext for tier.
func (m *Metrics) QueueThrottled(tier int) {
	if m == nil {
		return
	}
	m.queueThrottled.WithLabelValues(strconv.Itoa(tier)).Inc()
}

// QueueEmitted counts a released message for tier.
func (m *Metrics) QueueEmitted(tier int) {
	if m == nil {
		return
	}
	m.queueEmitted.WithLabelValues(strconv.Itoa(tier)).Inc()
}
