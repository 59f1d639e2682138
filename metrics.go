package chatsync

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the engine's prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	frames         *prometheus.CounterVec
	droppedFrames  prometheus.Counter
	stalePages     prometheus.Counter
	requestErrors  *prometheus.CounterVec
	connects       prometheus.Counter
	disconnects    prometheus.Counter
	onlineUsers    prometheus.Gauge
	activeChannels prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg when reg is
// not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "frames_total",
			Help:      "Inbound frames applied, by event name.",
		}, []string{"event"}),
		droppedFrames: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "frames_dropped_total",
			Help:      "Inbound frames dropped as malformed or unknown.",
		}),
		stalePages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "stale_pages_total",
			Help:      "Message pages discarded because the active channel changed.",
		}),
		requestErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "request_errors_total",
			Help:      "Failed REST calls, by operation.",
		}, []string{"op"}),
		connects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "connects_total",
			Help:      "Transport connect acknowledgments.",
		}),
		disconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "disconnects_total",
			Help:      "Transport disconnects.",
		}),
		onlineUsers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "chatsync",
			Name:      "online_users",
			Help:      "Users currently known to be online.",
		}),
		activeChannels: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "chatsync",
			Name:      "directory_channels",
			Help:      "Channels held in the directory.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.frames, m.droppedFrames, m.stalePages, m.requestErrors,
			m.connects, m.disconnects, m.onlineUsers, m.activeChannels)
	}
	return m
}

func (m *Metrics) frame(event string) {
	if m != nil {
		m.frames.WithLabelValues(event).Inc()
	}
}

func (m *Metrics) dropped() {
	if m != nil {
		m.droppedFrames.Inc()
	}
}

func (m *Metrics) stalePage() {
	if m != nil {
		m.stalePages.Inc()
	}
}

func (m *Metrics) requestError(op string) {
	if m != nil {
		m.requestErrors.WithLabelValues(op).Inc()
	}
}

func (m *Metrics) connected() {
	if m != nil {
		m.connects.Inc()
	}
}

func (m *Metrics) disconnected() {
	if m != nil {
		m.disconnects.Inc()
	}
}

func (m *Metrics) setOnline(n int) {
	if m != nil {
		m.onlineUsers.Set(float64(n))
	}
}

func (m *Metrics) setChannels(n int) {
	if m != nil {
		m.activeChannels.Set(float64(n))
	}
}
