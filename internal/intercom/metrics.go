package intercom

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics — метрики клиента. Все методы допускают nil-получатель,
// так что сессия без метрик просто ничего не считает.
type Metrics struct {
	calls        *prometheus.CounterVec
	callDuration *prometheus.HistogramVec
	pending      prometheus.Gauge
	state        prometheus.Gauge
	reconnects   prometheus.Counter
	events       *prometheus.CounterVec
	dropped      prometheus.Counter
	malformed    prometheus.Counter
}

// NewMetrics регистрирует метрики в reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		calls: f.NewCounterVec(prometheus.CounterOpts{
			Name: "intercom_calls_total",
			Help: "JSON-RPC calls by method and outcome (ok, remote_error, timeout, connection_lost, error)",
		}, []string{"method", "outcome"}),
		callDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "intercom_call_duration_seconds",
			Help:    "Time from sending a JSON-RPC request to its resolution",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"method"}),
		pending: f.NewGauge(prometheus.GaugeOpts{
			Name: "intercom_pending_requests",
			Help: "Requests waiting for a response",
		}),
		state: f.NewGauge(prometheus.GaugeOpts{
			Name: "intercom_connection_state",
			Help: "Connection state (0 disconnected, 1 connecting, 2 authenticating, 3 connected, 4 reconnecting)",
		}),
		reconnects: f.NewCounter(prometheus.CounterOpts{
			Name: "intercom_reconnects_total",
			Help: "Successful reconnections after a connection loss",
		}),
		events: f.NewCounterVec(prometheus.CounterOpts{
			Name: "intercom_events_total",
			Help: "Notifications received from the device by method",
		}, []string{"method"}),
		dropped: f.NewCounter(prometheus.CounterOpts{
			Name: "intercom_events_dropped_total",
			Help: "Events dropped because a subscriber queue was full",
		}),
		malformed: f.NewCounter(prometheus.CounterOpts{
			Name: "intercom_malformed_frames_total",
			Help: "Inbound frames that could not be decoded",
		}),
	}
}

func (m *Metrics) observeCall(method, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.calls.WithLabelValues(method, outcome).Inc()
	m.callDuration.WithLabelValues(method).Observe(d.Seconds())
}

func (m *Metrics) setPending(n int) {
	if m == nil {
		return
	}
	m.pending.Set(float64(n))
}

func (m *Metrics) setState(s State) {
	if m == nil {
		return
	}
	m.state.Set(float64(s))
}

func (m *Metrics) reconnected() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

func (m *Metrics) eventReceived(method string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(method).Inc()
}

func (m *Metrics) eventDropped() {
	if m == nil {
		return
	}
	m.dropped.Inc()
}

func (m *Metrics) malformedFrame() {
	if m == nil {
		return
	}
	m.malformed.Inc()
}
