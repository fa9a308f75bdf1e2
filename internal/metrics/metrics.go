package metrics

import (
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "opsstream"

// Metrics holds every collector exported by the service.
type Metrics struct {
	gatherer prometheus.Gatherer

	connectionState *prometheus.GaugeVec
	reconnects      prometheus.Counter
	frames          *prometheus.CounterVec
	dropped         *prometheus.CounterVec

	deliveries     prometheus.Counter
	callbackErrors prometheus.Counter
	parseErrors    prometheus.Counter
	notifications  *prometheus.CounterVec

	breakerState       *prometheus.GaugeVec
	breakerTransitions *prometheus.CounterVec
	retryAttempts      *prometheus.CounterVec

	archiveWritten prometheus.Counter
	archiveErrors  prometheus.Counter
}

var connectionStates = []string{"disconnected", "connecting", "connected", "reconnecting"}

var breakerStates = []string{"closed", "open", "half_open"}

// New creates the collectors and registers them with reg. A nil reg gets a
// fresh private registry, which keeps tests isolated from each other.
func New(reg *prometheus.Registry) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	m := &Metrics{
		gatherer: reg,
		connectionState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "connection",
			Name:      "state",
			Help:      "Current connection state (1 for the active state).",
		}, []string{"state"}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "connection",
			Name:      "reconnects_total",
			Help:      "Reconnect attempts scheduled after an unexpected close.",
		}),
		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "connection",
			Name:      "frames_total",
			Help:      "Frames moved over the connection.",
		}, []string{"direction"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "connection",
			Name:      "frames_dropped_total",
			Help:      "Frames dropped before delivery.",
		}, []string{"reason"}),
		deliveries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "deliveries_total",
			Help:      "Callback invocations for matched subscriptions.",
		}),
		callbackErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "callback_errors_total",
			Help:      "Subscriber callbacks that panicked.",
		}),
		parseErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "parse_errors_total",
			Help:      "Inbound frames that could not be parsed.",
		}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notify",
			Name:      "notifications_total",
			Help:      "Notifications created, by level.",
		}, []string{"level"}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "resilience",
			Name:      "circuit_state",
			Help:      "Circuit breaker state per key (1 for the active state).",
		}, []string{"key", "state"}),
		breakerTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "resilience",
			Name:      "circuit_transitions_total",
			Help:      "Circuit breaker state transitions.",
		}, []string{"key", "to"}),
		retryAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "resilience",
			Name:      "retry_attempts_total",
			Help:      "Attempts made by the retry loop, by outcome.",
		}, []string{"key", "outcome"}),
		archiveWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "archive",
			Name:      "notifications_written_total",
			Help:      "Notifications written to the archive.",
		}),
		archiveErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "archive",
			Name:      "write_errors_total",
			Help:      "Failed archive batch writes.",
		}),
	}

	var errs []error
	m.connectionState = register(reg, m.connectionState, &errs)
	m.reconnects = register(reg, m.reconnects, &errs)
	m.frames = register(reg, m.frames, &errs)
	m.dropped = register(reg, m.dropped, &errs)
	m.deliveries = register(reg, m.deliveries, &errs)
	m.callbackErrors = register(reg, m.callbackErrors, &errs)
	m.parseErrors = register(reg, m.parseErrors, &errs)
	m.notifications = register(reg, m.notifications, &errs)
	m.breakerState = register(reg, m.breakerState, &errs)
	m.breakerTransitions = register(reg, m.breakerTransitions, &errs)
	m.retryAttempts = register(reg, m.retryAttempts, &errs)
	m.archiveWritten = register(reg, m.archiveWritten, &errs)
	m.archiveErrors = register(reg, m.archiveErrors, &errs)
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	return m, nil
}

// register adds c to reg, reusing the collector already registered under the
// same descriptor so two Metrics on one registry share series.
func register[T prometheus.Collector](reg prometheus.Registerer, c T, errs *[]error) T {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(T); ok {
				return existing
			}
		}
		*errs = append(*errs, err)
	}
	return c
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// SetConnectionState marks state as the active connection state.
func (m *Metrics) SetConnectionState(state string) {
	if m == nil {
		return
	}
	for _, s := range connectionStates {
		v := 0.0
		if s == state {
			v = 1
		}
		m.connectionState.WithLabelValues(s).Set(v)
	}
}

func (m *Metrics) IncReconnects() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

func (m *Metrics) FrameReceived() {
	if m == nil {
		return
	}
	m.frames.WithLabelValues("in").Inc()
}

func (m *Metrics) FrameSent() {
	if m == nil {
		return
	}
	m.frames.WithLabelValues("out").Inc()
}

// FrameDropped counts a dropped frame; reason is e.g. "buffer_full" or "not_connected".
func (m *Metrics) FrameDropped(reason string) {
	if m == nil {
		return
	}
	m.dropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) AddDeliveries(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.deliveries.Add(float64(n))
}

func (m *Metrics) IncCallbackErrors() {
	if m == nil {
		return
	}
	m.callbackErrors.Inc()
}

func (m *Metrics) IncParseErrors() {
	if m == nil {
		return
	}
	m.parseErrors.Inc()
}

func (m *Metrics) NotificationCreated(level string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(level).Inc()
}

// SetBreakerState records a breaker transition for key.
func (m *Metrics) SetBreakerState(key, state string) {
	if m == nil {
		return
	}
	for _, s := range breakerStates {
		v := 0.0
		if s == state {
			v = 1
		}
		m.breakerState.WithLabelValues(key, s).Set(v)
	}
	m.breakerTransitions.WithLabelValues(key, state).Inc()
}

// RetryAttempt counts one attempt; outcome is "success", "retry" or "abort".
func (m *Metrics) RetryAttempt(key, outcome string) {
	if m == nil {
		return
	}
	m.retryAttempts.WithLabelValues(key, outcome).Inc()
}

func (m *Metrics) AddArchived(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.archiveWritten.Add(float64(n))
}

func (m *Metrics) IncArchiveErrors() {
	if m == nil {
		return
	}
	m.archiveErrors.Inc()
}
