package messaging

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the dispatcher's Prometheus collectors. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	enqueued     *prometheus.CounterVec
	delivered    *prometheus.CounterVec
	completed    *prometheus.CounterVec
	moduleErrors *prometheus.CounterVec
	stuck        *prometheus.CounterVec
	syncBackoffs prometheus.Counter
	pending      prometheus.Gauge
	inFlight     prometheus.Gauge
	duration     *prometheus.HistogramVec
}

func newDispatcherCounterVec(name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "halcore",
			Subsystem: "dispatcher",
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

func newDispatcherGauge(name, help string) prometheus.Gauge {
	return prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "halcore",
		Subsystem: "dispatcher",
		Name:      name,
		Help:      help,
	})
}

// NewMetrics creates the dispatcher collectors and registers them with
// registerer. Collectors that are already registered are reused.
func NewMetrics(registerer prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		enqueued:     newDispatcherCounterVec("messages_enqueued_total", "Messages accepted by Enqueue", []string{"type"}),
		delivered:    newDispatcherCounterVec("messages_delivered_total", "Messages handed to the module chain", []string{"type"}),
		completed:    newDispatcherCounterVec("messages_completed_total", "Messages whose reference count reached zero", []string{"type", "outcome"}),
		moduleErrors: newDispatcherCounterVec("module_errors_total", "Errors attached to messages by modules", []string{"type", "module"}),
		stuck:        newDispatcherCounterVec("stuck_messages_total", "In-flight messages that exceeded the stuck timeout", []string{"type"}),
		syncBackoffs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "halcore",
			Subsystem: "dispatcher",
			Name:      "sync_backoffs_total",
			Help:      "Passes that deferred a sync message because others were in flight",
		}),
		pending:  newDispatcherGauge("pending_messages", "Messages waiting for delivery"),
		inFlight: newDispatcherGauge("in_flight_messages", "Messages delivered but not yet complete"),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "halcore",
				Subsystem: "dispatcher",
				Name:      "message_duration_seconds",
				Help:      "Time from delivery to completion",
				Buckets:   []float64{.0005, .001, .005, .01, .05, .1, .5, 1, 5, 30},
			},
			[]string{"type"},
		),
	}

	if registerer == nil {
		return m, nil
	}

	var err error
	register := func(c prometheus.Collector) prometheus.Collector {
		if err != nil {
			return c
		}
		if regErr := registerer.Register(c); regErr != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(regErr, &are) {
				return are.ExistingCollector
			}
			err = regErr
		}
		return c
	}
	m.enqueued = register(m.enqueued).(*prometheus.CounterVec)
	m.delivered = register(m.delivered).(*prometheus.CounterVec)
	m.completed = register(m.completed).(*prometheus.CounterVec)
	m.moduleErrors = register(m.moduleErrors).(*prometheus.CounterVec)
	m.stuck = register(m.stuck).(*prometheus.CounterVec)
	m.syncBackoffs = register(m.syncBackoffs).(prometheus.Counter)
	m.pending = register(m.pending).(prometheus.Gauge)
	m.inFlight = register(m.inFlight).(prometheus.Gauge)
	m.duration = register(m.duration).(*prometheus.HistogramVec)
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Metrics) recordEnqueued(messageType string) {
	if m == nil {
		return
	}
	m.enqueued.WithLabelValues(messageType).Inc()
}

func (m *Metrics) recordDelivered(messageType string) {
	if m == nil {
		return
	}
	m.delivered.WithLabelValues(messageType).Inc()
}

func (m *Metrics) recordCompleted(msg *Message, errs int, elapsed time.Duration) {
	if m == nil {
		return
	}
	outcome := "ok"
	if errs > 0 {
		outcome = "error"
	}
	m.completed.WithLabelValues(msg.Type(), outcome).Inc()
	m.duration.WithLabelValues(msg.Type()).Observe(elapsed.Seconds())
}

func (m *Metrics) recordModuleError(messageType, module string) {
	if m == nil {
		return
	}
	m.moduleErrors.WithLabelValues(messageType, module).Inc()
}

func (m *Metrics) recordStuck(messageType string) {
	if m == nil {
		return
	}
	m.stuck.WithLabelValues(messageType).Inc()
}

func (m *Metrics) recordSyncBackoff() {
	if m == nil {
		return
	}
	m.syncBackoffs.Inc()
}

func (m *Metrics) setQueues(pending, inFlight int) {
	if m == nil {
		return
	}
	m.pending.Set(float64(pending))
	m.inFlight.Set(float64(inFlight))
}
