package event

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metric names.
const (
	MetricOpenEvents          = "event_sessions_open"
	MetricParticipants        = "event_participants"
	MetricMessagesReceived    = "event_messages_received_total"
	MetricMessagesRejected    = "event_messages_rejected_total"
	MetricSendFailures        = "event_send_failures_total"
	MetricStoreErrors         = "event_store_errors_total"
	MetricSolverIterations    = "event_solver_iterations"
	MetricPositionsDispatched = "event_positions_dispatched_total"
)

// Metrics holds the Prometheus collectors for event sessions. A nil *Metrics
// records nothing.
type Metrics struct {
	openEvents          prometheus.Gauge
	participants        prometheus.Gauge
	messagesReceived    *prometheus.CounterVec
	messagesRejected    *prometheus.CounterVec
	sendFailures        prometheus.Counter
	storeErrors         *prometheus.CounterVec
	solverIterations    prometheus.Histogram
	positionsDispatched prometheus.Counter
}

// NewMetrics creates unregistered collectors.
func NewMetrics() *Metrics {
	return &Metrics{
		openEvents: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: MetricOpenEvents,
			Help: "Number of open event sessions",
		}),
		participants: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: MetricParticipants,
			Help: "Number of subscribed devices across all events",
		}),
		messagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricMessagesReceived,
			Help: "Inbound messages handled by type",
		}, []string{"type"}),
		messagesRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricMessagesRejected,
			Help: "Inbound messages rejected by reason",
		}, []string{"reason"}),
		sendFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricSendFailures,
			Help: "Outbound messages that could not be delivered",
		}),
		storeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricStoreErrors,
			Help: "Graph store operations that failed by operation",
		}, []string{"operation"}),
		solverIterations: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    MetricSolverIterations,
			Help:    "Iterations used per solver run",
			Buckets: []float64{1, 10, 50, 100, 250, 500, 750, 1000},
		}),
		positionsDispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricPositionsDispatched,
			Help: "Changed positions persisted and pushed to devices",
		}),
	}
}

// Register registers all collectors with reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range m.Collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// Collectors returns all collectors, mainly for tests.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.openEvents,
		m.participants,
		m.messagesReceived,
		m.messagesRejected,
		m.sendFailures,
		m.storeErrors,
		m.solverIterations,
		m.positionsDispatched,
	}
}

func (m *Metrics) eventOpened() {
	if m != nil {
		m.openEvents.Inc()
	}
}

func (m *Metrics) eventClosed() {
	if m != nil {
		m.openEvents.Dec()
	}
}

func (m *Metrics) participantsAdded(n int) {
	if m != nil {
		m.participants.Add(float64(n))
	}
}

// IncMessagesReceived counts a handled inbound message.
func (m *Metrics) IncMessagesReceived(t MessageType) {
	if m != nil {
		m.messagesReceived.WithLabelValues(string(t)).Inc()
	}
}

// IncMessagesRejected counts an inbound message that was refused.
func (m *Metrics) IncMessagesRejected(reason string) {
	if m != nil {
		m.messagesRejected.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) incSendFailures() {
	if m != nil {
		m.sendFailures.Inc()
	}
}

func (m *Metrics) incStoreErrors(operation string) {
	if m != nil {
		m.storeErrors.WithLabelValues(operation).Inc()
	}
}

func (m *Metrics) observeSolverIterations(n int) {
	if m != nil {
		m.solverIterations.Observe(float64(n))
	}
}

func (m *Metrics) addPositionsDispatched(n int) {
	if m != nil && n > 0 {
		m.positionsDispatched.Add(float64(n))
	}
}
