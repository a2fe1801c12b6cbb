package chatsync

import "github.com/prometheus/client_golang/prometheus"

// Metrics groups the collectors updated by the sync components. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	EventsApplied       *prometheus.CounterVec
	MessagesDropped     prometheus.Counter
	ConnectErrors       prometheus.Counter
	SessionTerminations prometheus.Counter
	HistoryFetches      *prometheus.CounterVec
	Notifications       *prometheus.CounterVec
	OnlinePeers         prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg when reg is
// not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		EventsApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "events_applied_total",
			Help:      "Channel events routed into the local model, by event name.",
		}, []string{"event"}),
		MessagesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "inbound_messages_dropped_total",
			Help:      "Inbound messages dropped because their conversation is not known locally.",
		}),
		ConnectErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "connect_errors_total",
			Help:      "Channel connect errors observed.",
		}),
		SessionTerminations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "session_terminations_total",
			Help:      "Sessions terminated after exhausting channel retries.",
		}),
		HistoryFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "history_fetches_total",
			Help:      "History page fetches, by result.",
		}, []string{"result"}),
		Notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Name:      "notifications_total",
			Help:      "Inbound message notification decisions, by outcome.",
		}, []string{"outcome"}),
		OnlinePeers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "chatsync",
			Name:      "online_peers",
			Help:      "Peers currently reported online.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.EventsApplied,
			m.MessagesDropped,
			m.ConnectErrors,
			m.SessionTerminations,
			m.HistoryFetches,
			m.Notifications,
			m.OnlinePeers,
		)
	}
	return m
}

func (m *Metrics) eventApplied(event string) {
	if m != nil {
		m.EventsApplied.WithLabelValues(event).Inc()
	}
}

func (m *Metrics) messageDropped() {
	if m != nil {
		m.MessagesDropped.Inc()
	}
}

func (m *Metrics) connectError() {
	if m != nil {
		m.ConnectErrors.Inc()
	}
}

func (m *Metrics) sessionTerminated() {
	if m != nil {
		m.SessionTerminations.Inc()
	}
}

func (m *Metrics) historyFetch(result string) {
	if m != nil {
		m.HistoryFetches.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) notification(outcome string) {
	if m != nil {
		m.Notifications.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) onlinePeers(n int) {
	if m != nil {
		m.OnlinePeers.Set(float64(n))
	}
}
