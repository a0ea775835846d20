package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "pairchat"

// Metrics holds the engine's collectors. A nil *Metrics is valid and
// records nothing, so components can be built without one in tests.
type Metrics struct {
	messagesAppended *prometheus.CounterVec
	ledgerFailures   prometheus.Counter
	messagesRead     prometheus.Counter
	subscriptions    prometheus.Gauge
	uploads          *prometheus.CounterVec
	pushes           *prometheus.CounterVec
	sendsThrottled   prometheus.Counter
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		messagesAppended: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_appended_total",
			Help:      "Messages appended to conversation logs, by kind.",
		}, []string{"kind"}),
		ledgerFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_upsert_failures_total",
			Help:      "Messages written whose ledger upsert failed afterwards.",
		}),
		messagesRead: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_marked_read_total",
			Help:      "Messages transitioned to read.",
		}),
		subscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "live_subscriptions",
			Help:      "Currently open live subscriptions.",
		}),
		uploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uploads_total",
			Help:      "Media uploads, by result.",
		}, []string{"result"}),
		pushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "push_notifications_total",
			Help:      "Web push deliveries, by result.",
		}, []string{"result"}),
		sendsThrottled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sends_throttled_total",
			Help:      "Sends rejected by the per-user rate limiter.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.messagesAppended,
			m.ledgerFailures,
			m.messagesRead,
			m.subscriptions,
			m.uploads,
			m.pushes,
			m.sendsThrottled,
		)
	}
	return m
}

func (m *Metrics) MessageAppended(kind string) {
	if m == nil {
		return
	}
	m.messagesAppended.WithLabelValues(kind).Inc()
}

func (m *Metrics) LedgerUpsertFailed() {
	if m == nil {
		return
	}
	m.ledgerFailures.Inc()
}

func (m *Metrics) MessagesRead(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.messagesRead.Add(float64(n))
}

func (m *Metrics) SubscriptionOpened() {
	if m == nil {
		return
	}
	m.subscriptions.Inc()
}

func (m *Metrics) SubscriptionClosed() {
	if m == nil {
		return
	}
	m.subscriptions.Dec()
}

func (m *Metrics) Upload(result string) {
	if m == nil {
		return
	}
	m.uploads.WithLabelValues(result).Inc()
}

func (m *Metrics) Push(result string) {
	if m == nil {
		return
	}
	m.pushes.WithLabelValues(result).Inc()
}

func (m *Metrics) SendThrottled() {
	if m == nil {
		return
	}
	m.sendsThrottled.Inc()
}
