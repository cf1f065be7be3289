// Package metrics exposes conversation session counters to Prometheus.
package metrics

import (
	"strconv"

	"github.com/nfrund/dmsync/internal/conversation"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "dmsync"

// Metrics implements conversation.Observer. A nil *Metrics records nothing.
type Metrics struct {
	sessionsActive  prometheus.Gauge
	sessionsOpened  prometheus.Counter
	messagesSent    prometheus.Counter
	sendFailures    prometheus.Counter
	duplicates      prometheus.Counter
	droppedUpdates  prometheus.Counter
	markedRead      prometheus.Counter
	typingPublishes *prometheus.CounterVec
}

var _ conversation.Observer = (*Metrics)(nil)

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of open conversation sessions.",
		}),
		sessionsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_opened_total",
			Help:      "Conversation sessions opened.",
		}),
		messagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_sent_total",
			Help:      "Messages confirmed by the store.",
		}),
		sendFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "send_failures_total",
			Help:      "Sends rolled back after a store error.",
		}),
		duplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "feed_duplicates_dropped_total",
			Help:      "Feed inserts discarded because the message was already present.",
		}),
		droppedUpdates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "feed_updates_dropped_total",
			Help:      "Feed updates discarded because the message was not present.",
		}),
		markedRead: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_marked_read_total",
			Help:      "Messages marked read by their recipient.",
		}),
		typingPublishes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "typing_publishes_total",
			Help:      "Typing presence publishes, by state.",
		}, []string{"typing"}),
	}

	for _, c := range []prometheus.Collector{
		m.sessionsActive, m.sessionsOpened, m.messagesSent, m.sendFailures,
		m.duplicates, m.droppedUpdates, m.markedRead, m.typingPublishes,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.sessionsOpened.Inc()
	m.sessionsActive.Inc()
}

func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.sessionsActive.Dec()
}

func (m *Metrics) MessageSent() {
	if m != nil {
		m.messagesSent.Inc()
	}
}

func (m *Metrics) SendFailed() {
	if m != nil {
		m.sendFailures.Inc()
	}
}

func (m *Metrics) DuplicateDropped() {
	if m != nil {
		m.duplicates.Inc()
	}
}

func (m *Metrics) UpdateDropped() {
	if m != nil {
		m.droppedUpdates.Inc()
	}
}

func (m *Metrics) ReadMarked(n int) {
	if m != nil && n > 0 {
		m.markedRead.Add(float64(n))
	}
}

func (m *Metrics) TypingPublished(typing bool) {
	if m != nil {
		m.typingPublishes.WithLabelValues(strconv.FormatBool(typing)).Inc()
	}
}
