package relay

import "github.com/prometheus/client_golang/prometheus"

// Reply outcomes.
const (
	OutcomeReplied    = "replied"
	OutcomeSuperseded = "superseded"
	OutcomeDeclined   = "declined"
	OutcomeFailed     = "failed"
	OutcomeCommand    = "command"
)

// Metrics groups the relay's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	inbound     prometheus.Counter
	replies     *prometheus.CounterVec
	compactions *prometheus.CounterVec
	tokens      prometheus.Histogram
	typing      prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		inbound: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kasumi_inbound_messages_total",
			Help: "Messages accepted by the relay.",
		}),
		replies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kasumi_turns_total",
			Help: "Chat turns by outcome.",
		}, []string{"outcome"}),
		compactions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kasumi_compactions_total",
			Help: "Per-channel compaction results.",
		}, []string{"result"}),
		tokens: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "kasumi_model_tokens",
			Help:    "Total tokens reported by the model per call.",
			Buckets: prometheus.ExponentialBuckets(64, 2, 8),
		}),
		typing: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "kasumi_typing_active",
			Help: "Channels with an active typing indicator.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.inbound, m.replies, m.compactions, m.tokens, m.typing)
	}
	return m
}

func (m *Metrics) messageIn() {
	if m != nil {
		m.inbound.Inc()
	}
}

func (m *Metrics) turn(outcome string) {
	if m != nil {
		m.replies.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) compaction(result string) {
	if m != nil {
		m.compactions.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) modelTokens(n int) {
	if m != nil && n > 0 {
		m.tokens.Observe(float64(n))
	}
}

func (m *Metrics) typingStarted() {
	if m != nil {
		m.typing.Inc()
	}
}

func (m *Metrics) typingStopped() {
	if m != nil {
		m.typing.Dec()
	}
}
