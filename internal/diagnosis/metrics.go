package diagnosis

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics counts agent-level outcomes the engine cannot see.
//
//  1. fallbacks_total (counter): agent replies replaced by a fallback.
//     Labels: agent, reason (invalid_output, model_error, no_answers).
//  2. questions_generated_total (counter): clarifying questions handed to
//     patients.
//
// A nil *Metrics records nothing.
type Metrics struct {
	fallbacks *prometheus.CounterVec
	questions prometheus.Counter
}

// NewMetrics registers the agent metrics with registry. A nil registry uses
// prometheus.DefaultRegisterer.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &Metrics{
		fallbacks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "medgraph",
			Subsystem: "diagnosis",
			Name:      "fallbacks_total",
			Help:      "Agent replies replaced by the agent's fallback",
		}, []string{"agent", "reason"}),
		questions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "medgraph",
			Subsystem: "diagnosis",
			Name:      "questions_generated_total",
			Help:      "Clarifying questions handed to patients",
		}),
	}
}

func (m *Metrics) fallback(agent, reason string) {
	if m == nil {
		return
	}
	m.fallbacks.WithLabelValues(agent, reason).Inc()
}

func (m *Metrics) questionsGenerated(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.questions.Add(float64(n))
}
