package governor

import (
	"context"
	"net/http"
	"time"

	"github.com/churnguard/tenant-governor/internal/admission"
	"github.com/churnguard/tenant-governor/internal/circuit"
	"github.com/churnguard/tenant-governor/internal/fairqueue"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

// Gate labels used in the decisions metric.
const (
	GateRequest  = "request"
	GateCall     = "call"
	GateDispatch = "dispatch"
)

const queueScrapeTimeout = 2 * time.Second

// Metrics exposes admission decisions, circuit states and queue depth.
type Metrics struct {
	registry *prometheus.Registry

	decisions      *prometheus.CounterVec
	circuitState   *prometheus.GaugeVec
	activeSessions prometheus.Gauge
	trackedMinutes *prometheus.CounterVec
}

// NewMetrics builds the collectors on a dedicated registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "governor",
			Name:      "admission_decisions_total",
			Help:      "Admission decisions by gate and outcome.",
		}, []string{"gate", "outcome"}),
		circuitState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "governor",
			Name:      "circuit_state",
			Help:      "Circuit breaker state per dependency (0 closed, 1 open, 2 half open).",
		}, []string{"dependency"}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "governor",
			Name:      "active_call_sessions",
			Help:      "Call sessions admitted by this process and not yet ended.",
		}),
		trackedMinutes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "governor",
			Name:      "tracked_minutes_total",
			Help:      "Call minutes tracked against tenant quotas.",
		}, []string{"plan"}),
	}
	m.registry.MustRegister(m.decisions, m.circuitState, m.activeSessions, m.trackedMinutes)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveDecision counts one decision. A nil error is "admitted".
func (m *Metrics) ObserveDecision(gate string, err error) {
	if m == nil {
		return
	}
	outcome := "admitted"
	if err != nil {
		outcome = admission.KindOf(err).String()
		if outcome == admission.KindNone.String() {
			outcome = "error"
		}
	}
	m.decisions.WithLabelValues(gate, outcome).Inc()
}

// CircuitHook returns a transition hook keeping the state gauge current.
func (m *Metrics) CircuitHook() circuit.TransitionHook {
	return func(tr circuit.Transition) {
		if m == nil {
			return
		}
		m.circuitState.WithLabelValues(tr.Name).Set(float64(tr.To))
	}
}

// SeedCircuits publishes the current state of every known breaker.
func (m *Metrics) SeedCircuits(registry *circuit.Registry) {
	if m == nil || registry == nil {
		return
	}
	for _, stats := range registry.Stats() {
		b, ok := registry.Lookup(stats.Name)
		if !ok {
			continue
		}
		m.circuitState.WithLabelValues(stats.Name).Set(float64(b.State()))
	}
}

// WatchQueue registers a gauge reading the queue length on scrape.
func (m *Metrics) WatchQueue(q *fairqueue.Queue) {
	if m == nil || q == nil {
		return
	}
	depth := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "governor",
		Name:      "queue_depth",
		Help:      "Items pending in the fair queue.",
	}, func() float64 {
		ctx, cancel := context.WithTimeout(context.Background(), queueScrapeTimeout)
		defer cancel()
		n, err := q.Len(ctx, "")
		if err != nil {
			log.WithError(err).Debug("metrics: queue depth unavailable")
			return 0
		}
		return float64(n)
	})
	if errRegister := m.registry.Register(depth); errRegister != nil {
		log.WithError(errRegister).Warn("metrics: register queue depth failed")
	}
}

func (m *Metrics) sessionStarted() {
	if m != nil {
		m.activeSessions.Inc()
	}
}

func (m *Metrics) sessionEnded(plan string, minutes float64) {
	if m == nil {
		return
	}
	m.activeSessions.Dec()
	m.trackedMinutes.WithLabelValues(plan).Add(minutes)
}
