package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/vnmchuo/usage-meter/internal/usage"
)

// Metrics holds the Prometheus collectors of the meter. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	gateDecisions *prometheus.CounterVec
	gateFailOpen  *prometheus.CounterVec
	gateDuration  prometheus.Histogram

	tasks        *prometheus.CounterVec
	tasksDropped *prometheus.CounterVec

	costMicro *prometheus.CounterVec
	tokens    *prometheus.CounterVec
}

// NewMetrics registers the collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		gateDecisions: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "usage_meter_gate_decisions_total",
				Help: "Admission decisions by result",
			},
			[]string{"result"},
		),
		gateFailOpen: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "usage_meter_gate_fail_open_total",
				Help: "Admissions granted because a dependency was unavailable",
			},
			[]string{"reason"},
		),
		gateDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "usage_meter_gate_duration_seconds",
				Help:    "Latency of admission checks",
				Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12), // 0.5ms to ~1s
			},
		),
		tasks: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "usage_meter_background_tasks_total",
				Help: "Background tasks by name and result",
			},
			[]string{"task", "result"},
		),
		tasksDropped: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "usage_meter_background_tasks_dropped_total",
				Help: "Background tasks dropped because the queue was full or closed",
			},
			[]string{"task"},
		),
		costMicro: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "usage_meter_cost_micro_usd_total",
				Help: "Committed cost in microUSD by provider",
			},
			[]string{"provider"},
		),
		tokens: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "usage_meter_tokens_total",
				Help: "Committed tokens by direction",
			},
			[]string{"direction"},
		),
	}
}

func (m *Metrics) GateDecision(result string, took time.Duration) {
	if m == nil {
		return
	}
	m.gateDecisions.WithLabelValues(result).Inc()
	m.gateDuration.Observe(took.Seconds())
}

func (m *Metrics) GateFailOpen(reason string) {
	if m == nil {
		return
	}
	m.gateFailOpen.WithLabelValues(reason).Inc()
}

func (m *Metrics) TaskResult(task, result string) {
	if m == nil {
		return
	}
	m.tasks.WithLabelValues(task, result).Inc()
}

func (m *Metrics) TaskDropped(task string) {
	if m == nil {
		return
	}
	m.tasksDropped.WithLabelValues(task).Inc()
}

// Committed records a delta handed to the durable path. Counters only go
// up, so reconciliation corrections below zero are not subtracted.
func (m *Metrics) Committed(d usage.Delta, c usage.Cost) {
	if m == nil {
		return
	}
	addPositive(m.tokens.WithLabelValues("input"), d.InputTokens)
	addPositive(m.tokens.WithLabelValues("output"), d.OutputTokens)
	addPositive(m.costMicro.WithLabelValues(string(usage.ProviderOpenAI)), c.OpenAIMicro)
	addPositive(m.costMicro.WithLabelValues(string(usage.ProviderMinimax)), c.MinimaxMicro)
	addPositive(m.costMicro.WithLabelValues(string(usage.ProviderBlob)), c.BlobMicro)
}

func addPositive(c prometheus.Counter, v int64) {
	if v > 0 {
		c.Add(float64(v))
	}
}
