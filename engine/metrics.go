package engine

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects Prometheus-compatible execution metrics. All metrics
// are namespaced "dygram_". Optional: a nil *Metrics disables
// collection everywhere it is consulted.
//
// Expose via promhttp against the registry passed to NewMetrics.
type Metrics struct {
	activePaths  prometheus.Gauge
	waitingPaths prometheus.Gauge

	stepLatency *prometheus.HistogramVec
	llmLatency  *prometheus.HistogramVec

	stepsTotal       *prometheus.CounterVec
	barrierReleases  *prometheus.CounterVec
	retriesTotal     *prometheus.CounterVec
	breakerTrips     *prometheus.CounterVec
	toolDispatches   *prometheus.CounterVec
	effectErrorsPath *prometheus.CounterVec
}

// NewMetrics registers the execution metrics on the given registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		activePaths: factory.NewGauge(prometheus.GaugeOpts{
			Name: "dygram_active_paths",
			Help: "Paths currently active in the execution",
		}),
		waitingPaths: factory.NewGauge(prometheus.GaugeOpts{
			Name: "dygram_waiting_paths",
			Help: "Paths waiting on barriers or agent turns",
		}),
		stepLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dygram_step_latency_ms",
			Help:    "Runtime step duration in milliseconds",
			Buckets: []float64{1, 5, 10, 50, 100, 500, 1000, 5000},
		}, []string{"execution_id", "status"}),
		llmLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dygram_llm_latency_ms",
			Help:    "LLM turn duration in milliseconds",
			Buckets: []float64{100, 250, 500, 1000, 2500, 5000, 10000, 30000},
		}, []string{"execution_id", "model", "status"}),
		stepsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dygram_steps_total",
			Help: "Cumulative runtime steps",
		}, []string{"execution_id"}),
		barrierReleases: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dygram_barrier_releases_total",
			Help: "Barrier releases",
		}, []string{"execution_id", "barrier"}),
		retriesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dygram_retries_total",
			Help: "LLM invocation retries",
		}, []string{"execution_id", "node"}),
		breakerTrips: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dygram_circuit_breaker_trips_total",
			Help: "Circuit breaker open transitions",
		}, []string{"execution_id", "node"}),
		toolDispatches: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dygram_tool_dispatches_total",
			Help: "Tool calls dispatched during agent turns",
		}, []string{"execution_id", "tool", "status"}),
		effectErrorsPath: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dygram_effect_errors_total",
			Help: "Error effects emitted by the runtime",
		}, []string{"execution_id"}),
	}
}

// ObservePaths records the current path population.
func (m *Metrics) ObservePaths(s *ExecutionState) {
	if m == nil || s == nil {
		return
	}
	m.activePaths.Set(float64(len(s.ActivePaths())))
	m.waitingPaths.Set(float64(len(s.WaitingPaths())))
}

// ObserveStep records one runtime step.
func (m *Metrics) ObserveStep(executionID string, status StepStatus, d time.Duration) {
	if m == nil {
		return
	}
	m.stepsTotal.WithLabelValues(executionID).Inc()
	m.stepLatency.WithLabelValues(executionID, string(status)).Observe(float64(d.Milliseconds()))
}

// ObserveLLM records one LLM turn.
func (m *Metrics) ObserveLLM(executionID, modelID string, err error, d time.Duration) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.llmLatency.WithLabelValues(executionID, modelID, status).Observe(float64(d.Milliseconds()))
}

// ObserveBarrierRelease counts a barrier release.
func (m *Metrics) ObserveBarrierRelease(executionID, barrier string) {
	if m == nil {
		return
	}
	m.barrierReleases.WithLabelValues(executionID, barrier).Inc()
}

// ObserveRetry counts an LLM retry.
func (m *Metrics) ObserveRetry(executionID, node string) {
	if m == nil {
		return
	}
	m.retriesTotal.WithLabelValues(executionID, node).Inc()
}

// ObserveBreakerTrip counts a circuit open transition.
func (m *Metrics) ObserveBreakerTrip(executionID, node string) {
	if m == nil {
		return
	}
	m.breakerTrips.WithLabelValues(executionID, node).Inc()
}

// ObserveToolDispatch counts a tool call.
func (m *Metrics) ObserveToolDispatch(executionID, tool string, isError bool) {
	if m == nil {
		return
	}
	status := "success"
	if isError {
		status = "error"
	}
	m.toolDispatches.WithLabelValues(executionID, tool, status).Inc()
}

// ObserveError counts an error effect.
func (m *Metrics) ObserveError(executionID string) {
	if m == nil {
		return
	}
	m.effectErrorsPath.WithLabelValues(executionID).Inc()
}
