// Package metrics exports search run observations to Prometheus.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sells-group/company-search/internal/model"
	"github.com/sells-group/company-search/internal/resilience"
	"github.com/sells-group/company-search/internal/worker"
)

// Recorder implements search.Recorder on its own registry.
type Recorder struct {
	registry *prometheus.Registry

	searches      *prometheus.CounterVec
	rejected      *prometheus.CounterVec
	duration      prometheus.Histogram
	found         prometheus.Histogram
	cost          prometheus.Counter
	workerBatches *prometheus.CounterVec
	workerResults *prometheus.CounterVec
	workerCalls   *prometheus.CounterVec
	workerCost    *prometheus.CounterVec
	merges        *prometheus.CounterVec
	breakerState  *prometheus.GaugeVec
}

// New creates a Recorder with Go runtime and process collectors registered.
func New() *Recorder {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Recorder{
		registry: reg,
		searches: f.NewCounterVec(prometheus.CounterOpts{
			Name: "company_search_runs_total",
			Help: "Finished search runs by status",
		}, []string{"status"}),
		rejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "company_search_rejected_total",
			Help: "Search requests rejected before a run started",
		}, []string{"reason"}),
		duration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "company_search_run_duration_seconds",
			Help:    "Wall-clock duration of search runs",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
		}),
		found: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "company_search_run_found",
			Help:    "Companies counted toward the target per run",
			Buckets: []float64{0, 1, 5, 10, 25, 50, 100},
		}),
		cost: f.NewCounter(prometheus.CounterOpts{
			Name: "company_search_cost_usd_total",
			Help: "Upstream cost of finished runs in USD",
		}),
		workerBatches: f.NewCounterVec(prometheus.CounterOpts{
			Name: "company_search_worker_candidates_total",
			Help: "Candidates delivered by each worker",
		}, []string{"worker"}),
		workerResults: f.NewCounterVec(prometheus.CounterOpts{
			Name: "company_search_worker_finished_total",
			Help: "Worker invocations by outcome",
		}, []string{"worker", "outcome"}),
		workerCalls: f.NewCounterVec(prometheus.CounterOpts{
			Name: "company_search_worker_upstream_calls_total",
			Help: "Upstream calls made by each worker",
		}, []string{"worker"}),
		workerCost: f.NewCounterVec(prometheus.CounterOpts{
			Name: "company_search_worker_cost_usd_total",
			Help: "Upstream cost incurred by each worker in USD",
		}, []string{"worker"}),
		merges: f.NewCounterVec(prometheus.CounterOpts{
			Name: "company_search_merges_total",
			Help: "Merged candidates by outcome",
		}, []string{"outcome"}),
		breakerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "company_search_circuit_open",
			Help: "1 when a source's circuit breaker is open",
		}, []string{"source"}),
	}
}

// Registry exposes the underlying registry, mainly for tests.
func (r *Recorder) Registry() *prometheus.Registry { return r.registry }

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

func (r *Recorder) SearchRejected(reason string) {
	r.rejected.WithLabelValues(reason).Inc()
}

func (r *Recorder) SearchFinished(status model.RunStatus, elapsed time.Duration, found int, cost float64) {
	r.searches.WithLabelValues(string(status)).Inc()
	r.duration.Observe(elapsed.Seconds())
	r.found.Observe(float64(found))
	r.cost.Add(cost)
}

func (r *Recorder) WorkerBatch(name string, candidates int, usage model.TokenUsage) {
	r.workerBatches.WithLabelValues(name).Add(float64(candidates))
	r.workerCalls.WithLabelValues(name).Add(float64(usage.Calls))
	r.workerCost.WithLabelValues(name).Add(usage.Cost)
}

func (r *Recorder) WorkerFinished(name string, err error) {
	r.workerResults.WithLabelValues(name, outcome(err)).Inc()
}

func (r *Recorder) MergeObserved(result string) {
	r.merges.WithLabelValues(result).Inc()
}

// ObserveBreakers records the open/closed state of each source's breaker.
func (r *Recorder) ObserveBreakers(states map[string]resilience.State) {
	for name, st := range states {
		v := 0.0
		if st == resilience.StateOpen {
			v = 1
		}
		r.breakerState.WithLabelValues(name).Set(v)
	}
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, worker.ErrExhausted):
		return "exhausted"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	case errors.Is(err, worker.ErrNotConfigured):
		return "not_configured"
	case errors.Is(err, worker.ErrTimeout):
		return "timeout"
	case errors.Is(err, resilience.ErrCircuitOpen):
		return "circuit_open"
	default:
		return "error"
	}
}
