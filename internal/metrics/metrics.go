// Package metrics holds the Prometheus instruments of the dispatch engine.
// A nil *Metrics is valid and records nothing, so components take one
// optionally.
package metrics

import (
	"time"

	"github.com/ggoodman/policyhost/registry"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "policyhost"

// Invocation outcomes.
const (
	OutcomeOK       = "ok"
	OutcomeError    = "error"
	OutcomePanic    = "panic"
	OutcomeTimeout  = "timeout"
	OutcomeAbort    = "abort"
	OutcomeCanceled = "canceled"
)

// Metrics is the set of instruments shared by the invoker, the reload
// coordinator and the workflow executor.
type Metrics struct {
	invocations *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	reloads     *prometheus.CounterVec
	workflows   *prometheus.CounterVec
}

// New creates the instruments and registers them with reg. A nil reg leaves
// them unregistered, which is convenient in tests.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		invocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "module_invocations_total",
			Help:      "Module operations invoked, by outcome.",
		}, []string{"kind", "module", "operation", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "module_invocation_duration_seconds",
			Help:      "Wall time of module operations.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 8),
		}, []string{"kind", "operation"}),
		reloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reload_total",
			Help:      "Registry reloads, by kind and outcome.",
		}, []string{"kind", "outcome"}),
		workflows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflow_terminal_total",
			Help:      "Workflow sessions reaching a terminal state.",
		}, []string{"kind", "state"}),
	}
	if reg != nil {
		for _, c := range []prometheus.Collector{m.invocations, m.duration, m.reloads, m.workflows} {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}

// ObserveInvocation counts one module call.
func (m *Metrics) ObserveInvocation(kind, module, operation, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.invocations.WithLabelValues(kind, module, operation, outcome).Inc()
	m.duration.WithLabelValues(kind, operation).Observe(d.Seconds())
}

// ObserveReload counts one reload attempt.
func (m *Metrics) ObserveReload(kind string, ok bool) {
	if m == nil {
		return
	}
	outcome := "success"
	if !ok {
		outcome = "failure"
	}
	m.reloads.WithLabelValues(kind, outcome).Inc()
}

// ObserveWorkflow counts a session reaching state.
func (m *Metrics) ObserveWorkflow(kind, state string) {
	if m == nil {
		return
	}
	m.workflows.WithLabelValues(kind, state).Inc()
}

// Invocations exposes the invocation counter for assertions.
func (m *Metrics) Invocations() *prometheus.CounterVec { return m.invocations }

// Reloads exposes the reload counter for assertions.
func (m *Metrics) Reloads() *prometheus.CounterVec { return m.reloads }

// SnapshotCollector reports the size and generation of every published
// snapshot at scrape time.
type SnapshotCollector struct {
	store      *registry.Store
	modules    *prometheus.Desc
	generation *prometheus.Desc
}

// NewSnapshotCollector returns a collector reading from store.
func NewSnapshotCollector(store *registry.Store) *SnapshotCollector {
	return &SnapshotCollector{
		store: store,
		modules: prometheus.NewDesc(
			namespace+"_registry_modules",
			"Modules in the current snapshot.",
			[]string{"kind"}, nil,
		),
		generation: prometheus.NewDesc(
			namespace+"_registry_generation",
			"Generation of the current snapshot.",
			[]string{"kind"}, nil,
		),
	}
}

func (c *SnapshotCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.modules
	ch <- c.generation
}

func (c *SnapshotCollector) Collect(ch chan<- prometheus.Metric) {
	for _, kind := range c.store.Kinds() {
		snap := c.store.Current(kind)
		ch <- prometheus.MustNewConstMetric(c.modules, prometheus.GaugeValue, float64(snap.Len()), kind.String())
		ch <- prometheus.MustNewConstMetric(c.generation, prometheus.GaugeValue, float64(snap.Generation()), kind.String())
	}
}
