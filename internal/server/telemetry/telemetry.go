// Package telemetry holds the Prometheus instruments exported by fleetd on
// the admin listener.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcome label values.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Metrics groups every fleetd instrument. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	registry *prometheus.Registry

	actions        *prometheus.CounterVec
	actionDuration *prometheus.HistogramVec
	hostSyncs      *prometheus.CounterVec
	cycleDuration  prometheus.Histogram
	inventory      *prometheus.CounterVec
	pings          *prometheus.CounterVec
	metricPoints   prometheus.Counter
	daemonTicks    *prometheus.CounterVec
}

// New creates the instruments on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		actions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fleet",
			Name:      "actions_total",
			Help:      "Lifecycle actions executed, by action and outcome.",
		}, []string{"action", "outcome"}),
		actionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "fleet",
			Name:      "action_duration_seconds",
			Help:      "Wall time of lifecycle actions, including time queued behind the resource lock.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"action"}),
		hostSyncs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fleet",
			Name:      "host_syncs_total",
			Help:      "Per-host reconciliations run by the fleet daemon.",
		}, []string{"outcome"}),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "fleet",
			Name:      "reconcile_cycle_duration_seconds",
			Help:      "Duration of full fleet reconciliation cycles.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
		inventory: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fleet",
			Name:      "inventory_changes_total",
			Help:      "Hosts imported or deleted while reconciling against inventory sources.",
		}, []string{"change"}),
		pings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fleet",
			Name:      "pings_total",
			Help:      "Ping checks, by result.",
		}, []string{"result"}),
		metricPoints: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fleet",
			Name:      "metric_points_total",
			Help:      "Metric points appended to registered streams.",
		}),
		daemonTicks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fleet",
			Name:      "daemon_ticks_total",
			Help:      "Daemon cycles, by daemon and outcome. Paused ticks are counted as skipped.",
		}, []string{"daemon", "outcome"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.actions, m.actionDuration, m.hostSyncs, m.cycleDuration,
		m.inventory, m.pings, m.metricPoints, m.daemonTicks,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) ObserveAction(action string, err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.actions.WithLabelValues(action, outcome(err)).Inc()
	m.actionDuration.WithLabelValues(action).Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveHostSync(err error) {
	if m == nil {
		return
	}
	m.hostSyncs.WithLabelValues(outcome(err)).Inc()
}

func (m *Metrics) ObserveCycle(elapsed time.Duration) {
	if m == nil {
		return
	}
	m.cycleDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) AddInventoryChanges(imported, deleted int) {
	if m == nil {
		return
	}
	m.inventory.WithLabelValues("imported").Add(float64(imported))
	m.inventory.WithLabelValues("deleted").Add(float64(deleted))
}

func (m *Metrics) ObservePing(ok bool) {
	if m == nil {
		return
	}
	result := "lost"
	if ok {
		result = "ok"
	}
	m.pings.WithLabelValues(result).Inc()
}

func (m *Metrics) AddMetricPoints(n int) {
	if m == nil {
		return
	}
	m.metricPoints.Add(float64(n))
}

func (m *Metrics) ObserveTick(daemon, result string) {
	if m == nil {
		return
	}
	m.daemonTicks.WithLabelValues(daemon, result).Inc()
}

func outcome(err error) string {
	if err != nil {
		return OutcomeFailure
	}
	return OutcomeSuccess
}
