// Package metrics exposes build and live-reload activity as Prometheus metrics
package metrics

import (
	"context"
	"net/http"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pageforge/pageforge/pkg/types"
)

const namespace = "pageforge"

// Recorder implements types.Observer and reload.Metrics using Prometheus
type Recorder struct {
	registry       *prom.Registry
	taskDuration   *prom.HistogramVec
	taskResults    *prom.CounterVec
	tasksRunning   prom.Gauge
	reloads        *prom.CounterVec
	droppedClients prom.Counter
	clients        prom.Gauge
	watchTriggers  *prom.CounterVec
}

// NewRecorder constructs and registers the metrics on reg, or on a fresh
// registry when reg is nil.
func NewRecorder(reg *prom.Registry) *Recorder {
	if reg == nil {
		reg = prom.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}

	r := &Recorder{
		registry: reg,
		taskDuration: prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: namespace,
			Name:      "task_duration_seconds",
			Help:      "Duration of task runs",
			Buckets:   prom.DefBuckets,
		}, []string{"task", "kind"}),
		taskResults: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "task_results_total",
			Help:      "Task run outcomes",
		}, []string{"task", "status"}),
		tasksRunning: prom.NewGauge(prom.GaugeOpts{
			Namespace: namespace,
			Name:      "tasks_running",
			Help:      "Leaf tasks currently executing",
		}),
		reloads: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "reload_broadcasts_total",
			Help:      "Live-reload notifications sent, by kind",
		}, []string{"kind"}),
		droppedClients: prom.NewCounter(prom.CounterOpts{
			Namespace: namespace,
			Name:      "reload_dropped_clients_total",
			Help:      "Clients dropped because their event buffer was full",
		}),
		clients: prom.NewGauge(prom.GaugeOpts{
			Namespace: namespace,
			Name:      "reload_clients",
			Help:      "Connected live-reload clients",
		}),
		watchTriggers: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "watch_triggers_total",
			Help:      "Watch-triggered binding runs",
		}, []string{"binding"}),
	}

	reg.MustRegister(r.taskDuration, r.taskResults, r.tasksRunning, r.reloads, r.droppedClients, r.clients, r.watchTriggers)
	return r
}

// Registry returns the registry the metrics are registered on
func (r *Recorder) Registry() *prom.Registry {
	return r.registry
}

// Handler serves the registry in the Prometheus exposition format
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// TaskStarted implements types.Observer
func (r *Recorder) TaskStarted(_ context.Context, _ string, kind types.TaskKind) {
	if r == nil || kind != types.TaskKindLeaf {
		return
	}
	r.tasksRunning.Inc()
}

// TaskFinished implements types.Observer
func (r *Recorder) TaskFinished(_ context.Context, report types.TaskReport) {
	if r == nil {
		return
	}
	if report.Kind == types.TaskKindLeaf {
		r.tasksRunning.Dec()
	}
	r.taskDuration.WithLabelValues(report.Name, string(report.Kind)).Observe(report.Duration.Seconds())
	r.taskResults.WithLabelValues(report.Name, string(report.Status)).Inc()
}

// ClientsConnected implements reload.Metrics
func (r *Recorder) ClientsConnected(n int) {
	if r == nil {
		return
	}
	r.clients.Set(float64(n))
}

// ReloadBroadcast implements reload.Metrics
func (r *Recorder) ReloadBroadcast(kind string, _ int, dropped int) {
	if r == nil {
		return
	}
	r.reloads.WithLabelValues(kind).Inc()
	if dropped > 0 {
		r.droppedClients.Add(float64(dropped))
	}
}

// WatchTriggered counts a binding run caused by a file change
func (r *Recorder) WatchTriggered(binding string) {
	if r == nil {
		return
	}
	r.watchTriggers.WithLabelValues(binding).Inc()
}
