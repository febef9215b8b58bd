package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/product-automation/internal/progress"
)

// PrometheusSink exports run and stage progress as Prometheus collectors.
type PrometheusSink struct {
	runsStarted  prometheus.Counter
	runsFinished *prometheus.CounterVec
	runsInFlight prometheus.Gauge
	runRuntime   *prometheus.HistogramVec

	stageEvents  *prometheus.CounterVec
	stageRuntime *prometheus.HistogramVec
	reclaims     prometheus.Counter

	tracker *runTracker
}

// NewPrometheusSink registers the collectors against reg.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "automation_progress_runs_started_total",
			Help: "Runs that started processing.",
		}),
		runsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "automation_progress_runs_finished_total",
			Help: "Runs that reached a terminal status.",
		}, []string{"status"}),
		runsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "automation_progress_runs_in_flight",
			Help: "Runs currently being processed.",
		}),
		runRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "automation_progress_run_runtime_seconds",
			Help:    "Wall time per finished run.",
			Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1200, 3600},
		}, []string{"status"}),
		stageEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "automation_progress_stage_events_total",
			Help: "Stage completions partitioned by stage and outcome.",
		}, []string{"stage", "outcome"}),
		stageRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "automation_progress_stage_runtime_seconds",
			Help:    "Stage wall time including retries.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"stage"}),
		reclaims: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "automation_progress_reclaims_total",
			Help: "Items resumed after their lease expired.",
		}),
		tracker: &runTracker{running: make(map[string]struct{})},
	}
	for _, c := range []prometheus.Collector{
		s.runsStarted, s.runsFinished, s.runsInFlight, s.runRuntime,
		s.stageEvents, s.stageRuntime, s.reclaims,
	} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		switch evt.Kind {
		case progress.KindRunSubmitted:
			s.runsStarted.Inc()
			if s.tracker.start(evt.RunID) {
				s.runsInFlight.Inc()
			}
		case progress.KindRunDone:
			status := string(evt.Status)
			s.runsFinished.WithLabelValues(status).Inc()
			if evt.Dur > 0 {
				s.runRuntime.WithLabelValues(status).Observe(evt.Dur.Seconds())
			}
			if s.tracker.finish(evt.RunID) {
				s.runsInFlight.Dec()
			}
		case progress.KindStageDone, progress.KindStageFailed:
			s.stageEvents.WithLabelValues(string(evt.Stage), evt.Outcome()).Inc()
			if evt.Dur > 0 {
				s.stageRuntime.WithLabelValues(string(evt.Stage)).Observe(evt.Dur.Seconds())
			}
		case progress.KindItemReclaimed:
			s.reclaims.Inc()
		}
	}
	return nil
}

// Close implements progress.Sink.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type runTracker struct {
	mu      sync.Mutex
	running map[string]struct{}
}

func (t *runTracker) start(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *runTracker) finish(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
