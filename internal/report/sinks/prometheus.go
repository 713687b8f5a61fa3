package sinks

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/leadsignal/harvester/internal/report"
)

// PrometheusSink exports run metrics. It owns all collectors for target
// outcomes, fetch latency, and the run-level gauges.
type PrometheusSink struct {
	targetsTotal  *prometheus.CounterVec
	groupsTotal   prometheus.Counter
	fetchDuration *prometheus.HistogramVec
	activeAgents  prometheus.Gauge
	queueDepth    prometheus.Gauge
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		targetsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "harvester_targets_total",
			Help: "Targets handled, partitioned by outcome.",
		}, []string{"outcome"}),
		groupsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "harvester_activity_groups_total",
			Help: "Canonical activity groups persisted.",
		}),
		fetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "harvester_fetch_duration_seconds",
			Help:    "Fetch wall time per target, partitioned by outcome.",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
		}, []string{"outcome"}),
		activeAgents: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "harvester_agents_active",
			Help: "Agents currently in rotation.",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "harvester_queue_depth",
			Help: "Targets waiting in the work queue.",
		}),
	}
	for _, collector := range []prometheus.Collector{
		s.targetsTotal,
		s.groupsTotal,
		s.fetchDuration,
		s.activeAgents,
		s.queueDepth,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register outcome collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from the provided batch. Safe for
// concurrent use.
func (s *PrometheusSink) Consume(_ context.Context, batch []report.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt report.Event) {
	switch evt.Stage {
	case report.StageTargetDone, report.StageTargetError:
		outcome := string(evt.Outcome)
		if outcome == "" {
			outcome = string(report.OutcomeSuccess)
		}
		s.targetsTotal.WithLabelValues(outcome).Inc()
		if evt.Groups > 0 {
			s.groupsTotal.Add(float64(evt.Groups))
		}
		if evt.Dur > 0 {
			s.fetchDuration.WithLabelValues(outcome).Observe(evt.Dur.Seconds())
		}
	case report.StageRunSnapshot:
		s.activeAgents.Set(float64(evt.Snapshot.ActiveAgents))
		s.queueDepth.Set(float64(evt.Snapshot.QueueDepth))
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error { return nil }
