// Package metrics exposes Prometheus instrumentation for the scan
// engine: event flow through the dispatcher, module health, and scan
// lifecycle counts.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles the engine's collectors. One instance is shared by
// every scan in a process.
type Metrics struct {
	// EventsEmitted counts accepted events by event type.
	EventsEmitted *prometheus.CounterVec

	// EventsDeduplicated counts emissions discarded as duplicates.
	EventsDeduplicated prometheus.Counter

	// EventsDropped counts deliveries or events lost to limits, by
	// reason (max_events, max_depth, max_queued, stopped, disabled).
	EventsDropped *prometheus.CounterVec

	// HandlerFailures counts contained per-event module failures.
	HandlerFailures *prometheus.CounterVec

	// ModulesDisabled counts modules transitioned to error state.
	ModulesDisabled prometheus.Counter

	// ActiveScans tracks scans currently in a non-terminal state.
	ActiveScans prometheus.Gauge

	// ScansTotal counts finished scans by terminal state.
	ScansTotal *prometheus.CounterVec

	// CorrelationFindings counts findings produced, by rule.
	CorrelationFindings *prometheus.CounterVec
}

// New registers the engine collectors with reg. Pass
// prometheus.DefaultRegisterer for process-global metrics or a fresh
// registry in tests.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		EventsEmitted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "reconforge",
			Subsystem: "bus",
			Name:      "events_emitted_total",
			Help:      "Events accepted by the dispatcher, by event type.",
		}, []string{"type"}),
		EventsDeduplicated: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "reconforge",
			Subsystem: "bus",
			Name:      "events_deduplicated_total",
			Help:      "Emissions discarded because an identical event already exists.",
		}),
		EventsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "reconforge",
			Subsystem: "bus",
			Name:      "events_dropped_total",
			Help:      "Events or deliveries dropped by limits, by reason.",
		}, []string{"reason"}),
		HandlerFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "reconforge",
			Subsystem: "module",
			Name:      "handler_failures_total",
			Help:      "Contained per-event module handler failures, by module.",
		}, []string{"module"}),
		ModulesDisabled: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "reconforge",
			Subsystem: "module",
			Name:      "disabled_total",
			Help:      "Modules disabled after repeated handler failures or setup errors.",
		}),
		ActiveScans: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "reconforge",
			Subsystem: "scan",
			Name:      "active",
			Help:      "Scans currently running.",
		}),
		ScansTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "reconforge",
			Subsystem: "scan",
			Name:      "total",
			Help:      "Completed scans by terminal state.",
		}, []string{"state"}),
		CorrelationFindings: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "reconforge",
			Subsystem: "correlate",
			Name:      "findings_total",
			Help:      "Correlation findings produced, by rule.",
		}, []string{"rule"}),
	}
}

// Nop returns metrics bound to a throwaway registry, for callers that
// do not export metrics.
func Nop() *Metrics {
	return New(prometheus.NewRegistry())
}
