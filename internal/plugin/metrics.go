// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ChatPlug Contributors

package plugin

import (
	"github.com/prometheus/client_golang/prometheus"
)

// EventsEmitted counts event emissions through the pipeline.
// Use RegisterMetrics to register this with a Prometheus registry.
var EventsEmitted = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "chatplug_events_emitted_total",
		Help: "Total number of events pushed through the emission pipeline",
	},
	[]string{"event"},
)

// EventPluginFailures counts plugins that failed while handling an event.
// Use RegisterMetrics to register this with a Prometheus registry.
var EventPluginFailures = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "chatplug_event_plugin_failures_total",
		Help: "Total number of plugin failures during event emission",
	},
	[]string{"event", "plugin"},
)

// Registrations counts completed plugin registrations by outcome.
// Use RegisterMetrics to register this with a Prometheus registry.
var Registrations = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "chatplug_plugin_registrations_total",
		Help: "Total number of plugin registration attempts by outcome",
	},
	[]string{"outcome"},
)

// RegisterMetrics registers plugin manager metrics with the given
// Prometheus registry. Panics if registration fails (following
// prometheus convention).
func RegisterMetrics(reg prometheus.Registerer) {
	reg.MustRegister(EventsEmitted)
	reg.MustRegister(EventPluginFailures)
	reg.MustRegister(Registrations)
}
