// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ChatPlug Contributors

package rpc

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Status constants for action call metrics.
const (
	StatusSuccess      = "success"
	StatusError        = "error"
	StatusTimeout      = "timeout"
	StatusCancelled    = "cancelled"
	StatusDisconnected = "disconnected"
	StatusNotFound     = "not_found"
)

// Drop reasons for frames discarded by the read loop.
const (
	DropReasonMalformed = "malformed"
	DropReasonNoWaiter  = "no_waiter"
)

// CallsStarted counts outbound action calls.
// Use RegisterMetrics to register this with a Prometheus registry.
var CallsStarted = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "chatplug_action_calls_total",
		Help: "Total number of outbound action calls",
	},
	[]string{"peer", "action"},
)

// CallsFinished counts completed outbound action calls by status.
// Use RegisterMetrics to register this with a Prometheus registry.
var CallsFinished = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "chatplug_action_call_results_total",
		Help: "Total number of completed outbound action calls by status",
	},
	[]string{"peer", "action", "status"},
)

// ActionsHandled is the histogram for inbound action handling duration.
// Use RegisterMetrics to register this with a Prometheus registry.
var ActionsHandled = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "chatplug_action_handle_seconds",
		Help:    "Inbound action handling duration in seconds",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"peer", "action", "status"},
)

// FramesDropped counts frames discarded by the read loop.
// Use RegisterMetrics to register this with a Prometheus registry.
var FramesDropped = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "chatplug_frames_dropped_total",
		Help: "Total number of frames discarded by the read loop",
	},
	[]string{"peer", "reason"},
)

// RegisterMetrics registers rpc package metrics with the given Prometheus
// registry. This must be called at startup to make metrics available on
// /metrics. Panics if registration fails (following prometheus convention).
func RegisterMetrics(reg prometheus.Registerer) {
	reg.MustRegister(CallsStarted)
	reg.MustRegister(CallsFinished)
	reg.MustRegister(ActionsHandled)
	reg.MustRegister(FramesDropped)
}

// RecordCallStarted increments the outbound call counter.
func RecordCallStarted(peer, action string) {
	CallsStarted.WithLabelValues(peer, action).Inc()
}

// RecordCallFinished increments the completed call counter with the given
// status (use Status* constants).
func RecordCallFinished(peer, action, status string) {
	CallsFinished.WithLabelValues(peer, action, status).Inc()
}

// RecordActionHandled records one inbound action dispatch.
func RecordActionHandled(peer, action, status string, duration time.Duration) {
	ActionsHandled.WithLabelValues(peer, action, status).Observe(duration.Seconds())
}

// RecordFrameDropped increments the dropped frame counter (use
// DropReason* constants).
func RecordFrameDropped(peer, reason string) {
	FramesDropped.WithLabelValues(peer, reason).Inc()
}
