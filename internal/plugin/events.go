// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ChatPlug Contributors

package plugin

import (
	"context"
	"log/slog"

	"github.com/samber/oops"

	"github.com/chatplug/chatplug/pkg/api"
)

// EmitEvent dispatches an event context through every routable plugin in
// roster order. Each plugin receives the context as mutated by its
// predecessors and may mutate it further; a plugin setting
// prevent_postorder stops the chain. Returns the containers that reported
// handling the event and the final context with return values reconciled
// onto the payload.
//
// A plugin that fails mid-chain is logged and skipped; one broken plugin
// must not starve the rest of the chain.
func (m *Manager) EmitEvent(ctx context.Context, ec *api.EventContext) ([]*api.PluginContainer, *api.EventContext, error) {
	EventsEmitted.WithLabelValues(ec.EventName).Inc()

	var emitted []*api.PluginContainer
	for _, lp := range m.Roster() {
		if !lp.Routable() {
			continue
		}

		ecMap, err := ec.AsMap()
		if err != nil {
			return emitted, ec, oops.Code("EMIT_FAILED").With("event", ec.EventName).Wrap(err)
		}

		reply, err := lp.Handler.Call(ctx, api.ActionEmitEvent, map[string]any{
			"event_context": ecMap,
		})
		if err != nil {
			EventPluginFailures.WithLabelValues(ec.EventName, lp.Key()).Inc()
			slog.Warn("plugin failed to process event",
				"event", ec.EventName,
				"plugin", lp.Key(),
				"error", err)
			continue
		}

		if next := mergedEventContext(ec, reply); next != nil {
			ec = next
		}
		if handled, _ := reply["handled"].(bool); handled {
			emitted = append(emitted, lp.Container)
		}
		if ec.PreventPostorder {
			break
		}
	}

	if err := ec.ApplyReturns(); err != nil {
		return emitted, ec, oops.Code("EMIT_FAILED").With("event", ec.EventName).Wrap(err)
	}
	return emitted, ec, nil
}

// mergedEventContext decodes the plugin's returned context and keeps the
// short-circuit flags monotonic: once any plugin in the chain sets one it
// stays set even if a later plugin's reply omits it.
func mergedEventContext(prev *api.EventContext, reply map[string]any) *api.EventContext {
	ecData, ok := reply["event_context"].(map[string]any)
	if !ok {
		return nil
	}
	next, err := api.EventContextFromMap(ecData)
	if err != nil {
		slog.Warn("plugin returned an invalid event context", "error", err)
		return nil
	}
	next.PreventDefault = next.PreventDefault || prev.PreventDefault
	next.PreventPostorder = next.PreventPostorder || prev.PreventPostorder
	return next
}
