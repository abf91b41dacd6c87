// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ChatPlug Contributors

package plugin

import (
	"context"

	"github.com/chatplug/chatplug/internal/rpc"
	"github.com/chatplug/chatplug/pkg/api"
)

// findComponent scans routable plugins in roster order for a component of
// the given kind and name. First match wins.
func (m *Manager) findComponent(kind api.ComponentKind, name string) (*LivePlugin, bool) {
	for _, lp := range m.Roster() {
		if !lp.Routable() {
			continue
		}
		if _, ok := lp.Container.Component(kind, name); ok {
			return lp, true
		}
	}
	return nil, false
}

// ragEngine finds the plugin hosting a RAG engine. With an empty name the
// first routable plugin declaring any RAGEngine component wins; a named
// engine disambiguates.
func (m *Manager) ragEngine(name string) (*LivePlugin, bool) {
	if name != "" {
		return m.findComponent(api.KindRAGEngine, name)
	}
	for _, lp := range m.Roster() {
		if !lp.Routable() {
			continue
		}
		if len(lp.Container.ComponentsOfKind(api.KindRAGEngine)) > 0 {
			return lp, true
		}
	}
	return nil, false
}

// CallTool routes a tool invocation to the plugin declaring the named
// Tool component.
func (m *Manager) CallTool(ctx context.Context, name string, params map[string]any) (map[string]any, error) {
	lp, ok := m.findComponent(api.KindTool, name)
	if !ok {
		return nil, errToolNotFound(name)
	}
	return lp.Handler.Call(ctx, api.ActionCallTool, map[string]any{
		"tool_name": name,
		"params":    params,
	})
}

// ExecuteCommand routes a command execution to the plugin declaring the
// named Command component and streams its results to yield in arrival
// order. Shaped as a stream action handler so the control surface can
// pass it through unchanged.
func (m *Manager) ExecuteCommand(ctx context.Context, data map[string]any, yield func(map[string]any) error) error {
	name, _ := data["command"].(string)
	lp, ok := m.findComponent(api.KindCommand, name)
	if !ok {
		return errCommandNotFound(name)
	}

	frames, err := lp.Handler.CallStream(ctx, api.ActionExecuteCommand, data)
	if err != nil {
		return err
	}
	for frame := range frames {
		if frame.Err != nil {
			return frame.Err
		}
		if err := yield(frame.Data); err != nil {
			return err
		}
	}
	return nil
}

// callRAG forwards one RAG action to the resolved engine's plugin. The
// optional "engine" field disambiguates between several installed engines.
func (m *Manager) callRAG(ctx context.Context, action string, data map[string]any) (map[string]any, error) {
	engine, _ := data["engine"].(string)
	lp, ok := m.ragEngine(engine)
	if !ok {
		return nil, errRAGEngineNotFound(engine)
	}
	return lp.Handler.Call(ctx, action, data)
}

// IngestDocument routes a document ingestion to a RAG engine.
func (m *Manager) IngestDocument(ctx context.Context, data map[string]any) (map[string]any, error) {
	return m.callRAG(ctx, api.ActionIngestDocument, data)
}

// DeleteDocument routes a document deletion to a RAG engine.
func (m *Manager) DeleteDocument(ctx context.Context, data map[string]any) (map[string]any, error) {
	return m.callRAG(ctx, api.ActionDeleteDocument, data)
}

// OnKBCreate notifies a RAG engine of a new knowledge base.
func (m *Manager) OnKBCreate(ctx context.Context, data map[string]any) (map[string]any, error) {
	return m.callRAG(ctx, api.ActionOnKBCreate, data)
}

// OnKBDelete notifies a RAG engine of a removed knowledge base.
func (m *Manager) OnKBDelete(ctx context.Context, data map[string]any) (map[string]any, error) {
	return m.callRAG(ctx, api.ActionOnKBDelete, data)
}

// RAGCapabilities queries a RAG engine for its declared capabilities.
func (m *Manager) RAGCapabilities(ctx context.Context, data map[string]any) (map[string]any, error) {
	return m.callRAG(ctx, api.ActionGetRAGCapabilities, data)
}

// RetrieveKnowledge routes a retrieval query to a RAG engine.
func (m *Manager) RetrieveKnowledge(ctx context.Context, data map[string]any) (map[string]any, error) {
	return m.callRAG(ctx, api.ActionRetrieveKnowledge, data)
}

// ComponentInfo describes one routable component for listings.
type ComponentInfo struct {
	Plugin string         `json:"plugin"`
	Name   string         `json:"name"`
	Spec   map[string]any `json:"spec,omitempty"`
}

// listComponents aggregates components of one kind across routable
// plugins, in roster order.
func (m *Manager) listComponents(kind api.ComponentKind) []ComponentInfo {
	var out []ComponentInfo
	for _, lp := range m.Roster() {
		if !lp.Routable() {
			continue
		}
		for _, comp := range lp.Container.ComponentsOfKind(kind) {
			out = append(out, ComponentInfo{
				Plugin: lp.Key(),
				Name:   comp.Name(),
				Spec:   comp.Manifest.Spec,
			})
		}
	}
	return out
}

// ListTools returns every tool currently routable.
func (m *Manager) ListTools() []ComponentInfo {
	return m.listComponents(api.KindTool)
}

// ListCommands returns every command currently routable.
func (m *Manager) ListCommands() []ComponentInfo {
	return m.listComponents(api.KindCommand)
}

// PluginAsset fetches an asset (icon, readme, assets file) from a running
// plugin. The plugin answers with base64 content; the reply is passed
// through untouched.
func (m *Manager) PluginAsset(ctx context.Context, key, action string, data map[string]any) (map[string]any, error) {
	lp, ok := m.Plugin(key)
	if !ok {
		return nil, rpc.NewWireError(rpc.ClassActionCall, "plugin %s is not running", key)
	}
	return lp.Handler.Call(ctx, action, data)
}
