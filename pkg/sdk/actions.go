// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ChatPlug Contributors

package sdk

import (
	"context"
	"encoding/base64"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/samber/oops"

	"github.com/chatplug/chatplug/internal/rpc"
	"github.com/chatplug/chatplug/pkg/api"
)

// bindActions registers every action the runtime may invoke on the plugin.
func (p *Plugin) bindActions(h *rpc.Handler, host *Host, stop context.CancelFunc) {
	h.RegisterAction(api.ActionPing, func(context.Context, map[string]any) (map[string]any, error) {
		return map[string]any{}, nil
	})
	h.RegisterAction(api.ActionShutdown, func(context.Context, map[string]any) (map[string]any, error) {
		stop()
		return map[string]any{}, nil
	})

	h.RegisterAction(api.ActionInitializePlugin, p.handleInitialize(host))
	h.RegisterAction(api.ActionGetPluginContainer, func(context.Context, map[string]any) (map[string]any, error) {
		containerMap, err := p.container()
		if err != nil {
			return nil, err
		}
		return map[string]any{"plugin_container": containerMap}, nil
	})

	h.RegisterAction(api.ActionEmitEvent, p.handleEmitEvent(host))
	h.RegisterAction(api.ActionCallTool, p.handleCallTool(host))
	h.RegisterStream(api.ActionExecuteCommand, p.handleExecuteCommand(host))

	h.RegisterAction(api.ActionIngestDocument, p.ragAction(host, RAGEngine.IngestDocument))
	h.RegisterAction(api.ActionDeleteDocument, p.ragAction(host, RAGEngine.DeleteDocument))
	h.RegisterAction(api.ActionOnKBCreate, p.ragAction(host, RAGEngine.OnKnowledgeBaseCreate))
	h.RegisterAction(api.ActionOnKBDelete, p.ragAction(host, RAGEngine.OnKnowledgeBaseDelete))
	h.RegisterAction(api.ActionGetRAGCapabilities, p.ragAction(host,
		func(engine RAGEngine, ctx context.Context, hostArg *Host, _ map[string]any) (map[string]any, error) {
			return engine.Capabilities(ctx, hostArg)
		}))
	h.RegisterAction(api.ActionRetrieveKnowledge, p.ragAction(host, RAGEngine.Retrieve))

	h.RegisterAction(api.ActionGetPluginIcon, func(_ context.Context, _ map[string]any) (map[string]any, error) {
		if p.manifest.Metadata.Icon == "" {
			return nil, oops.Code("ASSET_NOT_FOUND").Errorf("plugin declares no icon")
		}
		return p.readAsset(p.manifest.Metadata.Icon)
	})
	h.RegisterAction(api.ActionGetPluginReadme, func(_ context.Context, data map[string]any) (map[string]any, error) {
		if locale, _ := data["locale"].(string); locale != "" {
			localized := filepath.Join("readme", "README_"+locale+".md")
			if reply, err := p.readAsset(localized); err == nil {
				return reply, nil
			}
		}
		return p.readAsset("README.md")
	})
	h.RegisterAction(api.ActionGetPluginAssetsFile, func(_ context.Context, data map[string]any) (map[string]any, error) {
		path, _ := data["path"].(string)
		clean := filepath.Clean(path)
		if path == "" || filepath.IsAbs(clean) || strings.HasPrefix(clean, "..") {
			return nil, oops.Code("ASSET_NOT_FOUND").With("path", path).Errorf("asset path escapes the assets directory")
		}
		return p.readAsset(filepath.Join(p.assetsDir, clean))
	})
}

// handleInitialize stores the settings pushed by the runtime and runs the
// plugin's initialization callback. The runtime calls this during the
// registration handshake and again whenever settings change.
func (p *Plugin) handleInitialize(host *Host) rpc.ActionFunc {
	return func(ctx context.Context, data map[string]any) (map[string]any, error) {
		settings := Settings{Enabled: true, Config: map[string]any{}}
		if config, ok := data["plugin_config"].(map[string]any); ok {
			settings.Config = config
		}
		if enabled, ok := data["enabled"].(bool); ok {
			settings.Enabled = enabled
		}
		if priority, ok := data["priority"].(float64); ok {
			settings.Priority = int64(priority)
		}

		p.mu.Lock()
		p.settings = settings
		p.mu.Unlock()

		if p.onInit != nil {
			if err := p.onInit(ctx, host, settings); err != nil {
				return nil, err
			}
		}
		return map[string]any{}, nil
	}
}

// handleEmitEvent runs every registered listener over the delivered
// context, in declaration order, and returns the mutated context. A
// listener setting prevent_postorder stops later listeners of this plugin
// too, matching the runtime-level chain semantics.
func (p *Plugin) handleEmitEvent(host *Host) rpc.ActionFunc {
	return func(ctx context.Context, data map[string]any) (map[string]any, error) {
		ecData, ok := data["event_context"].(map[string]any)
		if !ok {
			return nil, oops.Code("EVENT_DECODE_FAILED").Errorf("emit_event payload carries no event_context")
		}
		ec, err := api.EventContextFromMap(ecData)
		if err != nil {
			return nil, err
		}

		handled := false
		for _, listener := range p.listeners {
			hit, err := listener(ctx, host, ec)
			if err != nil {
				return nil, err
			}
			handled = handled || hit
			if ec.PreventPostorder {
				break
			}
		}

		ecMap, err := ec.AsMap()
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"event_context": ecMap,
			"handled":       handled,
		}, nil
	}
}

func (p *Plugin) handleCallTool(host *Host) rpc.ActionFunc {
	return func(ctx context.Context, data map[string]any) (map[string]any, error) {
		name, _ := data["tool_name"].(string)
		fn, ok := p.tools[name]
		if !ok {
			return nil, rpc.NewWireError(rpc.ClassToolNotFound, "no tool named %q", name)
		}
		params, _ := data["params"].(map[string]any)
		return fn(ctx, host, params)
	}
}

func (p *Plugin) handleExecuteCommand(host *Host) rpc.StreamActionFunc {
	return func(ctx context.Context, data map[string]any, yield func(map[string]any) error) error {
		name, _ := data["command"].(string)
		fn, ok := p.commands[name]
		if !ok {
			return rpc.NewWireError(rpc.ClassCommandNotFound, "no command named %q", name)
		}
		return fn(ctx, host, data, yield)
	}
}

// ragAction adapts one RAGEngine method into an action handler, resolving
// which declared engine the request targets.
func (p *Plugin) ragAction(host *Host, method func(RAGEngine, context.Context, *Host, map[string]any) (map[string]any, error)) rpc.ActionFunc {
	return func(ctx context.Context, data map[string]any) (map[string]any, error) {
		name, _ := data["engine"].(string)
		engine, err := p.engine(name)
		if err != nil {
			return nil, err
		}
		return method(engine, ctx, host, data)
	}
}

// engine resolves a RAG engine by name, defaulting to the first declared.
func (p *Plugin) engine(name string) (RAGEngine, error) {
	if name == "" {
		if len(p.engineOrder) == 0 {
			return nil, rpc.NewWireError(rpc.ClassRAGEngineNotFound, "plugin declares no RAG engine")
		}
		name = p.engineOrder[0]
	}
	engine, ok := p.engines[name]
	if !ok {
		return nil, rpc.NewWireError(rpc.ClassRAGEngineNotFound, "no RAG engine named %q", name)
	}
	return engine, nil
}

// readAsset reads a file relative to the plugin directory and returns it
// base64-encoded. The runtime spawns plugins with their directory as
// working directory, so relative paths resolve inside the installation.
func (p *Plugin) readAsset(path string) (map[string]any, error) {
	content, err := os.ReadFile(path) //nolint:gosec // path is traversal-checked by callers
	if err != nil {
		return nil, oops.Code("ASSET_NOT_FOUND").With("path", path).Wrap(err)
	}
	return map[string]any{
		"file":    filepath.Base(path),
		"mime":    mime.TypeByExtension(filepath.Ext(path)),
		"content": base64.StdEncoding.EncodeToString(content),
	}, nil
}
