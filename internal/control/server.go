// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ChatPlug Contributors

// Package control is the runtime's surface toward the owning application:
// a listener carrying the same framed action protocol as plugin
// connections, exposing plugin management and routing operations, and
// serving as the gateway for plugin host-API calls going the other way.
package control

import (
	"context"
	"log/slog"
	"sync"

	"github.com/samber/oops"

	"github.com/chatplug/chatplug/internal/plugin"
	"github.com/chatplug/chatplug/internal/rpc"
	"github.com/chatplug/chatplug/internal/transport"
	"github.com/chatplug/chatplug/pkg/api"
)

// Server accepts application connections on a TCP listener. One
// application is attached at a time; a new connection replaces the
// previous one, which covers an application restarting without the
// runtime noticing the half-open socket first.
type Server struct {
	addr    string
	manager *plugin.Manager

	mu      sync.RWMutex
	app     *rpc.Handler
	appStop context.CancelFunc
}

// NewServer creates a control server listening on addr once Run is
// called.
func NewServer(addr string, mgr *plugin.Manager) *Server {
	return &Server{addr: addr, manager: mgr}
}

// Connected implements plugin.AppGateway.
func (s *Server) Connected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.app != nil && s.app.State() == rpc.StateConnected
}

// Call implements plugin.AppGateway: it forwards an action to the
// attached application.
func (s *Server) Call(ctx context.Context, action string, data map[string]any) (map[string]any, error) {
	s.mu.RLock()
	app := s.app
	s.mu.RUnlock()
	if app == nil {
		return nil, oops.Code("APP_UNAVAILABLE").Errorf("no application is connected")
	}
	return app.Call(ctx, action, data)
}

// Run listens for application connections until the context ends.
func (s *Server) Run(ctx context.Context) error {
	ctrl := transport.NewListenerController(s.addr)
	slog.Info("control server listening", "addr", s.addr)
	return ctrl.Run(ctx, s.serveApp)
}

// serveApp runs the RPC session for one application connection.
func (s *Server) serveApp(ctx context.Context, conn transport.Connection) {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	handler := rpc.NewHandler("app")
	s.bindActions(handler)
	s.attach(handler, cancel)

	if err := handler.Serve(connCtx, conn); err != nil && ctx.Err() == nil {
		slog.Warn("application session ended", "error", err)
	}
	s.detach(handler)
}

// attach makes handler the current application, displacing a previous
// one.
func (s *Server) attach(handler *rpc.Handler, stop context.CancelFunc) {
	s.mu.Lock()
	prev, prevStop := s.app, s.appStop
	s.app, s.appStop = handler, stop
	s.mu.Unlock()

	if prev != nil {
		slog.Info("replacing previous application connection")
		prevStop()
	}
	slog.Info("application connected")
}

// detach clears the current application if it still is this handler.
func (s *Server) detach(handler *rpc.Handler) {
	s.mu.Lock()
	if s.app == handler {
		s.app, s.appStop = nil, nil
		defer slog.Info("application disconnected")
	}
	s.mu.Unlock()
}

// bindActions registers every operation the application may invoke.
func (s *Server) bindActions(h *rpc.Handler) {
	h.RegisterAction(api.ActionListPlugins, s.handleListPlugins)
	h.RegisterAction(api.ActionGetPluginInfo, s.handleGetPluginInfo)
	h.RegisterStream(api.ActionInstallPlugin, s.manager.InstallPlugin)
	h.RegisterAction(api.ActionUninstallPlugin, s.handleUninstall)
	h.RegisterAction(api.ActionSetPluginEnabled, s.handleSetEnabled)

	h.RegisterAction(api.ActionEmitEvent, s.handleEmitEvent)
	h.RegisterAction(api.ActionCallTool, s.handleCallTool)
	h.RegisterAction(api.ActionListTools, s.handleListTools)
	h.RegisterStream(api.ActionExecuteCommand, s.manager.ExecuteCommand)
	h.RegisterAction(api.ActionListCommands, s.handleListCommands)

	h.RegisterAction(api.ActionIngestDocument, s.manager.IngestDocument)
	h.RegisterAction(api.ActionDeleteDocument, s.manager.DeleteDocument)
	h.RegisterAction(api.ActionOnKBCreate, s.manager.OnKBCreate)
	h.RegisterAction(api.ActionOnKBDelete, s.manager.OnKBDelete)
	h.RegisterAction(api.ActionGetRAGCapabilities, s.manager.RAGCapabilities)
	h.RegisterAction(api.ActionRetrieveKnowledge, s.manager.RetrieveKnowledge)

	h.RegisterAction(api.ActionGetPluginIcon, s.assetAction(api.ActionGetPluginIcon))
	h.RegisterAction(api.ActionGetPluginReadme, s.assetAction(api.ActionGetPluginReadme))
	h.RegisterAction(api.ActionGetPluginAssetsFile, s.assetAction(api.ActionGetPluginAssetsFile))
}

func (s *Server) handleListPlugins(context.Context, map[string]any) (map[string]any, error) {
	roster := s.manager.Roster()
	plugins := make([]any, 0, len(roster))
	for _, lp := range roster {
		cm, err := lp.Container.AsMap()
		if err != nil {
			return nil, err
		}
		plugins = append(plugins, cm)
	}
	return map[string]any{"plugins": plugins}, nil
}

func (s *Server) handleGetPluginInfo(_ context.Context, data map[string]any) (map[string]any, error) {
	key, _ := data["plugin_key"].(string)
	lp, ok := s.manager.Plugin(key)
	if !ok {
		return nil, oops.Code("PLUGIN_NOT_FOUND").Errorf("plugin %s is not running", key)
	}
	cm, err := lp.Container.AsMap()
	if err != nil {
		return nil, err
	}
	return map[string]any{"plugin_container": cm, "dir": lp.Dir}, nil
}

func (s *Server) handleUninstall(ctx context.Context, data map[string]any) (map[string]any, error) {
	key, _ := data["plugin_key"].(string)
	if err := s.manager.Uninstall(ctx, key); err != nil {
		return nil, err
	}
	return map[string]any{}, nil
}

func (s *Server) handleSetEnabled(ctx context.Context, data map[string]any) (map[string]any, error) {
	key, _ := data["plugin_key"].(string)
	enabled, _ := data["enabled"].(bool)
	if err := s.manager.SetPluginEnabled(ctx, key, enabled); err != nil {
		return nil, err
	}
	return map[string]any{}, nil
}

func (s *Server) handleEmitEvent(ctx context.Context, data map[string]any) (map[string]any, error) {
	ecData, ok := data["event_context"].(map[string]any)
	if !ok {
		return nil, oops.Code("EMIT_FAILED").Errorf("emit_event payload carries no event_context")
	}
	ec, err := api.EventContextFromMap(ecData)
	if err != nil {
		return nil, err
	}

	emitted, final, err := s.manager.EmitEvent(ctx, ec)
	if err != nil {
		return nil, err
	}

	containers := make([]any, 0, len(emitted))
	for _, c := range emitted {
		cm, err := c.AsMap()
		if err != nil {
			return nil, err
		}
		containers = append(containers, cm)
	}
	finalMap, err := final.AsMap()
	if err != nil {
		return nil, err
	}
	return map[string]any{"event_context": finalMap, "emitted": containers}, nil
}

func (s *Server) handleCallTool(ctx context.Context, data map[string]any) (map[string]any, error) {
	name, _ := data["tool_name"].(string)
	params, _ := data["params"].(map[string]any)
	return s.manager.CallTool(ctx, name, params)
}

func (s *Server) handleListTools(context.Context, map[string]any) (map[string]any, error) {
	return map[string]any{"tools": componentList(s.manager.ListTools())}, nil
}

func (s *Server) handleListCommands(context.Context, map[string]any) (map[string]any, error) {
	return map[string]any{"commands": componentList(s.manager.ListCommands())}, nil
}

func (s *Server) assetAction(action string) rpc.ActionFunc {
	return func(ctx context.Context, data map[string]any) (map[string]any, error) {
		key, _ := data["plugin_key"].(string)
		return s.manager.PluginAsset(ctx, key, action, data)
	}
}

func componentList(infos []plugin.ComponentInfo) []any {
	out := make([]any, 0, len(infos))
	for _, info := range infos {
		entry := map[string]any{"plugin": info.Plugin, "name": info.Name}
		if info.Spec != nil {
			entry["spec"] = info.Spec
		}
		out = append(out, entry)
	}
	return out
}
