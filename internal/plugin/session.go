// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ChatPlug Contributors

package plugin

import (
	"context"
	"encoding/base64"
	"errors"
	"log/slog"
	"sync"

	"github.com/samber/oops"

	"github.com/chatplug/chatplug/internal/rpc"
	"github.com/chatplug/chatplug/internal/store"
	"github.com/chatplug/chatplug/pkg/api"
)

// session is the manager's side of one plugin connection, from accept
// until the connection ends. It starts anonymous; the register_plugin
// handshake gives it a roster entry.
type session struct {
	mgr     *Manager
	handler *rpc.Handler
	debug   bool
	dir     string
	stop    context.CancelFunc

	mu sync.Mutex
	lp *LivePlugin
}

func (s *session) live() *LivePlugin {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lp
}

func (s *session) setLive(lp *LivePlugin) {
	s.mu.Lock()
	s.lp = lp
	s.mu.Unlock()
}

// pluginKey returns the registered plugin's key, or an error for actions
// arriving before registration completed.
func (s *session) pluginKey() (string, error) {
	lp := s.live()
	if lp == nil {
		return "", oops.Code("NOT_REGISTERED").Errorf("plugin has not completed registration")
	}
	return lp.Key(), nil
}

// bindActions registers every action a plugin may invoke on the runtime.
func (s *session) bindActions(h *rpc.Handler) {
	h.RegisterAction(api.ActionRegisterPlugin, s.handleRegister)
	h.RegisterAction(api.ActionGetRuntimeVersion, func(context.Context, map[string]any) (map[string]any, error) {
		return map[string]any{"version": s.mgr.version}, nil
	})

	h.RegisterAction(api.ActionStorageSet, s.handleStorageSet)
	h.RegisterAction(api.ActionStorageGet, s.handleStorageGet)
	h.RegisterAction(api.ActionStorageDelete, s.handleStorageDelete)
	h.RegisterAction(api.ActionStorageList, s.handleStorageList)

	// Host API calls the runtime cannot answer itself are forwarded to
	// the owning application over the control connection.
	for _, action := range []string{
		api.ActionGetBots,
		api.ActionSendMessage,
		api.ActionReplyMessage,
		api.ActionInvokeLLM,
		api.ActionInvokeEmbedding,
		api.ActionVectorUpsert,
		api.ActionVectorSearch,
		api.ActionVectorDelete,
		api.ActionGetConfigFile,
	} {
		h.RegisterAction(action, s.passthrough(action))
	}
}

// handleRegister runs the registration handshake. The plugin only becomes
// visible to routing after every step succeeds, so a failure partway can
// never leave a half-registered container in the roster.
func (s *session) handleRegister(ctx context.Context, data map[string]any) (map[string]any, error) {
	containerData, ok := data["plugin_container"].(map[string]any)
	if !ok {
		Registrations.WithLabelValues("rejected").Inc()
		return nil, oops.Code("REGISTER_FAILED").Errorf("register_plugin payload carries no plugin_container")
	}

	container, err := api.PluginContainerFromMap(containerData)
	if err != nil {
		Registrations.WithLabelValues("rejected").Inc()
		return nil, err
	}
	key := container.Key()

	if s.debug {
		debugKey, _ := data["debug_key"].(string)
		if s.mgr.debugKey == "" || debugKey != s.mgr.debugKey {
			Registrations.WithLabelValues("rejected").Inc()
			return nil, oops.Code("DEBUG_KEY_MISMATCH").With("plugin", key).
				Errorf("debug session presented a wrong debug key")
		}
	}

	previous, alreadyRunning := s.mgr.Plugin(key)
	if alreadyRunning && !s.debug {
		Registrations.WithLabelValues("duplicate").Inc()
		return nil, errDuplicatePlugin(key)
	}

	settings, err := s.mgr.fetchSettings(ctx, key)
	if err != nil {
		Registrations.WithLabelValues("failed").Inc()
		return nil, err
	}

	container.Status = api.StatusMounted
	container.Enabled = settings.Enabled
	container.Priority = int(settings.Priority)
	container.Config = settings.Config
	container.Debug = s.debug

	if _, err := s.handler.Call(ctx, api.ActionInitializePlugin, map[string]any{
		"plugin_config": settings.Config,
		"enabled":       settings.Enabled,
		"priority":      settings.Priority,
	}); err != nil {
		Registrations.WithLabelValues("failed").Inc()
		return nil, oops.Code("REGISTER_FAILED").With("plugin", key).Wrapf(err, "initialize plugin")
	}

	refreshed, err := s.fetchContainer(ctx)
	if err != nil {
		Registrations.WithLabelValues("failed").Inc()
		return nil, oops.Code("REGISTER_FAILED").With("plugin", key).Wrapf(err, "refresh container")
	}
	refreshed.Status = api.StatusInitialized
	refreshed.Enabled = settings.Enabled
	refreshed.Priority = int(settings.Priority)
	refreshed.Debug = s.debug

	lp := &LivePlugin{
		Container: refreshed,
		Handler:   s.handler,
		Dir:       s.dir,
		stop:      s.stop,
	}
	if alreadyRunning {
		s.mgr.replace(previous, lp)
	} else {
		s.mgr.add(lp)
	}
	s.setLive(lp)

	Registrations.WithLabelValues("success").Inc()
	return map[string]any{"plugin_key": key}, nil
}

// fetchContainer re-reads the plugin's own view of its container after
// initialization.
func (s *session) fetchContainer(ctx context.Context) (*api.PluginContainer, error) {
	data, err := s.handler.Call(ctx, api.ActionGetPluginContainer, nil)
	if err != nil {
		return nil, err
	}
	containerData, ok := data["plugin_container"].(map[string]any)
	if !ok {
		return nil, oops.Code("REGISTER_FAILED").Errorf("get_plugin_container reply carries no plugin_container")
	}
	return api.PluginContainerFromMap(containerData)
}

// fetchSettings resolves a plugin's settings: from the owning application
// when one is attached, falling back to the local store, falling back to
// defaults. Whatever wins is persisted locally so the next start works
// without the application.
func (m *Manager) fetchSettings(ctx context.Context, key string) (*store.PluginSettings, error) {
	if m.app != nil && m.app.Connected() {
		data, err := m.app.Call(ctx, api.ActionGetPluginSettings, map[string]any{"plugin_key": key})
		if err == nil {
			settings := settingsFromMap(key, data)
			if m.store != nil {
				if err := m.store.SavePluginSettings(ctx, settings); err != nil {
					slog.Warn("persisting plugin settings failed", "plugin", key, "error", err)
				}
			}
			return settings, nil
		}
		slog.Warn("fetching settings from application failed, using local settings",
			"plugin", key, "error", err)
	}

	if m.store != nil {
		settings, err := m.store.PluginSettings(ctx, key)
		if err == nil {
			return settings, nil
		}
		if !errors.Is(err, store.ErrSettingsNotFound) {
			return nil, err
		}
	}

	settings := &store.PluginSettings{
		PluginKey: key,
		Enabled:   true,
		Priority:  0,
		Config:    map[string]any{},
	}
	if m.store != nil {
		if err := m.store.SavePluginSettings(ctx, settings); err != nil {
			slog.Warn("persisting default plugin settings failed", "plugin", key, "error", err)
		}
	}
	return settings, nil
}

// settingsFromMap decodes the application's get_plugin_settings reply.
func settingsFromMap(key string, data map[string]any) *store.PluginSettings {
	settings := &store.PluginSettings{
		PluginKey: key,
		Enabled:   true,
		Config:    map[string]any{},
	}
	if enabled, ok := data["enabled"].(bool); ok {
		settings.Enabled = enabled
	}
	if priority, ok := data["priority"].(float64); ok {
		settings.Priority = int64(priority)
	}
	if config, ok := data["config"].(map[string]any); ok {
		settings.Config = config
	}
	return settings
}

// passthrough forwards a host API action to the owning application.
func (s *session) passthrough(action string) rpc.ActionFunc {
	return func(ctx context.Context, data map[string]any) (map[string]any, error) {
		app := s.mgr.app
		if app == nil || !app.Connected() {
			return nil, oops.Code("APP_UNAVAILABLE").With("action", action).
				Errorf("no application is connected to answer %s", action)
		}
		return app.Call(ctx, action, data)
	}
}

// storageScope resolves the scope and owner for one storage action.
// Plugin-scope entries are namespaced by the calling plugin's key, so one
// plugin can never read another's data.
func (s *session) storageScope(data map[string]any) (scope, owner string, err error) {
	scope, _ = data["scope"].(string)
	if scope == "" {
		scope = store.ScopePlugin
	}
	if !store.ValidScope(scope) {
		return "", "", oops.Code("KV_INVALID_SCOPE").Errorf("unknown storage scope %q", scope)
	}
	if scope == store.ScopePlugin {
		owner, err = s.pluginKey()
		if err != nil {
			return "", "", err
		}
	}
	return scope, owner, nil
}

func (s *session) handleStorageSet(ctx context.Context, data map[string]any) (map[string]any, error) {
	scope, owner, err := s.storageScope(data)
	if err != nil {
		return nil, err
	}
	key, _ := data["key"].(string)
	encoded, _ := data["value"].(string)
	value, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, oops.Code("KV_INVALID_VALUE").With("key", key).Wrapf(err, "value must be base64")
	}
	if err := s.mgr.store.Set(ctx, scope, owner, key, value); err != nil {
		return nil, err
	}
	return map[string]any{}, nil
}

func (s *session) handleStorageGet(ctx context.Context, data map[string]any) (map[string]any, error) {
	scope, owner, err := s.storageScope(data)
	if err != nil {
		return nil, err
	}
	key, _ := data["key"].(string)
	value, err := s.mgr.store.Get(ctx, scope, owner, key)
	if errors.Is(err, store.ErrKeyNotFound) {
		return map[string]any{"found": false}, nil
	}
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"found": true,
		"value": base64.StdEncoding.EncodeToString(value),
	}, nil
}

func (s *session) handleStorageDelete(ctx context.Context, data map[string]any) (map[string]any, error) {
	scope, owner, err := s.storageScope(data)
	if err != nil {
		return nil, err
	}
	key, _ := data["key"].(string)
	if err := s.mgr.store.Delete(ctx, scope, owner, key); err != nil {
		return nil, err
	}
	return map[string]any{}, nil
}

func (s *session) handleStorageList(ctx context.Context, data map[string]any) (map[string]any, error) {
	scope, owner, err := s.storageScope(data)
	if err != nil {
		return nil, err
	}
	pattern, _ := data["pattern"].(string)
	keys, err := s.mgr.store.List(ctx, scope, owner, pattern)
	if err != nil {
		return nil, err
	}
	out := make([]any, len(keys))
	for i, k := range keys {
		out[i] = k
	}
	return map[string]any{"keys": out}, nil
}
