// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ChatPlug Contributors

package plugin

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/chatplug/chatplug/internal/rpc"
	"github.com/chatplug/chatplug/internal/store"
	"github.com/chatplug/chatplug/internal/transport"
	"github.com/chatplug/chatplug/pkg/api"
)

func testManifest(author, name string, components ...api.ComponentManifest) api.Manifest {
	return api.Manifest{
		SpecVersion: "1.0.0",
		Metadata: api.PluginMetadata{
			Author:  author,
			Name:    name,
			Version: "0.1.0",
		},
		Components: components,
	}
}

func newTestManager(t *testing.T, opts ...Option) *Manager {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "chatplug.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return NewManager(t.TempDir(), st, opts...)
}

// fakePlugin plays the plugin side of a connection: it answers the
// lifecycle actions a real plugin process would and exposes hooks for
// the routed ones.
type fakePlugin struct {
	handler   *rpc.Handler
	container *api.PluginContainer
	shutdown  func()

	mu        sync.Mutex
	initCalls int

	onEvent      func(ec *api.EventContext) (handled bool, err error)
	onTool       func(name string, params map[string]any) (map[string]any, error)
	onRAG        func(action string, data map[string]any) (map[string]any, error)
	commandNames []string
}

func startFakePlugin(t *testing.T, m *Manager, manifest api.Manifest) *fakePlugin {
	t.Helper()

	serverConn, clientConn := transport.Pipe()
	ctx, cancel := context.WithCancel(context.Background())

	fp := &fakePlugin{container: api.NewPluginContainer(manifest)}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		m.serveConnection(ctx, serverConn, false, "", cancel)
	}()

	h := rpc.NewHandler("fake-" + manifest.Key())
	h.RegisterAction(api.ActionInitializePlugin, func(_ context.Context, data map[string]any) (map[string]any, error) {
		fp.mu.Lock()
		fp.initCalls++
		if config, ok := data["plugin_config"].(map[string]any); ok {
			fp.container.Config = config
		}
		fp.mu.Unlock()
		return map[string]any{}, nil
	})
	h.RegisterAction(api.ActionGetPluginContainer, func(context.Context, map[string]any) (map[string]any, error) {
		fp.mu.Lock()
		defer fp.mu.Unlock()
		cm, err := fp.container.AsMap()
		if err != nil {
			return nil, err
		}
		return map[string]any{"plugin_container": cm}, nil
	})
	h.RegisterAction(api.ActionEmitEvent, func(_ context.Context, data map[string]any) (map[string]any, error) {
		ecData, _ := data["event_context"].(map[string]any)
		ec, err := api.EventContextFromMap(ecData)
		if err != nil {
			return nil, err
		}
		handled := false
		if fp.onEvent != nil {
			if handled, err = fp.onEvent(ec); err != nil {
				return nil, err
			}
		}
		out, err := ec.AsMap()
		if err != nil {
			return nil, err
		}
		return map[string]any{"event_context": out, "handled": handled}, nil
	})
	h.RegisterAction(api.ActionCallTool, func(_ context.Context, data map[string]any) (map[string]any, error) {
		name, _ := data["tool_name"].(string)
		params, _ := data["params"].(map[string]any)
		if fp.onTool == nil {
			return map[string]any{}, nil
		}
		return fp.onTool(name, params)
	})
	h.RegisterStream(api.ActionExecuteCommand, func(_ context.Context, data map[string]any, yield func(map[string]any) error) error {
		for _, line := range fp.commandNames {
			if err := yield(map[string]any{"line": line}); err != nil {
				return err
			}
		}
		return nil
	})
	for _, action := range []string{
		api.ActionIngestDocument,
		api.ActionDeleteDocument,
		api.ActionOnKBCreate,
		api.ActionOnKBDelete,
		api.ActionGetRAGCapabilities,
		api.ActionRetrieveKnowledge,
	} {
		h.RegisterAction(action, func(_ context.Context, data map[string]any) (map[string]any, error) {
			if fp.onRAG == nil {
				return map[string]any{"engine_plugin": manifest.Key()}, nil
			}
			return fp.onRAG(action, data)
		})
	}
	fp.handler = h

	go func() {
		defer wg.Done()
		_ = h.Serve(ctx, clientConn)
	}()

	var once sync.Once
	fp.shutdown = func() {
		once.Do(func() {
			cancel()
			wg.Wait()
		})
	}
	t.Cleanup(fp.shutdown)
	return fp
}

// register performs the handshake from the plugin side.
func (fp *fakePlugin) register(t *testing.T) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cm, err := fp.container.AsMap()
	require.NoError(t, err)
	_, err = fp.handler.Call(ctx, api.ActionRegisterPlugin, map[string]any{
		"plugin_container": cm,
	})
	return err
}

func TestManager_RegistrationHandshake(t *testing.T) {
	defer goleak.VerifyNone(t)

	m := newTestManager(t)
	fp := startFakePlugin(t, m, testManifest("acme", "greeter"))
	require.NoError(t, fp.register(t))

	lp, ok := m.Plugin("acme/greeter")
	require.True(t, ok)
	assert.Equal(t, api.StatusInitialized, lp.Container.Status)
	assert.True(t, lp.Container.Enabled)
	assert.True(t, lp.Routable())

	fp.mu.Lock()
	defer fp.mu.Unlock()
	assert.Equal(t, 1, fp.initCalls)
}

func TestManager_RegistrationPersistsDefaultSettings(t *testing.T) {
	defer goleak.VerifyNone(t)

	m := newTestManager(t)
	fp := startFakePlugin(t, m, testManifest("acme", "greeter"))
	require.NoError(t, fp.register(t))

	settings, err := m.store.PluginSettings(context.Background(), "acme/greeter")
	require.NoError(t, err)
	assert.True(t, settings.Enabled)
	assert.EqualValues(t, 0, settings.Priority)
}

func TestManager_RegistrationUsesStoredSettings(t *testing.T) {
	defer goleak.VerifyNone(t)

	m := newTestManager(t)
	require.NoError(t, m.store.SavePluginSettings(context.Background(), &store.PluginSettings{
		PluginKey: "acme/greeter",
		Enabled:   false,
		Priority:  7,
		Config:    map[string]any{"tone": "formal"},
	}))

	fp := startFakePlugin(t, m, testManifest("acme", "greeter"))
	require.NoError(t, fp.register(t))

	lp, ok := m.Plugin("acme/greeter")
	require.True(t, ok)
	assert.False(t, lp.Container.Enabled)
	assert.Equal(t, 7, lp.Container.Priority)
	assert.False(t, lp.Routable())
}

func TestManager_DuplicateRegistration(t *testing.T) {
	defer goleak.VerifyNone(t)

	m := newTestManager(t)
	first := startFakePlugin(t, m, testManifest("acme", "greeter"))
	require.NoError(t, first.register(t))

	second := startFakePlugin(t, m, testManifest("acme", "greeter"))
	err := second.register(t)
	require.Error(t, err)
	assert.True(t, rpc.HasClass(err, rpc.ClassDuplicatePlugin))

	// The first registration must be untouched.
	_, ok := m.Plugin("acme/greeter")
	assert.True(t, ok)
	assert.Len(t, m.Roster(), 1)
}

func TestManager_RemovedOnDisconnect(t *testing.T) {
	defer goleak.VerifyNone(t)

	m := newTestManager(t)
	fp := startFakePlugin(t, m, testManifest("acme", "greeter"))
	require.NoError(t, fp.register(t))
	require.Len(t, m.Roster(), 1)

	fp.shutdown()

	require.Eventually(t, func() bool {
		return len(m.Roster()) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestManager_FailedHandshakeLeavesNoContainer(t *testing.T) {
	defer goleak.VerifyNone(t)

	m := newTestManager(t)

	serverConn, clientConn := transport.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		m.serveConnection(ctx, serverConn, false, "", cancel)
	}()

	// A plugin that cannot answer initialize_plugin fails step (b) of
	// the handshake.
	h := rpc.NewHandler("broken")
	go func() {
		defer wg.Done()
		_ = h.Serve(ctx, clientConn)
	}()
	defer func() {
		cancel()
		wg.Wait()
	}()

	container := api.NewPluginContainer(testManifest("acme", "broken"))
	cm, err := container.AsMap()
	require.NoError(t, err)

	callCtx, callCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer callCancel()
	_, err = h.Call(callCtx, api.ActionRegisterPlugin, map[string]any{"plugin_container": cm})
	require.Error(t, err)
	assert.Empty(t, m.Roster())
}

func TestManager_Discover(t *testing.T) {
	dir := t.TempDir()

	valid := filepath.Join(dir, "acme.greeter")
	require.NoError(t, os.MkdirAll(valid, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(valid, ManifestFile), []byte(`
spec_version: "1.0.0"
metadata:
  author: acme
  name: greeter
  version: "0.1.0"
components:
  - kind: Tool
    name: greet
`), 0o644))

	broken := filepath.Join(dir, "acme.broken")
	require.NoError(t, os.MkdirAll(broken, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(broken, ManifestFile), []byte("spec_version: [nope"), 0o644))

	empty := filepath.Join(dir, "no-manifest")
	require.NoError(t, os.MkdirAll(empty, 0o755))

	st, err := store.Open(filepath.Join(t.TempDir(), "chatplug.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	m := NewManager(dir, st)

	discovered, err := m.Discover(context.Background())
	require.NoError(t, err)
	require.Len(t, discovered, 1)
	assert.Equal(t, "acme/greeter", discovered[0].Manifest.Key())
	assert.Equal(t, valid, discovered[0].Dir)
}

func TestManager_DiscoverMissingDir(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "chatplug.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	m := NewManager(filepath.Join(t.TempDir(), "does-not-exist"), st)
	discovered, err := m.Discover(context.Background())
	require.NoError(t, err)
	assert.Empty(t, discovered)
}

func TestManager_RuntimeVersion(t *testing.T) {
	defer goleak.VerifyNone(t)

	m := newTestManager(t, WithVersion("1.2.3"))
	fp := startFakePlugin(t, m, testManifest("acme", "greeter"))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	result, err := fp.handler.Call(ctx, api.ActionGetRuntimeVersion, nil)
	require.NoError(t, err)
	assert.Equal(t, "1.2.3", result["version"])
}
