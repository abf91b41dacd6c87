// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ChatPlug Contributors

// Package plugin orchestrates plugin processes: discovery on disk,
// dependency checks, process launch, the registration handshake, and the
// routing of events, tool calls, and command executions to the plugins in
// the roster.
package plugin

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/samber/oops"
	"golang.org/x/sync/errgroup"

	"github.com/chatplug/chatplug/internal/deps"
	"github.com/chatplug/chatplug/internal/marketplace"
	"github.com/chatplug/chatplug/internal/rpc"
	"github.com/chatplug/chatplug/internal/store"
	"github.com/chatplug/chatplug/internal/transport"
	"github.com/chatplug/chatplug/pkg/api"
)

// ManifestFile is the manifest inside a plugin directory.
const ManifestFile = "manifest.yaml"

// launchParallelism bounds concurrent dependency installs during startup.
const launchParallelism = 4

// heartbeatInterval is how often initialized plugins are pinged.
const heartbeatInterval = 30 * time.Second

// heartbeatTimeout bounds one ping exchange.
const heartbeatTimeout = 5 * time.Second

// AppGateway is the runtime's channel back to the owning application.
// The manager uses it to fetch plugin settings during registration and to
// pass plugin host-API calls through.
type AppGateway interface {
	// Connected reports whether an application is attached right now.
	Connected() bool
	// Call invokes an action on the application.
	Call(ctx context.Context, action string, data map[string]any) (map[string]any, error)
}

// LivePlugin binds a registered container to the handler of its live
// connection. The handler reference never crosses the wire.
type LivePlugin struct {
	Container *api.PluginContainer
	Handler   *rpc.Handler
	Dir       string

	// stop tears down the plugin's process or connection. Never nil.
	stop context.CancelFunc
}

// Key returns the plugin's "author/name" installation key.
func (p *LivePlugin) Key() string { return p.Container.Key() }

// Routable reports whether this plugin participates in event emission,
// tool calls, and command execution.
func (p *LivePlugin) Routable() bool {
	return p.Container.Status == api.StatusInitialized && p.Container.Enabled
}

// Manager owns the plugin roster. Each Manager instance has its own
// roster; nothing here is process-wide.
type Manager struct {
	pluginsDir string
	version    string
	debugKey   string
	store      *store.Store
	deps       *deps.Manager
	market     *marketplace.Client
	app        AppGateway
	mounted    prometheus.Gauge

	mu     sync.RWMutex
	roster []*LivePlugin

	// lifeCtx outlives any single launch or control-connection dispatch:
	// plugin processes run until the manager itself shuts down, not until
	// the context that happened to start them ends.
	lifeCtx context.Context
	stopAll context.CancelFunc

	launches sync.WaitGroup
}

// Option configures the Manager.
type Option func(*Manager)

// WithDependencyManager sets the dependency manager used before launches.
func WithDependencyManager(d *deps.Manager) Option {
	return func(m *Manager) { m.deps = d }
}

// WithMarketplace sets the marketplace client used for installs.
func WithMarketplace(c *marketplace.Client) Option {
	return func(m *Manager) { m.market = c }
}

// WithAppGateway attaches the owning application's gateway.
func WithAppGateway(app AppGateway) Option {
	return func(m *Manager) { m.app = app }
}

// WithDebugKey sets the shared key debug sessions must present.
func WithDebugKey(key string) Option {
	return func(m *Manager) { m.debugKey = key }
}

// WithVersion sets the runtime version reported to plugins.
func WithVersion(v string) Option {
	return func(m *Manager) { m.version = v }
}

// WithMountedGauge wires a gauge tracking the roster size.
func WithMountedGauge(g prometheus.Gauge) Option {
	return func(m *Manager) { m.mounted = g }
}

// NewManager creates a plugin manager rooted at pluginsDir.
func NewManager(pluginsDir string, st *store.Store, opts ...Option) *Manager {
	m := &Manager{
		pluginsDir: pluginsDir,
		version:    "dev",
		store:      st,
		deps:       deps.NewManager(nil),
	}
	m.lifeCtx, m.stopAll = context.WithCancel(context.Background())
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SetAppGateway attaches the owning application's gateway after
// construction. Must be called before any connection is served.
func (m *Manager) SetAppGateway(app AppGateway) { m.app = app }

// DiscoveredPlugin is a manifest found on disk, not yet running.
type DiscoveredPlugin struct {
	Manifest *api.Manifest
	Dir      string
}

// Discover finds all valid plugins under the plugins directory. Invalid
// plugins are logged and skipped so one broken manifest cannot keep the
// runtime down.
func (m *Manager) Discover(_ context.Context) ([]*DiscoveredPlugin, error) {
	entries, err := os.ReadDir(m.pluginsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil // No plugins directory
		}
		return nil, oops.Code("DISCOVER_FAILED").With("dir", m.pluginsDir).Wrap(err)
	}

	var plugins []*DiscoveredPlugin
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		pluginDir := filepath.Join(m.pluginsDir, entry.Name())
		manifestPath := filepath.Join(pluginDir, ManifestFile)

		data, err := os.ReadFile(manifestPath) //nolint:gosec // manifestPath is constructed from ReadDir entries
		if err != nil {
			slog.Warn("skipping plugin without manifest",
				"dir", entry.Name(),
				"error", err)
			continue
		}

		if err := ValidateSchema(data); err != nil {
			slog.Warn("skipping plugin with invalid manifest",
				"dir", entry.Name(),
				"error", FormatSchemaError(err))
			continue
		}

		manifest, err := api.ParseManifest(data)
		if err != nil {
			slog.Warn("skipping plugin with invalid manifest",
				"dir", entry.Name(),
				"error", err)
			continue
		}

		plugins = append(plugins, &DiscoveredPlugin{
			Manifest: manifest,
			Dir:      pluginDir,
		})
	}

	return plugins, nil
}

// LaunchAll discovers and launches every installed plugin. Individual
// launch failures are logged, not returned: the runtime starts with
// whatever subset of plugins is healthy.
func (m *Manager) LaunchAll(ctx context.Context) error {
	discovered, err := m.Discover(ctx)
	if err != nil {
		return err
	}

	var g errgroup.Group
	g.SetLimit(launchParallelism)
	for _, dp := range discovered {
		g.Go(func() error {
			if err := m.Launch(ctx, dp); err != nil {
				slog.Error("failed to launch plugin",
					"plugin", dp.Manifest.Key(),
					"error", err)
			}
			return nil
		})
	}
	return g.Wait() //nolint:wrapcheck // goroutines never return errors
}

// Launch ensures the plugin's dependencies are current, then starts its
// process wired through stdio. The call returns once the process is
// spawned; registration happens asynchronously over the new connection.
// ctx bounds only the dependency install: the spawned process lives on
// the manager's own lifetime, until Shutdown or roster removal.
func (m *Manager) Launch(ctx context.Context, dp *DiscoveredPlugin) error {
	if dp.Manifest.Execution == nil {
		slog.Info("plugin has no execution config, waiting for a debug session",
			"plugin", dp.Manifest.Key())
		return nil
	}

	if _, err := m.deps.CheckAndInstall(ctx, dp.Dir); err != nil {
		return err
	}

	spawnCtx, cancel := context.WithCancel(m.lifeCtx)

	args := append([]string{}, dp.Manifest.Execution.Args...)
	args = append(args, "--stdio")
	ctrl := transport.NewSpawnController(
		dp.Manifest.Execution.Command,
		args,
		dp.Dir,
		[]string{"CHATPLUG_PLUGIN_STDIO=1"},
	)

	m.launches.Add(1)
	go func() {
		defer m.launches.Done()
		defer cancel()
		err := ctrl.Run(spawnCtx, func(connCtx context.Context, conn transport.Connection) {
			m.serveConnection(connCtx, conn, false, dp.Dir, cancel)
		})
		if err != nil && spawnCtx.Err() == nil {
			slog.Error("plugin process ended", "plugin", dp.Manifest.Key(), "error", err)
		}
	}()

	return nil
}

// ServeDebugConnection serves one connection accepted on the debug
// listener. It blocks until the connection ends.
func (m *Manager) ServeDebugConnection(ctx context.Context, conn transport.Connection) {
	m.serveConnection(ctx, conn, true, "", func() { _ = conn.Close() })
}

// serveConnection runs the RPC session for one plugin connection and
// removes the plugin from the roster when the session ends.
func (m *Manager) serveConnection(ctx context.Context, conn transport.Connection, debug bool, dir string, stop context.CancelFunc) {
	sess := &session{mgr: m, debug: debug, dir: dir, stop: stop}
	handler := rpc.NewHandler("plugin")
	sess.handler = handler
	sess.bindActions(handler)

	if err := handler.Serve(ctx, conn); err != nil && ctx.Err() == nil {
		slog.Warn("plugin session ended", "error", err)
	}

	if lp := sess.live(); lp != nil {
		m.remove(lp)
	}
}

// Roster returns a snapshot of the current roster, in registration order.
func (m *Manager) Roster() []*LivePlugin {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*LivePlugin, len(m.roster))
	copy(out, m.roster)
	return out
}

// Plugin finds a roster entry by installation key.
func (m *Manager) Plugin(key string) (*LivePlugin, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, lp := range m.roster {
		if lp.Key() == key {
			return lp, true
		}
	}
	return nil, false
}

// add appends a registered plugin to the roster.
func (m *Manager) add(lp *LivePlugin) {
	m.mu.Lock()
	m.roster = append(m.roster, lp)
	size := len(m.roster)
	m.mu.Unlock()

	if m.mounted != nil {
		m.mounted.Set(float64(size))
	}
	slog.Info("plugin registered",
		"plugin", lp.Key(),
		"components", len(lp.Container.Components))
}

// remove drops a plugin from the roster. A dead handler must never stay
// reachable for routing.
func (m *Manager) remove(lp *LivePlugin) {
	m.mu.Lock()
	for i, cur := range m.roster {
		if cur == lp {
			m.roster = append(m.roster[:i], m.roster[i+1:]...)
			break
		}
	}
	size := len(m.roster)
	m.mu.Unlock()

	if m.mounted != nil {
		m.mounted.Set(float64(size))
	}
	lp.stop()
	slog.Info("plugin removed", "plugin", lp.Key())
}

// replace swaps a previous registration of the same plugin for a new
// debug session.
func (m *Manager) replace(old, next *LivePlugin) {
	m.mu.Lock()
	for i, cur := range m.roster {
		if cur == old {
			m.roster[i] = next
			break
		}
	}
	m.mu.Unlock()

	old.stop()
	slog.Info("plugin replaced by debug session", "plugin", next.Key())
}

// Run keeps the manager's background work going until the context ends:
// the heartbeat over initialized plugins, and final teardown.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.Shutdown()
			return nil
		case <-ticker.C:
			m.heartbeat(ctx)
		}
	}
}

// heartbeat pings every initialized plugin. A failed ping alone does not
// remove a plugin; removal happens only once its session is terminated,
// so a plugin that is merely slow survives.
func (m *Manager) heartbeat(ctx context.Context) {
	for _, lp := range m.Roster() {
		if lp.Container.Status != api.StatusInitialized {
			continue
		}
		pingCtx, cancel := context.WithTimeout(ctx, heartbeatTimeout)
		_, err := lp.Handler.Call(pingCtx, api.ActionPing, nil)
		cancel()
		if err == nil {
			continue
		}

		if lp.Handler.State() == rpc.StateTerminated {
			slog.Warn("removing unresponsive plugin with dead session", "plugin", lp.Key())
			m.remove(lp)
		} else {
			slog.Warn("plugin missed heartbeat", "plugin", lp.Key(), "error", err)
		}
	}
}

// Shutdown notifies every plugin, stops their processes, and waits for
// launch goroutines to drain.
func (m *Manager) Shutdown() {
	for _, lp := range m.Roster() {
		if err := lp.Handler.Notify(api.ActionShutdown, nil); err != nil {
			slog.Debug("shutdown notify failed", "plugin", lp.Key(), "error", err)
		}
		lp.stop()
	}
	m.stopAll()
	m.launches.Wait()
}
