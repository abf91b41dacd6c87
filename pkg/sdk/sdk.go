// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ChatPlug Contributors

// Package sdk is the library plugin authors build ChatPlug plugin binaries
// with. A plugin declares its metadata and components, registers handlers
// for the components that carry behavior, and calls Serve, which connects
// to the runtime, performs the registration handshake, and dispatches
// runtime requests to the registered handlers until the connection ends.
//
// Example usage:
//
//	package main
//
//	import (
//		"context"
//		"os"
//
//		"github.com/chatplug/chatplug/pkg/sdk"
//	)
//
//	func main() {
//		p := sdk.New("acme", "greeter", "0.1.0")
//		p.Tool("greet", nil, func(ctx context.Context, host *sdk.Host, params map[string]any) (map[string]any, error) {
//			name, _ := params["name"].(string)
//			return map[string]any{"greeting": "hello " + name}, nil
//		})
//		if err := p.Serve(context.Background()); err != nil {
//			os.Exit(1)
//		}
//	}
package sdk

import (
	"context"
	"os"
	"sync"

	"github.com/samber/oops"

	"github.com/chatplug/chatplug/internal/rpc"
	"github.com/chatplug/chatplug/internal/transport"
	"github.com/chatplug/chatplug/pkg/api"
)

// Settings is the configuration the runtime hands a plugin during
// initialization.
type Settings struct {
	Config   map[string]any
	Enabled  bool
	Priority int64
}

// InitFunc runs when the runtime initializes (or re-initializes) the
// plugin with its settings.
type InitFunc func(ctx context.Context, host *Host, settings Settings) error

// ToolFunc handles one tool invocation.
type ToolFunc func(ctx context.Context, host *Host, params map[string]any) (map[string]any, error)

// CommandFunc handles one command execution, streaming results through
// yield in order.
type CommandFunc func(ctx context.Context, host *Host, data map[string]any, yield func(map[string]any) error) error

// EventFunc handles one event delivery. The listener may mutate the
// context (payload, return values, short-circuit flags); handled reports
// whether the plugin acted on the event.
type EventFunc func(ctx context.Context, host *Host, ec *api.EventContext) (handled bool, err error)

// RAGEngine is the behavior behind a declared RAGEngine component.
type RAGEngine interface {
	IngestDocument(ctx context.Context, host *Host, data map[string]any) (map[string]any, error)
	DeleteDocument(ctx context.Context, host *Host, data map[string]any) (map[string]any, error)
	OnKnowledgeBaseCreate(ctx context.Context, host *Host, data map[string]any) (map[string]any, error)
	OnKnowledgeBaseDelete(ctx context.Context, host *Host, data map[string]any) (map[string]any, error)
	Capabilities(ctx context.Context, host *Host) (map[string]any, error)
	Retrieve(ctx context.Context, host *Host, data map[string]any) (map[string]any, error)
}

// Plugin is a plugin under construction: metadata plus registered
// components. Registration methods are not safe for concurrent use;
// register everything before calling Serve.
type Plugin struct {
	manifest  api.Manifest
	assetsDir string

	onInit      InitFunc
	tools       map[string]ToolFunc
	commands    map[string]CommandFunc
	listeners   []EventFunc
	engines     map[string]RAGEngine
	engineOrder []string

	mu       sync.Mutex
	settings Settings
}

// New starts a plugin declaration. The author and name must match the
// installed manifest: the runtime keys the plugin by "author/name".
func New(author, name, version string) *Plugin {
	return &Plugin{
		manifest: api.Manifest{
			SpecVersion: "1.0.0",
			Metadata: api.PluginMetadata{
				Author:  author,
				Name:    name,
				Version: version,
			},
		},
		assetsDir: "assets",
		tools:     map[string]ToolFunc{},
		commands:  map[string]CommandFunc{},
		engines:   map[string]RAGEngine{},
		settings:  Settings{Enabled: true, Config: map[string]any{}},
	}
}

// Describe sets the plugin description for one locale.
func (p *Plugin) Describe(locale, text string) {
	if p.manifest.Metadata.Description == nil {
		p.manifest.Metadata.Description = map[string]string{}
	}
	p.manifest.Metadata.Description[locale] = text
}

// Icon sets the icon file path, relative to the plugin directory.
func (p *Plugin) Icon(path string) {
	p.manifest.Metadata.Icon = path
}

// AssetsDir sets the directory asset requests are served from, relative
// to the plugin directory. Defaults to "assets".
func (p *Plugin) AssetsDir(dir string) {
	p.assetsDir = dir
}

// OnInitialize registers the initialization callback.
func (p *Plugin) OnInitialize(fn InitFunc) {
	p.onInit = fn
}

// Tool declares a Tool component and registers its handler.
func (p *Plugin) Tool(name string, spec map[string]any, fn ToolFunc) {
	p.declare(api.KindTool, name, spec)
	p.tools[name] = fn
}

// Command declares a Command component and registers its handler.
func (p *Plugin) Command(name string, spec map[string]any, fn CommandFunc) {
	p.declare(api.KindCommand, name, spec)
	p.commands[name] = fn
}

// EventListener declares an EventListener component and registers its
// handler. Listeners run in declaration order on every delivered event.
func (p *Plugin) EventListener(name string, spec map[string]any, fn EventFunc) {
	p.declare(api.KindEventListener, name, spec)
	p.listeners = append(p.listeners, fn)
}

// RAG declares a RAGEngine component and registers its engine. When a
// plugin declares several engines, requests carrying an "engine" field
// are routed by name; requests without one go to the first declared.
func (p *Plugin) RAG(name string, spec map[string]any, engine RAGEngine) {
	p.declare(api.KindRAGEngine, name, spec)
	p.engines[name] = engine
	p.engineOrder = append(p.engineOrder, name)
}

// Component declares a component without runtime-routed behavior
// (AgentRunner, Parser). The declaration is carried in the container for
// the application to discover.
func (p *Plugin) Component(kind api.ComponentKind, name string, spec map[string]any) {
	p.declare(kind, name, spec)
}

func (p *Plugin) declare(kind api.ComponentKind, name string, spec map[string]any) {
	p.manifest.Components = append(p.manifest.Components, api.ComponentManifest{
		Kind: kind,
		Name: name,
		Spec: spec,
	})
}

// ServeOption configures how Serve reaches the runtime.
type ServeOption func(*serveConfig)

type serveConfig struct {
	conn     transport.Connection
	addr     string
	debugKey string
}

// WithConnection serves over an existing connection. Used by tests and by
// transports the SDK does not build in.
func WithConnection(conn transport.Connection) ServeOption {
	return func(c *serveConfig) { c.conn = conn }
}

// WithDebugAddr dials the runtime's debug listener instead of using
// stdio.
func WithDebugAddr(addr string) ServeOption {
	return func(c *serveConfig) { c.addr = addr }
}

// WithDebugKey presents the runtime's debug key during registration.
// Required on debug sessions; ignored on spawned stdio sessions.
func WithDebugKey(key string) ServeOption {
	return func(c *serveConfig) { c.debugKey = key }
}

// Serve connects to the runtime, registers the plugin, and serves runtime
// requests until the context ends, the runtime asks for shutdown, or the
// connection drops. By default it speaks over the process's own
// stdin/stdout, which is how the runtime spawns plugin processes; a debug
// binary run by hand uses WithDebugAddr and WithDebugKey, or the
// CHATPLUG_DEBUG_ADDR and CHATPLUG_DEBUG_KEY environment variables.
// PLUGIN_DEBUG_KEY is honored as a fallback key variable.
func (p *Plugin) Serve(ctx context.Context, opts ...ServeOption) error {
	if err := p.manifest.Validate(); err != nil {
		return err
	}

	debugKey := os.Getenv("CHATPLUG_DEBUG_KEY")
	if debugKey == "" {
		debugKey = os.Getenv("PLUGIN_DEBUG_KEY")
	}
	cfg := serveConfig{
		addr:     os.Getenv("CHATPLUG_DEBUG_ADDR"),
		debugKey: debugKey,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	conn := cfg.conn
	if conn == nil {
		if cfg.addr != "" {
			dialed, err := transport.Dial(ctx, cfg.addr)
			if err != nil {
				return err
			}
			conn = dialed
		} else {
			conn = transport.Stdio()
		}
	}

	ctx, stop := context.WithCancel(ctx)
	defer stop()

	handler := rpc.NewHandler(p.manifest.Key())
	host := &Host{handler: handler}
	p.bindActions(handler, host, stop)

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- handler.Serve(ctx, conn)
	}()

	if err := p.register(ctx, handler, cfg.debugKey); err != nil {
		stop()
		<-serveErr
		return err
	}

	err := <-serveErr
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// register performs the plugin side of the registration handshake.
func (p *Plugin) register(ctx context.Context, handler *rpc.Handler, debugKey string) error {
	containerMap, err := p.container()
	if err != nil {
		return err
	}
	data := map[string]any{"plugin_container": containerMap}
	if debugKey != "" {
		data["debug_key"] = debugKey
	}
	if _, err := handler.Call(ctx, api.ActionRegisterPlugin, data); err != nil {
		return oops.Code("REGISTER_FAILED").With("plugin", p.manifest.Key()).Wrap(err)
	}
	return nil
}

// container builds the plugin's current container in wire form.
func (p *Plugin) container() (map[string]any, error) {
	container := api.NewPluginContainer(p.manifest)

	p.mu.Lock()
	container.Enabled = p.settings.Enabled
	container.Priority = int(p.settings.Priority)
	container.Config = p.settings.Config
	p.mu.Unlock()

	return container.AsMap()
}

// currentSettings snapshots the settings handed over at initialization.
func (p *Plugin) currentSettings() Settings {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.settings
}
