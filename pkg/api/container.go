// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ChatPlug Contributors

package api

import (
	"encoding/json"

	"github.com/samber/oops"
)

// RuntimeContainerStatus is the lifecycle state of a mounted plugin.
// Progression is monotonic: unmounted, then mounted once a connection has
// been accepted, then initialized once the plugin has received its settings.
// There is no transition back; a container leaves the roster by removal.
type RuntimeContainerStatus string

const (
	// StatusUnmounted means the descriptor exists but no process is running.
	StatusUnmounted RuntimeContainerStatus = "unmounted"
	// StatusMounted means a connection exists and registration was accepted,
	// but the plugin has not yet received its configuration.
	StatusMounted RuntimeContainerStatus = "mounted"
	// StatusInitialized means the plugin holds its settings and is eligible
	// for events, tool calls, and command execution.
	StatusInitialized RuntimeContainerStatus = "initialized"
)

// ComponentKind tags which capability a component implements. The set is
// closed; new kinds are added here, not by plugins inventing their own.
type ComponentKind string

const (
	KindCommand       ComponentKind = "Command"
	KindTool          ComponentKind = "Tool"
	KindEventListener ComponentKind = "EventListener"
	KindRAGEngine     ComponentKind = "RAGEngine"
	KindAgentRunner   ComponentKind = "AgentRunner"
	KindParser        ComponentKind = "Parser"
)

// componentKinds is the closed set of valid kinds.
var componentKinds = map[ComponentKind]bool{
	KindCommand:       true,
	KindTool:          true,
	KindEventListener: true,
	KindRAGEngine:     true,
	KindAgentRunner:   true,
	KindParser:        true,
}

// Valid returns true if k is a known component kind.
func (k ComponentKind) Valid() bool {
	return componentKinds[k]
}

// ComponentContainer is the serializable state of one declared component.
type ComponentContainer struct {
	Manifest ComponentManifest `json:"manifest"`
	Config   map[string]any    `json:"config"`
}

// Kind returns the component's kind tag.
func (c *ComponentContainer) Kind() ComponentKind {
	return c.Manifest.Kind
}

// Name returns the component's name within its plugin.
func (c *ComponentContainer) Name() string {
	return c.Manifest.Name
}

// Install sources a plugin can arrive from. InstallSourceGithub is
// reserved on the wire but not yet supported by the runtime.
const (
	InstallSourceLocal       = "local"
	InstallSourceMarketplace = "marketplace"
	InstallSourceGithub      = "github"
)

// PluginContainer is the serializable descriptor of a mounted plugin and its
// declared components. The runtime keeps a live handler reference alongside
// each container, but that reference never crosses the wire.
type PluginContainer struct {
	Manifest      Manifest               `json:"manifest"`
	Enabled       bool                   `json:"enabled"`
	Priority      int                    `json:"priority"`
	Config        map[string]any         `json:"plugin_config"`
	Status        RuntimeContainerStatus `json:"status"`
	Components    []ComponentContainer   `json:"components"`
	InstallSource string                 `json:"install_source,omitempty"`
	Debug         bool                   `json:"debug,omitempty"`
}

// NewPluginContainer builds an unmounted container for the given manifest
// with one component container per declared component.
func NewPluginContainer(manifest Manifest) *PluginContainer {
	components := make([]ComponentContainer, 0, len(manifest.Components))
	for _, cm := range manifest.Components {
		components = append(components, ComponentContainer{
			Manifest: cm,
			Config:   map[string]any{},
		})
	}
	return &PluginContainer{
		Manifest:   manifest,
		Enabled:    true,
		Priority:   0,
		Config:     map[string]any{},
		Status:     StatusUnmounted,
		Components: components,
	}
}

// Author returns the plugin's declared author.
func (p *PluginContainer) Author() string {
	return p.Manifest.Metadata.Author
}

// Name returns the plugin's declared name.
func (p *PluginContainer) Name() string {
	return p.Manifest.Metadata.Name
}

// Key returns the unique "author/name" installation key.
func (p *PluginContainer) Key() string {
	return p.Manifest.Key()
}

// Component finds a component by (kind, name). Linear scan: component counts
// are tens at most.
func (p *PluginContainer) Component(kind ComponentKind, name string) (*ComponentContainer, bool) {
	for i := range p.Components {
		if p.Components[i].Manifest.Kind == kind && p.Components[i].Manifest.Name == name {
			return &p.Components[i], true
		}
	}
	return nil, false
}

// ComponentsOfKind returns all components with the given kind, in
// declaration order.
func (p *PluginContainer) ComponentsOfKind(kind ComponentKind) []*ComponentContainer {
	var out []*ComponentContainer
	for i := range p.Components {
		if p.Components[i].Manifest.Kind == kind {
			out = append(out, &p.Components[i])
		}
	}
	return out
}

// AsMap serializes the container to the generic map form used in action
// payloads.
func (p *PluginContainer) AsMap() (map[string]any, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return nil, oops.Code("CONTAINER_ENCODE_FAILED").With("plugin", p.Key()).Wrap(err)
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, oops.Code("CONTAINER_ENCODE_FAILED").With("plugin", p.Key()).Wrap(err)
	}
	return m, nil
}

// PluginContainerFromMap parses the generic map form of a container, as
// carried in register_plugin and get_plugin_container payloads.
func PluginContainerFromMap(m map[string]any) (*PluginContainer, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, oops.Code("CONTAINER_DECODE_FAILED").Wrap(err)
	}
	var p PluginContainer
	if err := json.Unmarshal(b, &p); err != nil {
		return nil, oops.Code("CONTAINER_DECODE_FAILED").Wrap(err)
	}
	return &p, nil
}
