// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ChatPlug Contributors

package api

import (
	"fmt"
	"regexp"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"
)

// SpecVersionConstraint is the range of manifest spec versions this runtime
// accepts. Plugins declaring a version outside the range are rejected at
// parse time rather than failing obscurely mid-session.
const SpecVersionConstraint = ">=1.0.0 <2.0.0"

// maxNameLength is the maximum allowed length for plugin and author names.
const maxNameLength = 64

// namePattern validates plugin and author names: must start with a lowercase
// letter, followed by lowercase letters, digits, or hyphens.
// Cannot end with a hyphen. Single character names are allowed.
var namePattern = regexp.MustCompile(`^[a-z]([a-z0-9-]*[a-z0-9])?$`)

// Manifest is a plugin's manifest.yaml: identity, declared components, and
// how to launch the plugin process. The runtime uses it for lookup and
// display only; component spec blocks are opaque to the runtime.
type Manifest struct {
	SpecVersion string              `yaml:"spec_version" json:"spec_version"`
	Metadata    PluginMetadata      `yaml:"metadata" json:"metadata"`
	Components  []ComponentManifest `yaml:"components" json:"components"`
	Execution   *ExecutionConfig    `yaml:"execution,omitempty" json:"execution,omitempty"`
}

// PluginMetadata identifies a plugin. The (Author, Name) pair is the unique
// installation key.
type PluginMetadata struct {
	Author      string            `yaml:"author" json:"author"`
	Name        string            `yaml:"name" json:"name"`
	Version     string            `yaml:"version" json:"version"`
	Description map[string]string `yaml:"description,omitempty" json:"description,omitempty"`
	Repository  string            `yaml:"repository,omitempty" json:"repository,omitempty"`
	Icon        string            `yaml:"icon,omitempty" json:"icon,omitempty"`
}

// ComponentManifest declares one exported capability of a plugin. Kind and
// Name identify the component within its plugin; Spec carries the
// kind-specific declaration and is not interpreted by the runtime.
type ComponentManifest struct {
	Kind ComponentKind  `yaml:"kind" json:"kind"`
	Name string         `yaml:"name" json:"name"`
	Spec map[string]any `yaml:"spec,omitempty" json:"spec,omitempty"`
}

// ExecutionConfig tells the runtime how to start the plugin process. The
// command is resolved relative to the plugin directory. Absent for plugins
// only ever attached by hand through a debug session.
type ExecutionConfig struct {
	Command string   `yaml:"command" json:"command"`
	Args    []string `yaml:"args,omitempty" json:"args,omitempty"`
}

// Key returns the unique "author/name" installation key.
func (m *Manifest) Key() string {
	return m.Metadata.Author + "/" + m.Metadata.Name
}

// DirName returns the on-disk directory name for this plugin. The dot
// separator cannot collide with names, which allow only [a-z0-9-].
func (m *Manifest) DirName() string {
	return m.Metadata.Author + "." + m.Metadata.Name
}

// ParseManifest parses and validates a manifest.yaml file.
func ParseManifest(data []byte) (*Manifest, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("manifest data is empty")
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("invalid YAML: %w", err)
	}

	if err := m.Validate(); err != nil {
		return nil, err
	}

	return &m, nil
}

// Validate checks manifest constraints.
func (m *Manifest) Validate() error {
	if m.SpecVersion == "" {
		return fmt.Errorf("spec_version is required")
	}
	specVer, err := semver.NewVersion(m.SpecVersion)
	if err != nil {
		return fmt.Errorf("spec_version %q is not a valid semantic version: %w", m.SpecVersion, err)
	}
	constraint, err := semver.NewConstraint(SpecVersionConstraint)
	if err != nil {
		return fmt.Errorf("parse spec version constraint: %w", err)
	}
	if !constraint.Check(specVer) {
		return fmt.Errorf("spec_version %q is outside the supported range %q", m.SpecVersion, SpecVersionConstraint)
	}

	if err := validateName("metadata.author", m.Metadata.Author); err != nil {
		return err
	}
	if err := validateName("metadata.name", m.Metadata.Name); err != nil {
		return err
	}

	if m.Metadata.Version == "" {
		return fmt.Errorf("metadata.version is required")
	}
	if _, err := semver.NewVersion(m.Metadata.Version); err != nil {
		return fmt.Errorf("metadata.version %q is not a valid semantic version: %w", m.Metadata.Version, err)
	}

	seen := make(map[string]bool, len(m.Components))
	for i, c := range m.Components {
		if !c.Kind.Valid() {
			return fmt.Errorf("components[%d].kind %q is not a known component kind", i, c.Kind)
		}
		if c.Name == "" {
			return fmt.Errorf("components[%d].name is required", i)
		}
		key := string(c.Kind) + "/" + c.Name
		if seen[key] {
			return fmt.Errorf("components[%d] duplicates %s", i, key)
		}
		seen[key] = true
	}

	if m.Execution != nil && m.Execution.Command == "" {
		return fmt.Errorf("execution.command is required when execution is present")
	}

	return nil
}

// validateName applies the shared naming rules to one manifest field.
func validateName(field, value string) error {
	if value == "" || !namePattern.MatchString(value) {
		return fmt.Errorf("%s %q must start with a-z, contain only a-z, 0-9, hyphens, and not end with a hyphen", field, value)
	}
	if len(value) > maxNameLength {
		return fmt.Errorf("%s must be %d characters or less, got %d", field, maxNameLength, len(value))
	}
	return nil
}
