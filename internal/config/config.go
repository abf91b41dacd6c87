// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ChatPlug Contributors

// Package config loads runtime configuration from defaults, an optional
// YAML file, and command-line flags, in ascending precedence.
package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/samber/oops"
	"github.com/spf13/pflag"

	"github.com/chatplug/chatplug/internal/xdg"
)

// Config is the runtime configuration.
type Config struct {
	// DataDir holds the store database. PluginsDir defaults to a
	// subdirectory of it.
	DataDir    string `koanf:"data_dir"`
	PluginsDir string `koanf:"plugins_dir"`

	// ControlAddr is where the owning application connects.
	ControlAddr string `koanf:"control_addr"`
	// DebugAddr accepts plugin debug sessions. Empty disables it.
	DebugAddr string `koanf:"debug_addr"`
	// DebugKey must be presented by debug sessions at registration.
	DebugKey string `koanf:"debug_key"`
	// MetricsAddr serves /metrics and health probes. Empty disables it.
	MetricsAddr string `koanf:"metrics_addr"`

	MarketplaceURL string `koanf:"marketplace_url"`

	// InstallCommand runs inside a plugin directory to install its
	// dependency manifest.
	InstallCommand []string `koanf:"install_command"`

	LogFormat string `koanf:"log_format"`
	LogLevel  string `koanf:"log_level"`
}

// Default returns the built-in configuration.
func Default() Config {
	dataDir := xdg.DataDir()
	return Config{
		DataDir:        dataDir,
		PluginsDir:     filepath.Join(dataDir, "plugins"),
		ControlAddr:    "127.0.0.1:8310",
		DebugAddr:      "",
		MetricsAddr:    "127.0.0.1:8312",
		MarketplaceURL: "",
		InstallCommand: []string{"pip", "install", "-r", "requirements.txt"},
		LogFormat:      "json",
		LogLevel:       "info",
	}
}

// DefaultFile is the config file used when --config is not given and the
// file exists.
func DefaultFile() string {
	return filepath.Join(xdg.ConfigDir(), "chatplug.yaml")
}

// Load resolves the configuration: defaults, then the YAML file at path
// (skipped silently when path is the default location and absent), then
// any changed flags. Flag names map to config keys with dashes replaced
// by underscores.
func Load(path string, flags *pflag.FlagSet) (Config, error) {
	cfg := Default()
	k := koanf.New(".")

	if path != "" {
		err := k.Load(file.Provider(path), yaml.Parser())
		if err != nil && !(errors.Is(err, os.ErrNotExist) && path == DefaultFile()) {
			return cfg, oops.Code("CONFIG_INVALID").With("path", path).Wrap(err)
		}
	}

	if flags != nil {
		provider := posflag.ProviderWithValue(flags, ".", k, func(key, value string) (string, any) {
			return strings.ReplaceAll(key, "-", "_"), value
		})
		if err := k.Load(provider, nil); err != nil {
			return cfg, oops.Code("CONFIG_INVALID").Wrap(err)
		}
	}

	if err := k.Unmarshal("", &cfg); err != nil {
		return cfg, oops.Code("CONFIG_INVALID").Wrap(err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks the loaded configuration.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return oops.Code("CONFIG_INVALID").Errorf("data_dir is required")
	}
	if c.PluginsDir == "" {
		return oops.Code("CONFIG_INVALID").Errorf("plugins_dir is required")
	}
	if c.ControlAddr == "" {
		return oops.Code("CONFIG_INVALID").Errorf("control_addr is required")
	}
	if c.LogFormat != "json" && c.LogFormat != "text" {
		return oops.Code("CONFIG_INVALID").Errorf("log_format must be json or text, got %q", c.LogFormat)
	}
	if c.DebugAddr != "" && c.DebugKey == "" {
		return oops.Code("CONFIG_INVALID").Errorf("debug_key is required when debug_addr is set")
	}
	return nil
}

// DatabasePath returns the store database location.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "chatplug.db")
}
