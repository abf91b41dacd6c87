// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ChatPlug Contributors

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/samber/oops"
)

// PluginSettings is the persisted per-plugin runtime state: whether it
// participates in routing, its emission priority, and its config values.
type PluginSettings struct {
	PluginKey string
	Enabled   bool
	Priority  int64
	Config    map[string]any
}

// PluginSettings loads the settings record for a plugin key
// ("author/name"). Returns ErrSettingsNotFound when none exists.
func (s *Store) PluginSettings(ctx context.Context, pluginKey string) (*PluginSettings, error) {
	var (
		enabled    int64
		priority   int64
		configJSON string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT enabled, priority, config FROM plugin_settings WHERE plugin_key = ?`,
		pluginKey,
	).Scan(&enabled, &priority, &configJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSettingsNotFound
	}
	if err != nil {
		return nil, oops.Code("SETTINGS_GET_FAILED").With("plugin", pluginKey).Wrap(err)
	}

	config := map[string]any{}
	if err := json.Unmarshal([]byte(configJSON), &config); err != nil {
		return nil, oops.Code("SETTINGS_CORRUPT").With("plugin", pluginKey).Wrap(err)
	}

	return &PluginSettings{
		PluginKey: pluginKey,
		Enabled:   enabled != 0,
		Priority:  priority,
		Config:    config,
	}, nil
}

// SavePluginSettings writes a settings record, replacing any previous
// one.
func (s *Store) SavePluginSettings(ctx context.Context, settings *PluginSettings) error {
	config := settings.Config
	if config == nil {
		config = map[string]any{}
	}
	configJSON, err := json.Marshal(config)
	if err != nil {
		return oops.Code("SETTINGS_ENCODE_FAILED").With("plugin", settings.PluginKey).Wrap(err)
	}

	enabled := 0
	if settings.Enabled {
		enabled = 1
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO plugin_settings (plugin_key, enabled, priority, config)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (plugin_key) DO UPDATE SET
		   enabled = excluded.enabled,
		   priority = excluded.priority,
		   config = excluded.config,
		   updated_at = strftime('%Y-%m-%dT%H:%M:%fZ', 'now')`,
		settings.PluginKey, enabled, settings.Priority, string(configJSON),
	)
	if err != nil {
		return oops.Code("SETTINGS_SAVE_FAILED").With("plugin", settings.PluginKey).Wrap(err)
	}
	return nil
}

// DeletePluginSettings drops a plugin's settings record together with its
// plugin-scope storage entries.
func (s *Store) DeletePluginSettings(ctx context.Context, pluginKey string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM plugin_settings WHERE plugin_key = ?`, pluginKey,
	); err != nil {
		return oops.Code("SETTINGS_DELETE_FAILED").With("plugin", pluginKey).Wrap(err)
	}
	return s.DeleteOwner(ctx, ScopePlugin, pluginKey)
}
