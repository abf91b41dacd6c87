// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ChatPlug Contributors

// Package store provides the runtime's local persistence: a scoped
// key/value byte store for plugins and the workspace, plus persisted
// plugin settings, on an embedded SQLite database.
package store

import (
	"database/sql"
	"errors"

	"github.com/samber/oops"
	// Register the pure-Go sqlite driver.
	_ "modernc.org/sqlite"
)

// Storage scopes. Plugin-scope entries are namespaced by the owning
// plugin's key; workspace-scope entries are shared.
const (
	ScopePlugin    = "plugin"
	ScopeWorkspace = "workspace"
)

var (
	// ErrKeyNotFound is returned by Get for a missing key.
	ErrKeyNotFound = errors.New("key not found")
	// ErrSettingsNotFound is returned by PluginSettings when no record
	// exists for the plugin.
	ErrSettingsNotFound = errors.New("plugin settings not found")
)

// Store is a SQLite-backed store. Safe for concurrent use.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens (creating if needed) the database at path and applies all
// pending migrations. Use ":memory:" for an ephemeral store.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, oops.Code("STORE_OPEN_FAILED").With("path", path).Wrap(err)
	}

	// Single connection; modernc's file locking degrades with concurrent
	// writers, and WAL plus busy_timeout covers the rest.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, oops.Code("STORE_OPEN_FAILED").With("path", path).With("pragma", pragma).Wrap(err)
		}
	}

	s := &Store{db: db, path: path}

	// The migrator shares this handle, so it is never Closed here: the
	// migrate driver's Close would take the store's connection with it.
	migrator, err := NewMigrator(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := migrator.Up(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying database handle.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// ValidScope reports whether scope names a known storage scope.
func ValidScope(scope string) bool {
	return scope == ScopePlugin || scope == ScopeWorkspace
}
