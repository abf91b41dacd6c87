// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ChatPlug Contributors

package main

import (
	"database/sql"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/chatplug/chatplug/internal/config"
	"github.com/chatplug/chatplug/internal/store"
)

// NewMigrateCmd creates the migrate subcommand. The runtime command applies
// pending migrations on startup; this exists for operators who want to
// migrate (or roll back) without starting the runtime.
func NewMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage database schema migrations",
	}
	cmd.PersistentFlags().String("db", "", "database file path (default: <data-dir>/chatplug.db)")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withMigrator(cmd, func(m *store.Migrator) error {
					if err := m.Up(); err != nil {
						return err
					}
					cmd.Println("Migrations applied")
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back all migrations",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withMigrator(cmd, func(m *store.Migrator) error {
					if err := m.Down(); err != nil {
						return err
					}
					cmd.Println("Migrations rolled back")
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "status",
			Short: "Show the current schema version",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withMigrator(cmd, func(m *store.Migrator) error {
					version, dirty, err := m.Version()
					if err != nil {
						return err
					}
					cmd.Printf("version: %d dirty: %v\n", version, dirty)
					return nil
				})
			},
		},
	)

	return cmd
}

func withMigrator(cmd *cobra.Command, fn func(*store.Migrator) error) error {
	path, err := cmd.Flags().GetString("db")
	if err != nil {
		return oops.Code("CONFIG_INVALID").Wrap(err)
	}
	if path == "" {
		cfg := config.Default()
		path = cfg.DatabasePath()
	}

	// Raw handle: store.Open migrates on open, which would preempt the
	// very commands this runs.
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return oops.Code("STORE_OPEN_FAILED").With("path", path).Wrap(err)
	}
	defer func() {
		_ = db.Close() //nolint:errcheck // read-side CLI teardown
	}()

	migrator, err := store.NewMigrator(db)
	if err != nil {
		return err
	}
	return fn(migrator)
}
