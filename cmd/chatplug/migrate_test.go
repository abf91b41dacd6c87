// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ChatPlug Contributors

package main

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runMigrateCmd(t *testing.T, args ...string) (string, error) {
	t.Helper()

	cmd := NewRootCmd()
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs(append([]string{"migrate"}, args...))
	err := cmd.Execute()
	return buf.String(), err
}

func TestMigrate_UpAndStatus(t *testing.T) {
	db := filepath.Join(t.TempDir(), "chatplug.db")

	out, err := runMigrateCmd(t, "up", "--db", db)
	require.NoError(t, err)
	assert.Contains(t, out, "Migrations applied")

	out, err = runMigrateCmd(t, "status", "--db", db)
	require.NoError(t, err)
	assert.Contains(t, out, "dirty: false")
	assert.NotContains(t, out, "version: 0")
}

func TestMigrate_UpIsIdempotent(t *testing.T) {
	db := filepath.Join(t.TempDir(), "chatplug.db")

	_, err := runMigrateCmd(t, "up", "--db", db)
	require.NoError(t, err)
	_, err = runMigrateCmd(t, "up", "--db", db)
	require.NoError(t, err)
}

func TestMigrate_Down(t *testing.T) {
	db := filepath.Join(t.TempDir(), "chatplug.db")

	_, err := runMigrateCmd(t, "up", "--db", db)
	require.NoError(t, err)

	out, err := runMigrateCmd(t, "down", "--db", db)
	require.NoError(t, err)
	assert.Contains(t, out, "Migrations rolled back")

	out, err = runMigrateCmd(t, "status", "--db", db)
	require.NoError(t, err)
	assert.Contains(t, out, "version: 0 dirty: false")
}

func TestMigrate_StatusOnFreshDatabase(t *testing.T) {
	db := filepath.Join(t.TempDir(), "chatplug.db")

	out, err := runMigrateCmd(t, "status", "--db", db)
	require.NoError(t, err)
	assert.Contains(t, out, "version: 0 dirty: false")
}
