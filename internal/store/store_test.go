// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ChatPlug Contributors

package store_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatplug/chatplug/internal/store"
)

func openStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "chatplug.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpen_CreatesSchema(t *testing.T) {
	s := openStore(t)

	var count int
	err := s.DB().QueryRow(
		`SELECT count(*) FROM sqlite_master WHERE type = 'table' AND name IN ('kv_entries', 'plugin_settings')`,
	).Scan(&count)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestOpen_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chatplug.db")
	ctx := context.Background()

	s, err := store.Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Set(ctx, store.ScopeWorkspace, "", "persisted", []byte("yes")))
	require.NoError(t, s.Close())

	// Reopening runs migrations again; they must be a no-op and the data
	// must survive.
	s, err = store.Open(path)
	require.NoError(t, err)
	defer s.Close()

	value, err := s.Get(ctx, store.ScopeWorkspace, "", "persisted")
	require.NoError(t, err)
	assert.Equal(t, []byte("yes"), value)
}

func TestValidScope(t *testing.T) {
	assert.True(t, store.ValidScope(store.ScopePlugin))
	assert.True(t, store.ValidScope(store.ScopeWorkspace))
	assert.False(t, store.ValidScope("global"))
	assert.False(t, store.ValidScope(""))
}
