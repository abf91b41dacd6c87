// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ChatPlug Contributors

package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/gobwas/glob"
	"github.com/samber/oops"
)

// Set writes a value, replacing any previous one for the same key.
func (s *Store) Set(ctx context.Context, scope, owner, key string, value []byte) error {
	if err := validateEntry(scope, key); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kv_entries (scope, owner, key, value)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (scope, owner, key) DO UPDATE SET
		   value = excluded.value,
		   updated_at = strftime('%Y-%m-%dT%H:%M:%fZ', 'now')`,
		scope, owner, key, value,
	)
	if err != nil {
		return oops.Code("KV_SET_FAILED").With("scope", scope).With("key", key).Wrap(err)
	}
	return nil
}

// Get reads a value. Returns ErrKeyNotFound for a missing key.
func (s *Store) Get(ctx context.Context, scope, owner, key string) ([]byte, error) {
	if err := validateEntry(scope, key); err != nil {
		return nil, err
	}
	var value []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM kv_entries WHERE scope = ? AND owner = ? AND key = ?`,
		scope, owner, key,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, oops.Code("KV_GET_FAILED").With("scope", scope).With("key", key).Wrap(err)
	}
	return value, nil
}

// Delete removes a key. Deleting a missing key is a no-op.
func (s *Store) Delete(ctx context.Context, scope, owner, key string) error {
	if err := validateEntry(scope, key); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM kv_entries WHERE scope = ? AND owner = ? AND key = ?`,
		scope, owner, key,
	)
	if err != nil {
		return oops.Code("KV_DELETE_FAILED").With("scope", scope).With("key", key).Wrap(err)
	}
	return nil
}

// List returns the keys in a scope/owner namespace matching pattern, in
// key order. An empty pattern matches everything; otherwise pattern is a
// glob ("session.*", "user.?.state").
func (s *Store) List(ctx context.Context, scope, owner, pattern string) ([]string, error) {
	if !ValidScope(scope) {
		return nil, oops.Code("KV_INVALID_SCOPE").Errorf("unknown storage scope %q", scope)
	}

	var matcher glob.Glob
	if pattern != "" {
		var err error
		matcher, err = glob.Compile(pattern)
		if err != nil {
			return nil, oops.Code("KV_INVALID_PATTERN").With("pattern", pattern).Wrap(err)
		}
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT key FROM kv_entries WHERE scope = ? AND owner = ? ORDER BY key`,
		scope, owner,
	)
	if err != nil {
		return nil, oops.Code("KV_LIST_FAILED").With("scope", scope).Wrap(err)
	}
	defer rows.Close()

	keys := []string{}
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, oops.Code("KV_LIST_FAILED").With("scope", scope).Wrap(err)
		}
		if matcher == nil || matcher.Match(key) {
			keys = append(keys, key)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, oops.Code("KV_LIST_FAILED").With("scope", scope).Wrap(err)
	}
	return keys, nil
}

// DeleteOwner removes every entry an owner holds in a scope. Used when a
// plugin is uninstalled.
func (s *Store) DeleteOwner(ctx context.Context, scope, owner string) error {
	if !ValidScope(scope) {
		return oops.Code("KV_INVALID_SCOPE").Errorf("unknown storage scope %q", scope)
	}
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM kv_entries WHERE scope = ? AND owner = ?`,
		scope, owner,
	)
	if err != nil {
		return oops.Code("KV_DELETE_FAILED").With("scope", scope).With("owner", owner).Wrap(err)
	}
	return nil
}

func validateEntry(scope, key string) error {
	if !ValidScope(scope) {
		return oops.Code("KV_INVALID_SCOPE").Errorf("unknown storage scope %q", scope)
	}
	if key == "" {
		return oops.Code("KV_INVALID_KEY").Errorf("storage key must not be empty")
	}
	return nil
}
