// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ChatPlug Contributors

package deps

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatplug/chatplug/pkg/errutil"
)

func writeRequirements(t *testing.T, dir, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, RequirementsFile), []byte(content), 0o600))
}

func recordedHash(t *testing.T, dir string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dir, StateFile))
	require.NoError(t, err)
	var s map[string]string
	require.NoError(t, json.Unmarshal(data, &s))
	return s["requirements_hash"]
}

func TestCheckAndInstall_InstallsOnce(t *testing.T) {
	dir := t.TempDir()
	writeRequirements(t, dir, "requests==2.31.0\n")

	installs := 0
	m := NewManager(func(context.Context, string) error {
		installs++
		return nil
	})

	installed, err := m.CheckAndInstall(context.Background(), dir)
	require.NoError(t, err)
	assert.True(t, installed)
	assert.Equal(t, 1, installs)

	// Unchanged manifest: second call is a no-op.
	installed, err = m.CheckAndInstall(context.Background(), dir)
	require.NoError(t, err)
	assert.False(t, installed)
	assert.Equal(t, 1, installs)
}

func TestCheckAndInstall_DetectsEdit(t *testing.T) {
	dir := t.TempDir()
	writeRequirements(t, dir, "requests==2.31.0\n")

	m := NewManager(func(context.Context, string) error { return nil })

	_, err := m.CheckAndInstall(context.Background(), dir)
	require.NoError(t, err)
	before := recordedHash(t, dir)

	writeRequirements(t, dir, "requests==2.32.0\n")

	installed, err := m.CheckAndInstall(context.Background(), dir)
	require.NoError(t, err)
	assert.True(t, installed)
	assert.NotEqual(t, before, recordedHash(t, dir))
}

func TestCheckAndInstall_DetectsRevertedEdit(t *testing.T) {
	dir := t.TempDir()
	writeRequirements(t, dir, "a==1\n")

	installs := 0
	m := NewManager(func(context.Context, string) error {
		installs++
		return nil
	})

	_, err := m.CheckAndInstall(context.Background(), dir)
	require.NoError(t, err)

	writeRequirements(t, dir, "a==2\n")
	_, err = m.CheckAndInstall(context.Background(), dir)
	require.NoError(t, err)

	// Revert to the original content: hash differs from the recorded one
	// again, so this is a third install.
	writeRequirements(t, dir, "a==1\n")
	installed, err := m.CheckAndInstall(context.Background(), dir)
	require.NoError(t, err)
	assert.True(t, installed)
	assert.Equal(t, 3, installs)
}

func TestCheckAndInstall_EmptyManifestNeverInstalls(t *testing.T) {
	for name, content := range map[string]string{
		"empty":      "",
		"whitespace": "  \n\t\n",
	} {
		t.Run(name, func(t *testing.T) {
			dir := t.TempDir()
			writeRequirements(t, dir, content)

			m := NewManager(func(context.Context, string) error {
				t.Fatal("installer must not run for an empty manifest")
				return nil
			})

			installed, err := m.CheckAndInstall(context.Background(), dir)
			require.NoError(t, err)
			assert.False(t, installed)

			// The hash is still recorded so later content is a change.
			assert.NotEmpty(t, recordedHash(t, dir))
		})
	}
}

func TestCheckAndInstall_AbsentManifest(t *testing.T) {
	dir := t.TempDir()

	m := NewManager(func(context.Context, string) error {
		t.Fatal("installer must not run without a manifest")
		return nil
	})

	installed, err := m.CheckAndInstall(context.Background(), dir)
	require.NoError(t, err)
	assert.False(t, installed)
}

func TestCheckAndInstall_FailedInstallKeepsOldState(t *testing.T) {
	dir := t.TempDir()
	writeRequirements(t, dir, "broken==0\n")

	m := NewManager(func(context.Context, string) error {
		return errors.New("pip exploded")
	})

	_, err := m.CheckAndInstall(context.Background(), dir)
	require.Error(t, err)
	errutil.AssertErrorCode(t, err, "DEPS_INSTALL_FAILED")

	// No state recorded: the next launch retries the install.
	_, statErr := os.Stat(filepath.Join(dir, StateFile))
	assert.True(t, os.IsNotExist(statErr))

	installs := 0
	m = NewManager(func(context.Context, string) error {
		installs++
		return nil
	})
	installed, err := m.CheckAndInstall(context.Background(), dir)
	require.NoError(t, err)
	assert.True(t, installed)
	assert.Equal(t, 1, installs)
}

func TestCheckAndInstall_CorruptStateTriggersReinstall(t *testing.T) {
	dir := t.TempDir()
	writeRequirements(t, dir, "a==1\n")
	require.NoError(t, os.WriteFile(filepath.Join(dir, StateFile), []byte("{not json"), 0o600))

	installs := 0
	m := NewManager(func(context.Context, string) error {
		installs++
		return nil
	})

	installed, err := m.CheckAndInstall(context.Background(), dir)
	require.NoError(t, err)
	assert.True(t, installed)
	assert.Equal(t, 1, installs)
}

func TestMarkInstalled(t *testing.T) {
	dir := t.TempDir()
	writeRequirements(t, dir, "a==1\n")

	m := NewManager(func(context.Context, string) error {
		t.Fatal("installer must not run after MarkInstalled")
		return nil
	})

	require.NoError(t, m.MarkInstalled(dir))

	installed, err := m.CheckAndInstall(context.Background(), dir)
	require.NoError(t, err)
	assert.False(t, installed)
}

func TestNilInstallerRecordsWithoutInstalling(t *testing.T) {
	dir := t.TempDir()
	writeRequirements(t, dir, "a==1\n")

	m := NewManager(nil)
	installed, err := m.CheckAndInstall(context.Background(), dir)
	require.NoError(t, err)
	assert.False(t, installed)
	assert.NotEmpty(t, recordedHash(t, dir))
}
