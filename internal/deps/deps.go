// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ChatPlug Contributors

// Package deps decides whether a plugin's external dependencies need
// (re)installing before launch. The decision is a content hash of the
// plugin's requirements file compared against the hash recorded after the
// last successful install: any edit to the file is detected, including one
// that reverts and reapplies, while unchanged files never trigger a
// reinstall.
package deps

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/samber/oops"
)

const (
	// RequirementsFile is the dependency manifest inside a plugin directory.
	RequirementsFile = "requirements.txt"
	// StateFile records the hash of the last installed requirements.
	StateFile = ".deps_state.json"
)

// Installer runs the external dependency install step for one plugin
// directory.
type Installer func(ctx context.Context, pluginPath string) error

// state is the persisted per-plugin install record.
type state struct {
	RequirementsHash string `json:"requirements_hash"`
}

// Manager tracks per-plugin dependency state on disk.
type Manager struct {
	install Installer
}

// NewManager builds a Manager that runs install when dependencies are
// stale. A nil installer records state without ever installing, which is
// what plugins with no external dependency step want.
func NewManager(install Installer) *Manager {
	return &Manager{install: install}
}

// CheckAndInstall installs the plugin's dependencies if its requirements
// file changed since the last successful install. Returns true when an
// install action was taken. An absent, empty, or whitespace-only
// requirements file records state and returns false without invoking the
// installer. The new hash is persisted only after the installer succeeds,
// so a failed install is retried on the next launch.
func (m *Manager) CheckAndInstall(ctx context.Context, pluginPath string) (bool, error) {
	hash, empty, err := requirementsHash(pluginPath)
	if err != nil {
		return false, err
	}

	recorded, err := readState(pluginPath)
	if err != nil {
		return false, err
	}
	if recorded == hash {
		return false, nil
	}

	if empty {
		// Nothing to install, but record the hash so the file showing up
		// later is detected as a change.
		return false, writeState(pluginPath, hash)
	}

	if m.install == nil {
		return false, writeState(pluginPath, hash)
	}

	slog.Info("installing plugin dependencies", "path", pluginPath)
	if err := m.install(ctx, pluginPath); err != nil {
		return false, oops.Code("DEPS_INSTALL_FAILED").With("path", pluginPath).Wrap(err)
	}

	if err := writeState(pluginPath, hash); err != nil {
		return true, err
	}
	return true, nil
}

// MarkInstalled force-records the current requirements hash without
// installing. Used right after an install path that already ran the
// installer.
func (m *Manager) MarkInstalled(pluginPath string) error {
	hash, _, err := requirementsHash(pluginPath)
	if err != nil {
		return err
	}
	return writeState(pluginPath, hash)
}

// requirementsHash streams the requirements file through SHA-256. The
// empty result reports whether the file is absent or holds only
// whitespace.
func requirementsHash(pluginPath string) (hash string, empty bool, err error) {
	path := filepath.Join(pluginPath, RequirementsFile)
	f, err := os.Open(path) //nolint:gosec // path is a managed plugin directory
	if os.IsNotExist(err) {
		return "", true, nil
	}
	if err != nil {
		return "", false, oops.Code("DEPS_READ_FAILED").With("path", path).Wrap(err)
	}
	defer f.Close()

	h := sha256.New()
	probe := &blankProbe{}
	if _, err := io.Copy(io.MultiWriter(h, probe), f); err != nil {
		return "", false, oops.Code("DEPS_READ_FAILED").With("path", path).Wrap(err)
	}

	return hex.EncodeToString(h.Sum(nil)), probe.blank(), nil
}

// blankProbe tracks whether a stream held any non-whitespace byte, so a
// large requirements file never has to sit in memory just to find out it
// is effectively empty.
type blankProbe struct {
	content bool
}

func (p *blankProbe) Write(b []byte) (int, error) {
	if !p.content && len(strings.TrimSpace(string(b))) > 0 {
		p.content = true
	}
	return len(b), nil
}

func (p *blankProbe) blank() bool { return !p.content }

// readState loads the recorded hash, or "" when no state file exists.
func readState(pluginPath string) (string, error) {
	path := filepath.Join(pluginPath, StateFile)
	data, err := os.ReadFile(path) //nolint:gosec // path is a managed plugin directory
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", oops.Code("DEPS_STATE_READ_FAILED").With("path", path).Wrap(err)
	}

	var s state
	if err := json.Unmarshal(data, &s); err != nil {
		// A corrupt state file means reinstall, not failure.
		slog.Warn("dependency state file is corrupt, treating as uninstalled", "path", path, "error", err)
		return "", nil
	}
	return s.RequirementsHash, nil
}

func writeState(pluginPath, hash string) error {
	path := filepath.Join(pluginPath, StateFile)
	data, err := json.MarshalIndent(state{RequirementsHash: hash}, "", "  ")
	if err != nil {
		return oops.Code("DEPS_STATE_WRITE_FAILED").With("path", path).Wrap(err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o600); err != nil {
		return oops.Code("DEPS_STATE_WRITE_FAILED").With("path", path).Wrap(err)
	}
	return nil
}
