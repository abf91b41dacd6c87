// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ChatPlug Contributors

package plugin

import (
	"archive/zip"
	"context"
	"encoding/base64"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/chatplug/chatplug/internal/store"
	"github.com/chatplug/chatplug/pkg/api"
)

// Install progress stages, yielded in order to the install stream caller.
const (
	StageDownloading    = "downloading"
	StageInstallingDeps = "installing dependencies"
	StageLaunching      = "launching"
)

// maxArchiveFileSize bounds a single file extracted from a plugin
// archive, guarding against zip bombs.
const maxArchiveFileSize = 256 << 20

// InstallPlugin installs a plugin from an archive or the marketplace and
// launches it. Shaped as a stream action handler: each stage is yielded
// as a progress frame so a caller can render installation progress.
//
// data fields: "source" ("local" or "marketplace"), for local installs
// either "path" (a zip archive on the runtime host) or "archive"
// (base64 zip bytes), for marketplace installs "author", "name" and
// optional "version".
func (m *Manager) InstallPlugin(ctx context.Context, data map[string]any, yield func(map[string]any) error) error {
	taskID := ulid.Make().String()
	stage := func(name string) error {
		return yield(map[string]any{"task_id": taskID, "stage": name})
	}

	source, _ := data["source"].(string)
	if source == "" {
		source = api.InstallSourceMarketplace
	}

	var archivePath string
	switch source {
	case api.InstallSourceLocal:
		archivePath, _ = data["path"].(string)
		if encoded, _ := data["archive"].(string); archivePath == "" && encoded != "" {
			raw, err := base64.StdEncoding.DecodeString(encoded)
			if err != nil {
				return oops.Code("INSTALL_FAILED").Wrapf(err, "decode plugin archive")
			}
			tmp, err := writeTempArchive(raw)
			if err != nil {
				return err
			}
			defer os.Remove(tmp)
			archivePath = tmp
		}
		if archivePath == "" {
			return oops.Code("INSTALL_FAILED").Errorf("local install requires a path or archive bytes")
		}

	case api.InstallSourceMarketplace:
		if m.market == nil {
			return oops.Code("INSTALL_FAILED").Errorf("no marketplace is configured")
		}
		author, _ := data["author"].(string)
		name, _ := data["name"].(string)
		version, _ := data["version"].(string)
		if author == "" || name == "" {
			return oops.Code("INSTALL_FAILED").Errorf("marketplace install requires author and name")
		}

		if err := stage(StageDownloading); err != nil {
			return err
		}
		archive, err := m.market.Download(ctx, author, name, version)
		if err != nil {
			return err
		}
		tmp, err := writeTempArchive(archive)
		if err != nil {
			return err
		}
		defer os.Remove(tmp)
		archivePath = tmp

	case api.InstallSourceGithub:
		return oops.Code("INSTALL_FAILED").Errorf("github installs are not supported")

	default:
		return oops.Code("INSTALL_FAILED").Errorf("unknown install source %q", source)
	}

	dir, manifest, err := m.stagePlugin(archivePath, source)
	if err != nil {
		return err
	}

	if err := stage(StageInstallingDeps); err != nil {
		return err
	}
	if _, err := m.deps.CheckAndInstall(ctx, dir); err != nil {
		if rmErr := os.RemoveAll(dir); rmErr != nil {
			slog.Warn("cleaning up failed install", "dir", dir, "error", rmErr)
		}
		return err
	}

	// Ask the owning application to materialize default settings for the
	// new plugin. Best-effort: registration falls back to local defaults.
	if m.app != nil && m.app.Connected() {
		if _, err := m.app.Call(ctx, api.ActionInitializePluginSettings, map[string]any{
			"plugin_key": manifest.Key(),
		}); err != nil {
			slog.Warn("initializing plugin settings on the application failed",
				"plugin", manifest.Key(), "error", err)
		}
	}

	if err := stage(StageLaunching); err != nil {
		return err
	}
	if err := m.Launch(ctx, &DiscoveredPlugin{Manifest: manifest, Dir: dir}); err != nil {
		return err
	}

	return yield(map[string]any{
		"task_id":    taskID,
		"stage":      "done",
		"plugin_key": manifest.Key(),
	})
}

// writeTempArchive spools archive bytes to a temp file and returns its
// path. The caller removes the file.
func writeTempArchive(archive []byte) (string, error) {
	tmp, err := os.CreateTemp("", "chatplug-install-*.zip")
	if err != nil {
		return "", oops.Code("INSTALL_FAILED").Wrap(err)
	}
	if _, err := tmp.Write(archive); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", oops.Code("INSTALL_FAILED").Wrap(err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", oops.Code("INSTALL_FAILED").Wrap(err)
	}
	return tmp.Name(), nil
}

// stagePlugin extracts an archive to a temp dir, validates its manifest,
// rejects (author, name) collisions and moves the tree into the plugins
// directory. Nothing lands in pluginsDir until validation passed.
func (m *Manager) stagePlugin(archivePath, source string) (string, *api.Manifest, error) {
	tmpDir, err := os.MkdirTemp("", "chatplug-plugin-*")
	if err != nil {
		return "", nil, oops.Code("INSTALL_FAILED").Wrap(err)
	}
	defer os.RemoveAll(tmpDir)

	if err := unzip(archivePath, tmpDir); err != nil {
		return "", nil, err
	}

	manifestData, err := os.ReadFile(filepath.Join(tmpDir, ManifestFile))
	if err != nil {
		return "", nil, oops.Code("INSTALL_FAILED").Wrapf(err, "archive has no %s", ManifestFile)
	}
	if err := ValidateSchema(manifestData); err != nil {
		return "", nil, err
	}
	manifest, err := api.ParseManifest(manifestData)
	if err != nil {
		return "", nil, err
	}

	if _, running := m.Plugin(manifest.Key()); running {
		return "", nil, errDuplicatePlugin(manifest.Key())
	}
	// The directory name doubles as the collision check for installed
	// but not currently running plugins.
	dest := filepath.Join(m.pluginsDir, manifest.DirName())
	if _, err := os.Stat(dest); err == nil {
		return "", nil, errDuplicatePlugin(manifest.Key())
	}

	if err := os.MkdirAll(m.pluginsDir, 0o755); err != nil {
		return "", nil, oops.Code("INSTALL_FAILED").Wrap(err)
	}
	if err := os.Rename(tmpDir, dest); err != nil {
		return "", nil, oops.Code("INSTALL_FAILED").Wrapf(err, "move plugin into place")
	}

	slog.Info("plugin staged", "plugin", manifest.Key(), "source", source, "dir", dest)
	return dest, manifest, nil
}

// unzip extracts an archive into dir, refusing entries that would escape
// it (zip slip).
func unzip(archivePath, dir string) error {
	r, err := zip.OpenReader(archivePath)
	if err != nil {
		return oops.Code("INSTALL_FAILED").Wrapf(err, "open plugin archive")
	}
	defer r.Close()

	for _, f := range r.File {
		name := filepath.Clean(f.Name)
		if name == ".." || strings.HasPrefix(name, ".."+string(os.PathSeparator)) || filepath.IsAbs(name) {
			return oops.Code("INSTALL_FAILED").With("entry", f.Name).
				Errorf("archive entry escapes the target directory")
		}
		target := filepath.Join(dir, name)

		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return oops.Code("INSTALL_FAILED").Wrap(err)
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return oops.Code("INSTALL_FAILED").Wrap(err)
		}

		src, err := f.Open()
		if err != nil {
			return oops.Code("INSTALL_FAILED").Wrap(err)
		}
		dst, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, f.Mode())
		if err != nil {
			src.Close()
			return oops.Code("INSTALL_FAILED").Wrap(err)
		}
		_, err = io.Copy(dst, io.LimitReader(src, maxArchiveFileSize))
		src.Close()
		if closeErr := dst.Close(); err == nil {
			err = closeErr
		}
		if err != nil {
			return oops.Code("INSTALL_FAILED").With("entry", f.Name).Wrap(err)
		}
	}
	return nil
}

// Uninstall stops a plugin if it is running and removes its directory
// and persisted settings. Idempotent: uninstalling an absent plugin is
// not an error.
func (m *Manager) Uninstall(ctx context.Context, key string) error {
	if lp, ok := m.Plugin(key); ok {
		if err := lp.Handler.Notify(api.ActionShutdown, nil); err != nil {
			slog.Debug("shutdown notify failed", "plugin", key, "error", err)
		}
		m.remove(lp)
	}

	dir := filepath.Join(m.pluginsDir, strings.ReplaceAll(key, "/", "."))
	if err := os.RemoveAll(dir); err != nil {
		return oops.Code("UNINSTALL_FAILED").With("plugin", key).Wrap(err)
	}

	if m.store != nil {
		if err := m.store.DeletePluginSettings(ctx, key); err != nil {
			return oops.Code("UNINSTALL_FAILED").With("plugin", key).Wrap(err)
		}
		if err := m.store.DeleteOwner(ctx, store.ScopePlugin, key); err != nil {
			return oops.Code("UNINSTALL_FAILED").With("plugin", key).Wrap(err)
		}
	}
	slog.Info("plugin uninstalled", "plugin", key)
	return nil
}

// SetPluginEnabled flips a plugin's enabled flag, persists it, and pushes
// the change into the running plugin when there is one. A disabled plugin
// keeps running but drops out of routing.
func (m *Manager) SetPluginEnabled(ctx context.Context, key string, enabled bool) error {
	settings, err := m.fetchSettings(ctx, key)
	if err != nil {
		return err
	}
	settings.Enabled = enabled
	if m.store != nil {
		if err := m.store.SavePluginSettings(ctx, settings); err != nil {
			return err
		}
	}

	lp, ok := m.Plugin(key)
	if !ok {
		return nil
	}
	lp.Container.Enabled = enabled
	if _, err := lp.Handler.Call(ctx, api.ActionInitializePlugin, map[string]any{
		"plugin_config": settings.Config,
		"enabled":       enabled,
		"priority":      settings.Priority,
	}); err != nil {
		slog.Warn("pushing enabled state into plugin failed", "plugin", key, "error", err)
	}
	return nil
}
