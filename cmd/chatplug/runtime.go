// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ChatPlug Contributors

package main

import (
	"context"
	"log/slog"
	"os/exec"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/samber/oops"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/chatplug/chatplug/internal/config"
	"github.com/chatplug/chatplug/internal/control"
	"github.com/chatplug/chatplug/internal/deps"
	"github.com/chatplug/chatplug/internal/logging"
	"github.com/chatplug/chatplug/internal/marketplace"
	"github.com/chatplug/chatplug/internal/observability"
	"github.com/chatplug/chatplug/internal/plugin"
	"github.com/chatplug/chatplug/internal/rpc"
	"github.com/chatplug/chatplug/internal/store"
	"github.com/chatplug/chatplug/internal/transport"
	"github.com/chatplug/chatplug/internal/xdg"
)

const obsStopTimeout = 5 * time.Second

// NewRuntimeCmd creates the runtime daemon subcommand.
func NewRuntimeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runtime",
		Short: "Start the plugin runtime",
		Long: `Start the plugin runtime: launch installed plugins, listen for the
owning application on the control address, and optionally accept plugin
debug sessions.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runRuntime(cmd)
		},
	}

	cmd.Flags().String("data-dir", "", "data directory (default: XDG_DATA_HOME/chatplug)")
	cmd.Flags().String("plugins-dir", "", "installed plugins directory (default: <data-dir>/plugins)")
	cmd.Flags().String("control-addr", "127.0.0.1:8310", "application control listen address")
	cmd.Flags().String("debug-addr", "", "plugin debug session listen address (empty = disabled)")
	cmd.Flags().String("debug-key", "", "shared key debug sessions must present")
	cmd.Flags().String("metrics-addr", "127.0.0.1:8312", "metrics/health HTTP address (empty = disabled)")
	cmd.Flags().String("marketplace-url", "", "plugin marketplace base URL")
	cmd.Flags().String("log-format", "json", "log format (json or text)")
	cmd.Flags().String("log-level", "info", "log level (debug, info, warn, error)")

	return cmd
}

func runRuntime(cmd *cobra.Command) error {
	cfgPath := configFile
	if cfgPath == "" {
		cfgPath = config.DefaultFile()
	}
	cfg, err := config.Load(cfgPath, cmd.Flags())
	if err != nil {
		return err
	}

	logging.SetDefault("chatplug", version, cfg.LogFormat, cfg.LogLevel)
	slog.Info("starting plugin runtime",
		"control_addr", cfg.ControlAddr,
		"plugins_dir", cfg.PluginsDir,
	)

	if err := xdg.EnsureDir(cfg.DataDir); err != nil {
		return oops.Code("STARTUP_FAILED").Wrap(err)
	}
	if err := xdg.EnsureDir(cfg.PluginsDir); err != nil {
		return oops.Code("STARTUP_FAILED").Wrap(err)
	}

	st, err := store.Open(cfg.DatabasePath())
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			slog.Warn("closing store failed", "error", err)
		}
	}()

	var ready atomic.Bool
	obs := observability.NewServer(cfg.MetricsAddr, ready.Load)
	rpc.RegisterMetrics(obs.Registry())
	plugin.RegisterMetrics(obs.Registry())

	mgr := plugin.NewManager(cfg.PluginsDir, st,
		plugin.WithVersion(version),
		plugin.WithDebugKey(cfg.DebugKey),
		plugin.WithDependencyManager(deps.NewManager(commandInstaller(cfg.InstallCommand))),
		plugin.WithMarketplace(marketplace.NewClient(cfg.MarketplaceURL)),
		plugin.WithMountedGauge(obs.Metrics().PluginsMounted),
	)

	ctrl := control.NewServer(cfg.ControlAddr, mgr)
	mgr.SetAppGateway(ctrl)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := mgr.LaunchAll(ctx); err != nil {
		return err
	}
	ready.Store(true)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ctrl.Run(gctx) })
	g.Go(func() error { return mgr.Run(gctx) })

	if cfg.DebugAddr != "" {
		debugListener := transport.NewListenerController(cfg.DebugAddr)
		g.Go(func() error {
			slog.Info("debug listener started", "addr", cfg.DebugAddr)
			return debugListener.Run(gctx, func(connCtx context.Context, conn transport.Connection) {
				mgr.ServeDebugConnection(connCtx, conn)
			})
		})
	}

	if cfg.MetricsAddr != "" {
		errCh, err := obs.Start()
		if err != nil {
			return err
		}
		g.Go(func() error {
			select {
			case err := <-errCh:
				return err
			case <-gctx.Done():
				shutdownCtx, cancel := context.WithTimeout(context.Background(), obsStopTimeout)
				defer cancel()
				return obs.Stop(shutdownCtx)
			}
		})
	}

	slog.Info("plugin runtime ready")
	err = g.Wait()
	if err != nil && ctx.Err() == nil {
		return err
	}
	slog.Info("plugin runtime stopped")
	return nil
}

// commandInstaller runs the configured dependency install command inside
// a plugin directory.
func commandInstaller(command []string) deps.Installer {
	if len(command) == 0 {
		return nil
	}
	return func(ctx context.Context, pluginPath string) error {
		c := exec.CommandContext(ctx, command[0], command[1:]...)
		c.Dir = pluginPath
		out, err := c.CombinedOutput()
		if err != nil {
			return oops.Code("DEPS_INSTALL_FAILED").
				With("dir", pluginPath).
				With("output", string(out)).
				Wrap(err)
		}
		return nil
	}
}
