// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/holomush/harness/internal/config"
	"github.com/holomush/harness/internal/control"
	"github.com/holomush/harness/internal/loader"
	"github.com/holomush/harness/internal/logging"
	"github.com/holomush/harness/internal/observability"
	"github.com/holomush/harness/internal/plugin"
	"github.com/holomush/harness/internal/plugin/lua"
	"github.com/holomush/harness/internal/registry"
	"github.com/holomush/harness/internal/xdg"
	"github.com/holomush/harness/pkg/errutil"
	"github.com/holomush/harness/pkg/harness"
	"github.com/holomush/harness/plugins/keepalive"
)

// controlComponent names the control socket of a running harness.
const controlComponent = "run"

const shutdownTimeout = 5 * time.Second

// NewRunCmd creates the run subcommand.
func NewRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the configured plugins until shutdown",
		Long: `Run loads every plugin listed in the config file, initializes and
starts them in dependency order and keeps them running until SIGINT, SIGTERM,
a control socket shutdown request or the first plugin start returns.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runWithDeps(cmd.Context(), cmd, nil)
		},
	}

	config.BindFlags(cmd.Flags())

	return cmd
}

// loadConfig reads --config, or the default config file when present.
func loadConfig(cmd *cobra.Command) (*config.Config, string, error) {
	path := configFile
	mustExist := path != ""
	if path == "" {
		def, err := xdg.ConfigFile()
		if err == nil && config.Exists(def) {
			path = def
		}
	}

	cfg, err := config.Load(path, mustExist, cmd.Flags())
	if err != nil {
		return nil, path, err
	}
	return cfg, path, nil
}

// runWithDeps runs the loader with injectable dependencies.
// If deps is nil, default implementations are used.
func runWithDeps(ctx context.Context, cmd *cobra.Command, deps *RunDeps) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if deps == nil {
		deps = &RunDeps{}
	}
	if deps.RegistryFactory == nil {
		deps.RegistryFactory = defaultRegistry
	}
	if deps.ControlServerFactory == nil {
		deps.ControlServerFactory = func(component string, shutdown control.ShutdownFunc, opts ...control.Option) ControlServer {
			return control.NewServer(component, shutdown, opts...)
		}
	}
	if deps.ObservabilityServerFactory == nil {
		deps.ObservabilityServerFactory = func(addr string, readinessChecker observability.ReadinessChecker, opts ...observability.Option) ObservabilityServer {
			return observability.NewServer(addr, readinessChecker, opts...)
		}
	}
	if deps.DirsGetter == nil {
		deps.DirsGetter = xdgDirs
	}

	cfg, cfgPath, err := loadConfig(cmd)
	if err != nil {
		return oops.Wrapf(err, "invalid configuration")
	}

	var logOpts []logging.Option
	if cfg.Harness.LogLevel != "" {
		level, err := logging.ParseLevel(cfg.Harness.LogLevel)
		if err != nil {
			return err
		}
		logOpts = append(logOpts, logging.WithLevel(level))
	}
	logger := logging.Setup("harness", version, cfg.Harness.LogFormat, cmd.ErrOrStderr(), logOpts...)
	slog.SetDefault(logger)

	dirs, err := deps.DirsGetter()
	if err != nil {
		return oops.Wrapf(err, "failed to resolve directories")
	}
	if cfg.Harness.PluginDir != "" {
		dirs.Plugins = cfg.Harness.PluginDir
	}
	app := &harness.AppInfo{
		Program:    cmd.Root().Name(),
		ConfigFile: cfgPath,
		ConfigDir:  dirs.Config,
		DataDir:    dirs.Data,
		StateDir:   dirs.State,
		RuntimeDir: dirs.Runtime,
		PluginDir:  dirs.Plugins,
	}

	logger.Info("starting harness",
		"version", version,
		"config", cfgPath,
		"plugin_dir", dirs.Plugins,
		"plugins", len(cfg.Plugins))

	source, release, err := deps.RegistryFactory(ctx, dirs.Plugins, logger)
	if err != nil {
		return oops.Wrapf(err, "failed to build plugin registry")
	}
	defer release()

	var l *loader.Loader
	l = loader.New(source, app, cfg.Sections(),
		loader.WithLogger(logger),
		loader.WithReadyHook(func() {
			logger.Info("harness ready", "run_id", l.Status().RunID)
		}))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var metrics *observability.Metrics
	if cfg.Harness.MetricsAddr != "" {
		obsServer := deps.ObservabilityServerFactory(cfg.Harness.MetricsAddr, l.Ready,
			observability.WithLogger(logger),
			observability.WithPending(func() []string { return l.Status().PendingReady }))
		obsErrCh, err := obsServer.Start()
		if err != nil {
			return oops.Wrapf(err, "failed to start observability server")
		}
		metrics = obsServer.Metrics()
		go monitorServerErrors(ctx, l, obsErrCh, "observability")
		defer stopServer(logger, "observability", obsServer.Stop)
		logger.Info("observability server started", "addr", obsServer.Addr())
	}

	if cfg.Harness.Control {
		ctrl := deps.ControlServerFactory(controlComponent, func() {
			logger.Info("shutdown requested", "source", observability.SourceControl)
			metrics.RecordShutdownRequest(observability.SourceControl)
			l.RequestShutdown()
		}, control.WithStatus(l.Status), control.WithLogger(logger))
		if err := ctrl.Start(); err != nil {
			return oops.Wrapf(err, "failed to start control socket")
		}
		defer stopServer(logger, "control", ctrl.Stop)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("received shutdown signal", "signal", sig)
			metrics.RecordShutdownRequest(observability.SourceSignal)
			l.RequestShutdown()
		case <-ctx.Done():
		}
	}()

	runErr := l.Run(ctx)
	metrics.RecordRun(runErr)
	if runErr != nil {
		errutil.LogError(logger, "harness run failed", runErr)
		return runErr
	}

	logger.Info("shutdown complete")
	return nil
}

// monitorServerErrors requests shutdown when a server fails after Start.
func monitorServerErrors(ctx context.Context, l *loader.Loader, errCh <-chan error, serverName string) {
	select {
	case err, ok := <-errCh:
		if !ok || err == nil {
			return
		}
		slog.Error("server error, triggering shutdown",
			"server", serverName,
			"error", err,
		)
		l.RequestShutdown()
	case <-ctx.Done():
	}
}

func stopServer(logger *slog.Logger, name string, stop func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := stop(ctx); err != nil {
		logger.Warn("error stopping server", "server", name, "error", err)
	}
}

// builtins returns the descriptors compiled into the binary.
func builtins() []*harness.Descriptor {
	return []*harness.Descriptor{
		keepalive.Descriptor(),
	}
}

// defaultRegistry chains the built-in plugins with the Lua plugins found in
// pluginDir. Built-ins shadow Lua plugins of the same name.
func defaultRegistry(ctx context.Context, pluginDir string, logger *slog.Logger) (registry.Registry, func(), error) {
	static, err := registry.NewStatic(builtins()...)
	if err != nil {
		return nil, nil, err
	}

	mgr := plugin.NewManager(pluginDir,
		plugin.WithLuaHost(lua.NewHost(nil, lua.WithLogger(logger))),
		plugin.WithManagerLogger(logger))
	if err := mgr.LoadAll(ctx); err != nil {
		return nil, nil, err
	}

	release := func() {
		if err := mgr.Close(context.Background()); err != nil {
			logger.Warn("failed to close plugin manager", "error", err)
		}
	}
	return registry.Chain{static, mgr}, release, nil
}

func xdgDirs() (Dirs, error) {
	var (
		d   Dirs
		err error
	)
	if d.Config, err = xdg.ConfigDir(); err != nil {
		return d, err
	}
	if d.Data, err = xdg.DataDir(); err != nil {
		return d, err
	}
	if d.State, err = xdg.StateDir(); err != nil {
		return d, err
	}
	if d.Runtime, err = xdg.RuntimeDir(); err != nil {
		return d, err
	}
	if d.Plugins, err = xdg.PluginDir(); err != nil {
		return d, err
	}
	return d, nil
}
