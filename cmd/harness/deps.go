package main

import (
	"context"
	"log/slog"

	"github.com/holomush/harness/internal/control"
	"github.com/holomush/harness/internal/observability"
	"github.com/holomush/harness/internal/registry"
)

// RunDeps contains injectable dependencies for the run command.
// All fields with nil values will use their default implementations.
type RunDeps struct {
	// RegistryFactory builds the plugin registry for a plugin directory. The
	// returned func releases it.
	// Default: built-in plugins chained with discovered Lua plugins
	RegistryFactory func(ctx context.Context, pluginDir string, logger *slog.Logger) (registry.Registry, func(), error)

	// ControlServerFactory creates the control socket server.
	// Default: control.NewServer
	ControlServerFactory func(component string, shutdown control.ShutdownFunc, opts ...control.Option) ControlServer

	// ObservabilityServerFactory creates an observability server.
	// Default: observability.NewServer
	ObservabilityServerFactory func(addr string, readinessChecker observability.ReadinessChecker, opts ...observability.Option) ObservabilityServer

	// DirsGetter returns the standard directories handed to plugins.
	// Default: xdg
	DirsGetter func() (Dirs, error)
}

// Dirs are the standard directories of the harness process.
type Dirs struct {
	Config  string
	Data    string
	State   string
	Runtime string
	Plugins string
}

// ControlServer interface wraps the methods used from control.Server.
type ControlServer interface {
	Start() error
	Stop(ctx context.Context) error
}

// ObservabilityServer interface wraps the methods used from observability.Server.
type ObservabilityServer interface {
	Start() (<-chan error, error)
	Stop(ctx context.Context) error
	Addr() string
	Metrics() *observability.Metrics
}
