// Package hostfunc provides host functions to Lua plugins.
//
// Host functions expose the lifecycle environment of the running callback to
// the script as the global "harness" table. Functions that read configuration
// or drive the lifecycle require capability checks.
package hostfunc

import (
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"
	lua "github.com/yuin/gopher-lua"

	"github.com/holomush/harness/internal/plugin/capability"
	"github.com/holomush/harness/pkg/harness"
)

// Capabilities checked by host functions.
const (
	CapConfigRead       = capability.ConfigRead
	CapLifecycleControl = capability.LifecycleControl
	CapLifecycleReady   = capability.LifecycleReady
)

// ModuleName is the global under which host functions are registered.
const ModuleName = "harness"

// Functions provides host functions to Lua plugins.
type Functions struct {
	enforcer *capability.Enforcer
	logger   *slog.Logger
}

// Option configures Functions.
type Option func(*Functions)

// WithLogger sets the base logger plugin log calls are written to.
func WithLogger(l *slog.Logger) Option {
	return func(f *Functions) {
		f.logger = l
	}
}

// New creates host functions checking grants with enforcer.
// Panics if enforcer is nil.
func New(enforcer *capability.Enforcer, opts ...Option) *Functions {
	if enforcer == nil {
		panic("hostfunc.New: enforcer cannot be nil")
	}
	f := &Functions{enforcer: enforcer}
	for _, opt := range opts {
		opt(f)
	}
	if f.logger == nil {
		f.logger = slog.Default()
	}
	return f
}

// Register adds host functions bound to env to a Lua state.
func (f *Functions) Register(ls *lua.LState, pluginName string, env *harness.Env) {
	mod := ls.NewTable()

	// No capability required.
	ls.SetField(mod, "log", ls.NewFunction(f.logFn(pluginName, env)))
	ls.SetField(mod, "new_request_id", ls.NewFunction(newRequestIDFn))
	ls.SetField(mod, "app_info", ls.NewFunction(appInfoFn(env)))
	ls.SetField(mod, "is_running", ls.NewFunction(isRunningFn(env)))
	ls.SetField(mod, "wait_for_stop", ls.NewFunction(waitForStopFn(env)))
	ls.SetField(mod, "set_error", ls.NewFunction(setErrorFn(env)))

	ls.SetField(mod, "option", ls.NewFunction(f.wrap(pluginName, CapConfigRead, optionFn(env))))
	ls.SetField(mod, "section", ls.NewFunction(f.wrap(pluginName, CapConfigRead, sectionFn(env))))
	ls.SetField(mod, "clear_running", ls.NewFunction(f.wrap(pluginName, CapLifecycleControl, clearRunningFn(env))))
	ls.SetField(mod, "set_ready", ls.NewFunction(f.wrap(pluginName, CapLifecycleReady, setReadyFn(env))))

	ls.SetGlobal(ModuleName, mod)
}

func (f *Functions) wrap(plugin, capName string, fn lua.LGFunction) lua.LGFunction {
	return func(L *lua.LState) int {
		if err := f.enforcer.Require(plugin, capName); err != nil {
			L.RaiseError("%s", err.Error())
			return 0
		}
		return fn(L)
	}
}

func (f *Functions) logFn(pluginName string, env *harness.Env) lua.LGFunction {
	return func(L *lua.LState) int {
		level := L.CheckString(1)
		message := L.CheckString(2)

		logger := f.logger.With("plugin", pluginName)
		if env != nil {
			logger = env.Logger()
		}
		switch level {
		case "debug":
			logger.Debug(message)
		case "info":
			logger.Info(message)
		case "warn":
			logger.Warn(message)
		case "error":
			logger.Error(message)
		default:
			L.ArgError(1, "invalid log level "+level+": must be debug, info, warn or error")
		}
		return 0
	}
}

func newRequestIDFn(L *lua.LState) int {
	L.Push(lua.LString(ulid.Make().String()))
	return 1
}

func appInfoFn(env *harness.Env) lua.LGFunction {
	return func(L *lua.LState) int {
		t := L.NewTable()
		if app := env.AppInfo(); app != nil {
			L.SetField(t, "program", lua.LString(app.Program))
			L.SetField(t, "config_file", lua.LString(app.ConfigFile))
			L.SetField(t, "config_dir", lua.LString(app.ConfigDir))
			L.SetField(t, "data_dir", lua.LString(app.DataDir))
			L.SetField(t, "state_dir", lua.LString(app.StateDir))
			L.SetField(t, "runtime_dir", lua.LString(app.RuntimeDir))
			L.SetField(t, "plugin_dir", lua.LString(app.PluginDir))
		}
		L.Push(t)
		return 1
	}
}

func isRunningFn(env *harness.Env) lua.LGFunction {
	return func(L *lua.LState) int {
		L.Push(lua.LBool(env.IsRunning()))
		return 1
	}
}

// waitForStopFn takes a timeout in milliseconds; zero or no argument waits
// until stopped.
func waitForStopFn(env *harness.Env) lua.LGFunction {
	return func(L *lua.LState) int {
		ms := L.OptInt64(1, 0)
		if ms < 0 {
			L.ArgError(1, "timeout must not be negative")
			return 0
		}
		L.Push(lua.LBool(env.WaitForStop(time.Duration(ms) * time.Millisecond)))
		return 1
	}
}

func clearRunningFn(env *harness.Env) lua.LGFunction {
	return func(*lua.LState) int {
		env.ClearRunning()
		return 0
	}
}

func setErrorFn(env *harness.Env) lua.LGFunction {
	return func(L *lua.LState) int {
		kind := harness.ParseErrorKind(L.CheckString(1))
		message := L.CheckString(2)
		env.SetError(kind, "%s", message)
		return 0
	}
}

func setReadyFn(env *harness.Env) lua.LGFunction {
	return func(*lua.LState) int {
		env.SetReady()
		return 0
	}
}

// optionFn returns the option value, or the default and an error message
// when the option is not set.
func optionFn(env *harness.Env) lua.LGFunction {
	return func(L *lua.LState) int {
		name := L.CheckString(1)

		section := env.Section()
		if section != nil {
			if v, ok := section.Options[name]; ok {
				return pushSuccess(L, lua.LString(v))
			}
		}
		if L.GetTop() >= 2 {
			return pushSuccess(L, L.Get(2))
		}
		return pushError(L, "option "+name+" is not set")
	}
}

func sectionFn(env *harness.Env) lua.LGFunction {
	return func(L *lua.LState) int {
		section := env.Section()
		if section == nil {
			L.Push(lua.LNil)
			return 1
		}

		t := L.NewTable()
		L.SetField(t, "name", lua.LString(section.Name))
		L.SetField(t, "key", lua.LString(section.Key))
		L.SetField(t, "id", lua.LString(section.ID()))

		opts := L.NewTable()
		for _, name := range section.OptionNames() {
			L.SetField(opts, name, lua.LString(section.Options[name]))
		}
		L.SetField(t, "options", opts)

		L.Push(t)
		return 1
	}
}

// pushError returns nil and a message, the Lua convention for soft failures.
func pushError(L *lua.LState, msg string) int {
	L.Push(lua.LNil)
	L.Push(lua.LString(msg))
	return 2
}

func pushSuccess(L *lua.LState, value lua.LValue) int {
	L.Push(value)
	L.Push(lua.LNil)
	return 2
}
