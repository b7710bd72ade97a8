// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package lua

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/samber/oops"
	lua "github.com/yuin/gopher-lua"
	"github.com/yuin/gopher-lua/parse"

	plugins "github.com/holomush/harness/internal/plugin"
	"github.com/holomush/harness/internal/plugin/capability"
	"github.com/holomush/harness/internal/plugin/hostfunc"
	"github.com/holomush/harness/pkg/harness"
)

// Compile-time interface check.
var _ plugins.Host = (*Host)(nil)

// Global function names mapped to lifecycle phases.
const (
	fnInit   = "init"
	fnStart  = "start"
	fnStop   = "stop"
	fnDeinit = "deinit"
)

// luaPlugin holds compiled Lua code for a plugin.
type luaPlugin struct {
	manifest *plugins.Manifest
	proto    *lua.FunctionProto
}

// Host compiles Lua plugins into lifecycle descriptors. Every callback
// invocation runs in a fresh sandboxed state, so instances of one plugin
// share no Lua globals.
type Host struct {
	factory   *StateFactory
	enforcer  *capability.Enforcer
	hostFuncs *hostfunc.Functions
	logger    *slog.Logger

	mu      sync.RWMutex
	plugins map[string]*luaPlugin
	closed  bool
}

// HostOption configures a Host.
type HostOption func(*Host)

// WithLogger sets the host logger.
func WithLogger(l *slog.Logger) HostOption {
	return func(h *Host) {
		h.logger = l
	}
}

// NewHost creates a Lua plugin host. Manifest capabilities are granted
// through enforcer; a nil enforcer creates a private one.
func NewHost(enforcer *capability.Enforcer, opts ...HostOption) *Host {
	if enforcer == nil {
		enforcer = capability.NewEnforcer()
	}
	h := &Host{
		factory:  NewStateFactory(),
		enforcer: enforcer,
		plugins:  make(map[string]*luaPlugin),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}
	h.hostFuncs = hostfunc.New(enforcer, hostfunc.WithLogger(h.logger))
	return h
}

// Load compiles the plugin's entry file, checks which lifecycle functions it
// defines and returns its descriptor.
func (h *Host) Load(ctx context.Context, manifest *plugins.Manifest, dir string) (*harness.Descriptor, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	errb := oops.In("lua").With("plugin", manifest.Name).With("operation", "load")

	if h.closed {
		return nil, errb.New("host is closed")
	}

	entryPath := filepath.Join(dir, manifest.LuaPlugin.Entry)
	code, err := os.ReadFile(filepath.Clean(entryPath))
	if err != nil {
		return nil, errb.With("path", entryPath).Hint("failed to read entry file").Wrap(err)
	}

	chunk, err := parse.Parse(strings.NewReader(string(code)), manifest.LuaPlugin.Entry)
	if err != nil {
		return nil, errb.With("entry", manifest.LuaPlugin.Entry).Hint("syntax error").Wrap(err)
	}
	proto, err := lua.Compile(chunk, manifest.LuaPlugin.Entry)
	if err != nil {
		return nil, errb.With("entry", manifest.LuaPlugin.Entry).Hint("compile error").Wrap(err)
	}

	if err := h.enforcer.SetGrants(manifest.Name, manifest.Capabilities); err != nil {
		return nil, errb.Hint("invalid capabilities").Wrap(err)
	}
	if unused := h.enforcer.Unused(manifest.Name); len(unused) > 0 {
		h.logger.Warn("capability grants match nothing", "plugin", manifest.Name, "patterns", unused)
	}

	defined, err := h.definedFunctions(ctx, manifest.Name, proto)
	if err != nil {
		h.enforcer.RemoveGrants(manifest.Name)
		return nil, errb.Hint("failed to run top-level code").Wrap(err)
	}

	p := &luaPlugin{manifest: manifest, proto: proto}
	h.plugins[manifest.Name] = p

	desc := manifest.Descriptor()
	if defined[fnInit] {
		desc.Init = h.callback(p, fnInit)
	}
	if defined[fnStart] {
		desc.Start = h.callback(p, fnStart)
	}
	if defined[fnStop] {
		desc.Stop = h.callback(p, fnStop)
	}
	if defined[fnDeinit] {
		desc.Deinit = h.callback(p, fnDeinit)
	}

	h.logger.Debug("compiled lua plugin",
		"plugin", manifest.Name,
		"entry", manifest.LuaPlugin.Entry,
		"init", defined[fnInit],
		"start", defined[fnStart],
		"stop", defined[fnStop],
		"deinit", defined[fnDeinit])
	return desc, nil
}

// Plugins returns names of loaded plugins.
func (h *Host) Plugins() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	names := make([]string, 0, len(h.plugins))
	for name := range h.plugins {
		names = append(names, name)
	}
	return names
}

// Close stops the host from loading further plugins. Descriptors already
// returned keep working.
func (h *Host) Close(_ context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	h.plugins = nil
	return nil
}

// definedFunctions runs the chunk's top-level code against a stopped
// environment and reports which lifecycle globals it defines.
func (h *Host) definedFunctions(ctx context.Context, name string, proto *lua.FunctionProto) (map[string]bool, error) {
	L, err := h.factory.NewState(ctx)
	if err != nil {
		return nil, err
	}
	defer L.Close()

	h.hostFuncs.Register(L, name, harness.NewEnv(nil, nil, false))
	L.Push(L.NewFunctionFromProto(proto))
	if err := L.PCall(0, lua.MultRet, nil); err != nil {
		return nil, err
	}

	defined := make(map[string]bool, 4)
	for _, fn := range []string{fnInit, fnStart, fnStop, fnDeinit} {
		defined[fn] = L.GetGlobal(fn).Type() == lua.LTFunction
	}
	return defined, nil
}

// callback binds one lifecycle function of a plugin. A Lua error escaping the
// chunk or the function is an unhandled failure and is recorded on env as
// UndefinedError; scripts report expected failures through harness.set_error.
func (h *Host) callback(p *luaPlugin, phase string) harness.Callback {
	name := p.manifest.Name
	return func(env *harness.Env) {
		L, err := h.factory.NewState(context.Background())
		if err != nil {
			env.SetError(harness.RuntimeError, "create lua state: %v", err)
			return
		}
		defer L.Close()

		h.hostFuncs.Register(L, name, env)

		L.Push(L.NewFunctionFromProto(p.proto))
		if err := L.PCall(0, lua.MultRet, nil); err != nil {
			env.SetError(harness.UndefinedError, "load %s: %v", p.manifest.LuaPlugin.Entry, err)
			return
		}

		if err := L.CallByParam(lua.P{
			Fn:      L.GetGlobal(phase),
			NRet:    0,
			Protect: true,
		}); err != nil {
			env.SetError(harness.UndefinedError, "%s(): %v", phase, err)
		}
	}
}
