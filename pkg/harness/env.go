// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package harness

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Env is the execution environment handed to a lifecycle callback. It is the
// only channel between plugin code and the loader: it carries the instance's
// configuration, the running flag a long-lived Start polls, and the error slot
// callbacks use to report failure.
//
// IsRunning, WaitForStop and ClearRunning may only be called from the
// goroutine executing the instance's Start callback. Calling them from any
// other goroutine is a precondition violation; it is not detected.
type Env struct {
	app     *AppInfo
	section *ConfigSection
	logger  *slog.Logger
	onReady func()

	// ctx is cancelled when the running flag is cleared.
	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	err   *PluginError
	ready bool
}

// EnvOption configures an Env.
type EnvOption func(*Env)

// WithLogger sets the logger returned by Env.Logger.
func WithLogger(l *slog.Logger) EnvOption {
	return func(e *Env) {
		e.logger = l
	}
}

// WithReadyFunc sets the function called the first time SetReady is invoked.
func WithReadyFunc(fn func()) EnvOption {
	return func(e *Env) {
		e.onReady = fn
	}
}

// NewEnv creates an Env. A non-running Env starts stopped: WaitForStop returns
// immediately and Context is already done.
func NewEnv(app *AppInfo, section *ConfigSection, running bool, opts ...EnvOption) *Env {
	ctx, cancel := context.WithCancel(context.Background())
	e := &Env{
		app:     app,
		section: section,
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = slog.Default()
		if section != nil {
			e.logger = e.logger.With("plugin", section.ID())
		}
	}
	if !running {
		cancel()
	}
	return e
}

// AppInfo returns the host application facts. May be nil in tests.
func (e *Env) AppInfo() *AppInfo {
	return e.app
}

// Section returns the instance configuration. May be nil.
func (e *Env) Section() *ConfigSection {
	return e.section
}

// Logger returns a logger scoped to the instance.
func (e *Env) Logger() *slog.Logger {
	return e.logger
}

// Context returns a context cancelled when the running flag is cleared.
func (e *Env) Context() context.Context {
	return e.ctx
}

// IsRunning reports whether the instance should keep running. Non-blocking.
func (e *Env) IsRunning() bool {
	return e.ctx.Err() == nil
}

// WaitForStop blocks until the running flag is cleared or timeout elapses. A
// timeout of zero waits indefinitely. It returns true when woken by a stop
// request and false on timeout.
func (e *Env) WaitForStop(timeout time.Duration) bool {
	if timeout <= 0 {
		<-e.ctx.Done()
		return true
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-e.ctx.Done():
		return true
	case <-timer.C:
		return false
	}
}

// ClearRunning clears the running flag and wakes every waiter. Idempotent.
// Start may call it to request its own shutdown.
func (e *Env) ClearRunning() {
	e.cancel()
}

// SetError records a failure. Only the first call on an Env is kept; a
// NoError kind is ignored.
func (e *Env) SetError(kind ErrorKind, format string, args ...any) {
	if kind == NoError {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.err != nil {
		return
	}
	e.err = &PluginError{
		Plugin:  e.id(),
		Kind:    kind,
		Message: fmt.Sprintf(format, args...),
	}
}

// Err returns the recorded failure or nil.
func (e *Env) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.err == nil {
		return nil
	}
	return e.err
}

// SetReady marks the instance as able to serve. Only meaningful for plugin
// types declaring readiness; repeated calls are ignored.
func (e *Env) SetReady() {
	e.mu.Lock()
	if e.ready {
		e.mu.Unlock()
		return
	}
	e.ready = true
	fn := e.onReady
	e.mu.Unlock()

	if fn != nil {
		fn()
	}
}

func (e *Env) id() string {
	if e.section == nil {
		return ""
	}
	return e.section.ID()
}
