// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package loader drives configured plugin instances through their lifecycle:
// load, init, start, run, stop, deinit and unload.
//
// Init, stop and deinit callbacks run one at a time on the goroutine calling
// Run. Each start callback runs on its own worker goroutine. The run ends
// when shutdown is requested or the first start callback returns; the error
// returned is the first one raised by any init or start callback.
package loader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"slices"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/holomush/harness/pkg/errutil"
	"github.com/holomush/harness/pkg/harness"
)

const tracerName = "github.com/holomush/harness/internal/loader"

// DescriptorSource resolves a plugin type name to its descriptor. Unknown
// names return an error wrapping harness.ErrPluginNotFound.
type DescriptorSource interface {
	Lookup(ctx context.Context, name string) (*harness.Descriptor, error)
}

// instance is one configured plugin instance in execution order.
type instance struct {
	section harness.ConfigSection
	desc    *harness.Descriptor
	// env is the persistent environment of start; nil when the plugin has no
	// start callback or start has not been reached.
	env *harness.Env
}

func (i *instance) id() string {
	return i.section.ID()
}

// firstExit carries the run phase's wait on the worker pool.
type firstExit struct {
	exit    Exit
	allDone bool
}

// Loader runs one plugin lifecycle over a fixed set of configured instances.
// A Loader runs at most once.
type Loader struct {
	source   DescriptorSource
	app      *harness.AppInfo
	sections []harness.ConfigSection
	tracer   trace.Tracer
	hook     func()

	mu     sync.Mutex
	logger *slog.Logger
	stage  Stage
	runID  ulid.ULID
	ran    bool
	order  []*instance

	pool      *WorkerPool
	readiness *readiness

	shutdownOnce sync.Once
	shutdown     chan struct{}

	stopOnce     sync.Once
	exitCh       chan firstExit
	exitObserved bool

	errMu    sync.Mutex
	firstErr error
}

// Option configures a Loader.
type Option func(*Loader)

// WithLogger sets the loader's logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(ld *Loader) {
		ld.logger = l
	}
}

// WithTracer sets the tracer used for phase spans. Defaults to the global
// OpenTelemetry tracer provider.
func WithTracer(t trace.Tracer) Option {
	return func(ld *Loader) {
		ld.tracer = t
	}
}

// WithReadyHook sets a function called once every instance declaring
// readiness has reported ready.
func WithReadyHook(fn func()) Option {
	return func(ld *Loader) {
		ld.hook = fn
	}
}

// New creates a loader for the given configured instances.
func New(source DescriptorSource, app *harness.AppInfo, sections []harness.ConfigSection, opts ...Option) *Loader {
	l := &Loader{
		source:   source,
		app:      app,
		sections: slices.Clone(sections),
		shutdown: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.logger == nil {
		l.logger = slog.Default()
	}
	if l.tracer == nil {
		l.tracer = otel.Tracer(tracerName)
	}
	return l
}

// RequestShutdown asks a running loader to stop. Safe to call from any
// goroutine, any number of times, and before Run.
func (l *Loader) RequestShutdown() {
	l.shutdownOnce.Do(func() {
		close(l.shutdown)
	})
}

// Stage returns the current stage.
func (l *Loader) Stage() Stage {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stage
}

// Ready reports whether the loader is running and every instance declaring
// readiness has reported ready.
func (l *Loader) Ready() bool {
	l.mu.Lock()
	stage, r := l.stage, l.readiness
	l.mu.Unlock()
	return stage == StageRunning && r != nil && r.allReady()
}

// Status is a snapshot of a loader run.
type Status struct {
	RunID        string   `json:"run_id,omitempty"`
	Stage        string   `json:"stage"`
	Order        []string `json:"order,omitempty"`
	Ready        bool     `json:"ready"`
	PendingReady []string `json:"pending_ready,omitempty"`
	// Workers counts start callbacks that have not returned yet.
	Workers int `json:"workers"`
	// WorkersSpawned counts every start callback launched in this run.
	WorkersSpawned int `json:"workers_spawned"`
}

// Status returns a snapshot of the current run.
func (l *Loader) Status() Status {
	l.mu.Lock()
	st := Status{Stage: l.stage.String()}
	if l.ran {
		st.RunID = l.runID.String()
	}
	for _, inst := range l.order {
		st.Order = append(st.Order, inst.id())
	}
	if l.pool != nil {
		st.Workers = l.pool.Running()
		st.WorkersSpawned = l.pool.Spawned()
	}
	r := l.readiness
	l.mu.Unlock()

	if r != nil {
		st.PendingReady = r.waiting()
	}
	st.Ready = l.Ready()
	return st
}

// Run executes the full lifecycle and blocks until it completes. The run ends
// early when ctx is cancelled or RequestShutdown is called; both are treated
// as an external shutdown request, not as an error.
func (l *Loader) Run(ctx context.Context) error {
	l.mu.Lock()
	if l.ran {
		l.mu.Unlock()
		return oops.In("loader").Code(CodeAlreadyRun).Errorf("loader has already run")
	}
	l.ran = true
	l.runID = ulid.Make()
	l.logger = l.logger.With("run_id", l.runID.String())
	l.readiness = newReadiness(l.logger, l.hook)
	l.pool = NewWorkerPool(l.logger)
	l.mu.Unlock()

	ctx, span := l.tracer.Start(ctx, "loader.run")
	defer span.End()

	l.logger.Info("loading plugins", "instances", len(l.sections))

	if err := l.load(ctx); err != nil {
		l.recordFirstError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	initialized, err := l.initAll(ctx)
	if err != nil {
		l.recordFirstError(err)
	} else {
		l.recordFirstError(l.startAll(ctx))
		l.recordFirstError(l.run(ctx))
		l.recordFirstError(l.stopAll(ctx))
	}

	l.recordFirstError(l.deinitAll(ctx, initialized))
	l.recordFirstError(l.unloadAll(ctx))

	err = l.firstError()
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		errutil.LogError(l.logger, "plugin lifecycle failed", err)
	} else {
		l.logger.Info("plugin lifecycle finished")
	}
	return err
}

// advance moves to the next stage. Stages may be skipped but never revisited.
func (l *Loader) advance(to Stage) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if to <= l.stage {
		return ErrInvalidStage(l.stage, to)
	}
	l.stage = to
	stageGauge.Set(float64(to))
	l.logger.Debug("stage changed", "stage", to.String())
	return nil
}

// load obtains every descriptor, validates the configuration against them
// and computes the execution order. Nothing needs unwinding on failure.
func (l *Loader) load(ctx context.Context) error {
	if err := l.advance(StageLoading); err != nil {
		return err
	}
	ctx, span := l.tracer.Start(ctx, "loader.load")
	defer span.End()

	if len(l.sections) == 0 {
		return oops.In("loader").Code(CodeNoPluginsConfigured).Errorf("no plugins configured")
	}
	if err := checkDuplicates(l.sections); err != nil {
		return err
	}

	descs := make(map[string]*harness.Descriptor)
	reqs := make(map[string][]Requirement)
	var names []string

	for _, s := range l.sections {
		if _, ok := descs[s.Name]; ok {
			continue
		}
		desc, err := l.lookup(ctx, s.Name)
		if err != nil {
			return err
		}
		parsed, err := parseRequirements(desc.Requires)
		if err != nil {
			return oops.In("loader").With("plugin", s.Name).Wrap(err)
		}
		descs[s.Name] = desc
		reqs[s.Name] = parsed
		names = append(names, s.Name)

		l.logger.Debug("loaded plugin",
			"plugin", s.Name,
			"version", desc.Version,
			"abi_version", desc.ABIVersion)
	}

	if err := checkConflicts(names, descs); err != nil {
		return err
	}
	if err := checkVersions(names, descs, reqs); err != nil {
		return err
	}
	if err := checkOptions(l.sections, descs); err != nil {
		return err
	}

	ordered, err := Resolve(l.sections, func(name string) []string {
		deps := make([]string, 0, len(reqs[name]))
		for _, r := range reqs[name] {
			deps = append(deps, r.Name)
		}
		return deps
	})
	if err != nil {
		return err
	}

	order := make([]*instance, 0, len(ordered))
	for _, s := range ordered {
		inst := &instance{section: s, desc: descs[s.Name]}
		if inst.desc.DeclaresReadiness {
			l.readiness.expect(inst.id())
		}
		order = append(order, inst)
	}

	l.mu.Lock()
	l.order = order
	l.mu.Unlock()

	ids := make([]string, 0, len(order))
	for _, inst := range order {
		ids = append(ids, inst.id())
	}
	span.SetAttributes(attribute.StringSlice("order", ids))
	l.logger.Info("resolved plugin order", "order", ids)
	return nil
}

func (l *Loader) lookup(ctx context.Context, name string) (*harness.Descriptor, error) {
	desc, err := l.source.Lookup(ctx, name)
	if err != nil {
		code := CodeLoadFailed
		if errors.Is(err, harness.ErrPluginNotFound) {
			code = CodePluginNotFound
		}
		return nil, oops.In("loader").Code(code).With("plugin", name).Wrap(err)
	}
	if err := desc.Validate(); err != nil {
		return nil, oops.In("loader").Code(CodeInvalidDescriptor).With("plugin", name).Wrap(err)
	}
	if desc.Name != name {
		return nil, oops.In("loader").Code(CodeInvalidDescriptor).
			With("plugin", name).
			With("descriptor_name", desc.Name).
			Errorf("lookup of %s returned descriptor %s", name, desc.Name)
	}
	if err := checkABI(desc); err != nil {
		return nil, err
	}
	if err := checkArch(desc); err != nil {
		return nil, err
	}
	return desc, nil
}

// initAll calls init in execution order and stops at the first failure. It
// returns the length of the successfully initialized prefix; instances
// without init count as initialized.
func (l *Loader) initAll(ctx context.Context) (int, error) {
	if err := l.advance(StageInitializing); err != nil {
		return 0, err
	}
	ctx, span := l.tracer.Start(ctx, "loader.init")
	defer span.End()

	for i, inst := range l.order {
		if inst.desc.Init == nil {
			continue
		}
		env := l.newEnv(inst, false)
		l.invoke(ctx, phaseInit, inst, inst.desc.Init, env)
		if err := env.Err(); err != nil {
			span.SetStatus(codes.Error, err.Error())
			return i, pluginFailure(CodeInitFailed, inst.id(), err)
		}
	}
	return len(l.order), nil
}

// startAll creates the persistent environment of every instance with a start
// callback, then spawns one worker per instance. It returns only after every
// environment exists and every worker has been spawned, so stop always has
// an environment to signal.
func (l *Loader) startAll(ctx context.Context) error {
	if err := l.advance(StageStarting); err != nil {
		return err
	}

	var started []*instance
	for _, inst := range l.order {
		if inst.desc.Start == nil {
			continue
		}
		inst.env = l.newEnv(inst, true)
		started = append(started, inst)
	}

	for _, inst := range started {
		l.pool.Spawn(inst.id(), func() error {
			l.invoke(ctx, phaseStart, inst, inst.desc.Start, inst.env)
			return pluginFailure(CodeStartFailed, inst.id(), inst.env.Err())
		})
	}

	l.logger.Info("started plugins", "workers", len(started))
	return nil
}

// run blocks until shutdown is requested, ctx is cancelled, or the first
// start callback returns.
func (l *Loader) run(ctx context.Context) error {
	if err := l.advance(StageRunning); err != nil {
		return err
	}
	l.readiness.arm()

	l.exitCh = make(chan firstExit, 1)
	go func() {
		exit, allDone := l.pool.WaitFirstExit()
		l.exitCh <- firstExit{exit: exit, allDone: allDone}
	}()

	select {
	case <-ctx.Done():
		l.logger.Info("context cancelled, stopping plugins")
	case <-l.shutdown:
		l.logger.Info("shutdown requested, stopping plugins")
	case fe := <-l.exitCh:
		l.exitObserved = true
		switch {
		case fe.exit.Instance == "":
			l.logger.Info("no plugin running, stopping")
		case fe.exit.Err != nil:
			l.logger.Warn("plugin failed, stopping plugins", "plugin", fe.exit.Instance, "error", fe.exit.Err)
		default:
			l.logger.Info("plugin finished, stopping plugins", "plugin", fe.exit.Instance)
		}
	}
	return nil
}

// stopAll clears every running flag, calls every stop callback and joins all
// workers. It runs at most once.
func (l *Loader) stopAll(ctx context.Context) error {
	var err error
	l.stopOnce.Do(func() {
		err = l.doStopAll(ctx)
	})
	return err
}

func (l *Loader) doStopAll(ctx context.Context) error {
	if err := l.advance(StageStopping); err != nil {
		return err
	}
	ctx, span := l.tracer.Start(ctx, "loader.stop")
	defer span.End()
	l.readiness.disarm()

	for _, inst := range l.order {
		if inst.env != nil {
			inst.env.ClearRunning()
		}
	}

	// stop may run before, during or after the instance's start.
	for _, inst := range slices.Backward(l.order) {
		if inst.desc.Stop == nil {
			continue
		}
		env := l.newEnv(inst, false)
		l.invoke(ctx, phaseStop, inst, inst.desc.Stop, env)
		if err := env.Err(); err != nil {
			errutil.LogError(l.logger, "plugin stop failed",
				oops.In("loader").With("plugin", inst.id()).Wrap(err))
		}
	}

	if l.exitCh != nil && !l.exitObserved {
		<-l.exitCh
		l.exitObserved = true
	}
	startErr := l.pool.WaitAllExit()
	l.pool.JoinAll()

	l.logger.Info("all plugin workers joined")
	return startErr
}

// deinitAll calls deinit in reverse order over the first initialized
// instances. Failures are logged and never stop the walk.
func (l *Loader) deinitAll(ctx context.Context, initialized int) error {
	if err := l.advance(StageDeinitializing); err != nil {
		return err
	}
	ctx, span := l.tracer.Start(ctx, "loader.deinit")
	defer span.End()

	for i := initialized - 1; i >= 0; i-- {
		inst := l.order[i]
		if inst.desc.Deinit == nil {
			continue
		}
		env := l.newEnv(inst, false)
		l.invoke(ctx, phaseDeinit, inst, inst.desc.Deinit, env)
		if err := env.Err(); err != nil {
			errutil.LogError(l.logger, "plugin deinit failed",
				oops.In("loader").With("plugin", inst.id()).Wrap(err))
		}
	}
	return nil
}

// unloadAll is a no-op: plugin code stays resident for the process lifetime.
func (l *Loader) unloadAll(_ context.Context) error {
	if err := l.advance(StageUnloading); err != nil {
		return err
	}
	l.logger.Debug("unload is a no-op")
	return nil
}

func (l *Loader) newEnv(inst *instance, running bool) *harness.Env {
	id := inst.id()
	return harness.NewEnv(l.app, &inst.section, running,
		harness.WithLogger(l.logger.With("plugin", id)),
		harness.WithReadyFunc(func() { l.readiness.markReady(id) }),
	)
}

// invoke calls one plugin callback. A panic escaping the callback is
// recovered and recorded on env as UndefinedError.
func (l *Loader) invoke(ctx context.Context, phase string, inst *instance, cb harness.Callback, env *harness.Env) {
	id := inst.id()
	_, span := l.tracer.Start(ctx, "plugin."+phase,
		trace.WithAttributes(
			attribute.String("plugin", id),
			attribute.String("phase", phase),
		))
	defer span.End()

	l.logger.Debug("calling plugin", "plugin", id, "phase", phase)
	start := time.Now()

	defer func() {
		status := StatusSuccess
		if r := recover(); r != nil {
			status = StatusPanicked
			env.SetError(harness.UndefinedError, "%s panicked: %v", phase, r)
			l.logger.Error("plugin callback panicked",
				"plugin", id,
				"phase", phase,
				"panic", fmt.Sprint(r),
				"stack", string(debug.Stack()))
		} else if env.Err() != nil {
			status = StatusError
		}

		if err := env.Err(); err != nil {
			span.SetStatus(codes.Error, err.Error())
		}
		RecordCallback(id, phase, status, time.Since(start))
		l.logger.Debug("plugin returned", "plugin", id, "phase", phase, "status", status)
	}()

	cb(env)
}

func (l *Loader) recordFirstError(err error) {
	if err == nil {
		return
	}
	l.errMu.Lock()
	defer l.errMu.Unlock()
	if l.firstErr == nil {
		l.firstErr = err
	}
}

func (l *Loader) firstError() error {
	l.errMu.Lock()
	defer l.errMu.Unlock()
	return l.firstErr
}
