// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package loader_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/holomush/harness/internal/loader"
	"github.com/holomush/harness/internal/registry"
	"github.com/holomush/harness/pkg/errutil"
	"github.com/holomush/harness/pkg/harness"
)

// recorder collects "instance:phase" events across goroutines.
type recorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *recorder) add(env *harness.Env, phase string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, env.Section().ID()+":"+phase)
}

func (r *recorder) get() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.calls)
}

func (r *recorder) count(event string) int {
	n := 0
	for _, c := range r.get() {
		if c == event {
			n++
		}
	}
	return n
}

func (r *recorder) index(event string) int {
	return slices.Index(r.get(), event)
}

func record(r *recorder, phase string) harness.Callback {
	return func(env *harness.Env) {
		r.add(env, phase)
	}
}

func fail(r *recorder, phase string, kind harness.ErrorKind) harness.Callback {
	return func(env *harness.Env) {
		r.add(env, phase)
		env.SetError(kind, "%s failed", phase)
	}
}

// loopStart polls the running flag until stop, signalling started once.
func loopStart(r *recorder, started *sync.WaitGroup) harness.Callback {
	return func(env *harness.Env) {
		r.add(env, "start")
		if started != nil {
			started.Done()
		}
		for env.IsRunning() {
			env.WaitForStop(10 * time.Millisecond)
		}
		r.add(env, "exited")
	}
}

func plugin(name string, requires ...string) *harness.Descriptor {
	return &harness.Descriptor{
		Name:       name,
		ABIVersion: harness.ABIVersion,
		Version:    "1.0.0",
		Requires:   requires,
	}
}

func sec(name string) harness.ConfigSection {
	return harness.ConfigSection{Name: name}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newLoader(t *testing.T, descs []*harness.Descriptor, sections []harness.ConfigSection, opts ...loader.Option) *loader.Loader {
	t.Helper()
	reg, err := registry.NewStatic(descs...)
	require.NoError(t, err)
	opts = append([]loader.Option{loader.WithLogger(quietLogger())}, opts...)
	return loader.New(reg, &harness.AppInfo{Program: "harness-test"}, sections, opts...)
}

type sourceFunc func(ctx context.Context, name string) (*harness.Descriptor, error)

func (f sourceFunc) Lookup(ctx context.Context, name string) (*harness.Descriptor, error) {
	return f(ctx, name)
}

func TestLoader_InitAndDeinitFollowDependencyOrder(t *testing.T) {
	defer goleak.VerifyNone(t)

	rec := &recorder{}
	a := plugin("a")
	a.Init, a.Deinit = record(rec, "init"), record(rec, "deinit")
	b := plugin("b", "a")
	b.Init, b.Deinit = record(rec, "init"), record(rec, "deinit")

	l := newLoader(t, []*harness.Descriptor{a, b}, []harness.ConfigSection{sec("b"), sec("a")})

	require.NoError(t, l.Run(context.Background()))
	assert.Equal(t, []string{"a:init", "b:init", "b:deinit", "a:deinit"}, rec.get())
	assert.Equal(t, loader.StageUnloading, l.Stage())
}

func TestLoader_InitFailureOfDependencySkipsDependents(t *testing.T) {
	defer goleak.VerifyNone(t)

	rec := &recorder{}
	a := plugin("a")
	a.Init = fail(rec, "init", harness.RuntimeError)
	a.Start = loopStart(rec, nil)
	a.Stop = record(rec, "stop")
	a.Deinit = record(rec, "deinit")
	b := plugin("b", "a")
	b.Init = record(rec, "init")
	b.Deinit = record(rec, "deinit")

	l := newLoader(t, []*harness.Descriptor{a, b}, []harness.ConfigSection{sec("a"), sec("b")})

	err := l.Run(context.Background())
	require.Error(t, err)
	errutil.AssertErrorCode(t, err, loader.CodeInitFailed)

	var perr *harness.PluginError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, harness.RuntimeError, perr.Kind)
	assert.Equal(t, "a", perr.Plugin)

	assert.Equal(t, []string{"a:init"}, rec.get())
}

func TestLoader_InitFailureDeinitsSucceededPrefixInReverse(t *testing.T) {
	defer goleak.VerifyNone(t)

	rec := &recorder{}
	p1 := plugin("p1")
	p1.Deinit = record(rec, "deinit") // no init: counts as initialized
	p2 := plugin("p2")
	p2.Init, p2.Deinit = record(rec, "init"), record(rec, "deinit")
	p3 := plugin("p3")
	p3.Init, p3.Deinit = fail(rec, "init", harness.ConfigInvalidArgument), record(rec, "deinit")
	p4 := plugin("p4")
	p4.Init, p4.Deinit = record(rec, "init"), record(rec, "deinit")

	l := newLoader(t,
		[]*harness.Descriptor{p1, p2, p3, p4},
		[]harness.ConfigSection{sec("p1"), sec("p2"), sec("p3"), sec("p4")})

	err := l.Run(context.Background())
	require.Error(t, err)

	var perr *harness.PluginError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, harness.ConfigInvalidArgument, perr.Kind)

	assert.Equal(t, []string{"p2:init", "p3:init", "p2:deinit", "p1:deinit"}, rec.get())
}

func TestLoader_ShutdownStopsEveryLoopingPlugin(t *testing.T) {
	defer goleak.VerifyNone(t)

	rec := &recorder{}
	var started sync.WaitGroup
	started.Add(3)

	var descs []*harness.Descriptor
	var sections []harness.ConfigSection
	for _, name := range []string{"one", "two", "three"} {
		d := plugin(name)
		d.Start = loopStart(rec, &started)
		d.Stop = record(rec, "stop")
		d.Deinit = record(rec, "deinit")
		descs = append(descs, d)
		sections = append(sections, sec(name))
	}

	l := newLoader(t, descs, sections)

	done := make(chan error, 1)
	go func() { done <- l.Run(context.Background()) }()

	started.Wait()
	l.RequestShutdown()
	l.RequestShutdown()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("loader did not stop")
	}

	firstDeinit := rec.index("three:deinit")
	require.GreaterOrEqual(t, firstDeinit, 0)
	for _, name := range []string{"one", "two", "three"} {
		assert.Equal(t, 1, rec.count(name+":stop"), "stop calls for %s", name)
		exited := rec.index(name + ":exited")
		require.GreaterOrEqual(t, exited, 0, "%s worker never returned", name)
		assert.Less(t, exited, firstDeinit, "%s joined after deinit began", name)
	}
}

func TestLoader_StopRunsInReverseOrder(t *testing.T) {
	defer goleak.VerifyNone(t)

	rec := &recorder{}
	db := plugin("db")
	cache := plugin("cache", "db")
	api := plugin("api", "cache")
	for _, d := range []*harness.Descriptor{db, cache, api} {
		d.Start = loopStart(rec, nil)
		d.Stop = record(rec, "stop")
	}

	l := newLoader(t, []*harness.Descriptor{db, cache, api},
		[]harness.ConfigSection{sec("api"), sec("cache"), sec("db")})

	done := make(chan error, 1)
	go func() { done <- l.Run(context.Background()) }()
	require.Eventually(t, func() bool { return l.Stage() == loader.StageRunning }, time.Second, 5*time.Millisecond)
	l.RequestShutdown()
	require.NoError(t, <-done)

	var stops []string
	for _, c := range rec.get() {
		if strings.HasSuffix(c, ":stop") {
			stops = append(stops, c)
		}
	}
	assert.Equal(t, []string{"api:stop", "cache:stop", "db:stop"}, stops)
}

func TestLoader_StartFailureStopsAllPlugins(t *testing.T) {
	defer goleak.VerifyNone(t)

	rec := &recorder{}
	var started sync.WaitGroup
	started.Add(2)

	good1 := plugin("good1")
	good1.Start = loopStart(rec, &started)
	good1.Stop = record(rec, "stop")
	good1.Deinit = record(rec, "deinit")

	good2 := plugin("good2")
	good2.Start = loopStart(rec, &started)
	good2.Stop = record(rec, "stop")
	good2.Deinit = record(rec, "deinit")

	bad := plugin("bad")
	bad.Start = func(env *harness.Env) {
		started.Wait()
		rec.add(env, "start")
		env.SetError(harness.RuntimeError, "listener closed")
	}
	bad.Stop = record(rec, "stop")
	bad.Deinit = record(rec, "deinit")

	l := newLoader(t,
		[]*harness.Descriptor{good1, good2, bad},
		[]harness.ConfigSection{sec("good1"), sec("good2"), sec("bad")})

	err := l.Run(context.Background())
	require.Error(t, err)
	errutil.AssertErrorCode(t, err, loader.CodeStartFailed)
	assert.Contains(t, err.Error(), "listener closed")

	firstDeinit := rec.index("bad:deinit")
	require.GreaterOrEqual(t, firstDeinit, 0)
	for _, name := range []string{"good1", "good2", "bad"} {
		assert.Equal(t, 1, rec.count(name+":stop"), "stop calls for %s", name)
	}
	for _, name := range []string{"good1", "good2"} {
		assert.Less(t, rec.index(name+":exited"), firstDeinit)
	}
}

func TestLoader_FirstStartErrorWins(t *testing.T) {
	defer goleak.VerifyNone(t)

	first := plugin("first")
	first.Start = func(env *harness.Env) {
		env.SetError(harness.RuntimeError, "first failure")
	}
	second := plugin("second")
	second.Start = func(env *harness.Env) {
		env.WaitForStop(0)
		env.SetError(harness.RuntimeError, "second failure")
	}

	l := newLoader(t,
		[]*harness.Descriptor{first, second},
		[]harness.ConfigSection{sec("first"), sec("second")})

	err := l.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "first failure")
	assert.NotContains(t, err.Error(), "second failure")
}

func TestLoader_ConcurrentStopTriggersRunStopOnce(t *testing.T) {
	defer goleak.VerifyNone(t)

	for range 25 {
		rec := &recorder{}
		var l *loader.Loader

		p := plugin("racer")
		p.Start = func(*harness.Env) {
			// Worker exit and external shutdown race each other.
			l.RequestShutdown()
		}
		p.Stop = record(rec, "stop")

		l = newLoader(t, []*harness.Descriptor{p}, []harness.ConfigSection{sec("racer")})
		require.NoError(t, l.Run(context.Background()))
		assert.Equal(t, 1, rec.count("racer:stop"))
	}
}

func TestLoader_ContextCancellationStopsRun(t *testing.T) {
	defer goleak.VerifyNone(t)

	rec := &recorder{}
	var started sync.WaitGroup
	started.Add(1)

	p := plugin("svc")
	p.Start = loopStart(rec, &started)
	p.Stop = record(rec, "stop")

	l := newLoader(t, []*harness.Descriptor{p}, []harness.ConfigSection{sec("svc")})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	started.Wait()
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("loader did not stop")
	}
	assert.Equal(t, 1, rec.count("svc:stop"))
}

func TestLoader_StartMayClearItsOwnRunningFlag(t *testing.T) {
	defer goleak.VerifyNone(t)

	rec := &recorder{}
	p := plugin("oneshot")
	p.Start = func(env *harness.Env) {
		env.ClearRunning()
		if env.WaitForStop(0) {
			rec.add(env, "woken")
		}
	}
	p.Stop = record(rec, "stop")

	l := newLoader(t, []*harness.Descriptor{p}, []harness.ConfigSection{sec("oneshot")})

	require.NoError(t, l.Run(context.Background()))
	assert.Equal(t, []string{"oneshot:woken", "oneshot:stop"}, rec.get())
}

func TestLoader_NoStartCallbacksEndsRunImmediately(t *testing.T) {
	defer goleak.VerifyNone(t)

	rec := &recorder{}
	p := plugin("static")
	p.Init, p.Stop, p.Deinit = record(rec, "init"), record(rec, "stop"), record(rec, "deinit")

	l := newLoader(t, []*harness.Descriptor{p}, []harness.ConfigSection{sec("static")})

	require.NoError(t, l.Run(context.Background()))
	assert.Equal(t, []string{"static:init", "static:stop", "static:deinit"}, rec.get())
}

func TestLoader_PanicInInitBecomesUndefinedError(t *testing.T) {
	defer goleak.VerifyNone(t)

	p := plugin("boom")
	p.Init = func(*harness.Env) {
		panic("nil map write")
	}

	l := newLoader(t, []*harness.Descriptor{p}, []harness.ConfigSection{sec("boom")})

	err := l.Run(context.Background())
	require.Error(t, err)
	errutil.AssertErrorCode(t, err, loader.CodeInitFailed)

	var perr *harness.PluginError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, harness.UndefinedError, perr.Kind)
	assert.Contains(t, perr.Message, "init panicked: nil map write")
}

func TestLoader_PanicInStartBecomesUndefinedError(t *testing.T) {
	defer goleak.VerifyNone(t)

	rec := &recorder{}
	p := plugin("boom")
	p.Start = func(*harness.Env) {
		panic("index out of range")
	}
	p.Stop = record(rec, "stop")

	l := newLoader(t, []*harness.Descriptor{p}, []harness.ConfigSection{sec("boom")})

	err := l.Run(context.Background())
	require.Error(t, err)
	errutil.AssertErrorCode(t, err, loader.CodeStartFailed)

	var perr *harness.PluginError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, harness.UndefinedError, perr.Kind)
	assert.Equal(t, 1, rec.count("boom:stop"))
}

func TestLoader_StopAndDeinitErrorsDoNotSurface(t *testing.T) {
	defer goleak.VerifyNone(t)

	rec := &recorder{}
	first := plugin("first")
	first.Stop = fail(rec, "stop", harness.RuntimeError)
	first.Deinit = record(rec, "deinit")
	second := plugin("second", "first")
	second.Deinit = func(env *harness.Env) {
		rec.add(env, "deinit")
		panic("deinit exploded")
	}

	l := newLoader(t,
		[]*harness.Descriptor{first, second},
		[]harness.ConfigSection{sec("first"), sec("second")})

	require.NoError(t, l.Run(context.Background()))
	assert.Equal(t, []string{"first:stop", "second:deinit", "first:deinit"}, rec.get())
}

func TestLoader_MultipleInstancesOfOneType(t *testing.T) {
	defer goleak.VerifyNone(t)

	rec := &recorder{}
	router := plugin("router")
	router.Init = record(rec, "init")
	meta := plugin("meta", "router")
	meta.Init = record(rec, "init")

	sections := []harness.ConfigSection{
		sec("meta"),
		{Name: "router", Key: "rw"},
		{Name: "router", Key: "ro"},
	}
	l := newLoader(t, []*harness.Descriptor{router, meta}, sections)

	require.NoError(t, l.Run(context.Background()))
	assert.Equal(t, []string{"router:rw:init", "router:ro:init", "meta:init"}, rec.get())
	assert.Equal(t, []string{"router:rw", "router:ro", "meta"}, l.Status().Order)
}

func TestLoader_RunTwiceFails(t *testing.T) {
	l := newLoader(t, []*harness.Descriptor{plugin("a")}, []harness.ConfigSection{sec("a")})

	require.NoError(t, l.Run(context.Background()))
	errutil.AssertErrorCode(t, l.Run(context.Background()), loader.CodeAlreadyRun)
}

func TestLoader_LoadFailuresCallNoCallbacks(t *testing.T) {
	newer := plugin("newer")
	newer.ABIVersion = "2.9"
	older := plugin("older")
	older.ABIVersion = "1.0"
	foreign := plugin("foreign")
	foreign.ArchTag = "plan9/mips"
	opts := plugin("opts")
	opts.SupportedOptions = []string{"interval", "tls.*"}
	fussy := plugin("fussy")
	fussy.Conflicts = []string{"a"}

	tests := []struct {
		name     string
		descs    []*harness.Descriptor
		sections []harness.ConfigSection
		code     string
	}{
		{
			name:  "dependency cycle",
			descs: []*harness.Descriptor{plugin("x", "y"), plugin("y", "x")},
			sections: []harness.ConfigSection{
				sec("x"), sec("y"),
			},
			code: loader.CodeDependencyCycle,
		},
		{
			name:     "unresolved dependency",
			descs:    []*harness.Descriptor{plugin("x", "missing")},
			sections: []harness.ConfigSection{sec("x")},
			code:     loader.CodeUnresolvedDependency,
		},
		{
			name:     "unknown plugin",
			descs:    []*harness.Descriptor{plugin("a")},
			sections: []harness.ConfigSection{sec("a"), sec("ghost")},
			code:     loader.CodePluginNotFound,
		},
		{
			name:     "newer minor abi",
			descs:    []*harness.Descriptor{newer},
			sections: []harness.ConfigSection{sec("newer")},
			code:     loader.CodeABIMismatch,
		},
		{
			name:     "other major abi",
			descs:    []*harness.Descriptor{older},
			sections: []harness.ConfigSection{sec("older")},
			code:     loader.CodeABIMismatch,
		},
		{
			name:     "foreign arch",
			descs:    []*harness.Descriptor{foreign},
			sections: []harness.ConfigSection{sec("foreign")},
			code:     loader.CodeArchMismatch,
		},
		{
			name:     "conflicting plugins",
			descs:    []*harness.Descriptor{plugin("a"), fussy},
			sections: []harness.ConfigSection{sec("a"), sec("fussy")},
			code:     loader.CodeConflict,
		},
		{
			name:     "version constraint not met",
			descs:    []*harness.Descriptor{plugin("a"), plugin("b", "a (>=2.0)")},
			sections: []harness.ConfigSection{sec("a"), sec("b")},
			code:     loader.CodeVersionMismatch,
		},
		{
			name:     "malformed requirement",
			descs:    []*harness.Descriptor{plugin("a"), plugin("b", "a (>=2.0")},
			sections: []harness.ConfigSection{sec("a"), sec("b")},
			code:     loader.CodeInvalidRequirement,
		},
		{
			name:  "unsupported option",
			descs: []*harness.Descriptor{opts},
			sections: []harness.ConfigSection{
				{Name: "opts", Options: map[string]string{"interval": "5s", "color": "red"}},
			},
			code: loader.CodeUnsupportedOption,
		},
		{
			name:     "duplicate instance",
			descs:    []*harness.Descriptor{plugin("a")},
			sections: []harness.ConfigSection{{Name: "a", Key: "k"}, {Name: "a", Key: "k"}},
			code:     loader.CodeDuplicateInstance,
		},
		{
			name:  "no plugins configured",
			descs: []*harness.Descriptor{plugin("a")},
			code:  loader.CodeNoPluginsConfigured,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &recorder{}
			for _, d := range tt.descs {
				d.Init, d.Start, d.Stop, d.Deinit = record(rec, "init"), record(rec, "start"), record(rec, "stop"), record(rec, "deinit")
			}

			l := newLoader(t, tt.descs, tt.sections)
			err := l.Run(context.Background())

			require.Error(t, err)
			errutil.AssertErrorCode(t, err, tt.code)
			assert.Empty(t, rec.get())
			assert.Equal(t, loader.StageLoading, l.Stage())
		})
	}
}

func TestLoader_SupportedOptionPatterns(t *testing.T) {
	opts := plugin("opts")
	opts.SupportedOptions = []string{"interval", "tls.*"}

	l := newLoader(t, []*harness.Descriptor{opts}, []harness.ConfigSection{
		{Name: "opts", Options: map[string]string{"interval": "5s", "tls.cert": "/etc/cert.pem"}},
	})

	require.NoError(t, l.Run(context.Background()))
}

func TestLoader_SourceErrors(t *testing.T) {
	app := &harness.AppInfo{}

	t.Run("lookup failure", func(t *testing.T) {
		src := sourceFunc(func(context.Context, string) (*harness.Descriptor, error) {
			return nil, errors.New("permission denied")
		})
		err := loader.New(src, app, []harness.ConfigSection{sec("a")}, loader.WithLogger(quietLogger())).
			Run(context.Background())
		errutil.AssertErrorCode(t, err, loader.CodeLoadFailed)
	})

	t.Run("descriptor under another name", func(t *testing.T) {
		src := sourceFunc(func(context.Context, string) (*harness.Descriptor, error) {
			return plugin("b"), nil
		})
		err := loader.New(src, app, []harness.ConfigSection{sec("a")}, loader.WithLogger(quietLogger())).
			Run(context.Background())
		errutil.AssertErrorCode(t, err, loader.CodeInvalidDescriptor)
	})

	t.Run("invalid descriptor", func(t *testing.T) {
		src := sourceFunc(func(context.Context, string) (*harness.Descriptor, error) {
			return &harness.Descriptor{Name: "a"}, nil
		})
		err := loader.New(src, app, []harness.ConfigSection{sec("a")}, loader.WithLogger(quietLogger())).
			Run(context.Background())
		errutil.AssertErrorCode(t, err, loader.CodeInvalidDescriptor)
	})
}

func TestLoader_EnvCarriesAppInfoAndSection(t *testing.T) {
	var gotProgram, gotOption string
	var gotRunning bool

	p := plugin("inspected")
	p.Init = func(env *harness.Env) {
		gotProgram = env.AppInfo().Program
		gotOption = env.Section().GetDefault("greeting", "")
		gotRunning = env.IsRunning()
	}

	l := newLoader(t, []*harness.Descriptor{p}, []harness.ConfigSection{
		{Name: "inspected", Options: map[string]string{"greeting": "hello"}},
	})

	require.NoError(t, l.Run(context.Background()))
	assert.Equal(t, "harness-test", gotProgram)
	assert.Equal(t, "hello", gotOption)
	assert.False(t, gotRunning, "init runs with the running flag cleared")
}

func TestLoader_Readiness(t *testing.T) {
	defer goleak.VerifyNone(t)

	ready := make(chan struct{})
	var hookCalls int

	srv := plugin("srv")
	srv.DeclaresReadiness = true
	srv.Start = func(env *harness.Env) {
		env.SetReady()
		env.SetReady()
		env.WaitForStop(0)
	}
	bg := plugin("bg")
	bg.Start = func(env *harness.Env) {
		env.WaitForStop(0)
	}

	l := newLoader(t,
		[]*harness.Descriptor{srv, bg},
		[]harness.ConfigSection{sec("srv"), sec("bg")},
		loader.WithReadyHook(func() {
			hookCalls++
			close(ready)
		}))

	assert.False(t, l.Ready())

	done := make(chan error, 1)
	go func() { done <- l.Run(context.Background()) }()

	<-ready
	assert.Eventually(t, l.Ready, time.Second, 5*time.Millisecond)

	st := l.Status()
	assert.Equal(t, "running", st.Stage)
	assert.True(t, st.Ready)
	assert.Empty(t, st.PendingReady)
	assert.Equal(t, 2, st.Workers)
	assert.Equal(t, 2, st.WorkersSpawned)
	assert.NotEmpty(t, st.RunID)
	assert.Equal(t, []string{"srv", "bg"}, st.Order)

	l.RequestShutdown()
	require.NoError(t, <-done)
	assert.Equal(t, 1, hookCalls)
	assert.False(t, l.Ready())
}

func TestLoader_ReadinessFromInitWaitsForRunPhase(t *testing.T) {
	defer goleak.VerifyNone(t)

	var l *loader.Loader
	var hookStage loader.Stage

	a := plugin("a")
	a.DeclaresReadiness = true
	a.Init = func(env *harness.Env) { env.SetReady() }
	a.Start = func(env *harness.Env) { env.WaitForStop(0) }

	fired := make(chan struct{})
	l = newLoader(t, []*harness.Descriptor{a}, []harness.ConfigSection{sec("a")},
		loader.WithReadyHook(func() {
			hookStage = l.Stage()
			close(fired)
		}))

	done := make(chan error, 1)
	go func() { done <- l.Run(context.Background()) }()

	select {
	case <-fired:
	case <-time.After(5 * time.Second):
		t.Fatal("ready hook never fired")
	}
	l.RequestShutdown()
	require.NoError(t, <-done)
	assert.Equal(t, loader.StageRunning, hookStage)
}

func TestLoader_ReadyHookSkippedWhenLaterInitFails(t *testing.T) {
	defer goleak.VerifyNone(t)

	rec := &recorder{}
	a := plugin("a")
	a.DeclaresReadiness = true
	a.Init = func(env *harness.Env) {
		rec.add(env, "init")
		env.SetReady()
	}
	b := plugin("b", "a")
	b.Init = fail(rec, "init", harness.RuntimeError)

	l := newLoader(t, []*harness.Descriptor{a, b}, []harness.ConfigSection{sec("a"), sec("b")},
		loader.WithReadyHook(func() { t.Error("ready hook fired for a failed run") }))

	err := l.Run(context.Background())
	require.Error(t, err)
	errutil.AssertErrorCode(t, err, loader.CodeInitFailed)
	assert.Equal(t, []string{"a:init", "b:init"}, rec.get())
	assert.False(t, l.Ready())
}

func TestLoader_StatusCountsLiveWorkers(t *testing.T) {
	defer goleak.VerifyNone(t)

	var l *loader.Loader
	var during loader.Status
	release := make(chan struct{})

	short := plugin("short")
	short.Start = func(*harness.Env) {}
	long := plugin("long")
	long.Start = func(*harness.Env) { <-release }
	long.Stop = func(*harness.Env) {
		during = l.Status()
		close(release)
	}

	l = newLoader(t, []*harness.Descriptor{short, long}, []harness.ConfigSection{sec("short"), sec("long")})
	require.NoError(t, l.Run(context.Background()))

	assert.Equal(t, "stopping", during.Stage)
	assert.Equal(t, 1, during.Workers, "only the blocked start is still running")
	assert.Equal(t, 2, during.WorkersSpawned)

	after := l.Status()
	assert.Equal(t, 0, after.Workers)
	assert.Equal(t, 2, after.WorkersSpawned)
}

func TestLoader_ReadinessPending(t *testing.T) {
	defer goleak.VerifyNone(t)

	var started sync.WaitGroup
	started.Add(1)

	slow := plugin("slow")
	slow.DeclaresReadiness = true
	slow.Start = func(env *harness.Env) {
		started.Done()
		env.WaitForStop(0)
	}

	l := newLoader(t, []*harness.Descriptor{slow}, []harness.ConfigSection{sec("slow")},
		loader.WithReadyHook(func() { t.Error("ready hook fired without readiness") }))

	done := make(chan error, 1)
	go func() { done <- l.Run(context.Background()) }()

	started.Wait()
	assert.Eventually(t, func() bool { return l.Stage() == loader.StageRunning }, time.Second, 5*time.Millisecond)
	st := l.Status()
	assert.False(t, st.Ready)
	assert.Equal(t, []string{"slow"}, st.PendingReady)

	l.RequestShutdown()
	require.NoError(t, <-done)
}

func TestLoader_ReadyHookFiresWithoutDeclaringPlugins(t *testing.T) {
	defer goleak.VerifyNone(t)

	fired := make(chan struct{})
	p := plugin("plain")
	p.Start = func(env *harness.Env) {
		env.WaitForStop(0)
	}

	l := newLoader(t, []*harness.Descriptor{p}, []harness.ConfigSection{sec("plain")},
		loader.WithReadyHook(func() { close(fired) }))

	done := make(chan error, 1)
	go func() { done <- l.Run(context.Background()) }()

	select {
	case <-fired:
	case <-time.After(5 * time.Second):
		t.Fatal("ready hook never fired")
	}
	l.RequestShutdown()
	require.NoError(t, <-done)
}

func TestLoader_ShutdownBeforeRun(t *testing.T) {
	defer goleak.VerifyNone(t)

	rec := &recorder{}
	p := plugin("svc")
	p.Start = loopStart(rec, nil)
	p.Stop = record(rec, "stop")

	l := newLoader(t, []*harness.Descriptor{p}, []harness.ConfigSection{sec("svc")})
	l.RequestShutdown()

	require.NoError(t, l.Run(context.Background()))
	assert.Equal(t, 1, rec.count("svc:stop"))
}

func TestLoader_RecordsCallbackMetrics(t *testing.T) {
	p := plugin("metered")
	p.Init = func(*harness.Env) {}
	p.Start = func(env *harness.Env) {
		env.SetError(harness.RuntimeError, "exit")
	}

	before := testutil.ToFloat64(loader.CallbacksTotal.WithLabelValues("metered", "init", loader.StatusSuccess))
	beforeErr := testutil.ToFloat64(loader.CallbacksTotal.WithLabelValues("metered", "start", loader.StatusError))

	l := newLoader(t, []*harness.Descriptor{p}, []harness.ConfigSection{sec("metered")})
	require.Error(t, l.Run(context.Background()))

	assert.Equal(t, before+1, testutil.ToFloat64(loader.CallbacksTotal.WithLabelValues("metered", "init", loader.StatusSuccess)))
	assert.Equal(t, beforeErr+1, testutil.ToFloat64(loader.CallbacksTotal.WithLabelValues("metered", "start", loader.StatusError)))
}

func TestStage_String(t *testing.T) {
	stages := []loader.Stage{
		loader.StageUnset, loader.StageLoading, loader.StageInitializing, loader.StageStarting,
		loader.StageRunning, loader.StageStopping, loader.StageDeinitializing, loader.StageUnloading,
	}
	var names []string
	for _, s := range stages {
		names = append(names, s.String())
	}
	assert.Equal(t, "unset loading initializing starting running stopping deinitializing unloading", strings.Join(names, " "))
	assert.Equal(t, "unknown", loader.Stage(99).String())
}
