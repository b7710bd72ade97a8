// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

//go:build integration

package integration

import (
	"context"
	"errors"
	"os"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2" //nolint:revive // ginkgo convention
	. "github.com/onsi/gomega"    //nolint:revive // gomega convention
	"github.com/samber/oops"

	"github.com/holomush/harness/internal/control"
	"github.com/holomush/harness/internal/loader"
	"github.com/holomush/harness/internal/plugin"
	"github.com/holomush/harness/internal/plugin/lua"
	"github.com/holomush/harness/internal/registry"
	"github.com/holomush/harness/pkg/harness"
	"github.com/holomush/harness/plugins/keepalive"
)

const storeManifest = `
name: store
version: 1.2.0
declares-readiness: true
capabilities: [lifecycle.ready]
lua-plugin:
  entry: main.lua
`

const storeCode = `
function init() harness.log("info", "store init") end
function start()
    harness.set_ready()
    harness.wait_for_stop()
    harness.log("info", "store start returned")
end
function stop() harness.log("info", "store stop") end
function deinit() harness.log("info", "store deinit") end
`

const apiManifest = `
name: api
version: 0.3.0
requires: ["store (>=1.0, <2.0)"]
supported-options: ["listen.*"]
capabilities: [config.read]
lua-plugin:
  entry: main.lua
`

const apiCode = `
function init()
    local addr, err = harness.option("listen.addr")
    if err ~= nil then
        harness.set_error("config_invalid_argument", err)
        return
    end
    harness.log("info", "api init " .. addr)
end
function start() harness.wait_for_stop() end
function stop() harness.log("info", "api stop") end
function deinit() harness.log("info", "api deinit") end
`

// harnessEnv is a loader wired the way cmd/harness wires it.
type harnessEnv struct {
	ctx     context.Context
	cancel  context.CancelFunc
	logs    *logBuffer
	manager *plugin.Manager
	source  registry.Registry
}

func newHarnessEnv(pluginDir string) *harnessEnv {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	logs := &logBuffer{}
	logger := newLogger(logs)

	mgr := plugin.NewManager(pluginDir,
		plugin.WithLuaHost(lua.NewHost(nil, lua.WithLogger(logger))),
		plugin.WithManagerLogger(logger))
	Expect(mgr.LoadAll(ctx)).To(Succeed())

	builtins, err := registry.NewStatic(keepalive.Descriptor())
	Expect(err).NotTo(HaveOccurred())

	return &harnessEnv{
		ctx:     ctx,
		cancel:  cancel,
		logs:    logs,
		manager: mgr,
		source:  registry.Chain{builtins, mgr},
	}
}

func (e *harnessEnv) loader(sections ...harness.ConfigSection) *loader.Loader {
	return loader.New(e.source, &harness.AppInfo{Program: "harness-it"}, sections,
		loader.WithLogger(newLogger(e.logs)))
}

func (e *harnessEnv) close() {
	_ = e.manager.Close(context.Background())
	e.cancel()
}

// runAsync starts l.Run and returns the channel receiving its result.
func runAsync(ctx context.Context, l *loader.Loader) <-chan error {
	errCh := make(chan error, 1)
	go func() { errCh <- l.Run(ctx) }()
	return errCh
}

// position returns the offset of msg in the logs, failing when absent.
func position(logs, msg string) int {
	i := strings.Index(logs, msg)
	Expect(i).To(BeNumerically(">=", 0), "log %q not found", msg)
	return i
}

var _ = Describe("Plugin lifecycle", func() {
	var env *harnessEnv

	BeforeEach(func() {
		dir := GinkgoT().TempDir()
		writePlugin(dir, "store", storeManifest, storeCode)
		writePlugin(dir, "api", apiManifest, apiCode)
		env = newHarnessEnv(dir)
	})

	AfterEach(func() {
		env.close()
	})

	It("runs Lua plugins in dependency order and tears them down in reverse", func() {
		l := env.loader(
			harness.ConfigSection{Name: "api", Options: map[string]string{"listen.addr": ":8080"}},
			harness.ConfigSection{Name: "store"},
		)

		errCh := runAsync(env.ctx, l)
		Eventually(l.Ready, 5*time.Second).Should(BeTrue())
		Expect(l.Status().Order).To(Equal([]string{"store", "api"}))

		l.RequestShutdown()
		Eventually(errCh, 5*time.Second).Should(Receive(BeNil()))
		Expect(l.Stage()).To(Equal(loader.StageUnloading))

		logs := env.logs.String()
		Expect(position(logs, "store init")).To(BeNumerically("<", position(logs, "api init :8080")))
		Expect(position(logs, "api stop")).To(BeNumerically("<", position(logs, "store stop")))
		Expect(position(logs, "api deinit")).To(BeNumerically("<", position(logs, "store deinit")))
		Expect(logs).To(ContainSubstring("store start returned"))
	})

	It("stops at the failing init and deinitializes nothing after it", func() {
		l := env.loader(harness.ConfigSection{Name: "store"}, harness.ConfigSection{Name: "api"})

		err := l.Run(env.ctx)
		Expect(err).To(HaveOccurred())

		var perr *harness.PluginError
		Expect(errors.As(err, &perr)).To(BeTrue())
		Expect(perr.Plugin).To(Equal("api"))
		Expect(perr.Kind).To(Equal(harness.ConfigInvalidArgument))

		oopsErr, ok := oops.AsOops(err)
		Expect(ok).To(BeTrue())
		Expect(oopsErr.Code()).To(Equal(loader.CodeInitFailed))

		logs := env.logs.String()
		Expect(logs).To(ContainSubstring("store init"))
		Expect(logs).To(ContainSubstring("store deinit"))
		Expect(logs).NotTo(ContainSubstring("api deinit"))
		Expect(logs).NotTo(ContainSubstring("store stop"))
	})

	It("rejects options a plugin does not support before any init", func() {
		l := env.loader(harness.ConfigSection{Name: "api", Options: map[string]string{"port": "1"}})

		err := l.Run(env.ctx)
		Expect(err).To(HaveOccurred())
		oopsErr, ok := oops.AsOops(err)
		Expect(ok).To(BeTrue())
		Expect(oopsErr.Code()).To(Equal(loader.CodeUnsupportedOption))
		Expect(env.logs.String()).NotTo(ContainSubstring("store init"))
	})

	It("reports unknown plugin types", func() {
		err := env.loader(harness.ConfigSection{Name: "ghost"}).Run(env.ctx)
		Expect(err).To(HaveOccurred())
		oopsErr, ok := oops.AsOops(err)
		Expect(ok).To(BeTrue())
		Expect(oopsErr.Code()).To(Equal(loader.CodePluginNotFound))
	})

	It("mixes built-in and Lua plugins", func() {
		l := env.loader(
			harness.ConfigSection{Name: "store"},
			harness.ConfigSection{Name: keepalive.Name, Options: map[string]string{"interval": "5ms", "runs": "2"}},
		)

		Eventually(runAsync(env.ctx, l), 5*time.Second).Should(Receive(BeNil()))
		logs := env.logs.String()
		Expect(logs).To(ContainSubstring("keepalive finished"))
		Expect(logs).To(ContainSubstring("store stop"))
		Expect(logs).To(ContainSubstring("store deinit"))
	})
})

var _ = Describe("Control socket", func() {
	var env *harnessEnv

	BeforeEach(func() {
		runtimeDir, err := os.MkdirTemp("/tmp", "harness-it-*")
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(func() { _ = os.RemoveAll(runtimeDir) })
		GinkgoT().Setenv("XDG_RUNTIME_DIR", runtimeDir)

		dir := GinkgoT().TempDir()
		writePlugin(dir, "store", storeManifest, storeCode)
		env = newHarnessEnv(dir)
		DeferCleanup(env.close)
	})

	It("serves the loader status and drives shutdown", func() {
		l := env.loader(harness.ConfigSection{Name: "store"})
		srv := control.NewServer("it", l.RequestShutdown, control.WithStatus(l.Status))
		Expect(srv.Start()).To(Succeed())
		DeferCleanup(func() { _ = srv.Stop(context.Background()) })

		errCh := runAsync(env.ctx, l)
		Eventually(l.Ready, 5*time.Second).Should(BeTrue())

		client, err := control.NewClient("it")
		Expect(err).NotTo(HaveOccurred())

		status, err := client.Status(env.ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(status.Loader).NotTo(BeNil())
		Expect(status.Loader.Stage).To(Equal("running"))
		Expect(status.Loader.Ready).To(BeTrue())
		Expect(status.Loader.RunID).NotTo(BeEmpty())

		_, err = client.Shutdown(env.ctx)
		Expect(err).NotTo(HaveOccurred())
		Eventually(errCh, 5*time.Second).Should(Receive(BeNil()))
	})
})

var _ = Describe("Bundled plugins", func() {
	It("runs the echo example from the plugins directory", func() {
		env := newHarnessEnv("../../plugins")
		DeferCleanup(env.close)

		Expect(env.manager.Names()).To(ContainElement("echo"))

		l := env.loader(harness.ConfigSection{
			Name:    "echo",
			Options: map[string]string{"message": "integration says hi", "repeat": "1"},
		})
		Eventually(runAsync(env.ctx, l), 5*time.Second).Should(Receive(BeNil()))
		Expect(env.logs.String()).To(ContainSubstring("integration says hi"))
	})
})
