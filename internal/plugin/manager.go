package plugin

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/samber/oops"

	"github.com/holomush/harness/pkg/harness"
)

// Manager discovers plugins on disk and serves their descriptors by name.
// It satisfies registry.Registry.
type Manager struct {
	pluginsDir string
	luaHost    Host
	logger     *slog.Logger

	mu     sync.RWMutex
	loaded map[string]*DiscoveredPlugin
	failed map[string]error
}

// ManagerOption configures the Manager.
type ManagerOption func(*Manager)

// WithLuaHost sets the Lua host for the manager.
func WithLuaHost(h Host) ManagerOption {
	return func(m *Manager) {
		m.luaHost = h
	}
}

// WithManagerLogger sets the manager's logger. Defaults to slog.Default().
func WithManagerLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = l
	}
}

// NewManager creates a plugin manager.
func NewManager(pluginsDir string, opts ...ManagerOption) *Manager {
	m := &Manager{
		pluginsDir: pluginsDir,
		loaded:     make(map[string]*DiscoveredPlugin),
		failed:     make(map[string]error),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	return m
}

// DiscoveredPlugin contains a manifest, its directory and, once loaded, its
// descriptor.
type DiscoveredPlugin struct {
	Manifest   *Manifest
	Dir        string
	Descriptor *harness.Descriptor
}

// Discover finds all valid plugins in the plugins directory.
// Invalid plugins are logged and skipped.
func (m *Manager) Discover(_ context.Context) ([]*DiscoveredPlugin, error) {
	entries, err := os.ReadDir(m.pluginsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil // No plugins directory
		}
		return nil, fmt.Errorf("failed to read plugins directory: %w", err)
	}

	seen := make(map[string]string)
	var plugins []*DiscoveredPlugin
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		pluginDir := filepath.Join(m.pluginsDir, entry.Name())
		manifestPath := filepath.Join(pluginDir, ManifestFile)

		data, err := os.ReadFile(manifestPath) //nolint:gosec // manifestPath is constructed from ReadDir entries
		if err != nil {
			m.logger.Warn("skipping plugin without manifest",
				"dir", entry.Name(),
				"error", err)
			continue
		}

		if err := ValidateSchema(data); err != nil {
			m.logger.Warn("skipping plugin with invalid manifest",
				"dir", entry.Name(),
				"error", FormatSchemaError(err))
			continue
		}
		manifest, err := ParseManifest(data)
		if err != nil {
			m.logger.Warn("skipping plugin with invalid manifest",
				"dir", entry.Name(),
				"error", err)
			continue
		}

		if other, ok := seen[manifest.Name]; ok {
			m.logger.Warn("skipping plugin with duplicate name",
				"plugin", manifest.Name,
				"dir", entry.Name(),
				"first_dir", other)
			continue
		}
		seen[manifest.Name] = entry.Name()

		plugins = append(plugins, &DiscoveredPlugin{
			Manifest: manifest,
			Dir:      pluginDir,
		})
	}

	return plugins, nil
}

// LoadAll discovers and loads all plugins in the plugins directory.
//
// A plugin that fails to load does not fail LoadAll: the failure is logged
// and returned by Lookup, so it only matters if the plugin is configured.
func (m *Manager) LoadAll(ctx context.Context) error {
	discovered, err := m.Discover(ctx)
	if err != nil {
		return err
	}

	for _, dp := range discovered {
		if err := m.loadPlugin(ctx, dp); err != nil {
			m.logger.Error("failed to load plugin",
				"plugin", dp.Manifest.Name,
				"error", err)
			m.mu.Lock()
			m.failed[dp.Manifest.Name] = err
			m.mu.Unlock()
		}
	}

	return nil
}

func (m *Manager) loadPlugin(ctx context.Context, dp *DiscoveredPlugin) error {
	if m.luaHost == nil {
		return oops.In("plugin").With("plugin", dp.Manifest.Name).New("no lua host configured")
	}

	desc, err := m.luaHost.Load(ctx, dp.Manifest, dp.Dir)
	if err != nil {
		return fmt.Errorf("load plugin %s: %w", dp.Manifest.Name, err)
	}
	dp.Descriptor = desc

	m.mu.Lock()
	m.loaded[dp.Manifest.Name] = dp
	m.mu.Unlock()

	m.logger.Info("loaded plugin",
		"plugin", dp.Manifest.Name,
		"version", dp.Manifest.Version,
		"dir", dp.Dir)

	return nil
}

// Lookup returns the descriptor of a loaded plugin. Plugins that failed to
// load return their load error; unknown names wrap harness.ErrPluginNotFound.
func (m *Manager) Lookup(_ context.Context, name string) (*harness.Descriptor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if dp, ok := m.loaded[name]; ok {
		return dp.Descriptor, nil
	}
	if err, ok := m.failed[name]; ok {
		return nil, err
	}
	return nil, oops.In("plugin").
		With("plugin", name).
		With("dir", m.pluginsDir).
		Wrapf(harness.ErrPluginNotFound, "lookup %s", name)
}

// Names returns names of all loaded plugins, sorted.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.loaded))
	for name := range m.loaded {
		names = append(names, name)
	}

	sort.Strings(names)
	return names
}

// Plugin returns a loaded plugin by name.
func (m *Manager) Plugin(name string) (*DiscoveredPlugin, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	dp, ok := m.loaded[name]
	return dp, ok
}

// Close shuts down the manager and its hosts.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Clear loaded map first to ensure consistent state even if close fails.
	m.loaded = make(map[string]*DiscoveredPlugin)
	m.failed = make(map[string]error)

	if m.luaHost != nil {
		if err := m.luaHost.Close(ctx); err != nil {
			return fmt.Errorf("close lua host: %w", err)
		}
	}

	return nil
}
