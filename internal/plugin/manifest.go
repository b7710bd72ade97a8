// Package plugin discovers script plugins on disk and exposes them as
// lifecycle descriptors.
package plugin

import (
	"fmt"
	"regexp"

	"github.com/Masterminds/semver/v3"
	"github.com/gobwas/glob"
	"gopkg.in/yaml.v3"

	"github.com/holomush/harness/pkg/harness"
)

// ManifestFile is the manifest name looked up in every plugin directory.
const ManifestFile = "plugin.yaml"

// Manifest represents a plugin.yaml file.
type Manifest struct {
	Name              string     `yaml:"name" jsonschema:"pattern=^[a-z]([a-z0-9-]*[a-z0-9])?$,maxLength=64"`
	Version           string     `yaml:"version" jsonschema:"minLength=1"`
	ABIVersion        string     `yaml:"abi-version,omitempty" jsonschema:"description=Descriptor ABI the plugin targets; defaults to the host ABI"`
	Requires          []string   `yaml:"requires,omitempty" jsonschema:"description=Plugin names this plugin depends on with an optional version constraint in parentheses"`
	Conflicts         []string   `yaml:"conflicts,omitempty"`
	SupportedOptions  []string   `yaml:"supported-options,omitempty" jsonschema:"description=Glob patterns of accepted option names"`
	DeclaresReadiness bool       `yaml:"declares-readiness,omitempty"`
	Capabilities      []string   `yaml:"capabilities,omitempty"`
	LuaPlugin         *LuaConfig `yaml:"lua-plugin"`
}

// LuaConfig holds Lua-specific configuration.
type LuaConfig struct {
	Entry string `yaml:"entry" jsonschema:"minLength=1"`
}

// maxNameLength is the maximum allowed length for plugin names.
const maxNameLength = 64

// namePattern validates plugin names: must start with lowercase letter,
// followed by lowercase letters, digits, or hyphens.
// Cannot end with a hyphen. Single character names are allowed.
var namePattern = regexp.MustCompile(`^[a-z]([a-z0-9-]*[a-z0-9])?$`)

// ParseManifest parses and validates a plugin.yaml file.
func ParseManifest(data []byte) (*Manifest, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("manifest data is empty")
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("invalid YAML: %w", err)
	}

	if err := m.Validate(); err != nil {
		return nil, err
	}

	return &m, nil
}

// Validate checks manifest constraints.
func (m *Manifest) Validate() error {
	if m.Name == "" || !namePattern.MatchString(m.Name) {
		return fmt.Errorf("name %q must start with a-z, contain only a-z, 0-9, hyphens, and not end with a hyphen", m.Name)
	}
	if len(m.Name) > maxNameLength {
		return fmt.Errorf("name must be %d characters or less, got %d", maxNameLength, len(m.Name))
	}

	if m.Version == "" {
		return fmt.Errorf("version is required")
	}
	if _, err := semver.NewVersion(m.Version); err != nil {
		return fmt.Errorf("version %q is not a semantic version: %w", m.Version, err)
	}

	if m.LuaPlugin == nil {
		return fmt.Errorf("lua-plugin is required")
	}
	if m.LuaPlugin.Entry == "" {
		return fmt.Errorf("lua-plugin.entry is required")
	}

	for i, r := range m.Requires {
		if r == "" {
			return fmt.Errorf("requires[%d] is empty", i)
		}
	}
	for _, c := range m.Conflicts {
		if c == m.Name {
			return fmt.Errorf("plugin %s cannot conflict with itself", m.Name)
		}
	}
	if err := compileAll("supported-options", m.SupportedOptions); err != nil {
		return err
	}
	return compileAll("capabilities", m.Capabilities)
}

// Descriptor returns the static part of the plugin's descriptor. Callbacks
// are filled in by the runtime host.
func (m *Manifest) Descriptor() *harness.Descriptor {
	abi := m.ABIVersion
	if abi == "" {
		abi = harness.ABIVersion
	}
	return &harness.Descriptor{
		Name:              m.Name,
		ABIVersion:        abi,
		Version:           m.Version,
		Requires:          m.Requires,
		Conflicts:         m.Conflicts,
		DeclaresReadiness: m.DeclaresReadiness,
		SupportedOptions:  m.SupportedOptions,
	}
}

func compileAll(field string, patterns []string) error {
	for i, p := range patterns {
		if p == "" {
			return fmt.Errorf("%s[%d] is empty", field, i)
		}
		if _, err := glob.Compile(p, '.'); err != nil {
			return fmt.Errorf("%s[%d] (%q): %w", field, i, p, err)
		}
	}
	return nil
}
