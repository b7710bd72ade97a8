// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package config loads the harness host configuration.
//
// Values come from a YAML file overlaid with command-line flags. Flags the
// user did not set only fill keys the file left out, so flag defaults act as
// configuration defaults.
package config

import (
	"errors"
	"io/fs"
	"maps"
	"os"
	"slices"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/samber/oops"
	"github.com/spf13/pflag"

	"github.com/holomush/harness/internal/logging"
	"github.com/holomush/harness/pkg/harness"
)

// Error codes returned by Load and Validate.
const (
	CodeReadFailed    = "CONFIG_READ_FAILED"
	CodeInvalidConfig = "CONFIG_INVALID"
)

// Flag names bound under the "harness" section.
const (
	FlagLogFormat   = "log-format"
	FlagLogLevel    = "log-level"
	FlagPluginDir   = "plugin-dir"
	FlagMetricsAddr = "metrics-addr"
	FlagControl     = "control"
)

var hostFlags = []string{FlagLogFormat, FlagLogLevel, FlagPluginDir, FlagMetricsAddr, FlagControl}

// Host holds settings of the harness process itself.
type Host struct {
	LogFormat   string `koanf:"log-format"`
	LogLevel    string `koanf:"log-level"`
	PluginDir   string `koanf:"plugin-dir"`
	MetricsAddr string `koanf:"metrics-addr"`
	Control     bool   `koanf:"control"`
}

// Config is the full host configuration.
type Config struct {
	Harness Host                    `koanf:"harness"`
	Plugins []harness.ConfigSection `koanf:"plugins"`
}

// Default returns the configuration used when neither file nor flags set a
// value.
func Default() *Config {
	return &Config{
		Harness: Host{
			LogFormat: logging.FormatJSON,
			LogLevel:  "info",
			Control:   true,
		},
	}
}

// BindFlags registers the host flags with defaults from Default.
func BindFlags(flags *pflag.FlagSet) {
	def := Default().Harness
	flags.String(FlagLogFormat, def.LogFormat, "log format (json or text)")
	flags.String(FlagLogLevel, def.LogLevel, "minimum log level (debug, info, warn, error)")
	flags.String(FlagPluginDir, def.PluginDir, "Lua plugin directory (default: XDG_DATA_HOME/harness/plugins)")
	flags.String(FlagMetricsAddr, def.MetricsAddr, "metrics/health HTTP address (empty = disabled)")
	flags.Bool(FlagControl, def.Control, "serve the control socket")
}

// Load reads path, when non-empty, and overlays flags, when non-nil.
// A missing file is an error only if mustExist is set.
func Load(path string, mustExist bool, flags *pflag.FlagSet) (*Config, error) {
	k := koanf.New(".")
	errb := oops.In("config").Code(CodeReadFailed).With("path", path)

	if path != "" {
		err := k.Load(file.Provider(path), yaml.Parser())
		switch {
		case err == nil:
		case errors.Is(err, fs.ErrNotExist) && !mustExist:
		default:
			return nil, errb.Wrapf(err, "load config file")
		}
	}

	if flags != nil {
		provider := posflag.ProviderWithFlag(flags, ".", k, func(f *pflag.Flag) (string, any) {
			if !slices.Contains(hostFlags, f.Name) {
				return "", nil
			}
			return "harness." + f.Name, posflag.FlagVal(flags, f)
		})
		if err := k.Load(provider, nil); err != nil {
			return nil, errb.Wrapf(err, "load flags")
		}
	}

	cfg := Default()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, errb.Wrapf(err, "decode config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks plugin sections and host settings.
func (c *Config) Validate() error {
	errb := oops.In("config").Code(CodeInvalidConfig)

	if !logging.ValidFormat(c.Harness.LogFormat) {
		return errb.With("log_format", c.Harness.LogFormat).
			Errorf("log-format must be 'json' or 'text', got %q", c.Harness.LogFormat)
	}
	if c.Harness.LogLevel != "" {
		if _, err := logging.ParseLevel(c.Harness.LogLevel); err != nil {
			return errb.With("log_level", c.Harness.LogLevel).Errorf("invalid log-level: %v", err)
		}
	}

	seen := make(map[string]int, len(c.Plugins))
	for i, s := range c.Plugins {
		name := strings.TrimSpace(s.Name)
		if name == "" {
			return errb.With("index", i).Errorf("plugins[%d]: name is required", i)
		}
		if name != s.Name {
			return errb.With("index", i).Errorf("plugins[%d]: name %q has surrounding whitespace", i, s.Name)
		}
		id := s.ID()
		if first, ok := seen[id]; ok {
			return errb.With("index", i).With("instance", id).
				Errorf("plugins[%d]: instance %s already configured at plugins[%d]", i, id, first)
		}
		seen[id] = i
	}
	return nil
}

// Sections returns copies of the configured plugin sections with non-nil
// option maps.
func (c *Config) Sections() []harness.ConfigSection {
	out := make([]harness.ConfigSection, len(c.Plugins))
	for i, s := range c.Plugins {
		opts := maps.Clone(s.Options)
		if opts == nil {
			opts = map[string]string{}
		}
		out[i] = harness.ConfigSection{Name: s.Name, Key: s.Key, Options: opts}
	}
	return out
}

// Exists reports whether path names a readable file.
func Exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
