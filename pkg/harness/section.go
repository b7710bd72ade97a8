// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package harness

import (
	"maps"
	"slices"
)

// ConfigSection is one configured plugin instance: the plugin type name, an
// optional key distinguishing several instances of the same type, and the
// instance options. The loader never mutates a section.
type ConfigSection struct {
	Name    string            `json:"name" koanf:"name"`
	Key     string            `json:"key,omitempty" koanf:"key"`
	Options map[string]string `json:"options,omitempty" koanf:"options"`
}

// ID returns the instance identifier: "name" or "name:key".
func (s ConfigSection) ID() string {
	if s.Key == "" {
		return s.Name
	}
	return s.Name + ":" + s.Key
}

// Get returns the option value and whether it was set.
func (s ConfigSection) Get(option string) (string, bool) {
	v, ok := s.Options[option]
	return v, ok
}

// GetDefault returns the option value or def when unset.
func (s ConfigSection) GetDefault(option, def string) string {
	if v, ok := s.Options[option]; ok {
		return v
	}
	return def
}

// OptionNames returns the option keys in sorted order.
func (s ConfigSection) OptionNames() []string {
	return slices.Sorted(maps.Keys(s.Options))
}
