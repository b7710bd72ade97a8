// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package harness defines the contract between the plugin loader and plugin
// code: the static Descriptor a plugin type exports, and the Env every
// lifecycle callback receives.
//
// A plugin type is described once:
//
//	var Descriptor = &harness.Descriptor{
//		Name:       "keepalive",
//		ABIVersion: harness.ABIVersion,
//		Version:    "1.0.0",
//		Start:      start,
//	}
//
// Callbacks report failure only through Env.SetError. A panic escaping a
// callback is recovered by the loader and recorded as UndefinedError.
package harness

import (
	"errors"
	"fmt"
	"regexp"
)

// ABIVersion is the descriptor ABI implemented by this host. Descriptors must
// carry the same major version and a minor version no newer than this one.
const ABIVersion = "2.1"

// Callback is the signature of every lifecycle entry point.
type Callback func(env *Env)

// Descriptor is the static metadata and callback set of a plugin type. It is
// shared read-only by every instance of the type.
type Descriptor struct {
	Name       string
	ABIVersion string
	// ArchTag restricts the descriptor to one GOOS/GOARCH pair. Empty means any.
	ArchTag string
	Version string

	// Requires lists plugin type names this type depends on. An entry may
	// carry a version constraint: "logger (>=1.0, <2.0)".
	Requires []string
	// Conflicts lists plugin type names that must not be configured together
	// with this type.
	Conflicts []string

	Init  Callback
	Start Callback
	// Stop is called for every instance in reverse execution order, after
	// all running flags are cleared and before workers are joined. It may run
	// while the instance's Start is still executing.
	Stop   Callback
	Deinit Callback

	// DeclaresReadiness marks types whose instances call Env.SetReady once
	// they can serve.
	DeclaresReadiness bool

	// SupportedOptions lists the option names (glob patterns, '.' separated)
	// accepted in this type's sections. Empty accepts any option.
	SupportedOptions []string
}

var descriptorName = regexp.MustCompile(`^[a-z][a-z0-9_-]*$`)

// Validate checks the descriptor's static fields.
func (d *Descriptor) Validate() error {
	if d == nil {
		return errors.New("descriptor is nil")
	}
	if !descriptorName.MatchString(d.Name) {
		return fmt.Errorf("name %q must start with a-z and contain only a-z, 0-9, '_' or '-'", d.Name)
	}
	if d.ABIVersion == "" {
		return fmt.Errorf("plugin %s: abi version is required", d.Name)
	}
	for _, r := range d.Requires {
		if r == "" {
			return fmt.Errorf("plugin %s: empty requires entry", d.Name)
		}
	}
	for _, c := range d.Conflicts {
		if c == d.Name {
			return fmt.Errorf("plugin %s: conflicts with itself", d.Name)
		}
	}
	return nil
}
