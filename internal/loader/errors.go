// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package loader

import (
	"errors"

	"github.com/samber/oops"

	"github.com/holomush/harness/pkg/harness"
)

// Error codes for loader failures.
const (
	CodePluginNotFound       = "LOADER_PLUGIN_NOT_FOUND"
	CodeLoadFailed           = "LOADER_LOAD_FAILED"
	CodeABIMismatch          = "LOADER_ABI_MISMATCH"
	CodeUnresolvedDependency = "LOADER_UNRESOLVED_DEPENDENCY"
	CodeDependencyCycle      = "LOADER_DEPENDENCY_CYCLE"
	CodeVersionMismatch      = "LOADER_VERSION_MISMATCH"
	CodeConflict             = "LOADER_CONFLICT"
	CodeUnsupportedOption    = "LOADER_UNSUPPORTED_OPTION"
	CodeDuplicateInstance    = "LOADER_DUPLICATE_INSTANCE"
	CodeInitFailed           = "LOADER_INIT_FAILED"
	CodeStartFailed          = "LOADER_START_FAILED"
	CodeInvalidStage         = "LOADER_INVALID_STAGE"
	CodeInvalidRequirement   = "LOADER_INVALID_REQUIREMENT"
	CodeInvalidDescriptor    = "LOADER_INVALID_DESCRIPTOR"
	CodeAlreadyRun           = "LOADER_ALREADY_RUN"
	CodeNoPluginsConfigured  = "LOADER_NO_PLUGINS"
	CodeArchMismatch         = "LOADER_ARCH_MISMATCH"
)

// ErrUnresolvedDependency creates an error for a required plugin that has no
// configured section.
func ErrUnresolvedDependency(instance, required string) error {
	return oops.In("loader").
		Code(CodeUnresolvedDependency).
		With("plugin", instance).
		With("requires", required).
		Errorf("plugin %s requires %s, which is not configured", instance, required)
}

// ErrDependencyCycle creates an error for a dependency cycle through instance.
func ErrDependencyCycle(instance string, path []string) error {
	return oops.In("loader").
		Code(CodeDependencyCycle).
		With("plugin", instance).
		With("path", path).
		Errorf("dependency cycle detected at plugin %s", instance)
}

// ErrInvalidStage creates an error for an out-of-order stage transition.
func ErrInvalidStage(from, to Stage) error {
	return oops.In("loader").
		Code(CodeInvalidStage).
		With("from", from.String()).
		With("to", to.String()).
		Errorf("cannot move from stage %s to %s", from, to)
}

// pluginFailure wraps an error recorded by an init or start callback. A nil
// err yields nil.
func pluginFailure(code, instance string, err error) error {
	if err == nil {
		return nil
	}
	b := oops.In("loader").Code(code).With("plugin", instance)
	var perr *harness.PluginError
	if errors.As(err, &perr) {
		b = b.With("kind", perr.Kind.String())
	}
	return b.Wrap(err)
}
