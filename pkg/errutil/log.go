// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package errutil logs and asserts on the structured errors returned by the
// harness.
package errutil

import (
	"errors"
	"log/slog"

	"github.com/samber/oops"

	"github.com/holomush/harness/pkg/harness"
)

// LogError logs an error with structured context.
// For oops errors it adds the code and context. When the chain carries a
// plugin failure, the plugin name and error kind are logged as well.
func LogError(logger *slog.Logger, msg string, err error) {
	attrs := []any{"error", err.Error()}
	if oopsErr, ok := oops.AsOops(err); ok {
		if code := oopsErr.Code(); code != nil {
			attrs = append(attrs, "code", code)
		}
		if ctx := oopsErr.Context(); len(ctx) > 0 {
			attrs = append(attrs, "context", ctx)
		}
	}
	if pe, ok := AsPluginError(err); ok {
		if pe.Plugin != "" {
			attrs = append(attrs, "plugin", pe.Plugin)
		}
		attrs = append(attrs, "kind", pe.Kind.String())
	}
	logger.Error(msg, attrs...)
}

// AsPluginError finds the first *harness.PluginError in err's chain.
func AsPluginError(err error) (*harness.PluginError, bool) {
	var pe *harness.PluginError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}
