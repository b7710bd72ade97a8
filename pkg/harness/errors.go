// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package harness

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a failure reported by a plugin callback.
type ErrorKind int

// Error kinds a callback may report through Env.SetError.
const (
	NoError ErrorKind = iota
	ConfigInvalidArgument
	RuntimeError
	UndefinedError
)

// String returns the stable name used in logs and error codes.
func (k ErrorKind) String() string {
	switch k {
	case NoError:
		return "no_error"
	case ConfigInvalidArgument:
		return "config_invalid_argument"
	case RuntimeError:
		return "runtime_error"
	case UndefinedError:
		return "undefined_error"
	default:
		return "unknown"
	}
}

// ParseErrorKind maps a kind name back to its ErrorKind. Unknown names map to
// UndefinedError so a misspelled kind from a script still fails the callback.
func ParseErrorKind(s string) ErrorKind {
	switch s {
	case "no_error":
		return NoError
	case "config_invalid_argument":
		return ConfigInvalidArgument
	case "runtime_error":
		return RuntimeError
	default:
		return UndefinedError
	}
}

// PluginError is the error recorded on an Env by a failing callback.
type PluginError struct {
	Plugin  string
	Kind    ErrorKind
	Message string
}

// Error implements error.
func (e *PluginError) Error() string {
	if e.Plugin == "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("plugin %s: %s: %s", e.Plugin, e.Kind, e.Message)
}

// ErrPluginNotFound is returned by descriptor sources that do not know a
// plugin type name.
var ErrPluginNotFound = errors.New("plugin not found")
