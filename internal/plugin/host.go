// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package plugin

import (
	"context"

	"github.com/holomush/harness/pkg/harness"
)

// Host compiles plugins of one runtime into lifecycle descriptors.
type Host interface {
	// Load validates the plugin in dir and returns its descriptor.
	Load(ctx context.Context, manifest *Manifest, dir string) (*harness.Descriptor, error)

	// Close releases the host. Descriptors already returned stay usable.
	Close(ctx context.Context) error
}
