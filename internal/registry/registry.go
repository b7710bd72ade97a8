// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package registry maps plugin type names to descriptors.
package registry

import (
	"context"
	"errors"
	"slices"
	"sync"

	"github.com/samber/oops"

	"github.com/holomush/harness/pkg/harness"
)

// Registry resolves plugin type names to descriptors.
type Registry interface {
	// Lookup returns the descriptor registered under name. Unknown names
	// return an error wrapping harness.ErrPluginNotFound.
	Lookup(ctx context.Context, name string) (*harness.Descriptor, error)
	// Names returns every known plugin type name, sorted.
	Names() []string
}

// Static is an in-memory registry of descriptors compiled into the binary.
type Static struct {
	mu    sync.RWMutex
	descs map[string]*harness.Descriptor
}

// NewStatic creates a registry holding descs.
func NewStatic(descs ...*harness.Descriptor) (*Static, error) {
	s := &Static{descs: make(map[string]*harness.Descriptor, len(descs))}
	for _, d := range descs {
		if err := s.Register(d); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Register adds a descriptor. Names must be unique.
func (s *Static) Register(desc *harness.Descriptor) error {
	if err := desc.Validate(); err != nil {
		return oops.In("registry").Code("REGISTRY_INVALID_DESCRIPTOR").Wrap(err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.descs[desc.Name]; ok {
		return oops.In("registry").Code("REGISTRY_DUPLICATE").
			With("plugin", desc.Name).
			Errorf("plugin %s already registered", desc.Name)
	}
	s.descs[desc.Name] = desc
	return nil
}

// MustRegister is like Register but panics on error. Intended for package
// init of built-in plugins.
func (s *Static) MustRegister(desc *harness.Descriptor) {
	if err := s.Register(desc); err != nil {
		panic(err)
	}
}

// Lookup implements Registry.
func (s *Static) Lookup(_ context.Context, name string) (*harness.Descriptor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	desc, ok := s.descs[name]
	if !ok {
		return nil, notFound(name)
	}
	return desc, nil
}

// Names implements Registry.
func (s *Static) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.descs))
	for name := range s.descs {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Chain consults each registry in order. The first registry knowing a name
// wins; errors other than not-found stop the search.
type Chain []Registry

// Lookup implements Registry.
func (c Chain) Lookup(ctx context.Context, name string) (*harness.Descriptor, error) {
	for _, r := range c {
		desc, err := r.Lookup(ctx, name)
		if err == nil {
			return desc, nil
		}
		if !errors.Is(err, harness.ErrPluginNotFound) {
			return nil, err
		}
	}
	return nil, notFound(name)
}

// Names implements Registry.
func (c Chain) Names() []string {
	var names []string
	for _, r := range c {
		names = append(names, r.Names()...)
	}
	slices.Sort(names)
	return slices.Compact(names)
}

// notFound carries no code so callers can classify the failure themselves.
func notFound(name string) error {
	return oops.In("registry").
		With("plugin", name).
		Wrapf(harness.ErrPluginNotFound, "lookup %s", name)
}
