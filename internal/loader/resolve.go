// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package loader

import (
	"github.com/holomush/harness/pkg/harness"
)

type visitState int

const (
	unvisited visitState = iota
	inProgress
	done
)

// Resolve orders instances so that every instance follows all instances it
// requires. requiresOf returns the plugin type names a type depends on; a
// requirement on a name covers every configured instance of that name.
//
// The order is stable: instances not constrained relative to each other keep
// their declaration order. A required name with no configured instance fails
// with CodeUnresolvedDependency, a cycle with CodeDependencyCycle.
func Resolve(instances []harness.ConfigSection, requiresOf func(name string) []string) ([]harness.ConfigSection, error) {
	byName := make(map[string][]int, len(instances))
	for i, inst := range instances {
		byName[inst.Name] = append(byName[inst.Name], i)
	}

	r := &resolver{
		instances:  instances,
		requiresOf: requiresOf,
		byName:     byName,
		state:      make([]visitState, len(instances)),
		order:      make([]harness.ConfigSection, 0, len(instances)),
	}

	for i := range instances {
		if err := r.visit(i); err != nil {
			return nil, err
		}
	}
	return r.order, nil
}

type resolver struct {
	instances  []harness.ConfigSection
	requiresOf func(name string) []string
	byName     map[string][]int
	state      []visitState
	path       []string
	order      []harness.ConfigSection
}

func (r *resolver) visit(i int) error {
	inst := r.instances[i]

	switch r.state[i] {
	case done:
		return nil
	case inProgress:
		cycle := append(append([]string(nil), r.path...), inst.ID())
		return ErrDependencyCycle(inst.ID(), cycle)
	}

	r.state[i] = inProgress
	r.path = append(r.path, inst.ID())

	for _, name := range r.requiresOf(inst.Name) {
		deps, ok := r.byName[name]
		if !ok {
			return ErrUnresolvedDependency(inst.ID(), name)
		}
		for _, j := range deps {
			if err := r.visit(j); err != nil {
				return err
			}
		}
	}

	r.path = r.path[:len(r.path)-1]
	r.state[i] = done
	r.order = append(r.order, inst)
	return nil
}
