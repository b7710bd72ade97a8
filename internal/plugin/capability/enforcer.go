// Package capability grants Lua plugins access to privileged host functions.
//
// Grants are gobwas/glob patterns with '.' as the segment separator, so
// "lifecycle.*" covers "lifecycle.ready" and "lifecycle.control" while "**"
// covers everything.
package capability

import (
	"slices"
	"sync"

	"github.com/gobwas/glob"
	"github.com/samber/oops"
)

// Capabilities checked by the host functions.
const (
	ConfigRead       = "config.read"
	LifecycleControl = "lifecycle.control"
	LifecycleReady   = "lifecycle.ready"
)

// Error codes.
const (
	CodeDenied         = "CAPABILITY_DENIED"
	CodeInvalidPattern = "CAPABILITY_INVALID_PATTERN"
)

// Known returns every capability the host checks.
func Known() []string {
	return []string{ConfigRead, LifecycleControl, LifecycleReady}
}

type grant struct {
	pattern string
	glob    glob.Glob
}

// Enforcer maps plugin names to their granted capabilities. It is safe for
// concurrent use and its zero value is ready to use.
type Enforcer struct {
	mu     sync.RWMutex
	grants map[string][]grant
}

// NewEnforcer creates an empty enforcer.
func NewEnforcer() *Enforcer {
	return &Enforcer{grants: make(map[string][]grant)}
}

// SetGrants replaces the grants of plugin. On error the previous grants are
// kept.
func (e *Enforcer) SetGrants(plugin string, patterns []string) error {
	errb := oops.In("capability").Code(CodeInvalidPattern).With("plugin", plugin)
	if plugin == "" {
		return errb.Errorf("plugin name cannot be empty")
	}

	compiled := make([]grant, 0, len(patterns))
	for i, p := range patterns {
		if p == "" {
			return errb.Errorf("capabilities[%d] is empty", i)
		}
		g, err := glob.Compile(p, '.')
		if err != nil {
			return errb.With("pattern", p).Wrapf(err, "capabilities[%d]", i)
		}
		compiled = append(compiled, grant{pattern: p, glob: g})
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.grants == nil {
		e.grants = make(map[string][]grant)
	}
	e.grants[plugin] = compiled
	return nil
}

// RemoveGrants forgets plugin. Unknown plugins are ignored.
func (e *Enforcer) RemoveGrants(plugin string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.grants, plugin)
}

// Grants returns a copy of the patterns granted to plugin, nil if unknown.
func (e *Enforcer) Grants(plugin string) []string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	gs, ok := e.grants[plugin]
	if !ok {
		return nil
	}
	out := make([]string, len(gs))
	for i, g := range gs {
		out[i] = g.pattern
	}
	return out
}

// Check reports whether plugin holds capability. Unknown plugins and the
// empty capability are denied.
func (e *Enforcer) Check(plugin, capability string) bool {
	if capability == "" {
		return false
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	return slices.ContainsFunc(e.grants[plugin], func(g grant) bool {
		return g.glob.Match(capability)
	})
}

// Require is Check returning a CAPABILITY_DENIED error.
func (e *Enforcer) Require(plugin, capability string) error {
	if e.Check(plugin, capability) {
		return nil
	}
	return oops.In("capability").Code(CodeDenied).
		With("plugin", plugin).
		With("capability", capability).
		Errorf("capability denied: %s requires %s", plugin, capability)
}

// Unused returns the patterns granted to plugin that match none of the
// Known capabilities.
func (e *Enforcer) Unused(plugin string) []string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var unused []string
	for _, g := range e.grants[plugin] {
		if !slices.ContainsFunc(Known(), g.glob.Match) {
			unused = append(unused, g.pattern)
		}
	}
	return unused
}
