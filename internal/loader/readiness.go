// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package loader

import (
	"log/slog"
	"slices"
	"sync"
)

// readiness tracks instances whose plugin type declares readiness until each
// has called Env.SetReady.
type readiness struct {
	logger *slog.Logger
	hook   func()

	mu      sync.Mutex
	pending map[string]struct{}
	armed   bool
	fired   bool
}

func newReadiness(logger *slog.Logger, hook func()) *readiness {
	return &readiness{
		logger:  logger,
		hook:    hook,
		pending: make(map[string]struct{}),
	}
}

// expect registers an instance that must report ready.
func (r *readiness) expect(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending[id] = struct{}{}
}

// markReady records an instance as ready. The hook fires once every expected
// instance is ready and the run phase has armed it.
func (r *readiness) markReady(id string) {
	r.mu.Lock()
	if _, ok := r.pending[id]; !ok {
		r.mu.Unlock()
		r.logger.Debug("ignoring readiness from plugin not declaring it", "plugin", id)
		return
	}
	delete(r.pending, id)
	r.mu.Unlock()

	r.logger.Info("plugin ready", "plugin", id)
	r.settle()
}

// arm enables the hook when the run phase begins and fires it if nothing is
// pending, covering runs where readiness was reported during init or no
// plugin declares it.
func (r *readiness) arm() {
	r.mu.Lock()
	r.armed = true
	r.mu.Unlock()
	r.settle()
}

// disarm keeps a late SetReady from firing the hook once stopping began.
func (r *readiness) disarm() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.armed = false
}

func (r *readiness) settle() {
	r.mu.Lock()
	fire := r.armed && len(r.pending) == 0 && !r.fired
	if fire {
		r.fired = true
	}
	r.mu.Unlock()

	if fire {
		r.logger.Info("all plugins ready")
		if r.hook != nil {
			r.hook()
		}
	}
}

func (r *readiness) allReady() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending) == 0
}

func (r *readiness) waiting() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]string, 0, len(r.pending))
	for id := range r.pending {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}
