// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package keepalive is a built-in plugin that logs a heartbeat while the
// harness is running.
//
// Options:
//
//	interval  time between heartbeats (Go duration, default 60s)
//	runs      heartbeats to emit before start returns; 0 means until stopped
//
// With runs set, start returns after the last heartbeat, which ends the run
// phase for every plugin.
package keepalive

import (
	"strconv"
	"time"

	"github.com/samber/oops"

	"github.com/holomush/harness/pkg/harness"
)

// Name is the plugin type name.
const Name = "keepalive"

// Version of the plugin.
const Version = "1.0.0"

// Option names.
const (
	OptionInterval = "interval"
	OptionRuns     = "runs"
)

// DefaultInterval is used when no interval option is configured.
const DefaultInterval = 60 * time.Second

// Settings are the parsed options of one instance.
type Settings struct {
	Interval time.Duration
	Runs     int
}

// ParseSettings reads interval and runs from a section.
func ParseSettings(section *harness.ConfigSection) (Settings, error) {
	s := Settings{Interval: DefaultInterval}
	if section == nil {
		return s, nil
	}
	errb := oops.In("keepalive").With("instance", section.ID())

	if v, ok := section.Get(OptionInterval); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return s, errb.With("option", OptionInterval).Wrapf(err, "invalid %s %q", OptionInterval, v)
		}
		if d <= 0 {
			return s, errb.With("option", OptionInterval).Errorf("%s must be positive, got %s", OptionInterval, v)
		}
		s.Interval = d
	}
	if v, ok := section.Get(OptionRuns); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return s, errb.With("option", OptionRuns).Wrapf(err, "invalid %s %q", OptionRuns, v)
		}
		if n < 0 {
			return s, errb.With("option", OptionRuns).Errorf("%s must not be negative, got %d", OptionRuns, n)
		}
		s.Runs = n
	}
	return s, nil
}

// Descriptor returns the keepalive descriptor.
func Descriptor() *harness.Descriptor {
	return &harness.Descriptor{
		Name:              Name,
		ABIVersion:        harness.ABIVersion,
		Version:           Version,
		SupportedOptions:  []string{OptionInterval, OptionRuns},
		DeclaresReadiness: true,
		Init:              initialize,
		Start:             start,
		Stop:              stop,
	}
}

func initialize(env *harness.Env) {
	s, err := ParseSettings(env.Section())
	if err != nil {
		env.SetError(harness.ConfigInvalidArgument, "%v", err)
		return
	}
	env.Logger().Debug("keepalive configured",
		"interval", s.Interval,
		"runs", s.Runs)
}

func start(env *harness.Env) {
	s, err := ParseSettings(env.Section())
	if err != nil {
		env.SetError(harness.ConfigInvalidArgument, "%v", err)
		return
	}

	env.SetReady()
	logger := env.Logger()
	for beat := 1; s.Runs == 0 || beat <= s.Runs; beat++ {
		if env.WaitForStop(s.Interval) {
			return
		}
		logger.Info("keepalive", "beat", beat)
	}
	logger.Info("keepalive finished", "beats", s.Runs)
}

func stop(env *harness.Env) {
	env.Logger().Debug("keepalive stopping")
}
