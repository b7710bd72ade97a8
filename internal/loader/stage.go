// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package loader

// Stage is the lifecycle stage of one loader run. It only moves forward.
type Stage int

// Loader stages, in order.
const (
	StageUnset Stage = iota
	StageLoading
	StageInitializing
	StageStarting
	StageRunning
	StageStopping
	StageDeinitializing
	StageUnloading
)

// String returns a string representation of the stage.
func (s Stage) String() string {
	switch s {
	case StageUnset:
		return "unset"
	case StageLoading:
		return "loading"
	case StageInitializing:
		return "initializing"
	case StageStarting:
		return "starting"
	case StageRunning:
		return "running"
	case StageStopping:
		return "stopping"
	case StageDeinitializing:
		return "deinitializing"
	case StageUnloading:
		return "unloading"
	default:
		return "unknown"
	}
}

// Phase names used in logs and metric labels.
const (
	phaseInit   = "init"
	phaseStart  = "start"
	phaseStop   = "stop"
	phaseDeinit = "deinit"
)
