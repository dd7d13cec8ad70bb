// Package orchestrator drives the single authoritative cycle across the
// scanner, signal generator, risk manager, sizer, execution manager, and
// position manager (spec §4.1), exposing start/stop/pause/resume/
// emergency-stop and the fixed state-transition table.
package orchestrator

import (
	"github.com/atlas-breakout/engine/pkg/errs"
)

// State is one node of the fixed FSM transition table (spec §4.1).
type State string

const (
	StateIdle          State = "IDLE"
	StateInitializing  State = "INITIALIZING"
	StateScanning      State = "SCANNING"
	StateLevelBuilding State = "LEVEL_BUILDING"
	StateSignalWait    State = "SIGNAL_WAIT"
	StateSizing        State = "SIZING"
	StateExecution     State = "EXECUTION"
	StateManaging      State = "MANAGING"
	StatePaused        State = "PAUSED"
	StateError         State = "ERROR"
	StateEmergency     State = "EMERGENCY"
	StateStopped       State = "STOPPED"
)

// transitions is the complete table from spec §4.1. Same-state re-entry is
// always allowed (checked separately in Transition) and is idempotent.
var transitions = map[State]map[State]bool{
	StateIdle:          set(StateInitializing, StateScanning, StateStopped, StateError),
	StateInitializing:  set(StateScanning, StateError, StateEmergency, StateStopped),
	StateScanning:      set(StateLevelBuilding, StateManaging, StatePaused, StateError, StateEmergency, StateStopped),
	StateLevelBuilding: set(StateSignalWait, StateScanning, StateError, StateEmergency, StateStopped),
	StateSignalWait:    set(StateSizing, StateManaging, StateScanning, StatePaused, StateError, StateEmergency, StateStopped),
	StateSizing:        set(StateExecution, StateScanning, StateError, StateEmergency, StateStopped),
	StateExecution:     set(StateManaging, StateScanning, StateError, StateEmergency, StateStopped),
	StateManaging:      set(StateScanning, StateManaging, StatePaused, StateError, StateEmergency, StateStopped),
	StatePaused:        set(StateScanning, StateManaging, StateIdle, StateError, StateEmergency, StateStopped),
	StateError:         set(StateScanning, StateManaging, StateIdle, StateEmergency, StateStopped),
	StateEmergency:     set(StateStopped, StateIdle),
	StateStopped:       set(StateIdle, StateInitializing),
}

func set(states ...State) map[State]bool {
	m := make(map[State]bool, len(states))
	for _, s := range states {
		m[s] = true
	}
	return m
}

// checkTransition validates from->to against the fixed table. Same-state
// re-entry is always valid and a no-op for the caller to detect.
func checkTransition(from, to State) error {
	if from == to {
		return nil
	}
	allowed, ok := transitions[from]
	if !ok || !allowed[to] {
		return errs.InvalidTransition(string(from), string(to))
	}
	return nil
}
