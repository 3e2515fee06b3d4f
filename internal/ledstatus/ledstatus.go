//go:build tinygo

// Package ledstatus drives the three status LEDs that give a human a
// read of loader state without a terminal attached: ready, busy, and
// fault. It mirrors the orchestrator's state machine (idle → erasing →
// writing → committing → done | failed) onto three GPIO pins.
package ledstatus

import (
	"log/slog"
	"machine"
)

// GPIO pin assignments for the status LEDs.
const (
	pinReadyLED = machine.GP2
	pinBusyLED  = machine.GP3
	pinFaultLED = machine.GP4
)

// State is a coarse projection of the orchestrator's state machine onto
// what a three-LED panel can show.
type State uint8

const (
	// StateIdle means no load is in progress; the last one (if any)
	// succeeded or the device has not attempted one yet.
	StateIdle State = iota
	// StateBusy means a load is actively erasing, writing, or committing.
	StateBusy
	// StateDone means the most recent load committed successfully.
	StateDone
	// StateFailed means the most recent load ended Bad or Unknown.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateBusy:
		return "busy"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return "idle"
	}
}

var (
	logger  *slog.Logger
	current State
)

// SetLogger attaches a logger used to record LED state transitions. A nil
// logger silences transition logging.
func SetLogger(l *slog.Logger) {
	logger = l
}

// Init configures the three GPIO pins as outputs, all initially off.
func Init() {
	pinReadyLED.Configure(machine.PinConfig{Mode: machine.PinOutput})
	pinBusyLED.Configure(machine.PinConfig{Mode: machine.PinOutput})
	pinFaultLED.Configure(machine.PinConfig{Mode: machine.PinOutput})
	set(StateIdle)
}

// Set drives the LEDs to reflect state, logging only on an actual change.
func Set(state State) {
	if state == current {
		return
	}
	changed := current
	set(state)
	if logger != nil {
		logger.Info("ledstatus:changed", slog.String("from", changed.String()), slog.String("to", state.String()))
	}
}

func set(state State) {
	current = state
	pinReadyLED.Set(state == StateIdle || state == StateDone)
	pinBusyLED.Set(state == StateBusy)
	pinFaultLED.Set(state == StateFailed)
}

// Current returns the last state passed to Set (or Init's StateIdle).
func Current() State {
	return current
}
