//go:build !tinygo

// Stub definitions for the regular Go toolchain (go vet, go test, staticcheck).
// The real implementation in ledstatus.go drives GPIO and is tinygo-only.
package ledstatus

import "log/slog"

type State uint8

const (
	StateIdle State = iota
	StateBusy
	StateDone
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

var current State

func SetLogger(*slog.Logger) {}

func Init() {}

func Set(state State) {
	current = state
}

func Current() State {
	return current
}
