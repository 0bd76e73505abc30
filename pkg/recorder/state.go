package recorder

import (
	"fmt"
)

// State is the lifecycle state of a Pipeline. The order is strict:
// a pipeline walks Created -> Running -> Stopping -> Stopped and never
// goes back; a stopped pipeline is not restartable.
type State int

const (
	StateCreated = State(iota)
	StateRunning
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("unexpected_state_%d", int(s))
	}
}
