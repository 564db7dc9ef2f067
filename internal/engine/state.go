package engine

import "fmt"

type State int32

const (
	StateStarting State = iota
	StateRestarting
	StateReady
	StateCrashed
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRestarting:
		return "restarting"
	case StateReady:
		return "ready"
	case StateCrashed:
		return "crashed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}
