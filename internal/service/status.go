package service

import "fmt"

// Status is the service level life cycle:
//
//	Idle -> Starting -> Ready -> {Crashed -> Restarting -> Ready} -> ShuttingDown -> Stopped
type Status int32

const (
	StatusIdle Status = iota
	StatusStarting
	StatusReady
	StatusCrashed
	StatusRestarting
	StatusShuttingDown
	StatusStopped
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusStarting:
		return "starting"
	case StatusReady:
		return "ready"
	case StatusCrashed:
		return "crashed"
	case StatusRestarting:
		return "restarting"
	case StatusShuttingDown:
		return "shutting_down"
	case StatusStopped:
		return "stopped"
	default:
		return fmt.Sprintf("status(%d)", int32(s))
	}
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

var transitions = map[Status][]Status{
	StatusIdle:         {StatusStarting, StatusShuttingDown},
	StatusStarting:     {StatusReady, StatusStopped, StatusShuttingDown},
	StatusReady:        {StatusCrashed, StatusShuttingDown},
	StatusCrashed:      {StatusRestarting, StatusShuttingDown},
	StatusRestarting:   {StatusReady, StatusCrashed, StatusShuttingDown},
	StatusShuttingDown: {StatusStopped},
}

func (s Status) canBecome(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}
