package capture

import (
	"errors"
	"fmt"
)

// State of one capture session
type State int

const (
	StateIdle State = iota
	StateRecording
	StatePaused
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRecording:
		return "recording"
	case StatePaused:
		return "paused"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Event drives the capture state machine
type Event int

const (
	EventStart Event = iota
	EventPause
	EventResume
	EventStop
	// EventFault is raised when the input stream dies mid-capture
	EventFault
)

func (e Event) String() string {
	switch e {
	case EventStart:
		return "start"
	case EventPause:
		return "pause"
	case EventResume:
		return "resume"
	case EventStop:
		return "stop"
	case EventFault:
		return "fault"
	}
	return fmt.Sprintf("event(%d)", int(e))
}

// ErrInvalidTransition is returned when an event is not allowed in the current state
var ErrInvalidTransition = errors.New("invalid capture transition")

// Apply is the pure transition function of the capture state machine.
//
//	Idle --start--> Recording --pause--> Paused --resume--> Recording
//	Recording|Paused --stop|fault--> Idle
func Apply(s State, e Event) (State, error) {
	switch {
	case s == StateIdle && e == EventStart:
		return StateRecording, nil
	case s == StateRecording && e == EventPause:
		return StatePaused, nil
	case s == StatePaused && e == EventResume:
		return StateRecording, nil
	case (s == StateRecording || s == StatePaused) && (e == EventStop || e == EventFault):
		return StateIdle, nil
	}
	return s, fmt.Errorf("%w: %s while %s", ErrInvalidTransition, e, s)
}
