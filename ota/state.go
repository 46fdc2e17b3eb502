package ota

import "fmt"

// State is the update state of the device
type State int

const (
	// StateNone means no update activity
	StateNone State = iota
	// StatePendingVerify means the running image has not been confirmed yet
	StatePendingVerify
	// StatePendingReboot means a new image was written and awaits a restart
	StatePendingReboot
	// StateInProgress means a transfer is running
	StateInProgress
)

var stateNames = map[State]string{
	StateNone:          "none",
	StatePendingVerify: "pending_verify",
	StatePendingReboot: "pending_reboot",
	StateInProgress:    "in_progress",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// validTransitions is the complete transition table
var validTransitions = map[State][]State{
	StateNone:          {StateInProgress},
	StateInProgress:    {StatePendingReboot, StateNone},
	StatePendingVerify: {StateNone},
}

// CanTransition reports whether from -> to is allowed
func CanTransition(from, to State) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
