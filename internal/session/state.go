package session

import (
	"errors"
	"fmt"
)

// State is the lifecycle state of a stream session.
type State int

const (
	Idle State = iota
	Preparing
	Buffering
	Ready
	Playing
	Paused
	Error
	Released
)

var stateNames = [...]string{
	Idle:      "idle",
	Preparing: "preparing",
	Buffering: "buffering",
	Ready:     "ready",
	Playing:   "playing",
	Paused:    "paused",
	Error:     "error",
	Released:  "released",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

// MarshalText renders the state name in JSON payloads.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Bound reports whether a session in state s holds an item binding.
func (s State) Bound() bool {
	return s != Idle && s != Released
}

// ErrIllegalTransition is returned when a command is not valid in the
// session's current state.
var ErrIllegalTransition = errors.New("illegal state transition")

// transitions lists every legal edge of the state machine.
var transitions = map[State][]State{
	Idle:      {Preparing},
	Preparing: {Buffering, Error, Released},
	Buffering: {Ready, Paused, Error, Released},
	Ready:     {Playing, Buffering, Error, Released},
	Playing:   {Buffering, Paused, Error, Released},
	Paused:    {Playing, Buffering, Error, Released},
	Error:     {Released},
	Released:  {Idle},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
