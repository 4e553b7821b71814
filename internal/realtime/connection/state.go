package connection

import (
	"errors"
	"strings"
)

// State is the connection lifecycle state of the logical channel.
// Exactly one value holds at a time; transitions gate send/receive behavior.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateError        State = "error"
)

var ErrInvalidState = errors.New("invalid connection state")

// ParseState normalizes (lowercases+trims) and validates a state string.
func ParseState(in string) (State, error) {
	state := State(strings.ToLower(strings.TrimSpace(in)))
	if state.Valid() {
		return state, nil
	}
	return "", ErrInvalidState
}

// Valid reports whether state is one of the allowed state constants.
func (state State) Valid() bool {
	switch state {
	case StateDisconnected, StateConnecting, StateConnected, StateReconnecting, StateError:
		return true
	default:
		return false
	}
}

// String returns the string representation of the State.
func (state State) String() string {
	return string(state)
}

// Live reports whether the channel can currently transmit.
func (state State) Live() bool {
	return state == StateConnected
}
