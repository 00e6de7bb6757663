package session

import (
	"fmt"

	"github.com/devpocket/devpocket-server/internal/database"
)

// Status is the closed set of session lifecycle states. Transitions go
// through the To* methods so illegal jumps (e.g. terminated → active) are
// rejected at the call site instead of by string checks scattered around.
type Status string

const (
	StatusPending      Status = database.StatusPending
	StatusConnecting   Status = database.StatusConnecting
	StatusActive       Status = database.StatusActive
	StatusDisconnected Status = database.StatusDisconnected
	StatusFailed       Status = database.StatusFailed
	StatusTerminated   Status = database.StatusTerminated
)

func (s Status) String() string { return string(s) }

// Valid reports whether s is one of the six known states.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusConnecting, StatusActive,
		StatusDisconnected, StatusFailed, StatusTerminated:
		return true
	}
	return false
}

// Live reports whether the session counts against the one-live-session-per-
// name invariant.
func (s Status) Live() bool {
	switch s {
	case StatusPending, StatusConnecting, StatusActive:
		return true
	}
	return false
}

// Terminal reports whether the session has reached a final state.
func (s Status) Terminal() bool {
	return s == StatusTerminated || s == StatusFailed
}

// ToActive transitions a starting or reconnecting session to active.
func (s Status) ToActive() (Status, error) {
	switch s {
	case StatusPending, StatusConnecting, StatusDisconnected:
		return StatusActive, nil
	}
	return s, fmt.Errorf("cannot activate session in state %q", s)
}

// ToFailed marks a non-terminal session as failed.
func (s Status) ToFailed() (Status, error) {
	if s.Terminal() {
		return s, fmt.Errorf("cannot fail session in state %q", s)
	}
	return StatusFailed, nil
}

// ToTerminated ends a non-terminal session.
func (s Status) ToTerminated() (Status, error) {
	if s.Terminal() {
		return s, fmt.Errorf("cannot terminate session in state %q", s)
	}
	return StatusTerminated, nil
}

// ToDisconnected records that a live transport dropped out from under an
// active session.
func (s Status) ToDisconnected() (Status, error) {
	if s != StatusActive {
		return s, fmt.Errorf("cannot disconnect session in state %q", s)
	}
	return StatusDisconnected, nil
}

// ToConnecting restarts connection establishment, either from pending or
// when re-dialing a disconnected session.
func (s Status) ToConnecting() (Status, error) {
	switch s {
	case StatusPending, StatusDisconnected:
		return StatusConnecting, nil
	}
	return s, fmt.Errorf("cannot begin connecting from state %q", s)
}
