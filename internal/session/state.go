// Package session holds the per-agent lifecycle state machine and the
// randomized pacing policy that keeps agents off a fingerprintable cadence.
package session

import (
	"fmt"
	"sync"
)

// State is one phase of an agent's session lifecycle.
type State int

const (
	StateUninitialized State = iota
	StateAuthenticating
	StateActive
	StateCooldown
	StateReinitializing
	StateTerminated
	StateAuthFailed
)

// String returns the upper-case state name.
func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "UNINITIALIZED"
	case StateAuthenticating:
		return "AUTHENTICATING"
	case StateActive:
		return "ACTIVE"
	case StateCooldown:
		return "COOLDOWN"
	case StateReinitializing:
		return "REINITIALIZING"
	case StateTerminated:
		return "TERMINATED"
	case StateAuthFailed:
		return "AUTH_FAILED"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Terminal reports whether the state admits no further work.
func (s State) Terminal() bool {
	return s == StateTerminated || s == StateAuthFailed
}

// legalEdges enumerates the permitted transitions. Any non-terminal state
// may additionally move to TERMINATED on pool shutdown.
var legalEdges = map[State][]State{
	StateUninitialized:  {StateAuthenticating},
	StateAuthenticating: {StateActive, StateAuthFailed},
	StateActive:         {StateCooldown, StateReinitializing},
	StateCooldown:       {StateActive},
	StateReinitializing: {StateAuthenticating},
}

// Machine tracks the current state of one agent and rejects transitions the
// lifecycle does not permit.
type Machine struct {
	mu    sync.Mutex
	state State
}

// NewMachine starts a machine in UNINITIALIZED.
func NewMachine() *Machine {
	return &Machine{state: StateUninitialized}
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Transition moves the machine to the requested state, or fails if the edge
// is not part of the lifecycle.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if to == StateTerminated {
		m.state = StateTerminated
		return nil
	}
	for _, next := range legalEdges[m.state] {
		if next == to {
			m.state = to
			return nil
		}
	}
	return fmt.Errorf("illegal transition %s -> %s", m.state, to)
}
