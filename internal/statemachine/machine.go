// Package statemachine tracks the lifecycle of individual deployment attempts.
package statemachine

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// State is a deployment lifecycle state.
type State string

const (
	StatePending     State = "PENDING"
	StateBuilding    State = "BUILDING"
	StateDeploying   State = "DEPLOYING"
	StateActive      State = "ACTIVE"
	StateFailed      State = "FAILED"
	StateRollingBack State = "ROLLING_BACK"
	StateRolledBack  State = "ROLLED_BACK"
)

var transitions = map[State][]State{
	StatePending:     {StateBuilding},
	StateBuilding:    {StateDeploying, StateFailed},
	StateDeploying:   {StateActive, StateFailed},
	StateFailed:      {StateRollingBack},
	StateRollingBack: {StateRolledBack},
}

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	return s == StateActive || s == StateRolledBack
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	switch s {
	case StatePending, StateBuilding, StateDeploying, StateActive, StateFailed, StateRollingBack, StateRolledBack:
		return true
	}
	return false
}

// CanTransition reports whether from→to is a legal edge.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ErrInvalidTransition is matched by every InvalidTransitionError.
var ErrInvalidTransition = errors.New("invalid transition")

// InvalidTransitionError reports a rejected transition; the machine is unchanged.
type InvalidTransitionError struct {
	DeploymentID string
	From         State
	To           State
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("deployment %s: invalid transition %s -> %s", e.DeploymentID, e.From, e.To)
}

// Is lets errors.Is match ErrInvalidTransition.
func (e *InvalidTransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// Transition is one entry of a machine's history.
type Transition struct {
	State  State
	Reason string
	At     time.Time
}

// Machine is the state machine for one deployment attempt.
type Machine struct {
	mu      sync.Mutex
	id      string
	service string
	history []Transition
}

func newMachine(id, service, reason string, at time.Time) *Machine {
	if reason == "" {
		reason = "created"
	}
	return &Machine{
		id:      id,
		service: service,
		history: []Transition{{State: StatePending, Reason: reason, At: at}},
	}
}

// ID returns the deployment id.
func (m *Machine) ID() string { return m.id }

// Service returns the service the deployment belongs to.
func (m *Machine) Service() string { return m.service }

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.history[len(m.history)-1].State
}

// History returns a copy of every recorded transition, initial state first.
func (m *Machine) History() []Transition {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Transition(nil), m.history...)
}

// Transition moves the machine to next, or returns InvalidTransitionError unchanged.
func (m *Machine) Transition(next State, reason string, at time.Time) (Transition, error) {
	tr, _, err := m.apply(next, reason, at)
	return tr, err
}

// apply is Transition that also reports the history index it appended at.
func (m *Machine) apply(next State, reason string, at time.Time) (Transition, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current := m.history[len(m.history)-1].State
	if !CanTransition(current, next) {
		return Transition{}, 0, &InvalidTransitionError{DeploymentID: m.id, From: current, To: next}
	}
	tr := Transition{State: next, Reason: reason, At: at}
	m.history = append(m.history, tr)
	return tr, len(m.history) - 1, nil
}

// Snapshot is a read-only copy of a machine.
type Snapshot struct {
	DeploymentID string
	Service      string
	State        State
	History      []Transition
}

func (m *Machine) snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Snapshot{
		DeploymentID: m.id,
		Service:      m.service,
		State:        m.history[len(m.history)-1].State,
		History:      append([]Transition(nil), m.history...),
	}
}
