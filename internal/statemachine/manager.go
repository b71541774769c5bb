package statemachine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// ErrNotFound is returned for unknown deployment ids.
var ErrNotFound = errors.New("deployment not found")

// ErrExists is returned when creating a machine for an id already tracked.
var ErrExists = errors.New("deployment already tracked")

// HistoryStore persists transitions so histories survive a restart.
type HistoryStore interface {
	AppendTransition(ctx context.Context, deploymentID, service string, seq int, tr Transition) error
	LoadHistories(ctx context.Context) (map[string]Snapshot, error)
}

// Manager indexes independent machines by deployment id. Operations on different
// ids never contend beyond the index lookup.
type Manager struct {
	mu       sync.RWMutex
	machines map[string]*Machine
	archived map[string]*Machine
	store    HistoryStore
	logger   *slog.Logger
	now      func() time.Time
}

// NewManager constructs a Manager; store may be nil for in-memory operation.
func NewManager(logger *slog.Logger, store HistoryStore) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		machines: make(map[string]*Machine),
		archived: make(map[string]*Machine),
		store:    store,
		logger:   logger,
		now:      time.Now,
	}
}

// SetClock overrides the time source (tests).
func (m *Manager) SetClock(now func() time.Time) {
	if now != nil {
		m.now = now
	}
}

// Restore loads persisted histories. Terminal machines go straight to the archive.
func (m *Manager) Restore(ctx context.Context) (int, error) {
	if m.store == nil {
		return 0, nil
	}
	snapshots, err := m.store.LoadHistories(ctx)
	if err != nil {
		return 0, fmt.Errorf("load deployment histories: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for id, snap := range snapshots {
		if len(snap.History) == 0 {
			continue
		}
		machine := &Machine{id: id, service: snap.Service, history: append([]Transition(nil), snap.History...)}
		if machine.history[len(machine.history)-1].State.Terminal() {
			m.archived[id] = machine
		} else {
			m.machines[id] = machine
		}
	}
	return len(snapshots), nil
}

// Create starts tracking a new deployment in PENDING.
func (m *Manager) Create(ctx context.Context, deploymentID, service, reason string) (*Machine, error) {
	if deploymentID == "" {
		return nil, fmt.Errorf("deployment id is required")
	}

	m.mu.Lock()
	if _, ok := m.machines[deploymentID]; ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrExists, deploymentID)
	}
	if _, ok := m.archived[deploymentID]; ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrExists, deploymentID)
	}
	machine := newMachine(deploymentID, service, reason, m.now().UTC())
	m.machines[deploymentID] = machine
	m.mu.Unlock()

	m.persist(ctx, machine, 0, machine.History()[0])
	return machine, nil
}

// Get returns the active or archived machine for the id.
func (m *Manager) Get(deploymentID string) (*Machine, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if machine, ok := m.machines[deploymentID]; ok {
		return machine, true
	}
	machine, ok := m.archived[deploymentID]
	return machine, ok
}

// Transition applies next to the identified machine. Terminal machines are archived.
func (m *Manager) Transition(ctx context.Context, deploymentID string, next State, reason string) (Transition, error) {
	machine, ok := m.Get(deploymentID)
	if !ok {
		return Transition{}, fmt.Errorf("%w: %s", ErrNotFound, deploymentID)
	}

	tr, seq, err := machine.apply(next, reason, m.now().UTC())
	if err != nil {
		return Transition{}, err
	}
	m.persist(ctx, machine, seq, tr)

	if next.Terminal() {
		m.mu.Lock()
		delete(m.machines, deploymentID)
		m.archived[deploymentID] = machine
		m.mu.Unlock()
		m.logger.Debug("deployment archived", slog.String("deployment_id", deploymentID), slog.String("state", string(next)))
	}
	return tr, nil
}

// Drive walks a machine through a legal path ending in target, recording each step.
// Used when adopting deployments first seen on the platform rather than triggered here.
func (m *Manager) Drive(ctx context.Context, deploymentID string, target State, reason string) error {
	machine, ok := m.Get(deploymentID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, deploymentID)
	}
	path := pathTo(machine.State(), target)
	if path == nil {
		return &InvalidTransitionError{DeploymentID: deploymentID, From: machine.State(), To: target}
	}
	for _, step := range path {
		if _, err := m.Transition(ctx, deploymentID, step, reason); err != nil {
			return err
		}
	}
	return nil
}

// Active lists non-terminal machines ordered by id.
func (m *Manager) Active() []Snapshot {
	m.mu.RLock()
	machines := make([]*Machine, 0, len(m.machines))
	for _, machine := range m.machines {
		machines = append(machines, machine)
	}
	m.mu.RUnlock()

	out := make([]Snapshot, 0, len(machines))
	for _, machine := range machines {
		out = append(out, machine.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeploymentID < out[j].DeploymentID })
	return out
}

// Archived lists terminal machines ordered by id.
func (m *Manager) Archived() []Snapshot {
	m.mu.RLock()
	machines := make([]*Machine, 0, len(m.archived))
	for _, machine := range m.archived {
		machines = append(machines, machine)
	}
	m.mu.RUnlock()

	out := make([]Snapshot, 0, len(machines))
	for _, machine := range machines {
		out = append(out, machine.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeploymentID < out[j].DeploymentID })
	return out
}

func (m *Manager) persist(ctx context.Context, machine *Machine, seq int, tr Transition) {
	if m.store == nil {
		return
	}
	if err := m.store.AppendTransition(ctx, machine.ID(), machine.Service(), seq, tr); err != nil {
		m.logger.Warn("persist deployment transition failed",
			slog.String("deployment_id", machine.ID()),
			slog.String("state", string(tr.State)),
			slog.Any("error", err),
		)
	}
}

// pathTo finds the shortest legal sequence of states from → target (excluding from).
func pathTo(from, target State) []State {
	if from == target {
		return []State{}
	}
	type node struct {
		state State
		path  []State
	}
	queue := []node{{state: from}}
	seen := map[State]bool{from: true}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		for _, next := range transitions[current.state] {
			if seen[next] {
				continue
			}
			path := append(append([]State(nil), current.path...), next)
			if next == target {
				return path
			}
			seen[next] = true
			queue = append(queue, node{state: next, path: path})
		}
	}
	return nil
}
