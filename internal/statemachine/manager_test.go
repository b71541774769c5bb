package statemachine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memoryHistory struct {
	mu          sync.Mutex
	transitions map[string][]Transition
	services    map[string]string
}

func newMemoryHistory() *memoryHistory {
	return &memoryHistory{transitions: map[string][]Transition{}, services: map[string]string{}}
}

func (m *memoryHistory) AppendTransition(_ context.Context, id, service string, seq int, tr Transition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if seq != len(m.transitions[id]) {
		return errors.New("out of order transition")
	}
	m.transitions[id] = append(m.transitions[id], tr)
	m.services[id] = service
	return nil
}

func (m *memoryHistory) LoadHistories(context.Context) (map[string]Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]Snapshot, len(m.transitions))
	for id, history := range m.transitions {
		out[id] = Snapshot{DeploymentID: id, Service: m.services[id], History: append([]Transition(nil), history...)}
	}
	return out, nil
}

func states(history []Transition) []State {
	out := make([]State, 0, len(history))
	for _, tr := range history {
		out = append(out, tr.State)
	}
	return out
}

func TestFailedDeploymentRollsBackAndRejectsActivation(t *testing.T) {
	ctx := context.Background()
	mgr := NewManager(nil, nil)
	_, err := mgr.Create(ctx, "d1", "svc-1", "")
	require.NoError(t, err)

	for _, next := range []State{StateBuilding, StateDeploying, StateFailed, StateRollingBack, StateRolledBack} {
		_, err := mgr.Transition(ctx, "d1", next, "step")
		require.NoError(t, err, "transition to %s", next)
	}

	machine, ok := mgr.Get("d1")
	require.True(t, ok)
	assert.Equal(t, []State{StatePending, StateBuilding, StateDeploying, StateFailed, StateRollingBack, StateRolledBack}, states(machine.History()))

	_, err = machine.Transition(StateActive, "retry", time.Now())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidTransition))
	var invalid *InvalidTransitionError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, StateRolledBack, invalid.From)
	assert.Equal(t, StateRolledBack, machine.State())
}

func TestIllegalTransitionLeavesStateUnchanged(t *testing.T) {
	ctx := context.Background()
	mgr := NewManager(nil, nil)
	_, err := mgr.Create(ctx, "d1", "svc", "")
	require.NoError(t, err)

	all := []State{StatePending, StateBuilding, StateDeploying, StateActive, StateFailed, StateRollingBack, StateRolledBack}
	for _, from := range all {
		for _, to := range all {
			if CanTransition(from, to) {
				continue
			}
			m := &Machine{id: "x", history: []Transition{{State: from}}}
			_, err := m.Transition(to, "illegal", time.Now())
			require.ErrorIs(t, err, ErrInvalidTransition, "%s -> %s", from, to)
			assert.Len(t, m.History(), 1)
			assert.Equal(t, from, m.State())
		}
	}
}

func TestMachinesAreIndependent(t *testing.T) {
	ctx := context.Background()
	mgr := NewManager(nil, nil)
	_, err := mgr.Create(ctx, "a", "svc", "")
	require.NoError(t, err)
	_, err = mgr.Create(ctx, "b", "svc", "")
	require.NoError(t, err)

	_, err = mgr.Transition(ctx, "a", StateBuilding, "build")
	require.NoError(t, err)

	b, _ := mgr.Get("b")
	assert.Equal(t, StatePending, b.State())
	assert.Len(t, b.History(), 1)
}

func TestTerminalMachinesAreArchived(t *testing.T) {
	ctx := context.Background()
	mgr := NewManager(nil, nil)
	_, err := mgr.Create(ctx, "d1", "svc", "")
	require.NoError(t, err)
	require.NoError(t, mgr.Drive(ctx, "d1", StateActive, "observed"))

	assert.Empty(t, mgr.Active())
	archived := mgr.Archived()
	require.Len(t, archived, 1)
	assert.Equal(t, StateActive, archived[0].State)

	_, err = mgr.Create(ctx, "d1", "svc", "")
	assert.ErrorIs(t, err, ErrExists)
}

func TestDriveRejectsUnreachableState(t *testing.T) {
	ctx := context.Background()
	mgr := NewManager(nil, nil)
	_, err := mgr.Create(ctx, "d1", "svc", "")
	require.NoError(t, err)
	require.NoError(t, mgr.Drive(ctx, "d1", StateFailed, "observed"))

	err = mgr.Drive(ctx, "d1", StateActive, "observed")
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestRestoreReplaysPersistedHistory(t *testing.T) {
	ctx := context.Background()
	store := newMemoryHistory()

	first := NewManager(nil, store)
	_, err := first.Create(ctx, "live", "svc", "")
	require.NoError(t, err)
	_, err = first.Transition(ctx, "live", StateBuilding, "build")
	require.NoError(t, err)
	_, err = first.Create(ctx, "done", "svc", "")
	require.NoError(t, err)
	require.NoError(t, first.Drive(ctx, "done", StateActive, "ok"))

	second := NewManager(nil, store)
	n, err := second.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	active := second.Active()
	require.Len(t, active, 1)
	assert.Equal(t, "live", active[0].DeploymentID)
	assert.Equal(t, StateBuilding, active[0].State)
	require.Len(t, second.Archived(), 1)

	_, err = second.Transition(ctx, "live", StateDeploying, "deploy")
	require.NoError(t, err)
}

func TestUnknownDeployment(t *testing.T) {
	mgr := NewManager(nil, nil)
	_, err := mgr.Transition(context.Background(), "missing", StateBuilding, "")
	assert.ErrorIs(t, err, ErrNotFound)
}

type seqRecorder struct {
	mu   sync.Mutex
	seqs map[string]map[int]State
	dups int
}

func (s *seqRecorder) AppendTransition(_ context.Context, id, _ string, seq int, tr Transition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.seqs[id] == nil {
		s.seqs[id] = map[int]State{}
	}
	if _, ok := s.seqs[id][seq]; ok {
		s.dups++
	}
	s.seqs[id][seq] = tr.State
	return nil
}

func (s *seqRecorder) LoadHistories(context.Context) (map[string]Snapshot, error) {
	return nil, nil
}

func TestConcurrentTransitionsPersistDistinctSequences(t *testing.T) {
	store := &seqRecorder{seqs: map[string]map[int]State{}}
	mgr := NewManager(nil, store)
	ctx := context.Background()

	for i := 0; i < 200; i++ {
		id := "dep-" + string(rune('a'+i%26)) + time.Duration(i).String()
		_, err := mgr.Create(ctx, id, "api", "rollout")
		require.NoError(t, err)
		_, err = mgr.Transition(ctx, id, StateBuilding, "build")
		require.NoError(t, err)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() { defer wg.Done(); _, _ = mgr.Transition(ctx, id, StateDeploying, "deploy") }()
		go func() { defer wg.Done(); _, _ = mgr.Transition(ctx, id, StateFailed, "health check") }()
		wg.Wait()

		machine, ok := mgr.Get(id)
		require.True(t, ok)
		history := machine.History()
		store.mu.Lock()
		recorded := store.seqs[id]
		store.mu.Unlock()
		require.Len(t, recorded, len(history))
		for seq, tr := range history {
			assert.Equal(t, tr.State, recorded[seq], "deployment %s seq %d", id, seq)
		}
	}
	assert.Zero(t, store.dups)
}
