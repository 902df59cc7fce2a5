package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/taskqd/pkg/process"
	"github.com/cuemby/taskqd/pkg/state"
	"github.com/cuemby/taskqd/pkg/types"
)

func newTestScheduler(t *testing.T, cfg Config) (*Scheduler, *state.Store) {
	t.Helper()
	dir := t.TempDir()
	s := state.New(dir, 1)
	proc := process.New(dir, "sh -c {{ pueue_command_string }}", nil)
	return New(s, proc, cfg), s
}

func addTask(t *testing.T, s *state.Store, command, group string, deps []int, priority int) *types.Task {
	t.Helper()
	s.Lock()
	defer s.Unlock()
	task := &types.Task{
		ID:           s.NextID(),
		Command:      command,
		Path:         t.TempDir(),
		Group:        group,
		Dependencies: deps,
		Priority:     priority,
		CreatedAt:    time.Now(),
		Status:       types.Queued{EnqueuedAt: time.Now()},
	}
	require.NoError(t, s.AddTask(task))
	return task
}

func TestTickStartsQueuedTaskUpToCap(t *testing.T) {
	sched, store := newTestScheduler(t, Config{})
	task := addTask(t, store, "true", types.DefaultGroupName, nil, 0)

	sched.tick()

	store.Lock()
	got, _ := store.Task(task.ID)
	status := got.Status.Kind()
	store.Unlock()
	assert.Contains(t, []types.StatusKind{types.StatusRunning, types.StatusDone}, status)
}

func TestTickRespectsParallelismCap(t *testing.T) {
	sched, store := newTestScheduler(t, Config{})
	a := addTask(t, store, "sleep 0.5", types.DefaultGroupName, nil, 0)
	b := addTask(t, store, "sleep 0.5", types.DefaultGroupName, nil, 0)

	sched.tick()

	store.Lock()
	gotA, _ := store.Task(a.ID)
	gotB, _ := store.Task(b.ID)
	running := 0
	for _, k := range []types.StatusKind{gotA.Status.Kind(), gotB.Status.Kind()} {
		if k == types.StatusRunning {
			running++
		}
	}
	store.Unlock()
	assert.Equal(t, 1, running)
}

func TestTickPromotesStashedWithArrivedTime(t *testing.T) {
	sched, store := newTestScheduler(t, Config{})
	task := addTask(t, store, "true", types.DefaultGroupName, nil, 0)

	store.Lock()
	past := time.Now().Add(-time.Minute)
	task.Status = types.Stashed{EnqueueAt: &past}
	store.Unlock()

	sched.tick()

	store.Lock()
	got, _ := store.Task(task.ID)
	status := got.Status.Kind()
	store.Unlock()
	assert.NotEqual(t, types.StatusStashed, status)
}

func TestTickResolvesDependencyFailureWithoutSpawning(t *testing.T) {
	sched, store := newTestScheduler(t, Config{})
	base := addTask(t, store, "false", types.DefaultGroupName, nil, 0)
	dependent := addTask(t, store, "true", types.DefaultGroupName, []int{base.ID}, 0)

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		sched.tick()
		store.Lock()
		b, _ := store.Task(base.ID)
		done := b.Status.Kind() == types.StatusDone
		store.Unlock()
		if done {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	sched.tick()

	store.Lock()
	gotDependent, _ := store.Task(dependent.ID)
	require.Equal(t, types.StatusDone, gotDependent.Status.Kind())
	doneStatus := gotDependent.Status.(types.Done)
	_, isDepFailed := doneStatus.Result.(types.DependencyFailed)
	store.Unlock()
	assert.True(t, isDepFailed)
}

func TestPauseGroupOnFailureTransitionsGroup(t *testing.T) {
	sched, store := newTestScheduler(t, Config{PauseGroupOnFailure: true})
	task := addTask(t, store, "false", types.DefaultGroupName, nil, 0)

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		sched.tick()
		store.Lock()
		got, _ := store.Task(task.ID)
		done := got.Status.Kind() == types.StatusDone
		store.Unlock()
		if done {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	store.Lock()
	g, _ := store.Group(types.DefaultGroupName)
	runState := g.RunState
	store.Unlock()
	assert.Equal(t, types.GroupPaused, runState)
}

func TestHigherPriorityTaskStartsFirst(t *testing.T) {
	sched, store := newTestScheduler(t, Config{})
	store.Lock()
	require.NoError(t, store.AddGroup("serial", 1))
	store.Unlock()

	low := addTask(t, store, "sleep 0.3", "serial", nil, 0)
	high := addTask(t, store, "sleep 0.3", "serial", nil, 10)
	_ = low

	sched.tick()

	store.Lock()
	gotHigh, _ := store.Task(high.ID)
	status := gotHigh.Status.Kind()
	store.Unlock()
	assert.Equal(t, types.StatusRunning, status)
}
