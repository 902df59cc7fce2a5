package dispatcher

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/taskqd/pkg/process"
	"github.com/cuemby/taskqd/pkg/protocol"
	"github.com/cuemby/taskqd/pkg/scheduler"
	"github.com/cuemby/taskqd/pkg/state"
	"github.com/cuemby/taskqd/pkg/types"
)

func newTestDispatcher(t *testing.T) (*Dispatcher, *state.Store) {
	t.Helper()
	dir := t.TempDir()
	store := state.New(dir, 1)
	proc := process.New(dir, "sh -c {{ pueue_command_string }}", nil)
	sched := scheduler.New(store, proc, scheduler.Config{Interval: time.Hour})
	return New(store, proc, sched), store
}

func TestAddAssignsIDAndQueues(t *testing.T) {
	d, store := newTestDispatcher(t)

	resp := d.Dispatch(protocol.Request{Kind: protocol.KindAdd, Command: "true", Path: "/tmp"})
	require.True(t, resp.OK)
	assert.Equal(t, 0, resp.TaskID)

	store.Lock()
	task, ok := store.Task(0)
	store.Unlock()
	require.True(t, ok)
	assert.Equal(t, types.StatusQueued, task.Status.Kind())
}

func TestAddRejectsUnknownGroup(t *testing.T) {
	d, _ := newTestDispatcher(t)

	resp := d.Dispatch(protocol.Request{Kind: protocol.KindAdd, Command: "true", Group: "ghost"})
	require.False(t, resp.OK)
	require.NotNil(t, resp.Error)
	assert.Equal(t, []string{"ghost"}, resp.Error.Groups)
}

func TestAddRejectsUnknownDependency(t *testing.T) {
	d, _ := newTestDispatcher(t)

	resp := d.Dispatch(protocol.Request{Kind: protocol.KindAdd, Command: "true", Dependencies: []int{99}})
	require.False(t, resp.OK)
	assert.Equal(t, []int{99}, resp.Error.TaskIDs)
}

func TestRemoveRejectsRunningTask(t *testing.T) {
	d, store := newTestDispatcher(t)
	store.Lock()
	task := &types.Task{ID: store.NextID(), Command: "sleep 1", Group: types.DefaultGroupName, Status: types.Running{Start: time.Now()}}
	require.NoError(t, store.AddTask(task))
	store.Unlock()

	resp := d.Dispatch(protocol.Request{Kind: protocol.KindRemove, Selection: protocol.Selection{IDs: []int{task.ID}}})
	require.False(t, resp.OK)
	assert.Equal(t, []int{task.ID}, resp.Error.TaskIDs)
}

func TestRemoveRejectsTaskStillDependedOn(t *testing.T) {
	d, store := newTestDispatcher(t)
	store.Lock()
	base := &types.Task{ID: store.NextID(), Command: "true", Group: types.DefaultGroupName, Status: types.Queued{EnqueuedAt: time.Now()}}
	require.NoError(t, store.AddTask(base))
	dependent := &types.Task{ID: store.NextID(), Command: "true", Group: types.DefaultGroupName, Dependencies: []int{base.ID}, Status: types.Queued{EnqueuedAt: time.Now()}}
	require.NoError(t, store.AddTask(dependent))
	store.Unlock()

	resp := d.Dispatch(protocol.Request{Kind: protocol.KindRemove, Selection: protocol.Selection{IDs: []int{base.ID}}})
	require.False(t, resp.OK)
	assert.Equal(t, []int{base.ID}, resp.Error.TaskIDs)
}

func TestStashAndEnqueueRoundTrip(t *testing.T) {
	d, store := newTestDispatcher(t)
	addResp := d.Dispatch(protocol.Request{Kind: protocol.KindAdd, Command: "true"})
	require.True(t, addResp.OK)
	id := addResp.TaskID

	stashResp := d.Dispatch(protocol.Request{Kind: protocol.KindStash, Selection: protocol.Selection{IDs: []int{id}}})
	require.True(t, stashResp.OK)
	store.Lock()
	task, _ := store.Task(id)
	assert.Equal(t, types.StatusStashed, task.Status.Kind())
	store.Unlock()

	enqueueResp := d.Dispatch(protocol.Request{Kind: protocol.KindEnqueue, Selection: protocol.Selection{IDs: []int{id}}})
	require.True(t, enqueueResp.OK)
	store.Lock()
	task, _ = store.Task(id)
	assert.Equal(t, types.StatusQueued, task.Status.Kind())
	store.Unlock()
}

func TestSwitchSwapsCommands(t *testing.T) {
	d, store := newTestDispatcher(t)
	a := d.Dispatch(protocol.Request{Kind: protocol.KindAdd, Command: "echo a"})
	b := d.Dispatch(protocol.Request{Kind: protocol.KindAdd, Command: "echo b"})
	require.True(t, a.OK)
	require.True(t, b.OK)

	resp := d.Dispatch(protocol.Request{Kind: protocol.KindSwitch, IDA: a.TaskID, IDB: b.TaskID})
	require.True(t, resp.OK)

	store.Lock()
	ta, _ := store.Task(a.TaskID)
	tb, _ := store.Task(b.TaskID)
	store.Unlock()
	assert.Equal(t, "echo b", ta.Command)
	assert.Equal(t, "echo a", tb.Command)
}

func TestSwitchRewritesThirdPartyDependencies(t *testing.T) {
	d, store := newTestDispatcher(t)
	a := d.Dispatch(protocol.Request{Kind: protocol.KindAdd, Command: "echo a"})
	b := d.Dispatch(protocol.Request{Kind: protocol.KindAdd, Command: "echo b"})
	require.True(t, a.OK)
	require.True(t, b.OK)

	c := d.Dispatch(protocol.Request{Kind: protocol.KindAdd, Command: "echo c", Dependencies: []int{a.TaskID, b.TaskID}, Stashed: true})
	require.True(t, c.OK)

	resp := d.Dispatch(protocol.Request{Kind: protocol.KindSwitch, IDA: a.TaskID, IDB: b.TaskID})
	require.True(t, resp.OK)

	store.Lock()
	tc, _ := store.Task(c.TaskID)
	store.Unlock()
	assert.ElementsMatch(t, []int{b.TaskID, a.TaskID}, tc.Dependencies)

	// Switching back is an identity operation: command and dependency
	// references both return to their original state.
	resp2 := d.Dispatch(protocol.Request{Kind: protocol.KindSwitch, IDA: a.TaskID, IDB: b.TaskID})
	require.True(t, resp2.OK)

	store.Lock()
	ta, _ := store.Task(a.TaskID)
	tb, _ := store.Task(b.TaskID)
	tc2, _ := store.Task(c.TaskID)
	store.Unlock()
	assert.Equal(t, "echo a", ta.Command)
	assert.Equal(t, "echo b", tb.Command)
	assert.ElementsMatch(t, []int{a.TaskID, b.TaskID}, tc2.Dependencies)
}

func TestGroupAddParallelAndList(t *testing.T) {
	d, _ := newTestDispatcher(t)

	addResp := d.Dispatch(protocol.Request{Kind: protocol.KindGroupAdd, Group: "build", Parallelism: 2})
	require.True(t, addResp.OK)

	parResp := d.Dispatch(protocol.Request{Kind: protocol.KindParallel, Group: "build", Parallelism: 5})
	require.True(t, parResp.OK)

	listResp := d.Dispatch(protocol.Request{Kind: protocol.KindGroupList})
	require.True(t, listResp.OK)
	var found bool
	for _, g := range listResp.Groups {
		if g.Name == "build" {
			found = true
			assert.Equal(t, 5, g.Parallelism)
		}
	}
	assert.True(t, found)
}

func TestGroupRemoveRejectsNonEmptyGroup(t *testing.T) {
	d, _ := newTestDispatcher(t)
	require.True(t, d.Dispatch(protocol.Request{Kind: protocol.KindGroupAdd, Group: "build", Parallelism: 1}).OK)
	require.True(t, d.Dispatch(protocol.Request{Kind: protocol.KindAdd, Command: "true", Group: "build"}).OK)

	resp := d.Dispatch(protocol.Request{Kind: protocol.KindGroupRemove, Group: "build"})
	require.False(t, resp.OK)
	assert.Equal(t, []string{"build"}, resp.Error.Groups)
}

func TestEnvSetAndUnset(t *testing.T) {
	d, store := newTestDispatcher(t)
	addResp := d.Dispatch(protocol.Request{Kind: protocol.KindAdd, Command: "true"})
	require.True(t, addResp.OK)

	setResp := d.Dispatch(protocol.Request{
		Kind:      protocol.KindEnvSet,
		Selection: protocol.Selection{IDs: []int{addResp.TaskID}},
		Name:      "FOO",
		Value:     "bar",
	})
	require.True(t, setResp.OK)

	store.Lock()
	task, _ := store.Task(addResp.TaskID)
	assert.Equal(t, "bar", task.Env["FOO"])
	store.Unlock()

	unsetResp := d.Dispatch(protocol.Request{
		Kind:      protocol.KindEnvUnset,
		Selection: protocol.Selection{IDs: []int{addResp.TaskID}},
		Name:      "FOO",
	})
	require.True(t, unsetResp.OK)

	store.Lock()
	task, _ = store.Task(addResp.TaskID)
	_, present := task.Env["FOO"]
	store.Unlock()
	assert.False(t, present)
}

func TestEditBeginLocksAndEditEndRestores(t *testing.T) {
	d, store := newTestDispatcher(t)
	addResp := d.Dispatch(protocol.Request{Kind: protocol.KindAdd, Command: "true", Label: "original"})
	require.True(t, addResp.OK)

	beginResp := d.Dispatch(protocol.Request{Kind: protocol.KindEditBegin, Selection: protocol.Selection{IDs: []int{addResp.TaskID}}})
	require.True(t, beginResp.OK)
	store.Lock()
	task, _ := store.Task(addResp.TaskID)
	assert.Equal(t, types.StatusLocked, task.Status.Kind())
	store.Unlock()

	endResp := d.Dispatch(protocol.Request{Kind: protocol.KindEditEnd, Selection: protocol.Selection{IDs: []int{addResp.TaskID}}, Restore: true})
	require.True(t, endResp.OK)
	store.Lock()
	task, _ = store.Task(addResp.TaskID)
	assert.Equal(t, types.StatusQueued, task.Status.Kind())
	assert.Equal(t, "original", task.Label)
	store.Unlock()
}

func TestEditEndAppliesEdits(t *testing.T) {
	d, store := newTestDispatcher(t)
	addResp := d.Dispatch(protocol.Request{Kind: protocol.KindAdd, Command: "true", Label: "original"})
	require.True(t, addResp.OK)
	require.True(t, d.Dispatch(protocol.Request{Kind: protocol.KindEditBegin, Selection: protocol.Selection{IDs: []int{addResp.TaskID}}}).OK)

	newLabel := "edited"
	endResp := d.Dispatch(protocol.Request{
		Kind:      protocol.KindEditEnd,
		Selection: protocol.Selection{IDs: []int{addResp.TaskID}},
		EditLabel: &newLabel,
	})
	require.True(t, endResp.OK)

	store.Lock()
	task, _ := store.Task(addResp.TaskID)
	assert.Equal(t, "edited", task.Label)
	store.Unlock()
}

func TestWaitReturnsImmediatelyWhenAlreadyAtTarget(t *testing.T) {
	d, store := newTestDispatcher(t)
	store.Lock()
	task := &types.Task{
		ID:     store.NextID(),
		Group:  types.DefaultGroupName,
		Status: types.Done{Start: time.Now(), End: time.Now(), Result: types.Success{}},
	}
	require.NoError(t, store.AddTask(task))
	store.Unlock()

	done := make(chan protocol.Response, 1)
	go func() {
		done <- d.Dispatch(protocol.Request{Kind: protocol.KindWait, Selection: protocol.Selection{IDs: []int{task.ID}}})
	}()

	select {
	case resp := <-done:
		require.True(t, resp.OK)
	case <-time.After(2 * time.Second):
		t.Fatal("wait did not return for an already-terminal task")
	}
}

func TestWaitUnblocksOnNotify(t *testing.T) {
	d, store := newTestDispatcher(t)
	store.Lock()
	task := &types.Task{ID: store.NextID(), Group: types.DefaultGroupName, Status: types.Running{Start: time.Now()}}
	require.NoError(t, store.AddTask(task))
	store.Unlock()

	done := make(chan protocol.Response, 1)
	go func() {
		done <- d.Dispatch(protocol.Request{
			Kind:         protocol.KindWait,
			Selection:    protocol.Selection{IDs: []int{task.ID}},
			TargetStatus: types.StatusDone,
		})
	}()

	select {
	case <-done:
		t.Fatal("wait returned before the target status was reached")
	case <-time.After(50 * time.Millisecond):
	}

	store.Lock()
	task.Status = types.Done{Start: time.Now(), End: time.Now(), Result: types.Success{}}
	store.NotifyWaiters()
	store.Unlock()

	select {
	case resp := <-done:
		require.True(t, resp.OK)
	case <-time.After(2 * time.Second):
		t.Fatal("wait did not unblock after NotifyWaiters")
	}
}

func TestShutdownSignalsChannel(t *testing.T) {
	d, _ := newTestDispatcher(t)
	resp := d.Dispatch(protocol.Request{Kind: protocol.KindShutdown, Graceful: true})
	require.True(t, resp.OK)

	select {
	case sig := <-d.ShutdownCh:
		assert.True(t, sig.Graceful)
	default:
		t.Fatal("shutdown request did not signal ShutdownCh")
	}
}

func TestKillRejectsTaskWithNoLiveProcess(t *testing.T) {
	d, store := newTestDispatcher(t)
	store.Lock()
	task := &types.Task{ID: store.NextID(), Group: types.DefaultGroupName, Status: types.Queued{EnqueuedAt: time.Now()}}
	require.NoError(t, store.AddTask(task))
	store.Unlock()

	resp := d.Dispatch(protocol.Request{Kind: protocol.KindKill, Selection: protocol.Selection{IDs: []int{task.ID}}})
	require.False(t, resp.OK)
	assert.Equal(t, []int{task.ID}, resp.Error.TaskIDs)
}

func TestStatusFiltersByGroup(t *testing.T) {
	d, _ := newTestDispatcher(t)
	require.True(t, d.Dispatch(protocol.Request{Kind: protocol.KindGroupAdd, Group: "build", Parallelism: 1}).OK)
	require.True(t, d.Dispatch(protocol.Request{Kind: protocol.KindAdd, Command: "true", Group: "build"}).OK)
	require.True(t, d.Dispatch(protocol.Request{Kind: protocol.KindAdd, Command: "true"}).OK)

	resp := d.Dispatch(protocol.Request{Kind: protocol.KindStatus, Selection: protocol.Selection{Group: "build"}})
	require.True(t, resp.OK)
	require.Len(t, resp.Tasks, 1)
	assert.Equal(t, "build", resp.Tasks[0].Group)
}
