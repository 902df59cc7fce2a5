package state

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/taskqd/pkg/types"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s := New(dir, 3)

	s.Lock()
	done := newQueuedTask(s.NextID(), types.DefaultGroupName)
	done.Status = types.Done{Start: time.Now().Add(-time.Second), End: time.Now(), Result: types.Failed{ExitCode: 7}}
	require.NoError(t, s.AddTask(done))

	stashed := newQueuedTask(s.NextID(), types.DefaultGroupName)
	at := time.Now().Add(time.Hour)
	stashed.Status = types.Stashed{EnqueueAt: &at}
	require.NoError(t, s.AddTask(stashed))
	require.NoError(t, s.Save())
	s.Unlock()

	loaded, err := Load(dir, 3)
	require.NoError(t, err)

	loaded.Lock()
	defer loaded.Unlock()

	gotDone, ok := loaded.Task(done.ID)
	require.True(t, ok)
	assert.Equal(t, types.StatusDone, gotDone.Status.Kind())
	result, ok := gotDone.Status.(types.Done)
	require.True(t, ok)
	failed, ok := result.Result.(types.Failed)
	require.True(t, ok)
	assert.Equal(t, 7, failed.ExitCode)

	gotStashed, ok := loaded.Task(stashed.ID)
	require.True(t, ok)
	assert.Equal(t, types.StatusStashed, gotStashed.Status.Kind())
}

func TestLoadReconcilesRunningAndLockedStatus(t *testing.T) {
	dir := t.TempDir()
	s := New(dir, 1)

	s.Lock()
	running := newQueuedTask(s.NextID(), types.DefaultGroupName)
	running.Status = types.Running{Start: time.Now()}
	require.NoError(t, s.AddTask(running))

	locked := newQueuedTask(s.NextID(), types.DefaultGroupName)
	prior := types.Stashed{}
	locked.Status = types.Locked{Prior: prior}
	require.NoError(t, s.AddTask(locked))

	require.NoError(t, s.Save())
	s.Unlock()

	loaded, err := Load(dir, 1)
	require.NoError(t, err)
	loaded.Lock()
	defer loaded.Unlock()

	gotRunning, ok := loaded.Task(running.ID)
	require.True(t, ok)
	assert.Equal(t, types.StatusQueued, gotRunning.Status.Kind())

	gotLocked, ok := loaded.Task(locked.ID)
	require.True(t, ok)
	assert.Equal(t, types.StatusStashed, gotLocked.Status.Kind())
}

func TestLoadMissingFileStartsEmpty(t *testing.T) {
	s, err := Load(t.TempDir(), 2)
	require.NoError(t, err)
	s.Lock()
	defer s.Unlock()
	assert.Empty(t, s.Tasks())
	g, ok := s.Group(types.DefaultGroupName)
	require.True(t, ok)
	assert.Equal(t, 2, g.Parallelism)
}
