package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ailabber/ailabber/pkg/errdefs"
	"github.com/ailabber/ailabber/pkg/types"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func newTestTask(username string) *types.Task {
	return &types.Task{
		Username:  username,
		Target:    types.TargetLocal,
		Upload:    "/home/" + username + "/project",
		Workdir:   ".",
		Commands:  []string{"echo hi"},
		CPUs:      1,
		Memory:    "1G",
		TimeLimit: "0:01:00",
	}
}

func TestCreateAndGetTask(t *testing.T) {
	store := newTestStore(t)

	task := newTestTask("alice")
	task.Ignore = []string{"/home/alice/project/.git"}
	task.LogsPaths = []string{"train.log"}
	require.NoError(t, store.CreateTask(task))

	assert.Len(t, task.TaskID, 8)
	assert.Equal(t, types.StatusPending, task.Status)

	got, err := store.GetTask(task.TaskID)
	require.NoError(t, err)
	assert.Equal(t, task.TaskID, got.TaskID)
	assert.Equal(t, "alice", got.Username)
	assert.Equal(t, types.StatusPending, got.Status)
	assert.Empty(t, got.SlurmJobID)
	assert.Equal(t, []string{"echo hi"}, got.Commands)
	assert.Equal(t, []string{"/home/alice/project/.git"}, got.Ignore)
	assert.Equal(t, []string{"train.log"}, got.LogsPaths)
	assert.Nil(t, got.StartedAt)
	assert.Nil(t, got.CompletedAt)
	assert.Nil(t, got.ExitCode)
}

func TestGetTaskNotFound(t *testing.T) {
	store := newTestStore(t)
	_, err := store.GetTask("deadbeef")
	assert.True(t, errdefs.IsNotFound(err))
}

func TestListTasks(t *testing.T) {
	store := newTestStore(t)

	first := newTestTask("alice")
	require.NoError(t, store.CreateTask(first))
	second := newTestTask("alice")
	require.NoError(t, store.CreateTask(second))
	other := newTestTask("bob")
	require.NoError(t, store.CreateTask(other))

	_, err := store.UpdateStatus(first.TaskID, types.StatusRunning, UpdateOptions{SlurmJobID: "42"})
	require.NoError(t, err)

	tasks, err := store.ListTasks("alice", "")
	require.NoError(t, err)
	assert.Len(t, tasks, 2)
	for _, task := range tasks {
		assert.Equal(t, "alice", task.Username)
	}

	running, err := store.ListTasks("alice", types.StatusRunning)
	require.NoError(t, err)
	require.Len(t, running, 1)
	assert.Equal(t, first.TaskID, running[0].TaskID)
}

func TestListActiveTasks(t *testing.T) {
	store := newTestStore(t)

	pending := newTestTask("alice")
	require.NoError(t, store.CreateTask(pending))
	running := newTestTask("alice")
	require.NoError(t, store.CreateTask(running))
	done := newTestTask("alice")
	require.NoError(t, store.CreateTask(done))

	_, err := store.UpdateStatus(running.TaskID, types.StatusRunning, UpdateOptions{SlurmJobID: "42"})
	require.NoError(t, err)
	_, err = store.UpdateStatus(done.TaskID, types.StatusRunning, UpdateOptions{SlurmJobID: "43"})
	require.NoError(t, err)
	_, err = store.UpdateStatus(done.TaskID, types.StatusCompleted, UpdateOptions{})
	require.NoError(t, err)

	active, err := store.ListActiveTasks()
	require.NoError(t, err)
	assert.Len(t, active, 2)
	for _, task := range active {
		assert.False(t, task.Status.Terminal())
	}
}

func TestStartedAtSetOnce(t *testing.T) {
	store := newTestStore(t)

	task := newTestTask("alice")
	require.NoError(t, store.CreateTask(task))

	first, err := store.UpdateStatus(task.TaskID, types.StatusRunning, UpdateOptions{SlurmJobID: "42"})
	require.NoError(t, err)
	require.NotNil(t, first.StartedAt)
	startedAt := *first.StartedAt

	// A later pending->running cycle must not move started_at.
	_, err = store.UpdateStatus(task.TaskID, types.StatusPending, UpdateOptions{})
	require.NoError(t, err)
	again, err := store.UpdateStatus(task.TaskID, types.StatusRunning, UpdateOptions{})
	require.NoError(t, err)
	require.NotNil(t, again.StartedAt)
	assert.Equal(t, startedAt, *again.StartedAt)
}

func TestTerminalStateImmutable(t *testing.T) {
	store := newTestStore(t)

	task := newTestTask("alice")
	require.NoError(t, store.CreateTask(task))

	_, err := store.UpdateStatus(task.TaskID, types.StatusRunning, UpdateOptions{SlurmJobID: "42"})
	require.NoError(t, err)
	exitCode := 0
	done, err := store.UpdateStatus(task.TaskID, types.StatusCompleted, UpdateOptions{ExitCode: &exitCode})
	require.NoError(t, err)
	require.NotNil(t, done.CompletedAt)
	require.NotNil(t, done.ExitCode)
	assert.Equal(t, 0, *done.ExitCode)

	// The reconciler may keep reporting RUNNING; the row must not move.
	after, err := store.UpdateStatus(task.TaskID, types.StatusRunning, UpdateOptions{})
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, after.Status)

	got, err := store.GetTask(task.TaskID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, got.Status)
	assert.Equal(t, *done.CompletedAt, *got.CompletedAt)
}

func TestUpdateStatusIdempotent(t *testing.T) {
	store := newTestStore(t)
	store.now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }

	task := newTestTask("alice")
	require.NoError(t, store.CreateTask(task))

	store.now = func() time.Time { return time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC) }
	_, err := store.UpdateStatus(task.TaskID, types.StatusRunning, UpdateOptions{SlurmJobID: "42"})
	require.NoError(t, err)
	first, err := store.GetTask(task.TaskID)
	require.NoError(t, err)

	// Second identical call, later wall clock: the row must stay
	// bit-identical, updated_at included.
	store.now = func() time.Time { return time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC) }
	_, err = store.UpdateStatus(task.TaskID, types.StatusRunning, UpdateOptions{SlurmJobID: "42"})
	require.NoError(t, err)
	second, err := store.GetTask(task.TaskID)
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestUpdatedAtMonotonic(t *testing.T) {
	store := newTestStore(t)

	task := newTestTask("alice")
	require.NoError(t, store.CreateTask(task))
	created := task.UpdatedAt

	updated, err := store.UpdateStatus(task.TaskID, types.StatusRunning, UpdateOptions{SlurmJobID: "42"})
	require.NoError(t, err)
	assert.False(t, updated.UpdatedAt.Before(created))
}

func TestCancelTask(t *testing.T) {
	store := newTestStore(t)

	t.Run("non-terminal task cancels", func(t *testing.T) {
		task := newTestTask("alice")
		require.NoError(t, store.CreateTask(task))
		_, err := store.UpdateStatus(task.TaskID, types.StatusRunning, UpdateOptions{SlurmJobID: "42"})
		require.NoError(t, err)

		canceled, err := store.CancelTask(task.TaskID)
		require.NoError(t, err)
		assert.Equal(t, types.StatusCanceled, canceled.Status)
		require.NotNil(t, canceled.CompletedAt)
	})

	t.Run("canceled forever despite later updates", func(t *testing.T) {
		task := newTestTask("alice")
		require.NoError(t, store.CreateTask(task))
		_, err := store.CancelTask(task.TaskID)
		require.NoError(t, err)

		after, err := store.UpdateStatus(task.TaskID, types.StatusRunning, UpdateOptions{})
		require.NoError(t, err)
		assert.Equal(t, types.StatusCanceled, after.Status)
	})

	t.Run("terminal task is a no-op", func(t *testing.T) {
		task := newTestTask("alice")
		require.NoError(t, store.CreateTask(task))
		_, err := store.UpdateStatus(task.TaskID, types.StatusRunning, UpdateOptions{SlurmJobID: "42"})
		require.NoError(t, err)
		_, err = store.UpdateStatus(task.TaskID, types.StatusCompleted, UpdateOptions{})
		require.NoError(t, err)

		got, err := store.CancelTask(task.TaskID)
		require.NoError(t, err)
		assert.Equal(t, types.StatusCompleted, got.Status)
	})
}

func TestUserCounters(t *testing.T) {
	store := newTestStore(t)

	_, err := store.GetUser("alice")
	assert.True(t, errdefs.IsNotFound(err))

	require.NoError(t, store.CreateTask(newTestTask("alice")))
	require.NoError(t, store.CreateTask(newTestTask("alice")))
	require.NoError(t, store.CreateTask(newTestTask("bob")))

	alice, err := store.GetUser("alice")
	require.NoError(t, err)
	assert.Equal(t, 2, alice.TotalTasks)

	bob, err := store.GetUser("bob")
	require.NoError(t, err)
	assert.Equal(t, 1, bob.TotalTasks)
}
