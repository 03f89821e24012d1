package storage

import (
	"github.com/ailabber/ailabber/pkg/types"
)

// UpdateOptions carries the optional fields of a status transition.
type UpdateOptions struct {
	// SlurmJobID, when non-empty, is stored alongside the transition.
	SlurmJobID string

	// ExitCode, when non-nil, is recorded on entry to a terminal state.
	ExitCode *int
}

// Store is the durable task record interface. All writes on a single task
// id are serialized; writers on different rows proceed in parallel.
type Store interface {
	// CreateTask inserts a pending row with a freshly generated id (unless
	// the task carries one), increments the owner's task counter and writes
	// a task_submit audit entry, all in one transaction.
	CreateTask(task *types.Task) error

	// GetTask returns the row or errdefs.ErrNotFound.
	GetTask(taskID string) (*types.Task, error)

	// ListTasks returns the owner's rows, optionally filtered by status,
	// newest first.
	ListTasks(username string, status types.TaskStatus) ([]*types.Task, error)

	// ListActiveTasks returns every pending or running row, for the
	// reconciler.
	ListActiveTasks() ([]*types.Task, error)

	// UpdateStatus applies a state transition. Transitions out of terminal
	// states silently no-op; a transition to the current status leaves the
	// row untouched. First entry to running sets started_at; first entry to
	// a terminal state sets completed_at and stores the exit code. The
	// updated row is returned.
	UpdateStatus(taskID string, status types.TaskStatus, opts UpdateOptions) (*types.Task, error)

	// CancelTask moves a non-terminal row to canceled and writes a
	// task_cancel audit entry. Terminal rows are returned unchanged.
	CancelTask(taskID string) (*types.Task, error)

	// GetUser returns the aggregate counters for a username, or
	// errdefs.ErrNotFound.
	GetUser(username string) (*types.User, error)

	// Close releases the underlying database.
	Close() error
}
