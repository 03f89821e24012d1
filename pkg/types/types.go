package types

import (
	"strings"
	"time"
)

// Task represents a single user submission, the unit of state in the system.
type Task struct {
	TaskID       string     `json:"task_id"`
	Username     string     `json:"username"`
	Target       TaskTarget `json:"target"`
	Status       TaskStatus `json:"status"`
	SlurmJobID   string     `json:"slurm_job_id,omitempty"`
	Upload       string     `json:"upload,omitempty"`
	Ignore       []string   `json:"ignore,omitempty"`
	Workdir      string     `json:"workdir,omitempty"`
	Commands     []string   `json:"commands,omitempty"`
	LogsPaths    []string   `json:"logs,omitempty"`
	ResultsPaths []string   `json:"results,omitempty"`
	GPUs         int        `json:"gpus"`
	CPUs         int        `json:"cpus"`
	Memory       string     `json:"memory"`
	TimeLimit    string     `json:"time_limit"`
	Partition    string     `json:"partition,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	ExitCode     *int       `json:"exit_code,omitempty"`
}

// CommandLine joins the task commands with && for contexts that need a
// single shell string. Commands containing their own chaining (;, ||) are
// preserved verbatim.
func (t *Task) CommandLine() string {
	return strings.Join(t.Commands, " && ")
}

// TaskTarget selects the submission path.
type TaskTarget string

const (
	TargetLocal    TaskTarget = "local"
	TargetRemote   TaskTarget = "remote"
	TargetLocalRun TaskTarget = "local-run"
)

// Valid reports whether the target is one of the known submission paths.
func (t TaskTarget) Valid() bool {
	switch t {
	case TargetLocal, TargetRemote, TargetLocalRun:
		return true
	}
	return false
}

// TaskStatus is the unified task state.
type TaskStatus string

const (
	StatusPending   TaskStatus = "pending"
	StatusRunning   TaskStatus = "running"
	StatusCompleted TaskStatus = "completed"
	StatusFailed    TaskStatus = "failed"
	StatusCanceled  TaskStatus = "canceled"

	// StatusUnknown is never stored; it marks Slurm states outside the
	// mapping table and is treated as a no-op by the reconciler.
	StatusUnknown TaskStatus = "unknown"
)

// Terminal reports whether the status is immutable.
func (s TaskStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCanceled:
		return true
	}
	return false
}

// User carries advisory per-user counters, updated opportunistically when a
// task is created.
type User struct {
	Username   string    `json:"username"`
	TotalTasks int       `json:"total_tasks"`
	CreatedAt  time.Time `json:"created_at"`
}

// MessageLog is an append-only audit entry. Nothing reads it back.
type MessageLog struct {
	MsgID     string    `json:"msg_id"`
	MsgType   string    `json:"msg_type"`
	Direction string    `json:"direction"` // "incoming" or "outgoing"
	Payload   string    `json:"payload"`
	CreatedAt time.Time `json:"created_at"`
}

// Message log type tags.
const (
	MsgTaskSubmit = "task_submit"
	MsgTaskCancel = "task_cancel"
)

// SubmitRequest is the body of POST /api/submit on the Local Proxy, and of
// POST /api/submit on the Remote Server (with TaskID filled in by the proxy).
type SubmitRequest struct {
	TaskID    string   `json:"task_id,omitempty"`
	Username  string   `json:"username"`
	Target    string   `json:"target,omitempty"`
	Commands  []string `json:"commands"`
	Upload    string   `json:"upload,omitempty"`
	Ignore    []string `json:"ignore,omitempty"`
	Workdir   string   `json:"workdir,omitempty"`
	Logs      []string `json:"logs,omitempty"`
	Results   []string `json:"results,omitempty"`
	GPUs      int      `json:"gpus"`
	CPUs      int      `json:"cpus"`
	Memory    string   `json:"memory,omitempty"`
	TimeLimit string   `json:"time_limit,omitempty"`
	Partition string   `json:"partition,omitempty"`
}

// ApplyDefaults fills the defaults the wire format implies.
func (r *SubmitRequest) ApplyDefaults() {
	if r.Target == "" {
		r.Target = string(TargetLocal)
	}
	if r.Upload == "" {
		r.Upload = "."
	}
	if r.Workdir == "" {
		r.Workdir = "."
	}
	if r.CPUs == 0 {
		r.CPUs = 1
	}
	if r.Memory == "" {
		r.Memory = "4G"
	}
	if r.TimeLimit == "" {
		r.TimeLimit = "1:00:00"
	}
}

// SubmitResponse is the success body for a submit.
type SubmitResponse struct {
	TaskID     string `json:"task_id"`
	SlurmJobID string `json:"slurm_job_id,omitempty"`
	Target     string `json:"target,omitempty"`
	Message    string `json:"message,omitempty"`
}

// RemoteStatusResponse is the Remote Server's status body, indexed by Slurm
// job id.
type RemoteStatusResponse struct {
	SlurmJobID string `json:"slurm_job_id"`
	SlurmState string `json:"slurm_state"`
	Status     string `json:"status"`
	ExitCode   *int   `json:"exit_code,omitempty"`
	Node       string `json:"node,omitempty"`
	StartTime  string `json:"start_time,omitempty"`
	EndTime    string `json:"end_time,omitempty"`
}

// LogsResponse carries post-hoc stdout/stderr for a task.
type LogsResponse struct {
	TaskID string `json:"task_id"`
	Stdout string `json:"stdout"`
	Stderr string `json:"stderr"`
}

// ErrorResponse is the structured failure body every endpoint returns.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}
