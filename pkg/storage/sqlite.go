package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/ailabber/ailabber/pkg/errdefs"
	"github.com/ailabber/ailabber/pkg/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	task_id        TEXT PRIMARY KEY,
	username       TEXT NOT NULL,
	target         TEXT NOT NULL,
	status         TEXT NOT NULL DEFAULT 'pending',
	slurm_job_id   TEXT,
	upload         TEXT,
	ignore         TEXT,
	workdir        TEXT,
	commands       TEXT,
	logs_paths     TEXT,
	results_paths  TEXT,
	gpus           INTEGER NOT NULL DEFAULT 0,
	cpus           INTEGER NOT NULL DEFAULT 1,
	memory         TEXT NOT NULL DEFAULT '4G',
	time_limit     TEXT NOT NULL DEFAULT '1:00:00',
	partition_name TEXT,
	created_at     TEXT NOT NULL,
	updated_at     TEXT NOT NULL,
	started_at     TEXT,
	completed_at   TEXT,
	exit_code      INTEGER
);
CREATE INDEX IF NOT EXISTS idx_tasks_username ON tasks(username);
CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
CREATE INDEX IF NOT EXISTS idx_tasks_created_at ON tasks(created_at);

CREATE TABLE IF NOT EXISTS users (
	username    TEXT PRIMARY KEY,
	total_tasks INTEGER NOT NULL DEFAULT 0,
	created_at  TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS message_log (
	msg_id     TEXT PRIMARY KEY,
	msg_type   TEXT NOT NULL,
	direction  TEXT NOT NULL,
	payload    TEXT,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_message_log_type ON message_log(msg_type);
`

// SQLiteStore implements Store on an embedded SQLite database.
type SQLiteStore struct {
	db *sql.DB

	// mu serializes writers. SQLite allows one writer at a time anyway;
	// the lock turns driver-level busy errors into simple queueing.
	mu sync.Mutex

	// now is swappable for tests.
	now func() time.Time
}

// NewSQLiteStore opens (creating if needed) the database at
// <dataDir>/local_proxy.db.
func NewSQLiteStore(dataDir string) (*SQLiteStore, error) {
	return OpenSQLite(filepath.Join(dataDir, "local_proxy.db"))
}

// OpenSQLite opens the database at an explicit path.
func OpenSQLite(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &SQLiteStore{db: db, now: time.Now}, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// newTaskID returns a short opaque id: the first 8 hex chars of a UUIDv4.
func newTaskID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")[:8]
}

func (s *SQLiteStore) CreateTask(task *types.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if task.TaskID == "" {
		task.TaskID = newTaskID()
	}
	now := s.now()
	task.Status = types.StatusPending
	task.CreatedAt = now
	task.UpdatedAt = now

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.Exec(`INSERT INTO tasks
		(task_id, username, target, status, slurm_job_id, upload, ignore,
		 workdir, commands, logs_paths, results_paths, gpus, cpus, memory,
		 time_limit, partition_name, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.TaskID, task.Username, string(task.Target), string(task.Status),
		nullable(task.SlurmJobID), task.Upload, marshalList(task.Ignore),
		task.Workdir, marshalList(task.Commands), marshalList(task.LogsPaths),
		marshalList(task.ResultsPaths), task.GPUs, task.CPUs, task.Memory,
		task.TimeLimit, nullable(task.Partition),
		formatTime(now), formatTime(now))
	if err != nil {
		return fmt.Errorf("failed to insert task: %w", err)
	}

	_, err = tx.Exec(`INSERT INTO users (username, total_tasks, created_at)
		VALUES (?, 1, ?)
		ON CONFLICT(username) DO UPDATE SET total_tasks = total_tasks + 1`,
		task.Username, formatTime(now))
	if err != nil {
		return fmt.Errorf("failed to update user counters: %w", err)
	}

	if err := s.appendMessageTx(tx, types.MsgTaskSubmit, "outgoing", map[string]interface{}{
		"task_id":  task.TaskID,
		"username": task.Username,
		"target":   string(task.Target),
		"commands": task.Commands,
	}); err != nil {
		return err
	}

	return tx.Commit()
}

func (s *SQLiteStore) GetTask(taskID string) (*types.Task, error) {
	row := s.db.QueryRow(taskSelect+` WHERE task_id = ?`, taskID)
	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, errdefs.Wrap(errdefs.ErrNotFound, "task %s", taskID)
	}
	return task, err
}

func (s *SQLiteStore) ListTasks(username string, status types.TaskStatus) ([]*types.Task, error) {
	query := taskSelect + ` WHERE username = ?`
	args := []interface{}{username}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at DESC`

	return s.queryTasks(query, args...)
}

func (s *SQLiteStore) ListActiveTasks() ([]*types.Task, error) {
	return s.queryTasks(taskSelect + ` WHERE status IN ('pending', 'running') ORDER BY created_at`)
}

func (s *SQLiteStore) queryTasks(query string, args ...interface{}) ([]*types.Task, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*types.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

func (s *SQLiteStore) UpdateStatus(taskID string, status types.TaskStatus, opts UpdateOptions) (*types.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	task, err := getTaskTx(tx, taskID)
	if err != nil {
		return nil, err
	}

	// Terminal rows are immutable; repeating the current status leaves the
	// row bit-identical.
	if task.Status.Terminal() || task.Status == status {
		return task, tx.Commit()
	}

	now := s.now()
	task.Status = status
	task.UpdatedAt = now
	if opts.SlurmJobID != "" {
		task.SlurmJobID = opts.SlurmJobID
	}
	if status == types.StatusRunning && task.StartedAt == nil {
		t := now
		task.StartedAt = &t
	}
	if status.Terminal() && task.CompletedAt == nil {
		t := now
		task.CompletedAt = &t
		if opts.ExitCode != nil {
			task.ExitCode = opts.ExitCode
		}
	}

	_, err = tx.Exec(`UPDATE tasks SET status = ?, slurm_job_id = ?,
		updated_at = ?, started_at = ?, completed_at = ?, exit_code = ?
		WHERE task_id = ?`,
		string(task.Status), nullable(task.SlurmJobID),
		formatTime(task.UpdatedAt), formatTimePtr(task.StartedAt),
		formatTimePtr(task.CompletedAt), nullableInt(task.ExitCode),
		task.TaskID)
	if err != nil {
		return nil, fmt.Errorf("failed to update task %s: %w", taskID, err)
	}

	return task, tx.Commit()
}

func (s *SQLiteStore) CancelTask(taskID string) (*types.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	task, err := getTaskTx(tx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Status.Terminal() {
		return task, tx.Commit()
	}

	oldStatus := task.Status
	now := s.now()
	task.Status = types.StatusCanceled
	task.UpdatedAt = now
	t := now
	task.CompletedAt = &t

	_, err = tx.Exec(`UPDATE tasks SET status = ?, updated_at = ?, completed_at = ?
		WHERE task_id = ?`,
		string(task.Status), formatTime(now), formatTime(now), task.TaskID)
	if err != nil {
		return nil, fmt.Errorf("failed to cancel task %s: %w", taskID, err)
	}

	if err := s.appendMessageTx(tx, types.MsgTaskCancel, "outgoing", map[string]interface{}{
		"task_id":    task.TaskID,
		"old_status": string(oldStatus),
		"new_status": string(types.StatusCanceled),
	}); err != nil {
		return nil, err
	}

	return task, tx.Commit()
}

func (s *SQLiteStore) GetUser(username string) (*types.User, error) {
	var user types.User
	var createdAt string
	err := s.db.QueryRow(`SELECT username, total_tasks, created_at FROM users WHERE username = ?`,
		username).Scan(&user.Username, &user.TotalTasks, &createdAt)
	if err == sql.ErrNoRows {
		return nil, errdefs.Wrap(errdefs.ErrNotFound, "user %s", username)
	}
	if err != nil {
		return nil, err
	}
	user.CreatedAt, _ = parseTime(createdAt)
	return &user, nil
}

func (s *SQLiteStore) appendMessageTx(tx *sql.Tx, msgType, direction string, payload map[string]interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = tx.Exec(`INSERT INTO message_log (msg_id, msg_type, direction, payload, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		uuid.New().String(), msgType, direction, string(data), formatTime(s.now()))
	if err != nil {
		return fmt.Errorf("failed to append message log: %w", err)
	}
	return nil
}

// --- row scanning helpers ---

const taskSelect = `SELECT task_id, username, target, status, slurm_job_id,
	upload, ignore, workdir, commands, logs_paths, results_paths, gpus, cpus,
	memory, time_limit, partition_name, created_at, updated_at, started_at,
	completed_at, exit_code FROM tasks`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTask(row rowScanner) (*types.Task, error) {
	var (
		task                            types.Task
		target, status                  string
		slurmJobID, partition           sql.NullString
		ignore, commands, logs, results sql.NullString
		createdAt, updatedAt            string
		startedAt, completedAt          sql.NullString
		exitCode                        sql.NullInt64
	)
	err := row.Scan(&task.TaskID, &task.Username, &target, &status,
		&slurmJobID, &task.Upload, &ignore, &task.Workdir, &commands,
		&logs, &results, &task.GPUs, &task.CPUs, &task.Memory,
		&task.TimeLimit, &partition, &createdAt, &updatedAt,
		&startedAt, &completedAt, &exitCode)
	if err != nil {
		return nil, err
	}

	task.Target = types.TaskTarget(target)
	task.Status = types.TaskStatus(status)
	task.SlurmJobID = slurmJobID.String
	task.Partition = partition.String
	task.Ignore = unmarshalList(ignore.String)
	task.Commands = unmarshalList(commands.String)
	task.LogsPaths = unmarshalList(logs.String)
	task.ResultsPaths = unmarshalList(results.String)
	task.CreatedAt, _ = parseTime(createdAt)
	task.UpdatedAt, _ = parseTime(updatedAt)
	task.StartedAt = parseTimePtr(startedAt)
	task.CompletedAt = parseTimePtr(completedAt)
	if exitCode.Valid {
		code := int(exitCode.Int64)
		task.ExitCode = &code
	}
	return &task, nil
}

func getTaskTx(tx *sql.Tx, taskID string) (*types.Task, error) {
	row := tx.QueryRow(taskSelect+` WHERE task_id = ?`, taskID)
	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, errdefs.Wrap(errdefs.ErrNotFound, "task %s", taskID)
	}
	return task, err
}

func marshalList(list []string) string {
	if list == nil {
		list = []string{}
	}
	data, _ := json.Marshal(list)
	return string(data)
}

func unmarshalList(data string) []string {
	if data == "" {
		return nil
	}
	var list []string
	if err := json.Unmarshal([]byte(data), &list); err != nil {
		return nil
	}
	if len(list) == 0 {
		return nil
	}
	return list
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func parseTimePtr(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil
	}
	return &t
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullableInt(i *int) interface{} {
	if i == nil {
		return nil
	}
	return *i
}
