// Package bridge carries remote-target tasks over to the Remote Server: it
// stages the user's working tree, pushes it with rsync, and forwards
// submit/status/cancel/logs/fetch over HTTP to a loopback URL that an
// externally maintained SSH tunnel maps to the remote host.
package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ailabber/ailabber/pkg/config"
	"github.com/ailabber/ailabber/pkg/errdefs"
	"github.com/ailabber/ailabber/pkg/log"
	"github.com/ailabber/ailabber/pkg/slurm"
	"github.com/ailabber/ailabber/pkg/types"
)

// HTTP deadlines for the Remote Server forwards.
const (
	ControlTimeout = 10 * time.Second
	SubmitTimeout  = 30 * time.Second
	LogsTimeout    = 30 * time.Second
	FetchTimeout   = 300 * time.Second
)

// Bridge is the Local Proxy's client side of the remote cluster.
type Bridge struct {
	cfg    *config.Config
	runner slurm.CommandRunner
	httpc  *http.Client
	logger zerolog.Logger

	// userLocks serializes stage+rsync per username. Concurrent submits by
	// the same user would otherwise race on the staging tree.
	mu        sync.Mutex
	userLocks map[string]*sync.Mutex
}

// New returns a Bridge. A nil runner means real subprocesses; a nil httpc
// means http.DefaultClient semantics with per-call timeouts.
func New(cfg *config.Config, runner slurm.CommandRunner, httpc *http.Client) *Bridge {
	if runner == nil {
		runner = slurm.ExecRunner{}
	}
	if httpc == nil {
		httpc = &http.Client{}
	}
	return &Bridge{
		cfg:       cfg,
		runner:    runner,
		httpc:     httpc,
		logger:    log.WithComponent("bridge"),
		userLocks: make(map[string]*sync.Mutex),
	}
}

func (b *Bridge) userLock(username string) *sync.Mutex {
	b.mu.Lock()
	defer b.mu.Unlock()
	lock, ok := b.userLocks[username]
	if !ok {
		lock = &sync.Mutex{}
		b.userLocks[username] = lock
	}
	return lock
}

// stagingDir is the per-user scratch tree used as the rsync source.
func (b *Bridge) stagingDir(username string) string {
	return filepath.Join(b.cfg.TmpDir(), username)
}

// SubmitTask stages the task's upload root, pushes it to the remote host and
// forwards the submission. On success the returned Slurm job id belongs to
// the remote cluster. The per-user lock is held across stage+rsync only.
func (b *Bridge) SubmitTask(ctx context.Context, task *types.Task) (string, error) {
	if err := b.stageAndPush(ctx, task); err != nil {
		return "", err
	}

	req := types.SubmitRequest{
		TaskID:    task.TaskID,
		Username:  task.Username,
		Commands:  task.Commands,
		Workdir:   task.Workdir,
		GPUs:      task.GPUs,
		CPUs:      task.CPUs,
		Memory:    task.Memory,
		TimeLimit: task.TimeLimit,
		Partition: task.Partition,
	}

	var resp types.SubmitResponse
	if err := b.postJSON(ctx, SubmitTimeout, "/api/submit", req, &resp); err != nil {
		if errdefs.IsRemoteUnavailable(err) {
			return "", err
		}
		return "", errdefs.Wrap(errdefs.ErrSubmission, "remote submit: %v", err)
	}
	if resp.SlurmJobID == "" {
		return "", errdefs.Wrap(errdefs.ErrSubmission, "remote submit returned no slurm_job_id")
	}

	b.logger.Info().
		Str("task_id", task.TaskID).
		Str("slurm_job_id", resp.SlurmJobID).
		Msg("remote task submitted")
	return resp.SlurmJobID, nil
}

func (b *Bridge) stageAndPush(ctx context.Context, task *types.Task) error {
	lock := b.userLock(task.Username)
	lock.Lock()
	defer lock.Unlock()

	staging := b.stagingDir(task.Username)
	if err := stageTree(task.Upload, staging, task.Ignore); err != nil {
		return errdefs.Wrap(errdefs.ErrSubmission, "staging failed: %v", err)
	}
	return b.push(ctx, staging, task.Username)
}

// Status forwards a status query, keyed by Slurm job id.
func (b *Bridge) Status(ctx context.Context, slurmJobID string) (*types.RemoteStatusResponse, error) {
	var resp types.RemoteStatusResponse
	if err := b.getJSON(ctx, ControlTimeout, "/api/status/"+slurmJobID, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Cancel forwards a cancel, keyed by Slurm job id.
func (b *Bridge) Cancel(ctx context.Context, slurmJobID string) error {
	return b.postJSON(ctx, ControlTimeout, "/api/cancel/"+slurmJobID, nil, nil)
}

// Logs forwards a log read, keyed by task id.
func (b *Bridge) Logs(ctx context.Context, task *types.Task) (*types.LogsResponse, error) {
	q := url.Values{}
	q.Set("username", task.Username)
	q.Set("workdir", task.Workdir)
	var resp types.LogsResponse
	if err := b.getJSON(ctx, LogsTimeout, "/api/logs/"+task.TaskID, q, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Fetch streams the remote results archive into a local temp file and
// returns its path. The caller removes the file when done.
func (b *Bridge) Fetch(ctx context.Context, task *types.Task) (string, error) {
	paths := append(append([]string{}, task.LogsPaths...), task.ResultsPaths...)
	pathsJSON, err := json.Marshal(paths)
	if err != nil {
		return "", err
	}

	q := url.Values{}
	q.Set("username", task.Username)
	q.Set("workdir", task.Workdir)
	q.Set("paths", string(pathsJSON))

	ctx, cancel := context.WithTimeout(ctx, FetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		b.endpoint("/api/fetch/"+task.TaskID, q), nil)
	if err != nil {
		return "", err
	}
	resp, err := b.httpc.Do(req)
	if err != nil {
		return "", errdefs.Wrap(errdefs.ErrRemoteUnavailable, "%v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", remoteError(resp)
	}

	tmp, err := os.CreateTemp("", task.TaskID+"_results_*.zip")
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(tmp, resp.Body); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", errdefs.Wrap(errdefs.ErrRemoteUnavailable, "fetch interrupted: %v", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	return tmp.Name(), nil
}

func (b *Bridge) endpoint(path string, q url.Values) string {
	u := strings.TrimRight(b.cfg.RemoteServerURL, "/") + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	return u
}

func (b *Bridge) getJSON(ctx context.Context, timeout time.Duration, path string, q url.Values, out interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.endpoint(path, q), nil)
	if err != nil {
		return err
	}
	return b.doJSON(req, out)
}

func (b *Bridge) postJSON(ctx context.Context, timeout time.Duration, path string, body, out interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var buf io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		buf = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.endpoint(path, nil), buf)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return b.doJSON(req, out)
}

func (b *Bridge) doJSON(req *http.Request, out interface{}) error {
	resp, err := b.httpc.Do(req)
	if err != nil {
		return errdefs.Wrap(errdefs.ErrRemoteUnavailable, "%v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return remoteError(resp)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// remoteError converts a non-200 Remote Server response into an error kind.
func remoteError(resp *http.Response) error {
	var body types.ErrorResponse
	msg := ""
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&body); err == nil {
		msg = body.Message
		if msg == "" {
			msg = body.Error
		}
	}
	if msg == "" {
		msg = fmt.Sprintf("remote server returned %d", resp.StatusCode)
	}
	if resp.StatusCode == http.StatusNotFound {
		return errdefs.Wrap(errdefs.ErrNotFound, "%s", msg)
	}
	return errdefs.Wrap(errdefs.ErrRemoteUnavailable, "%s", msg)
}
