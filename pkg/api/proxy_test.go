package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ailabber/ailabber/pkg/bridge"
	"github.com/ailabber/ailabber/pkg/config"
	"github.com/ailabber/ailabber/pkg/reconciler"
	"github.com/ailabber/ailabber/pkg/slurm"
	"github.com/ailabber/ailabber/pkg/storage"
	"github.com/ailabber/ailabber/pkg/submitter"
	"github.com/ailabber/ailabber/pkg/types"
)

type fakeRunner struct {
	results map[string]fakeResult
	calls   []string
}

type fakeResult struct {
	stdout string
	stderr string
	err    error
}

func (f *fakeRunner) Run(ctx context.Context, name string, args ...string) (string, string, error) {
	f.calls = append(f.calls, name)
	r := f.results[name]
	return r.stdout, r.stderr, r.err
}

type testProxy struct {
	store  storage.Store
	server *httptest.Server
}

func newTestProxy(t *testing.T, runner *fakeRunner, cfg *config.Config) *testProxy {
	t.Helper()
	if cfg == nil {
		cfg = config.Default()
		cfg.DataDir = t.TempDir()
	}

	store, err := storage.NewSQLiteStore(t.TempDir())
	require.NoError(t, err)

	slurmClient := slurm.NewClient(runner)
	br := bridge.New(cfg, runner, nil)
	recon := reconciler.New(store, slurmClient, br, time.Minute)

	proxy := NewProxy(store, submitter.New(slurmClient), br, recon, "test")
	server := httptest.NewServer(proxy.Router())
	t.Cleanup(func() {
		server.Close()
		store.Close()
	})
	return &testProxy{store: store, server: server}
}

func (p *testProxy) postJSON(t *testing.T, path string, body interface{}) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(p.server.URL+path, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	return resp
}

func (p *testProxy) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(p.server.URL + path)
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, out interface{}) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
}

func submitBody(t *testing.T, upload string) map[string]interface{} {
	t.Helper()
	return map[string]interface{}{
		"username":   "alice",
		"target":     "local",
		"commands":   []string{"echo hi"},
		"upload":     upload,
		"gpus":       0,
		"cpus":       1,
		"memory":     "1G",
		"time_limit": "0:01:00",
	}
}

func TestSubmitLocalHappyPath(t *testing.T) {
	runner := &fakeRunner{results: map[string]fakeResult{
		"sbatch": {stdout: "Submitted batch job 42\n"},
	}}
	p := newTestProxy(t, runner, nil)

	resp := p.postJSON(t, "/api/submit", submitBody(t, t.TempDir()))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body types.SubmitResponse
	decodeBody(t, resp, &body)
	assert.NotEmpty(t, body.TaskID)
	assert.Equal(t, "42", body.SlurmJobID)
	assert.Equal(t, "local", body.Target)

	task, err := p.store.GetTask(body.TaskID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusRunning, task.Status)
	assert.Equal(t, "42", task.SlurmJobID)
	require.NotNil(t, task.StartedAt)
}

func TestSubmitSbatchFailure(t *testing.T) {
	runner := &fakeRunner{results: map[string]fakeResult{
		"sbatch": {stderr: "sbatch: error: something", err: errors.New("exit status 1")},
	}}
	p := newTestProxy(t, runner, nil)

	resp := p.postJSON(t, "/api/submit", submitBody(t, t.TempDir()))
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)

	var body types.ErrorResponse
	decodeBody(t, resp, &body)
	assert.Equal(t, "submission", body.Error)

	tasks, err := p.store.ListTasks("alice", "")
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, types.StatusFailed, tasks[0].Status)
}

func TestSubmitValidation(t *testing.T) {
	p := newTestProxy(t, &fakeRunner{}, nil)

	tests := []struct {
		name string
		body map[string]interface{}
	}{
		{"missing username", map[string]interface{}{"target": "local", "commands": []string{"echo hi"}}},
		{"missing commands", map[string]interface{}{"username": "alice", "target": "local"}},
		{"bad target", map[string]interface{}{"username": "alice", "target": "moon", "commands": []string{"echo hi"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := p.postJSON(t, "/api/submit", tt.body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			resp.Body.Close()

			tasks, err := p.store.ListTasks("alice", "")
			require.NoError(t, err)
			assert.Empty(t, tasks, "no row may be written on validation failure")
		})
	}
}

func TestSubmitRemoteRsyncFailure(t *testing.T) {
	remoteCalled := false
	remote := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		remoteCalled = true
	}))
	defer remote.Close()

	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.RemoteServerURL = remote.URL

	runner := &fakeRunner{results: map[string]fakeResult{
		"rsync": {stderr: "rsync error: some files could not be transferred", err: errors.New("exit status 23")},
	}}
	p := newTestProxy(t, runner, cfg)

	body := submitBody(t, t.TempDir())
	body["target"] = "remote"
	resp := p.postJSON(t, "/api/submit", body)
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	resp.Body.Close()

	assert.False(t, remoteCalled, "no remote HTTP call after rsync failure")
	tasks, err := p.store.ListTasks("alice", "")
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, types.StatusFailed, tasks[0].Status)
}

func TestOwnershipCheck(t *testing.T) {
	runner := &fakeRunner{results: map[string]fakeResult{
		"sbatch": {stdout: "Submitted batch job 42\n"},
	}}
	p := newTestProxy(t, runner, nil)

	resp := p.postJSON(t, "/api/submit", submitBody(t, t.TempDir()))
	var created types.SubmitResponse
	decodeBody(t, resp, &created)

	forbidden := p.get(t, "/api/status/"+created.TaskID+"?username=bob")
	assert.Equal(t, http.StatusForbidden, forbidden.StatusCode)
	forbidden.Body.Close()

	allowed := p.get(t, "/api/status/"+created.TaskID+"?username=alice")
	assert.Equal(t, http.StatusOK, allowed.StatusCode)

	var body struct {
		Task *types.Task `json:"task"`
	}
	decodeBody(t, allowed, &body)
	assert.Equal(t, types.StatusRunning, body.Task.Status)
}

func TestStatusNotFound(t *testing.T) {
	p := newTestProxy(t, &fakeRunner{}, nil)
	resp := p.get(t, "/api/status/deadbeef")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestCancelMidFlight(t *testing.T) {
	runner := &fakeRunner{results: map[string]fakeResult{
		"sbatch":  {stdout: "Submitted batch job 42\n"},
		"scancel": {stderr: "scancel: error", err: errors.New("exit status 1")},
	}}
	p := newTestProxy(t, runner, nil)

	resp := p.postJSON(t, "/api/submit", submitBody(t, t.TempDir()))
	var created types.SubmitResponse
	decodeBody(t, resp, &created)

	// scancel fails; the cancel still succeeds.
	cancel := p.postJSON(t, "/api/cancel/"+created.TaskID+"?username=alice", nil)
	require.Equal(t, http.StatusOK, cancel.StatusCode)

	var body map[string]string
	decodeBody(t, cancel, &body)
	assert.Equal(t, "canceled", body["status"])
	assert.Contains(t, runner.calls, "scancel")

	task, err := p.store.GetTask(created.TaskID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCanceled, task.Status)

	// Cancel again: the row is terminal now.
	again := p.postJSON(t, "/api/cancel/"+created.TaskID, nil)
	assert.Equal(t, http.StatusBadRequest, again.StatusCode)
	again.Body.Close()
}

func TestLocalRunAttachFlow(t *testing.T) {
	p := newTestProxy(t, &fakeRunner{}, nil)

	body := submitBody(t, t.TempDir())
	delete(body, "target")
	resp := p.postJSON(t, "/api/local-run", body)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var created types.SubmitResponse
	decodeBody(t, resp, &created)
	require.NotEmpty(t, created.TaskID)

	task, err := p.store.GetTask(created.TaskID)
	require.NoError(t, err)
	assert.Equal(t, types.TargetLocalRun, task.Target)
	assert.Equal(t, types.StatusPending, task.Status)

	attach := p.postJSON(t, "/api/local-run/"+created.TaskID+"/slurm",
		map[string]string{"slurm_job_id": "99"})
	require.Equal(t, http.StatusOK, attach.StatusCode)
	attach.Body.Close()

	task, err = p.store.GetTask(created.TaskID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusRunning, task.Status)
	assert.Equal(t, "99", task.SlurmJobID)
}

func TestListTasksEndpoint(t *testing.T) {
	runner := &fakeRunner{results: map[string]fakeResult{
		"sbatch": {stdout: "Submitted batch job 42\n"},
	}}
	p := newTestProxy(t, runner, nil)

	p.postJSON(t, "/api/submit", submitBody(t, t.TempDir())).Body.Close()

	missing := p.get(t, "/api/tasks")
	assert.Equal(t, http.StatusBadRequest, missing.StatusCode)
	missing.Body.Close()

	resp := p.get(t, "/api/tasks?username=alice")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body struct {
		Tasks []*types.Task `json:"tasks"`
	}
	decodeBody(t, resp, &body)
	assert.Len(t, body.Tasks, 1)

	empty := p.get(t, "/api/tasks?username=bob")
	require.Equal(t, http.StatusOK, empty.StatusCode)
	decodeBody(t, empty, &body)
	assert.Empty(t, body.Tasks)
}

func TestHealth(t *testing.T) {
	p := newTestProxy(t, &fakeRunner{}, nil)

	resp := p.get(t, "/health")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Status        string `json:"status"`
		PollingActive bool   `json:"polling_active"`
	}
	decodeBody(t, resp, &body)
	assert.Equal(t, "healthy", body.Status)
	assert.False(t, body.PollingActive, "reconciler was never started")
}
