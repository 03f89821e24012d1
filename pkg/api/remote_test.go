package api

import (
	"archive/zip"
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ailabber/ailabber/pkg/config"
	"github.com/ailabber/ailabber/pkg/slurm"
	"github.com/ailabber/ailabber/pkg/submitter"
	"github.com/ailabber/ailabber/pkg/types"
)

func newTestRemote(t *testing.T, runner *fakeRunner) (*httptest.Server, *config.Config) {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.RemoteBaseDir = t.TempDir()

	slurmClient := slurm.NewClient(runner)
	server := httptest.NewServer(NewRemoteServer(cfg, submitter.New(slurmClient), slurmClient, "test").Router())
	t.Cleanup(server.Close)
	return server, cfg
}

func TestRemoteSubmit(t *testing.T) {
	runner := &fakeRunner{results: map[string]fakeResult{
		"sbatch": {stdout: "Submitted batch job 77\n"},
	}}
	server, cfg := newTestRemote(t, runner)
	p := &testProxy{server: server}

	resp := p.postJSON(t, "/api/submit", map[string]interface{}{
		"task_id":    "abc12345",
		"username":   "alice",
		"commands":   []string{"echo hi"},
		"workdir":    ".",
		"cpus":       1,
		"memory":     "1G",
		"time_limit": "0:01:00",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body types.SubmitResponse
	decodeBody(t, resp, &body)
	assert.Equal(t, "abc12345", body.TaskID)
	assert.Equal(t, "77", body.SlurmJobID)

	// The script lands under the user's anchored tree.
	script := filepath.Join(cfg.RemoteBaseDir, "alice", ".slurm", "abc12345.sh")
	_, err := os.Stat(script)
	assert.NoError(t, err)
}

func TestRemoteSubmitValidation(t *testing.T) {
	server, _ := newTestRemote(t, &fakeRunner{})
	p := &testProxy{server: server}

	resp := p.postJSON(t, "/api/submit", map[string]interface{}{
		"username": "alice",
		"commands": []string{"echo hi"},
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "task_id is required on the remote side")
	resp.Body.Close()
}

func TestRemoteStatus(t *testing.T) {
	runner := &fakeRunner{results: map[string]fakeResult{
		"sacct": {stdout: "77|COMPLETED|0:0|node1|2024-01-01T00:00:00|2024-01-01T00:00:10\n"},
	}}
	server, _ := newTestRemote(t, runner)
	p := &testProxy{server: server}

	resp := p.get(t, "/api/status/77")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body types.RemoteStatusResponse
	decodeBody(t, resp, &body)
	assert.Equal(t, "77", body.SlurmJobID)
	assert.Equal(t, "COMPLETED", body.SlurmState)
	assert.Equal(t, "completed", body.Status)
	require.NotNil(t, body.ExitCode)
	assert.Equal(t, 0, *body.ExitCode)
	assert.Equal(t, "node1", body.Node)
}

func TestRemoteStatusUnknownJob(t *testing.T) {
	server, _ := newTestRemote(t, &fakeRunner{results: map[string]fakeResult{}})
	p := &testProxy{server: server}

	resp := p.get(t, "/api/status/999")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestRemoteLogs(t *testing.T) {
	server, cfg := newTestRemote(t, &fakeRunner{})
	p := &testProxy{server: server}

	workdir := filepath.Join(cfg.RemoteBaseDir, "alice")
	art := submitter.TaskArtifacts(workdir, "abc12345")
	require.NoError(t, os.MkdirAll(art.Dir, 0o755))
	require.NoError(t, os.WriteFile(art.OutputPath, []byte("hello\n"), 0o644))

	resp := p.get(t, "/api/logs/abc12345?username=alice&workdir=.")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body types.LogsResponse
	decodeBody(t, resp, &body)
	assert.Equal(t, "hello\n", body.Stdout)
	assert.Empty(t, body.Stderr)
}

func TestRemoteFetch(t *testing.T) {
	server, cfg := newTestRemote(t, &fakeRunner{})
	p := &testProxy{server: server}

	workdir := filepath.Join(cfg.RemoteBaseDir, "alice")
	art := submitter.TaskArtifacts(workdir, "abc12345")
	require.NoError(t, os.MkdirAll(art.Dir, 0o755))
	require.NoError(t, os.WriteFile(art.OutputPath, []byte("stdout"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(workdir, "train.log"), []byte("loss"), 0o644))

	paths := url.QueryEscape(`["train.log"]`)
	resp := p.get(t, "/api/fetch/abc12345?username=alice&workdir=.&paths="+paths)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/zip", resp.Header.Get("Content-Type"))
	assert.Contains(t, resp.Header.Get("Content-Disposition"), "abc12345_results.zip")

	data, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)

	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)

	var names []string
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	assert.ElementsMatch(t, []string{"slurm/abc12345.out", "train.log"}, names)
}
