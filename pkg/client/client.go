// Package client is the HTTP client the CLI uses against the Local Proxy.
package client

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/ailabber/ailabber/pkg/errdefs"
	"github.com/ailabber/ailabber/pkg/types"
)

// Client talks to the Local Proxy on loopback.
type Client struct {
	baseURL string
	httpc   *http.Client
}

// New returns a Client for the given proxy base URL.
func New(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpc:   &http.Client{Timeout: 10 * time.Minute},
	}
}

// Submit creates and submits a task in one call.
func (c *Client) Submit(req *types.SubmitRequest) (*types.SubmitResponse, error) {
	var resp types.SubmitResponse
	if err := c.post("/api/submit", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// CreateLocalRun creates a local-run record; the caller submits to Slurm
// itself and attaches the job id with AttachSlurmID.
func (c *Client) CreateLocalRun(req *types.SubmitRequest) (*types.SubmitResponse, error) {
	var resp types.SubmitResponse
	if err := c.post("/api/local-run", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// AttachSlurmID attaches a freshly minted Slurm job id to a local-run row.
func (c *Client) AttachSlurmID(taskID, slurmJobID string) error {
	body := map[string]string{"slurm_job_id": slurmJobID}
	return c.post("/api/local-run/"+taskID+"/slurm", body, nil)
}

// Status returns one task row.
func (c *Client) Status(taskID, username string) (*types.Task, error) {
	var resp struct {
		Task *types.Task `json:"task"`
	}
	if err := c.get("/api/status/"+taskID, ownerQuery(username), &resp); err != nil {
		return nil, err
	}
	return resp.Task, nil
}

// List returns the owner's tasks, optionally filtered by status.
func (c *Client) List(username, status string) ([]*types.Task, error) {
	q := url.Values{}
	q.Set("username", username)
	if status != "" {
		q.Set("status", status)
	}
	var resp struct {
		Tasks []*types.Task `json:"tasks"`
	}
	if err := c.get("/api/tasks", q, &resp); err != nil {
		return nil, err
	}
	return resp.Tasks, nil
}

// Logs returns the captured stdout and stderr for a task.
func (c *Client) Logs(taskID, username string) (*types.LogsResponse, error) {
	var resp types.LogsResponse
	if err := c.get("/api/logs/"+taskID, ownerQuery(username), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Cancel cancels a task.
func (c *Client) Cancel(taskID, username string) error {
	path := "/api/cancel/" + taskID
	if username != "" {
		path += "?" + ownerQuery(username).Encode()
	}
	return c.post(path, nil, nil)
}

// Fetch downloads the results archive to destPath. An empty destPath means
// <task_id>_results.zip in the current directory. The written path is
// returned.
func (c *Client) Fetch(taskID, username, destPath string) (string, error) {
	if destPath == "" {
		destPath = taskID + "_results.zip"
	}

	u := c.baseURL + "/api/fetch/" + taskID
	if username != "" {
		u += "?" + ownerQuery(username).Encode()
	}
	resp, err := c.httpc.Get(u)
	if err != nil {
		return "", errdefs.Wrap(errdefs.ErrRemoteUnavailable, "local proxy unreachable: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", apiError(resp)
	}

	f, err := os.Create(destPath)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		os.Remove(destPath)
		return "", err
	}
	return destPath, f.Close()
}

// Health returns the proxy liveness body.
func (c *Client) Health() (pollingActive bool, err error) {
	var resp struct {
		Status        string `json:"status"`
		PollingActive bool   `json:"polling_active"`
	}
	if err := c.get("/health", nil, &resp); err != nil {
		return false, err
	}
	return resp.PollingActive, nil
}

func ownerQuery(username string) url.Values {
	q := url.Values{}
	if username != "" {
		q.Set("username", username)
	}
	return q
}

func (c *Client) get(path string, q url.Values, out interface{}) error {
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	resp, err := c.httpc.Get(u)
	if err != nil {
		return errdefs.Wrap(errdefs.ErrRemoteUnavailable, "local proxy unreachable: %v", err)
	}
	defer resp.Body.Close()
	return decode(resp, out)
}

func (c *Client) post(path string, body, out interface{}) error {
	var buf io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		buf = bytes.NewReader(data)
	}
	resp, err := c.httpc.Post(c.baseURL+path, "application/json", buf)
	if err != nil {
		return errdefs.Wrap(errdefs.ErrRemoteUnavailable, "local proxy unreachable: %v", err)
	}
	defer resp.Body.Close()
	return decode(resp, out)
}

func decode(resp *http.Response, out interface{}) error {
	if resp.StatusCode != http.StatusOK {
		return apiError(resp)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// apiError rebuilds an error kind from the structured failure body.
func apiError(resp *http.Response) error {
	var body types.ErrorResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&body); err != nil || body.Message == "" {
		return fmt.Errorf("proxy returned %d", resp.StatusCode)
	}

	kind := map[string]error{
		"validation":         errdefs.ErrInvalidParameter,
		"terminal_state":     errdefs.ErrTerminalState,
		"unauthorized":       errdefs.ErrUnauthorized,
		"not_found":          errdefs.ErrNotFound,
		"submission":         errdefs.ErrSubmission,
		"remote_unavailable": errdefs.ErrRemoteUnavailable,
		"timeout":            errdefs.ErrTimeout,
	}[body.Error]
	if kind == nil {
		return fmt.Errorf("%s", body.Message)
	}
	return errdefs.Wrap(kind, "%s", strings.TrimPrefix(body.Message, kind.Error()+": "))
}
