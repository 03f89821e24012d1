package api

import (
	"io"
	"net/http"
	"os"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/ailabber/ailabber/pkg/bridge"
	"github.com/ailabber/ailabber/pkg/errdefs"
	"github.com/ailabber/ailabber/pkg/log"
	"github.com/ailabber/ailabber/pkg/metrics"
	"github.com/ailabber/ailabber/pkg/packager"
	"github.com/ailabber/ailabber/pkg/reconciler"
	"github.com/ailabber/ailabber/pkg/storage"
	"github.com/ailabber/ailabber/pkg/submitter"
	"github.com/ailabber/ailabber/pkg/types"
)

// Proxy is the Local Proxy frontend. It owns request validation and
// authorization; all state lives in the store and all side effects in the
// submitter and bridge.
type Proxy struct {
	store      storage.Store
	submitter  *submitter.Submitter
	bridge     *bridge.Bridge
	reconciler *reconciler.Reconciler
	version    string
	logger     zerolog.Logger
}

// NewProxy wires the Local Proxy frontend.
func NewProxy(store storage.Store, sub *submitter.Submitter, b *bridge.Bridge, rec *reconciler.Reconciler, version string) *Proxy {
	return &Proxy{
		store:      store,
		submitter:  sub,
		bridge:     b,
		reconciler: rec,
		version:    version,
		logger:     log.WithComponent("proxy"),
	}
}

// Router builds the chi router for the Local Proxy API.
func (p *Proxy) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(countRequests)

	r.Get("/", p.handleIndex)
	r.Get("/health", p.handleHealth)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Post("/submit", p.handleSubmit)
		r.Post("/local-run", p.handleLocalRun)
		r.Post("/local-run/{taskID}/slurm", p.handleAttachSlurmID)
		r.Get("/status/{taskID}", p.handleStatus)
		r.Get("/tasks", p.handleListTasks)
		r.Get("/logs/{taskID}", p.handleLogs)
		r.Get("/fetch/{taskID}", p.handleFetch)
		r.Post("/cancel/{taskID}", p.handleCancel)
	})

	return r
}

func (p *Proxy) handleIndex(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"service": "ailabber-local-proxy",
		"version": p.version,
		"endpoints": []string{
			"POST /api/submit",
			"POST /api/local-run",
			"POST /api/local-run/{task_id}/slurm",
			"GET /api/status/{task_id}",
			"GET /api/tasks",
			"GET /api/logs/{task_id}",
			"GET /api/fetch/{task_id}",
			"POST /api/cancel/{task_id}",
			"GET /health",
			"GET /metrics",
		},
	})
}

func (p *Proxy) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":         "healthy",
		"polling_active": p.reconciler.IsRunning(),
	})
}

// taskFromRequest validates a submit payload and builds the pending row.
func taskFromRequest(req *types.SubmitRequest) (*types.Task, error) {
	req.ApplyDefaults()

	if req.Username == "" {
		return nil, errdefs.Wrap(errdefs.ErrInvalidParameter, "username is required")
	}
	if len(req.Commands) == 0 {
		return nil, errdefs.Wrap(errdefs.ErrInvalidParameter, "commands must not be empty")
	}
	target := types.TaskTarget(req.Target)
	if !target.Valid() {
		return nil, errdefs.Wrap(errdefs.ErrInvalidParameter, "unknown target %q", req.Target)
	}
	if req.GPUs < 0 || req.CPUs < 0 {
		return nil, errdefs.Wrap(errdefs.ErrInvalidParameter, "gpus and cpus must be non-negative")
	}

	return &types.Task{
		TaskID:       req.TaskID,
		Username:     req.Username,
		Target:       target,
		Upload:       req.Upload,
		Ignore:       req.Ignore,
		Workdir:      req.Workdir,
		Commands:     req.Commands,
		LogsPaths:    req.Logs,
		ResultsPaths: req.Results,
		GPUs:         req.GPUs,
		CPUs:         req.CPUs,
		Memory:       req.Memory,
		TimeLimit:    req.TimeLimit,
		Partition:    req.Partition,
	}, nil
}

func (p *Proxy) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req types.SubmitRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	task, err := taskFromRequest(&req)
	if err != nil {
		writeError(w, err)
		return
	}
	if task.Target == types.TargetLocalRun {
		writeError(w, errdefs.Wrap(errdefs.ErrInvalidParameter, "local-run tasks are created via /api/local-run"))
		return
	}

	if err := p.store.CreateTask(task); err != nil {
		writeError(w, err)
		return
	}

	var jobID string
	if task.Target == types.TargetRemote {
		jobID, err = p.bridge.SubmitTask(r.Context(), task)
	} else {
		jobID, err = p.submitter.Submit(r.Context(), task)
	}
	if err != nil {
		metrics.SubmissionsTotal.WithLabelValues(string(task.Target), "failure").Inc()
		if _, uerr := p.store.UpdateStatus(task.TaskID, types.StatusFailed, storage.UpdateOptions{}); uerr != nil {
			p.logger.Error().Err(uerr).Str("task_id", task.TaskID).Msg("failed to mark task failed")
		}
		writeError(w, err)
		return
	}

	if _, err := p.store.UpdateStatus(task.TaskID, types.StatusRunning, storage.UpdateOptions{SlurmJobID: jobID}); err != nil {
		writeError(w, err)
		return
	}
	metrics.SubmissionsTotal.WithLabelValues(string(task.Target), "success").Inc()

	writeJSON(w, http.StatusOK, types.SubmitResponse{
		TaskID:     task.TaskID,
		SlurmJobID: jobID,
		Target:     string(task.Target),
	})
}

// handleLocalRun creates a local-run row without submitting; the CLI runs
// sbatch itself and attaches the job id afterwards.
func (p *Proxy) handleLocalRun(w http.ResponseWriter, r *http.Request) {
	var req types.SubmitRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	req.Target = string(types.TargetLocalRun)

	task, err := taskFromRequest(&req)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := p.store.CreateTask(task); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, types.SubmitResponse{
		TaskID: task.TaskID,
		Target: string(task.Target),
	})
}

func (p *Proxy) handleAttachSlurmID(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")

	var body struct {
		SlurmJobID string `json:"slurm_job_id"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if body.SlurmJobID == "" {
		writeError(w, errdefs.Wrap(errdefs.ErrInvalidParameter, "slurm_job_id is required"))
		return
	}

	task, err := p.store.GetTask(taskID)
	if err != nil {
		writeError(w, err)
		return
	}
	if task.Target != types.TargetLocalRun {
		writeError(w, errdefs.Wrap(errdefs.ErrInvalidParameter, "task %s is not a local-run task", taskID))
		return
	}

	if _, err := p.store.UpdateStatus(taskID, types.StatusRunning, storage.UpdateOptions{SlurmJobID: body.SlurmJobID}); err != nil {
		writeError(w, err)
		return
	}
	metrics.SubmissionsTotal.WithLabelValues(string(types.TargetLocalRun), "success").Inc()
	writeJSON(w, http.StatusOK, map[string]interface{}{})
}

func (p *Proxy) handleStatus(w http.ResponseWriter, r *http.Request) {
	task, err := p.ownedTask(r)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"task": task})
}

func (p *Proxy) handleListTasks(w http.ResponseWriter, r *http.Request) {
	username := r.URL.Query().Get("username")
	if username == "" {
		writeError(w, errdefs.Wrap(errdefs.ErrInvalidParameter, "username is required"))
		return
	}
	status := types.TaskStatus(r.URL.Query().Get("status"))

	tasks, err := p.store.ListTasks(username, status)
	if err != nil {
		writeError(w, err)
		return
	}
	if tasks == nil {
		tasks = []*types.Task{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"tasks": tasks})
}

func (p *Proxy) handleLogs(w http.ResponseWriter, r *http.Request) {
	task, err := p.ownedTask(r)
	if err != nil {
		writeError(w, err)
		return
	}

	if task.Target == types.TargetRemote {
		resp, err := p.bridge.Logs(r.Context(), task)
		if err != nil {
			writeError(w, err)
			return
		}
		resp.TaskID = task.TaskID
		writeJSON(w, http.StatusOK, resp)
		return
	}

	stdout, stderr := p.submitter.ReadLogs(task)
	writeJSON(w, http.StatusOK, types.LogsResponse{
		TaskID: task.TaskID,
		Stdout: stdout,
		Stderr: stderr,
	})
}

func (p *Proxy) handleFetch(w http.ResponseWriter, r *http.Request) {
	task, err := p.ownedTask(r)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", "attachment; filename="+packager.ArchiveName(task.TaskID))

	if task.Target == types.TargetRemote {
		path, err := p.bridge.Fetch(r.Context(), task)
		if err != nil {
			w.Header().Del("Content-Type")
			w.Header().Del("Content-Disposition")
			writeError(w, err)
			return
		}
		defer os.Remove(path)

		f, err := os.Open(path)
		if err != nil {
			w.Header().Del("Content-Type")
			w.Header().Del("Content-Disposition")
			writeError(w, err)
			return
		}
		defer f.Close()
		io.Copy(w, f)
		return
	}

	workdir := submitter.ResolveWorkdir(task.Upload, task.Workdir)
	paths := append(append([]string{}, task.LogsPaths...), task.ResultsPaths...)
	if err := packager.BuildArchive(w, workdir, task.TaskID, paths); err != nil {
		// Headers are gone already; all we can do is log.
		p.logger.Error().Err(err).Str("task_id", task.TaskID).Msg("archive build failed mid-stream")
	}
}

func (p *Proxy) handleCancel(w http.ResponseWriter, r *http.Request) {
	task, err := p.ownedTask(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if task.Status.Terminal() {
		writeError(w, errdefs.Wrap(errdefs.ErrTerminalState, "task %s is already %s", task.TaskID, task.Status))
		return
	}

	// Tearing down the Slurm allocation is best-effort; the row is canceled
	// regardless.
	if task.SlurmJobID != "" {
		var cerr error
		if task.Target == types.TargetRemote {
			cerr = p.bridge.Cancel(r.Context(), task.SlurmJobID)
		} else {
			cerr = p.submitter.Cancel(r.Context(), task.SlurmJobID)
		}
		if cerr != nil {
			p.logger.Warn().Err(cerr).
				Str("task_id", task.TaskID).
				Str("slurm_job_id", task.SlurmJobID).
				Msg("scancel failed, canceling row anyway")
		}
	}

	if _, err := p.store.CancelTask(task.TaskID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": string(types.StatusCanceled)})
}

// ownedTask resolves the {taskID} path param and enforces the ownership tag
// when a username query param is present.
func (p *Proxy) ownedTask(r *http.Request) (*types.Task, error) {
	task, err := p.store.GetTask(chi.URLParam(r, "taskID"))
	if err != nil {
		return nil, err
	}
	if err := checkOwner(task, r.URL.Query().Get("username")); err != nil {
		return nil, err
	}
	return task, nil
}
