package api

import (
	"encoding/json"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/ailabber/ailabber/pkg/config"
	"github.com/ailabber/ailabber/pkg/errdefs"
	"github.com/ailabber/ailabber/pkg/log"
	"github.com/ailabber/ailabber/pkg/metrics"
	"github.com/ailabber/ailabber/pkg/packager"
	"github.com/ailabber/ailabber/pkg/slurm"
	"github.com/ailabber/ailabber/pkg/submitter"
	"github.com/ailabber/ailabber/pkg/types"
)

// RemoteServer is the stateless frontend on the remote cluster. It keeps no
// task records: status and cancel are keyed by Slurm job id, logs and fetch
// resolve paths under <remote_base>/<username>/.
type RemoteServer struct {
	cfg       *config.Config
	submitter *submitter.Submitter
	slurm     *slurm.Client
	version   string
	logger    zerolog.Logger
}

// NewRemoteServer wires the Remote Server frontend.
func NewRemoteServer(cfg *config.Config, sub *submitter.Submitter, slurmClient *slurm.Client, version string) *RemoteServer {
	return &RemoteServer{
		cfg:       cfg,
		submitter: sub,
		slurm:     slurmClient,
		version:   version,
		logger:    log.WithComponent("remote-server"),
	}
}

// Router builds the chi router for the Remote Server API.
func (s *RemoteServer) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(countRequests)

	r.Get("/", s.handleIndex)
	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Post("/submit", s.handleSubmit)
		r.Get("/status/{slurmJobID}", s.handleStatus)
		r.Post("/cancel/{slurmJobID}", s.handleCancel)
		r.Get("/logs/{taskID}", s.handleLogs)
		r.Get("/fetch/{taskID}", s.handleFetch)
	})

	return r
}

func (s *RemoteServer) handleIndex(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"service": "ailabber-remote-server",
		"version": s.version,
		"endpoints": []string{
			"POST /api/submit",
			"GET /api/status/{slurm_job_id}",
			"POST /api/cancel/{slurm_job_id}",
			"GET /api/logs/{task_id}",
			"GET /api/fetch/{task_id}",
			"GET /health",
			"GET /metrics",
		},
	})
}

func (s *RemoteServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "healthy"})
}

// userDir anchors a username under the remote base directory.
func (s *RemoteServer) userDir(username string) string {
	return filepath.Join(s.cfg.RemoteBaseDir, username)
}

// resolveWorkdir keeps path resolution inside the user's tree. Absolute
// workdirs from the proxy are re-rooted under <remote_base>/<username>/.
func (s *RemoteServer) resolveWorkdir(username, workdir string) string {
	if filepath.IsAbs(workdir) {
		workdir = strings.TrimPrefix(workdir, string(filepath.Separator))
	}
	return submitter.ResolveWorkdir(s.userDir(username), workdir)
}

func (s *RemoteServer) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req types.SubmitRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	req.ApplyDefaults()

	if req.TaskID == "" || req.Username == "" {
		writeError(w, errdefs.Wrap(errdefs.ErrInvalidParameter, "task_id and username are required"))
		return
	}
	if len(req.Commands) == 0 {
		writeError(w, errdefs.Wrap(errdefs.ErrInvalidParameter, "commands must not be empty"))
		return
	}

	task := &types.Task{
		TaskID:    req.TaskID,
		Username:  req.Username,
		Target:    types.TargetRemote,
		Upload:    s.userDir(req.Username),
		Workdir:   req.Workdir,
		Commands:  req.Commands,
		GPUs:      req.GPUs,
		CPUs:      req.CPUs,
		Memory:    req.Memory,
		TimeLimit: req.TimeLimit,
		Partition: req.Partition,
	}

	jobID, err := s.submitter.Submit(r.Context(), task)
	if err != nil {
		metrics.SubmissionsTotal.WithLabelValues("remote", "failure").Inc()
		writeError(w, err)
		return
	}
	metrics.SubmissionsTotal.WithLabelValues("remote", "success").Inc()

	writeJSON(w, http.StatusOK, types.SubmitResponse{
		TaskID:     task.TaskID,
		SlurmJobID: jobID,
	})
}

func (s *RemoteServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "slurmJobID")

	info, err := s.slurm.JobStatus(r.Context(), jobID)
	if err != nil {
		writeError(w, err)
		return
	}
	if info == nil {
		writeError(w, errdefs.Wrap(errdefs.ErrNotFound, "slurm job %s", jobID))
		return
	}

	writeJSON(w, http.StatusOK, types.RemoteStatusResponse{
		SlurmJobID: info.JobID,
		SlurmState: info.State,
		Status:     string(slurm.MapState(info.State)),
		ExitCode:   info.ExitCode,
		Node:       info.Node,
		StartTime:  info.StartTime,
		EndTime:    info.EndTime,
	})
}

func (s *RemoteServer) handleCancel(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "slurmJobID")
	if err := s.slurm.Cancel(r.Context(), jobID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": string(types.StatusCanceled)})
}

func (s *RemoteServer) handleLogs(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	username := r.URL.Query().Get("username")
	if username == "" {
		writeError(w, errdefs.Wrap(errdefs.ErrInvalidParameter, "username is required"))
		return
	}

	workdir := s.resolveWorkdir(username, r.URL.Query().Get("workdir"))
	art := submitter.TaskArtifacts(workdir, taskID)

	writeJSON(w, http.StatusOK, types.LogsResponse{
		TaskID: taskID,
		Stdout: slurm.ReadOutput(art.OutputPath),
		Stderr: slurm.ReadOutput(art.ErrorPath),
	})
}

func (s *RemoteServer) handleFetch(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	username := r.URL.Query().Get("username")
	if username == "" {
		writeError(w, errdefs.Wrap(errdefs.ErrInvalidParameter, "username is required"))
		return
	}

	var paths []string
	if raw := r.URL.Query().Get("paths"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &paths); err != nil {
			writeError(w, errdefs.Wrap(errdefs.ErrInvalidParameter, "paths must be a JSON list: %v", err))
			return
		}
	}

	workdir := s.resolveWorkdir(username, r.URL.Query().Get("workdir"))

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", "attachment; filename="+packager.ArchiveName(taskID))
	if err := packager.BuildArchive(w, workdir, taskID, paths); err != nil {
		s.logger.Error().Err(err).Str("task_id", taskID).Msg("archive build failed mid-stream")
	}
}
