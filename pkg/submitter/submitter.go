// Package submitter turns task rows into batch scripts on disk and live
// Slurm jobs. Both the Local Proxy and the Remote Server submit through it;
// they differ only in how the working directory is anchored.
package submitter

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/ailabber/ailabber/pkg/errdefs"
	"github.com/ailabber/ailabber/pkg/log"
	"github.com/ailabber/ailabber/pkg/slurm"
	"github.com/ailabber/ailabber/pkg/types"
)

// Artifacts are the per-task file locations under <workdir>/.slurm/.
type Artifacts struct {
	Dir        string
	ScriptPath string
	OutputPath string
	ErrorPath  string
}

// ResolveWorkdir returns the working directory for a task: workdir itself
// when absolute, otherwise upload/workdir.
func ResolveWorkdir(upload, workdir string) string {
	if workdir == "" {
		workdir = "."
	}
	if filepath.IsAbs(workdir) {
		return filepath.Clean(workdir)
	}
	return filepath.Join(upload, workdir)
}

// TaskArtifacts computes the artifact paths for a task in a resolved workdir.
func TaskArtifacts(workdir, taskID string) Artifacts {
	dir := filepath.Join(workdir, ".slurm")
	return Artifacts{
		Dir:        dir,
		ScriptPath: filepath.Join(dir, taskID+".sh"),
		OutputPath: filepath.Join(dir, taskID+".out"),
		ErrorPath:  filepath.Join(dir, taskID+".err"),
	}
}

// Submitter builds and submits batch scripts through the Slurm adapter.
type Submitter struct {
	client *slurm.Client
	logger zerolog.Logger
}

// New returns a Submitter on the given Slurm client.
func New(client *slurm.Client) *Submitter {
	return &Submitter{
		client: client,
		logger: log.WithComponent("submitter"),
	}
}

// WriteScript resolves the workdir, creates <workdir>/.slurm/ and writes the
// rendered batch script there. The script is executable so users can rerun
// it by hand.
func (s *Submitter) WriteScript(task *types.Task) (Artifacts, error) {
	workdir := ResolveWorkdir(task.Upload, task.Workdir)
	art := TaskArtifacts(workdir, task.TaskID)

	if err := os.MkdirAll(art.Dir, 0o755); err != nil {
		return art, fmt.Errorf("failed to create %s: %w", art.Dir, err)
	}

	script := slurm.GenerateScript(slurm.ScriptSpec{
		TaskID:     task.TaskID,
		Username:   task.Username,
		Workdir:    workdir,
		Commands:   task.Commands,
		GPUs:       task.GPUs,
		CPUs:       task.CPUs,
		Memory:     task.Memory,
		TimeLimit:  task.TimeLimit,
		OutputFile: art.OutputPath,
		ErrorFile:  art.ErrorPath,
		Partition:  task.Partition,
	})

	if err := os.WriteFile(art.ScriptPath, []byte(script), 0o755); err != nil {
		return art, fmt.Errorf("failed to write %s: %w", art.ScriptPath, err)
	}
	return art, nil
}

// Submit writes the script and runs sbatch, returning the new Slurm job id.
// Any failure is a submission failure; the caller moves the row to failed.
func (s *Submitter) Submit(ctx context.Context, task *types.Task) (string, error) {
	art, err := s.WriteScript(task)
	if err != nil {
		return "", errdefs.Wrap(errdefs.ErrSubmission, "%v", err)
	}

	jobID, err := s.client.Submit(ctx, art.ScriptPath)
	if err != nil {
		s.logger.Error().Err(err).Str("task_id", task.TaskID).Msg("sbatch failed")
		return "", err
	}

	s.logger.Info().
		Str("task_id", task.TaskID).
		Str("slurm_job_id", jobID).
		Str("script", art.ScriptPath).
		Msg("task submitted")
	return jobID, nil
}

// JobStatus passes through to the Slurm adapter.
func (s *Submitter) JobStatus(ctx context.Context, jobID string) (*slurm.JobInfo, error) {
	return s.client.JobStatus(ctx, jobID)
}

// Cancel passes through to the Slurm adapter.
func (s *Submitter) Cancel(ctx context.Context, jobID string) error {
	return s.client.Cancel(ctx, jobID)
}

// ReadLogs returns the captured stdout and stderr for a task. Files that do
// not exist yet read as empty strings.
func (s *Submitter) ReadLogs(task *types.Task) (stdout, stderr string) {
	art := TaskArtifacts(ResolveWorkdir(task.Upload, task.Workdir), task.TaskID)
	return slurm.ReadOutput(art.OutputPath), slurm.ReadOutput(art.ErrorPath)
}
