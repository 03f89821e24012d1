// Package slurm wraps the Slurm CLI tools (sbatch, sacct, squeue, scancel)
// behind a small adapter shared by the Local Proxy and the Remote Server.
package slurm

import (
	"context"
	"regexp"
	"strconv"
	"strings"

	"github.com/ailabber/ailabber/pkg/errdefs"
	"github.com/ailabber/ailabber/pkg/types"
)

// JobInfo is one job's state as reported by sacct or squeue.
type JobInfo struct {
	JobID     string
	State     string
	ExitCode  *int
	Node      string
	StartTime string
	EndTime   string
}

// stateMap translates raw Slurm base states into the unified task status.
// States outside the table map to StatusUnknown, which the reconciler
// treats as a no-op.
var stateMap = map[string]types.TaskStatus{
	"PENDING":       types.StatusPending,
	"RUNNING":       types.StatusRunning,
	"COMPLETED":     types.StatusCompleted,
	"CANCELLED":     types.StatusCanceled,
	"FAILED":        types.StatusFailed,
	"TIMEOUT":       types.StatusFailed,
	"NODE_FAIL":     types.StatusFailed,
	"PREEMPTED":     types.StatusFailed,
	"OUT_OF_MEMORY": types.StatusFailed,
}

// MapState maps a raw Slurm state to the unified status. Trailing reason
// suffixes such as "PENDING (Resources)" are stripped before the lookup.
func MapState(slurmState string) types.TaskStatus {
	fields := strings.Fields(slurmState)
	if len(fields) == 0 {
		return types.StatusUnknown
	}
	if status, ok := stateMap[fields[0]]; ok {
		return status
	}
	return types.StatusUnknown
}

var submittedRe = regexp.MustCompile(`Submitted batch job (\d+)`)

// Client invokes the Slurm CLI tools through a CommandRunner.
type Client struct {
	runner CommandRunner
}

// NewClient returns a Client backed by the given runner. A nil runner means
// real subprocesses.
func NewClient(runner CommandRunner) *Client {
	if runner == nil {
		runner = ExecRunner{}
	}
	return &Client{runner: runner}
}

// Submit runs `sbatch scriptPath` and returns the new Slurm job id. Success
// requires exit status 0 and a stdout line matching "Submitted batch job
// <digits>"; anything else is a submission failure.
func (c *Client) Submit(ctx context.Context, scriptPath string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, SubmitTimeout)
	defer cancel()

	stdout, stderr, err := c.runner.Run(ctx, "sbatch", scriptPath)
	if err != nil {
		if errdefs.IsTimeout(err) {
			return "", err
		}
		msg := strings.TrimSpace(stderr)
		if msg == "" {
			msg = err.Error()
		}
		return "", errdefs.Wrap(errdefs.ErrSubmission, "sbatch failed: %s", msg)
	}

	m := submittedRe.FindStringSubmatch(stdout)
	if m == nil {
		return "", errdefs.Wrap(errdefs.ErrSubmission, "cannot parse sbatch output: %q", strings.TrimSpace(stdout))
	}
	return m[1], nil
}

// JobStatus queries sacct for the job, falling back to squeue when sacct
// has no rows yet (the job may be too recent for accounting). A nil JobInfo
// with nil error means the job is unknown to both tools.
func (c *Client) JobStatus(ctx context.Context, jobID string) (*JobInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, StatusTimeout)
	defer cancel()

	stdout, _, err := c.runner.Run(ctx, "sacct",
		"-j", jobID,
		"--format=JobID,State,ExitCode,NodeList,Start,End",
		"--noheader", "--parsable2")
	if err != nil {
		if errdefs.IsTimeout(err) {
			return nil, err
		}
		return c.squeueStatus(ctx, jobID)
	}

	if info := parseSacct(stdout); info != nil {
		return info, nil
	}
	return c.squeueStatus(ctx, jobID)
}

func (c *Client) squeueStatus(ctx context.Context, jobID string) (*JobInfo, error) {
	stdout, _, err := c.runner.Run(ctx, "squeue", "-j", jobID, "-h", "-o", "%i|%T|%N|%S")
	if err != nil {
		if errdefs.IsTimeout(err) {
			return nil, err
		}
		return nil, nil
	}
	return parseSqueue(stdout), nil
}

// Cancel runs `scancel jobID`. Exit 0 is success; otherwise stderr is
// surfaced in the error.
func (c *Client) Cancel(ctx context.Context, jobID string) error {
	ctx, cancel := context.WithTimeout(ctx, CancelTimeout)
	defer cancel()

	_, stderr, err := c.runner.Run(ctx, "scancel", jobID)
	if err != nil {
		if errdefs.IsTimeout(err) {
			return err
		}
		msg := strings.TrimSpace(stderr)
		if msg == "" {
			msg = err.Error()
		}
		return errdefs.Wrap(errdefs.ErrSubmission, "scancel failed: %s", msg)
	}
	return nil
}

// parseSacct picks the first top-level row out of parsable2 sacct output.
// The .batch and .extern sub-steps are skipped.
func parseSacct(out string) *JobInfo {
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if line == "" || strings.Contains(line, ".batch") || strings.Contains(line, ".extern") {
			continue
		}
		parts := strings.Split(line, "|")
		if len(parts) < 2 {
			continue
		}
		info := &JobInfo{
			JobID: parts[0],
			State: parts[1],
		}
		if len(parts) >= 3 {
			info.ExitCode = parseExitCode(parts[2])
		}
		if len(parts) >= 4 && parts[3] != "" {
			info.Node = parts[3]
		}
		if len(parts) >= 5 && parts[4] != "" && parts[4] != "Unknown" {
			info.StartTime = parts[4]
		}
		if len(parts) >= 6 && parts[5] != "" && parts[5] != "Unknown" {
			info.EndTime = parts[5]
		}
		return info
	}
	return nil
}

// parseSqueue parses the "%i|%T|%N|%S" row squeue prints for a live job.
func parseSqueue(out string) *JobInfo {
	line := strings.TrimSpace(out)
	if line == "" {
		return nil
	}
	parts := strings.Split(line, "|")
	if len(parts) < 2 {
		return nil
	}
	info := &JobInfo{
		JobID: parts[0],
		State: parts[1],
	}
	if len(parts) > 2 {
		info.Node = parts[2]
	}
	if len(parts) > 3 {
		info.StartTime = parts[3]
	}
	return info
}

// parseExitCode takes the code out of Slurm's "<code>:<signal>" form.
func parseExitCode(field string) *int {
	if !strings.Contains(field, ":") {
		return nil
	}
	code, err := strconv.Atoi(strings.SplitN(field, ":", 2)[0])
	if err != nil {
		return nil
	}
	return &code
}
