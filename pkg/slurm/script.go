package slurm

import (
	"fmt"
	"strings"
)

// ScriptSpec holds everything that goes into a batch script. Identical
// inputs produce byte-identical scripts.
type ScriptSpec struct {
	TaskID     string
	Username   string
	Workdir    string
	Commands   []string
	GPUs       int
	CPUs       int
	Memory     string
	TimeLimit  string
	OutputFile string
	ErrorFile  string
	Partition  string
}

// GenerateScript renders the Slurm batch script for a task. The #SBATCH
// block carries the resource directives; the body echoes a banner, switches
// to the working directory, runs the user commands one per line unmodified,
// and echoes a trailer with $?.
func GenerateScript(spec ScriptSpec) string {
	jobName := "ailabber_" + spec.TaskID
	outputFile := spec.OutputFile
	if outputFile == "" {
		outputFile = fmt.Sprintf("slurm_%s.out", spec.TaskID)
	}
	errorFile := spec.ErrorFile
	if errorFile == "" {
		errorFile = fmt.Sprintf("slurm_%s.err", spec.TaskID)
	}

	lines := []string{
		"#!/bin/bash",
		fmt.Sprintf("#SBATCH --job-name=%s", jobName),
		fmt.Sprintf("#SBATCH --output=%s", outputFile),
		fmt.Sprintf("#SBATCH --error=%s", errorFile),
		fmt.Sprintf("#SBATCH --time=%s", spec.TimeLimit),
		fmt.Sprintf("#SBATCH --cpus-per-task=%d", spec.CPUs),
		fmt.Sprintf("#SBATCH --mem=%s", spec.Memory),
	}

	if spec.GPUs > 0 {
		lines = append(lines, fmt.Sprintf("#SBATCH --gres=gpu:%d", spec.GPUs))
	}
	if spec.Partition != "" {
		lines = append(lines, fmt.Sprintf("#SBATCH --partition=%s", spec.Partition))
	}

	lines = append(lines,
		"",
		fmt.Sprintf("echo 'Task ID: %s'", spec.TaskID),
		fmt.Sprintf("echo 'User: %s'", spec.Username),
		"echo 'Start Time: '$(date)",
		fmt.Sprintf("echo 'Working Directory: %s'", spec.Workdir),
		"echo '----------------------------------------'",
		"",
		fmt.Sprintf("cd %s", spec.Workdir),
		"",
	)

	// User commands go in verbatim, one per line.
	lines = append(lines, spec.Commands...)

	lines = append(lines,
		"",
		"echo '----------------------------------------'",
		"echo 'End Time: '$(date)",
		fmt.Sprintf("echo 'Task %s finished with exit code: '$?", spec.TaskID),
	)

	return strings.Join(lines, "\n")
}
