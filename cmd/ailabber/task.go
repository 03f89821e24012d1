package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ailabber/ailabber/pkg/slurm"
	"github.com/ailabber/ailabber/pkg/submitter"
	"github.com/ailabber/ailabber/pkg/types"
)

func init() {
	for _, cmd := range []*cobra.Command{submitCmd, localRunCmd} {
		cmd.Flags().StringArray("command", nil, "Command to run (repeatable, executed in order)")
		cmd.Flags().String("upload", "", "Root of the working tree (defaults to the current directory)")
		cmd.Flags().StringArray("ignore", nil, "Path excluded from staging (repeatable)")
		cmd.Flags().String("workdir", ".", "Working directory of the batch job")
		cmd.Flags().StringArray("logs", nil, "Log path to harvest, relative to workdir (repeatable)")
		cmd.Flags().StringArray("results", nil, "Result path to harvest, relative to workdir (repeatable)")
		cmd.Flags().Int("gpus", 0, "Number of GPUs")
		cmd.Flags().Int("cpus", 1, "Number of CPUs")
		cmd.Flags().String("memory", "4G", "Memory limit")
		cmd.Flags().String("time-limit", "1:00:00", "Wall-clock limit (H:MM:SS)")
		cmd.Flags().String("partition", "", "Slurm partition")
	}
	submitCmd.Flags().String("target", "local", "Submission target (local or remote)")

	statusCmd.Flags().Bool("json", false, "Print the raw task row as JSON")
	listCmd.Flags().String("status", "", "Filter by status")
	fetchCmd.Flags().String("output", "", "Destination path for the archive")
}

// submitRequest assembles the shared submit payload from flags.
func submitRequest(cmd *cobra.Command) (*types.SubmitRequest, error) {
	name, err := username(cmd)
	if err != nil {
		return nil, err
	}

	upload, _ := cmd.Flags().GetString("upload")
	if upload == "" {
		upload, err = os.Getwd()
		if err != nil {
			return nil, err
		}
	}
	upload, err = filepath.Abs(upload)
	if err != nil {
		return nil, err
	}

	commands, _ := cmd.Flags().GetStringArray("command")
	ignore, _ := cmd.Flags().GetStringArray("ignore")
	workdir, _ := cmd.Flags().GetString("workdir")
	logs, _ := cmd.Flags().GetStringArray("logs")
	results, _ := cmd.Flags().GetStringArray("results")
	gpus, _ := cmd.Flags().GetInt("gpus")
	cpus, _ := cmd.Flags().GetInt("cpus")
	memory, _ := cmd.Flags().GetString("memory")
	timeLimit, _ := cmd.Flags().GetString("time-limit")
	partition, _ := cmd.Flags().GetString("partition")

	return &types.SubmitRequest{
		Username:  name,
		Commands:  commands,
		Upload:    upload,
		Ignore:    ignore,
		Workdir:   workdir,
		Logs:      logs,
		Results:   results,
		GPUs:      gpus,
		CPUs:      cpus,
		Memory:    memory,
		TimeLimit: timeLimit,
		Partition: partition,
	}, nil
}

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a task to the local or remote cluster",
	RunE: func(cmd *cobra.Command, args []string) error {
		req, err := submitRequest(cmd)
		if err != nil {
			return err
		}
		req.Target, _ = cmd.Flags().GetString("target")

		resp, err := proxyClient(cmd).Submit(req)
		if err != nil {
			return err
		}

		fmt.Printf("✓ Task %s submitted (%s)\n", resp.TaskID, resp.Target)
		fmt.Printf("  Slurm job id: %s\n", resp.SlurmJobID)
		return nil
	},
}

var localRunCmd = &cobra.Command{
	Use:   "local-run",
	Short: "Submit a task to the local cluster, running sbatch directly",
	Long: `Create the task record through the Local Proxy, then build the batch
script and run sbatch from this process. The resulting Slurm job id is
attached to the record afterwards, so the reconciler tracks the job the
same way it tracks proxy-submitted ones.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		req, err := submitRequest(cmd)
		if err != nil {
			return err
		}

		c := proxyClient(cmd)
		resp, err := c.CreateLocalRun(req)
		if err != nil {
			return err
		}

		req.ApplyDefaults()
		task := &types.Task{
			TaskID:    resp.TaskID,
			Username:  req.Username,
			Target:    types.TargetLocalRun,
			Upload:    req.Upload,
			Workdir:   req.Workdir,
			Commands:  req.Commands,
			GPUs:      req.GPUs,
			CPUs:      req.CPUs,
			Memory:    req.Memory,
			TimeLimit: req.TimeLimit,
			Partition: req.Partition,
		}

		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()

		jobID, err := submitter.New(slurm.NewClient(nil)).Submit(ctx, task)
		if err != nil {
			return fmt.Errorf("sbatch failed (task %s left pending): %v", resp.TaskID, err)
		}
		if err := c.AttachSlurmID(resp.TaskID, jobID); err != nil {
			return fmt.Errorf("sbatch succeeded as job %s but attaching it failed: %v", jobID, err)
		}

		fmt.Printf("✓ Task %s submitted (local-run)\n", resp.TaskID)
		fmt.Printf("  Slurm job id: %s\n", jobID)
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status <task-id>",
	Short: "Show one task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name, err := username(cmd)
		if err != nil {
			return err
		}
		task, err := proxyClient(cmd).Status(args[0], name)
		if err != nil {
			return err
		}

		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(task)
		}

		fmt.Printf("Task:         %s\n", task.TaskID)
		fmt.Printf("Status:       %s\n", task.Status)
		fmt.Printf("Target:       %s\n", task.Target)
		if task.SlurmJobID != "" {
			fmt.Printf("Slurm job id: %s\n", task.SlurmJobID)
		}
		fmt.Printf("Created:      %s\n", task.CreatedAt.Local().Format(time.RFC3339))
		if task.StartedAt != nil {
			fmt.Printf("Started:      %s\n", task.StartedAt.Local().Format(time.RFC3339))
		}
		if task.CompletedAt != nil {
			fmt.Printf("Completed:    %s\n", task.CompletedAt.Local().Format(time.RFC3339))
		}
		if task.ExitCode != nil {
			fmt.Printf("Exit code:    %d\n", *task.ExitCode)
		}
		return nil
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List your tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		name, err := username(cmd)
		if err != nil {
			return err
		}
		status, _ := cmd.Flags().GetString("status")

		tasks, err := proxyClient(cmd).List(name, status)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "TASK ID\tSTATUS\tTARGET\tSLURM JOB\tCREATED")
		for _, t := range tasks {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				t.TaskID, t.Status, t.Target, t.SlurmJobID,
				t.CreatedAt.Local().Format("2006-01-02 15:04:05"))
		}
		return w.Flush()
	},
}

var logsCmd = &cobra.Command{
	Use:   "logs <task-id>",
	Short: "Print a task's captured stdout and stderr",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name, err := username(cmd)
		if err != nil {
			return err
		}
		resp, err := proxyClient(cmd).Logs(args[0], name)
		if err != nil {
			return err
		}

		if resp.Stdout != "" {
			fmt.Println("=== stdout ===")
			fmt.Print(resp.Stdout)
		}
		if resp.Stderr != "" {
			fmt.Println("=== stderr ===")
			fmt.Print(resp.Stderr)
		}
		return nil
	},
}

var fetchCmd = &cobra.Command{
	Use:   "fetch <task-id>",
	Short: "Download a task's results archive",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name, err := username(cmd)
		if err != nil {
			return err
		}
		dest, _ := cmd.Flags().GetString("output")

		path, err := proxyClient(cmd).Fetch(args[0], name, dest)
		if err != nil {
			return err
		}
		fmt.Printf("✓ Results written to %s\n", path)
		return nil
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <task-id>",
	Short: "Cancel a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name, err := username(cmd)
		if err != nil {
			return err
		}
		if err := proxyClient(cmd).Cancel(args[0], name); err != nil {
			return err
		}
		fmt.Printf("✓ Task %s canceled\n", args[0])
		return nil
	},
}
