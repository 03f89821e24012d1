// Package reconciler drives non-terminal tasks toward terminal states by
// polling Slurm, directly for local targets and through the Remote Bridge
// for remote ones.
package reconciler

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/ailabber/ailabber/pkg/bridge"
	"github.com/ailabber/ailabber/pkg/log"
	"github.com/ailabber/ailabber/pkg/metrics"
	"github.com/ailabber/ailabber/pkg/slurm"
	"github.com/ailabber/ailabber/pkg/storage"
	"github.com/ailabber/ailabber/pkg/types"
)

// Reconciler is the single background poller of a Local Proxy process.
type Reconciler struct {
	store    storage.Store
	slurm    *slurm.Client
	bridge   *bridge.Bridge
	interval time.Duration
	logger   zerolog.Logger

	stopCh  chan struct{}
	doneCh  chan struct{}
	running atomic.Bool
}

// New creates a reconciler polling every interval.
func New(store storage.Store, slurmClient *slurm.Client, b *bridge.Bridge, interval time.Duration) *Reconciler {
	return &Reconciler{
		store:    store,
		slurm:    slurmClient,
		bridge:   b,
		interval: interval,
		logger:   log.WithComponent("reconciler"),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start begins the polling loop.
func (r *Reconciler) Start() {
	r.running.Store(true)
	go r.run()
}

// Stop shuts the loop down and waits for the in-flight cycle to finish.
func (r *Reconciler) Stop() {
	close(r.stopCh)
	<-r.doneCh
	r.running.Store(false)
}

// IsRunning reports whether the loop is active, for the /health endpoint.
func (r *Reconciler) IsRunning() bool {
	return r.running.Load()
}

func (r *Reconciler) run() {
	defer close(r.doneCh)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.reconcile(context.Background())
		case <-r.stopCh:
			return
		}
	}
}

// reconcile performs one polling cycle. A failure on one task never blocks
// the others.
func (r *Reconciler) reconcile(ctx context.Context) {
	start := time.Now()
	defer func() {
		metrics.ReconcileDuration.Observe(time.Since(start).Seconds())
		metrics.ReconcileCyclesTotal.Inc()
	}()

	tasks, err := r.store.ListActiveTasks()
	if err != nil {
		r.logger.Error().Err(err).Msg("failed to list active tasks")
		return
	}

	counts := map[types.TaskStatus]int{types.StatusPending: 0, types.StatusRunning: 0}
	for _, task := range tasks {
		counts[task.Status]++
		if task.SlurmJobID == "" {
			continue
		}
		if err := r.pollTask(ctx, task); err != nil {
			metrics.ReconcileErrorsTotal.Inc()
			r.logger.Warn().Err(err).
				Str("task_id", task.TaskID).
				Str("slurm_job_id", task.SlurmJobID).
				Msg("poll failed")
		}
	}
	for status, n := range counts {
		metrics.TasksByStatus.WithLabelValues(string(status)).Set(float64(n))
	}
}

// pollTask asks the owning submitter for the job's current state and commits
// the transition when it differs from the row.
func (r *Reconciler) pollTask(ctx context.Context, task *types.Task) error {
	var (
		status   types.TaskStatus
		exitCode *int
		err      error
	)
	if task.Target == types.TargetRemote {
		status, exitCode, err = r.remoteStatus(ctx, task)
	} else {
		status, exitCode, err = r.localStatus(ctx, task)
	}
	if err != nil {
		return err
	}

	// Unknown states carry no information; wait for the next cycle.
	if status == types.StatusUnknown || status == task.Status {
		return nil
	}

	updated, err := r.store.UpdateStatus(task.TaskID, status, storage.UpdateOptions{ExitCode: exitCode})
	if err != nil {
		return err
	}
	if updated.Status != task.Status {
		metrics.ReconcileTransitionsTotal.WithLabelValues(string(updated.Status)).Inc()
		r.logger.Info().
			Str("task_id", task.TaskID).
			Str("from", string(task.Status)).
			Str("to", string(updated.Status)).
			Msg("task transitioned")
	}
	return nil
}

func (r *Reconciler) localStatus(ctx context.Context, task *types.Task) (types.TaskStatus, *int, error) {
	info, err := r.slurm.JobStatus(ctx, task.SlurmJobID)
	if err != nil {
		return types.StatusUnknown, nil, err
	}
	if info == nil {
		return types.StatusUnknown, nil, nil
	}
	return slurm.MapState(info.State), info.ExitCode, nil
}

func (r *Reconciler) remoteStatus(ctx context.Context, task *types.Task) (types.TaskStatus, *int, error) {
	resp, err := r.bridge.Status(ctx, task.SlurmJobID)
	if err != nil {
		return types.StatusUnknown, nil, err
	}
	return types.TaskStatus(resp.Status), resp.ExitCode, nil
}
