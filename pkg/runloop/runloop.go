package runloop

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/opensafely-core/job-runner/pkg/config"
	"github.com/opensafely-core/job-runner/pkg/finaliser"
	"github.com/opensafely-core/job-runner/pkg/log"
	"github.com/opensafely-core/job-runner/pkg/metrics"
	"github.com/opensafely-core/job-runner/pkg/store"
	"github.com/opensafely-core/job-runner/pkg/types"
)

// RunLoop ticks on a fixed interval, starting pending jobs and finalising
// running ones.
type RunLoop struct {
	Store     *store.Store
	Finaliser *finaliser.Finaliser
	Config    *config.Config

	logger zerolog.Logger
	mu     sync.Mutex
	stopCh chan struct{}
}

// New returns a RunLoop ready to Start.
func New(st *store.Store, fin *finaliser.Finaliser, cfg *config.Config) *RunLoop {
	return &RunLoop{
		Store:     st,
		Finaliser: fin,
		Config:    cfg,
		logger:    log.WithComponent("runloop"),
		stopCh:    make(chan struct{}),
	}
}

// Start begins ticking in the background.
func (r *RunLoop) Start(ctx context.Context) {
	go r.run(ctx)
}

// Stop ends the loop. It does not wait for an in-progress tick to finish.
func (r *RunLoop) Stop() {
	close(r.stopCh)
}

func (r *RunLoop) run(ctx context.Context) {
	ticker := time.NewTicker(r.Config.JobLoopInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			timer := metrics.NewTimer()
			count, err := r.Tick(ctx)
			metrics.LoopDuration.Observe(timer.Duration().Seconds())
			metrics.LoopTicksTotal.Inc()
			if err != nil {
				r.logger.Error().Err(err).Msg("run loop tick failed")
				continue
			}
			r.logger.Debug().Int("jobs", count).Msg("run loop tick complete")
		case <-r.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Tick processes every Pending and Running job once, returning how many it
// looked at. A single job's error never stops the tick from processing the
// rest.
func (r *RunLoop) Tick(ctx context.Context) (int, error) {
	jobs, err := r.Store.FindJobs(store.JobFilter{Status: []types.State{types.StatePending, types.StateRunning}})
	if err != nil {
		return 0, fmt.Errorf("listing active jobs: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	pending, running := 0, 0
	for _, job := range jobs {
		switch job.Status {
		case types.StatePending:
			pending++
			if err := r.handlePending(ctx, job); err != nil {
				r.logger.Error().Err(err).Str("action", job.Action).Str("workspace", job.Workspace).Msg("handling pending job")
			}
		case types.StateRunning:
			running++
			if err := r.handleRunning(ctx, job); err != nil {
				r.logger.Error().Err(err).Str("action", job.Action).Str("workspace", job.Workspace).Msg("handling running job")
			}
		}
	}
	metrics.JobsPending.Set(float64(pending))
	metrics.JobsRunning.Set(float64(running))
	return len(jobs), nil
}

func (r *RunLoop) handlePending(ctx context.Context, job *types.Job) error {
	awaited, err := r.awaitedStates(job)
	if err != nil {
		return fmt.Errorf("checking dependency states for %s: %w", job.Action, err)
	}

	switch {
	case containsState(awaited, types.StateFailed):
		return r.markFailed(job, &finaliser.JobError{Message: "Not starting as dependency failed"})

	case allCompleted(awaited):
		if !r.capacityAvailable() {
			return r.logThrottled(job, "waiting for available workers", true)
		}
		if err := r.logThrottled(job, "starting", false); err != nil {
			return err
		}
		if err := r.Finaliser.StartJob(ctx, job); err != nil {
			jobErr, ok := err.(*finaliser.JobError)
			if !ok {
				// Transient infrastructure failure (docker daemon down, volume
				// create failed, ...): propagate so the next tick retries
				// instead of burying it as a permanent job failure.
				return err
			}
			if failErr := r.markFailed(job, jobErr); failErr != nil {
				return failErr
			}
			metrics.JobsFailedTotal.WithLabelValues("start_error").Inc()
			return r.Finaliser.CleanupJob(ctx, job)
		}
		return r.markRunning(job)

	default:
		return r.logThrottled(job, "waiting on dependencies", true)
	}
}

func (r *RunLoop) handleRunning(ctx context.Context, job *types.Job) error {
	stillRunning, err := r.Finaliser.JobStillRunning(ctx, job)
	if err != nil {
		return fmt.Errorf("checking container state: %w", err)
	}
	if stillRunning {
		return r.logThrottled(job, "running", true)
	}

	if err := r.logThrottled(job, "finished, copying outputs", false); err != nil {
		return err
	}

	finaliseErr := r.Finaliser.FinaliseJob(ctx, job)
	defer r.Finaliser.CleanupJob(ctx, job)

	if finaliseErr != nil {
		jobErr, ok := finaliseErr.(*finaliser.JobError)
		if !ok {
			return finaliseErr
		}
		metrics.JobsFailedTotal.WithLabelValues("finalise_error").Inc()
		return r.markFailed(job, jobErr)
	}
	metrics.JobsCompletedTotal.Inc()
	return r.markCompleted(job)
}

func (r *RunLoop) awaitedStates(job *types.Job) ([]types.State, error) {
	if len(job.WaitForJobIDs) == 0 {
		return nil, nil
	}
	return r.Store.SelectStatuses(job.WaitForJobIDs)
}

func containsState(states []types.State, target types.State) bool {
	for _, s := range states {
		if s == target {
			return true
		}
	}
	return false
}

func allCompleted(states []types.State) bool {
	for _, s := range states {
		if s != types.StateCompleted {
			return false
		}
	}
	return true
}

func (r *RunLoop) capacityAvailable() bool {
	running, err := r.Store.CountJobs(store.JobFilter{Status: []types.State{types.StateRunning}})
	if err != nil {
		r.logger.Error().Err(err).Msg("counting running jobs")
		return false
	}
	return running < r.Config.MaxWorkers
}

func (r *RunLoop) markFailed(job *types.Job, cause error) error {
	message := fmt.Sprintf("%s: %s", errorKind(cause), cause.Error())
	return r.Store.UpdateJob(job.ID, func(j *types.Job) {
		j.Status = types.StateFailed
		j.StatusMessage = message
	})
}

// errorKind names cause the same way the archived job metadata does, so a
// job's live status_message and its metadata.json copy never disagree.
func errorKind(cause error) string {
	switch cause.(type) {
	case *finaliser.JobError:
		return "JobError"
	default:
		return "Error"
	}
}

func (r *RunLoop) markRunning(job *types.Job) error {
	now := time.Now()
	return r.Store.UpdateJob(job.ID, func(j *types.Job) {
		j.Status = types.StateRunning
		j.StatusMessage = "started"
		j.StartedAt = &now
	})
}

func (r *RunLoop) markCompleted(job *types.Job) error {
	return r.Store.UpdateJob(job.ID, func(j *types.Job) {
		j.Status = types.StateCompleted
		j.StatusMessage = "Completed successfully"
	})
}

// logThrottled updates job's status message to message, unless timestamped
// is set and the message (ignoring the final character of its
// to-the-minute timestamp suffix) hasn't meaningfully changed since the
// last write. This mirrors the original run loop's throttling: a job stuck
// waiting or running for hours writes a new status line roughly once every
// ten minutes (whenever the tens digit of the minute changes) rather than
// on every tick.
func (r *RunLoop) logThrottled(job *types.Job, message string, timestamped bool) error {
	if timestamped {
		message = fmt.Sprintf("%s at %s", message, time.Now().UTC().Format("2006-01-02 15:04"))
		if job.StatusMessage == "" || !sameIgnoringLastChar(job.StatusMessage, message) {
			return r.writeStatusMessage(job, message)
		}
		return nil
	}
	if job.StatusMessage != message {
		return r.writeStatusMessage(job, message)
	}
	return nil
}

func sameIgnoringLastChar(a, b string) bool {
	if len(a) == 0 || len(b) == 0 {
		return a == b
	}
	return strings.TrimSuffix(a, a[len(a)-1:]) == strings.TrimSuffix(b, b[len(b)-1:])
}

func (r *RunLoop) writeStatusMessage(job *types.Job, message string) error {
	job.StatusMessage = message
	return r.Store.UpdateJob(job.ID, func(j *types.Job) {
		j.StatusMessage = message
	})
}
