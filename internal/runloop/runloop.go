// Package runloop implements the controller's main scheduling loop:
// each tick loads the active Jobs for this backend, applies the state
// machine to each under a worker budget, and persists the results.
package runloop

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/opensafely-core/job-runner/internal/executor"
	"github.com/opensafely-core/job-runner/internal/flags"
	"github.com/opensafely-core/job-runner/internal/jobrunnererrors"
	"github.com/opensafely-core/job-runner/internal/log"
	"github.com/opensafely-core/job-runner/internal/metrics"
	"github.com/opensafely-core/job-runner/internal/statemachine"
	"github.com/opensafely-core/job-runner/internal/storage"
	"github.com/opensafely-core/job-runner/internal/tracing"
	"github.com/opensafely-core/job-runner/internal/types"
)

// budget implements statemachine.RunningBudget over the set of Jobs
// observed in the current tick, recounted after every transition so a
// just-started Job immediately counts against MAX_WORKERS.
type budget struct {
	max     float64
	weights map[string]float64
	jobs    []*types.Job
}

func (b *budget) Weight(action string) float64 {
	if w, ok := b.weights[action]; ok {
		return w
	}
	return 1
}

func (b *budget) Max() float64 { return b.max }

func (b *budget) InUse() float64 {
	var sum float64
	for _, j := range b.jobs {
		if j.State == types.StateRunning {
			sum += b.Weight(j.Action)
		}
	}
	return sum
}

// Loop drives one run-loop tick at a time.
type Loop struct {
	store    storage.Store
	flags    *flags.Flags
	machine  *statemachine.Machine
	backend  string
	Interval time.Duration
	budget   *budget

	now func() time.Time
}

// Config carries the run loop's tunables: the MAX_WORKERS and
// JOB_LOOP_INTERVAL environment settings plus an optional per-action
// weight override for actions that should consume more of the budget.
type Config struct {
	Backend         string
	MaxWorkers      int
	Interval        time.Duration
	ActionWeights   map[string]float64
	StuckJobTimeout time.Duration
	DatabaseURLs    map[string]string
}

// New builds a Loop, constructing its own statemachine.Machine so the
// Loop's per-tick worker budget and the Machine's RunningBudget view
// are always the same instance (see budget.jobs, refreshed each Tick).
func New(store storage.Store, fl *flags.Flags, exec executor.Executor, cfg Config) *Loop {
	b := &budget{max: float64(cfg.MaxWorkers), weights: cfg.ActionWeights}
	machine := statemachine.New(exec, fl, b, store)
	machine.StuckJobTimeout = cfg.StuckJobTimeout
	machine.DatabaseURLs = cfg.DatabaseURLs
	return &Loop{
		store:    store,
		flags:    fl,
		machine:  machine,
		backend:  cfg.Backend,
		Interval: cfg.Interval,
		budget:   b,
		now:      time.Now,
	}
}

// Run blocks, ticking every Interval, until ctx is cancelled. A
// SIGINT/SIGTERM-driven cancellation leaves in-flight Jobs untouched;
// the executor adapter is responsible for container survival across
// controller restarts.
func (l *Loop) Run(ctx context.Context) {
	logger := log.WithComponent("runloop")
	ticker := time.NewTicker(l.Interval)
	defer ticker.Stop()

	for {
		if err := l.Tick(ctx); err != nil {
			logger.Error().Err(err).Msg("run loop tick failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Tick runs exactly one run-loop iteration: heartbeat, load active
// Jobs sorted FIFO by CreatedAt, step each one, persist.
func (l *Loop) Tick(ctx context.Context) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.RunLoopTickDuration)
	metrics.RunLoopTicksTotal.Inc()

	now := l.now()
	if err := l.flags.Heartbeat(l.backend, now); err != nil {
		return err
	}

	jobs, err := activeJobsForBackend(l.store, l.backend)
	if err != nil {
		return err
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].CreatedAt < jobs[j].CreatedAt })
	l.budget.jobs = jobs

	ctx, endTick := tracing.StartTick(ctx)
	defer endTick()

	for _, job := range jobs {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := l.stepAndPersist(ctx, job); err != nil {
			logger := log.WithComponent("runloop")
			logger.Error().Err(err).Str("job_id", job.ID).Msg("step failed")
		}
	}

	l.recordBudgetMetric(jobs)
	return nil
}

// stepAndPersist advances one Job and writes it back. A panic from the
// state machine or executor is confined to the Job at hand: it is
// converted to a terminal INTERNAL_ERROR rather than crashing the
// loop. An InvalidTransition gets the same terminal treatment; other
// errors leave the Job untouched for the next tick.
func (l *Loop) stepAndPersist(ctx context.Context, job *types.Job) (err error) {
	prevState := job.State

	defer func() {
		if r := recover(); r != nil {
			err = l.failInternal(job, prevState, fmt.Sprintf("Internal error: %v", r))
		}
	}()

	waitFor, err := statemachine.ResolveWaitForStates(l.store, job)
	if err != nil {
		return err
	}

	jobCtx, endChild := tracing.StartJobChild(ctx, job.ID, string(job.StatusCode))
	defer endChild()

	if job.TraceContext == "" {
		job.TraceContext = tracing.TraceIDFromContext(jobCtx)
	}

	if err := l.machine.Step(jobCtx, job, waitFor, l.now()); err != nil {
		if jre, ok := jobrunnererrors.As(err); ok && jre.Kind == jobrunnererrors.KindInvalidTransition {
			return l.failInternal(job, prevState, "Internal error: invalid executor transition")
		}
		return err
	}
	if err := l.store.UpdateJob(job); err != nil {
		return err
	}
	return l.syncRunJobTask(job, prevState)
}

func (l *Loop) failInternal(job *types.Job, prevState types.State, message string) error {
	now := l.now()
	job.State = types.StateFailed
	job.StatusCode = types.StatusInternalError
	job.StatusMessage = message
	job.CompletedAt = now.Unix()
	job.UpdatedAt = now.Unix()
	job.StatusCodeUpdatedAt = now.UnixNano()
	if err := l.store.UpdateJob(job); err != nil {
		return err
	}
	return l.syncRunJobTask(job, prevState)
}

// syncRunJobTask maintains the at-most-one-active-RUNJOB-task-per-Job
// invariant: entering RUNNING opens a task, leaving RUNNING (terminal,
// or preempted back to PENDING) closes it.
func (l *Loop) syncRunJobTask(job *types.Job, prevState types.State) error {
	taskID := job.ID + "-runjob"
	now := l.now()
	switch {
	case prevState == types.StatePending && job.State == types.StateRunning:
		return l.store.InsertTask(&types.Task{
			ID:        taskID,
			Type:      types.TaskRunJob,
			Active:    true,
			Backend:   job.Backend,
			CreatedAt: now.Unix(),
		})
	case prevState == types.StateRunning && job.State != types.StateRunning:
		tasks, err := l.store.FindTasksWhere(func(row any) bool {
			t, ok := row.(*types.Task)
			return ok && t.ID == taskID && t.Active
		})
		if err != nil {
			return err
		}
		for _, t := range tasks {
			t.Active = false
			t.FinishedAt = now.Unix()
			if err := l.store.UpdateTask(t); err != nil {
				return err
			}
		}
	}
	return nil
}

func (l *Loop) recordBudgetMetric(jobs []*types.Job) {
	counts := map[string]map[string]int{}
	for _, j := range jobs {
		if counts[string(j.State)] == nil {
			counts[string(j.State)] = map[string]int{}
		}
		counts[string(j.State)][string(j.StatusCode)]++
	}
	for state, byCode := range counts {
		for code, n := range byCode {
			metrics.JobsByState.WithLabelValues(state, code).Set(float64(n))
		}
	}
	metrics.WorkerBudgetInUse.Set(l.budget.InUse())
}

// activeJobsForBackend loads every PENDING/RUNNING Job for backend,
// filtering in Go on top of FindJobsByBackend's index-narrowed scan
// rather than a full-table scan.
func activeJobsForBackend(store storage.Store, backend string) ([]*types.Job, error) {
	all, err := store.FindJobsByBackend(backend)
	if err != nil {
		return nil, err
	}
	active := make([]*types.Job, 0, len(all))
	for _, j := range all {
		if j.IsActive() {
			active = append(active, j)
		}
	}
	return active, nil
}
