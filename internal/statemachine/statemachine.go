// Package statemachine implements the per-Job transition function
// mapping (ExecutorState, flags, cancellation) to the Job's next
// StatusCode and side effects (executor calls).
package statemachine

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/opensafely-core/job-runner/internal/executor"
	"github.com/opensafely-core/job-runner/internal/jobrunnererrors"
	"github.com/opensafely-core/job-runner/internal/metrics"
	"github.com/opensafely-core/job-runner/internal/project"
	"github.com/opensafely-core/job-runner/internal/tracing"
	"github.com/opensafely-core/job-runner/internal/types"
)

// maxConsecutiveRetries bounds ExecutorRetry tolerance per Job ID
// before the state machine escalates to INTERNAL_ERROR.
const maxConsecutiveRetries = 3

// defaultStuckJobTimeout is how long a Job may sit in
// WAITING_ON_DEPENDENCIES before escalating to INTERNAL_ERROR, when
// STUCK_JOB_TIMEOUT is unset.
const defaultStuckJobTimeout = 2 * time.Hour

// Flags is the subset of internal/flags.Flags the state machine reads.
type Flags interface {
	Paused(backend string) (bool, error)
	DBMaintenance(backend string) (bool, error)
	Get(id, backend string) (string, error)
}

// RunningBudget reports how many Jobs currently count against
// MAX_WORKERS, so the PENDING->PREPARING transition can respect it.
// Implemented by the run loop, which recomputes it after each
// transition within a tick.
type RunningBudget interface {
	InUse() float64
	Weight(action string) float64
	Max() float64
}

// Machine drives one Job per Step call. It is not itself concurrency
// safe; the run loop serialises calls to it.
type Machine struct {
	executor executor.Executor
	flags    Flags
	budget   RunningBudget
	store    Store

	// DatabaseURLs maps database_name to its connection string; a
	// DB-requiring Job gets DATABASE_URL injected into its container
	// environment unless it targets the dummy database.
	DatabaseURLs map[string]string

	// StuckJobTimeout overrides defaultStuckJobTimeout when non-zero.
	StuckJobTimeout time.Duration

	retries map[string]int
}

func New(exec executor.Executor, flags Flags, budget RunningBudget, store Store) *Machine {
	return &Machine{executor: exec, flags: flags, budget: budget, store: store, retries: map[string]int{}}
}

// Step advances job by exactly one tick's worth of work, mutating it in
// place. The caller is responsible for persisting the result and
// for supplying wait-for dependency states via waitForStates (job.ID ->
// their current types.State); the state machine reads the store only to
// resolve dependency outputs into the executor's Inputs.
func (m *Machine) Step(ctx context.Context, job *types.Job, waitForStates map[string]types.State, now time.Time) error {
	leaving := job.StatusCode
	changed, err := m.step(ctx, job, waitForStates, now)
	if err != nil {
		return err
	}
	if changed {
		m.emitTransition(ctx, job, leaving, now)
	}
	return nil
}

func (m *Machine) emitTransition(ctx context.Context, job *types.Job, leaving types.StatusCode, now time.Time) {
	prevUpdated := time.Unix(0, job.StatusCodeUpdatedAt)
	job.StatusCodeUpdatedAt = now.UnixNano()
	tracing.StartSpanBetween(ctx, string(leaving), prevUpdated, now)
	metrics.JobTransitionsTotal.WithLabelValues(string(leaving)).Inc()

	if job.State == types.StateSucceeded || job.State == types.StateFailed {
		tracing.StartRootJobSpan(ctx, job.ID, time.Unix(job.CreatedAt, 0), now)
	}
}

func (m *Machine) step(ctx context.Context, job *types.Job, waitForStates map[string]types.State, now time.Time) (bool, error) {
	status, err := m.executor.GetStatus(ctx, m.jobDefinition(job))
	if err != nil {
		if jre, ok := jobrunnererrors.As(err); ok && jre.Kind == jobrunnererrors.KindExecutorRetry {
			return m.handleRetry(ctx, job, now)
		}
		return false, err
	}
	m.retries[job.ID] = 0

	// Step 1: cancellation short-circuit.
	if job.Cancelled {
		return m.handleCancellation(ctx, job, status.State, now)
	}

	// Step 2: maintenance-mode preemption.
	if job.RequiresDB {
		maint, err := m.flags.DBMaintenance(job.Backend)
		if err != nil {
			return false, err
		}
		if maint && isWithinRun(status.State) {
			return m.preemptForMaintenance(ctx, job, now)
		}
	}

	if job.State == types.StatePending {
		return m.stepPending(ctx, job, waitForStates, now)
	}
	return m.stepRunning(ctx, job, status, now)
}

func isWithinRun(s types.ExecutorState) bool {
	switch s {
	case types.ExecutorExecuting, types.ExecutorExecuted, types.ExecutorFinalizing:
		return true
	}
	return false
}

func (m *Machine) handleCancellation(ctx context.Context, job *types.Job, execState types.ExecutorState, now time.Time) (bool, error) {
	switch execState {
	case types.ExecutorUnknown:
		m.fail(job, types.StatusCancelledByUser, "Cancelled before starting", now)
		return true, nil
	case types.ExecutorPreparing, types.ExecutorPrepared:
		if _, err := m.executor.Terminate(ctx, m.jobDefinition(job)); err != nil {
			return false, err
		}
		if _, err := m.executor.Finalize(ctx, m.jobDefinition(job)); err != nil {
			return false, err
		}
		if _, err := m.executor.Cleanup(ctx, m.jobDefinition(job)); err != nil {
			return false, err
		}
		m.fail(job, types.StatusCancelledByUser, "Cancelled whilst prepared", now)
		return true, nil
	case types.ExecutorExecuting:
		if _, err := m.executor.Terminate(ctx, m.jobDefinition(job)); err != nil {
			return false, err
		}
		job.StatusMessage = "Cancelled whilst executing"
		return false, nil
	case types.ExecutorExecuted, types.ExecutorFinalizing:
		// Terminate already issued on a prior tick; ride the normal
		// RUNNING walk down to FINALIZED, then fail as cancelled.
		return m.stepRunning(ctx, job, types.JobStatus{State: execState}, now)
	case types.ExecutorFinalized:
		if _, err := m.executor.Cleanup(ctx, m.jobDefinition(job)); err != nil {
			return false, err
		}
		m.fail(job, types.StatusCancelledByUser, "Cancelled whilst executing", now)
		return true, nil
	default:
		return false, jobrunnererrors.InvalidTransition("job %s: unexpected executor state %s while cancelling", job.ID, execState)
	}
}

func (m *Machine) preemptForMaintenance(ctx context.Context, job *types.Job, now time.Time) (bool, error) {
	if _, err := m.executor.Terminate(ctx, m.jobDefinition(job)); err != nil {
		return false, err
	}
	if _, err := m.executor.Cleanup(ctx, m.jobDefinition(job)); err != nil {
		return false, err
	}
	job.State = types.StatePending
	job.StatusCode = types.StatusWaitingDBMaintenance
	job.StatusMessage = "Waiting for database maintenance to finish"
	job.StartedAt = 0
	job.UpdatedAt = now.Unix()
	return true, nil
}

func (m *Machine) stepPending(ctx context.Context, job *types.Job, waitForStates map[string]types.State, now time.Time) (bool, error) {
	if job.StatusCode != types.StatusCreated && job.StatusCode != types.StatusWaitingOnDependencies &&
		job.StatusCode != types.StatusWaitingOnWorkers && job.StatusCode != types.StatusWaitingOnReboot &&
		job.StatusCode != types.StatusWaitingDBMaintenance && job.StatusCode != types.StatusWaitingPaused {
		return false, jobrunnererrors.InvalidTransition("job %s: unrecognised PENDING status_code %s", job.ID, job.StatusCode)
	}

	anyFailed, anyIncomplete := false, false
	for _, id := range job.WaitForJobIDs {
		state, ok := waitForStates[id]
		if !ok || state != types.StateSucceeded {
			anyIncomplete = true
		}
		if ok && state == types.StateFailed {
			anyFailed = true
		}
	}
	if anyFailed {
		m.fail(job, types.StatusDependencyFailed, "A dependency failed", now)
		return true, nil
	}
	if anyIncomplete {
		if job.StatusCode == types.StatusWaitingOnDependencies && m.stuckTooLong(job, now) {
			m.fail(job, types.StatusInternalError, "Waited too long for dependencies to complete", now)
			return true, nil
		}
		return m.setPendingStatus(job, types.StatusWaitingOnDependencies, now)
	}

	paused, err := m.flags.Paused(job.Backend)
	if err != nil {
		return false, err
	}
	if paused {
		return m.setPendingStatus(job, types.StatusWaitingPaused, now)
	}

	if m.budget.InUse()+m.budget.Weight(job.Action) > m.budget.Max() {
		return m.setPendingStatus(job, types.StatusWaitingOnWorkers, now)
	}

	status, err := m.executor.Prepare(ctx, m.jobDefinition(job))
	if err != nil {
		return false, err
	}
	job.State = types.StateRunning
	job.StartedAt = now.Unix()
	job.UpdatedAt = now.Unix()
	switch status.State {
	case types.ExecutorPrepared:
		job.StatusCode = types.StatusPrepared
	default:
		job.StatusCode = types.StatusPreparing
	}
	return true, nil
}

// stuckTooLong reports whether job has been waiting on its
// dependencies past STUCK_JOB_TIMEOUT.
func (m *Machine) stuckTooLong(job *types.Job, now time.Time) bool {
	if job.StatusCodeUpdatedAt == 0 {
		return false
	}
	timeout := m.StuckJobTimeout
	if timeout == 0 {
		timeout = defaultStuckJobTimeout
	}
	return now.Sub(time.Unix(0, job.StatusCodeUpdatedAt)) > timeout
}

func (m *Machine) setPendingStatus(job *types.Job, code types.StatusCode, now time.Time) (bool, error) {
	if job.StatusCode == code {
		return false, nil
	}
	job.StatusCode = code
	job.UpdatedAt = now.Unix()
	return true, nil
}

func (m *Machine) stepRunning(ctx context.Context, job *types.Job, status types.JobStatus, now time.Time) (bool, error) {
	expected := expectedExecutorState(job.StatusCode)
	if status.State == types.ExecutorError {
		m.fail(job, types.StatusInternalError, status.Message, now)
		_, _ = m.executor.Cleanup(ctx, m.jobDefinition(job))
		return true, nil
	}
	if status.State != expected && !isNextState(expected, status.State) {
		return false, jobrunnererrors.InvalidTransition("job %s: observed executor state %s, expected %s or its successor", job.ID, status.State, expected)
	}

	job.UpdatedAt = now.Unix()
	switch {
	case job.StatusCode == types.StatusPreparing && status.State == types.ExecutorPrepared:
		job.StatusCode = types.StatusPrepared
		return true, nil
	case job.StatusCode == types.StatusPrepared && status.State == types.ExecutorPrepared:
		if _, err := m.executor.Execute(ctx, m.jobDefinition(job)); err != nil {
			return false, err
		}
		job.StatusCode = types.StatusExecuting
		return true, nil
	case job.StatusCode == types.StatusExecuting && status.State == types.ExecutorExecuted:
		job.StatusCode = types.StatusExecuted
		return true, nil
	case job.StatusCode == types.StatusExecuted && status.State == types.ExecutorExecuted:
		if _, err := m.executor.Finalize(ctx, m.jobDefinition(job)); err != nil {
			return false, err
		}
		job.StatusCode = types.StatusFinalizing
		return true, nil
	case job.StatusCode == types.StatusFinalizing && status.State == types.ExecutorFinalized:
		job.StatusCode = types.StatusFinalized
		return true, nil
	case job.StatusCode == types.StatusFinalized && status.State == types.ExecutorFinalized:
		return m.classifyResults(ctx, job, now)
	default:
		return false, nil
	}
}

func (m *Machine) classifyResults(ctx context.Context, job *types.Job, now time.Time) (bool, error) {
	results, err := m.executor.GetResults(ctx, m.jobDefinition(job))
	if err != nil {
		return false, err
	}
	if results == nil {
		return false, jobrunnererrors.InvalidTransition("job %s: FINALIZED with no results", job.ID)
	}

	job.Outputs = results.Outputs
	job.UnmatchedOutputs = results.UnmatchedOutputs
	job.UnmatchedPatterns = results.UnmatchedPatterns
	job.ImageID = results.ImageID

	switch {
	case results.ExitCode == 0 && len(results.UnmatchedPatterns) == 0:
		m.succeed(job, now)
	case results.ExitCode == 0:
		m.fail(job, types.StatusUnmatchedPatterns, "Some expected outputs were not produced: "+joinFirst(results.UnmatchedPatterns), now)
	default:
		m.fail(job, types.StatusNonzeroExit, results.Message, now)
	}

	if _, err := m.executor.Cleanup(ctx, m.jobDefinition(job)); err != nil {
		return false, err
	}
	return true, nil
}

func joinFirst(patterns []string) string {
	if len(patterns) == 0 {
		return ""
	}
	out := patterns[0]
	for _, p := range patterns[1:] {
		out += ", " + p
	}
	return out
}

func (m *Machine) handleRetry(ctx context.Context, job *types.Job, now time.Time) (bool, error) {
	m.retries[job.ID]++
	metrics.ExecutorRetriesTotal.Inc()

	start := now
	if job.StatusCodeUpdatedAt > 0 {
		start = time.Unix(0, job.StatusCodeUpdatedAt)
	}
	tracing.StartSpanBetween(ctx, "EXECUTOR_RETRY", start, now,
		attribute.String("job_id", job.ID),
		attribute.Int("retry_count", m.retries[job.ID]))

	if m.retries[job.ID] > maxConsecutiveRetries {
		m.fail(job, types.StatusInternalError, "executor retry budget exceeded", now)
		return true, nil
	}
	return false, nil
}

func (m *Machine) fail(job *types.Job, code types.StatusCode, message string, now time.Time) {
	job.State = types.StateFailed
	job.StatusCode = code
	job.StatusMessage = message
	job.CompletedAt = now.Unix()
	job.UpdatedAt = now.Unix()
}

func (m *Machine) succeed(job *types.Job, now time.Time) {
	job.State = types.StateSucceeded
	job.StatusCode = types.StatusSucceeded
	job.StatusMessage = ""
	job.CompletedAt = now.Unix()
	job.UpdatedAt = now.Unix()
}

// expectedExecutorState maps a RUNNING status_code to the ExecutorState
// the state machine expects to observe it in before it has advanced.
func expectedExecutorState(code types.StatusCode) types.ExecutorState {
	switch code {
	case types.StatusPreparing:
		return types.ExecutorPreparing
	case types.StatusPrepared:
		return types.ExecutorPrepared
	case types.StatusExecuting:
		return types.ExecutorExecuting
	case types.StatusExecuted:
		return types.ExecutorExecuted
	case types.StatusFinalizing:
		return types.ExecutorFinalizing
	case types.StatusFinalized:
		return types.ExecutorFinalized
	default:
		return types.ExecutorUnknown
	}
}

// isNextState reports whether observed is the immediate successor of
// expected in the ExecutorState progression; anything further ahead
// (or behind) is an invalid transition.
func isNextState(expected, observed types.ExecutorState) bool {
	order := []types.ExecutorState{
		types.ExecutorUnknown, types.ExecutorPreparing, types.ExecutorPrepared,
		types.ExecutorExecuting, types.ExecutorExecuted, types.ExecutorFinalizing,
		types.ExecutorFinalized,
	}
	for i, s := range order {
		if s == expected {
			return i+1 < len(order) && order[i+1] == observed
		}
	}
	return false
}

// jobDefinition builds the read-only view passed to the executor
// adapter. Inputs is resolved from each wait_for Job's actual Outputs
// (the real files a dependency produced), not from its declared
// output_spec globs, since a glob like "output/*.csv" only becomes a
// concrete path once the producing Job has finalized.
func (m *Machine) jobDefinition(job *types.Job) types.JobDefinition {
	image, args := project.SplitRunCommand(job.RunCommand)
	var inputs []string
	if m.store != nil {
		for _, id := range job.WaitForJobIDs {
			dep, err := m.store.GetJob(id)
			if err != nil || dep == nil {
				continue
			}
			for path := range dep.Outputs {
				inputs = append(inputs, path)
			}
		}
	}
	var env map[string]string
	if job.RequiresDB && job.DatabaseName != types.DatabaseDummy {
		if url := m.DatabaseURLs[string(job.DatabaseName)]; url != "" {
			env = map[string]string{"DATABASE_URL": url}
		}
	}
	return types.JobDefinition{
		ID:                 job.ID,
		JobRequestID:       job.JobRequestID,
		RepoURL:            job.RepoURL,
		Commit:             job.Commit,
		Workspace:          job.Workspace,
		Action:             job.Action,
		CreatedAt:          job.CreatedAt,
		Image:              image,
		Args:               args,
		Env:                env,
		Inputs:             inputs,
		OutputSpec:         job.OutputSpec,
		AllowNetworkAccess: job.AllowNetworkAccess,
		RequiresDB:         job.RequiresDB,
		Cancelled:          job.Cancelled,
	}
}

// Store is the subset of internal/storage.Store used to look up
// wait_for_job_ids Jobs: ResolveWaitForStates reads their states and
// jobDefinition reads their Outputs.
type Store interface {
	GetJob(id string) (*types.Job, error)
}

// ResolveWaitForStates is a small helper the run loop uses to build
// the waitForStates map Step needs, given a Job's WaitForJobIDs.
func ResolveWaitForStates(store Store, job *types.Job) (map[string]types.State, error) {
	out := make(map[string]types.State, len(job.WaitForJobIDs))
	for _, id := range job.WaitForJobIDs {
		w, err := store.GetJob(id)
		if err != nil {
			return nil, err
		}
		if w == nil {
			continue
		}
		out[id] = w.State
	}
	return out, nil
}
