// Package storage implements the controller's persistence layer: a
// single embedded BoltDB file, one bucket per entity type, a single
// writer (the controller process itself). Per-entity typed CRUD plus
// a predicate-based FindXWhere, backed by secondary index buckets for
// the state/backend/job_request_id/workspace lookups the two loops
// issue every tick, so callers filter in Go rather than needing a SQL
// layer bbolt doesn't have.
package storage

import "github.com/opensafely-core/job-runner/internal/types"

// Predicate reports whether a decoded row (a *types.Job or *types.Task,
// matching the entity the Find method queries) should be included in
// the result set.
type Predicate func(row any) bool

// Store is the persistence interface every other component depends on.
// Enum and JSON encoding are handled by the implementation, never by
// callers.
type Store interface {
	InsertJobRequest(jr *types.JobRequest) error
	GetJobRequest(id string) (*types.JobRequest, error)
	ExistsJobRequest(id string) (bool, error)

	InsertJob(j *types.Job) error
	UpdateJob(j *types.Job) error
	GetJob(id string) (*types.Job, error)
	FindJobsWhere(pred Predicate) ([]*types.Job, error)
	FindOneJobWhere(pred Predicate) (*types.Job, error)
	CountJobsWhere(pred Predicate) (int, error)
	FindJobsByState(state types.State) ([]*types.Job, error)
	FindJobsByBackend(backend string) ([]*types.Job, error)
	FindJobsByJobRequestID(jobRequestID string) ([]*types.Job, error)
	FindJobsByWorkspace(workspace string) ([]*types.Job, error)

	GetFlag(id, backend string) (*types.Flag, error)
	SetFlag(f *types.Flag) error

	InsertTask(t *types.Task) error
	UpdateTask(t *types.Task) error
	FindTasksWhere(pred Predicate) ([]*types.Task, error)

	// InsertJobRequestAndJobs atomically inserts one JobRequest and a
	// batch of new Jobs, so a crash mid-expansion never leaves a
	// half-recorded request.
	InsertJobRequestAndJobs(jr *types.JobRequest, jobs []*types.Job) error

	// Transaction runs fn inside one write transaction; used by callers
	// that need cross-entity atomicity the typed helpers above don't
	// cover (e.g. prepare-for-reboot's Job+Task rewrite).
	Transaction(fn func(tx Tx) error) error

	Close() error
}

// Tx is the subset of Store operations valid inside a Transaction
// callback.
type Tx interface {
	GetJob(id string) (*types.Job, error)
	PutJob(j *types.Job) error
	PutTask(t *types.Task) error
	FindJobsWhere(pred Predicate) ([]*types.Job, error)
}
