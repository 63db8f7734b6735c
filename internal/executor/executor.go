// Package executor declares the opaque interface that advances one
// Job's container lifecycle. Concrete implementations live in
// subpackages (local, kubernetes).
package executor

import (
	"context"

	"github.com/opensafely-core/job-runner/internal/types"
)

// Executor advances one Job's container lifecycle. Every method must be
// restartable: after a controller crash, resuming a Job in any
// ExecutorState observable from the runtime is mandatory.
type Executor interface {
	// Prepare fetches code, materialises inputs, and builds an
	// ephemeral workspace volume. Valid only when current state is
	// UNKNOWN; idempotent if already PREPARING|PREPARED.
	Prepare(ctx context.Context, def types.JobDefinition) (types.JobStatus, error)

	// Execute starts the container. Valid only from PREPARED.
	Execute(ctx context.Context, def types.JobDefinition) (types.JobStatus, error)

	// Finalize collects logs, matches outputs against OutputSpec globs,
	// writes metadata, and makes JobResults available. Valid from
	// EXECUTED; preserves the executed container/volume until Cleanup.
	Finalize(ctx context.Context, def types.JobDefinition) (types.JobStatus, error)

	// Terminate cancels in-flight work: EXECUTING -> EXECUTED,
	// PREPARED -> FINALIZED (nothing to collect), never-started ->
	// UNKNOWN.
	Terminate(ctx context.Context, def types.JobDefinition) (types.JobStatus, error)

	// Cleanup destroys the container and volume, returning to UNKNOWN.
	Cleanup(ctx context.Context, def types.JobDefinition) (types.JobStatus, error)

	// GetStatus is the single source of truth for current ExecutorState
	// and must be cheap: it is called every tick.
	GetStatus(ctx context.Context, def types.JobDefinition) (types.JobStatus, error)

	// GetResults is populated iff GetStatus reports FINALIZED.
	GetResults(ctx context.Context, def types.JobDefinition) (*types.JobResults, error)

	// DeleteFiles is a best-effort out-of-band file removal, used by
	// the operator CLI and retention tooling; not exercised on the
	// state machine's hot path.
	DeleteFiles(ctx context.Context, workspace, privacyLevel string, paths []string) error
}
