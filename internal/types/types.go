// Package types holds the core data model shared across the controller:
// JobRequest, Job, Flag, Task and the executor-facing state enums.
package types

// State is the coarse-grained Job lifecycle bucket.
type State string

const (
	StatePending   State = "PENDING"
	StateRunning   State = "RUNNING"
	StateFailed    State = "FAILED"
	StateSucceeded State = "SUCCEEDED"
)

// StatusCode is the fine-grained phase within a State. Totally ordered
// only within the State that contains it.
type StatusCode string

const (
	// PENDING
	StatusCreated               StatusCode = "CREATED"
	StatusWaitingOnDependencies StatusCode = "WAITING_ON_DEPENDENCIES"
	StatusWaitingOnWorkers      StatusCode = "WAITING_ON_WORKERS"
	StatusWaitingOnReboot       StatusCode = "WAITING_ON_REBOOT"
	StatusWaitingDBMaintenance  StatusCode = "WAITING_DB_MAINTENANCE"
	StatusWaitingPaused         StatusCode = "WAITING_PAUSED"

	// RUNNING
	StatusPreparing  StatusCode = "PREPARING"
	StatusPrepared   StatusCode = "PREPARED"
	StatusExecuting  StatusCode = "EXECUTING"
	StatusExecuted   StatusCode = "EXECUTED"
	StatusFinalizing StatusCode = "FINALIZING"
	StatusFinalized  StatusCode = "FINALIZED"

	// Terminal
	StatusSucceeded         StatusCode = "SUCCEEDED"
	StatusNonzeroExit       StatusCode = "NONZERO_EXIT"
	StatusDependencyFailed  StatusCode = "DEPENDENCY_FAILED"
	StatusCancelledByUser   StatusCode = "CANCELLED_BY_USER"
	StatusKilledByAdmin     StatusCode = "KILLED_BY_ADMIN"
	StatusInternalError     StatusCode = "INTERNAL_ERROR"
	StatusJobError          StatusCode = "JOB_ERROR"
	StatusUnmatchedPatterns StatusCode = "UNMATCHED_PATTERNS"
)

// ExecutorState is reported by the executor adapter. It is never
// stored as a Job's own State; the state machine maps it onto
// StatusCode transitions.
type ExecutorState string

const (
	ExecutorUnknown    ExecutorState = "UNKNOWN"
	ExecutorPreparing  ExecutorState = "PREPARING"
	ExecutorPrepared   ExecutorState = "PREPARED"
	ExecutorExecuting  ExecutorState = "EXECUTING"
	ExecutorExecuted   ExecutorState = "EXECUTED"
	ExecutorFinalizing ExecutorState = "FINALIZING"
	ExecutorFinalized  ExecutorState = "FINALIZED"
	ExecutorError      ExecutorState = "ERROR"
)

// DatabaseName enumerates the recognised database modes a JobRequest
// can target. "dummy" implies dummy-data mode throughout expansion and
// action-specification building.
type DatabaseName string

const (
	DatabaseFull  DatabaseName = "full"
	DatabaseSlice DatabaseName = "slice"
	DatabaseDummy DatabaseName = "dummy"
)

// RunAllCommand is the sentinel requested_actions entry meaning "expand
// to every action defined by the pipeline, in declaration order".
const RunAllCommand = "run_all"

// JobRequest is received from the coordination server and is immutable
// once stored; the expander only ever reads it back to decide whether
// jobs already exist for it.
type JobRequest struct {
	ID                   string         `json:"id"`
	RepoURL              string         `json:"repo_url"`
	Commit               string         `json:"commit,omitempty"`
	Branch               string         `json:"branch,omitempty"`
	RequestedActions     []string       `json:"requested_actions"`
	CancelledActions     []string       `json:"cancelled_actions,omitempty"`
	Workspace            string         `json:"workspace"`
	DatabaseName         DatabaseName   `json:"database_name"`
	Backend              string         `json:"backend"`
	ForceRunDependencies bool           `json:"force_run_dependencies"`
	ForceRunFailed       bool           `json:"force_run_failed"`
	Original             map[string]any `json:"original,omitempty"`
}

// Job is created by expansion, mutated by the run loop, and never
// deleted.
type Job struct {
	ID                  string                       `json:"id"`
	JobRequestID        string                       `json:"job_request_id"`
	State               State                        `json:"state"`
	StatusCode          StatusCode                   `json:"status_code"`
	StatusMessage       string                       `json:"status_message,omitempty"`
	RepoURL             string                       `json:"repo_url"`
	Commit              string                       `json:"commit"`
	Workspace           string                       `json:"workspace"`
	DatabaseName        DatabaseName                 `json:"database_name"`
	Backend             string                       `json:"backend"`
	Action              string                       `json:"action"`
	ActionRepoURL       string                       `json:"action_repo_url,omitempty"`
	ActionCommit        string                       `json:"action_commit,omitempty"`
	RequiresOutputsFrom []string                     `json:"requires_outputs_from,omitempty"`
	WaitForJobIDs       []string                     `json:"wait_for_job_ids,omitempty"`
	RunCommand          string                       `json:"run_command"`
	ImageID             string                       `json:"image_id,omitempty"`
	OutputSpec          map[string]map[string]string `json:"output_spec,omitempty"`
	Outputs             map[string]string            `json:"outputs,omitempty"`
	UnmatchedOutputs    []string                     `json:"unmatched_outputs,omitempty"`
	UnmatchedPatterns   []string                     `json:"unmatched_patterns,omitempty"`
	Cancelled           bool                         `json:"cancelled"`
	AllowNetworkAccess  bool                         `json:"allow_network_access"`
	RequiresDB          bool                         `json:"requires_db"`
	CreatedAt           int64                        `json:"created_at"`
	UpdatedAt           int64                        `json:"updated_at"`
	StartedAt           int64                        `json:"started_at,omitempty"`
	CompletedAt         int64                        `json:"completed_at,omitempty"`
	StatusCodeUpdatedAt int64                        `json:"status_code_updated_at"`
	TraceContext        string                       `json:"trace_context,omitempty"`
}

// IsActive reports whether the Job is still PENDING or RUNNING.
func (j *Job) IsActive() bool {
	return j.State == StatePending || j.State == StateRunning
}

// PrivacyLevel names the two output trees a Job's artefacts are split
// across.
const (
	PrivacyHighlySensitive     = "highly_sensitive"
	PrivacyModeratelySensitive = "moderately_sensitive"
)

// Flag is a backend-scoped key/value used to gate scheduling.
type Flag struct {
	ID        string `json:"id"`
	Backend   string `json:"backend"`
	Value     string `json:"value,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// Recognised Flag IDs.
const (
	FlagPaused              = "paused"
	FlagMode                = "mode"
	FlagManualDBMaintenance = "manual-db-maintenance"
	FlagLastSeenAt          = "last-seen-at"
	ModeDBMaintenance       = "db-maintenance"
)

// TaskType enumerates the controller<->agent handoff unit kinds.
type TaskType string

const (
	TaskRunJob    TaskType = "RUNJOB"
	TaskCancelJob TaskType = "CANCELJOB"
	TaskDBStatus  TaskType = "DBSTATUS"
	TaskStatus    TaskType = "STATUS"
)

// Task records a controller<->agent handoff, where the executor
// implementation splits work across a separate agent process. At most
// one active RUNJOB task may exist per Job at any moment.
type Task struct {
	ID         string         `json:"id"`
	Type       TaskType       `json:"type"`
	Active     bool           `json:"active"`
	Backend    string         `json:"backend"`
	CreatedAt  int64          `json:"created_at"`
	FinishedAt int64          `json:"finished_at,omitempty"`
	Definition map[string]any `json:"definition,omitempty"`
	Results    map[string]any `json:"results,omitempty"`
}

// JobDefinition is the read-only view of a Job passed into the
// executor adapter. It deliberately excludes controller bookkeeping
// fields (StatusCode, and every timestamp other than CreatedAt) the
// executor has no business mutating.
type JobDefinition struct {
	ID                 string
	JobRequestID       string
	RepoURL            string
	Commit             string
	Workspace          string
	Action             string
	CreatedAt          int64
	Image              string
	Args               []string
	Env                map[string]string
	Inputs             []string
	OutputSpec         map[string]map[string]string
	AllowNetworkAccess bool
	RequiresDB         bool
	Cancelled          bool
}

// JobStatus is returned by every Prepare/Execute/Finalize/Terminate/
// Cleanup/GetStatus call: the single source of truth for the Job's
// current ExecutorState.
type JobStatus struct {
	State       ExecutorState
	Message     string
	TimestampNs int64
}

// JobResults is populated iff GetStatus reports FINALIZED.
type JobResults struct {
	Outputs           map[string]string
	UnmatchedPatterns []string
	UnmatchedOutputs  []string
	ExitCode          int
	ImageID           string
	Message           string
	Hints             map[string]string
}
