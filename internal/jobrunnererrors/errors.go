// Package jobrunnererrors implements the controller's flat error
// taxonomy as a sum type (per Design Notes: prefer an enum with a data
// payload over a class hierarchy).
package jobrunnererrors

import "fmt"

// Kind identifies which branch of the taxonomy an Error belongs to.
type Kind string

const (
	KindProjectValidation Kind = "ProjectValidationError"
	KindGit               Kind = "GitError"
	KindReusableAction    Kind = "ReusableActionError"
	KindJobRequest        Kind = "JobRequestError"
	KindInvalidTransition Kind = "InvalidTransition"
	KindExecutorRetry     Kind = "ExecutorRetry"
	KindJobError          Kind = "JobError"
)

// GitSubKind refines KindGit.
type GitSubKind string

const (
	GitRepoNotReachable GitSubKind = "RepoNotReachable"
	GitUnknownRef       GitSubKind = "UnknownRef"
	GitFileNotFound     GitSubKind = "FileNotFound"
)

// Error is the single concrete error type used across the controller.
// Each variant carries a study-developer-oriented Message and an
// IsSafeToReport flag, matching Design Notes' "flat taxonomy, sum
// type" guidance.
type Error struct {
	Kind           Kind
	GitSubKind     GitSubKind // only meaningful when Kind == KindGit
	Message        string
	IsSafeToReport bool
	Wrapped        error
}

func (e *Error) Error() string {
	if e.GitSubKind != "" {
		return fmt.Sprintf("%s(%s): %s", e.Kind, e.GitSubKind, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Wrapped }

// As lets callers recover a *Error without type-switching on concrete
// Go error types at every call site.
func As(err error) (*Error, bool) {
	e, ok := err.(*Error)
	return e, ok
}

func newErr(kind Kind, safe bool, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), IsSafeToReport: safe}
}

// ProjectValidation reports malformed project YAML, an unknown action,
// an invalid glob, or a disallowed image.
func ProjectValidation(format string, args ...any) *Error {
	return newErr(KindProjectValidation, true, format, args...)
}

// Git reports a failure from the git collaborator. Non-fatal to the
// controller process; fatal to the JobRequest being expanded.
func Git(sub GitSubKind, format string, args ...any) *Error {
	e := newErr(KindGit, true, format, args...)
	e.GitSubKind = sub
	return e
}

// ReusableAction reports a failure resolving or validating a reusable
// action reference.
func ReusableAction(format string, args ...any) *Error {
	return newErr(KindReusableAction, true, format, args...)
}

// JobRequest reports a malformed JobRequest (empty actions, bad
// workspace name, unknown database, a dependency that failed and must
// be re-run explicitly, etc).
func JobRequest(format string, args ...any) *Error {
	return newErr(KindJobRequest, true, format, args...)
}

// InvalidTransition reports an ExecutorState the state machine did not
// expect; the Job fails with INTERNAL_ERROR and the offending state is
// not safe to show to a study developer.
func InvalidTransition(format string, args ...any) *Error {
	return newErr(KindInvalidTransition, false, format, args...)
}

// ExecutorRetry reports an adapter-level transient condition; the
// state machine leaves the Job as it is and tries again on the next
// tick, failing it with INTERNAL_ERROR only after more than three
// consecutive retries.
func ExecutorRetry(format string, args ...any) *Error {
	return newErr(KindExecutorRetry, false, format, args...)
}

// JobError reports a catchable executor-reported failure (nonzero
// exit, unmatched outputs) that maps directly to a FAILED Job.
func JobError(format string, args ...any) *Error {
	return newErr(KindJobError, true, format, args...)
}
