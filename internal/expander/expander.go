// Package expander turns a JobRequest into Jobs: it walks the
// project's action DAG and produces the set of new Jobs (with
// wait-for edges) needed to satisfy it, reusing already-active Jobs
// for the workspace and recursing into reusable-action repositories
// via internal/project/reusableaction.
package expander

import (
	"context"
	"crypto/sha1"
	"encoding/base32"
	"regexp"
	"strings"
	"time"

	"github.com/opensafely-core/job-runner/internal/jobrunnererrors"
	"github.com/opensafely-core/job-runner/internal/project"
	"github.com/opensafely-core/job-runner/internal/project/reusableaction"
	"github.com/opensafely-core/job-runner/internal/storage"
	"github.com/opensafely-core/job-runner/internal/types"
)

// GitClient is the subset of internal/gitclient.Client the expander
// needs (resolving branch->sha, fetching project.yaml, and the
// reusable-action checks). It is exactly reusableaction.GitClient, so
// one concrete client serves both paths.
type GitClient interface {
	reusableaction.GitClient
}

var workspaceRe = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

const errorAction = "__error__"

// Expander walks JobRequests into Jobs.
type Expander struct {
	store             storage.Store
	git               GitClient
	githubProxyDomain string
	actionsOrg        string
	allowedImages     map[string]struct{}
	localMode         bool
	now               func() time.Time
}

// Config carries the environment-derived settings the expander needs.
type Config struct {
	GitHubProxyDomain string
	ActionsGitHubOrg  string
	AllowedImages     map[string]struct{}
	// LocalMode relaxes the workspace slug invariant for development
	// runs against a local repo.
	LocalMode bool
	Now       func() time.Time
}

func New(store storage.Store, git GitClient, cfg Config) *Expander {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Expander{
		store:             store,
		git:               git,
		githubProxyDomain: cfg.GitHubProxyDomain,
		actionsOrg:        cfg.ActionsGitHubOrg,
		allowedImages:     cfg.AllowedImages,
		localMode:         cfg.LocalMode,
		now:               now,
	}
}

// JobID computes a Job's deterministic identity: the first 16
// lowercase base32 characters of SHA-1(job_request_id + "\n" +
// action), so repeated expansion always produces the same IDs.
func JobID(jobRequestID, action string) string {
	sum := sha1.Sum([]byte(jobRequestID + "\n" + action))
	encoded := base32.StdEncoding.EncodeToString(sum[:])
	return strings.ToLower(encoded[:16])
}

// jobStatus is the tagged-union node status memoised per action during
// the dependency walk.
type jobStatus struct {
	kind kind
	job  *types.Job // only set when kind == kindScheduled
}

type kind int

const (
	kindNotVisited kind = iota
	kindScheduled
	kindAlreadyDone
	kindScheduledElsewhere
)

// CreateOrUpdateJobs expands jr into Jobs and persists them. On any
// validation or resolution error it inserts a single synthetic FAILED
// Job carrying the error's kind and message instead of propagating the
// error, so the coordination server always sees an outcome for the
// JobRequest.
func (e *Expander) CreateOrUpdateJobs(ctx context.Context, jr *types.JobRequest) error {
	existing, err := e.store.FindJobsByJobRequestID(jr.ID)
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return e.markCancelled(existing, jr.CancelledActions)
	}

	jobs, err := e.expand(ctx, jr)
	if err != nil {
		synthetic := e.failureJob(jr)
		if jre, ok := jobrunnererrors.As(err); ok {
			synthetic.StatusMessage = string(jre.Kind) + ": " + jre.Message
		} else {
			synthetic.StatusMessage = err.Error()
		}
		return e.store.InsertJobRequestAndJobs(jr, []*types.Job{synthetic})
	}

	if len(jobs) == 0 {
		active, err := e.store.FindJobsByWorkspace(jr.Workspace)
		if err != nil {
			return err
		}
		hasActive := false
		for _, j := range active {
			if j.IsActive() {
				hasActive = true
				break
			}
		}
		if !hasActive {
			jobs = []*types.Job{e.alreadyRanJob(jr)}
		}
	}

	return e.store.InsertJobRequestAndJobs(jr, jobs)
}

func (e *Expander) markCancelled(existing []*types.Job, cancelledActions []string) error {
	if len(cancelledActions) == 0 {
		return nil
	}
	cancelled := make(map[string]struct{}, len(cancelledActions))
	for _, a := range cancelledActions {
		cancelled[a] = struct{}{}
	}
	return e.store.Transaction(func(tx storage.Tx) error {
		for _, j := range existing {
			if _, ok := cancelled[j.Action]; ok && !j.Cancelled {
				j.Cancelled = true
				j.UpdatedAt = e.now().Unix()
				if err := tx.PutJob(j); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

func (e *Expander) failureJob(jr *types.JobRequest) *types.Job {
	now := e.now()
	return &types.Job{
		ID:                  JobID(jr.ID, errorAction),
		JobRequestID:        jr.ID,
		State:               types.StateFailed,
		StatusCode:          types.StatusInternalError,
		Action:              errorAction,
		Workspace:           jr.Workspace,
		Backend:             jr.Backend,
		RepoURL:             jr.RepoURL,
		Commit:              jr.Commit,
		DatabaseName:        jr.DatabaseName,
		CreatedAt:           now.Unix(),
		UpdatedAt:           now.Unix(),
		CompletedAt:         now.Unix(),
		StatusCodeUpdatedAt: now.UnixNano(),
	}
}

func (e *Expander) alreadyRanJob(jr *types.JobRequest) *types.Job {
	j := e.failureJob(jr)
	j.State = types.StateSucceeded
	j.StatusCode = types.StatusSucceeded
	j.StatusMessage = "All actions have already run"
	return j
}

func (e *Expander) expand(ctx context.Context, jr *types.JobRequest) ([]*types.Job, error) {
	if err := e.validate(jr); err != nil {
		return nil, err
	}

	commit, err := e.resolveCommit(ctx, jr)
	if err != nil {
		return nil, err
	}

	raw, err := e.git.ReadFile(ctx, jr.RepoURL, commit, "project.yaml")
	if err != nil {
		return nil, jobrunnererrors.Git(jobrunnererrors.GitFileNotFound, "project.yaml not found at %s@%s: %v", jr.RepoURL, commit, err)
	}
	pipeline, err := project.Parse(raw)
	if err != nil {
		return nil, err
	}

	activeJobs, err := e.store.FindJobsByWorkspace(jr.Workspace)
	if err != nil {
		return nil, err
	}
	statuses := make(map[string]*jobStatus, len(activeJobs))
	for _, j := range activeJobs {
		if !j.IsActive() {
			continue
		}
		statuses[j.Action] = &jobStatus{kind: kindScheduledElsewhere, job: j}
	}

	requested := jr.RequestedActions
	for i, a := range requested {
		if a == types.RunAllCommand {
			all := pipeline.GetAllActions()
			replaced := make([]string, 0, len(requested)-1+len(all))
			replaced = append(replaced, requested[:i]...)
			replaced = append(replaced, all...)
			replaced = append(replaced, requested[i+1:]...)
			requested = replaced
			break
		}
	}

	requestedSet := make(map[string]struct{}, len(requested))
	for _, a := range requested {
		requestedSet[a] = struct{}{}
	}

	var newJobs []*types.Job
	for _, action := range requested {
		if _, err := e.buildRecursively(ctx, jr, pipeline, commit, action, requestedSet, statuses, &newJobs); err != nil {
			return nil, err
		}
	}
	return newJobs, nil
}

func (e *Expander) resolveCommit(ctx context.Context, jr *types.JobRequest) (string, error) {
	if jr.Commit != "" {
		return jr.Commit, nil
	}
	if jr.Branch == "" {
		return "", jobrunnererrors.JobRequest("job request %s has neither commit nor branch", jr.ID)
	}
	sha, err := e.git.ResolveRef(ctx, jr.RepoURL, jr.Branch)
	if err != nil {
		return "", jobrunnererrors.Git(jobrunnererrors.GitUnknownRef, "could not resolve branch %q of %s: %v", jr.Branch, jr.RepoURL, err)
	}
	return sha, nil
}

func (e *Expander) validate(jr *types.JobRequest) error {
	if len(jr.RequestedActions) == 0 {
		return jobrunnererrors.JobRequest("requested_actions must not be empty")
	}
	if !e.localMode && !workspaceRe.MatchString(jr.Workspace) {
		return jobrunnererrors.JobRequest("workspace %q does not match ^[A-Za-z0-9_-]+$", jr.Workspace)
	}
	switch jr.DatabaseName {
	case types.DatabaseFull, types.DatabaseSlice, types.DatabaseDummy:
	default:
		return jobrunnererrors.JobRequest("unknown database_name %q", jr.DatabaseName)
	}
	return nil
}

// buildRecursively returns the Job ID to wait on for action (empty if
// the action is ALREADY_DONE and contributes no wait_for edge).
func (e *Expander) buildRecursively(
	ctx context.Context,
	jr *types.JobRequest,
	pipeline *project.Pipeline,
	commit string,
	action string,
	requestedSet map[string]struct{},
	statuses map[string]*jobStatus,
	newJobs *[]*types.Job,
) (string, error) {
	if st, ok := statuses[action]; ok {
		switch st.kind {
		case kindAlreadyDone:
			return "", nil
		case kindScheduled, kindScheduledElsewhere:
			return st.job.ID, nil
		}
	}

	_, explicit := requestedSet[action]
	if !explicit && !jr.ForceRunDependencies {
		needsRunning, err := e.needsRunning(jr, pipeline, action)
		if err != nil {
			return "", err
		}
		if !needsRunning {
			statuses[action] = &jobStatus{kind: kindAlreadyDone}
			return "", nil
		}
	}

	spec, err := pipeline.GetActionSpecification(action, jr.DatabaseName == types.DatabaseDummy)
	if err != nil {
		return "", err
	}

	waitFor := make([]string, 0, len(spec.Needs))
	for _, need := range spec.Needs {
		id, err := e.buildRecursively(ctx, jr, pipeline, commit, need, requestedSet, statuses, newJobs)
		if err != nil {
			return "", err
		}
		if id != "" {
			waitFor = append(waitFor, id)
		}
	}

	runCommand, actionRepoURL, actionCommit, allowNetwork, requiresDB, err := e.resolveRunCommand(ctx, jr, spec.Run)
	if err != nil {
		return "", err
	}

	now := e.now()
	job := &types.Job{
		ID:                  JobID(jr.ID, action),
		JobRequestID:        jr.ID,
		State:               types.StatePending,
		StatusCode:          types.StatusCreated,
		RepoURL:             jr.RepoURL,
		Commit:              commit,
		Workspace:           jr.Workspace,
		DatabaseName:        jr.DatabaseName,
		Backend:             jr.Backend,
		Action:              action,
		ActionRepoURL:       actionRepoURL,
		ActionCommit:        actionCommit,
		RequiresOutputsFrom: spec.Needs,
		WaitForJobIDs:       waitFor,
		RunCommand:          runCommand,
		OutputSpec:          spec.Outputs,
		AllowNetworkAccess:  allowNetwork,
		RequiresDB:          requiresDB,
		CreatedAt:           now.Unix(),
		UpdatedAt:           now.Unix(),
		StatusCodeUpdatedAt: now.UnixNano(),
	}

	statuses[action] = &jobStatus{kind: kindScheduled, job: job}
	*newJobs = append(*newJobs, job)
	return job.ID, nil
}

// resolveRunCommand rewrites spec.Run through the reusable-action
// resolver when its head image isn't in ALLOWED_IMAGES.
func (e *Expander) resolveRunCommand(ctx context.Context, jr *types.JobRequest, run string) (runCommand, actionRepoURL, actionCommit string, allowNetwork, requiresDB bool, err error) {
	fields := strings.Fields(run)
	if len(fields) == 0 {
		return "", "", "", false, false, jobrunnererrors.ProjectValidation("empty run command")
	}
	head := fields[0]
	// A cohort/dataset extraction action is the only kind that talks
	// to the research database directly; everything else (including
	// reusable actions, which may not themselves be extraction
	// commands) runs without DB access. DB actions also get network
	// access, since the database lives outside the container.
	requiresDB = project.IsExtractionImage(head)
	allowNetwork = requiresDB
	if _, ok := e.allowedImages[project.ImageBaseName(head)]; len(e.allowedImages) == 0 || ok {
		return run, "", "", allowNetwork, requiresDB, nil
	}

	ref, err := reusableaction.ParseReference(head)
	if err != nil {
		return "", "", "", false, false, err
	}
	resolved, err := reusableaction.Resolve(ctx, e.git, e.githubProxyDomain, e.actionsOrg, ref, fields[1:], e.allowedImages, project.IsExtractionImage)
	if err != nil {
		return "", "", "", false, false, err
	}
	return resolved.RunCommand, resolved.RepoURL, resolved.Commit, allowNetwork, requiresDB, nil
}

// needsRunning decides whether a dependency (non-explicit) action must
// be scheduled: it does not need running iff every declared output is
// present from a successful prior run in the workspace.
func (e *Expander) needsRunning(jr *types.JobRequest, pipeline *project.Pipeline, action string) (bool, error) {
	last, err := e.CalculateWorkspaceState(jr.Workspace, action)
	if err != nil {
		return false, err
	}
	if last == nil {
		return true, nil
	}
	if last.State == types.StateFailed {
		if !jr.ForceRunFailed {
			return false, jobrunnererrors.JobRequest("%s failed on a previous run and must be re-run", action)
		}
		return true, nil
	}
	if last.State == types.StateSucceeded {
		spec, ok := pipeline.Actions[action]
		if !ok {
			return true, nil
		}
		declared := 0
		for _, names := range spec.Outputs {
			declared += len(names)
		}
		if declared == 0 {
			return false, nil
		}
		// A SUCCEEDED run with unmatched patterns is impossible (it
		// would have failed with UNMATCHED_PATTERNS), so any recorded
		// outputs at all mean the full declared set was produced.
		return len(last.Outputs) == 0, nil
	}
	// Still active (PENDING/RUNNING): treat as already accounted for
	// via statuses[action] before reaching here; defensively re-run.
	return true, nil
}

// CalculateWorkspaceState returns the latest non-cancelled Job for
// action in workspace (ties broken by CreatedAt, newer wins),
// excluding the synthetic __error__ action.
func (e *Expander) CalculateWorkspaceState(workspace, action string) (*types.Job, error) {
	jobs, err := e.store.FindJobsByWorkspace(workspace)
	if err != nil {
		return nil, err
	}
	var latest *types.Job
	for _, j := range jobs {
		if j.Action != action || j.Cancelled || j.Action == errorAction {
			continue
		}
		if latest == nil || j.CreatedAt > latest.CreatedAt {
			latest = j
		}
	}
	return latest, nil
}
