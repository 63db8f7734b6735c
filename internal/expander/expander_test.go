package expander

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensafely-core/job-runner/internal/storage"
	"github.com/opensafely-core/job-runner/internal/types"
)

type fakeGit struct {
	refs  map[string]string // "repo@ref" -> sha
	files map[string]string // "repo@commit/path" -> content
}

func (f *fakeGit) ResolveRef(_ context.Context, repo, ref string) (string, error) {
	sha, ok := f.refs[repo+"@"+ref]
	if !ok {
		return "", assert.AnError
	}
	return sha, nil
}

func (f *fakeGit) ReachableFromMain(_ context.Context, repo, commit string) (bool, error) {
	return true, nil
}

func (f *fakeGit) ReadFile(_ context.Context, repo, commit, path string) ([]byte, error) {
	content, ok := f.files[repo+"@"+commit+"/"+path]
	if !ok {
		return nil, assert.AnError
	}
	return []byte(content), nil
}

func newTestStore(t *testing.T) storage.Store {
	t.Helper()
	s, err := storage.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

const simpleProject = `
actions:
  generate_cohort:
    run: cohortextractor:latest generate_cohort
    outputs:
      highly_sensitive:
        cohort: output/cohort.csv
  analyse:
    run: python:latest analyse.py
    needs: [generate_cohort]
    outputs:
      moderately_sensitive:
        results: output/results.csv
`

func newExpander(t *testing.T, store storage.Store) (*Expander, *fakeGit) {
	git := &fakeGit{
		refs:  map[string]string{"https://example.com/repo@main": "commit1"},
		files: map[string]string{"https://example.com/repo@commit1/project.yaml": simpleProject},
	}
	exp := New(store, git, Config{Now: func() time.Time { return time.Unix(1000, 0) }})
	return exp, git
}

func baseRequest() *types.JobRequest {
	return &types.JobRequest{
		ID:               "req1",
		RepoURL:          "https://example.com/repo",
		Branch:           "main",
		RequestedActions: []string{"analyse"},
		Workspace:        "workspace1",
		DatabaseName:     types.DatabaseDummy,
		Backend:          "tpp",
	}
}

func TestJobIDIsDeterministic(t *testing.T) {
	id1 := JobID("req1", "analyse")
	id2 := JobID("req1", "analyse")
	assert.Equal(t, id1, id2)
	assert.Len(t, id1, 16)
	assert.Equal(t, id1, strings.ToLower(id1))
	assert.NotEqual(t, id1, JobID("req1", "generate_cohort"))
}

func TestCreateOrUpdateJobsExpandsDependencyChain(t *testing.T) {
	store := newTestStore(t)
	exp, _ := newExpander(t, store)
	jr := baseRequest()

	require.NoError(t, exp.CreateOrUpdateJobs(context.Background(), jr))

	jobs, err := store.FindJobsByJobRequestID(jr.ID)
	require.NoError(t, err)
	require.Len(t, jobs, 2, "analyse plus its dependency generate_cohort")

	byAction := map[string]*types.Job{}
	for _, j := range jobs {
		byAction[j.Action] = j
	}
	require.Contains(t, byAction, "generate_cohort")
	require.Contains(t, byAction, "analyse")

	analyse := byAction["analyse"]
	require.Len(t, analyse.WaitForJobIDs, 1)
	assert.Equal(t, byAction["generate_cohort"].ID, analyse.WaitForJobIDs[0])
	assert.Equal(t, JobID(jr.ID, "analyse"), analyse.ID)
	assert.True(t, byAction["generate_cohort"].RequiresDB, "cohortextractor image requires DB access")
	assert.False(t, analyse.RequiresDB, "plain python action does not require DB access")
}

func TestCreateOrUpdateJobsIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	exp, _ := newExpander(t, store)
	jr := baseRequest()

	require.NoError(t, exp.CreateOrUpdateJobs(context.Background(), jr))
	require.NoError(t, exp.CreateOrUpdateJobs(context.Background(), jr))

	jobs, err := store.FindJobsByJobRequestID(jr.ID)
	require.NoError(t, err)
	assert.Len(t, jobs, 2, "calling CreateOrUpdateJobs twice for the same JobRequest must not duplicate jobs")
}

func TestCreateOrUpdateJobsReusesSuccessfulDependencyOutputs(t *testing.T) {
	store := newTestStore(t)
	exp, _ := newExpander(t, store)

	prior := &types.Job{
		ID:         JobID("earlier-request", "generate_cohort"),
		Action:     "generate_cohort",
		Workspace:  "workspace1",
		State:      types.StateSucceeded,
		StatusCode: types.StatusSucceeded,
		CreatedAt:  500,
		Outputs:    map[string]string{"output/cohort.csv": "highly_sensitive"},
	}
	require.NoError(t, store.InsertJob(prior))

	jr := baseRequest()
	require.NoError(t, exp.CreateOrUpdateJobs(context.Background(), jr))

	jobs, err := store.FindJobsByJobRequestID(jr.ID)
	require.NoError(t, err)
	require.Len(t, jobs, 1, "generate_cohort already produced its only declared output and should not be re-scheduled")
	assert.Equal(t, "analyse", jobs[0].Action)
	assert.Empty(t, jobs[0].WaitForJobIDs, "reused dependency contributes no wait_for edge")
}

func TestCreateOrUpdateJobsForceRunDependenciesReRunsSatisfiedDependency(t *testing.T) {
	store := newTestStore(t)
	exp, _ := newExpander(t, store)

	prior := &types.Job{
		ID:         JobID("earlier-request", "generate_cohort"),
		Action:     "generate_cohort",
		Workspace:  "workspace1",
		State:      types.StateSucceeded,
		StatusCode: types.StatusSucceeded,
		CreatedAt:  500,
		Outputs:    map[string]string{"output/cohort.csv": "highly_sensitive"},
	}
	require.NoError(t, store.InsertJob(prior))

	jr := baseRequest()
	jr.ForceRunDependencies = true
	require.NoError(t, exp.CreateOrUpdateJobs(context.Background(), jr))

	jobs, err := store.FindJobsByJobRequestID(jr.ID)
	require.NoError(t, err)
	assert.Len(t, jobs, 2, "force_run_dependencies schedules the satisfied dependency anyway")
}

func TestCreateOrUpdateJobsRejectsInvalidWorkspace(t *testing.T) {
	store := newTestStore(t)
	exp, _ := newExpander(t, store)
	jr := baseRequest()
	jr.Workspace = "not a valid workspace!"

	require.NoError(t, exp.CreateOrUpdateJobs(context.Background(), jr))

	jobs, err := store.FindJobsByJobRequestID(jr.ID)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, types.StateFailed, jobs[0].State)
	assert.Equal(t, types.StatusInternalError, jobs[0].StatusCode)
}

func TestCreateOrUpdateJobsMarksCancelledActions(t *testing.T) {
	store := newTestStore(t)
	exp, _ := newExpander(t, store)
	jr := baseRequest()
	require.NoError(t, exp.CreateOrUpdateJobs(context.Background(), jr))

	jr.CancelledActions = []string{"analyse"}
	require.NoError(t, exp.CreateOrUpdateJobs(context.Background(), jr))

	jobs, err := store.FindJobsByJobRequestID(jr.ID)
	require.NoError(t, err)
	for _, j := range jobs {
		if j.Action == "analyse" {
			assert.True(t, j.Cancelled)
		} else {
			assert.False(t, j.Cancelled)
		}
	}
}

func TestCalculateWorkspaceStatePicksLatestByCreatedAt(t *testing.T) {
	store := newTestStore(t)
	exp, _ := newExpander(t, store)

	require.NoError(t, store.InsertJob(&types.Job{ID: "old", Action: "analyse", Workspace: "w1", CreatedAt: 1, State: types.StateFailed}))
	require.NoError(t, store.InsertJob(&types.Job{ID: "new", Action: "analyse", Workspace: "w1", CreatedAt: 2, State: types.StateSucceeded}))

	latest, err := exp.CalculateWorkspaceState("w1", "analyse")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, "new", latest.ID)
}
