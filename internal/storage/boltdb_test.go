package storage

import (
	"path/filepath"
	"testing"

	"github.com/opensafely-core/job-runner/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestJobInsertAndGet(t *testing.T) {
	s := newTestStore(t)

	j := &types.Job{ID: "abc123", JobRequestID: "r1", State: types.StatePending, Backend: "tpp", Workspace: "w1"}
	require.NoError(t, s.InsertJob(j))

	got, err := s.GetJob("abc123")
	require.NoError(t, err)
	assert.Equal(t, j.State, got.State)
	assert.Equal(t, j.Workspace, got.Workspace)
}

func TestFindJobsByStateReindexesOnUpdate(t *testing.T) {
	s := newTestStore(t)

	j := &types.Job{ID: "j1", Backend: "tpp", State: types.StatePending}
	require.NoError(t, s.InsertJob(j))

	pending, err := s.FindJobsByState(types.StatePending)
	require.NoError(t, err)
	assert.Len(t, pending, 1)

	j.State = types.StateRunning
	require.NoError(t, s.UpdateJob(j))

	pending, err = s.FindJobsByState(types.StatePending)
	require.NoError(t, err)
	assert.Empty(t, pending, "stale state index entry should have been removed on update")

	running, err := s.FindJobsByState(types.StateRunning)
	require.NoError(t, err)
	assert.Len(t, running, 1)
	assert.Equal(t, "j1", running[0].ID)
}

func TestFindJobsByBackendIsPrefixIsolated(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.InsertJob(&types.Job{ID: "j1", Backend: "tpp"}))
	require.NoError(t, s.InsertJob(&types.Job{ID: "j2", Backend: "tpp-staging"}))

	tpp, err := s.FindJobsByBackend("tpp")
	require.NoError(t, err)
	require.Len(t, tpp, 1, "backend index lookup must not prefix-match \"tpp-staging\" when querying \"tpp\"")
	assert.Equal(t, "j1", tpp[0].ID)
}

func TestFlagSetAndGet(t *testing.T) {
	s := newTestStore(t)

	f, err := s.GetFlag(types.FlagPaused, "tpp")
	require.NoError(t, err)
	assert.Empty(t, f.Value)

	require.NoError(t, s.SetFlag(&types.Flag{ID: types.FlagPaused, Backend: "tpp", Value: "true", Timestamp: 100}))

	f, err = s.GetFlag(types.FlagPaused, "tpp")
	require.NoError(t, err)
	assert.Equal(t, "true", f.Value)
}

func TestFindOneAndCountJobsWhere(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.InsertJob(&types.Job{ID: "j1", Backend: "tpp", State: types.StatePending}))
	require.NoError(t, s.InsertJob(&types.Job{ID: "j2", Backend: "tpp", State: types.StateRunning}))

	pending := func(row any) bool {
		j, ok := row.(*types.Job)
		return ok && j.State == types.StatePending
	}

	one, err := s.FindOneJobWhere(pending)
	require.NoError(t, err)
	require.NotNil(t, one)
	assert.Equal(t, "j1", one.ID)

	n, err := s.CountJobsWhere(nil)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	none, err := s.FindOneJobWhere(func(any) bool { return false })
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestInsertJobRequestAndJobsIsAtomic(t *testing.T) {
	s := newTestStore(t)

	jr := &types.JobRequest{ID: "r1", Workspace: "w1"}
	jobs := []*types.Job{
		{ID: "j1", JobRequestID: "r1", Backend: "tpp"},
		{ID: "j2", JobRequestID: "r1", Backend: "tpp"},
	}
	require.NoError(t, s.InsertJobRequestAndJobs(jr, jobs))

	byReq, err := s.FindJobsByJobRequestID("r1")
	require.NoError(t, err)
	assert.Len(t, byReq, 2)

	gotJR, err := s.GetJobRequest("r1")
	require.NoError(t, err)
	assert.Equal(t, "w1", gotJR.Workspace)
}
