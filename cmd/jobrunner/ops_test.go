package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensafely-core/job-runner/internal/config"
	"github.com/opensafely-core/job-runner/internal/flags"
	"github.com/opensafely-core/job-runner/internal/storage"
	"github.com/opensafely-core/job-runner/internal/types"
)

func newOpsTestStore(t *testing.T) storage.Store {
	t.Helper()
	s, err := storage.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// withTestConfig points the package-level cfg at a throwaway database
// file for the duration of the test, as rootCmd's PersistentPreRunE
// would when driven through cobra.
func withTestConfig(t *testing.T) {
	t.Helper()
	old := cfg
	cfg = &config.Config{DatabaseFile: filepath.Join(t.TempDir(), "ops.db")}
	t.Cleanup(func() { cfg = old })
}

func TestSetFlagPairOnSetsBothValues(t *testing.T) {
	withTestConfig(t)

	require.NoError(t, setFlagPair("on", "tpp", types.FlagMode, types.ModeDBMaintenance, types.FlagManualDBMaintenance, "on"))

	store, err := storage.Open(cfg.DatabaseFile)
	require.NoError(t, err)
	defer store.Close()
	fl := flags.New(store)

	mode, err := fl.Get(types.FlagMode, "tpp")
	require.NoError(t, err)
	assert.Equal(t, types.ModeDBMaintenance, mode)

	manual, err := fl.Get(types.FlagManualDBMaintenance, "tpp")
	require.NoError(t, err)
	assert.Equal(t, "on", manual)
}

func TestSetFlagPairOffClearsBothValues(t *testing.T) {
	withTestConfig(t)

	require.NoError(t, setFlagPair("on", "tpp", types.FlagMode, types.ModeDBMaintenance, types.FlagManualDBMaintenance, "on"))
	require.NoError(t, setFlagPair("off", "tpp", types.FlagMode, types.ModeDBMaintenance, types.FlagManualDBMaintenance, "on"))

	store, err := storage.Open(cfg.DatabaseFile)
	require.NoError(t, err)
	defer store.Close()
	fl := flags.New(store)

	mode, err := fl.Get(types.FlagMode, "tpp")
	require.NoError(t, err)
	assert.Empty(t, mode)

	manual, err := fl.Get(types.FlagManualDBMaintenance, "tpp")
	require.NoError(t, err)
	assert.Empty(t, manual)
}

func TestSetFlagPairRejectsUnknownAction(t *testing.T) {
	withTestConfig(t)
	err := setFlagPair("maybe", "tpp", types.FlagMode, types.ModeDBMaintenance, types.FlagManualDBMaintenance, "on")
	assert.Error(t, err)
}

func TestSetFlagPairIsCaseInsensitiveAndScopedByBackend(t *testing.T) {
	withTestConfig(t)

	require.NoError(t, setFlagPair("ON", "TPP", types.FlagMode, types.ModeDBMaintenance, types.FlagManualDBMaintenance, "on"))

	store, err := storage.Open(cfg.DatabaseFile)
	require.NoError(t, err)
	defer store.Close()
	fl := flags.New(store)

	mode, err := fl.Get(types.FlagMode, "tpp")
	require.NoError(t, err)
	assert.Equal(t, types.ModeDBMaintenance, mode)

	other, err := fl.Get(types.FlagMode, "emis")
	require.NoError(t, err)
	assert.Empty(t, other, "a flag set for one backend must not leak to another")
}

func TestFindJobByPartialIDReturnsUniqueMatch(t *testing.T) {
	store := newOpsTestStore(t)
	require.NoError(t, store.InsertJob(&types.Job{ID: "abc123def", Action: "analyse"}))
	require.NoError(t, store.InsertJob(&types.Job{ID: "zzz999", Action: "generate_cohort"}))

	job, err := findJobByPartialID(store, "abc123")
	require.NoError(t, err)
	assert.Equal(t, "abc123def", job.ID)
}

func TestFindJobByPartialIDErrorsOnNoMatch(t *testing.T) {
	store := newOpsTestStore(t)
	require.NoError(t, store.InsertJob(&types.Job{ID: "abc123def", Action: "analyse"}))

	_, err := findJobByPartialID(store, "nope")
	assert.Error(t, err)
}

func TestFindJobByPartialIDPromptsOnAmbiguousMatch(t *testing.T) {
	store := newOpsTestStore(t)
	require.NoError(t, store.InsertJob(&types.Job{ID: "abc111", Action: "analyse"}))
	require.NoError(t, store.InsertJob(&types.Job{ID: "abc222", Action: "generate_cohort"}))

	restore := feedStdin(t, "2\n")
	defer restore()

	job, err := findJobByPartialID(store, "abc")
	require.NoError(t, err)
	assert.Equal(t, "abc222", job.ID)
}

func TestFindJobByPartialIDRejectsOutOfRangeSelection(t *testing.T) {
	store := newOpsTestStore(t)
	require.NoError(t, store.InsertJob(&types.Job{ID: "abc111", Action: "analyse"}))
	require.NoError(t, store.InsertJob(&types.Job{ID: "abc222", Action: "generate_cohort"}))

	restore := feedStdin(t, "9\n")
	defer restore()

	_, err := findJobByPartialID(store, "abc")
	assert.Error(t, err)
}

func TestConfirmAcceptsY(t *testing.T) {
	restore := feedStdin(t, "y\n")
	defer restore()
	assert.True(t, confirm("continue? "))
}

func TestConfirmRejectsAnythingElse(t *testing.T) {
	restore := feedStdin(t, "n\n")
	defer restore()
	assert.False(t, confirm("continue? "))
}

func TestJobDefinitionForOpsMapsFields(t *testing.T) {
	job := &types.Job{
		ID:                 "job1",
		JobRequestID:       "req1",
		RepoURL:            "https://example.com/repo",
		Commit:             "deadbeef",
		Workspace:          "w1",
		Action:             "analyse",
		CreatedAt:          100,
		RunCommand:         "python:latest analyse.py --output out.csv",
		AllowNetworkAccess: true,
		RequiresDB:         true,
		Cancelled:          true,
	}

	def := jobDefinitionForOps(job)
	assert.Equal(t, "job1", def.ID)
	assert.Equal(t, "req1", def.JobRequestID)
	assert.Equal(t, "python:latest", def.Image)
	assert.Equal(t, []string{"analyse.py", "--output", "out.csv"}, def.Args)
	assert.True(t, def.AllowNetworkAccess)
	assert.True(t, def.RequiresDB)
	assert.True(t, def.Cancelled)
}

// feedStdin replaces os.Stdin with a pipe fed with content, restoring
// the original os.Stdin when the test finishes.
func feedStdin(t *testing.T, content string) func() {
	t.Helper()
	r, w, err := os.Pipe()
	require.NoError(t, err)
	_, err = w.WriteString(content)
	require.NoError(t, err)
	w.Close()

	old := os.Stdin
	os.Stdin = r
	return func() { os.Stdin = old }
}
