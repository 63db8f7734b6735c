package local

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensafely-core/job-runner/internal/types"
)

func writeTestFile(t *testing.T, dir, rel, content string) {
	t.Helper()
	full := filepath.Join(dir, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o700))
	require.NoError(t, os.WriteFile(full, []byte(content), 0o600))
}

// fakeCheckout materialises a fixed file tree instead of talking to
// git, standing in for gitclient.Client's Checkout.
type fakeCheckout struct {
	files map[string]string
	calls int
}

func (f *fakeCheckout) Checkout(ctx context.Context, repo, commit, dir string) error {
	f.calls++
	for rel, content := range f.files {
		full := filepath.Join(dir, rel)
		if err := os.MkdirAll(filepath.Dir(full), 0o700); err != nil {
			return err
		}
		if err := os.WriteFile(full, []byte(content), 0o600); err != nil {
			return err
		}
	}
	return nil
}

func TestPrepareChecksOutRepoAndStagesInputs(t *testing.T) {
	highBase := t.TempDir()
	writeTestFile(t, highBase, "my-workspace/output/cohort.csv", "a,b\n")

	git := &fakeCheckout{files: map[string]string{"analysis.py": "print('ok')\n"}}
	l := &Local{
		git:             git,
		highPrivacyBase: highBase,
		jobs:            make(map[string]*jobWorkspace),
	}

	def := types.JobDefinition{
		ID:        "job1",
		Workspace: "my-workspace",
		RepoURL:   "https://example.com/repo",
		Commit:    "deadbeef",
		Inputs:    []string{"output/cohort.csv"},
	}
	t.Cleanup(func() { _ = os.RemoveAll(l.workspaceFor(def).dir) })

	status, err := l.Prepare(context.Background(), def)
	require.NoError(t, err)
	assert.Equal(t, types.ExecutorPrepared, status.State)
	assert.Equal(t, 1, git.calls)

	dir := l.workspaceFor(def).dir
	script, err := os.ReadFile(filepath.Join(dir, "analysis.py"))
	require.NoError(t, err, "the study repo's own code must be checked out into the workspace")
	assert.Equal(t, "print('ok')\n", string(script))

	input, err := os.ReadFile(filepath.Join(dir, "output/cohort.csv"))
	require.NoError(t, err, "prior actions' outputs must be staged alongside the checkout")
	assert.Equal(t, "a,b\n", string(input))
}

func TestMatchOutputsHappyPath(t *testing.T) {
	dir := t.TempDir()
	writeTestFile(t, dir, "output/cohort.csv", "a,b\n")
	writeTestFile(t, dir, "output/stray.txt", "noise")

	spec := map[string]map[string]string{
		types.PrivacyHighlySensitive: {"cohort": "output/*.csv"},
	}

	outputs, unmatchedOutputs, unmatchedPatterns := matchOutputs(dir, spec)

	assert.Equal(t, types.PrivacyHighlySensitive, outputs["output/cohort.csv"])
	assert.Contains(t, unmatchedOutputs, "output/stray.txt")
	assert.Empty(t, unmatchedPatterns)
}

func TestMatchOutputsReportsUnmatchedPattern(t *testing.T) {
	dir := t.TempDir()
	writeTestFile(t, dir, "output/cohort.csv", "a,b\n")

	spec := map[string]map[string]string{
		types.PrivacyHighlySensitive: {
			"cohort":  "output/*.csv",
			"missing": "output/*.dta",
		},
	}

	outputs, _, unmatchedPatterns := matchOutputs(dir, spec)

	assert.Equal(t, types.PrivacyHighlySensitive, outputs["output/cohort.csv"])
	assert.Contains(t, unmatchedPatterns, "output/*.dta")
}

func TestHarvestOutputsSplitsByPrivacyLevel(t *testing.T) {
	workDir := t.TempDir()
	highBase := t.TempDir()
	mediumBase := t.TempDir()
	writeTestFile(t, workDir, "output/cohort.csv", "highly sensitive\n")
	writeTestFile(t, workDir, "output/results.csv", "aggregate only\n")

	def := types.JobDefinition{
		Workspace: "my-workspace",
		OutputSpec: map[string]map[string]string{
			types.PrivacyHighlySensitive:     {"cohort": "output/cohort.csv"},
			types.PrivacyModeratelySensitive: {"results": "output/results.csv"},
		},
	}
	outputs := map[string]string{
		"output/cohort.csv":  types.PrivacyHighlySensitive,
		"output/results.csv": types.PrivacyModeratelySensitive,
	}

	require.NoError(t, harvestOutputs(workDir, def, outputs, highBase, mediumBase))

	highContent, err := os.ReadFile(filepath.Join(highBase, "my-workspace", "output/cohort.csv"))
	require.NoError(t, err)
	assert.Equal(t, "highly sensitive\n", string(highContent))

	mediumContent, err := os.ReadFile(filepath.Join(mediumBase, "my-workspace", "output/results.csv"))
	require.NoError(t, err)
	assert.Equal(t, "aggregate only\n", string(mediumContent))
}

func TestWriteMetadataRedactsUnsafeEnvVars(t *testing.T) {
	dir := t.TempDir()
	def := types.JobDefinition{
		Action: "generate_cohort",
		Commit: "abc123",
		Image:  "ehrql:v1",
		Env: map[string]string{
			"PATH":               "/usr/bin",
			"DATABASE_URL":       "postgres://secret@db/prod",
			"OPENSAFELY_BACKEND": "tpp",
		},
	}

	require.NoError(t, writeMetadata(dir, def, 0))

	raw, err := os.ReadFile(filepath.Join(dir, metadataFileName))
	require.NoError(t, err)

	var meta jobMetadata
	require.NoError(t, json.Unmarshal(raw, &meta))

	assert.Equal(t, "/usr/bin", meta.Env["PATH"])
	assert.Equal(t, "tpp", meta.Env["OPENSAFELY_BACKEND"])
	assert.Equal(t, redactedValue, meta.Env["DATABASE_URL"])
}

func TestIsStataImage(t *testing.T) {
	cases := []struct {
		image string
		want  bool
	}{
		{"stata-mp:latest", true},
		{"stata:v1", true},
		{"python:latest", false},
		{"ehrql:v1", false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, isStataImage(tc.image), tc.image)
	}
}

func TestBuildEnvIncludesStataLicenseOnlyForStataImages(t *testing.T) {
	def := types.JobDefinition{Image: "stata-mp:latest", Env: map[string]string{"FOO": "bar"}}
	env := buildEnv(def, "LICENSE-CONTENTS")
	assert.Contains(t, env, "STATA_LICENSE=LICENSE-CONTENTS")
	assert.Contains(t, env, "FOO=bar")

	nonStata := types.JobDefinition{Image: "python:latest", Env: map[string]string{}}
	env = buildEnv(nonStata, "LICENSE-CONTENTS")
	for _, e := range env {
		assert.NotContains(t, e, "STATA_LICENSE")
	}
}

func TestDeleteFilesChoosesBaseByPrivacyLevel(t *testing.T) {
	highBase := t.TempDir()
	mediumBase := t.TempDir()
	writeTestFile(t, highBase, "ws/output/a.csv", "x")
	writeTestFile(t, mediumBase, "ws/output/b.csv", "y")

	l := &Local{highPrivacyBase: highBase, mediumPrivacyBase: mediumBase}

	require.NoError(t, l.DeleteFiles(nil, "ws", types.PrivacyHighlySensitive, []string{"output/a.csv"}))
	_, err := os.Stat(filepath.Join(highBase, "ws/output/a.csv"))
	assert.True(t, os.IsNotExist(err))

	require.NoError(t, l.DeleteFiles(nil, "ws", types.PrivacyModeratelySensitive, []string{"output/b.csv"}))
	_, err = os.Stat(filepath.Join(mediumBase, "ws/output/b.csv"))
	assert.True(t, os.IsNotExist(err))
}
