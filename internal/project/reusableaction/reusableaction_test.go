package reusableaction

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeGit struct {
	refs      map[string]string // "repo@ref" -> sha
	reachable map[string]bool   // "repo@sha" -> bool
	files     map[string]string // "repo@sha/path" -> content
}

func (f *fakeGit) ResolveRef(_ context.Context, repo, ref string) (string, error) {
	sha, ok := f.refs[repo+"@"+ref]
	if !ok {
		return "", assert.AnError
	}
	return sha, nil
}

func (f *fakeGit) ReachableFromMain(_ context.Context, repo, commit string) (bool, error) {
	return f.reachable[repo+"@"+commit], nil
}

func (f *fakeGit) ReadFile(_ context.Context, repo, commit, path string) ([]byte, error) {
	content, ok := f.files[repo+"@"+commit+"/"+path]
	if !ok {
		return nil, assert.AnError
	}
	return []byte(content), nil
}

func notCohortOrDataset(string) bool { return false }

func TestResolveHappyPath(t *testing.T) {
	repo := "https://github.com/opensafely-actions/my-action"
	git := &fakeGit{
		refs:      map[string]string{repo + "@v1": "sha1"},
		reachable: map[string]bool{repo + "@sha1": true},
		files:     map[string]string{repo + "@sha1/action.yaml": "run: python:latest run.py\n"},
	}

	ref, err := ParseReference("my-action:v1")
	require.NoError(t, err)

	resolved, err := Resolve(context.Background(), git, "", "opensafely-actions", ref, []string{"--extra"}, map[string]struct{}{"python": {}}, notCohortOrDataset)
	require.NoError(t, err)
	assert.Equal(t, "python:latest run.py --extra", resolved.RunCommand)
	assert.Equal(t, "sha1", resolved.Commit)
}

func TestResolveUnreachableFromMainProducesExactErrorMessage(t *testing.T) {
	repo := "https://github.com/opensafely-actions/my-action"
	git := &fakeGit{
		refs:      map[string]string{repo + "@v99": "sha99"},
		reachable: map[string]bool{repo + "@sha99": false},
	}

	ref, err := ParseReference("my-action:v99")
	require.NoError(t, err)

	_, err = Resolve(context.Background(), git, "", "opensafely-actions", ref, nil, nil, notCohortOrDataset)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tag 'v99' has not yet been approved for use (not merged into main branch)")
}

func TestResolveRejectsDisallowedHeadImage(t *testing.T) {
	repo := "https://github.com/opensafely-actions/my-action"
	git := &fakeGit{
		refs:      map[string]string{repo + "@v1": "sha1"},
		reachable: map[string]bool{repo + "@sha1": true},
		files:     map[string]string{repo + "@sha1/action.yaml": "run: untrusted:latest run.py\n"},
	}

	ref, err := ParseReference("my-action:v1")
	require.NoError(t, err)

	_, err = Resolve(context.Background(), git, "", "opensafely-actions", ref, nil, map[string]struct{}{"python": {}}, notCohortOrDataset)
	assert.Error(t, err)
}

func TestParseReferenceRejectsMalformed(t *testing.T) {
	_, err := ParseReference("no-colon-here")
	assert.Error(t, err)
}
