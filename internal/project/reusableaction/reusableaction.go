// Package reusableaction resolves an action whose image reference
// names a git repository in the trusted actions org (rather than a
// known runtime image) to a concrete run command.
package reusableaction

import (
	"context"
	"fmt"
	"strings"

	"github.com/opensafely-core/job-runner/internal/jobrunnererrors"
	"gopkg.in/yaml.v3"
)

// GitClient is the subset of internal/gitclient.Client this package
// needs, kept as an interface so tests can fake it.
type GitClient interface {
	ResolveRef(ctx context.Context, repo, ref string) (string, error)
	ReachableFromMain(ctx context.Context, repo, commit string) (bool, error)
	ReadFile(ctx context.Context, repo, commit, path string) ([]byte, error)
}

// Resolved is what a successful reusable-action resolution rewrites
// onto the owning Job.
type Resolved struct {
	RunCommand string
	RepoURL    string
	Commit     string
}

type actionYAML struct {
	Run string `yaml:"run"`
}

// Reference parses an image:tag reference of the reusable-action form
// {image}:{tag} into its components; callers have already established
// the image is not in ALLOWED_IMAGES.
type Reference struct {
	Image string
	Tag   string
}

// ParseReference splits the head token of a run command into a
// reusable-action image:tag reference.
func ParseReference(head string) (Reference, error) {
	parts := strings.SplitN(head, ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return Reference{}, jobrunnererrors.ReusableAction("malformed reusable action reference %q", head)
	}
	return Reference{Image: parts[0], Tag: parts[1]}, nil
}

// Resolve turns one reusable-action reference into its concrete run
// command: resolve tag->SHA against {actionsOrg}/{image}, validate
// reachability from main, fetch and parse action.yaml, validate its
// head image against allowedImages and that it isn't itself a cohort/
// dataset extraction command, and produce the rewritten run command
// (`<action.yaml run> <trailing args after image:tag>`).
func Resolve(ctx context.Context, git GitClient, githubProxyDomain, actionsOrg string, ref Reference, trailingArgs []string, allowedImages map[string]struct{}, isCohortOrDatasetExtraction func(image string) bool) (*Resolved, error) {
	repoURL := repoURL(githubProxyDomain, actionsOrg, ref.Image)

	commit, err := git.ResolveRef(ctx, repoURL, ref.Tag)
	if err != nil {
		return nil, jobrunnererrors.ReusableAction("could not resolve tag %q of %s: %v", ref.Tag, repoURL, err)
	}

	reachable, err := git.ReachableFromMain(ctx, repoURL, commit)
	if err != nil {
		return nil, jobrunnererrors.ReusableAction("could not validate tag %q of %s: %v", ref.Tag, repoURL, err)
	}
	if !reachable {
		return nil, jobrunnererrors.ReusableAction("tag '%s' has not yet been approved for use (not merged into main branch)", ref.Tag)
	}

	raw, err := git.ReadFile(ctx, repoURL, commit, "action.yaml")
	if err != nil {
		return nil, jobrunnererrors.ReusableAction("%s@%s has no action.yaml: %v", repoURL, commit, err)
	}

	var parsed actionYAML
	if err := yaml.Unmarshal(raw, &parsed); err != nil || parsed.Run == "" {
		return nil, jobrunnererrors.ReusableAction("%s@%s action.yaml is missing a run command", repoURL, commit)
	}

	runParts := strings.Fields(parsed.Run)
	headImage := runParts[0]
	baseImage := strings.SplitN(headImage, ":", 2)[0]
	if _, ok := allowedImages[baseImage]; len(allowedImages) > 0 && !ok {
		return nil, jobrunnererrors.ReusableAction("action.yaml for %s@%s runs disallowed image %q", repoURL, commit, headImage)
	}
	if isCohortOrDatasetExtraction(headImage) {
		return nil, jobrunnererrors.ReusableAction("reusable actions may not run a cohort/dataset extraction image (%s@%s)", repoURL, commit)
	}

	finalCommand := parsed.Run
	if len(trailingArgs) > 0 {
		finalCommand = finalCommand + " " + strings.Join(trailingArgs, " ")
	}

	return &Resolved{RunCommand: finalCommand, RepoURL: repoURL, Commit: commit}, nil
}

func repoURL(githubProxyDomain, actionsOrg, image string) string {
	host := "github.com"
	if githubProxyDomain != "" {
		host = githubProxyDomain
	}
	return fmt.Sprintf("https://%s/%s/%s", host, actionsOrg, image)
}
