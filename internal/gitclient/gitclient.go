// Package gitclient resolves refs and reads files from remote git
// repositories by shelling out to the system git binary (`git
// ls-remote`, `git show` against a local bare mirror). Study repos may
// live behind a proxy with token auth; everything here runs strictly
// non-interactively.
package gitclient

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/opensafely-core/job-runner/internal/jobrunnererrors"
)

// neverPromptForAuthEnv makes sure no git invocation ever hangs on an
// interactive credential prompt.
var neverPromptForAuthEnv = []string{
	"GIT_TERMINAL_PROMPT=0",
	"GCM_INTERACTIVE=never",
	"SSH_ASKPASS=/bin/true",
	"GIT_ASKPASS=/bin/true",
}

// Client resolves refs with `git ls-remote` and reads files with
// `git show` against a local bare mirror clone of each repository.
type Client struct {
	// shaCache holds ref->SHA resolutions for the lifetime of the
	// process only; resolutions are cheap enough to redo on restart.
	shaCache sync.Map
}

func New() *Client {
	return &Client{}
}

// ResolveRef resolves ref (a tag, branch, or already-full SHA) against
// repo to a full commit SHA, caching the result in-process.
func (c *Client) ResolveRef(ctx context.Context, repo, ref string) (string, error) {
	cacheKey := repo + "@" + ref
	if v, ok := c.shaCache.Load(cacheKey); ok {
		return v.(string), nil
	}

	out, err := c.run(ctx, "ls-remote", repo, ref)
	if err != nil {
		return "", jobrunnererrors.Git(jobrunnererrors.GitRepoNotReachable, "could not reach repository %s: %v", repo, err)
	}
	line := strings.TrimSpace(strings.SplitN(out, "\n", 2)[0])
	if line == "" {
		return "", jobrunnererrors.Git(jobrunnererrors.GitUnknownRef, "ref %q not found in %s", ref, repo)
	}
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return "", jobrunnererrors.Git(jobrunnererrors.GitUnknownRef, "ref %q not found in %s", ref, repo)
	}
	sha := fields[0]
	c.shaCache.Store(cacheKey, sha)
	return sha, nil
}

// ReachableFromMain reports whether commit is an ancestor of repo's
// main branch, preventing a PR-only commit being smuggled in as a
// reusable action.
func (c *Client) ReachableFromMain(ctx context.Context, repo, commit string) (bool, error) {
	mainSHA, err := c.ResolveRef(ctx, repo, "main")
	if err != nil {
		return false, err
	}
	if mainSHA == commit {
		return true, nil
	}
	dir, err := c.mirrorDir(ctx, repo)
	if err != nil {
		return false, err
	}
	for _, sha := range []string{commit, mainSHA} {
		if _, err := c.runIn(ctx, dir, "cat-file", "-e", sha+"^{commit}"); err != nil {
			_, _ = c.runIn(ctx, dir, "fetch", "--quiet", "origin")
			break
		}
	}
	_, err = c.runIn(ctx, dir, "merge-base", "--is-ancestor", commit, mainSHA)
	if err == nil {
		return true, nil
	}
	var exitErr *exec.ExitError
	if ok := isExitError(err, &exitErr); ok && exitErr.ExitCode() == 1 {
		return false, nil
	}
	return false, jobrunnererrors.Git(jobrunnererrors.GitUnknownRef, "could not determine ancestry of %s in %s: %v", commit, repo, err)
}

func isExitError(err error, target **exec.ExitError) bool {
	ee, ok := err.(*exec.ExitError)
	if ok {
		*target = ee
	}
	return ok
}

// ReadFile reads path as it existed at commit in repo.
func (c *Client) ReadFile(ctx context.Context, repo, commit, path string) ([]byte, error) {
	// `git show <sha>:<path>` requires a local object database; the
	// controller keeps a bare mirror per repo under its working
	// directory rather than re-cloning on every call. Ensuring the
	// mirror exists and is up to date is done implicitly by re-running
	// `git fetch` when the commit is missing.
	dir, err := c.mirrorDir(ctx, repo)
	if err != nil {
		return nil, err
	}

	out, err := c.runIn(ctx, dir, "show", commit+":"+path)
	if err != nil {
		if _, fetchErr := c.runIn(ctx, dir, "fetch", "--quiet", "origin", commit); fetchErr == nil {
			out, err = c.runIn(ctx, dir, "show", commit+":"+path)
		}
	}
	if err != nil {
		return nil, jobrunnererrors.Git(jobrunnererrors.GitFileNotFound, "%s not found at %s in %s", path, commit, repo)
	}
	return []byte(out), nil
}

// Checkout materialises the repository's full tree at commit into dir
// via `git --work-tree=<dir> checkout --force <sha>` against the local
// bare mirror, fetching the commit first if it is missing.
func (c *Client) Checkout(ctx context.Context, repo, commit, dir string) error {
	mirror, err := c.mirrorDir(ctx, repo)
	if err != nil {
		return err
	}
	if _, err := c.runIn(ctx, mirror, "cat-file", "-e", commit+"^{commit}"); err != nil {
		if _, err := c.runIn(ctx, mirror, "fetch", "--quiet", "origin", commit); err != nil {
			return jobrunnererrors.Git(jobrunnererrors.GitUnknownRef, "could not fetch %s from %s: %v", commit, repo, err)
		}
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	if _, err := c.runIn(ctx, mirror, "--work-tree="+dir, "checkout", "--quiet", "--force", commit); err != nil {
		return jobrunnererrors.Git(jobrunnererrors.GitUnknownRef, "could not check out %s of %s: %v", commit, repo, err)
	}
	return nil
}

func (c *Client) mirrorDir(ctx context.Context, repo string) (string, error) {
	dir := mirrorPath(repo)
	if _, err := c.runIn(ctx, dir, "rev-parse", "--git-dir"); err == nil {
		return dir, nil
	}
	if _, err := c.run(ctx, "clone", "--mirror", "--quiet", repo, dir); err != nil {
		return "", jobrunnererrors.Git(jobrunnererrors.GitRepoNotReachable, "could not clone %s: %v", repo, err)
	}
	return dir, nil
}

func mirrorPath(repo string) string {
	sum := 0
	for _, b := range []byte(repo) {
		sum = sum*31 + int(b)
	}
	return fmt.Sprintf("/tmp/jobrunner-git-mirrors/%x.git", uint32(sum))
}

func (c *Client) run(ctx context.Context, args ...string) (string, error) {
	return c.runIn(ctx, "", args...)
}

func (c *Client) runIn(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	cmd.Env = append(cmd.Environ(), neverPromptForAuthEnv...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if stderr.Len() > 0 {
			return stdout.String(), fmt.Errorf("%w: %s", err, strings.TrimSpace(stderr.String()))
		}
		return stdout.String(), err
	}
	return stdout.String(), nil
}
