// Package local implements the executor adapter against a host
// containerd daemon. Prepare stages a per-Job workspace directory
// (git checkout plus prior-action inputs), Execute runs the action's
// container with the workspace bind-mounted, Finalize matches the
// workspace contents against the Job's output spec and harvests them
// into the privacy-level trees, and Cleanup destroys the container
// and workspace.
package local

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	specs "github.com/opencontainers/runtime-spec/specs-go"

	"github.com/opensafely-core/job-runner/internal/log"
	"github.com/opensafely-core/job-runner/internal/types"
)

// GitClient is the piece of the git collaborator Prepare needs: a full
// tree checkout of the study repo at a commit. Satisfied by
// internal/gitclient.Client; kept as an interface so tests can fake it.
type GitClient interface {
	Checkout(ctx context.Context, repo, commit, dir string) error
}

const (
	defaultNamespace  = "jobrunner"
	defaultSocketPath = "/run/containerd/containerd.sock"
	workspaceMount    = "/workspace"
)

// safeEnvironmentVariables is the env-var redaction safelist: only
// names on this list are written verbatim into finalized-job metadata;
// everything else becomes xxxx-REDACTED-xxxx, since that metadata
// lands in the privacy-reviewed output tree.
var safeEnvironmentVariables = map[string]struct{}{
	"OPENSAFELY_BACKEND": {},
	"PATH":               {},
	"PYTHONPATH":         {},
	"TEMP_DATABASE_NAME": {},
}

const redactedValue = "xxxx-REDACTED-xxxx"

// stataImagePrefixes identifies action images that need a Stata
// license propagated into the container.
var stataImagePrefixes = []string{"stata-mp", "stata"}

type jobWorkspace struct {
	dir         string
	containerID string
	results     *types.JobResults
}

// Local is the containerd-backed executor adapter.
type Local struct {
	client            *containerd.Client
	namespace         string
	git               GitClient
	highPrivacyBase   string
	mediumPrivacyBase string
	stataLicense      string

	mu   sync.Mutex
	jobs map[string]*jobWorkspace
}

// New connects to the containerd daemon at socketPath (defaulting to
// the standard system socket) and returns a ready executor.
func New(socketPath, highPrivacyBase, mediumPrivacyBase, stataLicense string, git GitClient) (*Local, error) {
	if socketPath == "" {
		socketPath = defaultSocketPath
	}
	client, err := containerd.New(socketPath)
	if err != nil {
		return nil, fmt.Errorf("connect to containerd: %w", err)
	}
	return &Local{
		client:            client,
		namespace:         defaultNamespace,
		git:               git,
		highPrivacyBase:   highPrivacyBase,
		mediumPrivacyBase: mediumPrivacyBase,
		stataLicense:      stataLicense,
		jobs:              make(map[string]*jobWorkspace),
	}, nil
}

func (l *Local) ctx(ctx context.Context) context.Context {
	return namespaces.WithNamespace(ctx, l.namespace)
}

func (l *Local) workspaceFor(def types.JobDefinition) *jobWorkspace {
	l.mu.Lock()
	defer l.mu.Unlock()
	ws, ok := l.jobs[def.ID]
	if !ok {
		ws = &jobWorkspace{dir: filepath.Join(os.TempDir(), "jobrunner", def.ID)}
		l.jobs[def.ID] = ws
	}
	return ws
}

// Prepare fetches the study repo at def.Commit, stages prior actions'
// outputs named in def.Inputs alongside it, and records the resulting
// directory as this Job's ephemeral workspace volume.
func (l *Local) Prepare(ctx context.Context, def types.JobDefinition) (types.JobStatus, error) {
	ws := l.workspaceFor(def)
	if err := os.MkdirAll(ws.dir, 0o700); err != nil {
		return errorStatus(err), err
	}

	if l.git != nil {
		if err := l.git.Checkout(ctx, def.RepoURL, def.Commit, ws.dir); err != nil {
			return errorStatus(err), err
		}
	}

	for _, input := range def.Inputs {
		src := filepath.Join(l.highPrivacyBase, def.Workspace, input)
		dst := filepath.Join(ws.dir, input)
		if err := copyFile(src, dst); err != nil {
			logger := log.WithComponent("executor.local")
			logger.Warn().Err(err).Str("input", input).Msg("could not stage input from a prior action")
		}
	}

	return types.JobStatus{State: types.ExecutorPrepared, TimestampNs: time.Now().UnixNano()}, nil
}

// Execute pulls def.Image and starts the container with def.Args/Env,
// joining the host network namespace iff AllowNetworkAccess.
func (l *Local) Execute(ctx context.Context, def types.JobDefinition) (types.JobStatus, error) {
	ctx = l.ctx(ctx)
	ws := l.workspaceFor(def)

	image, err := l.client.Pull(ctx, def.Image, containerd.WithPullUnpack)
	if err != nil {
		return errorStatus(err), fmt.Errorf("pull image %s: %w", def.Image, err)
	}

	env := buildEnv(def, l.stataLicense)
	mounts := []specs.Mount{{
		Type:        "bind",
		Source:      ws.dir,
		Destination: workspaceMount,
		Options:     []string{"rbind", "rw"},
	}}

	opts := []oci.SpecOpts{
		oci.WithImageConfig(image),
		oci.WithEnv(env),
		oci.WithProcessArgs(def.Args...),
		oci.WithMounts(mounts),
	}
	if def.AllowNetworkAccess {
		opts = append(opts, oci.WithHostNamespace(specs.NetworkNamespace))
	}

	container, err := l.client.NewContainer(
		ctx,
		def.ID,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(def.ID+"-snapshot", image),
		containerd.WithNewSpec(opts...),
	)
	if err != nil {
		return errorStatus(err), fmt.Errorf("create container: %w", err)
	}

	task, err := container.NewTask(ctx, cio.NullIO)
	if err != nil {
		return errorStatus(err), fmt.Errorf("create task: %w", err)
	}
	if err := task.Start(ctx); err != nil {
		return errorStatus(err), fmt.Errorf("start task: %w", err)
	}

	ws.containerID = container.ID()
	return types.JobStatus{State: types.ExecutorExecuting, TimestampNs: time.Now().UnixNano()}, nil
}

// Finalize matches the container's workspace contents against
// def.OutputSpec, writes captured (and env-redacted) metadata, and
// records JobResults. The container and its volume survive until
// Cleanup.
func (l *Local) Finalize(ctx context.Context, def types.JobDefinition) (types.JobStatus, error) {
	ctx = l.ctx(ctx)
	ws := l.workspaceFor(def)

	exitCode := 0
	if ws.containerID != "" {
		if container, err := l.client.LoadContainer(ctx, ws.containerID); err == nil {
			if task, err := container.Task(ctx, nil); err == nil {
				if status, err := task.Status(ctx); err == nil {
					exitCode = int(status.ExitStatus)
				}
			}
		}
	}

	outputs, unmatchedOutputs, unmatchedPatterns := matchOutputs(ws.dir, def.OutputSpec)
	if err := harvestOutputs(ws.dir, def, outputs, l.highPrivacyBase, l.mediumPrivacyBase); err != nil {
		return errorStatus(err), err
	}
	if err := writeMetadata(ws.dir, def, exitCode); err != nil {
		return errorStatus(err), err
	}

	ws.results = &types.JobResults{
		Outputs:           outputs,
		UnmatchedOutputs:  unmatchedOutputs,
		UnmatchedPatterns: unmatchedPatterns,
		ExitCode:          exitCode,
		ImageID:           def.Image,
	}

	return types.JobStatus{State: types.ExecutorFinalized, TimestampNs: time.Now().UnixNano()}, nil
}

// Terminate cancels in-flight work: EXECUTING -> EXECUTED (SIGTERM,
// don't wait), PREPARED -> FINALIZED directly (nothing to collect),
// never-started -> UNKNOWN.
func (l *Local) Terminate(ctx context.Context, def types.JobDefinition) (types.JobStatus, error) {
	ctx = l.ctx(ctx)
	ws := l.workspaceFor(def)

	if ws.containerID == "" {
		if _, err := os.Stat(ws.dir); err == nil {
			return types.JobStatus{State: types.ExecutorFinalized, TimestampNs: time.Now().UnixNano()}, nil
		}
		return types.JobStatus{State: types.ExecutorUnknown, TimestampNs: time.Now().UnixNano()}, nil
	}

	container, err := l.client.LoadContainer(ctx, ws.containerID)
	if err != nil {
		return types.JobStatus{State: types.ExecutorFinalized, TimestampNs: time.Now().UnixNano()}, nil
	}
	task, err := container.Task(ctx, nil)
	if err != nil {
		return types.JobStatus{State: types.ExecutorFinalized, TimestampNs: time.Now().UnixNano()}, nil
	}
	_ = task.Kill(ctx, syscall.SIGTERM)
	return types.JobStatus{State: types.ExecutorExecuted, TimestampNs: time.Now().UnixNano()}, nil
}

// Cleanup destroys the container and its snapshot and removes the
// staged workspace directory, returning the Job to UNKNOWN.
func (l *Local) Cleanup(ctx context.Context, def types.JobDefinition) (types.JobStatus, error) {
	ctx = l.ctx(ctx)
	ws := l.workspaceFor(def)

	if ws.containerID != "" {
		if container, err := l.client.LoadContainer(ctx, ws.containerID); err == nil {
			_ = container.Delete(ctx, containerd.WithSnapshotCleanup)
		}
	}
	_ = os.RemoveAll(ws.dir)

	l.mu.Lock()
	delete(l.jobs, def.ID)
	l.mu.Unlock()

	return types.JobStatus{State: types.ExecutorUnknown, TimestampNs: time.Now().UnixNano()}, nil
}

// GetStatus reports the cheap, current ExecutorState for def, matching
// the running containerd task's status. With no container created yet
// it reports PREPARED when the staged workspace directory exists and
// UNKNOWN otherwise.
func (l *Local) GetStatus(ctx context.Context, def types.JobDefinition) (types.JobStatus, error) {
	ctx = l.ctx(ctx)
	ws := l.workspaceFor(def)

	if ws.results != nil {
		return types.JobStatus{State: types.ExecutorFinalized, TimestampNs: time.Now().UnixNano()}, nil
	}
	if ws.containerID == "" {
		if _, err := os.Stat(ws.dir); err == nil {
			return types.JobStatus{State: types.ExecutorPrepared, TimestampNs: time.Now().UnixNano()}, nil
		}
		return types.JobStatus{State: types.ExecutorUnknown, TimestampNs: time.Now().UnixNano()}, nil
	}

	container, err := l.client.LoadContainer(ctx, ws.containerID)
	if err != nil {
		return errorStatus(err), nil
	}
	task, err := container.Task(ctx, nil)
	if err != nil {
		return types.JobStatus{State: types.ExecutorExecuted, TimestampNs: time.Now().UnixNano()}, nil
	}
	status, err := task.Status(ctx)
	if err != nil {
		return errorStatus(err), nil
	}
	if status.Status == containerd.Running {
		return types.JobStatus{State: types.ExecutorExecuting, TimestampNs: time.Now().UnixNano()}, nil
	}
	return types.JobStatus{State: types.ExecutorExecuted, TimestampNs: time.Now().UnixNano()}, nil
}

// GetResults returns the JobResults recorded by Finalize, or nil if the
// Job has not reached FINALIZED.
func (l *Local) GetResults(ctx context.Context, def types.JobDefinition) (*types.JobResults, error) {
	ws := l.workspaceFor(def)
	return ws.results, nil
}

// DeleteFiles best-effort removes paths from a workspace's privacy-level
// output tree.
func (l *Local) DeleteFiles(ctx context.Context, workspace, privacyLevel string, paths []string) error {
	base := l.highPrivacyBase
	if privacyLevel == types.PrivacyModeratelySensitive {
		base = l.mediumPrivacyBase
	}
	var firstErr error
	for _, p := range paths {
		if err := os.Remove(filepath.Join(base, workspace, p)); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func errorStatus(err error) types.JobStatus {
	return types.JobStatus{State: types.ExecutorError, Message: err.Error(), TimestampNs: time.Now().UnixNano()}
}

func buildEnv(def types.JobDefinition, stataLicense string) []string {
	env := make([]string, 0, len(def.Env)+2)
	for k, v := range def.Env {
		env = append(env, k+"="+v)
	}
	if stataLicense != "" && isStataImage(def.Image) {
		env = append(env, "STATA_LICENSE="+stataLicense)
	}
	return env
}

func isStataImage(image string) bool {
	for _, prefix := range stataImagePrefixes {
		if strings.HasPrefix(image, prefix+":") {
			return true
		}
	}
	return false
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o700); err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0o600)
}

// matchOutputs walks dir and matches each file against the glob
// patterns in outputSpec (privacy level -> output name -> glob).
// Returns matched files as relative-path -> privacy level, files
// present but matching no pattern, and patterns that matched nothing.
func matchOutputs(dir string, outputSpec map[string]map[string]string) (outputs map[string]string, unmatchedOutputs, unmatchedPatterns []string) {
	outputs = make(map[string]string)
	patternHit := make(map[string]bool)

	var allFiles []string
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		rel, relErr := filepath.Rel(dir, path)
		if relErr != nil {
			return nil
		}
		allFiles = append(allFiles, rel)
		return nil
	})

	for level, levelOutputs := range outputSpec {
		for _, pattern := range levelOutputs {
			if _, seen := patternHit[pattern]; !seen {
				patternHit[pattern] = false
			}
			for _, rel := range allFiles {
				ok, err := filepath.Match(pattern, rel)
				if err != nil || !ok {
					continue
				}
				outputs[rel] = level
				patternHit[pattern] = true
			}
		}
	}

	for pattern, hit := range patternHit {
		if !hit {
			unmatchedPatterns = append(unmatchedPatterns, pattern)
		}
	}
	for _, rel := range allFiles {
		if _, ok := outputs[rel]; !ok && rel != metadataFileName {
			unmatchedOutputs = append(unmatchedOutputs, rel)
		}
	}
	return outputs, unmatchedOutputs, unmatchedPatterns
}

// harvestOutputs copies every matched output (relative path -> privacy
// level) into the matching privacy tree (highPrivacyBase for
// highly_sensitive, mediumPrivacyBase for moderately_sensitive) named
// after def.Workspace.
func harvestOutputs(dir string, def types.JobDefinition, outputs map[string]string, highPrivacyBase, mediumPrivacyBase string) error {
	for rel, level := range outputs {
		base := highPrivacyBase
		if level == types.PrivacyModeratelySensitive {
			base = mediumPrivacyBase
		}
		if err := copyFile(filepath.Join(dir, rel), filepath.Join(base, def.Workspace, rel)); err != nil {
			return fmt.Errorf("harvest output %s: %w", rel, err)
		}
	}
	return nil
}

const metadataFileName = "metadata.json"

type jobMetadata struct {
	Action   string            `json:"action"`
	Commit   string            `json:"commit"`
	Image    string            `json:"image_id"`
	ExitCode int               `json:"exit_code"`
	Env      map[string]string `json:"env"`
}

// writeMetadata records a redacted snapshot of the Job's run into the
// workspace alongside its outputs.
func writeMetadata(dir string, def types.JobDefinition, exitCode int) error {
	redacted := make(map[string]string, len(def.Env))
	for k, v := range def.Env {
		if _, safe := safeEnvironmentVariables[k]; safe {
			redacted[k] = v
		} else {
			redacted[k] = redactedValue
		}
	}

	meta := jobMetadata{
		Action:   def.Action,
		Commit:   def.Commit,
		Image:    def.Image,
		ExitCode: exitCode,
		Env:      redacted,
	}
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, metadataFileName), data, 0o600)
}
