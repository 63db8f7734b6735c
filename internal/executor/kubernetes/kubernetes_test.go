package kubernetes

import (
	"context"
	"testing"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensafely-core/job-runner/internal/types"
)

func newTestKubernetes(t *testing.T) *Kubernetes {
	t.Helper()
	return &Kubernetes{
		client: fake.NewSimpleClientset(),
		cfg: Config{
			Namespace:    "default",
			StorageClass: "standard",
			JobPVSize:    "1Gi",
			ToolImage:    "opensafely/tools:latest",
		},
	}
}

func sampleDef() types.JobDefinition {
	return types.JobDefinition{
		ID:        "abc123",
		Workspace: "my-workspace",
		Action:    "generate_cohort",
		RepoURL:   "https://github.com/opensafely/study",
		Commit:    "deadbeef",
		Image:     "ehrql:v1",
	}
}

func TestGetStatusUnknownWhenNoJobsExist(t *testing.T) {
	k := newTestKubernetes(t)
	status, err := k.GetStatus(context.Background(), sampleDef())
	require.NoError(t, err)
	assert.Equal(t, types.ExecutorUnknown, status.State)
}

func TestGetStatusChainsThroughPrepareExecuteFinalize(t *testing.T) {
	k := newTestKubernetes(t)
	def := sampleDef()
	ctx := context.Background()

	createSucceededJob(t, k, prepareJobName(def))
	status, err := k.GetStatus(ctx, def)
	require.NoError(t, err)
	assert.Equal(t, types.ExecutorPrepared, status.State, "prepare succeeded with no execute Job yet -> PREPARED")

	createRunningJob(t, k, executeJobName(def))
	status, err = k.GetStatus(ctx, def)
	require.NoError(t, err)
	assert.Equal(t, types.ExecutorExecuting, status.State)

	markJobSucceeded(t, k, executeJobName(def))
	status, err = k.GetStatus(ctx, def)
	require.NoError(t, err)
	assert.Equal(t, types.ExecutorExecuted, status.State, "execute succeeded with no finalize Job yet -> EXECUTED")

	createSucceededJob(t, k, finalizeJobName(def))
	status, err = k.GetStatus(ctx, def)
	require.NoError(t, err)
	assert.Equal(t, types.ExecutorFinalized, status.State)
}

func TestGetStatusReportsFailedPrepareAsError(t *testing.T) {
	k := newTestKubernetes(t)
	def := sampleDef()
	createFailedJob(t, k, prepareJobName(def))

	status, err := k.GetStatus(context.Background(), def)
	require.NoError(t, err)
	assert.Equal(t, types.ExecutorError, status.State)
}

func TestPrepareIsIdempotentWhenAlreadyPreparing(t *testing.T) {
	k := newTestKubernetes(t)
	def := sampleDef()
	ctx := context.Background()

	first, err := k.Prepare(ctx, def)
	require.NoError(t, err)
	assert.Equal(t, types.ExecutorPreparing, first.State)

	second, err := k.Prepare(ctx, def)
	require.NoError(t, err)
	assert.Equal(t, types.ExecutorPreparing, second.State, "re-Prepare while PREPARING must be a no-op, not a duplicate Job")

	jobs, err := k.client.BatchV1().Jobs("default").List(ctx, metav1.ListOptions{})
	require.NoError(t, err)
	assert.Len(t, jobs.Items, 1)
}

func TestCleanupDeletesJobsAndPVC(t *testing.T) {
	k := newTestKubernetes(t)
	def := sampleDef()
	ctx := context.Background()

	createSucceededJob(t, k, prepareJobName(def))
	createSucceededJob(t, k, executeJobName(def))
	createSucceededJob(t, k, finalizeJobName(def))
	_, err := k.client.CoreV1().PersistentVolumeClaims("default").Create(ctx, &corev1.PersistentVolumeClaim{
		ObjectMeta: metav1.ObjectMeta{Name: jobPVCName(def), Namespace: "default"},
	}, metav1.CreateOptions{})
	require.NoError(t, err)

	status, err := k.Cleanup(ctx, def)
	require.NoError(t, err)
	assert.Equal(t, types.ExecutorUnknown, status.State)

	jobs, _ := k.client.BatchV1().Jobs("default").List(ctx, metav1.ListOptions{})
	assert.Empty(t, jobs.Items)

	_, err = k.client.CoreV1().PersistentVolumeClaims("default").Get(ctx, jobPVCName(def), metav1.GetOptions{})
	assert.Error(t, err)
}

func TestConvertK8sNameIsDeterministicAndDNSSafe(t *testing.T) {
	name := convertK8sName("My Workspace!!", "prepare", "job-id-1")
	assert.Regexp(t, `^[a-z0-9-]+$`, name)
	assert.Equal(t, name, convertK8sName("My Workspace!!", "prepare", "job-id-1"))

	other := convertK8sName("My Workspace!!", "prepare", "job-id-2")
	assert.NotEqual(t, name, other, "different additionalHash must change the suffix")
}

func TestParseJobResultsLine(t *testing.T) {
	outputs, unmatched := parseJobResultsLine("cohort=output/ds.csv;results=output/r.csv;!unmatched:output/stray.txt")
	assert.Equal(t, "output/ds.csv", outputs["cohort"])
	assert.Equal(t, "output/r.csv", outputs["results"])
	assert.Equal(t, []string{"output/stray.txt"}, unmatched)
}

func createSucceededJob(t *testing.T, k *Kubernetes, name string) {
	t.Helper()
	_, err := k.client.BatchV1().Jobs("default").Create(context.Background(), &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: "default"},
		Status:     batchv1.JobStatus{Succeeded: 1},
	}, metav1.CreateOptions{})
	require.NoError(t, err)
}

func createFailedJob(t *testing.T, k *Kubernetes, name string) {
	t.Helper()
	_, err := k.client.BatchV1().Jobs("default").Create(context.Background(), &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: "default"},
		Status:     batchv1.JobStatus{Failed: 1},
	}, metav1.CreateOptions{})
	require.NoError(t, err)
}

func createRunningJob(t *testing.T, k *Kubernetes, name string) {
	t.Helper()
	_, err := k.client.BatchV1().Jobs("default").Create(context.Background(), &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: "default"},
		Status:     batchv1.JobStatus{Active: 1},
	}, metav1.CreateOptions{})
	require.NoError(t, err)
}

func markJobSucceeded(t *testing.T, k *Kubernetes, name string) {
	t.Helper()
	job, err := k.client.BatchV1().Jobs("default").Get(context.Background(), name, metav1.GetOptions{})
	require.NoError(t, err)
	job.Status = batchv1.JobStatus{Succeeded: 1}
	_, err = k.client.BatchV1().Jobs("default").UpdateStatus(context.Background(), job, metav1.UpdateOptions{})
	require.NoError(t, err)
}
