// Package kubernetes implements the executor adapter on top of
// k8s.io/client-go: each opensafely Job becomes three batch/v1 Jobs
// (prepare, execute, finalize) sharing one PVC, and GetStatus walks
// them in that order to derive the aggregate ExecutorState.
//
// Deprecated: the local containerd executor is the supported backend;
// this variant is kept for deployments still running on it.
package kubernetes

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/opensafely-core/job-runner/internal/tracing"
	"github.com/opensafely-core/job-runner/internal/types"
)

const (
	jobContainerName = "job"
	workPVCMountPath = "/workdir"
	jobPVCMountPath  = "/workspace"
	labelApp         = "app"
	labelAppValue    = "job-executor"
	labelOpenSAFELY  = "opensafely-app"
)

// K8sJobStatus is the coarse phase of one batch/v1 Job, read off its
// .status counters.
type K8sJobStatus string

const (
	K8sJobUnknown   K8sJobStatus = "UNKNOWN"
	K8sJobPending   K8sJobStatus = "PENDING"
	K8sJobRunning   K8sJobStatus = "RUNNING"
	K8sJobSucceeded K8sJobStatus = "SUCCEEDED"
	K8sJobFailed    K8sJobStatus = "FAILED"
)

// Config carries the cluster-level settings the adapter needs.
type Config struct {
	Namespace          string
	StorageClass       string
	WorkspacePVSize    string
	JobPVSize          string
	ToolImage          string
	ImagePullPolicy    string
	ServiceAccount     string
	EgressWhitelist    []string // "host:port" pairs; empty means deny-all
	KeepFailedJobs     bool
	UseLocalKubeconfig bool
}

// Kubernetes is the batch/v1-Job-backed executor adapter.
type Kubernetes struct {
	client kubernetes.Interface
	cfg    Config
}

// New builds a Kubernetes client from the in-cluster config, or from
// the local kubeconfig when cfg.UseLocalKubeconfig is set.
func New(cfg Config) (*Kubernetes, error) {
	var restCfg *rest.Config
	var err error
	if cfg.UseLocalKubeconfig {
		restCfg, err = clientcmd.NewNonInteractiveDeferredLoadingClientConfig(
			clientcmd.NewDefaultClientConfigLoadingRules(), &clientcmd.ConfigOverrides{},
		).ClientConfig()
	} else {
		restCfg, err = rest.InClusterConfig()
	}
	if err != nil {
		return nil, fmt.Errorf("load kubernetes config: %w", err)
	}
	client, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return nil, fmt.Errorf("build kubernetes client: %w", err)
	}
	return &Kubernetes{client: client, cfg: cfg}, nil
}

func opensafelyJobName(def types.JobDefinition) string {
	return def.Workspace + "_" + def.Action
}

func prepareJobName(def types.JobDefinition) string {
	return convertK8sName(opensafelyJobName(def), "prepare", def.ID)
}

func executeJobName(def types.JobDefinition) string {
	return convertK8sName(opensafelyJobName(def), "execute", def.ID)
}

func finalizeJobName(def types.JobDefinition) string {
	return convertK8sName(opensafelyJobName(def), "finalize", def.ID)
}

func jobPVCName(def types.JobDefinition) string {
	return convertK8sName(def.ID, "pvc", "")
}

func workPVCName(def types.JobDefinition) string {
	return convertK8sName(def.Workspace, "pvc", "")
}

// convertK8sName builds a DNS-1123-safe Job name from arbitrary
// opensafely identifiers: lowercase, sanitise, truncate to 40
// characters, add the suffix, and append a short hash of additionalHash
// when one is given. With an empty additionalHash no hash is added, so
// names that agree in their first 40 sanitised characters collide.
func convertK8sName(name, suffix, additionalHash string) string {
	base := strings.ToLower(name)
	base = strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' {
			return r
		}
		return '-'
	}, base)
	if len(base) > 40 {
		base = base[:40]
	}
	if suffix != "" {
		base = base + "-" + suffix
	}
	if additionalHash != "" {
		h := shortHash(additionalHash)
		base = base + "-" + h
	}
	return base
}

func shortHash(s string) string {
	var h uint32 = 2166136261
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= 16777619
	}
	return fmt.Sprintf("%08x", h)
}

func appLabels() map[string]string {
	return map[string]string{labelApp: labelAppValue}
}

func jobPodLabels(def types.JobDefinition) map[string]string {
	labels := appLabels()
	labels[labelOpenSAFELY] = convertK8sName(opensafelyJobName(def), "", def.ID)
	return labels
}

// Prepare launches the prepare batch/v1 Job, which populates the
// job-scoped PVC from the study repo at def.Commit plus def.Inputs.
func (k *Kubernetes) Prepare(ctx context.Context, def types.JobDefinition) (types.JobStatus, error) {
	status, err := k.GetStatus(ctx, def)
	if err != nil {
		return status, err
	}
	if status.State == types.ExecutorPreparing || status.State == types.ExecutorPrepared {
		return status, nil
	}
	if status.State != types.ExecutorUnknown {
		return status, nil
	}

	if err := k.ensurePVC(ctx, workPVCName(def)); err != nil {
		return errorStatus(err), err
	}
	if err := k.ensurePVC(ctx, jobPVCName(def)); err != nil {
		return errorStatus(err), err
	}

	job := &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{Name: prepareJobName(def), Namespace: k.cfg.Namespace, Labels: appLabels()},
		Spec: batchv1.JobSpec{
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: jobPodLabels(def)},
				Spec: corev1.PodSpec{
					RestartPolicy: corev1.RestartPolicyNever,
					Containers: []corev1.Container{{
						Name:    jobContainerName,
						Image:   k.cfg.ToolImage,
						Command: []string{"opensafely-prepare"},
						Args:    []string{def.RepoURL, def.Commit, strings.Join(def.Inputs, ";")},
						VolumeMounts: []corev1.VolumeMount{
							{Name: "work", MountPath: workPVCMountPath},
							{Name: "job", MountPath: jobPVCMountPath},
						},
					}},
					Volumes: []corev1.Volume{
						pvcVolume("work", workPVCName(def)),
						pvcVolume("job", jobPVCName(def)),
					},
				},
			},
		},
	}
	if _, err := k.client.BatchV1().Jobs(k.cfg.Namespace).Create(ctx, job, metav1.CreateOptions{}); err != nil {
		return errorStatus(err), err
	}
	tracing.StartEnterStateSpan(ctx, string(types.ExecutorPreparing), time.Now())
	return types.JobStatus{State: types.ExecutorPreparing}, nil
}

// Execute launches the execute batch/v1 Job against the job-scoped PVC.
func (k *Kubernetes) Execute(ctx context.Context, def types.JobDefinition) (types.JobStatus, error) {
	status, err := k.GetStatus(ctx, def)
	if err != nil {
		return status, err
	}
	if status.State == types.ExecutorExecuting || status.State == types.ExecutorExecuted {
		return status, nil
	}
	if status.State != types.ExecutorPrepared {
		return status, nil
	}

	env := make([]corev1.EnvVar, 0, len(def.Env))
	for key, value := range def.Env {
		env = append(env, corev1.EnvVar{Name: key, Value: value})
	}

	podLabels := jobPodLabels(def)
	if err := k.ensureNetworkPolicy(ctx, k.egressPolicyName(def), podLabels, def.RequiresDB); err != nil {
		return errorStatus(err), err
	}

	job := &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{Name: executeJobName(def), Namespace: k.cfg.Namespace, Labels: appLabels()},
		Spec: batchv1.JobSpec{
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: podLabels},
				Spec: corev1.PodSpec{
					RestartPolicy: corev1.RestartPolicyNever,
					Containers: []corev1.Container{{
						Name:    jobContainerName,
						Image:   def.Image,
						Args:    def.Args,
						Env:     env,
						VolumeMounts: []corev1.VolumeMount{
							{Name: "job", MountPath: jobPVCMountPath},
						},
					}},
					Volumes: []corev1.Volume{pvcVolume("job", jobPVCName(def))},
				},
			},
		},
	}
	if _, err := k.client.BatchV1().Jobs(k.cfg.Namespace).Create(ctx, job, metav1.CreateOptions{}); err != nil {
		return errorStatus(err), err
	}
	tracing.StartEnterStateSpan(ctx, string(types.ExecutorExecuting), time.Now())
	return types.JobStatus{State: types.ExecutorExecuting}, nil
}

// Finalize launches the finalize batch/v1 Job, which matches
// def.OutputSpec globs against the job PVC's contents and writes them
// into the shared workdir PVC's privacy-level trees.
func (k *Kubernetes) Finalize(ctx context.Context, def types.JobDefinition) (types.JobStatus, error) {
	status, err := k.GetStatus(ctx, def)
	if err != nil {
		return status, err
	}
	if status.State == types.ExecutorFinalizing || status.State == types.ExecutorFinalized {
		return status, nil
	}
	if status.State != types.ExecutorExecuted {
		return status, nil
	}

	job := &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{Name: finalizeJobName(def), Namespace: k.cfg.Namespace, Labels: appLabels()},
		Spec: batchv1.JobSpec{
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: jobPodLabels(def)},
				Spec: corev1.PodSpec{
					RestartPolicy:      corev1.RestartPolicyNever,
					ServiceAccountName: k.cfg.ServiceAccount,
					Containers: []corev1.Container{{
						Name:    jobContainerName,
						Image:   k.cfg.ToolImage,
						Command: []string{"opensafely-finalize"},
						Args:    []string{def.Workspace, def.Action, outputSpecJSON(def.OutputSpec)},
						VolumeMounts: []corev1.VolumeMount{
							{Name: "work", MountPath: workPVCMountPath},
							{Name: "job", MountPath: jobPVCMountPath},
						},
					}},
					Volumes: []corev1.Volume{
						pvcVolume("work", workPVCName(def)),
						pvcVolume("job", jobPVCName(def)),
					},
				},
			},
		},
	}
	if _, err := k.client.BatchV1().Jobs(k.cfg.Namespace).Create(ctx, job, metav1.CreateOptions{}); err != nil {
		return errorStatus(err), err
	}
	tracing.StartEnterStateSpan(ctx, string(types.ExecutorFinalizing), time.Now())
	return types.JobStatus{State: types.ExecutorFinalizing}, nil
}

// GetStatus walks prepare -> execute -> finalize in order: the first
// non-SUCCEEDED batch/v1 Job encountered in the chain determines the
// aggregate ExecutorState.
func (k *Kubernetes) GetStatus(ctx context.Context, def types.JobDefinition) (types.JobStatus, error) {
	prepareState, err := k.readJobStatus(ctx, prepareJobName(def))
	if err != nil {
		return errorStatus(err), nil
	}
	switch prepareState {
	case K8sJobUnknown:
		return types.JobStatus{State: types.ExecutorUnknown}, nil
	case K8sJobPending, K8sJobRunning:
		return types.JobStatus{State: types.ExecutorPreparing}, nil
	case K8sJobFailed:
		return types.JobStatus{State: types.ExecutorError, Message: k.readLogsBestEffort(ctx, prepareJobName(def))}, nil
	}

	executeState, err := k.readJobStatus(ctx, executeJobName(def))
	if err != nil {
		return errorStatus(err), nil
	}
	switch executeState {
	case K8sJobUnknown:
		return types.JobStatus{State: types.ExecutorPrepared}, nil
	case K8sJobPending, K8sJobRunning:
		return types.JobStatus{State: types.ExecutorExecuting}, nil
	case K8sJobFailed:
		return types.JobStatus{State: types.ExecutorError, Message: k.readLogsBestEffort(ctx, executeJobName(def))}, nil
	}

	finalizeState, err := k.readJobStatus(ctx, finalizeJobName(def))
	if err != nil {
		return errorStatus(err), nil
	}
	switch finalizeState {
	case K8sJobUnknown:
		return types.JobStatus{State: types.ExecutorExecuted}, nil
	case K8sJobPending, K8sJobRunning:
		return types.JobStatus{State: types.ExecutorFinalizing}, nil
	case K8sJobFailed:
		return types.JobStatus{State: types.ExecutorError, Message: k.readLogsBestEffort(ctx, finalizeJobName(def))}, nil
	case K8sJobSucceeded:
		return types.JobStatus{State: types.ExecutorFinalized}, nil
	}

	return types.JobStatus{State: types.ExecutorError, Message: "unknown status found in GetStatus"}, nil
}

// Terminate deletes all three batch/v1 Jobs for def without waiting and
// reports ERROR with the names it deleted. It does not report the
// EXECUTED, FINALIZED or UNKNOWN states listed on
// executor.Executor.Terminate; once the prepare Job is gone, GetStatus
// reports UNKNOWN.
func (k *Kubernetes) Terminate(ctx context.Context, def types.JobDefinition) (types.JobStatus, error) {
	deleted := k.deleteAllJobs(ctx, def)
	return types.JobStatus{State: types.ExecutorError, Message: fmt.Sprintf("deleted %s", strings.Join(deleted, ","))}, nil
}

// Cleanup deletes the three batch/v1 Jobs and the job-scoped PVC.
func (k *Kubernetes) Cleanup(ctx context.Context, def types.JobDefinition) (types.JobStatus, error) {
	k.deleteAllJobs(ctx, def)
	_ = k.client.CoreV1().PersistentVolumeClaims(k.cfg.Namespace).Delete(ctx, jobPVCName(def), metav1.DeleteOptions{})
	return types.JobStatus{State: types.ExecutorUnknown}, nil
}

// GetResults reads the finalize Job's pod log for the JOB_RESULTS:
// line and the execute Job's container status for exit code/image id.
func (k *Kubernetes) GetResults(ctx context.Context, def types.JobDefinition) (*types.JobResults, error) {
	outputs, unmatched := k.readFinalizeOutput(ctx, def)
	exitCode, imageID := k.readExecuteContainerInfo(ctx, def)
	return &types.JobResults{
		Outputs:          outputs,
		UnmatchedOutputs: unmatched,
		ExitCode:         exitCode,
		ImageID:          imageID,
	}, nil
}

// DeleteFiles runs a short-lived busybox Job against the shared
// workdir PVC to remove paths.
func (k *Kubernetes) DeleteFiles(ctx context.Context, workspace, privacyLevel string, paths []string) error {
	base := "high_privacy"
	if privacyLevel == types.PrivacyModeratelySensitive {
		base = "medium_privacy"
	}
	var cmds []string
	for _, p := range paths {
		cmds = append(cmds, fmt.Sprintf("rm -f %s/%s/workspaces/%s/%s || true", workPVCMountPath, base, workspace, p))
	}
	job := &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{Name: convertK8sName(workspace, "delete-job", strings.Join(paths, ";")), Namespace: k.cfg.Namespace, Labels: appLabels()},
		Spec: batchv1.JobSpec{
			Template: corev1.PodTemplateSpec{
				Spec: corev1.PodSpec{
					RestartPolicy: corev1.RestartPolicyNever,
					Containers: []corev1.Container{{
						Name:    jobContainerName,
						Image:   "busybox",
						Command: []string{"/bin/sh", "-c"},
						Args:    []string{strings.Join(cmds, ";")},
						VolumeMounts: []corev1.VolumeMount{
							{Name: "work", MountPath: workPVCMountPath},
						},
					}},
					Volumes: []corev1.Volume{pvcVolume("work", workPVCName(types.JobDefinition{Workspace: workspace}))},
				},
			},
		},
	}
	_, err := k.client.BatchV1().Jobs(k.cfg.Namespace).Create(ctx, job, metav1.CreateOptions{})
	return err
}

func (k *Kubernetes) ensurePVC(ctx context.Context, name string) error {
	_, err := k.client.CoreV1().PersistentVolumeClaims(k.cfg.Namespace).Get(ctx, name, metav1.GetOptions{})
	if err == nil {
		return nil
	}
	if !apierrors.IsNotFound(err) {
		return err
	}
	storageClass := k.cfg.StorageClass
	pvc := &corev1.PersistentVolumeClaim{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: k.cfg.Namespace, Labels: appLabels()},
		Spec: corev1.PersistentVolumeClaimSpec{
			AccessModes:      []corev1.PersistentVolumeAccessMode{corev1.ReadWriteMany},
			StorageClassName: &storageClass,
			Resources: corev1.VolumeResourceRequirements{
				Requests: corev1.ResourceList{corev1.ResourceStorage: resourceQuantity(k.cfg.JobPVSize)},
			},
		},
	}
	_, err = k.client.CoreV1().PersistentVolumeClaims(k.cfg.Namespace).Create(ctx, pvc, metav1.CreateOptions{})
	return err
}

func (k *Kubernetes) egressPolicyName(def types.JobDefinition) string {
	return convertK8sName(opensafelyJobName(def), "egress", def.ID)
}

// ensureNetworkPolicy creates a NetworkPolicy selecting podLabels: an
// allow-list of EgressWhitelist host:port pairs when database access
// is requested and a whitelist is configured, deny-all egress
// otherwise.
func (k *Kubernetes) ensureNetworkPolicy(ctx context.Context, name string, podLabels map[string]string, allowDatabaseAccess bool) error {
	policy := &networkingv1.NetworkPolicy{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: k.cfg.Namespace, Labels: appLabels()},
		Spec: networkingv1.NetworkPolicySpec{
			PodSelector: metav1.LabelSelector{MatchLabels: podLabels},
			PolicyTypes: []networkingv1.PolicyType{networkingv1.PolicyTypeEgress},
		},
	}

	if allowDatabaseAccess {
		for _, hostPort := range k.cfg.EgressWhitelist {
			parts := strings.SplitN(hostPort, ":", 2)
			if len(parts) != 2 {
				continue
			}
			port := intstr.FromString(parts[1])
			policy.Spec.Egress = append(policy.Spec.Egress, networkingv1.NetworkPolicyEgressRule{
				To:    []networkingv1.NetworkPolicyPeer{{IPBlock: &networkingv1.IPBlock{CIDR: parts[0] + "/32"}}},
				Ports: []networkingv1.NetworkPolicyPort{{Port: &port}},
			})
		}
	}
	// An empty (nil) Egress slice with PolicyTypeEgress set denies all
	// egress by default, matching the whitelist-absent case.

	_, err := k.client.NetworkingV1().NetworkPolicies(k.cfg.Namespace).Create(ctx, policy, metav1.CreateOptions{})
	if apierrors.IsAlreadyExists(err) {
		return nil
	}
	return err
}

func (k *Kubernetes) deleteAllJobs(ctx context.Context, def types.JobDefinition) []string {
	var deleted []string
	for _, name := range []string{prepareJobName(def), executeJobName(def), finalizeJobName(def)} {
		if k.deleteJob(ctx, name) {
			deleted = append(deleted, name)
		}
	}
	return deleted
}

func (k *Kubernetes) deleteJob(ctx context.Context, name string) bool {
	if k.cfg.KeepFailedJobs {
		if status, _ := k.readJobStatus(ctx, name); status == K8sJobFailed {
			return false
		}
	}
	propagation := metav1.DeletePropagationBackground
	err := k.client.BatchV1().Jobs(k.cfg.Namespace).Delete(ctx, name, metav1.DeleteOptions{PropagationPolicy: &propagation})
	return err == nil
}

func (k *Kubernetes) readJobStatus(ctx context.Context, name string) (K8sJobStatus, error) {
	job, err := k.client.BatchV1().Jobs(k.cfg.Namespace).Get(ctx, name, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return K8sJobUnknown, nil
	}
	if err != nil {
		return K8sJobUnknown, err
	}
	if job.Status.Succeeded > 0 {
		return K8sJobSucceeded, nil
	}
	if job.Status.Failed > 0 {
		return K8sJobFailed, nil
	}
	if job.Status.Active > 0 {
		return K8sJobRunning, nil
	}
	return K8sJobPending, nil
}

func (k *Kubernetes) readLogsBestEffort(ctx context.Context, jobName string) string {
	pods, err := k.client.CoreV1().Pods(k.cfg.Namespace).List(ctx, metav1.ListOptions{LabelSelector: "job-name=" + jobName})
	if err != nil || len(pods.Items) == 0 {
		return "job failed"
	}
	req := k.client.CoreV1().Pods(k.cfg.Namespace).GetLogs(pods.Items[0].Name, &corev1.PodLogOptions{Container: jobContainerName})
	stream, err := req.Stream(ctx)
	if err != nil {
		return "job failed"
	}
	defer stream.Close()
	buf := make([]byte, 4096)
	n, _ := stream.Read(buf)
	return string(buf[:n])
}

const jobResultsTag = "JOB_RESULTS:"

func (k *Kubernetes) readFinalizeOutput(ctx context.Context, def types.JobDefinition) (map[string]string, []string) {
	logs := k.readLogsBestEffort(ctx, finalizeJobName(def))
	for _, line := range strings.Split(logs, "\n") {
		if strings.HasPrefix(line, jobResultsTag) {
			return parseJobResultsLine(strings.TrimPrefix(line, jobResultsTag))
		}
	}
	return nil, nil
}

func parseJobResultsLine(raw string) (map[string]string, []string) {
	// The finalize Job writes its result as `key=value;...` pairs
	// followed by `!unmatched:a,b,c`; a hand-rolled parser keeps this
	// package free of a JSON round-trip through pod logs.
	outputs := make(map[string]string)
	var unmatched []string
	for _, field := range strings.Split(raw, ";") {
		if strings.HasPrefix(field, "!unmatched:") {
			unmatched = strings.Split(strings.TrimPrefix(field, "!unmatched:"), ",")
			continue
		}
		kv := strings.SplitN(field, "=", 2)
		if len(kv) == 2 {
			outputs[kv[0]] = kv[1]
		}
	}
	return outputs, unmatched
}

func (k *Kubernetes) readExecuteContainerInfo(ctx context.Context, def types.JobDefinition) (int, string) {
	pods, err := k.client.CoreV1().Pods(k.cfg.Namespace).List(ctx, metav1.ListOptions{LabelSelector: "job-name=" + executeJobName(def)})
	if err != nil || len(pods.Items) == 0 {
		return 0, ""
	}
	for _, cs := range pods.Items[0].Status.ContainerStatuses {
		if cs.Name != jobContainerName {
			continue
		}
		exitCode := 0
		if cs.State.Terminated != nil {
			exitCode = int(cs.State.Terminated.ExitCode)
		}
		return exitCode, cs.ImageID
	}
	return 0, ""
}

func outputSpecJSON(spec map[string]map[string]string) string {
	data, err := json.Marshal(spec)
	if err != nil {
		return "{}"
	}
	return string(data)
}

func pvcVolume(name, claimName string) corev1.Volume {
	return corev1.Volume{
		Name: name,
		VolumeSource: corev1.VolumeSource{
			PersistentVolumeClaim: &corev1.PersistentVolumeClaimVolumeSource{ClaimName: claimName},
		},
	}
}

func resourceQuantity(size string) resource.Quantity {
	if size == "" {
		size = "1Gi"
	}
	return resource.MustParse(size)
}

func errorStatus(err error) types.JobStatus {
	return types.JobStatus{State: types.ExecutorError, Message: err.Error()}
}
