// Package kubernetes Kubernetes Job 后端
//
// 每个运行对应一个 batch/v1 Job。resource_args：
//
//	namespace       目标命名空间（默认取配置）
//	job             部分 Job 定义（与 batch/v1 Job 的 JSON 结构相同），合并到生成的 Job 上
//	container_name  job 中有多个容器时，指定运行入口命令的容器
package kubernetes

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"launch-agent/internal/launch/builder"
	"launch-agent/internal/launch/runner"
	"launch-agent/internal/shared/model"
)

const (
	defaultContainerName = "launch"
	maxNameLength        = 63

	labelRunID   = "launch.run-id"
	labelManaged = "app.kubernetes.io/managed-by"
)

// NewClientset 创建 clientset：kubeconfig 为空时使用集群内配置
func NewClientset(kubeconfig string) (kubernetes.Interface, error) {
	var (
		cfg *rest.Config
		err error
	)
	if kubeconfig == "" {
		cfg, err = rest.InClusterConfig()
	} else {
		cfg, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
	}
	if err != nil {
		return nil, &model.ConfigurationError{Resource: "kubernetes", Msg: "load cluster config", Err: err}
	}
	return kubernetes.NewForConfig(cfg)
}

// Runner Kubernetes 后端
type Runner struct {
	client    kubernetes.Interface
	builder   builder.Builder
	registry  builder.RegistryConfig
	namespace string
}

// New 创建后端
func New(client kubernetes.Interface, b builder.Builder, reg builder.RegistryConfig, namespace string) *Runner {
	if b == nil {
		b = builder.Passthrough{}
	}
	if namespace == "" {
		namespace = "default"
	}
	return &Runner{client: client, builder: b, registry: reg, namespace: namespace}
}

// Name 实现 runner.Runner
func (r *Runner) Name() string { return runner.Kubernetes }

// Run 实现 runner.Runner
func (r *Runner) Run(ctx context.Context, p *model.LaunchProject) (runner.Run, error) {
	// 先校验 resource_args，避免无效配置触发镜像构建
	overrides, err := decodeJobOverrides(p.ResourceArgs)
	if err != nil {
		return nil, err
	}
	if overrides != nil {
		if _, err := selectContainer(overrides.Spec.Template.Spec.Containers, p.ResourceArgs.String("container_name")); err != nil {
			return nil, err
		}
	}

	image, err := r.builder.Build(ctx, p, r.registry)
	if err != nil {
		return nil, err
	}
	p.DockerImage = image

	job, err := buildJob(p, image, overrides, p.ResourceArgs.String("container_name"))
	if err != nil {
		return nil, err
	}

	ns := p.ResourceArgs.String("namespace")
	if ns == "" {
		ns = r.namespace
	}

	created, err := r.client.BatchV1().Jobs(ns).Create(ctx, job, metav1.CreateOptions{})
	if err != nil {
		if apierrors.IsInvalid(err) {
			return nil, &model.ConfigurationError{Resource: "resource_args.job", Msg: "job rejected by API server", Err: err}
		}
		return nil, model.DispatchErr(runner.Kubernetes, "create job "+ns+"/"+job.Name, err)
	}

	log.Printf("[runner.k8s.created] run_id=%s job=%s/%s image=%s", p.RunID, ns, created.Name, image)
	return &Run{client: r.client, namespace: ns, name: created.Name}, nil
}

// JobName 由 entity、project 与运行 id 生成符合 DNS-1123 的 Job 名
func JobName(entity, project, runID string) string {
	suffix := dnsSafe(runID)
	if len(suffix) > 8 {
		suffix = suffix[:8]
	}
	if suffix == "" {
		suffix = "run"
	}
	base := dnsSafe("launch-" + entity + "-" + project)
	if limit := maxNameLength - len(suffix) - 1; len(base) > limit {
		base = strings.TrimRight(base[:limit], "-")
	}
	return base + "-" + suffix
}

func dnsSafe(s string) string {
	var b strings.Builder
	lastDash := false
	for _, r := range strings.ToLower(s) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			lastDash = false
			continue
		}
		if !lastDash && b.Len() > 0 {
			b.WriteByte('-')
			lastDash = true
		}
	}
	return strings.Trim(b.String(), "-")
}

// decodeJobOverrides 把 resource_args.job 解码为 batch/v1 Job
func decodeJobOverrides(args model.ResourceArgs) (*batchv1.Job, error) {
	raw, ok := args["job"]
	if !ok || raw == nil {
		return nil, nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, &model.ConfigurationError{Resource: "resource_args.job", Msg: "encode job overrides", Err: err}
	}
	var job batchv1.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, &model.ConfigurationError{Resource: "resource_args.job", Msg: "job overrides are not a batch/v1 Job", Err: err}
	}
	return &job, nil
}

// buildJob 生成 Job 并合并覆盖项
func buildJob(p *model.LaunchProject, image string, ov *batchv1.Job, containerName string) (*batchv1.Job, error) {
	labels := map[string]string{
		labelRunID:   dnsSafe(p.RunID),
		labelManaged: "launch-agent",
	}
	backoffLimit := int32(0)

	main := corev1.Container{
		Name:  defaultContainerName,
		Image: image,
		Env:   envVars(p.RunEnv()),
	}
	if len(p.EntryPoint) > 0 {
		main.Command = p.EntryPoint
	}

	job := &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:   JobName(p.Entity, p.Project, p.RunID),
			Labels: labels,
		},
		Spec: batchv1.JobSpec{
			BackoffLimit: &backoffLimit,
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: copyLabels(labels)},
				Spec: corev1.PodSpec{
					RestartPolicy: corev1.RestartPolicyNever,
				},
			},
		},
	}

	if ov == nil {
		job.Spec.Template.Spec.Containers = []corev1.Container{main}
		return job, nil
	}

	for k, v := range ov.Labels {
		job.Labels[k] = v
		job.Spec.Template.Labels[k] = v
	}
	for k, v := range ov.Spec.Template.Labels {
		job.Spec.Template.Labels[k] = v
	}
	if len(ov.Annotations) > 0 {
		job.Annotations = ov.Annotations
	}
	if ov.Spec.BackoffLimit != nil {
		job.Spec.BackoffLimit = ov.Spec.BackoffLimit
	}
	job.Spec.TTLSecondsAfterFinished = ov.Spec.TTLSecondsAfterFinished
	job.Spec.ActiveDeadlineSeconds = ov.Spec.ActiveDeadlineSeconds

	podOv := ov.Spec.Template.Spec
	pod := &job.Spec.Template.Spec
	pod.ServiceAccountName = podOv.ServiceAccountName
	pod.NodeSelector = podOv.NodeSelector
	pod.Tolerations = podOv.Tolerations
	pod.Volumes = podOv.Volumes
	pod.ImagePullSecrets = podOv.ImagePullSecrets
	pod.Affinity = podOv.Affinity
	if podOv.RestartPolicy != "" {
		pod.RestartPolicy = podOv.RestartPolicy
	}

	containers, err := mergeContainers(main, podOv.Containers, containerName)
	if err != nil {
		return nil, err
	}
	pod.Containers = containers
	return job, nil
}

// selectContainer 返回运行入口命令的容器下标；没有容器时返回 -1
func selectContainer(containers []corev1.Container, name string) (int, error) {
	switch {
	case len(containers) == 0:
		return -1, nil
	case name != "":
		for i := range containers {
			if containers[i].Name == name {
				return i, nil
			}
		}
		return -1, model.Configf("resource_args.container_name", "container %q not found in job spec", name)
	case len(containers) == 1:
		return 0, nil
	}
	return -1, model.Configf("resource_args.container_name",
		"job spec defines %d containers; set container_name to choose one", len(containers))
}

// mergeContainers 选出运行入口命令的容器并合并，其余容器原样保留
func mergeContainers(main corev1.Container, containers []corev1.Container, name string) ([]corev1.Container, error) {
	idx, err := selectContainer(containers, name)
	if err != nil {
		return nil, err
	}
	if idx < 0 {
		return []corev1.Container{main}, nil
	}

	out := make([]corev1.Container, len(containers))
	copy(out, containers)
	c := out[idx]
	if c.Name == "" {
		c.Name = main.Name
	}
	if c.Image == "" {
		c.Image = main.Image
	}
	if len(main.Command) > 0 {
		c.Command = main.Command
		c.Args = nil
	}
	c.Env = mergeEnv(main.Env, c.Env)
	out[idx] = c
	return out, nil
}

// mergeEnv 覆盖项中的同名变量优先
func mergeEnv(base, higher []corev1.EnvVar) []corev1.EnvVar {
	seen := make(map[string]bool, len(higher))
	for _, e := range higher {
		seen[e.Name] = true
	}
	out := make([]corev1.EnvVar, 0, len(base)+len(higher))
	for _, e := range base {
		if !seen[e.Name] {
			out = append(out, e)
		}
	}
	return append(out, higher...)
}

func envVars(env map[string]string) []corev1.EnvVar {
	out := make([]corev1.EnvVar, 0, len(env))
	for k, v := range env {
		out = append(out, corev1.EnvVar{Name: k, Value: v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func copyLabels(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// ============================================================================
// Run
// ============================================================================

// Run 一个 Kubernetes Job
type Run struct {
	client    kubernetes.Interface
	namespace string
	name      string
	guard     runner.StateGuard

	mu        sync.Mutex
	cancelled bool
}

// ID namespace/name
func (r *Run) ID() string { return r.namespace + "/" + r.name }

// Status 实现 runner.Run
func (r *Run) Status(ctx context.Context) (model.RunState, error) {
	r.mu.Lock()
	cancelled := r.cancelled
	r.mu.Unlock()

	job, err := r.client.BatchV1().Jobs(r.namespace).Get(ctx, r.name, metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			if cancelled {
				return r.guard.Observe(model.RunStateStopped), nil
			}
			return r.guard.Observe(model.RunStateUnknown), nil
		}
		return r.guard.Last(), fmt.Errorf("get job %s: %w", r.ID(), err)
	}
	return r.guard.Observe(jobState(job, cancelled)), nil
}

// jobState Job 状态 → RunState
func jobState(job *batchv1.Job, cancelled bool) model.RunState {
	if cancelled {
		// 删除是异步的，Job 仍可查到时视为 stopping
		return model.RunStateStopping
	}
	for _, c := range job.Status.Conditions {
		if c.Status != corev1.ConditionTrue {
			continue
		}
		switch c.Type {
		case batchv1.JobComplete, batchv1.JobSuccessCriteriaMet:
			return model.RunStateFinished
		case batchv1.JobFailed, batchv1.JobFailureTarget:
			return model.RunStateFailed
		}
	}
	if job.Status.Ready != nil && *job.Status.Ready > 0 {
		return model.RunStateRunning
	}
	if job.Status.Active > 0 {
		if job.Status.Ready == nil {
			return model.RunStateRunning
		}
		return model.RunStateQueued
	}
	if job.Status.Succeeded > 0 && job.Spec.Completions != nil && job.Status.Succeeded >= *job.Spec.Completions {
		return model.RunStateFinished
	}
	return model.RunStateQueued
}

// Cancel 以后台级联方式删除 Job
func (r *Run) Cancel(ctx context.Context) error {
	r.mu.Lock()
	r.cancelled = true
	r.mu.Unlock()

	policy := metav1.DeletePropagationBackground
	err := r.client.BatchV1().Jobs(r.namespace).Delete(ctx, r.name, metav1.DeleteOptions{PropagationPolicy: &policy})
	if err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("delete job %s: %w", r.ID(), err)
	}
	log.Printf("[runner.k8s.deleted] job=%s", r.ID())
	return nil
}

var (
	_ runner.Runner = (*Runner)(nil)
	_ runner.Run    = (*Run)(nil)
)
