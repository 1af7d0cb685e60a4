package kubernetes

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/kubernetes/fake"
	k8stesting "k8s.io/client-go/testing"

	"launch-agent/internal/launch/builder"
	"launch-agent/internal/shared/model"
)

func project(args model.ResourceArgs) *model.LaunchProject {
	return &model.LaunchProject{
		RunID:        "AbCd1234efgh",
		QueueItemID:  "item-7",
		Source:       model.SourceImage,
		DockerImage:  "ghcr.io/org/train:v1",
		EntryPoint:   []string{"python", "train.py", "--epochs", "3"},
		Entity:       "My_Team",
		Project:      "Image Classifier",
		ResourceArgs: args,
	}
}

func getJob(t *testing.T, cs *fake.Clientset, ns string) *batchv1.Job {
	t.Helper()
	list, err := cs.BatchV1().Jobs(ns).List(context.Background(), metav1.ListOptions{})
	require.NoError(t, err)
	require.Len(t, list.Items, 1)
	return &list.Items[0]
}

func TestJobName(t *testing.T) {
	name := JobName("My_Team", "Image Classifier", "AbCd1234efgh")
	assert.Equal(t, "launch-my-team-image-classifier-abcd1234", name)

	long := JobName(strings.Repeat("entity", 20), strings.Repeat("p", 40), "run1")
	assert.LessOrEqual(t, len(long), 63)
	assert.True(t, strings.HasSuffix(long, "-run1"))
	assert.NotContains(t, long, "--")
}

func TestRun_DefaultJob(t *testing.T) {
	cs := fake.NewClientset()
	run, err := New(cs, nil, builder.RegistryConfig{}, "launch").Run(context.Background(), project(nil))
	require.NoError(t, err)
	assert.Equal(t, "launch/launch-my-team-image-classifier-abcd1234", run.ID())

	job := getJob(t, cs, "launch")
	assert.Equal(t, int32(0), *job.Spec.BackoffLimit)
	assert.Equal(t, corev1.RestartPolicyNever, job.Spec.Template.Spec.RestartPolicy)
	require.Len(t, job.Spec.Template.Spec.Containers, 1)

	c := job.Spec.Template.Spec.Containers[0]
	assert.Equal(t, "ghcr.io/org/train:v1", c.Image)
	assert.Equal(t, []string{"python", "train.py", "--epochs", "3"}, c.Command)
	assert.Contains(t, c.Env, corev1.EnvVar{Name: "LAUNCH_QUEUE_ITEM_ID", Value: "item-7"})
}

func TestRun_JobOverrides(t *testing.T) {
	cs := fake.NewClientset()
	args := model.ResourceArgs{
		"namespace": "training",
		"job": map[string]any{
			"metadata": map[string]any{"labels": map[string]any{"team": "vision"}},
			"spec": map[string]any{
				"backoffLimit":            float64(2),
				"ttlSecondsAfterFinished": float64(600),
				"template": map[string]any{
					"spec": map[string]any{
						"containers": []any{
							map[string]any{
								"name": "trainer",
								"resources": map[string]any{
									"limits": map[string]any{"nvidia.com/gpu": "1"},
								},
								"env": []any{map[string]any{"name": "LAUNCH_PROJECT", "value": "override"}},
							},
						},
					},
				},
			},
		},
	}

	_, err := New(cs, nil, builder.RegistryConfig{}, "").Run(context.Background(), project(args))
	require.NoError(t, err)

	job := getJob(t, cs, "training")
	assert.Equal(t, "vision", job.Labels["team"])
	assert.Equal(t, "vision", job.Spec.Template.Labels["team"])
	assert.Equal(t, int32(2), *job.Spec.BackoffLimit)
	assert.Equal(t, int32(600), *job.Spec.TTLSecondsAfterFinished)

	c := job.Spec.Template.Spec.Containers[0]
	assert.Equal(t, "trainer", c.Name)
	assert.Equal(t, "ghcr.io/org/train:v1", c.Image)
	assert.Equal(t, "1", c.Resources.Limits.Name("nvidia.com/gpu", "").String())
	assert.Contains(t, c.Env, corev1.EnvVar{Name: "LAUNCH_PROJECT", Value: "override"})
	assert.NotContains(t, c.Env, corev1.EnvVar{Name: "LAUNCH_PROJECT", Value: "Image Classifier"})
}

func twoContainers(selected string) model.ResourceArgs {
	args := model.ResourceArgs{
		"job": map[string]any{
			"spec": map[string]any{"template": map[string]any{"spec": map[string]any{
				"containers": []any{
					map[string]any{"name": "main"},
					map[string]any{"name": "sidecar", "image": "busybox"},
				},
			}}},
		},
	}
	if selected != "" {
		args["container_name"] = selected
	}
	return args
}

func TestRun_MultipleContainersNeedSelection(t *testing.T) {
	cs := fake.NewClientset()
	_, err := New(cs, nil, builder.RegistryConfig{}, "").Run(context.Background(), project(twoContainers("")))

	var ce *model.ConfigurationError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, "resource_args.container_name", ce.Resource)
	assert.Empty(t, cs.Actions())

	_, err = New(cs, nil, builder.RegistryConfig{}, "").Run(context.Background(), project(twoContainers("missing")))
	assert.True(t, errors.Is(err, model.ErrConfiguration))
}

func TestRun_SelectedContainerGetsEntryPoint(t *testing.T) {
	cs := fake.NewClientset()
	_, err := New(cs, nil, builder.RegistryConfig{}, "").Run(context.Background(), project(twoContainers("main")))
	require.NoError(t, err)

	containers := getJob(t, cs, "default").Spec.Template.Spec.Containers
	require.Len(t, containers, 2)
	assert.Equal(t, "ghcr.io/org/train:v1", containers[0].Image)
	assert.Equal(t, []string{"python", "train.py", "--epochs", "3"}, containers[0].Command)
	assert.Equal(t, "busybox", containers[1].Image)
	assert.Empty(t, containers[1].Command)
}

func TestJobState(t *testing.T) {
	one := int32(1)
	zero := int32(0)
	tests := []struct {
		name   string
		status batchv1.JobStatus
		want   model.RunState
	}{
		{"pending", batchv1.JobStatus{}, model.RunStateQueued},
		{"active not ready", batchv1.JobStatus{Active: 1, Ready: &zero}, model.RunStateQueued},
		{"ready", batchv1.JobStatus{Active: 1, Ready: &one}, model.RunStateRunning},
		{"complete", batchv1.JobStatus{Conditions: []batchv1.JobCondition{{Type: batchv1.JobComplete, Status: corev1.ConditionTrue}}}, model.RunStateFinished},
		{"failed", batchv1.JobStatus{Conditions: []batchv1.JobCondition{{Type: batchv1.JobFailed, Status: corev1.ConditionTrue}}}, model.RunStateFailed},
		{"condition false ignored", batchv1.JobStatus{Active: 1, Conditions: []batchv1.JobCondition{{Type: batchv1.JobFailed, Status: corev1.ConditionFalse}}}, model.RunStateRunning},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, jobState(&batchv1.Job{Status: tt.status}, false))
		})
	}
	assert.Equal(t, model.RunStateStopping, jobState(&batchv1.Job{}, true))
}

func TestRun_StatusFollowsJob(t *testing.T) {
	cs := fake.NewClientset()
	run, err := New(cs, nil, builder.RegistryConfig{}, "").Run(context.Background(), project(nil))
	require.NoError(t, err)

	st, err := run.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, model.RunStateQueued, st)

	job := getJob(t, cs, "default")
	job.Status.Conditions = []batchv1.JobCondition{{Type: batchv1.JobComplete, Status: corev1.ConditionTrue}}
	_, err = cs.BatchV1().Jobs("default").UpdateStatus(context.Background(), job, metav1.UpdateOptions{})
	require.NoError(t, err)

	st, err = run.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, model.RunStateFinished, st)
}

func TestRun_CancelStoppingUntilGone(t *testing.T) {
	cs := fake.NewClientset()
	// 删除请求被接受但对象暂时保留（模拟后台级联删除）
	var policy *metav1.DeletionPropagation
	cs.PrependReactor("delete", "jobs", func(action k8stesting.Action) (bool, runtime.Object, error) {
		policy = action.(k8stesting.DeleteAction).GetDeleteOptions().PropagationPolicy
		return true, nil, nil
	})

	run, err := New(cs, nil, builder.RegistryConfig{}, "").Run(context.Background(), project(nil))
	require.NoError(t, err)

	require.NoError(t, run.Cancel(context.Background()))
	require.NotNil(t, policy)
	assert.Equal(t, metav1.DeletePropagationBackground, *policy)

	st, err := run.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, model.RunStateStopping, st)

	// 对象真正消失后变为 stopped
	cs.ReactionChain = cs.ReactionChain[1:]
	require.NoError(t, cs.BatchV1().Jobs("default").Delete(context.Background(), getJob(t, cs, "default").Name, metav1.DeleteOptions{}))

	st, err = run.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, model.RunStateStopped, st)
}
