// Package sagemaker 托管训练后端（Amazon SageMaker Training Job）
//
// resource_args（未提供时取后端默认值）：
//
//	role_arn             训练任务使用的 IAM 角色（必填）
//	output_path          模型输出 s3:// 前缀（必填）
//	staging_bucket       源码暂存桶（必填）
//	instance_type        默认 ml.m5.xlarge
//	instance_count       默认 1
//	volume_size_gb       默认 30
//	max_runtime_seconds  默认 86400
//	hyperparameters      透传给训练任务
//	tags                 透传给训练任务
package sagemaker

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	sm "github.com/aws/aws-sdk-go-v2/service/sagemaker"
	"github.com/aws/aws-sdk-go-v2/service/sagemaker/types"

	"launch-agent/internal/launch/builder"
	"launch-agent/internal/launch/runner"
	"launch-agent/internal/shared/model"
	"launch-agent/internal/shared/objstore"
)

// API SageMaker 客户端中后端用到的部分（*sagemaker.Client 实现）
type API interface {
	CreateTrainingJob(ctx context.Context, in *sm.CreateTrainingJobInput, optFns ...func(*sm.Options)) (*sm.CreateTrainingJobOutput, error)
	DescribeTrainingJob(ctx context.Context, in *sm.DescribeTrainingJobInput, optFns ...func(*sm.Options)) (*sm.DescribeTrainingJobOutput, error)
	StopTrainingJob(ctx context.Context, in *sm.StopTrainingJobInput, optFns ...func(*sm.Options)) (*sm.StopTrainingJobOutput, error)
}

// NewAPI 按默认凭证链创建客户端
func NewAPI(ctx context.Context, region string) (*sm.Client, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, &model.ConfigurationError{Resource: "sagemaker", Msg: "load aws config", Err: err}
	}
	return sm.NewFromConfig(cfg), nil
}

// Defaults 后端默认参数
type Defaults struct {
	RoleARN       string
	OutputPath    string
	StagingBucket string
	InstanceType  string
}

// Runner 托管训练后端
type Runner struct {
	api      API
	store    objstore.Store
	builder  builder.Builder
	registry builder.RegistryConfig
	defaults Defaults
}

// New 创建后端；store 用于暂存源码
func New(api API, store objstore.Store, b builder.Builder, reg builder.RegistryConfig, defaults Defaults) *Runner {
	if b == nil {
		b = builder.Passthrough{}
	}
	if defaults.InstanceType == "" {
		defaults.InstanceType = "ml.m5.xlarge"
	}
	return &Runner{api: api, store: store, builder: b, registry: reg, defaults: defaults}
}

// Name 实现 runner.Runner
func (r *Runner) Name() string { return runner.ManagedTraining }

type params struct {
	roleARN       string
	outputPath    string
	stagingBucket string
}

// required 校验必填参数；缺失时不发出任何请求
func (r *Runner) required(args model.ResourceArgs) (params, error) {
	p := params{
		roleARN:       firstNonEmpty(args.String("role_arn"), r.defaults.RoleARN),
		outputPath:    firstNonEmpty(args.String("output_path"), r.defaults.OutputPath),
		stagingBucket: firstNonEmpty(args.String("staging_bucket"), r.defaults.StagingBucket),
	}
	var missing []string
	if p.roleARN == "" {
		missing = append(missing, "role_arn")
	}
	if p.outputPath == "" {
		missing = append(missing, "output_path")
	}
	if p.stagingBucket == "" {
		missing = append(missing, "staging_bucket")
	}
	if len(missing) > 0 {
		return p, model.Configf("resource_args."+missing[0], "sagemaker requires %s", strings.Join(missing, ", "))
	}
	if !strings.HasPrefix(p.outputPath, "s3://") {
		return p, model.Configf("resource_args.output_path", "output_path must be an s3:// URI, got %q", p.outputPath)
	}
	return p, nil
}

// Run 实现 runner.Runner
func (r *Runner) Run(ctx context.Context, p *model.LaunchProject) (runner.Run, error) {
	req, err := r.required(p.ResourceArgs)
	if err != nil {
		return nil, err
	}

	image, err := r.builder.Build(ctx, p, r.registry)
	if err != nil {
		return nil, err
	}
	p.DockerImage = image

	name := TrainingJobName(p.Project, p.RunID)
	env := p.RunEnv()

	var channels []types.Channel
	if p.Source != model.SourceImage && p.ProjectDir != "" {
		if r.store == nil {
			return nil, model.Configf("minio", "sagemaker needs an object store to stage %s", p.Identity())
		}
		key := "launch/" + name + "/source.tar.gz"
		uri, err := objstore.StageDir(ctx, r.store.WithBucket(req.stagingBucket), p.ProjectDir, key)
		if err != nil {
			return nil, model.DispatchErr(runner.ManagedTraining, "stage source to "+req.stagingBucket, err)
		}
		env["LAUNCH_CODE_URI"] = uri
		channels = append(channels, types.Channel{
			ChannelName: aws.String("code"),
			DataSource: &types.DataSource{S3DataSource: &types.S3DataSource{
				S3DataType: types.S3DataTypeS3Prefix,
				S3Uri:      aws.String(uri),
			}},
		})
	}

	instanceCount, ok := p.ResourceArgs.Int("instance_count")
	if !ok || instanceCount < 1 {
		instanceCount = 1
	}
	volumeSize, ok := p.ResourceArgs.Int("volume_size_gb")
	if !ok || volumeSize < 1 {
		volumeSize = 30
	}
	maxRuntime, ok := p.ResourceArgs.Int("max_runtime_seconds")
	if !ok || maxRuntime < 1 {
		maxRuntime = 86400
	}

	algo := &types.AlgorithmSpecification{
		TrainingImage:     aws.String(image),
		TrainingInputMode: types.TrainingInputModeFile,
	}
	if len(p.EntryPoint) > 0 {
		algo.ContainerEntrypoint = p.EntryPoint[:1]
		algo.ContainerArguments = p.EntryPoint[1:]
	}

	in := &sm.CreateTrainingJobInput{
		TrainingJobName:        aws.String(name),
		RoleArn:                aws.String(req.roleARN),
		AlgorithmSpecification: algo,
		OutputDataConfig:       &types.OutputDataConfig{S3OutputPath: aws.String(req.outputPath)},
		ResourceConfig: &types.ResourceConfig{
			InstanceType:   types.TrainingInstanceType(firstNonEmpty(p.ResourceArgs.String("instance_type"), r.defaults.InstanceType)),
			InstanceCount:  aws.Int32(int32(instanceCount)),
			VolumeSizeInGB: aws.Int32(int32(volumeSize)),
		},
		StoppingCondition: &types.StoppingCondition{MaxRuntimeInSeconds: aws.Int32(int32(maxRuntime))},
		Environment:       env,
		HyperParameters:   p.ResourceArgs.StringMap("hyperparameters"),
		InputDataConfig:   channels,
		Tags:              tags(p),
	}

	out, err := r.api.CreateTrainingJob(ctx, in)
	if err != nil {
		return nil, model.DispatchErr(runner.ManagedTraining, "create training job "+name, err)
	}

	arn := aws.ToString(out.TrainingJobArn)
	log.Printf("[runner.sagemaker.created] run_id=%s job=%s arn=%s", p.RunID, name, arn)
	return &Run{api: r.api, name: name, arn: arn}, nil
}

func tags(p *model.LaunchProject) []types.Tag {
	m := map[string]string{
		"launch:run_id":  p.RunID,
		"launch:entity":  p.Entity,
		"launch:project": p.Project,
	}
	for k, v := range p.ResourceArgs.StringMap("tags") {
		m[k] = v
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		if m[k] != "" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	out := make([]types.Tag, 0, len(keys))
	for _, k := range keys {
		out = append(out, types.Tag{Key: aws.String(k), Value: aws.String(m[k])})
	}
	return out
}

// TrainingJobName 训练任务名：字母数字与连字符，最长 63
func TrainingJobName(project, runID string) string {
	clean := func(s string) string {
		var b strings.Builder
		for _, r := range s {
			switch {
			case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
				b.WriteRune(r)
			default:
				if b.Len() > 0 && !strings.HasSuffix(b.String(), "-") {
					b.WriteByte('-')
				}
			}
		}
		return strings.Trim(b.String(), "-")
	}
	suffix := clean(runID)
	if suffix == "" {
		suffix = "run"
	}
	base := clean("launch-" + project)
	if limit := 63 - len(suffix) - 1; len(base) > limit {
		base = strings.TrimRight(base[:limit], "-")
	}
	return base + "-" + suffix
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// ============================================================================
// Run
// ============================================================================

// Run 一个训练任务
type Run struct {
	api   API
	name  string
	arn   string
	guard runner.StateGuard
}

// ID 训练任务 ARN（没有时为名称）
func (r *Run) ID() string {
	if r.arn != "" {
		return r.arn
	}
	return r.name
}

// Status 实现 runner.Run
func (r *Run) Status(ctx context.Context) (model.RunState, error) {
	out, err := r.api.DescribeTrainingJob(ctx, &sm.DescribeTrainingJobInput{TrainingJobName: aws.String(r.name)})
	if err != nil {
		return r.guard.Last(), fmt.Errorf("describe training job %s: %w", r.name, err)
	}
	st := mapStatus(out.TrainingJobStatus, out.SecondaryStatus)
	if st == model.RunStateFailed && out.FailureReason != nil {
		log.Printf("[runner.sagemaker.failed] job=%s reason=%q", r.name, aws.ToString(out.FailureReason))
	}
	return r.guard.Observe(st), nil
}

// mapStatus 训练任务状态 → RunState
func mapStatus(status types.TrainingJobStatus, secondary types.SecondaryStatus) model.RunState {
	switch status {
	case types.TrainingJobStatusInProgress:
		switch secondary {
		case types.SecondaryStatusStarting,
			types.SecondaryStatusLaunchingMlInstances,
			types.SecondaryStatusPreparingTrainingStack,
			types.SecondaryStatusDownloading,
			types.SecondaryStatusDownloadingTrainingImage:
			return model.RunStateQueued
		}
		return model.RunStateRunning
	case types.TrainingJobStatusCompleted:
		return model.RunStateFinished
	case types.TrainingJobStatusFailed:
		return model.RunStateFailed
	case types.TrainingJobStatusStopping:
		return model.RunStateStopping
	case types.TrainingJobStatusStopped:
		return model.RunStateStopped
	}
	return model.RunStateUnknown
}

// Cancel 停止训练任务
func (r *Run) Cancel(ctx context.Context) error {
	if _, err := r.api.StopTrainingJob(ctx, &sm.StopTrainingJobInput{TrainingJobName: aws.String(r.name)}); err != nil {
		return fmt.Errorf("stop training job %s: %w", r.name, err)
	}
	r.guard.Observe(model.RunStateStopping)
	log.Printf("[runner.sagemaker.stop_requested] job=%s", r.name)
	return nil
}

var (
	_ runner.Runner = (*Runner)(nil)
	_ runner.Run    = (*Run)(nil)
	_ API           = (*sm.Client)(nil)
)
