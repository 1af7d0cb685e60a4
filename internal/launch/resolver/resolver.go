// Package resolver 把队列条目中的运行描述解析为可启动的 LaunchProject
//
// 解析步骤：
//  1. 校验来源：uri / job / docker_image 恰好一个
//  2. job 引用通过 JobSource 取回默认入口、参数和来源
//  3. 合并覆盖参数：调用方 > 队列条目 > job 默认值
//  4. 物化源码：git 克隆（可选补丁）、artifact 下载解压、镜像直接使用
//  5. 组装入口命令：基础命令 + 每个覆盖参数的 --key value（保持插入顺序）
package resolver

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"launch-agent/internal/shared/model"
	"launch-agent/internal/shared/objstore"
)

// Resolver 项目解析器
type Resolver struct {
	Jobs    JobSource
	Store   objstore.Store // artifact 来源需要
	Git     Git
	WorkDir string

	// NewRunID 生成运行 ID（测试可替换）
	NewRunID func() string
}

// New 创建解析器
func New(jobs JobSource, store objstore.Store, git Git, workDir string) *Resolver {
	if workDir == "" {
		workDir = filepath.Join(os.TempDir(), "launch-agent")
	}
	if git == nil {
		git = ExecGit{Depth: 1}
	}
	return &Resolver{Jobs: jobs, Store: store, Git: git, WorkDir: workDir}
}

func newRunID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// Resolve 解析运行描述
func (r *Resolver) Resolve(ctx context.Context, spec model.RunSpec, call model.Overrides) (*model.LaunchProject, error) {
	if err := checkSingleSource(spec); err != nil {
		return nil, err
	}

	runID := newRunID()
	if r.NewRunID != nil {
		runID = r.NewRunID()
	}

	p := &model.LaunchProject{
		RunID:        runID,
		URI:          spec.URI,
		JobRef:       spec.JobRef,
		DockerImage:  spec.DockerImage,
		Entity:       spec.Entity,
		Project:      spec.Project,
		Resource:     spec.Resource,
		ResourceArgs: spec.ResourceArgs,
		Env:          map[string]string{},
	}

	var base model.Overrides
	var diff, version string
	switch {
	case spec.JobRef != "":
		if r.Jobs == nil {
			return nil, model.Configf("job:"+spec.JobRef, "no job source configured")
		}
		job, err := r.Jobs.FetchJob(ctx, spec.JobRef)
		if err != nil {
			return nil, err
		}
		if err := applyJob(p, job); err != nil {
			return nil, err
		}
		base = model.Overrides{Args: job.Args, RunConfig: job.RunConfig, EntryPoint: job.EntryPoint}
		diff = job.Diff
		version = job.GitVersion
	case spec.URI != "":
		p.Source = model.SourceGit
	default:
		p.Source = model.SourceImage
	}
	if spec.GitVersion != "" {
		version = spec.GitVersion
	}

	p.Overrides = base.Merge(spec.Overrides).Merge(call)

	if err := r.materialize(ctx, p, version, diff); err != nil {
		return nil, err
	}

	entry, err := entryPoint(p)
	if err != nil {
		r.cleanup(p)
		return nil, err
	}
	p.EntryPoint = entry

	if len(p.Overrides.RunConfig) > 0 {
		data, err := json.Marshal(p.Overrides.RunConfig)
		if err != nil {
			r.cleanup(p)
			return nil, model.Configf("overrides.run_config", "not serializable: %v", err)
		}
		p.Env["LAUNCH_RUN_CONFIG"] = string(data)
	}

	log.Printf("[resolver.resolved] run_id=%s source=%s identity=%s entry=%q", p.RunID, p.Source, p.Identity(), p.EntryPoint)
	return p, nil
}

// checkSingleSource 来源必须恰好一个
func checkSingleSource(spec model.RunSpec) error {
	var set []string
	if spec.URI != "" {
		set = append(set, "uri")
	}
	if spec.JobRef != "" {
		set = append(set, "job")
	}
	if spec.DockerImage != "" {
		set = append(set, "docker_image")
	}
	switch len(set) {
	case 1:
		return nil
	case 0:
		return model.Configf("run_spec", "one of uri, job or docker_image is required")
	default:
		return model.Configf("run_spec", "ambiguous source: %s are all set", strings.Join(set, ", "))
	}
}

func applyJob(p *model.LaunchProject, job *JobDefinition) error {
	source := job.Source
	if source == "" {
		switch {
		case job.DockerImage != "":
			source = model.SourceImage
		case job.ArtifactKey != "":
			source = model.SourceArtifact
		case job.URI != "":
			source = model.SourceGit
		}
	}

	p.Source = source
	switch source {
	case model.SourceGit:
		if job.URI == "" {
			return model.Configf("job:"+job.Name, "git job has no uri")
		}
		p.URI = job.URI
	case model.SourceArtifact:
		if job.ArtifactKey == "" {
			return model.Configf("job:"+job.Name, "artifact job has no artifact_key")
		}
		p.ArtifactKey = job.ArtifactKey
	case model.SourceImage:
		if job.DockerImage == "" {
			return model.Configf("job:"+job.Name, "image job has no docker_image")
		}
		p.DockerImage = job.DockerImage
	default:
		return model.Configf("job:"+job.Name, "job has no source")
	}

	if p.Resource == "" {
		p.Resource = job.Resource
	}
	for k, v := range job.Env {
		p.Env[k] = v
	}
	return nil
}

// materialize 准备源码目录
func (r *Resolver) materialize(ctx context.Context, p *model.LaunchProject, version, diff string) error {
	if p.Source == model.SourceImage {
		return nil
	}

	dir := filepath.Join(r.WorkDir, p.RunID)
	if err := os.MkdirAll(r.WorkDir, 0o755); err != nil {
		return fmt.Errorf("create work dir: %w", err)
	}
	p.ProjectDir = dir

	var err error
	switch p.Source {
	case model.SourceGit:
		err = r.materializeGit(ctx, p, version, diff)
	case model.SourceArtifact:
		if r.Store == nil {
			return model.Configf("minio", "artifact source requires an object store")
		}
		err = objstore.FetchArchive(ctx, r.Store, p.ArtifactKey, dir)
	}
	if err != nil {
		r.cleanup(p)
		return err
	}
	return nil
}

func (r *Resolver) materializeGit(ctx context.Context, p *model.LaunchProject, version, diff string) error {
	commit, err := r.Git.Clone(ctx, p.URI, version, p.ProjectDir)
	if err != nil {
		return err
	}
	p.GitCommit = commit

	if diff == "" {
		return nil
	}
	patch := filepath.Join(p.ProjectDir, "diff.patch")
	if err := os.WriteFile(patch, []byte(diff), 0o644); err != nil {
		return fmt.Errorf("write diff.patch: %w", err)
	}
	if err := r.Git.Apply(ctx, p.ProjectDir, patch); err != nil {
		return fmt.Errorf("apply diff.patch: %w", err)
	}
	return nil
}

// entryPoint 基础命令 + --key value
//
// 镜像来源可以没有基础命令（参数交给镜像自身的 ENTRYPOINT）；
// 源码来源没有基础命令时回退到项目根目录的 main.py。
func entryPoint(p *model.LaunchProject) ([]string, error) {
	base := p.Overrides.EntryPoint
	if len(base) == 0 && p.Source != model.SourceImage {
		if _, err := os.Stat(filepath.Join(p.ProjectDir, "main.py")); err == nil {
			base = []string{"python", "main.py"}
		} else {
			return nil, model.Configf("entry_point", "no entry point for %s and no main.py in project", p.Identity())
		}
	}

	out := make([]string, 0, len(base)+2*len(p.Overrides.Args))
	out = append(out, base...)
	out = append(out, p.Overrides.Args.Flags()...)
	return out, nil
}

func (r *Resolver) cleanup(p *model.LaunchProject) {
	if p.ProjectDir != "" {
		os.RemoveAll(p.ProjectDir)
	}
}

// Cleanup 任务结束后删除源码目录
func (r *Resolver) Cleanup(p *model.LaunchProject) {
	r.cleanup(p)
}
