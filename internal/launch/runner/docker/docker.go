// Package docker 本机容器后端
//
// 镜像由 Builder 提供（镜像来源直接使用），容器通过 Docker API 创建并启动。
// resource_args 支持：
//
//	gpus     "all" 或数量
//	volumes  {host: container}
//	env      额外环境变量
package docker

import (
	"context"
	"log"
	"strings"
	"sync"
	"time"

	"launch-agent/internal/launch/builder"
	"launch-agent/internal/launch/runner"
	"launch-agent/internal/shared/model"
	"launch-agent/pkg/docker"
)

// ContainerAPI Docker API 中后端用到的部分（*docker.Client 实现）
type ContainerAPI interface {
	CreateContainer(ctx context.Context, cfg *docker.ContainerConfig) (string, error)
	StartContainer(ctx context.Context, containerID string) error
	StopContainer(ctx context.Context, containerID string, timeout *int) error
	RemoveContainer(ctx context.Context, containerID string, force bool) error
	InspectContainer(ctx context.Context, containerID string) (*docker.ContainerState, error)
	ContainerLogs(ctx context.Context, containerID string, tail string) (string, error)
}

// failureLogTail 容器失败时记录的日志行数
const failureLogTail = "20"

// Runner 本机容器后端
type Runner struct {
	api      ContainerAPI
	builder  builder.Builder
	registry builder.RegistryConfig

	// StopTimeout 取消时给容器的优雅退出时间（秒）
	StopTimeout int
}

// New 创建后端
func New(api ContainerAPI, b builder.Builder, reg builder.RegistryConfig) *Runner {
	if b == nil {
		b = builder.Passthrough{}
	}
	return &Runner{api: api, builder: b, registry: reg, StopTimeout: 10}
}

// Name 实现 runner.Runner
func (r *Runner) Name() string { return runner.LocalContainer }

// Run 实现 runner.Runner
func (r *Runner) Run(ctx context.Context, p *model.LaunchProject) (runner.Run, error) {
	image, err := r.builder.Build(ctx, p, r.registry)
	if err != nil {
		return nil, err
	}
	p.DockerImage = image

	env := p.RunEnv()
	for k, v := range p.ResourceArgs.StringMap("env") {
		env[k] = v
	}

	cfg := &docker.ContainerConfig{
		Name:  containerName(p.RunID),
		Image: image,
		Cmd:   p.EntryPoint,
		Env:   env,
		Binds: p.ResourceArgs.StringMap("volumes"),
		Labels: map[string]string{
			"launch.run_id":        p.RunID,
			"launch.queue_item_id": p.QueueItemID,
			"launch.entity":        p.Entity,
			"launch.project":       p.Project,
		},
		GPUs: p.ResourceArgs.String("gpus"),
	}

	id, err := r.api.CreateContainer(ctx, cfg)
	if err != nil {
		return nil, model.DispatchErr(runner.LocalContainer, "create container from "+image, err)
	}
	if err := r.api.StartContainer(ctx, id); err != nil {
		// 启动失败的容器不保留
		_ = r.api.RemoveContainer(context.WithoutCancel(ctx), id, true)
		return nil, model.DispatchErr(runner.LocalContainer, "start container "+shortID(id), err)
	}

	log.Printf("[runner.docker.started] run_id=%s container=%s image=%s", p.RunID, shortID(id), image)
	return &Run{id: id, api: r.api, stopTimeout: r.StopTimeout}, nil
}

func containerName(runID string) string {
	return "launch-" + strings.ToLower(runID)
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

// Run 一个容器
type Run struct {
	id          string
	api         ContainerAPI
	stopTimeout int
	guard       runner.StateGuard

	mu         sync.Mutex
	cancelled  bool
	logsTailed bool
}

// ID 容器 id
func (r *Run) ID() string { return r.id }

// Status 实现 runner.Run
func (r *Run) Status(ctx context.Context) (model.RunState, error) {
	st, err := r.api.InspectContainer(ctx, r.id)
	if err != nil {
		return r.guard.Last(), err
	}

	r.mu.Lock()
	cancelled := r.cancelled
	r.mu.Unlock()

	state := r.guard.Observe(mapState(st, cancelled))
	if state == model.RunStateFailed {
		r.tailFailureLogs(ctx, st)
	}
	return state, nil
}

// tailFailureLogs 首次观察到失败时记录容器最后几行输出
func (r *Run) tailFailureLogs(ctx context.Context, st *docker.ContainerState) {
	r.mu.Lock()
	if r.logsTailed {
		r.mu.Unlock()
		return
	}
	r.logsTailed = true
	r.mu.Unlock()

	exitCode := 0
	if st != nil {
		exitCode = st.ExitCode
	}
	out, err := r.api.ContainerLogs(ctx, r.id, failureLogTail)
	if err != nil {
		log.Printf("[runner.docker.failed] container=%s exit_code=%d logs_error=%v", shortID(r.id), exitCode, err)
		return
	}
	log.Printf("[runner.docker.failed] container=%s exit_code=%d logs=%q", shortID(r.id), exitCode, strings.TrimSpace(out))
}

// mapState Docker 容器状态 → RunState
func mapState(st *docker.ContainerState, cancelled bool) model.RunState {
	if st == nil {
		// 容器已被清理
		if cancelled {
			return model.RunStateStopped
		}
		return model.RunStateUnknown
	}
	switch st.Status {
	case "created":
		if cancelled {
			return model.RunStateStopping
		}
		return model.RunStateQueued
	case "running", "restarting", "paused":
		if cancelled {
			return model.RunStateStopping
		}
		return model.RunStateRunning
	case "removing":
		if cancelled {
			return model.RunStateStopping
		}
		return model.RunStateUnknown
	case "exited":
		switch {
		case cancelled:
			return model.RunStateStopped
		case st.ExitCode == 0:
			return model.RunStateFinished
		default:
			return model.RunStateFailed
		}
	case "dead":
		if cancelled {
			return model.RunStateStopped
		}
		return model.RunStateFailed
	}
	return model.RunStateUnknown
}

// Cancel 异步停止容器；停止完成前状态为 stopping
func (r *Run) Cancel(ctx context.Context) error {
	r.mu.Lock()
	if r.cancelled {
		r.mu.Unlock()
		return nil
	}
	r.cancelled = true
	r.mu.Unlock()

	go func() {
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Duration(r.stopTimeout+30)*time.Second)
		defer cancel()
		timeout := r.stopTimeout
		if err := r.api.StopContainer(stopCtx, r.id, &timeout); err != nil {
			log.Printf("[runner.docker.stop_failed] container=%s error=%v", shortID(r.id), err)
			return
		}
		log.Printf("[runner.docker.stopped] container=%s", shortID(r.id))
	}()
	return nil
}

var (
	_ runner.Runner = (*Runner)(nil)
	_ runner.Run    = (*Run)(nil)
	_ ContainerAPI  = (*docker.Client)(nil)
)
