// Package runner 执行后端抽象与注册表
//
// 每个后端实现 Runner，把 LaunchProject 提交到各自的执行环境并返回 Run 句柄。
// Agent 只通过 Run.Status / Run.Cancel 跟踪任务，不关心具体后端。
package runner

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"

	"launch-agent/internal/shared/model"
)

// 内置后端名称
const (
	LocalProcess    = "local-process"
	LocalContainer  = "local-container"
	Kubernetes      = "kubernetes"
	ManagedTraining = "sagemaker"
)

// Run 已提交的运行
type Run interface {
	// ID 后端内的标识（pid / 容器 id / job 名 / 训练任务 ARN）
	ID() string
	// Status 查询当前状态
	Status(ctx context.Context) (model.RunState, error)
	// Cancel 请求终止；返回后状态可能仍为 stopping
	Cancel(ctx context.Context) error
}

// Runner 执行后端
type Runner interface {
	Name() string
	Run(ctx context.Context, project *model.LaunchProject) (Run, error)
}

// Registry 后端注册表（启动时构建）
type Registry struct {
	runners map[string]Runner
	mu      sync.RWMutex
}

// NewRegistry 创建注册表
func NewRegistry() *Registry {
	return &Registry{runners: make(map[string]Runner)}
}

// Register 注册后端
func (r *Registry) Register(rn Runner) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := rn.Name()
	if _, exists := r.runners[name]; exists {
		return fmt.Errorf("runner %s already registered", name)
	}
	r.runners[name] = rn
	log.Printf("[runner.registry] registered: %s", name)
	return nil
}

// Get 按名称查找；未注册的名称是配置错误
func (r *Registry) Get(name string) (Runner, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rn, ok := r.runners[name]
	if !ok {
		return nil, &model.ConfigurationError{
			Resource: "resource:" + name,
			Msg:      fmt.Sprintf("unknown backend %q (registered: %v)", name, r.namesLocked()),
		}
	}
	return rn, nil
}

// Names 已注册的后端名
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.namesLocked()
}

func (r *Registry) namesLocked() []string {
	names := make([]string, 0, len(r.runners))
	for name := range r.runners {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ============================================================================
// StateGuard - 状态单调
// ============================================================================

// StateGuard 保证对外报告的状态只朝终态方向前进
//
// 后端偶尔会返回回退的状态（例如 Job 被删除后查询不到），此时保持上一次的状态。
// 取消过程中后端报告 finished / failed 时记为 stopped。
type StateGuard struct {
	mu   sync.Mutex
	last model.RunState
}

// Observe 记录后端报告的新状态，返回应当对外报告的状态
func (g *StateGuard) Observe(s model.RunState) model.RunState {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.last == model.RunStateStopping && s.IsTerminal() {
		s = model.RunStateStopped
	}
	if g.last == "" || model.CanTransition(g.last, s) {
		if s != model.RunStateUnknown || g.last == "" {
			g.last = s
		}
	}
	return g.last
}

// Last 最近一次状态
func (g *StateGuard) Last() model.RunState {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.last == "" {
		return model.RunStateUnknown
	}
	return g.last
}
