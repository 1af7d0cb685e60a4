package runner

import (
	"context"
	"fmt"
	"sync"

	"launch-agent/internal/shared/model"
)

// FakeRun 状态可由测试控制的运行
type FakeRun struct {
	id string

	mu        sync.Mutex
	state     model.RunState
	statusErr error
	cancelled int
}

// NewFakeRun 创建处于 running 状态的运行
func NewFakeRun(id string) *FakeRun {
	return &FakeRun{id: id, state: model.RunStateRunning}
}

func (r *FakeRun) ID() string { return r.id }

func (r *FakeRun) Status(ctx context.Context) (model.RunState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state, r.statusErr
}

func (r *FakeRun) Cancel(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancelled++
	if !r.state.IsTerminal() {
		r.state = model.RunStateStopped
	}
	return nil
}

// SetState 修改状态
func (r *FakeRun) SetState(s model.RunState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = s
}

// SetStatusErr 让 Status 返回错误
func (r *FakeRun) SetStatusErr(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statusErr = err
}

// Cancelled Cancel 被调用次数
func (r *FakeRun) Cancelled() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancelled
}

// FakeRunner 记录派发的项目，返回 FakeRun
type FakeRunner struct {
	name string

	mu       sync.Mutex
	Projects []*model.LaunchProject
	Runs     []*FakeRun
	// Err 非空时 Run 返回该错误
	Err error
}

// NewFakeRunner 创建假后端
func NewFakeRunner(name string) *FakeRunner {
	return &FakeRunner{name: name}
}

func (f *FakeRunner) Name() string { return f.name }

func (f *FakeRunner) Run(ctx context.Context, project *model.LaunchProject) (Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	f.Projects = append(f.Projects, project)
	run := NewFakeRun(fmt.Sprintf("%s-%d", f.name, len(f.Runs)+1))
	f.Runs = append(f.Runs, run)
	return run, nil
}

// Dispatched 已派发次数
func (f *FakeRunner) Dispatched() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Runs)
}

// RunAt 第 i 个运行
func (f *FakeRunner) RunAt(i int) *FakeRun {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Runs[i]
}

var (
	_ Runner = (*FakeRunner)(nil)
	_ Run    = (*FakeRun)(nil)
)
