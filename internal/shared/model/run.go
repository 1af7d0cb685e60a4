// Package model 定义核心数据模型
//
// run.go 包含运行状态相关的定义：
//   - RunState：一次已派发执行的状态（与后端无关）
//   - CanTransition：状态迁移规则
package model

import "strings"

// ============================================================================
// RunState - 运行状态
// ============================================================================

// RunState 表示一次已派发执行（Run）的状态
//
// 状态由各后端上报，只朝终态单向迁移：
//   - queued：后端已接受，尚未开始（如 K8s Pod Pending、训练任务排队）
//   - running：执行中
//   - stopping：已请求取消，等待后端确认
//   - finished / failed / stopped：终态
//   - unknown：后端暂时无法给出状态（如容器已被清理），不是终态
type RunState string

const (
	RunStateQueued   RunState = "queued"
	RunStateRunning  RunState = "running"
	RunStateStopping RunState = "stopping"
	RunStateFinished RunState = "finished"
	RunStateFailed   RunState = "failed"
	RunStateStopped  RunState = "stopped"
	RunStateUnknown  RunState = "unknown"
)

// IsTerminal 是否为终态
func (s RunState) IsTerminal() bool {
	switch s {
	case RunStateFinished, RunStateFailed, RunStateStopped:
		return true
	}
	return false
}

// IsValid 是否为已知状态
func (s RunState) IsValid() bool {
	switch s {
	case RunStateQueued, RunStateRunning, RunStateStopping,
		RunStateFinished, RunStateFailed, RunStateStopped, RunStateUnknown:
		return true
	}
	return false
}

// ParseRunState 宽松解析，未知值返回 RunStateUnknown
func ParseRunState(s string) RunState {
	st := RunState(strings.ToLower(strings.TrimSpace(s)))
	if st.IsValid() {
		return st
	}
	return RunStateUnknown
}

// rank 状态在迁移链上的位置；unknown 不参与排序
func (s RunState) rank() int {
	switch s {
	case RunStateQueued:
		return 1
	case RunStateRunning:
		return 2
	case RunStateStopping:
		return 3
	case RunStateFinished, RunStateFailed, RunStateStopped:
		return 4
	}
	return 0
}

// CanTransition 判断 from → to 是否合法
//
// 规则：
//   - 终态不可再迁移
//   - unknown 可以迁移到任意状态，任意非终态也可以变为 unknown
//   - stopping 之后只能是 stopped（或 unknown）
//   - 其余只能向前
func CanTransition(from, to RunState) bool {
	if from == to {
		// 重复上报同一状态
		return true
	}
	if from.IsTerminal() {
		return false
	}
	if from == RunStateUnknown || to == RunStateUnknown {
		return true
	}
	if from == RunStateStopping {
		return to == RunStateStopped
	}
	return to.rank() > from.rank()
}
