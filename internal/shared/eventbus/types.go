// Package eventbus 任务事件类型定义
package eventbus

import (
	"fmt"
	"time"

	"launch-agent/internal/shared/model"
)

// ============================================================================
// 事件类型
// ============================================================================

// EventType 任务事件类型
type EventType string

const (
	// EventDispatched 已提交到后端并确认条目
	EventDispatched EventType = "dispatched"
	// EventDispatchFailed 解析或派发失败，条目已 Fail
	EventDispatchFailed EventType = "dispatch_failed"
	// EventStateChanged 后端报告的状态变化
	EventStateChanged EventType = "state_changed"
	// EventFinished 任务到达终态，已从任务表移除
	EventFinished EventType = "finished"
)

// JobEvent 任务生命周期事件
type JobEvent struct {
	ID        string         `json:"id,omitempty"` // 由总线分配
	Type      EventType      `json:"type"`
	AgentID   string         `json:"agent_id"`
	ItemID    string         `json:"item_id"`
	Queue     string         `json:"queue,omitempty"`
	RunID     string         `json:"run_id,omitempty"`
	Backend   string         `json:"backend,omitempty"`
	JobID     string         `json:"job_id,omitempty"`
	State     model.RunState `json:"state,omitempty"`
	Reason    string         `json:"reason,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// ============================================================================
// Key 前缀和常量
// ============================================================================

const (
	KeyJobEvents = "launch_events:"

	// Stream 最大长度
	MaxStreamLength = 1000
)

// StreamKey entity/project 的事件流
func StreamKey(entity, project string) string {
	return fmt.Sprintf("%s%s:%s", KeyJobEvents, entity, project)
}
